package connector

import (
	"strings"
	"sync"
	"testing"
)

func TestOutputBufferConcurrentWrites(t *testing.T) {
	var out OutputBuffer

	var wg sync.WaitGroup
	for _, line := range []string{"stdout\n", "stderr\n"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if _, err := out.Write([]byte(line)); err != nil {
					t.Errorf("write: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	got := out.String()
	if n := strings.Count(got, "stdout\n"); n != 100 {
		t.Errorf("expected 100 stdout lines, got %d", n)
	}
	if n := strings.Count(got, "stderr\n"); n != 100 {
		t.Errorf("expected 100 stderr lines, got %d", n)
	}
}

func TestCompleted(t *testing.T) {
	res := Completed("No screen session found.", 1)
	if !res.Succeeded || res.TransportDown {
		t.Errorf("expected a completed command, got %+v", res)
	}
	if !res.Exited() || *res.ExitCode != 1 {
		t.Errorf("expected exit code 1, got %+v", res)
	}
}
