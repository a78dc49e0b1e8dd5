package integration

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"testing"

	"github.com/docker/docker/pkg/stdcopy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
)

// execInContainer runs a command in the container and returns stdout
func execInContainer(ctx context.Context, container testcontainers.Container, cmd []string) (int, string, error) {
	exitCode, reader, err := container.Exec(ctx, cmd)
	if err != nil {
		return exitCode, "", err
	}

	// Demux the Docker stream (stdout/stderr are multiplexed)
	var stdout, stderr bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdout, &stderr, reader)

	return exitCode, stdout.String(), nil
}

// execAsUser runs a shell command in the container as the login user
func execAsUser(ctx context.Context, container testcontainers.Container, script string) (int, string, error) {
	return execInContainer(ctx, container, []string{"su", "-", testUser, "-c", script})
}

// assertCommandOutput runs a command and checks its stdout contains expected strings
func assertCommandOutput(t *testing.T, ctx context.Context, container testcontainers.Container, cmd []string, expectedStdout []string) {
	t.Helper()
	exitCode, output, err := execInContainer(ctx, container, cmd)
	require.NoError(t, err)
	assert.Equal(t, 0, exitCode, "command %v should succeed", cmd)

	for _, expected := range expectedStdout {
		assert.Contains(t, output, expected, "command output should contain %q", expected)
	}
}

// runAndon runs the CLI against the test launcher file and returns its
// combined output and exit code.
func runAndon(t *testing.T, env *testEnv, args ...string) (string, int) {
	t.Helper()

	full := append([]string{"--config", env.configPath, "--ssh-key", env.keyPath, "--no-color", "--timeout", "10s"}, args...)
	cmd := exec.Command(andonBinaryPath, full...)
	cmd.Dir = projectRoot
	out, err := cmd.CombinedOutput()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return string(out), 0
	case errors.As(err, &exitErr):
		return string(out), exitErr.ExitCode()
	default:
		require.NoError(t, err, "failed to run andon")
		return "", -1
	}
}
