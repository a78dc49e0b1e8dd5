// Package probe checks whether a managed server's own HTTP API answers.
package probe

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Path is the endpoint every managed server exposes.
const Path = "/get_server_time"

// DefaultTimeout bounds one probe.
const DefaultTimeout = 5 * time.Second

// Result is the outcome of one probe.
type Result struct {
	URL        string        `json:"url"`
	Reachable  bool          `json:"reachable"`
	StatusCode int           `json:"statusCode,omitempty"`
	Body       string        `json:"body,omitempty"`
	Latency    time.Duration `json:"latency"`
	Error      string        `json:"error,omitempty"`
}

// Prober performs HTTP liveness checks.
type Prober struct {
	client  *http.Client
	timeout time.Duration
	scheme  string
}

// Option configures a Prober.
type Option func(*Prober)

// WithTimeout sets the per-probe timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Prober) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithClient sets the HTTP client.
func WithClient(c *http.Client) Option {
	return func(p *Prober) {
		p.client = c
	}
}

// New creates a Prober.
func New(opts ...Option) *Prober {
	p := &Prober{
		client:  &http.Client{},
		timeout: DefaultTimeout,
		scheme:  "http",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// URL returns the probe URL for host and port.
func (p *Prober) URL(host string, port int) string {
	return fmt.Sprintf("%s://%s%s", p.scheme, net.JoinHostPort(host, strconv.Itoa(port)), Path)
}

// Probe issues a GET and reports reachability. Any 2xx answer counts.
func (p *Prober) Probe(ctx context.Context, host string, port int) Result {
	res := Result{URL: p.URL(host, port)}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, res.URL, nil)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	res.Latency = time.Since(start)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	res.StatusCode = resp.StatusCode
	res.Body = string(body)
	res.Reachable = resp.StatusCode >= 200 && resp.StatusCode < 300
	if !res.Reachable {
		res.Error = resp.Status
	}
	return res
}
