// Package health provides the pluggable service health probes polled by
// the dependency scheduler during startup.
package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"time"
)

// Timeout floors. These prevent a misconfigured zero timeout from ever
// becoming an infinite hang.
const (
	// MinHTTPTimeout is the absolute minimum for any HTTP probe.
	MinHTTPTimeout = 1 * time.Second

	// MinTCPTimeout is the absolute minimum for TCP connect probes.
	MinTCPTimeout = 500 * time.Millisecond

	// MinCommandTimeout is the absolute minimum for command probes.
	MinCommandTimeout = 1 * time.Second

	// DefaultHTTPTimeout is the standard timeout for HTTP probes.
	DefaultHTTPTimeout = 10 * time.Second

	// DefaultTCPTimeout is the standard timeout for TCP probes.
	DefaultTCPTimeout = 5 * time.Second

	// DefaultCommandTimeout is the standard timeout for command probes.
	DefaultCommandTimeout = 15 * time.Second
)

// EnforceMinTimeout returns at least the minimum timeout.
func EnforceMinTimeout(requested, minimum time.Duration) time.Duration {
	if requested <= 0 || requested < minimum {
		return minimum
	}
	return requested
}

// Probe checks whether one service is healthy.
//
// Implementations must honor ctx and return within their own timeout; a
// nil return means healthy, any error means not healthy yet.
type Probe interface {
	Check(ctx context.Context) error
}

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc func(ctx context.Context) error

// Check calls f.
func (f ProbeFunc) Check(ctx context.Context) error {
	return f(ctx)
}

// HTTPProbe considers a service healthy when a GET to URL returns a 2xx.
type HTTPProbe struct {
	URL     string
	Timeout time.Duration

	// Client overrides the HTTP client, mainly for tests.
	Client *http.Client
}

// Check performs the GET.
func (p *HTTPProbe) Check(ctx context.Context) error {
	timeout := EnforceMinTimeout(p.Timeout, MinHTTPTimeout)
	if p.Timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return fmt.Errorf("health: build request for %s: %w", p.URL, err)
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health: %s unreachable: %w", p.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health: %s returned %d", p.URL, resp.StatusCode)
	}
	return nil
}

// TCPProbe considers a service healthy when its address accepts a TCP
// connection. Used for databases that expose no HTTP surface.
type TCPProbe struct {
	Address string
	Timeout time.Duration
}

// Check dials the address.
func (p *TCPProbe) Check(ctx context.Context) error {
	timeout := EnforceMinTimeout(p.Timeout, MinTCPTimeout)
	if p.Timeout <= 0 {
		timeout = DefaultTCPTimeout
	}

	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return fmt.Errorf("health: dial %s: %w", p.Address, err)
	}
	return conn.Close()
}

// CommandProbe considers a service healthy when a command exits zero.
// Covers runtimes whose health is only visible through their own CLI
// (e.g. a container runtime's healthcheck inspection).
type CommandProbe struct {
	Command []string
	Timeout time.Duration
}

// Check runs the command.
func (p *CommandProbe) Check(ctx context.Context) error {
	if len(p.Command) == 0 {
		return fmt.Errorf("health: command probe has no command")
	}

	timeout := EnforceMinTimeout(p.Timeout, MinCommandTimeout)
	if p.Timeout <= 0 {
		timeout = DefaultCommandTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.Command[0], p.Command[1:]...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("health: %s: %w (output: %s)", p.Command[0], err, truncate(string(out), 200))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
