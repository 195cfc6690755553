// Package federation is the client side of the hub federation API.
//
// The engine consumes this API to report its state transitions and to
// read hub-computed drift; it never implements drift detection itself.
// All calls are best-effort from the pipeline's point of view: a hub
// that is down must not fail a deployment.
package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/meridian-sys/spokectl/pkg/logging"
)

const defaultTimeout = 10 * time.Second

// Client talks to one federation hub.
type Client struct {
	base string
	http *http.Client
	log  *logging.Logger
}

// NewClient builds a client for the hub at baseURL. A zero timeout
// gets the default. The returned client performs no retries; callers
// that need retry wrap the call themselves.
func NewClient(baseURL string, timeout time.Duration, log *logging.Logger) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("federation: invalid hub URL %q", baseURL)
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: timeout},
		log:  log,
	}, nil
}

// Health is the hub's own health report.
type Health struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// Drift describes per-instance divergence detected by the hub.
type Drift struct {
	InstanceCode string    `json:"instance_code"`
	Field        string    `json:"field"`
	Expected     string    `json:"expected"`
	Actual       string    `json:"actual"`
	DetectedAt   time.Time `json:"detected_at"`
}

// InstanceState is the hub's view of one instance.
type InstanceState struct {
	InstanceCode string    `json:"instance_code"`
	State        string    `json:"state"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Health fetches GET /health.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.get(ctx, "/health", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Drift fetches GET /drift.
func (c *Client) Drift(ctx context.Context) ([]Drift, error) {
	var out []Drift
	if err := c.get(ctx, "/drift", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// States fetches GET /states.
func (c *Client) States(ctx context.Context) ([]InstanceState, error) {
	var out []InstanceState
	if err := c.get(ctx, "/states", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ReconcileRequest asks the hub to reconcile one instance.
type ReconcileRequest struct {
	InstanceCode string `json:"instance_code"`
	Reason       string `json:"reason,omitempty"`
}

// Reconcile posts POST /reconcile.
func (c *Client) Reconcile(ctx context.Context, req ReconcileRequest) error {
	return c.post(ctx, "/reconcile", req)
}

// TransitionReport is what the engine tells the hub about a state
// change it just made.
type TransitionReport struct {
	InstanceCode string    `json:"instance_code"`
	FromState    string    `json:"from_state"`
	ToState      string    `json:"to_state"`
	Reason       string    `json:"reason,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// NotifyTransition reports a state transition to the hub. Best-effort:
// failures are logged and swallowed so an unreachable hub never blocks
// a deployment.
func (c *Client) NotifyTransition(ctx context.Context, rep TransitionReport) {
	if err := c.post(ctx, "/reconcile", ReconcileRequest{
		InstanceCode: rep.InstanceCode,
		Reason:       fmt.Sprintf("transition %s -> %s: %s", rep.FromState, rep.ToState, rep.Reason),
	}); err != nil {
		c.log.Warn("federation notify failed",
			"instance", rep.InstanceCode, "to_state", rep.ToState, "error", err)
	}
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("federation: GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("federation: GET %s: unexpected status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("federation: POST %s: %w", path, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("federation: POST %s: unexpected status %d", path, resp.StatusCode)
	}
	return nil
}
