package federation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHubServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL, time.Second, nil)
	require.NoError(t, err)
	return c
}

// TestNewClientRejectsBadURL verifies construction fails fast on an
// unusable base URL.
func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := NewClient("://not-a-url", 0, nil)
	require.Error(t, err)
}

// TestHealth verifies GET /health decoding.
func TestHealth(t *testing.T) {
	c := newHubServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/health", r.URL.Path)
		json.NewEncoder(w).Encode(Health{Status: "ok", Version: "2.4.1"})
	})

	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "2.4.1", h.Version)
}

// TestDriftAndStates verifies list decoding for the two read surfaces.
func TestDriftAndStates(t *testing.T) {
	c := newHubServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/drift":
			json.NewEncoder(w).Encode([]Drift{
				{InstanceCode: "fra", Field: "realm_version", Expected: "12", Actual: "11"},
			})
		case "/states":
			json.NewEncoder(w).Encode([]InstanceState{
				{InstanceCode: "fra", State: "COMPLETE"},
				{InstanceCode: "deu", State: "SERVICES"},
			})
		default:
			http.NotFound(w, r)
		}
	})

	drift, err := c.Drift(context.Background())
	require.NoError(t, err)
	require.Len(t, drift, 1)
	assert.Equal(t, "realm_version", drift[0].Field)

	states, err := c.States(context.Background())
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "COMPLETE", states[0].State)
}

// TestReconcile verifies the POST body and that non-2xx turns into an
// error.
func TestReconcile(t *testing.T) {
	var got ReconcileRequest
	c := newHubServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/reconcile", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	})

	err := c.Reconcile(context.Background(), ReconcileRequest{InstanceCode: "fra", Reason: "drift"})
	require.NoError(t, err)
	assert.Equal(t, "fra", got.InstanceCode)

	failing := newHubServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "hub busy", http.StatusInternalServerError)
	})
	require.Error(t, failing.Reconcile(context.Background(), ReconcileRequest{InstanceCode: "fra"}))
}

// TestNotifyTransitionSwallowsFailure verifies an unreachable hub never
// surfaces an error to the pipeline.
func TestNotifyTransitionSwallowsFailure(t *testing.T) {
	c, err := NewClient("http://127.0.0.1:1", time.Second, nil)
	require.NoError(t, err)

	c.NotifyTransition(context.Background(), TransitionReport{
		InstanceCode: "fra",
		FromState:    "SEEDING",
		ToState:      "FAILED",
		OccurredAt:   time.Now(),
	})
}

// TestNotifyTransitionBody verifies the transition is delivered as a
// reconcile request carrying the from/to states in its reason.
func TestNotifyTransitionBody(t *testing.T) {
	var got ReconcileRequest
	c := newHubServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	})

	c.NotifyTransition(context.Background(), TransitionReport{
		InstanceCode: "deu",
		FromState:    "SEEDING",
		ToState:      "ROLLED_BACK",
		Reason:       "schema conflict",
	})

	assert.Equal(t, "deu", got.InstanceCode)
	assert.Contains(t, got.Reason, "SEEDING -> ROLLED_BACK")
}
