package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEnforceMinTimeout verifies requested timeouts are raised to the
// floor but never lowered.
func TestEnforceMinTimeout(t *testing.T) {
	assert.Equal(t, 5*time.Second, EnforceMinTimeout(time.Second, 5*time.Second))
	assert.Equal(t, 30*time.Second, EnforceMinTimeout(30*time.Second, 5*time.Second))
	assert.Equal(t, 5*time.Second, EnforceMinTimeout(0, 5*time.Second))
}

// TestHTTPProbe verifies 2xx is healthy and 5xx is not.
func TestHTTPProbe(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	sick := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer sick.Close()

	ctx := context.Background()

	p := &HTTPProbe{URL: healthy.URL}
	require.NoError(t, p.Check(ctx))

	p = &HTTPProbe{URL: sick.URL}
	err := p.Check(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

// TestTCPProbe verifies a listening socket passes and a closed port
// fails.
func TestTCPProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	ctx := context.Background()

	p := &TCPProbe{Address: ln.Addr().String()}
	require.NoError(t, p.Check(ctx))

	ln.Close()
	p = &TCPProbe{Address: ln.Addr().String(), Timeout: time.Second}
	require.Error(t, p.Check(ctx))
}

// TestCommandProbe verifies exit status maps to health.
func TestCommandProbe(t *testing.T) {
	ctx := context.Background()

	p := &CommandProbe{Command: []string{"true"}}
	require.NoError(t, p.Check(ctx))

	p = &CommandProbe{Command: []string{"false"}}
	require.Error(t, p.Check(ctx))

	p = &CommandProbe{}
	require.Error(t, p.Check(ctx), "an empty command is a configuration error")
}
