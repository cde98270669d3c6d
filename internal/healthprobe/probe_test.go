package healthprobe

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hostPort(t *testing.T, srv *httptest.Server) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func TestWaitReturnsReadyOnFirstResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewWithTiming(10*time.Millisecond, time.Second)
	host, port := hostPort(t, srv)

	ready := p.Wait(context.Background(), host, port)
	assert.True(t, ready)
}

func TestWaitTreatsErrorStatusAsAlive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewWithTiming(10*time.Millisecond, time.Second)
	host, port := hostPort(t, srv)

	ready := p.Wait(context.Background(), host, port)
	assert.True(t, ready, "any HTTP status should count as alive")
}

func TestWaitRetriesThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			// Simulate connection refused by hijacking and closing
			// without writing a response.
			hj, ok := w.(http.Hijacker)
			if ok {
				conn, _, err := hj.Hijack()
				if err == nil {
					conn.Close()
					return
				}
			}
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewWithTiming(5*time.Millisecond, time.Second)
	host, port := hostPort(t, srv)

	ready := p.Wait(context.Background(), host, port)
	assert.True(t, ready)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(3))
}

func TestWaitReturnsNotReadyOnDeadline(t *testing.T) {
	// Nothing listens on this port.
	p := NewWithTiming(5*time.Millisecond, 30*time.Millisecond)
	ready := p.Wait(context.Background(), "127.0.0.1", 1)
	assert.False(t, ready)
}
