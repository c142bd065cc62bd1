package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goclaw/conductor/pkg/api/handlers"
	"github.com/goclaw/conductor/pkg/logger"
	"github.com/goclaw/conductor/pkg/metrics"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestNewHTTPServer(t *testing.T) {
	cfg := testConfig()
	cfg.Ops.Host = "127.0.0.1"
	cfg.Ops.Port = 18080

	eng := newTestEngine(t, cfg, metrics.NoOpManager())
	srv := NewHTTPServer(cfg, logger.Discard(), &Handlers{Health: handlers.NewHealthHandler(eng)})

	assert.Equal(t, "127.0.0.1:18080", srv.Addr())
	assert.NotNil(t, srv.Handler())
	assert.Equal(t, cfg.Ops.ReadTimeout, srv.server.ReadTimeout)
	assert.Equal(t, cfg.Ops.WriteTimeout, srv.server.WriteTimeout)
}

func TestHTTPServer_StartAndShutdown(t *testing.T) {
	cfg := testConfig()
	cfg.Ops.Host = "127.0.0.1"
	cfg.Ops.Port = freePort(t)

	eng := newTestEngine(t, cfg, metrics.NoOpManager())
	require.NoError(t, eng.Start(context.Background()))
	srv := NewHTTPServer(cfg, logger.Discard(), &Handlers{Health: handlers.NewHealthHandler(eng)})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	url := "http://" + srv.Addr() + HealthPath
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, srv.Shutdown(context.Background()))
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestHTTPServer_StartFailsOnBusyPort(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	cfg := testConfig()
	cfg.Ops.Host = "127.0.0.1"
	cfg.Ops.Port = l.Addr().(*net.TCPAddr).Port

	eng := newTestEngine(t, cfg, metrics.NoOpManager())
	srv := NewHTTPServer(cfg, logger.Discard(), &Handlers{Health: handlers.NewHealthHandler(eng)})

	err = srv.Start()
	require.Error(t, err)
	assert.False(t, errors.Is(err, http.ErrServerClosed))
}
