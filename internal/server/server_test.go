package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/l0p7/linkshelf/internal/config"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestNewRequiresHandler(t *testing.T) {
	_, err := New(config.DefaultConfig(), newTestLogger(), nil)
	require.Error(t, err)
}

func TestNewUsesConfiguredAddress(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.Listen.Address = "127.0.0.1"
	cfg.Server.Listen.Port = 9090

	srv, err := New(cfg, newTestLogger(), http.NewServeMux())
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9090", srv.Addr())
}

func TestRunShutsDownWhenContextCancelled(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.Listen.Address = "127.0.0.1"
	cfg.Server.Listen.Port = 0

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	srv, err := New(cfg, newTestLogger(), handler)
	require.NoError(t, err)

	var hookRuns atomic.Int32
	srv.OnShutdown(func(ctx context.Context) {
		_, hasDeadline := ctx.Deadline()
		require.True(t, hasDeadline)
		hookRuns.Add(1)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	select {
	case <-srv.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("listener never became ready")
	}

	resp, err := http.Get("http://" + srv.Addr() + "/")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.True(t, errors.Is(err, context.Canceled), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not return after cancellation")
	}
	require.Equal(t, int32(1), hookRuns.Load())
}

func TestRunReportsBindFailure(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.Listen.Address = "256.0.0.1"
	srv, err := New(cfg, newTestLogger(), http.NewServeMux())
	require.NoError(t, err)
	require.ErrorContains(t, srv.Run(context.Background()), "server: listen")
}
