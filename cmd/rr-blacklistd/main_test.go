package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/rr-blacklist/internal/engine/config"
	"github.com/haukened/rr-blacklist/internal/engine/domain"
	"github.com/haukened/rr-blacklist/internal/engine/gateways/remote"
	"github.com/haukened/rr-blacklist/internal/engine/gateways/transport"
	"github.com/haukened/rr-blacklist/internal/engine/services/query"
	"github.com/haukened/rr-blacklist/internal/engine/services/replica"
)

func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// setupEnv points the daemon at a temporary database and socket and
// returns the socket path and HTTP address.
func setupEnv(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	socket := filepath.Join(dir, "bl.sock")
	httpAddr := freePort(t)

	t.Setenv("BLACKLIST_ENV", "dev")
	t.Setenv("BLACKLIST_LOG_LEVEL", "debug")
	t.Setenv("BLACKLIST_SERVER_NETWORK", "unix")
	t.Setenv("BLACKLIST_SERVER_ADDRESS", socket)
	t.Setenv("BLACKLIST_SERVER_HTTP_ADDRESS", httpAddr)
	t.Setenv("BLACKLIST_DB", filepath.Join(dir, "blacklist.db"))
	t.Setenv("BLACKLIST_NAMES", "default nightly")
	t.Setenv("BLACKLIST_WORKERS", "2")
	return socket, httpAddr
}

func writePolicy(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	content := `name: by-function
default_ttl: 10m
entries:
  - match: [function]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func startApp(t *testing.T, app *Application) (context.CancelFunc, chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	appErr := make(chan error, 1)
	go func() { appErr <- app.Run(ctx) }()
	return cancel, appErr
}

func stopApp(t *testing.T, cancel context.CancelFunc, appErr chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-appErr:
		assert.NoError(t, err, "application should shut down gracefully")
	case <-time.After(5 * time.Second):
		t.Fatal("application failed to shut down within timeout")
	}
}

func TestApplication_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	socket, httpAddr := setupEnv(t)
	t.Setenv("BLACKLIST_POLICY", writePolicy(t))
	t.Setenv("BLACKLIST_POLICY_ENABLED", "true")

	cfg, err := config.Load()
	require.NoError(t, err)
	app, err := buildApplication(cfg, prometheus.NewRegistry())
	require.NoError(t, err)

	cancel, appErr := startApp(t, app)
	client := transport.NewClient("unix", socket)
	ctx := context.Background()

	var names []string
	require.Eventually(t, func() bool {
		names, err = remote.Names(ctx, client)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond, "server did not start")
	assert.ElementsMatch(t, []string{"default", "nightly"}, names)

	mirror, err := remote.Open(ctx, client, "default", remote.Options{})
	require.NoError(t, err)
	defer mirror.Close()
	q, err := query.New(ctx, mirror, replica.Options{})
	require.NoError(t, err)
	defer q.Close()

	item := domain.JobItem{FunctionID: "F1", Parameters: "{P}", Target: "Tg"}
	require.NoError(t, remote.NewReporter(client).FailedJobItem(ctx, item))
	require.Eventually(t, func() bool {
		return q.IsFunctionBlacklisted(domain.Function{ID: "F1"})
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, q.IsTargetBlacklisted("Tg"), "policy only matches on function")

	resp, err := http.Get("http://" + httpAddr + transport.MetricsPath)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, err)
	assert.Contains(t, string(body), `blacklist_rules{blacklist="default"} 1`)
	assert.Contains(t, string(body), `blacklist_notify_subscribers{blacklist="default"} 1`)

	mirror.Close()
	stopApp(t, cancel, appErr)

	// The rule survives a restart.
	cfg, err = config.Load()
	require.NoError(t, err)
	app, err = buildApplication(cfg, prometheus.NewRegistry())
	require.NoError(t, err)
	restored, err := app.provider.Get("default")
	require.NoError(t, err)
	assert.Equal(t, 1, restored.Len())
	assert.Positive(t, restored.ModificationCount())
	require.NoError(t, app.shutdown())
}

func TestBuildApplication_ConfigurationVariations(t *testing.T) {
	tests := []struct {
		name          string
		setupEnv      func(t *testing.T)
		wantErr       bool
		errorContains string
	}{
		{
			name:     "no policy",
			setupEnv: func(t *testing.T) {},
		},
		{
			name: "policy enabled",
			setupEnv: func(t *testing.T) {
				t.Setenv("BLACKLIST_POLICY", writePolicy(t))
				t.Setenv("BLACKLIST_POLICY_ENABLED", "true")
			},
		},
		{
			name: "missing policy file",
			setupEnv: func(t *testing.T) {
				t.Setenv("BLACKLIST_POLICY", filepath.Join(t.TempDir(), "missing.yaml"))
				t.Setenv("BLACKLIST_POLICY_ENABLED", "true")
			},
			wantErr:       true,
			errorContains: "failed to build maintainer",
		},
		{
			name: "unopenable database",
			setupEnv: func(t *testing.T) {
				t.Setenv("BLACKLIST_DB", filepath.Join(t.TempDir(), "missing", "dir", "blacklist.db"))
			},
			wantErr:       true,
			errorContains: "failed to build blacklists",
		},
		{
			name: "snapshot cache disabled",
			setupEnv: func(t *testing.T) {
				t.Setenv("BLACKLIST_CACHE_SIZE", "0")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setupEnv(t)
			tt.setupEnv(t)

			cfg, err := config.Load()
			require.NoError(t, err)

			app, err := buildApplication(cfg, prometheus.NewRegistry())
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorContains)
				assert.Nil(t, app)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, app)
			assert.NoError(t, app.shutdown())
		})
	}
}

func TestApplication_RunFailsOnBusyHTTPAddress(t *testing.T) {
	_, httpAddr := setupEnv(t)
	ln, err := net.Listen("tcp", httpAddr)
	require.NoError(t, err)
	defer ln.Close()

	cfg, err := config.Load()
	require.NoError(t, err)
	app, err := buildApplication(cfg, prometheus.NewRegistry())
	require.NoError(t, err)

	err = app.Run(context.Background())
	assert.ErrorContains(t, err, "failed to listen")
}

func TestPolicyField(t *testing.T) {
	cfg := config.DEFAULT_APP_CONFIG
	assert.Equal(t, "disabled", policyField(&cfg))
	cfg.Policy.Enabled = true
	assert.Equal(t, cfg.Policy.File, policyField(&cfg))
}
