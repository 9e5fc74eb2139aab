package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/g960059/launchgate/internal/api"
	"github.com/g960059/launchgate/internal/appclient"
	"github.com/g960059/launchgate/internal/config"
)

func TestDaemonRoutesAttributionToDestination(t *testing.T) {
	var (
		mu            sync.Mutex
		discoveryBody map[string]any
	)
	discovery := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode discovery body: %v", err)
		}
		mu.Lock()
		discoveryBody = body
		mu.Unlock()
		_, _ = io.WriteString(w, `{"ok":true,"url":"https://dest.example/landing"}`)
	}))
	defer discovery.Close()

	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen probe: %v", err)
	}
	defer probe.Close() //nolint:errcheck

	dir, err := os.MkdirTemp("", "lg")
	if err != nil {
		t.Fatalf("temp dir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	cfg := config.DefaultConfig()
	cfg.SocketPath = filepath.Join(dir, "d.sock")
	cfg.DBPath = filepath.Join(dir, "state.db")
	cfg.ConfigEndpoint = discovery.URL
	cfg.AppID = "123"
	cfg.ConsolidationWindow = 20 * time.Millisecond
	cfg.NoDataTimeout = 5 * time.Second
	cfg.NetworkTimeout = 2 * time.Second
	cfg.ProbeAddress = probe.Addr().String()
	cfg.ProbeInterval = 50 * time.Millisecond
	cfg.ProbeTimeout = time.Second
	cfg.WatchTimeout = 200 * time.Millisecond
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := newApp(ctx, cfg, zaptest.NewLogger(t), false)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer a.close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.run(ctx)
	}()
	waitForSocket(t, cfg.SocketPath, errCh)

	client := appclient.New(cfg.SocketPath)
	if _, err := client.SendAttribution(ctx, map[string]any{"af_status": "Non-organic", "campaign": "spring"}); err != nil {
		t.Fatalf("send attribution: %v", err)
	}

	watchCtx, watchCancel := context.WithTimeout(ctx, 5*time.Second)
	defer watchCancel()
	var ready api.StateView
	errReady := errors.New("ready")
	err = client.WatchLoop(watchCtx, appclient.WatchLoopOptions{}, func(resp api.WatchResponse) error {
		if resp.State.Phase == "ready" {
			ready = resp.State
			return errReady
		}
		return nil
	})
	if !errors.Is(err, errReady) {
		t.Fatalf("waiting for ready: %v", err)
	}
	if ready.Destination != "https://dest.example/landing" || ready.Presentation != "operational" {
		t.Fatalf("unexpected ready state: %+v", ready)
	}
	mu.Lock()
	body := discoveryBody
	mu.Unlock()
	if body["campaign"] != "spring" || body["store_id"] != "id123" {
		t.Fatalf("unexpected discovery body: %v", body)
	}

	if ready.AwaitingAuthorization {
		if _, err := client.Authorize(ctx, "skip"); err != nil {
			t.Fatalf("authorize: %v", err)
		}
	}

	env, err := client.Transitions(ctx, 10)
	if err != nil {
		t.Fatalf("transitions: %v", err)
	}
	if len(env.Transitions) == 0 || env.Transitions[0].ToPhase != "ready" {
		t.Fatalf("expected newest transition to be ready, got %+v", env.Transitions)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for daemon shutdown")
	}
	if dest, ok := a.settings.CachedDestination(); !ok || dest != "https://dest.example/landing" {
		t.Fatalf("expected cached destination, got %q %v", dest, ok)
	}
}

func waitForSocket(t *testing.T, path string, errCh <-chan error) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case err := <-errCh:
			if err != nil && isUDSUnsupported(err) {
				t.Skipf("unix domain sockets unavailable in this environment: %v", err)
			}
			t.Fatalf("daemon exited before socket creation: %v", err)
		default:
		}
		if st, err := os.Stat(path); err == nil && st.Mode()&os.ModeSocket != 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("socket was not created: %s", path)
}

func isUDSUnsupported(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "operation not permitted") ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "not supported")
}

func TestResetClearsPersistedSettings(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.SocketPath = filepath.Join(dir, "d.sock")
	cfg.DBPath = filepath.Join(dir, "state.db")
	cfg.AppID = "123"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate config: %v", err)
	}
	ctx := context.Background()

	first, err := newApp(ctx, cfg, zaptest.NewLogger(t), false)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	first.settings.SaveDestination("https://dest.example/kept")
	first.settings.FlagBootCompleted()
	first.close()

	kept, err := newApp(ctx, cfg, zaptest.NewLogger(t), false)
	if err != nil {
		t.Fatalf("reopen app: %v", err)
	}
	if _, ok := kept.settings.CachedDestination(); !ok {
		t.Fatalf("expected destination to survive a plain restart")
	}
	kept.close()

	reset, err := newApp(ctx, cfg, zaptest.NewLogger(t), true)
	if err != nil {
		t.Fatalf("reset app: %v", err)
	}
	defer reset.close()
	if dest, ok := reset.settings.CachedDestination(); ok {
		t.Fatalf("expected reset to clear destination, got %q", dest)
	}
	if !reset.settings.IsFirstBoot() {
		t.Fatalf("expected reset to restore first boot")
	}
}
