package appclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/g960059/launchgate/internal/api"
)

func TestStateDecodesEnvelope(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/state", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		_, _ = io.WriteString(w, `{"schema_version":"v1","stream_id":"s","cursor":"s:3","state":{"sequence":3,"phase":"ready","presentation":"operational","destination":"https://dest.example/a","awaiting_authorization":false}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	env, err := NewWithClient(srv.URL, srv.Client()).State(context.Background())
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if env.Cursor != "s:3" || env.State.Phase != "ready" || env.State.Destination != "https://dest.example/a" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestWatchLoopRetriesAndResumes(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/watch", func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		cursor := r.URL.Query().Get("cursor")
		switch n {
		case 1:
			w.WriteHeader(http.StatusBadGateway)
			_, _ = io.WriteString(w, `{"schema_version":"v1","error":{"code":"E_UNAVAILABLE","message":"boom"}}`)
			return
		case 2:
			if cursor != "" {
				t.Errorf("first successful request should not pass cursor, got %q", cursor)
			}
			writeWatch(t, w, api.WatchResponse{Cursor: "s:1", Changed: true, State: api.StateView{Sequence: 1, Phase: "preparing"}})
		case 3:
			if cursor != "s:1" {
				t.Errorf("expected resume cursor s:1, got %q", cursor)
			}
			writeWatch(t, w, api.WatchResponse{Cursor: "s:1", Changed: false, State: api.StateView{Sequence: 1, Phase: "preparing"}})
		default:
			writeWatch(t, w, api.WatchResponse{Cursor: "s:2", Changed: true, State: api.StateView{Sequence: 2, Phase: "ready"}})
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var phases []string
	errStop := errors.New("stop")
	err := client.WatchLoop(ctx, WatchLoopOptions{RetryMinBackoff: time.Millisecond}, func(resp api.WatchResponse) error {
		phases = append(phases, resp.State.Phase)
		if len(phases) == 2 {
			return errStop
		}
		return nil
	})
	if !errors.Is(err, errStop) {
		t.Fatalf("expected stop error, got %v", err)
	}
	if strings.Join(phases, ",") != "preparing,ready" {
		t.Fatalf("unexpected phases: %v", phases)
	}
	if calls.Load() != 4 {
		t.Fatalf("expected 4 watch calls, got %d", calls.Load())
	}
}

func TestWatchLoopStopsOnNonRetryableError(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/watch", func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"schema_version":"v1","error":{"code":"E_REF_INVALID","message":"invalid cursor"}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	err := NewWithClient(srv.URL, srv.Client()).WatchLoop(context.Background(), WatchLoopOptions{Cursor: "bogus"}, nil)
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %T %v", err, err)
	}
	if reqErr.Code != "E_REF_INVALID" || reqErr.Retryable() {
		t.Fatalf("unexpected request error: %+v", reqErr)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single call, got %d", calls.Load())
	}
}

func TestSignalsAndPushRequests(t *testing.T) {
	type captured struct {
		path string
		body string
	}
	var (
		mu  sync.Mutex
		got []captured
	)
	mux := http.NewServeMux()
	record := func(w http.ResponseWriter, r *http.Request, status int, resp string) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, captured{path: r.URL.Path, body: strings.TrimSpace(string(b))})
		mu.Unlock()
		w.WriteHeader(status)
		_, _ = io.WriteString(w, resp)
	}
	mux.HandleFunc("/v1/signals/", func(w http.ResponseWriter, r *http.Request) {
		kind := strings.TrimPrefix(r.URL.Path, "/v1/signals/")
		record(w, r, http.StatusAccepted, `{"schema_version":"v1","signal":"`+kind+`","accepted":true}`)
	})
	mux.HandleFunc("/v1/push", func(w http.ResponseWriter, r *http.Request) {
		record(w, r, http.StatusAccepted, `{"schema_version":"v1","destination":"https://dest.example/p"}`)
	})
	mux.HandleFunc("/v1/push/token", func(w http.ResponseWriter, r *http.Request) {
		record(w, r, http.StatusOK, `{"schema_version":"v1","status":"ok"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	ctx := context.Background()
	resp, err := client.SendAttribution(ctx, map[string]any{"af_status": "Organic"})
	if err != nil || resp.Signal != "attribution" || !resp.Accepted {
		t.Fatalf("send attribution: %+v %v", resp, err)
	}
	if _, err := client.SendDeeplink(ctx, map[string]any{"campaign": "x"}); err != nil {
		t.Fatalf("send deeplink: %v", err)
	}
	if _, err := client.ReportAttributionFailure(ctx); err != nil {
		t.Fatalf("report failure: %v", err)
	}
	push, err := client.Push(ctx, map[string]any{"url": "https://dest.example/p"})
	if err != nil || push.Destination != "https://dest.example/p" {
		t.Fatalf("push: %+v %v", push, err)
	}
	if err := client.RegisterPushToken(ctx, "tok"); err != nil {
		t.Fatalf("register token: %v", err)
	}
	if err := client.RegisterPushToken(ctx, "  "); err == nil {
		t.Fatalf("expected blank token to be rejected locally")
	}

	want := []captured{
		{path: "/v1/signals/attribution", body: `{"payload":{"af_status":"Organic"}}`},
		{path: "/v1/signals/deeplink", body: `{"payload":{"campaign":"x"}}`},
		{path: "/v1/signals/failure", body: ""},
		{path: "/v1/push", body: `{"payload":{"url":"https://dest.example/p"}}`},
		{path: "/v1/push/token", body: `{"token":"tok"}`},
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != len(want) {
		t.Fatalf("expected %d requests, got %+v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("request %d: want %+v got %+v", i, want[i], got[i])
		}
	}
}

func TestAuthorizeSurfacesConflict(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/authorization", func(w http.ResponseWriter, r *http.Request) {
		var req api.AuthorizationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Decision != "grant" {
			t.Errorf("unexpected decision %q", req.Decision)
		}
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"schema_version":"v1","error":{"code":"E_PRECONDITION_FAILED","message":"no authorization prompt pending"}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	_, err := NewWithClient(srv.URL, srv.Client()).Authorize(context.Background(), "grant")
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
	if reqErr.Error() != "E_PRECONDITION_FAILED: no authorization prompt pending" {
		t.Fatalf("unexpected message %q", reqErr.Error())
	}
}

func TestRequestErrorFallsBackToStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, "down")
	}))
	defer srv.Close()

	_, err := NewWithClient(srv.URL, srv.Client()).Health(context.Background())
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %v", err)
	}
	if reqErr.Code != "HTTP_503" || reqErr.Message != "down" || !reqErr.Retryable() {
		t.Fatalf("unexpected request error: %+v", reqErr)
	}
}

func TestUnaryTimeoutApplies(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	client := NewWithClient(srv.URL, srv.Client()).WithUnaryTimeout(30 * time.Millisecond)
	start := time.Now()
	_, err := client.State(context.Background())
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("unary timeout not applied")
	}
}

func writeWatch(t *testing.T, w http.ResponseWriter, resp api.WatchResponse) {
	t.Helper()
	resp.SchemaVersion = "v1"
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		t.Errorf("encode watch: %v", err)
	}
}
