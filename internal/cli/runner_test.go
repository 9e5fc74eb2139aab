package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/g960059/launchgate/internal/appclient"
)

func newTestRunner(t *testing.T, mux *http.ServeMux) (*Runner, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	r := NewRunnerWithClient(srv.URL, appclient.NewWithClient(srv.URL, srv.Client()), out, errOut)
	r.WithInput(strings.NewReader(""))
	return r, out, errOut
}

func TestStatePrintsSummary(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/state", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		_, _ = io.WriteString(w, `{"schema_version":"v1","stream_id":"s","cursor":"s:4","state":{"sequence":4,"phase":"ready","presentation":"operational","destination":"https://dest.example/a","mode":"Active","awaiting_authorization":true}}`)
	})
	r, out, errOut := newTestRunner(t, mux)

	if code := r.Run(context.Background(), []string{"state"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	want := "phase=ready presentation=operational destination=https://dest.example/a mode=Active awaiting_authorization=true\ncursor=s:4\n"
	if out.String() != want {
		t.Fatalf("unexpected output:\n%s", out.String())
	}

	out.Reset()
	if code := r.Run(context.Background(), []string{"state", "--json"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), `"cursor": "s:4"`) {
		t.Fatalf("expected JSON output, got: %s", out.String())
	}
}

func TestWatchOncePrintsChangedState(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/watch", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("cursor"); got != "s:1" {
			t.Errorf("expected cursor s:1, got %q", got)
		}
		_, _ = io.WriteString(w, `{"schema_version":"v1","stream_id":"s","cursor":"s:2","changed":true,"state":{"sequence":2,"phase":"paused","presentation":"dormant","mode":"Inactive"}}`)
	})
	r, out, errOut := newTestRunner(t, mux)

	if code := r.Run(context.Background(), []string{"watch", "--once", "--cursor", "s:1", "--json"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	var line map[string]any
	if err := json.Unmarshal(out.Bytes(), &line); err != nil {
		t.Fatalf("expected one JSON line, got %q: %v", out.String(), err)
	}
	if line["cursor"] != "s:2" {
		t.Fatalf("unexpected watch line: %v", line)
	}
}

func TestTransitionsTable(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/transitions", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("limit"); got != "5" {
			t.Errorf("expected limit 5, got %q", got)
		}
		_, _ = io.WriteString(w, `{"schema_version":"v1","transitions":[{"transition_id":"t2","from_phase":"evaluating","to_phase":"ready","destination":"https://dest.example/a","cause":"endpoint_discovered","occurred_at":"2026-02-13T00:00:01Z"},{"transition_id":"t1","from_phase":"booting","to_phase":"preparing","cause":"boot_completed","occurred_at":"2026-02-13T00:00:00Z"}]}`)
	})
	r, out, errOut := newTestRunner(t, mux)

	if code := r.Run(context.Background(), []string{"transitions", "--limit", "5"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and 2 rows, got %q", out.String())
	}
	if !strings.Contains(lines[1], "endpoint_discovered") || !strings.Contains(lines[2], "boot_completed") {
		t.Fatalf("rows out of order: %q", out.String())
	}

	if code := r.Run(context.Background(), []string{"transitions", "--limit", "0"}); code != 2 {
		t.Fatalf("expected usage exit 2, got %d", code)
	}
}

func TestAttributionPayloadFromArgAndStdin(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []string
	)
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/signals/", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, r.URL.Path+" "+strings.TrimSpace(string(b)))
		mu.Unlock()
		kind := strings.TrimPrefix(r.URL.Path, "/v1/signals/")
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"schema_version":"v1","signal":"`+kind+`","accepted":true}`)
	})
	r, out, errOut := newTestRunner(t, mux)

	if code := r.Run(context.Background(), []string{"attribution", `{"af_status":"Organic"}`}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	r.WithInput(strings.NewReader(`{"campaign":"spring"}`))
	if code := r.Run(context.Background(), []string{"deeplink", "-"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	if code := r.Run(context.Background(), []string{"attribution-failed"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	if out.String() != "accepted attribution\naccepted deeplink\naccepted failure\n" {
		t.Fatalf("unexpected output: %q", out.String())
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{
		`/v1/signals/attribution {"payload":{"af_status":"Organic"}}`,
		`/v1/signals/deeplink {"payload":{"campaign":"spring"}}`,
		`/v1/signals/failure `,
	}
	if strings.Join(bodies, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected requests:\n%s", strings.Join(bodies, "\n"))
	}
}

func TestAttributionRejectsNonObjectPayload(t *testing.T) {
	r, _, errOut := newTestRunner(t, http.NewServeMux())
	if code := r.Run(context.Background(), []string{"attribution", `[1,2]`}); code != 2 {
		t.Fatalf("expected usage exit 2, got %d", code)
	}
	if !strings.Contains(errOut.String(), "JSON object") {
		t.Fatalf("unexpected stderr: %s", errOut.String())
	}
}

func TestAuthorizeValidatesAndReportsConflict(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/authorization", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"schema_version":"v1","error":{"code":"E_PRECONDITION_FAILED","message":"no authorization prompt pending"}}`)
	})
	r, _, errOut := newTestRunner(t, mux)

	if code := r.Run(context.Background(), []string{"authorize", "maybe"}); code != 2 {
		t.Fatalf("expected usage exit 2, got %d", code)
	}
	errOut.Reset()
	if code := r.Run(context.Background(), []string{"authorize", "grant"}); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(errOut.String(), "E_PRECONDITION_FAILED") {
		t.Fatalf("expected error code in stderr, got %s", errOut.String())
	}
}

func TestPushAndToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/push", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"schema_version":"v1","destination":"https://dest.example/p"}`)
	})
	mux.HandleFunc("/v1/push/token", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"schema_version":"v1","status":"ok"}`)
	})
	r, out, errOut := newTestRunner(t, mux)

	if code := r.Run(context.Background(), []string{"push", `{"url":"https://dest.example/p"}`}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	if code := r.Run(context.Background(), []string{"token", "abc"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	if out.String() != "destination=https://dest.example/p\nok\n" {
		t.Fatalf("unexpected output: %q", out.String())
	}
}

func TestUnknownAndMissingCommand(t *testing.T) {
	r, _, _ := newTestRunner(t, http.NewServeMux())
	if code := r.Run(context.Background(), []string{"bogus"}); code != 2 {
		t.Fatalf("expected exit 2 for unknown command, got %d", code)
	}
	if code := r.Run(context.Background(), nil); code != 2 {
		t.Fatalf("expected exit 2 without command, got %d", code)
	}
}

func TestTimeoutFlagBoundsRequests(t *testing.T) {
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/state", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	r, _, errOut := newTestRunner(t, mux)
	defer close(release)

	start := time.Now()
	if code := r.Run(context.Background(), []string{"state", "--timeout", "30ms"}); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("timeout flag not applied")
	}
	if !strings.Contains(errOut.String(), "deadline exceeded") {
		t.Fatalf("expected deadline error, got %s", errOut.String())
	}

	if code := r.Run(context.Background(), []string{"state", "--timeout", "0s"}); code != 2 {
		t.Fatalf("expected usage exit 2, got %d", code)
	}
}
