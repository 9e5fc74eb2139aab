package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/g960059/launchgate/internal/api"
	"github.com/g960059/launchgate/internal/config"
	"github.com/g960059/launchgate/internal/director"
	"github.com/g960059/launchgate/internal/logging"
	"github.com/g960059/launchgate/internal/model"
)

const (
	defaultTransitionLimit = 100
	maxTransitionLimit     = 1000
	maxRequestBodyBytes    = 1 << 20
)

// Director is the part of the orchestrator the API drives.
type Director interface {
	Snapshot() director.View
	Wait(ctx context.Context, afterSeq uint64) (director.View, error)
	SkipAuthorization() bool
	GrantAuthorization(granted bool) bool
}

// Signals receives attribution deliveries.
type Signals interface {
	ReceiveAttribution(payload map[string]any)
	ReceiveDeeplink(payload map[string]any)
	HandleFailure()
}

type Push interface {
	Dispatch(payload map[string]any) (string, error)
	RegisterToken(token string) error
}

type Journal interface {
	ListTransitions(ctx context.Context, limit int) ([]model.TransitionRecord, error)
}

type Deps struct {
	Director Director
	Signals  Signals
	Push     Push
	Journal  Journal
	Logger   *zap.Logger
}

type Server struct {
	cfg         config.Config
	deps        Deps
	log         *zap.Logger
	httpSrv     *http.Server
	listener    net.Listener
	lockFile    *os.File
	streamID    string
	mu          sync.Mutex
	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config, deps Deps) *Server {
	mux := http.NewServeMux()
	s := &Server{
		cfg:      cfg,
		deps:     deps,
		log:      logging.OrNop(deps.Logger).Named("daemon"),
		streamID: uuid.NewString(),
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	mux.HandleFunc("/v1/health", s.healthHandler)
	if deps.Director != nil {
		mux.HandleFunc("/v1/state", s.stateHandler)
		mux.HandleFunc("/v1/watch", s.watchHandler)
		mux.HandleFunc("/v1/authorization", s.authorizationHandler)
	}
	if deps.Journal != nil {
		mux.HandleFunc("/v1/transitions", s.transitionsHandler)
	}
	if deps.Signals != nil {
		mux.HandleFunc("/v1/signals/", s.signalHandler)
	}
	if deps.Push != nil {
		mux.HandleFunc("/v1/push", s.pushHandler)
		mux.HandleFunc("/v1/push/token", s.pushTokenHandler)
	}
	return s
}

func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("socket path exists and is not unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close()      //nolint:errcheck
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.log.Info("listening", zap.String("socket", s.cfg.SocketPath))

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve uds: %w", err)
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if s.httpSrv != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if s.cfg.SocketPath != "" {
			if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
		}
	})
	return s.shutdownErr
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, api.HealthResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
	})
}

func (s *Server) stateHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	view := s.deps.Director.Snapshot()
	s.writeJSON(w, http.StatusOK, api.StateEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		StreamID:      s.streamID,
		Cursor:        s.cursor(view.Sequence),
		State:         toStateView(view),
	})
}

// watchHandler long-polls until the state moves past the cursor or the watch
// timeout elapses. A cursor from another stream is answered immediately with
// the current state and reset set.
func (s *Server) watchHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	streamID, seq, hasCursor, err := parseCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid cursor")
		return
	}

	resp := api.WatchResponse{SchemaVersion: api.SchemaVersion, StreamID: s.streamID}
	var view director.View
	switch {
	case !hasCursor:
		view = s.deps.Director.Snapshot()
		resp.Changed = true
	case streamID != s.streamID:
		view = s.deps.Director.Snapshot()
		resp.Changed = true
		resp.Reset = true
	default:
		ctx, cancel := context.WithTimeout(r.Context(), s.watchTimeout())
		view, err = s.deps.Director.Wait(ctx, seq)
		cancel()
		if err != nil && r.Context().Err() != nil {
			return
		}
		resp.Changed = err == nil
	}
	resp.GeneratedAt = time.Now().UTC()
	resp.Cursor = s.cursor(view.Sequence)
	resp.State = toStateView(view)
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) transitionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	limit := defaultTransitionLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxTransitionLimit {
			s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	recs, err := s.deps.Journal.ListTransitions(r.Context(), limit)
	if err != nil {
		s.log.Error("list transitions failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, model.ErrUnavailable, "failed to list transitions")
		return
	}
	items := make([]api.TransitionItem, 0, len(recs))
	for _, rec := range recs {
		items = append(items, api.TransitionItem{
			TransitionID: rec.TransitionID,
			FromPhase:    rec.FromPhase,
			ToPhase:      rec.ToPhase,
			Destination:  rec.Destination,
			Cause:        rec.Cause,
			OccurredAt:   rec.OccurredAt,
		})
	}
	s.writeJSON(w, http.StatusOK, api.TransitionsEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Transitions:   items,
	})
}

func (s *Server) signalHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	kind := model.SignalKind(strings.TrimPrefix(r.URL.Path, "/v1/signals/"))
	switch kind {
	case model.SignalAttribution, model.SignalDeeplink:
		var req api.SignalRequest
		if err := decodeBody(r, &req); err != nil {
			s.writeError(w, http.StatusBadRequest, model.ErrPayloadInvalid, err.Error())
			return
		}
		if req.Payload == nil {
			req.Payload = map[string]any{}
		}
		if kind == model.SignalAttribution {
			s.deps.Signals.ReceiveAttribution(req.Payload)
		} else {
			s.deps.Signals.ReceiveDeeplink(req.Payload)
		}
	case model.SignalFailure:
		s.deps.Signals.HandleFailure()
	default:
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "unknown signal")
		return
	}
	s.writeJSON(w, http.StatusAccepted, api.SignalResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Signal:        string(kind),
		Accepted:      true,
	})
}

func (s *Server) pushHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.PushRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrPayloadInvalid, err.Error())
		return
	}
	dest, err := s.deps.Push.Dispatch(req.Payload)
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, model.ErrPayloadInvalid, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, api.PushResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Destination:   dest,
	})
}

func (s *Server) pushTokenHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.PushTokenRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrPayloadInvalid, err.Error())
		return
	}
	if err := s.deps.Push.RegisterToken(req.Token); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, model.ErrPayloadInvalid, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, api.AckResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
	})
}

func (s *Server) authorizationHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.AuthorizationRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrPayloadInvalid, err.Error())
		return
	}
	decision := model.AuthorizationDecision(strings.ToLower(strings.TrimSpace(req.Decision)))
	switch decision {
	case model.AuthorizationGrant, model.AuthorizationDeny, model.AuthorizationSkip:
	default:
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "decision must be grant, deny or skip")
		return
	}
	var applied bool
	switch decision {
	case model.AuthorizationGrant:
		applied = s.deps.Director.GrantAuthorization(true)
	case model.AuthorizationDeny:
		applied = s.deps.Director.GrantAuthorization(false)
	case model.AuthorizationSkip:
		applied = s.deps.Director.SkipAuthorization()
	}
	if !applied {
		s.writeError(w, http.StatusConflict, model.ErrPreconditionFailed, "no authorization prompt pending")
		return
	}
	s.writeJSON(w, http.StatusAccepted, api.AuthorizationResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Decision:      string(decision),
	})
}

func (s *Server) watchTimeout() time.Duration {
	if s.cfg.WatchTimeout > 0 {
		return s.cfg.WatchTimeout
	}
	return 25 * time.Second
}

func (s *Server) cursor(seq uint64) string {
	return fmt.Sprintf("%s:%d", s.streamID, seq)
}

func toStateView(v director.View) api.StateView {
	return api.StateView{
		Sequence:              v.Sequence,
		Phase:                 string(v.Phase),
		Presentation:          string(v.Presentation),
		Destination:           v.Destination,
		Mode:                  string(v.Mode),
		AwaitingAuthorization: v.AwaitingAuthorization,
		UpdatedAt:             v.UpdatedAt,
	}
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return fmt.Errorf("invalid json body: %v", err)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	resp := api.ErrorResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, model.ErrRefInvalid, "method not allowed")
}

func parseCursor(raw string) (string, uint64, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0, false, nil
	}
	parts := strings.SplitN(raw, ":", 2)
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" {
		return "", 0, false, fmt.Errorf("invalid cursor format")
	}
	seq, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return "", 0, false, fmt.Errorf("invalid cursor sequence")
	}
	return parts[0], seq, true, nil
}

func (s *Server) acquireLock() error {
	lockPath := s.cfg.SocketPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("daemon already running")
	}
	s.mu.Lock()
	s.lockFile = f
	s.mu.Unlock()
	return nil
}

func (s *Server) releaseLock() error {
	s.mu.Lock()
	f := s.lockFile
	s.lockFile = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}
