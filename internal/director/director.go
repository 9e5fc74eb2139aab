package director

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/g960059/launchgate/internal/config"
	"github.com/g960059/launchgate/internal/logging"
	"github.com/g960059/launchgate/internal/model"
	"github.com/g960059/launchgate/internal/security"
	"github.com/g960059/launchgate/internal/stateengine"
)

const (
	inboxSize       = 64
	journalTimeout  = 5 * time.Second
	timerNoData     = "no_data"
	timerOrganic    = "organic"
	timerGateDenied = "gate_denied"
)

var ErrAlreadyRunning = errors.New("director already running")

// Settings is the persisted decision record the director reads and writes.
type Settings interface {
	IsFirstBoot() bool
	FlagBootCompleted()
	CachedDestination() (string, bool)
	SaveDestination(destination string)
	OperationalMode() (model.Mode, bool)
	SetOperationalMode(mode model.Mode)
	RecordAuthRequestTime(at time.Time)
	LastAuthRequest() (time.Time, bool)
	SaveAuthGranted(granted bool)
	SaveAuthDenied(denied bool)
	WasAuthGranted() bool
	WasAuthDenied() bool
	TemporaryDestination() (string, bool)
	ClearTemporaryDestination()
}

// Gate answers whether attribution-based routing is enabled at all.
type Gate interface {
	Check(ctx context.Context) (bool, error)
}

type Resolver interface {
	FetchOrganicData(ctx context.Context, linkParams map[string]any) (map[string]any, error)
	DiscoverEndpoint(ctx context.Context, attribution map[string]any) (string, error)
}

// Monitor reports connectivity changes until ctx is done.
type Monitor interface {
	Run(ctx context.Context, onChange func(available bool)) error
}

// Journal records lifecycle transitions.
type Journal interface {
	AppendTransition(ctx context.Context, rec model.TransitionRecord) error
}

type Options struct {
	NoDataTimeout      time.Duration
	OrganicDelay       time.Duration
	GateDeniedDelay    time.Duration
	NetworkTimeout     time.Duration
	AuthPromptInterval time.Duration
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		NoDataTimeout:      cfg.NoDataTimeout,
		OrganicDelay:       cfg.OrganicDelay,
		GateDeniedDelay:    cfg.GateDeniedDelay,
		NetworkTimeout:     cfg.NetworkTimeout,
		AuthPromptInterval: cfg.AuthPromptInterval,
	}
}

type Deps struct {
	Settings Settings
	// Gate may be nil, in which case routing is always enabled.
	Gate     Gate
	Resolver Resolver
	Monitor  Monitor
	Journal  Journal
	Logger   *zap.Logger
}

// Director drives the startup decision sequence. All mutable state is owned by
// the goroutine running Run; public methods post closures to it.
type Director struct {
	engine   *stateengine.Engine
	settings Settings
	gate     Gate
	resolver Resolver
	monitor  Monitor
	journal  Journal
	opts     Options
	log      *zap.Logger
	now      func() time.Time

	inbox   chan func()
	done    chan struct{}
	started atomic.Bool
	wg      sync.WaitGroup
	runCtx  context.Context

	// Owned by the Run goroutine.
	ws               Workspace
	awaitingAuth     bool
	organicAttempted bool
	timers           map[string]*time.Timer

	viewMu  sync.Mutex
	view    View
	changed chan struct{}
}

func New(deps Deps, opts Options) *Director {
	d := &Director{
		engine:   stateengine.NewEngine(),
		settings: deps.Settings,
		gate:     deps.Gate,
		resolver: deps.Resolver,
		monitor:  deps.Monitor,
		journal:  deps.Journal,
		opts:     opts,
		log:      logging.OrNop(deps.Logger).Named("director"),
		now:      func() time.Time { return time.Now().UTC() },
		inbox:    make(chan func(), inboxSize),
		done:     make(chan struct{}),
		timers:   map[string]*time.Timer{},
		changed:  make(chan struct{}),
	}
	d.view = View{Phase: stateengine.PhaseBooting, Presentation: model.PresentationInitializing}
	d.engine.Subscribe(d.onTransition)
	return d
}

// Run executes the startup sequence and then serves posted work until ctx is
// done. Pending timers are stopped and in-flight calls are awaited before it
// returns; their results are discarded.
func (d *Director) Run(ctx context.Context) error {
	if !d.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.runCtx = runCtx
	defer func() {
		cancel()
		d.stopTimers()
		close(d.done)
		d.wg.Wait()
	}()

	d.boot()
	if d.monitor != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.monitor.Run(runCtx, d.ConnectivityChanged); err != nil && !errors.Is(err, context.Canceled) {
				d.log.Warn("connectivity monitor stopped", zap.Error(err))
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-d.inbox:
			fn()
		}
	}
}

// IngestAttribution records an attribution payload, emits DataArrived and
// evaluates the install.
func (d *Director) IngestAttribution(payload map[string]any) {
	payload = model.CloneMap(payload)
	d.post(func() {
		d.log.Info("attribution ingested", zap.String("payload", security.RedactMap(payload)))
		d.ws.storeAttribution(payload)
		d.cancelTimer(timerNoData)
		d.engine.Emit(stateengine.NewDataArrived(d.now(), payload))
		d.evaluate()
	})
}

// IngestLink records deep-link parameters. It does not drive state.
func (d *Director) IngestLink(payload map[string]any) {
	payload = model.CloneMap(payload)
	d.post(func() {
		d.log.Info("link ingested", zap.String("payload", security.RedactMap(payload)))
		d.ws.storeLink(payload)
		d.engine.Emit(stateengine.NewLinkCaptured(d.now(), payload))
	})
}

// SkipAuthorization dismisses a pending permission prompt. It reports false
// when no prompt was pending or the director has stopped.
func (d *Director) SkipAuthorization() bool {
	return d.answer(func() bool {
		if !d.awaitingAuth {
			d.log.Debug("skip ignored: no prompt pending")
			return false
		}
		d.settings.RecordAuthRequestTime(d.now())
		d.awaitingAuth = false
		d.finalize()
		return true
	})
}

// GrantAuthorization records the user's answer to a pending permission
// prompt. It reports whether the answer was applied.
func (d *Director) GrantAuthorization(granted bool) bool {
	return d.answer(func() bool {
		if !d.awaitingAuth {
			d.log.Debug("authorization ignored: no prompt pending")
			return false
		}
		d.settings.SaveAuthGranted(granted)
		if !granted {
			d.settings.SaveAuthDenied(true)
		}
		d.awaitingAuth = false
		d.engine.Emit(stateengine.NewAuthorizationDecided(d.now(), granted))
		d.finalize()
		return true
	})
}

// answer runs fn on the owning goroutine and waits for its result.
func (d *Director) answer(fn func() bool) bool {
	reply := make(chan bool, 1)
	if !d.post(func() { reply <- fn() }) {
		return false
	}
	select {
	case ok := <-reply:
		return ok
	case <-d.done:
		select {
		case ok := <-reply:
			return ok
		default:
			return false
		}
	}
}

func (d *Director) ConnectivityChanged(available bool) {
	d.post(func() {
		d.engine.Emit(stateengine.NewConnectivityChanged(d.now(), available))
	})
}

func (d *Director) State() stateengine.State {
	return d.engine.State()
}

func (d *Director) boot() {
	d.publish()
	d.engine.Emit(stateengine.NewBootCompleted(d.now()))
	d.armNoDataTimeout()
}

func (d *Director) armNoDataTimeout() {
	d.schedule(timerNoData, d.opts.NoDataTimeout, func() {
		if d.ws.hasAttribution() {
			return
		}
		d.log.Info("no attribution data before timeout")
		d.engine.Emit(stateengine.NewTimeExpired(d.now()))
		d.settings.SetOperationalMode(model.ModeInactive)
		d.settings.FlagBootCompleted()
		d.publish()
	})
}

// evaluate runs the gate check and, if routing is enabled, the decision
// sequence. A closed or failed gate pauses the install for good.
func (d *Director) evaluate() {
	d.checkGate(func() {
		d.schedule(timerGateDenied, d.opts.GateDeniedDelay, func() {
			d.enterPaused("gate denied")
		})
	})
}

func (d *Director) checkGate(closed func()) {
	if d.gate == nil {
		d.decide()
		return
	}
	d.spawn("gate check", func(ctx context.Context) func() {
		enabled, err := d.gate.Check(ctx)
		return func() {
			if err != nil {
				d.log.Warn("gate check failed", zap.Error(err))
				enabled = false
			}
			if !enabled {
				closed()
				return
			}
			d.decide()
		}
	})
}

// decide evaluates the branches in order; the first match wins.
func (d *Director) decide() {
	if len(d.ws.attribution) == 0 {
		d.loadCached("no attribution data")
		return
	}
	if mode, ok := d.settings.OperationalMode(); ok && mode == model.ModeInactive {
		d.enterPaused("operational mode is inactive")
		return
	}
	if !d.organicAttempted && d.settings.IsFirstBoot() && model.IsOrganic(d.ws.attribution) {
		d.organicAttempted = true
		d.schedule(timerOrganic, d.opts.OrganicDelay, d.fetchOrganic)
		return
	}
	if dest, ok := d.settings.TemporaryDestination(); ok {
		d.settings.ClearTemporaryDestination()
		d.ws.assign(dest)
		d.log.Info("adopting pushed destination", zap.String("destination", dest))
		d.engine.Transition(stateengine.Ready(dest))
		return
	}
	if d.ws.destination == "" {
		d.discover()
		return
	}
	d.engine.Transition(stateengine.Ready(d.ws.destination))
}

func (d *Director) fetchOrganic() {
	link := model.CloneMap(d.ws.link)
	d.spawn("organic fetch", func(ctx context.Context) func() {
		data, err := d.resolver.FetchOrganicData(ctx, link)
		return func() {
			if err != nil {
				d.log.Warn("organic data fetch failed", zap.Error(err))
				d.loadCached("organic data fetch failed")
				return
			}
			d.ws.storeAttribution(data)
			d.decide()
		}
	})
}

func (d *Director) discover() {
	attribution := model.CloneMap(d.ws.attribution)
	d.spawn("endpoint discovery", func(ctx context.Context) func() {
		dest, err := d.resolver.DiscoverEndpoint(ctx, attribution)
		return func() {
			if err != nil {
				d.log.Warn("endpoint discovery failed", zap.Error(err), zap.Bool("retryable", retryable(err)))
				d.loadCached("endpoint discovery failed")
				d.engine.Emit(stateengine.NewDiscoveryFailed(d.now()))
				return
			}
			d.adopt(dest)
			d.engine.Emit(stateengine.NewEndpointDiscovered(d.now(), dest))
		}
	})
}

// adopt persists a discovered destination and either shows it or holds for
// the permission prompt.
func (d *Director) adopt(dest string) {
	d.settings.SaveDestination(dest)
	d.settings.SetOperationalMode(model.ModeActive)
	d.settings.FlagBootCompleted()
	d.ws.assign(dest)
	if d.promptDue() {
		d.awaitingAuth = true
		d.log.Info("permission prompt due", zap.String("destination", dest))
		d.publish()
		return
	}
	d.engine.Transition(stateengine.Ready(dest))
}

func (d *Director) promptDue() bool {
	if d.settings.WasAuthGranted() || d.settings.WasAuthDenied() {
		return false
	}
	if last, ok := d.settings.LastAuthRequest(); ok && d.now().Sub(last) < d.opts.AuthPromptInterval {
		return false
	}
	return true
}

func (d *Director) finalize() {
	d.publish()
	if d.ws.destination != "" {
		d.engine.Transition(stateengine.Ready(d.ws.destination))
		return
	}
	d.discover()
}

func (d *Director) loadCached(reason string) {
	if cached, ok := d.settings.CachedDestination(); ok {
		d.log.Info("falling back to cached destination", zap.String("reason", reason))
		d.ws.assign(cached)
		d.engine.Transition(stateengine.Ready(cached))
		return
	}
	d.enterPaused(reason)
}

func (d *Director) enterPaused(reason string) {
	d.log.Info("entering paused state", zap.String("reason", reason))
	d.settings.SetOperationalMode(model.ModeInactive)
	d.settings.FlagBootCompleted()
	d.engine.Transition(stateengine.Paused())
	d.publish()
}

// reenter restarts the pipeline after connectivity returns. An install that
// already holds a destination skips the gate; a gate failure here falls back
// without touching the persisted mode.
func (d *Director) reenter() {
	if !d.ws.hasAttribution() {
		d.armNoDataTimeout()
		return
	}
	d.engine.Emit(stateengine.NewDataArrived(d.now(), model.CloneMap(d.ws.attribution)))
	if d.ws.destination != "" {
		d.decide()
		return
	}
	d.checkGate(func() {
		d.resumeFromCache("gate unavailable after reconnect")
	})
}

// resumeFromCache is loadCached without the sticky Inactive mode.
func (d *Director) resumeFromCache(reason string) {
	if cached, ok := d.settings.CachedDestination(); ok {
		d.log.Info("falling back to cached destination", zap.String("reason", reason))
		d.ws.assign(cached)
		d.engine.Transition(stateengine.Ready(cached))
		return
	}
	d.log.Info("pausing until next launch", zap.String("reason", reason))
	d.engine.Transition(stateengine.Paused())
	d.publish()
}

func (d *Director) onTransition(tr stateengine.Transition) {
	d.log.Info("state changed",
		zap.String("from", tr.From.String()),
		zap.String("to", tr.To.String()),
		zap.String("cause", string(tr.Cause)),
	)
	if d.journal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
		err := d.journal.AppendTransition(ctx, model.TransitionRecord{
			FromPhase:   string(tr.From.Phase),
			ToPhase:     string(tr.To.Phase),
			Destination: tr.To.Destination,
			Cause:       string(tr.Cause),
			OccurredAt:  tr.At,
		})
		cancel()
		if err != nil {
			d.log.Warn("journal append failed", zap.Error(err))
		}
	}
	d.publish()
	if tr.From.Phase == stateengine.PhaseOffline && tr.To.Phase == stateengine.PhasePreparing {
		d.reenter()
	}
}

// post hands fn to the owning goroutine. It reports false once Run has
// returned.
func (d *Director) post(fn func()) bool {
	select {
	case <-d.done:
		return false
	default:
	}
	select {
	case d.inbox <- fn:
		return true
	case <-d.done:
		return false
	}
}

// spawn runs work off the owning goroutine with the network timeout and posts
// the closure it returns.
func (d *Director) spawn(name string, work func(ctx context.Context) func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(d.runCtx, d.opts.NetworkTimeout)
		apply := work(ctx)
		cancel()
		if !d.post(apply) {
			d.log.Debug("result dropped after shutdown", zap.String("op", name))
		}
	}()
}

// schedule arms a named timer, replacing any pending timer with that name.
func (d *Director) schedule(name string, delay time.Duration, fn func()) {
	d.cancelTimer(name)
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		d.post(func() {
			if d.timers[name] != t {
				return
			}
			delete(d.timers, name)
			fn()
		})
	})
	d.timers[name] = t
}

func (d *Director) cancelTimer(name string) {
	if t, ok := d.timers[name]; ok {
		t.Stop()
		delete(d.timers, name)
	}
}

func (d *Director) stopTimers() {
	for name := range d.timers {
		d.cancelTimer(name)
	}
}

func retryable(err error) bool {
	var r interface{ Retryable() bool }
	return errors.As(err, &r) && r.Retryable()
}
