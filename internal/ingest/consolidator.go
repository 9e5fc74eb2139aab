package ingest

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/g960059/launchgate/internal/logging"
	"github.com/g960059/launchgate/internal/model"
	"github.com/g960059/launchgate/internal/security"
)

// SentFlag is the durable "already sent" marker for the consolidated signal.
type SentFlag interface {
	SignalSent() bool
	MarkSignalSent()
}

// Handlers receive the consolidator's emissions. Any of them may be nil.
type Handlers struct {
	// OnConsolidated receives the merged attribution and deep-link payloads,
	// at most once per install.
	OnConsolidated func(map[string]any)
	// OnDeeplink receives each accepted deep-link payload as soon as it arrives.
	OnDeeplink func(map[string]any)
	// OnReplay receives attribution payloads delivered after the consolidated
	// signal was already sent.
	OnReplay func(map[string]any)
}

// Consolidator buffers attribution and deep-link payloads that arrive
// independently and merges them into a single emission.
type Consolidator struct {
	mu       sync.Mutex
	window   time.Duration
	flag     SentFlag
	handlers Handlers
	log      *zap.Logger

	attribution    map[string]any
	attributionSet bool
	deeplink       map[string]any
	timer          *time.Timer
	timerGen       uint64
	consolidated   bool
	closed         bool
}

func NewConsolidator(window time.Duration, flag SentFlag, handlers Handlers, log *zap.Logger) *Consolidator {
	return &Consolidator{
		window:   window,
		flag:     flag,
		handlers: handlers,
		log:      logging.OrNop(log).Named("consolidator"),
	}
}

// ReceiveAttribution stores payload and restarts the consolidation window. If
// a deep link is already buffered the merge happens immediately.
func (c *Consolidator) ReceiveAttribution(payload map[string]any) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.alreadySentLocked() {
		c.mu.Unlock()
		c.log.Debug("attribution replayed", zap.String("payload", security.RedactMap(payload)))
		emit(c.handlers.OnReplay, payload)
		return
	}
	c.attribution = model.CloneMap(payload)
	c.attributionSet = true
	c.scheduleLocked()
	var merged map[string]any
	if len(c.deeplink) > 0 {
		merged = c.consolidateLocked()
	}
	c.mu.Unlock()

	c.log.Debug("attribution received", zap.String("payload", security.RedactMap(payload)))
	if merged != nil {
		c.finish(merged)
	}
}

// ReceiveDeeplink accepts a deep link once per install. The payload is emitted
// right away and any pending window is cancelled.
func (c *Consolidator) ReceiveDeeplink(payload map[string]any) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.alreadySentLocked() {
		c.mu.Unlock()
		c.log.Debug("deep link ignored after consolidated signal was sent")
		return
	}
	c.deeplink = model.CloneMap(payload)
	c.cancelLocked()
	var merged map[string]any
	if c.attributionSet {
		merged = c.consolidateLocked()
	}
	c.mu.Unlock()

	c.log.Debug("deep link received", zap.String("payload", security.RedactMap(payload)))
	emit(c.handlers.OnDeeplink, payload)
	if merged != nil {
		c.finish(merged)
	}
}

// HandleFailure treats a failed attribution fetch as an empty payload and
// consolidates immediately.
func (c *Consolidator) HandleFailure() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.alreadySentLocked() {
		c.mu.Unlock()
		c.log.Debug("attribution failure replayed as empty payload")
		emit(c.handlers.OnReplay, map[string]any{})
		return
	}
	c.attribution = map[string]any{}
	c.attributionSet = true
	merged := c.consolidateLocked()
	c.mu.Unlock()

	c.log.Info("attribution fetch failed; consolidating without it")
	c.finish(merged)
}

// Close cancels the pending window. Later calls are ignored.
func (c *Consolidator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.cancelLocked()
}

func (c *Consolidator) alreadySentLocked() bool {
	if c.consolidated {
		return true
	}
	return c.flag != nil && c.flag.SignalSent()
}

func (c *Consolidator) scheduleLocked() {
	c.cancelLocked()
	gen := c.timerGen
	c.timer = time.AfterFunc(c.window, func() { c.fire(gen) })
}

func (c *Consolidator) cancelLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerGen++
}

func (c *Consolidator) fire(gen uint64) {
	c.mu.Lock()
	if c.closed || c.consolidated || gen != c.timerGen {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	merged := c.consolidateLocked()
	c.mu.Unlock()

	c.log.Debug("consolidation window elapsed without deep link")
	c.finish(merged)
}

// consolidateLocked merges the slots; attribution values win on collisions.
func (c *Consolidator) consolidateLocked() map[string]any {
	c.cancelLocked()
	c.consolidated = true
	return model.Blend(c.attribution, c.deeplink)
}

func (c *Consolidator) finish(merged map[string]any) {
	emit(c.handlers.OnConsolidated, merged)
	if c.flag != nil {
		c.flag.MarkSignalSent()
	}
	c.log.Info("consolidated signal sent", zap.Int("keys", len(merged)))
}

func emit(fn func(map[string]any), payload map[string]any) {
	if fn == nil {
		return
	}
	fn(model.CloneMap(payload))
}
