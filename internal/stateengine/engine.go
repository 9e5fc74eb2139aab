package stateengine

import (
	"sync"
	"time"
)

// Engine holds the current lifecycle state. Emit and Transition are meant to
// be called from a single owning goroutine; State may be read from anywhere.
type Engine struct {
	mu          sync.RWMutex
	state       State
	subscribers []func(Transition)
	now         func() time.Time
}

func NewEngine() *Engine {
	return &Engine{
		state: Booting(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Subscribe registers fn to be called synchronously after each state change.
func (e *Engine) Subscribe(fn func(Transition)) {
	if fn == nil {
		return
	}
	e.mu.Lock()
	e.subscribers = append(e.subscribers, fn)
	e.mu.Unlock()
}

// Emit feeds ev through Reduce and returns the resulting state.
func (e *Engine) Emit(ev Event) State {
	e.mu.Lock()
	from := e.state
	to := Reduce(from, ev)
	e.state = to
	subs := e.subscribers
	e.mu.Unlock()

	if to != from {
		at := ev.OccurredAt()
		if at.IsZero() {
			at = e.now()
		}
		publish(subs, Transition{From: from, To: to, Cause: ev.Kind(), At: at})
	}
	return to
}

// Transition sets the state directly, bypassing the reducer.
func (e *Engine) Transition(to State) {
	e.mu.Lock()
	from := e.state
	e.state = to
	subs := e.subscribers
	e.mu.Unlock()

	if to != from {
		publish(subs, Transition{From: from, To: to, Cause: KindForced, At: e.now()})
	}
}

func publish(subs []func(Transition), tr Transition) {
	for _, fn := range subs {
		fn(tr)
	}
}
