package director

import (
	"context"
	"time"

	"github.com/g960059/launchgate/internal/model"
	"github.com/g960059/launchgate/internal/stateengine"
)

// Workspace is the session-scoped working copy of everything the director has
// learned during this run. It is never persisted.
type Workspace struct {
	attribution         map[string]any
	attributionReceived bool
	link                map[string]any
	destination         string
}

func (w *Workspace) storeAttribution(payload map[string]any) {
	w.attribution = model.CloneMap(payload)
	w.attributionReceived = true
}

func (w *Workspace) storeLink(payload map[string]any) {
	w.link = model.CloneMap(payload)
}

func (w *Workspace) assign(destination string) {
	w.destination = destination
}

func (w *Workspace) hasAttribution() bool {
	return w.attributionReceived
}

// View is the UI-facing projection of the director. Sequence increases with
// every published change.
type View struct {
	Sequence              uint64
	Phase                 stateengine.Phase
	Presentation          model.PresentationMode
	Destination           string
	Mode                  model.Mode
	AwaitingAuthorization bool
	UpdatedAt             time.Time
}

// Presentation maps a lifecycle phase to the mode the UI renders.
func Presentation(phase stateengine.Phase) model.PresentationMode {
	switch phase {
	case stateengine.PhaseReady:
		return model.PresentationOperational
	case stateengine.PhasePaused:
		return model.PresentationDormant
	case stateengine.PhaseOffline:
		return model.PresentationDisconnected
	default:
		return model.PresentationInitializing
	}
}

func (d *Director) Snapshot() View {
	d.viewMu.Lock()
	defer d.viewMu.Unlock()
	return d.view
}

// Wait blocks until a view newer than afterSeq is published or ctx is done. On
// cancellation it returns the latest view together with ctx.Err().
func (d *Director) Wait(ctx context.Context, afterSeq uint64) (View, error) {
	for {
		d.viewMu.Lock()
		v, ch := d.view, d.changed
		d.viewMu.Unlock()
		if v.Sequence > afterSeq {
			return v, nil
		}
		select {
		case <-ctx.Done():
			return v, ctx.Err()
		case <-ch:
		}
	}
}

// publish refreshes the view from the owning goroutine and wakes waiters.
func (d *Director) publish() {
	st := d.engine.State()
	mode, _ := d.settings.OperationalMode()
	dest := d.ws.destination
	if st.Phase == stateengine.PhaseReady {
		dest = st.Destination
	}

	d.viewMu.Lock()
	d.view = View{
		Sequence:              d.view.Sequence + 1,
		Phase:                 st.Phase,
		Presentation:          Presentation(st.Phase),
		Destination:           dest,
		Mode:                  mode,
		AwaitingAuthorization: d.awaitingAuth,
		UpdatedAt:             d.now(),
	}
	close(d.changed)
	d.changed = make(chan struct{})
	d.viewMu.Unlock()
}
