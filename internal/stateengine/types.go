package stateengine

import "time"

type Phase string

const (
	PhaseBooting    Phase = "booting"
	PhasePreparing  Phase = "preparing"
	PhaseEvaluating Phase = "evaluating"
	PhaseReady      Phase = "ready"
	PhasePaused     Phase = "paused"
	PhaseOffline    Phase = "offline"
)

// AllPhases lists every lifecycle phase in declaration order.
var AllPhases = []Phase{PhaseBooting, PhasePreparing, PhaseEvaluating, PhaseReady, PhasePaused, PhaseOffline}

// State is the lifecycle state. Destination is set only for PhaseReady, so two
// Ready states compare equal iff their destinations do.
type State struct {
	Phase       Phase
	Destination string
}

func Booting() State { return State{Phase: PhaseBooting} }
func Preparing() State { return State{Phase: PhasePreparing} }
func Evaluating() State { return State{Phase: PhaseEvaluating} }
func Paused() State { return State{Phase: PhasePaused} }
func Offline() State { return State{Phase: PhaseOffline} }

func Ready(destination string) State {
	return State{Phase: PhaseReady, Destination: destination}
}

func (s State) String() string {
	if s.Phase == PhaseReady {
		return string(s.Phase) + "(" + s.Destination + ")"
	}
	return string(s.Phase)
}

type EventKind string

const (
	KindBootCompleted        EventKind = "boot_completed"
	KindDataArrived          EventKind = "data_arrived"
	KindLinkCaptured         EventKind = "link_captured"
	KindTimeExpired          EventKind = "time_expired"
	KindConnectivityChanged  EventKind = "connectivity_changed"
	KindAuthorizationDecided EventKind = "authorization_decided"
	KindEndpointDiscovered   EventKind = "endpoint_discovered"
	KindDiscoveryFailed      EventKind = "discovery_failed"
	// KindForced marks transitions applied with Engine.Transition.
	KindForced EventKind = "forced"
)

// Event is the closed set of facts the reducer consumes. Only types in this
// package implement it.
type Event interface {
	Kind() EventKind
	OccurredAt() time.Time
	sealed()
}

type eventBase struct {
	At time.Time
}

func (b eventBase) OccurredAt() time.Time { return b.At }
func (eventBase) sealed()                 {}

func stamp(at time.Time) eventBase {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return eventBase{At: at}
}

type BootCompleted struct{ eventBase }

type DataArrived struct {
	eventBase
	Payload map[string]any
}

type LinkCaptured struct {
	eventBase
	Parameters map[string]any
}

type TimeExpired struct{ eventBase }

type ConnectivityChanged struct {
	eventBase
	Available bool
}

type AuthorizationDecided struct {
	eventBase
	Approved bool
}

type EndpointDiscovered struct {
	eventBase
	Location string
}

type DiscoveryFailed struct{ eventBase }

func (BootCompleted) Kind() EventKind { return KindBootCompleted }
func (DataArrived) Kind() EventKind { return KindDataArrived }
func (LinkCaptured) Kind() EventKind { return KindLinkCaptured }
func (TimeExpired) Kind() EventKind { return KindTimeExpired }
func (ConnectivityChanged) Kind() EventKind { return KindConnectivityChanged }
func (AuthorizationDecided) Kind() EventKind { return KindAuthorizationDecided }
func (EndpointDiscovered) Kind() EventKind { return KindEndpointDiscovered }
func (DiscoveryFailed) Kind() EventKind { return KindDiscoveryFailed }

func NewBootCompleted(at time.Time) BootCompleted { return BootCompleted{stamp(at)} }
func NewTimeExpired(at time.Time) TimeExpired { return TimeExpired{stamp(at)} }
func NewDiscoveryFailed(at time.Time) DiscoveryFailed {
	return DiscoveryFailed{stamp(at)}
}

func NewDataArrived(at time.Time, payload map[string]any) DataArrived {
	return DataArrived{eventBase: stamp(at), Payload: payload}
}

func NewLinkCaptured(at time.Time, parameters map[string]any) LinkCaptured {
	return LinkCaptured{eventBase: stamp(at), Parameters: parameters}
}

func NewConnectivityChanged(at time.Time, available bool) ConnectivityChanged {
	return ConnectivityChanged{eventBase: stamp(at), Available: available}
}

func NewAuthorizationDecided(at time.Time, approved bool) AuthorizationDecided {
	return AuthorizationDecided{eventBase: stamp(at), Approved: approved}
}

func NewEndpointDiscovered(at time.Time, location string) EndpointDiscovered {
	return EndpointDiscovered{eventBase: stamp(at), Location: location}
}

// Transition is published to subscribers after every state change.
type Transition struct {
	From  State
	To    State
	Cause EventKind
	At    time.Time
}
