package stateengine

// Reduce returns the state that follows current after ev. Pairings without a
// rule leave the state unchanged. Reduce performs no side effects.
func Reduce(current State, ev Event) State {
	switch current.Phase {
	case PhaseBooting:
		if _, ok := ev.(BootCompleted); ok {
			return Preparing()
		}
	case PhasePreparing:
		switch ev.(type) {
		case DataArrived:
			return Evaluating()
		case TimeExpired:
			return Paused()
		}
	case PhaseEvaluating:
		switch e := ev.(type) {
		case EndpointDiscovered:
			return Ready(e.Location)
		case DiscoveryFailed:
			return Paused()
		}
	case PhaseReady:
		if e, ok := ev.(ConnectivityChanged); ok && !e.Available {
			return Offline()
		}
	case PhaseOffline:
		if e, ok := ev.(ConnectivityChanged); ok && e.Available {
			return Preparing()
		}
	}
	return current
}
