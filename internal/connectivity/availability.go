package connectivity

import "time"

type Thresholds struct {
	OfflineAfterFailures int
	OnlineAfterSuccesses int
}

// Availability is the debounced view of a series of probe results.
type Availability struct {
	Known                bool
	Available            bool
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastTransitionAt     time.Time
}

// NextAvailability folds one probe result into state. The first observation
// decides availability immediately; afterwards a flip needs the configured
// number of consecutive contrary results.
func NextAvailability(th Thresholds, state Availability, success bool, now time.Time) Availability {
	if success {
		state.ConsecutiveSuccesses++
		state.ConsecutiveFailures = 0
	} else {
		state.ConsecutiveFailures++
		state.ConsecutiveSuccesses = 0
	}

	if !state.Known {
		state.Known = true
		state.Available = success
		state.LastTransitionAt = now
		return state
	}

	switch {
	case state.Available && !success && state.ConsecutiveFailures >= max(th.OfflineAfterFailures, 1):
		state.Available = false
		state.LastTransitionAt = now
	case !state.Available && success && state.ConsecutiveSuccesses >= max(th.OnlineAfterSuccesses, 1):
		state.Available = true
		state.LastTransitionAt = now
	}
	return state
}
