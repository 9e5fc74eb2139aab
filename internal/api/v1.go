package api

import "time"

const SchemaVersion = "v1"

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

// StateView is the director's UI-facing projection.
type StateView struct {
	Sequence              uint64    `json:"sequence"`
	Phase                 string    `json:"phase"`
	Presentation          string    `json:"presentation"`
	Destination           string    `json:"destination,omitempty"`
	Mode                  string    `json:"mode,omitempty"`
	AwaitingAuthorization bool      `json:"awaiting_authorization"`
	UpdatedAt             time.Time `json:"updated_at"`
}

type StateEnvelope struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	StreamID      string    `json:"stream_id"`
	Cursor        string    `json:"cursor"`
	State         StateView `json:"state"`
}

// WatchResponse answers a long poll. Changed is false when the poll timed out
// without a newer state; Reset is true when the cursor belonged to another
// stream.
type WatchResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	StreamID      string    `json:"stream_id"`
	Cursor        string    `json:"cursor"`
	Changed       bool      `json:"changed"`
	Reset         bool      `json:"reset,omitempty"`
	State         StateView `json:"state"`
}

type TransitionItem struct {
	TransitionID string    `json:"transition_id"`
	FromPhase    string    `json:"from_phase"`
	ToPhase      string    `json:"to_phase"`
	Destination  string    `json:"destination,omitempty"`
	Cause        string    `json:"cause"`
	OccurredAt   time.Time `json:"occurred_at"`
}

type TransitionsEnvelope struct {
	SchemaVersion string           `json:"schema_version"`
	GeneratedAt   time.Time        `json:"generated_at"`
	Transitions   []TransitionItem `json:"transitions"`
}

type SignalRequest struct {
	Payload map[string]any `json:"payload"`
}

type SignalResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Signal        string    `json:"signal"`
	Accepted      bool      `json:"accepted"`
}

type PushRequest struct {
	Payload map[string]any `json:"payload"`
}

type PushResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Destination   string    `json:"destination"`
}

type PushTokenRequest struct {
	Token string `json:"token"`
}

type AuthorizationRequest struct {
	Decision string `json:"decision"`
}

type AuthorizationResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Decision      string    `json:"decision"`
}

type AckResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Status        string    `json:"status"`
}
