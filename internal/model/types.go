package model

import (
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/idna"
)

// Mode is the persisted operational mode of the install.
type Mode string

const (
	ModeActive   Mode = "Active"
	ModeInactive Mode = "Inactive"
)

// PresentationMode is the UI-facing projection of the lifecycle state.
type PresentationMode string

const (
	PresentationInitializing PresentationMode = "initializing"
	PresentationOperational  PresentationMode = "operational"
	PresentationDormant      PresentationMode = "dormant"
	PresentationDisconnected PresentationMode = "disconnected"
)

// Setting keys persisted in the settings table.
const (
	SettingBootCompleted        = "boot_completed"
	SettingCachedDestination    = "cached_destination"
	SettingOperationalMode      = "operational_mode"
	SettingAuthRequestedAt      = "auth_requested_at"
	SettingAuthGranted          = "auth_granted"
	SettingAuthDenied           = "auth_denied"
	SettingSignalSent           = "signal_sent"
	SettingTemporaryDestination = "temporary_destination"
	SettingPushToken            = "push_token"
	SettingDeviceID             = "device_id"
)

// Attribution payload keys the core inspects.
const (
	AttributionStatusKey = "af_status"
	AttributionOrganic   = "Organic"
)

// Signal kinds accepted by the daemon.
type SignalKind string

const (
	SignalAttribution SignalKind = "attribution"
	SignalDeeplink    SignalKind = "deeplink"
	SignalFailure     SignalKind = "failure"
)

// AuthorizationDecision is the answer to a permission prompt.
type AuthorizationDecision string

const (
	AuthorizationGrant AuthorizationDecision = "grant"
	AuthorizationDeny  AuthorizationDecision = "deny"
	AuthorizationSkip  AuthorizationDecision = "skip"
)

const (
	ErrRefInvalid         = "E_REF_INVALID"
	ErrRefNotFound        = "E_REF_NOT_FOUND"
	ErrPayloadInvalid     = "E_PAYLOAD_INVALID"
	ErrPreconditionFailed = "E_PRECONDITION_FAILED"
	ErrUnavailable        = "E_UNAVAILABLE"
)

// NormalizeDestination returns the canonical form of an absolute http(s) URL
// with a valid host, or false.
func NormalizeDestination(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}
	host := u.Hostname()
	if host == "" {
		return "", false
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", false
	}
	if port := u.Port(); port != "" {
		u.Host = ascii + ":" + port
	} else {
		u.Host = ascii
	}
	u.Scheme = scheme
	return u.String(), true
}

// IsOrganic reports whether an attribution payload classifies the install as
// non-attributed.
func IsOrganic(payload map[string]any) bool {
	status, _ := payload[AttributionStatusKey].(string)
	return status == AttributionOrganic
}

// CloneMap returns a shallow copy; nil stays empty but non-nil.
func CloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Blend copies base and adds keys from extra that base lacks.
func Blend(base, extra map[string]any) map[string]any {
	out := CloneMap(base)
	for k, v := range extra {
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	return out
}

// TransitionRecord is one entry of the durable transition journal.
type TransitionRecord struct {
	TransitionID string
	FromPhase    string
	ToPhase      string
	Destination  string
	Cause        string
	OccurredAt   time.Time
}
