package resolver

import (
	"os"
	"runtime"
	"strings"

	"golang.org/x/text/language"

	"github.com/g960059/launchgate/internal/config"
)

const defaultLocale = "EN"

// DeviceStore supplies the install-scoped identifiers sent with discovery.
type DeviceStore interface {
	DeviceID() string
	PushToken() (string, bool)
}

// Metadata describes the device in discovery requests.
type Metadata struct {
	device    DeviceStore
	appID     string
	bundleID  string
	projectID string
	lookupEnv func(string) (string, bool)
}

func NewMetadata(cfg config.Config, device DeviceStore) *Metadata {
	return &Metadata{
		device:    device,
		appID:     cfg.AppID,
		bundleID:  cfg.BundleID,
		projectID: cfg.ProjectID,
		lookupEnv: os.LookupEnv,
	}
}

func (m *Metadata) DeviceID() string {
	return m.device.DeviceID()
}

// Fields returns the metadata keys merged into a discovery request body.
// Missing optional values are sent as null.
func (m *Metadata) Fields() map[string]any {
	out := map[string]any{
		"os":                  runtime.GOOS,
		"af_id":               m.device.DeviceID(),
		"bundle_id":           m.bundleID,
		"firebase_project_id": nil,
		"store_id":            "id" + m.appID,
		"push_token":          nil,
		"locale":              m.Locale(),
	}
	if m.projectID != "" {
		out["firebase_project_id"] = m.projectID
	}
	if token, ok := m.device.PushToken(); ok && token != "" {
		out["push_token"] = token
	}
	return out
}

// Locale returns the upper-cased two-letter language of the user's locale
// environment, or EN.
func (m *Metadata) Locale() string {
	for _, key := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		raw, ok := m.lookupEnv(key)
		if !ok {
			continue
		}
		if loc, ok := parseLocale(raw); ok {
			return loc
		}
	}
	return defaultLocale
}

func parseLocale(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if i := strings.IndexAny(raw, ".@"); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" || raw == "C" || raw == "POSIX" {
		return "", false
	}
	tag, err := language.Parse(strings.ReplaceAll(raw, "_", "-"))
	if err != nil {
		return "", false
	}
	base, conf := tag.Base()
	if conf == language.No {
		return "", false
	}
	code := base.String()
	if len(code) < 2 {
		return "", false
	}
	return strings.ToUpper(code[:2]), true
}
