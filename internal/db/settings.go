package db

import (
	"context"
	"errors"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/g960059/launchgate/internal/logging"
	"github.com/g960059/launchgate/internal/model"
)

const defaultSettingsTimeout = 5 * time.Second

// Settings is the best-effort key/value view of the store used by the
// director, the consolidator and the push path. Read failures are logged and
// reported as "unset"; write failures are logged and dropped.
type Settings struct {
	store   *Store
	log     *zap.Logger
	timeout time.Duration
	now     func() time.Time
}

func NewSettings(store *Store, log *zap.Logger) *Settings {
	return &Settings{
		store:   store,
		log:     logging.OrNop(log).Named("settings"),
		timeout: defaultSettingsTimeout,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Settings) IsFirstBoot() bool {
	return !s.getBool(model.SettingBootCompleted)
}

func (s *Settings) FlagBootCompleted() {
	s.putBool(model.SettingBootCompleted, true)
}

func (s *Settings) CachedDestination() (string, bool) {
	return s.getDestination(model.SettingCachedDestination)
}

func (s *Settings) SaveDestination(destination string) {
	s.put(model.SettingCachedDestination, destination)
}

func (s *Settings) OperationalMode() (model.Mode, bool) {
	v, ok := s.get(model.SettingOperationalMode)
	if !ok || v == "" {
		return "", false
	}
	return model.Mode(v), true
}

func (s *Settings) SetOperationalMode(mode model.Mode) {
	s.put(model.SettingOperationalMode, string(mode))
}

func (s *Settings) RecordAuthRequestTime(at time.Time) {
	s.put(model.SettingAuthRequestedAt, at.UTC().Format(time.RFC3339Nano))
}

func (s *Settings) LastAuthRequest() (time.Time, bool) {
	v, ok := s.get(model.SettingAuthRequestedAt)
	if !ok {
		return time.Time{}, false
	}
	at, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		s.log.Warn("discarding unparsable auth request time", zap.String("value", v), zap.Error(err))
		return time.Time{}, false
	}
	return at, true
}

func (s *Settings) SaveAuthGranted(granted bool) { s.putBool(model.SettingAuthGranted, granted) }
func (s *Settings) SaveAuthDenied(denied bool)   { s.putBool(model.SettingAuthDenied, denied) }
func (s *Settings) WasAuthGranted() bool         { return s.getBool(model.SettingAuthGranted) }
func (s *Settings) WasAuthDenied() bool          { return s.getBool(model.SettingAuthDenied) }

func (s *Settings) SignalSent() bool { return s.getBool(model.SettingSignalSent) }
func (s *Settings) MarkSignalSent()  { s.putBool(model.SettingSignalSent, true) }

func (s *Settings) TemporaryDestination() (string, bool) {
	return s.getDestination(model.SettingTemporaryDestination)
}

func (s *Settings) SaveTemporaryDestination(destination string) {
	s.put(model.SettingTemporaryDestination, destination)
}

// ClearTemporaryDestination drops a pushed destination once it was adopted.
func (s *Settings) ClearTemporaryDestination() {
	ctx, cancel := s.ctx()
	defer cancel()
	if err := s.store.DeleteSetting(ctx, model.SettingTemporaryDestination); err != nil {
		s.log.Error("clear temporary destination failed", zap.Error(err))
	}
}

func (s *Settings) PushToken() (string, bool) {
	return s.get(model.SettingPushToken)
}

func (s *Settings) SavePushToken(token string) {
	s.put(model.SettingPushToken, token)
}

// DeviceID returns the install's device identifier, generating and persisting
// one on first use.
func (s *Settings) DeviceID() string {
	if v, ok := s.get(model.SettingDeviceID); ok && v != "" {
		return v
	}
	id := uuid.NewString()
	s.put(model.SettingDeviceID, id)
	return id
}

// Reset clears every persisted decision and returns the keys that were set.
func (s *Settings) Reset() []string {
	ctx, cancel := s.ctx()
	defer cancel()
	all, err := s.store.ListSettings(ctx)
	if err != nil {
		s.log.Warn("list settings before reset failed", zap.Error(err))
	}
	if err := s.store.ResetSettings(ctx); err != nil {
		s.log.Error("reset settings failed", zap.Error(err))
		return nil
	}
	return slices.Sorted(maps.Keys(all))
}

func (s *Settings) getDestination(key string) (string, bool) {
	v, ok := s.get(key)
	if !ok {
		return "", false
	}
	dest, valid := model.NormalizeDestination(v)
	if !valid {
		s.log.Warn("ignoring malformed stored destination", zap.String("key", key))
		return "", false
	}
	return dest, true
}

func (s *Settings) get(key string) (string, bool) {
	ctx, cancel := s.ctx()
	defer cancel()
	v, err := s.store.GetSetting(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return "", false
	}
	if err != nil {
		s.log.Error("read setting failed", zap.String("key", key), zap.Error(err))
		return "", false
	}
	return v, true
}

func (s *Settings) put(key, value string) {
	ctx, cancel := s.ctx()
	defer cancel()
	if err := s.store.PutSetting(ctx, key, value, s.now()); err != nil {
		s.log.Error("write setting failed", zap.String("key", key), zap.Error(err))
	}
}

func (s *Settings) getBool(key string) bool {
	v, ok := s.get(key)
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

func (s *Settings) putBool(key string, v bool) {
	s.put(key, strconv.FormatBool(v))
}

func (s *Settings) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}
