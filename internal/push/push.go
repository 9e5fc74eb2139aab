package push

import (
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/g960059/launchgate/internal/logging"
	"github.com/g960059/launchgate/internal/model"
)

var (
	ErrNoDestination = errors.New("push payload carries no destination")
	ErrInvalidToken  = errors.New("push token is empty")
)

// Store persists what the push path learns.
type Store interface {
	SaveTemporaryDestination(destination string)
	SavePushToken(token string)
}

// ParseDestination extracts the destination from a push payload, either at
// the top level or nested under "data".
func ParseDestination(payload map[string]any) (string, bool) {
	raw, ok := payload["url"].(string)
	if !ok {
		nested, isMap := payload["data"].(map[string]any)
		if !isMap {
			return "", false
		}
		raw, ok = nested["url"].(string)
		if !ok {
			return "", false
		}
	}
	return model.NormalizeDestination(raw)
}

type Dispatcher struct {
	store Store
	log   *zap.Logger
}

func NewDispatcher(store Store, log *zap.Logger) *Dispatcher {
	return &Dispatcher{store: store, log: logging.OrNop(log).Named("push")}
}

// Dispatch stores the payload's destination for the next decision sequence.
func (d *Dispatcher) Dispatch(payload map[string]any) (string, error) {
	dest, ok := ParseDestination(payload)
	if !ok {
		return "", ErrNoDestination
	}
	d.store.SaveTemporaryDestination(dest)
	d.log.Info("temporary destination stored", zap.String("destination", dest))
	return dest, nil
}

func (d *Dispatcher) RegisterToken(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrInvalidToken
	}
	d.store.SavePushToken(token)
	d.log.Info("push token registered")
	return nil
}
