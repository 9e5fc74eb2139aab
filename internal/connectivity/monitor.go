package connectivity

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/g960059/launchgate/internal/config"
	"github.com/g960059/launchgate/internal/logging"
)

// Prober performs one reachability check.
type Prober interface {
	Probe(ctx context.Context) error
}

// DialProber opens and closes a TCP connection to Address.
type DialProber struct {
	Address string
	Timeout time.Duration
}

func (p DialProber) Probe(ctx context.Context) error {
	d := net.Dialer{Timeout: p.Timeout}
	conn, err := d.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return fmt.Errorf("dial %s: %w", p.Address, err)
	}
	return conn.Close()
}

type Monitor struct {
	prober     Prober
	interval   time.Duration
	timeout    time.Duration
	thresholds Thresholds
	log        *zap.Logger
	now        func() time.Time
}

func NewMonitor(prober Prober, interval, timeout time.Duration, th Thresholds, log *zap.Logger) *Monitor {
	return &Monitor{
		prober:     prober,
		interval:   interval,
		timeout:    timeout,
		thresholds: th,
		log:        logging.OrNop(log).Named("connectivity"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func NewMonitorFromConfig(cfg config.Config, log *zap.Logger) *Monitor {
	return NewMonitor(
		DialProber{Address: cfg.ProbeAddress, Timeout: cfg.ProbeTimeout},
		cfg.ProbeInterval,
		cfg.ProbeTimeout,
		Thresholds{
			OfflineAfterFailures: cfg.OfflineAfterFailures,
			OnlineAfterSuccesses: cfg.OnlineAfterSuccesses,
		},
		log,
	)
}

// Run probes immediately and then every interval until ctx is done. onChange
// is called for the first observation and for every availability flip.
func (m *Monitor) Run(ctx context.Context, onChange func(available bool)) error {
	interval := m.interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var state Availability
	for {
		state = m.step(ctx, state, onChange)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Monitor) step(ctx context.Context, state Availability, onChange func(bool)) Availability {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.prober.Probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return state
	}
	if err != nil {
		m.log.Debug("probe failed", zap.Error(err))
	}

	prev := state
	state = NextAvailability(m.thresholds, state, err == nil, m.now())
	if !prev.Known || prev.Available != state.Available {
		m.log.Info("connectivity changed", zap.Bool("available", state.Available))
		if onChange != nil {
			onChange(state.Available)
		}
	}
	return state
}
