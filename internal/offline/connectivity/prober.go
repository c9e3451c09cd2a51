package connectivity

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/cenkalti/backoff"
)

// Pinger checks reachability of the remote service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ProberConfig controls probe spacing.
type ProberConfig struct {
	// InitialInterval is the wait before the second probe while offline.
	InitialInterval time.Duration

	// MaxInterval caps the wait between probes.
	MaxInterval time.Duration

	// Timeout bounds one probe.
	Timeout time.Duration

	Logger *log.Logger
}

// DefaultProberConfig returns the default probe spacing.
func DefaultProberConfig() ProberConfig {
	return ProberConfig{
		InitialInterval: 2 * time.Second,
		MaxInterval:     2 * time.Minute,
		Timeout:         5 * time.Second,
	}
}

// Prober feeds a Monitor from health checks.
type Prober struct {
	monitor *Monitor
	pinger  Pinger
	cfg     ProberConfig
	logger  *log.Logger
}

// NewProber creates a Prober reporting into monitor.
func NewProber(monitor *Monitor, pinger Pinger, cfg ProberConfig) *Prober {
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = DefaultProberConfig().InitialInterval
	}
	if cfg.MaxInterval < cfg.InitialInterval {
		cfg.MaxInterval = cfg.InitialInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[prober] ", log.LstdFlags)
	}
	return &Prober{
		monitor: monitor,
		pinger:  pinger,
		cfg:     cfg,
		logger:  cfg.Logger,
	}
}

// Check probes once and records the result in the monitor.
func (p *Prober) Check(ctx context.Context) bool {
	probeCtx := ctx
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	err := p.pinger.Ping(probeCtx)
	if ctx.Err() != nil {
		return p.monitor.Online()
	}
	if err != nil {
		p.logger.Printf("Probe failed: %v", err)
	}
	p.monitor.SetOnline(err == nil)
	return err == nil
}

// Run probes while the monitor is offline, spacing attempts with exponential
// backoff, and idles while online until the monitor reports a drop.
// It returns when ctx is cancelled.
func (p *Prober) Run(ctx context.Context) error {
	dropped := make(chan struct{}, 1)
	sub := p.monitor.Subscribe(func(ev Event) {
		if ev.Kind == BecameOffline {
			select {
			case dropped <- struct{}{}:
			default:
			}
		}
	})
	defer sub.Unsubscribe()

	b := p.newBackOff()
	for {
		if p.monitor.Online() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-dropped:
				b.Reset()
			}
			continue
		}

		if p.Check(ctx) {
			b.Reset()
			continue
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			wait = p.cfg.MaxInterval
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (p *Prober) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.InitialInterval
	b.MaxInterval = p.cfg.MaxInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
