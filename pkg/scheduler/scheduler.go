// Package scheduler runs the transmit loop: sample, encode, hand the packet
// to the radio, sleep. It is also the single owner of the mutable device
// state (configuration, stats, latest sample, diagnostics) that the local
// inspection interface reads.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/axlewatch/axletx/pkg/config"
	"github.com/axlewatch/axletx/pkg/diaglog"
	"github.com/axlewatch/axletx/pkg/hub"
	"github.com/axlewatch/axletx/pkg/identify"
	"github.com/axlewatch/axletx/pkg/radio"
	"github.com/axlewatch/axletx/pkg/telemetry"
)

const (
	// DefaultInterval is the spacing between transmissions.
	DefaultInterval = 30 * time.Second

	// DefaultHeartbeat is the spacing between heartbeat blinks while the
	// node is awake.
	DefaultHeartbeat = 5 * time.Second

	// IdentifyHoldTime is the button hold that (re)starts sensor
	// identification from the transmit loop.
	IdentifyHoldTime = 3 * time.Second
)

// Store is the slice of the config store the scheduler needs.
type Store interface {
	Save(cfg *config.DeviceConfig) error
	SaveName(name string) error
	SaveTransmitterConfig(id uint16, powerSave bool) error
}

// Options configures a Scheduler.
type Options struct {
	Device    hub.Device
	Transport radio.Transport
	Store     Store
	Logger    *slog.Logger

	// Interval and Heartbeat default to DefaultInterval and
	// DefaultHeartbeat when zero.
	Interval  time.Duration
	Heartbeat time.Duration

	// Sleeper is used between cycles in power-save mode. Defaults to
	// TimerSleeper.
	Sleeper Sleeper

	// Diagnostics is the ring the scheduler (and the identification runs
	// it starts) record to. A fresh buffer is created when nil; pass one
	// in to share it with boot-time identification.
	Diagnostics *diaglog.Buffer
}

// Scheduler drives the periodic transmit loop.
type Scheduler struct {
	dev       hub.Device
	transport radio.Transport
	store     Store
	sampler   *telemetry.Sampler
	logger    *slog.Logger

	interval  time.Duration
	heartbeat time.Duration
	sleeper   Sleeper

	identifyFn func(ctx context.Context, base *config.DeviceConfig) (*config.DeviceConfig, error)

	// guards the mutable state the inspection accessors copy out.
	mu     sync.RWMutex
	cfg    *config.DeviceConfig
	stats  radio.Stats
	latest telemetry.SampleSet
	diag   *diaglog.Buffer
}

// New creates a scheduler with the given starting configuration.
func New(cfg *config.DeviceConfig, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	if opts.Sleeper == nil {
		opts.Sleeper = TimerSleeper{}
	}
	if opts.Diagnostics == nil {
		opts.Diagnostics = diaglog.New()
	}

	s := &Scheduler{
		dev:       opts.Device,
		transport: opts.Transport,
		store:     opts.Store,
		sampler:   telemetry.NewSampler(opts.Device),
		logger:    opts.Logger,
		interval:  opts.Interval,
		heartbeat: opts.Heartbeat,
		sleeper:   opts.Sleeper,
		cfg:       cfg.Clone(),
		diag:      opts.Diagnostics,
	}
	s.identifyFn = func(ctx context.Context, base *config.DeviceConfig) (*config.DeviceConfig, error) {
		return identify.NewRunner(s.dev, s.store, s.diag, s.logger).Run(ctx, base)
	}
	return s
}

// Run executes the transmit loop until ctx is cancelled. A first cycle runs
// immediately so a freshly booted node is visible without waiting a full
// interval.
func (s *Scheduler) Run(ctx context.Context) error {
	s.diag.Append("scheduler started")
	transmitted := s.cycle(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		// The device suspends only after a completed transmit attempt;
		// an unconfigured or failed-sample cycle keeps the node awake so
		// the button stays serviceable.
		if transmitted && s.powerSave() {
			if err := s.sleeper.Sleep(ctx, s.interval); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.Warn("suspend failed, falling back to busy wait", "error", err)
				s.diag.Appendf("suspend failed: %v", err)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			transmitted = s.cycle(ctx)
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			transmitted = s.cycle(ctx)
		case <-heartbeat.C:
			s.blinkHeartbeat()
		case hold := <-s.dev.Holds():
			if hold.Held >= IdentifyHoldTime {
				s.runIdentification(ctx)
			}
		}
	}
}

// cycle performs one sample-encode-transmit pass. It reports whether a
// transmit attempt was actually made.
func (s *Scheduler) cycle(ctx context.Context) bool {
	cfg := s.ConfigSnapshot()

	if !cfg.SensorsConfigured() {
		s.diag.Append("not configured, transmission skipped")
		s.logger.Warn("no sensors configured, skipping transmission")
		s.indicate(hub.Blink(hub.LedRed, 1, 300*time.Millisecond))
		return false
	}

	set, err := s.sampler.Sample(ctx, cfg)
	if err != nil {
		s.diag.Appendf("sampling failed: %v", err)
		s.logger.Error("sampling failed", "error", err)
		return false
	}

	s.mu.Lock()
	s.latest = set
	s.mu.Unlock()

	packet := telemetry.Encode(cfg.TransmitterID, set)
	err = s.transport.Send(ctx, packet)
	if err != nil {
		s.diag.Appendf("transmit failed: %v", err)
		s.logger.Error("transmit failed", "error", err)
	} else {
		s.diag.Appendf("transmitted %d bytes", len(packet))
		s.logger.Debug("packet transmitted", "bytes", len(packet))
	}

	// The attempt counts whether or not the transport delivered; the next
	// cycle is the retry.
	s.mu.Lock()
	s.stats.TotalPacketsSent++
	s.stats.LastSendUnix = time.Now().Unix()
	s.mu.Unlock()
	return true
}

// runIdentification blocks the loop for the duration of the procedure, as
// the front panel is a shared resource.
func (s *Scheduler) runIdentification(ctx context.Context) {
	s.diag.Append("identification requested")
	s.logger.Info("identification requested via button")

	cfg, err := s.identifyFn(ctx, s.ConfigSnapshot())
	if err != nil {
		s.diag.Appendf("identification failed: %v", err)
		s.logger.Warn("identification failed", "error", err)
		return
	}

	s.SetConfig(cfg)
	s.diag.Appendf("identification complete, %d sensors", cfg.ActiveSensorCount)
}

func (s *Scheduler) blinkHeartbeat() {
	if s.ConfigSnapshot().SensorsConfigured() {
		s.indicate(hub.Blink(hub.LedGreen, 1, 50*time.Millisecond))
	} else {
		s.indicate(hub.Blink(hub.LedRed, 1, 50*time.Millisecond))
	}
}

func (s *Scheduler) indicate(cmd hub.Command) {
	if err := s.dev.Indicate(cmd); err != nil {
		s.logger.Debug("indicator command failed", "error", err)
	}
}

func (s *Scheduler) powerSave() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.PowerSaveMode
}

// ConfigSnapshot returns a copy of the current configuration.
func (s *Scheduler) ConfigSnapshot() *config.DeviceConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Clone()
}

// SetConfig replaces the working configuration, typically after a completed
// identification run.
func (s *Scheduler) SetConfig(cfg *config.DeviceConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg.Clone()
}

// UpdateSettings persists and applies new device settings while leaving the
// sensor table alone.
func (s *Scheduler) UpdateSettings(name string, id uint16, powerSave bool) error {
	if err := s.store.SaveName(name); err != nil {
		return fmt.Errorf("failed to save device name: %w", err)
	}
	if err := s.store.SaveTransmitterConfig(id, powerSave); err != nil {
		return fmt.Errorf("failed to save transmitter settings: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.DeviceName = name
	s.cfg.TransmitterID = id
	s.cfg.PowerSaveMode = powerSave
	s.diag.Appendf("settings updated: name=%q id=%d power_save=%v", name, id, powerSave)
	return nil
}

// Latest returns the most recent sample set; ok is false before the first
// successful sample.
func (s *Scheduler) Latest() (telemetry.SampleSet, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.latest.Valid
}

// Stats returns the radio counters.
func (s *Scheduler) Stats() radio.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// Logs exports the diagnostics ring, oldest first.
func (s *Scheduler) Logs() []diaglog.Entry {
	return s.diag.Export()
}
