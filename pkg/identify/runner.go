package identify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chewxy/math32"

	"github.com/axlewatch/axletx/pkg/config"
	"github.com/axlewatch/axletx/pkg/hub"
)

// ErrNoSensors is returned when the bus enumerates empty; identification
// cannot even begin.
var ErrNoSensors = errors.New("no sensors found on the bus")

// Saver persists the assembled configuration. *config.Store satisfies it.
type Saver interface {
	Save(cfg *config.DeviceConfig) error
}

// Diagnostics records identification events for later inspection.
// *diaglog.Buffer satisfies it.
type Diagnostics interface {
	Appendf(format string, args ...any)
}

type nopDiagnostics struct{}

func (nopDiagnostics) Appendf(string, ...any) {}

// Runner drives the identification machine against real hardware: it polls
// the bus, turns temperature deltas into touch events, forwards button holds
// and executes the machine's feedback commands.
type Runner struct {
	dev    hub.Device
	store  Saver
	diag   Diagnostics
	logger *slog.Logger

	poll time.Duration
	now  func() time.Time
}

// NewRunner creates a runner. The store may be nil, in which case a
// successful run returns the new configuration without persisting it. A nil
// diag drops the diagnostic entries.
func NewRunner(dev hub.Device, store Saver, diag Diagnostics, logger *slog.Logger) *Runner {
	if diag == nil {
		diag = nopDiagnostics{}
	}
	return &Runner{
		dev:    dev,
		store:  store,
		diag:   diag,
		logger: logger,
		poll:   PollInterval,
		now:    time.Now,
	}
}

// Run executes one full identification session and returns the resulting
// configuration. Device name, transmitter id and power mode are carried over
// from base; the sensor table is replaced wholesale.
func (r *Runner) Run(ctx context.Context, base *config.DeviceConfig) (*config.DeviceConfig, error) {
	addrs, err := r.dev.Enumerate(ctx)
	if err != nil {
		return nil, fmt.Errorf("bus enumeration failed: %w", err)
	}
	if len(addrs) == 0 {
		r.diag.Appendf("identification aborted: no sensors on the bus")
		return nil, ErrNoSensors
	}
	r.logger.Info("identification started", "sensors_on_bus", len(addrs))
	r.diag.Appendf("identification started, %d sensors on bus", len(addrs))

	baseline, err := r.dev.ReadAll(ctx, addrs)
	if err != nil {
		return nil, fmt.Errorf("baseline read failed: %w", err)
	}

	m := NewMachine()
	r.indicate(m.Start(r.now()))

	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case hold := <-r.dev.Holds():
			r.indicate(m.Apply(ButtonHold{Held: hold.Held, At: r.now()}))

		case <-ticker.C:
			temps, err := r.dev.ReadAll(ctx, addrs)
			if err != nil {
				// Transient bus glitches happen mid-touch; keep
				// polling on the old baselines.
				r.logger.Warn("bus read failed during identification", "error", err)
				continue
			}

			if addr, ok := r.detectTouch(addrs, baseline, temps); ok {
				collecting := m.State() == StateWaitAmbient || m.State() == StateWaitPosition
				prevCount := m.Count()
				r.indicate(m.Apply(Touch{Addr: addr, At: r.now()}))
				r.logTouch(m, addr, collecting, prevCount)
			}
			r.indicate(m.Apply(Tick{At: r.now()}))
		}

		if m.Done() {
			break
		}
	}

	if m.State() == StateFailed {
		r.logger.Warn("identification failed", "error", m.Err())
		r.diag.Appendf("identification failed: %v", m.Err())
		return nil, m.Err()
	}

	table, count := m.Result()
	cfg := base.Clone()
	cfg.SensorTable = table
	cfg.ActiveSensorCount = count

	if r.store != nil {
		if err := r.store.Save(cfg); err != nil {
			return nil, fmt.Errorf("failed to persist sensor table: %w", err)
		}
	}
	r.logger.Info("identification saved", "sensors", count)
	r.diag.Appendf("identification saved, %d sensors", count)
	return cfg, nil
}

// detectTouch scans the bus readings for the first sensor whose delta from
// its baseline exceeds the threshold. The touched sensor is re-baselined to
// the new reading whether or not the machine accepts it, so one touch never
// fires twice.
func (r *Runner) detectTouch(addrs []hub.Address, baseline, temps map[hub.Address]float32) (hub.Address, bool) {
	for _, addr := range addrs {
		cur, ok := temps[addr]
		if !ok || math32.IsNaN(cur) {
			continue
		}
		base, ok := baseline[addr]
		if !ok {
			baseline[addr] = cur
			continue
		}
		if math32.Abs(cur-base) > TouchThresholdC {
			baseline[addr] = cur
			return addr, true
		}
	}
	return hub.Address{}, false
}

// logTouch classifies the touch by what the machine did with it: a count
// increase is an assignment, an unchanged count while still collecting is a
// duplicate rejection, anything else changed nothing worth recording.
func (r *Runner) logTouch(m *Machine, addr hub.Address, collecting bool, prevCount int) {
	switch {
	case m.Count() > prevCount:
		r.logger.Info("sensor assigned", "addr", addr.String(), "slot", m.Count()-1)
		r.diag.Appendf("sensor %s assigned to slot %d", addr, m.Count()-1)
	case collecting:
		r.logger.Warn("duplicate sensor rejected", "addr", addr.String(), "position", m.Position())
		r.diag.Appendf("duplicate sensor %s rejected at position %d", addr, m.Position())
	}
}

func (r *Runner) indicate(cmds []hub.Command) {
	for _, cmd := range cmds {
		if err := r.dev.Indicate(cmd); err != nil {
			r.logger.Warn("feedback command failed", "error", err)
		}
	}
}
