package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axlewatch/axletx/pkg/config"
	"github.com/axlewatch/axletx/pkg/diaglog"
	"github.com/axlewatch/axletx/pkg/hub"
	"github.com/axlewatch/axletx/pkg/radio"
)

func addr(n byte) hub.Address {
	return hub.Address{0x28, 0xff, 0, 0, 0, 0, 0, n}
}

func configuredConfig() *config.DeviceConfig {
	cfg := config.Default()
	cfg.SensorTable[0] = addr(1)
	cfg.SensorTable[1] = addr(2)
	cfg.ActiveSensorCount = 2
	cfg.TransmitterID = 7
	return cfg
}

type fixture struct {
	sched *Scheduler
	dev   *hub.Mock
	tx    *radio.Mock
	store *config.Store
}

func newFixture(t *testing.T, cfg *config.DeviceConfig) *fixture {
	t.Helper()

	dev := hub.NewMock()
	dev.AddSensor(addr(1), 21.0)
	dev.AddSensor(addr(2), 35.5)
	tx := radio.NewMock()
	store := config.NewStore(filepath.Join(t.TempDir(), "axletx.yaml"))

	sched := New(cfg, Options{
		Device:    dev,
		Transport: tx,
		Store:     store,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return &fixture{sched: sched, dev: dev, tx: tx, store: store}
}

func TestCycle_Transmits(t *testing.T) {
	f := newFixture(t, configuredConfig())

	f.sched.cycle(context.Background())

	packets := f.tx.Packets()
	require.Len(t, packets, 1)
	assert.Equal(t, "TX7:35.5,0.0,0.0,0.0,0.0,0.0,0.0,0.0,0.0,21.0", packets[0])

	stats := f.sched.Stats()
	assert.Equal(t, uint64(1), stats.TotalPacketsSent)
	assert.NotZero(t, stats.LastSendUnix)

	set, ok := f.sched.Latest()
	require.True(t, ok)
	assert.Equal(t, 2, set.Count)
}

func TestCycle_NotConfigured(t *testing.T) {
	f := newFixture(t, config.Default())

	f.sched.cycle(context.Background())

	assert.Empty(t, f.tx.Packets())
	assert.Zero(t, f.sched.Stats().TotalPacketsSent)

	logs := f.sched.Logs()
	require.NotEmpty(t, logs)
	assert.Contains(t, logs[len(logs)-1].Message, "not configured")

	// The operator gets a red blink instead of a transmission.
	cmds := f.dev.Commands()
	require.NotEmpty(t, cmds)
	assert.Equal(t, hub.LedRed, cmds[len(cmds)-1].Led)
}

func TestCycle_TransportFailureStillCounts(t *testing.T) {
	f := newFixture(t, configuredConfig())
	f.tx.FailSend(errors.New("no uplink"))

	f.sched.cycle(context.Background())

	assert.Equal(t, uint64(1), f.sched.Stats().TotalPacketsSent)

	var logged bool
	for _, e := range f.sched.Logs() {
		if strings.Contains(e.Message, "transmit failed") {
			logged = true
		}
	}
	assert.True(t, logged)
}

func TestCycle_BusFailureSkipsTransmit(t *testing.T) {
	f := newFixture(t, configuredConfig())
	f.dev.FailRead(errors.New("bus stuck"))

	f.sched.cycle(context.Background())

	assert.Empty(t, f.tx.Packets())
	assert.Zero(t, f.sched.Stats().TotalPacketsSent)
	_, ok := f.sched.Latest()
	assert.False(t, ok)
}

func TestUpdateSettings(t *testing.T) {
	f := newFixture(t, configuredConfig())

	require.NoError(t, f.sched.UpdateSettings("rear-axle", 99, true))

	cfg := f.sched.ConfigSnapshot()
	assert.Equal(t, "rear-axle", cfg.DeviceName)
	assert.Equal(t, uint16(99), cfg.TransmitterID)
	assert.True(t, cfg.PowerSaveMode)

	loaded, err := f.store.Load()
	require.NoError(t, err)
	assert.Equal(t, "rear-axle", loaded.DeviceName)
	assert.Equal(t, uint16(99), loaded.TransmitterID)
	assert.True(t, loaded.PowerSaveMode)
}

func TestUpdateSettings_Invalid(t *testing.T) {
	f := newFixture(t, configuredConfig())

	assert.Error(t, f.sched.UpdateSettings("", 1, false))
	assert.Error(t, f.sched.UpdateSettings("ok-name", 0xFFFF, false))

	// Rejected updates must not leak into the working config.
	assert.Equal(t, config.DefaultDeviceName, f.sched.ConfigSnapshot().DeviceName)
}

type countingSleeper struct {
	calls  atomic.Int32
	cancel context.CancelFunc
}

func (s *countingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if s.calls.Add(1) >= 2 {
		s.cancel()
		return ctx.Err()
	}
	return nil
}

func TestRun_PowerSaveUsesSleeper(t *testing.T) {
	cfg := configuredConfig()
	cfg.PowerSaveMode = true

	dev := hub.NewMock()
	dev.AddSensor(addr(1), 21.0)
	dev.AddSensor(addr(2), 35.5)
	tx := radio.NewMock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sleeper := &countingSleeper{cancel: cancel}

	sched := New(cfg, Options{
		Device:    dev,
		Transport: tx,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Sleeper:   sleeper,
	})

	err := sched.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	// Initial cycle plus one post-wake cycle before cancellation.
	assert.Equal(t, uint64(2), sched.Stats().TotalPacketsSent)
	assert.GreaterOrEqual(t, sleeper.calls.Load(), int32(2))
}

type recordingSleeper struct {
	calls atomic.Int32
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.calls.Add(1)
	return nil
}

func TestRun_PowerSaveUnconfiguredStaysAwake(t *testing.T) {
	// Suspension is tied to a completed transmission. An unconfigured node
	// with the power flag persisted must keep servicing the button, or the
	// operator could never identify it.
	cfg := config.Default()
	cfg.PowerSaveMode = true

	dev := hub.NewMock()
	tx := radio.NewMock()
	sleeper := &recordingSleeper{}

	sched := New(cfg, Options{
		Device:    dev,
		Transport: tx,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Sleeper:   sleeper,
	})
	sched.interval = time.Hour
	sched.heartbeat = time.Hour

	var called atomic.Bool
	sched.identifyFn = func(_ context.Context, base *config.DeviceConfig) (*config.DeviceConfig, error) {
		called.Store(true)
		return base, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	dev.PressButton(IdentifyHoldTime)
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	assert.Zero(t, sleeper.calls.Load(), "device must not suspend without a transmission")
	assert.Zero(t, sched.Stats().TotalPacketsSent)
	assert.True(t, called.Load(), "button must stay serviceable while unconfigured")
}

func TestSharedDiagnosticsBuffer(t *testing.T) {
	diag := diaglog.New()
	diag.Append("boot note")

	sched := New(config.Default(), Options{
		Device:      hub.NewMock(),
		Transport:   radio.NewMock(),
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Diagnostics: diag,
	})
	sched.cycle(context.Background())

	logs := sched.Logs()
	require.NotEmpty(t, logs)
	assert.Equal(t, "boot note", logs[0].Message)
	assert.Contains(t, logs[len(logs)-1].Message, "not configured")
}

func TestRun_ButtonHoldTriggersIdentification(t *testing.T) {
	f := newFixture(t, config.Default())
	f.sched.interval = time.Hour
	f.sched.heartbeat = time.Hour

	identified := configuredConfig()
	var called atomic.Bool
	f.sched.identifyFn = func(_ context.Context, base *config.DeviceConfig) (*config.DeviceConfig, error) {
		called.Store(true)
		return identified, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- f.sched.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	f.dev.PressButton(IdentifyHoldTime)
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	assert.True(t, called.Load())
	assert.Equal(t, 2, f.sched.ConfigSnapshot().ActiveSensorCount)
}

func TestRun_ShortHoldIgnored(t *testing.T) {
	f := newFixture(t, config.Default())
	f.sched.interval = time.Hour
	f.sched.heartbeat = time.Hour

	var called atomic.Bool
	f.sched.identifyFn = func(_ context.Context, base *config.DeviceConfig) (*config.DeviceConfig, error) {
		called.Store(true)
		return base, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sched.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	f.dev.PressButton(time.Second)
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	assert.False(t, called.Load())
}

func TestTimerSleeper(t *testing.T) {
	start := time.Now()
	require.NoError(t, TimerSleeper{}.Sleep(context.Background(), 20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, TimerSleeper{}.Sleep(ctx, time.Hour), context.Canceled)
}
