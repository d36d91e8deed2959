// Command txnode runs an AxleWatch transmitter node: it reads the wheel
// temperature sensors through the front-panel hub, encodes them and sends
// the packets out over the LoRa modem.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/axlewatch/axletx/pkg/config"
	"github.com/axlewatch/axletx/pkg/diaglog"
	"github.com/axlewatch/axletx/pkg/hub"
	"github.com/axlewatch/axletx/pkg/identify"
	"github.com/axlewatch/axletx/pkg/radio"
	"github.com/axlewatch/axletx/pkg/scheduler"
)

func main() {
	var (
		configFlag   = flag.String("config", "/var/lib/axletx/config.yaml", "Configuration record path")
		hubFlag      = flag.String("hub", "/dev/ttyUSB0", "Serial port of the sensor hub")
		radioFlag    = flag.String("radio", "/dev/ttyUSB1", "Serial port of the LoRa modem")
		mqttFlag     = flag.String("mqtt", "", "Publish packets to this MQTT broker instead of the modem (e.g. tcp://localhost:1883)")
		topicFlag    = flag.String("mqtt-topic", "axlewatch/uplink", "MQTT topic for -mqtt mode")
		mockFlag     = flag.Bool("mock", false, "Use mocked hub and radio instead of serial ports")
		intervalFlag = flag.Duration("interval", scheduler.DefaultInterval, "Transmit interval")
		rtcFlag      = flag.Bool("rtcwake", false, "Suspend via rtcwake between power-save cycles")
		levelFlag    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	)
	flag.Parse()

	logger := newLogger(*levelFlag)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, options{
		configPath: *configFlag,
		hubPort:    *hubFlag,
		radioPort:  *radioFlag,
		mqttBroker: *mqttFlag,
		mqttTopic:  *topicFlag,
		mock:       *mockFlag,
		interval:   *intervalFlag,
		rtcwake:    *rtcFlag,
	}); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("node stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("node stopped")
}

type options struct {
	configPath string
	hubPort    string
	radioPort  string
	mqttBroker string
	mqttTopic  string
	mock       bool
	interval   time.Duration
	rtcwake    bool
}

func run(ctx context.Context, logger *slog.Logger, opts options) error {
	dev, err := openHub(opts)
	if err != nil {
		return err
	}
	defer dev.Close()

	transport, err := openTransport(ctx, logger, opts)
	if err != nil {
		return err
	}
	defer transport.Close()

	store := config.NewStore(opts.configPath)
	cfg := loadConfig(store, logger)
	diag := diaglog.New()

	// Startup chirp so the operator knows the node is alive.
	dev.Indicate(hub.Tone(1800, 100*time.Millisecond))
	dev.Indicate(hub.Blink(hub.LedGreen, 2, 150*time.Millisecond))

	if !cfg.SensorsConfigured() {
		logger.Info("starting identification at boot")
		identified, err := identify.NewRunner(dev, store, diag, logger).Run(ctx, cfg)
		switch {
		case err == nil:
			cfg = identified
		case errors.Is(err, context.Canceled):
			return err
		default:
			// The scheduler keeps signalling the unconfigured state;
			// the operator can retry with a button hold.
			logger.Warn("boot identification failed", "error", err)
		}
	}

	var sleeper scheduler.Sleeper
	if opts.rtcwake {
		sleeper = scheduler.RTCWake{}
	}

	sched := scheduler.New(cfg, scheduler.Options{
		Device:      dev,
		Transport:   transport,
		Store:       store,
		Logger:      logger,
		Interval:    opts.interval,
		Sleeper:     sleeper,
		Diagnostics: diag,
	})

	logger.Info("transmit loop starting",
		"name", cfg.DeviceName,
		"transmitter_id", cfg.TransmitterID,
		"sensors", cfg.ActiveSensorCount,
		"interval", opts.interval,
	)
	return sched.Run(ctx)
}

func openHub(opts options) (hub.Device, error) {
	if opts.mock {
		return hub.NewMock(), nil
	}
	dev := hub.NewSerial(opts.hubPort, hub.DefaultBaudRate)
	if err := dev.Connect(); err != nil {
		return nil, fmt.Errorf("hub connect: %w", err)
	}
	return dev, nil
}

func openTransport(ctx context.Context, logger *slog.Logger, opts options) (radio.Transport, error) {
	if opts.mqttBroker != "" {
		t := radio.NewMQTT(opts.mqttBroker, "axletx-node", opts.mqttTopic, logger)
		if err := t.Connect(ctx); err != nil {
			return nil, err
		}
		return t, nil
	}
	if opts.mock {
		return radio.NewMock(), nil
	}
	m := radio.NewModem(opts.radioPort, radio.DefaultModemBaudRate)
	if err := m.Connect(); err != nil {
		return nil, fmt.Errorf("modem connect: %w", err)
	}
	return m, nil
}

// loadConfig never fails the boot: a missing or corrupt record just means
// the node comes up unconfigured and identification has to run.
func loadConfig(store *config.Store, logger *slog.Logger) *config.DeviceConfig {
	cfg, err := store.Load()
	switch {
	case err == nil:
		logger.Info("configuration loaded",
			"name", cfg.DeviceName,
			"transmitter_id", cfg.TransmitterID,
			"sensors", cfg.ActiveSensorCount,
		)
		return cfg
	case errors.Is(err, config.ErrNoConfig):
		logger.Info("no stored configuration, starting fresh")
	default:
		logger.Warn("stored configuration rejected", "error", err)
	}
	return config.Default()
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	h := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      lvl,
		TimeFormat: time.Kitchen,
	})
	return slog.New(h).With("app", "txnode")
}
