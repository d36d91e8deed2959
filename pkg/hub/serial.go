package hub

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

const (
	// DefaultBaudRate is the standard baud rate for the hub MCU.
	DefaultBaudRate = 115200
	// DefaultHoldBuffer is the button event channel depth.
	DefaultHoldBuffer = 8

	// convSettleTime is the DS18B20 worst-case 12-bit conversion time.
	convSettleTime = 750 * time.Millisecond
	// responseTimeout bounds how long one hub command may take to answer.
	responseTimeout = 2 * time.Second
)

// Serial drives the sensor hub over a serial port.
//
// The hub speaks a line protocol: the host sends SCAN, CONV, READ <addr>,
// RES <bits>, LED <R|G> <times> <ms> and TONE <hz> <ms>; the hub answers with
// ADDR/TEMP lines terminated by OK (or ERR <msg>), and asynchronously emits
// BTN <ms> whenever the setup button is released.
type Serial struct {
	port     string
	baudRate int

	conn  serial.Port
	holds chan ButtonHold
	lines chan string

	cmdMu sync.Mutex // one in-flight command at a time

	mu        sync.RWMutex
	ctx       context.Context
	cancel    context.CancelFunc
	connected bool
}

var _ Device = (*Serial)(nil)

// NewSerial creates a hub device on the given serial port.
func NewSerial(port string, baudRate int) *Serial {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Serial{
		port:     port,
		baudRate: baudRate,
		holds:    make(chan ButtonHold, DefaultHoldBuffer),
		lines:    make(chan string, 32),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Connect opens the serial port, starts the reader and applies the fixed
// high-precision resolution to all sensors.
func (d *Serial) Connect() error {
	d.mu.Lock()
	if d.connected {
		d.mu.Unlock()
		return fmt.Errorf("already connected")
	}

	conn, err := serial.Open(d.port, &serial.Mode{BaudRate: d.baudRate})
	if err != nil {
		d.mu.Unlock()
		return fmt.Errorf("failed to open hub port %s: %w", d.port, err)
	}

	d.conn = conn
	d.connected = true
	d.mu.Unlock()

	go d.readLines()

	if err := d.SetResolution(DefaultResolutionBits); err != nil {
		return fmt.Errorf("failed to set sensor resolution: %w", err)
	}
	return nil
}

// Close stops the reader and closes the port.
func (d *Serial) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return nil
	}

	d.cancel()
	if d.conn != nil {
		if err := d.conn.Close(); err != nil {
			slog.Warn("error closing hub port", "error", err)
		}
		d.conn = nil
	}
	d.connected = false
	close(d.holds)
	return nil
}

// IsConnected returns whether the hub is currently connected.
func (d *Serial) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connected
}

// Holds returns the button hold event channel.
func (d *Serial) Holds() <-chan ButtonHold {
	return d.holds
}

// Enumerate asks the hub for every sensor currently on the bus.
func (d *Serial) Enumerate(ctx context.Context) ([]Address, error) {
	var addrs []Address
	err := d.command(ctx, "SCAN", func(line string) error {
		addr, err := parseAddrLine(line)
		if err != nil {
			return err
		}
		if len(addrs) < MaxBusDevices {
			addrs = append(addrs, addr)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bus enumeration failed: %w", err)
	}
	return addrs, nil
}

// ReadAll triggers one conversion on the whole bus, waits for the conversion
// to settle, then reads back every requested address. Sensors that do not
// answer are left out of the result map.
func (d *Serial) ReadAll(ctx context.Context, addrs []Address) (map[Address]float32, error) {
	if err := d.command(ctx, "CONV", nil); err != nil {
		return nil, fmt.Errorf("conversion request failed: %w", err)
	}

	select {
	case <-time.After(convSettleTime):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	temps := make(map[Address]float32, len(addrs))
	for _, addr := range addrs {
		var temp float32
		got := false
		err := d.command(ctx, "READ "+addr.String(), func(line string) error {
			a, t, err := parseTempLine(line)
			if err != nil {
				return err
			}
			if a == addr {
				temp = t
				got = true
			}
			return nil
		})
		if err != nil {
			// Sensor missing or misbehaving; the caller decides what an
			// absent reading means.
			slog.Debug("sensor readback failed", "addr", addr.String(), "error", err)
			continue
		}
		if got {
			temps[addr] = temp
		}
	}
	return temps, nil
}

// SetResolution applies the conversion resolution to all sensors on the bus.
func (d *Serial) SetResolution(bits int) error {
	if bits < 9 || bits > 12 {
		return fmt.Errorf("resolution out of range: %d bits", bits)
	}
	return d.command(d.ctx, fmt.Sprintf("RES %d", bits), nil)
}

// Indicate executes one feedback command on the panel.
func (d *Serial) Indicate(cmd Command) error {
	switch cmd.Kind {
	case CmdBlink:
		return d.command(d.ctx, fmt.Sprintf("LED %s %d %d", cmd.Led, cmd.Times, cmd.Period.Milliseconds()), nil)
	case CmdTone:
		return d.command(d.ctx, fmt.Sprintf("TONE %d %d", cmd.Freq, cmd.Period.Milliseconds()), nil)
	default:
		return fmt.Errorf("unknown feedback command kind %d", cmd.Kind)
	}
}

// command sends one request line and consumes response lines until OK or ERR.
// Non-terminal lines are handed to onLine when provided.
func (d *Serial) command(ctx context.Context, cmd string, onLine func(string) error) error {
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()

	d.mu.RLock()
	conn := d.conn
	connected := d.connected
	d.mu.RUnlock()
	if !connected || conn == nil {
		return fmt.Errorf("not connected")
	}

	if _, err := conn.Write([]byte(cmd + "\n")); err != nil {
		return fmt.Errorf("failed to send %q: %w", cmd, err)
	}

	deadline := time.NewTimer(responseTimeout)
	defer deadline.Stop()

	for {
		select {
		case line, ok := <-d.lines:
			if !ok {
				return fmt.Errorf("connection closed")
			}
			switch {
			case line == "OK":
				return nil
			case strings.HasPrefix(line, "ERR"):
				return fmt.Errorf("hub error: %s", strings.TrimSpace(strings.TrimPrefix(line, "ERR")))
			default:
				if onLine != nil {
					if err := onLine(line); err != nil {
						return err
					}
				}
			}
		case <-deadline.C:
			return fmt.Errorf("timeout waiting for response to %q", cmd)
		case <-ctx.Done():
			return ctx.Err()
		case <-d.ctx.Done():
			return fmt.Errorf("connection closed")
		}
	}
}

// readLines reads lines from the hub, routing async button events to the
// holds channel and everything else to the in-flight command.
func (d *Serial) readLines() {
	scanner := bufio.NewScanner(d.conn)
	for scanner.Scan() {
		select {
		case <-d.ctx.Done():
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "BTN ") {
			hold, err := parseButtonLine(line)
			if err != nil {
				slog.Warn("bad button line from hub", "line", line, "error", err)
				continue
			}
			select {
			case d.holds <- hold:
			default:
				slog.Warn("button event dropped, channel full")
			}
			continue
		}

		select {
		case d.lines <- line:
		case <-d.ctx.Done():
			return
		default:
			// No command in flight; stale line.
			slog.Debug("unsolicited hub line dropped", "line", line)
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("error reading from hub port", "error", err)
	}
}

// parseAddrLine parses "ADDR <hex16>".
func parseAddrLine(line string) (Address, error) {
	fields := strings.Fields(line)
	if len(fields) != 2 || fields[0] != "ADDR" {
		return Address{}, fmt.Errorf("invalid ADDR line %q", line)
	}
	return ParseAddress(fields[1])
}

// parseTempLine parses "TEMP <hex16> <raw>" where raw is the signed 1/16 degC
// register value.
func parseTempLine(line string) (Address, float32, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 || fields[0] != "TEMP" {
		return Address{}, 0, fmt.Errorf("invalid TEMP line %q", line)
	}
	addr, err := ParseAddress(fields[1])
	if err != nil {
		return Address{}, 0, err
	}
	raw, err := strconv.ParseInt(fields[2], 10, 16)
	if err != nil {
		return Address{}, 0, fmt.Errorf("invalid raw temperature in %q: %w", line, err)
	}
	return addr, rawToCelsius(int16(raw)), nil
}

// parseButtonLine parses "BTN <ms>".
func parseButtonLine(line string) (ButtonHold, error) {
	fields := strings.Fields(line)
	if len(fields) != 2 || fields[0] != "BTN" {
		return ButtonHold{}, fmt.Errorf("invalid BTN line %q", line)
	}
	ms, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || ms < 0 {
		return ButtonHold{}, fmt.Errorf("invalid hold duration in %q", line)
	}
	return ButtonHold{Held: time.Duration(ms) * time.Millisecond}, nil
}
