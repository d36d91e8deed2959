// Package hub talks to the AxleWatch sensor hub: a small front-panel MCU that
// carries the DS18B20 OneWire bus, the setup button and the LED/buzzer panel,
// attached to the host over a serial line.
package hub

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"
)

const (
	// MaxBusDevices bounds how many sensors a single enumeration returns.
	MaxBusDevices = 16
	// DefaultResolutionBits is the DS18B20 conversion resolution applied to
	// every sensor at initialization (0.0625 degC steps).
	DefaultResolutionBits = 12

	// DisconnectedC is reported for an assigned sensor that did not answer
	// the readback. Matches the Dallas library convention.
	DisconnectedC float32 = -127.0
)

// Address is the 8-byte DS18B20 ROM id of one physical sensor. Immutable once
// read from the bus.
type Address [8]byte

// String returns the address as 16 lowercase hex characters.
func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// IsZero reports whether the address is the all-zero placeholder.
func (a Address) IsZero() bool {
	return a == Address{}
}

// ParseAddress parses a 16-hex-character sensor address.
func ParseAddress(s string) (Address, error) {
	var a Address
	b, err := hex.DecodeString(s)
	if err != nil {
		return Address{}, fmt.Errorf("invalid sensor address %q: %w", s, err)
	}
	if len(b) != len(a) {
		return Address{}, fmt.Errorf("invalid sensor address %q: want %d bytes, got %d", s, len(a), len(b))
	}
	copy(a[:], b)
	return a, nil
}

// ButtonHold is reported once the setup button is released, carrying how long
// it was held down.
type ButtonHold struct {
	Held time.Duration
}

// Led selects one of the two panel LEDs.
type Led int

const (
	LedRed Led = iota
	LedGreen
)

func (l Led) String() string {
	if l == LedGreen {
		return "G"
	}
	return "R"
}

// CommandKind discriminates feedback commands.
type CommandKind int

const (
	CmdBlink CommandKind = iota
	CmdTone
)

// Command is one feedback side effect for the panel: an LED blink pattern or a
// buzzer tone.
type Command struct {
	Kind   CommandKind
	Led    Led           // CmdBlink
	Times  int           // CmdBlink
	Period time.Duration // CmdBlink on/off time, CmdTone duration
	Freq   int           // CmdTone, Hz
}

// Blink builds an LED blink command.
func Blink(led Led, times int, period time.Duration) Command {
	return Command{Kind: CmdBlink, Led: led, Times: times, Period: period}
}

// Tone builds a buzzer tone command.
func Tone(freq int, duration time.Duration) Command {
	return Command{Kind: CmdTone, Freq: freq, Period: duration}
}

// SensorBus enumerates and reads the temperature sensors attached to the hub.
type SensorBus interface {
	// Enumerate queries the physical bus fresh; the result may differ across
	// calls if hardware changes. Bounded to MaxBusDevices entries.
	Enumerate(ctx context.Context) ([]Address, error)
	// ReadAll triggers one conversion cycle on the whole bus, waits for it to
	// settle, and reads back every requested address.
	ReadAll(ctx context.Context, addrs []Address) (map[Address]float32, error)
	// SetResolution applies the conversion resolution to all sensors.
	SetResolution(bits int) error
}

// Buttons delivers setup-button hold events.
type Buttons interface {
	Holds() <-chan ButtonHold
}

// Indicator executes feedback commands on the panel.
type Indicator interface {
	Indicate(cmd Command) error
}

// Device is the full sensor hub (real or mocked).
type Device interface {
	SensorBus
	Buttons
	Indicator
	Connect() error
	Close() error
}

// rawToCelsius converts the signed 1/16 degC DS18B20 register value.
func rawToCelsius(raw int16) float32 {
	return float32(raw) / 16.0
}
