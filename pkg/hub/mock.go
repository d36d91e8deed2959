package hub

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Mock simulates a sensor hub for testing and development. Temperatures are
// settable per address, button holds are scriptable, and feedback commands
// are recorded.
type Mock struct {
	mu        sync.RWMutex
	connected bool

	order      []Address
	temps      map[Address]float32
	resolution int

	holds    chan ButtonHold
	commands []Command

	enumerateErr error
	readErr      error
}

var _ Device = (*Mock)(nil)

// NewMock creates a mocked hub with no sensors attached.
func NewMock() *Mock {
	return &Mock{
		temps: make(map[Address]float32),
		holds: make(chan ButtonHold, DefaultHoldBuffer),
	}
}

// Connect simulates connecting to the hub.
func (m *Mock) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connected {
		return fmt.Errorf("already connected")
	}
	m.connected = true
	return nil
}

// Close simulates disconnecting.
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// AddSensor attaches a simulated sensor with an initial temperature.
func (m *Mock) AddSensor(addr Address, temp float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.temps[addr]; !ok {
		m.order = append(m.order, addr)
	}
	m.temps[addr] = temp
}

// SetTemp changes a simulated sensor's temperature.
func (m *Mock) SetTemp(addr Address, temp float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.temps[addr] = temp
}

// RemoveSensor detaches a simulated sensor.
func (m *Mock) RemoveSensor(addr Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.temps, addr)
	for i, a := range m.order {
		if a == addr {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// PressButton scripts one button hold event.
func (m *Mock) PressButton(held time.Duration) {
	select {
	case m.holds <- ButtonHold{Held: held}:
	default:
	}
}

// FailEnumerate makes subsequent Enumerate calls return err.
func (m *Mock) FailEnumerate(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enumerateErr = err
}

// FailRead makes subsequent ReadAll calls return err.
func (m *Mock) FailRead(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr = err
}

// Commands returns a copy of every feedback command executed so far.
func (m *Mock) Commands() []Command {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Command, len(m.commands))
	copy(out, m.commands)
	return out
}

// Resolution returns the last resolution applied via SetResolution.
func (m *Mock) Resolution() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.resolution
}

// Enumerate returns the currently attached simulated sensors.
func (m *Mock) Enumerate(_ context.Context) ([]Address, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.enumerateErr != nil {
		return nil, m.enumerateErr
	}
	out := make([]Address, 0, len(m.order))
	for _, a := range m.order {
		if len(out) == MaxBusDevices {
			break
		}
		out = append(out, a)
	}
	return out, nil
}

// ReadAll returns the current simulated temperature for each requested
// address that is attached. No settle delay is simulated.
func (m *Mock) ReadAll(_ context.Context, addrs []Address) (map[Address]float32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	out := make(map[Address]float32, len(addrs))
	for _, a := range addrs {
		if t, ok := m.temps[a]; ok {
			out[a] = t
		}
	}
	return out, nil
}

// SetResolution records the requested resolution.
func (m *Mock) SetResolution(bits int) error {
	if bits < 9 || bits > 12 {
		return fmt.Errorf("resolution out of range: %d bits", bits)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolution = bits
	return nil
}

// Holds returns the scripted button event channel.
func (m *Mock) Holds() <-chan ButtonHold {
	return m.holds
}

// Indicate records the feedback command.
func (m *Mock) Indicate(cmd Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = append(m.commands, cmd)
	return nil
}
