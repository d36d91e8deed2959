package radio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
)

// DefaultModemBaudRate matches the modem's factory UART configuration.
const DefaultModemBaudRate = 9600

// airGapTime is the minimum spacing between frames so the modem never sees
// back-to-back writes while still keying the previous transmission.
const airGapTime = 100 * time.Millisecond

// Modem drives a LoRa modem in transparent mode over a serial port. Whatever
// is written to the UART goes out on air, one line per frame.
type Modem struct {
	port     string
	baudRate int

	mu       sync.Mutex
	conn     serial.Port
	lastSend time.Time
}

// NewModem creates a modem on the given serial port. It does not open the
// port; call Connect before Send.
func NewModem(port string, baudRate int) *Modem {
	if baudRate <= 0 {
		baudRate = DefaultModemBaudRate
	}
	return &Modem{port: port, baudRate: baudRate}
}

// Connect opens the serial port.
func (m *Modem) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		return fmt.Errorf("modem already connected")
	}

	conn, err := serial.Open(m.port, &serial.Mode{BaudRate: m.baudRate})
	if err != nil {
		return fmt.Errorf("failed to open modem port %s: %w", m.port, err)
	}
	m.conn = conn
	return nil
}

// Send writes one packet as a line to the modem.
func (m *Modem) Send(ctx context.Context, packet string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return fmt.Errorf("modem not connected")
	}

	if wait := airGapTime - time.Since(m.lastSend); wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if _, err := m.conn.Write([]byte(packet + "\n")); err != nil {
		return fmt.Errorf("modem write failed: %w", err)
	}
	m.lastSend = time.Now()
	return nil
}

// Close releases the serial port.
func (m *Modem) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return nil
	}
	err := m.conn.Close()
	m.conn = nil
	return err
}
