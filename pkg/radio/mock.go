package radio

import (
	"context"
	"sync"
)

// Mock records packets instead of transmitting them.
type Mock struct {
	mu      sync.Mutex
	packets []string
	sendErr error
	closed  bool
}

// NewMock creates a mock transport.
func NewMock() *Mock {
	return &Mock{}
}

// FailSend makes every subsequent Send return err. Pass nil to recover.
func (m *Mock) FailSend(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// Packets returns everything sent so far, in order.
func (m *Mock) Packets() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.packets))
	copy(out, m.packets)
	return out
}

// Closed reports whether Close has been called.
func (m *Mock) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Mock) Send(_ context.Context, packet string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.packets = append(m.packets, packet)
	return nil
}

func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
