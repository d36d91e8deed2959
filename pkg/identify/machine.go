// Package identify implements the touch-based sensor identification
// procedure: the operator warms one sensor at a time and the machine maps
// each responding sensor to a logical slot, ambient first.
package identify

import (
	"errors"
	"fmt"
	"time"

	"github.com/axlewatch/axletx/pkg/config"
	"github.com/axlewatch/axletx/pkg/hub"
)

// Timing and thresholds of the identification procedure.
const (
	// TouchThresholdC is the temperature delta that counts as a touch.
	TouchThresholdC = 1.5

	// AmbientTimeout bounds the wait for the mandatory ambient sensor.
	AmbientTimeout = 30 * time.Second

	// PositionTimeout bounds the wait for each wheel position. Running
	// out of time here is not an error; the remaining slots stay empty.
	PositionTimeout = 60 * time.Second

	// SaveHoldTime is how long the button must be held to accept the
	// slots filled so far.
	SaveHoldTime = 5 * time.Second

	// PollInterval is how often the runner re-reads the bus while
	// identification is active.
	PollInterval = 500 * time.Millisecond
)

// State of the identification machine.
type State int

const (
	StateIdle State = iota
	StateWaitAmbient
	StateWaitPosition
	StateValidating
	StateSaved
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaitAmbient:
		return "wait-ambient"
	case StateWaitPosition:
		return "wait-position"
	case StateValidating:
		return "validating"
	case StateSaved:
		return "saved"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Errors reported by Err after the machine reaches StateFailed.
var (
	ErrAmbientTimeout = errors.New("no ambient sensor responded in time")
	ErrDuplicateSlot  = errors.New("duplicate sensor in assembled table")
)

// Event is one input to the machine. Events carry their own timestamps so
// the machine never reads a clock, which keeps every transition replayable
// in tests.
type Event interface {
	when() time.Time
}

// Touch reports that a sensor's temperature moved past the threshold.
type Touch struct {
	Addr hub.Address
	At   time.Time
}

func (e Touch) when() time.Time { return e.At }

// ButtonHold reports a completed button hold of the given duration.
type ButtonHold struct {
	Held time.Duration
	At   time.Time
}

func (e ButtonHold) when() time.Time { return e.At }

// Tick is a periodic no-input event that lets the machine observe deadlines.
type Tick struct {
	At time.Time
}

func (e Tick) when() time.Time { return e.At }

// Machine is the identification state machine. It is purely event driven:
// callers feed it events and execute the feedback commands it returns. Not
// safe for concurrent use; the runner owns it.
type Machine struct {
	state    State
	position int
	table    [config.MaxSensorCount]hub.Address
	count    int
	deadline time.Time
	err      error
}

// NewMachine creates a machine in StateIdle.
func NewMachine() *Machine {
	return &Machine{state: StateIdle}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Position returns the slot currently awaiting assignment. Only meaningful
// in StateWaitPosition.
func (m *Machine) Position() int { return m.position }

// Count returns the number of slots assigned so far.
func (m *Machine) Count() int { return m.count }

// Result returns the assembled sensor table. Valid once the machine has
// reached StateSaved.
func (m *Machine) Result() ([config.MaxSensorCount]hub.Address, int) {
	return m.table, m.count
}

// Err explains a StateFailed outcome; nil otherwise.
func (m *Machine) Err() error { return m.err }

// Done reports whether the machine has reached a terminal state.
func (m *Machine) Done() bool {
	return m.state == StateSaved || m.state == StateFailed
}

// Start moves the machine from Idle into WaitAmbient and arms the ambient
// deadline. Restarting a finished machine resets it.
func (m *Machine) Start(now time.Time) []hub.Command {
	*m = Machine{state: StateWaitAmbient, deadline: now.Add(AmbientTimeout)}
	return []hub.Command{
		hub.Blink(hub.LedGreen, 1, 200*time.Millisecond),
		hub.Tone(1500, 100*time.Millisecond),
	}
}

// Apply feeds one event to the machine and returns the feedback the caller
// should present to the operator.
func (m *Machine) Apply(ev Event) []hub.Command {
	switch m.state {
	case StateWaitAmbient:
		return m.applyWaitAmbient(ev)
	case StateWaitPosition:
		return m.applyWaitPosition(ev)
	case StateValidating:
		// Validation resolves on the next event of any kind.
		return m.validate()
	default:
		return nil
	}
}

func (m *Machine) applyWaitAmbient(ev Event) []hub.Command {
	switch e := ev.(type) {
	case Touch:
		m.table[0] = e.Addr
		m.count = 1
		m.position = 1
		m.state = StateWaitPosition
		m.deadline = e.At.Add(PositionTimeout)
		return ackFeedback(1)
	case ButtonHold:
		// Nothing to save yet; ambient is mandatory.
		if e.Held >= SaveHoldTime {
			return rejectFeedback()
		}
		return nil
	case Tick:
		if !e.At.Before(m.deadline) {
			m.fail(ErrAmbientTimeout)
			return failFeedback()
		}
		return nil
	}
	return nil
}

func (m *Machine) applyWaitPosition(ev Event) []hub.Command {
	switch e := ev.(type) {
	case Touch:
		if m.assigned(e.Addr) {
			// Same sensor touched twice. Stay on this slot and give
			// the operator a fresh window.
			m.deadline = e.At.Add(PositionTimeout)
			return rejectFeedback()
		}
		m.table[m.position] = e.Addr
		m.count++
		fb := ackFeedback(m.position + 1)
		if m.position == config.MaxSensorCount-1 {
			m.state = StateValidating
			return fb
		}
		m.position++
		m.deadline = e.At.Add(PositionTimeout)
		return fb
	case ButtonHold:
		if e.Held >= SaveHoldTime {
			m.state = StateValidating
			return []hub.Command{hub.Tone(1200, 150*time.Millisecond)}
		}
		return nil
	case Tick:
		if !e.At.Before(m.deadline) {
			// Slot never filled; accept what we have.
			m.state = StateValidating
		}
		return nil
	}
	return nil
}

// validate re-runs the pairwise duplicate check over the assembled table.
// Duplicates are rejected live, so a hit here means the table was corrupted
// in flight; nothing gets persisted.
func (m *Machine) validate() []hub.Command {
	if !config.ValidateUnique(m.table, m.count) {
		m.fail(ErrDuplicateSlot)
		return failFeedback()
	}
	m.state = StateSaved
	return savedFeedback()
}

func (m *Machine) assigned(addr hub.Address) bool {
	for i := 0; i < m.count; i++ {
		if m.table[i] == addr {
			return true
		}
	}
	return false
}

func (m *Machine) fail(err error) {
	m.state = StateFailed
	m.err = err
}

func ackFeedback(times int) []hub.Command {
	return []hub.Command{
		hub.Blink(hub.LedGreen, times, 200*time.Millisecond),
		hub.Tone(2000, 100*time.Millisecond),
	}
}

func rejectFeedback() []hub.Command {
	return []hub.Command{
		hub.Blink(hub.LedRed, 2, 150*time.Millisecond),
		hub.Tone(400, 300*time.Millisecond),
	}
}

func savedFeedback() []hub.Command {
	return []hub.Command{
		hub.Blink(hub.LedGreen, 3, 200*time.Millisecond),
		hub.Tone(2500, 200*time.Millisecond),
	}
}

func failFeedback() []hub.Command {
	return []hub.Command{
		hub.Blink(hub.LedRed, 3, 300*time.Millisecond),
		hub.Tone(300, 500*time.Millisecond),
	}
}
