// Package telemetry turns the configured sensor table into timestamped
// sample sets and encodes them as radio packets.
package telemetry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chewxy/math32"

	"github.com/axlewatch/axletx/pkg/config"
	"github.com/axlewatch/axletx/pkg/hub"
)

// MaxPacketSize is the largest packet Encode will produce. Longer payloads
// are truncated so the radio never sees an oversized frame.
const MaxPacketSize = 256

// SampleSet is one complete reading of every configured slot.
type SampleSet struct {
	// Temps holds degrees Celsius indexed by logical slot: slot 0 is the
	// ambient sensor, slots 1..9 the wheel positions. Slots at or beyond
	// Count are unset. A configured but unresponsive sensor reads
	// hub.DisconnectedC.
	Temps [config.MaxSensorCount]float32

	// Count mirrors the active sensor count at sampling time.
	Count int

	// TimestampSeconds is seconds since the sampler's epoch (boot).
	TimestampSeconds uint32

	// Valid is false when the bus read failed outright and Temps carries
	// nothing useful.
	Valid bool
}

// Sampler reads the configured sensors through a hub device.
type Sampler struct {
	bus   hub.SensorBus
	epoch time.Time
	now   func() time.Time
}

// NewSampler creates a sampler whose timestamps count from now.
func NewSampler(bus hub.SensorBus) *Sampler {
	s := &Sampler{bus: bus, now: time.Now}
	s.epoch = s.now()
	return s
}

// Sample triggers one conversion and collects readings for every configured
// slot. Sensors that dropped off the bus read hub.DisconnectedC; only a
// failure of the bus itself yields an invalid set.
func (s *Sampler) Sample(ctx context.Context, cfg *config.DeviceConfig) (SampleSet, error) {
	set := SampleSet{
		Count:            cfg.ActiveSensorCount,
		TimestampSeconds: uint32(s.now().Sub(s.epoch) / time.Second),
	}
	if cfg.ActiveSensorCount == 0 {
		return set, fmt.Errorf("no sensors configured")
	}

	addrs := make([]hub.Address, cfg.ActiveSensorCount)
	copy(addrs, cfg.SensorTable[:cfg.ActiveSensorCount])

	temps, err := s.bus.ReadAll(ctx, addrs)
	if err != nil {
		return set, fmt.Errorf("bus read failed: %w", err)
	}

	for i, addr := range addrs {
		c, ok := temps[addr]
		if !ok || math32.IsNaN(c) {
			c = hub.DisconnectedC
		}
		set.Temps[i] = c
	}
	set.Valid = true
	return set, nil
}

// Encode renders a sample set as the wire packet
//
//	TX<id>:<pos1>,<pos2>,...,<pos9>,<ambient>
//
// Wheel positions come first, ambient last; unassigned slots read 0.0 so the
// packet always carries ten fields. Encoding is deterministic: equal inputs
// produce identical packets.
func Encode(id uint16, set SampleSet) string {
	var b strings.Builder
	fmt.Fprintf(&b, "TX%d:", id)
	for slot := 1; slot < config.MaxSensorCount; slot++ {
		b.WriteString(formatTemp(set, slot))
		b.WriteByte(',')
	}
	b.WriteString(formatTemp(set, 0))

	p := b.String()
	if len(p) > MaxPacketSize {
		p = p[:MaxPacketSize]
	}
	return p
}

func formatTemp(set SampleSet, slot int) string {
	if slot >= set.Count {
		return "0.0"
	}
	return fmt.Sprintf("%.1f", set.Temps[slot])
}
