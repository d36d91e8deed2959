package telemetry

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axlewatch/axletx/pkg/config"
	"github.com/axlewatch/axletx/pkg/hub"
)

func addr(n byte) hub.Address {
	return hub.Address{0x28, 0xff, 0, 0, 0, 0, 0, n}
}

func TestEncode_FullTable(t *testing.T) {
	set := SampleSet{Count: 10, Valid: true}
	set.Temps[0] = 21.5 // ambient
	for slot := 1; slot < 10; slot++ {
		set.Temps[slot] = float32(slot) + 0.25
	}

	p := Encode(7, set)
	assert.Equal(t, "TX7:1.2,2.2,3.2,4.2,5.2,6.2,7.2,8.2,9.2,21.5", p)
}

func TestEncode_PartialTable(t *testing.T) {
	// Ambient plus two positions; the remaining seven read 0.0.
	set := SampleSet{Count: 3, Valid: true}
	set.Temps[0] = 18.0
	set.Temps[1] = 35.5
	set.Temps[2] = -4.5

	p := Encode(42, set)
	assert.Equal(t, "TX42:35.5,-4.5,0.0,0.0,0.0,0.0,0.0,0.0,0.0,18.0", p)
}

func TestEncode_Deterministic(t *testing.T) {
	set := SampleSet{Count: 2, Valid: true}
	set.Temps[0] = 20.0
	set.Temps[1] = 30.0

	first := Encode(1, set)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Encode(1, set))
	}
}

func TestEncode_DisconnectedSensor(t *testing.T) {
	set := SampleSet{Count: 2, Valid: true}
	set.Temps[0] = 20.0
	set.Temps[1] = hub.DisconnectedC

	p := Encode(1, set)
	assert.True(t, strings.HasPrefix(p, "TX1:-127.0,"), p)
}

func TestEncode_Truncates(t *testing.T) {
	set := SampleSet{Count: 10, Valid: true}
	for slot := range set.Temps {
		set.Temps[slot] = 3.4e38
	}

	p := Encode(65000, set)
	assert.LessOrEqual(t, len(p), MaxPacketSize)
}

func TestSampler_Sample(t *testing.T) {
	m := hub.NewMock()
	m.AddSensor(addr(1), 19.5)
	m.AddSensor(addr(2), 41.0)

	cfg := config.Default()
	cfg.SensorTable[0] = addr(1)
	cfg.SensorTable[1] = addr(2)
	cfg.ActiveSensorCount = 2

	s := NewSampler(m)
	set, err := s.Sample(context.Background(), cfg)
	require.NoError(t, err)
	assert.True(t, set.Valid)
	assert.Equal(t, 2, set.Count)
	assert.InDelta(t, 19.5, set.Temps[0], 0.01)
	assert.InDelta(t, 41.0, set.Temps[1], 0.01)
}

func TestSampler_MissingSensorReadsDisconnected(t *testing.T) {
	m := hub.NewMock()
	m.AddSensor(addr(1), 19.5)

	cfg := config.Default()
	cfg.SensorTable[0] = addr(1)
	cfg.SensorTable[1] = addr(2) // configured but gone from the bus
	cfg.ActiveSensorCount = 2

	set, err := NewSampler(m).Sample(context.Background(), cfg)
	require.NoError(t, err)
	assert.True(t, set.Valid)
	assert.Equal(t, float32(hub.DisconnectedC), set.Temps[1])
}

func TestSampler_BusFailure(t *testing.T) {
	m := hub.NewMock()
	m.AddSensor(addr(1), 19.5)
	m.FailRead(errors.New("bus stuck"))

	cfg := config.Default()
	cfg.SensorTable[0] = addr(1)
	cfg.ActiveSensorCount = 1

	set, err := NewSampler(m).Sample(context.Background(), cfg)
	assert.Error(t, err)
	assert.False(t, set.Valid)
}

func TestSampler_Unconfigured(t *testing.T) {
	_, err := NewSampler(hub.NewMock()).Sample(context.Background(), config.Default())
	assert.Error(t, err)
}

func TestSampler_Timestamps(t *testing.T) {
	m := hub.NewMock()
	m.AddSensor(addr(1), 19.5)

	cfg := config.Default()
	cfg.SensorTable[0] = addr(1)
	cfg.ActiveSensorCount = 1

	s := NewSampler(m)
	base := s.epoch
	s.now = func() time.Time { return base.Add(93 * time.Second) }

	set, err := s.Sample(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, uint32(93), set.TimestampSeconds)
}
