// Package config persists the device configuration as a single versioned
// record guarded by a magic tag and a CRC32 checksum. The record is written
// atomically; a missing or untrusted record means the device is unconfigured
// and sensor identification is required.
package config

import (
	"errors"
	"fmt"
	"hash/crc32"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/axlewatch/axletx/pkg/hub"
)

const (
	// MaxSensorCount is the number of logical positions: slot 0 is ambient,
	// slots 1-9 are additional measurement positions.
	MaxSensorCount = 10
	// MaxDeviceNameLength bounds the printable device name.
	MaxDeviceNameLength = 32

	// DefaultDeviceName is used when no valid name is stored.
	DefaultDeviceName = "AxleWatch-TX"
	// DefaultTransmitterID is used when no transmitter id is stored.
	DefaultTransmitterID uint16 = 1

	magicTag      = "AXLW1"
	schemaVersion = 1

	// unsetTransmitterID marks an uninitialized id and is never a valid
	// configured value.
	unsetTransmitterID = 0xFFFF
)

var (
	// ErrNoConfig means no record exists or the magic tag does not match:
	// the device has never been configured.
	ErrNoConfig = errors.New("no stored configuration")
	// ErrInvalidConfig means a record exists but cannot be trusted
	// (checksum, bounds or duplicate-sensor validation failed).
	ErrInvalidConfig = errors.New("stored configuration is invalid")
)

// DeviceConfig is the full persisted device state. The sensor table is
// mutated only by the identification protocol; name, transmitter id and
// power mode through explicit configuration updates.
type DeviceConfig struct {
	// SensorTable maps logical positions to sensor addresses. Slot 0 is
	// ambient; slots fill in ascending order and are never sparse.
	SensorTable [MaxSensorCount]hub.Address
	// ActiveSensorCount is the number of contiguously filled slots starting
	// at 0. Zero means no sensors have been identified yet.
	ActiveSensorCount int
	DeviceName        string
	TransmitterID     uint16
	PowerSaveMode     bool
}

// Default returns the unconfigured first-boot state.
func Default() *DeviceConfig {
	return &DeviceConfig{
		DeviceName:    DefaultDeviceName,
		TransmitterID: DefaultTransmitterID,
	}
}

// SensorsConfigured reports whether the sensor table holds a usable
// assignment (at minimum the mandatory ambient slot).
func (c *DeviceConfig) SensorsConfigured() bool {
	return c.ActiveSensorCount >= 1 && !c.SensorTable[0].IsZero()
}

// Clone returns an independent copy.
func (c *DeviceConfig) Clone() *DeviceConfig {
	out := *c
	return &out
}

// ValidateUnique reports whether no two of the first count slots share a
// sensor address.
func ValidateUnique(table [MaxSensorCount]hub.Address, count int) bool {
	if count > MaxSensorCount {
		count = MaxSensorCount
	}
	for i := 0; i < count; i++ {
		for j := i + 1; j < count; j++ {
			if table[i] == table[j] {
				return false
			}
		}
	}
	return true
}

// record is the on-disk envelope.
type record struct {
	Magic    string  `yaml:"magic"`
	Version  int     `yaml:"version"`
	Device   payload `yaml:"device"`
	Checksum uint32  `yaml:"checksum"`
}

// payload carries the actual configuration. Transmitter id and power mode
// are stored as raw integers so load-time validation can apply the same
// sentinel rules the device always had.
type payload struct {
	Name          string   `yaml:"name"`
	TransmitterID int      `yaml:"transmitter_id"`
	PowerSave     int      `yaml:"power_save"`
	SensorCount   int      `yaml:"sensor_count"`
	Sensors       []string `yaml:"sensors,omitempty"`
}

func (p payload) checksum() (uint32, error) {
	data, err := yaml.Marshal(p)
	if err != nil {
		return 0, err
	}
	return crc32.ChecksumIEEE(data), nil
}

// Store reads and writes the device configuration record.
type Store struct {
	path string
}

// NewStore creates a store backed by the given file path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads and validates the stored configuration.
//
// It returns ErrNoConfig when the record is absent or its magic tag does not
// match, and ErrInvalidConfig when the record exists but fails checksum,
// bounds or duplicate-sensor validation; either way the caller must treat the
// device as unconfigured and trigger identification. Name, transmitter id and
// power mode fall back to defaults individually without failing the load.
func (s *Store) Load() (*DeviceConfig, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoConfig
		}
		return nil, fmt.Errorf("failed to read config record: %w", err)
	}

	var r record
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: unreadable record: %v", ErrInvalidConfig, err)
	}
	if r.Magic != magicTag {
		return nil, ErrNoConfig
	}
	if r.Version != schemaVersion {
		return nil, fmt.Errorf("%w: unsupported schema version %d", ErrInvalidConfig, r.Version)
	}

	sum, err := r.Device.checksum()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if sum != r.Checksum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrInvalidConfig)
	}

	cfg := Default()

	p := r.Device
	if p.SensorCount < 0 || p.SensorCount > MaxSensorCount {
		return nil, fmt.Errorf("%w: sensor count %d out of range", ErrInvalidConfig, p.SensorCount)
	}
	if len(p.Sensors) < p.SensorCount {
		return nil, fmt.Errorf("%w: sensor table truncated (%d entries for count %d)",
			ErrInvalidConfig, len(p.Sensors), p.SensorCount)
	}
	for i := 0; i < p.SensorCount; i++ {
		addr, err := hub.ParseAddress(p.Sensors[i])
		if err != nil {
			return nil, fmt.Errorf("%w: slot %d: %v", ErrInvalidConfig, i, err)
		}
		cfg.SensorTable[i] = addr
	}
	cfg.ActiveSensorCount = p.SensorCount

	// Re-validate the duplicate-free invariant independently of how the
	// record was written. A half-written table must not be trusted even
	// when the envelope checks out.
	if cfg.ActiveSensorCount >= 1 {
		if cfg.SensorTable[0].IsZero() {
			return nil, fmt.Errorf("%w: ambient slot is empty", ErrInvalidConfig)
		}
		if !ValidateUnique(cfg.SensorTable, cfg.ActiveSensorCount) {
			return nil, fmt.Errorf("%w: duplicate sensor in table", ErrInvalidConfig)
		}
	}

	if validName(p.Name) {
		cfg.DeviceName = p.Name
	}
	if p.TransmitterID >= 0 && p.TransmitterID <= 0xFFFF && p.TransmitterID != unsetTransmitterID {
		cfg.TransmitterID = uint16(p.TransmitterID)
	}
	// Power mode is accepted only as a canonical 0/1; anything else
	// defaults to off.
	cfg.PowerSaveMode = p.PowerSave == 1

	return cfg, nil
}

// Save validates and writes the full configuration as one record; the commit
// is atomic from the perspective of future Load calls.
func (s *Store) Save(cfg *DeviceConfig) error {
	if cfg.ActiveSensorCount < 0 || cfg.ActiveSensorCount > MaxSensorCount {
		return fmt.Errorf("sensor count %d out of range", cfg.ActiveSensorCount)
	}
	if cfg.ActiveSensorCount >= 1 {
		if cfg.SensorTable[0].IsZero() {
			return fmt.Errorf("ambient slot must be assigned")
		}
		if !ValidateUnique(cfg.SensorTable, cfg.ActiveSensorCount) {
			return fmt.Errorf("duplicate sensor in table")
		}
	}
	if !validName(cfg.DeviceName) {
		return fmt.Errorf("invalid device name %q", cfg.DeviceName)
	}
	if cfg.TransmitterID == unsetTransmitterID {
		return fmt.Errorf("transmitter id %#04x is reserved", cfg.TransmitterID)
	}

	p := payload{
		Name:          cfg.DeviceName,
		TransmitterID: int(cfg.TransmitterID),
		SensorCount:   cfg.ActiveSensorCount,
	}
	if cfg.PowerSaveMode {
		p.PowerSave = 1
	}
	for i := 0; i < cfg.ActiveSensorCount; i++ {
		p.Sensors = append(p.Sensors, cfg.SensorTable[i].String())
	}

	sum, err := p.checksum()
	if err != nil {
		return fmt.Errorf("failed to checksum config: %w", err)
	}

	return s.writeRecord(record{
		Magic:    magicTag,
		Version:  schemaVersion,
		Device:   p,
		Checksum: sum,
	})
}

// SaveName persists a new device name, preserving everything else in the
// record.
func (s *Store) SaveName(name string) error {
	if !validName(name) {
		return fmt.Errorf("invalid device name %q", name)
	}
	cfg := s.loadOrDefault()
	cfg.DeviceName = name
	return s.Save(cfg)
}

// SaveTransmitterConfig persists the transmitter id and power mode,
// preserving the sensor table.
func (s *Store) SaveTransmitterConfig(id uint16, powerSave bool) error {
	if id == unsetTransmitterID {
		return fmt.Errorf("transmitter id %#04x is reserved", id)
	}
	cfg := s.loadOrDefault()
	cfg.TransmitterID = id
	cfg.PowerSaveMode = powerSave
	return s.Save(cfg)
}

// loadOrDefault is the read side of partial updates. An absent or invalid
// record starts from defaults; identification is required in that case
// regardless, so no usable table is lost.
func (s *Store) loadOrDefault() *DeviceConfig {
	cfg, err := s.Load()
	if err != nil {
		return Default()
	}
	return cfg
}

func (s *Store) writeRecord(r record) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal config record: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config record: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to commit config record: %w", err)
	}
	return nil
}

// validName accepts bounded, printable ASCII names.
func validName(name string) bool {
	if len(name) == 0 || len(name) > MaxDeviceNameLength {
		return false
	}
	for i := 0; i < len(name); i++ {
		if name[i] < 32 || name[i] > 126 {
			return false
		}
	}
	return true
}
