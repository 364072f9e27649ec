// Package entity derives host-facing entities (sensors, switches, valves)
// from an account snapshot. Entities are plain values rebuilt on every
// update; they hold no state of their own.
package entity

import (
	"fmt"
	"time"

	"bhyvebridge/internal/bhyve"

	"go.uber.org/zap"
)

// Platform is the host entity type.
type Platform string

const (
	PlatformSensor       Platform = "sensor"
	PlatformBinarySensor Platform = "binary_sensor"
	PlatformSwitch       Platform = "switch"
	PlatformValve        Platform = "valve"
	PlatformNumber       Platform = "number"
)

// Kinds identify what an entity represents, independent of its platform.
const (
	KindState              = "state"
	KindRainDelay          = "rain_delay"
	KindZone               = "zone"
	KindZoneHistory        = "zone_history"
	KindNextWatering       = "next_watering"
	KindRainDelayFinishing = "rain_delay_finishing"
	KindFlood              = "water"
	KindTemperatureAlert   = "tempalert"
	KindTemperature        = "temperature"
	KindBattery            = "battery"
	KindProgram            = "program"
	KindManualRuntime      = "manual_runtime"
	KindSoilMoisture       = "soil_moisture"
)

// Entity categories.
const (
	CategoryConfig     = "config"
	CategoryDiagnostic = "diagnostic"
)

// States used by binary entities.
const (
	StateOn      = "on"
	StateOff     = "off"
	StateOpen    = "open"
	StateClosed  = "closed"
	StateUnknown = "unknown"
)

// Attribution is attached to every entity.
const Attribution = "Data provided by api.orbitbhyve.com"

// Entity is one host-facing view over the snapshot.
type Entity struct {
	UniqueID    string         `json:"unique_id"`
	Name        string         `json:"name"`
	Platform    Platform       `json:"platform"`
	Kind        string         `json:"kind"`
	DeviceClass string         `json:"device_class,omitempty"`
	Category    string         `json:"entity_category,omitempty"`
	Icon        string         `json:"icon,omitempty"`
	Unit        string         `json:"unit_of_measurement,omitempty"`
	DeviceID    string         `json:"device_id"`
	DeviceName  string         `json:"device_name"`
	Station     bhyve.Station  `json:"station,omitempty"`
	ProgramID   string         `json:"program_id,omitempty"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	Available   bool           `json:"available"`
	Range       *Range         `json:"range,omitempty"`
}

// Range bounds the value of a number entity.
type Range struct {
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Step float64 `json:"step"`
}

// Commandable reports whether the host can send commands to the entity.
func (e Entity) Commandable() bool {
	switch e.Kind {
	case KindZone, KindRainDelay, KindProgram, KindManualRuntime, KindSoilMoisture:
		return true
	}
	return false
}

// Options controls Build.
type Options struct {
	// DeviceFilter limits entities to these device ids. Empty means all.
	DeviceFilter []string
	// Now is the reference time for next-watering sensors. Zero means time.Now.
	Now time.Time
	// Location is used for local timestamps. Nil means time.Local.
	Location *time.Location
	Logger   *zap.Logger
}

// Build derives every entity for a snapshot. Bridges never produce entities.
func Build(data *bhyve.Data, opts Options) []Entity {
	if data == nil {
		return nil
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	opts.Now = opts.Now.In(opts.Location)

	allowed := make(map[string]bool, len(opts.DeviceFilter))
	for _, id := range opts.DeviceFilter {
		allowed[id] = true
	}

	var out []Entity
	known := make(map[string]*bhyve.Device)
	for _, device := range data.Devices {
		if device.Type == bhyve.DeviceBridge {
			continue
		}
		if len(allowed) > 0 && !allowed[device.ID] {
			continue
		}
		known[device.ID] = device

		if device.Status == nil {
			opts.Logger.Warn("Unable to configure device: the status attribute is missing. Has it been paired with the wifi hub?",
				zap.String("device", device.Name),
				zap.String("device_id", device.ID))
			continue
		}

		switch device.Type {
		case bhyve.DeviceSprinkler:
			out = append(out, sprinklerEntities(device, data, opts)...)
		case bhyve.DeviceFlood:
			out = append(out, floodEntities(device)...)
		}

		if device.Battery != nil {
			out = append(out, batteryEntity(device))
		}
	}

	for _, program := range data.Programs {
		device, ok := known[program.DeviceID]
		if !ok || program.Program == "" {
			continue
		}
		out = append(out, programEntity(device, program))
	}
	return out
}

// ZoneName returns the display name of a zone: its own name, the device name
// for single-zone devices, or "Unnamed Zone".
func ZoneName(device *bhyve.Device, zone bhyve.Zone) string {
	if zone.Name != "" {
		return zone.Name
	}
	if len(device.Zones) == 1 {
		return device.Name
	}
	return "Unnamed Zone"
}

func deviceUniqueID(device *bhyve.Device, key string) string {
	return fmt.Sprintf("%s:%s:%s", device.MacAddress, device.ID, key)
}

func zoneUniqueID(device *bhyve.Device, station bhyve.Station, key string) string {
	return fmt.Sprintf("%s:%s:%d:%s", device.MacAddress, device.ID, station, key)
}

func newDeviceEntity(device *bhyve.Device, kind string, platform Platform, name string) Entity {
	return Entity{
		UniqueID:   deviceUniqueID(device, kind),
		Name:       name,
		Platform:   platform,
		Kind:       kind,
		DeviceID:   device.ID,
		DeviceName: device.Name,
		Available:  device.IsConnected,
		Attributes: map[string]any{"attribution": Attribution},
	}
}

func onOff(b bool) string {
	if b {
		return StateOn
	}
	return StateOff
}
