package entity

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"bhyvebridge/internal/bhyve"
	"bhyvebridge/internal/clock"

	"go.uber.org/zap"
)

var (
	// ErrUnsupportedCommand is returned by Apply for read-only entities or
	// payloads the entity does not understand.
	ErrUnsupportedCommand = errors.New("unsupported command")

	// ErrSmartWateringDisabled is returned when setting soil moisture on a
	// zone without smart watering.
	ErrSmartWateringDisabled = errors.New("zone is not smart watering enabled")
)

// DefaultRainDelayHours is used when a rain delay switch is turned on.
const DefaultRainDelayHours = 24

// Sender delivers command frames over the event stream.
type Sender interface {
	Send(ctx context.Context, payload any) error
}

// API is the part of the REST client used for commands.
type API interface {
	UpdateProgram(ctx context.Context, program *bhyve.Program) error
	Landscape(ctx context.Context, deviceID string, station bhyve.Station, force bool) (*bhyve.Landscape, error)
	UpdateLandscape(ctx context.Context, update bhyve.LandscapeUpdate) error
}

// SnapshotSource provides the current account snapshot.
type SnapshotSource interface {
	Snapshot() *bhyve.Data
}

// Controller sends commands to devices.
type Controller struct {
	stream Sender
	api    API
	state  SnapshotSource
	logger *zap.Logger
	clock  clock.Clock
}

// NewController creates a controller. clk may be nil.
func NewController(stream Sender, api API, state SnapshotSource, logger *zap.Logger, clk clock.Clock) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Controller{
		stream: stream,
		api:    api,
		state:  state,
		logger: logger.Named("controller"),
		clock:  clk,
	}
}

// StartWatering runs one zone for the given number of minutes.
func (c *Controller) StartWatering(ctx context.Context, deviceID string, station bhyve.Station, minutes float64) error {
	if minutes <= 0 {
		return fmt.Errorf("watering time must be positive, got %g minutes", minutes)
	}
	if _, _, err := c.zone(deviceID, station); err != nil {
		return err
	}
	return c.sendChangeMode(ctx, deviceID, []bhyve.RunTime{{Station: station, RunTime: minutes}}, "")
}

// StopWatering stops all watering on a device.
func (c *Controller) StopWatering(ctx context.Context, deviceID string) error {
	if _, err := c.device(deviceID); err != nil {
		return err
	}
	return c.sendChangeMode(ctx, deviceID, nil, "")
}

// OpenValve starts a zone for the device's manual preset runtime.
func (c *Controller) OpenValve(ctx context.Context, deviceID string, station bhyve.Station) error {
	device, _, err := c.zone(deviceID, station)
	if err != nil {
		return err
	}
	if device.ManualPresetRuntimeSec <= 0 {
		c.logger.Warn("Manual preset runtime is 0, watering has defaulted",
			zap.String("device", device.Name),
			zap.Duration("runtime", DefaultManualRuntime))
	}
	return c.StartWatering(ctx, deviceID, station, ManualRuntime(device).Minutes())
}

// EnableRainDelay suspends watering for hours.
func (c *Controller) EnableRainDelay(ctx context.Context, deviceID string, hours int) error {
	if hours <= 0 {
		return fmt.Errorf("rain delay must be positive, got %d hours", hours)
	}
	return c.setRainDelay(ctx, deviceID, hours)
}

// DisableRainDelay cancels an active rain delay.
func (c *Controller) DisableRainDelay(ctx context.Context, deviceID string) error {
	return c.setRainDelay(ctx, deviceID, 0)
}

func (c *Controller) setRainDelay(ctx context.Context, deviceID string, hours int) error {
	if _, err := c.device(deviceID); err != nil {
		return err
	}
	msg := bhyve.RainDelayMessage{Event: bhyve.EventRainDelay, DeviceID: deviceID, Delay: hours}
	c.logger.Info("Setting rain delay", zap.String("device_id", deviceID), zap.Int("hours", hours))
	return c.send(ctx, msg)
}

// SetManualPresetRuntime changes the default manual watering duration.
func (c *Controller) SetManualPresetRuntime(ctx context.Context, deviceID string, minutes int) error {
	if minutes <= 0 {
		return fmt.Errorf("manual runtime must be positive, got %d minutes", minutes)
	}
	if _, err := c.device(deviceID); err != nil {
		return err
	}
	msg := bhyve.ManualPresetRuntimeMessage{
		Event:    bhyve.EventSetManualPresetRuntime,
		DeviceID: deviceID,
		Seconds:  minutes * 60,
	}
	c.logger.Info("Setting manual preset runtime", zap.String("device_id", deviceID), zap.Int("minutes", minutes))
	return c.send(ctx, msg)
}

// SetProgramEnabled enables or disables a timer program.
func (c *Controller) SetProgramEnabled(ctx context.Context, programID string, enabled bool) error {
	program, err := c.program(programID)
	if err != nil {
		return err
	}
	program.Enabled = enabled
	if err := c.api.UpdateProgram(ctx, program); err != nil {
		return fmt.Errorf("updating program %s: %w", programID, err)
	}
	return nil
}

// StartProgram runs a program immediately.
func (c *Controller) StartProgram(ctx context.Context, programID string) error {
	program, err := c.program(programID)
	if err != nil {
		return err
	}
	if program.Program == "" {
		return fmt.Errorf("%w: program %s has no program letter", bhyve.ErrNotFound, programID)
	}
	return c.sendChangeMode(ctx, program.DeviceID, nil, program.Program)
}

// SetSmartWateringSoilMoisture sets the soil moisture model of a smart zone
// to pct percent between its replenishment point and field capacity.
func (c *Controller) SetSmartWateringSoilMoisture(ctx context.Context, deviceID string, station bhyve.Station, pct float64) error {
	_, zone, err := c.zone(deviceID, station)
	if err != nil {
		return err
	}
	if !zone.SmartWateringEnabled {
		return fmt.Errorf("%w: %s", ErrSmartWateringDisabled, zone.Name)
	}
	if pct < 0 || pct > 100 {
		return fmt.Errorf("soil moisture must be between 0 and 100, got %g", pct)
	}

	landscape, err := c.api.Landscape(ctx, deviceID, station, false)
	if err != nil {
		return fmt.Errorf("unable to retrieve current soil data: %w", err)
	}

	empty := landscape.ReplenishmentPoint
	full := landscape.FieldCapacityDepth
	update := bhyve.LandscapeUpdate{
		ID:                landscape.ID,
		DeviceID:          deviceID,
		Station:           station,
		CurrentWaterLevel: empty + pct*(full-empty)/100,
	}
	c.logger.Debug("Landscape update",
		zap.String("device_id", deviceID),
		zap.Int("station", int(station)),
		zap.Float64("current_water_level", update.CurrentWaterLevel))

	if err := c.api.UpdateLandscape(ctx, update); err != nil {
		return fmt.Errorf("unable to set soil moisture level: %w", err)
	}
	return nil
}

// Apply maps a host command onto the entity. Valves accept OPEN/ON,
// CLOSE/OFF/STOP or a number of minutes; the rain delay switch accepts ON/OFF
// or a number of hours; program switches accept ON/OFF and START. Number
// entities accept a value in their unit.
func (c *Controller) Apply(ctx context.Context, e Entity, payload string) error {
	cmd := strings.ToUpper(strings.TrimSpace(payload))

	switch e.Kind {
	case KindZone:
		switch cmd {
		case "OPEN", "ON":
			return c.OpenValve(ctx, e.DeviceID, e.Station)
		case "CLOSE", "OFF", "STOP":
			return c.StopWatering(ctx, e.DeviceID)
		}
		if minutes, err := strconv.ParseFloat(cmd, 64); err == nil {
			return c.StartWatering(ctx, e.DeviceID, e.Station, minutes)
		}

	case KindRainDelay:
		switch cmd {
		case "ON":
			return c.EnableRainDelay(ctx, e.DeviceID, DefaultRainDelayHours)
		case "OFF":
			return c.DisableRainDelay(ctx, e.DeviceID)
		}
		if hours, err := strconv.Atoi(cmd); err == nil {
			if hours == 0 {
				return c.DisableRainDelay(ctx, e.DeviceID)
			}
			return c.EnableRainDelay(ctx, e.DeviceID, hours)
		}

	case KindProgram:
		switch cmd {
		case "ON":
			return c.SetProgramEnabled(ctx, e.ProgramID, true)
		case "OFF":
			return c.SetProgramEnabled(ctx, e.ProgramID, false)
		case "START":
			return c.StartProgram(ctx, e.ProgramID)
		}

	case KindManualRuntime:
		if minutes, err := strconv.ParseFloat(cmd, 64); err == nil {
			return c.SetManualPresetRuntime(ctx, e.DeviceID, int(math.Round(minutes)))
		}

	case KindSoilMoisture:
		if pct, err := strconv.ParseFloat(cmd, 64); err == nil {
			return c.SetSmartWateringSoilMoisture(ctx, e.DeviceID, e.Station, pct)
		}
	}

	return fmt.Errorf("%w: %q for %s", ErrUnsupportedCommand, payload, e.UniqueID)
}

func (c *Controller) sendChangeMode(ctx context.Context, deviceID string, stations []bhyve.RunTime, program string) error {
	msg := bhyve.ChangeModeMessage{
		Event:     bhyve.EventChangeMode,
		Mode:      "manual",
		DeviceID:  deviceID,
		Timestamp: c.clock.Now().UTC().Format("2006-01-02T15:04:05Z"),
		Stations:  stations,
		Program:   program,
	}
	c.logger.Debug("Sending change_mode",
		zap.String("device_id", deviceID),
		zap.Int("stations", len(stations)),
		zap.String("program", program))
	return c.send(ctx, msg)
}

func (c *Controller) send(ctx context.Context, payload any) error {
	if err := c.stream.Send(ctx, payload); err != nil {
		c.logger.Warn("Failed to send websocket message", zap.Error(err))
		return err
	}
	return nil
}

func (c *Controller) snapshot() (*bhyve.Data, error) {
	data := c.state.Snapshot()
	if data == nil {
		return nil, fmt.Errorf("%w: no data loaded yet", bhyve.ErrNotFound)
	}
	return data, nil
}

func (c *Controller) device(deviceID string) (*bhyve.Device, error) {
	data, err := c.snapshot()
	if err != nil {
		return nil, err
	}
	device := data.Device(deviceID)
	if device == nil {
		return nil, fmt.Errorf("%w: device %s", bhyve.ErrNotFound, deviceID)
	}
	return device, nil
}

func (c *Controller) zone(deviceID string, station bhyve.Station) (*bhyve.Device, *bhyve.Zone, error) {
	device, err := c.device(deviceID)
	if err != nil {
		return nil, nil, err
	}
	zone, ok := device.Zone(station)
	if !ok {
		return nil, nil, fmt.Errorf("%w: zone %d on device %s", bhyve.ErrNotFound, station, deviceID)
	}
	return device, zone, nil
}

func (c *Controller) program(programID string) (*bhyve.Program, error) {
	data, err := c.snapshot()
	if err != nil {
		return nil, err
	}
	program := data.Program(programID)
	if program == nil {
		return nil, fmt.Errorf("%w: program %s", bhyve.ErrNotFound, programID)
	}
	return program, nil
}

// CommandTimeout bounds a single command issued from the host.
const CommandTimeout = 10 * time.Second
