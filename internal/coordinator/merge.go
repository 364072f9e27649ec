package coordinator

import (
	"bhyvebridge/internal/bhyve"

	"go.uber.org/zap"
)

// HandleEvent merges one stream event into the snapshot. Events for unknown
// devices, unknown event types and events received before the first refresh
// leave the snapshot untouched and notify nobody.
func (c *Coordinator) HandleEvent(ev bhyve.Event) {
	deviceID := ev.TargetDeviceID()
	c.logger.Info("Received event",
		zap.String("event", ev.Event),
		zap.String("device_id", deviceID))
	c.logger.Debug("Event payload", zap.ByteString("payload", ev.Raw))

	c.dataMu.Lock()
	if c.data == nil {
		c.dataMu.Unlock()
		c.logger.Debug("Dropping event received before first refresh", zap.String("event", ev.Event))
		c.metrics.ObserveEvent(ev.Event, false)
		return
	}

	device := c.data.Device(deviceID)
	if device == nil {
		c.dataMu.Unlock()
		c.logger.Debug("Dropping event for unknown device",
			zap.String("event", ev.Event),
			zap.String("device_id", deviceID))
		c.metrics.ObserveEvent(ev.Event, false)
		return
	}

	merged, followUp := c.apply(device, ev)
	var snapshot *bhyve.Data
	if merged {
		if ev.Event != bhyve.EventProgramChanged {
			c.deviceMerges[deviceID] = c.clock.Now()
		}
		snapshot = c.data.Clone()
	}
	c.dataMu.Unlock()

	c.metrics.ObserveEvent(ev.Event, merged)
	if !merged {
		c.logger.Debug("Ignoring unhandled event", zap.String("event", ev.Event))
		return
	}

	c.notify(Update{Reason: ReasonEvent, DeviceID: deviceID, Event: ev.Event, Data: snapshot})
	if followUp != nil {
		followUp(deviceID)
	}
}

// apply mutates device (and the program list) in place. It must be called
// with dataMu held. The returned follow-up, if any, schedules a refetch.
func (c *Coordinator) apply(device *bhyve.Device, ev bhyve.Event) (bool, func(string)) {
	switch ev.Event {
	case bhyve.EventChangeMode:
		status := ensureStatus(device)
		if ev.Mode != "" {
			status.RunMode = ev.Mode
		}
		if ev.Mode == "off" || ev.Mode == "auto" {
			status.WateringStatus = nil
		}
		return true, nil

	case bhyve.EventWateringInProgress:
		if ev.CurrentStation == nil {
			return false, nil
		}
		ws := &bhyve.WateringStatus{
			Program:                  ev.ProgramLetter(),
			CurrentStation:           *ev.CurrentStation,
			StartedWateringStationAt: ev.StartedWateringStationAt,
			RainSensorHold:           ev.RainSensorHold,
		}
		if ev.RunTime != nil {
			ws.Stations = []bhyve.RunTime{{Station: *ev.CurrentStation, RunTime: *ev.RunTime}}
		}
		ensureStatus(device).WateringStatus = ws
		return true, nil

	case bhyve.EventDeviceIdle, bhyve.EventWateringComplete:
		ensureStatus(device).WateringStatus = nil
		return true, c.refetchHistory

	case bhyve.EventRainDelay:
		if ev.Delay == nil {
			return false, nil
		}
		status := ensureStatus(device)
		status.RainDelay = *ev.Delay
		if *ev.Delay > 0 {
			status.RainDelayStartedAt = ev.Timestamp
		} else {
			status.RainDelayStartedAt = ""
			status.RainDelayCause = ""
			status.RainDelayWeatherType = ""
		}
		// The REST API carries cause and weather type, the event does not.
		return true, c.refetchDevice

	case bhyve.EventSetManualPresetRuntime:
		if ev.Seconds == nil {
			return false, nil
		}
		device.ManualPresetRuntimeSec = *ev.Seconds
		return true, nil

	case bhyve.EventProgramChanged:
		program, ok := ev.ProgramObject()
		if !ok || program.ID == "" {
			return false, nil
		}
		c.programMerges[program.ID] = c.clock.Now()
		if ev.LifecyclePhase == "destroy" {
			return c.data.RemoveProgram(program.ID), nil
		}
		c.data.UpsertProgram(program)
		return true, nil

	case bhyve.EventFloodStatus:
		status := ensureStatus(device)
		if ev.TempF != nil {
			v := *ev.TempF
			status.TempF = &v
		}
		if ev.RSSI != nil {
			v := *ev.RSSI
			status.RSSI = &v
		}
		if ev.FloodAlarmStatus != "" {
			status.FloodAlarmStatus = ev.FloodAlarmStatus
		}
		if ev.TempAlarmStatus != "" {
			status.TempAlarmStatus = ev.TempAlarmStatus
		}
		if ev.Timestamp != "" {
			status.StatusUpdatedAt = ev.Timestamp
		}
		return true, nil

	case bhyve.EventBatteryStatus:
		if device.Battery == nil {
			device.Battery = &bhyve.Battery{}
		}
		if ev.Percent != nil {
			v := *ev.Percent
			device.Battery.Percent = &v
		}
		if ev.MV != nil {
			v := *ev.MV
			device.Battery.MV = &v
		}
		if ev.Charging != nil {
			device.Battery.Charging = *ev.Charging
		}
		return true, nil

	case bhyve.EventDeviceConnected:
		device.IsConnected = true
		return true, nil

	case bhyve.EventDeviceDisconnected:
		device.IsConnected = false
		return true, nil
	}

	return false, nil
}

func ensureStatus(device *bhyve.Device) *bhyve.DeviceStatus {
	if device.Status == nil {
		device.Status = &bhyve.DeviceStatus{}
	}
	return device.Status
}
