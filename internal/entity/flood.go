package entity

import (
	"math"
	"strings"

	"bhyvebridge/internal/bhyve"
)

func floodEntities(device *bhyve.Device) []Entity {
	status := device.Status

	flood := newDeviceEntity(device, KindFlood, PlatformBinarySensor, device.Name+" flood sensor")
	flood.DeviceClass = "moisture"
	flood.State = onOff(status.FloodAlarmStatus == "alarm")
	flood.Attributes["location"] = nilIfEmpty(device.LocationName)
	flood.Attributes["shutoff"] = device.AutoShutoff
	flood.Attributes["rssi"] = status.RSSI

	alert := newDeviceEntity(device, KindTemperatureAlert, PlatformBinarySensor, device.Name+" temperature alert")
	alert.State = onOff(strings.Contains(status.TempAlarmStatus, "alarm"))
	for k, v := range device.TempAlarmThresholds {
		alert.Attributes[k] = v
	}

	temp := newDeviceEntity(device, KindTemperature, PlatformSensor, device.Name+" temperature")
	temp.DeviceClass = "temperature"
	temp.Unit = "°F"
	temp.State = StateUnknown
	if status.TempF != nil {
		temp.State = formatFloat(*status.TempF)
	}
	temp.Attributes["location"] = nilIfEmpty(device.LocationName)
	temp.Attributes["rssi"] = status.RSSI
	temp.Attributes["temperature_alarm"] = nilIfEmpty(status.TempAlarmStatus)

	return []Entity{flood, alert, temp}
}

func batteryEntity(device *bhyve.Device) Entity {
	e := newDeviceEntity(device, KindBattery, PlatformSensor, device.Name+" battery")
	e.DeviceClass = "battery"
	e.Category = CategoryDiagnostic
	e.Unit = "%"
	e.State = StateUnknown
	if level, ok := ParseBatteryLevel(device.Battery); ok {
		e.State = formatFloat(level)
	}
	return e
}

// ParseBatteryLevel returns the battery level in percent. A reported
// percentage wins; otherwise millivolts are scaled against 3000 mV (two AA
// cells) and capped at 100.
func ParseBatteryLevel(b *bhyve.Battery) (float64, bool) {
	if b == nil {
		return 0, false
	}
	if b.Percent != nil {
		return *b.Percent, true
	}
	if b.MV != nil {
		return math.Min(*b.MV/3000*100, 100), true
	}
	return 0, false
}
