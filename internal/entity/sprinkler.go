package entity

import (
	"fmt"
	"math"
	"time"

	"bhyvebridge/internal/bhyve"
)

// DefaultManualRuntime is used when a device reports no manual preset runtime.
const DefaultManualRuntime = 5 * time.Minute

// MaxManualRuntimeMinutes is the upper bound offered for the manual runtime.
const MaxManualRuntimeMinutes = 240

// Attribute keys shared by zone entities.
const (
	AttrManualRuntime       = "manual_preset_runtime"
	AttrSmartWateringOn     = "smart_watering_enabled"
	AttrSprinklerType       = "sprinkler_type"
	AttrImageURL            = "image_url"
	AttrStartedWateringAt   = "started_watering_station_at"
	AttrSmartWateringPlan   = "watering_program"
	AttrCurrentStation      = "current_station"
	AttrCurrentProgram      = "current_program"
	AttrCurrentRuntime      = "current_runtime"
	AttrNextStartTime       = "next_start_time"
	AttrNextStartPrograms   = "next_start_programs"
	AttrConsumptionGallons  = "consumption_gallons"
	AttrConsumptionLitres   = "consumption_litres"
	AttrRainDelayCause      = "cause"
	AttrRainDelay           = "delay"
	AttrRainDelayWeather    = "weather_type"
	AttrRainDelayStartedAt  = "started_at"
	litresPerGallon         = 3.785
	unknownRainDelayDetails = "Unknown"
)

func sprinklerEntities(device *bhyve.Device, data *bhyve.Data, opts Options) []Entity {
	out := []Entity{stateSensor(device), rainDelaySwitch(device, opts.Location), manualRuntimeNumber(device)}

	programs := data.ProgramsFor(device.ID)
	rainDelayEnd, _ := RainDelayFinish(device, opts.Location)

	for _, zone := range device.Zones {
		name := ZoneName(device, zone)
		out = append(out,
			zoneValve(device, zone, name, programs, opts.Location),
			zoneHistorySensor(device, zone, name, data.History(device.ID), opts.Location),
			nextWateringSensor(device, zone, name, programs, rainDelayEnd, opts.Now),
		)
		if zone.SmartWateringEnabled {
			out = append(out, soilMoistureNumber(device, zone, name, data.Landscapes[device.ID]))
		}
	}

	out = append(out, rainDelayFinishingSensor(device, rainDelayEnd))
	return out
}

func stateSensor(device *bhyve.Device) Entity {
	e := newDeviceEntity(device, KindState, PlatformSensor, device.Name+" state")
	e.Icon = "mdi:information"
	e.Category = CategoryDiagnostic
	e.State = "unavailable"
	if device.Status != nil && device.Status.RunMode != "" {
		e.State = device.Status.RunMode
	}
	return e
}

func rainDelaySwitch(device *bhyve.Device, loc *time.Location) Entity {
	e := newDeviceEntity(device, KindRainDelay, PlatformSwitch, device.Name+" rain delay")
	e.Icon = "mdi:weather-pouring"
	e.Category = CategoryConfig
	e.DeviceClass = "switch"

	status := device.Status
	active := status != nil && status.RainDelay > 0
	e.State = onOff(active)
	if !active {
		return e
	}

	e.Attributes[AttrRainDelay] = status.RainDelay
	e.Attributes[AttrRainDelayCause] = orDefault(status.RainDelayCause, unknownRainDelayDetails)
	e.Attributes[AttrRainDelayWeather] = orDefault(status.RainDelayWeatherType, unknownRainDelayDetails)
	if started, ok := ParseOrbitTime(status.RainDelayStartedAt, loc); ok {
		e.Attributes[AttrRainDelayStartedAt] = started.Format(time.RFC3339)
	} else {
		e.Attributes[AttrRainDelayStartedAt] = nil
	}
	return e
}

func manualRuntimeNumber(device *bhyve.Device) Entity {
	e := newDeviceEntity(device, KindManualRuntime, PlatformNumber, device.Name+" manual watering time")
	e.Icon = "mdi:timer-cog-outline"
	e.Category = CategoryConfig
	e.Unit = "min"
	e.Range = &Range{Min: 1, Max: MaxManualRuntimeMinutes, Step: 1}
	e.State = formatFloat(ManualRuntime(device).Minutes())
	e.Attributes[AttrManualRuntime] = device.ManualPresetRuntimeSec
	return e
}

// soilMoistureNumber shows the zone's modelled soil moisture as a percentage
// between the replenishment point and field capacity.
func soilMoistureNumber(device *bhyve.Device, zone bhyve.Zone, zoneName string, landscapes []bhyve.Landscape) Entity {
	e := newDeviceEntity(device, KindSoilMoisture, PlatformNumber, zoneName+" soil moisture")
	e.UniqueID = zoneUniqueID(device, zone.Station, "soil_moisture")
	e.Station = zone.Station
	e.DeviceClass = "moisture"
	e.Icon = "mdi:water-percent"
	e.Unit = "%"
	e.Range = &Range{Min: 0, Max: 100, Step: 1}
	e.State = StateUnknown

	for _, l := range landscapes {
		if l.Station != zone.Station {
			continue
		}
		span := l.FieldCapacityDepth - l.ReplenishmentPoint
		if span <= 0 {
			break
		}
		pct := (l.CurrentWaterLevel - l.ReplenishmentPoint) / span * 100
		pct = math.Max(0, math.Min(100, pct))
		e.State = formatFloat(math.Round(pct*10) / 10)
		e.Attributes["current_water_level"] = l.CurrentWaterLevel
		e.Attributes["replenishment_point"] = l.ReplenishmentPoint
		e.Attributes["field_capacity_depth"] = l.FieldCapacityDepth
		break
	}
	return e
}

func zoneValve(device *bhyve.Device, zone bhyve.Zone, zoneName string, programs []*bhyve.Program, loc *time.Location) Entity {
	e := newDeviceEntity(device, KindZone, PlatformValve, zoneName+" zone")
	e.UniqueID = zoneUniqueID(device, zone.Station, "valve")
	e.Station = zone.Station
	e.DeviceClass = "water"
	e.Icon = "mdi:water-pump"

	attrs := e.Attributes
	attrs["device_name"] = device.Name
	attrs["device_id"] = device.ID
	attrs["zone_name"] = zoneName
	attrs["station"] = zone.Station
	attrs[AttrSmartWateringOn] = zone.SmartWateringEnabled
	attrs[AttrManualRuntime] = device.ManualPresetRuntimeSec
	if zone.SprinklerType != "" {
		attrs[AttrSprinklerType] = zone.SprinklerType
	}
	if zone.ImageURL != "" {
		attrs[AttrImageURL] = zone.ImageURL
	}

	status := device.Status
	if next, ok := ParseOrbitTime(status.NextStartTime, loc); ok {
		attrs[AttrNextStartTime] = next.Format(time.RFC3339)
		attrs[AttrNextStartPrograms] = status.NextStartPrograms
	}

	watering := status.WateringStatus
	isWatering := watering != nil && watering.CurrentStation == zone.Station
	e.State = StateClosed
	if isWatering {
		e.State = StateOpen
		attrs[AttrCurrentStation] = watering.CurrentStation
		attrs[AttrCurrentProgram] = nilIfEmpty(watering.Program)
		if len(watering.Stations) > 0 {
			attrs[AttrCurrentRuntime] = watering.Stations[0].RunTime
		} else {
			attrs[AttrCurrentRuntime] = nil
		}
		if started, ok := ParseOrbitTime(watering.StartedWateringStationAt, loc); ok {
			attrs[AttrStartedWateringAt] = started.Format(time.RFC3339)
		} else {
			attrs[AttrStartedWateringAt] = nil
		}
	}

	for _, p := range programs {
		if p.Program == "" {
			continue
		}
		attrs["program_"+p.Program] = programSummary(p, zone.Station, loc)
	}
	return e
}

// programSummary describes a program from the point of view of one zone.
func programSummary(p *bhyve.Program, station bhyve.Station, loc *time.Location) map[string]any {
	name := p.Name
	if name == "" {
		name = "Unknown"
	}
	summary := map[string]any{
		"enabled":          p.Enabled,
		"name":             name,
		"is_smart_program": p.IsSmartProgram,
	}

	runTimes := zoneRunTimes(p.RunTimes, station)
	if !p.Enabled || len(runTimes) == 0 {
		return summary
	}

	if p.IsSmartProgram {
		var plan []string
		for _, t := range SmartPlanTimes(p, station, loc) {
			plan = append(plan, t.Format(time.RFC3339))
		}
		summary[AttrSmartWateringPlan] = plan
		return summary
	}

	summary["start_times"] = p.StartTimes
	summary["frequency"] = p.Frequency
	summary["run_times"] = runTimes
	return summary
}

func zoneHistorySensor(device *bhyve.Device, zone bhyve.Zone, zoneName string, history []bhyve.WateringEvent, loc *time.Location) Entity {
	e := newDeviceEntity(device, KindZoneHistory, PlatformSensor, zoneName+" zone history")
	e.UniqueID = zoneUniqueID(device, zone.Station, "history")
	e.Station = zone.Station
	e.DeviceClass = "timestamp"
	e.Category = CategoryDiagnostic
	e.Icon = "mdi:history"
	e.State = StateUnknown

	for _, event := range history {
		var latest *bhyve.Irrigation
		for i := range event.Irrigation {
			if event.Irrigation[i].Station == zone.Station {
				latest = &event.Irrigation[i]
			}
		}
		if latest == nil {
			continue
		}

		if started, ok := ParseOrbitTime(latest.StartTime, loc); ok {
			e.State = started.Format(time.RFC3339)

			var gallons, litres any
			if latest.WaterVolumeGal != nil {
				gallons = *latest.WaterVolumeGal
				if *latest.WaterVolumeGal != 0 {
					litres = math.Round(*latest.WaterVolumeGal*litresPerGallon*100) / 100
				}
			}
			e.Attributes["budget"] = latest.Budget
			e.Attributes["program"] = nilIfEmpty(latest.Program)
			e.Attributes["program_name"] = nilIfEmpty(latest.ProgramName)
			e.Attributes["run_time"] = latest.RunTime
			e.Attributes["status"] = nilIfEmpty(latest.Status)
			e.Attributes[AttrConsumptionGallons] = gallons
			e.Attributes[AttrConsumptionLitres] = litres
			e.Attributes["start_time"] = latest.StartTime
		}
		break
	}
	return e
}

func nextWateringSensor(device *bhyve.Device, zone bhyve.Zone, zoneName string, programs []*bhyve.Program, rainDelayEnd, now time.Time) Entity {
	e := newDeviceEntity(device, KindNextWatering, PlatformSensor, zoneName+" next watering")
	e.UniqueID = zoneUniqueID(device, zone.Station, "next_watering")
	e.Station = zone.Station
	e.DeviceClass = "timestamp"
	e.Icon = "mdi:calendar-clock"
	e.State = StateUnknown

	if next, ok := NextWatering(now, programs, zone.Station, rainDelayEnd); ok {
		e.State = next.Format(time.RFC3339)
	}
	return e
}

func rainDelayFinishingSensor(device *bhyve.Device, end time.Time) Entity {
	e := newDeviceEntity(device, KindRainDelayFinishing, PlatformSensor, device.Name+" rain delay finishing")
	e.DeviceClass = "timestamp"
	e.Icon = "mdi:timer-sand"
	e.State = StateUnknown
	if !end.IsZero() {
		e.State = end.Format(time.RFC3339)
	}
	return e
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ManualRuntime returns the preset manual watering duration of a device.
func ManualRuntime(device *bhyve.Device) time.Duration {
	if device == nil || device.ManualPresetRuntimeSec <= 0 {
		return DefaultManualRuntime
	}
	return time.Duration(device.ManualPresetRuntimeSec) * time.Second
}

func formatFloat(v float64) string {
	return fmt.Sprintf("%g", v)
}
