package bhyve

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Device types reported by the vendor API.
const (
	DeviceSprinkler = "sprinkler_timer"
	DeviceFlood     = "flood_sensor"
	DeviceBridge    = "bridge"
)

// Station identifies a zone on a sprinkler timer. The API sends it as a
// number in device payloads and occasionally as a string in events.
type Station int

// UnmarshalJSON accepts both 3 and "3".
func (s *Station) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		if str == "" {
			*s = 0
			return nil
		}
		n, err := strconv.Atoi(str)
		if err != nil {
			return fmt.Errorf("invalid station %q: %w", str, err)
		}
		*s = Station(n)
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid station %s: %w", data, err)
	}
	*s = Station(n)
	return nil
}

func (s Station) String() string {
	return strconv.Itoa(int(s))
}

// Device is a controller reported by GET /v1/devices.
type Device struct {
	ID                     string         `json:"id"`
	Name                   string         `json:"name"`
	Type                   string         `json:"type"`
	MacAddress             string         `json:"mac_address,omitempty"`
	HardwareVersion        string         `json:"hardware_version,omitempty"`
	FirmwareVersion        string         `json:"firmware_version,omitempty"`
	IsConnected            bool           `json:"is_connected"`
	LocationName           string         `json:"location_name,omitempty"`
	Address                any            `json:"address,omitempty"`
	FullLocation           any            `json:"full_location,omitempty"`
	Location               any            `json:"location,omitempty"`
	ManualPresetRuntimeSec int            `json:"manual_preset_runtime_sec"`
	AutoShutoff            *bool          `json:"auto_shutoff,omitempty"`
	TempAlarmThresholds    map[string]any `json:"temp_alarm_thresholds,omitempty"`
	Battery                *Battery       `json:"battery,omitempty"`
	Status                 *DeviceStatus  `json:"status,omitempty"`
	Zones                  []Zone         `json:"zones,omitempty"`
}

// DeviceStatus carries the live part of a device.
type DeviceStatus struct {
	RunMode              string          `json:"run_mode,omitempty"`
	WateringStatus       *WateringStatus `json:"watering_status,omitempty"`
	RainDelay            int             `json:"rain_delay"`
	RainDelayCause       string          `json:"rain_delay_cause,omitempty"`
	RainDelayWeatherType string          `json:"rain_delay_weather_type,omitempty"`
	RainDelayStartedAt   string          `json:"rain_delay_started_at,omitempty"`
	NextStartTime        string          `json:"next_start_time,omitempty"`
	NextStartPrograms    []string        `json:"next_start_programs,omitempty"`

	// Flood sensor fields.
	TempF            *float64 `json:"temp_f,omitempty"`
	RSSI             *int     `json:"rssi,omitempty"`
	FloodAlarmStatus string   `json:"flood_alarm_status,omitempty"`
	TempAlarmStatus  string   `json:"temp_alarm_status,omitempty"`
	StatusUpdatedAt  string   `json:"status_updated_at,omitempty"`
}

// WateringStatus describes the zone that is currently running.
type WateringStatus struct {
	Program                  string    `json:"program,omitempty"`
	CurrentStation           Station   `json:"current_station"`
	StartedWateringStationAt string    `json:"started_watering_station_at,omitempty"`
	RainSensorHold           bool      `json:"rain_sensor_hold,omitempty"`
	Stations                 []RunTime `json:"stations,omitempty"`
}

// Battery is reported either as a percentage or in millivolts.
type Battery struct {
	Percent  *float64 `json:"percent,omitempty"`
	MV       *float64 `json:"mv,omitempty"`
	Charging bool     `json:"charging,omitempty"`
}

// Zone is an irrigation output on a sprinkler timer.
type Zone struct {
	Station              Station `json:"station"`
	Name                 string  `json:"name,omitempty"`
	SmartWateringEnabled bool    `json:"smart_watering_enabled"`
	SprinklerType        string  `json:"sprinkler_type,omitempty"`
	ImageURL             string  `json:"image_url,omitempty"`
}

// Program is a timer program from GET /v1/sprinkler_timer_programs.
type Program struct {
	ID             string     `json:"id"`
	DeviceID       string     `json:"device_id"`
	Name           string     `json:"name,omitempty"`
	Program        string     `json:"program,omitempty"`
	Enabled        bool       `json:"enabled"`
	IsSmartProgram bool       `json:"is_smart_program"`
	Frequency      *Frequency `json:"frequency,omitempty"`
	StartTimes     []string   `json:"start_times,omitempty"`
	Budget         int        `json:"budget,omitempty"`
	RunTimes       []RunTime  `json:"run_times,omitempty"`
	WateringPlan   []PlanDay  `json:"watering_plan,omitempty"`

	// Raw is the object as received. Fields not modelled above are written
	// back from it on update.
	Raw json.RawMessage `json:"-"`
}

// Frequency is the recurrence of a manual program. Days uses the vendor
// convention where 0 is Sunday.
type Frequency struct {
	Type     string `json:"type,omitempty"`
	Days     []int  `json:"days,omitempty"`
	Interval int    `json:"interval,omitempty"`
}

// RunTime is a per-station duration in minutes.
type RunTime struct {
	Station Station `json:"station"`
	RunTime float64 `json:"run_time"`
}

// PlanDay is one day of a smart watering plan.
type PlanDay struct {
	Date       string    `json:"date"`
	StartTimes []string  `json:"start_times,omitempty"`
	RunTimes   []RunTime `json:"run_times,omitempty"`
}

// WateringEvent is one page entry of GET /v1/watering_events/{device}.
type WateringEvent struct {
	Irrigation []Irrigation `json:"irrigation,omitempty"`
}

// Irrigation is a single zone run inside a watering event.
type Irrigation struct {
	Station        Station  `json:"station"`
	StartTime      string   `json:"start_time,omitempty"`
	Budget         *int     `json:"budget,omitempty"`
	Program        string   `json:"program,omitempty"`
	ProgramName    string   `json:"program_name,omitempty"`
	RunTime        *float64 `json:"run_time,omitempty"`
	Status         string   `json:"status,omitempty"`
	WaterVolumeGal *float64 `json:"water_volume_gal,omitempty"`
}

// Landscape describes the soil model for a zone.
type Landscape struct {
	ID                 string  `json:"id"`
	DeviceID           string  `json:"device_id"`
	Station            Station `json:"station"`
	CurrentWaterLevel  float64 `json:"current_water_level"`
	ReplenishmentPoint float64 `json:"replenishment_point"`
	FieldCapacityDepth float64 `json:"field_capacity_depth"`
}

// LandscapeUpdate is the minimal body accepted by the landscape PUT.
type LandscapeUpdate struct {
	ID                string  `json:"id"`
	DeviceID          string  `json:"device_id"`
	Station           Station `json:"station"`
	CurrentWaterLevel float64 `json:"current_water_level"`
}

// Zone returns the zone for a station.
func (d *Device) Zone(station Station) (*Zone, bool) {
	for i := range d.Zones {
		if d.Zones[i].Station == station {
			return &d.Zones[i], true
		}
	}
	return nil, false
}

// Clone returns a deep copy of the device.
func (d *Device) Clone() *Device {
	if d == nil {
		return nil
	}
	c := *d
	if d.AutoShutoff != nil {
		v := *d.AutoShutoff
		c.AutoShutoff = &v
	}
	if d.TempAlarmThresholds != nil {
		c.TempAlarmThresholds = make(map[string]any, len(d.TempAlarmThresholds))
		for k, v := range d.TempAlarmThresholds {
			c.TempAlarmThresholds[k] = v
		}
	}
	if d.Battery != nil {
		b := *d.Battery
		b.Percent = cloneFloat(d.Battery.Percent)
		b.MV = cloneFloat(d.Battery.MV)
		c.Battery = &b
	}
	if d.Status != nil {
		s := *d.Status
		s.NextStartPrograms = append([]string(nil), d.Status.NextStartPrograms...)
		s.TempF = cloneFloat(d.Status.TempF)
		if d.Status.RSSI != nil {
			v := *d.Status.RSSI
			s.RSSI = &v
		}
		if d.Status.WateringStatus != nil {
			w := *d.Status.WateringStatus
			w.Stations = append([]RunTime(nil), d.Status.WateringStatus.Stations...)
			s.WateringStatus = &w
		}
		c.Status = &s
	}
	c.Zones = append([]Zone(nil), d.Zones...)
	return &c
}

// Clone returns a deep copy of the program.
func (p *Program) Clone() *Program {
	if p == nil {
		return nil
	}
	c := *p
	if p.Frequency != nil {
		f := *p.Frequency
		f.Days = append([]int(nil), p.Frequency.Days...)
		c.Frequency = &f
	}
	c.StartTimes = append([]string(nil), p.StartTimes...)
	c.Raw = append(json.RawMessage(nil), p.Raw...)
	c.RunTimes = append([]RunTime(nil), p.RunTimes...)
	if p.WateringPlan != nil {
		c.WateringPlan = make([]PlanDay, len(p.WateringPlan))
		for i, day := range p.WateringPlan {
			day.StartTimes = append([]string(nil), day.StartTimes...)
			day.RunTimes = append([]RunTime(nil), day.RunTimes...)
			c.WateringPlan[i] = day
		}
	}
	return &c
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}
