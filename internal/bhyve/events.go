package bhyve

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Event names seen on the event stream.
const (
	EventChangeMode             = "change_mode"
	EventFloodStatus            = "fs_status_update"
	EventDeviceIdle             = "device_idle"
	EventProgramChanged         = "program_changed"
	EventRainDelay              = "rain_delay"
	EventSetManualPresetRuntime = "set_manual_preset_runtime"
	EventWateringComplete       = "watering_complete"
	EventWateringInProgress     = "watering_in_progress_notification"
	EventBatteryStatus          = "battery_status"
	EventDeviceConnected        = "device_connected"
	EventDeviceDisconnected     = "device_disconnected"

	EventAppConnection = "app_connection"
	EventPing          = "ping"
)

// Event is one JSON frame received on the event stream. Only the fields used
// by the coordinator are decoded; the undecoded frame is kept in Raw.
type Event struct {
	Event     string `json:"event"`
	DeviceID  string `json:"device_id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`

	Mode     string    `json:"mode,omitempty"`
	Stations []RunTime `json:"stations,omitempty"`
	Delay    *int      `json:"delay,omitempty"`
	Seconds  *int      `json:"seconds,omitempty"`

	CurrentStation           *Station `json:"current_station,omitempty"`
	RunTime                  *float64 `json:"run_time,omitempty"`
	StartedWateringStationAt string   `json:"started_watering_station_at,omitempty"`
	RainSensorHold           bool     `json:"rain_sensor_hold,omitempty"`

	// Program is a letter ("a", "e") on watering frames and a full program
	// object on program_changed frames.
	Program        json.RawMessage `json:"program,omitempty"`
	LifecyclePhase string          `json:"lifecycle_phase,omitempty"`

	TempF            *float64 `json:"temp_f,omitempty"`
	RSSI             *int     `json:"rssi,omitempty"`
	FloodAlarmStatus string   `json:"flood_alarm_status,omitempty"`
	TempAlarmStatus  string   `json:"temp_alarm_status,omitempty"`

	Percent  *float64 `json:"percent,omitempty"`
	MV       *float64 `json:"mv,omitempty"`
	Charging *bool    `json:"charging,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// ParseEvent decodes a frame and keeps a copy of the raw payload.
func ParseEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: decoding event: %v", ErrWebsocket, err)
	}
	ev.Raw = append(json.RawMessage(nil), data...)
	return ev, nil
}

// ProgramLetter returns the program letter when Program is a string.
func (e Event) ProgramLetter() string {
	p := bytes.TrimSpace(e.Program)
	if len(p) == 0 || p[0] != '"' {
		return ""
	}
	var letter string
	if err := json.Unmarshal(p, &letter); err != nil {
		return ""
	}
	return letter
}

// ProgramObject returns the program when Program is an object.
func (e Event) ProgramObject() (*Program, bool) {
	p := bytes.TrimSpace(e.Program)
	if len(p) == 0 || p[0] != '{' {
		return nil, false
	}
	var prog Program
	if err := json.Unmarshal(p, &prog); err != nil {
		return nil, false
	}
	return &prog, true
}

// TargetDeviceID is the device an event applies to. program_changed frames
// carry it inside the program object.
func (e Event) TargetDeviceID() string {
	if e.Event == EventProgramChanged {
		if prog, ok := e.ProgramObject(); ok && prog.DeviceID != "" {
			return prog.DeviceID
		}
	}
	return e.DeviceID
}

// ChangeModeMessage is sent to start or stop watering.
type ChangeModeMessage struct {
	Event     string    `json:"event"`
	Mode      string    `json:"mode"`
	DeviceID  string    `json:"device_id"`
	Timestamp string    `json:"timestamp"`
	Stations  []RunTime `json:"stations,omitempty"`
	Program   string    `json:"program,omitempty"`
}

// MarshalJSON keeps an empty stations list, which the controller reads as "stop".
func (m ChangeModeMessage) MarshalJSON() ([]byte, error) {
	type wire struct {
		Event     string    `json:"event"`
		Mode      string    `json:"mode"`
		DeviceID  string    `json:"device_id"`
		Timestamp string    `json:"timestamp"`
		Stations  []RunTime `json:"stations"`
		Program   string    `json:"program,omitempty"`
	}
	w := wire(m)
	if w.Program != "" {
		return json.Marshal(struct {
			Event     string `json:"event"`
			Mode      string `json:"mode"`
			DeviceID  string `json:"device_id"`
			Timestamp string `json:"timestamp"`
			Program   string `json:"program"`
		}{w.Event, w.Mode, w.DeviceID, w.Timestamp, w.Program})
	}
	if w.Stations == nil {
		w.Stations = []RunTime{}
	}
	return json.Marshal(w)
}

// RainDelayMessage enables (hours > 0) or cancels a rain delay.
type RainDelayMessage struct {
	Event    string `json:"event"`
	DeviceID string `json:"device_id"`
	Delay    int    `json:"delay"`
}

// ManualPresetRuntimeMessage sets the default manual watering duration.
type ManualPresetRuntimeMessage struct {
	Event    string `json:"event"`
	DeviceID string `json:"device_id"`
	Seconds  int    `json:"seconds"`
}

// AppConnectionMessage authenticates the event stream.
type AppConnectionMessage struct {
	Event string `json:"event"`
	Token string `json:"orbit_session_token"`
}

// PingMessage is the application-level heartbeat.
type PingMessage struct {
	Event string `json:"event"`
}
