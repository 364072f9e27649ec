package bhyve

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEvent(t *testing.T) {
	t.Run("watering in progress", func(t *testing.T) {
		ev, err := ParseEvent([]byte(`{"event":"watering_in_progress_notification","device_id":"dev1",
			"program":"e","current_station":"2","run_time":14,"started_watering_station_at":"2024-06-01T06:00:00.000Z"}`))
		require.NoError(t, err)

		assert.Equal(t, EventWateringInProgress, ev.Event)
		assert.Equal(t, "e", ev.ProgramLetter())
		require.NotNil(t, ev.CurrentStation)
		assert.Equal(t, Station(2), *ev.CurrentStation)
		require.NotNil(t, ev.RunTime)
		assert.Equal(t, 14.0, *ev.RunTime)
		assert.Equal(t, "dev1", ev.TargetDeviceID())
		assert.NotEmpty(t, ev.Raw)

		_, ok := ev.ProgramObject()
		assert.False(t, ok)
	})

	t.Run("program changed targets the program device", func(t *testing.T) {
		ev, err := ParseEvent([]byte(`{"event":"program_changed","lifecycle_phase":"update",
			"program":{"id":"p1","device_id":"dev9","program":"b","enabled":false}}`))
		require.NoError(t, err)

		prog, ok := ev.ProgramObject()
		require.True(t, ok)
		assert.Equal(t, "p1", prog.ID)
		assert.Equal(t, "dev9", ev.TargetDeviceID())
		assert.Empty(t, ev.ProgramLetter())
	})

	t.Run("invalid json", func(t *testing.T) {
		_, err := ParseEvent([]byte(`{not json`))
		assert.ErrorIs(t, err, ErrWebsocket)
	})
}

func TestChangeModeMessage_MarshalJSON(t *testing.T) {
	t.Run("stop keeps empty stations", func(t *testing.T) {
		b, err := json.Marshal(ChangeModeMessage{Event: EventChangeMode, Mode: "manual", DeviceID: "dev1", Timestamp: "ts"})
		require.NoError(t, err)
		assert.JSONEq(t, `{"event":"change_mode","mode":"manual","device_id":"dev1","timestamp":"ts","stations":[]}`, string(b))
	})

	t.Run("start zone", func(t *testing.T) {
		b, err := json.Marshal(ChangeModeMessage{
			Event: EventChangeMode, Mode: "manual", DeviceID: "dev1", Timestamp: "ts",
			Stations: []RunTime{{Station: 1, RunTime: 10}},
		})
		require.NoError(t, err)
		assert.JSONEq(t, `{"event":"change_mode","mode":"manual","device_id":"dev1","timestamp":"ts","stations":[{"station":1,"run_time":10}]}`, string(b))
	})

	t.Run("program", func(t *testing.T) {
		b, err := json.Marshal(ChangeModeMessage{Event: EventChangeMode, Mode: "manual", DeviceID: "dev1", Timestamp: "ts", Program: "a"})
		require.NoError(t, err)
		assert.JSONEq(t, `{"event":"change_mode","mode":"manual","device_id":"dev1","timestamp":"ts","program":"a"}`, string(b))
	})
}

func TestData_Clone(t *testing.T) {
	pct := 80.0
	data := NewData()
	data.Devices = []*Device{{ID: "dev1", Battery: &Battery{Percent: &pct}, Status: &DeviceStatus{RunMode: "auto"}}}
	data.Programs = []*Program{{ID: "p1", DeviceID: "dev1", RunTimes: []RunTime{{Station: 1, RunTime: 5}}}}
	data.Histories["dev1"] = []WateringEvent{{Irrigation: []Irrigation{{Station: 1}}}}

	clone := data.Clone()
	*clone.Devices[0].Battery.Percent = 10
	clone.Devices[0].Status.RunMode = "off"
	clone.Programs[0].RunTimes[0].RunTime = 99
	clone.Histories["dev1"][0].Irrigation[0].Station = 4

	assert.Equal(t, 80.0, *data.Devices[0].Battery.Percent)
	assert.Equal(t, "auto", data.Devices[0].Status.RunMode)
	assert.Equal(t, 5.0, data.Programs[0].RunTimes[0].RunTime)
	assert.Equal(t, Station(1), data.Histories["dev1"][0].Irrigation[0].Station)

	data.UpsertProgram(&Program{ID: "p2", DeviceID: "dev1"})
	assert.Len(t, data.ProgramsFor("dev1"), 2)
	assert.True(t, data.RemoveProgram("p1"))
	assert.False(t, data.RemoveProgram("p1"))
	assert.Nil(t, data.Program("p1"))
}
