package integration

import (
	"context"
	"testing"

	"bhyvebridge/internal/bhyve"
	"bhyvebridge/internal/entity"
	"bhyvebridge/pkg/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func valveState(t *testing.T, env *testutil.TestEnv, station bhyve.Station) string {
	t.Helper()
	for _, e := range entity.Build(env.Coordinator.Snapshot(), entity.Options{}) {
		if e.Kind == entity.KindZone && e.DeviceID == "dev1" && e.Station == station {
			return e.State
		}
	}
	t.Fatalf("no valve for station %d", station)
	return ""
}

func TestScenario_ManualWatering(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()

	t.Log("WHEN: zone 1 is started for 5 minutes")
	require.NoError(t, env.Controller.StartWatering(ctx, "dev1", 1, 5))

	t.Log("THEN: a manual change_mode frame reaches the cloud")
	var frame *testutil.Frame
	require.Eventually(t, func() bool {
		frame = testutil.FindFrame(env.Cloud.Frames(), bhyve.EventChangeMode, "device_id", "dev1")
		return frame != nil
	}, waitTimeout, pollInterval)
	assert.Equal(t, "manual", frame.Data["mode"])
	stations := frame.Data["stations"].([]any)
	require.Len(t, stations, 1)
	assert.Equal(t, map[string]any{"station": 1.0, "run_time": 5.0}, stations[0])

	t.Log("WHEN: the cloud reports watering in progress")
	require.NoError(t, env.Cloud.Broadcast(map[string]any{
		"event":                       bhyve.EventWateringInProgress,
		"device_id":                   "dev1",
		"current_station":             1,
		"run_time":                    5,
		"program":                     "manual",
		"started_watering_station_at": "2024-06-03T09:00:00.000Z",
	}))
	require.True(t, env.WaitFor(waitTimeout, func(d *bhyve.Data) bool {
		ws := d.Device("dev1").Status.WateringStatus
		return ws != nil && ws.CurrentStation == 1
	}))
	assert.Equal(t, entity.StateOpen, valveState(t, env, 1))
	assert.Equal(t, entity.StateClosed, valveState(t, env, 2))

	t.Log("WHEN: watering completes")
	historyBefore := env.Cloud.Requests("/v1/watering_events/dev1")
	require.NoError(t, env.Cloud.Broadcast(map[string]any{
		"event":     bhyve.EventWateringComplete,
		"device_id": "dev1",
	}))

	t.Log("THEN: the valve closes and the history is refetched")
	require.True(t, env.WaitFor(waitTimeout, func(d *bhyve.Data) bool {
		return d.Device("dev1").Status.WateringStatus == nil
	}))
	assert.Equal(t, entity.StateClosed, valveState(t, env, 1))
	assert.Eventually(t, func() bool {
		return env.Cloud.Requests("/v1/watering_events/dev1") > historyBefore
	}, waitTimeout, pollInterval)
}

func TestScenario_StopWatering(t *testing.T) {
	env := setupTest(t)

	require.NoError(t, env.Controller.StopWatering(context.Background(), "dev1"))

	require.Eventually(t, func() bool {
		return testutil.FindFrame(env.Cloud.Frames(), bhyve.EventChangeMode, "device_id", "dev1") != nil
	}, waitTimeout, pollInterval)
	frame := testutil.FindFrame(env.Cloud.Frames(), bhyve.EventChangeMode, "device_id", "dev1")
	assert.Equal(t, []any{}, frame.Data["stations"])
}

func TestScenario_RainDelay(t *testing.T) {
	env := setupTest(t)

	t.Log("WHEN: a 24 hour rain delay is enabled")
	require.NoError(t, env.Controller.EnableRainDelay(context.Background(), "dev1", 24))
	require.Eventually(t, func() bool {
		return testutil.FindFrame(env.Cloud.Frames(), bhyve.EventRainDelay, "device_id", "dev1") != nil
	}, waitTimeout, pollInterval)
	frame := testutil.FindFrame(env.Cloud.Frames(), bhyve.EventRainDelay, "device_id", "dev1")
	assert.Equal(t, 24.0, frame.Data["delay"])

	t.Log("AND: the cloud confirms it with the cause only available over REST")
	env.Cloud.UpdateDevice("dev1", func(d map[string]any) {
		status := d["status"].(map[string]any)
		status["rain_delay"] = 24
		status["rain_delay_cause"] = "Manual"
		status["rain_delay_started_at"] = "2024-06-03T09:00:00.000Z"
	})
	require.NoError(t, env.Cloud.Broadcast(map[string]any{
		"event":     bhyve.EventRainDelay,
		"device_id": "dev1",
		"delay":     24,
		"timestamp": "2024-06-03T09:00:00.000Z",
	}))

	t.Log("THEN: the delay is merged at once and the cause arrives with the refetch")
	require.True(t, env.WaitFor(waitTimeout, func(d *bhyve.Data) bool {
		return d.Device("dev1").Status.RainDelay == 24
	}))
	assert.True(t, env.WaitFor(waitTimeout, func(d *bhyve.Data) bool {
		return d.Device("dev1").Status.RainDelayCause == "Manual"
	}))
}

func TestScenario_ProgramUpdates(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()

	t.Log("WHEN: a program is disabled")
	require.NoError(t, env.Controller.SetProgramEnabled(ctx, "p1", false))

	t.Log("THEN: the full program is PUT with enabled=false")
	updates := env.Cloud.Updates()
	require.Len(t, updates, 1)
	assert.Equal(t, "/v1/sprinkler_timer_programs/p1", updates[0].Path)
	program := updates[0].Body["sprinkler_timer_program"].(map[string]any)
	assert.Equal(t, false, program["enabled"])
	assert.Equal(t, "a", program["program"])

	t.Log("WHEN: the cloud echoes the change as program_changed")
	require.NoError(t, env.Cloud.Broadcast(map[string]any{
		"event":     bhyve.EventProgramChanged,
		"device_id": "dev1",
		"program": map[string]any{
			"id": "p1", "device_id": "dev1", "name": "Morning", "program": "a", "enabled": false,
		},
	}))
	require.True(t, env.WaitFor(waitTimeout, func(d *bhyve.Data) bool {
		return !d.Program("p1").Enabled
	}))

	t.Log("AND: a program is started by letter")
	require.NoError(t, env.Controller.StartProgram(ctx, "p1"))
	require.Eventually(t, func() bool {
		return testutil.FindFrame(env.Cloud.Frames(), bhyve.EventChangeMode, "program", "a") != nil
	}, waitTimeout, pollInterval)
}

func TestScenario_FloodSensor(t *testing.T) {
	env := setupTest(t)

	require.NoError(t, env.Cloud.Broadcast(map[string]any{
		"event":              bhyve.EventFloodStatus,
		"device_id":          "flood1",
		"temp_f":             41.5,
		"flood_alarm_status": "alarm",
		"timestamp":          "2024-06-03T09:00:00.000Z",
	}))
	require.True(t, env.WaitFor(waitTimeout, func(d *bhyve.Data) bool {
		return d.Device("flood1").Status.FloodAlarmStatus == "alarm"
	}))

	status := env.Coordinator.Snapshot().Device("flood1").Status
	require.NotNil(t, status.TempF)
	assert.Equal(t, 41.5, *status.TempF)
	assert.Equal(t, "ok", status.TempAlarmStatus)

	for _, e := range entity.Build(env.Coordinator.Snapshot(), entity.Options{}) {
		if e.DeviceID == "flood1" && e.Kind == entity.KindFlood {
			assert.Equal(t, entity.StateOn, e.State)
		}
	}
}
