package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bhyvebridge/internal/bhyve"
	"bhyvebridge/internal/clock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSource struct {
	mu            sync.Mutex
	data          *bhyve.Data
	err           error
	device        *bhyve.Device
	history       []bhyve.WateringEvent
	getDataCalls  int
	deviceCalls   int
	historyCalls  int
	lastForceFlag bool
}

func (f *fakeSource) GetData(ctx context.Context, force bool) (*bhyve.Data, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getDataCalls++
	f.lastForceFlag = force
	if f.err != nil {
		return nil, f.err
	}
	return f.data.Clone(), nil
}

func (f *fakeSource) Device(ctx context.Context, id string, force bool) (*bhyve.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deviceCalls++
	if f.device == nil {
		return nil, bhyve.ErrNotFound
	}
	return f.device.Clone(), nil
}

func (f *fakeSource) DeviceHistory(ctx context.Context, deviceID string, force bool) ([]bhyve.WateringEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyCalls++
	return f.history, nil
}

func (f *fakeSource) calls() (int, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getDataCalls, f.deviceCalls, f.historyCalls
}

func testData() *bhyve.Data {
	data := bhyve.NewData()
	data.Devices = []*bhyve.Device{
		{
			ID: "dev1", Name: "Front yard", Type: bhyve.DeviceSprinkler, IsConnected: true,
			ManualPresetRuntimeSec: 300,
			Status: &bhyve.DeviceStatus{RunMode: "auto"},
			Zones:  []bhyve.Zone{{Station: 1, Name: "Lawn"}, {Station: 2, Name: "Beds"}},
		},
		{
			ID: "flood1", Name: "Basement", Type: bhyve.DeviceFlood, IsConnected: true,
			Status: &bhyve.DeviceStatus{FloodAlarmStatus: "ok", TempAlarmStatus: "ok"},
		},
	}
	data.Programs = []*bhyve.Program{{ID: "p1", DeviceID: "dev1", Program: "a", Enabled: true}}
	return data
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeSource, *clock.Mock) {
	t.Helper()
	source := &fakeSource{data: testData()}
	mock := clock.NewMock(time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC))
	c := New(source, zap.NewNop(), WithClock(mock))
	require.NoError(t, c.Refresh(context.Background(), true))
	return c, source, mock
}

func emit(t *testing.T, c *Coordinator, raw string) {
	t.Helper()
	ev, err := bhyve.ParseEvent([]byte(raw))
	require.NoError(t, err)
	c.HandleEvent(ev)
}

func TestCoordinator_Refresh(t *testing.T) {
	t.Run("replaces snapshot and notifies", func(t *testing.T) {
		source := &fakeSource{data: testData()}
		mock := clock.NewMock(time.Unix(1000, 0))
		c := New(source, zap.NewNop(), WithClock(mock))

		assert.Nil(t, c.Snapshot())

		var updates []Update
		c.Subscribe(func(u Update) { updates = append(updates, u) })

		require.NoError(t, c.Refresh(context.Background(), true))
		require.Len(t, updates, 1)
		assert.Equal(t, ReasonPoll, updates[0].Reason)
		assert.Len(t, updates[0].Data.Devices, 2)
		assert.Equal(t, time.Unix(1000, 0), c.LastUpdate())
		assert.NoError(t, c.LastError())
		assert.True(t, source.lastForceFlag)
	})

	t.Run("error keeps previous snapshot", func(t *testing.T) {
		c, source, _ := newTestCoordinator(t)
		source.err = bhyve.ErrRequest

		err := c.Refresh(context.Background(), false)
		assert.ErrorIs(t, err, bhyve.ErrRequest)
		assert.ErrorIs(t, c.LastError(), bhyve.ErrRequest)
		require.NotNil(t, c.Snapshot())
		assert.Len(t, c.Snapshot().Devices, 2)

		source.err = nil
		require.NoError(t, c.Refresh(context.Background(), false))
		assert.NoError(t, c.LastError())
	})

	t.Run("snapshot is a copy", func(t *testing.T) {
		c, _, _ := newTestCoordinator(t)
		snap := c.Snapshot()
		snap.Devices[0].Status.RunMode = "off"
		assert.Equal(t, "auto", c.Snapshot().Devices[0].Status.RunMode)
	})
}

func TestCoordinator_Run(t *testing.T) {
	source := &fakeSource{data: testData()}
	mock := clock.NewMock(time.Unix(0, 0))
	c := New(source, zap.NewNop(), WithClock(mock), WithInterval(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.True(t, mock.BlockUntil(1, 2*time.Second))
	mock.Advance(time.Minute)
	require.Eventually(t, func() bool {
		calls, _, _ := source.calls()
		return calls == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.True(t, mock.BlockUntil(1, 2*time.Second))
	mock.Advance(time.Minute)
	require.Eventually(t, func() bool {
		calls, _, _ := source.calls()
		return calls == 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestCoordinator_WateringEvents(t *testing.T) {
	c, source, mock := newTestCoordinator(t)

	var updates []Update
	c.SubscribeDevice("dev1", func(u Update) { updates = append(updates, u) })

	emit(t, c, `{"event":"watering_in_progress_notification","device_id":"dev1","program":"e",
		"current_station":2,"run_time":14,"started_watering_station_at":"2024-06-01T08:00:00.000Z"}`)

	ws := c.Snapshot().Device("dev1").Status.WateringStatus
	require.NotNil(t, ws)
	assert.Equal(t, bhyve.Station(2), ws.CurrentStation)
	assert.Equal(t, "e", ws.Program)
	assert.Equal(t, "2024-06-01T08:00:00.000Z", ws.StartedWateringStationAt)
	require.Len(t, ws.Stations, 1)
	assert.Equal(t, 14.0, ws.Stations[0].RunTime)

	require.Len(t, updates, 1)
	assert.Equal(t, ReasonEvent, updates[0].Reason)
	assert.Equal(t, "dev1", updates[0].DeviceID)

	emit(t, c, `{"event":"watering_complete","device_id":"dev1"}`)
	assert.Nil(t, c.Snapshot().Device("dev1").Status.WateringStatus)

	// Second idle event inside the debounce window restarts the wait.
	mock.Advance(500 * time.Millisecond)
	emit(t, c, `{"event":"device_idle","device_id":"dev1"}`)
	mock.Advance(500 * time.Millisecond)
	_, _, historyCalls := source.calls()
	assert.Equal(t, 0, historyCalls)

	source.history = []bhyve.WateringEvent{{Irrigation: []bhyve.Irrigation{{Station: 2, Status: "complete"}}}}
	mock.Advance(500 * time.Millisecond)
	_, _, historyCalls = source.calls()
	assert.Equal(t, 1, historyCalls)
	assert.Len(t, c.Snapshot().History("dev1"), 1)
	assert.Equal(t, ReasonRefetch, updates[len(updates)-1].Reason)
}

func TestCoordinator_ChangeMode(t *testing.T) {
	c, _, _ := newTestCoordinator(t)

	emit(t, c, `{"event":"watering_in_progress_notification","device_id":"dev1","current_station":1}`)
	emit(t, c, `{"event":"change_mode","device_id":"dev1","mode":"manual"}`)
	dev := c.Snapshot().Device("dev1")
	assert.Equal(t, "manual", dev.Status.RunMode)
	assert.NotNil(t, dev.Status.WateringStatus, "manual mode keeps watering status")

	emit(t, c, `{"event":"change_mode","device_id":"dev1","mode":"off"}`)
	dev = c.Snapshot().Device("dev1")
	assert.Equal(t, "off", dev.Status.RunMode)
	assert.Nil(t, dev.Status.WateringStatus)
}

func TestCoordinator_RainDelay(t *testing.T) {
	c, source, mock := newTestCoordinator(t)

	emit(t, c, `{"event":"rain_delay","device_id":"dev1","delay":24,"timestamp":"2024-06-01T08:00:00.000Z"}`)
	status := c.Snapshot().Device("dev1").Status
	assert.Equal(t, 24, status.RainDelay)
	assert.Equal(t, "2024-06-01T08:00:00.000Z", status.RainDelayStartedAt)

	refreshed := testData().Devices[0]
	refreshed.Status.RainDelay = 24
	refreshed.Status.RainDelayCause = "auto"
	refreshed.Status.RainDelayWeatherType = "rain"
	refreshed.Status.RainDelayStartedAt = "2024-06-01T08:00:00.000Z"
	source.device = refreshed

	mock.Advance(DefaultDebounce)
	_, deviceCalls, _ := source.calls()
	assert.Equal(t, 1, deviceCalls)
	status = c.Snapshot().Device("dev1").Status
	assert.Equal(t, "auto", status.RainDelayCause)
	assert.Equal(t, "rain", status.RainDelayWeatherType)

	source.device = nil
	emit(t, c, `{"event":"rain_delay","device_id":"dev1","delay":0}`)
	status = c.Snapshot().Device("dev1").Status
	assert.Equal(t, 0, status.RainDelay)
	assert.Empty(t, status.RainDelayCause)
	assert.Empty(t, status.RainDelayWeatherType)
	assert.Empty(t, status.RainDelayStartedAt)

	// A failed refetch leaves the merged state in place.
	mock.Advance(DefaultDebounce)
	assert.Equal(t, 0, c.Snapshot().Device("dev1").Status.RainDelay)
}

func TestCoordinator_ProgramChanged(t *testing.T) {
	c, _, _ := newTestCoordinator(t)

	emit(t, c, `{"event":"program_changed","lifecycle_phase":"update",
		"program":{"id":"p1","device_id":"dev1","program":"a","enabled":false}}`)
	require.NotNil(t, c.Snapshot().Program("p1"))
	assert.False(t, c.Snapshot().Program("p1").Enabled)

	emit(t, c, `{"event":"program_changed","lifecycle_phase":"create",
		"program":{"id":"p2","device_id":"dev1","program":"b","enabled":true}}`)
	assert.Len(t, c.Snapshot().ProgramsFor("dev1"), 2)

	emit(t, c, `{"event":"program_changed","lifecycle_phase":"destroy",
		"program":{"id":"p1","device_id":"dev1"}}`)
	assert.Nil(t, c.Snapshot().Program("p1"))
	assert.Len(t, c.Snapshot().Programs, 1)
}

func TestCoordinator_DeviceFields(t *testing.T) {
	c, _, _ := newTestCoordinator(t)

	emit(t, c, `{"event":"set_manual_preset_runtime","device_id":"dev1","seconds":480}`)
	assert.Equal(t, 480, c.Snapshot().Device("dev1").ManualPresetRuntimeSec)

	emit(t, c, `{"event":"fs_status_update","device_id":"flood1","temp_f":38.5,"rssi":-60,
		"flood_alarm_status":"alarm","temp_alarm_status":"low_temp_alarm"}`)
	flood := c.Snapshot().Device("flood1")
	require.NotNil(t, flood.Status.TempF)
	assert.Equal(t, 38.5, *flood.Status.TempF)
	assert.Equal(t, -60, *flood.Status.RSSI)
	assert.Equal(t, "alarm", flood.Status.FloodAlarmStatus)
	assert.Equal(t, "low_temp_alarm", flood.Status.TempAlarmStatus)

	emit(t, c, `{"event":"battery_status","device_id":"flood1","percent":55,"charging":false}`)
	flood = c.Snapshot().Device("flood1")
	require.NotNil(t, flood.Battery)
	assert.Equal(t, 55.0, *flood.Battery.Percent)

	emit(t, c, `{"event":"device_disconnected","device_id":"dev1"}`)
	assert.False(t, c.Snapshot().Device("dev1").IsConnected)
	emit(t, c, `{"event":"device_connected","device_id":"dev1"}`)
	assert.True(t, c.Snapshot().Device("dev1").IsConnected)
}

func TestCoordinator_IgnoredEvents(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	before := c.Snapshot()

	var updates int
	c.Subscribe(func(Update) { updates++ })

	emit(t, c, `{"event":"mystery","device_id":"dev1"}`)
	emit(t, c, `{"event":"change_mode","device_id":"unknown","mode":"off"}`)
	emit(t, c, `{"event":"rain_delay","device_id":"dev1"}`)

	assert.Equal(t, 0, updates)
	assert.Equal(t, before, c.Snapshot())
}

func TestCoordinator_EventBeforeFirstRefresh(t *testing.T) {
	c := New(&fakeSource{data: testData()}, zap.NewNop())
	var updates int
	c.Subscribe(func(Update) { updates++ })

	emit(t, c, `{"event":"device_connected","device_id":"dev1"}`)
	assert.Equal(t, 0, updates)
	assert.Nil(t, c.Snapshot())
}

func TestCoordinator_DeviceSubscription(t *testing.T) {
	c, _, _ := newTestCoordinator(t)

	var dev1, flood, all int
	c.SubscribeDevice("dev1", func(Update) { dev1++ })
	sub := c.SubscribeDevice("flood1", func(Update) { flood++ })
	c.Subscribe(func(Update) { all++ })

	emit(t, c, `{"event":"device_connected","device_id":"dev1"}`)
	emit(t, c, `{"event":"device_connected","device_id":"flood1"}`)
	require.NoError(t, c.Refresh(context.Background(), false))

	assert.Equal(t, 2, dev1)
	assert.Equal(t, 2, flood)
	assert.Equal(t, 3, all)

	sub.Unsubscribe()
	emit(t, c, `{"event":"device_connected","device_id":"flood1"}`)
	assert.Equal(t, 2, flood)
	assert.Equal(t, 4, all)
}

func TestCoordinator_StopCancelsRefetch(t *testing.T) {
	c, source, mock := newTestCoordinator(t)

	emit(t, c, `{"event":"device_idle","device_id":"dev1"}`)
	assert.Equal(t, 1, mock.Pending())
	c.Stop()
	assert.Equal(t, 0, mock.Pending())

	mock.Advance(time.Minute)
	_, _, historyCalls := source.calls()
	assert.Equal(t, 0, historyCalls)
}
