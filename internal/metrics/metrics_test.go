package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"bhyvebridge/internal/bhyve"
	"bhyvebridge/internal/clock"
	"bhyvebridge/internal/coordinator"
	"bhyvebridge/internal/entity"
	"bhyvebridge/internal/stream"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ stream.Metrics      = (*Collector)(nil)
	_ coordinator.Metrics = (*Collector)(nil)
)

func TestCollector_StreamAndRefresh(t *testing.T) {
	mock := clock.NewMock(time.Unix(1700000000, 0))
	c := New(mock)

	c.FrameReceived(bhyve.EventWateringComplete)
	c.FrameReceived(bhyve.EventWateringComplete)
	c.FrameReceived("")
	c.Reconnecting()
	c.SetConnected(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.frames.WithLabelValues(bhyve.EventWateringComplete)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.frames.WithLabelValues("unknown")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.reconnects))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.connected))

	c.ObserveRefresh(nil)
	c.ObserveRefresh(errors.New("boom"))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.refreshes))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.refreshFailures))
	assert.Equal(t, 1700000000.0, testutil.ToFloat64(c.lastRefresh))

	c.ObserveEvent(bhyve.EventRainDelay, true)
	c.ObserveEvent(bhyve.EventRainDelay, false)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.events.WithLabelValues(bhyve.EventRainDelay, "true")))
}

func TestCollector_Snapshot(t *testing.T) {
	c := New(nil)
	temp := 58.0
	mv := 1500.0

	data := bhyve.NewData()
	data.Devices = []*bhyve.Device{
		{
			ID: "dev1", Name: "Front", Type: bhyve.DeviceSprinkler, IsConnected: true,
			Status: &bhyve.DeviceStatus{WateringStatus: &bhyve.WateringStatus{CurrentStation: 2}},
			Zones:  []bhyve.Zone{{Station: 1}, {Station: 2}},
		},
		{
			ID: "flood1", Name: "Basement", Type: bhyve.DeviceFlood,
			Battery: &bhyve.Battery{MV: &mv},
			Status:  &bhyve.DeviceStatus{TempF: &temp},
		},
	}
	c.ObserveSnapshot(data)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.deviceConnected.WithLabelValues("dev1", "Front", bhyve.DeviceSprinkler)))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.zoneWatering.WithLabelValues("dev1", "1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.zoneWatering.WithLabelValues("dev1", "2")))
	assert.Equal(t, 58.0, testutil.ToFloat64(c.floodTemperature.WithLabelValues("flood1", "Basement")))
	assert.Equal(t, 50.0, testutil.ToFloat64(c.batteryLevel.WithLabelValues("flood1", "Basement")))

	data.Devices = data.Devices[:1]
	c.ObserveSnapshot(data)
	assert.Equal(t, 0, testutil.CollectAndCount(c.floodTemperature))
}

func TestCollector_EntitiesAndHandler(t *testing.T) {
	c := New(nil)
	c.ObserveEntities([]entity.Entity{
		{Platform: entity.PlatformSensor},
		{Platform: entity.PlatformSensor},
		{Platform: entity.PlatformValve},
	})
	assert.Equal(t, 2.0, testutil.ToFloat64(c.entities.WithLabelValues("sensor")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.entities.WithLabelValues("valve")))

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "bhyve_entities{platform=\"sensor\"} 2")
}
