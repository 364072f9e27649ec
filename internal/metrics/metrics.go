// Package metrics exposes bridge health and device readings as Prometheus
// metrics. Collector satisfies the metrics hooks of the stream and
// coordinator packages.
package metrics

import (
	"net/http"
	"strconv"

	"bhyvebridge/internal/bhyve"
	"bhyvebridge/internal/clock"
	"bhyvebridge/internal/entity"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bhyve"

// Collector owns a private registry so tests and multiple bridges do not
// collide on the default one.
type Collector struct {
	registry *prometheus.Registry
	clock    clock.Clock

	frames           *prometheus.CounterVec
	reconnects       prometheus.Counter
	connected        prometheus.Gauge
	refreshes        prometheus.Counter
	refreshFailures  prometheus.Counter
	lastRefresh      prometheus.Gauge
	events           *prometheus.CounterVec
	entities         *prometheus.GaugeVec
	deviceConnected  *prometheus.GaugeVec
	floodTemperature *prometheus.GaugeVec
	batteryLevel     *prometheus.GaugeVec
	zoneWatering     *prometheus.GaugeVec
}

// New creates a collector. clk may be nil.
func New(clk clock.Clock) *Collector {
	if clk == nil {
		clk = clock.Real()
	}
	c := &Collector{
		registry: prometheus.NewRegistry(),
		clock:    clk,
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_frames_total",
			Help:      "Event stream frames received, by event name",
		}, []string{"event"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_reconnects_total",
			Help:      "Event stream reconnect attempts",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_connected",
			Help:      "1 while the event stream is connected",
		}),
		refreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_total",
			Help:      "Full snapshot refreshes attempted",
		}),
		refreshFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_failures_total",
			Help:      "Full snapshot refreshes that failed",
		}),
		lastRefresh: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_refresh_timestamp_seconds",
			Help:      "Unix timestamp of the last successful refresh",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events handled by the coordinator, by name and whether they changed the snapshot",
		}, []string{"event", "merged"}),
		entities: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "entities",
			Help:      "Entities currently exposed, by platform",
		}, []string{"platform"}),
		deviceConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_connected",
			Help:      "1 when the device reports a cloud connection",
		}, []string{"device_id", "name", "type"}),
		floodTemperature: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "flood_sensor_temperature_fahrenheit",
			Help:      "Flood sensor temperature in Fahrenheit",
		}, []string{"device_id", "name"}),
		batteryLevel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "battery_percent",
			Help:      "Device battery level",
		}, []string{"device_id", "name"}),
		zoneWatering: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "zone_watering",
			Help:      "1 while the zone is watering",
		}, []string{"device_id", "station"}),
	}

	c.registry.MustRegister(
		c.frames, c.reconnects, c.connected,
		c.refreshes, c.refreshFailures, c.lastRefresh, c.events,
		c.entities, c.deviceConnected, c.floodTemperature, c.batteryLevel, c.zoneWatering,
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// FrameReceived counts one inbound stream frame.
func (c *Collector) FrameReceived(event string) {
	if event == "" {
		event = "unknown"
	}
	c.frames.WithLabelValues(event).Inc()
}

// Reconnecting counts one reconnect attempt.
func (c *Collector) Reconnecting() {
	c.reconnects.Inc()
}

// SetConnected records the stream connection state.
func (c *Collector) SetConnected(connected bool) {
	c.connected.Set(boolValue(connected))
}

// ObserveRefresh records the outcome of a full refresh.
func (c *Collector) ObserveRefresh(err error) {
	c.refreshes.Inc()
	if err != nil {
		c.refreshFailures.Inc()
		return
	}
	c.lastRefresh.Set(float64(c.clock.Now().Unix()))
}

// ObserveEvent records one coordinator event.
func (c *Collector) ObserveEvent(event string, merged bool) {
	c.events.WithLabelValues(event, strconv.FormatBool(merged)).Inc()
}

// ObserveEntities records the entity count per platform.
func (c *Collector) ObserveEntities(entities []entity.Entity) {
	c.entities.Reset()
	for _, e := range entities {
		c.entities.WithLabelValues(string(e.Platform)).Inc()
	}
}

// ObserveSnapshot refreshes the per-device gauges. Devices that left the
// account disappear from the output.
func (c *Collector) ObserveSnapshot(data *bhyve.Data) {
	if data == nil {
		return
	}
	c.deviceConnected.Reset()
	c.floodTemperature.Reset()
	c.batteryLevel.Reset()
	c.zoneWatering.Reset()

	for _, d := range data.Devices {
		c.deviceConnected.WithLabelValues(d.ID, d.Name, d.Type).Set(boolValue(d.IsConnected))

		if level, ok := entity.ParseBatteryLevel(d.Battery); ok {
			c.batteryLevel.WithLabelValues(d.ID, d.Name).Set(level)
		}
		if d.Status == nil {
			continue
		}
		if d.Type == bhyve.DeviceFlood && d.Status.TempF != nil {
			c.floodTemperature.WithLabelValues(d.ID, d.Name).Set(*d.Status.TempF)
		}
		if d.Type == bhyve.DeviceSprinkler {
			watering := d.Status.WateringStatus
			for _, z := range d.Zones {
				active := watering != nil && watering.CurrentStation == z.Station
				c.zoneWatering.WithLabelValues(d.ID, z.Station.String()).Set(boolValue(active))
			}
		}
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
