// Package telemetry writes watering activity and flood sensor readings to
// InfluxDB. Points are derived from coordinator updates and written by a
// single background worker so the coordinator never waits on the database.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bhyvebridge/internal/bhyve"
	"bhyvebridge/internal/clock"
	"bhyvebridge/internal/coordinator"
	"bhyvebridge/internal/entity"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"
)

const (
	measurementWatering = "watering"
	measurementFlood    = "flood_sensor"
	measurementBattery  = "battery"

	defaultQueueSize = 256
	pingTimeout      = 5 * time.Second
	writeTimeout     = 10 * time.Second
)

// ErrDisabled is returned by Connect when telemetry is not configured.
var ErrDisabled = errors.New("influxdb telemetry is disabled")

// PointWriter is satisfied by api.WriteAPIBlocking.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// Config selects the InfluxDB target.
type Config struct {
	Enabled bool
	URL     string
	Token   string
	Org     string
	Bucket  string
}

// Recorder turns coordinator updates into points.
type Recorder struct {
	writer  PointWriter
	logger  *zap.Logger
	clock   clock.Clock
	queue   chan []*write.Point
	closeFn func()
}

// NewRecorder creates a recorder around an existing writer. clk may be nil.
func NewRecorder(writer PointWriter, logger *zap.Logger, clk clock.Clock) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Recorder{
		writer:  writer,
		logger:  logger.Named("telemetry"),
		clock:   clk,
		queue:   make(chan []*write.Point, defaultQueueSize),
		closeFn: func() {},
	}
}

// Connect creates an InfluxDB client, checks it responds and returns a
// recorder writing to cfg.Bucket.
func Connect(ctx context.Context, cfg Config, logger *zap.Logger) (*Recorder, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influxdb ping failed: %w", err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("influxdb server not healthy")
	}

	r := NewRecorder(client.WriteAPIBlocking(cfg.Org, cfg.Bucket), logger, nil)
	r.closeFn = client.Close
	r.logger.Info("Connected to InfluxDB", zap.String("url", cfg.URL), zap.String("bucket", cfg.Bucket))
	return r, nil
}

// HandleUpdate queues the points for an update. It never blocks; points are
// dropped with a warning when the queue is full.
func (r *Recorder) HandleUpdate(u coordinator.Update) {
	points := r.Points(u)
	if len(points) == 0 {
		return
	}
	select {
	case r.queue <- points:
	default:
		r.logger.Warn("Telemetry queue full, dropping points",
			zap.String("event", u.Event),
			zap.Int("points", len(points)))
	}
}

// Run writes queued points until ctx is done, then closes the client.
func (r *Recorder) Run(ctx context.Context) error {
	defer r.closeFn()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case points := <-r.queue:
			r.write(ctx, points)
		}
	}
}

func (r *Recorder) write(ctx context.Context, points []*write.Point) {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := r.writer.WritePoint(writeCtx, points...); err != nil {
		r.logger.Warn("Failed to write telemetry", zap.Int("points", len(points)), zap.Error(err))
	}
}

// Points derives the points for one update. Polls record flood sensor and
// battery readings for every device; events record what they changed.
func (r *Recorder) Points(u coordinator.Update) []*write.Point {
	if u.Data == nil {
		return nil
	}
	now := r.clock.Now()

	if u.Reason == coordinator.ReasonPoll {
		var out []*write.Point
		for _, d := range u.Data.Devices {
			if p := floodPoint(d, now); p != nil {
				out = append(out, p)
			}
			if p := batteryPoint(d, now); p != nil {
				out = append(out, p)
			}
		}
		return out
	}

	if u.Reason != coordinator.ReasonEvent {
		return nil
	}
	device := u.Data.Device(u.DeviceID)
	if device == nil {
		return nil
	}

	switch u.Event {
	case bhyve.EventWateringInProgress:
		if p := wateringStartPoint(device, now); p != nil {
			return []*write.Point{p}
		}
	case bhyve.EventWateringComplete, bhyve.EventDeviceIdle:
		p := write.NewPoint(measurementWatering,
			map[string]string{"device_id": device.ID, "device_name": device.Name},
			map[string]interface{}{"event": "complete"},
			now)
		return []*write.Point{p}
	case bhyve.EventFloodStatus:
		if p := floodPoint(device, now); p != nil {
			return []*write.Point{p}
		}
	case bhyve.EventBatteryStatus:
		if p := batteryPoint(device, now); p != nil {
			return []*write.Point{p}
		}
	}
	return nil
}

func wateringStartPoint(device *bhyve.Device, now time.Time) *write.Point {
	if device.Status == nil || device.Status.WateringStatus == nil {
		return nil
	}
	ws := device.Status.WateringStatus
	tags := map[string]string{
		"device_id":   device.ID,
		"device_name": device.Name,
		"station":     ws.CurrentStation.String(),
	}
	if zone, ok := device.Zone(ws.CurrentStation); ok {
		tags["zone"] = entity.ZoneName(device, *zone)
	}
	if ws.Program != "" {
		tags["program"] = ws.Program
	}
	fields := map[string]interface{}{"event": "start"}
	if len(ws.Stations) > 0 {
		fields["run_time_minutes"] = ws.Stations[0].RunTime
	}
	return write.NewPoint(measurementWatering, tags, fields, now)
}

func floodPoint(device *bhyve.Device, now time.Time) *write.Point {
	if device.Type != bhyve.DeviceFlood || device.Status == nil || device.Status.TempF == nil {
		return nil
	}
	s := device.Status
	fields := map[string]interface{}{
		"temp_f": *s.TempF,
		"flood":  s.FloodAlarmStatus == "alarm",
	}
	if s.RSSI != nil {
		fields["rssi"] = *s.RSSI
	}
	return write.NewPoint(measurementFlood,
		map[string]string{"device_id": device.ID, "device_name": device.Name},
		fields, now)
}

func batteryPoint(device *bhyve.Device, now time.Time) *write.Point {
	level, ok := entity.ParseBatteryLevel(device.Battery)
	if !ok {
		return nil
	}
	return write.NewPoint(measurementBattery,
		map[string]string{"device_id": device.ID, "device_name": device.Name},
		map[string]interface{}{"percent": level},
		now)
}
