// Package coordinator keeps the account snapshot current. It polls the REST
// API on an interval and merges stream events in between, notifying
// subscribers after every change.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bhyvebridge/internal/bhyve"
	"bhyvebridge/internal/clock"

	"go.uber.org/zap"
)

const (
	DefaultInterval = 5 * time.Minute
	DefaultDebounce = time.Second
)

// Reason says why subscribers are being notified.
type Reason string

const (
	ReasonPoll    Reason = "poll"
	ReasonEvent   Reason = "event"
	ReasonRefetch Reason = "refetch"
)

// DataSource is the part of the REST client used by the coordinator.
type DataSource interface {
	GetData(ctx context.Context, force bool) (*bhyve.Data, error)
	Device(ctx context.Context, id string, force bool) (*bhyve.Device, error)
	DeviceHistory(ctx context.Context, deviceID string, force bool) ([]bhyve.WateringEvent, error)
}

// Metrics receives refresh and merge statistics.
type Metrics interface {
	ObserveRefresh(err error)
	ObserveEvent(event string, merged bool)
}

// Update is passed to subscribers. Data is a private copy.
type Update struct {
	Reason   Reason
	DeviceID string
	Event    string
	Data     *bhyve.Data
}

// UpdateHandler is called after every snapshot change.
type UpdateHandler func(Update)

// Subscription represents an active update subscription
type Subscription interface {
	Unsubscribe()
}

type subscription struct {
	subID       int
	coordinator *Coordinator
}

func (s *subscription) Unsubscribe() {
	s.coordinator.unsubscribe(s.subID)
}

type subscriberEntry struct {
	subID    int
	deviceID string
	handler  UpdateHandler
}

// Coordinator owns the snapshot.
type Coordinator struct {
	source   DataSource
	logger   *zap.Logger
	clock    clock.Clock
	metrics  Metrics
	interval time.Duration
	debounce time.Duration

	data       *bhyve.Data
	lastUpdate time.Time
	lastErr    error
	dataMu     sync.RWMutex

	// When an event last changed a device or program. A poll served from
	// an older API read does not overwrite these.
	deviceMerges  map[string]time.Time
	programMerges map[string]time.Time

	subscribers []subscriberEntry
	nextSubID   int
	subsMu      sync.RWMutex

	timers   map[string]clock.Timer
	baseCtx  context.Context
	timersMu sync.Mutex
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithInterval sets the poll interval.
func WithInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.interval = d }
}

// WithDebounce sets how long forced refetches wait for more events.
func WithDebounce(d time.Duration) Option {
	return func(c *Coordinator) { c.debounce = d }
}

// WithClock replaces the clock.
func WithClock(clk clock.Clock) Option {
	return func(c *Coordinator) { c.clock = clk }
}

// WithMetrics reports refresh and merge statistics to m.
func WithMetrics(m Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// New creates a coordinator. The snapshot is empty until the first Refresh.
func New(source DataSource, logger *zap.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		source:   source,
		logger:   logger.Named("coordinator"),
		clock:    clock.Real(),
		metrics:  nopMetrics{},
		interval: DefaultInterval,
		debounce: DefaultDebounce,
		timers:   make(map[string]clock.Timer),
		baseCtx:  context.Background(),

		deviceMerges:  make(map[string]time.Time),
		programMerges: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Refresh fetches a full snapshot and replaces the current one. On error the
// previous snapshot is kept.
func (c *Coordinator) Refresh(ctx context.Context, force bool) error {
	c.logger.Debug("Fetching API data", zap.Bool("force", force))

	data, err := c.source.GetData(ctx, force)
	c.metrics.ObserveRefresh(err)
	if err != nil {
		c.dataMu.Lock()
		c.lastErr = err
		c.dataMu.Unlock()
		c.logger.Error("Error fetching data from B-hyve", zap.Error(err))
		return fmt.Errorf("refreshing snapshot: %w", err)
	}

	c.dataMu.Lock()
	c.keepNewerMerges(data)
	c.data = data
	c.lastUpdate = c.clock.Now()
	c.lastErr = nil
	snapshot := data.Clone()
	c.dataMu.Unlock()

	c.notify(Update{Reason: ReasonPoll, Data: snapshot})
	return nil
}

// keepNewerMerges carries over devices and programs that an event changed
// after next was read from the API. It must be called with dataMu held.
func (c *Coordinator) keepNewerMerges(next *bhyve.Data) {
	devicesAt, known := readAt(next, next.DevicesFetchedAt)
	for id, at := range c.deviceMerges {
		if c.data == nil || !known || at.Before(devicesAt) {
			delete(c.deviceMerges, id)
			continue
		}
		current := c.data.Device(id)
		for i, d := range next.Devices {
			if d.ID == id && current != nil {
				next.Devices[i] = current
			}
		}
	}

	programsAt, known := readAt(next, next.ProgramsFetchedAt)
	for id, at := range c.programMerges {
		if c.data == nil || !known || at.Before(programsAt) {
			delete(c.programMerges, id)
			continue
		}
		if current := c.data.Program(id); current != nil {
			next.UpsertProgram(current)
		} else {
			next.RemoveProgram(id)
		}
	}
}

// readAt is when a list in next was read. Sources that report no time are
// treated as current.
func readAt(next *bhyve.Data, at time.Time) (time.Time, bool) {
	if !at.IsZero() {
		return at, true
	}
	return next.FetchedAt, !next.FetchedAt.IsZero()
}

// Run refreshes on the configured interval until ctx is done. Pending
// debounced refetches are cancelled on exit.
func (c *Coordinator) Run(ctx context.Context) error {
	c.timersMu.Lock()
	c.baseCtx = ctx
	c.timersMu.Unlock()
	defer c.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(c.interval):
		}
		_ = c.Refresh(ctx, false)
	}
}

// Stop cancels pending refetches.
func (c *Coordinator) Stop() {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()

	for key, t := range c.timers {
		t.Stop()
		delete(c.timers, key)
	}
}

// Snapshot returns a deep copy of the current snapshot, or nil before the
// first successful refresh.
func (c *Coordinator) Snapshot() *bhyve.Data {
	c.dataMu.RLock()
	defer c.dataMu.RUnlock()
	return c.data.Clone()
}

// LastUpdate returns when the last successful refresh finished.
func (c *Coordinator) LastUpdate() time.Time {
	c.dataMu.RLock()
	defer c.dataMu.RUnlock()
	return c.lastUpdate
}

// LastError returns the error of the last refresh, nil if it succeeded.
func (c *Coordinator) LastError() error {
	c.dataMu.RLock()
	defer c.dataMu.RUnlock()
	return c.lastErr
}

// Subscribe registers handler for every update.
func (c *Coordinator) Subscribe(handler UpdateHandler) Subscription {
	return c.subscribe("", handler)
}

// SubscribeDevice registers handler for polls and for updates of one device.
func (c *Coordinator) SubscribeDevice(deviceID string, handler UpdateHandler) Subscription {
	return c.subscribe(deviceID, handler)
}

func (c *Coordinator) subscribe(deviceID string, handler UpdateHandler) Subscription {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	subID := c.nextSubID
	c.nextSubID++
	c.subscribers = append(c.subscribers, subscriberEntry{subID: subID, deviceID: deviceID, handler: handler})
	return &subscription{subID: subID, coordinator: c}
}

func (c *Coordinator) unsubscribe(subID int) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	for i, entry := range c.subscribers {
		if entry.subID == subID {
			c.subscribers = append(c.subscribers[:i], c.subscribers[i+1:]...)
			return
		}
	}
}

func (c *Coordinator) notify(u Update) {
	c.subsMu.RLock()
	entries := append([]subscriberEntry(nil), c.subscribers...)
	c.subsMu.RUnlock()

	for _, entry := range entries {
		if entry.deviceID != "" && u.DeviceID != "" && entry.deviceID != u.DeviceID {
			continue
		}
		entry.handler(u)
	}
}

// schedule runs f after the debounce period. A second call with the same key
// before then restarts the wait.
func (c *Coordinator) schedule(key string, f func(ctx context.Context)) {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()

	if t, ok := c.timers[key]; ok {
		t.Stop()
	}

	var t clock.Timer
	t = c.clock.AfterFunc(c.debounce, func() {
		c.timersMu.Lock()
		if c.timers[key] != t {
			c.timersMu.Unlock()
			return
		}
		delete(c.timers, key)
		ctx := c.baseCtx
		c.timersMu.Unlock()

		if ctx.Err() != nil {
			return
		}
		f(ctx)
	})
	c.timers[key] = t
}

// refetchDevice reloads one device from the REST API, bypassing the throttle.
func (c *Coordinator) refetchDevice(deviceID string) {
	c.schedule("device:"+deviceID, func(ctx context.Context) {
		started := c.clock.Now()
		device, err := c.source.Device(ctx, deviceID, true)
		if err != nil {
			c.logger.Warn("Failed to refetch device", zap.String("device_id", deviceID), zap.Error(err))
			return
		}

		c.dataMu.Lock()
		if c.data == nil {
			c.dataMu.Unlock()
			return
		}
		if at, ok := c.deviceMerges[deviceID]; ok && !at.Before(started) {
			c.dataMu.Unlock()
			c.logger.Debug("Keeping device merged during refetch", zap.String("device_id", deviceID))
			return
		}
		delete(c.deviceMerges, deviceID)
		replaced := false
		for i, d := range c.data.Devices {
			if d.ID == deviceID {
				c.data.Devices[i] = device
				replaced = true
				break
			}
		}
		if !replaced {
			c.data.Devices = append(c.data.Devices, device)
		}
		snapshot := c.data.Clone()
		c.dataMu.Unlock()

		c.notify(Update{Reason: ReasonRefetch, DeviceID: deviceID, Data: snapshot})
	})
}

// refetchHistory reloads the watering history of one device.
func (c *Coordinator) refetchHistory(deviceID string) {
	c.schedule("history:"+deviceID, func(ctx context.Context) {
		history, err := c.source.DeviceHistory(ctx, deviceID, true)
		if err != nil {
			c.logger.Warn("Failed to refetch watering history", zap.String("device_id", deviceID), zap.Error(err))
			return
		}

		c.dataMu.Lock()
		if c.data == nil {
			c.dataMu.Unlock()
			return
		}
		c.data.Histories[deviceID] = history
		snapshot := c.data.Clone()
		c.dataMu.Unlock()

		c.notify(Update{Reason: ReasonRefetch, DeviceID: deviceID, Data: snapshot})
	})
}

type nopMetrics struct{}

func (nopMetrics) ObserveRefresh(error)       {}
func (nopMetrics) ObserveEvent(string, bool) {}
