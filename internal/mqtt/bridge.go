package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"bhyvebridge/internal/bhyve"
	"bhyvebridge/internal/clock"
	"bhyvebridge/internal/coordinator"
	"bhyvebridge/internal/entity"

	"go.uber.org/zap"
)

const (
	payloadOnline  = "online"
	payloadOffline = "offline"
	nodeID         = "bhyve"
	manufacturer   = "Orbit B-hyve"
)

// Broker is the part of Client used by the bridge.
type Broker interface {
	Publish(topic string, payload []byte, retained bool) error
	Subscribe(topic string, handler MessageHandler) error
	Unsubscribe(topic string) error
}

// Commander executes host commands against an entity.
type Commander interface {
	Apply(ctx context.Context, e entity.Entity, payload string) error
}

// EntityObserver is notified with the entity list after each update.
type EntityObserver interface {
	ObserveEntities(entities []entity.Entity)
}

// BridgeConfig controls topic layout and entity building.
type BridgeConfig struct {
	DiscoveryPrefix string
	BaseTopic       string
	ReadOnly        bool
	Build           entity.Options
}

type published struct {
	entity     entity.Entity
	attributes string
}

// Bridge publishes entities over MQTT discovery and routes commands back to
// the controller.
type Bridge struct {
	broker    Broker
	commander Commander
	source    entity.SnapshotSource
	observer  EntityObserver
	logger    *zap.Logger
	clock     clock.Clock
	cfg       BridgeConfig

	mu    sync.Mutex
	known map[string]*published
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithObserver reports entity counts after each update.
func WithObserver(o EntityObserver) BridgeOption {
	return func(b *Bridge) { b.observer = o }
}

// WithClock sets the clock used as the reference time for entities.
func WithClock(clk clock.Clock) BridgeOption {
	return func(b *Bridge) { b.clock = clk }
}

// NewBridge creates a bridge. source is used to republish everything after a
// broker reconnect.
func NewBridge(broker Broker, commander Commander, source entity.SnapshotSource, cfg BridgeConfig, logger *zap.Logger, opts ...BridgeOption) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DiscoveryPrefix == "" {
		cfg.DiscoveryPrefix = "homeassistant"
	}
	if cfg.BaseTopic == "" {
		cfg.BaseTopic = nodeID
	}
	b := &Bridge{
		broker:    broker,
		commander: commander,
		source:    source,
		logger:    logger.Named("bridge"),
		clock:     clock.Real(),
		cfg:       cfg,
		known:     make(map[string]*published),
	}
	for _, opt := range opts {
		opt(b)
	}
	if cfg.Build.Logger == nil {
		b.cfg.Build.Logger = b.logger
	}
	return b
}

// StatusTopic carries the bridge-wide availability.
func (b *Bridge) StatusTopic() string {
	return b.cfg.BaseTopic + "/status"
}

// Start marks the bridge online and publishes the current snapshot.
func (b *Bridge) Start() error {
	if err := b.broker.Publish(b.StatusTopic(), []byte(payloadOnline), true); err != nil {
		return fmt.Errorf("publishing bridge status: %w", err)
	}
	b.Resync()
	return nil
}

// Stop marks the bridge offline.
func (b *Bridge) Stop() error {
	return b.broker.Publish(b.StatusTopic(), []byte(payloadOffline), true)
}

// Resync forgets what was published and republishes the current snapshot.
// Call it after the broker connection is re-established.
func (b *Bridge) Resync() {
	b.mu.Lock()
	for objectID, p := range b.known {
		if p.entity.Commandable() {
			_ = b.broker.Unsubscribe(b.commandTopic(objectID))
		}
	}
	b.known = make(map[string]*published)
	b.mu.Unlock()

	if b.source == nil {
		return
	}
	if data := b.source.Snapshot(); data != nil {
		b.publish(data)
	}
}

// HandleUpdate is a coordinator update handler.
func (b *Bridge) HandleUpdate(u coordinator.Update) {
	b.publish(u.Data)
}

func (b *Bridge) publish(data *bhyve.Data) {
	if data == nil {
		return
	}
	opts := b.cfg.Build
	opts.Now = b.clock.Now()
	entities := entity.Build(data, opts)

	b.mu.Lock()
	defer b.mu.Unlock()

	seen := make(map[string]bool, len(entities))
	for _, e := range entities {
		objectID := ObjectID(e.UniqueID)
		seen[objectID] = true
		b.publishEntity(objectID, e)
	}

	for objectID, p := range b.known {
		if seen[objectID] {
			continue
		}
		b.removeEntity(objectID, p.entity)
	}

	if b.observer != nil {
		b.observer.ObserveEntities(entities)
	}
}

func (b *Bridge) publishEntity(objectID string, e entity.Entity) {
	prev, exists := b.known[objectID]
	if !exists {
		if err := b.publishJSON(b.discoveryTopic(e.Platform, objectID), b.discoveryPayload(objectID, e)); err != nil {
			b.logger.Warn("Failed to publish discovery config", zap.String("entity", e.UniqueID), zap.Error(err))
			return
		}
		if e.Commandable() && !b.cfg.ReadOnly {
			if err := b.broker.Subscribe(b.commandTopic(objectID), b.commandHandler(objectID)); err != nil {
				b.logger.Warn("Failed to subscribe to command topic", zap.String("entity", e.UniqueID), zap.Error(err))
			}
		}
		prev = &published{}
		b.known[objectID] = prev
	}

	attrs, err := json.Marshal(e.Attributes)
	if err != nil {
		b.logger.Warn("Failed to encode attributes", zap.String("entity", e.UniqueID), zap.Error(err))
		attrs = []byte("{}")
	}

	if !exists || prev.entity.State != e.State {
		if err := b.broker.Publish(b.stateTopic(objectID), []byte(e.State), true); err != nil {
			b.logger.Warn("Failed to publish state", zap.String("entity", e.UniqueID), zap.Error(err))
		}
	}
	if !exists || prev.attributes != string(attrs) {
		if err := b.broker.Publish(b.attributesTopic(objectID), attrs, true); err != nil {
			b.logger.Warn("Failed to publish attributes", zap.String("entity", e.UniqueID), zap.Error(err))
		}
	}
	if !exists || prev.entity.Available != e.Available {
		if err := b.broker.Publish(b.availabilityTopic(objectID), []byte(availability(e.Available)), true); err != nil {
			b.logger.Warn("Failed to publish availability", zap.String("entity", e.UniqueID), zap.Error(err))
		}
	}

	prev.entity = e
	prev.attributes = string(attrs)
}

func (b *Bridge) removeEntity(objectID string, e entity.Entity) {
	b.logger.Info("Removing entity", zap.String("entity", e.UniqueID))
	if err := b.broker.Publish(b.discoveryTopic(e.Platform, objectID), nil, true); err != nil {
		b.logger.Warn("Failed to remove discovery config", zap.String("entity", e.UniqueID), zap.Error(err))
	}
	if e.Commandable() && !b.cfg.ReadOnly {
		_ = b.broker.Unsubscribe(b.commandTopic(objectID))
	}
	delete(b.known, objectID)
}

func (b *Bridge) commandHandler(objectID string) MessageHandler {
	return func(topic string, payload []byte) error {
		b.mu.Lock()
		p, ok := b.known[objectID]
		var e entity.Entity
		if ok {
			e = p.entity
		}
		b.mu.Unlock()

		if !ok {
			return fmt.Errorf("command for unknown entity %s", objectID)
		}

		b.logger.Info("Command received",
			zap.String("entity", e.UniqueID),
			zap.String("payload", string(payload)))

		ctx, cancel := context.WithTimeout(context.Background(), entity.CommandTimeout)
		defer cancel()
		if err := b.commander.Apply(ctx, e, string(payload)); err != nil {
			return fmt.Errorf("applying command to %s: %w", e.UniqueID, err)
		}
		return nil
	}
}

func (b *Bridge) publishJSON(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.broker.Publish(topic, payload, true)
}

func (b *Bridge) discoveryTopic(platform entity.Platform, objectID string) string {
	return fmt.Sprintf("%s/%s/%s/%s/config", b.cfg.DiscoveryPrefix, platform, nodeID, objectID)
}

func (b *Bridge) stateTopic(objectID string) string {
	return b.cfg.BaseTopic + "/" + objectID + "/state"
}

func (b *Bridge) attributesTopic(objectID string) string {
	return b.cfg.BaseTopic + "/" + objectID + "/attributes"
}

func (b *Bridge) availabilityTopic(objectID string) string {
	return b.cfg.BaseTopic + "/" + objectID + "/availability"
}

func (b *Bridge) commandTopic(objectID string) string {
	return b.cfg.BaseTopic + "/" + objectID + "/set"
}

func availability(available bool) string {
	if available {
		return payloadOnline
	}
	return payloadOffline
}

var objectIDInvalid = regexp.MustCompile(`[^a-z0-9_]+`)

// ObjectID turns a unique id into a topic-safe identifier.
func ObjectID(uniqueID string) string {
	id := objectIDInvalid.ReplaceAllString(strings.ToLower(uniqueID), "_")
	return strings.Trim(id, "_")
}
