package mqtt

import "bhyvebridge/internal/entity"

// DiscoveryDevice groups entities under one host device.
type DiscoveryDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name,omitempty"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
}

// Availability is one availability topic.
type Availability struct {
	Topic string `json:"topic"`
}

// DiscoveryConfig is the retained discovery payload for one entity.
type DiscoveryConfig struct {
	Name                string          `json:"name"`
	UniqueID            string          `json:"unique_id"`
	ObjectID            string          `json:"object_id"`
	StateTopic          string          `json:"state_topic"`
	JSONAttributesTopic string          `json:"json_attributes_topic"`
	Availability        []Availability  `json:"availability"`
	AvailabilityMode    string          `json:"availability_mode"`
	CommandTopic        string          `json:"command_topic,omitempty"`
	DeviceClass         string          `json:"device_class,omitempty"`
	EntityCategory      string          `json:"entity_category,omitempty"`
	Icon                string          `json:"icon,omitempty"`
	UnitOfMeasurement   string          `json:"unit_of_measurement,omitempty"`
	PayloadOn           string          `json:"payload_on,omitempty"`
	PayloadOff          string          `json:"payload_off,omitempty"`
	StateOn             string          `json:"state_on,omitempty"`
	StateOff            string          `json:"state_off,omitempty"`
	PayloadOpen         string          `json:"payload_open,omitempty"`
	PayloadClose        string          `json:"payload_close,omitempty"`
	StateOpen           string          `json:"state_open,omitempty"`
	StateClosed         string          `json:"state_closed,omitempty"`
	ReportsPosition     *bool           `json:"reports_position,omitempty"`
	Min                 *float64        `json:"min,omitempty"`
	Max                 *float64        `json:"max,omitempty"`
	Step                *float64        `json:"step,omitempty"`
	Mode                string          `json:"mode,omitempty"`
	Device              DiscoveryDevice `json:"device"`
}

func (b *Bridge) discoveryPayload(objectID string, e entity.Entity) DiscoveryConfig {
	cfg := DiscoveryConfig{
		Name:                e.Name,
		UniqueID:            e.UniqueID,
		ObjectID:            objectID,
		StateTopic:          b.stateTopic(objectID),
		JSONAttributesTopic: b.attributesTopic(objectID),
		Availability: []Availability{
			{Topic: b.StatusTopic()},
			{Topic: b.availabilityTopic(objectID)},
		},
		AvailabilityMode:  "all",
		DeviceClass:       e.DeviceClass,
		EntityCategory:    e.Category,
		Icon:              e.Icon,
		UnitOfMeasurement: e.Unit,
		Device: DiscoveryDevice{
			Identifiers:  []string{nodeID + "_" + e.DeviceID},
			Name:         e.DeviceName,
			Manufacturer: manufacturer,
		},
	}

	switch e.Platform {
	case entity.PlatformBinarySensor:
		cfg.PayloadOn = entity.StateOn
		cfg.PayloadOff = entity.StateOff
	case entity.PlatformSwitch:
		cfg.PayloadOn = "ON"
		cfg.PayloadOff = "OFF"
		cfg.StateOn = entity.StateOn
		cfg.StateOff = entity.StateOff
		// "switch" is not a valid device class for MQTT switches.
		if cfg.DeviceClass == "switch" {
			cfg.DeviceClass = ""
		}
	case entity.PlatformValve:
		reports := false
		cfg.PayloadOpen = "OPEN"
		cfg.PayloadClose = "CLOSE"
		cfg.StateOpen = entity.StateOpen
		cfg.StateClosed = entity.StateClosed
		cfg.ReportsPosition = &reports
	case entity.PlatformNumber:
		cfg.Mode = "box"
		if r := e.Range; r != nil {
			cfg.Min, cfg.Max, cfg.Step = &r.Min, &r.Max, &r.Step
		}
	}

	if e.Commandable() && !b.cfg.ReadOnly {
		cfg.CommandTopic = b.commandTopic(objectID)
	}
	return cfg
}
