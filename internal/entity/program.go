package entity

import "bhyvebridge/internal/bhyve"

func programEntity(device *bhyve.Device, p *bhyve.Program) Entity {
	name := p.Name
	if name == "" {
		name = "unknown"
	}
	return Entity{
		UniqueID:    "bhyve:program:" + p.ID,
		Name:        device.Name + " " + name + " program",
		Platform:    PlatformSwitch,
		Kind:        KindProgram,
		DeviceClass: "switch",
		Category:    CategoryConfig,
		Icon:        "mdi:bulletin-board",
		DeviceID:    p.DeviceID,
		DeviceName:  device.Name,
		ProgramID:   p.ID,
		State:       onOff(p.Enabled),
		Available:   true,
		Attributes: map[string]any{
			"attribution":      Attribution,
			"device_id":        p.DeviceID,
			"is_smart_program": p.IsSmartProgram,
			"frequency":        p.Frequency,
			"start_times":      p.StartTimes,
			"budget":           p.Budget,
			"program":          p.Program,
			"run_times":        p.RunTimes,
		},
	}
}
