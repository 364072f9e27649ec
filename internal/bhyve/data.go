package bhyve

import "time"

// Data is a full snapshot of the account as returned by GetData.
type Data struct {
	Devices    []*Device
	Programs   []*Program
	Histories  map[string][]WateringEvent
	Landscapes map[string][]Landscape
	FetchedAt  time.Time

	// DevicesFetchedAt and ProgramsFetchedAt are when the lists were last
	// read from the API. They are older than FetchedAt when served from cache.
	DevicesFetchedAt  time.Time
	ProgramsFetchedAt time.Time
}

// NewData returns an empty snapshot.
func NewData() *Data {
	return &Data{
		Histories:  make(map[string][]WateringEvent),
		Landscapes: make(map[string][]Landscape),
	}
}

// Device returns the device with the given id.
func (d *Data) Device(id string) *Device {
	for _, dev := range d.Devices {
		if dev.ID == id {
			return dev
		}
	}
	return nil
}

// History returns the watering history of a device.
func (d *Data) History(deviceID string) []WateringEvent {
	return d.Histories[deviceID]
}

// Program returns the program with the given id.
func (d *Data) Program(id string) *Program {
	for _, p := range d.Programs {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// ProgramsFor returns the programs attached to a device.
func (d *Data) ProgramsFor(deviceID string) []*Program {
	var out []*Program
	for _, p := range d.Programs {
		if p.DeviceID == deviceID {
			out = append(out, p)
		}
	}
	return out
}

// UpsertProgram replaces the program with the same id or appends it.
func (d *Data) UpsertProgram(p *Program) {
	for i, existing := range d.Programs {
		if existing.ID == p.ID {
			d.Programs[i] = p
			return
		}
	}
	d.Programs = append(d.Programs, p)
}

// RemoveProgram deletes a program by id and reports whether it existed.
func (d *Data) RemoveProgram(id string) bool {
	for i, p := range d.Programs {
		if p.ID == id {
			d.Programs = append(d.Programs[:i], d.Programs[i+1:]...)
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the snapshot.
func (d *Data) Clone() *Data {
	if d == nil {
		return nil
	}
	c := NewData()
	c.FetchedAt = d.FetchedAt
	c.DevicesFetchedAt = d.DevicesFetchedAt
	c.ProgramsFetchedAt = d.ProgramsFetchedAt
	c.Devices = make([]*Device, len(d.Devices))
	for i, dev := range d.Devices {
		c.Devices[i] = dev.Clone()
	}
	c.Programs = make([]*Program, len(d.Programs))
	for i, p := range d.Programs {
		c.Programs[i] = p.Clone()
	}
	for id, events := range d.Histories {
		copied := make([]WateringEvent, len(events))
		for i, ev := range events {
			copied[i] = WateringEvent{Irrigation: append([]Irrigation(nil), ev.Irrigation...)}
		}
		c.Histories[id] = copied
	}
	for id, landscapes := range d.Landscapes {
		c.Landscapes[id] = append([]Landscape(nil), landscapes...)
	}
	return c
}
