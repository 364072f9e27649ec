package bhyve

import "encoding/json"

// programFields has the layout of Program without its JSON methods.
type programFields Program

// UnmarshalJSON decodes the modelled fields and keeps the full object in Raw.
func (p *Program) UnmarshalJSON(data []byte) error {
	var fields programFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*p = Program(fields)
	p.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON writes the modelled fields over Raw, so vendor fields the
// bridge does not understand survive a read-modify-write.
func (p Program) MarshalJSON() ([]byte, error) {
	typed, err := json.Marshal(programFields(p))
	if err != nil {
		return nil, err
	}
	if len(p.Raw) == 0 {
		return typed, nil
	}
	return mergeJSON(p.Raw, typed)
}

// mergeJSON overlays one JSON value on another. Objects merge key by key at
// every depth; anything else is replaced by the overlay.
func mergeJSON(base, overlay json.RawMessage) (json.RawMessage, error) {
	var b, o map[string]json.RawMessage
	if json.Unmarshal(base, &b) != nil || json.Unmarshal(overlay, &o) != nil || b == nil || o == nil {
		return overlay, nil
	}
	for k, v := range o {
		merged, err := mergeJSON(b[k], v)
		if err != nil {
			return nil, err
		}
		b[k] = merged
	}
	return json.Marshal(b)
}
