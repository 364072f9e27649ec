package testutil

import "time"

// Frame records a message a stream client sent to the cloud.
type Frame struct {
	Timestamp time.Time
	Event     string
	Data      map[string]any
}

// FilterFrames returns the frames with the given event name.
func FilterFrames(frames []Frame, event string) []Frame {
	var filtered []Frame
	for _, f := range frames {
		if f.Event == event {
			filtered = append(filtered, f)
		}
	}
	return filtered
}

// FindFrame returns the most recent frame for event whose key matches value.
func FindFrame(frames []Frame, event, key string, value any) *Frame {
	for i := len(frames) - 1; i >= 0; i-- {
		f := frames[i]
		if f.Event != event {
			continue
		}
		if v, ok := f.Data[key]; ok && v == value {
			return &f
		}
	}
	return nil
}
