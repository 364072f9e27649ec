package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"bhyvebridge/internal/bhyve"
)

// MockClient implements Stream for testing. Sent payloads are recorded and
// Emit delivers events to subscribers synchronously.
type MockClient struct {
	state       State
	connected   bool
	connMu      sync.RWMutex
	subscribers []subscriberEntry
	nextSubID   int
	subsMu      sync.RWMutex
	sent        []json.RawMessage
	sentMu      sync.Mutex
	sendErr     error
}

// NewMockClient creates a stopped mock stream.
func NewMockClient() *MockClient {
	return &MockClient{state: StateStopped}
}

// Start marks the mock as connected.
func (m *MockClient) Start(ctx context.Context) error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	if m.state == StateRunning {
		return fmt.Errorf("stream already started")
	}
	m.state = StateRunning
	m.connected = true
	return nil
}

// Stop marks the mock as stopped.
func (m *MockClient) Stop() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	m.state = StateStopped
	m.connected = false
	return nil
}

// State returns the simulated state.
func (m *MockClient) State() State {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.state
}

// IsConnected returns the simulated connection status.
func (m *MockClient) IsConnected() bool {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.connected
}

// SetConnected simulates a dropped or restored connection.
func (m *MockClient) SetConnected(connected bool) {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	m.connected = connected
	if connected {
		m.state = StateRunning
	} else {
		m.state = StateStarting
	}
}

// FailSends makes every following Send return err. Pass nil to clear.
func (m *MockClient) FailSends(err error) {
	m.sentMu.Lock()
	defer m.sentMu.Unlock()
	m.sendErr = err
}

// Send records payload as JSON.
func (m *MockClient) Send(ctx context.Context, payload any) error {
	if !m.IsConnected() {
		return bhyve.ErrNotConnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	m.sentMu.Lock()
	defer m.sentMu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, data)
	return nil
}

// Sent returns every payload sent so far.
func (m *MockClient) Sent() []json.RawMessage {
	m.sentMu.Lock()
	defer m.sentMu.Unlock()
	return append([]json.RawMessage(nil), m.sent...)
}

// LastSent decodes the most recent payload into a map.
func (m *MockClient) LastSent() map[string]any {
	sent := m.Sent()
	if len(sent) == 0 {
		return nil
	}
	var out map[string]any
	_ = json.Unmarshal(sent[len(sent)-1], &out)
	return out
}

// ClearSent forgets recorded payloads.
func (m *MockClient) ClearSent() {
	m.sentMu.Lock()
	defer m.sentMu.Unlock()
	m.sent = nil
}

// OnEvent registers a handler.
func (m *MockClient) OnEvent(handler EventHandler) Subscription {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	subID := m.nextSubID
	m.nextSubID++
	m.subscribers = append(m.subscribers, subscriberEntry{subID: subID, handler: handler})

	return &subscription{unsubscribe: func() { m.unsubscribe(subID) }}
}

func (m *MockClient) unsubscribe(subID int) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	for i, entry := range m.subscribers {
		if entry.subID == subID {
			m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
			return
		}
	}
}

// Emit delivers ev to every subscriber.
func (m *MockClient) Emit(ev bhyve.Event) {
	m.subsMu.RLock()
	entries := append([]subscriberEntry(nil), m.subscribers...)
	m.subsMu.RUnlock()

	for _, entry := range entries {
		entry.handler(ev)
	}
}

// EmitJSON decodes raw as a frame and delivers it.
func (m *MockClient) EmitJSON(raw string) error {
	ev, err := bhyve.ParseEvent([]byte(raw))
	if err != nil {
		return err
	}
	m.Emit(ev)
	return nil
}

var (
	_ Stream = (*Client)(nil)
	_ Stream = (*MockClient)(nil)
)
