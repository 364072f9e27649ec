// Package testutil provides a mock B-hyve cloud (REST endpoints and the event
// websocket) and a harness wiring the bridge against it for integration tests.
package testutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const sessionHeader = "Orbit-Session-Token"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// connWrapper wraps a WebSocket connection with its write mutex
type connWrapper struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// MockCloud simulates the B-hyve REST API and event stream.
type MockCloud struct {
	server *httptest.Server

	username string
	password string

	mu         sync.RWMutex
	token      string
	devices    []map[string]any
	programs   []map[string]any
	histories  map[string][]map[string]any
	landscapes map[string][]map[string]any
	requests   map[string]int
	updates    []Update

	connections []*connWrapper
	connsMu     sync.Mutex
	connected   chan struct{}

	frames   []Frame
	framesMu sync.Mutex
}

// Update records a PUT request body.
type Update struct {
	Path string
	Body map[string]any
}

// NewMockCloud starts a mock cloud accepting the given credentials.
func NewMockCloud(username, password string) *MockCloud {
	c := &MockCloud{
		username:   username,
		password:   password,
		histories:  make(map[string][]map[string]any),
		landscapes: make(map[string][]map[string]any),
		requests:   make(map[string]int),
		connected:  make(chan struct{}, 16),
	}

	r := mux.NewRouter()
	r.HandleFunc("/v1/session", c.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/v1/events", c.handleWebSocket)

	data := r.PathPrefix("/v1").Subrouter()
	data.Use(c.requireSession)
	data.HandleFunc("/devices", c.handleDevices).Methods(http.MethodGet)
	data.HandleFunc("/sprinkler_timer_programs", c.handlePrograms).Methods(http.MethodGet)
	data.HandleFunc("/sprinkler_timer_programs/{id}", c.handleUpdate).Methods(http.MethodPut)
	data.HandleFunc("/watering_events/{id}", c.handleHistory).Methods(http.MethodGet)
	data.HandleFunc("/landscape_descriptions/{id}", c.handleLandscapes).Methods(http.MethodGet)
	data.HandleFunc("/landscape_descriptions/{id}", c.handleUpdate).Methods(http.MethodPut)

	c.server = httptest.NewServer(r)
	return c
}

// URL is the REST base URL.
func (c *MockCloud) URL() string {
	return c.server.URL
}

// StreamURL is the websocket URL of the event stream.
func (c *MockCloud) StreamURL() string {
	return "ws" + strings.TrimPrefix(c.server.URL, "http") + "/v1/events"
}

// Close drops every websocket and stops the server.
func (c *MockCloud) Close() {
	c.DropConnections()
	c.server.Close()
}

// SetDevices replaces the devices returned by /v1/devices.
func (c *MockCloud) SetDevices(devices ...map[string]any) {
	c.mu.Lock()
	c.devices = devices
	c.mu.Unlock()
}

// UpdateDevice applies fn to the stored device with the given id.
func (c *MockCloud) UpdateDevice(id string, fn func(device map[string]any)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range c.devices {
		if d["id"] == id {
			fn(d)
		}
	}
}

// SetPrograms replaces the timer programs.
func (c *MockCloud) SetPrograms(programs ...map[string]any) {
	c.mu.Lock()
	c.programs = programs
	c.mu.Unlock()
}

// SetHistory replaces the watering history of a device.
func (c *MockCloud) SetHistory(deviceID string, events ...map[string]any) {
	c.mu.Lock()
	c.histories[deviceID] = events
	c.mu.Unlock()
}

// SetLandscapes replaces the landscape descriptions of a device.
func (c *MockCloud) SetLandscapes(deviceID string, landscapes ...map[string]any) {
	c.mu.Lock()
	c.landscapes[deviceID] = landscapes
	c.mu.Unlock()
}

// ExpireSession invalidates the current token; the next data request gets 401.
func (c *MockCloud) ExpireSession() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// Requests returns how many authenticated requests hit path.
func (c *MockCloud) Requests(path string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.requests[path]
}

// Updates returns every PUT body received so far.
func (c *MockCloud) Updates() []Update {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Update(nil), c.updates...)
}

func (c *MockCloud) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Session struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		} `json:"session"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.Session.Email != c.username || req.Session.Password != c.password {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	c.mu.Lock()
	c.token = uuid.NewString()
	token := c.token
	c.requests["/v1/session"]++
	c.mu.Unlock()

	writeJSON(w, map[string]any{"orbit_session_token": token, "user_id": "user-1"})
}

func (c *MockCloud) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		valid := c.token != "" && r.Header.Get(sessionHeader) == c.token
		if valid {
			c.requests[r.URL.Path]++
		}
		c.mu.Unlock()

		if !valid {
			http.Error(w, "session expired", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (c *MockCloud) handleDevices(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	writeJSON(w, orEmpty(c.devices))
}

func (c *MockCloud) handlePrograms(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	writeJSON(w, orEmpty(c.programs))
}

func (c *MockCloud) handleHistory(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	writeJSON(w, orEmpty(c.histories[mux.Vars(r)["id"]]))
}

func (c *MockCloud) handleLandscapes(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	writeJSON(w, orEmpty(c.landscapes[mux.Vars(r)["id"]]))
}

func (c *MockCloud) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	c.mu.Lock()
	c.updates = append(c.updates, Update{Path: r.URL.Path, Body: body})
	c.mu.Unlock()

	writeJSON(w, map[string]any{})
}

// handleWebSocket accepts a stream connection once it authenticates with
// app_connection, then records every frame the client sends.
func (c *MockCloud) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}
	defer conn.Close()

	var auth struct {
		Event string `json:"event"`
		Token string `json:"orbit_session_token"`
	}
	if err := conn.ReadJSON(&auth); err != nil {
		return
	}
	c.mu.RLock()
	valid := auth.Event == "app_connection" && auth.Token != "" && auth.Token == c.token
	c.mu.RUnlock()
	if !valid {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid session"))
		return
	}

	wrapper := &connWrapper{conn: conn}
	c.connsMu.Lock()
	c.connections = append(c.connections, wrapper)
	c.connsMu.Unlock()
	defer c.removeConnection(wrapper)

	select {
	case c.connected <- struct{}{}:
	default:
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var body map[string]any
		if err := json.Unmarshal(data, &body); err != nil {
			continue
		}
		event, _ := body["event"].(string)

		c.framesMu.Lock()
		c.frames = append(c.frames, Frame{Timestamp: time.Now(), Event: event, Data: body})
		c.framesMu.Unlock()
	}
}

func (c *MockCloud) removeConnection(wrapper *connWrapper) {
	c.connsMu.Lock()
	defer c.connsMu.Unlock()
	for i, w := range c.connections {
		if w == wrapper {
			c.connections = append(c.connections[:i], c.connections[i+1:]...)
			return
		}
	}
}

// WaitForConnection blocks until a stream client has authenticated.
func (c *MockCloud) WaitForConnection(timeout time.Duration) error {
	select {
	case <-c.connected:
		return nil
	case <-time.After(timeout):
		return errors.New("no stream connection within timeout")
	}
}

// Connections returns the number of authenticated stream connections.
func (c *MockCloud) Connections() int {
	c.connsMu.Lock()
	defer c.connsMu.Unlock()
	return len(c.connections)
}

// DropConnections closes every stream connection, as the cloud does on
// maintenance.
func (c *MockCloud) DropConnections() {
	c.connsMu.Lock()
	wrappers := c.connections
	c.connections = nil
	c.connsMu.Unlock()

	for _, wrapper := range wrappers {
		wrapper.conn.Close()
	}
}

// Broadcast sends an event frame to every stream connection.
func (c *MockCloud) Broadcast(event map[string]any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	c.connsMu.Lock()
	wrappers := make([]*connWrapper, len(c.connections))
	copy(wrappers, c.connections)
	c.connsMu.Unlock()

	if len(wrappers) == 0 {
		return errors.New("no stream connections")
	}
	for _, wrapper := range wrappers {
		wrapper.writeMu.Lock()
		err := wrapper.conn.WriteMessage(websocket.TextMessage, data)
		wrapper.writeMu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// Frames returns every frame received from stream clients.
func (c *MockCloud) Frames() []Frame {
	c.framesMu.Lock()
	defer c.framesMu.Unlock()
	return append([]Frame(nil), c.frames...)
}

// ClearFrames resets the frame log.
func (c *MockCloud) ClearFrames() {
	c.framesMu.Lock()
	c.frames = nil
	c.framesMu.Unlock()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

func orEmpty(items []map[string]any) []map[string]any {
	if items == nil {
		return []map[string]any{}
	}
	return items
}
