package testutil

import (
	"context"
	"fmt"
	"time"

	"bhyvebridge/internal/bhyve"
	"bhyvebridge/internal/coordinator"
	"bhyvebridge/internal/entity"
	"bhyvebridge/internal/stream"

	"go.uber.org/zap"
)

const (
	TestUsername = "user@example.com"
	TestPassword = "hunter2"
)

// TestEnv is a bridge wired against a MockCloud: REST client, event stream,
// coordinator and controller.
type TestEnv struct {
	Cloud       *MockCloud
	API         *bhyve.Client
	Stream      *stream.Client
	Coordinator *coordinator.Coordinator
	Controller  *entity.Controller
	Logger      *zap.Logger

	cancel context.CancelFunc
}

// NewTestEnv starts a mock cloud seeded by seed, performs the first refresh
// and waits for the event stream to connect.
//
// Example usage:
//
//	env, err := testutil.NewTestEnv(func(c *testutil.MockCloud) {
//	    c.SetDevices(testutil.SprinklerDevice("dev1", "Front yard", 2))
//	})
//	if err != nil {
//	    t.Fatal(err)
//	}
//	defer env.Cleanup()
func NewTestEnv(seed func(*MockCloud)) (*TestEnv, error) {
	logger, _ := zap.NewDevelopment()

	cloud := NewMockCloud(TestUsername, TestPassword)
	if seed != nil {
		seed(cloud)
	}

	api := bhyve.NewClient(bhyve.Config{
		BaseURL:  cloud.URL(),
		Username: TestUsername,
		Password: TestPassword,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	coord := coordinator.New(api, logger, coordinator.WithDebounce(10*time.Millisecond))
	if err := coord.Refresh(ctx, true); err != nil {
		cancel()
		cloud.Close()
		return nil, fmt.Errorf("initial refresh: %w", err)
	}

	events := stream.NewClient(cloud.StreamURL(), api, logger,
		stream.WithReconnectPolicy(stream.FixedReconnect(20*time.Millisecond)))
	events.OnEvent(coord.HandleEvent)
	if err := events.Start(ctx); err != nil {
		cancel()
		cloud.Close()
		return nil, fmt.Errorf("starting stream: %w", err)
	}
	if err := cloud.WaitForConnection(2 * time.Second); err != nil {
		events.Stop()
		cancel()
		cloud.Close()
		return nil, err
	}

	return &TestEnv{
		Cloud:       cloud,
		API:         api,
		Stream:      events,
		Coordinator: coord,
		Controller:  entity.NewController(events, api, coord, logger, nil),
		Logger:      logger,
		cancel:      cancel,
	}, nil
}

// WaitFor polls cond until it holds or timeout passes.
func (e *TestEnv) WaitFor(timeout time.Duration, cond func(*bhyve.Data) bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond(e.Coordinator.Snapshot()) {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond(e.Coordinator.Snapshot())
}

// WaitForStream waits until the stream reports a live connection.
func (e *TestEnv) WaitForStream(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if e.Stream.IsConnected() && e.Cloud.Connections() > 0 {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

// Cleanup stops all components in the correct order.
// Always call this in a defer after creating the TestEnv.
func (e *TestEnv) Cleanup() {
	if e.Stream != nil {
		e.Stream.Stop()
	}
	if e.Coordinator != nil {
		e.Coordinator.Stop()
	}
	e.cancel()
	if e.Cloud != nil {
		e.Cloud.Close()
	}
}

// SprinklerDevice returns a sprinkler timer payload with stations 1..zones.
func SprinklerDevice(id, name string, zones int) map[string]any {
	zoneList := make([]any, zones)
	for i := range zoneList {
		zoneList[i] = map[string]any{"station": i + 1, "name": fmt.Sprintf("Zone %d", i+1)}
	}
	return map[string]any{
		"id":                        id,
		"name":                      name,
		"type":                      bhyve.DeviceSprinkler,
		"mac_address":               "aa:bb:cc:dd:ee:" + id,
		"is_connected":              true,
		"manual_preset_runtime_sec": 300,
		"status": map[string]any{
			"run_mode":        "auto",
			"watering_status": nil,
			"rain_delay":      0,
		},
		"zones": zoneList,
	}
}

// FloodSensor returns a flood sensor payload.
func FloodSensor(id, name string) map[string]any {
	return map[string]any{
		"id":           id,
		"name":         name,
		"type":         bhyve.DeviceFlood,
		"mac_address":  "11:22:33:44:55:" + id,
		"is_connected": true,
		"battery":      map[string]any{"percent": 80},
		"status": map[string]any{
			"temp_f":             68.0,
			"flood_alarm_status": "ok",
			"temp_alarm_status":  "ok",
		},
	}
}
