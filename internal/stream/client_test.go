package stream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"bhyvebridge/internal/bhyve"
	"bhyvebridge/internal/clock"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type staticTokens struct {
	token string
	err   error
}

func (s staticTokens) SessionToken(ctx context.Context) (string, error) {
	return s.token, s.err
}

// mockEventServer creates a mock event stream endpoint. handler runs once per
// connection after the app_connection frame has been checked.
func mockEventServer(t *testing.T, token string, handler func(*websocket.Conn)) (*httptest.Server, string) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Failed to upgrade connection: %v", err)
			return
		}
		defer conn.Close()

		var auth bhyve.AppConnectionMessage
		if err := conn.ReadJSON(&auth); err != nil {
			return
		}
		assert.Equal(t, bhyve.EventAppConnection, auth.Event)
		assert.Equal(t, token, auth.Token)

		handler(conn)
	}))
	return server, "ws" + strings.TrimPrefix(server.URL, "http")
}

// readFrames pumps server-side reads into a channel.
func readFrames(conn *websocket.Conn) <-chan map[string]any {
	out := make(chan map[string]any, 16)
	go func() {
		defer close(out)
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			out <- msg
		}
	}()
	return out
}

func TestClient_ReceivesEvents(t *testing.T) {
	release := make(chan struct{})
	server, url := mockEventServer(t, "tok", func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{not json`))
		conn.WriteJSON(map[string]any{"event": "change_mode", "device_id": "dev1", "mode": "off"})
		<-release
	})
	defer server.Close()
	defer close(release)

	client := NewClient(url, staticTokens{token: "tok"}, zap.NewNop())
	received := make(chan bhyve.Event, 4)
	client.OnEvent(func(ev bhyve.Event) { received <- ev })

	require.NoError(t, client.Start(context.Background()))
	defer client.Stop()

	select {
	case ev := <-received:
		assert.Equal(t, bhyve.EventChangeMode, ev.Event)
		assert.Equal(t, "dev1", ev.DeviceID)
		assert.Equal(t, "off", ev.Mode)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	assert.True(t, client.IsConnected())
	assert.Equal(t, StateRunning, client.State())
	assert.Len(t, received, 0, "malformed frame must be dropped")
}

func TestClient_StartTwice(t *testing.T) {
	client := NewClient("ws://127.0.0.1:1", staticTokens{token: "tok"}, zap.NewNop(),
		WithReconnectPolicy(FixedReconnect(time.Hour)))

	require.NoError(t, client.Start(context.Background()))
	assert.Error(t, client.Start(context.Background()))
	require.NoError(t, client.Stop())
	assert.Equal(t, StateStopped, client.State())
}

func TestClient_Heartbeat(t *testing.T) {
	mock := clock.NewMock(time.Unix(0, 0))
	frames := make(chan map[string]any, 16)
	push := make(chan struct{})
	release := make(chan struct{})

	server, url := mockEventServer(t, "tok", func(conn *websocket.Conn) {
		go func() {
			for range push {
				conn.WriteJSON(map[string]any{"event": "device_connected", "device_id": "dev1"})
			}
		}()
		for msg := range readFrames(conn) {
			frames <- msg
		}
		<-release
	})
	defer server.Close()
	defer close(release)

	client := NewClient(url, staticTokens{token: "tok"}, zap.NewNop(), WithClock(mock))
	received := make(chan bhyve.Event, 4)
	client.OnEvent(func(ev bhyve.Event) { received <- ev })
	require.NoError(t, client.Start(context.Background()))
	defer client.Stop()
	defer close(push)

	require.True(t, mock.BlockUntil(1, 2*time.Second), "heartbeat timer not armed")

	// Silence for the full interval produces a ping.
	mock.Advance(DefaultHeartbeat)
	select {
	case msg := <-frames:
		assert.Equal(t, "ping", msg["event"])
	case <-time.After(2 * time.Second):
		t.Fatal("no ping after silence")
	}

	// Inbound traffic pushes the next ping back.
	mock.Advance(20 * time.Second)
	push <- struct{}{}
	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	mock.Advance(10 * time.Second)
	select {
	case msg := <-frames:
		t.Fatalf("unexpected frame %v", msg)
	case <-time.After(100 * time.Millisecond):
	}

	mock.Advance(15 * time.Second)
	select {
	case msg := <-frames:
		assert.Equal(t, "ping", msg["event"])
	case <-time.After(2 * time.Second):
		t.Fatal("no ping after second silence")
	}
}

func TestClient_Reconnects(t *testing.T) {
	var connections int32
	release := make(chan struct{})
	server, url := mockEventServer(t, "tok", func(conn *websocket.Conn) {
		if atomic.AddInt32(&connections, 1) == 1 {
			// Drop the first connection straight away.
			return
		}
		conn.WriteJSON(map[string]any{"event": "device_connected", "device_id": "dev1"})
		<-release
	})
	defer server.Close()
	defer close(release)

	client := NewClient(url, staticTokens{token: "tok"}, zap.NewNop(),
		WithReconnectPolicy(FixedReconnect(10*time.Millisecond)))
	received := make(chan bhyve.Event, 4)
	client.OnEvent(func(ev bhyve.Event) { received <- ev })

	require.NoError(t, client.Start(context.Background()))
	defer client.Stop()

	select {
	case ev := <-received:
		assert.Equal(t, bhyve.EventDeviceConnected, ev.Event)
	case <-time.After(3 * time.Second):
		t.Fatal("no event after reconnect")
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&connections))
}

type countingMetrics struct {
	reconnects int32
}

func (m *countingMetrics) FrameReceived(string) {}
func (m *countingMetrics) Reconnecting()        { atomic.AddInt32(&m.reconnects, 1) }
func (m *countingMetrics) SetConnected(bool)    {}

func TestClient_BackoffGrowsWhileServerFlaps(t *testing.T) {
	var connections int32
	server, url := mockEventServer(t, "tok", func(conn *websocket.Conn) {
		atomic.AddInt32(&connections, 1)
	})
	defer server.Close()

	mock := clock.NewMock(time.Unix(0, 0))
	metrics := &countingMetrics{}
	client := NewClient(url, staticTokens{token: "tok"}, zap.NewNop(), WithClock(mock), WithMetrics(metrics),
		WithReconnectPolicy(ExponentialReconnect(5*time.Second, 40*time.Second)))
	require.NoError(t, client.Start(context.Background()))
	defer client.Stop()

	waitForWait := func(n int32) {
		t.Helper()
		require.Eventually(t, func() bool {
			return atomic.LoadInt32(&metrics.reconnects) == n
		}, 2*time.Second, 5*time.Millisecond)
		require.True(t, mock.BlockUntil(1, 2*time.Second), "no reconnect wait scheduled")
	}

	t.Log("GIVEN: the first connection is dropped right after authenticating")
	waitForWait(1)
	assert.Equal(t, int32(1), atomic.LoadInt32(&connections))

	t.Log("WHEN: the first 5s wait passes and the second connection is dropped too")
	mock.Advance(5 * time.Second)
	waitForWait(2)
	assert.Equal(t, int32(2), atomic.LoadInt32(&connections))

	t.Log("THEN: the next wait has doubled to 10s")
	mock.Advance(5 * time.Second)
	assert.Never(t, func() bool {
		return atomic.LoadInt32(&connections) > 2
	}, 200*time.Millisecond, 10*time.Millisecond)

	mock.Advance(5 * time.Second)
	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&connections) == 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestClient_TokenFailureRetries(t *testing.T) {
	tokens := staticTokens{err: bhyve.ErrInvalidCredentials}
	mock := clock.NewMock(time.Unix(0, 0))
	client := NewClient("ws://127.0.0.1:1", tokens, zap.NewNop(), WithClock(mock),
		WithReconnectPolicy(ExponentialReconnect(5*time.Second, 20*time.Second)))

	require.NoError(t, client.Start(context.Background()))
	require.True(t, mock.BlockUntil(1, 2*time.Second), "no reconnect wait scheduled")
	assert.Equal(t, StateStarting, client.State())
	assert.False(t, client.IsConnected())

	// Stop returns promptly while waiting for the next attempt.
	stopped := make(chan struct{})
	go func() {
		client.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked during reconnect wait")
	}
	assert.Equal(t, StateStopped, client.State())
}

func TestClient_Send(t *testing.T) {
	t.Run("not connected", func(t *testing.T) {
		client := NewClient("ws://127.0.0.1:1", staticTokens{token: "tok"}, zap.NewNop())
		err := client.Send(context.Background(), bhyve.PingMessage{Event: "ping"})
		assert.True(t, errors.Is(err, bhyve.ErrNotConnected))
	})

	t.Run("writes json", func(t *testing.T) {
		frames := make(chan map[string]any, 4)
		release := make(chan struct{})
		server, url := mockEventServer(t, "tok", func(conn *websocket.Conn) {
			for msg := range readFrames(conn) {
				frames <- msg
			}
			<-release
		})
		defer server.Close()
		defer close(release)

		client := NewClient(url, staticTokens{token: "tok"}, zap.NewNop())
		require.NoError(t, client.Start(context.Background()))
		defer client.Stop()

		require.Eventually(t, client.IsConnected, 2*time.Second, 10*time.Millisecond)
		require.NoError(t, client.Send(context.Background(), bhyve.RainDelayMessage{
			Event: bhyve.EventRainDelay, DeviceID: "dev1", Delay: 24,
		}))

		select {
		case msg := <-frames:
			assert.Equal(t, "rain_delay", msg["event"])
			assert.Equal(t, float64(24), msg["delay"])
		case <-time.After(2 * time.Second):
			t.Fatal("message not received")
		}
	})
}

func TestClient_Unsubscribe(t *testing.T) {
	client := NewClient("ws://unused", staticTokens{}, zap.NewNop())
	var calls int32
	sub := client.OnEvent(func(bhyve.Event) { atomic.AddInt32(&calls, 1) })
	client.OnEvent(func(bhyve.Event) { atomic.AddInt32(&calls, 10) })

	client.dispatch(bhyve.Event{Event: "ping"})
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
	client.dispatch(bhyve.Event{Event: "ping"})

	assert.Equal(t, int32(21), atomic.LoadInt32(&calls))
}

func TestReconnectPolicy(t *testing.T) {
	exp := ExponentialReconnect(5*time.Second, 30*time.Second)
	assert.Equal(t, 10*time.Second, exp.Next(5*time.Second))
	assert.Equal(t, 20*time.Second, exp.Next(10*time.Second))
	assert.Equal(t, 30*time.Second, exp.Next(20*time.Second))
	assert.Equal(t, 30*time.Second, exp.Next(30*time.Second))
	require.NoError(t, exp.Validate())

	fixed := FixedReconnect(5 * time.Second)
	assert.Equal(t, 5*time.Second, fixed.Next(5*time.Second))
	require.NoError(t, fixed.Validate())

	assert.Error(t, ReconnectPolicy{Mode: "random", Initial: time.Second}.Validate())
	assert.Error(t, ReconnectPolicy{Mode: PolicyFixed}.Validate())
	assert.Error(t, ExponentialReconnect(time.Minute, time.Second).Validate())

	assert.False(t, exp.Stable(0))
	assert.False(t, exp.Stable(DefaultStableAfter-time.Second))
	assert.True(t, exp.Stable(DefaultStableAfter))
	short := ReconnectPolicy{Mode: PolicyFixed, Initial: time.Second, StableAfter: time.Second}
	assert.True(t, short.Stable(time.Second))

	def := DefaultReconnectPolicy()
	assert.Equal(t, PolicyExponential, def.Mode)
	assert.Equal(t, 5*time.Second, def.Initial)
	assert.Equal(t, 5*time.Minute, def.Max)
}

func TestMockClient(t *testing.T) {
	m := NewMockClient()
	assert.ErrorIs(t, m.Send(context.Background(), map[string]string{"event": "ping"}), bhyve.ErrNotConnected)

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Send(context.Background(), map[string]string{"event": "ping"}))
	assert.Equal(t, "ping", m.LastSent()["event"])

	var got []string
	m.OnEvent(func(ev bhyve.Event) { got = append(got, ev.Event) })
	require.NoError(t, m.EmitJSON(`{"event":"device_idle","device_id":"dev1"}`))
	assert.Equal(t, []string{"device_idle"}, got)

	m.SetConnected(false)
	assert.Equal(t, StateStarting, m.State())
	require.NoError(t, m.Stop())
	assert.Equal(t, StateStopped, m.State())
}
