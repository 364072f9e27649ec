package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"bhyvebridge/internal/bhyve"
	"bhyvebridge/internal/clock"
	"bhyvebridge/internal/entity"
	"bhyvebridge/internal/stream"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

type fakeCoordinator struct {
	data       *bhyve.Data
	lastUpdate time.Time
	lastErr    error
	refreshErr error
	refreshes  int
}

func (f *fakeCoordinator) Snapshot() *bhyve.Data { return f.data.Clone() }
func (f *fakeCoordinator) LastUpdate() time.Time { return f.lastUpdate }
func (f *fakeCoordinator) LastError() error      { return f.lastErr }

func (f *fakeCoordinator) Refresh(_ context.Context, force bool) error {
	if !force {
		return errors.New("refresh must be forced")
	}
	f.refreshes++
	return f.refreshErr
}

var testUpdated = time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)

func testData() *bhyve.Data {
	data := bhyve.NewData()
	data.Devices = []*bhyve.Device{
		{
			ID: "dev1", Name: "Front", Type: bhyve.DeviceSprinkler, MacAddress: "aa:bb",
			IsConnected:  true,
			Address:      map[string]any{"line_1": "1 Main St", "city": "Springfield"},
			FullLocation: map[string]any{"location": []any{-71.0, 42.0}, "timezone": "UTC"},
			Location:     []any{-71.0, 42.0},
			Status:       &bhyve.DeviceStatus{RunMode: "auto"},
			Zones:        []bhyve.Zone{{Station: 1, Name: "Lawn"}},
		},
	}
	data.Programs = []*bhyve.Program{{ID: "p1", DeviceID: "dev1", Name: "Morning", Program: "a", Enabled: true}}
	data.Histories["dev1"] = []bhyve.WateringEvent{{}}
	return data
}

func newTestServer(coord *fakeCoordinator, opts ...Option) *Server {
	opts = append([]Option{
		WithClock(clock.NewMock(testUpdated)),
		WithEntityOptions(entity.Options{Location: time.UTC}),
	}, opts...)
	return NewServer(":0", coord, zap.NewNop(), opts...)
}

func do(t *testing.T, s *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out), w.Body.String())
	return out
}

func TestHandleHealth(t *testing.T) {
	t.Run("starting", func(t *testing.T) {
		s := newTestServer(&fakeCoordinator{})
		w := do(t, s, http.MethodGet, "/health")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "starting", decode[HealthResponse](t, w).Status)
	})

	t.Run("ok with stream", func(t *testing.T) {
		mock := stream.NewMockClient()
		require.NoError(t, mock.Start(context.Background()))
		s := newTestServer(&fakeCoordinator{data: testData(), lastUpdate: testUpdated}, WithStream(mock))

		w := do(t, s, http.MethodGet, "/health")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
		resp := decode[HealthResponse](t, w)
		assert.Equal(t, "ok", resp.Status)
		assert.Equal(t, "2024-06-03T09:00:00Z", resp.LastUpdate)
		assert.Equal(t, "running", resp.Stream)
		assert.True(t, resp.StreamConnected)
	})

	t.Run("degraded", func(t *testing.T) {
		s := newTestServer(&fakeCoordinator{data: testData(), lastUpdate: testUpdated, lastErr: errors.New("cloud down")})
		w := do(t, s, http.MethodGet, "/health")
		require.Equal(t, http.StatusOK, w.Code)
		resp := decode[HealthResponse](t, w)
		assert.Equal(t, "degraded", resp.Status)
		assert.Equal(t, "cloud down", resp.LastError)
	})
}

func TestHandleDevices(t *testing.T) {
	s := newTestServer(&fakeCoordinator{data: testData(), lastUpdate: testUpdated})

	w := do(t, s, http.MethodGet, "/api/devices")
	require.Equal(t, http.StatusOK, w.Code)
	devices := decode[[]bhyve.Device](t, w)
	require.Len(t, devices, 1)
	assert.Equal(t, "dev1", devices[0].ID)

	w = do(t, s, http.MethodGet, "/api/devices/dev1")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[DeviceResponse](t, w)
	assert.Equal(t, "Front", resp.Device.Name)
	assert.Len(t, resp.Programs, 1)
	assert.Len(t, resp.History, 1)

	w = do(t, s, http.MethodGet, "/api/devices/missing")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, decode[ErrorResponse](t, w).Error, "missing")
}

func TestHandleNoData(t *testing.T) {
	s := newTestServer(&fakeCoordinator{})
	for _, path := range []string{"/api/devices", "/api/programs", "/api/entities", "/api/diagnostics"} {
		w := do(t, s, http.MethodGet, path)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, path)
	}
}

func TestHandlePrograms(t *testing.T) {
	data := testData()
	data.Programs = nil
	s := newTestServer(&fakeCoordinator{data: data})

	w := do(t, s, http.MethodGet, "/api/programs")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())
}

func TestHandleEntities(t *testing.T) {
	s := newTestServer(&fakeCoordinator{data: testData()})

	w := do(t, s, http.MethodGet, "/api/entities")
	require.Equal(t, http.StatusOK, w.Code)
	entities := decode[[]entity.Entity](t, w)

	byID := make(map[string]entity.Entity)
	for _, e := range entities {
		byID[e.UniqueID] = e
	}
	require.Contains(t, byID, "aa:bb:dev1:1:valve")
	assert.Equal(t, entity.StateClosed, byID["aa:bb:dev1:1:valve"].State)
	require.Contains(t, byID, "bhyve:program:p1")
	assert.Equal(t, entity.StateOn, byID["bhyve:program:p1"].State)
}

func TestHandleDiagnostics(t *testing.T) {
	data := testData()
	s := newTestServer(&fakeCoordinator{data: data, lastUpdate: testUpdated})

	w := do(t, s, http.MethodGet, "/api/diagnostics")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)

	devices := body["devices"].([]any)
	require.Len(t, devices, 1)
	device := devices[0].(map[string]any)
	assert.Equal(t, redacted, device["address"])
	assert.Equal(t, redacted, device["full_location"])
	assert.Equal(t, redacted, device["location"])
	assert.Equal(t, "Front", device["name"])
	assert.NotContains(t, w.Body.String(), "Main St")

	// The snapshot itself is untouched.
	assert.Equal(t, "1 Main St", data.Devices[0].Address.(map[string]any)["line_1"])
}

func TestHandleRefresh(t *testing.T) {
	coord := &fakeCoordinator{data: testData(), lastUpdate: testUpdated}
	s := newTestServer(coord)

	w := do(t, s, http.MethodPost, "/api/refresh")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, coord.refreshes)

	w = do(t, s, http.MethodGet, "/api/refresh")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	coord.refreshErr = bhyve.ErrRequest
	w = do(t, s, http.MethodPost, "/api/refresh")
	assert.Equal(t, http.StatusBadGateway, w.Code)

	coord.refreshErr = context.DeadlineExceeded
	w = do(t, s, http.MethodPost, "/api/refresh")
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
}

func TestMsgPackFormat(t *testing.T) {
	s := newTestServer(&fakeCoordinator{data: testData(), lastUpdate: testUpdated})

	w := do(t, s, http.MethodGet, "/api/devices?format=msgpack")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/x-msgpack", w.Header().Get("Content-Type"))

	var devices []map[string]any
	require.NoError(t, msgpack.NewDecoder(bytes.NewReader(w.Body.Bytes())).Decode(&devices))
	require.Len(t, devices, 1)
	assert.Equal(t, "dev1", devices[0]["id"])
}

func TestSitemapAndMetrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("bhyve_stream_connected 1\n"))
	})
	s := newTestServer(&fakeCoordinator{}, WithMetricsHandler(metrics))

	w := do(t, s, http.MethodGet, "/")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/api/diagnostics")
	assert.Equal(t, "text/plain; charset=utf-8", w.Header().Get("Content-Type"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Contains(t, rec.Body.String(), "<h1>B-hyve Bridge API</h1>")

	w = do(t, s, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "bhyve_stream_connected")
}
