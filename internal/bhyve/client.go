// Package bhyve is a client for the Orbit B-hyve cloud REST API.
package bhyve

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"bhyvebridge/internal/clock"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	DefaultBaseURL   = "https://api.orbitbhyve.com"
	DefaultStreamURL = "wss://api.orbitbhyve.com/v1/events"

	DefaultPollPeriod     = 300 * time.Second
	DefaultRequestTimeout = 30 * time.Second

	loginPath      = "/v1/session"
	devicesPath    = "/v1/devices"
	programsPath   = "/v1/sprinkler_timer_programs"
	historyPath    = "/v1/watering_events"
	landscapesPath = "/v1/landscape_descriptions"
)

// Config holds the connection settings for a Client.
type Config struct {
	BaseURL        string
	Username       string
	Password       string
	RequestTimeout time.Duration
	PollPeriod     time.Duration
	HTTPClient     *http.Client
	Clock          clock.Clock
}

// Client talks to the B-hyve REST API. Read endpoints are cached and only
// refetched once PollPeriod has passed, unless forced.
type Client struct {
	cfg       Config
	logger    *zap.Logger
	clock     clock.Clock
	http      *http.Client
	loginHTTP *http.Client

	tokenMu sync.Mutex
	session *oauth2.Token

	mu             sync.Mutex
	devices        []*Device
	lastDevices    time.Time
	programs       []*Program
	lastPrograms   time.Time
	histories      map[string][]WateringEvent
	lastHistory    map[string]time.Time
	landscapes     map[string][]Landscape
	lastLandscapes map[string]time.Time
}

// NewClient creates a REST client. No request is made until the first call.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.PollPeriod <= 0 {
		cfg.PollPeriod = DefaultPollPeriod
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: cfg.RequestTimeout}
	}
	baseTransport := base.Transport
	if baseTransport == nil {
		baseTransport = http.DefaultTransport
	}

	c := &Client{
		cfg:            cfg,
		logger:         logger.Named("bhyve"),
		clock:          cfg.Clock,
		loginHTTP:      base,
		histories:      make(map[string][]WateringEvent),
		lastHistory:    make(map[string]time.Time),
		landscapes:     make(map[string][]Landscape),
		lastLandscapes: make(map[string]time.Time),
	}
	c.http = &http.Client{
		Timeout:   base.Timeout,
		Jar:       base.Jar,
		Transport: &sessionTransport{client: c, base: baseTransport},
	}
	c.invalidate()
	return c
}

// Devices returns every device on the account.
func (c *Client) Devices(ctx context.Context, force bool) ([]*Device, error) {
	devices, _, err := c.fetchDevices(ctx, force)
	return devices, err
}

// fetchDevices also returns when the list was read from the API.
func (c *Client) fetchDevices(ctx context.Context, force bool) ([]*Device, time.Time, error) {
	c.mu.Lock()
	if !c.due(c.lastDevices, force) {
		out, at := cloneDevices(c.devices), c.lastDevices
		c.mu.Unlock()
		return out, at, nil
	}
	c.mu.Unlock()

	if force {
		c.logger.Info("Forcing device refresh")
	}

	var devices []*Device
	if err := c.get(ctx, devicesPath, nil, &devices); err != nil {
		return nil, time.Time{}, err
	}

	c.mu.Lock()
	c.devices = devices
	c.lastDevices = c.clock.Now()
	out, at := cloneDevices(devices), c.lastDevices
	c.mu.Unlock()
	return out, at, nil
}

// Device returns a single device. ErrNotFound is returned for unknown ids.
func (c *Client) Device(ctx context.Context, id string, force bool) (*Device, error) {
	devices, err := c.Devices(ctx, force)
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		if d.ID == id {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: device %s", ErrNotFound, id)
}

// TimerPrograms returns every sprinkler timer program on the account.
func (c *Client) TimerPrograms(ctx context.Context, force bool) ([]*Program, error) {
	programs, _, err := c.fetchPrograms(ctx, force)
	return programs, err
}

func (c *Client) fetchPrograms(ctx context.Context, force bool) ([]*Program, time.Time, error) {
	c.mu.Lock()
	if !c.due(c.lastPrograms, force) {
		out, at := clonePrograms(c.programs), c.lastPrograms
		c.mu.Unlock()
		return out, at, nil
	}
	c.mu.Unlock()

	var programs []*Program
	if err := c.get(ctx, programsPath, nil, &programs); err != nil {
		return nil, time.Time{}, err
	}

	c.mu.Lock()
	c.programs = programs
	c.lastPrograms = c.clock.Now()
	out, at := clonePrograms(programs), c.lastPrograms
	c.mu.Unlock()
	return out, at, nil
}

// DeviceHistory returns the first page of watering events for a device.
func (c *Client) DeviceHistory(ctx context.Context, deviceID string, force bool) ([]WateringEvent, error) {
	c.mu.Lock()
	if !c.due(c.lastHistory[deviceID], force) {
		out := append([]WateringEvent(nil), c.histories[deviceID]...)
		c.mu.Unlock()
		return out, nil
	}
	c.mu.Unlock()

	if force {
		c.logger.Debug("Forcing device history refresh", zap.String("device_id", deviceID))
	}

	query := url.Values{"page": {"1"}, "per-page": {"10"}}
	var history []WateringEvent
	if err := c.get(ctx, historyPath+"/"+url.PathEscape(deviceID), query, &history); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.histories[deviceID] = history
	c.lastHistory[deviceID] = c.clock.Now()
	c.mu.Unlock()
	return append([]WateringEvent(nil), history...), nil
}

// Landscapes returns the soil models of every zone of a device.
func (c *Client) Landscapes(ctx context.Context, deviceID string, force bool) ([]Landscape, error) {
	c.mu.Lock()
	if !c.due(c.lastLandscapes[deviceID], force) {
		out := append([]Landscape(nil), c.landscapes[deviceID]...)
		c.mu.Unlock()
		return out, nil
	}
	c.mu.Unlock()

	var landscapes []Landscape
	if err := c.get(ctx, landscapesPath+"/"+url.PathEscape(deviceID), nil, &landscapes); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.landscapes[deviceID] = landscapes
	c.lastLandscapes[deviceID] = c.clock.Now()
	c.mu.Unlock()
	return append([]Landscape(nil), landscapes...), nil
}

// Landscape returns the soil model of one zone.
func (c *Client) Landscape(ctx context.Context, deviceID string, station Station, force bool) (*Landscape, error) {
	landscapes, err := c.Landscapes(ctx, deviceID, force)
	if err != nil {
		return nil, err
	}
	for i := range landscapes {
		if landscapes[i].Station == station {
			return &landscapes[i], nil
		}
	}
	return nil, fmt.Errorf("%w: landscape for device %s zone %d", ErrNotFound, deviceID, station)
}

// UpdateProgram replaces a timer program.
func (c *Client) UpdateProgram(ctx context.Context, program *Program) error {
	if program == nil || program.ID == "" {
		return fmt.Errorf("%w: program id is required", ErrRequest)
	}
	body := map[string]any{"sprinkler_timer_program": program}
	if err := c.do(ctx, http.MethodPut, programsPath+"/"+url.PathEscape(program.ID), nil, body, nil); err != nil {
		return err
	}

	c.mu.Lock()
	for i, p := range c.programs {
		if p.ID == program.ID {
			c.programs[i] = program.Clone()
		}
	}
	c.mu.Unlock()
	return nil
}

// UpdateLandscape sets the soil moisture model of a zone.
func (c *Client) UpdateLandscape(ctx context.Context, update LandscapeUpdate) error {
	if update.ID == "" {
		return fmt.Errorf("%w: landscape id is required", ErrRequest)
	}
	body := map[string]any{"landscape_description": update}
	return c.do(ctx, http.MethodPut, landscapesPath+"/"+url.PathEscape(update.ID), nil, body, nil)
}

// GetData assembles a full snapshot. Device and program failures are returned;
// history and landscape failures for a single device are logged and skipped.
func (c *Client) GetData(ctx context.Context, force bool) (*Data, error) {
	devices, devicesAt, err := c.fetchDevices(ctx, force)
	if err != nil {
		return nil, fmt.Errorf("fetching devices: %w", err)
	}
	programs, programsAt, err := c.fetchPrograms(ctx, force)
	if err != nil {
		return nil, fmt.Errorf("fetching programs: %w", err)
	}

	data := NewData()
	data.Devices = devices
	data.Programs = programs
	data.FetchedAt = c.clock.Now()
	data.DevicesFetchedAt = devicesAt
	data.ProgramsFetchedAt = programsAt

	for _, d := range devices {
		if d.Type != DeviceSprinkler {
			continue
		}
		history, err := c.DeviceHistory(ctx, d.ID, force)
		if err != nil {
			c.logger.Warn("Failed to fetch watering history",
				zap.String("device_id", d.ID),
				zap.Error(err))
		} else {
			data.Histories[d.ID] = history
		}

		landscapes, err := c.Landscapes(ctx, d.ID, force)
		if err != nil {
			c.logger.Warn("Failed to fetch landscapes",
				zap.String("device_id", d.ID),
				zap.Error(err))
		} else {
			data.Landscapes[d.ID] = landscapes
		}
	}
	return data, nil
}

// due reports whether a resource last fetched at last should be refetched.
func (c *Client) due(last time.Time, force bool) bool {
	return force || last.IsZero() || c.clock.Since(last) >= c.cfg.PollPeriod
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	if query == nil {
		query = url.Values{}
	}
	query.Set("t", strconv.FormatInt(c.clock.Now().Unix(), 10))
	return c.do(ctx, http.MethodGet, path, query, nil, out)
}

// do performs an authenticated request. A 401 drops the session token and the
// request is retried once with a fresh login.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	for attempt := 0; ; attempt++ {
		req, err := c.newRequest(ctx, method, path, query, body)
		if err != nil {
			return err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if errors.Is(err, ErrInvalidCredentials) {
				return err
			}
			return fmt.Errorf("%w: %s %s: %w", ErrRequest, method, path, err)
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			drain(resp)
			c.logger.Info("Session token rejected, logging in again", zap.String("path", path))
			c.invalidate()
			continue
		}
		if resp.StatusCode >= 300 {
			drain(resp)
			return fmt.Errorf("%w: %s %s returned %d", ErrRequest, method, path, resp.StatusCode)
		}

		if out == nil {
			drain(resp)
			return nil
		}
		err = decodeBody(resp, out)
		resp.Body.Close()
		return err
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Request, error) {
	u := c.cfg.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%w: encoding body: %v", ErrRequest, err)
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRequest, err)
	}
	return req, nil
}

func decodeBody(resp *http.Response, out any) error {
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding %s: %v", ErrRequest, resp.Request.URL.Path, err)
	}
	return nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

func cloneDevices(devices []*Device) []*Device {
	out := make([]*Device, len(devices))
	for i, d := range devices {
		out[i] = d.Clone()
	}
	return out
}

func clonePrograms(programs []*Program) []*Program {
	out := make([]*Program, len(programs))
	for i, p := range programs {
		out[i] = p.Clone()
	}
	return out
}
