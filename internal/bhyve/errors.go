package bhyve

import "errors"

var (
	// ErrRequest wraps any failed REST call.
	ErrRequest = errors.New("bhyve: request failed")

	// ErrInvalidCredentials is returned when the session endpoint rejects the login.
	ErrInvalidCredentials = errors.New("bhyve: invalid credentials")

	// ErrWebsocket wraps failures on the event stream.
	ErrWebsocket = errors.New("bhyve: websocket error")

	// ErrNotConnected is returned when a message is sent while the stream is down.
	ErrNotConnected = errors.New("bhyve: websocket not connected")

	// ErrNotFound is returned for unknown devices, zones or programs.
	ErrNotFound = errors.New("bhyve: not found")
)
