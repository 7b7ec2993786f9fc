package onebot

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when a websocket request is made while
	// reconnecting is suspended by the backoff.
	ErrNotConnected = errors.New("not connected to the onebot websocket server")
	// ErrReconnecting is returned when a websocket request is made while the
	// connection is being established.
	ErrReconnecting = errors.New("connection to the onebot websocket server is being established")
	// ErrConnectionLost is returned for requests that were in flight when
	// the websocket connection broke.
	ErrConnectionLost = errors.New("connection to the onebot websocket server lost")
	// ErrClosed is returned when the transport was closed.
	ErrClosed = errors.New("transport is closed")
	// ErrAuthRejected is returned when the server rejects the access token.
	ErrAuthRejected = errors.New("onebot server rejected the access token")
)

// ActionError is a failed API call reported by the OneBot implementation.
type ActionError struct {
	Status  string
	RetCode int
	Msg     string
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("onebot action failed with status %q, retcode: %d: %s", e.Status, e.RetCode, e.Msg)
}

// HTTPStatusError is returned when the OneBot HTTP API responds with a
// non-2xx status code.
type HTTPStatusError struct {
	Body   []byte
	Status int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("http request failed with StatusCode: %d, response: %q", e.Status, string(e.Body))
}
