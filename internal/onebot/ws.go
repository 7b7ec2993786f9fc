package onebot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/simplesurance/onebothook/internal/logfields"
	"github.com/simplesurance/onebothook/internal/relayerr"
)

// ConnState is the state of the websocket connection.
type ConnState uint8

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

var connStateStr = [...]string{
	StateDisconnected: "disconnected",
	StateConnecting:   "connecting",
	StateConnected:    "connected",
}

func (s ConnState) String() string {
	if int(s) > len(connStateStr)-1 {
		return fmt.Sprintf("unsupported ConnState value: %d", s)
	}

	return connStateStr[s]
}

const (
	DefReconnectInitialInterval = 2 * time.Second
	DefReconnectMaxInterval     = time.Minute
	defCloseTimeout             = 5 * time.Second
)

type wsResult struct {
	resp *Response
	err  error
}

// WSTransport sends requests over a single long-lived websocket connection.
//
// The connection is established on Connect() or on the first request.
// When it breaks, all in-flight requests fail with ErrConnectionLost and the
// transport becomes disconnected. The next request reconnects. When
// connecting fails, further attempts are suspended for an exponentially
// growing interval; requests during that time fail fast with a
// relayerr.RetryableError.
// Responses are correlated to requests via the echo field, frames without
// a known echo (e.g. bot events) are discarded.
type WSTransport struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	logger *zap.Logger

	// lock protects all fields below
	lock             sync.Mutex
	state            ConnState
	conn             *websocket.Conn
	pending          map[string]chan wsResult
	reconnectBackoff *backoff.ExponentialBackOff
	nextDialAt       time.Time
	closed           bool

	// writeLock serializes writes, only 1 writer is allowed per connection
	writeLock sync.Mutex
	readerWg  sync.WaitGroup
}

type WSOpt func(*WSTransport)

// WithWSAccessToken sets the access token and how it is passed to the
// server during the handshake.
func WithWSAccessToken(token string, mode TokenMode) WSOpt {
	return func(t *WSTransport) {
		if token == "" {
			return
		}

		if mode == TokenModeQuery {
			u, err := url.Parse(t.url)
			if err != nil {
				// the url is validated by NewWSTransport
				return
			}

			q := u.Query()
			q.Set(tokenQueryParam, token)
			u.RawQuery = q.Encode()
			t.url = u.String()

			return
		}

		t.header.Set("Authorization", "Bearer "+token)
	}
}

// WithReconnectBackoff sets the initial and maximum interval between
// failed connection attempts.
func WithReconnectBackoff(initial, maxInterval time.Duration) WSOpt {
	return func(t *WSTransport) {
		t.reconnectBackoff.InitialInterval = initial
		t.reconnectBackoff.MaxInterval = maxInterval
	}
}

func NewWSTransport(wsURL string, opts ...WSOpt) (*WSTransport, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("parsing url failed: %w", err)
	}

	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("unsupported url scheme %q, expecting ws or wss", u.Scheme)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = DefReconnectInitialInterval
	bo.Multiplier = 1.5
	bo.MaxInterval = DefReconnectMaxInterval
	bo.MaxElapsedTime = 0

	t := WSTransport{
		url:              wsURL,
		header:           http.Header{},
		dialer:           websocket.DefaultDialer,
		logger:           zap.L().Named(loggerName).Named("ws"),
		pending:          map[string]chan wsResult{},
		reconnectBackoff: bo,
	}

	for _, opt := range opts {
		opt(&t)
	}

	t.reconnectBackoff.Reset()

	return &t, nil
}

// State returns the current connection state.
func (t *WSTransport) State() ConnState {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.state
}

// Connect establishes the connection if it does not exist.
func (t *WSTransport) Connect(ctx context.Context) error {
	_, err := t.ensureConnected(ctx)
	return err
}

func (t *WSTransport) ensureConnected(ctx context.Context) (*websocket.Conn, error) {
	t.lock.Lock()

	if t.closed {
		t.lock.Unlock()
		return nil, ErrClosed
	}

	switch t.state {
	case StateConnected:
		conn := t.conn
		t.lock.Unlock()
		return conn, nil

	case StateConnecting:
		t.lock.Unlock()
		return nil, relayerr.NewRetryableAnytimeError(ErrReconnecting)
	}

	if time.Now().Before(t.nextDialAt) {
		nextDialAt := t.nextDialAt
		t.lock.Unlock()
		return nil, relayerr.NewRetryableError(ErrNotConnected, nextDialAt)
	}

	t.state = StateConnecting
	t.lock.Unlock()

	t.logger.Debug("connecting to websocket server", logfields.Event("onebot_ws_connecting"))

	conn, resp, err := t.dialer.DialContext(ctx, t.url, t.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	if err != nil {
		t.state = StateDisconnected
		retryIn := t.reconnectBackoff.NextBackOff()
		t.nextDialAt = time.Now().Add(retryIn)

		t.logger.Warn(
			"connecting to websocket server failed",
			logfields.Event("onebot_ws_connecting_failed"),
			zap.Duration("reconnect_suspended_for", retryIn),
			zap.Error(err),
		)

		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake failed with status code %d", ErrAuthRejected, resp.StatusCode)
		}

		return nil, relayerr.NewRetryableAnytimeError(fmt.Errorf("connecting to websocket server failed: %w", err))
	}

	if t.closed {
		t.state = StateDisconnected
		_ = conn.Close()
		return nil, ErrClosed
	}

	t.reconnectBackoff.Reset()
	t.nextDialAt = time.Time{}
	t.conn = conn
	t.state = StateConnected

	t.readerWg.Add(1)
	go t.readLoop(conn)

	t.logger.Info("connected to websocket server", logfields.Event("onebot_ws_connected"))

	return conn, nil
}

func (t *WSTransport) readLoop(conn *websocket.Conn) {
	defer t.readerWg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.connectionLost(conn, err)
			return
		}

		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			t.logger.Debug(
				"discarding unparseable websocket frame",
				logfields.Event("onebot_ws_frame_discarded"),
				zap.Error(err),
			)
			continue
		}

		if resp.Echo == "" {
			// bot events, e.g. heartbeats or received messages
			continue
		}

		t.lock.Lock()
		ch, exist := t.pending[resp.Echo]
		delete(t.pending, resp.Echo)
		t.lock.Unlock()

		if !exist {
			t.logger.Debug(
				"discarding response with unknown echo",
				logfields.Event("onebot_ws_response_discarded"),
				logfields.Echo(resp.Echo),
			)
			continue
		}

		ch <- wsResult{resp: &resp}
	}
}

// connectionLost transitions to StateDisconnected if conn is the current
// connection and fails all in-flight requests.
func (t *WSTransport) connectionLost(conn *websocket.Conn, reason error) {
	t.lock.Lock()

	if t.conn != conn {
		t.lock.Unlock()
		return
	}

	t.conn = nil
	t.state = StateDisconnected
	t.failPending()
	closed := t.closed

	t.lock.Unlock()

	_ = conn.Close()

	if closed {
		return
	}

	t.logger.Warn(
		"websocket connection lost",
		logfields.Event("onebot_ws_connection_lost"),
		zap.Error(reason),
	)
}

// failPending must be called with t.lock held.
func (t *WSTransport) failPending() {
	for echo, ch := range t.pending {
		ch <- wsResult{err: relayerr.NewRetryableAnytimeError(ErrConnectionLost)}
		delete(t.pending, echo)
	}
}

// Do sends req over the websocket connection and waits for the response
// with the same echo.
func (t *WSTransport) Do(ctx context.Context, req *Request) (*Response, error) {
	conn, err := t.ensureConnected(ctx)
	if err != nil {
		return nil, err
	}

	r := *req
	r.Echo = uuid.NewString()

	data, err := json.Marshal(&r)
	if err != nil {
		return nil, fmt.Errorf("marshaling request failed: %w", err)
	}

	ch := make(chan wsResult, 1)

	t.lock.Lock()
	if t.conn != conn {
		t.lock.Unlock()
		return nil, relayerr.NewRetryableAnytimeError(ErrConnectionLost)
	}
	t.pending[r.Echo] = ch
	t.lock.Unlock()

	defer t.removePending(r.Echo)

	if err := t.write(ctx, conn, data); err != nil {
		t.connectionLost(conn, err)
		return nil, relayerr.NewRetryableAnytimeError(fmt.Errorf("writing to websocket failed: %w", err))
	}

	t.logger.Debug(
		"request sent",
		logfields.Event("onebot_ws_request_sent"),
		logfields.OneBotAction(r.Action),
		logfields.Echo(r.Echo),
	)

	select {
	case res := <-ch:
		return res.resp, res.err

	case <-ctx.Done():
		return nil, relayerr.NewRetryableAnytimeError(fmt.Errorf("waiting for response failed: %w", ctx.Err()))
	}
}

func (t *WSTransport) write(ctx context.Context, conn *websocket.Conn, data []byte) error {
	t.writeLock.Lock()
	defer t.writeLock.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		defer func() { _ = conn.SetWriteDeadline(time.Time{}) }()
	}

	return conn.WriteMessage(websocket.TextMessage, data)
}

func (t *WSTransport) removePending(echo string) {
	t.lock.Lock()
	delete(t.pending, echo)
	t.lock.Unlock()
}

// Close closes the connection, fails in-flight requests and waits until the
// reader go-routine terminated.
// Requests after Close fail with ErrClosed.
func (t *WSTransport) Close() error {
	t.lock.Lock()
	if t.closed {
		t.lock.Unlock()
		return nil
	}

	t.closed = true
	conn := t.conn
	t.conn = nil
	t.state = StateDisconnected
	t.failPending()
	t.lock.Unlock()

	var err error
	if conn != nil {
		t.writeLock.Lock()
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(defCloseTimeout),
		)
		t.writeLock.Unlock()

		err = conn.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	}

	t.readerWg.Wait()

	t.logger.Debug("websocket transport closed", logfields.Event("onebot_ws_closed"))

	return err
}

func (t *WSTransport) String() string {
	return "websocket: " + redactURL(t.url)
}

func redactURL(s string) string {
	u, err := url.Parse(s)
	if err != nil {
		return s
	}

	q := u.Query()
	if q.Has(tokenQueryParam) {
		q.Set(tokenQueryParam, "**hidden**")
		u.RawQuery = q.Encode()
	}

	return u.String()
}
