package onebot

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// wsServer is a fake OneBot websocket server.
// respondFn is called for every received request, when it returns nil the
// connection is closed without responding.
type wsServer struct {
	srv *httptest.Server

	connections atomic.Int32
	frames      atomic.Int32
	authHeader  atomic.Value
	queryToken  atomic.Value

	sendEventBeforeResponse bool
	respondFn               func(connNr int32, req *Request) *Response
}

type wsServerOpt func(*wsServer)

// withBotEvents makes the server send an event frame before every response.
func withBotEvents() wsServerOpt {
	return func(s *wsServer) {
		s.sendEventBeforeResponse = true
	}
}

func newWSServer(t *testing.T, respondFn func(connNr int32, req *Request) *Response, opts ...wsServerOpt) *wsServer {
	t.Helper()

	s := wsServer{respondFn: respondFn}
	for _, opt := range opts {
		opt(&s)
	}
	upgrader := websocket.Upgrader{}

	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.authHeader.Store(r.Header.Get("Authorization"))
		s.queryToken.Store(r.URL.Query().Get("access_token"))

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		connNr := s.connections.Add(1)

		for {
			var req Request
			if err := conn.ReadJSON(&req); err != nil {
				return
			}

			s.frames.Add(1)

			resp := s.respondFn(connNr, &req)
			if resp == nil {
				return
			}

			if s.sendEventBeforeResponse {
				err := conn.WriteMessage(websocket.TextMessage, []byte(`{"post_type":"meta_event","meta_event_type":"heartbeat"}`))
				if err != nil {
					return
				}
			}

			resp.Echo = req.Echo
			if err := conn.WriteJSON(resp); err != nil {
				return
			}
		}
	}))
	t.Cleanup(s.srv.Close)

	return &s
}

func (s *wsServer) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func respondOK(int32, *Request) *Response {
	return &Response{Status: StatusOK}
}

func newTestWSTransport(t *testing.T, url string, opts ...WSOpt) *WSTransport {
	t.Helper()

	tr, err := NewWSTransport(url, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	return tr
}

func TestWSTransportRoundtrip(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	var received atomic.Value
	srv := newWSServer(t, func(_ int32, req *Request) *Response {
		received.Store(*req)
		return &Response{Status: StatusOK}
	}, withBotEvents())

	tr := newTestWSTransport(t, srv.URL(), WithWSAccessToken("s3cr3t", TokenModeHeader))
	assert.Equal(t, StateDisconnected, tr.State())

	req, err := NewSendMsgRequest(GroupTarget(123), "hello")
	require.NoError(t, err)

	resp, err := tr.Do(context.Background(), req)
	require.NoError(t, err)
	require.NoError(t, resp.Err())

	assert.Equal(t, StateConnected, tr.State())
	assert.Equal(t, "Bearer s3cr3t", srv.authHeader.Load())

	got := received.Load().(Request)
	assert.Equal(t, ActionSendGroupMsg, got.Action)
	assert.Equal(t, int64(123), got.Params.GroupID)
	assert.Equal(t, "hello", got.Params.Message)
	assert.NotEmpty(t, got.Echo)
	assert.Empty(t, req.Echo, "request passed to Do must not be modified")
}

func TestWSTransportQueryToken(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	srv := newWSServer(t, respondOK)
	tr := newTestWSTransport(t, srv.URL(), WithWSAccessToken("s3cr3t", TokenModeQuery))

	require.NoError(t, tr.Connect(context.Background()))
	assert.Equal(t, "s3cr3t", srv.queryToken.Load())
	assert.Equal(t, "", srv.authHeader.Load())
	assert.NotContains(t, tr.String(), "s3cr3t")
}

func TestWSTransportReusesConnection(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	srv := newWSServer(t, respondOK)
	tr := newTestWSTransport(t, srv.URL())

	req, err := NewSendMsgRequest(PrivateTarget(1), "x")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := tr.Do(context.Background(), req)
		require.NoError(t, err)
	}

	assert.Equal(t, int32(1), srv.connections.Load())
	assert.Equal(t, int32(5), srv.frames.Load())
}

func TestWSTransportConcurrentRequests(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	srv := newWSServer(t, respondOK)
	tr := newTestWSTransport(t, srv.URL())
	require.NoError(t, tr.Connect(context.Background()))

	var wg sync.WaitGroup
	errs := make([]error, 50)

	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			req, err := NewSendMsgRequest(GroupTarget(int64(i+1)), "concurrent")
			if err != nil {
				errs[i] = err
				return
			}

			_, errs[i] = tr.Do(context.Background(), req)
		}(i)
	}

	wg.Wait()

	for i, err := range errs {
		assert.NoErrorf(t, err, "request %d", i)
	}

	assert.Equal(t, int32(50), srv.frames.Load())
	assert.Equal(t, int32(1), srv.connections.Load())
}

func TestWSTransportConnectionLostIsRetryable(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	srv := newWSServer(t, func(int32, *Request) *Response { return nil })
	tr := newTestWSTransport(t, srv.URL())

	req, err := NewSendMsgRequest(GroupTarget(1), "x")
	require.NoError(t, err)

	_, err = tr.Do(context.Background(), req)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))

	assert.Eventually(t, func() bool {
		return tr.State() == StateDisconnected
	}, 5*time.Second, 10*time.Millisecond)
}

// TestWSDispatcherRetriesOnceAfterConnectionReset verifies that when the
// connection is reset during a send, the send is repeated once on a new
// connection before the failure is reported, and that the next send
// reconnects again.
func TestWSDispatcherRetriesOnceAfterConnectionReset(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	srv := newWSServer(t, func(connNr int32, _ *Request) *Response {
		if connNr <= 2 {
			return nil
		}

		return &Response{Status: StatusOK}
	})

	tr := newTestWSTransport(t, srv.URL())
	d := NewDispatcher(tr, WithRetryer(newFastRetryer(1)), WithSendTimeout(5*time.Second))

	err := d.Send(context.Background(), GroupTarget(1), "hello")
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, ErrConnectionLost)
	assert.Equal(t, int32(2), srv.frames.Load(), "expected exactly 1 retry")
	assert.Equal(t, int32(2), srv.connections.Load())

	require.NoError(t, d.Send(context.Background(), GroupTarget(1), "hello"))
	assert.Equal(t, int32(3), srv.connections.Load())
	assert.Equal(t, int32(3), srv.frames.Load())
}

func TestWSTransportFailedDialSuspendsReconnect(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	tr := newTestWSTransport(t, url, WithReconnectBackoff(time.Hour, time.Hour))

	err := tr.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.False(t, errors.Is(err, ErrNotConnected))

	req, err := NewSendMsgRequest(GroupTarget(1), "x")
	require.NoError(t, err)

	start := time.Now()
	_, err = tr.Do(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.True(t, IsRetryable(err))
	assert.Less(t, time.Since(start), time.Second, "request during backoff must fail fast")
}

func TestWSTransportHandshakeUnauthorizedIsTerminal(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	tr := newTestWSTransport(t, "ws"+strings.TrimPrefix(srv.URL, "http"))

	err := tr.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthRejected)
	assert.False(t, IsRetryable(err))
}

func TestWSTransportRequestsFailAfterClose(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	srv := newWSServer(t, respondOK)
	tr := newTestWSTransport(t, srv.URL())
	require.NoError(t, tr.Connect(context.Background()))

	require.NoError(t, tr.Close())
	assert.Equal(t, StateDisconnected, tr.State())

	req, err := NewSendMsgRequest(GroupTarget(1), "x")
	require.NoError(t, err)

	_, err = tr.Do(context.Background(), req)
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, tr.Close())
}

func TestNewWSTransportRejectsHTTPURL(t *testing.T) {
	_, err := NewWSTransport("http://127.0.0.1:5700")
	assert.Error(t, err)
}

func TestConnStateString(t *testing.T) {
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
}
