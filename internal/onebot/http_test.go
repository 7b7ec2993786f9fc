package onebot

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type recordedHTTPReq struct {
	path       string
	authHeader string
	queryToken string
	params     Params
}

func newOneBotHTTPServer(t *testing.T, status int, respBody string) (*httptest.Server, chan *recordedHTTPReq) {
	t.Helper()

	ch := make(chan *recordedHTTPReq, 16)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recordedHTTPReq{
			path:       r.URL.Path,
			authHeader: r.Header.Get("Authorization"),
			queryToken: r.URL.Query().Get("access_token"),
		}

		if err := json.NewDecoder(r.Body).Decode(&rec.params); err != nil {
			t.Errorf("decoding request body failed: %s", err)
		}

		ch <- &rec

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(respBody))
	}))
	t.Cleanup(srv.Close)

	return srv, ch
}

func TestHTTPTransportSendGroupMsg(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	srv, reqs := newOneBotHTTPServer(t, http.StatusOK, `{"status":"ok","retcode":0,"data":{"message_id":1}}`)

	tr, err := NewHTTPTransport(srv.URL+"/", WithHTTPAccessToken("s3cr3t", TokenModeHeader))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	req, err := NewSendMsgRequest(GroupTarget(123), "hello")
	require.NoError(t, err)

	resp, err := tr.Do(context.Background(), req)
	require.NoError(t, err)
	require.NoError(t, resp.Err())

	rec := <-reqs
	assert.Equal(t, "/send_group_msg", rec.path)
	assert.Equal(t, "Bearer s3cr3t", rec.authHeader)
	assert.Empty(t, rec.queryToken)
	assert.Equal(t, int64(123), rec.params.GroupID)
	assert.Equal(t, "hello", rec.params.Message)
}

func TestHTTPTransportQueryToken(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	srv, reqs := newOneBotHTTPServer(t, http.StatusOK, `{"status":"ok","retcode":0}`)

	tr, err := NewHTTPTransport(srv.URL, WithHTTPAccessToken("s3cr3t", TokenModeQuery))
	require.NoError(t, err)

	req, err := NewSendMsgRequest(PrivateTarget(42), "hi")
	require.NoError(t, err)

	_, err = tr.Do(context.Background(), req)
	require.NoError(t, err)

	rec := <-reqs
	assert.Equal(t, "/send_private_msg", rec.path)
	assert.Empty(t, rec.authHeader)
	assert.Equal(t, "s3cr3t", rec.queryToken)
	assert.Equal(t, int64(42), rec.params.UserID)
}

func TestHTTPTransportStatusClassification(t *testing.T) {
	testcases := []struct {
		name              string
		status            int
		expectedRetryable bool
		expectedAuthErr   bool
	}{
		{name: "internalServerError", status: http.StatusInternalServerError, expectedRetryable: true},
		{name: "badGateway", status: http.StatusBadGateway, expectedRetryable: true},
		{name: "tooManyRequests", status: http.StatusTooManyRequests, expectedRetryable: true},
		{name: "unauthorized", status: http.StatusUnauthorized, expectedAuthErr: true},
		{name: "forbidden", status: http.StatusForbidden, expectedAuthErr: true},
		{name: "notFound", status: http.StatusNotFound},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

			srv, _ := newOneBotHTTPServer(t, tc.status, `{}`)

			tr, err := NewHTTPTransport(srv.URL)
			require.NoError(t, err)

			req, err := NewSendMsgRequest(GroupTarget(1), "x")
			require.NoError(t, err)

			_, err = tr.Do(context.Background(), req)
			require.Error(t, err)
			assert.Equal(t, tc.expectedRetryable, IsRetryable(err))
			assert.Equal(t, tc.expectedAuthErr, errors.Is(err, ErrAuthRejected))

			var statusErr *HTTPStatusError
			require.ErrorAs(t, err, &statusErr)
			assert.Equal(t, tc.status, statusErr.Status)
		})
	}
}

func TestHTTPTransportConnectionRefusedIsRetryable(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	tr, err := NewHTTPTransport(url)
	require.NoError(t, err)

	req, err := NewSendMsgRequest(GroupTarget(1), "x")
	require.NoError(t, err)

	_, err = tr.Do(context.Background(), req)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestNewHTTPTransportRejectsWSURL(t *testing.T) {
	_, err := NewHTTPTransport("ws://127.0.0.1:6700")
	assert.Error(t, err)
}

func TestHTTPDispatcherRetriesServerErrors(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		_, _ = w.Write([]byte(`{"status":"ok","retcode":0}`))
	}))
	t.Cleanup(srv.Close)

	tr, err := NewHTTPTransport(srv.URL)
	require.NoError(t, err)

	d := NewDispatcher(tr, WithRetryer(newFastRetryer(2)))
	t.Cleanup(func() { _ = d.Close() })

	require.NoError(t, d.Send(context.Background(), GroupTarget(1), "hello"))
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPDispatcherStalledResponseBodyIsRetryable(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":`))
		w.(http.Flusher).Flush()

		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	tr, err := NewHTTPTransport(srv.URL)
	require.NoError(t, err)

	d := NewDispatcher(
		tr,
		WithSendTimeout(100*time.Millisecond),
		WithRetryer(newFastRetryer(1)),
	)
	t.Cleanup(func() { _ = d.Close() })

	err = d.Send(context.Background(), GroupTarget(1), "hello")
	require.Error(t, err)
	assert.True(t, IsRetryable(err), "error is not retryable: %s", err)
	assert.Equal(t, int32(2), calls.Load())
}
