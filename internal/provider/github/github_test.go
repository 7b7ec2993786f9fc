package github

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/simplesurance/onebothook/internal/onebot"
	"github.com/simplesurance/onebothook/internal/relay"
	"github.com/simplesurance/onebothook/internal/relay/mocks"
)

const deliveryID = "3355fab0-b22c-11eb-9936-51d9540c0cdc"

const pushEventPayload = `{
  "ref": "refs/heads/main",
  "repository": {"full_name": "acme/widgets"},
  "pusher": {"name": "octocat"},
  "commits": [{"id": "8ad9dec4298f6b8f020997373cf4fe22005f2c06", "message": "add feature", "author": {"name": "octocat"}}]
}`

type recordingRouter struct {
	lock       sync.Mutex
	deliveries []*relay.Delivery
	ctxErr     error
	summary    relay.Summary
}

func (r *recordingRouter) Handle(ctx context.Context, d *relay.Delivery) *relay.Summary {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.deliveries = append(r.deliveries, d)
	r.ctxErr = ctx.Err()

	s := r.summary
	return &s
}

func newWebhookRequest(eventType, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/listener/github", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Delivery", deliveryID)

	if eventType != "" {
		req.Header.Set("X-GitHub-Event", eventType)
	}

	return req
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) *Response {
	t.Helper()

	var resp Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))

	return &resp
}

func TestHTTPHandlerPassesDeliveryToRouter(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t)))

	router := recordingRouter{
		summary: relay.Summary{Status: relay.StatusSuccess, Message: "done"},
	}
	p := New(&router)

	req := newWebhookRequest("push", pushEventPayload)
	req.Header.Set("X-Hub-Signature-256", "sha256=abcd")

	rec := httptest.NewRecorder()
	p.HTTPHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	resp := decodeResponse(t, rec)
	assert.Equal(t, relay.StatusSuccess, resp.Status)
	assert.Equal(t, "done", resp.Message)

	require.Len(t, router.deliveries, 1)
	d := router.deliveries[0]
	assert.Equal(t, deliveryID, d.DeliveryID)
	assert.Equal(t, "push", d.EventType)
	assert.Equal(t, "sha256=abcd", d.SignatureHeader)
	assert.Equal(t, pushEventPayload, string(d.RawBody))
	assert.Equal(t, "acme/widgets", d.Repository)
	assert.Equal(t, "main", d.Branch)
}

func TestHTTPHandlerContextIsNotCancelledWithRequest(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t)))

	router := recordingRouter{summary: relay.Summary{Status: relay.StatusSuccess}}
	p := New(&router)

	ctx, cancelFn := context.WithCancel(context.Background())
	cancelFn()

	req := newWebhookRequest("push", pushEventPayload).WithContext(ctx)
	p.HTTPHandler(httptest.NewRecorder(), req)

	require.Len(t, router.deliveries, 1)
	assert.NoError(t, router.ctxErr)
}

func TestHTTPHandlerIgnoredRequests(t *testing.T) {
	testcases := []struct {
		name string
		req  func() *http.Request
	}{
		{
			name: "missing event header",
			req:  func() *http.Request { return newWebhookRequest("", pushEventPayload) },
		},
		{
			name: "form content type",
			req: func() *http.Request {
				req := newWebhookRequest("push", "payload=x")
				req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
				return req
			},
		},
		{
			name: "malformed json",
			req:  func() *http.Request { return newWebhookRequest("push", "{") },
		},
		{
			name: "json array",
			req:  func() *http.Request { return newWebhookRequest("push", "[]") },
		},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t)))

			var router recordingRouter
			p := New(&router)

			rec := httptest.NewRecorder()
			p.HTTPHandler(rec, tc.req())

			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, relay.StatusIgnored, decodeResponse(t, rec).Status)
			assert.Empty(t, router.deliveries)
		})
	}
}

func TestHTTPHandlerAcceptsJSONWithCharset(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t)))

	router := recordingRouter{summary: relay.Summary{Status: relay.StatusSuccess}}
	p := New(&router)

	req := newWebhookRequest("push", pushEventPayload)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	p.HTTPHandler(httptest.NewRecorder(), req)
	assert.Len(t, router.deliveries, 1)
}

func TestHTTPHandlerRejectsGet(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t)))

	var router recordingRouter
	p := New(&router)

	rec := httptest.NewRecorder()
	p.HTTPHandler(rec, httptest.NewRequest(http.MethodGet, "/listener/github", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Empty(t, router.deliveries)
}

func TestHTTPHandlerRejectsOversizedBody(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t)))

	var router recordingRouter
	p := New(&router)

	body := bytes.Repeat([]byte("a"), MaxBodySize+1)
	req := httptest.NewRequest(http.MethodPost, "/listener/github", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", "push")

	rec := httptest.NewRecorder()
	p.HTTPHandler(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Empty(t, router.deliveries)
}

func TestHTTPHandlerEndToEnd(t *testing.T) {
	const secret = "webhook-secret"

	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t)))

	rule, err := relay.NewRule(
		"ci",
		[]string{"acme/*"},
		[]string{"push"},
		[]onebot.Target{onebot.GroupTarget(123)},
		relay.WithBranches("main"),
		relay.WithSecret(secret),
	)
	require.NoError(t, err)

	sender := mocks.NewMockSender(gomock.NewController(t))
	sender.EXPECT().
		Send(gomock.Any(), gomock.Eq(onebot.GroupTarget(123)), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ onebot.Target, msg string) error {
			assert.Contains(t, msg, "acme/widgets")
			assert.Contains(t, msg, "[8ad9dec] add feature (by octocat)")
			return nil
		}).
		Times(1)

	p := New(relay.NewRouter(relay.Rules{rule}, sender))

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(pushEventPayload))

	req := newWebhookRequest("push", pushEventPayload)
	req.Header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))

	rec := httptest.NewRecorder()
	p.HTTPHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, relay.StatusSuccess, decodeResponse(t, rec).Status)

	// same delivery without signature is ignored
	rec = httptest.NewRecorder()
	p.HTTPHandler(rec, newWebhookRequest("push", pushEventPayload))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, relay.StatusIgnored, decodeResponse(t, rec).Status)
}
