package onebot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/simplesurance/onebothook/internal/logfields"
	"github.com/simplesurance/onebothook/internal/relayerr"
)

const DefaultHTTPClientTimeout = time.Minute

const maxResponseBodySize = 1 << 20

// HTTPTransport calls the OneBot HTTP API.
// Every request is a standalone POST to <url>/<action>.
type HTTPTransport struct {
	baseURL   *url.URL
	token     string
	tokenMode TokenMode
	client    *http.Client
	logger    *zap.Logger
}

type HTTPOpt func(*HTTPTransport)

// WithHTTPAccessToken sets the access token and how it is passed to the
// server.
func WithHTTPAccessToken(token string, mode TokenMode) HTTPOpt {
	return func(t *HTTPTransport) {
		t.token = token
		t.tokenMode = mode
	}
}

// WithHTTPClient sets the http client that is used for requests.
// If an access token is passed in header mode, the transport of the client
// is wrapped to add the Authorization header.
func WithHTTPClient(clt *http.Client) HTTPOpt {
	return func(t *HTTPTransport) {
		t.client = clt
	}
}

func NewHTTPTransport(baseURL string, opts ...HTTPOpt) (*HTTPTransport, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing url failed: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported url scheme %q, expecting http or https", u.Scheme)
	}

	t := HTTPTransport{
		baseURL: u,
		logger:  zap.L().Named(loggerName).Named("http"),
	}

	for _, opt := range opts {
		opt(&t)
	}

	t.client = newHTTPClient(t.client, t.token, t.tokenMode)

	return &t, nil
}

func newHTTPClient(base *http.Client, token string, mode TokenMode) *http.Client {
	if base == nil {
		base = &http.Client{Timeout: DefaultHTTPClientTimeout}
	}

	if token == "" || mode != TokenModeHeader {
		return base
	}

	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)

	tc := oauth2.NewClient(ctx, ts)
	tc.Timeout = base.Timeout

	return tc
}

func (t *HTTPTransport) actionURL(action string) string {
	u := *t.baseURL
	u.Path = u.Path + "/" + action

	if t.token != "" && t.tokenMode == TokenModeQuery {
		q := u.Query()
		q.Set(tokenQueryParam, t.token)
		u.RawQuery = q.Encode()
	}

	return u.String()
}

// Do sends req.Params as JSON body to the action endpoint.
// Transport errors, failed reads of the response body, 429 and 5xx
// responses are returned as relayerr.RetryableError.
func (t *HTTPTransport) Do(ctx context.Context, req *Request) (*Response, error) {
	logger := t.logger.With(logfields.OneBotAction(req.Action))

	body, err := json.Marshal(req.Params)
	if err != nil {
		return nil, fmt.Errorf("marshaling request failed: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.actionURL(req.Action), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, relayerr.NewRetryableAnytimeError(err)
	}

	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		logger.Warn(
			"reading http response body failed",
			logfields.Event("onebot_http_reading_response_body_failed"),
			zap.Int("http_response_code", resp.StatusCode),
			zap.Error(err),
		)

		return nil, relayerr.NewRetryableAnytimeError(fmt.Errorf("reading response body failed: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyHTTPStatus(&HTTPStatusError{
			Body:   respBody,
			Status: resp.StatusCode,
		})
	}

	var result Response
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("parsing response failed: %w, response: %q", err, string(respBody))
	}

	logger.Debug(
		"http response received",
		logfields.Event("onebot_http_response_received"),
		zap.String("onebot.status", result.Status),
		zap.Int("onebot.retcode", result.RetCode),
	)

	return &result, nil
}

func classifyHTTPStatus(err *HTTPStatusError) error {
	switch {
	case err.Status == http.StatusUnauthorized, err.Status == http.StatusForbidden:
		return fmt.Errorf("%w: %w", ErrAuthRejected, err)
	case err.Status == http.StatusTooManyRequests, err.Status >= 500:
		return relayerr.NewRetryableAnytimeError(err)
	default:
		return err
	}
}

func (t *HTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

func (t *HTTPTransport) String() string {
	return "http: " + t.baseURL.String()
}

// errIsTimeout returns true if err was caused by an expired deadline.
func errIsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
