// Package github provides the HTTP endpoint that receives GitHub webhook
// deliveries and passes them to a relay.Router.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/google/go-github/v59/github"
	"go.uber.org/zap"

	"github.com/simplesurance/onebothook/internal/logfields"
	"github.com/simplesurance/onebothook/internal/relay"
	"github.com/simplesurance/onebothook/internal/signature"
)

const loggerName = "github-event-provider"

// MaxBodySize is the max. accepted size of a request body, GitHub caps
// webhook payloads at 25MiB.
const MaxBodySize = 25 * 1024 * 1024

// Router processes deliveries.
type Router interface {
	Handle(context.Context, *relay.Delivery) *relay.Summary
}

// Response is the JSON body that is sent as reply to a webhook request.
type Response struct {
	Status  relay.Status `json:"status"`
	Message string       `json:"message"`
}

// Provider receives GitHub webhook HTTP requests and processes them via a
// Router.
// Processed requests are always answered with StatusOK, also when sending
// notifications failed, to prevent redeliveries by GitHub.
type Provider struct {
	logging *zap.Logger
	router  Router
}

func New(router Router) *Provider {
	return &Provider{
		logging: zap.L().Named(loggerName),
		router:  router,
	}
}

func (p *Provider) respond(resp http.ResponseWriter, logger *zap.Logger, status relay.Status, msg string) {
	resp.Header().Set("Content-Type", "application/json")

	err := json.NewEncoder(resp).Encode(&Response{Status: status, Message: msg})
	if err != nil {
		logger.Info(
			"writing http response failed",
			logfields.Event("github_http_response_writing_failed"),
			zap.Error(err),
		)
	}
}

func isJSONContentType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}

	return mediaType == "application/json"
}

func (p *Provider) HTTPHandler(resp http.ResponseWriter, req *http.Request) {
	deliveryID := github.DeliveryID(req)
	hookType := github.WebHookType(req)

	logger := p.logging.With(
		logfields.EventProvider("github"),
		logfields.DeliveryID(deliveryID),
		logfields.EventType(hookType),
	)

	logger.Debug("received a http request", logfields.Event("github_http_request_received"))

	if req.Method != http.MethodPost {
		resp.Header().Set("Allow", http.MethodPost)
		http.Error(resp, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if hookType == "" {
		logger.Info(
			"ignoring http request, X-GitHub-Event header is missing",
			logfields.Event("github_http_request_ignored"),
		)
		p.respond(resp, logger, relay.StatusIgnored, "missing X-GitHub-Event header")
		return
	}

	if ct := req.Header.Get("Content-Type"); !isJSONContentType(ct) {
		logger.Info(
			"ignoring http request, content-type is not application/json",
			logfields.Event("github_http_request_ignored"),
			zap.String("content_type", ct),
		)
		p.respond(resp, logger, relay.StatusIgnored, "only application/json requests are processed")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(resp, req.Body, MaxBodySize))
	if err != nil {
		logger.Info(
			"reading http request body failed",
			logfields.Event("github_http_request_reading_failed"),
			zap.Error(err),
		)

		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			http.Error(resp, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}

		http.Error(resp, "reading body failed", http.StatusBadRequest)
		return
	}

	d, err := relay.ParseDelivery(deliveryID, hookType, req.Header.Get(signature.HeaderName), body)
	if err != nil {
		logger.Info(
			"ignoring http request, parsing payload failed",
			logfields.Event("github_event_parsing_failed"),
			zap.Error(err),
		)
		p.respond(resp, logger, relay.StatusIgnored, err.Error())
		return
	}

	// processing continues when the client disconnects
	summary := p.router.Handle(context.WithoutCancel(req.Context()), d)

	p.respond(resp, logger, summary.Status, summary.Message)
}
