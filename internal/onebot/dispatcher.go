// Package onebot delivers text messages to QQ groups and users via the
// OneBot v11 protocol, over a websocket connection or the HTTP API.
package onebot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/simplesurance/onebothook/internal/logfields"
	"github.com/simplesurance/onebothook/internal/relayerr"
)

const loggerName = "onebot"

const (
	DefSendTimeout     = 10 * time.Second
	defStartupRetries  = 5
	defStartupInterval = 2 * time.Second
)

// Dispatcher sends messages via a Transport.
// Every try of a send is bounded by the send timeout, retryable failures
// are retried with backoff by a Retryer.
// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	transport   Transport
	retryer     *Retryer
	sendTimeout time.Duration
	logger      *zap.Logger
}

type DispatcherOpt func(*Dispatcher)

// WithSendTimeout sets the timeout for a single send try.
func WithSendTimeout(timeout time.Duration) DispatcherOpt {
	return func(d *Dispatcher) {
		d.sendTimeout = timeout
	}
}

// WithRetryer sets the Retryer that repeats failed sends.
func WithRetryer(r *Retryer) DispatcherOpt {
	return func(d *Dispatcher) {
		d.retryer = r
	}
}

func NewDispatcher(transport Transport, opts ...DispatcherOpt) *Dispatcher {
	d := Dispatcher{
		transport:   transport,
		sendTimeout: DefSendTimeout,
		logger:      zap.L().Named(loggerName),
	}

	for _, opt := range opts {
		opt(&d)
	}

	if d.retryer == nil {
		d.retryer = NewRetryer()
	}

	return &d
}

// Start establishes the connection of transports with a persistent
// connection. Connecting is retried a few times.
// If it fails, connecting is retried on the next Send.
func (d *Dispatcher) Start(ctx context.Context) error {
	c, ok := d.transport.(connector)
	if !ok {
		return nil
	}

	r := NewRetryer(
		WithMaxRetries(defStartupRetries),
		WithBackoffInitialInterval(defStartupInterval),
		WithRetryTimeout(5*time.Minute),
	)

	return r.Run(ctx, func(ctx context.Context) error {
		ctx, cancelFn := context.WithTimeout(ctx, d.sendTimeout)
		defer cancelFn()

		return c.Connect(ctx)
	}, []zap.Field{zap.Stringer("onebot.transport", d.transport)})
}

// Send delivers message to target.
// It returns nil when the OneBot implementation confirmed the message.
// Errors wrapping relayerr.RetryableError are failures that persisted
// after all retries, other errors are terminal and were not retried.
func (d *Dispatcher) Send(ctx context.Context, target Target, message string) error {
	req, err := NewSendMsgRequest(target, message)
	if err != nil {
		return err
	}

	logF := []zap.Field{
		logfields.TargetKind(target.Kind.String()),
		logfields.TargetID(target.ID),
		logfields.OneBotAction(req.Action),
	}

	err = d.retryer.Run(ctx, func(ctx context.Context) error {
		return d.sendOnce(ctx, req)
	}, logF)
	if err != nil {
		d.logger.Info(
			"sending message failed",
			append(logF,
				logfields.Event("onebot_message_sending_failed"),
				zap.Bool("retryable", IsRetryable(err)),
				zap.Error(err),
			)...,
		)

		return err
	}

	d.logger.Debug(
		"message sent",
		append(logF, logfields.Event("onebot_message_sent"))...,
	)

	return nil
}

func (d *Dispatcher) sendOnce(ctx context.Context, req *Request) error {
	ctx, cancelFn := context.WithTimeout(ctx, d.sendTimeout)
	defer cancelFn()

	resp, err := d.transport.Do(ctx, req)
	if err != nil {
		if !IsRetryable(err) && errIsTimeout(err) {
			return relayerr.NewRetryableAnytimeError(err)
		}

		return err
	}

	if resp == nil {
		return relayerr.NewRetryableAnytimeError(errors.New("transport returned no response"))
	}

	if err := resp.Err(); err != nil {
		return fmt.Errorf("%s: %w", req.Action, err)
	}

	return nil
}

// Close stops pending retries and closes the transport.
func (d *Dispatcher) Close() error {
	d.retryer.Stop()
	return d.transport.Close()
}

func (d *Dispatcher) String() string {
	return d.transport.String()
}

// IsRetryable returns true if err is a temporary failure.
func IsRetryable(err error) bool {
	var retryErr *relayerr.RetryableError
	return errors.As(err, &retryErr)
}
