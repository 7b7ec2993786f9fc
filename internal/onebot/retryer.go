package onebot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/simplesurance/onebothook/internal/logfields"
	"github.com/simplesurance/onebothook/internal/relayerr"
)

const (
	DefMaxRetries             = 2
	DefRetryTimeout           = time.Minute
	DefBackoffInitialInterval = 500 * time.Millisecond
	defBackoffMaxInterval     = 10 * time.Second
	defRandomizationFactor    = 0.5
)

// ErrRetryerStopped is returned by Run when the Retryer was stopped while
// waiting for the next try.
var ErrRetryerStopped = errors.New("retryer stopped")

// Retryer executes a function repeatedly until it was successful, failed
// with a non-retryable error, the retry limit was reached or the context
// was cancelled.
type Retryer struct {
	logger *zap.Logger

	maxRetries                 uint
	maxRetryTimeout            time.Duration
	backoffInitialInterval     time.Duration
	backoffMaxInterval         time.Duration
	backoffRandomizationFactor float64

	shutdownChan chan struct{}
	stopOnce     sync.Once
}

type RetryerOpt func(*Retryer)

// WithMaxRetries sets how often a failed execution is repeated.
// 0 disables retries.
func WithMaxRetries(n uint) RetryerOpt {
	return func(r *Retryer) {
		r.maxRetries = n
	}
}

// WithRetryTimeout sets the duration after the first try, after that no
// further retries are scheduled.
func WithRetryTimeout(d time.Duration) RetryerOpt {
	return func(r *Retryer) {
		r.maxRetryTimeout = d
	}
}

// WithBackoffInitialInterval sets the delay before the first retry.
func WithBackoffInitialInterval(d time.Duration) RetryerOpt {
	return func(r *Retryer) {
		r.backoffInitialInterval = d
	}
}

func NewRetryer(opts ...RetryerOpt) *Retryer {
	r := Retryer{
		logger:                     zap.L().Named(loggerName).Named("retryer"),
		maxRetries:                 DefMaxRetries,
		maxRetryTimeout:            DefRetryTimeout,
		backoffInitialInterval:     DefBackoffInitialInterval,
		backoffMaxInterval:         defBackoffMaxInterval,
		backoffRandomizationFactor: defRandomizationFactor,
		shutdownChan:               make(chan struct{}),
	}

	for _, opt := range opts {
		opt(&r)
	}

	return &r
}

func (r *Retryer) newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.backoffInitialInterval
	bo.MaxInterval = r.backoffMaxInterval
	bo.RandomizationFactor = r.backoffRandomizationFactor
	bo.MaxElapsedTime = 0
	bo.Reset()

	return bo
}

// Run executes fn until it was successful, it returned an error that
// does not wrap relayerr.RetryableError, fn was retried maxRetries times or
// the execution was aborted via the context.
// The error of the last execution is returned.
func (r *Retryer) Run(ctx context.Context, fn func(context.Context) error, logF []zap.Field) error {
	var tryCnt uint

	logger := r.logger.With(logF...)

	endTime := time.Now().Add(r.maxRetryTimeout)
	bo := r.newBackoff()

	for {
		tryCnt++
		logger := logger.With(zap.Uint("try_count", tryCnt))

		err := fn(ctx)
		if err == nil {
			logger.Debug(
				"execution successful",
				logfields.Event("execution_successful"),
			)

			return nil
		}

		logger = logger.With(zap.Error(err))

		var retryError *relayerr.RetryableError
		if !errors.As(err, &retryError) {
			logger.Debug(
				"execution failed, not retryable",
				logfields.Event("execution_failed"),
			)

			return err
		}

		if tryCnt > r.maxRetries {
			logger.Debug(
				"execution failed, retry limit reached",
				logfields.Event("execution_retries_exhausted"),
				zap.Uint("max_retries", r.maxRetries),
			)

			return fmt.Errorf("giving up after %d attempts: %w", tryCnt, err)
		}

		var retryIn time.Duration
		if retryError.After.IsZero() {
			retryIn = bo.NextBackOff()
		} else {
			retryIn = time.Until(retryError.After)
			if minDelay := r.minBackoffInterval(); retryIn < minDelay {
				retryIn = minDelay
			}
		}

		if time.Now().Add(retryIn).After(endTime) {
			logger.Debug(
				"execution failed, next possible retry time is after timeout expiration",
				logfields.Event("execution_retry_timeout"),
				zap.Duration("retry_in", retryIn),
				zap.Duration("retry_timeout", r.maxRetryTimeout),
			)

			return err
		}

		logger.Debug(
			"execution failed, retry scheduled",
			logfields.Event("execution_retry_scheduled"),
			zap.Duration("retry_in", retryIn),
		)

		retryTimer := time.NewTimer(retryIn)

		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return ctx.Err()

		case <-r.shutdownChan:
			retryTimer.Stop()
			logger.Debug(
				"retryer terminating, execution cancelled",
				logfields.Event("execution_cancelled_retryer_terminated"),
			)
			return ErrRetryerStopped

		case <-retryTimer.C:
		}
	}
}

func (r *Retryer) minBackoffInterval() time.Duration {
	return time.Duration(float64(r.backoffInitialInterval) * (1 - r.backoffRandomizationFactor))
}

// Stop notifies all Run() methods to terminate.
// It does not wait for their termination.
func (r *Retryer) Stop() {
	r.logger.Debug("retryer terminating", logfields.Event("retryer_terminating"))

	r.stopOnce.Do(func() { close(r.shutdownChan) })
}
