// Package relay routes GitHub webhook deliveries to OneBot targets.
//
// For every delivery the Router verifies the signature per rule, evaluates
// which rules apply, renders a message per applying rule and sends it to
// all targets of the rule. Failures are isolated to a single rule or
// target, they never prevent processing of the others.
package relay

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/simplesurance/onebothook/internal/format"
	"github.com/simplesurance/onebothook/internal/logfields"
	"github.com/simplesurance/onebothook/internal/onebot"
	"github.com/simplesurance/onebothook/internal/routines"
)

const loggerName = "router"

// DefMaxParallelSends is the default max. number of messages that are sent
// concurrently for a single delivery.
const DefMaxParallelSends = 8

// ErrNoRuleMatched is reported when no rule applies to a delivery.
var ErrNoRuleMatched = errors.New("no rule matched")

//go:generate mockgen -destination=mocks/mock_sender.go -package=mocks . Sender

// Sender delivers a message to a OneBot target.
type Sender interface {
	Send(ctx context.Context, target onebot.Target, message string) error
}

// Status is the outcome of processing a delivery.
type Status string

const (
	StatusSuccess Status = "success"
	StatusIgnored Status = "ignored"
)

// DispatchError is a failed send of a message for a rule to a target.
type DispatchError struct {
	Rule   string
	Target onebot.Target
	Err    error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("rule %s: sending to %s failed: %s", e.Rule, e.Target, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// Summary describes the outcome of Router.Handle.
type Summary struct {
	// ProcessedRules is the number of rules that matched the delivery.
	ProcessedRules int
	// SkippedRules is the number of rules that were skipped because the
	// signature verification failed.
	SkippedRules int
	// Dispatched is the number of successfully sent messages.
	Dispatched int
	// Errors contains a DispatchError for every failed send, in the order
	// of the rules and their targets.
	Errors []error
	Status Status
	// Message is a human readable description.
	Message string
}

// Router processes webhook deliveries.
type Router struct {
	rules            Rules
	sender           Sender
	logger           *zap.Logger
	maxParallelSends uint
	deferFn          func()
}

type RouterOpt func(*Router)

// WithMaxParallelSends sets the max. number of messages that are sent
// concurrently per delivery.
func WithMaxParallelSends(n uint) RouterOpt {
	return func(r *Router) {
		r.maxParallelSends = n
	}
}

// WithSendRoutineDeferFunc sets a function that is deferred in every
// go-routine that sends a message.
// It can be used to set a panic handler.
func WithSendRoutineDeferFunc(fn func()) RouterOpt {
	return func(r *Router) {
		r.deferFn = fn
	}
}

func NewRouter(rules Rules, sender Sender, opts ...RouterOpt) *Router {
	r := Router{
		rules:            rules,
		sender:           sender,
		logger:           zap.L().Named(loggerName),
		maxParallelSends: DefMaxParallelSends,
	}

	for _, opt := range opts {
		opt(&r)
	}

	for _, rule := range r.rules {
		if !rule.SignatureRequired() {
			r.logger.Warn(
				"rule has no secret, signatures of deliveries are not verified",
				logfields.Event("signature_verification_disabled"),
				logfields.Rule(rule.Name()),
			)
		}
	}

	return &r
}

type dispatchJob struct {
	rule    *Rule
	target  onebot.Target
	message string
	err     error
}

// Handle processes a delivery and returns when all messages were sent or
// failed.
// Rules with an invalid signature are skipped, rules without a secret
// accept every delivery. A message is rendered for
// every matching rule and sent to all targets of the rule.
func (r *Router) Handle(ctx context.Context, d *Delivery) *Summary {
	var summary Summary

	logger := r.logger.With(d.LogFields()...)
	logger.Debug("processing delivery", logfields.Event("delivery_processing_started"))

	eligible := make(Rules, 0, len(r.rules))
	for _, rule := range r.rules {
		if !rule.SignatureRequired() {
			logger.Debug(
				"rule has no secret, signature verification skipped",
				logfields.Event("signature_verification_skipped"),
				logfields.Rule(rule.Name()),
			)
			eligible = append(eligible, rule)
			continue
		}

		if err := rule.VerifySignature(d); err != nil {
			logger.Warn(
				"signature verification failed, rule skipped",
				logfields.Event("signature_verification_failed"),
				logfields.Rule(rule.Name()),
				zap.Error(err),
			)
			summary.SkippedRules++
			continue
		}

		eligible = append(eligible, rule)
	}

	matches, err := eligible.Match(ctx, d)
	if err != nil {
		logger.Error(
			"evaluating rules failed",
			logfields.Event("rule_matching_failed"),
			zap.Error(err),
		)
	}

	if len(matches) == 0 {
		summary.Status = StatusIgnored
		summary.Message = ErrNoRuleMatched.Error()

		logger.Info(
			"delivery ignored, no rule matched",
			logfields.Event("delivery_ignored"),
			zap.Int("skipped_rules", summary.SkippedRules),
		)

		return &summary
	}

	var jobs []*dispatchJob
	for _, m := range matches {
		msg := format.Format(d.EventType, d.Event, m.Rule.Name())

		for _, target := range m.Rule.Targets() {
			jobs = append(jobs, &dispatchJob{
				rule:    m.Rule,
				target:  target,
				message: msg,
			})
		}
	}

	summary.ProcessedRules = len(matches)

	pool := routines.NewPool(r.maxParallelSends, routines.WithDeferFunc(r.deferFn))
	for _, job := range jobs {
		job := job
		pool.Queue(func() {
			job.err = r.sender.Send(ctx, job.target, job.message)
		})
	}
	pool.Wait()

	for _, job := range jobs {
		if job.err != nil {
			summary.Errors = append(summary.Errors, &DispatchError{
				Rule:   job.rule.Name(),
				Target: job.target,
				Err:    job.err,
			})

			logger.Warn(
				"sending notification failed",
				logfields.Event("notification_sending_failed"),
				logfields.Rule(job.rule.Name()),
				logfields.TargetKind(job.target.Kind.String()),
				logfields.TargetID(job.target.ID),
				zap.Error(job.err),
			)

			continue
		}

		summary.Dispatched++
	}

	summary.Status = StatusSuccess
	summary.Message = fmt.Sprintf(
		"%d rule(s) matched, %d notification(s) sent, %d failed",
		summary.ProcessedRules, summary.Dispatched, len(summary.Errors),
	)

	logger.Info(
		"delivery processed",
		logfields.Event("delivery_processed"),
		zap.Int("matched_rules", summary.ProcessedRules),
		zap.Int("skipped_rules", summary.SkippedRules),
		zap.Int("notifications_sent", summary.Dispatched),
		zap.Int("notifications_failed", len(summary.Errors)),
	)

	return &summary
}
