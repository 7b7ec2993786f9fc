package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/itchyny/gojq"

	"github.com/simplesurance/onebothook/internal/cfg"
	"github.com/simplesurance/onebothook/internal/glob"
	"github.com/simplesurance/onebothook/internal/onebot"
	"github.com/simplesurance/onebothook/internal/signature"
)

// Rule defines for which deliveries notifications are sent and to which
// targets.
type Rule struct {
	name           string
	repoPatterns   glob.Patterns
	branchPatterns glob.Patterns
	secret         string
	eventTypes     []string
	targets        []onebot.Target
	filterQuery    *gojq.Query
}

type RuleOpt func(*Rule) error

// WithSecret sets the secret that is used to verify the signature of
// deliveries. If it is not set, signatures are not verified.
func WithSecret(secret string) RuleOpt {
	return func(r *Rule) error {
		r.secret = secret
		return nil
	}
}

// WithBranches restricts the rule to events for branches that match one of
// the glob patterns. Events without a git reference are not affected.
func WithBranches(patterns ...string) RuleOpt {
	return func(r *Rule) error {
		pp, err := glob.CompileAll(patterns)
		if err != nil {
			return fmt.Errorf("branches: %w", err)
		}

		r.branchPatterns = pp
		return nil
	}
}

// WithFilterQuery sets a jq query that is evaluated against the JSON
// payload. The rule only matches if it returns true.
func WithFilterQuery(jqQuery string) RuleOpt {
	return func(r *Rule) error {
		if jqQuery == "" {
			return nil
		}

		query, err := gojq.Parse(jqQuery)
		if err != nil {
			return fmt.Errorf("filter_query: %w", err)
		}

		r.filterQuery = query
		return nil
	}
}

func NewRule(name string, repoPatterns, eventTypes []string, targets []onebot.Target, opts ...RuleOpt) (*Rule, error) {
	if name == "" {
		return nil, errors.New("name is empty")
	}

	if len(repoPatterns) == 0 {
		return nil, fmt.Errorf("rule %s: repositories is empty", name)
	}

	if len(eventTypes) == 0 {
		return nil, fmt.Errorf("rule %s: events is empty", name)
	}

	if len(targets) == 0 {
		return nil, fmt.Errorf("rule %s: targets is empty", name)
	}

	for _, t := range targets {
		if t.Kind != onebot.TargetGroup && t.Kind != onebot.TargetPrivate {
			return nil, fmt.Errorf("rule %s: target %s: undefined target type", name, t)
		}

		if t.ID <= 0 {
			return nil, fmt.Errorf("rule %s: target %s: id must be positive", name, t)
		}
	}

	repos, err := glob.CompileAll(repoPatterns)
	if err != nil {
		return nil, fmt.Errorf("rule %s: repositories: %w", name, err)
	}

	r := Rule{
		name:         name,
		repoPatterns: repos,
		eventTypes:   eventTypes,
		targets:      targets,
	}

	for _, opt := range opts {
		if err := opt(&r); err != nil {
			return nil, fmt.Errorf("rule %s: %w", name, err)
		}
	}

	return &r, nil
}

func (r *Rule) Name() string {
	return r.name
}

// Targets returns the targets notifications are sent to.
func (r *Rule) Targets() []onebot.Target {
	return r.targets
}

// SignatureRequired returns true if the signature of deliveries is
// verified for the rule.
func (r *Rule) SignatureRequired() bool {
	return r.secret != ""
}

// VerifySignature checks if the signature of the delivery was created with
// the secret of the rule.
// If the rule has no secret, nil is returned.
func (r *Rule) VerifySignature(d *Delivery) error {
	return signature.Check(d.RawBody, d.SignatureHeader, r.secret)
}

func (r *Rule) matchesEventType(eventType string) bool {
	for _, et := range r.eventTypes {
		if et == eventType {
			return true
		}
	}

	return false
}

// Match evaluates if the rule applies to the delivery.
// All conditions must be met: the event type is one of the rule's event
// types, the repository matches one of the repository patterns, the branch
// matches one of the branch patterns and the filter query returns true.
// An empty set of branch patterns and deliveries without a git reference
// satisfy the branch condition.
func (r *Rule) Match(ctx context.Context, d *Delivery) (MatchResult, error) {
	if len(r.targets) == 0 {
		return MatchResultUndefined, errors.New("rule has no targets")
	}

	if !r.matchesEventType(d.EventType) {
		return EventTypeMismatch, nil
	}

	if !r.repoPatterns.MatchAny(d.Repository) {
		return RepositoryMismatch, nil
	}

	if len(r.branchPatterns) > 0 && d.Ref != "" && !r.branchPatterns.MatchAny(d.Branch) {
		return BranchMismatch, nil
	}

	if r.filterQuery == nil {
		return Match, nil
	}

	return r.evalFilterQuery(ctx, d)
}

func goJQIterToSlice(iter gojq.Iter) ([]any, []error) {
	var result []any
	var errors []error

	for {
		res, ok := iter.Next()
		if !ok {
			return result, errors
		}

		if err, isErr := res.(error); isErr {
			errors = append(errors, err)
			continue
		}

		result = append(result, res)
	}
}

func errString(errs []error) string {
	var result strings.Builder

	for i, err := range errs {
		if i > 0 {
			result.WriteString("; ")
		}

		result.WriteString(fmt.Sprintf("error %d: %s", i, err))
	}

	return result.String()
}

func (r *Rule) evalFilterQuery(ctx context.Context, d *Delivery) (MatchResult, error) {
	if d.payload == nil {
		return MatchResultUndefined, errors.New("delivery has no json payload")
	}

	result, errors := goJQIterToSlice(r.filterQuery.RunWithContext(ctx, d.payload))
	if len(errors) != 0 {
		return MatchResultUndefined, fmt.Errorf("json query returned errors, query: %q, errors: %s", r.filterQuery.String(), errString(errors))
	}

	if len(result) == 0 {
		return MatchResultUndefined, fmt.Errorf("json query returned 0 results, expected 1, query: %q", r.filterQuery.String())
	}

	if len(result) > 1 {
		return MatchResultUndefined, fmt.Errorf("json query returned multiple results, expected 1, query: %q, result: '%+v'", r.filterQuery.String(), result)
	}

	val, ok := result[0].(bool)
	if !ok {
		return MatchResultUndefined, fmt.Errorf(
			"json query returned non-bool result: %+v (%T), query: %q",
			result[0], result[0], r.filterQuery.String(),
		)
	}

	if val {
		return Match, nil
	}

	return FilterMismatch, nil
}

// RulesFromCfg instantiates Rules from the rule configuration.
func RulesFromCfg(config *cfg.Config) (Rules, error) {
	result := make(Rules, 0, len(config.Rules))
	names := make(map[string]struct{}, len(config.Rules))

	for _, cfgRule := range config.Rules {
		if cfgRule.Name == "" {
			return nil, errors.New("rule: missing field: 'name'")
		}

		if _, exist := names[cfgRule.Name]; exist {
			return nil, fmt.Errorf("rule %s: name is not unique", cfgRule.Name)
		}
		names[cfgRule.Name] = struct{}{}

		targets := make([]onebot.Target, 0, len(cfgRule.Targets))
		for _, cfgTarget := range cfgRule.Targets {
			kind, err := onebot.ParseTargetKind(cfgTarget.Type)
			if err != nil {
				return nil, fmt.Errorf("rule %s: target: %w", cfgRule.Name, err)
			}

			targets = append(targets, onebot.Target{Kind: kind, ID: cfgTarget.ID})
		}

		rule, err := NewRule(
			cfgRule.Name,
			cfgRule.Repositories,
			cfgRule.Events,
			targets,
			WithBranches(cfgRule.Branches...),
			WithSecret(cfgRule.Secret),
			WithFilterQuery(cfgRule.FilterQuery),
		)
		if err != nil {
			return nil, err
		}

		result = append(result, rule)
	}

	return result, nil
}

func (r *Rule) String() string {
	return r.name
}

func (r *Rule) DetailedString() string {
	var result strings.Builder

	fmt.Fprintf(&result, "Name: %s\nRepositories: %s\nEvents: %s\n",
		r.name, r.repoPatterns, strings.Join(r.eventTypes, ", "))

	if len(r.branchPatterns) > 0 {
		fmt.Fprintf(&result, "Branches: %s\n", r.branchPatterns)
	}

	if r.secret != "" {
		result.WriteString("Secret: **hidden**\n")
	} else {
		result.WriteString("Secret: none, signature verification disabled\n")
	}

	if r.filterQuery != nil {
		fmt.Fprintf(&result, "FilterQuery: %s\n", r.filterQuery)
	}

	result.WriteString("Targets:\n")
	for _, t := range r.targets {
		fmt.Fprintf(&result, "  %s\n", t)
	}

	return result.String()
}
