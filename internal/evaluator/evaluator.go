package evaluator

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/dgraph-io/ristretto"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/OrlandoBitencourt/fliptengine/internal/domain"
)

// Evaluator applies a snapshot's rules to evaluation requests.
//
// Evaluation is pure with respect to the snapshot: the only state kept
// between calls is the cache of compiled `matches` expressions, which does
// not affect results.
type Evaluator struct {
	logger *slog.Logger

	// mu orders cache access against Close; ristretto panics on a Set
	// racing its own Close
	mu       sync.RWMutex
	closed   bool
	programs *ristretto.Cache
}

// Option configures an Evaluator
type Option func(*options)

type options struct {
	logger        *slog.Logger
	maxPrograms   int64
	cacheCounters int64
}

// WithLogger sets the logger used for evaluation diagnostics
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithProgramCacheSize bounds the number of compiled expressions kept
func WithProgramCacheSize(n int64) Option {
	return func(o *options) {
		o.maxPrograms = n
		o.cacheCounters = n * 10
	}
}

// New creates a new evaluator
func New(opts ...Option) (*Evaluator, error) {
	o := options{
		logger:        slog.Default(),
		maxPrograms:   1000,
		cacheCounters: 10000,
	}
	for _, opt := range opts {
		opt(&o)
	}

	programs, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: o.cacheCounters,
		MaxCost:     o.maxPrograms,
		BufferItems: 64,

		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create program cache: %w", err)
	}

	return &Evaluator{
		programs: programs,
		logger:   o.logger,
	}, nil
}

// Close releases the program cache. Evaluations still running compile
// their patterns without caching. Calling Close more than once is a no-op.
func (e *Evaluator) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.closed = true
	e.programs.Close()
}

// Variant evaluates a variant flag
func (e *Evaluator) Variant(snap *domain.Snapshot, req domain.EvaluationRequest) (*domain.VariantResult, error) {
	flag, ok := snap.Flag(req.FlagKey)
	if !ok {
		return nil, domain.NewNotFoundError("flag", req.FlagKey)
	}
	if flag.Type != domain.FlagTypeVariant {
		return nil, domain.NewTypeMismatchError(flag.Key, domain.FlagTypeVariant, flag.Type)
	}

	result := &domain.VariantResult{FlagKey: flag.Key}

	if !flag.Enabled {
		result.Reason = domain.ReasonFlagDisabled
		return result, nil
	}

	for _, rule := range flag.SortedRules() {
		matched, segmentKeys, err := e.matchesSegments(snap, rule.SegmentKeys, rule.SegmentOperator, req)
		if err != nil {
			return nil, domain.NewEvaluationError(flag.Key, "rule "+ruleName(rule), err)
		}
		if !matched {
			continue
		}

		result.SegmentKeys = segmentKeys

		// a matched rule without distributions is a match with no variant
		if len(rule.Distributions) == 0 {
			result.Match = true
			result.Reason = domain.ReasonMatch
			return result, nil
		}

		b := float64(bucket(flag.Key, req.EntityID))
		cumulative := 0.0
		for _, dist := range rule.Distributions {
			cumulative += percentBuckets(dist.Rollout)
			if b < cumulative {
				variant, _ := flag.GetVariant(dist.VariantKey)
				result.Match = true
				result.Reason = domain.ReasonMatch
				result.VariantKey = variant.Key
				result.VariantAttachment = variant.Attachment
				return result, nil
			}
		}

		result.Reason = domain.ReasonNoVariantMatch
		return result, nil
	}

	if flag.DefaultVariantKey != "" {
		variant, _ := flag.GetVariant(flag.DefaultVariantKey)
		result.Reason = domain.ReasonDefault
		result.VariantKey = variant.Key
		result.VariantAttachment = variant.Attachment
		return result, nil
	}

	result.Reason = domain.ReasonNoMatch
	return result, nil
}

// Boolean evaluates a boolean flag
func (e *Evaluator) Boolean(snap *domain.Snapshot, req domain.EvaluationRequest) (*domain.BooleanResult, error) {
	flag, ok := snap.Flag(req.FlagKey)
	if !ok {
		return nil, domain.NewNotFoundError("flag", req.FlagKey)
	}
	if flag.Type != domain.FlagTypeBoolean {
		return nil, domain.NewTypeMismatchError(flag.Key, domain.FlagTypeBoolean, flag.Type)
	}

	result := &domain.BooleanResult{FlagKey: flag.Key}

	if !flag.Enabled {
		result.Reason = domain.ReasonFlagDisabled
		return result, nil
	}

	for _, rollout := range flag.SortedRollouts() {
		switch rollout.Type {
		case domain.RolloutTypeThreshold:
			b := float64(bucket(flag.Key, req.EntityID))
			if b < percentBuckets(rollout.Threshold.Percentage) {
				result.Enabled = rollout.Threshold.Value
				result.Reason = domain.ReasonMatch
				return result, nil
			}

		case domain.RolloutTypeSegment:
			matched, _, err := e.matchesSegments(snap, rollout.Segment.SegmentKeys, rollout.Segment.SegmentOperator, req)
			if err != nil {
				return nil, domain.NewEvaluationError(flag.Key, "rollout "+strconv.Itoa(rollout.Rank), err)
			}
			if matched {
				result.Enabled = rollout.Segment.Value
				result.Reason = domain.ReasonMatch
				return result, nil
			}
		}
	}

	result.Enabled = flag.Enabled
	result.Reason = domain.ReasonDefault
	return result, nil
}

// Evaluate dispatches on the flag's type and never returns an error: failures
// are folded into an error result so a batch can carry them per item.
func (e *Evaluator) Evaluate(snap *domain.Snapshot, req domain.EvaluationRequest) domain.Result {
	flag, ok := snap.Flag(req.FlagKey)
	if !ok {
		return ErrorResult(snap.Namespace(), req.FlagKey, domain.NewNotFoundError("flag", req.FlagKey))
	}

	if flag.Type == domain.FlagTypeBoolean {
		res, err := e.Boolean(snap, req)
		if err != nil {
			return ErrorResult(snap.Namespace(), req.FlagKey, err)
		}
		return domain.Result{Kind: domain.ResultBoolean, Boolean: res}
	}

	res, err := e.Variant(snap, req)
	if err != nil {
		return ErrorResult(snap.Namespace(), req.FlagKey, err)
	}
	return domain.Result{Kind: domain.ResultVariant, Variant: res}
}

// ErrorResult wraps err into an error evaluation result
func ErrorResult(namespace, flagKey string, err error) domain.Result {
	reason := domain.ErrorReasonUnknown
	switch {
	case domain.IsNotFound(err):
		reason = domain.ErrorReasonFlagNotFound
	case domain.IsTypeMismatch(err):
		reason = domain.ErrorReasonWrongType
	}

	return domain.Result{
		Kind: domain.ResultError,
		Error: &domain.ErrorResult{
			FlagKey:      flagKey,
			NamespaceKey: namespace,
			Reason:       reason,
			Message:      err.Error(),
		},
	}
}

// matchesSegments combines segment matches with the operator and returns the
// keys of the segments that matched
func (e *Evaluator) matchesSegments(
	snap *domain.Snapshot,
	keys []string,
	op domain.SegmentOperator,
	req domain.EvaluationRequest,
) (bool, []string, error) {
	var matched []string

	for _, key := range keys {
		seg, ok := snap.Segment(key)
		if !ok {
			// snapshots are validated on construction
			return false, nil, domain.NewNotFoundError("segment", key)
		}

		ok, err := e.matchesSegment(seg, req)
		if err != nil {
			return false, nil, err
		}

		if ok {
			matched = append(matched, key)
			continue
		}
		if op == domain.SegmentOperatorAND {
			return false, nil, nil
		}
	}

	if len(matched) == 0 {
		return false, nil, nil
	}
	return true, matched, nil
}

// matchesExpr evaluates the regular expression of a `matches` constraint
// through expr, compiling each pattern once
func (e *Evaluator) matchesExpr(pattern, value string) (bool, error) {
	program, err := e.program(pattern)
	if err != nil {
		return false, err
	}

	out, err := expr.Run(program, map[string]interface{}{"value": value})
	if err != nil {
		return false, fmt.Errorf("failed to evaluate pattern %q: %w", pattern, err)
	}

	matched, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("pattern %q returned non-boolean: %T", pattern, out)
	}
	return matched, nil
}

func (e *Evaluator) program(pattern string) (*vm.Program, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.closed {
		if cached, ok := e.programs.Get(pattern); ok {
			return cached.(*vm.Program), nil
		}
	}

	program, err := expr.Compile(
		"value matches "+strconv.Quote(pattern),
		expr.Env(map[string]interface{}{"value": ""}),
		expr.AsBool(),
	)
	if err != nil {
		e.logger.Warn("invalid matches pattern", "pattern", pattern, "error", err)
		return nil, fmt.Errorf("failed to compile pattern %q: %w", pattern, err)
	}

	if !e.closed {
		e.programs.Set(pattern, program, 1)
	}
	return program, nil
}

func ruleName(r domain.Rule) string {
	if r.ID != "" {
		return r.ID
	}
	return strconv.Itoa(r.Rank)
}
