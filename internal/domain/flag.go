package domain

import (
	"fmt"
	"sort"
)

// FlagType distinguishes boolean flags from variant flags
type FlagType string

const (
	FlagTypeBoolean FlagType = "BOOLEAN_FLAG_TYPE"
	FlagTypeVariant FlagType = "VARIANT_FLAG_TYPE"
)

// Flag represents a feature flag with its evaluation rules
type Flag struct {
	Key         string
	Name        string
	Description string
	Enabled     bool
	Type        FlagType

	// Variant flags
	Rules             []Rule
	Variants          []Variant
	DefaultVariantKey string

	// Boolean flags
	Rollouts []Rollout
}

// Variant represents a flag variant
type Variant struct {
	Key        string
	Attachment string
}

// SegmentOperator determines how a rule or rollout combines its segments
type SegmentOperator string

const (
	SegmentOperatorOR  SegmentOperator = "OR_SEGMENT_OPERATOR"
	SegmentOperatorAND SegmentOperator = "AND_SEGMENT_OPERATOR"
)

// valid reports whether op is a known operator. Empty means OR.
func (op SegmentOperator) valid() bool {
	switch op {
	case "", SegmentOperatorOR, SegmentOperatorAND:
		return true
	}
	return false
}

// Rule targets a set of segments and distributes matching entities over variants
type Rule struct {
	ID              string
	Rank            int
	SegmentKeys     []string
	SegmentOperator SegmentOperator
	Distributions   []Distribution
}

// Distribution assigns a percentage of matched entities to a variant
type Distribution struct {
	VariantKey string
	Rollout    float64 // 0-100
}

// RolloutType identifies the kind of boolean rollout
type RolloutType string

const (
	RolloutTypeSegment   RolloutType = "SEGMENT_ROLLOUT_TYPE"
	RolloutTypeThreshold RolloutType = "THRESHOLD_ROLLOUT_TYPE"
)

// Rollout is a single targeting step of a boolean flag
type Rollout struct {
	Rank      int
	Type      RolloutType
	Segment   *RolloutSegment
	Threshold *RolloutThreshold
}

// RolloutSegment returns Value when the context matches the segments
type RolloutSegment struct {
	SegmentKeys     []string
	SegmentOperator SegmentOperator
	Value           bool
}

// RolloutThreshold returns Value for the given percentage of entities
type RolloutThreshold struct {
	Percentage float64
	Value      bool
}

// Validate validates the flag configuration
func (f *Flag) Validate() error {
	if f.Key == "" {
		return NewValidationError("flag key cannot be empty")
	}

	switch f.Type {
	case FlagTypeVariant:
		return f.validateVariant()
	case FlagTypeBoolean:
		return f.validateBoolean()
	default:
		return NewValidationError(fmt.Sprintf("flag %s has unknown type %q", f.Key, f.Type))
	}
}

func (f *Flag) validateVariant() error {
	variants := make(map[string]bool, len(f.Variants))
	for _, v := range f.Variants {
		if v.Key == "" {
			return NewValidationError(fmt.Sprintf("flag %s has a variant without key", f.Key))
		}
		variants[v.Key] = true
	}

	if f.DefaultVariantKey != "" && !variants[f.DefaultVariantKey] {
		return NewValidationError(
			fmt.Sprintf("flag %s default variant %q is not defined", f.Key, f.DefaultVariantKey),
		)
	}

	for i, rule := range f.Rules {
		if len(rule.SegmentKeys) == 0 {
			return NewValidationError(fmt.Sprintf("flag %s rule %d has no segments", f.Key, i))
		}
		if !rule.SegmentOperator.valid() {
			return NewValidationError(
				fmt.Sprintf("flag %s rule %d has unknown segment operator %q", f.Key, i, rule.SegmentOperator),
			)
		}

		total := 0.0
		for _, dist := range rule.Distributions {
			if dist.Rollout < 0 || dist.Rollout > 100 {
				return NewValidationError(
					fmt.Sprintf("flag %s rule %d distribution rollout must be between 0 and 100", f.Key, i),
				)
			}
			if !variants[dist.VariantKey] {
				return NewValidationError(
					fmt.Sprintf("flag %s rule %d distribution references unknown variant %q", f.Key, i, dist.VariantKey),
				)
			}
			total += dist.Rollout
		}

		if total > 100 {
			return NewValidationError(
				fmt.Sprintf("flag %s rule %d distributions sum to %.2f, more than 100", f.Key, i, total),
			)
		}
	}

	return nil
}

func (f *Flag) validateBoolean() error {
	for i, r := range f.Rollouts {
		switch r.Type {
		case RolloutTypeThreshold:
			if r.Threshold == nil {
				return NewValidationError(fmt.Sprintf("flag %s rollout %d is missing its threshold", f.Key, i))
			}
			if r.Threshold.Percentage < 0 || r.Threshold.Percentage > 100 {
				return NewValidationError(
					fmt.Sprintf("flag %s rollout %d threshold must be between 0 and 100", f.Key, i),
				)
			}
		case RolloutTypeSegment:
			if r.Segment == nil || len(r.Segment.SegmentKeys) == 0 {
				return NewValidationError(fmt.Sprintf("flag %s rollout %d has no segments", f.Key, i))
			}
			if !r.Segment.SegmentOperator.valid() {
				return NewValidationError(
					fmt.Sprintf("flag %s rollout %d has unknown segment operator %q", f.Key, i, r.Segment.SegmentOperator),
				)
			}
		default:
			return NewValidationError(fmt.Sprintf("flag %s rollout %d has unknown type %q", f.Key, i, r.Type))
		}
	}
	return nil
}

// SegmentKeys returns every segment key the flag references
func (f *Flag) SegmentKeys() []string {
	var keys []string
	for _, rule := range f.Rules {
		keys = append(keys, rule.SegmentKeys...)
	}
	for _, r := range f.Rollouts {
		if r.Segment != nil {
			keys = append(keys, r.Segment.SegmentKeys...)
		}
	}
	return keys
}

// GetVariant finds a variant by key
func (f *Flag) GetVariant(key string) (Variant, bool) {
	for _, v := range f.Variants {
		if v.Key == key {
			return v, true
		}
	}
	return Variant{}, false
}

// SortedRules returns rules sorted by rank, keeping the stored order for equal ranks
func (f *Flag) SortedRules() []Rule {
	rules := make([]Rule, len(f.Rules))
	copy(rules, f.Rules)
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Rank < rules[j].Rank
	})
	return rules
}

// SortedRollouts returns rollouts sorted by rank
func (f *Flag) SortedRollouts() []Rollout {
	rollouts := make([]Rollout, len(f.Rollouts))
	copy(rollouts, f.Rollouts)
	sort.SliceStable(rollouts, func(i, j int) bool {
		return rollouts[i].Rank < rollouts[j].Rank
	})
	return rollouts
}

// clone returns a deep copy so callers can never reach snapshot internals
func (f Flag) clone() Flag {
	out := f

	out.Variants = append([]Variant(nil), f.Variants...)

	out.Rules = make([]Rule, len(f.Rules))
	for i, r := range f.Rules {
		r.SegmentKeys = append([]string(nil), r.SegmentKeys...)
		r.Distributions = append([]Distribution(nil), r.Distributions...)
		out.Rules[i] = r
	}

	out.Rollouts = make([]Rollout, len(f.Rollouts))
	for i, r := range f.Rollouts {
		if r.Segment != nil {
			seg := *r.Segment
			seg.SegmentKeys = append([]string(nil), seg.SegmentKeys...)
			r.Segment = &seg
		}
		if r.Threshold != nil {
			th := *r.Threshold
			r.Threshold = &th
		}
		out.Rollouts[i] = r
	}

	return out
}
