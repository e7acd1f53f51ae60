package domain

import "fmt"

// MatchType determines whether a segment needs all or any of its constraints
type MatchType string

const (
	MatchTypeAll MatchType = "ALL_MATCH_TYPE"
	MatchTypeAny MatchType = "ANY_MATCH_TYPE"
)

// Segment represents a targeting segment
type Segment struct {
	Key         string
	MatchType   MatchType
	Constraints []Constraint
}

// ComparisonType is the value type a constraint compares against
type ComparisonType string

const (
	ComparisonString   ComparisonType = "STRING_COMPARISON_TYPE"
	ComparisonNumber   ComparisonType = "NUMBER_COMPARISON_TYPE"
	ComparisonBoolean  ComparisonType = "BOOLEAN_COMPARISON_TYPE"
	ComparisonDateTime ComparisonType = "DATETIME_COMPARISON_TYPE"
	ComparisonEntityID ComparisonType = "ENTITY_ID_COMPARISON_TYPE"
)

// Constraint represents a targeting constraint
type Constraint struct {
	Type     ComparisonType
	Property string
	Operator Operator
	Value    string
}

// Operator represents constraint operators
type Operator string

const (
	OperatorEQ          Operator = "eq"
	OperatorNEQ         Operator = "neq"
	OperatorLT          Operator = "lt"
	OperatorLTE         Operator = "lte"
	OperatorGT          Operator = "gt"
	OperatorGTE         Operator = "gte"
	OperatorEmpty       Operator = "empty"
	OperatorNotEmpty    Operator = "notempty"
	OperatorTrue        Operator = "true"
	OperatorFalse       Operator = "false"
	OperatorPresent     Operator = "present"
	OperatorNotPresent  Operator = "notpresent"
	OperatorPrefix      Operator = "prefix"
	OperatorSuffix      Operator = "suffix"
	OperatorContains    Operator = "contains"
	OperatorNotContains Operator = "notcontains"
	OperatorIsOneOf     Operator = "isoneof"
	OperatorIsNotOneOf  Operator = "isnotoneof"
	OperatorMatches     Operator = "matches"
)

var validOperators = map[ComparisonType]map[Operator]bool{
	ComparisonString: {
		OperatorEQ: true, OperatorNEQ: true, OperatorEmpty: true, OperatorNotEmpty: true,
		OperatorPrefix: true, OperatorSuffix: true, OperatorContains: true, OperatorNotContains: true,
		OperatorIsOneOf: true, OperatorIsNotOneOf: true, OperatorMatches: true,
	},
	ComparisonEntityID: {
		OperatorEQ: true, OperatorNEQ: true, OperatorIsOneOf: true, OperatorIsNotOneOf: true,
	},
	ComparisonNumber: {
		OperatorEQ: true, OperatorNEQ: true, OperatorLT: true, OperatorLTE: true,
		OperatorGT: true, OperatorGTE: true, OperatorPresent: true, OperatorNotPresent: true,
		OperatorIsOneOf: true, OperatorIsNotOneOf: true,
	},
	ComparisonBoolean: {
		OperatorTrue: true, OperatorFalse: true, OperatorPresent: true, OperatorNotPresent: true,
	},
	ComparisonDateTime: {
		OperatorEQ: true, OperatorNEQ: true, OperatorLT: true, OperatorLTE: true,
		OperatorGT: true, OperatorGTE: true, OperatorPresent: true, OperatorNotPresent: true,
	},
}

// Validate validates the segment configuration
func (s *Segment) Validate() error {
	if s.Key == "" {
		return NewValidationError("segment key cannot be empty")
	}

	if s.MatchType != MatchTypeAll && s.MatchType != MatchTypeAny {
		return NewValidationError(fmt.Sprintf("segment %s has unknown match type %q", s.Key, s.MatchType))
	}

	for i, c := range s.Constraints {
		if c.Property == "" && c.Type != ComparisonEntityID {
			return NewValidationError(fmt.Sprintf("segment %s constraint %d has no property", s.Key, i))
		}

		ops, ok := validOperators[c.Type]
		if !ok {
			return NewValidationError(
				fmt.Sprintf("segment %s constraint %d has unknown type %q", s.Key, i, c.Type),
			)
		}
		if !ops[c.Operator] {
			return NewValidationError(
				fmt.Sprintf("segment %s constraint %d: operator %q is not valid for %s", s.Key, i, c.Operator, c.Type),
			)
		}
	}

	return nil
}

func (s Segment) clone() Segment {
	s.Constraints = append([]Constraint(nil), s.Constraints...)
	return s
}
