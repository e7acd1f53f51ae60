package evaluator

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/OrlandoBitencourt/fliptengine/internal/domain"
)

// matchesSegment reports whether the request satisfies the segment.
// A segment without constraints matches every request.
func (e *Evaluator) matchesSegment(seg domain.Segment, req domain.EvaluationRequest) (bool, error) {
	if len(seg.Constraints) == 0 {
		return true, nil
	}

	matched := 0
	for _, c := range seg.Constraints {
		ok, err := e.matchesConstraint(c, req)
		if err != nil {
			return false, fmt.Errorf("segment %s: %w", seg.Key, err)
		}

		switch {
		case ok && seg.MatchType == domain.MatchTypeAny:
			return true, nil
		case !ok && seg.MatchType == domain.MatchTypeAll:
			return false, nil
		case ok:
			matched++
		}
	}

	return matched == len(seg.Constraints), nil
}

func (e *Evaluator) matchesConstraint(c domain.Constraint, req domain.EvaluationRequest) (bool, error) {
	switch c.Type {
	case domain.ComparisonEntityID:
		return matchesString(c, req.EntityID)
	case domain.ComparisonString:
		v := req.Context[c.Property]
		if c.Operator == domain.OperatorMatches {
			return e.matchesExpr(c.Value, v)
		}
		return matchesString(c, v)
	case domain.ComparisonNumber:
		return matchesNumber(c, req.Context[c.Property])
	case domain.ComparisonBoolean:
		return matchesBool(c, req.Context[c.Property])
	case domain.ComparisonDateTime:
		return matchesDateTime(c, req.Context[c.Property])
	default:
		return false, fmt.Errorf("unsupported constraint type %q", c.Type)
	}
}

func matchesString(c domain.Constraint, v string) (bool, error) {
	switch c.Operator {
	case domain.OperatorEQ:
		return v == c.Value, nil
	case domain.OperatorNEQ:
		return v != c.Value, nil
	case domain.OperatorEmpty:
		return strings.TrimSpace(v) == "", nil
	case domain.OperatorNotEmpty:
		return strings.TrimSpace(v) != "", nil
	case domain.OperatorPrefix:
		return strings.HasPrefix(strings.TrimSpace(v), c.Value), nil
	case domain.OperatorSuffix:
		return strings.HasSuffix(strings.TrimSpace(v), c.Value), nil
	case domain.OperatorContains:
		return strings.Contains(v, c.Value), nil
	case domain.OperatorNotContains:
		return !strings.Contains(v, c.Value), nil
	case domain.OperatorIsOneOf, domain.OperatorIsNotOneOf:
		var values []string
		if err := json.Unmarshal([]byte(c.Value), &values); err != nil {
			return false, fmt.Errorf("invalid value for %s: %q", c.Operator, c.Value)
		}
		found := false
		for _, candidate := range values {
			if candidate == v {
				found = true
				break
			}
		}
		return found == (c.Operator == domain.OperatorIsOneOf), nil
	default:
		return false, fmt.Errorf("unsupported string operator %q", c.Operator)
	}
}

func matchesNumber(c domain.Constraint, v string) (bool, error) {
	switch c.Operator {
	case domain.OperatorPresent:
		return v != "", nil
	case domain.OperatorNotPresent:
		return v == "", nil
	}

	// a missing property never satisfies a comparison
	if v == "" {
		return false, nil
	}

	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return false, fmt.Errorf("parsing number from %q", v)
	}

	if c.Operator == domain.OperatorIsOneOf || c.Operator == domain.OperatorIsNotOneOf {
		var values []float64
		if err := json.Unmarshal([]byte(c.Value), &values); err != nil {
			return false, fmt.Errorf("invalid value for %s: %q", c.Operator, c.Value)
		}
		found := false
		for _, candidate := range values {
			if candidate == n {
				found = true
				break
			}
		}
		return found == (c.Operator == domain.OperatorIsOneOf), nil
	}

	target, err := strconv.ParseFloat(c.Value, 64)
	if err != nil {
		return false, fmt.Errorf("parsing number from %q", c.Value)
	}

	switch c.Operator {
	case domain.OperatorEQ:
		return n == target, nil
	case domain.OperatorNEQ:
		return n != target, nil
	case domain.OperatorLT:
		return n < target, nil
	case domain.OperatorLTE:
		return n <= target, nil
	case domain.OperatorGT:
		return n > target, nil
	case domain.OperatorGTE:
		return n >= target, nil
	default:
		return false, fmt.Errorf("unsupported number operator %q", c.Operator)
	}
}

func matchesBool(c domain.Constraint, v string) (bool, error) {
	switch c.Operator {
	case domain.OperatorPresent:
		return v != "", nil
	case domain.OperatorNotPresent:
		return v == "", nil
	}

	if v == "" {
		return false, nil
	}

	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parsing boolean from %q", v)
	}

	switch c.Operator {
	case domain.OperatorTrue:
		return b, nil
	case domain.OperatorFalse:
		return !b, nil
	default:
		return false, fmt.Errorf("unsupported boolean operator %q", c.Operator)
	}
}

func matchesDateTime(c domain.Constraint, v string) (bool, error) {
	switch c.Operator {
	case domain.OperatorPresent:
		return v != "", nil
	case domain.OperatorNotPresent:
		return v == "", nil
	}

	if v == "" {
		return false, nil
	}

	d, err := parseTime(v)
	if err != nil {
		return false, fmt.Errorf("parsing datetime from %q", v)
	}
	target, err := parseTime(c.Value)
	if err != nil {
		return false, fmt.Errorf("parsing datetime from %q", c.Value)
	}

	// date-only constraint values compare by calendar day
	if isDateOnly(c.Value) {
		d = d.Truncate(24 * time.Hour)
	}

	switch c.Operator {
	case domain.OperatorEQ:
		return d.Equal(target), nil
	case domain.OperatorNEQ:
		return !d.Equal(target), nil
	case domain.OperatorLT:
		return d.Before(target), nil
	case domain.OperatorLTE:
		return !d.After(target), nil
	case domain.OperatorGT:
		return d.After(target), nil
	case domain.OperatorGTE:
		return !d.Before(target), nil
	default:
		return false, fmt.Errorf("unsupported datetime operator %q", c.Operator)
	}
}

const dateLayout = "2006-01-02"

func isDateOnly(v string) bool {
	_, err := time.Parse(dateLayout, v)
	return err == nil
}

func parseTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(dateLayout, v)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
