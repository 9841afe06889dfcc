package rules

import (
	"strconv"
	"strings"
)

// Operator is the comparison a Condition applies to a factor value.
type Operator string

const (
	OpEquals      Operator = "EQUALS"
	OpGreaterThan Operator = "GREATER_THAN"
	OpLessThan    Operator = "LESS_THAN"
	OpBetween     Operator = "BETWEEN"
	OpIn          Operator = "IN"
)

func (o Operator) Valid() bool {
	switch o {
	case OpEquals, OpGreaterThan, OpLessThan, OpBetween, OpIn:
		return true
	}
	return false
}

// Condition compares one factor against rule-declared bounds.
type Condition struct {
	FactorCode string   `json:"factor_code" yaml:"factor_code"`
	Operator   Operator `json:"operator" yaml:"operator"`
	ValueExact *string  `json:"value_exact,omitempty" yaml:"value_exact,omitempty"`
	ValueFrom  *string  `json:"value_from,omitempty" yaml:"value_from,omitempty"`
	ValueTo    *string  `json:"value_to,omitempty" yaml:"value_to,omitempty"`
	Values     []string `json:"values,omitempty" yaml:"values,omitempty"`
}

// Outcome is the result of evaluating a single condition.
type Outcome int

const (
	Unmatched Outcome = iota
	Matched
	// Malformed means the stored condition is structurally broken. It never
	// matches and is reported as a diagnostic.
	Malformed
)

func (o Outcome) String() string {
	switch o {
	case Matched:
		return "matched"
	case Malformed:
		return "malformed"
	default:
		return "unmatched"
	}
}

// EvaluateCondition applies cond to the factor values in ctx. It never panics
// and never returns an error: unknown factors and unparsable numbers are
// plain non-matches.
func EvaluateCondition(cond Condition, ctx EvaluationContext) Outcome {
	if cond.FactorCode == "" {
		return Malformed
	}
	value, ok := ctx.Factor(cond.FactorCode)
	if !ok {
		return Unmatched
	}

	switch cond.Operator {
	case OpEquals:
		return evalEquals(cond, value)
	case OpGreaterThan:
		return evalCompare(cond, value, func(v, bound float64) bool { return v > bound })
	case OpLessThan:
		return evalCompare(cond, value, func(v, bound float64) bool { return v < bound })
	case OpBetween:
		return evalBetween(cond, value)
	case OpIn:
		return evalIn(cond, value)
	default:
		return Malformed
	}
}

// Satisfied reports whether every condition matched. The second return value
// is true when at least one condition was malformed.
func Satisfied(conds []Condition, ctx EvaluationContext) (bool, bool) {
	if len(conds) == 0 {
		return false, true
	}
	// Every condition is checked so a malformed one is reported whatever
	// its position.
	all := true
	for _, c := range conds {
		switch EvaluateCondition(c, ctx) {
		case Matched:
		case Malformed:
			return false, true
		default:
			all = false
		}
	}
	return all, false
}

func evalEquals(cond Condition, value string) Outcome {
	if cond.ValueExact == nil {
		return Malformed
	}
	return matchIf(normalize(value) == normalize(*cond.ValueExact))
}

func evalCompare(cond Condition, value string, cmp func(v, bound float64) bool) Outcome {
	if cond.ValueExact == nil {
		return Malformed
	}
	v, ok := tryParseNumber(value)
	if !ok {
		return Unmatched
	}
	bound, ok := tryParseNumber(*cond.ValueExact)
	if !ok {
		return Unmatched
	}
	return matchIf(cmp(v, bound))
}

func evalBetween(cond Condition, value string) Outcome {
	if cond.ValueFrom == nil && cond.ValueTo == nil {
		return Malformed
	}
	if cond.ValueFrom == nil || cond.ValueTo == nil {
		return Unmatched
	}
	v, ok := tryParseNumber(value)
	if !ok {
		return Unmatched
	}
	from, ok := tryParseNumber(*cond.ValueFrom)
	if !ok {
		return Unmatched
	}
	to, ok := tryParseNumber(*cond.ValueTo)
	if !ok {
		return Unmatched
	}
	return matchIf(from <= v && v <= to)
}

func evalIn(cond Condition, value string) Outcome {
	if len(cond.Values) == 0 {
		return Malformed
	}
	needle := normalize(value)
	for _, candidate := range cond.Values {
		if normalize(candidate) == needle {
			return Matched
		}
	}
	return Unmatched
}

// tryParseNumber is the only numeric parser used by operator arms.
func tryParseNumber(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func matchIf(b bool) Outcome {
	if b {
		return Matched
	}
	return Unmatched
}
