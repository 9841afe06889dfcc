package rules

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EvaluationContext is an immutable snapshot of factor values plus the
// evaluation date. Build one per evaluation with NewEvaluationContext.
type EvaluationContext struct {
	date    time.Time
	factors map[string]string
}

// NewEvaluationContext copies factors and truncates date to a UTC calendar day.
func NewEvaluationContext(date time.Time, factors map[string]string) EvaluationContext {
	copied := make(map[string]string, len(factors))
	for k, v := range factors {
		copied[k] = v
	}
	return EvaluationContext{date: calendarDay(date), factors: copied}
}

func (c EvaluationContext) Date() time.Time { return c.date }

// Factor returns the raw value supplied for code.
func (c EvaluationContext) Factor(code string) (string, bool) {
	v, ok := c.factors[code]
	return v, ok
}

// Factors returns a copy of the supplied factor values.
func (c EvaluationContext) Factors() map[string]string {
	out := make(map[string]string, len(c.factors))
	for k, v := range c.factors {
		out[k] = v
	}
	return out
}

// calendarDay drops the time of day so validity bounds compare by date only.
func calendarDay(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// FactorValues converts loosely typed input (decoded JSON, tool arguments)
// into factor strings. Numbers keep their shortest decimal form.
func FactorValues(in map[string]interface{}) (map[string]string, error) {
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch tv := v.(type) {
		case string:
			out[k] = tv
		case float64:
			out[k] = strconv.FormatFloat(tv, 'f', -1, 64)
		case int:
			out[k] = strconv.Itoa(tv)
		case int64:
			out[k] = strconv.FormatInt(tv, 10)
		case bool:
			out[k] = strconv.FormatBool(tv)
		case nil:
			continue
		default:
			return nil, fmt.Errorf("factor %s: unsupported value type %T", k, v)
		}
	}
	return out, nil
}

// ParseDate accepts "2006-01-02" or RFC 3339. An empty string yields the zero
// time.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: want YYYY-MM-DD or RFC 3339", s)
	}
	return t, nil
}
