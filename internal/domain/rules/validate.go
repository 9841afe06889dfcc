package rules

import (
	"fmt"
	"strings"
)

// ValidationError is a rule-authoring error for a single field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors collects every problem found in one rule.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

func (v *ValidationErrors) add(field, format string, args ...interface{}) {
	*v = append(*v, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (v ValidationErrors) orNil() error {
	if len(v) == 0 {
		return nil
	}
	return v
}

// knownFactors is the set of factor codes conditions may reference. A nil set
// skips the catalog check.
type knownFactors map[string]bool

func factorSet(factors []Factor) knownFactors {
	set := make(knownFactors, len(factors))
	for _, f := range factors {
		set[f.Code] = true
	}
	return set
}

// NormalizeConditions trims condition values in place.
func NormalizeConditions(conds []Condition) {
	for i := range conds {
		c := &conds[i]
		c.FactorCode = strings.TrimSpace(c.FactorCode)
		c.Operator = Operator(strings.ToUpper(strings.TrimSpace(string(c.Operator))))
		c.ValueExact = trimPtr(c.ValueExact)
		c.ValueFrom = trimPtr(c.ValueFrom)
		c.ValueTo = trimPtr(c.ValueTo)
		values := c.Values[:0]
		for _, v := range c.Values {
			if v = strings.TrimSpace(v); v != "" {
				values = append(values, v)
			}
		}
		c.Values = values
	}
}

func trimPtr(s *string) *string {
	if s == nil {
		return nil
	}
	t := strings.TrimSpace(*s)
	if t == "" {
		return nil
	}
	return &t
}

func validateConditions(errs *ValidationErrors, conds []Condition, known knownFactors) {
	if len(conds) == 0 {
		errs.add("conditions", "at least one condition is required")
		return
	}
	for i, c := range conds {
		field := fmt.Sprintf("conditions[%d]", i)
		if c.FactorCode == "" {
			errs.add(field+".factor_code", "is required")
		} else if known != nil && !known[c.FactorCode] {
			errs.add(field+".factor_code", "unknown factor %q", c.FactorCode)
		}
		switch c.Operator {
		case OpEquals, OpGreaterThan, OpLessThan:
			if c.ValueExact == nil {
				errs.add(field+".value_exact", "is required for %s", c.Operator)
			} else if c.Operator != OpEquals {
				if _, ok := tryParseNumber(*c.ValueExact); !ok {
					errs.add(field+".value_exact", "must be numeric for %s", c.Operator)
				}
			}
		case OpBetween:
			if c.ValueFrom == nil || c.ValueTo == nil {
				errs.add(field, "BETWEEN requires value_from and value_to")
				continue
			}
			from, okFrom := tryParseNumber(*c.ValueFrom)
			to, okTo := tryParseNumber(*c.ValueTo)
			if !okFrom || !okTo {
				errs.add(field, "BETWEEN bounds must be numeric")
			} else if from > to {
				errs.add(field, "value_from must not exceed value_to")
			}
		case OpIn:
			if len(c.Values) == 0 {
				errs.add(field+".values", "IN requires at least one value")
			}
		default:
			errs.add(field+".operator", "unknown operator %q", c.Operator)
		}
	}
}

func validateWindow(errs *ValidationErrors, r selectable) {
	k := r.selectKey()
	if k.validFrom != nil && k.validTo != nil && calendarDay(*k.validFrom).After(calendarDay(*k.validTo)) {
		errs.add("valid_from", "must not be after valid_to")
	}
}

// ValidateDrugRule checks a drug rule at authoring time. factors may be nil
// to skip the catalog check.
func ValidateDrugRule(r *DrugRule, factors []Factor) error {
	var errs ValidationErrors
	var known knownFactors
	if factors != nil {
		known = factorSet(factors)
	}

	if strings.TrimSpace(r.PackID) == "" {
		errs.add("pack_id", "is required")
	}
	if !r.RuleType.Valid() {
		errs.add("rule_type", "unknown rule type %q", r.RuleType)
	}
	validateConditions(&errs, r.Conditions, known)
	validateWindow(&errs, *r)

	switch r.RuleType {
	case RuleTypeQtyLimit:
		if r.MaxQuantity == nil {
			errs.add("max_quantity", "is required for %s", r.RuleType)
		} else if *r.MaxQuantity <= 0 {
			errs.add("max_quantity", "must be greater than 0")
		}
	case RuleTypePriceAdjustment:
		if r.AdjustmentValue == nil {
			errs.add("adjustment_value", "is required for %s", r.RuleType)
		}
	}

	if r.Status != "" && r.Status != StatusActive && r.Status != StatusInactive {
		errs.add("status", "unknown status %q", r.Status)
	}
	return errs.orNil()
}

// ValidateDosageRule checks a dosage rule at authoring time. factors may be
// nil to skip the catalog check.
func ValidateDosageRule(r *DosageRule, factors []Factor) error {
	var errs ValidationErrors
	var known knownFactors
	if factors != nil {
		known = factorSet(factors)
	}

	if strings.TrimSpace(r.PackID) == "" {
		errs.add("pack_id", "is required")
	}
	if strings.TrimSpace(r.RuleName) == "" {
		errs.add("rule_name", "is required")
	}
	if r.DosageAmount <= 0 {
		errs.add("dosage_amount", "must be greater than 0")
	}
	if strings.TrimSpace(r.DosageUnit) == "" {
		errs.add("dosage_unit", "is required")
	}
	validateConditions(&errs, r.Conditions, known)
	validateWindow(&errs, *r)

	if len(r.Frequencies) == 0 {
		errs.add("frequencies", "at least one frequency is required")
	}
	for i, f := range r.Frequencies {
		if strings.TrimSpace(f.FrequencyCode) == "" {
			errs.add(fmt.Sprintf("frequencies[%d].frequency_code", i), "is required")
		}
		if f.TimesPerDay != nil && *f.TimesPerDay <= 0 {
			errs.add(fmt.Sprintf("frequencies[%d].times_per_day", i), "must be greater than 0")
		}
		if f.IntervalHours != nil && *f.IntervalHours <= 0 {
			errs.add(fmt.Sprintf("frequencies[%d].interval_hours", i), "must be greater than 0")
		}
	}

	if r.Status != "" && r.Status != StatusActive && r.Status != StatusInactive {
		errs.add("status", "unknown status %q", r.Status)
	}
	return errs.orNil()
}

// ValidateFactor checks a factor catalog entry.
func ValidateFactor(f *Factor) error {
	var errs ValidationErrors
	f.Code = strings.TrimSpace(f.Code)
	if f.Code == "" {
		errs.add("code", "is required")
	}
	if strings.ContainsAny(f.Code, " \t") {
		errs.add("code", "must not contain whitespace")
	}
	return errs.orNil()
}
