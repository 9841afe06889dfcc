package rules

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Factor is a named input that conditions can reference.
type Factor struct {
	Code        string    `db:"code" json:"code" yaml:"code"`
	Description string    `db:"description" json:"description" yaml:"description"`
	CreatedAt   time.Time `db:"created_at" json:"created_at" yaml:"-"`
}

// RuleType is the family a DrugRule belongs to.
type RuleType string

const (
	RuleTypeAgeEligibility   RuleType = "AGE_ELIGIBILITY"
	RuleTypeContraindication RuleType = "CONTRAINDICATION"
	RuleTypeQtyLimit         RuleType = "QTY_LIMIT"
	RuleTypePriceAdjustment  RuleType = "PRICE_ADJUSTMENT"
)

func (t RuleType) Valid() bool {
	switch t {
	case RuleTypeAgeEligibility, RuleTypeContraindication, RuleTypeQtyLimit, RuleTypePriceAdjustment:
		return true
	}
	return false
}

// RuleStatus is the lifecycle state of a rule. The only transition is
// Active -> Inactive.
type RuleStatus string

const (
	StatusActive   RuleStatus = "active"
	StatusInactive RuleStatus = "inactive"
)

var ErrInvalidTransition = errors.New("invalid rule status transition")

var statusTransitions = map[RuleStatus][]RuleStatus{
	StatusActive:   {StatusInactive},
	StatusInactive: {},
}

// Transition returns the new status or ErrInvalidTransition.
func (s RuleStatus) Transition(to RuleStatus) (RuleStatus, error) {
	for _, allowed := range statusTransitions[s] {
		if allowed == to {
			return to, nil
		}
	}
	return s, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, to)
}

// DrugRule maps to the drug_rule table.
type DrugRule struct {
	ID              uuid.UUID   `db:"id" json:"id"`
	PackID          string      `db:"pack_id" json:"pack_id"`
	RuleType        RuleType    `db:"rule_type" json:"rule_type"`
	Priority        int         `db:"priority" json:"priority"`
	Conditions      []Condition `db:"conditions" json:"conditions"`
	ValidFrom       *time.Time  `db:"valid_from" json:"valid_from,omitempty"`
	ValidTo         *time.Time  `db:"valid_to" json:"valid_to,omitempty"`
	MaxQuantity     *float64    `db:"max_quantity" json:"max_quantity,omitempty"`
	AdjustmentValue *float64    `db:"adjustment_value" json:"adjustment_value,omitempty"`
	Eligibility     *bool       `db:"eligibility" json:"eligibility,omitempty"`
	Status          RuleStatus  `db:"status" json:"status"`
	Description     string      `db:"description" json:"description"`
	CreatedAt       time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time   `db:"updated_at" json:"updated_at"`
}

func (r DrugRule) IsActive() bool { return r.Status == StatusActive }

// Label identifies the rule in AppliedRules.
func (r DrugRule) Label() string {
	return fmt.Sprintf("%s:%s", r.RuleType, r.ID)
}

// Reason is the human-readable text a contributing rule adds to a result.
func (r DrugRule) Reason() string {
	if r.Description != "" {
		return r.Description
	}
	return fmt.Sprintf("%s rule %s (priority %d)", r.RuleType, r.ID, r.Priority)
}

func (r DrugRule) selectKey() selectKey {
	return selectKey{
		id: r.ID.String(), active: r.IsActive(), priority: r.Priority, createdAt: r.CreatedAt,
		validFrom: r.ValidFrom, validTo: r.ValidTo, conditions: r.Conditions,
	}
}

// Frequency is one schedule alternative of a DosageRule.
type Frequency struct {
	FrequencyCode       string   `json:"frequency_code" yaml:"frequency_code"`
	TimesPerDay         *float64 `json:"times_per_day,omitempty" yaml:"times_per_day,omitempty"`
	IntervalHours       *float64 `json:"interval_hours,omitempty" yaml:"interval_hours,omitempty"`
	TimingNotes         *string  `json:"timing_notes,omitempty" yaml:"timing_notes,omitempty"`
	SpecialInstructions *string  `json:"special_instructions,omitempty" yaml:"special_instructions,omitempty"`
}

// DosageRule maps to the dosage_rule table.
type DosageRule struct {
	ID           uuid.UUID   `db:"id" json:"id"`
	PackID       string      `db:"pack_id" json:"pack_id"`
	RuleName     string      `db:"rule_name" json:"rule_name"`
	DosageAmount float64     `db:"dosage_amount" json:"dosage_amount"`
	DosageUnit   string      `db:"dosage_unit" json:"dosage_unit"`
	Notes        *string     `db:"notes" json:"notes,omitempty"`
	Priority     int         `db:"priority" json:"priority"`
	Conditions   []Condition `db:"conditions" json:"conditions"`
	Frequencies  []Frequency `db:"frequencies" json:"frequencies"`
	ValidFrom    *time.Time  `db:"valid_from" json:"valid_from,omitempty"`
	ValidTo      *time.Time  `db:"valid_to" json:"valid_to,omitempty"`
	Status       RuleStatus  `db:"status" json:"status"`
	CreatedAt    time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time   `db:"updated_at" json:"updated_at"`
}

func (r DosageRule) IsActive() bool { return r.Status == StatusActive }

func (r DosageRule) selectKey() selectKey {
	return selectKey{
		id: r.ID.String(), active: r.IsActive(), priority: r.Priority, createdAt: r.CreatedAt,
		validFrom: r.ValidFrom, validTo: r.ValidTo, conditions: r.Conditions,
	}
}

// EvaluationResult is the folded outcome of the drug rule families.
type EvaluationResult struct {
	Eligible             bool     `json:"eligible"`
	Reasons              []string `json:"reasons"`
	MaxAllowedQuantity   *float64 `json:"max_allowed_quantity,omitempty"`
	PriceAdjustmentValue *float64 `json:"price_adjustment_value,omitempty"`
	AppliedRules         []string `json:"applied_rules"`
	Diagnostics          []string `json:"diagnostics,omitempty"`
}

// DosageRecommendationResult is the outcome of the dosage engine.
type DosageRecommendationResult struct {
	FoundRule    bool        `json:"found_rule"`
	RuleName     *string     `json:"rule_name,omitempty"`
	DosageAmount *float64    `json:"dosage_amount,omitempty"`
	DosageUnit   *string     `json:"dosage_unit,omitempty"`
	Notes        *string     `json:"notes,omitempty"`
	Frequencies  []Frequency `json:"frequencies"`
	Reasons      []string    `json:"reasons"`
	Diagnostics  []string    `json:"diagnostics,omitempty"`
}

// Pricing is the priced part of a DecisionResult.
type Pricing struct {
	BaseUnitPrice            float64  `json:"base_unit_price"`
	FinalUnitPrice           float64  `json:"final_unit_price"`
	FinalTotalPrice          float64  `json:"final_total_price"`
	QuantityAfterEnforcement float64  `json:"quantity_after_enforcement"`
	MaxAllowedQuantity       *float64 `json:"max_allowed_quantity,omitempty"`
}

// DosageGuidance is the dosage part of a DecisionResult.
type DosageGuidance struct {
	DosageAmount float64 `json:"dosage_amount"`
	DosageUnit   string  `json:"dosage_unit"`
	RuleName     string  `json:"rule_name"`
}

// DecisionResult is the end-to-end dispensing decision.
type DecisionResult struct {
	Eligible      bool            `json:"eligible"`
	Reasons       []string        `json:"reasons"`
	Warnings      []string        `json:"warnings"`
	ClinicalNotes []string        `json:"clinical_notes"`
	Pricing       *Pricing        `json:"pricing,omitempty"`
	Dosage        *DosageGuidance `json:"dosage,omitempty"`
	Diagnostics   []string        `json:"diagnostics,omitempty"`
}

// PriceList maps to the price_list table.
type PriceList struct {
	ID            string    `db:"id" json:"id"`
	Name          string    `db:"name" json:"name"`
	BaseUnitPrice float64   `db:"base_unit_price" json:"base_unit_price"`
	Currency      string    `db:"currency" json:"currency"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}
