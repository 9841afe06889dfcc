package rules

import "math"

const (
	warnQuantityReduced  = "requested quantity reduced to the maximum allowed"
	warnNegativePrice    = "price adjustment produced a negative unit price; floored at 0"
	noteNoDosageGuidance = "no dosage rule matched the supplied context; no dosage guidance available"
)

// DecisionInput is everything Decide needs. All I/O happens before it is built.
type DecisionInput struct {
	DrugRules         []DrugRule
	DosageRules       []DosageRule
	BaseUnitPrice     float64
	RequestedQuantity float64
	Context           EvaluationContext
}

// Decide composes the drug rule and dosage engines into one dispensing
// decision. Price adjustments are additive: final = base + adjustment.
func Decide(in DecisionInput) DecisionResult {
	return DecideWith(EvaluateDrugRules(in.DrugRules, in.Context), in)
}

// DecideWith finishes a decision from an eligibility result the caller
// already computed, so pricing I/O can wait until the drug is known to be
// eligible. BaseUnitPrice is ignored when eval is ineligible.
func DecideWith(eval EvaluationResult, in DecisionInput) DecisionResult {
	var reasons, warnings, notes []string
	reasons = append(reasons, eval.Reasons...)

	if !eval.Eligible {
		return DecisionResult{
			Eligible:      false,
			Reasons:       dedupe(reasons),
			Warnings:      dedupe(warnings),
			ClinicalNotes: dedupe(notes),
			Diagnostics:   eval.Diagnostics,
		}
	}

	qty := in.RequestedQuantity
	if eval.MaxAllowedQuantity != nil && qty > *eval.MaxAllowedQuantity {
		qty = *eval.MaxAllowedQuantity
		warnings = append(warnings, warnQuantityReduced)
	}

	unit := in.BaseUnitPrice
	if eval.PriceAdjustmentValue != nil {
		unit += *eval.PriceAdjustmentValue
	}
	if unit < 0 {
		unit = 0
		warnings = append(warnings, warnNegativePrice)
	}
	unit = roundMoney(unit)

	pricing := &Pricing{
		BaseUnitPrice:            roundMoney(in.BaseUnitPrice),
		FinalUnitPrice:           unit,
		FinalTotalPrice:          roundMoney(unit * qty),
		QuantityAfterEnforcement: qty,
		MaxAllowedQuantity:       eval.MaxAllowedQuantity,
	}

	var dosage *DosageGuidance
	rec := ComputeDosageRecommendation(in.DosageRules, in.Context)
	if rec.FoundRule {
		dosage = &DosageGuidance{
			DosageAmount: *rec.DosageAmount,
			DosageUnit:   *rec.DosageUnit,
			RuleName:     *rec.RuleName,
		}
		if rec.Notes != nil && *rec.Notes != "" {
			notes = append(notes, *rec.Notes)
		}
	} else {
		notes = append(notes, noteNoDosageGuidance)
	}

	return DecisionResult{
		Eligible:      true,
		Reasons:       dedupe(reasons),
		Warnings:      dedupe(warnings),
		ClinicalNotes: dedupe(notes),
		Pricing:       pricing,
		Dosage:        dosage,
		Diagnostics:   mergeDiagnostics(eval.Diagnostics, rec.Diagnostics),
	}
}

// mergeDiagnostics stays nil when neither side reported anything.
func mergeDiagnostics(a, b []string) []string {
	if len(a)+len(b) == 0 {
		return nil
	}
	return dedupe(append(append([]string{}, a...), b...))
}

func roundMoney(v float64) float64 {
	return math.Round(v*100) / 100
}

// dedupe keeps the first occurrence of each entry. It never returns nil.
func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
