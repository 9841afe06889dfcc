package rules

import (
	"testing"
)

func decisionPack() ([]DrugRule, []DosageRule) {
	all := between("AGE", "0", "120")
	qty := drugRule(1, RuleTypeQtyLimit, 1, all)
	qty.MaxQuantity = floatp(10)
	price := drugRule(2, RuleTypePriceAdjustment, 1, all)
	price.AdjustmentValue = floatp(-1.255)
	dose := dosageRule(1, "adult", 1, greaterThan("AGE", "17"))
	dose.Notes = strp("Take with food")
	return []DrugRule{qty, price}, []DosageRule{dose}
}

func hasString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestDecide_QuantityClamped(t *testing.T) {
	drugs, dosages := decisionPack()
	result := Decide(DecisionInput{
		DrugRules:         drugs,
		DosageRules:       dosages,
		BaseUnitPrice:     5,
		RequestedQuantity: 100,
		Context:           ctxWith(day(2025, 6, 1), "AGE", "40"),
	})

	if !result.Eligible {
		t.Fatal("expected eligible")
	}
	if result.Pricing == nil {
		t.Fatal("expected pricing")
	}
	if result.Pricing.QuantityAfterEnforcement != 10 {
		t.Errorf("expected quantity 10, got %v", result.Pricing.QuantityAfterEnforcement)
	}
	if !hasString(result.Warnings, warnQuantityReduced) {
		t.Errorf("expected reduction warning, got %v", result.Warnings)
	}
	if result.Pricing.MaxAllowedQuantity == nil || *result.Pricing.MaxAllowedQuantity != 10 {
		t.Errorf("expected max allowed quantity 10, got %v", result.Pricing.MaxAllowedQuantity)
	}
}

func TestDecide_Pricing(t *testing.T) {
	drugs, dosages := decisionPack()
	result := Decide(DecisionInput{
		DrugRules:         drugs,
		DosageRules:       dosages,
		BaseUnitPrice:     5,
		RequestedQuantity: 4,
		Context:           ctxWith(day(2025, 6, 1), "AGE", "40"),
	})

	p := result.Pricing
	if p.BaseUnitPrice != 5 {
		t.Errorf("base = %v", p.BaseUnitPrice)
	}
	// 5 + (-1.255) = 3.745, rounded half away from zero.
	if p.FinalUnitPrice != 3.75 {
		t.Errorf("final unit = %v, want 3.75", p.FinalUnitPrice)
	}
	if p.FinalTotalPrice != 15 {
		t.Errorf("final total = %v, want 15", p.FinalTotalPrice)
	}
	if p.QuantityAfterEnforcement != 4 {
		t.Errorf("quantity = %v, want 4", p.QuantityAfterEnforcement)
	}
	if len(result.Warnings) != 0 {
		t.Errorf("expected no warnings, got %v", result.Warnings)
	}
}

func TestDecide_NegativePriceFloored(t *testing.T) {
	r := drugRule(1, RuleTypePriceAdjustment, 1, between("AGE", "0", "120"))
	r.AdjustmentValue = floatp(-20)

	result := Decide(DecisionInput{
		DrugRules:         []DrugRule{r},
		BaseUnitPrice:     5,
		RequestedQuantity: 3,
		Context:           ctxWith(day(2025, 6, 1), "AGE", "40"),
	})
	if result.Pricing.FinalUnitPrice != 0 || result.Pricing.FinalTotalPrice != 0 {
		t.Errorf("expected prices floored at 0, got %+v", result.Pricing)
	}
	if !hasString(result.Warnings, warnNegativePrice) {
		t.Errorf("expected negative price warning, got %v", result.Warnings)
	}
}

func TestDecide_IneligibleShortCircuits(t *testing.T) {
	drugs, dosages := decisionPack()
	gate := drugRule(3, RuleTypeAgeEligibility, 1, between("AGE", "0", "17"))
	gate.Eligibility = boolp(false)
	gate.Description = "Adults only"
	drugs = append(drugs, gate)

	result := Decide(DecisionInput{
		DrugRules:         drugs,
		DosageRules:       dosages,
		BaseUnitPrice:     5,
		RequestedQuantity: 100,
		Context:           ctxWith(day(2025, 6, 1), "AGE", "12"),
	})
	if result.Eligible {
		t.Fatal("expected ineligible")
	}
	if result.Pricing != nil || result.Dosage != nil {
		t.Error("expected no pricing or dosage for an ineligible decision")
	}
	if !hasString(result.Reasons, "Adults only") {
		t.Errorf("expected reason, got %v", result.Reasons)
	}
	if result.Warnings == nil || result.ClinicalNotes == nil {
		t.Error("expected non-nil warnings and notes")
	}
}

func TestDecide_DosageGuidance(t *testing.T) {
	drugs, dosages := decisionPack()
	result := Decide(DecisionInput{
		DrugRules:         drugs,
		DosageRules:       dosages,
		BaseUnitPrice:     5,
		RequestedQuantity: 1,
		Context:           ctxWith(day(2025, 6, 1), "AGE", "40"),
	})
	if result.Dosage == nil {
		t.Fatal("expected dosage guidance")
	}
	if result.Dosage.RuleName != "adult" || result.Dosage.DosageAmount != 500 || result.Dosage.DosageUnit != "mg" {
		t.Errorf("unexpected dosage %+v", result.Dosage)
	}
	if !hasString(result.ClinicalNotes, "Take with food") {
		t.Errorf("expected rule notes in clinical notes, got %v", result.ClinicalNotes)
	}
}

func TestDecide_NoDosageStillPriced(t *testing.T) {
	drugs, dosages := decisionPack()
	result := Decide(DecisionInput{
		DrugRules:         drugs,
		DosageRules:       dosages,
		BaseUnitPrice:     5,
		RequestedQuantity: 1,
		Context:           ctxWith(day(2025, 6, 1), "AGE", "9"),
	})
	if !result.Eligible || result.Pricing == nil {
		t.Fatal("expected an eligible priced decision")
	}
	if result.Dosage != nil {
		t.Error("expected no dosage guidance")
	}
	if !hasString(result.ClinicalNotes, noteNoDosageGuidance) {
		t.Errorf("expected missing guidance note, got %v", result.ClinicalNotes)
	}
}

func TestDedupe(t *testing.T) {
	got := dedupe([]string{"a", "b", "a", "c", "b"})
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("dedupe = %v", got)
	}
	if got := dedupe(nil); got == nil {
		t.Error("expected non-nil result")
	}
}

func TestRoundMoney(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{1.234, 1.23},
		{1.236, 1.24},
		{0.125, 0.13},
		{3.999, 4},
		{0, 0},
	}
	for _, tt := range tests {
		if got := roundMoney(tt.in); got != tt.want {
			t.Errorf("roundMoney(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestDecide_CollectsDiagnostics(t *testing.T) {
	drugs, dosages := decisionPack()
	badDrug := drugRule(4, RuleTypeQtyLimit, 2, Condition{FactorCode: "AGE", Operator: OpIn})
	badDose := dosageRule(2, "broken", 2, Condition{FactorCode: "AGE", Operator: OpBetween})

	result := Decide(DecisionInput{
		DrugRules:         append(drugs, badDrug),
		DosageRules:       append(dosages, badDose),
		BaseUnitPrice:     5,
		RequestedQuantity: 1,
		Context:           ctxWith(day(2025, 6, 1), "AGE", "40"),
	})
	if !hasString(result.Diagnostics, badDrug.ID.String()) || !hasString(result.Diagnostics, badDose.ID.String()) {
		t.Errorf("expected both malformed rules in diagnostics, got %v", result.Diagnostics)
	}
	if len(result.Diagnostics) != 2 {
		t.Errorf("expected 2 diagnostics, got %v", result.Diagnostics)
	}
}

func TestDecideWith_IneligibleNeedsNoPrice(t *testing.T) {
	gate := drugRule(1, RuleTypeAgeEligibility, 1, between("AGE", "0", "17"))
	gate.Eligibility = boolp(false)
	in := DecisionInput{
		DrugRules:         []DrugRule{gate},
		RequestedQuantity: 1,
		Context:           ctxWith(day(2025, 6, 1), "AGE", "12"),
	}

	result := DecideWith(EvaluateDrugRules(in.DrugRules, in.Context), in)
	if result.Eligible || result.Pricing != nil {
		t.Errorf("expected an unpriced ineligible decision, got %+v", result)
	}
}
