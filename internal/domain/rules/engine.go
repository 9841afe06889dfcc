package rules

// EvaluateDrugRules folds a pack's drug rules into one EvaluationResult.
//
// Eligibility is decided by the union of AGE_ELIGIBILITY and CONTRAINDICATION
// rules: the top-precedence match decides through its eligibility flag, and
// every matched contraindication blocks unless its flag is explicitly true.
// QTY_LIMIT and PRICE_ADJUSTMENT each take their single top match.
func EvaluateDrugRules(rules []DrugRule, ctx EvaluationContext) EvaluationResult {
	families := partition(rules)
	result := EvaluationResult{
		Eligible:     true,
		Reasons:      []string{},
		AppliedRules: []string{},
	}

	gating := append(append([]DrugRule{}, families[RuleTypeAgeEligibility]...), families[RuleTypeContraindication]...)
	gate := SelectWithDiagnostics(gating, ctx)
	result.Diagnostics = append(result.Diagnostics, gate.Malformed...)
	applyEligibility(&result, gate.Rules)

	qty := SelectWithDiagnostics(families[RuleTypeQtyLimit], ctx)
	result.Diagnostics = append(result.Diagnostics, qty.Malformed...)
	if len(qty.Rules) > 0 {
		winner := qty.Rules[0]
		if winner.MaxQuantity != nil {
			v := *winner.MaxQuantity
			result.MaxAllowedQuantity = &v
		}
		result.AppliedRules = append(result.AppliedRules, winner.Label())
	}

	price := SelectWithDiagnostics(families[RuleTypePriceAdjustment], ctx)
	result.Diagnostics = append(result.Diagnostics, price.Malformed...)
	if len(price.Rules) > 0 {
		winner := price.Rules[0]
		if winner.AdjustmentValue != nil {
			v := *winner.AdjustmentValue
			result.PriceAdjustmentValue = &v
		}
		result.AppliedRules = append(result.AppliedRules, winner.Label())
	}

	return result
}

func applyEligibility(result *EvaluationResult, matched []DrugRule) {
	if len(matched) == 0 {
		return
	}

	contributed := map[string]bool{}
	contribute := func(r DrugRule) {
		label := r.Label()
		if contributed[label] {
			return
		}
		contributed[label] = true
		result.Reasons = append(result.Reasons, r.Reason())
		result.AppliedRules = append(result.AppliedRules, label)
	}

	winner := matched[0]
	contribute(winner)
	if blocks(winner) {
		result.Eligible = false
	}

	for _, r := range matched[1:] {
		if r.RuleType == RuleTypeContraindication && blocks(r) {
			result.Eligible = false
			contribute(r)
		}
	}
}

// blocks reports whether a matched gating rule denies eligibility.
// Contraindications block unless eligibility is explicitly true; age rules
// block only when eligibility is explicitly false.
func blocks(r DrugRule) bool {
	if r.RuleType == RuleTypeContraindication {
		return r.Eligibility == nil || !*r.Eligibility
	}
	return r.Eligibility != nil && !*r.Eligibility
}

func partition(rules []DrugRule) map[RuleType][]DrugRule {
	out := make(map[RuleType][]DrugRule, 4)
	for _, r := range rules {
		out[r.RuleType] = append(out[r.RuleType], r)
	}
	return out
}
