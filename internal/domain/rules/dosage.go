package rules

const reasonNoDosageMatch = "no dosage rule matched the supplied context"

// ComputeDosageRecommendation returns the single top-precedence dosage rule
// that matches ctx, with all of its frequencies.
func ComputeDosageRecommendation(rules []DosageRule, ctx EvaluationContext) DosageRecommendationResult {
	sel := SelectWithDiagnostics(rules, ctx)
	if len(sel.Rules) == 0 {
		return DosageRecommendationResult{
			FoundRule:   false,
			Frequencies: []Frequency{},
			Reasons:     []string{reasonNoDosageMatch},
			Diagnostics: sel.Malformed,
		}
	}

	winner := sel.Rules[0]
	name := winner.RuleName
	amount := winner.DosageAmount
	unit := winner.DosageUnit
	freqs := make([]Frequency, len(winner.Frequencies))
	copy(freqs, winner.Frequencies)
	var notes *string
	if winner.Notes != nil {
		n := *winner.Notes
		notes = &n
	}

	return DosageRecommendationResult{
		FoundRule:    true,
		RuleName:     &name,
		DosageAmount: &amount,
		DosageUnit:   &unit,
		Notes:        notes,
		Frequencies:  freqs,
		Reasons:      []string{"dosage rule " + name + " matched"},
		Diagnostics:  sel.Malformed,
	}
}
