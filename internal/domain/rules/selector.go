package rules

import (
	"sort"
	"time"
)

// selectKey is the part of a rule the selector needs.
type selectKey struct {
	id         string
	active     bool
	priority   int
	createdAt  time.Time
	validFrom  *time.Time
	validTo    *time.Time
	conditions []Condition
}

type selectable interface {
	selectKey() selectKey
}

// Selection is the ordered survivor list plus the ids of rules that were
// skipped because their stored conditions are malformed.
type Selection[R selectable] struct {
	Rules     []R
	Malformed []string
}

// Select filters rules to the active, in-window, fully matching ones and
// orders them by precedence. The input slice is not modified.
func Select[R selectable](rules []R, ctx EvaluationContext) []R {
	return SelectWithDiagnostics(rules, ctx).Rules
}

// SelectWithDiagnostics is Select that also reports malformed rules.
//
// Ordering is ascending priority, then ascending creation time, then input
// order (stable sort), so equal-priority rules resolve deterministically.
func SelectWithDiagnostics[R selectable](rules []R, ctx EvaluationContext) Selection[R] {
	var sel Selection[R]
	for _, r := range rules {
		k := r.selectKey()
		if !k.active {
			continue
		}
		if !withinWindow(k.validFrom, k.validTo, ctx.Date()) {
			continue
		}
		ok, malformed := Satisfied(k.conditions, ctx)
		if malformed {
			sel.Malformed = append(sel.Malformed, k.id)
			continue
		}
		if !ok {
			continue
		}
		sel.Rules = append(sel.Rules, r)
	}

	sort.SliceStable(sel.Rules, func(i, j int) bool {
		a, b := sel.Rules[i].selectKey(), sel.Rules[j].selectKey()
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		return a.createdAt.Before(b.createdAt)
	})
	return sel
}

// withinWindow checks from <= date <= to by calendar day; nil bounds are open.
func withinWindow(from, to *time.Time, date time.Time) bool {
	if from != nil && date.Before(calendarDay(*from)) {
		return false
	}
	if to != nil && date.After(calendarDay(*to)) {
		return false
	}
	return true
}
