package rules

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type testEnv struct {
	svc      *Service
	rules    *mockRuleRepo
	factors  *mockFactorRepo
	prices   *mockPriceRepo
	notifier *recordingNotifier
}

func newTestEnv() *testEnv {
	env := &testEnv{
		rules:    newMockRuleRepo(),
		factors:  newMockFactorRepo("AGE", "GENDER", "PREGNANT"),
		prices:   newMockPriceRepo(),
		notifier: &recordingNotifier{},
	}
	env.prices.lists["retail"] = PriceList{ID: "retail", BaseUnitPrice: 5, Currency: "USD"}
	env.svc = NewService(env.rules, env.factors, env.prices, zerolog.Nop())
	env.svc.SetPriceLists(env.prices)
	env.svc.SetChangeNotifier(env.notifier)
	env.svc.now = func() time.Time { return time.Date(2025, 6, 1, 15, 0, 0, 0, time.UTC) }
	return env
}

func newTestService() *Service {
	return newTestEnv().svc
}

func TestService_EvaluateDrugDecision(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	qty := DrugRule{PackID: "formulary", RuleType: RuleTypeQtyLimit, Priority: 1,
		Conditions: []Condition{between("AGE", "0", "120")}, MaxQuantity: floatp(10)}
	if err := env.svc.CreateDrugRule(ctx, &qty); err != nil {
		t.Fatalf("create rule: %v", err)
	}

	result, err := env.svc.EvaluateDrugDecision(ctx, DecisionRequest{
		PackID:            "formulary",
		PriceListID:       "retail",
		RequestedQuantity: 100,
		Factors:           map[string]string{"AGE": "40"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Eligible || result.Pricing == nil {
		t.Fatalf("expected an eligible priced decision, got %+v", result)
	}
	if result.Pricing.QuantityAfterEnforcement != 10 || result.Pricing.FinalTotalPrice != 50 {
		t.Errorf("unexpected pricing %+v", result.Pricing)
	}
	if !hasString(result.Warnings, warnQuantityReduced) {
		t.Errorf("expected reduction warning, got %v", result.Warnings)
	}
}

func TestService_EvaluateDrugDecision_DefaultsDateToNow(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	expired := DrugRule{PackID: "formulary", RuleType: RuleTypeContraindication, Priority: 1,
		Conditions: []Condition{between("AGE", "0", "120")}, ValidTo: dayp(2025, 5, 31)}
	if err := env.svc.CreateDrugRule(ctx, &expired); err != nil {
		t.Fatal(err)
	}

	result, err := env.svc.EvaluateDrugDecision(ctx, DecisionRequest{
		PackID: "formulary", PriceListID: "retail", RequestedQuantity: 1,
		Factors: map[string]string{"AGE": "40"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Eligible {
		t.Error("expected the rule that expired before now to be ignored")
	}

	result, err = env.svc.EvaluateDrugDecision(ctx, DecisionRequest{
		PackID: "formulary", PriceListID: "retail", RequestedQuantity: 1,
		RequestedDate: day(2025, 5, 31),
		Factors:       map[string]string{"AGE": "40"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Eligible {
		t.Error("expected the rule to apply on its last valid day")
	}
}

func TestService_EvaluateDrugDecision_Errors(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	tests := []struct {
		name string
		req  DecisionRequest
		want error
	}{
		{"zero quantity", DecisionRequest{PackID: "p", PriceListID: "retail"}, ErrInvalidQuantity},
		{"negative quantity", DecisionRequest{PackID: "p", PriceListID: "retail", RequestedQuantity: -1}, ErrInvalidQuantity},
		{"no price list", DecisionRequest{PackID: "p", RequestedQuantity: 1}, ErrPriceListNotFound},
		{"unknown price list", DecisionRequest{PackID: "p", PriceListID: "nope", RequestedQuantity: 1}, ErrPriceListNotFound},
		{"no pack", DecisionRequest{PriceListID: "retail", RequestedQuantity: 1}, ErrInvalidPackID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.EvaluateDrugDecision(ctx, tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestService_EvaluateDrugDecision_PriceSourceDown(t *testing.T) {
	env := newTestEnv()
	env.prices.fail = errors.New("connection reset")

	_, err := env.svc.EvaluateDrugDecision(context.Background(), DecisionRequest{
		PackID: "formulary", PriceListID: "retail", RequestedQuantity: 1,
	})
	if !IsUnavailable(err) {
		t.Errorf("expected UnavailableError, got %v", err)
	}
}

func TestService_EvaluateDrugDecision_IneligibleSkipsPriceLookup(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	gate := DrugRule{PackID: "formulary", RuleType: RuleTypeAgeEligibility, Priority: 1,
		Conditions: []Condition{between("AGE", "0", "17")}, Eligibility: boolp(false), Description: "Adults only"}
	if err := env.svc.CreateDrugRule(ctx, &gate); err != nil {
		t.Fatal(err)
	}

	result, err := env.svc.EvaluateDrugDecision(ctx, DecisionRequest{
		PackID: "formulary", PriceListID: "discontinued", RequestedQuantity: 1,
		Factors: map[string]string{"AGE": "12"},
	})
	if err != nil {
		t.Fatalf("ineligible decision should not depend on the price list: %v", err)
	}
	if result.Eligible || !hasString(result.Reasons, "Adults only") {
		t.Errorf("unexpected result %+v", result)
	}

	env.prices.fail = errors.New("connection reset")
	if _, err := env.svc.EvaluateDrugDecision(ctx, DecisionRequest{
		PackID: "formulary", PriceListID: "retail", RequestedQuantity: 1,
		Factors: map[string]string{"AGE": "12"},
	}); err != nil {
		t.Errorf("ineligible decision should not need the price source: %v", err)
	}
	if env.prices.gets != 0 {
		t.Errorf("expected no price lookups, got %d", env.prices.gets)
	}
}

func TestService_EvaluateDrugDecision_ReportsMalformed(t *testing.T) {
	env := newTestEnv()
	broken := drugRule(7, RuleTypeQtyLimit, 1, Condition{FactorCode: "AGE", Operator: OpIn})
	env.rules.drugs[broken.ID] = &broken

	result, err := env.svc.EvaluateDrugDecision(context.Background(), DecisionRequest{
		PackID: "formulary", PriceListID: "retail", RequestedQuantity: 1,
		Factors: map[string]string{"AGE": "40"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Eligible {
		t.Fatal("a malformed rule must not block the decision")
	}
	if !hasString(result.Diagnostics, broken.ID.String()) {
		t.Errorf("expected malformed rule in diagnostics, got %v", result.Diagnostics)
	}
}

func TestService_EvaluateDrugRules_RepositoryDown(t *testing.T) {
	env := newTestEnv()
	env.rules.fail = errors.New("connection reset")

	_, err := env.svc.EvaluateDrugRules(context.Background(), "formulary", ctxWith(day(2025, 6, 1)))
	if !IsUnavailable(err) {
		t.Errorf("expected UnavailableError, got %v", err)
	}
}

func TestService_ComputeDosageRecommendation(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	r := DosageRule{PackID: "formulary", RuleName: "adult", DosageAmount: 500, DosageUnit: "mg",
		Conditions:  []Condition{greaterThan("AGE", "17")},
		Frequencies: []Frequency{{FrequencyCode: "BID"}}}
	if err := env.svc.CreateDosageRule(ctx, &r); err != nil {
		t.Fatal(err)
	}

	result, err := env.svc.ComputeDosageRecommendation(ctx, "formulary", ctxWith(day(2025, 6, 1), "AGE", "30"))
	if err != nil {
		t.Fatal(err)
	}
	if !result.FoundRule || *result.RuleName != "adult" {
		t.Errorf("unexpected result %+v", result)
	}

	result, err = env.svc.ComputeDosageRecommendation(ctx, "formulary", ctxWith(day(2025, 6, 1), "AGE", "3"))
	if err != nil {
		t.Fatal(err)
	}
	if result.FoundRule {
		t.Error("expected no match for a child")
	}
}

func TestService_CreateDrugRule(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	r := DrugRule{PackID: "formulary", RuleType: RuleTypeContraindication,
		Conditions: []Condition{{FactorCode: " PREGNANT ", Operator: "equals", ValueExact: strp(" true ")}}}
	if err := env.svc.CreateDrugRule(ctx, &r); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.ID == uuid.Nil {
		t.Error("expected an id to be assigned")
	}
	if r.Status != StatusActive {
		t.Errorf("expected new rule to be active, got %s", r.Status)
	}
	if r.Conditions[0].FactorCode != "PREGNANT" || r.Conditions[0].Operator != OpEquals {
		t.Errorf("expected normalized condition, got %+v", r.Conditions[0])
	}
	if len(env.notifier.packs) != 1 || env.notifier.packs[0] != "formulary" {
		t.Errorf("expected change notification, got %v", env.notifier.packs)
	}
}

func TestService_CreateDrugRule_UnknownFactor(t *testing.T) {
	env := newTestEnv()
	r := DrugRule{PackID: "formulary", RuleType: RuleTypeContraindication,
		Conditions: []Condition{equals("SMOKER", "true")}}

	err := env.svc.CreateDrugRule(context.Background(), &r)
	var ve ValidationErrors
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationErrors, got %v", err)
	}
	if len(env.rules.drugs) != 0 {
		t.Error("invalid rule must not be stored")
	}
}

func TestService_CreateDrugRule_FactorsUnavailable(t *testing.T) {
	env := newTestEnv()
	env.factors.fail = errors.New("timeout")
	r := DrugRule{PackID: "formulary", RuleType: RuleTypeContraindication,
		Conditions: []Condition{equals("AGE", "1")}}

	if err := env.svc.CreateDrugRule(context.Background(), &r); !IsUnavailable(err) {
		t.Errorf("expected UnavailableError, got %v", err)
	}
}

func TestService_CreateInvalidatesCachedPack(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	evalCtx := ctxWith(day(2025, 6, 1), "PREGNANT", "true")

	before, err := env.svc.EvaluateDrugRules(ctx, "formulary", evalCtx)
	if err != nil {
		t.Fatal(err)
	}
	if !before.Eligible {
		t.Fatal("expected eligible before any rules exist")
	}

	r := DrugRule{PackID: "formulary", RuleType: RuleTypeContraindication,
		Conditions: []Condition{equals("PREGNANT", "true")}}
	if err := env.svc.CreateDrugRule(ctx, &r); err != nil {
		t.Fatal(err)
	}

	after, err := env.svc.EvaluateDrugRules(ctx, "formulary", evalCtx)
	if err != nil {
		t.Fatal(err)
	}
	if after.Eligible {
		t.Error("expected the new contraindication to be visible after the write")
	}
}

func TestService_UpdateDrugRule(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	r := DrugRule{PackID: "formulary", RuleType: RuleTypeQtyLimit, MaxQuantity: floatp(10),
		Conditions: []Condition{between("AGE", "0", "120")}}
	if err := env.svc.CreateDrugRule(ctx, &r); err != nil {
		t.Fatal(err)
	}
	created := r.CreatedAt

	update := DrugRule{ID: r.ID, PackID: "formulary", RuleType: RuleTypeQtyLimit, MaxQuantity: floatp(20),
		Conditions: []Condition{between("AGE", "0", "120")}}
	if err := env.svc.UpdateDrugRule(ctx, &update); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if update.Status != StatusActive {
		t.Errorf("expected status to be kept, got %s", update.Status)
	}
	if !update.CreatedAt.Equal(created) {
		t.Errorf("expected created_at to be preserved")
	}
	stored, _ := env.svc.GetDrugRule(ctx, r.ID)
	if *stored.MaxQuantity != 20 {
		t.Errorf("expected stored max quantity 20, got %v", *stored.MaxQuantity)
	}
}

func TestService_UpdateDrugRule_NotFound(t *testing.T) {
	env := newTestEnv()
	r := DrugRule{ID: uuid.New(), PackID: "formulary", RuleType: RuleTypeContraindication,
		Conditions: []Condition{equals("AGE", "1")}}
	if err := env.svc.UpdateDrugRule(context.Background(), &r); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("expected ErrRuleNotFound, got %v", err)
	}
}

func TestService_DeactivateIsTerminal(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	r := DrugRule{PackID: "formulary", RuleType: RuleTypeContraindication,
		Conditions: []Condition{equals("AGE", "1")}}
	if err := env.svc.CreateDrugRule(ctx, &r); err != nil {
		t.Fatal(err)
	}

	got, err := env.svc.DeactivateDrugRule(ctx, r.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != StatusInactive {
		t.Errorf("expected inactive, got %s", got.Status)
	}

	if _, err := env.svc.DeactivateDrugRule(ctx, r.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected second deactivation to fail, got %v", err)
	}

	reactivate := *got
	reactivate.Status = StatusActive
	if err := env.svc.UpdateDrugRule(ctx, &reactivate); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected reactivation to fail, got %v", err)
	}

	rules, _ := env.svc.ListDrugRules(ctx, "formulary")
	if len(rules) != 1 || rules[0].Status != StatusInactive {
		t.Errorf("expected the inactive rule to remain listed, got %+v", rules)
	}
}

func TestService_DosageRuleLifecycle(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	r := DosageRule{PackID: "formulary", RuleName: "adult", DosageAmount: 500, DosageUnit: "mg",
		Conditions:  []Condition{greaterThan("AGE", "17")},
		Frequencies: []Frequency{{FrequencyCode: "BID"}}}
	if err := env.svc.CreateDosageRule(ctx, &r); err != nil {
		t.Fatal(err)
	}

	r.DosageAmount = 250
	r.Status = ""
	if err := env.svc.UpdateDosageRule(ctx, &r); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := env.svc.DeactivateDosageRule(ctx, r.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := env.svc.DeactivateDosageRule(ctx, r.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected terminal deactivation, got %v", err)
	}

	list, err := env.svc.ListDosageRules(ctx, "formulary")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].DosageAmount != 250 || list[0].Status != StatusInactive {
		t.Errorf("unexpected dosage rules %+v", list)
	}
}

func TestService_ListRequiresPack(t *testing.T) {
	svc := newTestService()
	if _, err := svc.ListDrugRules(context.Background(), " "); !errors.Is(err, ErrInvalidPackID) {
		t.Errorf("expected ErrInvalidPackID, got %v", err)
	}
	if _, err := svc.ListDosageRules(context.Background(), ""); !errors.Is(err, ErrInvalidPackID) {
		t.Errorf("expected ErrInvalidPackID, got %v", err)
	}
}

func TestService_Factors(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	if err := env.svc.CreateFactor(ctx, &Factor{Code: "SMOKER", Description: "Current smoker"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := env.svc.CreateFactor(ctx, &Factor{Code: "SMOKER"}); !errors.Is(err, ErrFactorExists) {
		t.Errorf("expected ErrFactorExists, got %v", err)
	}
	if err := env.svc.CreateFactor(ctx, &Factor{Code: ""}); err == nil {
		t.Error("expected validation error")
	}

	factors, err := env.svc.ListFactors(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(factors) != 4 {
		t.Errorf("expected 4 factors, got %d", len(factors))
	}
}

func TestService_ListPacks(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	for _, pack := range []string{"b", "a"} {
		r := DrugRule{PackID: pack, RuleType: RuleTypeContraindication, Conditions: []Condition{equals("AGE", "1")}}
		if err := env.svc.CreateDrugRule(ctx, &r); err != nil {
			t.Fatal(err)
		}
	}
	packs, err := env.svc.ListPacks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(packs) != 2 || packs[0] != "a" || packs[1] != "b" {
		t.Errorf("unexpected packs %v", packs)
	}
}

func TestService_NotifierFailureIsNotFatal(t *testing.T) {
	env := newTestEnv()
	env.notifier.fail = errors.New("broker down")

	r := DrugRule{PackID: "formulary", RuleType: RuleTypeContraindication, Conditions: []Condition{equals("AGE", "1")}}
	if err := env.svc.CreateDrugRule(context.Background(), &r); err != nil {
		t.Errorf("expected write to succeed despite notifier failure, got %v", err)
	}
}
