package rules

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// TxRunner runs fn so that every repository call made with the ctx it
// receives shares one transaction.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type noTx struct{}

func (noTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

// DecisionRequest is the input of EvaluateDrugDecision.
type DecisionRequest struct {
	PackID            string            `json:"pack_id"`
	PriceListID       string            `json:"price_list_id"`
	RequestedQuantity float64           `json:"requested_quantity"`
	RequestedDate     time.Time         `json:"requested_date"`
	Factors           map[string]string `json:"factors"`
}

type Service struct {
	rules      RuleRepository
	factors    FactorCatalog
	prices     PriceSource
	priceLists PriceListRepository
	bundles    BundleSource
	catalog    *Catalog
	tx         TxRunner
	notifier   ChangeNotifier
	logger     zerolog.Logger
	now        func() time.Time

	evaluations metric.Int64Counter
	malformed   metric.Int64Counter
	latency     metric.Float64Histogram
}

func NewService(rules RuleRepository, factors FactorCatalog, prices PriceSource, logger zerolog.Logger) *Service {
	meter := otel.Meter("github.com/alqaisi42/medexaTPA-sub004/rules")
	evaluations, _ := meter.Int64Counter("rxrules.evaluations",
		metric.WithDescription("Rule evaluations by operation and outcome"))
	malformed, _ := meter.Int64Counter("rxrules.malformed_rules",
		metric.WithDescription("Rules skipped because their stored conditions are malformed"))
	latency, _ := meter.Float64Histogram("rxrules.evaluation.duration",
		metric.WithDescription("Evaluation latency including rule and price lookups"),
		metric.WithUnit("ms"))

	return &Service{
		rules:       rules,
		factors:     factors,
		prices:      prices,
		catalog:     NewCatalog(rules),
		tx:          noTx{},
		logger:      logger.With().Str("component", "rules").Logger(),
		now:         time.Now,
		evaluations: evaluations,
		malformed:   malformed,
		latency:     latency,
	}
}

// SetTxRunner makes multi-row writes (bundle import) atomic.
func (s *Service) SetTxRunner(tx TxRunner) { s.tx = tx }

// SetChangeNotifier attaches an optional notifier told about every pack write.
func (s *Service) SetChangeNotifier(n ChangeNotifier) { s.notifier = n }

// Catalog exposes the rule snapshot cache, e.g. for reload listeners.
func (s *Service) Catalog() *Catalog { return s.catalog }

// -- Evaluation --

func (s *Service) EvaluateDrugRules(ctx context.Context, packID string, ec EvaluationContext) (EvaluationResult, error) {
	start := s.now()
	pack, err := s.pack(ctx, packID)
	if err != nil {
		return EvaluationResult{}, err
	}
	result := EvaluateDrugRules(pack.DrugRules, ec)
	s.reportMalformed(ctx, packID, result.Diagnostics)
	s.record(ctx, "drug_rules", result.Eligible, start)
	return result, nil
}

func (s *Service) ComputeDosageRecommendation(ctx context.Context, packID string, ec EvaluationContext) (DosageRecommendationResult, error) {
	start := s.now()
	pack, err := s.pack(ctx, packID)
	if err != nil {
		return DosageRecommendationResult{}, err
	}
	result := ComputeDosageRecommendation(pack.DosageRules, ec)
	s.reportMalformed(ctx, packID, result.Diagnostics)
	s.record(ctx, "dosage", result.FoundRule, start)
	return result, nil
}

// EvaluateDrugDecision loads rules and checks eligibility. The base price is
// only looked up for eligible drugs, then DecideWith finishes the decision.
func (s *Service) EvaluateDrugDecision(ctx context.Context, req DecisionRequest) (DecisionResult, error) {
	start := s.now()
	if req.RequestedQuantity <= 0 {
		return DecisionResult{}, ErrInvalidQuantity
	}
	if strings.TrimSpace(req.PriceListID) == "" {
		return DecisionResult{}, ErrPriceListNotFound
	}
	pack, err := s.pack(ctx, req.PackID)
	if err != nil {
		return DecisionResult{}, err
	}

	date := req.RequestedDate
	if date.IsZero() {
		date = s.now()
	}
	ec := NewEvaluationContext(date, req.Factors)
	in := DecisionInput{
		DrugRules:         pack.DrugRules,
		DosageRules:       pack.DosageRules,
		RequestedQuantity: req.RequestedQuantity,
		Context:           ec,
	}

	eval := EvaluateDrugRules(pack.DrugRules, ec)
	if eval.Eligible {
		base, err := s.prices.GetBasePrice(ctx, req.PriceListID)
		if err != nil {
			if errors.Is(err, ErrPriceListNotFound) {
				return DecisionResult{}, err
			}
			s.logger.Error().Err(err).Str("price_list_id", req.PriceListID).Msg("price lookup failed")
			return DecisionResult{}, unavailable("get base price", err)
		}
		in.BaseUnitPrice = base
	}

	result := DecideWith(eval, in)
	s.reportMalformed(ctx, req.PackID, result.Diagnostics)
	s.record(ctx, "decision", result.Eligible, start)
	return result, nil
}

func (s *Service) pack(ctx context.Context, packID string) (PackRules, error) {
	if strings.TrimSpace(packID) == "" {
		return PackRules{}, ErrInvalidPackID
	}
	pack, err := s.catalog.Pack(ctx, packID)
	if err != nil {
		s.logger.Error().Err(err).Str("pack_id", packID).Msg("load pack rules")
		return PackRules{}, err
	}
	return pack, nil
}

func (s *Service) reportMalformed(ctx context.Context, packID string, ids []string) {
	for _, id := range ids {
		s.logger.Warn().Str("pack_id", packID).Str("rule_id", id).Msg("skipping rule with malformed conditions")
	}
	if len(ids) > 0 {
		s.malformed.Add(ctx, int64(len(ids)), metric.WithAttributes(attribute.String("pack_id", packID)))
	}
}

func (s *Service) record(ctx context.Context, op string, positive bool, start time.Time) {
	attrs := metric.WithAttributes(attribute.String("op", op), attribute.Bool("positive", positive))
	s.evaluations.Add(ctx, 1, attrs)
	s.latency.Record(ctx, float64(s.now().Sub(start).Microseconds())/1000, attrs)
}

// -- Authoring --

func (s *Service) knownFactors(ctx context.Context) ([]Factor, error) {
	factors, err := s.factors.FetchFactors(ctx)
	if err != nil {
		return nil, unavailable("fetch factors", err)
	}
	if factors == nil {
		factors = []Factor{}
	}
	return factors, nil
}

func (s *Service) CreateDrugRule(ctx context.Context, r *DrugRule) error {
	NormalizeConditions(r.Conditions)
	if r.Status == "" {
		r.Status = StatusActive
	}
	factors, err := s.knownFactors(ctx)
	if err != nil {
		return err
	}
	if err := ValidateDrugRule(r, factors); err != nil {
		return err
	}
	if err := s.rules.CreateDrugRule(ctx, r); err != nil {
		return fmt.Errorf("create drug rule: %w", err)
	}
	s.changed(ctx, r.PackID)
	return nil
}

// UpdateDrugRule replaces the editable fields of an existing rule. A status
// change must be a legal transition.
func (s *Service) UpdateDrugRule(ctx context.Context, r *DrugRule) error {
	existing, err := s.GetDrugRule(ctx, r.ID)
	if err != nil {
		return err
	}
	NormalizeConditions(r.Conditions)
	if r.Status == "" {
		r.Status = existing.Status
	} else if r.Status != existing.Status {
		if _, err := existing.Status.Transition(r.Status); err != nil {
			return err
		}
	}
	factors, err := s.knownFactors(ctx)
	if err != nil {
		return err
	}
	if err := ValidateDrugRule(r, factors); err != nil {
		return err
	}
	r.CreatedAt = existing.CreatedAt
	if err := s.rules.UpdateDrugRule(ctx, r); err != nil {
		return fmt.Errorf("update drug rule: %w", err)
	}
	s.changed(ctx, existing.PackID)
	if r.PackID != existing.PackID {
		s.changed(ctx, r.PackID)
	}
	return nil
}

func (s *Service) DeactivateDrugRule(ctx context.Context, id uuid.UUID) (*DrugRule, error) {
	r, err := s.GetDrugRule(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status, err = r.Status.Transition(StatusInactive); err != nil {
		return nil, err
	}
	if err := s.rules.UpdateDrugRule(ctx, r); err != nil {
		return nil, fmt.Errorf("deactivate drug rule: %w", err)
	}
	s.changed(ctx, r.PackID)
	return r, nil
}

func (s *Service) GetDrugRule(ctx context.Context, id uuid.UUID) (*DrugRule, error) {
	r, err := s.rules.GetDrugRule(ctx, id)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ListDrugRules returns every stored drug rule of a pack, inactive included.
func (s *Service) ListDrugRules(ctx context.Context, packID string) ([]DrugRule, error) {
	if strings.TrimSpace(packID) == "" {
		return nil, ErrInvalidPackID
	}
	rules, err := s.rules.FetchRulesByPack(ctx, packID)
	if err != nil {
		return nil, unavailable("fetch drug rules", err)
	}
	return rules, nil
}

func (s *Service) CreateDosageRule(ctx context.Context, r *DosageRule) error {
	NormalizeConditions(r.Conditions)
	if r.Status == "" {
		r.Status = StatusActive
	}
	factors, err := s.knownFactors(ctx)
	if err != nil {
		return err
	}
	if err := ValidateDosageRule(r, factors); err != nil {
		return err
	}
	if err := s.rules.CreateDosageRule(ctx, r); err != nil {
		return fmt.Errorf("create dosage rule: %w", err)
	}
	s.changed(ctx, r.PackID)
	return nil
}

func (s *Service) UpdateDosageRule(ctx context.Context, r *DosageRule) error {
	existing, err := s.GetDosageRule(ctx, r.ID)
	if err != nil {
		return err
	}
	NormalizeConditions(r.Conditions)
	if r.Status == "" {
		r.Status = existing.Status
	} else if r.Status != existing.Status {
		if _, err := existing.Status.Transition(r.Status); err != nil {
			return err
		}
	}
	factors, err := s.knownFactors(ctx)
	if err != nil {
		return err
	}
	if err := ValidateDosageRule(r, factors); err != nil {
		return err
	}
	r.CreatedAt = existing.CreatedAt
	if err := s.rules.UpdateDosageRule(ctx, r); err != nil {
		return fmt.Errorf("update dosage rule: %w", err)
	}
	s.changed(ctx, existing.PackID)
	if r.PackID != existing.PackID {
		s.changed(ctx, r.PackID)
	}
	return nil
}

func (s *Service) DeactivateDosageRule(ctx context.Context, id uuid.UUID) (*DosageRule, error) {
	r, err := s.GetDosageRule(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status, err = r.Status.Transition(StatusInactive); err != nil {
		return nil, err
	}
	if err := s.rules.UpdateDosageRule(ctx, r); err != nil {
		return nil, fmt.Errorf("deactivate dosage rule: %w", err)
	}
	s.changed(ctx, r.PackID)
	return r, nil
}

func (s *Service) GetDosageRule(ctx context.Context, id uuid.UUID) (*DosageRule, error) {
	return s.rules.GetDosageRule(ctx, id)
}

func (s *Service) ListDosageRules(ctx context.Context, packID string) ([]DosageRule, error) {
	if strings.TrimSpace(packID) == "" {
		return nil, ErrInvalidPackID
	}
	rules, err := s.rules.FetchDosageRulesByPack(ctx, packID)
	if err != nil {
		return nil, unavailable("fetch dosage rules", err)
	}
	return rules, nil
}

func (s *Service) ListPacks(ctx context.Context) ([]string, error) {
	packs, err := s.rules.ListPacks(ctx)
	if err != nil {
		return nil, unavailable("list packs", err)
	}
	return packs, nil
}

// -- Factors --

func (s *Service) CreateFactor(ctx context.Context, f *Factor) error {
	if err := ValidateFactor(f); err != nil {
		return err
	}
	return s.factors.CreateFactor(ctx, f)
}

func (s *Service) ListFactors(ctx context.Context) ([]Factor, error) {
	return s.knownFactors(ctx)
}

// -- Change propagation --

// changed drops the local snapshot of packID and tells other instances.
func (s *Service) changed(ctx context.Context, packID string) {
	s.catalog.Invalidate(packID)
	if s.notifier == nil {
		return
	}
	if err := s.notifier.PackChanged(ctx, packID); err != nil {
		s.logger.Warn().Err(err).Str("pack_id", packID).Msg("publish rule change")
	}
}
