package rules

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Bundle is a pack's factors, price lists and rules in one YAML or JSON
// document. JSON input is accepted because it is valid YAML.
type Bundle struct {
	PackID      string             `yaml:"pack_id"`
	Replace     bool               `yaml:"replace"`
	Factors     []Factor           `yaml:"factors"`
	PriceLists  []bundlePriceList  `yaml:"price_lists"`
	DrugRules   []bundleDrugRule   `yaml:"drug_rules"`
	DosageRules []bundleDosageRule `yaml:"dosage_rules"`
}

type bundlePriceList struct {
	ID            string  `yaml:"id"`
	Name          string  `yaml:"name"`
	BaseUnitPrice float64 `yaml:"base_unit_price"`
	Currency      string  `yaml:"currency"`
}

type bundleDrugRule struct {
	RuleType        RuleType    `yaml:"rule_type"`
	Priority        int         `yaml:"priority"`
	Description     string      `yaml:"description"`
	Conditions      []Condition `yaml:"conditions"`
	ValidFrom       *bundleDate `yaml:"valid_from"`
	ValidTo         *bundleDate `yaml:"valid_to"`
	MaxQuantity     *float64    `yaml:"max_quantity"`
	AdjustmentValue *float64    `yaml:"adjustment_value"`
	Eligibility     *bool       `yaml:"eligibility"`
	Status          RuleStatus  `yaml:"status"`
}

type bundleDosageRule struct {
	RuleName     string      `yaml:"rule_name"`
	DosageAmount float64     `yaml:"dosage_amount"`
	DosageUnit   string      `yaml:"dosage_unit"`
	Notes        *string     `yaml:"notes"`
	Priority     int         `yaml:"priority"`
	Conditions   []Condition `yaml:"conditions"`
	Frequencies  []Frequency `yaml:"frequencies"`
	ValidFrom    *bundleDate `yaml:"valid_from"`
	ValidTo      *bundleDate `yaml:"valid_to"`
	Status       RuleStatus  `yaml:"status"`
}

// bundleDate accepts "2006-01-02" or RFC 3339, quoted or not.
type bundleDate struct{ time.Time }

func (d *bundleDate) UnmarshalYAML(n *yaml.Node) error {
	t, err := ParseDate(n.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	d.Time = t
	return nil
}

func (d *bundleDate) ptr() *time.Time {
	if d == nil {
		return nil
	}
	t := d.Time
	return &t
}

// DecodeBundle parses a bundle document. Unknown keys are rejected.
func DecodeBundle(r io.Reader) (*Bundle, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var b Bundle
	if err := dec.Decode(&b); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrMalformedBundle)
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedBundle, err)
	}
	b.PackID = strings.TrimSpace(b.PackID)
	return &b, nil
}

func (b *Bundle) drugRules() []DrugRule {
	out := make([]DrugRule, len(b.DrugRules))
	for i, in := range b.DrugRules {
		out[i] = DrugRule{
			PackID:          b.PackID,
			RuleType:        RuleType(strings.ToUpper(strings.TrimSpace(string(in.RuleType)))),
			Priority:        in.Priority,
			Description:     in.Description,
			Conditions:      in.Conditions,
			ValidFrom:       in.ValidFrom.ptr(),
			ValidTo:         in.ValidTo.ptr(),
			MaxQuantity:     in.MaxQuantity,
			AdjustmentValue: in.AdjustmentValue,
			Eligibility:     in.Eligibility,
			Status:          in.Status,
		}
		if out[i].Status == "" {
			out[i].Status = StatusActive
		}
	}
	return out
}

func (b *Bundle) dosageRules() []DosageRule {
	out := make([]DosageRule, len(b.DosageRules))
	for i, in := range b.DosageRules {
		out[i] = DosageRule{
			PackID:       b.PackID,
			RuleName:     in.RuleName,
			DosageAmount: in.DosageAmount,
			DosageUnit:   in.DosageUnit,
			Notes:        in.Notes,
			Priority:     in.Priority,
			Conditions:   in.Conditions,
			Frequencies:  in.Frequencies,
			ValidFrom:    in.ValidFrom.ptr(),
			ValidTo:      in.ValidTo.ptr(),
			Status:       in.Status,
		}
		if out[i].Status == "" {
			out[i].Status = StatusActive
		}
	}
	return out
}

// ImportSummary reports what an import wrote.
type ImportSummary struct {
	PackID      string `json:"pack_id"`
	Factors     int    `json:"factors"`
	PriceLists  int    `json:"price_lists"`
	DrugRules   int    `json:"drug_rules"`
	DosageRules int    `json:"dosage_rules"`
	Deactivated int    `json:"deactivated"`
}

// SetPriceLists enables price list rows in bundle imports.
func (s *Service) SetPriceLists(p PriceListRepository) { s.priceLists = p }

// SetBundleSource enables ImportBundleObject.
func (s *Service) SetBundleSource(src BundleSource) { s.bundles = src }

// ImportBundleObject decodes the stored bundle under key and imports it.
func (s *Service) ImportBundleObject(ctx context.Context, key string) (*ImportSummary, error) {
	if s.bundles == nil {
		return nil, fmt.Errorf("%w: no bundle store configured", ErrBundleNotFound)
	}
	rc, err := s.bundles.Open(ctx, key)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrBundleNotFound, key)
		}
		return nil, unavailable("open bundle", err)
	}
	defer rc.Close()

	b, err := DecodeBundle(rc)
	if err != nil {
		return nil, err
	}
	return s.ImportBundle(ctx, b)
}

// ImportBundle validates every entry of b and writes it in one transaction.
// Nothing is written if any entry is invalid. With Replace set, the pack's
// currently active rules are deactivated first.
func (s *Service) ImportBundle(ctx context.Context, b *Bundle) (*ImportSummary, error) {
	if b.PackID == "" {
		return nil, ErrInvalidPackID
	}

	existing, err := s.knownFactors(ctx)
	if err != nil {
		return nil, err
	}
	have := make(map[string]bool, len(existing))
	all := append([]Factor{}, existing...)
	for _, f := range existing {
		have[f.Code] = true
	}

	var errs ValidationErrors
	var newFactors []Factor
	for i := range b.Factors {
		f := b.Factors[i]
		if err := ValidateFactor(&f); err != nil {
			errs = append(errs, prefixed(fmt.Sprintf("factors[%d]", i), err)...)
			continue
		}
		if !have[f.Code] {
			have[f.Code] = true
			newFactors = append(newFactors, f)
			all = append(all, f)
		}
	}

	if len(b.PriceLists) > 0 && s.priceLists == nil {
		errs.add("price_lists", "price list import is not configured")
	}
	for i, p := range b.PriceLists {
		if strings.TrimSpace(p.ID) == "" {
			errs.add(fmt.Sprintf("price_lists[%d].id", i), "is required")
		}
		if p.BaseUnitPrice < 0 {
			errs.add(fmt.Sprintf("price_lists[%d].base_unit_price", i), "must not be negative")
		}
	}

	drugs := b.drugRules()
	for i := range drugs {
		NormalizeConditions(drugs[i].Conditions)
		if err := ValidateDrugRule(&drugs[i], all); err != nil {
			errs = append(errs, prefixed(fmt.Sprintf("drug_rules[%d]", i), err)...)
		}
	}
	dosages := b.dosageRules()
	for i := range dosages {
		NormalizeConditions(dosages[i].Conditions)
		if err := ValidateDosageRule(&dosages[i], all); err != nil {
			errs = append(errs, prefixed(fmt.Sprintf("dosage_rules[%d]", i), err)...)
		}
	}
	if err := errs.orNil(); err != nil {
		return nil, err
	}

	summary := &ImportSummary{PackID: b.PackID}
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		for i := range newFactors {
			if err := s.factors.CreateFactor(ctx, &newFactors[i]); err != nil {
				return fmt.Errorf("create factor %s: %w", newFactors[i].Code, err)
			}
			summary.Factors++
		}
		for _, p := range b.PriceLists {
			pl := PriceList{ID: p.ID, Name: p.Name, BaseUnitPrice: p.BaseUnitPrice, Currency: p.Currency}
			if err := s.priceLists.UpsertPriceList(ctx, &pl); err != nil {
				return fmt.Errorf("upsert price list %s: %w", p.ID, err)
			}
			summary.PriceLists++
		}
		if b.Replace {
			n, err := s.deactivatePack(ctx, b.PackID)
			if err != nil {
				return err
			}
			summary.Deactivated = n
		}
		for i := range drugs {
			if err := s.rules.CreateDrugRule(ctx, &drugs[i]); err != nil {
				return fmt.Errorf("create drug rule %d: %w", i, err)
			}
			summary.DrugRules++
		}
		for i := range dosages {
			if err := s.rules.CreateDosageRule(ctx, &dosages[i]); err != nil {
				return fmt.Errorf("create dosage rule %d: %w", i, err)
			}
			summary.DosageRules++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("pack_id", b.PackID).
		Int("drug_rules", summary.DrugRules).
		Int("dosage_rules", summary.DosageRules).
		Int("deactivated", summary.Deactivated).
		Msg("bundle imported")
	s.changed(ctx, b.PackID)
	return summary, nil
}

func (s *Service) deactivatePack(ctx context.Context, packID string) (int, error) {
	n := 0
	drugs, err := s.rules.FetchRulesByPack(ctx, packID)
	if err != nil {
		return 0, fmt.Errorf("fetch drug rules: %w", err)
	}
	for i := range drugs {
		if !drugs[i].IsActive() {
			continue
		}
		drugs[i].Status = StatusInactive
		if err := s.rules.UpdateDrugRule(ctx, &drugs[i]); err != nil {
			return n, fmt.Errorf("deactivate drug rule %s: %w", drugs[i].ID, err)
		}
		n++
	}
	dosages, err := s.rules.FetchDosageRulesByPack(ctx, packID)
	if err != nil {
		return n, fmt.Errorf("fetch dosage rules: %w", err)
	}
	for i := range dosages {
		if !dosages[i].IsActive() {
			continue
		}
		dosages[i].Status = StatusInactive
		if err := s.rules.UpdateDosageRule(ctx, &dosages[i]); err != nil {
			return n, fmt.Errorf("deactivate dosage rule %s: %w", dosages[i].ID, err)
		}
		n++
	}
	return n, nil
}

func prefixed(prefix string, err error) ValidationErrors {
	var ve ValidationErrors
	if !errors.As(err, &ve) {
		return ValidationErrors{{Field: prefix, Message: err.Error()}}
	}
	out := make(ValidationErrors, len(ve))
	for i, e := range ve {
		out[i] = ValidationError{Field: prefix + "." + e.Field, Message: e.Message}
	}
	return out
}
