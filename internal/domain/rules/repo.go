package rules

import (
	"context"
	"io"

	"github.com/google/uuid"
)

// RuleRepository is the persistence boundary for drug and dosage rules.
// Fetch methods return every rule of the pack regardless of status or
// validity window; filtering belongs to the selector.
type RuleRepository interface {
	FetchRulesByPack(ctx context.Context, packID string) ([]DrugRule, error)
	FetchDosageRulesByPack(ctx context.Context, packID string) ([]DosageRule, error)

	CreateDrugRule(ctx context.Context, r *DrugRule) error
	GetDrugRule(ctx context.Context, id uuid.UUID) (*DrugRule, error)
	UpdateDrugRule(ctx context.Context, r *DrugRule) error

	CreateDosageRule(ctx context.Context, r *DosageRule) error
	GetDosageRule(ctx context.Context, id uuid.UUID) (*DosageRule, error)
	UpdateDosageRule(ctx context.Context, r *DosageRule) error

	// ListPacks returns the distinct pack ids that have at least one rule.
	ListPacks(ctx context.Context) ([]string, error)
}

// FactorCatalog is the set of factor codes rules may reference.
type FactorCatalog interface {
	FetchFactors(ctx context.Context) ([]Factor, error)
	CreateFactor(ctx context.Context, f *Factor) error
}

// PriceSource resolves the base unit price of a price list.
type PriceSource interface {
	GetBasePrice(ctx context.Context, priceListID string) (float64, error)
}

// PriceListRepository manages price list rows. The Postgres implementation
// is also a PriceSource.
type PriceListRepository interface {
	PriceSource
	UpsertPriceList(ctx context.Context, p *PriceList) error
	GetPriceList(ctx context.Context, id string) (*PriceList, error)
}

// ChangeNotifier is told when a pack's rules change so other instances can
// drop their cached copy.
type ChangeNotifier interface {
	PackChanged(ctx context.Context, packID string) error
}

// BundleSource opens stored bundle documents by key. A missing key yields an
// error wrapping fs.ErrNotExist.
type BundleSource interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}
