package rules

import (
	"context"

	"github.com/rs/zerolog"
)

// PriceCache is a shared cache of base unit prices.
type PriceCache interface {
	GetPrice(ctx context.Context, priceListID string) (float64, bool, error)
	SetPrice(ctx context.Context, priceListID string, price float64) error
	DeletePrice(ctx context.Context, priceListID string) error
}

// CachedPriceSource reads base prices through a PriceCache. Cache failures
// are logged and the backing repository is used instead.
type CachedPriceSource struct {
	next   PriceListRepository
	cache  PriceCache
	logger zerolog.Logger
}

func NewCachedPriceSource(next PriceListRepository, cache PriceCache, logger zerolog.Logger) *CachedPriceSource {
	return &CachedPriceSource{next: next, cache: cache, logger: logger}
}

func (p *CachedPriceSource) GetBasePrice(ctx context.Context, priceListID string) (float64, error) {
	price, ok, err := p.cache.GetPrice(ctx, priceListID)
	if err != nil {
		p.logger.Warn().Err(err).Str("price_list_id", priceListID).Msg("price cache read failed")
	} else if ok {
		return price, nil
	}

	price, err = p.next.GetBasePrice(ctx, priceListID)
	if err != nil {
		return 0, err
	}
	if err := p.cache.SetPrice(ctx, priceListID, price); err != nil {
		p.logger.Warn().Err(err).Str("price_list_id", priceListID).Msg("price cache write failed")
	}
	return price, nil
}

func (p *CachedPriceSource) GetPriceList(ctx context.Context, id string) (*PriceList, error) {
	return p.next.GetPriceList(ctx, id)
}

// UpsertPriceList writes through and drops the cached price.
func (p *CachedPriceSource) UpsertPriceList(ctx context.Context, pl *PriceList) error {
	if err := p.next.UpsertPriceList(ctx, pl); err != nil {
		return err
	}
	if err := p.cache.DeletePrice(ctx, pl.ID); err != nil {
		p.logger.Warn().Err(err).Str("price_list_id", pl.ID).Msg("price cache invalidation failed")
	}
	return nil
}
