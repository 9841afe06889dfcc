package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/alqaisi42/medexaTPA-sub004/internal/config"
	"github.com/alqaisi42/medexaTPA-sub004/internal/domain/rules"
	"github.com/alqaisi42/medexaTPA-sub004/internal/platform/blobstore"
	"github.com/alqaisi42/medexaTPA-sub004/internal/platform/cache"
	"github.com/alqaisi42/medexaTPA-sub004/internal/platform/db"
	"github.com/alqaisi42/medexaTPA-sub004/internal/platform/events"
)

// app is everything a command needs once configuration is loaded.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	pool    *pgxpool.Pool
	svc     *rules.Service
	bundles blobstore.Store
	amqp    *events.Conn
	checks  []db.Check
	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// newApp connects to Postgres and every optional backend that is configured.
// Optional backends that fail to connect are logged and skipped.
func newApp(ctx context.Context, logger zerolog.Logger) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:             cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		ApplicationName: "rxrules-" + cfg.InstanceID,
	})
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, pool: pool}
	a.closers = append(a.closers, pool.Close)
	logger.Info().Msg("connected to database")

	ruleRepo := rules.NewRuleRepoPG(pool)
	factorRepo := rules.NewFactorRepoPG(pool)
	var priceLists rules.PriceListRepository = rules.NewPriceListRepoPG(pool)

	if cfg.RedisURL != "" {
		rdb, err := cache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			logger.Warn().Err(err).Msg("price cache disabled")
		} else {
			pc := cache.NewPriceCache(rdb, cfg.PriceCacheTTL)
			priceLists = rules.NewCachedPriceSource(priceLists, pc, logger)
			a.closers = append(a.closers, func() { _ = rdb.Close() })
			a.checks = append(a.checks, db.Check{Name: "redis", Optional: true, Ping: pc.Ping})
			logger.Info().Dur("ttl", cfg.PriceCacheTTL).Msg("price cache enabled")
		}
	}

	svc := rules.NewService(ruleRepo, factorRepo, priceLists, logger)
	svc.SetPriceLists(priceLists)
	svc.SetTxRunner(db.NewTxManager(pool))

	if cfg.BundleStoreEnabled() {
		store, err := blobstore.NewMinioStore(ctx, blobstore.MinioConfig{
			Endpoint:  cfg.BundleEndpoint,
			AccessKey: cfg.BundleAccessKey,
			SecretKey: cfg.BundleSecretKey,
			Bucket:    cfg.BundleBucket,
			Region:    cfg.BundleRegion,
			UseSSL:    cfg.BundleUseSSL,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("bundle store disabled")
		} else {
			a.bundles = store
			svc.SetBundleSource(store)
			a.checks = append(a.checks, db.Check{Name: "bundle_store", Optional: true, Ping: store.Ping})
			logger.Info().Str("bucket", cfg.BundleBucket).Msg("bundle store enabled")
		}
	}

	if cfg.AMQPURL != "" {
		conn, err := events.Dial(cfg.AMQPURL)
		if err == nil {
			err = events.DeclareExchange(conn.Channel, cfg.RulesExchange)
			if err != nil {
				conn.Close()
			}
		}
		if err != nil {
			logger.Warn().Err(err).Msg("pack change notifications disabled")
		} else {
			a.amqp = conn
			svc.SetChangeNotifier(events.NewPublisher(conn.Channel, cfg.RulesExchange, cfg.InstanceID))
			a.closers = append(a.closers, func() { _ = conn.Close() })
			a.checks = append(a.checks, db.Check{Name: "amqp", Optional: true, Ping: conn.Ping})
			logger.Info().Str("exchange", cfg.RulesExchange).Msg("pack change notifications enabled")
		}
	}

	a.svc = svc
	return a, nil
}
