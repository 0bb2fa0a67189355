package app

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xenking/kart-voucher/internal/domain/order"
	"github.com/xenking/kart-voucher/internal/domain/stock"
	"github.com/xenking/kart-voucher/internal/domain/user"
	"github.com/xenking/kart-voucher/internal/domain/voucher"
	"github.com/xenking/kart-voucher/internal/outbox"
	"github.com/xenking/kart-voucher/internal/seed"
	"github.com/xenking/kart-voucher/internal/storage/memory"
	"github.com/xenking/kart-voucher/internal/storage/postgres"
	"github.com/xenking/kart-voucher/internal/storage/rediscache"
	"github.com/xenking/kart-voucher/pkg/health"
)

// backend bundles the storage ports the services need.
type backend struct {
	users    user.Repository
	catalog  stock.Catalog
	vouchers voucher.Store
	tx       order.Transactor
	outbox   outbox.Store

	// checks are readiness checks keyed by name.
	checks  map[string]health.CheckFunc
	closers []func()
}

func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackend(ctx context.Context, lg *zap.Logger, cfg *Config) (*backend, error) {
	b := &backend{checks: make(map[string]health.CheckFunc)}

	switch cfg.Storage {
	case StorageMemory:
		store := memory.New()
		if cfg.SeedFile != "" {
			f, err := seed.Load(cfg.SeedFile)
			if err != nil {
				return nil, errors.Wrap(err, "load seed")
			}
			st, err := f.Apply(ctx, seed.MemorySink(store))
			if err != nil {
				return nil, errors.Wrap(err, "apply seed")
			}
			lg.Info("Seeded memory store",
				zap.Int("users", st.Users),
				zap.Int("variants", st.Variants),
				zap.Int("vouchers", st.Vouchers),
			)
		}
		b.users, b.catalog, b.vouchers, b.tx, b.outbox = store, store, store, store, store
	default:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, errors.Wrap(err, "create db pool")
		}
		b.closers = append(b.closers, pool.Close)

		if err := postgres.RunMigrations(ctx, pool); err != nil {
			b.Close()
			return nil, errors.Wrap(err, "run migrations")
		}
		b.users = postgres.NewUserRepository(pool)
		b.catalog = postgres.NewCatalogRepository(pool)
		b.vouchers = postgres.NewVoucherRepository(pool)
		b.tx = postgres.NewTransactor(pool)
		b.outbox = postgres.NewOutboxRepository(pool)
		b.checks["postgres"] = health.PingCheck(pool)
	}

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		b.closers = append(b.closers, func() { _ = rdb.Close() })
		b.vouchers = rediscache.NewVoucherStore(b.vouchers, rdb, cfg.Redis.TTL)
		b.checks["redis"] = func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}
		lg.Info("Voucher cache enabled", zap.String("redis", cfg.Redis.Addr), zap.Duration("ttl", cfg.Redis.TTL))
	}

	return b, nil
}
