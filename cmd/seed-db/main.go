package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"

	"github.com/xenking/kart-voucher/internal/seed"
	"github.com/xenking/kart-voucher/internal/storage/postgres"
	"github.com/xenking/kart-voucher/internal/storage/rediscache"
)

func main() {
	var (
		databaseURL string
		seedFile    string
		redisAddr   string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&seedFile, "seed-file", "db/seed/catalog.json", "path to users, variants and vouchers JSON file")
	flag.StringVar(&redisAddr, "redis-addr", "", "Redis address whose voucher cache entries are invalidated (or VOUCHER_REDIS_ADDR env)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if redisAddr == "" {
		redisAddr = os.Getenv("VOUCHER_REDIS_ADDR")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, seedFile, redisAddr); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, seedFile, redisAddr string) error {
	slog.Info("reading seed file", slog.String("path", seedFile))

	f, err := seed.Load(seedFile)
	if err != nil {
		return err
	}

	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	st, err := f.Apply(ctx, seed.PostgresSink(pool))
	if err != nil {
		return errors.Wrap(err, "apply seed")
	}

	slog.Info("upserted fixtures",
		slog.Int("users", st.Users),
		slog.Int("variants", st.Variants),
		slog.Int("vouchers", st.Vouchers),
	)

	if redisAddr == "" {
		return nil
	}
	return invalidateCache(ctx, redisAddr, f.Vouchers)
}

// invalidateCache drops cached definitions of the upserted vouchers so a
// running API picks up the new values before the TTL expires.
func invalidateCache(ctx context.Context, addr string, vouchers []seed.Voucher) error {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer func() { _ = rdb.Close() }()

	codes := make([]string, len(vouchers))
	for i, v := range vouchers {
		codes[i] = v.Code
	}
	if err := rediscache.Invalidate(ctx, rdb, codes...); err != nil {
		return err
	}

	slog.Info("invalidated voucher cache", slog.String("redis", addr), slog.Int("count", len(vouchers)))
	return nil
}
