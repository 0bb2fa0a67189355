package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-voucher/internal/domain/voucher"
	"github.com/xenking/kart-voucher/internal/ingest"
	"github.com/xenking/kart-voucher/internal/seed"
	"github.com/xenking/kart-voucher/internal/storage/postgres"
)

func main() {
	var (
		databaseURL string
		pattern     string
		batchSize   int
		tpl         seed.Voucher
		kind        string
		value       string
		minOrder    string
		maxDiscount string
		startsAt    string
		endsAt      string
		scope       string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&pattern, "files", "data/*.gz", "glob of gzip files with one voucher code per line")
	flag.IntVar(&batchSize, "batch-size", 1000, "vouchers per insert batch")
	flag.StringVar(&kind, "kind", "FIXED", "discount kind: FIXED or PERCENTAGE")
	flag.StringVar(&value, "value", "", "discount amount or percentage")
	flag.StringVar(&minOrder, "min-order-value", "0", "minimum order subtotal")
	flag.StringVar(&maxDiscount, "max-discount", "", "discount cap for PERCENTAGE vouchers")
	flag.StringVar(&startsAt, "starts-at", "", "campaign start, RFC 3339")
	flag.StringVar(&endsAt, "ends-at", "", "campaign end, RFC 3339")
	flag.IntVar(&tpl.MaxUsageTotal, "max-usage", 1, "redemptions allowed per code; 0 is unlimited")
	flag.IntVar(&tpl.MaxUsagePerUser, "max-usage-per-user", 1, "redemptions allowed per user; 0 is unlimited")
	flag.StringVar(&scope, "scope", "", "KIND:target, e.g. CATEGORY:tops; empty applies to everything")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	template, err := buildTemplate(tpl, kind, value, minOrder, maxDiscount, startsAt, endsAt, scope)
	if err != nil {
		slog.Error("invalid campaign", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, pattern, batchSize, template); err != nil {
		slog.Error("voucher ingest failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("voucher ingest completed successfully")
}

// buildTemplate validates the campaign flags through the same rules the seed
// fixtures use.
func buildTemplate(tpl seed.Voucher, kind, value, minOrder, maxDiscount, startsAt, endsAt, scope string) (voucher.Voucher, error) {
	var err error
	tpl.ID, tpl.Code, tpl.Kind = "template", "TEMPLATE", kind
	if tpl.Value, err = decimal.NewFromString(value); err != nil {
		return voucher.Voucher{}, errors.Wrap(err, "parse value")
	}
	if tpl.MinOrderValue, err = decimal.NewFromString(minOrder); err != nil {
		return voucher.Voucher{}, errors.Wrap(err, "parse min order value")
	}
	if maxDiscount != "" {
		d, err := decimal.NewFromString(maxDiscount)
		if err != nil {
			return voucher.Voucher{}, errors.Wrap(err, "parse max discount")
		}
		tpl.MaxDiscount = &d
	}
	if tpl.StartsAt, err = parseTime(startsAt); err != nil {
		return voucher.Voucher{}, errors.Wrap(err, "parse starts-at")
	}
	if tpl.EndsAt, err = parseTime(endsAt); err != nil {
		return voucher.Voucher{}, errors.Wrap(err, "parse ends-at")
	}
	if scope != "" {
		k, target, _ := strings.Cut(scope, ":")
		tpl.Scopes = []seed.Scope{{Kind: k, Target: target}}
	}
	return tpl.ToDomain()
}

func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func run(ctx context.Context, databaseURL, pattern string, batchSize int, template voucher.Voucher) error {
	files, err := filepath.Glob(pattern)
	if err != nil {
		return errors.Wrap(err, "expand file pattern")
	}
	if len(files) == 0 {
		return errors.Errorf("no files match %q", pattern)
	}

	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	st, err := ingest.Run(ctx, postgres.NewVoucherRepository(pool), files, ingest.Config{
		Template:      template,
		BatchSize:     batchSize,
		ProgressEvery: 10_000_000,
	})
	if err != nil {
		return err
	}

	slog.Info("ingest summary",
		slog.Int("files", len(files)),
		slog.Uint64("read", st.Read),
		slog.Uint64("invalid", st.Invalid),
		slog.Int("duplicates", st.Duplicates),
		slog.Int("created", st.Created),
		slog.Int("existing", st.Existing),
	)
	return nil
}
