package seed

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-voucher/internal/domain/stock"
	"github.com/xenking/kart-voucher/internal/domain/user"
	"github.com/xenking/kart-voucher/internal/domain/voucher"
	"github.com/xenking/kart-voucher/internal/storage/memory"
	"github.com/xenking/kart-voucher/internal/storage/postgres"
)

type memorySink struct {
	s *memory.Store
}

// MemorySink writes fixtures into an in-memory store.
func MemorySink(s *memory.Store) Sink {
	return memorySink{s: s}
}

func (m memorySink) PutUser(_ context.Context, u user.User) error {
	m.s.PutUser(u)
	return nil
}

func (m memorySink) PutVariant(_ context.Context, v stock.VariantStock) error {
	m.s.PutVariant(v)
	return nil
}

func (m memorySink) PutVoucher(_ context.Context, v voucher.Voucher) error {
	return m.s.PutVoucher(v)
}

type postgresSink struct {
	users    *postgres.UserRepository
	catalog  *postgres.CatalogRepository
	vouchers *postgres.VoucherRepository
}

// PostgresSink upserts fixtures through the Postgres repositories.
func PostgresSink(pool *pgxpool.Pool) Sink {
	return postgresSink{
		users:    postgres.NewUserRepository(pool),
		catalog:  postgres.NewCatalogRepository(pool),
		vouchers: postgres.NewVoucherRepository(pool),
	}
}

func (p postgresSink) PutUser(ctx context.Context, u user.User) error {
	return p.users.Upsert(ctx, u)
}

func (p postgresSink) PutVariant(ctx context.Context, v stock.VariantStock) error {
	return p.catalog.Upsert(ctx, v)
}

func (p postgresSink) PutVoucher(ctx context.Context, v voucher.Voucher) error {
	return p.vouchers.Upsert(ctx, v)
}
