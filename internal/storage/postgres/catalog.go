package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-voucher/internal/domain/stock"
	"github.com/xenking/kart-voucher/internal/domain/user"
)

const (
	variantColumns = `id, product_id, category_id, product_name, price, sale_price, quantity_in_stock`

	getVariantSQL  = `SELECT ` + variantColumns + ` FROM variants WHERE id = $1`
	getVariantsSQL = `SELECT ` + variantColumns + ` FROM variants WHERE id = ANY($1)`

	upsertVariantSQL = `INSERT INTO variants (` + variantColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			product_id = EXCLUDED.product_id,
			category_id = EXCLUDED.category_id,
			product_name = EXCLUDED.product_name,
			price = EXCLUDED.price,
			sale_price = EXCLUDED.sale_price,
			quantity_in_stock = EXCLUDED.quantity_in_stock,
			updated_at = now()`

	getUserSQL    = `SELECT id, name, email FROM users WHERE id = $1`
	upsertUserSQL = `INSERT INTO users (id, name, email) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, email = EXCLUDED.email`
)

var (
	_ stock.Catalog   = (*CatalogRepository)(nil)
	_ user.Repository = (*UserRepository)(nil)
)

// CatalogRepository implements stock.Catalog backed by PostgreSQL.
type CatalogRepository struct {
	pool *pgxpool.Pool
}

// NewCatalogRepository returns a CatalogRepository that uses the given pool.
func NewCatalogRepository(pool *pgxpool.Pool) *CatalogRepository {
	return &CatalogRepository{pool: pool}
}

// GetVariantStock returns a single variant by ID.
func (r *CatalogRepository) GetVariantStock(ctx context.Context, id string) (*stock.VariantStock, error) {
	rows, err := r.pool.Query(ctx, getVariantSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting variant %q: %w", id, err)
	}
	v, err := pgx.CollectExactlyOneRow(rows, scanVariant)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, stock.ErrVariantNotFound
		}
		return nil, fmt.Errorf("getting variant %q: %w", id, err)
	}
	return &v, nil
}

// GetVariantStocks returns the variants matching ids in one query.
func (r *CatalogRepository) GetVariantStocks(ctx context.Context, ids []string) ([]stock.VariantStock, error) {
	rows, err := r.pool.Query(ctx, getVariantsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("getting variants: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanVariant)
	if err != nil {
		return nil, fmt.Errorf("getting variants: %w", err)
	}
	return out, nil
}

// Upsert creates or replaces a variant row, stock level included.
func (r *CatalogRepository) Upsert(ctx context.Context, v stock.VariantStock) error {
	_, err := r.pool.Exec(ctx, upsertVariantSQL,
		v.VariantID, v.ProductID, v.CategoryID, v.ProductName, v.Price, v.SalePrice, v.QuantityInStock,
	)
	if err != nil {
		return fmt.Errorf("upserting variant %q: %w", v.VariantID, err)
	}
	return nil
}

func scanVariant(row pgx.CollectableRow) (stock.VariantStock, error) {
	var v stock.VariantStock
	err := row.Scan(
		&v.VariantID, &v.ProductID, &v.CategoryID, &v.ProductName,
		&v.Price, &v.SalePrice, &v.QuantityInStock,
	)
	return v, err
}

// UserRepository implements user.Repository backed by PostgreSQL.
type UserRepository struct {
	pool *pgxpool.Pool
}

// NewUserRepository returns a UserRepository that uses the given pool.
func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

// GetByID returns a user by ID.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*user.User, error) {
	var u user.User
	err := r.pool.QueryRow(ctx, getUserSQL, id).Scan(&u.ID, &u.Name, &u.Email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, user.ErrNotFound
		}
		return nil, fmt.Errorf("getting user %q: %w", id, err)
	}
	return &u, nil
}

// Upsert creates or updates a user.
func (r *UserRepository) Upsert(ctx context.Context, u user.User) error {
	if _, err := r.pool.Exec(ctx, upsertUserSQL, u.ID, u.Name, u.Email); err != nil {
		return fmt.Errorf("upserting user %q: %w", u.ID, err)
	}
	return nil
}
