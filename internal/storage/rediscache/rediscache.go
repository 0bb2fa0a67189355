// Package rediscache caches voucher definitions in Redis in front of a
// voucher.Store.
//
// Only definitions are cached. Per-user usage always comes from the backing
// store, and the redemption ledger re-checks every cap when an order commits,
// so a stale usage_count in a cached definition can at worst let a voucher
// through eligibility that the ledger then refuses.
//
// Active, StartsAt and EndsAt are part of the cached definition and the
// ledger does not re-check them. Deactivating a voucher or moving its window
// takes effect once the entry expires after TTL, or immediately when the
// writer calls Invalidate (seed-db does this for every code it upserts).
package rediscache

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xenking/kart-voucher/internal/domain/voucher"
)

const (
	codeKeyPrefix = "voucher:code:"
	activeKey     = "voucher:active"
)

// DefaultTTL is used when NewVoucherStore gets a non-positive TTL.
const DefaultTTL = 30 * time.Second

// Client is the subset of *redis.Client the cache uses.
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

var _ voucher.Store = (*VoucherStore)(nil)

// VoucherStore is a read-through cache decorating a voucher.Store. Redis
// failures are logged and served from the backing store.
type VoucherStore struct {
	next   voucher.Store
	client Client
	ttl    time.Duration
}

// NewVoucherStore wraps next with a cache in client.
func NewVoucherStore(next voucher.Store, client Client, ttl time.Duration) *VoucherStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &VoucherStore{next: next, client: client, ttl: ttl}
}

// FindByCode returns the cached definition for code, loading it on a miss.
// Unknown codes are not cached.
func (s *VoucherStore) FindByCode(ctx context.Context, code string) (*voucher.Voucher, error) {
	key := codeKey(code)

	var cached voucher.Voucher
	if s.load(ctx, key, &cached) {
		return &cached, nil
	}

	v, err := s.next.FindByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	s.store(ctx, key, v)
	return v, nil
}

// ListActive returns the cached active list, dropping entries whose window no
// longer contains now.
func (s *VoucherStore) ListActive(ctx context.Context, now time.Time) ([]voucher.Voucher, error) {
	var cached []voucher.Voucher
	if s.load(ctx, activeKey, &cached) {
		out := cached[:0]
		for _, v := range cached {
			if inWindow(v, now) {
				out = append(out, v)
			}
		}
		return out, nil
	}

	vouchers, err := s.next.ListActive(ctx, now)
	if err != nil {
		return nil, err
	}
	s.store(ctx, activeKey, vouchers)
	return vouchers, nil
}

// UserUsage is never cached.
func (s *VoucherStore) UserUsage(ctx context.Context, voucherID, userID string) (int, error) {
	return s.next.UserUsage(ctx, voucherID, userID)
}

// UserUsages is never cached.
func (s *VoucherStore) UserUsages(ctx context.Context, userID string) (map[string]int, error) {
	return s.next.UserUsages(ctx, userID)
}

// Invalidate drops the cached definition of code and the active list.
func (s *VoucherStore) Invalidate(ctx context.Context, code string) error {
	return Invalidate(ctx, s.client, code)
}

// Invalidate drops the cached definitions of codes and the active list from
// client. Used by tools that write definitions outside the API process.
func Invalidate(ctx context.Context, client Client, codes ...string) error {
	keys := make([]string, 0, len(codes)+1)
	for _, code := range codes {
		keys = append(keys, codeKey(code))
	}
	keys = append(keys, activeKey)
	if err := client.Del(ctx, keys...).Err(); err != nil {
		return errors.Wrap(err, "delete cached voucher")
	}
	return nil
}

func (s *VoucherStore) load(ctx context.Context, key string, dst any) bool {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			zctx.From(ctx).Warn("Voucher cache read failed", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		zctx.From(ctx).Warn("Voucher cache entry corrupt", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

func (s *VoucherStore) store(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		zctx.From(ctx).Warn("Voucher cache encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
		zctx.From(ctx).Warn("Voucher cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func codeKey(code string) string {
	return codeKeyPrefix + strings.ToUpper(strings.TrimSpace(code))
}

func inWindow(v voucher.Voucher, now time.Time) bool {
	if !v.StartsAt.IsZero() && now.Before(v.StartsAt) {
		return false
	}
	if !v.EndsAt.IsZero() && now.After(v.EndsAt) {
		return false
	}
	return true
}
