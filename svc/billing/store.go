package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/greengo/membership/pkg/membership"
	"github.com/greengo/membership/pkg/pg"
)

// PostgresStore implements membership.SubscriptionStore on top of a pgx
// connection pool. All mutations of existing rows go through CompareAndSwap,
// which enforces the version check in a single UPDATE statement.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a subscription store. Panics if pool is nil
// because the store cannot function without a database.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	if pool == nil {
		panic("billing: postgres pool is required")
	}
	return &PostgresStore{pool: pool}
}

const subscriptionColumns = `id, user_id, tier, status, platform, external_ref, product_id,
	auto_renew, start_date, end_date, next_billing_date,
	in_grace_period, grace_period_ends_at, price_amount, price_currency,
	last_event_id, last_event_at, version, created_at, updated_at`

func (s *PostgresStore) FindByExternalRef(ctx context.Context, platform membership.Platform, externalRef string) (*membership.Subscription, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE platform = $1 AND external_ref = $2`, string(platform), externalRef)
	sub, err := scanSubscription(row)
	if err != nil {
		if pg.IsNotFound(err) {
			return nil, membership.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("find subscription by external ref: %w", err)
	}
	return sub, nil
}

func (s *PostgresStore) FindPaidForUser(ctx context.Context, userID uuid.UUID) (*membership.Subscription, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE user_id = $1 AND status IN ('active', 'suspended')
		ORDER BY updated_at DESC
		LIMIT 1`, userID)
	sub, err := scanSubscription(row)
	if err != nil {
		if pg.IsNotFound(err) {
			return nil, membership.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("find paid subscription for user: %w", err)
	}
	return sub, nil
}

func (s *PostgresStore) FindBasicForUser(ctx context.Context, userID uuid.UUID) (*membership.Subscription, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE user_id = $1 AND tier = 'basic'
		ORDER BY created_at
		LIMIT 1`, userID)
	sub, err := scanSubscription(row)
	if err != nil {
		if pg.IsNotFound(err) {
			return nil, membership.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("find basic subscription for user: %w", err)
	}
	return sub, nil
}

func (s *PostgresStore) Create(ctx context.Context, sub *membership.Subscription) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		sub.ID, sub.UserID, string(sub.Tier), string(sub.Status), string(sub.Platform), sub.ExternalRef, sub.ProductID,
		sub.AutoRenew, sub.StartDate, sub.EndDate, sub.NextBillingDate,
		sub.InGracePeriod, sub.GracePeriodEndsAt, sub.Price.Amount, sub.Price.Currency,
		sub.LastEventID, sub.LastEventAt, sub.Version, sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		if pg.IsDuplicateKey(err) {
			return membership.ErrSubscriptionAlreadyExists
		}
		return fmt.Errorf("create subscription: %w", err)
	}
	return nil
}

func (s *PostgresStore) CompareAndSwap(ctx context.Context, id uuid.UUID, expectedVersion int64, next *membership.Subscription) (*membership.Subscription, error) {
	row := s.pool.QueryRow(ctx, `UPDATE subscriptions SET
		tier = $3, status = $4, product_id = $5,
		auto_renew = $6, start_date = $7, end_date = $8, next_billing_date = $9,
		in_grace_period = $10, grace_period_ends_at = $11,
		price_amount = $12, price_currency = $13,
		last_event_id = $14, last_event_at = $15, version = $16, updated_at = $17
		WHERE id = $1 AND version = $2
		RETURNING `+subscriptionColumns,
		id, expectedVersion,
		string(next.Tier), string(next.Status), next.ProductID,
		next.AutoRenew, next.StartDate, next.EndDate, next.NextBillingDate,
		next.InGracePeriod, next.GracePeriodEndsAt,
		next.Price.Amount, next.Price.Currency,
		next.LastEventID, next.LastEventAt, next.Version, next.UpdatedAt)
	sub, err := scanSubscription(row)
	if err == nil {
		return sub, nil
	}
	if !pg.IsNotFound(err) {
		return nil, fmt.Errorf("compare and swap subscription: %w", err)
	}

	// Zero rows matched: either the row is gone or another writer bumped the
	// version. Re-read to tell the two apart.
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM subscriptions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("compare and swap subscription: %w", err)
	}
	if !exists {
		return nil, membership.ErrSubscriptionNotFound
	}
	return nil, membership.ErrVersionConflict
}

func (s *PostgresStore) ListExpiringBetween(ctx context.Context, from, to time.Time) ([]membership.Subscription, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE status IN ('active', 'cancelled')
		  AND end_date > $1 AND end_date <= $2
		ORDER BY end_date`, from, to)
	if err != nil {
		return nil, fmt.Errorf("list expiring subscriptions: %w", err)
	}
	defer rows.Close()
	return collectSubscriptions(rows)
}

func (s *PostgresStore) ListInExpiredGrace(ctx context.Context, asOf time.Time) ([]membership.Subscription, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE status = 'suspended'
		  AND in_grace_period
		  AND grace_period_ends_at <= $1
		ORDER BY grace_period_ends_at`, asOf)
	if err != nil {
		return nil, fmt.Errorf("list expired grace subscriptions: %w", err)
	}
	defer rows.Close()
	return collectSubscriptions(rows)
}

func scanSubscription(row pgx.Row) (*membership.Subscription, error) {
	var (
		sub                    membership.Subscription
		tier, status, platform string
		priceAmount            int64
		priceCurrency          string
	)
	err := row.Scan(&sub.ID, &sub.UserID, &tier, &status, &platform, &sub.ExternalRef, &sub.ProductID,
		&sub.AutoRenew, &sub.StartDate, &sub.EndDate, &sub.NextBillingDate,
		&sub.InGracePeriod, &sub.GracePeriodEndsAt, &priceAmount, &priceCurrency,
		&sub.LastEventID, &sub.LastEventAt, &sub.Version, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sub.Tier = membership.Tier(tier)
	sub.Status = membership.Status(status)
	sub.Platform = membership.Platform(platform)
	sub.Price = membership.Money{Amount: priceAmount, Currency: priceCurrency}
	return &sub, nil
}

func collectSubscriptions(rows pgx.Rows) ([]membership.Subscription, error) {
	var subs []membership.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription row: %w", err)
		}
		subs = append(subs, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscription rows: %w", err)
	}
	return subs, nil
}

var _ membership.SubscriptionStore = (*PostgresStore)(nil)
