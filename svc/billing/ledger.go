package billing

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/greengo/membership/pkg/membership"
)

// PostgresLedger implements membership.PurchaseLedger. The purchases table
// carries a unique constraint on (subscription_id, event_id), so redelivered
// events insert nothing and Append stays idempotent.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	if pool == nil {
		panic("billing: postgres pool is required")
	}
	return &PostgresLedger{pool: pool}
}

func (l *PostgresLedger) Append(ctx context.Context, rec membership.PurchaseRecord) error {
	_, err := l.pool.Exec(ctx, `INSERT INTO purchases
		(subscription_id, event_id, user_id, platform, product_id, tier, price_amount, price_currency, external_ref, purchased_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (subscription_id, event_id) DO NOTHING`,
		rec.SubscriptionID, rec.EventID, rec.UserID, string(rec.Platform), rec.ProductID,
		string(rec.Tier), rec.Price.Amount, rec.Price.Currency, rec.ExternalRef, rec.PurchasedAt)
	if err != nil {
		return fmt.Errorf("append purchase record: %w", err)
	}
	return nil
}

var _ membership.PurchaseLedger = (*PostgresLedger)(nil)
