package billing

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/greengo/membership/pkg/membership"
)

// PostgresProfiles implements membership.ProfileDirectory by upserting the
// denormalized membership tier that the rest of the product reads when
// gating paid features.
type PostgresProfiles struct {
	pool *pgxpool.Pool
}

func NewPostgresProfiles(pool *pgxpool.Pool) *PostgresProfiles {
	if pool == nil {
		panic("billing: postgres pool is required")
	}
	return &PostgresProfiles{pool: pool}
}

func (p *PostgresProfiles) SetUserTier(ctx context.Context, userID uuid.UUID, tier membership.Tier) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO profiles (user_id, membership_tier, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (user_id) DO UPDATE SET membership_tier = EXCLUDED.membership_tier, updated_at = now()`,
		userID, string(tier))
	if err != nil {
		return fmt.Errorf("set user tier: %w", err)
	}
	return nil
}

var _ membership.ProfileDirectory = (*PostgresProfiles)(nil)
