package billing

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/greengo/membership/pkg/membership"
)

// OutboxNotifier implements membership.Notifier by writing notification
// requests into a database outbox table. A separate delivery worker drains
// the table and talks to the push provider, so enqueueing never blocks a
// state commit on an external service.
type OutboxNotifier struct {
	pool *pgxpool.Pool
}

func NewOutboxNotifier(pool *pgxpool.Pool) *OutboxNotifier {
	if pool == nil {
		panic("billing: postgres pool is required")
	}
	return &OutboxNotifier{pool: pool}
}

func (n *OutboxNotifier) Enqueue(ctx context.Context, req membership.NotificationRequest) error {
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return fmt.Errorf("marshal notification payload: %w", err)
	}
	_, err = n.pool.Exec(ctx, `INSERT INTO notification_outbox
		(id, user_id, type, title, body, payload)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New(), req.UserID, req.Type, req.Title, req.Body, payload)
	if err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	return nil
}

var _ membership.Notifier = (*OutboxNotifier)(nil)
