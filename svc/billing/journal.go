package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/greengo/membership/pkg/membership"
)

// journalTTL keeps journal entries around long enough to cover the billing
// platforms' redelivery windows, then lets them expire.
const journalTTL = 30 * 24 * time.Hour

// RedisJournal implements membership.EffectJournal on Redis. The plan for an
// event is written once with SETNX, so a redelivered event sees the original
// effect set even if the engine would now produce a different one. Done
// markers are per effect type.
type RedisJournal struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisJournal(client *redis.Client) *RedisJournal {
	if client == nil {
		panic("billing: redis client is required")
	}
	return &RedisJournal{client: client, ttl: journalTTL}
}

func (j *RedisJournal) Begin(ctx context.Context, subscriptionID uuid.UUID, eventID string, effects []membership.SideEffect) error {
	data, err := json.Marshal(effects)
	if err != nil {
		return fmt.Errorf("marshal effect plan: %w", err)
	}
	if err := j.client.SetNX(ctx, j.planKey(subscriptionID, eventID), data, j.ttl).Err(); err != nil {
		return fmt.Errorf("record effect plan: %w", err)
	}
	return nil
}

func (j *RedisJournal) Pending(ctx context.Context, subscriptionID uuid.UUID, eventID string) ([]membership.SideEffect, error) {
	data, err := j.client.Get(ctx, j.planKey(subscriptionID, eventID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("read effect plan: %w", err)
	}

	var planned []membership.SideEffect
	if err := json.Unmarshal(data, &planned); err != nil {
		return nil, fmt.Errorf("decode effect plan: %w", err)
	}

	var pending []membership.SideEffect
	for _, eff := range planned {
		done, err := j.client.Exists(ctx, j.doneKey(subscriptionID, eventID, eff.Type)).Result()
		if err != nil {
			return nil, fmt.Errorf("read effect marker: %w", err)
		}
		if done == 0 {
			pending = append(pending, eff)
		}
	}
	return pending, nil
}

func (j *RedisJournal) MarkDone(ctx context.Context, subscriptionID uuid.UUID, eventID string, effect membership.EffectType) error {
	if err := j.client.Set(ctx, j.doneKey(subscriptionID, eventID, effect), 1, j.ttl).Err(); err != nil {
		return fmt.Errorf("mark effect done: %w", err)
	}
	return nil
}

func (j *RedisJournal) planKey(subscriptionID uuid.UUID, eventID string) string {
	return fmt.Sprintf("effects:%s:%s", subscriptionID, eventID)
}

func (j *RedisJournal) doneKey(subscriptionID uuid.UUID, eventID string, effect membership.EffectType) string {
	return fmt.Sprintf("effects:%s:%s:done:%s", subscriptionID, eventID, effect)
}

var _ membership.EffectJournal = (*RedisJournal)(nil)
