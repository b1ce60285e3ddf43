package membership

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory SubscriptionStore for tests and local
// development. Safe for concurrent use; compare-and-swap semantics match the
// durable implementation.
type MemoryStore struct {
	mu    sync.RWMutex
	subs  map[uuid.UUID]*Subscription
	byRef map[string]uuid.UUID
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs:  make(map[uuid.UUID]*Subscription),
		byRef: make(map[string]uuid.UUID),
	}
}

func refKey(platform Platform, externalRef string) string {
	return string(platform) + "\x00" + externalRef
}

func (m *MemoryStore) FindByExternalRef(_ context.Context, platform Platform, externalRef string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byRef[refKey(platform, externalRef)]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return m.subs[id].clone(), nil
}

func (m *MemoryStore) FindPaidForUser(_ context.Context, userID uuid.UUID) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, sub := range m.subs {
		if sub.UserID == userID && sub.IsPaid() {
			return sub.clone(), nil
		}
	}
	return nil, ErrSubscriptionNotFound
}

func (m *MemoryStore) FindBasicForUser(_ context.Context, userID uuid.UUID) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, sub := range m.subs {
		if sub.UserID == userID && sub.Tier == TierBasic {
			return sub.clone(), nil
		}
	}
	return nil, ErrSubscriptionNotFound
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := refKey(sub.Platform, sub.ExternalRef)
	if _, exists := m.byRef[key]; exists {
		return ErrSubscriptionAlreadyExists
	}
	if _, exists := m.subs[sub.ID]; exists {
		return ErrSubscriptionAlreadyExists
	}
	m.subs[sub.ID] = sub.clone()
	m.byRef[key] = sub.ID
	return nil
}

func (m *MemoryStore) CompareAndSwap(_ context.Context, id uuid.UUID, expectedVersion int64, next *Subscription) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	if current.Version != expectedVersion {
		return nil, ErrVersionConflict
	}
	m.subs[id] = next.clone()
	return next.clone(), nil
}

func (m *MemoryStore) ListExpiringBetween(_ context.Context, from, to time.Time) ([]Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Subscription
	for _, sub := range m.subs {
		if sub.Status != StatusActive && sub.Status != StatusCancelled {
			continue
		}
		if sub.EndDate == nil {
			continue
		}
		if sub.EndDate.After(from) && !sub.EndDate.After(to) {
			out = append(out, *sub.clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) ListInExpiredGrace(_ context.Context, asOf time.Time) ([]Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Subscription
	for _, sub := range m.subs {
		if sub.GraceExpiredAt(asOf) {
			out = append(out, *sub.clone())
		}
	}
	return out, nil
}

// Get returns a subscription by id. Test helper.
func (m *MemoryStore) Get(id uuid.UUID) (*Subscription, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sub, ok := m.subs[id]
	if !ok {
		return nil, false
	}
	return sub.clone(), true
}

// All returns every stored subscription. Test helper.
func (m *MemoryStore) All() []Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		out = append(out, *sub.clone())
	}
	return out
}

// MemoryJournal is an in-memory EffectJournal for tests and local
// development.
type MemoryJournal struct {
	mu    sync.Mutex
	plans map[string][]SideEffect
	done  map[string]map[EffectType]bool
}

// NewMemoryJournal creates an empty in-memory effect journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{
		plans: make(map[string][]SideEffect),
		done:  make(map[string]map[EffectType]bool),
	}
}

func journalKey(subscriptionID uuid.UUID, eventID string) string {
	return subscriptionID.String() + "\x00" + eventID
}

func (m *MemoryJournal) Begin(_ context.Context, subscriptionID uuid.UUID, eventID string, effects []SideEffect) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := journalKey(subscriptionID, eventID)
	if _, exists := m.plans[key]; exists {
		return nil
	}
	m.plans[key] = append([]SideEffect(nil), effects...)
	return nil
}

func (m *MemoryJournal) Pending(_ context.Context, subscriptionID uuid.UUID, eventID string) ([]SideEffect, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := journalKey(subscriptionID, eventID)
	var pending []SideEffect
	for _, eff := range m.plans[key] {
		if !m.done[key][eff.Type] {
			pending = append(pending, eff)
		}
	}
	return pending, nil
}

func (m *MemoryJournal) MarkDone(_ context.Context, subscriptionID uuid.UUID, eventID string, effect EffectType) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := journalKey(subscriptionID, eventID)
	if m.done[key] == nil {
		m.done[key] = make(map[EffectType]bool)
	}
	m.done[key][effect] = true
	return nil
}
