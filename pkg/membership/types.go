package membership

// Tier represents a paid-membership level.
type Tier string

const (
	TierBasic    Tier = "basic"
	TierSilver   Tier = "silver"
	TierGold     Tier = "gold"
	TierPlatinum Tier = "platinum"
)

// tier ranks drive the upgrade logic: a purchase of a lower tier while a
// higher tier is active extends the membership but keeps the higher tier.
var tierRank = map[Tier]int{
	TierBasic:    0,
	TierSilver:   1,
	TierGold:     2,
	TierPlatinum: 3,
}

// Rank returns the ordering position of the tier. Unknown tiers rank lowest.
func (t Tier) Rank() int {
	return tierRank[t]
}

// Valid reports whether the tier is one of the known membership levels.
func (t Tier) Valid() bool {
	_, ok := tierRank[t]
	return ok
}

// HigherOf returns the higher-ranked of two tiers.
func HigherOf(a, b Tier) Tier {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Status represents the current state of a subscription.
type Status string

const (
	StatusActive    Status = "active"
	StatusCancelled Status = "cancelled" // auto-renew off, entitled until end date
	StatusSuspended Status = "suspended" // payment failed, possibly in grace period
	StatusExpired   Status = "expired"   // terminal
	StatusRefunded  Status = "refunded"  // terminal
)

// Terminal reports whether the status admits no further transitions.
// A terminal record is superseded by a new record, never reused.
func (s Status) Terminal() bool {
	return s == StatusExpired || s == StatusRefunded
}

// Platform identifies the billing platform that owns a subscription.
type Platform string

const (
	PlatformPlayStore Platform = "play_store"
	PlatformAppStore  Platform = "app_store"
	PlatformAdmin     Platform = "admin" // grants issued by privileged operators
)

// Valid reports whether the platform is one of the supported sources.
func (p Platform) Valid() bool {
	switch p {
	case PlatformPlayStore, PlatformAppStore, PlatformAdmin:
		return true
	}
	return false
}

// Money represents a monetary amount in the smallest currency unit.
// For example, $9.99 USD is Amount: 999, Currency: "USD".
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"` // ISO 4217 code
}
