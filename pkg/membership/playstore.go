package membership

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Play Store real-time developer notification types.
// https://developer.android.com/google/play/billing/rtdn-reference
const (
	playSubscriptionRecovered           = 1
	playSubscriptionRenewed             = 2
	playSubscriptionCanceled            = 3
	playSubscriptionPurchased           = 4
	playSubscriptionOnHold              = 5
	playSubscriptionInGracePeriod       = 6
	playSubscriptionRestarted           = 7
	playSubscriptionPriceChangeConfirm  = 8
	playSubscriptionDeferred            = 9
	playSubscriptionPaused              = 10
	playSubscriptionPauseScheduleChange = 11
	playSubscriptionRevoked             = 12
	playSubscriptionExpired             = 13
)

// playKinds maps RTDN notification types onto the canonical taxonomy.
// Deferral and pause notifications carry no lifecycle change this subsystem
// models, so they are intentionally absent and resolve as ignored events.
var playKinds = map[int]EventKind{
	playSubscriptionRecovered:          KindRecovered,
	playSubscriptionRenewed:            KindRenewed,
	playSubscriptionCanceled:           KindCancelled,
	playSubscriptionPurchased:          KindPurchased,
	playSubscriptionOnHold:             KindOnHold,
	playSubscriptionInGracePeriod:      KindGraceStart,
	playSubscriptionRestarted:          KindRestarted,
	playSubscriptionPriceChangeConfirm: KindPriceChange,
	playSubscriptionRevoked:            KindRevoked,
	playSubscriptionExpired:            KindExpired,
}

// pubsubEnvelope is the Cloud Pub/Sub push wrapper around a developer
// notification.
type pubsubEnvelope struct {
	Message struct {
		Data      string `json:"data"` // base64 standard encoding
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type developerNotification struct {
	Version                  string      `json:"version"`
	PackageName              string      `json:"packageName"`
	EventTimeMillis          json.Number `json:"eventTimeMillis"`
	SubscriptionNotification *struct {
		Version          string `json:"version"`
		NotificationType int    `json:"notificationType"`
		PurchaseToken    string `json:"purchaseToken"`
		SubscriptionID   string `json:"subscriptionId"`
	} `json:"subscriptionNotification"`
}

// PlayStoreNormalizer decodes Play Store real-time developer notifications
// delivered through a Cloud Pub/Sub push endpoint.
type PlayStoreNormalizer struct {
	packageName string
}

// PlayStoreOption configures a PlayStoreNormalizer.
type PlayStoreOption func(*PlayStoreNormalizer)

// WithPackageName rejects notifications for any other application package.
func WithPackageName(name string) PlayStoreOption {
	return func(n *PlayStoreNormalizer) {
		n.packageName = name
	}
}

// NewPlayStoreNormalizer creates the Play Store notification decoder.
func NewPlayStoreNormalizer(opts ...PlayStoreOption) *PlayStoreNormalizer {
	n := &PlayStoreNormalizer{}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *PlayStoreNormalizer) Platform() Platform {
	return PlatformPlayStore
}

func (n *PlayStoreNormalizer) Normalize(payload []byte) (BillingEvent, error) {
	var envelope pubsubEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return BillingEvent{}, errors.Join(ErrMalformedPayload, err)
	}
	if envelope.Message.Data == "" {
		return BillingEvent{}, fmt.Errorf("%w: empty pubsub message data", ErrMalformedPayload)
	}

	decoded, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		return BillingEvent{}, errors.Join(ErrMalformedPayload, err)
	}

	var notification developerNotification
	if err := json.Unmarshal(decoded, &notification); err != nil {
		return BillingEvent{}, errors.Join(ErrMalformedPayload, err)
	}
	if n.packageName != "" && notification.PackageName != n.packageName {
		return BillingEvent{}, fmt.Errorf("%w: unexpected package %q", ErrMalformedPayload, notification.PackageName)
	}
	if notification.SubscriptionNotification == nil {
		return BillingEvent{}, fmt.Errorf("%w: not a subscription notification", ErrMalformedPayload)
	}

	sn := notification.SubscriptionNotification
	if sn.PurchaseToken == "" {
		return BillingEvent{}, fmt.Errorf("%w: missing purchase token", ErrMalformedPayload)
	}

	millis, err := strconv.ParseInt(notification.EventTimeMillis.String(), 10, 64)
	if err != nil || millis <= 0 {
		return BillingEvent{}, fmt.Errorf("%w: invalid event time %q", ErrMalformedPayload, notification.EventTimeMillis)
	}

	kind, ok := playKinds[sn.NotificationType]
	if !ok {
		// Known-but-unmodeled types (deferred, paused) still normalize so
		// the engine can record them as ignored transitions; a type outside
		// the RTDN range is malformed.
		if sn.NotificationType < playSubscriptionRecovered || sn.NotificationType > playSubscriptionExpired {
			return BillingEvent{}, fmt.Errorf("%w: unknown notification type %d", ErrMalformedPayload, sn.NotificationType)
		}
		kind = EventKind(fmt.Sprintf("play_unmodeled_%d", sn.NotificationType))
	}

	eventID := envelope.Message.MessageID
	if eventID == "" {
		eventID = fmt.Sprintf("play:%s:%d:%d", sn.PurchaseToken, sn.NotificationType, millis)
	}

	return BillingEvent{
		ID:          eventID,
		Platform:    PlatformPlayStore,
		ExternalRef: sn.PurchaseToken,
		Kind:        kind,
		ProductID:   sn.SubscriptionID,
		OccurredAt:  time.UnixMilli(millis).UTC(),
		Raw:         json.RawMessage(payload),
	}, nil
}
