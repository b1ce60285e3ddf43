package membership_test

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greengo/membership/pkg/membership"
)

func playStorePayload(t *testing.T, messageID string, notification map[string]any) []byte {
	t.Helper()
	data, err := json.Marshal(notification)
	require.NoError(t, err)

	envelope := map[string]any{
		"message": map[string]any{
			"data":      base64.StdEncoding.EncodeToString(data),
			"messageId": messageID,
		},
		"subscription": "projects/greengo/subscriptions/play-billing",
	}
	payload, err := json.Marshal(envelope)
	require.NoError(t, err)
	return payload
}

func playNotification(notificationType int) map[string]any {
	return map[string]any{
		"version":         "1.0",
		"packageName":     "com.greengo.app",
		"eventTimeMillis": "1750000000000",
		"subscriptionNotification": map[string]any{
			"version":          "1.0",
			"notificationType": notificationType,
			"purchaseToken":    "token-abc",
			"subscriptionId":   "1_month_gold",
		},
	}
}

func TestPlayStoreNormalizer(t *testing.T) {
	t.Parallel()
	n := membership.NewPlayStoreNormalizer(membership.WithPackageName("com.greengo.app"))

	t.Run("decodes renewal notification", func(t *testing.T) {
		t.Parallel()
		payload := playStorePayload(t, "msg-42", playNotification(2))

		ev, err := n.Normalize(payload)
		require.NoError(t, err)
		assert.Equal(t, "msg-42", ev.ID)
		assert.Equal(t, membership.PlatformPlayStore, ev.Platform)
		assert.Equal(t, "token-abc", ev.ExternalRef)
		assert.Equal(t, membership.KindRenewed, ev.Kind)
		assert.Equal(t, "1_month_gold", ev.ProductID)
		assert.Equal(t, time.UnixMilli(1750000000000).UTC(), ev.OccurredAt)
		assert.NoError(t, ev.Validate())
	})

	t.Run("maps every modeled notification type", func(t *testing.T) {
		t.Parallel()
		expected := map[int]membership.EventKind{
			1:  membership.KindRecovered,
			2:  membership.KindRenewed,
			3:  membership.KindCancelled,
			4:  membership.KindPurchased,
			5:  membership.KindOnHold,
			6:  membership.KindGraceStart,
			7:  membership.KindRestarted,
			8:  membership.KindPriceChange,
			12: membership.KindRevoked,
			13: membership.KindExpired,
		}
		for notificationType, kind := range expected {
			ev, err := n.Normalize(playStorePayload(t, fmt.Sprintf("msg-%d", notificationType), playNotification(notificationType)))
			require.NoError(t, err)
			assert.Equal(t, kind, ev.Kind, "notification type %d", notificationType)
		}
	})

	t.Run("unmodeled pause and deferral types still normalize", func(t *testing.T) {
		t.Parallel()
		for _, notificationType := range []int{9, 10, 11} {
			ev, err := n.Normalize(playStorePayload(t, "msg-x", playNotification(notificationType)))
			require.NoError(t, err)
			assert.Equal(t, membership.EventKind(fmt.Sprintf("play_unmodeled_%d", notificationType)), ev.Kind)
		}
	})

	t.Run("notification type outside the range is malformed", func(t *testing.T) {
		t.Parallel()
		_, err := n.Normalize(playStorePayload(t, "msg-x", playNotification(99)))
		require.ErrorIs(t, err, membership.ErrMalformedPayload)
	})

	t.Run("synthesizes event id when pubsub omits one", func(t *testing.T) {
		t.Parallel()
		ev, err := n.Normalize(playStorePayload(t, "", playNotification(2)))
		require.NoError(t, err)
		assert.Equal(t, "play:token-abc:2:1750000000000", ev.ID)
	})

	t.Run("rejects wrong package", func(t *testing.T) {
		t.Parallel()
		notification := playNotification(2)
		notification["packageName"] = "com.imposter.app"
		_, err := n.Normalize(playStorePayload(t, "msg-x", notification))
		require.ErrorIs(t, err, membership.ErrMalformedPayload)
	})

	t.Run("rejects malformed payloads", func(t *testing.T) {
		t.Parallel()
		cases := map[string][]byte{
			"not json":        []byte("not-json"),
			"empty data":      []byte(`{"message":{"data":"","messageId":"m"}}`),
			"bad base64":      []byte(`{"message":{"data":"!!!","messageId":"m"}}`),
			"no subscription": playStorePayload(t, "m", map[string]any{"version": "1.0", "packageName": "com.greengo.app", "eventTimeMillis": "1750000000000"}),
		}
		for name, payload := range cases {
			_, err := n.Normalize(payload)
			assert.ErrorIs(t, err, membership.ErrMalformedPayload, name)
		}
	})

	t.Run("rejects missing purchase token", func(t *testing.T) {
		t.Parallel()
		notification := playNotification(2)
		notification["subscriptionNotification"].(map[string]any)["purchaseToken"] = ""
		_, err := n.Normalize(playStorePayload(t, "msg-x", notification))
		require.ErrorIs(t, err, membership.ErrMalformedPayload)
	})

	t.Run("rejects invalid event time", func(t *testing.T) {
		t.Parallel()
		notification := playNotification(2)
		notification["eventTimeMillis"] = "zero"
		_, err := n.Normalize(playStorePayload(t, "msg-x", notification))
		require.ErrorIs(t, err, membership.ErrMalformedPayload)
	})
}
