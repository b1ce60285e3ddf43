package membership_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greengo/membership/pkg/membership"
)

// unsignedToken builds a compact token with an opaque signature, good enough
// for a normalizer configured without root certificates.
func unsignedToken(t *testing.T, claims any) string {
	t.Helper()
	header, err := json.Marshal(map[string]any{"alg": "ES256"})
	require.NoError(t, err)
	body, err := json.Marshal(claims)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(header) + "." +
		base64.RawURLEncoding.EncodeToString(body) + "." +
		base64.RawURLEncoding.EncodeToString([]byte("sig"))
}

func appStoreClaims(notificationType, subtype, transactionToken string) map[string]any {
	return map[string]any{
		"notificationType": notificationType,
		"subtype":          subtype,
		"notificationUUID": "uuid-123",
		"signedDate":       int64(1750000000000),
		"data": map[string]any{
			"bundleId":              "com.greengo.app",
			"signedTransactionInfo": transactionToken,
		},
	}
}

func appStoreTransaction() map[string]any {
	return map[string]any{
		"originalTransactionId": "orig-txn-1",
		"transactionId":         "txn-77",
		"productId":             "1_month_gold",
		"purchaseDate":          int64(1749000000000),
		"expiresDate":           int64(1752000000000),
	}
}

func appStorePayload(t *testing.T, notificationType, subtype string) []byte {
	t.Helper()
	txn := unsignedToken(t, appStoreTransaction())
	outer := unsignedToken(t, appStoreClaims(notificationType, subtype, txn))
	payload, err := json.Marshal(map[string]string{"signedPayload": outer})
	require.NoError(t, err)
	return payload
}

func TestAppStoreNormalizer(t *testing.T) {
	t.Parallel()
	n := membership.NewAppStoreNormalizer(membership.WithBundleID("com.greengo.app"))

	t.Run("decodes renewal notification", func(t *testing.T) {
		t.Parallel()
		ev, err := n.Normalize(appStorePayload(t, "DID_RENEW", ""))
		require.NoError(t, err)
		assert.Equal(t, "uuid-123", ev.ID)
		assert.Equal(t, membership.PlatformAppStore, ev.Platform)
		assert.Equal(t, "orig-txn-1", ev.ExternalRef)
		assert.Equal(t, membership.KindRenewed, ev.Kind)
		assert.Equal(t, "1_month_gold", ev.ProductID)
		assert.Equal(t, time.UnixMilli(1750000000000).UTC(), ev.OccurredAt)
		assert.NoError(t, ev.Validate())
	})

	t.Run("maps type and subtype pairs", func(t *testing.T) {
		t.Parallel()
		cases := []struct {
			notificationType string
			subtype          string
			want             membership.EventKind
		}{
			{"SUBSCRIBED", "", membership.KindPurchased},
			{"SUBSCRIBED", "RESUBSCRIBE", membership.KindPurchased},
			{"DID_RENEW", "", membership.KindRenewed},
			{"DID_RECOVER", "", membership.KindRecovered},
			{"DID_FAIL_TO_RENEW", "", membership.KindOnHold},
			{"DID_FAIL_TO_RENEW", "GRACE_PERIOD", membership.KindGraceStart},
			{"DID_CHANGE_RENEWAL_STATUS", "AUTO_RENEW_DISABLED", membership.KindCancelled},
			{"DID_CHANGE_RENEWAL_STATUS", "AUTO_RENEW_ENABLED", membership.KindRestarted},
			{"EXPIRED", "", membership.KindExpired},
			{"GRACE_PERIOD_EXPIRED", "", membership.KindGraceExpired},
			{"REFUND", "", membership.KindRevoked},
			{"REVOKE", "", membership.KindRevoked},
			{"PRICE_INCREASE", "ACCEPTED", membership.KindPriceChange},
		}
		for _, tc := range cases {
			ev, err := n.Normalize(appStorePayload(t, tc.notificationType, tc.subtype))
			require.NoError(t, err)
			assert.Equal(t, tc.want, ev.Kind, "%s/%s", tc.notificationType, tc.subtype)
		}
	})

	t.Run("unmodeled type falls through for the engine to ignore", func(t *testing.T) {
		t.Parallel()
		ev, err := n.Normalize(appStorePayload(t, "CONSUMPTION_REQUEST", ""))
		require.NoError(t, err)
		assert.Equal(t, membership.EventKind("appstore_consumption_request"), ev.Kind)
	})

	t.Run("rejects wrong bundle", func(t *testing.T) {
		t.Parallel()
		txn := unsignedToken(t, appStoreTransaction())
		claims := appStoreClaims("DID_RENEW", "", txn)
		claims["data"].(map[string]any)["bundleId"] = "com.imposter.app"
		payload, err := json.Marshal(map[string]string{"signedPayload": unsignedToken(t, claims)})
		require.NoError(t, err)

		_, err = n.Normalize(payload)
		require.ErrorIs(t, err, membership.ErrMalformedPayload)
	})

	t.Run("rejects malformed payloads", func(t *testing.T) {
		t.Parallel()
		cases := map[string][]byte{
			"not json":          []byte("nope"),
			"missing payload":   []byte(`{}`),
			"not compact token": []byte(`{"signedPayload":"only.two"}`),
		}
		for name, payload := range cases {
			_, err := n.Normalize(payload)
			assert.ErrorIs(t, err, membership.ErrMalformedPayload, name)
		}
	})

	t.Run("rejects missing original transaction id", func(t *testing.T) {
		t.Parallel()
		txn := appStoreTransaction()
		txn["originalTransactionId"] = ""
		outer := unsignedToken(t, appStoreClaims("DID_RENEW", "", unsignedToken(t, txn)))
		payload, err := json.Marshal(map[string]string{"signedPayload": outer})
		require.NoError(t, err)

		_, err = n.Normalize(payload)
		require.ErrorIs(t, err, membership.ErrMalformedPayload)
	})
}

// signingAuthority issues ES256 tokens backed by a self-signed certificate,
// standing in for Apple's chain in verification tests.
type signingAuthority struct {
	key   *ecdsa.PrivateKey
	cert  []byte
	roots *x509.CertPool
}

func newSigningAuthority(t *testing.T) *signingAuthority {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test signer"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	roots := x509.NewCertPool()
	roots.AddCert(cert)

	return &signingAuthority{key: key, cert: der, roots: roots}
}

func (a *signingAuthority) sign(t *testing.T, claims any) string {
	t.Helper()
	header, err := json.Marshal(map[string]any{
		"alg": "ES256",
		"x5c": []string{base64.StdEncoding.EncodeToString(a.cert)},
	})
	require.NoError(t, err)
	body, err := json.Marshal(claims)
	require.NoError(t, err)

	signingInput := base64.RawURLEncoding.EncodeToString(header) + "." + base64.RawURLEncoding.EncodeToString(body)
	digest := sha256.Sum256([]byte(signingInput))
	r, s, err := ecdsa.Sign(rand.Reader, a.key, digest[:])
	require.NoError(t, err)

	signature := make([]byte, 64)
	r.FillBytes(signature[:32])
	s.FillBytes(signature[32:])
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(signature)
}

func TestAppStoreNormalizerVerification(t *testing.T) {
	t.Parallel()
	authority := newSigningAuthority(t)
	n := membership.NewAppStoreNormalizer(
		membership.WithBundleID("com.greengo.app"),
		membership.WithRootCertificates(authority.roots),
	)

	t.Run("accepts properly signed tokens", func(t *testing.T) {
		t.Parallel()
		txn := authority.sign(t, appStoreTransaction())
		outer := authority.sign(t, appStoreClaims("DID_RENEW", "", txn))
		payload, err := json.Marshal(map[string]string{"signedPayload": outer})
		require.NoError(t, err)

		ev, err := n.Normalize(payload)
		require.NoError(t, err)
		assert.Equal(t, membership.KindRenewed, ev.Kind)
	})

	t.Run("rejects unsigned tokens", func(t *testing.T) {
		t.Parallel()
		txn := unsignedToken(t, appStoreTransaction())
		outer := unsignedToken(t, appStoreClaims("DID_RENEW", "", txn))
		payload, err := json.Marshal(map[string]string{"signedPayload": outer})
		require.NoError(t, err)

		_, err = n.Normalize(payload)
		require.ErrorIs(t, err, membership.ErrMalformedPayload)
	})

	t.Run("rejects tokens signed by an untrusted chain", func(t *testing.T) {
		t.Parallel()
		imposter := newSigningAuthority(t)
		txn := imposter.sign(t, appStoreTransaction())
		outer := imposter.sign(t, appStoreClaims("DID_RENEW", "", txn))
		payload, err := json.Marshal(map[string]string{"signedPayload": outer})
		require.NoError(t, err)

		_, err = n.Normalize(payload)
		require.ErrorIs(t, err, membership.ErrMalformedPayload)
	})

	t.Run("rejects tampered claims", func(t *testing.T) {
		t.Parallel()
		txn := authority.sign(t, appStoreTransaction())
		outer := authority.sign(t, appStoreClaims("DID_RENEW", "", txn))

		tampered, err := json.Marshal(appStoreClaims("REFUND", "", txn))
		require.NoError(t, err)
		// Swap the claim segment while keeping the original signature.
		segments := strings.Split(outer, ".")
		segments[1] = base64.RawURLEncoding.EncodeToString(tampered)
		forged := segments[0] + "." + segments[1] + "." + segments[2]
		payload, err := json.Marshal(map[string]string{"signedPayload": forged})
		require.NoError(t, err)

		_, err = n.Normalize(payload)
		require.ErrorIs(t, err, membership.ErrMalformedPayload)
	})
}
