package membership

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// App Store server notification V2 types and subtypes.
// https://developer.apple.com/documentation/appstoreservernotifications
const (
	appStoreSubscribed            = "SUBSCRIBED"
	appStoreDidRenew              = "DID_RENEW"
	appStoreDidRecover            = "DID_RECOVER"
	appStoreDidFailToRenew        = "DID_FAIL_TO_RENEW"
	appStoreDidChangeRenewalState = "DID_CHANGE_RENEWAL_STATUS"
	appStoreExpired               = "EXPIRED"
	appStoreGracePeriodExpired    = "GRACE_PERIOD_EXPIRED"
	appStoreRefund                = "REFUND"
	appStoreRevoke                = "REVOKE"
	appStorePriceIncrease         = "PRICE_INCREASE"

	appStoreSubtypeGracePeriod      = "GRACE_PERIOD"
	appStoreSubtypeAutoRenewEnabled = "AUTO_RENEW_ENABLED"
	appStoreSubtypeAutoRenewOff     = "AUTO_RENEW_DISABLED"
)

// notificationPayload is the claim set of the outer signed payload.
type notificationPayload struct {
	NotificationType string `json:"notificationType"`
	Subtype          string `json:"subtype"`
	NotificationUUID string `json:"notificationUUID"`
	SignedDate       int64  `json:"signedDate"` // milliseconds
	Data             struct {
		BundleID              string `json:"bundleId"`
		SignedTransactionInfo string `json:"signedTransactionInfo"`
	} `json:"data"`
}

// transactionPayload is the claim set of the nested transaction token.
type transactionPayload struct {
	OriginalTransactionID string `json:"originalTransactionId"`
	TransactionID         string `json:"transactionId"`
	ProductID             string `json:"productId"`
	PurchaseDate          int64  `json:"purchaseDate"`
	ExpiresDate           int64  `json:"expiresDate"`
}

// AppStoreNormalizer decodes App Store server notifications. The payload is
// a signed compact token whose claims embed a second signed token carrying
// the transaction details; both are decoded here and optionally verified
// against the certificate chain Apple attaches to each token.
type AppStoreNormalizer struct {
	bundleID string
	roots    *x509.CertPool
}

// AppStoreOption configures an AppStoreNormalizer.
type AppStoreOption func(*AppStoreNormalizer)

// WithBundleID rejects notifications for any other app bundle.
func WithBundleID(id string) AppStoreOption {
	return func(n *AppStoreNormalizer) {
		n.bundleID = id
	}
}

// WithRootCertificates enables ES256 signature verification against the
// given root pool. Without it tokens are decoded but not verified, which is
// acceptable only when an upstream gateway has already verified them.
func WithRootCertificates(roots *x509.CertPool) AppStoreOption {
	return func(n *AppStoreNormalizer) {
		n.roots = roots
	}
}

// NewAppStoreNormalizer creates the App Store notification decoder.
func NewAppStoreNormalizer(opts ...AppStoreOption) *AppStoreNormalizer {
	n := &AppStoreNormalizer{}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *AppStoreNormalizer) Platform() Platform {
	return PlatformAppStore
}

func (n *AppStoreNormalizer) Normalize(payload []byte) (BillingEvent, error) {
	var body struct {
		SignedPayload string `json:"signedPayload"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return BillingEvent{}, errors.Join(ErrMalformedPayload, err)
	}
	if body.SignedPayload == "" {
		return BillingEvent{}, fmt.Errorf("%w: missing signed payload", ErrMalformedPayload)
	}

	var notification notificationPayload
	if err := n.decodeToken(body.SignedPayload, &notification); err != nil {
		return BillingEvent{}, err
	}
	if notification.NotificationType == "" || notification.NotificationUUID == "" || notification.SignedDate <= 0 {
		return BillingEvent{}, fmt.Errorf("%w: incomplete notification claims", ErrMalformedPayload)
	}
	if n.bundleID != "" && notification.Data.BundleID != n.bundleID {
		return BillingEvent{}, fmt.Errorf("%w: unexpected bundle %q", ErrMalformedPayload, notification.Data.BundleID)
	}
	if notification.Data.SignedTransactionInfo == "" {
		return BillingEvent{}, fmt.Errorf("%w: missing transaction info", ErrMalformedPayload)
	}

	var txn transactionPayload
	if err := n.decodeToken(notification.Data.SignedTransactionInfo, &txn); err != nil {
		return BillingEvent{}, err
	}
	if txn.OriginalTransactionID == "" {
		return BillingEvent{}, fmt.Errorf("%w: missing original transaction id", ErrMalformedPayload)
	}

	kind := n.mapKind(notification.NotificationType, notification.Subtype)

	return BillingEvent{
		ID:          notification.NotificationUUID,
		Platform:    PlatformAppStore,
		ExternalRef: txn.OriginalTransactionID,
		Kind:        kind,
		ProductID:   txn.ProductID,
		OccurredAt:  time.UnixMilli(notification.SignedDate).UTC(),
		Raw:         json.RawMessage(payload),
	}, nil
}

// mapKind unifies Apple's (type, subtype) pairs into the canonical taxonomy.
// Types with no lifecycle meaning here fall through as-is and resolve as
// ignored transitions in the engine.
func (n *AppStoreNormalizer) mapKind(notificationType, subtype string) EventKind {
	switch notificationType {
	case appStoreSubscribed:
		return KindPurchased
	case appStoreDidRenew:
		return KindRenewed
	case appStoreDidRecover:
		return KindRecovered
	case appStoreDidFailToRenew:
		if subtype == appStoreSubtypeGracePeriod {
			return KindGraceStart
		}
		return KindOnHold
	case appStoreDidChangeRenewalState:
		if subtype == appStoreSubtypeAutoRenewEnabled {
			return KindRestarted
		}
		return KindCancelled
	case appStoreExpired:
		return KindExpired
	case appStoreGracePeriodExpired:
		return KindGraceExpired
	case appStoreRefund, appStoreRevoke:
		return KindRevoked
	case appStorePriceIncrease:
		return KindPriceChange
	}
	return EventKind("appstore_" + strings.ToLower(notificationType))
}

// decodeToken splits a compact signed token, verifies it when a root pool is
// configured, and unmarshals the claim segment.
func (n *AppStoreNormalizer) decodeToken(token string, claims any) error {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return fmt.Errorf("%w: token is not a compact signed payload", ErrMalformedPayload)
	}

	if n.roots != nil {
		if err := n.verifyES256(parts); err != nil {
			return err
		}
	}

	claimsJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return errors.Join(ErrMalformedPayload, err)
	}
	if err := json.Unmarshal(claimsJSON, claims); err != nil {
		return errors.Join(ErrMalformedPayload, err)
	}
	return nil
}

// verifyES256 checks the token signature against the leaf of the x5c chain
// embedded in the token header, and the chain itself against the configured
// roots.
func (n *AppStoreNormalizer) verifyES256(parts []string) error {
	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return errors.Join(ErrMalformedPayload, err)
	}

	var header struct {
		Alg string   `json:"alg"`
		X5c []string `json:"x5c"`
	}
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return errors.Join(ErrMalformedPayload, err)
	}
	// Reject unexpected algorithms to prevent algorithm confusion attacks.
	if header.Alg != "ES256" || len(header.X5c) == 0 {
		return fmt.Errorf("%w: unsupported token header", ErrMalformedPayload)
	}

	chain := make([]*x509.Certificate, 0, len(header.X5c))
	for _, encoded := range header.X5c {
		der, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return errors.Join(ErrMalformedPayload, err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return errors.Join(ErrMalformedPayload, err)
		}
		chain = append(chain, cert)
	}

	intermediates := x509.NewCertPool()
	for _, cert := range chain[1:] {
		intermediates.AddCert(cert)
	}
	if _, err := chain[0].Verify(x509.VerifyOptions{Roots: n.roots, Intermediates: intermediates}); err != nil {
		return fmt.Errorf("%w: certificate chain verification failed: %v", ErrMalformedPayload, err)
	}

	pub, ok := chain[0].PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: leaf certificate key is not ECDSA", ErrMalformedPayload)
	}

	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil || len(signature) != 64 {
		return fmt.Errorf("%w: invalid token signature encoding", ErrMalformedPayload)
	}

	digest := sha256.Sum256([]byte(parts[0] + "." + parts[1]))
	r := new(big.Int).SetBytes(signature[:32])
	sig := new(big.Int).SetBytes(signature[32:])
	if !ecdsa.Verify(pub, digest[:], r, sig) {
		return fmt.Errorf("%w: token signature verification failed", ErrMalformedPayload)
	}
	return nil
}
