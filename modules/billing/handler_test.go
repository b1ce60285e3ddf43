package billing_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/greengo/membership/modules/billing"
	"github.com/greengo/membership/pkg/membership"
)

type mockService struct {
	mock.Mock
}

func (m *mockService) ProcessEvent(ctx context.Context, ev membership.BillingEvent) error {
	args := m.Called(ctx, ev)
	return args.Error(0)
}

func (m *mockService) VerifyPurchase(ctx context.Context, req membership.VerifyPurchaseRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

func (m *mockService) Grant(ctx context.Context, userID uuid.UUID, tier membership.Tier, durationDays int) error {
	args := m.Called(ctx, userID, tier, durationDays)
	return args.Error(0)
}

type mockArchiver struct {
	mock.Mock
}

func (m *mockArchiver) Archive(ctx context.Context, platform membership.Platform, eventID string, payload []byte) error {
	args := m.Called(ctx, platform, eventID, payload)
	return args.Error(0)
}

func playWebhookBody(t *testing.T, notificationType int) []byte {
	t.Helper()
	notification, err := json.Marshal(map[string]any{
		"version":         "1.0",
		"packageName":     "com.greengo.app",
		"eventTimeMillis": "1750000000000",
		"subscriptionNotification": map[string]any{
			"version":          "1.0",
			"notificationType": notificationType,
			"purchaseToken":    "token-abc",
			"subscriptionId":   "1_month_gold",
		},
	})
	require.NoError(t, err)

	body, err := json.Marshal(map[string]any{
		"message": map[string]any{
			"data":      base64.StdEncoding.EncodeToString(notification),
			"messageId": "msg-1",
		},
	})
	require.NoError(t, err)
	return body
}

func newServer(t *testing.T, svc *mockService, opts ...billing.HandlerOption) *httptest.Server {
	t.Helper()
	handler := billing.NewHandler(svc, opts...)
	router := billing.Router(handler, billing.RouterOptions{
		PlayStore: membership.NewPlayStoreNormalizer(),
		AppStore:  membership.NewAppStoreNormalizer(),
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url string, body []byte) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestPlayStoreWebhook(t *testing.T) {
	t.Parallel()

	t.Run("processed event returns 200", func(t *testing.T) {
		t.Parallel()
		svc := new(mockService)
		svc.On("ProcessEvent", mock.Anything, mock.MatchedBy(func(ev membership.BillingEvent) bool {
			return ev.Kind == membership.KindRenewed && ev.ExternalRef == "token-abc"
		})).Return(nil)
		srv := newServer(t, svc)

		resp := post(t, srv.URL+"/webhooks/playstore", playWebhookBody(t, 2))
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		svc.AssertExpectations(t)
	})

	t.Run("malformed payload returns 400 and is not processed", func(t *testing.T) {
		t.Parallel()
		svc := new(mockService)
		srv := newServer(t, svc)

		resp := post(t, srv.URL+"/webhooks/playstore", []byte("not-json"))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		svc.AssertNotCalled(t, "ProcessEvent", mock.Anything, mock.Anything)
	})

	t.Run("retryable failure returns 503 for redelivery", func(t *testing.T) {
		t.Parallel()
		svc := new(mockService)
		svc.On("ProcessEvent", mock.Anything, mock.Anything).
			Return(fmt.Errorf("notify: %w", membership.ErrEffectFailed))
		srv := newServer(t, svc)

		resp := post(t, srv.URL+"/webhooks/playstore", playWebhookBody(t, 13))
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})

	t.Run("unknown subscription is acknowledged", func(t *testing.T) {
		t.Parallel()
		svc := new(mockService)
		svc.On("ProcessEvent", mock.Anything, mock.Anything).
			Return(fmt.Errorf("external ref: %w", membership.ErrSubscriptionNotFound))
		srv := newServer(t, svc)

		resp := post(t, srv.URL+"/webhooks/playstore", playWebhookBody(t, 3))
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("payload is archived before processing", func(t *testing.T) {
		t.Parallel()
		svc := new(mockService)
		svc.On("ProcessEvent", mock.Anything, mock.Anything).Return(nil)
		archiver := new(mockArchiver)
		archiver.On("Archive", mock.Anything, membership.PlatformPlayStore, "msg-1", mock.Anything).Return(nil)
		srv := newServer(t, svc, billing.WithArchiver(archiver))

		resp := post(t, srv.URL+"/webhooks/playstore", playWebhookBody(t, 2))
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		archiver.AssertExpectations(t)
	})

	t.Run("archive failure does not block processing", func(t *testing.T) {
		t.Parallel()
		svc := new(mockService)
		svc.On("ProcessEvent", mock.Anything, mock.Anything).Return(nil)
		archiver := new(mockArchiver)
		archiver.On("Archive", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(fmt.Errorf("bucket unavailable"))
		srv := newServer(t, svc, billing.WithArchiver(archiver))

		resp := post(t, srv.URL+"/webhooks/playstore", playWebhookBody(t, 2))
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		svc.AssertExpectations(t)
	})
}

func TestVerifyPurchaseEndpoint(t *testing.T) {
	t.Parallel()

	t.Run("valid request returns 200", func(t *testing.T) {
		t.Parallel()
		userID := uuid.New()
		svc := new(mockService)
		svc.On("VerifyPurchase", mock.Anything, mock.MatchedBy(func(req membership.VerifyPurchaseRequest) bool {
			return req.UserID == userID && req.ProductID == "1_month_gold" && req.ExternalRef == "token-abc"
		})).Return(nil)
		srv := newServer(t, svc)

		body, _ := json.Marshal(map[string]any{
			"user_id":      userID,
			"platform":     "play_store",
			"product_id":   "1_month_gold",
			"external_ref": "token-abc",
		})
		resp := post(t, srv.URL+"/purchases/verify", body)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		svc.AssertExpectations(t)
	})

	t.Run("unknown product returns 400", func(t *testing.T) {
		t.Parallel()
		svc := new(mockService)
		svc.On("VerifyPurchase", mock.Anything, mock.Anything).
			Return(fmt.Errorf("product: %w", membership.ErrUnknownProduct))
		srv := newServer(t, svc)

		body, _ := json.Marshal(map[string]any{
			"user_id":      uuid.New(),
			"platform":     "play_store",
			"product_id":   "bogus",
			"external_ref": "token-abc",
		})
		resp := post(t, srv.URL+"/purchases/verify", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("token bound elsewhere returns 409", func(t *testing.T) {
		t.Parallel()
		svc := new(mockService)
		svc.On("VerifyPurchase", mock.Anything, mock.Anything).
			Return(membership.ErrExternalRefBound)
		srv := newServer(t, svc)

		body, _ := json.Marshal(map[string]any{
			"user_id":      uuid.New(),
			"platform":     "play_store",
			"product_id":   "1_month_gold",
			"external_ref": "token-abc",
		})
		resp := post(t, srv.URL+"/purchases/verify", body)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})
}

func TestGrantEndpoint(t *testing.T) {
	t.Parallel()

	t.Run("valid grant returns 200", func(t *testing.T) {
		t.Parallel()
		userID := uuid.New()
		svc := new(mockService)
		svc.On("Grant", mock.Anything, userID, membership.TierGold, 90).Return(nil)
		srv := newServer(t, svc)

		body, _ := json.Marshal(map[string]any{
			"user_id":       userID,
			"tier":          "gold",
			"duration_days": 90,
		})
		resp := post(t, srv.URL+"/admin/grants", body)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		svc.AssertExpectations(t)
	})

	t.Run("invalid tier returns 400", func(t *testing.T) {
		t.Parallel()
		svc := new(mockService)
		svc.On("Grant", mock.Anything, mock.Anything, membership.Tier("diamond"), 90).
			Return(fmt.Errorf("tier: %w", membership.ErrInvalidTier))
		srv := newServer(t, svc)

		body, _ := json.Marshal(map[string]any{
			"user_id":       uuid.New(),
			"tier":          "diamond",
			"duration_days": 90,
		})
		resp := post(t, srv.URL+"/admin/grants", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("invalid body returns 400", func(t *testing.T) {
		t.Parallel()
		svc := new(mockService)
		srv := newServer(t, svc)

		resp := post(t, srv.URL+"/admin/grants", []byte("{"))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		svc.AssertNotCalled(t, "Grant", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}
