package billing

import (
	"github.com/go-chi/chi/v5"

	"github.com/greengo/membership/pkg/membership"
)

// RouterOptions names the platform normalizers mounted on the webhook
// routes. A nil normalizer leaves its route unmounted, which is useful when
// a deployment serves a single platform.
type RouterOptions struct {
	PlayStore membership.Normalizer
	AppStore  membership.Normalizer
}

// Router builds the billing module routes:
//
//	POST /webhooks/playstore  - Play Store real-time developer notifications
//	POST /webhooks/appstore   - App Store server notifications (V2)
//	POST /purchases/verify    - client-verified purchase registration
//	POST /admin/grants        - operator-issued memberships
//
// Authentication for the purchase and admin routes is applied by the parent
// router; the webhook routes authenticate by payload verification instead.
func Router(h *Handler, opts RouterOptions) chi.Router {
	r := chi.NewRouter()

	r.Route("/webhooks", func(webhooks chi.Router) {
		if opts.PlayStore != nil {
			webhooks.Post("/playstore", h.Webhook(opts.PlayStore))
		}
		if opts.AppStore != nil {
			webhooks.Post("/appstore", h.Webhook(opts.AppStore))
		}
	})

	r.Post("/purchases/verify", h.VerifyPurchase)
	r.Post("/admin/grants", h.Grant)

	return r
}
