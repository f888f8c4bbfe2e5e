package payment

import (
	"context"
	"errors"

	"checkout-svc/models"
)

var (
	ErrSessionNotFound  = errors.New("checkout session not found")
	ErrNoCheckoutURL    = errors.New("payment provider returned no checkout url")
	ErrSignatureInvalid = errors.New("webhook signature verification failed")
)

// Gateway wraps the hosted checkout provider.
//
// CreateCheckoutSession is not idempotent: every call creates a new remote
// session. GetCheckoutSession only reads.
type Gateway interface {
	CreateCheckoutSession(ctx context.Context, req models.CheckoutRequest) (checkoutURL string, err error)
	GetCheckoutSession(ctx context.Context, sessionID string) (models.CheckoutSession, error)
	VerifyWebhook(rawBody []byte, signatureHeader, secret string) (models.WebhookEvent, error)
}
