package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"

	"checkout-svc/models"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"
)

type StripeGateway struct {
	api      *client.API
	currency string
	logger   *zap.Logger
}

// NewStripeGateway builds a gateway for secretKey. backends may be nil to
// use the live Stripe API.
func NewStripeGateway(secretKey, currency string, backends *stripe.Backends, logger *zap.Logger) *StripeGateway {
	if secretKey == "" {
		logger.Warn("STRIPE_SECRET_KEY is not set; checkout requests will fail")
	}
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}
	return &StripeGateway{
		api:      client.New(secretKey, backends),
		currency: currency,
		logger:   logger,
	}
}

// ToMinorUnits converts a major-unit amount to cents, rounding to nearest.
func ToMinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, req models.CheckoutRequest) (string, error) {
	meta := models.SessionMetadata{PackID: req.PackID, PackTitle: req.PackTitle}

	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String(g.currency),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(req.PackTitle),
					},
					UnitAmount: stripe.Int64(ToMinorUnits(req.Amount)),
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
		Metadata:   meta.ToMap(),
	}
	params.Context = ctx

	s, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("failed to create checkout session: %w", err)
	}
	if s.URL == "" {
		return "", ErrNoCheckoutURL
	}

	g.logger.Info("Checkout session created",
		zap.String("session_id", s.ID),
		zap.String("pack_id", req.PackID),
		zap.Int64("amount_minor", ToMinorUnits(req.Amount)),
	)
	return s.URL, nil
}

func (g *StripeGateway) GetCheckoutSession(ctx context.Context, sessionID string) (models.CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	s, err := g.api.CheckoutSessions.Get(sessionID, params)
	if err != nil {
		if isResourceMissing(err) {
			return models.CheckoutSession{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return models.CheckoutSession{}, fmt.Errorf("failed to retrieve checkout session: %w", err)
	}
	return toCheckoutSession(s), nil
}

func (g *StripeGateway) VerifyWebhook(rawBody []byte, signatureHeader, secret string) (models.WebhookEvent, error) {
	event, err := webhook.ConstructEventWithOptions(rawBody, signatureHeader, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return models.WebhookEvent{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	out := models.WebhookEvent{ID: event.ID, Type: string(event.Type)}
	if strings.HasPrefix(out.Type, "checkout.session.") && event.Data != nil {
		// The signature is already valid, so a session payload that does not
		// decode still yields an event the caller acknowledges.
		var s stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &s); err != nil {
			g.logger.Warn("Failed to parse checkout session event",
				zap.String("event_id", event.ID),
				zap.String("event_type", out.Type),
				zap.Error(err),
			)
			return out, nil
		}
		session := toCheckoutSession(&s)
		out.Session = &session
	}
	return out, nil
}

func toCheckoutSession(s *stripe.CheckoutSession) models.CheckoutSession {
	out := models.CheckoutSession{
		ID:          s.ID,
		Status:      sessionStatus(s.Status, s.PaymentStatus),
		Metadata:    models.SessionMetadataFromMap(s.Metadata),
		AmountTotal: s.AmountTotal,
	}
	if s.CustomerDetails != nil && s.CustomerDetails.Email != "" {
		out.CustomerEmail = s.CustomerDetails.Email
	} else {
		out.CustomerEmail = s.CustomerEmail
	}
	return out
}

// sessionStatus collapses the provider's session and payment states.
func sessionStatus(status stripe.CheckoutSessionStatus, paymentStatus stripe.CheckoutSessionPaymentStatus) models.PaymentStatus {
	switch {
	case paymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		paymentStatus == stripe.CheckoutSessionPaymentStatusNoPaymentRequired:
		return models.PaymentStatusPaid
	case status == stripe.CheckoutSessionStatusExpired:
		return models.PaymentStatusExpired
	default:
		return models.PaymentStatusPending
	}
}

func isResourceMissing(err error) bool {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return false
	}
	return stripeErr.Code == stripe.ErrorCodeResourceMissing || stripeErr.HTTPStatusCode == http.StatusNotFound
}
