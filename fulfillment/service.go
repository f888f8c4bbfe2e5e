package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"checkout-svc/circuitbreaker"
	"checkout-svc/models"
	"checkout-svc/payment"
	"checkout-svc/storage"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// MinCharge is the smallest paid amount in major currency units.
const MinCharge = 0.50

// MaxCharge is the largest amount a single checkout session accepts.
const MaxCharge = 999999.99

const (
	msgCheckoutFailed      = "Failed to create checkout session."
	msgProviderUnavailable = "The payment provider is temporarily unavailable. Please try again shortly."
	msgVerifyFailed        = "Failed to verify payment."
	msgDownloadLinkFailed  = "Failed to generate download link."
	msgSessionNotFound     = "Session not found or expired"
)

// Catalog resolves pack ids to products.
type Catalog interface {
	Lookup(id string) (models.Product, error)
}

// EventPublisher forwards purchase lifecycle events to downstream consumers.
type EventPublisher interface {
	PublishPurchaseEvent(ctx context.Context, event models.PurchaseEvent) error
}

// WebhookDeduper reports whether a provider event id is seen for the first time.
type WebhookDeduper interface {
	FirstDelivery(ctx context.Context, eventID string) (bool, error)
}

// Options tunes a Service. Zero durations fall back to 30 minute downloads
// and a 10 second gateway timeout.
type Options struct {
	DownloadExpiry     time.Duration
	GatewayTimeout     time.Duration
	VerifyObjectExists bool
	WebhookSecret      string
	// Publisher and Deduper are optional.
	Publisher EventPublisher
	Deduper   WebhookDeduper
}

// Service runs the purchase and delivery flow. It keeps no state between
// calls; everything is derived from the catalog and the two gateways.
type Service struct {
	catalog  Catalog
	store    storage.ObjectStore
	payments payment.Gateway
	breaker  *circuitbreaker.CircuitBreaker
	opts     Options
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

func NewService(catalog Catalog, store storage.ObjectStore, payments payment.Gateway, opts Options, logger *zap.Logger) *Service {
	if opts.DownloadExpiry <= 0 {
		opts.DownloadExpiry = 30 * time.Minute
	}
	if opts.GatewayTimeout <= 0 {
		opts.GatewayTimeout = 10 * time.Second
	}
	return &Service{
		catalog:  catalog,
		store:    store,
		payments: payments,
		breaker: circuitbreaker.NewCircuitBreaker(5, 30*time.Second,
			circuitbreaker.WithFailureFilter(func(err error) bool {
				return !errors.Is(err, payment.ErrSessionNotFound)
			}),
		),
		opts:   opts,
		logger: logger,
		tracer: otel.Tracer("checkout-service"),
		now:    time.Now,
	}
}

// Download is a signed link ready to hand to the buyer.
type Download struct {
	URL       string
	ExpiresAt time.Time
	PackTitle string
}

type PaidDownload struct {
	Download
	Amount        float64
	CustomerEmail string
}

// CheckoutInput is a buyer's request to pay for a pack.
type CheckoutInput struct {
	PackID    string
	PackTitle string
	Amount    float64
	// Origin is scheme://host of the inbound request; redirect URLs are
	// built from it.
	Origin string
}

// WebhookResult describes what was done with a verified webhook event.
// Handled is false for event types the service ignores.
type WebhookResult struct {
	EventType string
	Handled   bool
	Duplicate bool
}

func (s *Service) RequestFreeDownload(ctx context.Context, packID string) (Download, error) {
	ctx, span := s.tracer.Start(ctx, "RequestFreeDownload")
	defer span.End()

	packID = strings.TrimSpace(packID)
	span.SetAttributes(attribute.String("pack.id", packID))
	if packID == "" {
		return Download{}, newError(KindValidation, "Missing required field: packId", nil)
	}

	product, err := s.lookup(packID)
	if err != nil {
		return Download{}, err
	}
	if !product.IsFree() {
		return Download{}, newError(KindValidation,
			fmt.Sprintf("Pack %s requires a purchase of at least $%.2f.", product.ID, product.MinimumPrice), nil)
	}

	grant, err := s.issueGrant(ctx, product)
	if err != nil {
		recordSpanError(span, err)
		return Download{}, err
	}

	s.logger.Info("Free download issued",
		zap.String("trace_id", traceID(ctx)),
		zap.String("pack_id", product.ID),
		zap.String("grant_id", grant.ID),
	)
	return Download{URL: grant.URL, ExpiresAt: grant.ExpiresAt, PackTitle: product.Title}, nil
}

func (s *Service) RequestPaidCheckout(ctx context.Context, in CheckoutInput) (string, error) {
	ctx, span := s.tracer.Start(ctx, "RequestPaidCheckout")
	defer span.End()

	in.PackID = strings.TrimSpace(in.PackID)
	span.SetAttributes(attribute.String("pack.id", in.PackID), attribute.Float64("checkout.amount", in.Amount))

	if in.PackID == "" || strings.TrimSpace(in.PackTitle) == "" {
		return "", newError(KindValidation, "Missing required fields: packId, packTitle, amount", nil)
	}
	if err := validateAmount(in.Amount); err != nil {
		return "", err
	}

	product, err := s.lookup(in.PackID)
	if err != nil {
		return "", err
	}
	if in.Amount < product.MinimumPrice {
		return "", newError(KindValidation,
			fmt.Sprintf("Amount must be at least $%.2f for %s.", product.MinimumPrice, product.Title), nil)
	}

	origin := strings.TrimRight(in.Origin, "/")
	req := models.CheckoutRequest{
		PackID:     product.ID,
		PackTitle:  in.PackTitle,
		Amount:     in.Amount,
		SuccessURL: origin + "/download/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:  origin + "/download?canceled=true",
	}

	var checkoutURL string
	err = s.callPayments(ctx, func(ctx context.Context) error {
		var err error
		checkoutURL, err = s.payments.CreateCheckoutSession(ctx, req)
		return err
	})
	if err != nil {
		recordSpanError(span, err)
		s.logger.Error("Failed to create checkout session",
			zap.String("trace_id", traceID(ctx)),
			zap.String("pack_id", product.ID),
			zap.Error(err),
		)
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			return "", newError(KindInternal, msgProviderUnavailable, err)
		}
		return "", newError(KindInternal, msgCheckoutFailed, err)
	}

	return checkoutURL, nil
}

// VerifyAndDeliver confirms payment with the provider and only then issues
// a download link for the pack named in the session's own metadata.
// Repeated calls for a paid session each return a fresh link.
func (s *Service) VerifyAndDeliver(ctx context.Context, sessionID string) (PaidDownload, error) {
	ctx, span := s.tracer.Start(ctx, "VerifyAndDeliver")
	defer span.End()

	sessionID = strings.TrimSpace(sessionID)
	span.SetAttributes(attribute.String("checkout.session_id", sessionID))
	if sessionID == "" {
		return PaidDownload{}, newError(KindValidation, "Missing required field: sessionId", nil)
	}

	var session models.CheckoutSession
	err := s.callPayments(ctx, func(ctx context.Context) error {
		var err error
		session, err = s.payments.GetCheckoutSession(ctx, sessionID)
		return err
	})
	switch {
	case errors.Is(err, payment.ErrSessionNotFound):
		return PaidDownload{}, newError(KindNotFound, msgSessionNotFound, err)
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		return PaidDownload{}, newError(KindInternal, msgProviderUnavailable, err)
	case err != nil:
		recordSpanError(span, err)
		s.logger.Error("Failed to verify checkout session",
			zap.String("trace_id", traceID(ctx)),
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		return PaidDownload{}, newError(KindInternal, msgVerifyFailed, err)
	}

	span.SetAttributes(attribute.String("checkout.status", string(session.Status)))
	switch session.Status {
	case models.PaymentStatusPaid:
	case models.PaymentStatusExpired:
		return PaidDownload{}, newError(KindNotFound, "Checkout session has expired. Please start a new purchase.", nil)
	default:
		return PaidDownload{}, newError(KindPaymentRequired, "Payment has not been completed.", nil)
	}

	packID := session.Metadata.PackID
	if packID == "" {
		s.logger.Error("Paid session is missing pack metadata",
			zap.String("trace_id", traceID(ctx)),
			zap.String("session_id", sessionID),
		)
		return PaidDownload{}, newError(KindIntegrity, "Payment session is missing pack information.", nil)
	}

	product, err := s.lookup(packID)
	if err != nil {
		s.logger.Error("Paid session references unknown pack",
			zap.String("session_id", sessionID),
			zap.String("pack_id", packID),
		)
		return PaidDownload{}, err
	}

	grant, err := s.issueGrant(ctx, product)
	if err != nil {
		recordSpanError(span, err)
		return PaidDownload{}, err
	}

	title := session.Metadata.PackTitle
	if title == "" {
		title = product.Title
	}

	s.logger.Info("Paid download issued",
		zap.String("trace_id", traceID(ctx)),
		zap.String("session_id", sessionID),
		zap.String("pack_id", product.ID),
		zap.String("grant_id", grant.ID),
	)
	return PaidDownload{
		Download:      Download{URL: grant.URL, ExpiresAt: grant.ExpiresAt, PackTitle: title},
		Amount:        session.Amount(),
		CustomerEmail: session.CustomerEmail,
	}, nil
}

// HandleWebhook verifies a provider callback against the raw body. Once the
// signature checks out the event is always acknowledged; unknown types are
// ignored and side-channel failures are only logged.
func (s *Service) HandleWebhook(ctx context.Context, rawBody []byte, signatureHeader string) (WebhookResult, error) {
	ctx, span := s.tracer.Start(ctx, "HandleWebhook")
	defer span.End()

	if strings.TrimSpace(signatureHeader) == "" {
		return WebhookResult{}, newError(KindValidation, "Missing stripe-signature header.", nil)
	}
	if len(rawBody) == 0 {
		return WebhookResult{}, newError(KindValidation, "Missing request body.", nil)
	}
	if s.opts.WebhookSecret == "" {
		s.logger.Error("STRIPE_WEBHOOK_SECRET is not configured")
		return WebhookResult{}, newError(KindInternal, "Webhook secret is not configured.", nil)
	}

	event, err := s.payments.VerifyWebhook(rawBody, signatureHeader, s.opts.WebhookSecret)
	if err != nil {
		s.logger.Warn("Rejected webhook", zap.String("trace_id", traceID(ctx)), zap.Error(err))
		if errors.Is(err, payment.ErrSignatureInvalid) {
			reason := strings.TrimPrefix(err.Error(), payment.ErrSignatureInvalid.Error()+": ")
			return WebhookResult{}, newError(KindValidation, "Webhook signature verification failed: "+reason, err)
		}
		return WebhookResult{}, newError(KindValidation, "Invalid webhook payload.", err)
	}

	result := WebhookResult{EventType: event.Type}
	span.SetAttributes(attribute.String("webhook.event_type", event.Type))

	var eventType string
	switch event.Type {
	case models.WebhookEventCheckoutCompleted:
		eventType = "checkout_completed"
	case models.WebhookEventCheckoutExpired:
		eventType = "checkout_expired"
	default:
		s.logger.Debug("Ignoring webhook event", zap.String("event_id", event.ID), zap.String("event_type", event.Type))
		return result, nil
	}
	if event.Session == nil {
		s.logger.Warn("Checkout webhook without session payload", zap.String("event_id", event.ID))
		return result, nil
	}
	result.Handled = true

	if s.opts.Deduper != nil && event.ID != "" {
		first, err := s.opts.Deduper.FirstDelivery(ctx, event.ID)
		if err != nil {
			s.logger.Warn("Webhook de-duplication unavailable", zap.String("event_id", event.ID), zap.Error(err))
		} else if !first {
			s.logger.Info("Duplicate webhook delivery ignored",
				zap.String("event_id", event.ID),
				zap.String("event_type", event.Type),
			)
			result.Duplicate = true
			return result, nil
		}
	}

	session := event.Session
	s.logger.Info("Checkout webhook received",
		zap.String("trace_id", traceID(ctx)),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
		zap.String("session_id", session.ID),
		zap.String("pack_id", session.Metadata.PackID),
		zap.String("pack_title", session.Metadata.PackTitle),
		zap.Float64("amount", session.Amount()),
		zap.String("customer_email", session.CustomerEmail),
	)

	if s.opts.Publisher != nil {
		err := s.opts.Publisher.PublishPurchaseEvent(ctx, models.PurchaseEvent{
			EventID:         uuid.NewString(),
			ProviderEventID: event.ID,
			EventType:       eventType,
			SessionID:       session.ID,
			PackID:          session.Metadata.PackID,
			PackTitle:       session.Metadata.PackTitle,
			Amount:          session.Amount(),
			CustomerEmail:   session.CustomerEmail,
			OccurredAt:      s.now().UTC(),
		})
		if err != nil {
			s.logger.Error("Failed to publish purchase event", zap.String("event_id", event.ID), zap.Error(err))
		}
	}
	return result, nil
}

func (s *Service) lookup(packID string) (models.Product, error) {
	product, err := s.catalog.Lookup(packID)
	if err != nil {
		return models.Product{}, newError(KindNotFound, "Pack not found: "+packID, err)
	}
	return product, nil
}

func (s *Service) issueGrant(ctx context.Context, product models.Product) (models.DownloadGrant, error) {
	if s.opts.VerifyObjectExists {
		checkCtx, cancel := context.WithTimeout(ctx, s.opts.GatewayTimeout)
		exists := s.store.ObjectExists(checkCtx, product.ObjectKey)
		cancel()
		if !exists {
			s.logger.Error("Pack object is missing from storage",
				zap.String("pack_id", product.ID),
				zap.String("object_key", product.ObjectKey),
			)
			return models.DownloadGrant{}, newError(KindNotFound,
				fmt.Sprintf("The download for %s is currently unavailable.", product.Title), nil)
		}
	}

	signCtx, cancel := context.WithTimeout(ctx, s.opts.GatewayTimeout)
	defer cancel()
	grant, err := s.store.IssueSignedURL(signCtx, product.ObjectKey, s.opts.DownloadExpiry)
	if err != nil {
		s.logger.Error("Failed to issue signed download URL",
			zap.String("pack_id", product.ID),
			zap.Error(err),
		)
		return models.DownloadGrant{}, newError(KindInternal, msgDownloadLinkFailed, err)
	}
	return grant, nil
}

// callPayments bounds a payment provider call by the gateway timeout and
// routes it through the circuit breaker. Calls are never retried.
func (s *Service) callPayments(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.breaker.Execute(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, s.opts.GatewayTimeout)
		defer cancel()
		return fn(callCtx)
	})
}

func validateAmount(amount float64) error {
	switch {
	case math.IsNaN(amount) || math.IsInf(amount, 0):
		return newError(KindValidation, "Amount must be a valid number.", nil)
	case amount == 0:
		return newError(KindValidation, "Amount must be at least $0.50. Use the free-download endpoint for $0 purchases.", nil)
	case amount < MinCharge:
		return newError(KindValidation, "Amount must be at least $0.50. Free packs are available through the free-download endpoint.", nil)
	case amount > MaxCharge:
		return newError(KindValidation, fmt.Sprintf("Amount must be at most $%.2f.", MaxCharge), nil)
	}
	return nil
}

func traceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
