package handlers

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"checkout-svc/fulfillment"
	"checkout-svc/middleware"
	"checkout-svc/models"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// maxWebhookBodyBytes matches the provider's documented payload ceiling.
const maxWebhookBodyBytes = 65536

type Fulfiller interface {
	RequestFreeDownload(ctx context.Context, packID string) (fulfillment.Download, error)
	RequestPaidCheckout(ctx context.Context, in fulfillment.CheckoutInput) (string, error)
	VerifyAndDeliver(ctx context.Context, sessionID string) (fulfillment.PaidDownload, error)
	HandleWebhook(ctx context.Context, rawBody []byte, signatureHeader string) (fulfillment.WebhookResult, error)
}

type PackLister interface {
	Summaries() []models.PackSummary
}

type CheckoutHandler struct {
	svc           Fulfiller
	packs         PackLister
	publicBaseURL string
	logger        *zap.Logger
}

func NewCheckoutHandler(svc Fulfiller, packs PackLister, publicBaseURL string, logger *zap.Logger) *CheckoutHandler {
	return &CheckoutHandler{
		svc:           svc,
		packs:         packs,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		logger:        logger,
	}
}

func (h *CheckoutHandler) CreateCheckout(c *gin.Context) {
	ctx, span := otel.Tracer("checkout-service").Start(c.Request.Context(), "CreateCheckout")
	defer span.End()

	var req models.CreateCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.RecordCheckoutSession("rejected")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Request body must be valid JSON."})
		return
	}

	if strings.TrimSpace(req.PackID) == "" || strings.TrimSpace(req.PackTitle) == "" || !req.Amount.Set {
		middleware.RecordCheckoutSession("rejected")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing required fields: packId, packTitle, amount"})
		return
	}
	if !req.Amount.Valid {
		middleware.RecordCheckoutSession("rejected")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Amount must be a valid number."})
		return
	}

	span.SetAttributes(attribute.String("pack.id", req.PackID))

	checkoutURL, err := h.svc.RequestPaidCheckout(ctx, fulfillment.CheckoutInput{
		PackID:    req.PackID,
		PackTitle: req.PackTitle,
		Amount:    req.Amount.Value,
		Origin:    h.requestOrigin(c),
	})
	if err != nil {
		if fulfillment.KindOf(err) == fulfillment.KindInternal {
			middleware.RecordCheckoutSession("failed")
		} else {
			middleware.RecordCheckoutSession("rejected")
		}
		h.respondError(c, err)
		return
	}

	middleware.RecordCheckoutSession("created")
	c.JSON(http.StatusOK, models.CreateCheckoutResponse{CheckoutURL: checkoutURL})
}

func (h *CheckoutHandler) FreeDownload(c *gin.Context) {
	var req models.FreeDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Request body must be valid JSON."})
		return
	}
	if strings.TrimSpace(req.PackID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing required field: packId"})
		return
	}

	dl, err := h.svc.RequestFreeDownload(c.Request.Context(), req.PackID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	middleware.RecordDownloadGrant("free")
	c.JSON(http.StatusOK, models.FreeDownloadResponse{
		DownloadURL: dl.URL,
		ExpiresAt:   formatExpiry(dl.ExpiresAt),
		PackTitle:   dl.PackTitle,
	})
}

func (h *CheckoutHandler) VerifyPayment(c *gin.Context) {
	var req models.VerifyPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Request body must be valid JSON."})
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing required field: sessionId"})
		return
	}

	dl, err := h.svc.VerifyAndDeliver(c.Request.Context(), req.SessionID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	middleware.RecordDownloadGrant("paid")
	c.JSON(http.StatusOK, models.VerifyPaymentResponse{
		DownloadURL:   dl.URL,
		ExpiresAt:     formatExpiry(dl.ExpiresAt),
		PackTitle:     dl.PackTitle,
		Amount:        dl.Amount,
		CustomerEmail: dl.CustomerEmail,
	})
}

// StripeWebhook must see the body byte-for-byte as sent; it is never bound
// or re-encoded before verification.
func (h *CheckoutHandler) StripeWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodyBytes+1))
	if err != nil {
		middleware.RecordWebhookEvent("unknown", "rejected")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unable to read request body."})
		return
	}
	if len(body) > maxWebhookBodyBytes {
		middleware.RecordWebhookEvent("unknown", "rejected")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Request body is too large."})
		return
	}

	result, err := h.svc.HandleWebhook(c.Request.Context(), body, c.GetHeader("Stripe-Signature"))
	if err != nil {
		middleware.RecordWebhookEvent("unknown", "rejected")
		h.respondError(c, err)
		return
	}

	outcome := "ignored"
	switch {
	case result.Duplicate:
		outcome = "duplicate"
	case result.Handled:
		outcome = "handled"
	}
	middleware.RecordWebhookEvent(result.EventType, outcome)
	c.JSON(http.StatusOK, models.WebhookResponse{Received: true})
}

func (h *CheckoutHandler) ListPacks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"packs": h.packs.Summaries()})
}

func (h *CheckoutHandler) respondError(c *gin.Context, err error) {
	status := fulfillment.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("trace_id", middleware.GetTraceID(c.Request.Context())),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
	}
	c.JSON(status, gin.H{"error": fulfillment.PublicMessage(err)})
}

// requestOrigin rebuilds scheme://host as the browser saw it, so redirect
// URLs follow whichever deployment served the request.
func (h *CheckoutHandler) requestOrigin(c *gin.Context) string {
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	if proto := firstHeaderValue(c.GetHeader("X-Forwarded-Proto")); proto != "" {
		scheme = proto
	}

	host := firstHeaderValue(c.GetHeader("X-Forwarded-Host"))
	if host == "" {
		host = c.Request.Host
	}
	if host == "" {
		return h.publicBaseURL
	}
	return scheme + "://" + host
}

func firstHeaderValue(v string) string {
	if i := strings.IndexByte(v, ','); i >= 0 {
		v = v[:i]
	}
	return strings.TrimSpace(v)
}

func formatExpiry(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
