package models

import "time"

type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusPaid    PaymentStatus = "paid"
	PaymentStatusExpired PaymentStatus = "expired"
)

// SessionMetadata is the only state carried through the payment provider.
// The provider stores it as a flat string map, so it must stay flat strings.
type SessionMetadata struct {
	PackID    string
	PackTitle string
}

const (
	MetadataKeyPackID    = "packId"
	MetadataKeyPackTitle = "packTitle"
)

func (m SessionMetadata) ToMap() map[string]string {
	return map[string]string{
		MetadataKeyPackID:    m.PackID,
		MetadataKeyPackTitle: m.PackTitle,
	}
}

func SessionMetadataFromMap(raw map[string]string) SessionMetadata {
	return SessionMetadata{
		PackID:    raw[MetadataKeyPackID],
		PackTitle: raw[MetadataKeyPackTitle],
	}
}

type CheckoutRequest struct {
	PackID     string
	PackTitle  string
	Amount     float64
	SuccessURL string
	CancelURL  string
}

// CheckoutSession is the provider's view of one purchase attempt.
type CheckoutSession struct {
	ID            string
	Status        PaymentStatus
	Metadata      SessionMetadata
	CustomerEmail string
	AmountTotal   int64
}

func (s CheckoutSession) Paid() bool {
	return s.Status == PaymentStatusPaid
}

// Amount returns AmountTotal in major currency units.
func (s CheckoutSession) Amount() float64 {
	return float64(s.AmountTotal) / 100
}

const (
	WebhookEventCheckoutCompleted = "checkout.session.completed"
	WebhookEventCheckoutExpired   = "checkout.session.expired"
)

// WebhookEvent is a provider event whose signature has been verified.
// Session is only set for checkout session events.
type WebhookEvent struct {
	ID      string
	Type    string
	Session *CheckoutSession
}

type PurchaseEvent struct {
	EventID         string    `json:"event_id"`
	ProviderEventID string    `json:"provider_event_id"`
	EventType       string    `json:"event_type"` // checkout_completed, checkout_expired
	SessionID       string    `json:"session_id"`
	PackID          string    `json:"pack_id"`
	PackTitle       string    `json:"pack_title"`
	Amount          float64   `json:"amount"`
	CustomerEmail   string    `json:"customer_email,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}
