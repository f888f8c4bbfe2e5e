package models

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Amount accepts either a JSON number or a numeric string. Valid is false
// when the field was present but not numeric.
type Amount struct {
	Value float64
	Set   bool
	Valid bool
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*a = Amount{}
		return nil
	}
	a.Set = true

	raw := string(data)
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil
		}
		raw = strings.TrimSpace(s)
		if raw == "" {
			a.Set = false
			return nil
		}
	}

	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil
	}
	a.Value = v
	a.Valid = true
	return nil
}

type CreateCheckoutRequest struct {
	PackID    string `json:"packId"`
	PackTitle string `json:"packTitle"`
	Amount    Amount `json:"amount"`
}

type CreateCheckoutResponse struct {
	CheckoutURL string `json:"checkoutUrl"`
}

type FreeDownloadRequest struct {
	PackID string `json:"packId"`
}

type FreeDownloadResponse struct {
	DownloadURL string `json:"downloadUrl"`
	ExpiresAt   string `json:"expiresAt"`
	PackTitle   string `json:"packTitle"`
}

type VerifyPaymentRequest struct {
	SessionID string `json:"sessionId"`
}

type VerifyPaymentResponse struct {
	DownloadURL   string  `json:"downloadUrl"`
	ExpiresAt     string  `json:"expiresAt"`
	PackTitle     string  `json:"packTitle"`
	Amount        float64 `json:"amount"`
	CustomerEmail string  `json:"customerEmail"`
}

type WebhookResponse struct {
	Received bool `json:"received"`
}
