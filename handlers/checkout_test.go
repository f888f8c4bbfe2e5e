package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"checkout-svc/fulfillment"
	"checkout-svc/middleware"
	"checkout-svc/models"
	"checkout-svc/storage"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type stubFulfiller struct {
	checkoutIn  fulfillment.CheckoutInput
	checkoutURL string
	freePackID  string
	download    fulfillment.Download
	paid        fulfillment.PaidDownload
	webhookBody []byte
	webhookSig  string
	webhook     fulfillment.WebhookResult
	err         error
}

func (s *stubFulfiller) RequestFreeDownload(_ context.Context, packID string) (fulfillment.Download, error) {
	s.freePackID = packID
	return s.download, s.err
}

func (s *stubFulfiller) RequestPaidCheckout(_ context.Context, in fulfillment.CheckoutInput) (string, error) {
	s.checkoutIn = in
	return s.checkoutURL, s.err
}

func (s *stubFulfiller) VerifyAndDeliver(_ context.Context, _ string) (fulfillment.PaidDownload, error) {
	return s.paid, s.err
}

func (s *stubFulfiller) HandleWebhook(_ context.Context, rawBody []byte, sig string) (fulfillment.WebhookResult, error) {
	s.webhookBody = rawBody
	s.webhookSig = sig
	return s.webhook, s.err
}

type stubPacks []models.PackSummary

func (p stubPacks) Summaries() []models.PackSummary { return p }

func setupCheckoutTest(t *testing.T, svc *stubFulfiller, downloads *DownloadHandler) *gin.Engine {
	logger := zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))
	packs := stubPacks{{ID: "keys", Title: "keys", Free: true}}
	handler := NewCheckoutHandler(svc, packs, "http://localhost:8080", logger)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.CORSMiddleware("*"))
	RegisterRoutes(router, handler, downloads)
	return router
}

func postJSON(router *gin.Engine, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode response %q: %v", w.Body.String(), err)
	}
	return body
}

func TestCheckoutHandler_CreateCheckout_Success(t *testing.T) {
	svc := &stubFulfiller{checkoutURL: "https://checkout.stripe.com/c/pay/cs_test_1"}
	router := setupCheckoutTest(t, svc, nil)

	req := httptest.NewRequest("POST", "/api/create-checkout",
		bytes.NewBufferString(`{"packId":"bass","packTitle":"BASS INSTRUMENT RACKS","amount":"7.5"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Header.Set("X-Forwarded-Host", "preview.example.com")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	if got := decodeBody(t, w)["checkoutUrl"]; got != "https://checkout.stripe.com/c/pay/cs_test_1" {
		t.Errorf("Unexpected checkoutUrl %v", got)
	}
	if svc.checkoutIn.Amount != 7.5 {
		t.Errorf("Expected amount 7.5, got %v", svc.checkoutIn.Amount)
	}
	if svc.checkoutIn.Origin != "https://preview.example.com" {
		t.Errorf("Expected origin from forwarded headers, got %q", svc.checkoutIn.Origin)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("Expected CORS header on response")
	}
}

func TestCheckoutHandler_CreateCheckout_OriginFromHost(t *testing.T) {
	svc := &stubFulfiller{checkoutURL: "https://checkout.stripe.com/c/pay/cs_test_1"}
	router := setupCheckoutTest(t, svc, nil)

	req := httptest.NewRequest("POST", "http://localhost:8888/.netlify/functions/create-checkout",
		bytes.NewBufferString(`{"packId":"bass","packTitle":"Bass","amount":5}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	if svc.checkoutIn.Origin != "http://localhost:8888" {
		t.Errorf("Expected origin http://localhost:8888, got %q", svc.checkoutIn.Origin)
	}
}

func TestCheckoutHandler_CreateCheckout_BadRequests(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		message string
	}{
		{"malformed json", `{"packId":`, "Request body must be valid JSON."},
		{"missing amount", `{"packId":"bass","packTitle":"Bass"}`, "Missing required fields: packId, packTitle, amount"},
		{"empty amount", `{"packId":"bass","packTitle":"Bass","amount":""}`, "Missing required fields: packId, packTitle, amount"},
		{"missing pack", `{"packTitle":"Bass","amount":5}`, "Missing required fields: packId, packTitle, amount"},
		{"non numeric amount", `{"packId":"bass","packTitle":"Bass","amount":"five"}`, "Amount must be a valid number."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubFulfiller{}
			router := setupCheckoutTest(t, svc, nil)

			w := postJSON(router, "/api/create-checkout", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
			}
			if got := decodeBody(t, w)["error"]; got != tt.message {
				t.Errorf("Expected error %q, got %v", tt.message, got)
			}
			if svc.checkoutIn.PackID != "" {
				t.Errorf("Service should not be called for invalid input")
			}
		})
	}
}

func TestCheckoutHandler_CreateCheckout_ServiceError(t *testing.T) {
	svc := &stubFulfiller{err: &fulfillment.Error{Kind: fulfillment.KindNotFound, Message: "Pack not found: nonexistent"}}
	router := setupCheckoutTest(t, svc, nil)

	w := postJSON(router, "/api/create-checkout", `{"packId":"nonexistent","packTitle":"X","amount":5}`)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status %d, got %d", http.StatusNotFound, w.Code)
	}
	if got := decodeBody(t, w)["error"]; got != "Pack not found: nonexistent" {
		t.Errorf("Unexpected error %v", got)
	}
}

func TestCheckoutHandler_FreeDownload(t *testing.T) {
	expires := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)
	svc := &stubFulfiller{download: fulfillment.Download{
		URL:       "https://bucket.r2.example.com/packs/keys.zip?X-Amz-Signature=abc",
		ExpiresAt: expires,
		PackTitle: "keys",
	}}
	router := setupCheckoutTest(t, svc, nil)

	w := postJSON(router, "/api/free-download", `{"packId":"keys"}`)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	body := decodeBody(t, w)
	if body["expiresAt"] != "2026-01-02T15:04:05Z" {
		t.Errorf("Unexpected expiresAt %v", body["expiresAt"])
	}
	if body["packTitle"] != "keys" {
		t.Errorf("Unexpected packTitle %v", body["packTitle"])
	}
	if !strings.HasPrefix(body["downloadUrl"].(string), "https://bucket.r2.example.com/") {
		t.Errorf("Unexpected downloadUrl %v", body["downloadUrl"])
	}
	if svc.freePackID != "keys" {
		t.Errorf("Expected pack id keys, got %q", svc.freePackID)
	}
}

func TestCheckoutHandler_FreeDownload_MissingPackID(t *testing.T) {
	router := setupCheckoutTest(t, &stubFulfiller{}, nil)

	w := postJSON(router, "/api/free-download", `{}`)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
	if got := decodeBody(t, w)["error"]; got != "Missing required field: packId" {
		t.Errorf("Unexpected error %v", got)
	}
}

func TestCheckoutHandler_VerifyPayment(t *testing.T) {
	svc := &stubFulfiller{paid: fulfillment.PaidDownload{
		Download: fulfillment.Download{
			URL:       "https://files.example.com/bass.zip",
			ExpiresAt: time.Now().Add(30 * time.Minute),
			PackTitle: "BASS INSTRUMENT RACKS",
		},
		Amount:        15,
		CustomerEmail: "buyer@example.com",
	}}
	router := setupCheckoutTest(t, svc, nil)

	w := postJSON(router, "/api/verify-payment", `{"sessionId":"cs_test_1"}`)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	body := decodeBody(t, w)
	if body["amount"] != 15.0 || body["customerEmail"] != "buyer@example.com" {
		t.Errorf("Unexpected body %v", body)
	}
}

func TestCheckoutHandler_VerifyPayment_Errors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{"missing session id", `{}`, nil, http.StatusBadRequest},
		{"not paid", `{"sessionId":"cs_1"}`, &fulfillment.Error{Kind: fulfillment.KindPaymentRequired, Message: "Payment has not been completed."}, http.StatusPaymentRequired},
		{"unknown session", `{"sessionId":"sess_unknown"}`, &fulfillment.Error{Kind: fulfillment.KindNotFound, Message: "Session not found or expired"}, http.StatusNotFound},
		{"integrity", `{"sessionId":"cs_1"}`, &fulfillment.Error{Kind: fulfillment.KindIntegrity, Message: "Payment session is missing pack information."}, http.StatusBadRequest},
		{"internal", `{"sessionId":"cs_1"}`, &fulfillment.Error{Kind: fulfillment.KindInternal, Message: "Failed to verify payment."}, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := setupCheckoutTest(t, &stubFulfiller{err: tt.err}, nil)

			w := postJSON(router, "/api/verify-payment", tt.body)
			if w.Code != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, w.Code)
			}
			if _, ok := decodeBody(t, w)["error"]; !ok {
				t.Errorf("Expected error field in %s", w.Body.String())
			}
		})
	}
}

func TestCheckoutHandler_StripeWebhook(t *testing.T) {
	svc := &stubFulfiller{webhook: fulfillment.WebhookResult{EventType: "checkout.session.completed", Handled: true}}
	router := setupCheckoutTest(t, svc, nil)

	raw := `{"id": "evt_1",   "type": "checkout.session.completed"}`
	req := httptest.NewRequest("POST", "/api/stripe-webhook", bytes.NewBufferString(raw))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	if w.Body.String() != `{"received":true}` {
		t.Errorf("Unexpected body %s", w.Body.String())
	}
	if string(svc.webhookBody) != raw {
		t.Errorf("Webhook body was altered: %q", svc.webhookBody)
	}
	if svc.webhookSig != "t=1,v1=abc" {
		t.Errorf("Unexpected signature header %q", svc.webhookSig)
	}
}

func TestCheckoutHandler_StripeWebhook_Rejected(t *testing.T) {
	svc := &stubFulfiller{err: &fulfillment.Error{
		Kind:    fulfillment.KindValidation,
		Message: "Webhook signature verification failed: no signatures found matching the expected signature for payload",
	}}
	router := setupCheckoutTest(t, svc, nil)

	req := httptest.NewRequest("POST", "/.netlify/functions/stripe-webhook", bytes.NewBufferString(`{}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=bad")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
	if got := decodeBody(t, w)["error"].(string); !strings.HasPrefix(got, "Webhook signature verification failed: ") {
		t.Errorf("Unexpected error %q", got)
	}
}

func TestCheckoutHandler_StripeWebhook_TooLarge(t *testing.T) {
	svc := &stubFulfiller{}
	router := setupCheckoutTest(t, svc, nil)

	req := httptest.NewRequest("POST", "/api/stripe-webhook", bytes.NewReader(make([]byte, maxWebhookBodyBytes+10)))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
	if got := decodeBody(t, w)["error"]; got != "Request body is too large." {
		t.Errorf("Unexpected error %v", got)
	}
	if svc.webhookBody != nil {
		t.Errorf("Oversized body should not reach the service")
	}
}

func TestRouter_MethodNotAllowed(t *testing.T) {
	router := setupCheckoutTest(t, &stubFulfiller{}, nil)

	for _, path := range []string{"/api/create-checkout", "/api/free-download", "/api/verify-payment", "/api/stripe-webhook"} {
		req := httptest.NewRequest("GET", path, nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s: expected status %d, got %d", path, http.StatusMethodNotAllowed, w.Code)
		}
		if got := decodeBody(t, w)["error"]; got != "Method not allowed." {
			t.Errorf("%s: unexpected error %v", path, got)
		}
	}
}

func TestRouter_Preflight(t *testing.T) {
	router := setupCheckoutTest(t, &stubFulfiller{}, nil)

	req := httptest.NewRequest("OPTIONS", "/api/create-checkout", nil)
	req.Header.Set("Origin", "https://shop.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("Expected status %d, got %d", http.StatusNoContent, w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("Expected Access-Control-Allow-Origin *, got %q", w.Header().Get("Access-Control-Allow-Origin"))
	}
	if !strings.Contains(w.Header().Get("Access-Control-Allow-Headers"), "Stripe-Signature") {
		t.Errorf("Expected Stripe-Signature in allowed headers")
	}
}

func TestCheckoutHandler_ListPacks(t *testing.T) {
	router := setupCheckoutTest(t, &stubFulfiller{}, nil)

	req := httptest.NewRequest("GET", "/api/packs", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	expectedBody := `{"packs":[{"packId":"keys","packTitle":"keys","minimumPrice":0,"free":true}]}`
	if w.Body.String() != expectedBody {
		t.Errorf("Expected body %s, got %s", expectedBody, w.Body.String())
	}
}

func TestDownloadHandler_ServeDownload(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "packs"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "packs", "keys.zip"), []byte("zip-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	logger := zaptest.NewLogger(t)
	store, err := storage.NewLocalStore(dir, "", "test-signing-key", logger)
	if err != nil {
		t.Fatalf("Failed to create local store: %v", err)
	}
	router := setupCheckoutTest(t, &stubFulfiller{}, NewDownloadHandler(store, logger))

	grant, err := store.IssueSignedURL(context.Background(), "packs/keys.zip", time.Minute)
	if err != nil {
		t.Fatalf("Failed to issue grant: %v", err)
	}

	req := httptest.NewRequest("GET", grant.URL, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	if w.Body.String() != "zip-bytes" {
		t.Errorf("Unexpected file contents %q", w.Body.String())
	}
	if !strings.Contains(w.Header().Get("Content-Disposition"), "keys.zip") {
		t.Errorf("Expected attachment filename, got %q", w.Header().Get("Content-Disposition"))
	}

	req = httptest.NewRequest("GET", "/downloads/not-a-token", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("Expected status %d, got %d", http.StatusForbidden, w.Code)
	}
}
