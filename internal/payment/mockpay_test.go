package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMockPay_NewSession(t *testing.T) {
	m := NewMockPay("secret", "http://localhost/payments/webhook")

	info, err := m.NewSession(context.Background(), SessionRequest{})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if !strings.HasPrefix(info.PaymentSessionID, "mock_") {
		t.Errorf("psid %q missing mock_ prefix", info.PaymentSessionID)
	}
	if len(info.PaymentSessionID) != len("mock_")+32 {
		t.Errorf("psid %q has unexpected length", info.PaymentSessionID)
	}
	if info.RedirectURL != "/mockpay/"+info.PaymentSessionID {
		t.Errorf("unexpected redirect url %q", info.RedirectURL)
	}
}

func TestMockPay_VerifyWebhook_RoundTrip(t *testing.T) {
	m := NewMockPay("secret", "")

	payload, _ := json.Marshal(MockEvent{
		Type:             "payment.succeeded",
		PaymentSessionID: "mock_abc",
		OrderID:          "ord_1",
		Amount:           6500,
		Currency:         "eur",
		IdempotencyKey:   "evt_1",
	})
	header := http.Header{}
	header.Set(SignatureHeader, m.Sign(payload))

	evt, err := m.VerifyWebhook(payload, header)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if evt.Kind != KindSucceeded {
		t.Errorf("expected kind succeeded, got %q", evt.Kind)
	}
	if evt.PSID != "mock_abc" || evt.OrderID != "ord_1" || evt.IdempotencyKey != "evt_1" {
		t.Errorf("unexpected event: %+v", evt)
	}
}

func TestMockPay_VerifyWebhook_BadSignature(t *testing.T) {
	m := NewMockPay("secret", "")
	payload := []byte(`{"type":"payment.succeeded"}`)

	tests := []struct {
		name string
		sig  string
	}{
		{"missing", ""},
		{"garbage", "bm90LWEtc2lnbmF0dXJl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.sig != "" {
				header.Set(SignatureHeader, tt.sig)
			}
			if _, err := m.VerifyWebhook(payload, header); err == nil {
				t.Fatal("expected signature error, got nil")
			}
		})
	}
}

func TestMockPay_VerifyWebhook_WrongSecret(t *testing.T) {
	signer := NewMockPay("secret-a", "")
	verifier := NewMockPay("secret-b", "")

	payload := []byte(`{"type":"payment.succeeded"}`)
	header := http.Header{}
	header.Set(SignatureHeader, signer.Sign(payload))

	if _, err := verifier.VerifyWebhook(payload, header); err == nil {
		t.Fatal("expected signature error across secrets, got nil")
	}
}

func TestMockPay_VerifyWebhook_InvalidJSON(t *testing.T) {
	m := NewMockPay("secret", "")
	payload := []byte(`{not json`)
	header := http.Header{}
	header.Set(SignatureHeader, m.Sign(payload))

	if _, err := m.VerifyWebhook(payload, header); err == nil {
		t.Fatal("expected body error, got nil")
	}
}

func TestMockPay_Emit_DeliversSignedEvent(t *testing.T) {
	var (
		gotSig  string
		gotBody []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(SignatureHeader)
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = buf
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewMockPay("secret", srv.URL)
	if err := m.Emit(context.Background(), KindSucceeded, "mock_abc", "ord_1", 6500, "eur"); err != nil {
		t.Fatalf("emit: %v", err)
	}

	if gotSig != m.Sign(gotBody) {
		t.Error("delivered signature does not match body")
	}

	var evt MockEvent
	if err := json.Unmarshal(gotBody, &evt); err != nil {
		t.Fatalf("decode delivered body: %v", err)
	}
	if evt.Type != "payment.succeeded" || evt.PaymentSessionID != "mock_abc" {
		t.Errorf("unexpected delivered event: %+v", evt)
	}
	if !strings.HasPrefix(evt.IdempotencyKey, "evt_") {
		t.Errorf("idempotency key %q missing evt_ prefix", evt.IdempotencyKey)
	}
}
