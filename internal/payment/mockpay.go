package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	apperrors "github.com/tigerfans/server/internal/errors"
)

// SignatureHeader carries the base64 HMAC-SHA256 of the webhook body.
const SignatureHeader = "x-mockpay-signature"

// MockEvent is the wire format MockPay posts to the webhook endpoint.
type MockEvent struct {
	Type             string `json:"type"`
	PaymentSessionID string `json:"payment_session_id"`
	OrderID          string `json:"order_id"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	CreatedAt        int64  `json:"created_at"`
	IdempotencyKey   string `json:"idempotency_key"`
}

// MockPay is a self-contained payment provider: checkout redirects to a
// local payment screen, and the outcome buttons there post a signed event
// back to our own webhook endpoint.
type MockPay struct {
	secret     []byte
	webhookURL string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// NewMockPay creates the provider. webhookURL is where Emit delivers
// events, normally this server's own /payments/webhook.
func NewMockPay(secret, webhookURL string) *MockPay {
	return &MockPay{
		secret:     []byte(secret),
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "mockpay-webhook",
			Timeout: 15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// NewSession mints a session id and the redirect to the payment screen.
// No remote call: the session state lives in our own session store.
func (m *MockPay) NewSession(ctx context.Context, req SessionRequest) (SessionInfo, error) {
	psid := "mock_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	return SessionInfo{
		PaymentSessionID: psid,
		RedirectURL:      "/mockpay/" + psid,
	}, nil
}

// VerifyWebhook checks the HMAC signature and decodes the event.
func (m *MockPay) VerifyWebhook(payload []byte, header http.Header) (Event, error) {
	sig := header.Get(SignatureHeader)
	expected := m.Sign(payload)
	if sig == "" || !hmac.Equal([]byte(expected), []byte(sig)) {
		return Event{}, apperrors.New(apperrors.ErrCodeInvalidSignature, "invalid signature")
	}

	var evt MockEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return Event{}, apperrors.Wrap(apperrors.ErrCodeInvalidBody, "invalid webhook body", err)
	}

	kind := evt.Type
	if i := strings.LastIndex(kind, "."); i >= 0 {
		kind = kind[i+1:]
	}

	return Event{
		Kind:           kind,
		PSID:           evt.PaymentSessionID,
		OrderID:        evt.OrderID,
		IdempotencyKey: evt.IdempotencyKey,
	}, nil
}

// Sign returns the base64 HMAC-SHA256 of payload.
func (m *MockPay) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write(payload)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Emit signs and delivers an event to the webhook endpoint. Deliveries run
// through a circuit breaker so a wedged webhook endpoint fails fast instead
// of tying up payment-screen requests.
func (m *MockPay) Emit(ctx context.Context, kind, psid, orderID string, amount int64, currency string) error {
	evt := MockEvent{
		Type:             "payment." + kind,
		PaymentSessionID: psid,
		OrderID:          orderID,
		Amount:           amount,
		Currency:         currency,
		CreatedAt:        time.Now().Unix(),
		IdempotencyKey:   "evt_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeProviderError, "marshal event", err)
	}

	_, err = m.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.webhookURL, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(SignatureHeader, m.Sign(payload))

		resp, err := m.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
		}
		return nil, nil
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeProviderError, "deliver webhook", err)
	}
	return nil
}
