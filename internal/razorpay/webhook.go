package razorpay

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	SignatureHeader = "X-Razorpay-Signature"
	EventHeader     = "X-Razorpay-Event"
	EventIDHeader   = "X-Razorpay-Event-Id"

	EventPaymentCaptured = "payment.captured"
	EventOrderPaid       = "order.paid"

	// NoteUserEmail and NoteUserID are the order notes the issuer attaches.
	NoteUserEmail = "user_email"
	NoteUserID    = "user_id"
)

var (
	ErrMissingSignature  = errors.New("razorpay: missing webhook signature")
	ErrSignatureMismatch = errors.New("razorpay: webhook signature mismatch")
)

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature checks signature against the raw request body.
func VerifyWebhookSignature(body []byte, signature, secret string) error {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return ErrMissingSignature
	}
	if secret == "" {
		return fmt.Errorf("razorpay: webhook secret is empty")
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return ErrSignatureMismatch
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrSignatureMismatch
	}
	return nil
}

// Notes is the free-form key/value map on orders and payments. The gateway
// encodes an empty map as [], which this type accepts.
type Notes map[string]string

func (n *Notes) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte("[]")) {
		*n = nil
		return nil
	}
	var raw map[string]any
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return fmt.Errorf("decode notes: %w", err)
	}
	out := make(Notes, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			out[k] = val
		case nil:
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	*n = out
	return nil
}

// Get returns a trimmed note value.
func (n Notes) Get(key string) string {
	if n == nil {
		return ""
	}
	return strings.TrimSpace(n[key])
}

// Payment is the gateway's payment entity.
type Payment struct {
	ID       string `json:"id"`
	Entity   string `json:"entity"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
	OrderID  string `json:"order_id"`
	Method   string `json:"method"`
	Email    string `json:"email"`
	Contact  string `json:"contact"`
	Notes    Notes  `json:"notes"`
	Captured bool   `json:"captured"`
}

// Event is a webhook delivery.
type Event struct {
	Entity    string   `json:"entity"`
	AccountID string   `json:"account_id"`
	Event     string   `json:"event"`
	Contains  []string `json:"contains"`
	Payload   struct {
		Payment *struct {
			Entity Payment `json:"entity"`
		} `json:"payment,omitempty"`
		Order *struct {
			Entity Order `json:"entity"`
		} `json:"order,omitempty"`
	} `json:"payload"`
	CreatedAt int64 `json:"created_at"`
}

// PaymentEntity returns the payment, if the event carries one.
func (e *Event) PaymentEntity() *Payment {
	if e == nil || e.Payload.Payment == nil {
		return nil
	}
	return &e.Payload.Payment.Entity
}

// OrderEntity returns the order, if the event carries one.
func (e *Event) OrderEntity() *Order {
	if e == nil || e.Payload.Order == nil {
		return nil
	}
	return &e.Payload.Order.Entity
}

// IsActionable reports whether an event type confirms a payment.
func IsActionable(eventType string) bool {
	switch eventType {
	case EventPaymentCaptured, EventOrderPaid:
		return true
	default:
		return false
	}
}
