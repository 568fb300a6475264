package gateway

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Midtrans verifies SNAP-style payment notifications. The signature covers a
// fixed, explicitly ordered concatenation of fields; the order is part of the
// scheme and must not be normalised into a sorted join.
type Midtrans struct {
	ServerKey string
}

// Name implements Provider.
func (Midtrans) Name() string { return "midtrans" }

// Verify validates the notification signature and normalises the payload.
func (m Midtrans) Verify(raw []byte) (Notification, error) {
	var payload struct {
		OrderID           string `json:"order_id"`
		StatusCode        string `json:"status_code"`
		GrossAmount       string `json:"gross_amount"`
		SignatureKey      string `json:"signature_key"`
		TransactionStatus string `json:"transaction_status"`
		TransactionID     string `json:"transaction_id"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if payload.OrderID == "" || payload.TransactionID == "" {
		return Notification{}, fmt.Errorf("%w: missing order or transaction id", ErrMalformedPayload)
	}

	expected := m.computeSignature(payload.OrderID, payload.StatusCode, payload.GrossAmount)
	provided := strings.TrimSpace(payload.SignatureKey)
	if expected == "" || provided == "" || !hmac.Equal([]byte(expected), []byte(provided)) {
		return Notification{}, ErrInvalidSignature
	}

	amount, err := parseDecimalAmount(payload.GrossAmount)
	if err != nil {
		return Notification{}, fmt.Errorf("%w: gross_amount: %v", ErrMalformedPayload, err)
	}

	status := strings.ToLower(strings.TrimSpace(payload.TransactionStatus))
	var succeeded bool
	switch status {
	case "capture", "settlement":
		succeeded = true
	case "deny", "cancel", "expire", "failure":
		succeeded = false
	case "pending":
		return Notification{}, ErrIgnorableStatus
	default:
		return Notification{}, fmt.Errorf("%w: transaction_status %q", ErrMalformedPayload, status)
	}

	return Notification{
		OrderRef:      payload.OrderID,
		TransactionID: payload.TransactionID,
		Amount:        amount,
		Succeeded:     succeeded,
		Result:        status,
	}, nil
}

// computeSignature reproduces the gateway's digest: SHA-512 over
// order_id + status_code + gross_amount + server key, in that order.
func (m Midtrans) computeSignature(orderID, statusCode, grossAmount string) string {
	key := strings.TrimSpace(m.ServerKey)
	if key == "" {
		return ""
	}
	h := sha512.New()
	h.Write([]byte(orderID))
	h.Write([]byte(statusCode))
	h.Write([]byte(grossAmount))
	h.Write([]byte(key))
	return hex.EncodeToString(h.Sum(nil))
}

func parseDecimalAmount(value string) (int64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, nil
	}
	if !strings.Contains(trimmed, ".") {
		return strconv.ParseInt(trimmed, 10, 64)
	}
	f, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, err
	}
	return int64(math.Round(f)), nil
}
