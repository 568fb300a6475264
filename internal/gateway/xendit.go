package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Xendit verifies invoice callbacks. The signature covers every business
// field of the callback, sorted alphabetically by key and joined as
// key=value pairs with "&", HMAC-SHA256 keyed with the callback secret.
type Xendit struct {
	CallbackSecret string
}

// Name implements Provider.
func (Xendit) Name() string { return "xendit" }

// Verify validates the callback signature and normalises the payload.
func (x Xendit) Verify(raw []byte) (Notification, error) {
	var payload struct {
		ExternalID    string      `json:"external_id"`
		TransactionID string      `json:"transaction_id"`
		Amount        json.Number `json:"amount"`
		Status        string      `json:"status"`
		Signature     string      `json:"signature"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if payload.ExternalID == "" || payload.TransactionID == "" {
		return Notification{}, fmt.Errorf("%w: missing external or transaction id", ErrMalformedPayload)
	}

	fields := map[string]string{
		"external_id":    payload.ExternalID,
		"transaction_id": payload.TransactionID,
		"amount":         payload.Amount.String(),
		"status":         payload.Status,
	}
	expected := x.computeSignature(fields)
	provided := strings.TrimSpace(payload.Signature)
	if expected == "" || provided == "" || !hmac.Equal([]byte(expected), []byte(provided)) {
		return Notification{}, ErrInvalidSignature
	}

	amount, err := payload.Amount.Int64()
	if err != nil {
		f, ferr := payload.Amount.Float64()
		if ferr != nil {
			return Notification{}, fmt.Errorf("%w: amount: %v", ErrMalformedPayload, err)
		}
		amount = int64(f)
	}

	status := strings.ToLower(strings.TrimSpace(payload.Status))
	var succeeded bool
	switch status {
	case "paid", "settled", "success":
		succeeded = true
	case "expired", "failed", "canceled":
		succeeded = false
	case "pending":
		return Notification{}, ErrIgnorableStatus
	default:
		return Notification{}, fmt.Errorf("%w: status %q", ErrMalformedPayload, status)
	}

	return Notification{
		OrderRef:      payload.ExternalID,
		TransactionID: payload.TransactionID,
		Amount:        amount,
		Succeeded:     succeeded,
		Result:        status,
	}, nil
}

// computeSignature canonicalises fields as sorted key=value pairs joined
// with "&" and returns the hex HMAC-SHA256 digest.
func (x Xendit) computeSignature(fields map[string]string) string {
	secret := strings.TrimSpace(x.CallbackSecret)
	if secret == "" {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, key+"="+fields[key])
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strings.Join(pairs, "&")))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignCallback computes the signature a callback for the given fields would
// carry. Exposed for integration tests and the sandbox simulator.
func (x Xendit) SignCallback(externalID, transactionID, amount, status string) string {
	return x.computeSignature(map[string]string{
		"external_id":    externalID,
		"transaction_id": transactionID,
		"amount":         amount,
		"status":         status,
	})
}
