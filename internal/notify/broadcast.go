package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/lokabook/bookings-api/internal/events"
)

// RoomBroadcaster pushes payment outcomes to the operations chat service so
// the booking's room sees the status change in real time. Deliveries are
// signed with a shared secret the chat service verifies.
type RoomBroadcaster struct {
	URL    string
	Secret string
	Client *http.Client
}

// Name implements events.Notifier.
func (RoomBroadcaster) Name() string { return "room-broadcast" }

// Notify implements events.Notifier.
func (b RoomBroadcaster) Notify(ctx context.Context, ev events.Event) error {
	if b.URL == "" {
		return nil
	}
	if err := validateURL(b.URL); err != nil {
		return err
	}

	payload := struct {
		Room          string    `json:"room"`
		Type          string    `json:"type"`
		BookingRef    string    `json:"bookingRef"`
		PaymentNumber string    `json:"paymentNumber"`
		Provider      string    `json:"provider"`
		Amount        int64     `json:"amount"`
		OccurredAt    time.Time `json:"occurredAt"`
	}{
		Room:          ev.BookingRef,
		Type:          string(ev.Topic),
		BookingRef:    ev.BookingRef,
		PaymentNumber: ev.PaymentNumber,
		Provider:      ev.Provider,
		Amount:        ev.Amount,
		OccurredAt:    ev.OccurredAt,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	ts := time.Now().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "bookings-api-notify/1.0")
	req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("X-Signature", ComputeSignature(b.Secret, ts, ev.PaymentNumber, body))

	client := b.Client
	if client == nil {
		client = HTTPClient(5000)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("broadcast rejected with status %d", resp.StatusCode)
	}
	return nil
}

// ComputeSignature produces the hex HMAC the chat service checks:
// HMAC-SHA256(secret, "<ts>.<ref>.<body>").
func ComputeSignature(secret string, ts int64, ref string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(strconv.FormatInt(ts, 10)))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write([]byte(ref))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// HTTPClient returns an HTTP client configured for outbound notification
// delivery with tracing instrumentation.
func HTTPClient(timeoutMs int) *http.Client {
	if timeoutMs <= 0 {
		timeoutMs = 5000
	}
	return &http.Client{
		Timeout:   time.Duration(timeoutMs) * time.Millisecond,
		Transport: otelhttp.NewTransport(&http.Transport{}),
	}
}

func validateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid broadcast url: %w", err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return errors.New("broadcast url must be http or https")
	}
	if parsed.Scheme == "http" {
		host := parsed.Hostname()
		if host != "localhost" && host != "127.0.0.1" {
			return errors.New("http broadcast only allowed for localhost")
		}
	}
	if parsed.Host == "" {
		return errors.New("broadcast url must include host")
	}
	return nil
}
