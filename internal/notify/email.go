package notify

import (
	"context"
	"fmt"

	"github.com/lokabook/bookings-api/internal/common"
	"github.com/lokabook/bookings-api/internal/events"
)

// EmailNotifier sends the customer a payment outcome email.
type EmailNotifier struct {
	Sender common.EmailSender
}

// Name implements events.Notifier.
func (EmailNotifier) Name() string { return "email" }

// Notify implements events.Notifier.
func (n EmailNotifier) Notify(_ context.Context, ev events.Event) error {
	if n.Sender == nil || ev.CustomerEmail == "" {
		return nil
	}
	subject, html := renderPaymentEmail(ev)
	return n.Sender.Send(ev.CustomerEmail, subject, html)
}

func renderPaymentEmail(ev events.Event) (subject, html string) {
	amount := formatAmount(ev.Amount)
	if ev.Topic == events.TopicPaymentPaid {
		subject = fmt.Sprintf("Payment received for booking %s", ev.BookingRef)
		html = fmt.Sprintf(
			"<p>We received your payment of %s for booking <strong>%s</strong>.</p><p>Payment reference: %s</p>",
			amount, ev.BookingRef, ev.PaymentNumber)
		return subject, html
	}
	subject = fmt.Sprintf("Payment failed for booking %s", ev.BookingRef)
	html = fmt.Sprintf(
		"<p>Your payment of %s for booking <strong>%s</strong> did not go through.</p><p>Please try again or pick a different payment method.</p>",
		amount, ev.BookingRef)
	return subject, html
}

func formatAmount(minor int64) string {
	return fmt.Sprintf("%d.%02d", minor/100, minor%100)
}
