package payments

import "context"

// PaymentNotification tells room subscribers that the receipt changed.
type PaymentNotification struct {
	ReceiptToken string
	PayerName    string
	Lines        int
	AmountCents  int64
	Settled      bool
}

// Notifier delivers room updates after a commit. Delivery is best effort.
type Notifier interface {
	NotifyPayment(ctx context.Context, n PaymentNotification) error
}

type nopNotifier struct{}

func (nopNotifier) NotifyPayment(context.Context, PaymentNotification) error { return nil }
