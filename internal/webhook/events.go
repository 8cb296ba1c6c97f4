package webhook

import "strings"

// Provider event types this subsystem reacts to. Everything else is logged
// and acknowledged.
const (
	eventCheckoutCompleted   = "checkout.session.completed"
	eventPaymentSucceeded    = "payment_intent.succeeded"
	eventPaymentFailed       = "payment_intent.payment_failed"
	eventSubscriptionCreated = "customer.subscription.created"
	eventSubscriptionUpdated = "customer.subscription.updated"
	eventSubscriptionDeleted = "customer.subscription.deleted"

	paymentStatusPaid = "paid"

	metadataKeyAccountID = "account_id"
	metadataKeyPriceID   = "price_id"
	metadataKeyProductID = "product_id"
	metadataKeyPlan      = "plan"
)

// CheckoutSession is a minimal representation of a checkout.session event
// payload. PaymentIntent stays empty for zero-amount sessions (a 100%
// promotion code), in which case the session id itself keys the grant.
type CheckoutSession struct {
	ID            string            `json:"id"`
	Customer      string            `json:"customer"`
	PaymentIntent string            `json:"payment_intent"`
	PaymentStatus string            `json:"payment_status"`
	AmountTotal   int64             `json:"amount_total"`
	Currency      string            `json:"currency"`
	Mode          string            `json:"mode"`
	Metadata      map[string]string `json:"metadata"`
}

// ExternalRef returns the idempotency key for the session: the payment
// intent when the provider created a charge, the session id otherwise.
func (session *CheckoutSession) ExternalRef() string {
	if ref := strings.TrimSpace(session.PaymentIntent); ref != "" {
		return ref
	}
	return strings.TrimSpace(session.ID)
}

// PaymentIntent is a minimal representation of a payment_intent event payload.
type PaymentIntent struct {
	ID       string            `json:"id"`
	Customer string            `json:"customer"`
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Metadata map[string]string `json:"metadata"`
}

// Subscription is a minimal representation of a customer.subscription event
// payload.
type Subscription struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
	Status   string `json:"status"`
	Items    struct {
		Data []struct {
			Price struct {
				ID       string            `json:"id"`
				Metadata map[string]string `json:"metadata"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

// PlanKey resolves the internal plan key: price metadata first, then the
// subscription's own metadata, then the raw price id.
func (subscription *Subscription) PlanKey() string {
	for _, item := range subscription.Items.Data {
		if key := strings.TrimSpace(item.Price.Metadata[metadataKeyPlan]); key != "" {
			return key
		}
	}
	if key := strings.TrimSpace(subscription.Metadata[metadataKeyPlan]); key != "" {
		return key
	}
	return subscription.FirstPriceID()
}

// FirstPriceID returns the price id from the first subscription item.
func (subscription *Subscription) FirstPriceID() string {
	for _, item := range subscription.Items.Data {
		if priceID := strings.TrimSpace(item.Price.ID); priceID != "" {
			return priceID
		}
	}
	return ""
}
