package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nightjarhq/creditd/internal/payments"
	"github.com/nightjarhq/creditd/pkg/ledger"
	stripelib "github.com/stripe/stripe-go/v82"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"
)

const (
	webhookBodyLimit    = 1024 * 1024 // 1 MiB
	ingressExcerptLimit = 4096
	hashedEventIDPrefix = "hash:"
	signatureHeaderName = "Stripe-Signature"
	responseKeyError    = "error"
	responseKeyReceived = "received"
)

type eventHandlerFunc func(ctx context.Context, event *stripelib.Event) error

// Handler authenticates inbound provider notifications, records them in the
// ingress log, and dispatches them by event type. Domain errors from the
// dispatch targets are logged and acknowledged; only a failed signature or
// an undecodable envelope is rejected, so a permanently-failing event never
// puts the provider into a retry storm.
type Handler struct {
	secret       string
	store        ledger.Store
	processor    *payments.Processor
	synchronizer *payments.Synchronizer
	nowFn        func() int64
	logger       *zap.Logger
	routes       map[string]eventHandlerFunc
}

// NewHandler wires a webhook Handler with its dispatch table.
func NewHandler(secret string, store ledger.Store, processor *payments.Processor, synchronizer *payments.Synchronizer, now func() int64, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	handler := &Handler{
		secret:       secret,
		store:        store,
		processor:    processor,
		synchronizer: synchronizer,
		nowFn:        now,
		logger:       logger,
	}
	handler.routes = map[string]eventHandlerFunc{
		eventCheckoutCompleted:   handler.handleCheckoutCompleted,
		eventPaymentSucceeded:    handler.handlePaymentSucceeded,
		eventPaymentFailed:       handler.handlePaymentFailed,
		eventSubscriptionCreated: handler.handleSubscriptionUpserted,
		eventSubscriptionUpdated: handler.handleSubscriptionUpserted,
		eventSubscriptionDeleted: handler.handleSubscriptionDeleted,
	}
	return handler
}

// Handle is the gin endpoint for POST /webhooks/payments.
func (handler *Handler) Handle(ginContext *gin.Context) {
	if strings.TrimSpace(handler.secret) == "" {
		ginContext.JSON(http.StatusUnauthorized, gin.H{responseKeyError: "webhook secret not configured"})
		return
	}

	ginContext.Request.Body = http.MaxBytesReader(ginContext.Writer, ginContext.Request.Body, webhookBodyLimit)
	payload, err := io.ReadAll(ginContext.Request.Body)
	if err != nil {
		ginContext.JSON(http.StatusBadRequest, gin.H{responseKeyError: "failed to read request body"})
		return
	}

	signatureHeader := ginContext.GetHeader(signatureHeaderName)
	if strings.TrimSpace(signatureHeader) == "" {
		ginContext.JSON(http.StatusUnauthorized, gin.H{responseKeyError: "missing provider signature"})
		return
	}

	event, err := stripewebhook.ConstructEventWithOptions(payload, signatureHeader, handler.secret, stripewebhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if isSignatureError(err) {
			ginContext.JSON(http.StatusUnauthorized, gin.H{responseKeyError: "invalid provider signature"})
			return
		}
		ginContext.JSON(http.StatusBadRequest, gin.H{responseKeyError: "malformed event envelope"})
		return
	}

	ctx := ginContext.Request.Context()
	ingressID, logErr := handler.store.AppendIngress(ctx, ledger.IngressRecord{
		EventID:         eventIDOrHash(event.ID, payload),
		EventType:       string(event.Type),
		PayloadExcerpt:  excerpt(payload),
		SignatureValid:  true,
		ReceivedUnixUTC: handler.nowFn(),
	})
	if logErr != nil {
		// The ingress log is an operability aid, not a correctness
		// dependency; processing continues.
		handler.logger.Error("ingress log append failed",
			zap.String("event_id", event.ID),
			zap.Error(logErr))
	}

	dispatchErr := handler.dispatch(ctx, &event)
	if ingressID != 0 {
		if markErr := handler.store.MarkIngressProcessed(ctx, ingressID, errorMessage(dispatchErr)); markErr != nil {
			handler.logger.Error("ingress log update failed",
				zap.String("event_id", event.ID),
				zap.Error(markErr))
		}
	}
	if dispatchErr != nil {
		handler.logDispatchError(&event, dispatchErr)
	}

	ginContext.JSON(http.StatusOK, gin.H{responseKeyReceived: true})
}

func (handler *Handler) dispatch(ctx context.Context, event *stripelib.Event) error {
	route, ok := handler.routes[string(event.Type)]
	if !ok {
		handler.logger.Info("webhook event ignored (unhandled type)",
			zap.String("type", string(event.Type)),
			zap.String("event_id", event.ID))
		return nil
	}
	return route(ctx, event)
}

// logDispatchError sorts domain errors by severity: an unmapped price is
// expected for non-purchase events, a missing account means money arrived
// with nowhere to credit it, and anything else risks a silently lost grant
// until the reconciliation job re-drives it.
func (handler *Handler) logDispatchError(event *stripelib.Event, err error) {
	fields := []zap.Field{
		zap.String("type", string(event.Type)),
		zap.String("event_id", event.ID),
		zap.Error(err),
	}
	switch {
	case errors.Is(err, ledger.ErrMappingNotFound), errors.Is(err, payments.ErrPlanNotMapped):
		handler.logger.Info("webhook event skipped", fields...)
	case errors.Is(err, ledger.ErrAccountNotFound):
		handler.logger.Error("webhook event references unknown account", fields...)
	default:
		handler.logger.Error("webhook event processing failed", fields...)
	}
}

func (handler *Handler) handleCheckoutCompleted(ctx context.Context, event *stripelib.Event) error {
	var session CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return err
	}
	if session.PaymentStatus != paymentStatusPaid {
		handler.logger.Info("checkout session not paid, skipped",
			zap.String("session_id", session.ID),
			zap.String("payment_status", session.PaymentStatus))
		return nil
	}
	return handler.processor.ApplyPayment(ctx, payments.PaymentNotice{
		ExternalRef: session.ExternalRef(),
		AccountHint: session.Metadata[metadataKeyAccountID],
		CustomerID:  session.Customer,
		PriceID:     session.Metadata[metadataKeyPriceID],
		ProductID:   session.Metadata[metadataKeyProductID],
		AmountCents: session.AmountTotal,
		Currency:    session.Currency,
		EventID:     event.ID,
	})
}

func (handler *Handler) handlePaymentSucceeded(ctx context.Context, event *stripelib.Event) error {
	var intent PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return err
	}
	return handler.processor.ApplyPayment(ctx, payments.PaymentNotice{
		ExternalRef: intent.ID,
		AccountHint: intent.Metadata[metadataKeyAccountID],
		CustomerID:  intent.Customer,
		PriceID:     intent.Metadata[metadataKeyPriceID],
		ProductID:   intent.Metadata[metadataKeyProductID],
		AmountCents: intent.Amount,
		Currency:    intent.Currency,
		EventID:     event.ID,
	})
}

func (handler *Handler) handlePaymentFailed(ctx context.Context, event *stripelib.Event) error {
	var intent PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return err
	}
	return handler.processor.RecordFailedPayment(ctx, payments.PaymentNotice{
		ExternalRef: intent.ID,
		CustomerID:  intent.Customer,
		AmountCents: intent.Amount,
		Currency:    intent.Currency,
		EventID:     event.ID,
	})
}

func (handler *Handler) handleSubscriptionUpserted(ctx context.Context, event *stripelib.Event) error {
	var subscription Subscription
	if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
		return err
	}
	return handler.synchronizer.Upsert(ctx, payments.SubscriptionNotice{
		SubscriptionID: subscription.ID,
		CustomerID:     subscription.Customer,
		Status:         subscription.Status,
		PlanKey:        subscription.PlanKey(),
		EventID:        event.ID,
	})
}

func (handler *Handler) handleSubscriptionDeleted(ctx context.Context, event *stripelib.Event) error {
	var subscription Subscription
	if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
		return err
	}
	return handler.synchronizer.Remove(ctx, payments.SubscriptionNotice{
		SubscriptionID: subscription.ID,
		CustomerID:     subscription.Customer,
		EventID:        event.ID,
	})
}

func isSignatureError(err error) bool {
	return errors.Is(err, stripewebhook.ErrNotSigned) ||
		errors.Is(err, stripewebhook.ErrInvalidHeader) ||
		errors.Is(err, stripewebhook.ErrTooOld) ||
		errors.Is(err, stripewebhook.ErrNoValidSignature)
}

func eventIDOrHash(eventID string, payload []byte) string {
	if strings.TrimSpace(eventID) != "" {
		return eventID
	}
	sum := sha256.Sum256(payload)
	return hashedEventIDPrefix + hex.EncodeToString(sum[:])
}

func excerpt(payload []byte) string {
	if len(payload) > ingressExcerptLimit {
		return string(payload[:ingressExcerptLimit])
	}
	return string(payload)
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
