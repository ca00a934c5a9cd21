// Package webhook turns Stripe billing events into ledger grants.
//
// invoice.paid starts a subscription cycle through ApplySubscriptionState and
// checkout.session.completed credits a purchased pack through
// ApplyCreditPackPurchase. The user, tier and credit amount come from the
// metadata attached when the subscription or checkout session was created.
// Stripe redelivers any event answered with a non-2xx status, and the ledger
// deduplicates redeliveries by event id.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/ineyio/creditledger"
)

// Metadata keys read from Stripe objects.
const (
	MetaUserID  = "user_id"
	MetaTier    = "tier"
	MetaCredits = "credits"
)

const maxBodyBytes = 64 << 10

// ErrBadEvent is returned for events that can never be applied.
var ErrBadEvent = errors.New("webhook: malformed billing event")

// Applier applies billing events to the ledger. *creditledger.Engine implements it.
type Applier interface {
	ApplySubscriptionState(ctx context.Context, ev creditledger.SubscriptionEvent) (creditledger.Result, error)
	ApplyCreditPackPurchase(ctx context.Context, p creditledger.CreditPackPurchase) (creditledger.Result, error)
}

// Handler verifies and applies Stripe webhook deliveries.
type Handler struct {
	applier Applier
	secret  string
	logger  *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the handler's logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// NewHandler creates a Handler that verifies signatures with secret.
func NewHandler(applier Applier, secret string, opts ...Option) *Handler {
	h := &Handler{applier: applier, secret: secret, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.secret == "" {
		h.logger.Error("webhook: signing secret not configured")
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	event, err := webhook.ConstructEventWithOptions(payload, r.Header.Get("Stripe-Signature"), h.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		h.logger.Warn("webhook: invalid signature", "error", err)
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	err = h.Handle(r.Context(), event)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, ErrBadEvent):
		h.logger.Error("webhook: dropping event", "event", event.ID, "type", event.Type, "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
	case creditledger.IsRejection(err) && !errors.Is(err, creditledger.ErrMissingCreditAccount):
		// Redelivery cannot change the outcome.
		h.logger.Error("webhook: ledger rejected event", "event", event.ID, "type", event.Type,
			"reason", creditledger.ReasonCode(err), "error", err)
		w.WriteHeader(http.StatusOK)
	default:
		h.logger.Error("webhook: apply failed", "event", event.ID, "type", event.Type, "error", err)
		http.Error(w, "apply failed", http.StatusInternalServerError)
	}
}

// Handle applies a verified event. Unhandled event types are ignored.
func (h *Handler) Handle(ctx context.Context, event stripe.Event) error {
	if event.Data == nil {
		return fmt.Errorf("%w: %s has no data", ErrBadEvent, event.ID)
	}
	switch event.Type {
	case stripe.EventTypeInvoicePaid:
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return fmt.Errorf("%w: decode invoice: %v", ErrBadEvent, err)
		}
		ev, err := subscriptionEvent(event.ID, &inv)
		if err != nil {
			return err
		}
		res, err := h.applier.ApplySubscriptionState(ctx, ev)
		if err != nil {
			return err
		}
		h.logger.Info("webhook: subscription applied", "event", event.ID, "user", ev.UserID,
			"tier", ev.Tier, "already_applied", res.AlreadyApplied)
		return nil

	case stripe.EventTypeCheckoutSessionCompleted:
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return fmt.Errorf("%w: decode checkout session: %v", ErrBadEvent, err)
		}
		if sess.Mode != stripe.CheckoutSessionModePayment || sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
			h.logger.Info("webhook: skipping unpaid checkout session", "event", event.ID,
				"session", sess.ID, "mode", sess.Mode, "payment_status", sess.PaymentStatus)
			return nil
		}
		p, err := packPurchase(event.ID, &sess)
		if err != nil {
			return err
		}
		res, err := h.applier.ApplyCreditPackPurchase(ctx, p)
		if err != nil {
			return err
		}
		h.logger.Info("webhook: credit pack applied", "event", event.ID, "user", p.UserID,
			"credits", p.Credits, "already_applied", res.AlreadyApplied)
		return nil

	default:
		h.logger.Debug("webhook: ignoring event", "event", event.ID, "type", event.Type)
		return nil
	}
}

func subscriptionEvent(eventID string, inv *stripe.Invoice) (creditledger.SubscriptionEvent, error) {
	md := inv.Metadata
	var subID string
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		details := inv.Parent.SubscriptionDetails
		if len(details.Metadata) > 0 {
			md = details.Metadata
		}
		if details.Subscription != nil {
			subID = details.Subscription.ID
		}
	}
	userID, tier := md[MetaUserID], md[MetaTier]
	if userID == "" || tier == "" {
		return creditledger.SubscriptionEvent{}, fmt.Errorf("%w: invoice %s lacks %s or %s metadata",
			ErrBadEvent, inv.ID, MetaUserID, MetaTier)
	}

	start, end := inv.PeriodStart, inv.PeriodEnd
	if inv.Lines != nil && len(inv.Lines.Data) > 0 && inv.Lines.Data[0].Period != nil {
		start, end = inv.Lines.Data[0].Period.Start, inv.Lines.Data[0].Period.End
	}
	return creditledger.SubscriptionEvent{
		UserID:         userID,
		Tier:           creditledger.Tier(tier),
		CycleStart:     unixTime(start),
		CycleEnd:       unixTime(end),
		EventID:        eventID,
		InvoiceID:      inv.ID,
		SubscriptionID: subID,
		Metadata:       creditledger.Metadata{"source": "stripe"},
	}, nil
}

func packPurchase(eventID string, sess *stripe.CheckoutSession) (creditledger.CreditPackPurchase, error) {
	userID := sess.Metadata[MetaUserID]
	if userID == "" {
		userID = sess.ClientReferenceID
	}
	if userID == "" {
		return creditledger.CreditPackPurchase{}, fmt.Errorf("%w: session %s has no user", ErrBadEvent, sess.ID)
	}
	credits, err := strconv.ParseInt(sess.Metadata[MetaCredits], 10, 64)
	if err != nil || credits <= 0 {
		return creditledger.CreditPackPurchase{}, fmt.Errorf("%w: session %s has invalid %s metadata %q",
			ErrBadEvent, sess.ID, MetaCredits, sess.Metadata[MetaCredits])
	}
	var intent string
	if sess.PaymentIntent != nil {
		intent = sess.PaymentIntent.ID
	}
	return creditledger.CreditPackPurchase{
		UserID:            userID,
		Credits:           credits,
		EventID:           eventID,
		CheckoutSessionID: sess.ID,
		PaymentIntentID:   intent,
		Metadata:          creditledger.Metadata{"source": "stripe"},
	}, nil
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
