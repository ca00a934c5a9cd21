package creditledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SubscriptionEvent is a subscription state change reported by the payment gateway.
type SubscriptionEvent struct {
	UserID         string
	Tier           Tier
	CycleStart     time.Time
	CycleEnd       time.Time
	EventID        string
	InvoiceID      string
	SubscriptionID string
	Metadata       Metadata
}

func (ev SubscriptionEvent) dedupKeys() []string {
	var keys []string
	if ev.EventID != "" {
		keys = append(keys, "event:"+ev.EventID)
	}
	if ev.InvoiceID != "" && ev.SubscriptionID != "" {
		keys = append(keys, "invoice:"+ev.InvoiceID+":"+ev.SubscriptionID)
	}
	return keys
}

// CreditPackPurchase is a one-off purchase of bonus credits.
type CreditPackPurchase struct {
	UserID            string
	Credits           int64
	EventID           string
	CheckoutSessionID string
	PaymentIntentID   string
	Metadata          Metadata
}

func (p CreditPackPurchase) dedupKeys() []string {
	keys := []string{"pack:" + p.CheckoutSessionID + ":" + p.PaymentIntentID}
	if p.EventID != "" {
		keys = append(keys, "event:"+p.EventID)
	}
	return keys
}

// claimAll claims every key and reports whether all of them were new.
func claimAll(ctx context.Context, tx Tx, keys []string) (bool, error) {
	fresh := true
	for _, k := range keys {
		ok, err := tx.ClaimKey(ctx, k)
		if err != nil {
			return false, err
		}
		fresh = fresh && ok
	}
	return fresh, nil
}

// ApplySubscriptionState starts a billing cycle at ev.Tier: the monthly
// usage is reset and the quota set from the tier table. The tier's one-time
// bonus is granted the first time the user reaches that paid tier. A replay
// of the same event or invoice changes nothing.
func (e *Engine) ApplySubscriptionState(ctx context.Context, ev SubscriptionEvent) (Result, error) {
	return e.run(ctx, OpApplySubscription, ev.UserID, ev.EventID, 0, func(ctx context.Context, tx Tx, res *Result) error {
		if ev.UserID == "" {
			return fmt.Errorf("%w: user id is required", ErrInvalidRequest)
		}
		keys := ev.dedupKeys()
		if len(keys) == 0 {
			return fmt.Errorf("%w: event id or invoice and subscription ids are required", ErrInvalidRequest)
		}
		plan, err := e.tiers.Lookup(ev.Tier)
		if err != nil {
			return err
		}
		acct, err := tx.Account(ctx)
		if err != nil {
			return err
		}
		fresh, err := claimAll(ctx, tx, keys)
		if err != nil {
			return err
		}
		if !fresh {
			res.AlreadyApplied = true
			acct.fill(res)
			return nil
		}

		now := e.now()
		acct.Tier = ev.Tier
		acct.MonthlyUsed = 0
		// Credits still held by in-flight reservations stay covered.
		acct.MonthlyQuota = max(plan.MonthlyQuota, acct.ReservedMonthly)
		acct.CycleStart = ev.CycleStart
		acct.CycleEnd = ev.CycleEnd

		grant := e.entry(ev.UserID, "", TxSubscriptionGrant, PoolMonthly, plan.MonthlyQuota)
		grant.Reason = string(ev.Tier)
		grant.Metadata = ev.Metadata
		grant.EventID = ev.EventID
		grant.InvoiceID = ev.InvoiceID
		grant.SubscriptionID = ev.SubscriptionID
		if err := tx.AppendEntry(ctx, grant); err != nil {
			return err
		}

		if plan.Paid {
			first, err := tx.ClaimKey(ctx, "bonus:"+ev.UserID+":"+string(ev.Tier))
			if err != nil {
				return err
			}
			if first && plan.Bonus > 0 {
				acct.BonusTotal += plan.Bonus
				bonus := grant
				bonus.ID = uuid.NewString()
				bonus.Type = TxBonus
				bonus.Pool = PoolBonus
				bonus.Amount = plan.Bonus
				if err := tx.AppendEntry(ctx, bonus); err != nil {
					return err
				}
			}
			acct.BonusGranted = true
		}

		if err := saveAccount(ctx, tx, acct, now); err != nil {
			return err
		}
		acct.fill(res)
		return nil
	})
}

// ApplyCreditPackPurchase adds a purchased pack to the bonus pool once per
// checkout session and payment intent.
func (e *Engine) ApplyCreditPackPurchase(ctx context.Context, p CreditPackPurchase) (Result, error) {
	return e.run(ctx, OpApplyCreditPack, p.UserID, p.CheckoutSessionID, p.Credits, func(ctx context.Context, tx Tx, res *Result) error {
		if p.UserID == "" || p.CheckoutSessionID == "" {
			return fmt.Errorf("%w: user id and checkout session id are required", ErrInvalidRequest)
		}
		if p.Credits <= 0 {
			return ErrInvalidAmount
		}
		acct, err := tx.Account(ctx)
		if err != nil {
			return err
		}
		fresh, err := claimAll(ctx, tx, p.dedupKeys())
		if err != nil {
			return err
		}
		if !fresh {
			res.AlreadyApplied = true
			acct.fill(res)
			return nil
		}

		acct.BonusTotal += p.Credits
		en := e.entry(p.UserID, "", TxCreditPackGrant, PoolBonus, p.Credits)
		en.Metadata = p.Metadata
		en.EventID = p.EventID
		en.CheckoutSessionID = p.CheckoutSessionID
		en.PaymentIntentID = p.PaymentIntentID
		if err := tx.AppendEntry(ctx, en); err != nil {
			return err
		}
		if err := saveAccount(ctx, tx, acct, e.now()); err != nil {
			return err
		}
		acct.fill(res)
		return nil
	})
}
