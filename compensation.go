package creditledger

import "context"

// poolState tallies the ledger effects recorded for one token in one pool.
type poolState struct {
	used     int64 // total usage debited, positive
	refunded int64
	released int64
}

func tallyEntries(entries []LedgerEntry) map[Pool]*poolState {
	st := map[Pool]*poolState{PoolMonthly: {}, PoolBonus: {}}
	for _, en := range entries {
		ps, ok := st[en.Pool]
		if !ok {
			continue
		}
		switch en.Type {
		case TxUsage:
			ps.used -= en.Amount
		case TxRefund:
			ps.refunded += en.Amount
		case TxRelease:
			ps.released += en.Amount
		}
	}
	return st
}

// ForceRefund drives token to a reversed terminal state whatever stage it
// reached. Each pool is handled independently: unrefunded usage is refunded,
// otherwise a still-held amount is released. When neither applies the call
// succeeds with Reason "nothing_to_refund" and changes nothing, so it is
// safe to repeat.
func (e *Engine) ForceRefund(ctx context.Context, userID, token, reason string, md Metadata) (Result, error) {
	return e.run(ctx, OpForceRefund, userID, token, 0, func(ctx context.Context, tx Tx, res *Result) error {
		if err := validateToken(userID, token); err != nil {
			return err
		}
		acct, err := tx.Account(ctx)
		if err != nil {
			return err
		}
		r, hasRes, err := ownedReservation(ctx, tx, userID, token)
		if err != nil {
			return err
		}
		entries, err := ownedEntries(ctx, tx, userID, token)
		if err != nil {
			return err
		}
		st := tallyEntries(entries)

		now := e.now()
		var toRelease []Pool
		for _, p := range Pools {
			ps := st[p]
			if due := ps.used - ps.refunded; due > 0 {
				returned := acct.unuse(p, due)
				en := e.entry(userID, token, TxRefund, p, due)
				en.Reason = reason
				en.Metadata = clampNote(md, due, returned)
				if err := tx.AppendEntry(ctx, en); err != nil {
					return err
				}
				res.Refunded = true
				continue
			}
			if hasRes && r.Status == StatusReserved && r.PoolAmount(p) > 0 && ps.used == 0 && ps.released == 0 {
				toRelease = append(toRelease, p)
			}
		}

		switch {
		case hasRes && r.Status == StatusReserved && (len(toRelease) > 0 || res.Refunded):
			if err := e.release(ctx, tx, &acct, &r, reason, md, toRelease); err != nil {
				return err
			}
			res.Released = len(toRelease) > 0
		case hasRes && r.Status == StatusCommitted && res.Refunded:
			if err := r.transition(StatusRefunded); err != nil {
				return err
			}
			r.Reason = reason
			r.UpdatedAt = now
			if err := tx.SaveReservation(ctx, r); err != nil {
				return err
			}
		}

		if !res.Refunded && !res.Released {
			res.Reason = ReasonNothingToRefund
			for _, p := range Pools {
				if st[p].refunded > 0 {
					res.AlreadyRefunded = true
				}
				if st[p].released > 0 {
					res.AlreadyReleased = true
				}
			}
			acct.fill(res)
			return nil
		}

		if err := saveAccount(ctx, tx, acct, now); err != nil {
			return err
		}
		acct.fill(res)
		return nil
	})
}

// clampNote records on the refund entry when the used counter held less than
// the refunded amount, e.g. after a billing cycle reset.
func clampNote(md Metadata, due, returned int64) Metadata {
	if returned == due {
		return md
	}
	out := make(Metadata, len(md)+2)
	for k, v := range md {
		out[k] = v
	}
	out["clamped"] = true
	out["returned_to_balance"] = returned
	return out
}
