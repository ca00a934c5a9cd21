package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ineyio/creditledger"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(openAccountCmd)
	rootCmd.AddCommand(balanceCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(grantPackCmd)
	rootCmd.AddCommand(setTierCmd)
	rootCmd.AddCommand(forceRefundCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(sweepCmd)

	openAccountCmd.Flags().String("tier", string(creditledger.TierFree), "Initial tier")

	grantPackCmd.Flags().Int64("credits", 0, "Credits to add to the bonus pool")
	grantPackCmd.Flags().String("session", "", "Checkout session id (generated when empty)")
	grantPackCmd.Flags().String("payment-intent", "", "Payment intent id")
	grantPackCmd.Flags().String("event", "", "Billing event id")
	_ = grantPackCmd.MarkFlagRequired("credits")

	setTierCmd.Flags().String("event", "", "Billing event id (generated when empty)")
	setTierCmd.Flags().String("invoice", "", "Invoice id")
	setTierCmd.Flags().String("subscription", "", "Subscription id")
	setTierCmd.Flags().Duration("cycle", 30*24*time.Hour, "Length of the new billing cycle")

	forceRefundCmd.Flags().String("reason", "operator", "Reason recorded on the compensating entries")
	reconcileCmd.Flags().String("reason", "operator", "Failure reason")
	reconcileCmd.Flags().String("stage", "", "Pipeline stage that failed")

	sweepCmd.Flags().Duration("older-than", 0, "Age after which a reservation counts as stuck (default from config)")
	sweepCmd.Flags().Int("limit", 0, "Maximum reservations to sweep (default from config)")
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the store's schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := openLedger(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer l.close()

		msg, err := migrate(cmd.Context(), cfg.Store, l.store)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), msg)
		return nil
	},
}

var openAccountCmd = &cobra.Command{
	Use:   "open-account USER_ID",
	Short: "Create a credit account if it does not exist",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tier, _ := cmd.Flags().GetString("tier")

		l, err := openLedger(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer l.close()

		if err := l.engine.EnsureAccount(cmd.Context(), creditledger.Account{UserID: args[0], Tier: creditledger.Tier(tier)}); err != nil {
			return err
		}
		acct, res, err := l.engine.Balance(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, map[string]any{"account": acct, "result": res})
	},
}

var balanceCmd = &cobra.Command{
	Use:   "balance USER_ID",
	Short: "Show an account's balances",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := openLedger(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer l.close()

		acct, res, err := l.engine.Balance(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, map[string]any{"account": acct, "result": res})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history REQUEST_TOKEN",
	Short: "List the ledger entries recorded for a request token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := openLedger(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer l.close()

		entries, err := l.engine.History(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, entries)
	},
}

var grantPackCmd = &cobra.Command{
	Use:   "grant-pack USER_ID",
	Short: "Apply a credit pack purchase",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		credits, _ := cmd.Flags().GetInt64("credits")
		session, _ := cmd.Flags().GetString("session")
		intent, _ := cmd.Flags().GetString("payment-intent")
		event, _ := cmd.Flags().GetString("event")
		if session == "" {
			session = "manual-" + uuid.NewString()
		}

		l, err := openLedger(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer l.close()

		res, err := l.engine.ApplyCreditPackPurchase(cmd.Context(), creditledger.CreditPackPurchase{
			UserID:            args[0],
			Credits:           credits,
			EventID:           event,
			CheckoutSessionID: session,
			PaymentIntentID:   intent,
			Metadata:          creditledger.Metadata{"source": "cli"},
		})
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	},
}

var setTierCmd = &cobra.Command{
	Use:   "set-tier USER_ID TIER",
	Short: "Start a billing cycle at a subscription tier",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		event, _ := cmd.Flags().GetString("event")
		invoice, _ := cmd.Flags().GetString("invoice")
		sub, _ := cmd.Flags().GetString("subscription")
		cycle, _ := cmd.Flags().GetDuration("cycle")
		if event == "" && (invoice == "" || sub == "") {
			event = "manual-" + uuid.NewString()
		}

		l, err := openLedger(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer l.close()

		now := time.Now().UTC()
		res, err := l.engine.ApplySubscriptionState(cmd.Context(), creditledger.SubscriptionEvent{
			UserID:         args[0],
			Tier:           creditledger.Tier(args[1]),
			CycleStart:     now,
			CycleEnd:       now.Add(cycle),
			EventID:        event,
			InvoiceID:      invoice,
			SubscriptionID: sub,
			Metadata:       creditledger.Metadata{"source": "cli"},
		})
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	},
}

var forceRefundCmd = &cobra.Command{
	Use:   "force-refund USER_ID REQUEST_TOKEN",
	Short: "Reverse whatever a request token holds or spent",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")

		l, err := openLedger(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer l.close()

		res, err := l.engine.ForceRefund(cmd.Context(), args[0], args[1], reason, creditledger.Metadata{"source": "cli"})
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile USER_ID REQUEST_TOKEN",
	Short: "Mark a generation attempt failed and compensate it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		stage, _ := cmd.Flags().GetString("stage")

		l, err := openLedger(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer l.close()

		attempts, ok := l.store.(creditledger.AttemptStore)
		if !ok {
			return fmt.Errorf("%s store does not record attempts: %w", cfg.Store.Driver, creditledger.ErrNotSupported)
		}
		out, err := creditledger.NewCoordinator(l.engine, attempts).Reconcile(cmd.Context(), creditledger.ReconcileRequest{
			UserID:       args[0],
			RequestToken: args[1],
			Reason:       reason,
			ErrorStage:   stage,
			Metadata:     creditledger.Metadata{"source": "cli"},
		})
		if err != nil {
			return err
		}
		return printJSON(cmd, out)
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Force-refund reservations left open too long",
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		limit, _ := cmd.Flags().GetInt("limit")
		if olderThan == 0 {
			olderThan = cfg.Sweep.StuckAfter.Duration
		}
		if limit == 0 {
			limit = cfg.Sweep.Limit
		}

		l, err := openLedger(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer l.close()

		rep, err := l.engine.SweepStuck(cmd.Context(), olderThan, limit)
		if err != nil {
			return err
		}
		return printJSON(cmd, rep)
	},
}
