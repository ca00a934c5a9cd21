package creditledger

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// ReconcileRequest reports a failed generation attempt.
type ReconcileRequest struct {
	UserID       string
	RequestToken string
	Reason       string
	ErrorStage   string
	Metadata     Metadata
}

// Fallback paths reported in ReconcileResult.Fallback.
const (
	FallbackNone               = ""
	FallbackAlreadyCompensated = "already_compensated"
	FallbackRetried            = "retried"
)

// compensationAttempts bounds the ForceRefund calls made for one run while
// the store keeps reporting retryable conflicts.
const compensationAttempts = 3

// ReconcileResult is the combined outcome of a reconciliation run.
type ReconcileResult struct {
	OK               bool
	BalanceChanged   bool
	Compensation     Result
	Fallback         string
	RemainingMonthly int64
	RemainingBonus   int64
}

// Coordinator marks failed attempts and drives their compensation. Concurrent
// calls for the same token within one process share a single execution.
type Coordinator struct {
	engine   *Engine
	attempts AttemptStore
	logger   *slog.Logger
	meter    Meter
	group    singleflight.Group
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorLogger sets the coordinator's logger.
func WithCoordinatorLogger(l *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = l }
}

// NewCoordinator creates a Coordinator. It reports to the engine's meter and
// logs through the engine's logger unless overridden.
func NewCoordinator(engine *Engine, attempts AttemptStore, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		engine:   engine,
		attempts: attempts,
		logger:   engine.logger,
		meter:    engine.meter,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start records a new attempt for token.
func (c *Coordinator) Start(ctx context.Context, userID, token string, credits int64) error {
	now := c.engine.now()
	return c.attempts.SaveAttempt(ctx, GenerationAttempt{
		RequestToken:  token,
		UserID:        userID,
		Status:        AttemptStarted,
		CreditsAmount: credits,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
}

// Succeed marks the attempt for token as succeeded.
func (c *Coordinator) Succeed(ctx context.Context, token string) error {
	a, ok, err := c.attempts.Attempt(ctx, token)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("creditledger: attempt %q not found", token)
	}
	a.Status = AttemptSucceeded
	a.UpdatedAt = c.engine.now()
	return c.attempts.SaveAttempt(ctx, a)
}

// Reconcile marks the attempt for req.RequestToken failed and reverses any
// credits it holds or spent. A token that belongs to another user is rejected
// with ErrTokenConflict and nothing is touched.
func (c *Coordinator) Reconcile(ctx context.Context, req ReconcileRequest) (ReconcileResult, error) {
	if err := validateToken(req.UserID, req.RequestToken); err != nil {
		return ReconcileResult{}, &LedgerError{Op: "reconcile", UserID: req.UserID, RequestToken: req.RequestToken, Err: err}
	}

	start := time.Now()
	v, err, shared := c.group.Do(req.UserID+"\x00"+req.RequestToken, func() (any, error) {
		return c.reconcile(ctx, req)
	})
	out, _ := v.(ReconcileResult)

	c.meter.OnReconcile(ReconcileEvent{
		UserID:         req.UserID,
		RequestToken:   req.RequestToken,
		BalanceChanged: out.BalanceChanged,
		Fallback:       out.Fallback,
		Shared:         shared,
		Duration:       time.Since(start),
		Error:          err,
	})
	return out, err
}

func (c *Coordinator) reconcile(ctx context.Context, req ReconcileRequest) (ReconcileResult, error) {
	log := c.logger.With("user", req.UserID, "token", req.RequestToken)

	attempt, err := c.ownAttempt(ctx, log, req)
	if err != nil {
		return ReconcileResult{}, err
	}
	attempt = c.markFailed(ctx, log, req, attempt)

	comp, tries, err := c.compensate(ctx, req)
	out := ReconcileResult{Compensation: comp}
	if tries > 1 {
		out.Fallback = FallbackRetried
	}
	switch {
	case err != nil && IsRetryable(err):
		log.Error("reconcile: compensation kept conflicting", "tries", tries, "error", err)
		return c.manualAudit(ctx, log, req, attempt, out)
	case err != nil:
		c.audit(ctx, log, req, "error", Metadata{"error": err.Error()})
		return out, err
	}

	if attempt.CreditsAmount > 0 && comp.Reason == ReasonNothingToRefund {
		if !comp.AlreadyRefunded && !comp.AlreadyReleased {
			return c.manualAudit(ctx, log, req, attempt, out)
		}
		out.Fallback = FallbackAlreadyCompensated
	}

	out.OK = true
	out.BalanceChanged = comp.Refunded || comp.Released
	out.RemainingMonthly = comp.RemainingMonthly
	out.RemainingBonus = comp.RemainingBonus

	outcome := "nothing_to_refund"
	switch {
	case comp.Refunded:
		outcome = "refunded"
	case comp.Released:
		outcome = "released"
	}
	c.audit(ctx, log, req, outcome, Metadata{"fallback": out.Fallback})
	return out, nil
}

// ownAttempt loads the attempt for the request token and checks that neither
// the attempt nor the ledger places the token under another user. A missing
// attempt is returned as a fresh one owned by the caller; an attempt that
// could not be loaded is returned zero.
func (c *Coordinator) ownAttempt(ctx context.Context, log *slog.Logger, req ReconcileRequest) (GenerationAttempt, error) {
	conflict := func(owner string) error {
		log.Warn("reconcile: token belongs to another user", "owner", owner)
		return &LedgerError{Op: "reconcile", UserID: req.UserID, RequestToken: req.RequestToken, Err: ErrTokenConflict}
	}

	a, ok, err := c.attempts.Attempt(ctx, req.RequestToken)
	loaded := err == nil
	if err != nil {
		// Compensation still runs; the ledger check below guards ownership.
		log.Error("reconcile: load attempt", "error", err)
	}
	if ok && a.UserID != "" && a.UserID != req.UserID {
		return GenerationAttempt{}, conflict(a.UserID)
	}

	entries, err := c.engine.History(ctx, req.RequestToken)
	if err != nil {
		return GenerationAttempt{}, err
	}
	for _, en := range entries {
		if en.UserID != req.UserID {
			return GenerationAttempt{}, conflict(en.UserID)
		}
	}

	if loaded && !ok {
		a = GenerationAttempt{
			RequestToken: req.RequestToken,
			UserID:       req.UserID,
			CreatedAt:    c.engine.now(),
		}
	}
	return a, nil
}

// compensate calls ForceRefund, repeating it while the store reports a
// retryable conflict. It returns the number of calls made.
func (c *Coordinator) compensate(ctx context.Context, req ReconcileRequest) (Result, int, error) {
	var (
		comp Result
		err  error
	)
	for try := 1; ; try++ {
		comp, err = c.engine.ForceRefund(ctx, req.UserID, req.RequestToken, req.Reason, req.Metadata)
		if err == nil || !IsRetryable(err) || try == compensationAttempts || ctx.Err() != nil {
			return comp, try, err
		}
	}
}

// markFailed records the failure on the attempt. Failures to do so are logged
// and do not stop compensation.
func (c *Coordinator) markFailed(ctx context.Context, log *slog.Logger, req ReconcileRequest, a GenerationAttempt) GenerationAttempt {
	if a.RequestToken == "" {
		return a
	}
	a.Status = AttemptFailed
	a.ErrorStage = req.ErrorStage
	a.ErrorMessage = req.Reason
	if len(req.Metadata) > 0 {
		if a.Metadata == nil {
			a.Metadata = make(Metadata, len(req.Metadata))
		}
		maps.Copy(a.Metadata, req.Metadata)
	}
	a.UpdatedAt = c.engine.now()
	if err := c.attempts.SaveAttempt(ctx, a); err != nil {
		log.Error("reconcile: save attempt", "error", err)
	}
	return a
}

func (c *Coordinator) manualAudit(ctx context.Context, log *slog.Logger, req ReconcileRequest, a GenerationAttempt, out ReconcileResult) (ReconcileResult, error) {
	log.Error("reconcile: manual audit required", "credits", a.CreditsAmount)
	c.audit(ctx, log, req, "manual_audit_required", Metadata{"credits_amount": a.CreditsAmount})
	return out, &LedgerError{Op: "reconcile", UserID: req.UserID, RequestToken: req.RequestToken, Err: ErrManualAuditRequired}
}

// audit appends a best-effort audit record.
func (c *Coordinator) audit(ctx context.Context, log *slog.Logger, req ReconcileRequest, outcome string, extra Metadata) {
	md := make(Metadata, len(req.Metadata)+len(extra)+1)
	maps.Copy(md, req.Metadata)
	maps.Copy(md, extra)
	if req.ErrorStage != "" {
		md["error_stage"] = req.ErrorStage
	}
	err := c.attempts.AppendAudit(ctx, AuditRecord{
		ID:           uuid.NewString(),
		UserID:       req.UserID,
		RequestToken: req.RequestToken,
		Reason:       req.Reason,
		Outcome:      outcome,
		Metadata:     md,
		CreatedAt:    c.engine.now(),
	})
	if err != nil {
		log.Warn("reconcile: audit write failed", "outcome", outcome, "error", err)
	}
}
