package meter

import (
	"context"
	"log/slog"

	"github.com/ineyio/creditledger"
)

// LogMeter logs ledger events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ creditledger.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnOperation(e creditledger.OperationEvent) {
	if e.Error == nil {
		m.Logger.Info("ledger_op",
			"op", e.Op,
			"user", e.UserID,
			"token", e.RequestToken,
			"amount", e.Amount,
			"reason", e.Result.Reason,
			"remaining_monthly", e.Result.RemainingMonthly,
			"remaining_bonus", e.Result.RemainingBonus,
			"duration_ms", e.Duration.Milliseconds(),
		)
		return
	}

	level := slog.LevelError
	if creditledger.IsRejection(e.Error) {
		level = slog.LevelWarn
	}
	m.Logger.Log(context.Background(), level, "ledger_op_error",
		"op", e.Op,
		"user", e.UserID,
		"token", e.RequestToken,
		"amount", e.Amount,
		"reason", e.Result.Reason,
		"duration_ms", e.Duration.Milliseconds(),
		"error", e.Error,
	)
}

func (m *LogMeter) OnReconcile(e creditledger.ReconcileEvent) {
	if e.Error == nil {
		m.Logger.Info("reconcile",
			"user", e.UserID,
			"token", e.RequestToken,
			"balance_changed", e.BalanceChanged,
			"fallback", e.Fallback,
			"shared", e.Shared,
			"duration_ms", e.Duration.Milliseconds(),
		)
		return
	}
	m.Logger.Error("reconcile_error",
		"user", e.UserID,
		"token", e.RequestToken,
		"fallback", e.Fallback,
		"shared", e.Shared,
		"duration_ms", e.Duration.Milliseconds(),
		"error", e.Error,
	)
}
