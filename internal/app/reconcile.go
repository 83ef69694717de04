/**
 * @description
 * Scheduled job implementations for the ledger-service.
 */
package app

import (
	"context"
	"time"

	"github.com/thrifty/ledger-service/internal/domain"
	"go.uber.org/zap"
)

const reconciliationTimeout = 2 * time.Minute

// DriftFinder lists accounts whose stored balances disagree with each other
// or with the latest transaction snapshot.
type DriftFinder interface {
	FindAccountsWithBalanceDrift(ctx context.Context) ([]domain.BalanceDrift, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	drifts DriftFinder
	logger *zap.Logger
}

// NewJobs creates a new Jobs runner.
func NewJobs(drifts DriftFinder, logger *zap.Logger) *Jobs {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Jobs{drifts: drifts, logger: logger.With(zap.String("component", "jobs"))}
}

// ReconcileBalances reports balance drift. It never mutates balances.
func (j *Jobs) ReconcileBalances() {
	ctx, cancel := context.WithTimeout(context.Background(), reconciliationTimeout)
	defer cancel()

	if _, err := j.reconcileBalances(ctx); err != nil {
		j.logger.Error("balance reconciliation failed", zap.Error(err))
	}
}

func (j *Jobs) reconcileBalances(ctx context.Context) (int, error) {
	j.logger.Info("starting balance reconciliation job")

	drifts, err := j.drifts.FindAccountsWithBalanceDrift(ctx)
	if err != nil {
		return 0, err
	}

	for _, drift := range drifts {
		fields := []zap.Field{
			zap.String("account_id", drift.AccountID.String()),
			zap.String("account_number", drift.AccountNumber),
			zap.String("account_balance", drift.AccountBalance.StringFixed(domain.MoneyScale)),
			zap.String("book_balance", drift.BookBalance.StringFixed(domain.MoneyScale)),
		}
		if drift.LastSnapshot != nil {
			fields = append(fields, zap.String("last_snapshot", drift.LastSnapshot.StringFixed(domain.MoneyScale)))
		}
		if drift.LastSnapshotRef != nil {
			fields = append(fields, zap.String("transaction_ref", *drift.LastSnapshotRef))
		}
		j.logger.Error("balance drift detected", fields...)
	}

	j.logger.Info("balance reconciliation job finished", zap.Int("drifted_accounts", len(drifts)))
	return len(drifts), nil
}
