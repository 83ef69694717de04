package app

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/thrifty/ledger-service/internal/domain"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type driftFinderStub struct {
	drifts []domain.BalanceDrift
	err    error
	calls  int
}

func (s *driftFinderStub) FindAccountsWithBalanceDrift(ctx context.Context) ([]domain.BalanceDrift, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.drifts, nil
}

func TestReconcileBalances_LogsEveryDrift(t *testing.T) {
	snapshot := decimal.RequireFromString("90")
	ref := "FW-DR-1"
	finder := &driftFinderStub{drifts: []domain.BalanceDrift{
		{AccountID: uuid.New(), AccountNumber: "1000000001", AccountBalance: decimal.RequireFromString("100"), BookBalance: decimal.RequireFromString("100"), LastSnapshot: &snapshot, LastSnapshotRef: &ref},
		{AccountID: uuid.New(), AccountNumber: "1000000002", AccountBalance: decimal.RequireFromString("5"), BookBalance: decimal.RequireFromString("7")},
	}}
	core, logs := observer.New(zapcore.InfoLevel)
	jobs := NewJobs(finder, zap.New(core))

	count, err := jobs.reconcileBalances(context.Background())
	if err != nil {
		t.Fatalf("reconcileBalances returned error: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 drifted accounts, got %d", count)
	}

	drifted := logs.FilterMessage("balance drift detected").All()
	if len(drifted) != 2 {
		t.Fatalf("expected 2 drift log lines, got %d", len(drifted))
	}
	first := drifted[0].ContextMap()
	if first["account_number"] != "1000000001" || first["last_snapshot"] != "90.00" || first["transaction_ref"] != "FW-DR-1" {
		t.Fatalf("unexpected drift fields %v", first)
	}
	if drifted[0].Level != zapcore.ErrorLevel {
		t.Fatalf("expected drift to be logged at error level, got %s", drifted[0].Level)
	}
}

func TestReconcileBalances_NoDriftOnConsistentLedger(t *testing.T) {
	f := newLedgerFixture(t, Settings{})
	customer := f.newCustomer(t)
	account := f.openAccount(t, customer, "Ada Main", "100")
	if _, err := f.service.Withdraw(context.Background(), customer, domain.WithdrawalRequest{AccountNumber: account.AccountNumber, Amount: money("30")}, ""); err != nil {
		t.Fatalf("Withdraw returned error: %v", err)
	}

	count, err := NewJobs(f.repo, zap.NewNop()).reconcileBalances(context.Background())
	if err != nil {
		t.Fatalf("reconcileBalances returned error: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no drift, got %d", count)
	}
}

func TestReconcileBalances_LogsFinderFailure(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	jobs := NewJobs(&driftFinderStub{err: errors.New("query timeout")}, zap.New(core))

	jobs.ReconcileBalances()

	if logs.FilterMessage("balance reconciliation failed").Len() != 1 {
		t.Fatalf("expected the failure to be logged")
	}
}

func TestScheduler_RejectsInvalidSchedule(t *testing.T) {
	scheduler := NewScheduler(NewJobs(&driftFinderStub{}, zap.NewNop()), zap.NewNop(), "not a schedule")
	if err := scheduler.Start(); err == nil {
		t.Fatal("expected an invalid schedule to be rejected")
	}
}

func TestScheduler_StartsAndStops(t *testing.T) {
	scheduler := NewScheduler(NewJobs(&driftFinderStub{}, zap.NewNop()), zap.NewNop(), "@every 1h")
	if err := scheduler.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	<-scheduler.Stop().Done()
}
