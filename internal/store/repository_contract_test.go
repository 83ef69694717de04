package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thrifty/ledger-service/internal/domain"
)

// runRepositoryContract exercises the behaviour every Repository must share.
// Data is unique per case so a single database can host every run.
func runRepositoryContract(t *testing.T, repo Repository) {
	t.Run("duplicate account number is rejected", func(t *testing.T) {
		ctx := context.Background()
		account := newTestAccount("0")
		require.NoError(t, repo.CreateAccount(ctx, account, nil))

		exists, err := repo.AccountNumberExists(ctx, account.AccountNumber)
		require.NoError(t, err)
		assert.True(t, exists)

		clash := newTestAccount("0")
		clash.AccountNumber = account.AccountNumber
		assert.ErrorIs(t, repo.CreateAccount(ctx, clash, nil), ErrAccountNumberTaken)
	})

	t.Run("committed ledger tx updates balance and log", func(t *testing.T) {
		ctx := context.Background()
		account := newTestAccount("100")
		require.NoError(t, repo.CreateAccount(ctx, account, newTestRecord(account, domain.TransactionModeCredit, "100", nil)))

		err := repo.WithinTx(ctx, func(tx LedgerTx) error {
			locked, err := tx.LockAccountsByNumber(ctx, account.AccountNumber, "0000000000")
			if err != nil {
				return err
			}
			require.Len(t, locked, 1)
			current := locked[account.AccountNumber]
			if err := current.Debit(decimal.RequireFromString("40")); err != nil {
				return err
			}
			if err := tx.SaveAccountBalances(ctx, current); err != nil {
				return err
			}
			return tx.AppendTransactions(ctx, newTestRecord(current, domain.TransactionModeDebit, "40", nil))
		})
		require.NoError(t, err)

		stored, err := repo.FindAccountByNumber(ctx, account.AccountNumber)
		require.NoError(t, err)
		assert.True(t, stored.AccountBalance.Equal(decimal.RequireFromString("60")), "balance %s", stored.AccountBalance)
		assert.True(t, stored.BookBalance.Equal(decimal.RequireFromString("60")), "book balance %s", stored.BookBalance)
		assert.Equal(t, int64(2), stored.Version)
		assert.Equal(t, account.Holders, stored.Holders)

		records, err := repo.ListTransactionsByAccount(ctx, account.ID, 10, 0)
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, domain.TransactionModeDebit, records[0].TransactionMode, "newest first")
		assert.True(t, records[0].AccountBalance.Equal(decimal.RequireFromString("60")))
	})

	t.Run("failed ledger tx leaves no trace", func(t *testing.T) {
		ctx := context.Background()
		account := newTestAccount("100")
		require.NoError(t, repo.CreateAccount(ctx, account, nil))

		boom := errors.New("boom")
		err := repo.WithinTx(ctx, func(tx LedgerTx) error {
			locked, err := tx.LockAccountsByNumber(ctx, account.AccountNumber)
			if err != nil {
				return err
			}
			current := locked[account.AccountNumber]
			current.Credit(decimal.RequireFromString("25"))
			if err := tx.SaveAccountBalances(ctx, current); err != nil {
				return err
			}
			if err := tx.AppendTransactions(ctx, newTestRecord(current, domain.TransactionModeCredit, "25", nil)); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		stored, err := repo.FindAccountByNumber(ctx, account.AccountNumber)
		require.NoError(t, err)
		assert.True(t, stored.AccountBalance.Equal(decimal.RequireFromString("100")))
		assert.Equal(t, int64(1), stored.Version)

		records, err := repo.ListTransactionsByAccount(ctx, account.ID, 10, 0)
		require.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("stale version is a concurrent update", func(t *testing.T) {
		ctx := context.Background()
		account := newTestAccount("10")
		require.NoError(t, repo.CreateAccount(ctx, account, nil))

		err := repo.WithinTx(ctx, func(tx LedgerTx) error {
			stale := account.Clone()
			stale.Version = 7
			return tx.SaveAccountBalances(ctx, stale)
		})
		assert.ErrorIs(t, err, ErrConcurrentUpdate)
	})

	t.Run("idempotency key lookup and uniqueness", func(t *testing.T) {
		ctx := context.Background()
		account := newTestAccount("0")
		require.NoError(t, repo.CreateAccount(ctx, account, nil))
		key := "key-" + uuid.NewString()

		require.NoError(t, repo.WithinTx(ctx, func(tx LedgerTx) error {
			return tx.AppendTransactions(ctx, newTestRecord(account, domain.TransactionModeCredit, "5", &key))
		}))

		err := repo.WithinTx(ctx, func(tx LedgerTx) error {
			found, err := tx.FindTransactionsByIdempotencyKey(ctx, account.Holders[0], key)
			if err != nil {
				return err
			}
			require.Len(t, found, 1)
			assert.Equal(t, key, *found[0].IdempotencyKey)

			other, err := tx.FindTransactionsByIdempotencyKey(ctx, uuid.New(), key)
			if err != nil {
				return err
			}
			assert.Empty(t, other)

			return tx.AppendTransactions(ctx, newTestRecord(account, domain.TransactionModeCredit, "5", &key))
		})
		assert.ErrorIs(t, err, domain.ErrIdempotencyKeyReused)
	})

	t.Run("pending record settles once", func(t *testing.T) {
		ctx := context.Background()
		account := newTestAccount("0")
		require.NoError(t, repo.CreateAccount(ctx, account, nil))
		record := newTestRecord(account, domain.TransactionModeDebit, "5", nil)
		record.TransactionStatus = domain.TransactionStatusPending
		record.BillPaymentDetails = &domain.BillPaymentDetails{BillerCode: "DSTV", CustomerReference: "7012"}
		require.NoError(t, repo.WithinTx(ctx, func(tx LedgerTx) error {
			return tx.AppendTransactions(ctx, record)
		}))

		require.NoError(t, repo.WithinTx(ctx, func(tx LedgerTx) error {
			locked, err := tx.LockTransactionByRef(ctx, record.TransactionRef)
			if err != nil {
				return err
			}
			assert.Equal(t, domain.TransactionStatusPending, locked.TransactionStatus)
			require.NotNil(t, locked.BillPaymentDetails)
			assert.Equal(t, "DSTV", locked.BillPaymentDetails.BillerCode)

			bill := *locked.BillPaymentDetails
			bill.ProviderReference = "PRV-9"
			changed, err := tx.SettleTransaction(ctx, locked.ID, domain.TransactionStatusSuccessful, &bill, nil)
			if err != nil {
				return err
			}
			assert.True(t, changed)

			again, err := tx.SettleTransaction(ctx, locked.ID, domain.TransactionStatusFailed, nil, nil)
			if err != nil {
				return err
			}
			assert.False(t, again, "a settled record must not move again")
			return nil
		}))

		records, err := repo.ListTransactionsByAccount(ctx, account.ID, 1, 0)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, domain.TransactionStatusSuccessful, records[0].TransactionStatus)
		assert.Equal(t, "PRV-9", records[0].BillPaymentDetails.ProviderReference)

		err = repo.WithinTx(ctx, func(tx LedgerTx) error {
			_, err := tx.LockTransactionByRef(ctx, "XX-DR-missing")
			return err
		})
		assert.ErrorIs(t, err, domain.ErrTransactionNotFound)
	})

	t.Run("balance drift is detected", func(t *testing.T) {
		ctx := context.Background()
		account := newTestAccount("100")
		require.NoError(t, repo.CreateAccount(ctx, account, newTestRecord(account, domain.TransactionModeCredit, "100", nil)))

		// A balance write without a matching log record.
		require.NoError(t, repo.WithinTx(ctx, func(tx LedgerTx) error {
			locked, err := tx.LockAccountByID(ctx, account.ID)
			if err != nil {
				return err
			}
			locked.AccountBalance = decimal.RequireFromString("80")
			locked.BookBalance = decimal.RequireFromString("80")
			return tx.SaveAccountBalances(ctx, locked)
		}))

		drifts, err := repo.FindAccountsWithBalanceDrift(ctx)
		require.NoError(t, err)
		var found *domain.BalanceDrift
		for i := range drifts {
			if drifts[i].AccountID == account.ID {
				found = &drifts[i]
			}
		}
		require.NotNil(t, found, "expected drift for %s", account.AccountNumber)
		require.NotNil(t, found.LastSnapshot)
		assert.True(t, found.LastSnapshot.Equal(decimal.RequireFromString("100")))
		assert.True(t, found.AccountBalance.Equal(decimal.RequireFromString("80")))
	})

	t.Run("accounts are found by name case-insensitively", func(t *testing.T) {
		ctx := context.Background()
		name := "Pot " + uuid.NewString()
		first := newTestAccount("0")
		first.AccountName = name
		second := newTestAccount("0")
		second.AccountName = "  " + name
		require.NoError(t, repo.CreateAccount(ctx, first, nil))
		require.NoError(t, repo.CreateAccount(ctx, second, nil))

		found, err := repo.FindAccountsByName(ctx, " "+name+" ")
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, first.ID, found[0].ID)

		byID, err := repo.FindAccountByID(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, first.AccountNumber, byID.AccountNumber)

		_, err = repo.FindAccountByID(ctx, uuid.New())
		assert.ErrorIs(t, err, domain.ErrAccountNotFound)
	})

	t.Run("user mirror ignores older updates", func(t *testing.T) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)
		user := &domain.User{ID: uuid.New(), FirstName: "New", Roles: []domain.Role{domain.RoleCustomer}, UpdatedAt: now}
		require.NoError(t, repo.UpsertUser(ctx, user))
		require.NoError(t, repo.UpsertUser(ctx, &domain.User{ID: user.ID, FirstName: "Old", UpdatedAt: now.Add(-time.Minute)}))

		stored, err := repo.FindUserByID(ctx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, "New", stored.FirstName)
		assert.Equal(t, []domain.Role{domain.RoleCustomer}, stored.Roles)

		_, err = repo.FindUserByID(ctx, uuid.New())
		assert.ErrorIs(t, err, domain.ErrUserNotFound)
	})

	t.Run("savings group membership", func(t *testing.T) {
		ctx := context.Background()
		admin := uuid.New()
		member := uuid.New()
		group := &domain.SavingsGroup{
			ID:         uuid.New(),
			GroupName:  "Circle " + uuid.NewString(),
			GroupAdmin: admin,
			GroupType:  domain.SavingsGroupPublic,
			CreatedAt:  time.Now().UTC(),
		}
		require.NoError(t, repo.CreateSavingsGroup(ctx, group))

		duplicate := *group
		duplicate.ID = uuid.New()
		assert.ErrorIs(t, repo.CreateSavingsGroup(ctx, &duplicate), domain.ErrGroupNameTaken)

		stored, err := repo.FindSavingsGroupByID(ctx, group.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.SavingsGroupPublic, stored.GroupType)

		_, err = repo.FindSavingsGroupMember(ctx, group.ID, admin)
		require.NoError(t, err, "the admin is enrolled on creation")

		joined := &domain.SavingsGroupMember{GroupID: group.ID, UserID: member, DateJoined: time.Now().UTC(), ContributedFunds: decimal.Zero}
		require.NoError(t, repo.AddSavingsGroupMember(ctx, joined))
		assert.ErrorIs(t, repo.AddSavingsGroupMember(ctx, joined), domain.ErrAlreadyMember)

		updated, err := repo.IncrementMemberContribution(ctx, group.ID, member, decimal.RequireFromString("12.50"))
		require.NoError(t, err)
		assert.True(t, updated.ContributedFunds.Equal(decimal.RequireFromString("12.50")))
		_, err = repo.IncrementMemberContribution(ctx, group.ID, uuid.New(), decimal.RequireFromString("1"))
		assert.ErrorIs(t, err, domain.ErrNotGroupMember)

		members, err := repo.ListSavingsGroupMembers(ctx, group.ID)
		require.NoError(t, err)
		assert.Len(t, members, 2)

		require.NoError(t, repo.RemoveSavingsGroupMember(ctx, group.ID, member))
		assert.ErrorIs(t, repo.RemoveSavingsGroupMember(ctx, group.ID, member), domain.ErrNotMember)
		_, err = repo.FindSavingsGroupMember(ctx, group.ID, member)
		assert.ErrorIs(t, err, domain.ErrNotMember)

		require.NoError(t, repo.DeleteSavingsGroup(ctx, group.ID))
		_, err = repo.FindSavingsGroupByID(ctx, group.ID)
		assert.ErrorIs(t, err, domain.ErrSavingsGroupNotFound)
		assert.ErrorIs(t, repo.DeleteSavingsGroup(ctx, group.ID), domain.ErrSavingsGroupNotFound)
	})
}

func newTestAccount(balance string) *domain.Account {
	now := time.Now().UTC().Truncate(time.Millisecond)
	amount := decimal.RequireFromString(balance)
	return &domain.Account{
		ID:              uuid.New(),
		AccountNumber:   fmt.Sprintf("%d", 1_000_000_000+rand.Int63n(9_000_000_000)),
		AccountName:     "Test Account",
		AccountType:     domain.AccountTypeSavings,
		AccountCurrency: "NGN",
		AccountStatus:   domain.AccountStatusActive,
		AccountBalance:  amount,
		BookBalance:     amount,
		Version:         1,
		Holders:         []uuid.UUID{uuid.New()},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func newTestRecord(account *domain.Account, mode domain.TransactionMode, amount string, key *string) *domain.Transaction {
	now := time.Now().UTC()
	return &domain.Transaction{
		ID:                 uuid.New(),
		TransactionRef:     "TX-" + uuid.NewString(),
		TransactionDate:    now,
		Description:        "test record",
		TransactionAmount:  decimal.RequireFromString(amount),
		TransactionCharges: decimal.Zero,
		TransactionType:    domain.TransactionTypeFundsDeposit,
		TransactionMode:    mode,
		TransactionStatus:  domain.TransactionStatusSuccessful,
		AccountBalance:     account.AccountBalance,
		AccountID:          account.ID,
		AccountNumber:      account.AccountNumber,
		CustomerID:         account.Holders[0],
		IdempotencyKey:     key,
		UpdatedAt:          now,
	}
}
