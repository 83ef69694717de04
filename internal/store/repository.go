/**
 * @description
 * This file defines the `Repository` interface, the contract for every data
 * access operation the ledger-service needs. Balance mutations only happen
 * through a `LedgerTx` handed out by `WithinTx`, so that locking, the version
 * check and the transaction-log write share one atomic boundary.
 *
 * @dependencies
 * - github.com/google/uuid, github.com/shopspring/decimal
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/thrifty/ledger-service/internal/domain"
)

var (
	// ErrAccountNumberTaken is returned by CreateAccount when the generated
	// number lost a race against another insert.
	ErrAccountNumberTaken = errors.New("account number already taken")
	// ErrConcurrentUpdate is returned when a version-checked write or a
	// serializable transaction lost against a concurrent writer.
	ErrConcurrentUpdate = errors.New("concurrent update detected")
)

// LedgerTx is the unit of work of a single ledger operation.
type LedgerTx interface {
	// LockAccountsByNumber loads and row-locks the given accounts in ascending
	// account-number order. Numbers that do not resolve are absent from the map.
	LockAccountsByNumber(ctx context.Context, numbers ...string) (map[string]*domain.Account, error)
	LockAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error)
	// SaveAccountBalances writes balances guarded by the version read at lock
	// time and bumps the version in place.
	SaveAccountBalances(ctx context.Context, accounts ...*domain.Account) error
	AppendTransactions(ctx context.Context, records ...*domain.Transaction) error
	FindTransactionsByIdempotencyKey(ctx context.Context, customerID uuid.UUID, key string) ([]domain.Transaction, error)
	LockTransactionByRef(ctx context.Context, ref string) (*domain.Transaction, error)
	// SettleTransaction moves a PENDING record to status; it reports false if
	// the record was no longer pending.
	SettleTransaction(ctx context.Context, transactionID uuid.UUID, status domain.TransactionStatus, bill *domain.BillPaymentDetails, failureReason *string) (bool, error)
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	WithinTx(ctx context.Context, fn func(tx LedgerTx) error) error

	// Account methods
	AccountNumberExists(ctx context.Context, number string) (bool, error)
	CreateAccount(ctx context.Context, account *domain.Account, opening *domain.Transaction) error
	FindAccountByNumber(ctx context.Context, number string) (*domain.Account, error)
	FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error)
	FindAccountsByName(ctx context.Context, name string) ([]domain.Account, error)
	FindAccountsWithBalanceDrift(ctx context.Context) ([]domain.BalanceDrift, error)

	// Transaction log methods
	ListTransactionsByAccount(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]domain.Transaction, error)

	// User directory mirror
	FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error)
	UpsertUser(ctx context.Context, user *domain.User) error

	// Savings group methods
	CreateSavingsGroup(ctx context.Context, group *domain.SavingsGroup) error
	FindSavingsGroupByID(ctx context.Context, groupID uuid.UUID) (*domain.SavingsGroup, error)
	DeleteSavingsGroup(ctx context.Context, groupID uuid.UUID) error
	FindSavingsGroupMember(ctx context.Context, groupID, userID uuid.UUID) (*domain.SavingsGroupMember, error)
	ListSavingsGroupMembers(ctx context.Context, groupID uuid.UUID) ([]domain.SavingsGroupMember, error)
	AddSavingsGroupMember(ctx context.Context, member *domain.SavingsGroupMember) error
	RemoveSavingsGroupMember(ctx context.Context, groupID, userID uuid.UUID) error
	IncrementMemberContribution(ctx context.Context, groupID, userID uuid.UUID, amount decimal.Decimal) (*domain.SavingsGroupMember, error)
}
