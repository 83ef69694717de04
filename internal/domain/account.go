/**
 * @description
 * Account models for the ledger-service. An Account is the balance-bearing
 * aggregate mutated by the ledger engine.
 *
 * @notes
 * - Money is carried as shopspring/decimal values with two fraction digits.
 *   No float is ever used for a balance.
 * - Version increments on every balance write and guards concurrent writers.
 */

package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MoneyScale is the number of fraction digits kept for every monetary value.
const MoneyScale = 2

type AccountType string

const (
	AccountTypeSavings AccountType = "SAVINGS"
	AccountTypeCurrent AccountType = "CURRENT"
)

type AccountStatus string

const (
	AccountStatusActive  AccountStatus = "ACTIVE"
	AccountStatusDormant AccountStatus = "DORMANT"
	AccountStatusFrozen  AccountStatus = "FROZEN"
	AccountStatusClosed  AccountStatus = "CLOSED"
)

// Account maps to the `accounts` table; Holders comes from `account_holders`.
type Account struct {
	ID              uuid.UUID       `json:"id"`
	AccountNumber   string          `json:"account_number"`
	AccountName     string          `json:"account_name"`
	AccountType     AccountType     `json:"account_type"`
	AccountCurrency string          `json:"account_currency"`
	AccountStatus   AccountStatus   `json:"account_status"`
	AccountBalance  decimal.Decimal `json:"account_balance"`
	BookBalance     decimal.Decimal `json:"book_balance"`
	Version         int64           `json:"version"`
	Holders         []uuid.UUID     `json:"holders"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// HeldBy reports whether userID is one of the account holders.
func (a *Account) HeldBy(userID uuid.UUID) bool {
	for _, holder := range a.Holders {
		if holder == userID {
			return true
		}
	}
	return false
}

// Credit adds amount to both the available and the book balance.
func (a *Account) Credit(amount decimal.Decimal) {
	a.AccountBalance = a.AccountBalance.Add(amount).Round(MoneyScale)
	a.BookBalance = a.BookBalance.Add(amount).Round(MoneyScale)
}

// Debit removes amount from both balances, refusing to go negative.
func (a *Account) Debit(amount decimal.Decimal) error {
	if a.AccountBalance.LessThan(amount) {
		return ErrFundsInsufficient
	}
	a.AccountBalance = a.AccountBalance.Sub(amount).Round(MoneyScale)
	a.BookBalance = a.BookBalance.Sub(amount).Round(MoneyScale)
	return nil
}

// Clone returns a deep copy, so staged mutations never leak into shared state.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Holders = append([]uuid.UUID(nil), a.Holders...)
	return &cp
}

// ParseAccountType normalizes user input; the empty string defaults to SAVINGS.
func ParseAccountType(raw string) (AccountType, bool) {
	switch AccountType(strings.ToUpper(strings.TrimSpace(raw))) {
	case "", AccountTypeSavings:
		return AccountTypeSavings, true
	case AccountTypeCurrent:
		return AccountTypeCurrent, true
	default:
		return "", false
	}
}

// ValidAmount reports whether amount is positive and fits the money scale.
func ValidAmount(amount decimal.Decimal) bool {
	return amount.IsPositive() && amount.Equal(amount.Round(MoneyScale))
}

// CreateAccountRequest is the DTO for opening an account.
type CreateAccountRequest struct {
	AccountName     string          `json:"account_name"`
	AccountType     string          `json:"account_type"`
	AccountCurrency string          `json:"account_currency"`
	HolderIDs       []uuid.UUID     `json:"holder_ids"`
	OpeningBalance  decimal.Decimal `json:"opening_balance"`
}

// AccountBalance is the response body of a balance query.
type AccountBalance struct {
	AccountNumber   string          `json:"account_number"`
	AccountCurrency string          `json:"account_currency"`
	AccountBalance  decimal.Decimal `json:"account_balance"`
	BookBalance     decimal.Decimal `json:"book_balance"`
}

// BalanceDrift describes an account whose stored balances disagree with each
// other or with the latest transaction snapshot.
type BalanceDrift struct {
	AccountID       uuid.UUID
	AccountNumber   string
	AccountBalance  decimal.Decimal
	BookBalance     decimal.Decimal
	LastSnapshot    *decimal.Decimal
	LastSnapshotRef *string
}
