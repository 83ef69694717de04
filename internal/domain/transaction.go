/**
 * @description
 * Transaction log models. A Transaction is written once per balance mutation
 * and only its status may move, from PENDING to a terminal value.
 *
 * @notes
 * - AccountBalance is the post-mutation snapshot of the account it belongs to.
 * - Internal transfers produce two records linked by TransferGroupID.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TransactionTypeInstantTransfer TransactionType = "INSTANT_TRANSFER"
	TransactionTypeBillPayment     TransactionType = "BILL_PAYMENT"
	TransactionTypeFundsDeposit    TransactionType = "FUNDS_DEPOSIT"
	TransactionTypeFundsWithdrawal TransactionType = "FUNDS_WITHDRAWAL"
)

type TransactionMode string

const (
	TransactionModeDebit  TransactionMode = "DEBIT"
	TransactionModeCredit TransactionMode = "CREDIT"
)

type TransactionStatus string

const (
	TransactionStatusPending            TransactionStatus = "PENDING"
	TransactionStatusApproved           TransactionStatus = "APPROVED"
	TransactionStatusRejected           TransactionStatus = "REJECTED"
	TransactionStatusCancelled          TransactionStatus = "CANCELLED"
	TransactionStatusFailed             TransactionStatus = "FAILED"
	TransactionStatusSuccessful         TransactionStatus = "SUCCESSFUL"
	TransactionStatusReversed           TransactionStatus = "REVERSED"
	TransactionStatusReversalPending    TransactionStatus = "REVERSAL_PENDING"
	TransactionStatusReversalSuccessful TransactionStatus = "REVERSAL_SUCCESSFUL"
	TransactionStatusReversalFailed     TransactionStatus = "REVERSAL_FAILED"
)

// Terminal reports whether no further status transition is allowed.
func (s TransactionStatus) Terminal() bool {
	return s != TransactionStatusPending && s != TransactionStatusReversalPending
}

// Transaction maps to the `transactions` table.
type Transaction struct {
	ID                 uuid.UUID           `json:"id"`
	TransactionRef     string              `json:"transaction_ref"`
	TransactionDate    time.Time           `json:"transaction_date"`
	Description        string              `json:"description"`
	TransactionAmount  decimal.Decimal     `json:"transaction_amount"`
	TransactionCharges decimal.Decimal     `json:"transaction_charges"`
	TransactionType    TransactionType     `json:"transaction_type"`
	TransactionMode    TransactionMode     `json:"transaction_mode"`
	TransactionStatus  TransactionStatus   `json:"transaction_status"`
	AccountBalance     decimal.Decimal     `json:"account_balance"`
	AccountID          uuid.UUID           `json:"account_id"`
	AccountNumber      string              `json:"account_number"`
	CustomerID         uuid.UUID           `json:"customer_id"`
	TransferGroupID    *uuid.UUID          `json:"transfer_group_id,omitempty"`
	IdempotencyKey     *string             `json:"-"`
	ToExternalAccount  *ExternalAccount    `json:"to_external_account,omitempty"`
	BillPaymentDetails *BillPaymentDetails `json:"bill_payment_details,omitempty"`
	FailureReason      *string             `json:"failure_reason,omitempty"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

// Total is the amount that left (or entered) the account, charges included.
func (t *Transaction) Total() decimal.Decimal {
	return t.TransactionAmount.Add(t.TransactionCharges)
}

// ExternalAccount is the snapshot of a bank account outside the ledger, kept
// on external transfers for reconciliation.
type ExternalAccount struct {
	BankName      string `json:"bank_name"`
	BankCode      string `json:"bank_code"`
	AccountNumber string `json:"account_number"`
	AccountName   string `json:"account_name"`
	Branch        string `json:"branch,omitempty"`
}

// BillPaymentDetails is the snapshot of a bill payment, completed with the
// provider reference once the provider confirms it.
type BillPaymentDetails struct {
	BillerCode        string `json:"biller_code"`
	BillerName        string `json:"biller_name"`
	Category          string `json:"category,omitempty"`
	CustomerReference string `json:"customer_reference"`
	ProviderReference string `json:"provider_reference,omitempty"`
}

// DepositRequest is the DTO for funding an account.
type DepositRequest struct {
	AccountNumber string          `json:"account_number"`
	Amount        decimal.Decimal `json:"amount"`
	Party         string          `json:"party"`
}

// WithdrawalRequest is the DTO for a cash-out from an account.
type WithdrawalRequest struct {
	AccountNumber string          `json:"account_number"`
	Amount        decimal.Decimal `json:"amount"`
	Party         string          `json:"party"`
}

// InternalTransferRequest moves funds between two ledger accounts.
type InternalTransferRequest struct {
	FromAccountNumber string          `json:"from_account_number"`
	ToAccountNumber   string          `json:"to_account_number"`
	ToAccountName     string          `json:"to_account_name"`
	Amount            decimal.Decimal `json:"amount"`
	Narration         string          `json:"narration"`
}

// ExternalTransferRequest moves funds out of the ledger to another bank.
type ExternalTransferRequest struct {
	FromAccountNumber string          `json:"from_account_number"`
	ToExternalAccount ExternalAccount `json:"to_external_account"`
	Amount            decimal.Decimal `json:"amount"`
	Narration         string          `json:"narration"`
}

// BillPaymentRequest pays a biller from an account.
type BillPaymentRequest struct {
	FromAccountNumber string             `json:"from_account_number"`
	Amount            decimal.Decimal    `json:"amount"`
	Bill              BillPaymentDetails `json:"bill"`
}

// LedgerResult is what a money movement returns. Replayed is set when the
// records come from an earlier request with the same idempotency key.
type LedgerResult struct {
	Transactions []Transaction `json:"transactions"`
	Replayed     bool          `json:"replayed"`
}

// Settlement is the outcome of an external rail for a pending transaction.
type Settlement struct {
	TransactionRef    string            `json:"transaction_ref"`
	Status            TransactionStatus `json:"status"`
	ProviderReference string            `json:"provider_reference,omitempty"`
	Reason            string            `json:"reason,omitempty"`
}
