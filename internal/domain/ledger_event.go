package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerEvent is published once per committed transaction record.
type LedgerEvent struct {
	TransactionID   string          `json:"transaction_id"`
	TransactionRef  string          `json:"transaction_ref"`
	TransferGroupID string          `json:"transfer_group_id,omitempty"`
	AccountNumber   string          `json:"account_number"`
	CustomerID      string          `json:"customer_id"`
	Type            TransactionType `json:"type"`
	Mode            TransactionMode `json:"mode"`
	Status          string          `json:"status"`
	Amount          decimal.Decimal `json:"amount"`
	Charges         decimal.Decimal `json:"charges"`
	AccountBalance  decimal.Decimal `json:"account_balance"`
	OccurredAt      time.Time       `json:"occurred_at"`
}

// TransferStatusEvent is emitted by the payment rails for external transfers
// and bill payments that were left PENDING.
type TransferStatusEvent struct {
	EventID           string    `json:"event_id"`
	TransactionRef    string    `json:"transaction_ref"`
	Status            string    `json:"status"`
	ProviderReference string    `json:"provider_reference"`
	Reason            string    `json:"reason"`
	OccurredAt        time.Time `json:"occurred_at"`
}

// NewLedgerEvent projects a transaction record onto its event payload.
func NewLedgerEvent(tx Transaction) LedgerEvent {
	event := LedgerEvent{
		TransactionID:  tx.ID.String(),
		TransactionRef: tx.TransactionRef,
		AccountNumber:  tx.AccountNumber,
		CustomerID:     tx.CustomerID.String(),
		Type:           tx.TransactionType,
		Mode:           tx.TransactionMode,
		Status:         string(tx.TransactionStatus),
		Amount:         tx.TransactionAmount,
		Charges:        tx.TransactionCharges,
		AccountBalance: tx.AccountBalance,
		OccurredAt:     tx.TransactionDate,
	}
	if tx.TransferGroupID != nil {
		event.TransferGroupID = tx.TransferGroupID.String()
	}
	return event
}
