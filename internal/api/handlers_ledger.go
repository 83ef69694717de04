package api

import (
	"net/http"

	"github.com/thrifty/ledger-service/internal/domain"
	"go.uber.org/zap"
)

// writeLedgerResult answers 201 for a fresh posting, 202 when the posting is
// still pending with a downstream rail and 200 for a replay.
func writeLedgerResult(w http.ResponseWriter, result *domain.LedgerResult) {
	if result.Replayed {
		w.Header().Set(ReplayedHeader, "true")
		writeJSON(w, http.StatusOK, result)
		return
	}
	for _, record := range result.Transactions {
		if record.TransactionStatus == domain.TransactionStatusPending {
			writeJSON(w, http.StatusAccepted, result)
			return
		}
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *Handlers) rejectBody(w http.ResponseWriter, endpoint string, err error) {
	h.logger.Warn("invalid json", zap.String("endpoint", endpoint), zap.String("outcome", "reject"), zap.Error(err))
	writeError(w, http.StatusBadRequest, "Invalid request body")
}

// DepositHandler credits an account.
func (h *Handlers) DepositHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrReject(w, r)
	if !ok {
		return
	}
	var req domain.DepositRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.rejectBody(w, "deposit", err)
		return
	}

	result, err := h.service.Deposit(r.Context(), actor, req, r.Header.Get(IdempotencyHeader))
	if err != nil {
		h.writeServiceError(w, "deposit", err)
		return
	}
	writeLedgerResult(w, result)
}

// WithdrawHandler debits an account.
func (h *Handlers) WithdrawHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrReject(w, r)
	if !ok {
		return
	}
	var req domain.WithdrawalRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.rejectBody(w, "withdraw", err)
		return
	}

	result, err := h.service.Withdraw(r.Context(), actor, req, r.Header.Get(IdempotencyHeader))
	if err != nil {
		h.writeServiceError(w, "withdraw", err)
		return
	}
	writeLedgerResult(w, result)
}

// InternalTransferHandler moves funds between two ledger accounts.
func (h *Handlers) InternalTransferHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrReject(w, r)
	if !ok {
		return
	}
	var req domain.InternalTransferRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.rejectBody(w, "internal_transfer", err)
		return
	}

	result, err := h.service.InternalTransfer(r.Context(), actor, req, r.Header.Get(IdempotencyHeader))
	if err != nil {
		h.writeServiceError(w, "internal_transfer", err)
		return
	}
	writeLedgerResult(w, result)
}

// ExternalTransferHandler debits an account towards another bank.
func (h *Handlers) ExternalTransferHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrReject(w, r)
	if !ok {
		return
	}
	var req domain.ExternalTransferRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.rejectBody(w, "external_transfer", err)
		return
	}

	result, err := h.service.ExternalTransfer(r.Context(), actor, req, r.Header.Get(IdempotencyHeader))
	if err != nil {
		h.writeServiceError(w, "external_transfer", err)
		return
	}
	writeLedgerResult(w, result)
}

// BillPaymentHandler debits an account and pays a bill.
func (h *Handlers) BillPaymentHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrReject(w, r)
	if !ok {
		return
	}
	var req domain.BillPaymentRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.rejectBody(w, "bill_payment", err)
		return
	}

	result, err := h.service.PayBill(r.Context(), actor, req, r.Header.Get(IdempotencyHeader))
	if err != nil {
		h.writeServiceError(w, "bill_payment", err)
		return
	}
	writeLedgerResult(w, result)
}
