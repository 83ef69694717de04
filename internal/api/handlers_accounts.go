package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/thrifty/ledger-service/internal/domain"
	"go.uber.org/zap"
)

// CreateAccountHandler opens a new account.
func (h *Handlers) CreateAccountHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrReject(w, r)
	if !ok {
		return
	}

	var req domain.CreateAccountRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.logger.Warn("invalid json", zap.String("endpoint", "create_account"), zap.String("outcome", "reject"), zap.Error(err))
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	account, err := h.service.CreateAccount(r.Context(), actor, req)
	if err != nil {
		h.writeServiceError(w, "create_account", err)
		return
	}
	writeJSON(w, http.StatusCreated, account)
}

// GetAccountHandler returns one account by number.
func (h *Handlers) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrReject(w, r)
	if !ok {
		return
	}
	account, err := h.service.GetAccount(r.Context(), actor, chi.URLParam(r, "number"))
	if err != nil {
		h.writeServiceError(w, "get_account", err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

// GetBalanceHandler returns the balances of an account.
func (h *Handlers) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrReject(w, r)
	if !ok {
		return
	}
	balance, err := h.service.GetBalance(r.Context(), actor, chi.URLParam(r, "number"))
	if err != nil {
		h.writeServiceError(w, "get_balance", err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

// ListTransactionsHandler pages through an account's transaction log.
func (h *Handlers) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrReject(w, r)
	if !ok {
		return
	}
	limit, err := intQuery(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}
	offset, err := intQuery(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid offset")
		return
	}

	records, err := h.service.ListTransactions(r.Context(), actor, chi.URLParam(r, "number"), limit, offset)
	if err != nil {
		h.writeServiceError(w, "list_transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": records,
		"limit":        limit,
		"offset":       offset,
	})
}

// AdminGetAccountHandler looks an account up by id.
func (h *Handlers) AdminGetAccountHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrReject(w, r)
	if !ok {
		return
	}
	accountID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	account, err := h.service.GetAccountByID(r.Context(), actor, accountID)
	if err != nil {
		h.writeServiceError(w, "admin_get_account", err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

// AdminSearchAccountsHandler searches accounts by name.
func (h *Handlers) AdminSearchAccountsHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOrReject(w, r)
	if !ok {
		return
	}
	accounts, err := h.service.FindAccountsByName(r.Context(), actor, r.URL.Query().Get("name"))
	if err != nil {
		h.writeServiceError(w, "admin_search_accounts", err)
		return
	}
	writeJSON(w, http.StatusOK, accounts)
}
