package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/thrifty/ledger-service/internal/domain"
	"github.com/thrifty/ledger-service/internal/store"
	"github.com/thrifty/ledger-service/pkg/billclient"
	"go.uber.org/zap"
)

// operation identifies a money movement for idempotent replay: a key may
// only be replayed for the same type, source account and amount.
type operation struct {
	txType        domain.TransactionType
	accountNumber string
	amount        decimal.Decimal
}

func (op operation) matches(records []domain.Transaction) bool {
	if len(records) == 0 {
		return false
	}
	first := records[0]
	return first.TransactionType == op.txType &&
		first.AccountNumber == op.accountNumber &&
		first.TransactionAmount.Equal(op.amount)
}

// ledgerPlan validates and mutates the locked accounts and returns the
// records to append.
type ledgerPlan func(ctx context.Context, tx store.LedgerTx, locked map[string]*domain.Account) ([]*domain.Transaction, error)

// runLedgerOperation is the atomic unit shared by every money movement.
func (s *Service) runLedgerOperation(
	ctx context.Context,
	actor domain.Actor,
	op operation,
	idempotencyKey string,
	numbers []string,
	plan ledgerPlan,
) (*domain.LedgerResult, error) {
	if err := requireRole(actor, domain.RoleCustomer); err != nil {
		return nil, err
	}
	if !domain.ValidAmount(op.amount) {
		return nil, domain.ErrInvalidAmount
	}
	key, err := normalizeIdempotencyKey(idempotencyKey)
	if err != nil {
		return nil, err
	}

	var result domain.LedgerResult
	err = s.repo.WithinTx(ctx, func(tx store.LedgerTx) error {
		// 1. Lock every account the operation touches.
		locked, err := tx.LockAccountsByNumber(ctx, numbers...)
		if err != nil {
			return err
		}

		// 2. Replay a request that already committed under this key.
		if key != "" {
			existing, err := tx.FindTransactionsByIdempotencyKey(ctx, actor.UserID, key)
			if err != nil {
				return fmt.Errorf("lookup idempotency key: %w", err)
			}
			if len(existing) > 0 {
				if !op.matches(existing) {
					return domain.ErrIdempotencyKeyReused
				}
				result = domain.LedgerResult{Transactions: existing, Replayed: true}
				return nil
			}
		}

		// 3. Validate, mutate and persist.
		records, err := plan(ctx, tx, locked)
		if err != nil {
			return err
		}
		if key != "" {
			for _, record := range records {
				record.IdempotencyKey = &key
			}
		}
		if err := tx.AppendTransactions(ctx, records...); err != nil {
			return err
		}

		result.Transactions = make([]domain.Transaction, 0, len(records))
		for _, record := range records {
			result.Transactions = append(result.Transactions, *record)
		}
		return nil
	})
	if err != nil {
		return nil, translateStoreError(err)
	}

	if result.Replayed {
		s.logger.Info("ledger operation replayed",
			zap.String("type", string(op.txType)),
			zap.String("account_number", op.accountNumber),
		)
		return &result, nil
	}

	s.publishLedgerEvents(ctx, result.Transactions)
	return &result, nil
}

// heldAccount resolves a locked account the actor holds. A missing account
// and a foreign account are indistinguishable to the caller.
func heldAccount(locked map[string]*domain.Account, number string, actor domain.Actor) (*domain.Account, error) {
	account, ok := locked[number]
	if !ok || !account.HeldBy(actor.UserID) {
		return nil, domain.ErrAccountNotFound
	}
	if account.AccountStatus != domain.AccountStatusActive {
		return nil, domain.ErrAccountNotActive
	}
	return account, nil
}

type recordSpec struct {
	account     *domain.Account
	customerID  uuid.UUID
	txType      domain.TransactionType
	mode        domain.TransactionMode
	status      domain.TransactionStatus
	amount      decimal.Decimal
	charges     decimal.Decimal
	description string
	groupID     *uuid.UUID
}

// newRecord snapshots the account balance after the mutation was applied.
func (s *Service) newRecord(spec recordSpec) *domain.Transaction {
	now := s.now()
	return &domain.Transaction{
		ID:                 uuid.New(),
		TransactionRef:     s.refs.Next(spec.txType, spec.mode),
		TransactionDate:    now,
		Description:        spec.description,
		TransactionAmount:  spec.amount,
		TransactionCharges: spec.charges.Round(domain.MoneyScale),
		TransactionType:    spec.txType,
		TransactionMode:    spec.mode,
		TransactionStatus:  spec.status,
		AccountBalance:     spec.account.AccountBalance,
		AccountID:          spec.account.ID,
		AccountNumber:      spec.account.AccountNumber,
		CustomerID:         spec.customerID,
		TransferGroupID:    spec.groupID,
		UpdatedAt:          now,
	}
}

func partyOrDefault(party string) string {
	if trimmed := strings.TrimSpace(party); trimmed != "" {
		return trimmed
	}
	return "account holder"
}

// Deposit credits an account the actor holds.
func (s *Service) Deposit(ctx context.Context, actor domain.Actor, req domain.DepositRequest, idempotencyKey string) (*domain.LedgerResult, error) {
	number := strings.TrimSpace(req.AccountNumber)
	op := operation{txType: domain.TransactionTypeFundsDeposit, accountNumber: number, amount: req.Amount}

	return s.runLedgerOperation(ctx, actor, op, idempotencyKey, []string{number},
		func(ctx context.Context, tx store.LedgerTx, locked map[string]*domain.Account) ([]*domain.Transaction, error) {
			account, err := heldAccount(locked, number, actor)
			if err != nil {
				return nil, err
			}

			account.Credit(req.Amount)
			if err := tx.SaveAccountBalances(ctx, account); err != nil {
				return nil, err
			}

			return []*domain.Transaction{s.newRecord(recordSpec{
				account:     account,
				customerID:  actor.UserID,
				txType:      domain.TransactionTypeFundsDeposit,
				mode:        domain.TransactionModeCredit,
				status:      domain.TransactionStatusSuccessful,
				amount:      req.Amount,
				description: fmt.Sprintf("Deposit of %s by %s", formatMoney(account.AccountCurrency, req.Amount), partyOrDefault(req.Party)),
			})}, nil
		})
}

// Withdraw debits an account the actor holds; it never overdraws.
func (s *Service) Withdraw(ctx context.Context, actor domain.Actor, req domain.WithdrawalRequest, idempotencyKey string) (*domain.LedgerResult, error) {
	number := strings.TrimSpace(req.AccountNumber)
	op := operation{txType: domain.TransactionTypeFundsWithdrawal, accountNumber: number, amount: req.Amount}

	return s.runLedgerOperation(ctx, actor, op, idempotencyKey, []string{number},
		func(ctx context.Context, tx store.LedgerTx, locked map[string]*domain.Account) ([]*domain.Transaction, error) {
			account, err := heldAccount(locked, number, actor)
			if err != nil {
				return nil, err
			}

			if err := account.Debit(req.Amount); err != nil {
				return nil, err
			}
			if err := tx.SaveAccountBalances(ctx, account); err != nil {
				return nil, err
			}

			return []*domain.Transaction{s.newRecord(recordSpec{
				account:     account,
				customerID:  actor.UserID,
				txType:      domain.TransactionTypeFundsWithdrawal,
				mode:        domain.TransactionModeDebit,
				status:      domain.TransactionStatusSuccessful,
				amount:      req.Amount,
				description: fmt.Sprintf("Withdrawal of %s by %s", formatMoney(account.AccountCurrency, req.Amount), partyOrDefault(req.Party)),
			})}, nil
		})
}

// InternalTransfer moves funds between two ledger accounts and writes a
// debit and a credit record sharing one transfer group.
func (s *Service) InternalTransfer(ctx context.Context, actor domain.Actor, req domain.InternalTransferRequest, idempotencyKey string) (*domain.LedgerResult, error) {
	from := strings.TrimSpace(req.FromAccountNumber)
	to := strings.TrimSpace(req.ToAccountNumber)
	if from == to {
		return nil, domain.NewError(domain.KindValidation, "source and destination accounts must differ")
	}
	op := operation{txType: domain.TransactionTypeInstantTransfer, accountNumber: from, amount: req.Amount}

	return s.runLedgerOperation(ctx, actor, op, idempotencyKey, []string{from, to},
		func(ctx context.Context, tx store.LedgerTx, locked map[string]*domain.Account) ([]*domain.Transaction, error) {
			source, err := heldAccount(locked, from, actor)
			if err != nil {
				return nil, err
			}

			destination, ok := locked[to]
			if !ok || !strings.EqualFold(strings.TrimSpace(destination.AccountName), strings.TrimSpace(req.ToAccountName)) {
				return nil, domain.NewError(domain.KindNotFound, "destination account not found")
			}
			if destination.AccountStatus != domain.AccountStatusActive {
				return nil, domain.NewError(domain.KindForbidden, "destination account is not active")
			}
			if destination.AccountCurrency != source.AccountCurrency {
				return nil, domain.NewError(domain.KindValidation, "cannot transfer between %s and %s accounts", source.AccountCurrency, destination.AccountCurrency)
			}

			if err := source.Debit(req.Amount); err != nil {
				return nil, err
			}
			destination.Credit(req.Amount)
			if err := tx.SaveAccountBalances(ctx, source, destination); err != nil {
				return nil, err
			}

			groupID := uuid.New()
			amountText := formatMoney(source.AccountCurrency, req.Amount)
			narration := ""
			if trimmed := strings.TrimSpace(req.Narration); trimmed != "" {
				narration = ": " + trimmed
			}

			debit := s.newRecord(recordSpec{
				account:    source,
				customerID: actor.UserID,
				txType:     domain.TransactionTypeInstantTransfer,
				mode:       domain.TransactionModeDebit,
				status:     domain.TransactionStatusSuccessful,
				amount:     req.Amount,
				description: fmt.Sprintf("Transfer of %s from %s (%s) to %s (%s)%s",
					amountText, source.AccountName, source.AccountNumber, destination.AccountName, destination.AccountNumber, narration),
				groupID: &groupID,
			})
			credit := s.newRecord(recordSpec{
				account:    destination,
				customerID: actor.UserID,
				txType:     domain.TransactionTypeInstantTransfer,
				mode:       domain.TransactionModeCredit,
				status:     domain.TransactionStatusSuccessful,
				amount:     req.Amount,
				description: fmt.Sprintf("Transfer of %s to %s (%s) from %s (%s)%s",
					amountText, destination.AccountName, destination.AccountNumber, source.AccountName, source.AccountNumber, narration),
				groupID: &groupID,
			})
			return []*domain.Transaction{debit, credit}, nil
		})
}

func validateExternalAccount(external domain.ExternalAccount) error {
	switch {
	case strings.TrimSpace(external.BankName) == "":
		return domain.NewError(domain.KindValidation, "external bank name is required")
	case strings.TrimSpace(external.AccountNumber) == "":
		return domain.NewError(domain.KindValidation, "external account number is required")
	case strings.TrimSpace(external.AccountName) == "":
		return domain.NewError(domain.KindValidation, "external account name is required")
	}
	return nil
}

// ExternalTransfer debits the source (plus the configured charge) and
// records the destination bank details. The record stays PENDING until the
// rail reports settlement.
func (s *Service) ExternalTransfer(ctx context.Context, actor domain.Actor, req domain.ExternalTransferRequest, idempotencyKey string) (*domain.LedgerResult, error) {
	if err := validateExternalAccount(req.ToExternalAccount); err != nil {
		return nil, err
	}
	from := strings.TrimSpace(req.FromAccountNumber)
	op := operation{txType: domain.TransactionTypeInstantTransfer, accountNumber: from, amount: req.Amount}
	charge := s.settings.ExternalTransferCharge

	return s.runLedgerOperation(ctx, actor, op, idempotencyKey, []string{from},
		func(ctx context.Context, tx store.LedgerTx, locked map[string]*domain.Account) ([]*domain.Transaction, error) {
			source, err := heldAccount(locked, from, actor)
			if err != nil {
				return nil, err
			}

			if err := source.Debit(req.Amount.Add(charge)); err != nil {
				return nil, err
			}
			if err := tx.SaveAccountBalances(ctx, source); err != nil {
				return nil, err
			}

			external := req.ToExternalAccount
			groupID := uuid.New()
			description := fmt.Sprintf("Transfer of %s from %s (%s) to %s, %s (%s)",
				formatMoney(source.AccountCurrency, req.Amount), source.AccountName, source.AccountNumber,
				external.AccountName, external.BankName, external.AccountNumber)
			if trimmed := strings.TrimSpace(req.Narration); trimmed != "" {
				description += ": " + trimmed
			}

			record := s.newRecord(recordSpec{
				account:     source,
				customerID:  actor.UserID,
				txType:      domain.TransactionTypeInstantTransfer,
				mode:        domain.TransactionModeDebit,
				status:      domain.TransactionStatusPending,
				amount:      req.Amount,
				charges:     charge,
				description: description,
				groupID:     &groupID,
			})
			record.ToExternalAccount = &external
			return []*domain.Transaction{record}, nil
		})
}

// PayBill debits the source, calls the bill provider outside the database
// transaction and then settles the pending record with the outcome.
func (s *Service) PayBill(ctx context.Context, actor domain.Actor, req domain.BillPaymentRequest, idempotencyKey string) (*domain.LedgerResult, error) {
	if strings.TrimSpace(req.Bill.BillerCode) == "" || strings.TrimSpace(req.Bill.CustomerReference) == "" {
		return nil, domain.NewError(domain.KindValidation, "biller code and customer reference are required")
	}
	from := strings.TrimSpace(req.FromAccountNumber)
	op := operation{txType: domain.TransactionTypeBillPayment, accountNumber: from, amount: req.Amount}

	// 1. Debit and record the pending payment.
	currency := s.settings.DefaultCurrency
	result, err := s.runLedgerOperation(ctx, actor, op, idempotencyKey, []string{from},
		func(ctx context.Context, tx store.LedgerTx, locked map[string]*domain.Account) ([]*domain.Transaction, error) {
			source, err := heldAccount(locked, from, actor)
			if err != nil {
				return nil, err
			}

			if err := source.Debit(req.Amount); err != nil {
				return nil, err
			}
			if err := tx.SaveAccountBalances(ctx, source); err != nil {
				return nil, err
			}

			currency = source.AccountCurrency
			bill := req.Bill
			bill.ProviderReference = ""
			groupID := uuid.New()
			record := s.newRecord(recordSpec{
				account:    source,
				customerID: actor.UserID,
				txType:     domain.TransactionTypeBillPayment,
				mode:       domain.TransactionModeDebit,
				status:     domain.TransactionStatusPending,
				amount:     req.Amount,
				description: fmt.Sprintf("Bill payment of %s to %s for %s",
					formatMoney(source.AccountCurrency, req.Amount), billerLabel(bill), bill.CustomerReference),
				groupID: &groupID,
			})
			record.BillPaymentDetails = &bill
			return []*domain.Transaction{record}, nil
		})
	if err != nil || result.Replayed {
		return result, err
	}

	debit := result.Transactions[0]
	if s.bills == nil {
		s.logger.Warn("bill provider not configured; payment left pending", zap.String("transaction_ref", debit.TransactionRef))
		return result, nil
	}

	// 2. Call the provider with the transaction reference as its idempotent reference.
	resp, callErr := s.bills.Pay(ctx, billclient.PaymentRequest{
		Reference:         debit.TransactionRef,
		BillerCode:        req.Bill.BillerCode,
		CustomerReference: req.Bill.CustomerReference,
		Amount:            req.Amount,
		Currency:          currency,
	})

	settlement := domain.Settlement{TransactionRef: debit.TransactionRef}
	switch {
	case callErr != nil && billclient.IsDefinitiveFailure(callErr):
		settlement.Status = domain.TransactionStatusFailed
		settlement.Reason = callErr.Error()
	case callErr != nil:
		s.logger.Warn("bill provider outcome unknown; payment left pending",
			zap.String("transaction_ref", debit.TransactionRef),
			zap.Error(callErr),
		)
		return result, nil
	case resp == nil:
		s.logger.Warn("bill provider returned no outcome; payment left pending", zap.String("transaction_ref", debit.TransactionRef))
		return result, nil
	case resp.Status == billclient.StatusSuccessful:
		settlement.Status = domain.TransactionStatusSuccessful
		settlement.ProviderReference = resp.ProviderReference
	case resp.Status == billclient.StatusFailed:
		settlement.Status = domain.TransactionStatusFailed
		settlement.Reason = resp.Message
	case resp.Status == billclient.StatusPending:
		return result, nil
	default:
		// The provider may still execute the payment; the status consumer settles it.
		s.logger.Warn("bill provider status not recognised; payment left pending",
			zap.String("transaction_ref", debit.TransactionRef),
			zap.String("provider_status", resp.Status),
		)
		return result, nil
	}

	// 3. Settle, even if the caller went away in the meantime.
	settled, err := s.SettleTransaction(context.WithoutCancel(ctx), settlement)
	if err != nil {
		s.logger.Error("bill payment settlement failed",
			zap.String("transaction_ref", debit.TransactionRef),
			zap.String("status", string(settlement.Status)),
			zap.Error(err),
		)
		return nil, fmt.Errorf("settle bill payment %s: %w", debit.TransactionRef, err)
	}
	if settlement.Status == domain.TransactionStatusFailed {
		return settled, fmt.Errorf("%w: %s", ErrBillPaymentFailed, settlement.Reason)
	}
	return settled, nil
}

func billerLabel(bill domain.BillPaymentDetails) string {
	if name := strings.TrimSpace(bill.BillerName); name != "" {
		return name
	}
	return bill.BillerCode
}

// SettleTransaction applies the single permitted status transition,
// PENDING to SUCCESSFUL or FAILED. A failed debit is returned to its account
// with a linked CREDIT record. Settling a record twice is a no-op.
func (s *Service) SettleTransaction(ctx context.Context, settlement domain.Settlement) (*domain.LedgerResult, error) {
	ref := strings.TrimSpace(settlement.TransactionRef)
	if ref == "" {
		return nil, domain.NewError(domain.KindValidation, "transaction reference is required")
	}
	if settlement.Status != domain.TransactionStatusSuccessful && settlement.Status != domain.TransactionStatusFailed {
		return nil, domain.NewError(domain.KindValidation, "unsupported settlement status %q", settlement.Status)
	}

	var result domain.LedgerResult
	err := s.repo.WithinTx(ctx, func(tx store.LedgerTx) error {
		original, err := tx.LockTransactionByRef(ctx, ref)
		if err != nil {
			return err
		}
		if original.TransactionStatus != domain.TransactionStatusPending {
			result = domain.LedgerResult{Transactions: []domain.Transaction{*original}, Replayed: true}
			return nil
		}
		if original.TransactionMode != domain.TransactionModeDebit {
			return domain.NewError(domain.KindValidation, "only pending debits can be settled")
		}

		if settlement.Status == domain.TransactionStatusSuccessful {
			bill := original.BillPaymentDetails
			if bill != nil && settlement.ProviderReference != "" {
				bill.ProviderReference = settlement.ProviderReference
			}
			if _, err := tx.SettleTransaction(ctx, original.ID, domain.TransactionStatusSuccessful, bill, nil); err != nil {
				return err
			}
			original.TransactionStatus = domain.TransactionStatusSuccessful
			original.BillPaymentDetails = bill
			result.Transactions = []domain.Transaction{*original}
			return nil
		}

		reason := strings.TrimSpace(settlement.Reason)
		if reason == "" {
			reason = "rejected by provider"
		}
		if _, err := tx.SettleTransaction(ctx, original.ID, domain.TransactionStatusFailed, nil, &reason); err != nil {
			return err
		}
		original.TransactionStatus = domain.TransactionStatusFailed
		original.FailureReason = &reason

		account, err := tx.LockAccountByID(ctx, original.AccountID)
		if err != nil {
			return err
		}
		account.Credit(original.Total())
		if err := tx.SaveAccountBalances(ctx, account); err != nil {
			return err
		}

		groupID := original.TransferGroupID
		if groupID == nil {
			id := uuid.New()
			groupID = &id
		}
		reversal := s.newRecord(recordSpec{
			account:     account,
			customerID:  original.CustomerID,
			txType:      original.TransactionType,
			mode:        domain.TransactionModeCredit,
			status:      domain.TransactionStatusSuccessful,
			amount:      original.Total(),
			description: fmt.Sprintf("Reversal of %s: %s", original.TransactionRef, reason),
			groupID:     groupID,
		})
		if err := tx.AppendTransactions(ctx, reversal); err != nil {
			return err
		}
		result.Transactions = []domain.Transaction{*original, *reversal}
		return nil
	})
	if err != nil {
		return nil, translateStoreError(err)
	}

	if result.Replayed {
		return &result, nil
	}

	s.logger.Info("transaction settled",
		zap.String("transaction_ref", ref),
		zap.String("status", string(settlement.Status)),
	)
	s.publishLedgerEvents(ctx, result.Transactions)
	return &result, nil
}
