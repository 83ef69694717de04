package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/thrifty/ledger-service/internal/domain"
	"github.com/thrifty/ledger-service/internal/store"
	"go.uber.org/zap"
)

const (
	maxAccountNumberAttempts = 25
	defaultTransactionPage   = 20
	maxTransactionPage       = 100
)

// ErrAccountNumberSpaceExhausted is returned when rejection sampling kept
// hitting taken numbers.
var ErrAccountNumberSpaceExhausted = errors.New("could not allocate a free account number")

// CreateAccount opens an account for the given holders. The number is drawn
// by rejection sampling; the storage unique constraint settles races between
// concurrent creators.
func (s *Service) CreateAccount(ctx context.Context, actor domain.Actor, req domain.CreateAccountRequest) (*domain.Account, error) {
	isAdmin := domain.HasRole(actor, domain.RoleAdmin)
	if !isAdmin {
		if err := requireRole(actor, domain.RoleCustomer); err != nil {
			return nil, err
		}
	}

	name := strings.TrimSpace(req.AccountName)
	if name == "" {
		return nil, domain.NewError(domain.KindValidation, "account name is required")
	}
	accountType, ok := domain.ParseAccountType(req.AccountType)
	if !ok {
		return nil, domain.NewError(domain.KindValidation, "unsupported account type %q", req.AccountType)
	}
	currency := strings.ToUpper(strings.TrimSpace(req.AccountCurrency))
	if currency == "" {
		currency = s.settings.DefaultCurrency
	}
	if len(currency) != 3 {
		return nil, domain.NewError(domain.KindValidation, "account currency must be a 3-letter code")
	}

	opening := req.OpeningBalance
	if opening.IsNegative() || !opening.Equal(opening.Round(domain.MoneyScale)) {
		return nil, domain.NewError(domain.KindValidation, "opening balance must be zero or positive with at most two decimal places")
	}
	if opening.IsPositive() && !isAdmin {
		return nil, domain.ErrOpeningBalanceRole
	}

	holders := dedupeHolders(req.HolderIDs)
	if len(holders) == 0 {
		holders = []uuid.UUID{actor.UserID}
	}
	if !isAdmin && !containsID(holders, actor.UserID) {
		return nil, domain.ErrNotAccountHolder
	}

	// 1. Resolve every holder through the user collaborator.
	for _, holderID := range holders {
		if _, err := s.users.FindUserByID(ctx, holderID); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, domain.NewError(domain.KindNotFound, "holder %s not found", holderID)
			}
			return nil, fmt.Errorf("failed to resolve holder %s: %w", holderID, err)
		}
	}

	// 2. Sample numbers until one is free and the insert wins.
	for attempt := 1; attempt <= maxAccountNumberAttempts; attempt++ {
		number, err := s.accountNumbers()
		if err != nil {
			return nil, fmt.Errorf("failed to generate account number: %w", err)
		}
		exists, err := s.repo.AccountNumberExists(ctx, number)
		if err != nil {
			return nil, fmt.Errorf("failed to check account number: %w", err)
		}
		if exists {
			continue
		}

		now := s.now()
		account := &domain.Account{
			ID:              uuid.New(),
			AccountNumber:   number,
			AccountName:     name,
			AccountType:     accountType,
			AccountCurrency: currency,
			AccountStatus:   domain.AccountStatusActive,
			AccountBalance:  opening.Round(domain.MoneyScale),
			BookBalance:     opening.Round(domain.MoneyScale),
			Version:         1,
			Holders:         holders,
			CreatedAt:       now,
			UpdatedAt:       now,
		}

		var openingRecord *domain.Transaction
		if opening.IsPositive() {
			openingRecord = s.newRecord(recordSpec{
				account:     account,
				customerID:  actor.UserID,
				txType:      domain.TransactionTypeFundsDeposit,
				mode:        domain.TransactionModeCredit,
				status:      domain.TransactionStatusSuccessful,
				amount:      opening,
				description: fmt.Sprintf("Opening deposit of %s", formatMoney(currency, opening)),
			})
		}

		err = s.repo.CreateAccount(ctx, account, openingRecord)
		if errors.Is(err, store.ErrAccountNumberTaken) {
			s.logger.Info("account number collision; resampling", zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create account: %w", err)
		}

		s.logger.Info("account created",
			zap.String("account_number", account.AccountNumber),
			zap.String("account_type", string(account.AccountType)),
			zap.Int("holders", len(holders)),
		)
		if openingRecord != nil {
			s.publishLedgerEvents(ctx, []domain.Transaction{*openingRecord})
		}
		return account, nil
	}

	return nil, ErrAccountNumberSpaceExhausted
}

func dedupeHolders(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func containsID(ids []uuid.UUID, target uuid.UUID) bool {
	for _, id := range ids {
		if id == target {
			return true
		}
	}
	return false
}

// GetAccount returns an account by number to one of its holders or an admin.
func (s *Service) GetAccount(ctx context.Context, actor domain.Actor, number string) (*domain.Account, error) {
	account, err := s.repo.FindAccountByNumber(ctx, strings.TrimSpace(number))
	if err != nil {
		return nil, err
	}
	if !account.HeldBy(actor.UserID) && !domain.HasRole(actor, domain.RoleAdmin) {
		return nil, domain.ErrAccountNotFound
	}
	return account, nil
}

// GetBalance returns the balances of an account held by the actor.
func (s *Service) GetBalance(ctx context.Context, actor domain.Actor, number string) (*domain.AccountBalance, error) {
	account, err := s.repo.FindAccountByNumber(ctx, strings.TrimSpace(number))
	if err != nil {
		return nil, err
	}
	if !account.HeldBy(actor.UserID) {
		return nil, domain.ErrAccountNotFound
	}
	return &domain.AccountBalance{
		AccountNumber:   account.AccountNumber,
		AccountCurrency: account.AccountCurrency,
		AccountBalance:  account.AccountBalance,
		BookBalance:     account.BookBalance,
	}, nil
}

// GetAccountByID is an admin lookup.
func (s *Service) GetAccountByID(ctx context.Context, actor domain.Actor, accountID uuid.UUID) (*domain.Account, error) {
	if err := requireRole(actor, domain.RoleAdmin); err != nil {
		return nil, err
	}
	return s.repo.FindAccountByID(ctx, accountID)
}

// FindAccountsByName is an admin lookup.
func (s *Service) FindAccountsByName(ctx context.Context, actor domain.Actor, name string) ([]domain.Account, error) {
	if err := requireRole(actor, domain.RoleAdmin); err != nil {
		return nil, err
	}
	if strings.TrimSpace(name) == "" {
		return nil, domain.NewError(domain.KindValidation, "name is required")
	}
	accounts, err := s.repo.FindAccountsByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if accounts == nil {
		accounts = []domain.Account{}
	}
	return accounts, nil
}

// ListTransactions pages through an account's log, newest first.
func (s *Service) ListTransactions(ctx context.Context, actor domain.Actor, number string, limit, offset int) ([]domain.Transaction, error) {
	account, err := s.GetAccount(ctx, actor, number)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultTransactionPage
	}
	if limit > maxTransactionPage {
		limit = maxTransactionPage
	}
	if offset < 0 {
		offset = 0
	}
	records, err := s.repo.ListTransactionsByAccount(ctx, account.ID, limit, offset)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []domain.Transaction{}
	}
	return records, nil
}
