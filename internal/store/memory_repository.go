package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/thrifty/ledger-service/internal/domain"
)

// MemoryRepository is an in-process Repository used by tests and by
// STORE_DRIVER=memory. Ledger transactions are serialized and their writes
// are staged until commit, so a failed operation leaves no trace.
type MemoryRepository struct {
	txMu sync.Mutex
	mu   sync.RWMutex

	accounts     map[uuid.UUID]*domain.Account
	byNumber     map[string]uuid.UUID
	transactions []*domain.Transaction
	txIndex      map[uuid.UUID]int
	users        map[uuid.UUID]*domain.User
	groups       map[uuid.UUID]*domain.SavingsGroup
	groupNames   map[string]uuid.UUID
	members      map[uuid.UUID]map[uuid.UUID]*domain.SavingsGroupMember
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		accounts:   make(map[uuid.UUID]*domain.Account),
		byNumber:   make(map[string]uuid.UUID),
		txIndex:    make(map[uuid.UUID]int),
		users:      make(map[uuid.UUID]*domain.User),
		groups:     make(map[uuid.UUID]*domain.SavingsGroup),
		groupNames: make(map[string]uuid.UUID),
		members:    make(map[uuid.UUID]map[uuid.UUID]*domain.SavingsGroupMember),
	}
}

func (r *MemoryRepository) WithinTx(ctx context.Context, fn func(tx LedgerTx) error) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memoryLedgerTx{
		repo:     r,
		accounts: make(map[uuid.UUID]*domain.Account),
		settled:  make(map[uuid.UUID]*domain.Transaction),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return tx.commit()
}

func (r *MemoryRepository) AccountNumberExists(ctx context.Context, number string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.byNumber[number]
	return exists, nil
}

func (r *MemoryRepository) CreateAccount(ctx context.Context, account *domain.Account, opening *domain.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byNumber[account.AccountNumber]; exists {
		return ErrAccountNumberTaken
	}
	r.accounts[account.ID] = account.Clone()
	r.byNumber[account.AccountNumber] = account.ID
	if opening != nil {
		r.appendLocked(opening)
	}
	return nil
}

func (r *MemoryRepository) FindAccountByNumber(ctx context.Context, number string) (*domain.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byNumber[number]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return r.accounts[id].Clone(), nil
}

func (r *MemoryRepository) FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	account, ok := r.accounts[accountID]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return account.Clone(), nil
}

func (r *MemoryRepository) FindAccountsByName(ctx context.Context, name string) ([]domain.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var accounts []domain.Account
	for _, account := range r.accounts {
		if strings.EqualFold(account.AccountName, strings.TrimSpace(name)) {
			accounts = append(accounts, *account.Clone())
		}
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].AccountNumber < accounts[j].AccountNumber })
	return accounts, nil
}

func (r *MemoryRepository) FindAccountsWithBalanceDrift(ctx context.Context) ([]domain.BalanceDrift, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	latest := make(map[uuid.UUID]*domain.Transaction)
	for _, record := range r.transactions {
		latest[record.AccountID] = record
	}

	var drifts []domain.BalanceDrift
	for _, account := range r.accounts {
		last := latest[account.ID]
		mismatched := !account.AccountBalance.Equal(account.BookBalance) ||
			(last != nil && !last.AccountBalance.Equal(account.AccountBalance))
		if !mismatched {
			continue
		}
		drift := domain.BalanceDrift{
			AccountID:      account.ID,
			AccountNumber:  account.AccountNumber,
			AccountBalance: account.AccountBalance,
			BookBalance:    account.BookBalance,
		}
		if last != nil {
			snapshot := last.AccountBalance
			ref := last.TransactionRef
			drift.LastSnapshot = &snapshot
			drift.LastSnapshotRef = &ref
		}
		drifts = append(drifts, drift)
	}
	sort.Slice(drifts, func(i, j int) bool { return drifts[i].AccountNumber < drifts[j].AccountNumber })
	return drifts, nil
}

func (r *MemoryRepository) ListTransactionsByAccount(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]domain.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var records []domain.Transaction
	skipped := 0
	for i := len(r.transactions) - 1; i >= 0; i-- {
		record := r.transactions[i]
		if record.AccountID != accountID {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if limit > 0 && len(records) >= limit {
			break
		}
		records = append(records, *cloneTransaction(record))
	}
	return records, nil
}

func (r *MemoryRepository) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	user, ok := r.users[userID]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	cp := *user
	cp.Roles = append([]domain.Role(nil), user.Roles...)
	return &cp, nil
}

func (r *MemoryRepository) UpsertUser(ctx context.Context, user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.users[user.ID]; ok && existing.UpdatedAt.After(user.UpdatedAt) {
		return nil
	}
	cp := *user
	cp.Roles = append([]domain.Role(nil), user.Roles...)
	r.users[user.ID] = &cp
	return nil
}

func (r *MemoryRepository) CreateSavingsGroup(ctx context.Context, group *domain.SavingsGroup) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.groupNames[group.GroupName]; taken {
		return domain.ErrGroupNameTaken
	}
	cp := *group
	r.groups[group.ID] = &cp
	r.groupNames[group.GroupName] = group.ID
	r.members[group.ID] = map[uuid.UUID]*domain.SavingsGroupMember{
		group.GroupAdmin: {
			GroupID:          group.ID,
			UserID:           group.GroupAdmin,
			DateJoined:       group.CreatedAt,
			ContributedFunds: decimal.Zero,
		},
	}
	return nil
}

func (r *MemoryRepository) FindSavingsGroupByID(ctx context.Context, groupID uuid.UUID) (*domain.SavingsGroup, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	group, ok := r.groups[groupID]
	if !ok {
		return nil, domain.ErrSavingsGroupNotFound
	}
	cp := *group
	return &cp, nil
}

func (r *MemoryRepository) DeleteSavingsGroup(ctx context.Context, groupID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	group, ok := r.groups[groupID]
	if !ok {
		return domain.ErrSavingsGroupNotFound
	}
	delete(r.groupNames, group.GroupName)
	delete(r.groups, groupID)
	delete(r.members, groupID)
	return nil
}

func (r *MemoryRepository) FindSavingsGroupMember(ctx context.Context, groupID, userID uuid.UUID) (*domain.SavingsGroupMember, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	member, ok := r.members[groupID][userID]
	if !ok {
		return nil, domain.ErrNotMember
	}
	cp := *member
	return &cp, nil
}

func (r *MemoryRepository) ListSavingsGroupMembers(ctx context.Context, groupID uuid.UUID) ([]domain.SavingsGroupMember, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := make([]domain.SavingsGroupMember, 0, len(r.members[groupID]))
	for _, member := range r.members[groupID] {
		members = append(members, *member)
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].DateJoined.Equal(members[j].DateJoined) {
			return members[i].UserID.String() < members[j].UserID.String()
		}
		return members[i].DateJoined.Before(members[j].DateJoined)
	})
	return members, nil
}

func (r *MemoryRepository) AddSavingsGroupMember(ctx context.Context, member *domain.SavingsGroupMember) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	roster, ok := r.members[member.GroupID]
	if !ok {
		return domain.ErrSavingsGroupNotFound
	}
	if _, exists := roster[member.UserID]; exists {
		return domain.ErrAlreadyMember
	}
	cp := *member
	roster[member.UserID] = &cp
	return nil
}

func (r *MemoryRepository) RemoveSavingsGroupMember(ctx context.Context, groupID, userID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	roster := r.members[groupID]
	if _, exists := roster[userID]; !exists {
		return domain.ErrNotMember
	}
	delete(roster, userID)
	return nil
}

func (r *MemoryRepository) IncrementMemberContribution(ctx context.Context, groupID, userID uuid.UUID, amount decimal.Decimal) (*domain.SavingsGroupMember, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	member, ok := r.members[groupID][userID]
	if !ok {
		return nil, domain.ErrNotGroupMember
	}
	member.ContributedFunds = member.ContributedFunds.Add(amount).Round(domain.MoneyScale)
	cp := *member
	return &cp, nil
}

func (r *MemoryRepository) appendLocked(record *domain.Transaction) {
	r.txIndex[record.ID] = len(r.transactions)
	r.transactions = append(r.transactions, cloneTransaction(record))
}

func cloneTransaction(record *domain.Transaction) *domain.Transaction {
	cp := *record
	if record.ToExternalAccount != nil {
		external := *record.ToExternalAccount
		cp.ToExternalAccount = &external
	}
	if record.BillPaymentDetails != nil {
		bill := *record.BillPaymentDetails
		cp.BillPaymentDetails = &bill
	}
	return &cp
}

// memoryLedgerTx stages account writes, appended records and settlements
// until commit.
type memoryLedgerTx struct {
	repo     *MemoryRepository
	accounts map[uuid.UUID]*domain.Account
	pending  []*domain.Transaction
	settled  map[uuid.UUID]*domain.Transaction
}

func (t *memoryLedgerTx) LockAccountsByNumber(ctx context.Context, numbers ...string) (map[string]*domain.Account, error) {
	t.repo.mu.RLock()
	defer t.repo.mu.RUnlock()

	locked := make(map[string]*domain.Account, len(numbers))
	for _, number := range numbers {
		id, ok := t.repo.byNumber[number]
		if !ok {
			continue
		}
		locked[number] = t.stagedLocked(id)
	}
	return locked, nil
}

func (t *memoryLedgerTx) LockAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	t.repo.mu.RLock()
	defer t.repo.mu.RUnlock()
	if _, ok := t.repo.accounts[accountID]; !ok {
		return nil, domain.ErrAccountNotFound
	}
	return t.stagedLocked(accountID), nil
}

// stagedLocked returns the working copy of an account; callers hold repo.mu.
func (t *memoryLedgerTx) stagedLocked(id uuid.UUID) *domain.Account {
	if staged, ok := t.accounts[id]; ok {
		return staged.Clone()
	}
	return t.repo.accounts[id].Clone()
}

func (t *memoryLedgerTx) SaveAccountBalances(ctx context.Context, accounts ...*domain.Account) error {
	t.repo.mu.RLock()
	defer t.repo.mu.RUnlock()

	for _, account := range accounts {
		current := t.repo.accounts[account.ID]
		if staged, ok := t.accounts[account.ID]; ok {
			current = staged
		}
		if current == nil || current.Version != account.Version {
			return ErrConcurrentUpdate
		}
		account.Version++
		t.accounts[account.ID] = account.Clone()
	}
	return nil
}

func (t *memoryLedgerTx) AppendTransactions(ctx context.Context, records ...*domain.Transaction) error {
	t.repo.mu.RLock()
	defer t.repo.mu.RUnlock()

	for _, record := range records {
		if record.IdempotencyKey != nil {
			for _, existing := range append(append([]*domain.Transaction(nil), t.repo.transactions...), t.pending...) {
				if existing.IdempotencyKey != nil &&
					*existing.IdempotencyKey == *record.IdempotencyKey &&
					existing.CustomerID == record.CustomerID &&
					existing.AccountID == record.AccountID {
					return domain.ErrIdempotencyKeyReused
				}
			}
		}
		t.pending = append(t.pending, cloneTransaction(record))
	}
	return nil
}

func (t *memoryLedgerTx) FindTransactionsByIdempotencyKey(ctx context.Context, customerID uuid.UUID, key string) ([]domain.Transaction, error) {
	t.repo.mu.RLock()
	defer t.repo.mu.RUnlock()

	var records []domain.Transaction
	for _, record := range t.repo.transactions {
		if record.CustomerID == customerID && record.IdempotencyKey != nil && *record.IdempotencyKey == key {
			records = append(records, *cloneTransaction(t.settledOr(record)))
		}
	}
	return records, nil
}

func (t *memoryLedgerTx) settledOr(record *domain.Transaction) *domain.Transaction {
	if settled, ok := t.settled[record.ID]; ok {
		return settled
	}
	return record
}

func (t *memoryLedgerTx) LockTransactionByRef(ctx context.Context, ref string) (*domain.Transaction, error) {
	t.repo.mu.RLock()
	defer t.repo.mu.RUnlock()

	for _, record := range t.repo.transactions {
		if record.TransactionRef == ref {
			return cloneTransaction(t.settledOr(record)), nil
		}
	}
	return nil, domain.ErrTransactionNotFound
}

func (t *memoryLedgerTx) SettleTransaction(ctx context.Context, transactionID uuid.UUID, status domain.TransactionStatus, bill *domain.BillPaymentDetails, failureReason *string) (bool, error) {
	t.repo.mu.RLock()
	defer t.repo.mu.RUnlock()

	idx, ok := t.repo.txIndex[transactionID]
	if !ok {
		return false, domain.ErrTransactionNotFound
	}
	current := t.settledOr(t.repo.transactions[idx])
	if current.TransactionStatus != domain.TransactionStatusPending {
		return false, nil
	}
	updated := cloneTransaction(current)
	updated.TransactionStatus = status
	if bill != nil {
		cp := *bill
		updated.BillPaymentDetails = &cp
	}
	if failureReason != nil {
		reason := *failureReason
		updated.FailureReason = &reason
	}
	t.settled[transactionID] = updated
	return true, nil
}

func (t *memoryLedgerTx) commit() error {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()

	for id, account := range t.accounts {
		t.repo.accounts[id] = account
	}
	for _, record := range t.pending {
		t.repo.appendLocked(record)
	}
	for id, record := range t.settled {
		t.repo.transactions[t.repo.txIndex[id]] = record
	}
	return nil
}
