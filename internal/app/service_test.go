package app

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/thrifty/ledger-service/internal/domain"
	"github.com/thrifty/ledger-service/internal/store"
	"go.uber.org/zap"
)

type ledgerFixture struct {
	repo    *store.MemoryRepository
	service *Service
	admin   domain.Actor
}

func newLedgerFixture(t *testing.T, settings Settings) *ledgerFixture {
	t.Helper()

	repo := store.NewMemoryRepository()
	refs, err := NewRefGenerator(1)
	if err != nil {
		t.Fatalf("NewRefGenerator returned error: %v", err)
	}
	if settings.DefaultCurrency == "" {
		settings.DefaultCurrency = "NGN"
	}

	f := &ledgerFixture{
		repo:    repo,
		service: NewService(repo, repo, nil, nil, refs, zap.NewNop(), settings),
	}
	f.admin = f.newUser(t, domain.RoleAdmin)
	return f
}

func (f *ledgerFixture) newUser(t *testing.T, roles ...domain.Role) domain.Actor {
	t.Helper()
	user := &domain.User{ID: uuid.New(), FirstName: "Test", LastName: "User", Roles: roles}
	if err := f.repo.UpsertUser(context.Background(), user); err != nil {
		t.Fatalf("UpsertUser returned error: %v", err)
	}
	return domain.Actor{UserID: user.ID, Roles: roles}
}

func (f *ledgerFixture) newCustomer(t *testing.T) domain.Actor {
	t.Helper()
	return f.newUser(t, domain.RoleCustomer)
}

// openAccount opens an account for holder through the admin, which is the
// only path that may carry an opening balance.
func (f *ledgerFixture) openAccount(t *testing.T, holder domain.Actor, name string, opening string) *domain.Account {
	t.Helper()
	account, err := f.service.CreateAccount(context.Background(), f.admin, domain.CreateAccountRequest{
		AccountName:    name,
		HolderIDs:      []uuid.UUID{holder.UserID},
		OpeningBalance: decimal.RequireFromString(opening),
	})
	if err != nil {
		t.Fatalf("CreateAccount returned error: %v", err)
	}
	return account
}

func (f *ledgerFixture) balanceOf(t *testing.T, number string) decimal.Decimal {
	t.Helper()
	account, err := f.repo.FindAccountByNumber(context.Background(), number)
	if err != nil {
		t.Fatalf("FindAccountByNumber returned error: %v", err)
	}
	if !account.AccountBalance.Equal(account.BookBalance) {
		t.Fatalf("expected account and book balance to agree, got %s and %s", account.AccountBalance, account.BookBalance)
	}
	return account.AccountBalance
}

func (f *ledgerFixture) history(t *testing.T, account *domain.Account) []domain.Transaction {
	t.Helper()
	records, err := f.repo.ListTransactionsByAccount(context.Background(), account.ID, 0, 0)
	if err != nil {
		t.Fatalf("ListTransactionsByAccount returned error: %v", err)
	}
	return records
}

func money(raw string) decimal.Decimal {
	return decimal.RequireFromString(raw)
}

func assertMoney(t *testing.T, label string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(money(want)) {
		t.Fatalf("expected %s to be %s, got %s", label, want, got.StringFixed(domain.MoneyScale))
	}
}

func TestNormalizeIdempotencyKey(t *testing.T) {
	key, err := normalizeIdempotencyKey("  abc  ")
	if err != nil {
		t.Fatalf("normalizeIdempotencyKey returned error: %v", err)
	}
	if key != "abc" {
		t.Fatalf("expected trimmed key, got %q", key)
	}

	long := make([]byte, maxIdempotencyKeyLength+1)
	for i := range long {
		long[i] = 'k'
	}
	if _, err := normalizeIdempotencyKey(string(long)); err == nil {
		t.Fatalf("expected an over-long key to be rejected")
	}
}

func TestRandomAccountNumber_IsTenDigits(t *testing.T) {
	for i := 0; i < 200; i++ {
		number, err := randomAccountNumber()
		if err != nil {
			t.Fatalf("randomAccountNumber returned error: %v", err)
		}
		if len(number) != 10 || number[0] == '0' {
			t.Fatalf("expected a 10-digit number without a leading zero, got %q", number)
		}
	}
}

func TestRefGenerator_EncodesTypeAndMode(t *testing.T) {
	refs, err := NewRefGenerator(7)
	if err != nil {
		t.Fatalf("NewRefGenerator returned error: %v", err)
	}

	seen := make(map[string]struct{})
	for i := 0; i < 500; i++ {
		ref := refs.Next(domain.TransactionTypeFundsDeposit, domain.TransactionModeCredit)
		if ref[:6] != "FD-CR-" {
			t.Fatalf("expected FD-CR- prefix, got %q", ref)
		}
		if _, dup := seen[ref]; dup {
			t.Fatalf("duplicate reference %q", ref)
		}
		seen[ref] = struct{}{}
	}

	if ref := refs.Next(domain.TransactionTypeBillPayment, domain.TransactionModeDebit); ref[:6] != "BP-DR-" {
		t.Fatalf("expected BP-DR- prefix, got %q", ref)
	}
	if _, err := NewRefGenerator(4096); err == nil {
		t.Fatalf("expected out-of-range node id to be rejected")
	}
}

type publishedEvent struct {
	exchange   string
	routingKey string
	body       interface{}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{exchange: exchange, routingKey: routingKey, body: body})
	return p.err
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) snapshot() []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishedEvent(nil), p.events...)
}

func TestLedgerEvents_PublishedOncePerRecord(t *testing.T) {
	f := newLedgerFixture(t, Settings{})
	publisher := &recordingPublisher{}
	f.service.eventProducer = publisher

	alice := f.newCustomer(t)
	bob := f.newCustomer(t)
	source := f.openAccount(t, alice, "Alice Main", "500")
	destination := f.openAccount(t, bob, "Bob Savings", "0")
	before := len(publisher.snapshot())

	request := domain.InternalTransferRequest{
		FromAccountNumber: source.AccountNumber,
		ToAccountNumber:   destination.AccountNumber,
		ToAccountName:     "Bob Savings",
		Amount:            money("50"),
	}
	if _, err := f.service.InternalTransfer(context.Background(), alice, request, "evt-1"); err != nil {
		t.Fatalf("InternalTransfer returned error: %v", err)
	}

	events := publisher.snapshot()[before:]
	if len(events) != 2 {
		t.Fatalf("expected one event per record, got %d", len(events))
	}
	if events[0].exchange != "thrifty.ledger" {
		t.Fatalf("expected the default exchange, got %q", events[0].exchange)
	}
	if events[0].routingKey != "ledger.instant_transfer.debit" || events[1].routingKey != "ledger.instant_transfer.credit" {
		t.Fatalf("unexpected routing keys %q/%q", events[0].routingKey, events[1].routingKey)
	}
	event, ok := events[0].body.(domain.LedgerEvent)
	if !ok {
		t.Fatalf("expected a LedgerEvent body, got %T", events[0].body)
	}
	if event.TransferGroupID == "" {
		t.Fatalf("expected the transfer group on the event")
	}

	if _, err := f.service.InternalTransfer(context.Background(), alice, request, "evt-1"); err != nil {
		t.Fatalf("replayed InternalTransfer returned error: %v", err)
	}
	if got := len(publisher.snapshot()) - before; got != 2 {
		t.Fatalf("expected a replay to publish nothing, got %d events", got)
	}
}

func TestLedgerEvents_PublishFailureDoesNotFailOperation(t *testing.T) {
	f := newLedgerFixture(t, Settings{})
	f.service.eventProducer = &recordingPublisher{err: errors.New("broker down")}

	customer := f.newCustomer(t)
	account := f.openAccount(t, customer, "Ada Main", "0")
	if _, err := f.service.Deposit(context.Background(), customer, domain.DepositRequest{AccountNumber: account.AccountNumber, Amount: money("10")}, ""); err != nil {
		t.Fatalf("Deposit returned error: %v", err)
	}
	assertMoney(t, "balance", f.balanceOf(t, account.AccountNumber), "10")
}
