/**
 * @description
 * This file contains the core wiring of the ledger-service business logic. The
 * `Service` struct owns every money movement and the account and savings
 * group use cases, coordinating the repository, the user directory, the bill
 * provider and the event producer.
 *
 * Key features:
 * - Runs each ledger operation in one repository transaction (lock, check,
 *   mutate, log, commit).
 * - Replays operations that carry a known idempotency key.
 * - Publishes one ledger event per committed record to RabbitMQ.
 *
 * @dependencies
 * - go.uber.org/zap: structured logging.
 * - github.com/shopspring/decimal: money arithmetic.
 * - internal/domain, internal/store, pkg/billclient, pkg/rabbitmq.
 */

package app

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/thrifty/ledger-service/internal/domain"
	"github.com/thrifty/ledger-service/internal/store"
	"github.com/thrifty/ledger-service/pkg/billclient"
	"github.com/thrifty/ledger-service/pkg/rabbitmq"
	"go.uber.org/zap"
)

const (
	maxIdempotencyKeyLength = 128
	eventPublishTimeout     = 5 * time.Second
)

// ErrBillPaymentFailed is returned when the bill provider rejected a payment
// and the debit was reversed.
var ErrBillPaymentFailed = errors.New("bill payment failed")

// UserDirectory resolves identities owned by the user collaborator.
type UserDirectory interface {
	FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error)
}

// BillProvider performs the external side of a bill payment.
type BillProvider interface {
	Pay(ctx context.Context, req billclient.PaymentRequest) (*billclient.PaymentResponse, error)
}

// Settings carries the ledger knobs loaded from configuration.
type Settings struct {
	DefaultCurrency        string
	ExternalTransferCharge decimal.Decimal
	EventsExchange         string
}

// Service provides the core business logic for the ledger.
type Service struct {
	repo          store.Repository
	users         UserDirectory
	bills         BillProvider
	eventProducer rabbitmq.Publisher
	refs          *RefGenerator
	logger        *zap.Logger
	settings      Settings

	accountNumbers func() (string, error)
	now            func() time.Time
}

// NewService creates a new ledger service instance.
func NewService(
	repo store.Repository,
	users UserDirectory,
	bills BillProvider,
	producer rabbitmq.Publisher,
	refs *RefGenerator,
	logger *zap.Logger,
	settings Settings,
) *Service {
	if producer == nil {
		producer = &rabbitmq.EventProducerFallback{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(settings.DefaultCurrency) == "" {
		settings.DefaultCurrency = "NGN"
	}
	if strings.TrimSpace(settings.EventsExchange) == "" {
		settings.EventsExchange = "thrifty.ledger"
	}
	return &Service{
		repo:           repo,
		users:          users,
		bills:          bills,
		eventProducer:  producer,
		refs:           refs,
		logger:         logger.With(zap.String("component", "ledger")),
		settings:       settings,
		accountNumbers: randomAccountNumber,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// SetAccountNumberSource replaces the account number sampler.
func (s *Service) SetAccountNumberSource(source func() (string, error)) {
	if source != nil {
		s.accountNumbers = source
	}
}

var (
	accountNumberFloor = big.NewInt(1_000_000_000)
	accountNumberSpan  = big.NewInt(9_000_000_000)
)

// randomAccountNumber samples uniformly from the 10-digit space.
func randomAccountNumber() (string, error) {
	n, err := rand.Int(rand.Reader, accountNumberSpan)
	if err != nil {
		return "", err
	}
	return n.Add(n, accountNumberFloor).String(), nil
}

func requireRole(actor domain.Actor, role domain.Role) error {
	if !domain.HasRole(actor, role) {
		return domain.ErrMissingRole
	}
	return nil
}

func normalizeIdempotencyKey(raw string) (string, error) {
	key := strings.TrimSpace(raw)
	if len(key) > maxIdempotencyKeyLength {
		return "", domain.NewError(domain.KindValidation, "idempotency key must be at most %d characters", maxIdempotencyKeyLength)
	}
	return key, nil
}

// translateStoreError maps storage-level concurrency failures onto the
// ledger error taxonomy.
func translateStoreError(err error) error {
	if errors.Is(err, store.ErrConcurrentUpdate) {
		return domain.ErrConcurrentUpdate
	}
	return err
}

func (s *Service) publishLedgerEvents(ctx context.Context, records []domain.Transaction) {
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), eventPublishTimeout)
	defer cancel()

	for _, record := range records {
		routingKey := fmt.Sprintf("ledger.%s.%s",
			strings.ToLower(string(record.TransactionType)),
			strings.ToLower(string(record.TransactionMode)),
		)
		if err := s.eventProducer.Publish(publishCtx, s.settings.EventsExchange, routingKey, domain.NewLedgerEvent(record)); err != nil {
			s.logger.Warn("ledger event publish failed",
				zap.String("transaction_ref", record.TransactionRef),
				zap.String("routing_key", routingKey),
				zap.Error(err),
			)
		}
	}
}

func formatMoney(currency string, amount decimal.Decimal) string {
	return fmt.Sprintf("%s %s", currency, amount.StringFixed(domain.MoneyScale))
}
