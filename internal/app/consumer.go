package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/thrifty/ledger-service/internal/domain"
	"go.uber.org/zap"
)

const consumerTimeout = 15 * time.Second

// Settler applies the outcome of a pending transaction.
type Settler interface {
	SettleTransaction(ctx context.Context, settlement domain.Settlement) (*domain.LedgerResult, error)
}

// TransferStatusConsumer settles pending external transfers and bill
// payments from status events emitted by the payment rails.
type TransferStatusConsumer struct {
	settler Settler
	logger  *zap.Logger
}

func NewTransferStatusConsumer(settler Settler, logger *zap.Logger) *TransferStatusConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TransferStatusConsumer{settler: settler, logger: logger.With(zap.String("component", "transfer_consumer"))}
}

func (c *TransferStatusConsumer) HandleMessage(body []byte) bool {
	var event domain.TransferStatusEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Warn("failed to unmarshal payload", zap.Error(err))
		return true
	}

	if strings.TrimSpace(event.TransactionRef) == "" {
		c.logger.Warn("missing transaction ref", zap.String("event_id", event.EventID))
		return true
	}

	status, terminal := normalizeSettlementStatus(event.Status)
	if !terminal {
		c.logger.Info("non-terminal status ignored",
			zap.String("transaction_ref", event.TransactionRef),
			zap.String("status", event.Status),
		)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), consumerTimeout)
	defer cancel()

	_, err := c.settler.SettleTransaction(ctx, domain.Settlement{
		TransactionRef:    event.TransactionRef,
		Status:            status,
		ProviderReference: event.ProviderReference,
		Reason:            event.Reason,
	})
	switch {
	case err == nil:
		return true
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrValidation):
		c.logger.Warn("settlement event dropped",
			zap.String("transaction_ref", event.TransactionRef),
			zap.Error(err),
		)
		return true
	default:
		c.logger.Error("settlement failed",
			zap.String("transaction_ref", event.TransactionRef),
			zap.Error(err),
		)
		return false
	}
}

func normalizeSettlementStatus(status string) (domain.TransactionStatus, bool) {
	switch strings.TrimSpace(strings.ToLower(status)) {
	case "successful", "success", "completed":
		return domain.TransactionStatusSuccessful, true
	case "failed", "failure", "rejected":
		return domain.TransactionStatusFailed, true
	default:
		return "", false
	}
}

// UserMirror persists the local copy of user identities.
type UserMirror interface {
	UpsertUser(ctx context.Context, user *domain.User) error
}

// UserEventConsumer keeps the local users table in step with the user
// collaborator's user.created and user.updated events.
type UserEventConsumer struct {
	mirror UserMirror
	logger *zap.Logger
}

func NewUserEventConsumer(mirror UserMirror, logger *zap.Logger) *UserEventConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UserEventConsumer{mirror: mirror, logger: logger.With(zap.String("component", "user_consumer"))}
}

func (c *UserEventConsumer) HandleMessage(body []byte) bool {
	var event domain.UserEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Warn("failed to unmarshal payload", zap.Error(err))
		return true
	}

	user, err := userFromEvent(event)
	if err != nil {
		c.logger.Warn("invalid user event", zap.String("event_id", event.EventID), zap.Error(err))
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), consumerTimeout)
	defer cancel()

	if err := c.mirror.UpsertUser(ctx, user); err != nil {
		c.logger.Error("user upsert failed", zap.String("user_id", user.ID.String()), zap.Error(err))
		return false
	}
	return true
}

func userFromEvent(event domain.UserEvent) (*domain.User, error) {
	userID, err := uuid.Parse(strings.TrimSpace(event.UserID))
	if err != nil {
		return nil, fmt.Errorf("parse user id: %w", err)
	}
	roles := make([]domain.Role, 0, len(event.Roles))
	for _, raw := range event.Roles {
		switch role := domain.Role(strings.ToLower(strings.TrimSpace(raw))); role {
		case domain.RoleCustomer, domain.RoleAdmin:
			roles = append(roles, role)
		}
	}
	updatedAt := event.OccurredAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	return &domain.User{
		ID:        userID,
		FirstName: strings.TrimSpace(event.FirstName),
		LastName:  strings.TrimSpace(event.LastName),
		Email:     strings.TrimSpace(event.Email),
		Roles:     roles,
		UpdatedAt: updatedAt,
	}, nil
}
