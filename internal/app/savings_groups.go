package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/thrifty/ledger-service/internal/domain"
	"go.uber.org/zap"
)

const maxGroupNameLength = 100

// CreateSavingsGroup registers a group with the actor as admin and first member.
func (s *Service) CreateSavingsGroup(ctx context.Context, actor domain.Actor, req domain.CreateSavingsGroupRequest) (*domain.SavingsGroup, error) {
	if err := requireRole(actor, domain.RoleCustomer); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.GroupName)
	if name == "" || len(name) > maxGroupNameLength {
		return nil, domain.NewError(domain.KindValidation, "group name must be between 1 and %d characters", maxGroupNameLength)
	}
	groupType, ok := domain.ParseSavingsGroupType(req.GroupType)
	if !ok {
		return nil, domain.NewError(domain.KindValidation, "unsupported group type %q", req.GroupType)
	}

	group := &domain.SavingsGroup{
		ID:          uuid.New(),
		GroupName:   name,
		Description: strings.TrimSpace(req.Description),
		GroupAdmin:  actor.UserID,
		GroupType:   groupType,
		CreatedAt:   s.now(),
	}
	if err := s.repo.CreateSavingsGroup(ctx, group); err != nil {
		return nil, err
	}

	s.logger.Info("savings group created",
		zap.String("group_id", group.ID.String()),
		zap.String("group_type", string(group.GroupType)),
	)
	return group, nil
}

// GetSavingsGroup returns a group. Private groups are only visible to members.
func (s *Service) GetSavingsGroup(ctx context.Context, actor domain.Actor, groupID uuid.UUID) (*domain.SavingsGroup, error) {
	group, err := s.repo.FindSavingsGroupByID(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if group.GroupType == domain.SavingsGroupPublic || group.GroupAdmin == actor.UserID {
		return group, nil
	}
	if _, err := s.repo.FindSavingsGroupMember(ctx, groupID, actor.UserID); err != nil {
		if errors.Is(err, domain.ErrNotMember) {
			return nil, domain.ErrPrivateGroup
		}
		return nil, err
	}
	return group, nil
}

// AddMember enrolls a user. The admin may add anyone; any user may join a
// public group on their own behalf.
func (s *Service) AddMember(ctx context.Context, actor domain.Actor, groupID, userID uuid.UUID) (*domain.SavingsGroupMember, error) {
	group, err := s.repo.FindSavingsGroupByID(ctx, groupID)
	if err != nil {
		return nil, err
	}
	selfJoin := userID == actor.UserID && group.GroupType == domain.SavingsGroupPublic
	if group.GroupAdmin != actor.UserID && !selfJoin {
		return nil, domain.ErrNotGroupAdmin
	}
	if _, err := s.users.FindUserByID(ctx, userID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to resolve user %s: %w", userID, err)
	}

	member := &domain.SavingsGroupMember{
		GroupID:    groupID,
		UserID:     userID,
		DateJoined: s.now(),
	}
	if err := s.repo.AddSavingsGroupMember(ctx, member); err != nil {
		return nil, err
	}
	return member, nil
}

// RemoveMember drops a member. The admin can never be removed.
func (s *Service) RemoveMember(ctx context.Context, actor domain.Actor, groupID, userID uuid.UUID) error {
	group, err := s.repo.FindSavingsGroupByID(ctx, groupID)
	if err != nil {
		return err
	}
	if group.GroupAdmin != actor.UserID && userID != actor.UserID {
		return domain.ErrNotGroupAdmin
	}
	if userID == group.GroupAdmin {
		return domain.ErrCannotRemoveAdmin
	}
	return s.repo.RemoveSavingsGroupMember(ctx, groupID, userID)
}

// ContributeFunds adds amount to the actor's contributed total.
func (s *Service) ContributeFunds(ctx context.Context, actor domain.Actor, groupID uuid.UUID, req domain.ContributionRequest) (*domain.SavingsGroupMember, error) {
	if !domain.ValidAmount(req.Amount) {
		return nil, domain.ErrInvalidAmount
	}
	if _, err := s.repo.FindSavingsGroupByID(ctx, groupID); err != nil {
		return nil, err
	}
	member, err := s.repo.IncrementMemberContribution(ctx, groupID, actor.UserID, req.Amount)
	if err != nil {
		return nil, err
	}
	s.logger.Info("savings group contribution recorded",
		zap.String("group_id", groupID.String()),
		zap.String("amount", req.Amount.StringFixed(domain.MoneyScale)),
	)
	return member, nil
}

// ListMembers is restricted to the group admin.
func (s *Service) ListMembers(ctx context.Context, actor domain.Actor, groupID uuid.UUID) ([]domain.SavingsGroupMember, error) {
	group, err := s.repo.FindSavingsGroupByID(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if group.GroupAdmin != actor.UserID {
		return nil, domain.ErrNotGroupAdmin
	}
	members, err := s.repo.ListSavingsGroupMembers(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if members == nil {
		members = []domain.SavingsGroupMember{}
	}
	return members, nil
}

// DeleteGroup is restricted to the group admin.
func (s *Service) DeleteGroup(ctx context.Context, actor domain.Actor, groupID uuid.UUID) error {
	group, err := s.repo.FindSavingsGroupByID(ctx, groupID)
	if err != nil {
		return err
	}
	if group.GroupAdmin != actor.UserID {
		return domain.ErrNotGroupAdmin
	}
	if err := s.repo.DeleteSavingsGroup(ctx, groupID); err != nil {
		return err
	}
	s.logger.Info("savings group deleted", zap.String("group_id", groupID.String()))
	return nil
}
