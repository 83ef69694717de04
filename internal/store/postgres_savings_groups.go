package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/thrifty/ledger-service/internal/domain"
)

// CreateSavingsGroup inserts the group and enrolls its admin as the first member.
func (r *PostgresRepository) CreateSavingsGroup(ctx context.Context, group *domain.SavingsGroup) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO savings_groups (id, group_name, description, group_admin, group_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, group.ID, group.GroupName, group.Description, group.GroupAdmin, string(group.GroupType), group.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, "savings_groups_group_name_key") {
			return domain.ErrGroupNameTaken
		}
		return fmt.Errorf("insert savings group: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO savings_group_members (group_id, user_id, date_joined, contributed_funds)
		VALUES ($1, $2, $3, 0)
	`, group.ID, group.GroupAdmin, group.CreatedAt)
	if err != nil {
		return fmt.Errorf("enroll savings group admin: %w", err)
	}

	return tx.Commit(ctx)
}

func (r *PostgresRepository) FindSavingsGroupByID(ctx context.Context, groupID uuid.UUID) (*domain.SavingsGroup, error) {
	var group domain.SavingsGroup
	err := r.db.QueryRow(ctx, `
		SELECT id, group_name, description, group_admin, group_type, created_at
		FROM savings_groups WHERE id = $1
	`, groupID).Scan(&group.ID, &group.GroupName, &group.Description, &group.GroupAdmin, &group.GroupType, &group.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSavingsGroupNotFound
		}
		return nil, err
	}
	return &group, nil
}

// DeleteSavingsGroup removes the group; members cascade.
func (r *PostgresRepository) DeleteSavingsGroup(ctx context.Context, groupID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, "DELETE FROM savings_groups WHERE id = $1", groupID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSavingsGroupNotFound
	}
	return nil
}

func (r *PostgresRepository) FindSavingsGroupMember(ctx context.Context, groupID, userID uuid.UUID) (*domain.SavingsGroupMember, error) {
	var member domain.SavingsGroupMember
	err := r.db.QueryRow(ctx, `
		SELECT group_id, user_id, date_joined, contributed_funds
		FROM savings_group_members WHERE group_id = $1 AND user_id = $2
	`, groupID, userID).Scan(&member.GroupID, &member.UserID, &member.DateJoined, &member.ContributedFunds)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotMember
		}
		return nil, err
	}
	return &member, nil
}

func (r *PostgresRepository) ListSavingsGroupMembers(ctx context.Context, groupID uuid.UUID) ([]domain.SavingsGroupMember, error) {
	rows, err := r.db.Query(ctx, `
		SELECT group_id, user_id, date_joined, contributed_funds
		FROM savings_group_members WHERE group_id = $1
		ORDER BY date_joined, user_id
	`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []domain.SavingsGroupMember
	for rows.Next() {
		var member domain.SavingsGroupMember
		if err := rows.Scan(&member.GroupID, &member.UserID, &member.DateJoined, &member.ContributedFunds); err != nil {
			return nil, err
		}
		members = append(members, member)
	}
	return members, rows.Err()
}

// AddSavingsGroupMember relies on the (group_id, user_id) primary key to
// reject duplicate membership.
func (r *PostgresRepository) AddSavingsGroupMember(ctx context.Context, member *domain.SavingsGroupMember) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO savings_group_members (group_id, user_id, date_joined, contributed_funds)
		VALUES ($1, $2, $3, $4)
	`, member.GroupID, member.UserID, member.DateJoined, member.ContributedFunds)
	if err != nil {
		if isUniqueViolation(err, "") {
			return domain.ErrAlreadyMember
		}
		if isForeignKeyViolation(err) {
			return domain.ErrSavingsGroupNotFound
		}
		return fmt.Errorf("insert savings group member: %w", err)
	}
	return nil
}

func (r *PostgresRepository) RemoveSavingsGroupMember(ctx context.Context, groupID, userID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, "DELETE FROM savings_group_members WHERE group_id = $1 AND user_id = $2", groupID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotMember
	}
	return nil
}

// IncrementMemberContribution adds amount in a single statement so that
// concurrent contributions never lose an update.
func (r *PostgresRepository) IncrementMemberContribution(ctx context.Context, groupID, userID uuid.UUID, amount decimal.Decimal) (*domain.SavingsGroupMember, error) {
	var member domain.SavingsGroupMember
	err := r.db.QueryRow(ctx, `
		UPDATE savings_group_members
		SET contributed_funds = contributed_funds + $1
		WHERE group_id = $2 AND user_id = $3
		RETURNING group_id, user_id, date_joined, contributed_funds
	`, amount, groupID, userID).Scan(&member.GroupID, &member.UserID, &member.DateJoined, &member.ContributedFunds)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotGroupMember
		}
		return nil, err
	}
	return &member, nil
}
