package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type SavingsGroupType string

const (
	SavingsGroupPublic  SavingsGroupType = "PUBLIC"
	SavingsGroupPrivate SavingsGroupType = "PRIVATE"
)

// ParseSavingsGroupType normalizes user input; the empty string defaults to PRIVATE.
func ParseSavingsGroupType(raw string) (SavingsGroupType, bool) {
	switch SavingsGroupType(strings.ToUpper(strings.TrimSpace(raw))) {
	case "", SavingsGroupPrivate:
		return SavingsGroupPrivate, true
	case SavingsGroupPublic:
		return SavingsGroupPublic, true
	default:
		return "", false
	}
}

// SavingsGroup is a pooled-contribution aggregate under one admin.
type SavingsGroup struct {
	ID          uuid.UUID        `json:"id"`
	GroupName   string           `json:"group_name"`
	Description string           `json:"description,omitempty"`
	GroupAdmin  uuid.UUID        `json:"group_admin"`
	GroupType   SavingsGroupType `json:"group_type"`
	CreatedAt   time.Time        `json:"created_at"`
}

// SavingsGroupMember is one row of `savings_group_members`.
type SavingsGroupMember struct {
	GroupID          uuid.UUID       `json:"group_id"`
	UserID           uuid.UUID       `json:"user_id"`
	DateJoined       time.Time       `json:"date_joined"`
	ContributedFunds decimal.Decimal `json:"contributed_funds"`
}

type CreateSavingsGroupRequest struct {
	GroupName   string `json:"group_name"`
	Description string `json:"description"`
	GroupType   string `json:"group_type"`
}

type AddMemberRequest struct {
	UserID uuid.UUID `json:"user_id"`
}

type ContributionRequest struct {
	Amount decimal.Decimal `json:"amount"`
}
