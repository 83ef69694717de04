package domain

import (
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleCustomer Role = "customer"
	RoleAdmin    Role = "admin"
)

// User is the local view of an identity owned by the user collaborator.
type User struct {
	ID        uuid.UUID `json:"id"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Email     string    `json:"email"`
	Roles     []Role    `json:"roles"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Actor is the authenticated caller of a core operation.
type Actor struct {
	UserID uuid.UUID
	Roles  []Role
}

// HasRole reports whether actor carries role.
func HasRole(actor Actor, role Role) bool {
	for _, r := range actor.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// UserEvent is published by the user collaborator on user.created / user.updated.
type UserEvent struct {
	EventID    string    `json:"event_id"`
	UserID     string    `json:"user_id"`
	FirstName  string    `json:"first_name"`
	LastName   string    `json:"last_name"`
	Email      string    `json:"email"`
	Roles      []string  `json:"roles"`
	OccurredAt time.Time `json:"occurred_at"`
}
