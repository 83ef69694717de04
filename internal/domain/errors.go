package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a ledger failure for callers. The kind decides the
// transport status; the message is surfaced verbatim.
type ErrorKind string

const (
	KindNotFound          ErrorKind = "NOT_FOUND"
	KindForbidden         ErrorKind = "FORBIDDEN"
	KindConflict          ErrorKind = "CONFLICT"
	KindInsufficientFunds ErrorKind = "INSUFFICIENT_FUNDS"
	KindValidation        ErrorKind = "VALIDATION"
)

// Error is a typed ledger failure.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

// Is lets a kind sentinel (an Error without a message) match any error of
// the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Message == "" {
		return t.Kind == e.Kind
	}
	return false
}

// NewError builds a typed error with a formatted message.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first typed error in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind, true
	}
	return "", false
}

// Kind sentinels, for errors.Is checks.
var (
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrForbidden         = &Error{Kind: KindForbidden}
	ErrConflict          = &Error{Kind: KindConflict}
	ErrInsufficientFunds = &Error{Kind: KindInsufficientFunds}
	ErrValidation        = &Error{Kind: KindValidation}
)

var (
	ErrUserNotFound         = &Error{Kind: KindNotFound, Message: "user not found"}
	ErrAccountNotFound      = &Error{Kind: KindNotFound, Message: "account not found"}
	ErrTransactionNotFound  = &Error{Kind: KindNotFound, Message: "transaction not found"}
	ErrSavingsGroupNotFound = &Error{Kind: KindNotFound, Message: "savings group not found"}

	ErrAccountNotActive   = &Error{Kind: KindForbidden, Message: "account is not active"}
	ErrNotGroupAdmin      = &Error{Kind: KindForbidden, Message: "only the group admin can perform this action"}
	ErrNotGroupMember     = &Error{Kind: KindForbidden, Message: "user is not a member of this savings group"}
	ErrCannotRemoveAdmin  = &Error{Kind: KindForbidden, Message: "the group admin cannot be removed from the group"}
	ErrMissingRole        = &Error{Kind: KindForbidden, Message: "actor lacks the required role"}
	ErrPrivateGroup       = &Error{Kind: KindForbidden, Message: "savings group is private"}
	ErrNotAccountHolder   = &Error{Kind: KindForbidden, Message: "actor must be a holder of the account"}
	ErrOpeningBalanceRole = &Error{Kind: KindForbidden, Message: "only admins can open an account with a balance"}

	ErrAlreadyMember        = &Error{Kind: KindConflict, Message: "user is already a member of this savings group"}
	ErrNotMember            = &Error{Kind: KindConflict, Message: "user is not a member of this savings group"}
	ErrGroupNameTaken       = &Error{Kind: KindConflict, Message: "a savings group with this name already exists"}
	ErrIdempotencyKeyReused = &Error{Kind: KindConflict, Message: "idempotency key was already used for a different operation"}
	ErrConcurrentUpdate     = &Error{Kind: KindConflict, Message: "concurrent update; retry with the same idempotency key"}

	ErrFundsInsufficient = &Error{Kind: KindInsufficientFunds, Message: "insufficient funds"}

	ErrInvalidAmount = &Error{Kind: KindValidation, Message: "amount must be greater than zero with at most two decimal places"}
)
