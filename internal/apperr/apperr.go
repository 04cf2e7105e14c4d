// Package apperr defines the error sentinels shared across the ledger and
// classifies storage errors into the outcomes reported to callers.
package apperr

import (
	"context"
	"database/sql/driver"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Sentinel errors. Wrap them with fmt.Errorf("...: %w", Err...) and test with errors.Is.
var (
	ErrAuthentication    = errors.New("authentication failed")
	ErrDuplicateFact     = errors.New("duplicate fact")
	ErrDuplicateReview   = errors.New("duplicate review")
	ErrSelfReview        = errors.New("self review is not allowed")
	ErrInvalidEventType  = errors.New("invalid ELO event type")
	ErrUnknownAgent      = errors.New("unknown agent")
	ErrMalformedFact     = errors.New("malformed fact")
	ErrTransientStorage  = errors.New("transient storage failure")
	ErrRateLimited       = errors.New("review bonus rate limit reached")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Class is the coarse category an error falls in.
type Class string

// Class constants.
const (
	ClassNone      Class = ""
	ClassDuplicate Class = "duplicate"
	ClassInvalid   Class = "invalid"
	ClassAuth      Class = "auth"
	ClassTransient Class = "transient"
	ClassInternal  Class = "internal"
)

// Classify maps err to a Class. Nil maps to ClassNone.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrAuthentication):
		return ClassAuth
	case errors.Is(err, ErrDuplicateFact), errors.Is(err, ErrDuplicateReview):
		return ClassDuplicate
	case errors.Is(err, ErrSelfReview),
		errors.Is(err, ErrInvalidEventType),
		errors.Is(err, ErrUnknownAgent),
		errors.Is(err, ErrMalformedFact),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrNotFound):
		return ClassInvalid
	case IsTransient(err):
		return ClassTransient
	default:
		return ClassInternal
	}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransientStorage) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, driver.ErrBadConn) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return isTransientCode(pgErr.Code)
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}

	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// isTransientCode reports whether a SQLSTATE denotes a retryable condition:
// connection exceptions (08), transaction rollbacks such as serialization
// failures and deadlocks (40), insufficient resources (53) and operator
// intervention (57P).
func isTransientCode(code string) bool {
	switch {
	case strings.HasPrefix(code, "08"),
		strings.HasPrefix(code, "40"),
		strings.HasPrefix(code, "53"),
		strings.HasPrefix(code, "57P"):
		return true
	default:
		return false
	}
}
