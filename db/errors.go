package db

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"carflow/failure"
)

// ErrContention is reported when Postgres aborts a transaction that lost a
// lock or serialization race. Callers should re-read and retry.
var ErrContention = failure.New(failure.KindConflict, "db: transaction lost a concurrency race")

const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
)

// IsUniqueViolation reports whether err is a unique constraint violation. When
// constraint is non-empty it must match the violated constraint name.
func IsUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != codeUniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// IsContention reports whether err is a serialization failure, deadlock or
// lock timeout.
func IsContention(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
		return true
	}
	return false
}

// MapContention tags contention errors with ErrContention and returns every
// other error unchanged.
func MapContention(err error) error {
	if err != nil && IsContention(err) {
		return fmt.Errorf("%w: %v", ErrContention, err)
	}
	return err
}
