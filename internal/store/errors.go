package store

import (
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicatePending is returned when the proposer already has an
	// identical pending proposal.
	ErrDuplicatePending = errors.New("duplicate pending proposal")
	// ErrNotPending is returned by conditional updates that only apply to
	// rows still in the pending state.
	ErrNotPending = errors.New("not pending")
	// ErrUnknownColumn is returned when a sparse update names a column that
	// is not editable.
	ErrUnknownColumn = errors.New("unknown column")
)

const uniqueViolation = "23505"

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == uniqueViolation && (constraint == "" || pgErr.ConstraintName == constraint)
}
