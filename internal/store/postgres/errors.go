package postgres

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	// uniqueViolation is the PostgreSQL error code for unique_violation.
	uniqueViolation = "23505"
	// checkViolation is the PostgreSQL error code for check_violation.
	checkViolation = "23514"
	// dataExceptionClass prefixes every class 22 code, such as 22021
	// (character_not_in_repertoire) raised for NUL bytes in text.
	dataExceptionClass = "22"
)

// isUniqueViolation checks if the error is a PostgreSQL unique constraint violation.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	return strings.Contains(err.Error(), uniqueViolation) ||
		strings.Contains(err.Error(), "duplicate key")
}

// isDataException reports whether the database rejected a value itself, as
// opposed to failing to process the statement. Such writes fail identically
// on every retry.
func isDataException(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return strings.HasPrefix(pgErr.Code, dataExceptionClass) || pgErr.Code == checkViolation
}
