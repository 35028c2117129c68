package db

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

const pgUniqueViolationCode = "23505"

// IsUniqueViolation reports whether the provided error is a unique constraint
// violation. When constraintName is non-empty, the match is restricted to that
// constraint. Postgres driver errors are inspected by SQLSTATE; other drivers
// fall back to message matching so sqlite-backed tests behave the same way.
func IsUniqueViolation(err error, constraintName string) bool {
	if err == nil {
		return false
	}

	var pgxErr *pgconn.PgError
	if errors.As(err, &pgxErr) {
		if pgxErr.Code != pgUniqueViolationCode {
			return false
		}
		return constraintName == "" || pgxErr.ConstraintName == constraintName
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if string(pqErr.Code) != pgUniqueViolationCode {
			return false
		}
		return constraintName == "" || pqErr.Constraint == constraintName
	}

	msg := err.Error()
	if !strings.Contains(msg, "duplicate key value") && !strings.Contains(msg, "UNIQUE constraint failed") {
		return false
	}
	return constraintName == "" || strings.Contains(msg, constraintName) || sqliteColumnMatch(msg, constraintName)
}

// sqlite reports the column path rather than the constraint name, so map the
// conventional uq_<table>_<column> names onto "<table>.<column>". Both segments
// may themselves contain underscores, so every split point is tried.
func sqliteColumnMatch(msg, constraintName string) bool {
	trimmed := strings.TrimPrefix(constraintName, "uq_")
	if trimmed == constraintName {
		return false
	}
	for i := strings.Index(trimmed, "_"); i > 0; {
		if strings.Contains(msg, trimmed[:i]+"."+trimmed[i+1:]) {
			return true
		}
		next := strings.Index(trimmed[i+1:], "_")
		if next < 0 {
			break
		}
		i += next + 1
	}
	return false
}
