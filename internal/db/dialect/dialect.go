// Package dialect provides SQL fragment helpers for SQLite/PostgreSQL
// portability. The gateway's durable stores run on either backend; query
// builders ask these helpers for the fragments that differ.
package dialect

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres returns true if the driver is PostgreSQL (pgx).
func IsPostgres(driver string) bool {
	return driver == PGX
}

// BoolToInt converts a boolean to an integer for SQL storage.
func BoolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

// Like returns the case-insensitive LIKE operator. Session listings use
// it for key-prefix search; SQLite's plain LIKE already ignores ASCII
// case, Postgres needs ILIKE.
func Like(driver string) string {
	if IsPostgres(driver) {
		return "ILIKE"
	}
	return "LIKE"
}

// AutoIncrementPK returns the column definition for an auto-generated
// integer primary key.
//
//	SQLite:   INTEGER PRIMARY KEY AUTOINCREMENT
//	Postgres: BIGINT PRIMARY KEY GENERATED ALWAYS AS IDENTITY
func AutoIncrementPK(driver string) string {
	if IsPostgres(driver) {
		return "BIGINT PRIMARY KEY GENERATED ALWAYS AS IDENTITY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

// InsertReturningID executes an INSERT against a table with an
// auto-generated id column and returns the new id. Postgres grows a
// RETURNING clause; SQLite reads LastInsertId from the exec result.
func InsertReturningID(ctx context.Context, db *sqlx.DB, query string, args ...any) (int64, error) {
	if IsPostgres(db.DriverName()) {
		var id int64
		err := db.QueryRowContext(ctx, db.Rebind(query+" RETURNING id"), args...).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("insert returning id: %w", err)
		}
		return id, nil
	}

	result, err := db.ExecContext(ctx, db.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}
