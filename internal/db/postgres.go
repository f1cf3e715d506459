package db

import (
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/lemongate/lemongate/internal/common/config"
)

// openPostgres connects through the pgx stdlib driver and verifies the
// server is reachable before the store starts issuing queries.
func openPostgres(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	conn, err := sqlx.Connect("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	conn.SetMaxOpenConns(poolSize(cfg.MaxConns, 25))
	conn.SetMaxIdleConns(poolSize(cfg.MinConns, 5))
	return conn, nil
}

// poolSize treats zero and negative config values as "use the default".
func poolSize(configured, fallback int) int {
	if configured <= 0 {
		return fallback
	}
	return configured
}
