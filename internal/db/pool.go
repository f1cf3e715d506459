// Package db opens the gateway's relational store backends and provides the
// read/write connection pools shared by the durable stores.
package db

import (
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/lemongate/lemongate/internal/common/config"
)

// Pool splits store traffic into a write handle and a read handle.
//
// SQLite needs the split: WAL mode supports many readers against one
// writer, so the writer pool pins a single connection and the reader
// pool fans out. Postgres does not, so both handles are the same
// *sqlx.DB and pgx pools underneath.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool creates a Pool from separate writer and reader connections.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Open opens the configured backend and returns its connection pool.
// Supported backends are "sqlite" and "postgres"; the in-memory store does
// not go through here.
func Open(storeCfg config.StoreConfig, dbCfg config.DatabaseConfig) (*Pool, error) {
	switch storeCfg.Backend {
	case config.StoreBackendSQLite:
		writer, err := openSQLiteWriter(storeCfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		reader, err := openSQLiteReader(storeCfg.SQLitePath)
		if err != nil {
			_ = writer.Close()
			return nil, err
		}
		return NewPool(writer, reader), nil
	case config.StoreBackendPostgres:
		conn, err := openPostgres(dbCfg)
		if err != nil {
			return nil, err
		}
		// pgx pools internally; reads and writes share the same handle.
		return NewPool(conn, conn), nil
	default:
		return nil, fmt.Errorf("unsupported store backend %q", storeCfg.Backend)
	}
}

// Writer is the handle for INSERT, UPDATE, DELETE, and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader is the handle for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// DriverName reports the sqlx driver name, used for dialect decisions.
func (p *Pool) DriverName() string { return p.writer.DriverName() }

// Close releases both handles, tolerating the shared-handle case.
func (p *Pool) Close() error {
	if p.reader == p.writer {
		return p.writer.Close()
	}
	return errors.Join(p.writer.Close(), p.reader.Close())
}
