package dbpool

import (
	"database/sql"
	"fmt"

	"github.com/tigerfans/server/internal/config"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// SharedPool manages a single shared PostgreSQL connection pool.
// The order store, the SQL accounting backend, and the SQL session store
// all draw from the same pool.
type SharedPool struct {
	db *sql.DB
}

// NewSharedPool opens a PostgreSQL connection pool sized per config.
func NewSharedPool(connectionString string, dbConfig config.DatabaseConfig) (*SharedPool, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	db.SetMaxOpenConns(dbConfig.PoolSize + dbConfig.MaxOverflow)
	db.SetMaxIdleConns(dbConfig.PoolSize)
	db.SetConnMaxIdleTime(dbConfig.PoolTimeout.Duration)

	return &SharedPool{db: db}, nil
}

// DB returns the underlying *sql.DB for use by stores.
func (p *SharedPool) DB() *sql.DB {
	return p.db
}

// Close closes the shared connection pool.
// This should only be called once when the application shuts down.
// sql.DB.Close() is safe to call multiple times.
func (p *SharedPool) Close() error {
	return p.db.Close()
}
