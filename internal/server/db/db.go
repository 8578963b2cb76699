// Package db provides the Server's read-only PostgreSQL access: identity
// key lookups for both peer kinds and the desired-state snapshot a daemon
// is synced from.
//
// The schema is owned by the web frontend; this package only ever reads.
// All tables live in the aesterisk schema.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// Database wraps the connection pool. Safe for concurrent use; pooling is
// handled by database/sql.
type Database struct {
	db *sql.DB
}

// New opens a pool against the given connection string (DATABASE_URL) and
// verifies connectivity.
func New(ctx context.Context, databaseURL string) (*Database, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL should be set")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &Database{db: db}, nil
}

// NewFromDB wraps an existing pool; used by tests.
func NewFromDB(db *sql.DB) *Database {
	return &Database{db: db}
}

// DB exposes the underlying pool.
func (d *Database) DB() *sql.DB {
	return d.db
}

// Close releases the pool.
func (d *Database) Close() error {
	return d.db.Close()
}

// UserPublicKey returns the PEM public key bound to a web user identity.
func (d *Database) UserPublicKey(ctx context.Context, userID uint32) ([]byte, error) {
	var key string
	err := d.db.QueryRowContext(ctx, `
		SELECT user_public_key
		FROM aesterisk.users
		WHERE user_id = $1
	`, int64(userID)).Scan(&key)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user with ID %d does not exist", userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user public key: %w", err)
	}

	return []byte(key), nil
}

// NodePublicKey returns the PEM public key bound to a daemon identity.
func (d *Database) NodePublicKey(ctx context.Context, daemonUUID uuid.UUID) ([]byte, error) {
	var key string
	err := d.db.QueryRowContext(ctx, `
		SELECT node_public_key
		FROM aesterisk.nodes
		WHERE node_uuid = $1
	`, daemonUUID).Scan(&key)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("node with UUID %s does not exist", daemonUUID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query node public key: %w", err)
	}

	return []byte(key), nil
}
