package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a message with the same external id already exists.
	ErrDuplicate = errors.New("duplicate external id")
)

// Store is the relational persistence for connections, contacts, tickets and messages.
type Store struct {
	db     *sqlx.DB
	dbType string
}

// Open connects to the database and applies the schema.
func Open(ctx context.Context, dbType, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}

	driver := "sqlite"
	if dbType == "postgres" {
		driver = "postgres"
	}

	conn, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if driver == "sqlite" {
		// modernc sqlite serializes writers; one connection avoids SQLITE_BUSY under concurrent sessions.
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(25)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxLifetime(30 * time.Minute)
	}

	s := &Store{db: conn, dbType: driver}
	if err := s.migrate(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	log.Info().Str("driver", driver).Msg("Database connection established")
	return s, nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement %d: %w", i, err)
		}
	}
	return nil
}

func (s *Store) rebind(query string) string {
	return s.db.Rebind(query)
}

func notFound(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
