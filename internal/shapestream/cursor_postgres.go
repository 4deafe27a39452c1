package shapestream

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresCursorTableName  = "deskrelay_shape_cursors"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresCursorStore keeps one row per cursor key. The table is created
// lazily on first use.
type PostgresCursorStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresCursorStore(dsn string) (*PostgresCursorStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	return &PostgresCursorStore{
		dsn:       dsn,
		tableName: postgresCursorTableName,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresCursorStore) Load(ctx context.Context, key string) (Cursor, bool, error) {
	if err := validateKey(key); err != nil {
		return Cursor{}, false, err
	}
	if err := s.ensureReady(); err != nil {
		return Cursor{}, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT handle, shape_offset FROM %s WHERE cursor_key = $1", postgresQuoteIdentifier(s.tableName))
	var (
		handle sql.NullString
		offset string
	)
	err := s.db.QueryRowContext(ctx, query, key).Scan(&handle, &offset)
	if errors.Is(err, sql.ErrNoRows) {
		return Cursor{}, false, nil
	}
	if err != nil {
		return Cursor{}, false, err
	}
	return cursorWith(handle.String, offset), true, nil
}

func (s *PostgresCursorStore) Save(ctx context.Context, key string, cursor Cursor) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	var handle sql.NullString
	if cursor.Handle != nil {
		handle = sql.NullString{String: *cursor.Handle, Valid: true}
	}
	offset := cursor.Offset
	if offset == "" {
		offset = InitialOffset
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (cursor_key, handle, shape_offset, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (cursor_key)
		DO UPDATE SET handle = EXCLUDED.handle, shape_offset = EXCLUDED.shape_offset, updated_at = NOW()`,
		postgresQuoteIdentifier(s.tableName))
	_, err := s.db.ExecContext(ctx, query, key, handle, offset)
	return err
}

func (s *PostgresCursorStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresCursorStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				cursor_key TEXT PRIMARY KEY,
				handle TEXT,
				shape_offset TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
