package versioncas

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Stored is what the service reads before a conditional write.
type Stored struct {
	VersionID   string
	WorkspaceID string
}

// Repository is the shared relational store behind the upsert service. Write
// methods report rows affected so the caller can tell a won CAS from a lost
// one. Neither write touches a row stored under another workspace.
type Repository interface {
	// CurrentVersion returns the row's version and owning workspace, or
	// ok=false when the row does not exist.
	CurrentVersion(ctx context.Context, kind Kind, id string) (stored Stored, ok bool, err error)
	// Insert writes a new row. An existing row is overwritten only when it
	// already carries version.
	Insert(ctx context.Context, rec Record, version string) (int64, error)
	// Update rewrites the row only when its version still equals current.
	Update(ctx context.Context, rec Record, current, next string) (int64, error)
	Close() error
}

// OpenRepository selects a repository by DSN scheme: memory:// (or empty) for
// an in-process store, postgres:// for the shared database.
func OpenRepository(ctx context.Context, dsn string, migrate bool) (Repository, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryRepository(), nil
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse repository dsn: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "memory":
		return NewMemoryRepository(), nil
	case "postgres", "postgresql":
		return OpenPostgres(ctx, dsn, migrate)
	default:
		return nil, fmt.Errorf("unsupported repository scheme %q", u.Scheme)
	}
}
