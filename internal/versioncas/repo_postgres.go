package versioncas

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

const uniqueViolation = "23505"

//go:embed migrations/*.sql
var migrations embed.FS

// gooseUpContext is a seam for tests.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// Migrate applies the embedded schema migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	if err := gooseUpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// PostgresRepository stores versioned rows in one table per kind.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// OpenPostgres connects through the pgx stdlib driver and, when migrate is
// set, brings the schema up to date.
func OpenPostgres(ctx context.Context, dsn string, migrate bool) (*PostgresRepository, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}
	if migrate {
		if err := Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return NewPostgresRepository(db), nil
}

func (r *PostgresRepository) DB() *sql.DB { return r.db }

func (r *PostgresRepository) CurrentVersion(ctx context.Context, kind Kind, id string) (Stored, bool, error) {
	query := fmt.Sprintf("SELECT version_id, workspace_id FROM %s WHERE %s = $1", ident(kind.Table()), ident(kind.KeyColumn()))
	var stored Stored
	err := r.db.QueryRowContext(ctx, query, id).Scan(&stored.VersionID, &stored.WorkspaceID)
	if errors.Is(err, sql.ErrNoRows) {
		return Stored{}, false, nil
	}
	if err != nil {
		return Stored{}, false, fmt.Errorf("db error: %w", err)
	}
	return stored, true, nil
}

func (r *PostgresRepository) Insert(ctx context.Context, rec Record, version string) (int64, error) {
	query, args := insertStatement(rec, version)
	return r.exec(ctx, rec, query, args)
}

func (r *PostgresRepository) Update(ctx context.Context, rec Record, current, next string) (int64, error) {
	query, args := updateStatement(rec, current, next)
	return r.exec(ctx, rec, query, args)
}

func (r *PostgresRepository) exec(ctx context.Context, rec Record, query string, args []any) (int64, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return 0, &DuplicateError{Kind: rec.Kind(), ID: rec.Key(), Constraint: pgErr.ConstraintName}
		}
		return 0, fmt.Errorf("db error: %w", err)
	}
	return res.RowsAffected()
}

func (r *PostgresRepository) Close() error {
	return r.db.Close()
}

// insertStatement builds an insert whose conflict branch only fires for a
// replay of the same version in the same workspace, so a racing first insert
// affects zero rows.
func insertStatement(rec Record, version string) (string, []any) {
	kind := rec.Kind()
	table := ident(kind.Table())
	cols := rec.columns()

	names := make([]string, 0, len(cols)+2)
	placeholders := make([]string, 0, len(cols)+2)
	sets := make([]string, 0, len(cols)+1)
	args := make([]any, 0, len(cols)+2)

	names = append(names, ident(kind.KeyColumn()))
	args = append(args, rec.Key())
	for _, c := range cols {
		names = append(names, ident(c.name))
		args = append(args, c.value)
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", ident(c.name), ident(c.name)))
	}
	names = append(names, "version_id")
	args = append(args, version)
	sets = append(sets, "version_id = EXCLUDED.version_id")
	for i := range args {
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s)
VALUES (%s)
ON CONFLICT (%s) DO UPDATE SET %s
WHERE %s.version_id = EXCLUDED.version_id AND %s.workspace_id = EXCLUDED.workspace_id`,
		table, strings.Join(names, ", "),
		strings.Join(placeholders, ", "),
		ident(kind.KeyColumn()), strings.Join(sets, ", "),
		table, table)
	return query, args
}

func updateStatement(rec Record, current, next string) (string, []any) {
	kind := rec.Kind()
	cols := rec.columns()

	sets := make([]string, 0, len(cols)+1)
	args := make([]any, 0, len(cols)+3)
	args = append(args, rec.Key())
	for _, c := range cols {
		args = append(args, c.value)
		sets = append(sets, fmt.Sprintf("%s = $%d", ident(c.name), len(args)))
	}
	args = append(args, next)
	sets = append(sets, fmt.Sprintf("version_id = $%d", len(args)))
	args = append(args, current, rec.Workspace())

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = $1 AND version_id = $%d AND workspace_id = $%d",
		ident(kind.Table()), strings.Join(sets, ", "), ident(kind.KeyColumn()), len(args)-1, len(args))
	return query, args
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}
