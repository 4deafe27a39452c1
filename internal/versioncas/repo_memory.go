package versioncas

import (
	"context"
	"sync"
)

type memoryRow struct {
	version string
	record  Record
}

// MemoryRepository keeps rows in process. Every conditional write runs under
// one mutex so it behaves like a row-level conditional update.
type MemoryRepository struct {
	mu   sync.Mutex
	rows map[Kind]map[string]memoryRow
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{rows: map[Kind]map[string]memoryRow{}}
}

func (r *MemoryRepository) CurrentVersion(ctx context.Context, kind Kind, id string) (Stored, bool, error) {
	if err := ctx.Err(); err != nil {
		return Stored{}, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[kind][id]
	if !ok {
		return Stored{}, false, nil
	}
	return Stored{VersionID: row.version, WorkspaceID: row.record.Workspace()}, true, nil
}

func (r *MemoryRepository) Insert(ctx context.Context, rec Record, version string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	table := r.table(rec.Kind())
	if existing, ok := table[rec.Key()]; ok {
		if existing.version != version || existing.record.Workspace() != rec.Workspace() {
			return 0, nil
		}
	}
	if err := checkUnique(table, rec); err != nil {
		return 0, err
	}
	table[rec.Key()] = memoryRow{version: version, record: rec}
	return 1, nil
}

func (r *MemoryRepository) Update(ctx context.Context, rec Record, current, next string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	table := r.table(rec.Kind())
	existing, ok := table[rec.Key()]
	if !ok || existing.version != current || existing.record.Workspace() != rec.Workspace() {
		return 0, nil
	}
	if err := checkUnique(table, rec); err != nil {
		return 0, err
	}
	table[rec.Key()] = memoryRow{version: next, record: rec}
	return 1, nil
}

// checkUnique mirrors the partial unique indexes of the SQL schema.
func checkUnique(table map[string]memoryRow, rec Record) error {
	keys := uniqueKeysOf(rec)
	if len(keys) == 0 {
		return nil
	}
	for id, row := range table {
		if id == rec.Key() || row.record.Workspace() != rec.Workspace() {
			continue
		}
		for _, other := range uniqueKeysOf(row.record) {
			for _, k := range keys {
				if k == other {
					return &DuplicateError{Kind: rec.Kind(), ID: rec.Key(), Constraint: k.constraint}
				}
			}
		}
	}
	return nil
}

// Record returns the stored row and its version.
func (r *MemoryRepository) Record(kind Kind, id string) (Record, string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[kind][id]
	if !ok {
		return nil, "", false
	}
	return row.record, row.version, true
}

func (r *MemoryRepository) Len(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows[kind])
}

func (r *MemoryRepository) Close() error { return nil }

func (r *MemoryRepository) table(kind Kind) map[string]memoryRow {
	table, ok := r.rows[kind]
	if !ok {
		table = map[string]memoryRow{}
		r.rows[kind] = table
	}
	return table
}
