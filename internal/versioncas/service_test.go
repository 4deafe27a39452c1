package versioncas

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/deskrelay/internal/entitystore"
)

func sequentialVersions() func() string {
	var (
		mu sync.Mutex
		n  int
	)
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("v%d", n)
	}
}

func threadRow(id string) ThreadRow {
	return ThreadRow{
		ThreadID:    id,
		WorkspaceID: "ws_1",
		CustomerID:  "c1",
		Title:       "Refund",
		Status:      entitystore.StatusTodo,
		Stage:       entitystore.StageNeedsFirstResponse,
		Priority:    entitystore.PriorityNormal,
	}
}

// readBarrier holds every reader until n callers have read, so that all of
// them start from the same version.
type readBarrier struct {
	*MemoryRepository
	wg sync.WaitGroup
}

func newReadBarrier(repo *MemoryRepository, n int) *readBarrier {
	b := &readBarrier{MemoryRepository: repo}
	b.wg.Add(n)
	return b
}

func (b *readBarrier) CurrentVersion(ctx context.Context, kind Kind, id string) (Stored, bool, error) {
	stored, ok, err := b.MemoryRepository.CurrentVersion(ctx, kind, id)
	b.wg.Done()
	b.wg.Wait()
	return stored, ok, err
}

func TestUpsertInsertsThenUpdates(t *testing.T) {
	repo := NewMemoryRepository()
	svc, err := NewService(repo, ServiceOptions{NewVersion: sequentialVersions()})
	require.NoError(t, err)

	first, err := svc.UpsertThread(context.Background(), threadRow("t1"))
	require.NoError(t, err)
	assert.Equal(t, Result{Kind: KindThread, ID: "t1", VersionID: "v1", Inserted: true}, first)

	row := threadRow("t1")
	row.Status = entitystore.StatusDone
	second, err := svc.UpsertThread(context.Background(), row)
	require.NoError(t, err)
	assert.Equal(t, "v2", second.VersionID)
	assert.False(t, second.Inserted)

	stored, version, ok := repo.Record(KindThread, "t1")
	require.True(t, ok)
	assert.Equal(t, "v2", version)
	assert.Equal(t, entitystore.StatusDone, stored.(ThreadRow).Status)
}

func TestUpsertEachKind(t *testing.T) {
	repo := NewMemoryRepository()
	svc, err := NewService(repo, ServiceOptions{})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = svc.UpsertWorkspace(ctx, WorkspaceRow{WorkspaceID: "ws_1", Name: "Acme"})
	require.NoError(t, err)
	_, err = svc.UpsertMember(ctx, MemberRow{MemberID: "m1", WorkspaceID: "ws_1", Name: "Ann"})
	require.NoError(t, err)
	email := "bob@example.com"
	_, err = svc.UpsertCustomer(ctx, CustomerRow{CustomerID: "c1", WorkspaceID: "ws_1", Email: &email})
	require.NoError(t, err)
	res, err := svc.UpsertThread(ctx, threadRow("t1"))
	require.NoError(t, err)

	for _, kind := range Kinds() {
		assert.Equal(t, 1, repo.Len(kind), kind)
	}
	version, err := svc.Version(ctx, KindThread, "t1", "ws_1")
	require.NoError(t, err)
	assert.Equal(t, res.VersionID, version)
}

func TestUpsertRejectsRowOfAnotherWorkspace(t *testing.T) {
	repo := NewMemoryRepository()
	svc, err := NewService(repo, ServiceOptions{})
	require.NoError(t, err)
	ctx := context.Background()

	owned := threadRow("t1")
	owned.WorkspaceID = "ws_b"
	first, err := svc.UpsertThread(ctx, owned)
	require.NoError(t, err)

	takeover := threadRow("t1")
	takeover.WorkspaceID = "ws_a"
	takeover.Title = "taken over"
	_, err = svc.UpsertThread(ctx, takeover)
	require.ErrorIs(t, err, ErrForbidden)
	assert.NotErrorIs(t, err, ErrVersionConflict)

	stored, version, ok := repo.Record(KindThread, "t1")
	require.True(t, ok)
	assert.Equal(t, first.VersionID, version)
	assert.Equal(t, "ws_b", stored.Workspace())
	assert.Equal(t, "Refund", stored.(ThreadRow).Title)

	_, err = svc.Version(ctx, KindThread, "t1", "ws_a")
	assert.ErrorIs(t, err, ErrNotFound)
	version, err = svc.Version(ctx, KindThread, "t1", "ws_b")
	require.NoError(t, err)
	assert.Equal(t, first.VersionID, version)
}

func TestMemoryWritesSkipRowsOfAnotherWorkspace(t *testing.T) {
	repo := NewMemoryRepository()
	owned := threadRow("t1")
	owned.WorkspaceID = "ws_b"
	n, err := repo.Insert(context.Background(), owned, "v1")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	foreign := threadRow("t1")
	foreign.WorkspaceID = "ws_a"
	n, err = repo.Insert(context.Background(), foreign, "v1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
	n, err = repo.Update(context.Background(), foreign, "v1", "v2")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestCustomerIdentityUniquePerWorkspace(t *testing.T) {
	repo := NewMemoryRepository()
	svc, err := NewService(repo, ServiceOptions{})
	require.NoError(t, err)
	ctx := context.Background()
	email := "bob@example.com"
	phone := "+15550100"

	_, err = svc.UpsertCustomer(ctx, CustomerRow{CustomerID: "c1", WorkspaceID: "ws_1", Email: &email, Phone: &phone})
	require.NoError(t, err)

	_, err = svc.UpsertCustomer(ctx, CustomerRow{CustomerID: "c2", WorkspaceID: "ws_1", Email: &email})
	var dup *DuplicateError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "customer_workspace_email_key", dup.Constraint)
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = svc.UpsertCustomer(ctx, CustomerRow{CustomerID: "c2", WorkspaceID: "ws_1", Phone: &phone})
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "customer_workspace_phone_key", dup.Constraint)

	// The same identity is free in another workspace, and unset fields never collide.
	_, err = svc.UpsertCustomer(ctx, CustomerRow{CustomerID: "c3", WorkspaceID: "ws_2", Email: &email})
	require.NoError(t, err)
	_, err = svc.UpsertCustomer(ctx, CustomerRow{CustomerID: "c4", WorkspaceID: "ws_1"})
	require.NoError(t, err)
	_, err = svc.UpsertCustomer(ctx, CustomerRow{CustomerID: "c5", WorkspaceID: "ws_1"})
	require.NoError(t, err)

	// Rewriting c1 with its own identity is not a duplicate.
	_, err = svc.UpsertCustomer(ctx, CustomerRow{CustomerID: "c1", WorkspaceID: "ws_1", Email: &email, Name: "Bob"})
	require.NoError(t, err)
	assert.Equal(t, 4, repo.Len(KindCustomer))
}

type wrappedConflictRepo struct {
	*MemoryRepository
}

func (w wrappedConflictRepo) Insert(context.Context, Record, string) (int64, error) {
	return 0, fmt.Errorf("replica: %w", &ConflictError{Kind: KindThread, ID: "t1"})
}

func TestConflictAndCorruptionMatchWrappedErrors(t *testing.T) {
	assert.True(t, isConflict(fmt.Errorf("outer: %w", &ConflictError{})))
	assert.True(t, isCorruption(fmt.Errorf("outer: %w", &CorruptionError{})))
	assert.False(t, isConflict(errors.New("conflict")))

	svc, _ := NewService(wrappedConflictRepo{NewMemoryRepository()}, ServiceOptions{})
	_, err := svc.UpsertThread(context.Background(), threadRow("t1"))
	assert.ErrorIs(t, err, ErrVersionConflict)
}

func TestConcurrentFirstInsertYieldsOneConflict(t *testing.T) {
	repo := NewMemoryRepository()
	shared := newReadBarrier(repo, 2)
	// Two service instances model two replicas behind the same database.
	a, err := NewService(shared, ServiceOptions{})
	require.NoError(t, err)
	b, err := NewService(shared, ServiceOptions{})
	require.NoError(t, err)

	errs := make([]error, 2)
	results := make([]Result, 2)
	var wg sync.WaitGroup
	for i, svc := range []*Service{a, b} {
		wg.Add(1)
		go func(i int, svc *Service) {
			defer wg.Done()
			results[i], errs[i] = svc.UpsertThread(context.Background(), threadRow("t9"))
		}(i, svc)
	}
	wg.Wait()

	var won, lost int
	for i, err := range errs {
		switch {
		case err == nil:
			won++
			assert.True(t, results[i].Inserted)
		case errors.Is(err, ErrVersionConflict):
			lost++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, 1, lost)
	assert.Equal(t, 1, repo.Len(KindThread))
}

func TestConcurrentUpdateFromSameVersionYieldsOneConflict(t *testing.T) {
	repo := NewMemoryRepository()
	seed, err := NewService(repo, ServiceOptions{})
	require.NoError(t, err)
	initial, err := seed.UpsertThread(context.Background(), threadRow("t1"))
	require.NoError(t, err)

	shared := newReadBarrier(repo, 2)
	a, _ := NewService(shared, ServiceOptions{})
	b, _ := NewService(shared, ServiceOptions{})

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, svc := range []*Service{a, b} {
		wg.Add(1)
		go func(i int, svc *Service) {
			defer wg.Done()
			row := threadRow("t1")
			row.Title = fmt.Sprintf("writer %d", i)
			_, errs[i] = svc.UpsertThread(context.Background(), row)
		}(i, svc)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		var conflict *ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, initial.VersionID, conflict.ExpectedVersion)
	}
	assert.Equal(t, 1, succeeded)
	_, version, _ := repo.Record(KindThread, "t1")
	assert.NotEqual(t, initial.VersionID, version)
}

func TestSameServiceSerializesSameKey(t *testing.T) {
	repo := NewMemoryRepository()
	svc, err := NewService(repo, ServiceOptions{})
	require.NoError(t, err)

	const writers = 16
	errs := make(chan error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.UpsertThread(context.Background(), threadRow("t1"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 0, svc.locks.size())
}

func TestUpsertReplaysCallerVersion(t *testing.T) {
	repo := NewMemoryRepository()
	svc, err := NewService(repo, ServiceOptions{})
	require.NoError(t, err)
	const next = "7f1c1a52-5b7b-4a55-9bd5-0b8f5a1e7c11"

	first, err := svc.Upsert(context.Background(), threadRow("t1"), next)
	require.NoError(t, err)
	assert.Equal(t, next, first.VersionID)

	again, err := svc.Upsert(context.Background(), threadRow("t1"), next)
	require.NoError(t, err)
	assert.Equal(t, next, again.VersionID)
	assert.Equal(t, 1, repo.Len(KindThread))
}

type fixedRowsRepo struct {
	*MemoryRepository
	rows int64
	err  error
}

func (f *fixedRowsRepo) Insert(context.Context, Record, string) (int64, error) {
	return f.rows, f.err
}

func TestUpsertReportsCorruption(t *testing.T) {
	svc, err := NewService(&fixedRowsRepo{MemoryRepository: NewMemoryRepository(), rows: 2}, ServiceOptions{})
	require.NoError(t, err)

	_, err = svc.UpsertThread(context.Background(), threadRow("t1"))
	require.ErrorIs(t, err, ErrDataCorruption)
	assert.NotErrorIs(t, err, ErrVersionConflict)
	var corruption *CorruptionError
	require.ErrorAs(t, err, &corruption)
	assert.EqualValues(t, 2, corruption.RowsAffected)
}

func TestUpsertWrapsRepositoryErrors(t *testing.T) {
	boom := errors.New("connection reset")
	svc, _ := NewService(&fixedRowsRepo{MemoryRepository: NewMemoryRepository(), err: boom}, ServiceOptions{})

	_, err := svc.UpsertThread(context.Background(), threadRow("t1"))
	require.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrVersionConflict)
}

func TestUpsertRejectsInvalidRows(t *testing.T) {
	svc, _ := NewService(NewMemoryRepository(), ServiceOptions{})
	ctx := context.Background()

	cases := []Record{
		ThreadRow{WorkspaceID: "ws_1", CustomerID: "c1", Status: entitystore.StatusTodo, Priority: entitystore.PriorityLow},
		func() Record { r := threadRow("t1"); r.Status = "archived"; return r }(),
		func() Record { r := threadRow("t1"); r.Priority = "meh"; return r }(),
		func() Record { r := threadRow("t1"); r.CustomerID = ""; return r }(),
		MemberRow{MemberID: "m1"},
		CustomerRow{WorkspaceID: "ws_1"},
		WorkspaceRow{},
	}
	for _, rec := range cases {
		_, err := svc.Upsert(ctx, rec, "")
		assert.ErrorIs(t, err, ErrInvalidInput, "%+v", rec)
	}
	_, err := svc.Upsert(ctx, nil, "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestVersionNotFound(t *testing.T) {
	svc, _ := NewService(NewMemoryRepository(), ServiceOptions{})
	_, err := svc.Version(context.Background(), KindMember, "nobody", "ws_1")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = svc.Version(context.Background(), KindMember, " ", "ws_1")
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.Version(context.Background(), KindMember, "m1", "")
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestNewServiceRequiresRepository(t *testing.T) {
	_, err := NewService(nil, ServiceOptions{})
	require.Error(t, err)
}

func TestDecodeRequest(t *testing.T) {
	rec, next, err := DecodeRequest(KindThread, []byte(`{
		"row": {"threadId":"t1","workspaceId":"ws_1","customerId":"c1","assigneeId":null,"status":"todo","priority":"high"},
		"nextVersionId": "7f1c1a52-5b7b-4a55-9bd5-0b8f5a1e7c11"
	}`))
	require.NoError(t, err)
	assert.Equal(t, "7f1c1a52-5b7b-4a55-9bd5-0b8f5a1e7c11", next)
	row, ok := rec.(ThreadRow)
	require.True(t, ok)
	assert.Equal(t, "t1", row.Key())
	assert.Nil(t, row.AssigneeID)
	assert.Equal(t, entitystore.PriorityHigh, row.Priority)

	_, _, err = DecodeRequest(KindThread, []byte(`{"row":{"threadId":"t1"},"nextVersionId":"nope"}`))
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, _, err = DecodeRequest(KindThread, []byte(`{}`))
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, _, err = DecodeRequest(KindThread, []byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, _, err = DecodeRequest(Kind("label"), []byte(`{"row":{}}`))
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestParseKind(t *testing.T) {
	kind, err := ParseKind(" Thread ")
	require.NoError(t, err)
	assert.Equal(t, KindThread, kind)
	assert.Equal(t, "thread_id", kind.KeyColumn())
	_, err = ParseKind("pat")
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestOpenRepository(t *testing.T) {
	for _, dsn := range []string{"", "memory://"} {
		repo, err := OpenRepository(context.Background(), dsn, false)
		require.NoError(t, err)
		assert.IsType(t, &MemoryRepository{}, repo)
	}
	_, err := OpenRepository(context.Background(), "mysql://localhost/db", false)
	assert.Error(t, err)
}
