package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ---------------------------------------------------------------------------
// Test helpers: mock DB types
// ---------------------------------------------------------------------------

// mockRow implements pgx.Row for testing.
type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

// mockRows implements pgx.Rows for testing.
type mockRows struct {
	data   [][]any
	idx    int
	err    error
	closed bool
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.err }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }

func (r *mockRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *mockRows) Scan(dest ...any) error {
	row := r.data[r.idx-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: expected %d columns, got %d destinations", len(row), len(dest))
	}
	for i, v := range row {
		d, ok := dest[i].(*string)
		if !ok {
			return fmt.Errorf("scan: unsupported type at index %d: %T", i, dest[i])
		}
		*d = v.(string)
	}
	return nil
}

// mockDB implements the DB interface for testing.
type mockDB struct {
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	queryFunc    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if m.queryRowFunc != nil {
		return m.queryRowFunc(ctx, sql, args...)
	}
	return &mockRow{scanFunc: func(dest ...any) error { return pgx.ErrNoRows }}
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if m.queryFunc != nil {
		return m.queryFunc(ctx, sql, args...)
	}
	return &mockRows{}, nil
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if m.execFunc != nil {
		return m.execFunc(ctx, sql, args...)
	}
	return pgconn.CommandTag{}, nil
}

// ---------------------------------------------------------------------------
// PostgresStore tests
// ---------------------------------------------------------------------------

func TestPostgresStore_Migrate(t *testing.T) {
	t.Parallel()

	var executed string
	db := &mockDB{execFunc: func(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
		executed = sql
		return pgconn.CommandTag{}, nil
	}}
	if err := NewPostgresStore(db).Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if !strings.Contains(executed, "CREATE TABLE IF NOT EXISTS framesync_registry") {
		t.Errorf("Migrate executed %q", executed)
	}
}

func TestPostgresStore_Get(t *testing.T) {
	t.Parallel()

	db := &mockDB{queryRowFunc: func(_ context.Context, _ string, args ...any) pgx.Row {
		return &mockRow{scanFunc: func(dest ...any) error {
			if args[0] != SyncGroupKey("out-a") {
				return pgx.ErrNoRows
			}
			*dest[0].(*string) = "wall"
			return nil
		}}
	}}
	s := NewPostgresStore(db)

	got, err := s.Get(context.Background(), SyncGroupKey("out-a"))
	if err != nil || got != "wall" {
		t.Errorf("Get = %q, %v; want wall", got, err)
	}
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(absent): err = %v, want ErrNotFound", err)
	}
}

func TestPostgresStore_SetUpserts(t *testing.T) {
	t.Parallel()

	var gotSQL string
	var gotArgs []any
	db := &mockDB{execFunc: func(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
		gotSQL, gotArgs = sql, args
		return pgconn.CommandTag{}, nil
	}}
	if err := NewPostgresStore(db).Set(context.Background(), "k", "v"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !strings.Contains(gotSQL, "ON CONFLICT (key) DO UPDATE") {
		t.Errorf("Set SQL is not an upsert: %q", gotSQL)
	}
	if len(gotArgs) != 2 || gotArgs[0] != "k" || gotArgs[1] != "v" {
		t.Errorf("Set args = %v", gotArgs)
	}
}

func TestPostgresStore_List(t *testing.T) {
	t.Parallel()

	rows := &mockRows{data: [][]any{
		{SyncGroupKey("out-a"), "wall"},
		{SyncGroupKey("out-b"), "wall"},
	}}
	var pattern any
	db := &mockDB{queryFunc: func(_ context.Context, _ string, args ...any) (pgx.Rows, error) {
		pattern = args[0]
		return rows, nil
	}}

	got, err := NewPostgresStore(db).List(context.Background(), "channel/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 || got[SyncGroupKey("out-b")] != "wall" {
		t.Errorf("List = %v", got)
	}
	if pattern != "channel/%" {
		t.Errorf("LIKE pattern = %v, want channel/%%", pattern)
	}
	if !rows.closed {
		t.Error("rows not closed")
	}
}

func TestPostgresStore_Errors(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection reset")
	db := &mockDB{
		execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
			return pgconn.CommandTag{}, boom
		},
		queryFunc: func(context.Context, string, ...any) (pgx.Rows, error) {
			return &mockRows{err: boom}, nil
		},
	}
	s := NewPostgresStore(db)
	ctx := context.Background()

	if err := s.Set(ctx, "k", "v"); !errors.Is(err, boom) {
		t.Errorf("Set: err = %v, want wrapped %v", err, boom)
	}
	if err := s.Delete(ctx, "k"); !errors.Is(err, boom) {
		t.Errorf("Delete: err = %v, want wrapped %v", err, boom)
	}
	if _, err := s.List(ctx, ""); !errors.Is(err, boom) {
		t.Errorf("List: err = %v, want wrapped %v", err, boom)
	}
}
