package migrate

import (
	"context"
	"errors"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

var fixedNow = time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"0001_init.up.sql":     {Data: []byte("create table a (id int);\n-- second table; keep it\ncreate table b (id int);\n")},
		"0001_init.down.sql":   {Data: []byte("drop table b;\ndrop table a;\n")},
		"0002_events.up.sql":   {Data: []byte("alter table a add column note text default 'x;y';")},
		"0002_events.down.sql": {Data: []byte("alter table a drop column note;")},
	}
}

func newMockManager(t *testing.T, seeds fstest.MapFS) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	var m *Manager
	if seeds == nil {
		m = NewManager(db, testFS(), nil, WithClock(func() time.Time { return fixedNow }))
	} else {
		m = NewManager(db, testFS(), seeds, WithClock(func() time.Time { return fixedNow }))
	}
	return m, mock
}

func expectLock(mock sqlmock.Sqlmock) {
	mock.ExpectExec("select pg_advisory_lock").WithArgs(defaultLockKey).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
}

func expectUnlock(mock sqlmock.Sqlmock) {
	mock.ExpectExec("select pg_advisory_unlock").WithArgs(defaultLockKey).WillReturnResult(sqlmock.NewResult(0, 0))
}

func historyRows(names ...string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"name", "applied_at"})
	for i, n := range names {
		rows.AddRow(n, fixedNow.Add(time.Duration(i)*time.Minute))
	}
	return rows
}

func TestUpAppliesPendingInOrder(t *testing.T) {
	m, mock := newMockManager(t, nil)

	expectLock(mock)
	mock.ExpectQuery("select name, applied_at from schema_migrations").WillReturnRows(historyRows("0001_init.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("alter table a add column note text default 'x;y'").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into schema_migrations").WithArgs("0002_events.up.sql", fixedNow).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	expectUnlock(mock)

	applied, err := m.Up(context.Background())
	if err != nil {
		t.Fatalf("Up: %v", err)
	}
	if len(applied) != 1 || applied[0] != "0002_events.up.sql" {
		t.Fatalf("unexpected applied: %v", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpRollsBackFailedMigration(t *testing.T) {
	m, mock := newMockManager(t, nil)

	expectLock(mock)
	mock.ExpectQuery("select name, applied_at from schema_migrations").WillReturnRows(historyRows())
	mock.ExpectBegin()
	mock.ExpectExec("create table a").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table b").WillReturnError(errors.New("boom"))
	mock.ExpectRollback()
	expectUnlock(mock)

	applied, err := m.Up(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if len(applied) != 0 {
		t.Fatalf("failed migration reported as applied: %v", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDownRollsBackLatest(t *testing.T) {
	m, mock := newMockManager(t, nil)

	expectLock(mock)
	mock.ExpectQuery("select name, applied_at from schema_migrations").
		WillReturnRows(historyRows("0001_init.up.sql", "0002_events.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("alter table a drop column note").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("delete from schema_migrations where name").WithArgs("0002_events.up.sql").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	expectUnlock(mock)

	name, err := m.Down(context.Background())
	if err != nil {
		t.Fatalf("Down: %v", err)
	}
	if name != "0002_events.up.sql" {
		t.Fatalf("unexpected rollback: %s", name)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDownWithNothingApplied(t *testing.T) {
	m, mock := newMockManager(t, nil)

	expectLock(mock)
	mock.ExpectQuery("select name, applied_at from schema_migrations").WillReturnRows(historyRows())
	expectUnlock(mock)

	if _, err := m.Down(context.Background()); !errors.Is(err, ErrNothingApplied) {
		t.Fatalf("expected ErrNothingApplied, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestStatusListsAppliedThenPending(t *testing.T) {
	m, mock := newMockManager(t, nil)

	expectLock(mock)
	mock.ExpectQuery("select name, applied_at from schema_migrations").WillReturnRows(historyRows("0001_init.up.sql"))
	expectUnlock(mock)

	entries, err := m.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	if !entries[0].Applied || entries[0].Name != "0001_init.up.sql" || !entries[0].AppliedAt.Equal(fixedNow) {
		t.Fatalf("unexpected applied entry: %+v", entries[0])
	}
	if entries[1].Applied || entries[1].Name != "0002_events.up.sql" {
		t.Fatalf("unexpected pending entry: %+v", entries[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSeedSkipsExecuted(t *testing.T) {
	seeds := fstest.MapFS{
		"0001_demo.sql":  {Data: []byte("insert into events (id) values ('e1') on conflict do nothing;")},
		"0002_users.sql": {Data: []byte("insert into users (id) values ('u1') on conflict do nothing;")},
	}
	m, mock := newMockManager(t, seeds)

	expectLock(mock)
	mock.ExpectQuery("select name, applied_at from schema_seeds").WillReturnRows(historyRows("0001_demo.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("insert into users").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into schema_seeds").WithArgs("0002_users.sql", fixedNow).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	expectUnlock(mock)

	applied, err := m.Seed(context.Background())
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if len(applied) != 1 || applied[0] != "0002_users.sql" {
		t.Fatalf("unexpected applied seeds: %v", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSplitStatements(t *testing.T) {
	got := splitStatements("create table a (x text default ';');\n-- note; ignored\n\ninsert into a values ('it''s');;")
	want := []string{"create table a (x text default ';')", "insert into a values ('it''s')"}
	if len(got) != len(want) {
		t.Fatalf("unexpected statements: %q", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("statement %d = %q, want %q", i, got[i], want[i])
		}
	}
}
