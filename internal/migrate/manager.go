package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

const (
	defaultMigrationsTable = "schema_migrations"
	defaultSeedsTable      = "schema_seeds"

	// defaultLockKey serialises concurrent migrators through pg_advisory_lock.
	defaultLockKey int64 = 0x61747464 // "attd"

	upSuffix   = ".up.sql"
	downSuffix = ".down.sql"
)

// ErrNothingApplied is returned by Down when no migration is recorded.
var ErrNothingApplied = errors.New("migrate: no migrations applied")

// Manager executes SQL migrations and seed files read from file systems,
// typically the embedded ops/migrations tree or os.DirFS.
type Manager struct {
	db              *sql.DB
	migrations      fs.FS
	seeds           fs.FS
	migrationsTable string
	seedsTable      string
	lockKey         int64
	now             func() time.Time
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the default migrations bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

// WithSeedsTable overrides the default seeds bookkeeping table.
func WithSeedsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.seedsTable = name
		}
	}
}

// WithLockKey overrides the advisory lock key.
func WithLockKey(key int64) Option {
	return func(m *Manager) {
		m.lockKey = key
	}
}

// WithClock overrides the applied_at time source.
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewManager constructs a Manager. seeds may be nil.
func NewManager(db *sql.DB, migrations, seeds fs.FS, opts ...Option) *Manager {
	m := &Manager{
		db:              db,
		migrations:      migrations,
		seeds:           seeds,
		migrationsTable: defaultMigrationsTable,
		seedsTable:      defaultSeedsTable,
		lockKey:         defaultLockKey,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Entry is one migration as reported by Status.
type Entry struct {
	Name      string
	Applied   bool
	AppliedAt time.Time
}

// Up applies all pending migrations in name order and returns their names.
func (m *Manager) Up(ctx context.Context) ([]string, error) {
	var applied []string
	err := m.locked(ctx, func(conn *sql.Conn) error {
		executed, err := m.executed(ctx, conn, m.migrationsTable)
		if err != nil {
			return err
		}
		files, err := collectSQL(m.migrations, upSuffix)
		if err != nil {
			return err
		}
		for _, name := range files {
			if _, ok := executed[name]; ok {
				continue
			}
			if err := m.apply(ctx, conn, m.migrations, name, m.recordStmt(m.migrationsTable), name); err != nil {
				return fmt.Errorf("apply migration %s: %w", name, err)
			}
			applied = append(applied, name)
		}
		return nil
	})
	return applied, err
}

// Down rolls back the most recently applied migration and returns its name.
func (m *Manager) Down(ctx context.Context) (string, error) {
	var last string
	err := m.locked(ctx, func(conn *sql.Conn) error {
		hist, err := m.history(ctx, conn, m.migrationsTable)
		if err != nil {
			return err
		}
		if len(hist) == 0 {
			return ErrNothingApplied
		}
		last = hist[len(hist)-1].Name
		down := strings.TrimSuffix(last, upSuffix) + downSuffix
		if _, err := fs.Stat(m.migrations, down); err != nil {
			return fmt.Errorf("missing down migration for %s", last)
		}
		del := fmt.Sprintf(`delete from %s where name = $1`, m.migrationsTable)
		if err := m.apply(ctx, conn, m.migrations, down, del, last); err != nil {
			return fmt.Errorf("rollback migration %s: %w", last, err)
		}
		return nil
	})
	return last, err
}

// Status lists applied migrations followed by pending ones.
func (m *Manager) Status(ctx context.Context) ([]Entry, error) {
	var out []Entry
	err := m.locked(ctx, func(conn *sql.Conn) error {
		hist, err := m.history(ctx, conn, m.migrationsTable)
		if err != nil {
			return err
		}
		files, err := collectSQL(m.migrations, upSuffix)
		if err != nil {
			return err
		}
		seen := make(map[string]bool, len(hist))
		for _, e := range hist {
			seen[e.Name] = true
			out = append(out, e)
		}
		for _, name := range files {
			if !seen[name] {
				out = append(out, Entry{Name: name})
			}
		}
		return nil
	})
	return out, err
}

// Seed applies seed files once each and returns the names applied.
func (m *Manager) Seed(ctx context.Context) ([]string, error) {
	if m.seeds == nil {
		return nil, nil
	}
	var applied []string
	err := m.locked(ctx, func(conn *sql.Conn) error {
		executed, err := m.executed(ctx, conn, m.seedsTable)
		if err != nil {
			return err
		}
		files, err := collectSQL(m.seeds, ".sql")
		if err != nil {
			return err
		}
		for _, name := range files {
			if _, ok := executed[name]; ok {
				continue
			}
			if err := m.apply(ctx, conn, m.seeds, name, m.recordStmt(m.seedsTable), name); err != nil {
				return fmt.Errorf("apply seed %s: %w", name, err)
			}
			applied = append(applied, name)
		}
		return nil
	})
	return applied, err
}

// locked runs fn on a dedicated connection holding the advisory lock, with
// the bookkeeping tables in place.
func (m *Manager) locked(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `select pg_advisory_lock($1)`, m.lockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), `select pg_advisory_unlock($1)`, m.lockKey)
	}()

	for _, table := range []string{m.migrationsTable, m.seedsTable} {
		ddl := fmt.Sprintf(`create table if not exists %s (
			name text primary key,
			applied_at timestamptz not null default now()
		)`, table)
		if _, err := conn.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("ensure %s: %w", table, err)
		}
	}
	return fn(conn)
}

func (m *Manager) recordStmt(table string) string {
	return fmt.Sprintf(`insert into %s (name, applied_at) values ($1, $2)`, table)
}

// apply runs the statements of file and the bookkeeping statement in one
// transaction. The bookkeeping statement receives name and, when it has a
// second placeholder, the current time.
func (m *Manager) apply(ctx context.Context, conn *sql.Conn, fsys fs.FS, file, bookkeeping, name string) error {
	body, err := fs.ReadFile(fsys, file)
	if err != nil {
		return err
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(body)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	args := []any{name}
	if strings.Contains(bookkeeping, "$2") {
		args = append(args, m.now().UTC())
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, args...); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Manager) executed(ctx context.Context, conn *sql.Conn, table string) (map[string]struct{}, error) {
	hist, err := m.history(ctx, conn, table)
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(hist))
	for _, e := range hist {
		out[e.Name] = struct{}{}
	}
	return out, nil
}

func (m *Manager) history(ctx context.Context, conn *sql.Conn, table string) ([]Entry, error) {
	rows, err := conn.QueryContext(ctx, fmt.Sprintf(`select name, applied_at from %s order by applied_at asc, name asc`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Entry
	for rows.Next() {
		e := Entry{Applied: true}
		if err := rows.Scan(&e.Name, &e.AppliedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// collectSQL returns the names of files under fsys ending in suffix, sorted.
// Down migrations never match the up or seed suffix filters.
func collectSQL(fsys fs.FS, suffix string) ([]string, error) {
	if fsys == nil {
		return nil, nil
	}
	var files []string
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := path.Base(p)
		if strings.HasSuffix(name, suffix) && (suffix == downSuffix || !strings.HasSuffix(name, downSuffix)) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// splitStatements splits SQL on semicolons outside quotes and line comments.
// Empty statements are dropped.
func splitStatements(sql string) []string {
	var (
		stmts     []string
		current   strings.Builder
		inString  bool
		inComment bool
	)
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			stmts = append(stmts, s)
		}
		current.Reset()
	}
	runes := []rune(sql)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case inComment:
			if r == '\n' {
				inComment = false
				current.WriteRune(r)
			}
		case r == '-' && !inString && i+1 < len(runes) && runes[i+1] == '-':
			inComment = true
			i++
		case r == '\'':
			inString = !inString
			current.WriteRune(r)
		case r == ';' && !inString:
			flush()
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return stmts
}
