package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

//go:embed sql/migrations/*.sql sql/seeds/*.sql
var embedded embed.FS

const defaultHistoryTable = "steril_schema_history"

// Kind separates schema migrations from reference-data seeds in the history table.
type Kind string

const (
	KindMigration Kind = "migration"
	KindSeed      Kind = "seed"
)

// Entry is one script known to the manager. AppliedAt is nil while pending.
type Entry struct {
	Kind      Kind
	Name      string
	AppliedAt *time.Time
}

func (e Entry) String() string {
	state := "pending"
	if e.AppliedAt != nil {
		state = e.AppliedAt.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("%-9s %-36s %s", e.Kind, e.Name, state)
}

// Manager applies the sterilization schema and its seed data from an fs.FS and
// records every script it ran in a single history table.
type Manager struct {
	db    *sql.DB
	files fs.FS
	dirs  map[Kind]scriptDir
	table string
}

type scriptDir struct {
	path   string
	suffix string
}

// Option configures Manager.
type Option func(*Manager)

// WithHistoryTable overrides the bookkeeping table name.
func WithHistoryTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.table = name
		}
	}
}

// NewManager reads migrations (*.up.sql with matching *.down.sql) and seeds
// (*.sql) from slash-separated directories inside files.
func NewManager(db *sql.DB, files fs.FS, migrationsDir, seedsDir string, opts ...Option) *Manager {
	m := &Manager{
		db:    db,
		files: files,
		dirs: map[Kind]scriptDir{
			KindMigration: {path: migrationsDir, suffix: ".up.sql"},
			KindSeed:      {path: seedsDir, suffix: ".sql"},
		},
		table: defaultHistoryTable,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewEmbedded constructs a Manager over the schema compiled into the binary.
func NewEmbedded(db *sql.DB, opts ...Option) *Manager {
	return NewManager(db, embedded, "sql/migrations", "sql/seeds", opts...)
}

// Up applies pending migrations in file order and returns the names it ran.
func (m *Manager) Up(ctx context.Context) ([]string, error) {
	return m.apply(ctx, KindMigration)
}

// Seed loads pending seed files. Seeds already recorded are never rerun.
func (m *Manager) Seed(ctx context.Context) ([]string, error) {
	return m.apply(ctx, KindSeed)
}

// Down reverts the newest migration and returns its name.
func (m *Manager) Down(ctx context.Context) (string, error) {
	if err := m.ensureHistory(ctx); err != nil {
		return "", err
	}
	var last string
	err := m.db.QueryRowContext(ctx, fmt.Sprintf(
		`select name from %s where kind = $1 order by applied_at desc, name desc limit 1`, m.table),
		string(KindMigration)).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errors.New("no migrations applied")
	}
	if err != nil {
		return "", fmt.Errorf("read schema history: %w", err)
	}

	down := strings.TrimSuffix(path.Join(m.dirs[KindMigration].path, last), ".up.sql") + ".down.sql"
	if _, err := fs.Stat(m.files, down); err != nil {
		return "", fmt.Errorf("migration %s has no down script", last)
	}
	err = m.run(ctx, down, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`delete from %s where kind = $1 and name = $2`, m.table),
			string(KindMigration), last)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("revert migration %s: %w", last, err)
	}
	return last, nil
}

// Status lists every migration then every seed, applied or not.
func (m *Manager) Status(ctx context.Context) ([]Entry, error) {
	if err := m.ensureHistory(ctx); err != nil {
		return nil, err
	}
	var out []Entry
	for _, kind := range []Kind{KindMigration, KindSeed} {
		done, err := m.applied(ctx, kind)
		if err != nil {
			return nil, err
		}
		scripts, err := m.scripts(kind)
		if err != nil {
			return nil, err
		}
		for _, s := range scripts {
			e := Entry{Kind: kind, Name: s.name}
			if at, ok := done[s.name]; ok {
				e.AppliedAt = &at
			}
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Manager) apply(ctx context.Context, kind Kind) ([]string, error) {
	if err := m.ensureHistory(ctx); err != nil {
		return nil, err
	}
	done, err := m.applied(ctx, kind)
	if err != nil {
		return nil, err
	}
	scripts, err := m.scripts(kind)
	if err != nil {
		return nil, err
	}
	var ran []string
	for _, s := range scripts {
		if _, ok := done[s.name]; ok {
			continue
		}
		err := m.run(ctx, s.path, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, fmt.Sprintf(`insert into %s (kind, name, applied_at) values ($1, $2, $3)`, m.table),
				string(kind), s.name, time.Now().UTC())
			return err
		})
		if err != nil {
			return ran, fmt.Errorf("apply %s %s: %w", kind, s.name, err)
		}
		ran = append(ran, s.name)
	}
	return ran, nil
}

func (m *Manager) ensureHistory(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, fmt.Sprintf(`
		create table if not exists %s (
			kind       text not null,
			name       text not null,
			applied_at timestamptz not null default now(),
			primary key (kind, name)
		)`, m.table))
	if err != nil {
		return fmt.Errorf("create %s: %w", m.table, err)
	}
	return nil
}

// run executes one script and its history change in a single transaction, so a
// failed script leaves no trace.
func (m *Manager) run(ctx context.Context, name string, record func(*sql.Tx) error) error {
	script, err := fs.ReadFile(m.files, name)
	if err != nil {
		return err
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(script)) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if err := record(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Manager) applied(ctx context.Context, kind Kind) (map[string]time.Time, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name, applied_at from %s where kind = $1`, m.table), string(kind))
	if err != nil {
		return nil, fmt.Errorf("read schema history: %w", err)
	}
	defer rows.Close()
	out := make(map[string]time.Time)
	for rows.Next() {
		var (
			name string
			at   time.Time
		)
		if err := rows.Scan(&name, &at); err != nil {
			return nil, err
		}
		out[name] = at
	}
	return out, rows.Err()
}

type script struct {
	name string
	path string
}

// scripts lists the files of one kind sorted by name. A missing directory is empty.
func (m *Manager) scripts(kind Kind) ([]script, error) {
	dir := m.dirs[kind]
	if dir.path == "" || m.files == nil {
		return nil, nil
	}
	entries, err := fs.ReadDir(m.files, dir.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []script
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), dir.suffix) {
			continue
		}
		if kind == KindSeed && strings.HasSuffix(e.Name(), ".down.sql") {
			continue
		}
		out = append(out, script{name: e.Name(), path: path.Join(dir.path, e.Name())})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out, nil
}

// splitStatements cuts a script at semicolons outside single-quoted literals.
// "--" comments are dropped up to the end of their line.
func splitStatements(src string) []string {
	var (
		out    []string
		cur    strings.Builder
		quoted bool
	)
	for i := 0; i < len(src); i++ {
		c := src[i]
		switch {
		case c == '\'':
			quoted = !quoted
		case !quoted && c == '-' && i+1 < len(src) && src[i+1] == '-':
			for i < len(src) && src[i] != '\n' {
				i++
			}
			if i < len(src) {
				cur.WriteByte('\n')
			}
			continue
		case !quoted && c == ';':
			cur.WriteByte(c)
			out = append(out, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteByte(c)
	}
	if strings.TrimSpace(cur.String()) != "" {
		out = append(out, cur.String())
	}
	return out
}
