package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"steriltrace.org/internal/steril"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
	pgErrSerialization       = "40001"
	pgErrDeadlock            = "40P01"
	pgErrLockNotAvailable    = "55P03"

	defaultWriteTimeout = 5 * time.Second
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements steril.Store on PostgreSQL through database/sql and the pgx driver.
type Store struct {
	reader
	db           *sql.DB
	writeTimeout time.Duration
}

var _ steril.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithWriteTimeout bounds a unit of work once its first write has been issued.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db, opts...), nil
}

// New wraps an existing pool.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{reader: reader{q: db}, db: db, writeTimeout: defaultWriteTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error {
	return mapErr(s.db.PingContext(ctx), "database")
}

// Atomic runs fn in a read-committed transaction. Rows read through the Tx are
// locked with "for update" and updates carry the version the caller read.
//
// Reads run on the caller's context, so cancelling before the first write rolls
// back cleanly. From the first write on, statements and the commit run on a
// context detached from the caller and bounded by the write timeout.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, tx steril.Tx) error) error {
	detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.writeTimeout)
	defer cancel()

	sqlTx, err := s.db.BeginTx(detached, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return mapErr(err, "begin")
	}
	defer func() { _ = sqlTx.Rollback() }()

	t := &tx{reader: reader{q: sqlTx, lock: true}, sqlTx: sqlTx, detached: detached}
	t.reader.ctxFor = t.ctx
	if err := fn(ctx, t); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return mapErr(err, "commit")
	}
	return nil
}

// tx is one unit of work. Writers switch it to the detached context.
type tx struct {
	reader
	sqlTx    *sql.Tx
	detached context.Context
	wrote    bool
}

var _ steril.Tx = (*tx)(nil)

func (t *tx) ctx(caller context.Context) context.Context {
	if t.wrote {
		return t.detached
	}
	return caller
}

// write marks the point of no return and yields the context for the statement.
// A caller cancelled before the first write gets its own context back, so the
// statement fails and Atomic rolls back.
func (t *tx) write(caller context.Context) context.Context {
	if !t.wrote && caller.Err() != nil {
		return caller
	}
	t.wrote = true
	return t.detached
}

// mapErr translates driver failures into the engine's error kinds.
func mapErr(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", steril.ErrNotFound, what)
	}
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			switch pgErr.ConstraintName {
			case "autoclaves_serial_key":
				return fmt.Errorf("%w: %s", steril.ErrDuplicateSerial, pgErr.Detail)
			case "assignments_tray_id_key":
				return fmt.Errorf("%w: %s", steril.ErrAlreadyAssigned, pgErr.Detail)
			}
			return fmt.Errorf("%w: %s: %s", steril.ErrConflict, what, pgErr.ConstraintName)
		case pgErrForeignKeyViolation:
			return fmt.Errorf("%w: %s references a missing row (%s)", steril.ErrNotFound, what, pgErr.ConstraintName)
		case pgErrSerialization, pgErrDeadlock, pgErrLockNotAvailable:
			return fmt.Errorf("%w: %s: %s", steril.ErrConflict, what, pgErr.Message)
		}
		return fmt.Errorf("%s: %w", what, err)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || errors.Is(err, sql.ErrConnDone) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %s: %v", steril.ErrUnavailable, what, err)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
