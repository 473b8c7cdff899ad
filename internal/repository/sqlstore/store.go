package sqlstore

/*
Пакет sqlstore: каноничное хранилище леджера флота (агенты, инстансы, команды,
события прерывания, idempotency, аудит).

Один и тот же SQL работает на двух диалектах:
  - postgres (pgx через database/sql): прод;
  - sqlite (mattn/go-sqlite3): встроенный режим для dev и тестов.

Плейсхолдеры пишем в стиле Postgres ($1, $2...), для SQLite они переписываются в ?1, ?2
(нумерованная форма, поэтому порядок первого появления не важен).
Время всегда передается параметром из Go, NOW() в запросах не используем.
*/

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres
	"github.com/mattn/go-sqlite3"
)

type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type Store struct {
	db      *sql.DB
	dialect Dialect
}

// queryer — общий знаменатель *sql.DB и *sql.Tx для хелперов сканирования.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open открывает соединение и прогоняет миграции.
func Open(ctx context.Context, dialect Dialect, dsn string, opts Options) (*Store, error) {
	var driver string
	switch dialect {
	case DialectPostgres:
		driver = "pgx"
	case DialectSQLite:
		driver = "sqlite3"
	default:
		return nil, fmt.Errorf("sqlstore: unknown dialect %q", dialect)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", dialect, err)
	}

	if dialect == DialectSQLite {
		// In-memory SQLite: каждое новое соединение: новая пустая база. Держим одно.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		if opts.MaxOpenConns <= 0 {
			opts.MaxOpenConns = 25
		}
		if opts.MaxIdleConns <= 0 {
			opts.MaxIdleConns = opts.MaxOpenConns
		}
		if opts.ConnMaxLifetime <= 0 {
			opts.ConnMaxLifetime = 5 * time.Minute
		}
		db.SetMaxOpenConns(opts.MaxOpenConns)
		db.SetMaxIdleConns(opts.MaxIdleConns)
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	s := &Store{db: db, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return s, nil
}

// Ping проверяет доступность базы при старте
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Dialect() Dialect {
	return s.dialect
}

var pgPlaceholder = regexp.MustCompile(`\$(\d+)`)

// q переписывает плейсхолдеры под диалект.
func (s *Store) q(query string) string {
	if s.dialect == DialectSQLite {
		return pgPlaceholder.ReplaceAllString(query, "?$1")
	}
	return query
}

// inTx выполняет fn в транзакции. Любая ошибка: полный откат.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlstore: commit: %w", err)
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := postgresSchema
	if s.dialect == DialectSQLite {
		stmts = sqliteSchema
		if _, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			return err
		}
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w (statement: %s)", err, firstLine(stmt))
		}
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i > 0 {
		return s[:i]
	}
	return s
}

// isNoRows покрывает и database/sql, и pgx (на случай прямого пула).
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func affected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlstore: rows affected: %w", err)
	}
	return n, nil
}

// roleIndexViolation — сработал частичный индекс ux_instances_one_*: конкурент успел
// вставить второй активный PRIMARY или REPLICA между проверкой и записью.
func roleIndexViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" && strings.HasPrefix(pgErr.ConstraintName, "ux_instances_one_")
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		// Первичный ключ падает на instances.id, частичные индексы на instances.agent_id
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique && strings.Contains(liteErr.Error(), "instances.agent_id")
	}
	return false
}
