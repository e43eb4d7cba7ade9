package db

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/golang/glog"
	_ "github.com/jackc/pgx/v5/stdlib" // driver: pgx
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite" // driver: sqlite
)

type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

func init() {
	// modernc registers itself as "sqlite", which sqlx does not know about.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// ParseDriver maps common aliases to a Driver.
func ParseDriver(s string) (Driver, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sqlite", "sqlite3":
		return DriverSQLite, nil
	case "postgres", "pg", "pgsql", "pgx":
		return DriverPostgres, nil
	}
	return "", errors.Errorf("unsupported driver: %s", s)
}

// Open opens a DB, tunes the pool and ensures the schema exists.
func Open(ctx context.Context, driver Driver, dsn string) (*sqlx.DB, error) {
	var drvName string
	switch driver {
	case DriverSQLite:
		drvName = "sqlite" // modernc driver
		if dsn == "" {
			dsn = "file:cbt.db?cache=shared&mode=rwc&_pragma=busy_timeout(5000)"
		}
	case DriverPostgres:
		drvName = "pgx" // pgx stdlib driver
		if dsn == "" {
			dsn = "postgres://localhost:5432/cbt?sslmode=disable"
		}
	default:
		return nil, errors.Errorf("unsupported driver: %s", driver)
	}

	db, err := sqlx.Open(drvName, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open")
	}
	tunePool(driver, db.DB)

	if err := ping(ctx, db.DB); err != nil {
		_ = db.Close()
		return nil, err
	}
	if driver == DriverSQLite {
		if err := applySQLitePragmas(ctx, db.DB); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if err := ensureSchema(ctx, db, driver); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// ping waits for the database to be ready. Waits 100ms longer between each attempt.
func ping(ctx context.Context, db *sql.DB) error {
	var err error
	const maxAttempts = 20
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = db.PingContext(ctx); err == nil {
			return nil
		}
		glog.V(1).Infof("db ping attempt %d failed: %v", attempt, err)
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "DB ping")
		case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
		}
	}
	return errors.Wrap(err, "DB ping timeout")
}

// WithTx starts a transaction, runs fn, and commits if fn returns nil.
// If fn returns an error, the transaction is rolled back and that error is returned.
func WithTx(ctx context.Context, db *sqlx.DB, fn func(*sqlx.Tx) error) (err error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if e := tx.Commit(); e != nil {
			err = errors.Wrap(e, "commit")
		}
	}()
	err = fn(tx)
	return
}

func tunePool(driver Driver, db *sql.DB) {
	maxOpen := 20
	maxIdle := 10
	connLife := 45 * time.Minute
	idleLife := 15 * time.Minute

	if driver == DriverSQLite {
		// single writer: keep the pool tiny to avoid busy errors
		maxOpen, maxIdle = 1, 1
		connLife, idleLife = 0, 0
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(connLife)
	db.SetConnMaxIdleTime(idleLife)
}

func applySQLitePragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA temp_store = MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return errors.Wrapf(err, "sqlite pragma %q", p)
		}
	}
	return nil
}

func ensureSchema(ctx context.Context, db *sqlx.DB, driver Driver) error {
	stmts := schemaSQLite
	if driver == DriverPostgres {
		stmts = schemaPostgres
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return errors.Wrapf(err, "schema: %s", firstLine(s))
		}
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Both schemas store instants as unix seconds and flags as 0/1 integers so
// the same queries scan on either driver.

var schemaSQLite = []string{
	`CREATE TABLE IF NOT EXISTS cbt_exams (
  id TEXT PRIMARY KEY,
  course_id TEXT NOT NULL,
  class_id TEXT NOT NULL,
  term_id TEXT NOT NULL DEFAULT '',
  title TEXT NOT NULL,
  start_at INTEGER,
  end_at INTEGER,
  duration_minutes INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL DEFAULT 'draft',
  created_by TEXT NOT NULL,
  created_at INTEGER NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS cbt_questions (
  id TEXT PRIMARY KEY,
  exam_id TEXT NOT NULL REFERENCES cbt_exams(id) ON DELETE CASCADE,
  position INTEGER NOT NULL,
  question_text TEXT NOT NULL,
  image_ref TEXT NOT NULL DEFAULT '',
  option1 TEXT,
  option2 TEXT,
  option3 TEXT,
  option4 TEXT,
  correct_option INTEGER
)`,
	`CREATE INDEX IF NOT EXISTS cbt_questions_exam ON cbt_questions(exam_id, position)`,
	`CREATE TABLE IF NOT EXISTS cbt_options (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  question_id TEXT NOT NULL REFERENCES cbt_questions(id) ON DELETE CASCADE,
  option_number INTEGER NOT NULL DEFAULT 0,
  option_text TEXT NOT NULL,
  is_correct INTEGER NOT NULL DEFAULT 0
)`,
	`CREATE INDEX IF NOT EXISTS cbt_options_question ON cbt_options(question_id)`,
	`CREATE TABLE IF NOT EXISTS cbt_question_bank (
  id TEXT PRIMARY KEY,
  teacher_id TEXT NOT NULL,
  course_id TEXT NOT NULL,
  class_id TEXT NOT NULL,
  question_text TEXT NOT NULL,
  image_ref TEXT NOT NULL DEFAULT '',
  option1 TEXT NOT NULL DEFAULT '',
  option2 TEXT NOT NULL DEFAULT '',
  option3 TEXT NOT NULL DEFAULT '',
  option4 TEXT NOT NULL DEFAULT '',
  correct_option TEXT NOT NULL,
  created_at INTEGER NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS cbt_bank_scope ON cbt_question_bank(course_id, class_id)`,
	`CREATE TABLE IF NOT EXISTS cbt_exam_students (
  exam_id TEXT NOT NULL REFERENCES cbt_exams(id) ON DELETE CASCADE,
  student_id TEXT NOT NULL,
  PRIMARY KEY (exam_id, student_id)
)`,
	`CREATE TABLE IF NOT EXISTS cbt_attempts (
  exam_id TEXT NOT NULL REFERENCES cbt_exams(id) ON DELETE CASCADE,
  student_id TEXT NOT NULL,
  started_at INTEGER,
  closed_at INTEGER,
  PRIMARY KEY (exam_id, student_id)
)`,
	`CREATE TABLE IF NOT EXISTS cbt_answers (
  exam_id TEXT NOT NULL REFERENCES cbt_exams(id) ON DELETE CASCADE,
  student_id TEXT NOT NULL,
  question_id TEXT NOT NULL,
  selected_option INTEGER,
  updated_at INTEGER NOT NULL,
  PRIMARY KEY (exam_id, student_id, question_id)
)`,
	`CREATE TABLE IF NOT EXISTS cbt_review_marks (
  exam_id TEXT NOT NULL REFERENCES cbt_exams(id) ON DELETE CASCADE,
  student_id TEXT NOT NULL,
  question_id TEXT NOT NULL,
  marked INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (exam_id, student_id, question_id)
)`,
	`CREATE TABLE IF NOT EXISTS cbt_infractions (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL UNIQUE,
  exam_id TEXT NOT NULL REFERENCES cbt_exams(id) ON DELETE CASCADE,
  student_id TEXT NOT NULL,
  reason TEXT NOT NULL,
  created_at INTEGER NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS cbt_infractions_pair ON cbt_infractions(exam_id, student_id)`,
	`CREATE TABLE IF NOT EXISTS cbt_snapshots (
  id TEXT PRIMARY KEY,
  exam_id TEXT NOT NULL REFERENCES cbt_exams(id) ON DELETE CASCADE,
  student_id TEXT NOT NULL,
  image_ref TEXT NOT NULL,
  created_at INTEGER NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS cbt_results (
  exam_id TEXT NOT NULL REFERENCES cbt_exams(id) ON DELETE CASCADE,
  student_id TEXT NOT NULL,
  score INTEGER NOT NULL,
  total INTEGER NOT NULL,
  submitted_at INTEGER NOT NULL,
  PRIMARY KEY (exam_id, student_id)
)`,
	`CREATE TABLE IF NOT EXISTS event_log (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  site_id TEXT NOT NULL DEFAULT 'local',
  typ TEXT NOT NULL,
  key TEXT NOT NULL,
  data TEXT NOT NULL,
  created_at INTEGER NOT NULL
)`,
}

var schemaPostgres = []string{
	`CREATE TABLE IF NOT EXISTS cbt_exams (
  id TEXT PRIMARY KEY,
  course_id TEXT NOT NULL,
  class_id TEXT NOT NULL,
  term_id TEXT NOT NULL DEFAULT '',
  title TEXT NOT NULL,
  start_at BIGINT,
  end_at BIGINT,
  duration_minutes INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL DEFAULT 'draft',
  created_by TEXT NOT NULL,
  created_at BIGINT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS cbt_questions (
  id TEXT PRIMARY KEY,
  exam_id TEXT NOT NULL REFERENCES cbt_exams(id) ON DELETE CASCADE,
  position INTEGER NOT NULL,
  question_text TEXT NOT NULL,
  image_ref TEXT NOT NULL DEFAULT '',
  option1 TEXT,
  option2 TEXT,
  option3 TEXT,
  option4 TEXT,
  correct_option INTEGER
)`,
	`CREATE INDEX IF NOT EXISTS cbt_questions_exam ON cbt_questions(exam_id, position)`,
	`CREATE TABLE IF NOT EXISTS cbt_options (
  id BIGSERIAL PRIMARY KEY,
  question_id TEXT NOT NULL REFERENCES cbt_questions(id) ON DELETE CASCADE,
  option_number INTEGER NOT NULL DEFAULT 0,
  option_text TEXT NOT NULL,
  is_correct INTEGER NOT NULL DEFAULT 0
)`,
	`CREATE INDEX IF NOT EXISTS cbt_options_question ON cbt_options(question_id)`,
	`CREATE TABLE IF NOT EXISTS cbt_question_bank (
  id TEXT PRIMARY KEY,
  teacher_id TEXT NOT NULL,
  course_id TEXT NOT NULL,
  class_id TEXT NOT NULL,
  question_text TEXT NOT NULL,
  image_ref TEXT NOT NULL DEFAULT '',
  option1 TEXT NOT NULL DEFAULT '',
  option2 TEXT NOT NULL DEFAULT '',
  option3 TEXT NOT NULL DEFAULT '',
  option4 TEXT NOT NULL DEFAULT '',
  correct_option TEXT NOT NULL,
  created_at BIGINT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS cbt_bank_scope ON cbt_question_bank(course_id, class_id)`,
	`CREATE TABLE IF NOT EXISTS cbt_exam_students (
  exam_id TEXT NOT NULL REFERENCES cbt_exams(id) ON DELETE CASCADE,
  student_id TEXT NOT NULL,
  PRIMARY KEY (exam_id, student_id)
)`,
	`CREATE TABLE IF NOT EXISTS cbt_attempts (
  exam_id TEXT NOT NULL REFERENCES cbt_exams(id) ON DELETE CASCADE,
  student_id TEXT NOT NULL,
  started_at BIGINT,
  closed_at BIGINT,
  PRIMARY KEY (exam_id, student_id)
)`,
	`CREATE TABLE IF NOT EXISTS cbt_answers (
  exam_id TEXT NOT NULL REFERENCES cbt_exams(id) ON DELETE CASCADE,
  student_id TEXT NOT NULL,
  question_id TEXT NOT NULL,
  selected_option INTEGER,
  updated_at BIGINT NOT NULL,
  PRIMARY KEY (exam_id, student_id, question_id)
)`,
	`CREATE TABLE IF NOT EXISTS cbt_review_marks (
  exam_id TEXT NOT NULL REFERENCES cbt_exams(id) ON DELETE CASCADE,
  student_id TEXT NOT NULL,
  question_id TEXT NOT NULL,
  marked INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (exam_id, student_id, question_id)
)`,
	`CREATE TABLE IF NOT EXISTS cbt_infractions (
  seq BIGSERIAL PRIMARY KEY,
  id TEXT NOT NULL UNIQUE,
  exam_id TEXT NOT NULL REFERENCES cbt_exams(id) ON DELETE CASCADE,
  student_id TEXT NOT NULL,
  reason TEXT NOT NULL,
  created_at BIGINT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS cbt_infractions_pair ON cbt_infractions(exam_id, student_id)`,
	`CREATE TABLE IF NOT EXISTS cbt_snapshots (
  id TEXT PRIMARY KEY,
  exam_id TEXT NOT NULL REFERENCES cbt_exams(id) ON DELETE CASCADE,
  student_id TEXT NOT NULL,
  image_ref TEXT NOT NULL,
  created_at BIGINT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS cbt_results (
  exam_id TEXT NOT NULL REFERENCES cbt_exams(id) ON DELETE CASCADE,
  student_id TEXT NOT NULL,
  score INTEGER NOT NULL,
  total INTEGER NOT NULL,
  submitted_at BIGINT NOT NULL,
  PRIMARY KEY (exam_id, student_id)
)`,
	`CREATE TABLE IF NOT EXISTS event_log (
  seq BIGSERIAL PRIMARY KEY,
  site_id TEXT NOT NULL DEFAULT 'local',
  typ TEXT NOT NULL,
  key TEXT NOT NULL,
  data TEXT NOT NULL,
  created_at BIGINT NOT NULL
)`,
}
