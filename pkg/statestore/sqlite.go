package statestore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/convergehq/converge/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore persists snapshots in a SQLite database. The snapshot lives
// in a single row; every commit also appends to the history table.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	holder string
}

// SQLiteConfig holds SQLite store configuration.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string

	// Holder names this process in lock records. Defaults to "converge".
	Holder string
}

// NewSQLiteStore creates a SQLite store instance. Call Init before use.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	holder := cfg.Holder
	if holder == "" {
		holder = "converge"
	}
	return &SQLiteStore{path: cfg.Path, holder: holder}, nil
}

// Init opens the database in WAL mode and runs migrations.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return s.migrate()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// migrate runs the embedded schema migrations.
func (s *SQLiteStore) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Load reads the current snapshot. An empty store yields serial zero.
func (s *SQLiteStore) Load(ctx context.Context) (*engine.StateSnapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT serial, lineage, taken_at, resources FROM snapshots WHERE id = 1`)

	var (
		serial    uint64
		lineage   string
		takenAt   time.Time
		resources string
	)
	err := row.Scan(&serial, &lineage, &takenAt, &resources)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.NewSnapshot(""), nil
	}
	if err != nil {
		return nil, engine.NewPermanentError("failed to load snapshot", err).
			WithCode(engine.ErrCodePersistence)
	}

	snap := &engine.StateSnapshot{
		Serial:    serial,
		Lineage:   lineage,
		TakenAt:   takenAt,
		Resources: make(map[engine.Address]*engine.ResourceRecord),
	}
	if err := json.Unmarshal([]byte(resources), &snap.Resources); err != nil {
		return nil, engine.NewPermanentError("failed to decode snapshot resources", err).
			WithCode(engine.ErrCodePersistence)
	}
	return snap, nil
}

// Lock takes the store lock, failing fast when it is already held.
func (s *SQLiteStore) Lock(ctx context.Context) (*LockInfo, error) {
	info := &LockInfo{
		ID:         uuid.New().String(),
		Holder:     s.holder,
		AcquiredAt: time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO state_lock (key, lock_id, holder, acquired_at) VALUES (?, ?, ?, ?)`,
		LockKey, info.ID, info.Holder, info.AcquiredAt)
	if err == nil {
		return info, nil
	}
	if !isConstraintError(err) {
		return nil, engine.NewPermanentError("failed to acquire state lock", err).
			WithCode(engine.ErrCodePersistence)
	}

	// Lock row exists; report its holder.
	var held LockInfo
	row := s.db.QueryRowContext(ctx,
		`SELECT lock_id, holder, acquired_at FROM state_lock WHERE key = ?`, LockKey)
	if scanErr := row.Scan(&held.ID, &held.Holder, &held.AcquiredAt); scanErr != nil {
		held = LockInfo{Holder: "unknown"}
	}
	return nil, lockConflict(held)
}

// Unlock releases the lock if info matches the current holder.
func (s *SQLiteStore) Unlock(ctx context.Context, info *LockInfo) error {
	if info == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM state_lock WHERE key = ? AND lock_id = ?`, LockKey, info.ID)
	if err != nil {
		return engine.NewPermanentError("failed to release state lock", err).
			WithCode(engine.ErrCodePersistence)
	}
	return nil
}

// ForceUnlock removes the lock regardless of holder. For operator recovery
// after a crashed run.
func (s *SQLiteStore) ForceUnlock(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM state_lock WHERE key = ?`, LockKey)
	if err != nil {
		return engine.NewPermanentError("failed to force-unlock state", err).
			WithCode(engine.ErrCodePersistence)
	}
	return nil
}

// Commit merges the run's results into the prior snapshot and writes the
// successor in one transaction. The lock is released on every exit path.
func (s *SQLiteStore) Commit(
	ctx context.Context,
	prior *engine.StateSnapshot,
	changes *engine.ChangeSet,
	results []engine.ApplyResult,
) (*engine.StateSnapshot, error) {
	lock, err := s.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		// Release must survive a cancelled run context.
		_ = s.Unlock(context.WithoutCancel(ctx), lock)
	}()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, engine.NewPermanentError("failed to begin transaction", err).
			WithCode(engine.ErrCodePersistence)
	}
	defer func() { _ = tx.Rollback() }()

	var stored uint64
	row := tx.QueryRowContext(ctx, `SELECT serial FROM snapshots WHERE id = 1`)
	if err := row.Scan(&stored); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewPermanentError("failed to read stored serial", err).
			WithCode(engine.ErrCodePersistence)
	}
	if stored != prior.Serial {
		return nil, serialConflict(stored, prior.Serial)
	}

	next := engine.MergeResults(prior, changes, results)
	if next.Lineage == "" {
		next.Lineage = uuid.New().String()
	}

	resources, err := json.Marshal(next.Resources)
	if err != nil {
		return nil, engine.NewPermanentError("failed to encode snapshot resources", err).
			WithCode(engine.ErrCodePersistence)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO snapshots (id, serial, lineage, taken_at, resources)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			serial = excluded.serial,
			lineage = excluded.lineage,
			taken_at = excluded.taken_at,
			resources = excluded.resources`,
		next.Serial, next.Lineage, next.TakenAt, string(resources))
	if err != nil {
		return nil, engine.NewPermanentError("failed to write snapshot", err).
			WithCode(engine.ErrCodePersistence)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO snapshot_history (serial, lineage, taken_at, resources)
		VALUES (?, ?, ?, ?)`,
		next.Serial, next.Lineage, next.TakenAt, string(resources))
	if err != nil {
		return nil, engine.NewPermanentError("failed to append snapshot history", err).
			WithCode(engine.ErrCodePersistence)
	}

	if err := tx.Commit(); err != nil {
		return nil, engine.NewPermanentError("failed to commit snapshot", err).
			WithCode(engine.ErrCodePersistence)
	}
	return next, nil
}

// History returns committed serials, newest first, up to limit.
func (s *SQLiteStore) History(ctx context.Context, limit int) ([]uint64, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT serial FROM snapshot_history ORDER BY serial DESC LIMIT ?`, limit)
	if err != nil {
		return nil, engine.NewPermanentError("failed to read snapshot history", err).
			WithCode(engine.ErrCodePersistence)
	}
	defer func() { _ = rows.Close() }()

	var serials []uint64
	for rows.Next() {
		var serial uint64
		if err := rows.Scan(&serial); err != nil {
			return nil, engine.NewPermanentError("failed to scan history row", err).
				WithCode(engine.ErrCodePersistence)
		}
		serials = append(serials, serial)
	}
	return serials, rows.Err()
}

// isConstraintError reports whether err is a uniqueness violation.
func isConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint")
}
