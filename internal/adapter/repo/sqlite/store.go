// Package sqlite implements the durable store backing documents, jobs,
// batches and usage, together with the typed repositories over it.
//
// The store is a single SQLite file in WAL mode shared by the submission
// API writer, the cleanup sweeps and every worker. All write paths go
// through a bounded busy-retry wrapper so transient lock contention never
// surfaces to callers.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const busyTimeout = 5 * time.Second

// Options configures the store. Replica fields are recognized so one config
// block can describe both the writer and a read-replica sidecar; the
// authoritative writer always operates on Path.
type Options struct {
	Path          string
	ReplicaURL    string
	ReplicaToken  string
	SyncInterval  time.Duration
	EncryptionKey string
	UseReplica    bool
}

// Store wraps the SQLite handle and the prepared hot-path reads.
type Store struct {
	db *sql.DB

	getDocStmt *sql.Stmt

	// busy classifies transient lock errors; overridable in tests.
	busy func(error) bool
}

// Open opens (creating if needed) the database, applies pragmas and runs
// auto-migration. A failure to open or migrate is fatal to startup.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("op=store.open: empty database path")
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("op=store.open: %w", err)
	}
	if opts.ReplicaURL != "" {
		// Embedded replica sync is delegated to an external sidecar; the
		// writer only ever touches the local file.
		slog.Info("replica configured; local file remains the authoritative writer",
			slog.String("replica_url", opts.ReplicaURL),
			slog.Bool("use_replica", opts.UseReplica),
			slog.Duration("sync_interval", opts.SyncInterval))
	}

	dsn := fmt.Sprintf("file:%s?%s", opts.Path, dsnParams())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("op=store.open: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("op=store.open: %w", err)
	}
	// temp_store is per-connection and has no DSN parameter.
	if _, err := db.Exec("PRAGMA temp_store = MEMORY"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("op=store.open: %w", err)
	}

	s := &Store{db: db, busy: isBusyErr}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	stmt, err := db.Prepare(selectDocument + " WHERE id = ?")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("op=store.prepare: %w", err)
	}
	s.getDocStmt = stmt

	slog.Info("store opened", slog.String("path", opts.Path))
	return s, nil
}

func dsnParams() string {
	v := url.Values{}
	v.Set("_journal_mode", "WAL")
	v.Set("_busy_timeout", fmt.Sprintf("%d", busyTimeout.Milliseconds()))
	v.Set("_synchronous", "NORMAL")
	v.Set("_foreign_keys", "on")
	return v.Encode()
}

// Ping verifies the store is reachable; the readiness probe uses it.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the prepared statements and the underlying handle.
func (s *Store) Close() error {
	if s.getDocStmt != nil {
		_ = s.getDocStmt.Close()
	}
	return s.db.Close()
}

// Transaction runs fn atomically, rolling back on error.
func (s *Store) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// migrate applies the highest-numbered embedded migration when the schema is
// absent. Statements that would duplicate existing objects are tolerated so
// a partially-created schema can converge.
func (s *Store) migrate(ctx context.Context) error {
	var name string
	err := s.db.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'documents'`).Scan(&name)
	if err == nil {
		return nil
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("op=store.migrate: %w", err)
	}

	file, err := latestMigration()
	if err != nil {
		return err
	}
	raw, err := migrationsFS.ReadFile("migrations/" + file)
	if err != nil {
		return fmt.Errorf("op=store.migrate: %w", err)
	}
	for _, stmt := range splitStatements(string(raw)) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			if strings.Contains(err.Error(), "already exists") {
				continue
			}
			return fmt.Errorf("op=store.migrate: %q: %w", stmt, err)
		}
	}
	slog.Info("schema migrated", slog.String("migration", file))
	return nil
}

func latestMigration() (string, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return "", fmt.Errorf("op=store.migrate: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".sql" {
			files = append(files, e.Name())
		}
	}
	if len(files) == 0 {
		return "", fmt.Errorf("op=store.migrate: no embedded migrations")
	}
	sort.Strings(files)
	return files[len(files)-1], nil
}

func splitStatements(script string) []string {
	var out []string
	for _, chunk := range strings.Split(script, ";") {
		var lines []string
		for _, line := range strings.Split(chunk, "\n") {
			t := strings.TrimSpace(line)
			if t == "" || strings.HasPrefix(t, "--") {
				continue
			}
			lines = append(lines, line)
		}
		if stmt := strings.TrimSpace(strings.Join(lines, "\n")); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
