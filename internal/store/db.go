package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/pulseloop/coach/internal/logging"
)

func init() {
	sqlite_vec.Auto() // registers the vec0 virtual table with go-sqlite3
}

// DB wraps the SQLite database holding the core's durable state: points
// ledger, health records, reminder settings, notification queue, decision
// verdicts, user profiles and long-term memories.
type DB struct {
	db           *sql.DB
	path         string
	vecAvailable bool
	vecDim       int // embedding dimension used in memory_vec (0 = not yet determined)
}

// Open opens or creates the core database under statePath.
func Open(statePath string) (*DB, error) {
	dbPath := filepath.Join(statePath, "core.db")

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	// _txlock=immediate makes explicit transactions take the write lock up
	// front, so read-then-write earns serialize instead of failing the
	// snapshot upgrade under WAL.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &DB{db: db, path: dbPath}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	// Check if sqlite-vec extension is available
	var vecVersion string
	if err := db.QueryRow("SELECT vec_version()").Scan(&vecVersion); err != nil {
		logging.Info("store", "sqlite-vec not available: %v, memory search falls back to full scan", err)
	} else {
		logging.Info("store", "sqlite-vec %s loaded", vecVersion)
		s.vecAvailable = true
		if err := s.initVecTableFromMemories(); err != nil {
			logging.Info("store", "vec init warning: %v", err)
		}
	}

	return s, nil
}

// Close closes the database connection.
func (s *DB) Close() error {
	return s.db.Close()
}

// migrate creates the schema. All statements are idempotent.
func (s *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Append-only points ledger. balance_after is maintained under a
	-- per-user write transaction; the partial unique index enforces the
	-- once-per-day rule for daily-unique reasons.
	CREATE TABLE IF NOT EXISTS ledger (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		kind TEXT NOT NULL CHECK (kind IN ('earn', 'spend')),
		amount INTEGER NOT NULL CHECK (amount > 0),
		reason TEXT NOT NULL,
		description TEXT,
		related_record TEXT,
		balance_after INTEGER NOT NULL,
		day TEXT NOT NULL,
		daily_unique INTEGER NOT NULL DEFAULT 0,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_user_time ON ledger(user_id, timestamp);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_daily
		ON ledger(user_id, reason, day) WHERE daily_unique = 1;

	-- Health records: discriminator column + JSON payload, immutable.
	CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		day TEXT NOT NULL,
		notes TEXT,
		payload TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_records_user_kind_day ON records(user_id, kind, day);
	CREATE INDEX IF NOT EXISTS idx_records_user_time ON records(user_id, timestamp);

	-- User profiles as a JSON blob; points and the achievement set are
	-- authoritative elsewhere (ledger / user_achievements) and overlaid
	-- on read.
	CREATE TABLE IF NOT EXISTS profiles (
		user_id TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS user_achievements (
		user_id TEXT NOT NULL,
		achievement_id TEXT NOT NULL,
		unlocked_at DATETIME NOT NULL,
		PRIMARY KEY (user_id, achievement_id)
	);

	-- Reminder settings keyed (user, type).
	CREATE TABLE IF NOT EXISTS reminders (
		user_id TEXT NOT NULL,
		type TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		time_of_day TEXT,
		interval_secs INTEGER NOT NULL DEFAULT 0,
		weekdays TEXT NOT NULL DEFAULT '0,1,2,3,4,5,6',
		metadata TEXT,
		next_fire_at DATETIME,
		PRIMARY KEY (user_id, type)
	);

	CREATE INDEX IF NOT EXISTS idx_reminders_due ON reminders(enabled, next_fire_at);
	CREATE INDEX IF NOT EXISTS idx_reminders_user ON reminders(user_id, enabled, next_fire_at);

	-- Notification queue.
	CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		type TEXT NOT NULL,
		title TEXT,
		body TEXT,
		channel TEXT,
		status TEXT NOT NULL,
		scheduled_at DATETIME NOT NULL,
		sent_at DATETIME,
		attempts INTEGER NOT NULL DEFAULT 0,
		payload TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_notifications_user_status
		ON notifications(user_id, status, scheduled_at);
	CREATE INDEX IF NOT EXISTS idx_notifications_dedup
		ON notifications(user_id, type, scheduled_at);

	-- Decision verdicts, persisted for audit: every sent notification has
	-- a matching verdict row.
	CREATE TABLE IF NOT EXISTS verdicts (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		type TEXT NOT NULL,
		outcome TEXT NOT NULL,
		reason TEXT,
		score REAL,
		scheduled_at DATETIME NOT NULL,
		defer_until DATETIME,
		factors TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_verdicts_user ON verdicts(user_id, type, scheduled_at);

	-- Message experiments: the definition as a JSON blob plus a per-user
	-- outcome log, keyed for both per-variant rollups and per-user audit.
	CREATE TABLE IF NOT EXISTS ab_tests (
		id TEXT PRIMARY KEY,
		notif_type TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		data TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ab_tests_type ON ab_tests(notif_type, active);

	CREATE TABLE IF NOT EXISTS ab_results (
		id TEXT PRIMARY KEY,
		test_id TEXT NOT NULL,
		variant_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		outcome TEXT NOT NULL,
		at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ab_results_variant ON ab_results(test_id, variant_id, outcome);
	CREATE INDEX IF NOT EXISTS idx_ab_results_user ON ab_results(user_id, at);

	-- Long-term memory documents. One logical collection per user via the
	-- user_id filter; embeddings stored as JSON and mirrored into the
	-- memory_vec ANN index when sqlite-vec is available.
	CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		content TEXT NOT NULL,
		importance TEXT NOT NULL DEFAULT 'medium',
		timestamp DATETIME NOT NULL,
		retention_until DATETIME NOT NULL,
		embedding BLOB
	);

	CREATE INDEX IF NOT EXISTS idx_memories_user_kind ON memories(user_id, kind, timestamp);
	CREATE INDEX IF NOT EXISTS idx_memories_retention ON memories(retention_until);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`

	_, err := s.db.Exec(schema)
	return err
}

// begin starts an immediate transaction so concurrent writers for the same
// user serialize at the database rather than racing on read-modify-write.
func (s *DB) begin() (*sql.Tx, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return tx, nil
}
