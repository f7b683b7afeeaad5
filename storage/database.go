package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under the relay data dir.
	DefaultDBFileName = "relay.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
	// DefaultAuditRetention controls automatic audit event pruning.
	DefaultAuditRetention = 90 * 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS identities (
  identity_id    TEXT PRIMARY KEY,
  username       TEXT NOT NULL UNIQUE,
  password_hash  TEXT NOT NULL,
  public_key     TEXT,
  token_version  INTEGER NOT NULL DEFAULT 0,
  created_at     INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS push_tokens (
  token          TEXT PRIMARY KEY,
  identity_id    TEXT NOT NULL REFERENCES identities(identity_id) ON DELETE CASCADE,
  device_id      TEXT,
  platform       TEXT NOT NULL DEFAULT 'android',
  created_at     INTEGER NOT NULL,
  last_active_at INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_push_tokens_identity
ON push_tokens (identity_id);
`,
	`
CREATE TABLE IF NOT EXISTS rooms (
  room_id          TEXT PRIMARY KEY,
  room_type        TEXT NOT NULL CHECK(room_type IN ('group','dm')),
  admin_id         TEXT NOT NULL REFERENCES identities(identity_id),
  pair_key         TEXT,
  code_phrase_hash TEXT,
  expires_at       INTEGER,
  created_at       INTEGER NOT NULL
);
`,
	`
CREATE UNIQUE INDEX IF NOT EXISTS idx_rooms_pair_key
ON rooms (pair_key) WHERE pair_key IS NOT NULL;
`,
	`
CREATE TABLE IF NOT EXISTS room_members (
  room_id      TEXT NOT NULL REFERENCES rooms(room_id) ON DELETE CASCADE,
  identity_id  TEXT NOT NULL REFERENCES identities(identity_id),
  alias        TEXT NOT NULL,
  status       TEXT NOT NULL CHECK(status IN ('pending','approved')),
  join_note    TEXT,
  typed_phrase TEXT,
  requested_at INTEGER NOT NULL,
  approved_at  INTEGER,
  position     INTEGER NOT NULL,
  PRIMARY KEY (room_id, identity_id)
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_room_members_identity_status
ON room_members (identity_id, status);
`,
	`
CREATE TABLE IF NOT EXISTS messages (
  seq          INTEGER PRIMARY KEY AUTOINCREMENT,
  message_id   TEXT NOT NULL UNIQUE,
  room_id      TEXT NOT NULL REFERENCES rooms(room_id) ON DELETE CASCADE,
  sender_id    TEXT NOT NULL,
  sender_alias TEXT NOT NULL,
  message_type TEXT NOT NULL CHECK(message_type IN ('text','media')) DEFAULT 'text',
  ciphertext   TEXT,
  iv           TEXT,
  file_url     TEXT,
  file_key     TEXT,
  file_mime    TEXT,
  created_at   INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_room_time
ON messages (room_id, created_at, seq);
`,
	`
CREATE TABLE IF NOT EXISTS key_envelopes (
  message_id   TEXT NOT NULL REFERENCES messages(message_id) ON DELETE CASCADE,
  position     INTEGER NOT NULL,
  recipient_id TEXT NOT NULL,
  enc_key      TEXT NOT NULL,
  PRIMARY KEY (message_id, position)
);
`,
	`
CREATE TABLE IF NOT EXISTS audit_events (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  event_type  TEXT NOT NULL,
  identity_id TEXT,
  room_id     TEXT,
  details     TEXT NOT NULL,
  severity    TEXT NOT NULL CHECK(severity IN ('info','warning','critical')),
  timestamp   INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_audit_events_time
ON audit_events (timestamp DESC, id DESC);
`,
	`
CREATE INDEX IF NOT EXISTS idx_audit_events_type
ON audit_events (event_type, timestamp DESC, id DESC);
`,
}

// Store is a thin wrapper around a SQLite connection.
type Store struct {
	db *sql.DB

	walCheckpointInterval time.Duration
	walCheckpointStop     chan struct{}
	walCheckpointWG       sync.WaitGroup
	auditRetention        time.Duration
	closeOnce             sync.Once
}

// Open opens (or creates) relay.db under the given data directory and runs migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}

	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{
		db:                    db,
		walCheckpointInterval: DefaultWALCheckpointInterval,
		walCheckpointStop:     make(chan struct{}),
		auditRetention:        DefaultAuditRetention,
	}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.checkpointWAL(); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.startWALCheckpointLoop()

	return store, nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		if s.walCheckpointStop != nil {
			close(s.walCheckpointStop)
			s.walCheckpointWG.Wait()
		}
		closeErr = s.db.Close()
		s.db = nil
	})
	return closeErr
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (s *Store) checkpointWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint truncate: %w", err)
	}
	return nil
}

func (s *Store) startWALCheckpointLoop() {
	interval := s.walCheckpointInterval
	if interval <= 0 || s.walCheckpointStop == nil {
		return
	}

	s.walCheckpointWG.Add(1)
	go func() {
		defer s.walCheckpointWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.checkpointWAL()
			case <-s.walCheckpointStop:
				return
			}
		}
	}()
}

func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
