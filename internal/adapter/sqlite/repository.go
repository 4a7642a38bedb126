package sqlite

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS attachment_downloads (
    id                   TEXT PRIMARY KEY,
    message_id           TEXT NOT NULL,
    attachment_type      TEXT NOT NULL,
    attachment_signature TEXT NOT NULL,
    attachment_json      TEXT NOT NULL,
    content_type         TEXT NOT NULL DEFAULT '',
    size                 INTEGER NOT NULL DEFAULT 0,
    ciphertext_size      INTEGER NOT NULL DEFAULT 0,
    source               TEXT NOT NULL,
    original_source      TEXT NOT NULL,
    is_manual_download   INTEGER NOT NULL DEFAULT 0,
    received_at          INTEGER NOT NULL,
    sent_at              INTEGER NOT NULL,
    active               INTEGER NOT NULL DEFAULT 0,
    attempts             INTEGER NOT NULL DEFAULT 0,
    retry_after          INTEGER,
    last_attempt_at      INTEGER
);
CREATE INDEX IF NOT EXISTS idx_attachment_downloads_eligible
    ON attachment_downloads(active, retry_after, received_at);
CREATE INDEX IF NOT EXISTS idx_attachment_downloads_message
    ON attachment_downloads(message_id);
CREATE INDEX IF NOT EXISTS idx_attachment_downloads_source
    ON attachment_downloads(source);

CREATE TABLE IF NOT EXISTS attachment_downloads_backup_stats (
    id              INTEGER PRIMARY KEY CHECK (id = 0),
    total_bytes     INTEGER NOT NULL DEFAULT 0,
    completed_bytes INTEGER NOT NULL DEFAULT 0
);
INSERT OR IGNORE INTO attachment_downloads_backup_stats (id) VALUES (0);

CREATE TRIGGER IF NOT EXISTS attachment_downloads_backup_job_insert
AFTER INSERT ON attachment_downloads
WHEN NEW.source = 'backup_import'
BEGIN
    UPDATE attachment_downloads_backup_stats
    SET total_bytes = total_bytes + NEW.ciphertext_size;
END;

CREATE TRIGGER IF NOT EXISTS attachment_downloads_backup_job_delete
AFTER DELETE ON attachment_downloads
WHEN OLD.source = 'backup_import'
BEGIN
    UPDATE attachment_downloads_backup_stats
    SET completed_bytes = completed_bytes + OLD.ciphertext_size;
END;

CREATE TABLE IF NOT EXISTS messages (
    id              TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL DEFAULT '',
    sent_at         INTEGER NOT NULL DEFAULT 0,
    json            TEXT NOT NULL
);
`

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Repository stores download jobs and message rows in SQLite.
type Repository struct {
	db *sqlx.DB
	qb sq.StatementBuilderType
}

// New opens the database at dbPath, creating its directory and schema.
func New(dbPath string) (*Repository, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One connection serializes writers and keeps per-connection pragmas.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA journal_mode = WAL", "PRAGMA busy_timeout = 5000", schema} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init schema: %w", err)
		}
	}

	return &Repository{
		db: db,
		qb: sq.StatementBuilder.PlaceholderFormat(sq.Question),
	}, nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Ping checks the database connection.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
