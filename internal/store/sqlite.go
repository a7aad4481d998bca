package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/modernmail/engine/internal/model"
)

// schemaVersion is the expected mailbox file schema. A persisted file
// with any other version is wiped and rebuilt, which clears every
// cursor and so forces a full re-sync; there is no partial migration.
const schemaVersion = 1

const schemaSQL = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS folders (
	name              TEXT PRIMARY KEY,
	cursor            TEXT NOT NULL DEFAULT '',
	needs_full_relist INTEGER NOT NULL DEFAULT 0,
	unread_count      INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS messages (
	folder       TEXT NOT NULL,
	uid          TEXT NOT NULL,
	message_id   TEXT NOT NULL DEFAULT '',
	subject      TEXT NOT NULL DEFAULT '',
	sender       TEXT NOT NULL DEFAULT '',
	recipients   TEXT NOT NULL DEFAULT '[]',
	date         DATETIME,
	seen         INTEGER NOT NULL DEFAULT 0,
	flagged      INTEGER NOT NULL DEFAULT 0,
	answered     INTEGER NOT NULL DEFAULT 0,
	draft        INTEGER NOT NULL DEFAULT 0,
	body_fetched INTEGER NOT NULL DEFAULT 0,
	text_body    TEXT NOT NULL DEFAULT '',
	html_body    TEXT NOT NULL DEFAULT '',
	attachments  TEXT NOT NULL DEFAULT '[]',
	tombstoned   INTEGER NOT NULL DEFAULT 0,
	fetched_at   DATETIME,
	PRIMARY KEY (folder, uid)
);

CREATE INDEX IF NOT EXISTS idx_messages_folder ON messages(folder);
CREATE INDEX IF NOT EXISTS idx_messages_date ON messages(date);

CREATE TABLE IF NOT EXISTS outbound_jobs (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	attempts   INTEGER NOT NULL DEFAULT 0,
	reason     TEXT NOT NULL DEFAULT '',
	message    TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
`

// accountDB persists one account's mailbox to its own sqlite file.
type accountDB struct {
	db        *sqlx.DB
	accountID string
	path      string
	closed    bool
}

// fileUnsafeChars matches characters replaced when deriving a mailbox
// filename from an account ID.
var fileUnsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// openAccountDB opens (or creates) the account's mailbox file,
// enables WAL mode, and verifies the schema version.
func openAccountDB(dataDir, accountID string) (*accountDB, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	name := fileUnsafeChars.ReplaceAllString(accountID, "_")
	path := filepath.Join(dataDir, name+".db")

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening mailbox db: %w", err)
	}

	// WAL keeps readers unblocked during pass commits.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	a := &accountDB{db: db, accountID: accountID, path: path}
	if err := a.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

// ensureSchema creates the schema, or wipes and recreates it when the
// persisted version does not match.
func (a *accountDB) ensureSchema() error {
	var tableCount int
	err := a.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		var version int
		if err := a.db.Get(&version, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
		if version == schemaVersion {
			return nil
		}
		// Version mismatch: drop everything and re-sync from scratch.
		for _, table := range []string{"schema_version", "folders", "messages", "outbound_jobs"} {
			if _, err := a.db.Exec("DROP TABLE IF EXISTS " + table); err != nil {
				return fmt.Errorf("dropping table %s: %w", table, err)
			}
		}
	}

	if _, err := a.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	if _, err := a.db.Exec("INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("recording schema version: %w", err)
	}
	return nil
}

func (a *accountDB) load() ([]model.Folder, []model.Message, []model.OutboundJob, error) {
	var folders []model.Folder
	rows, err := a.db.Queryx("SELECT name, cursor, needs_full_relist, unread_count FROM folders")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("querying folders: %w", err)
	}
	for rows.Next() {
		var (
			f       model.Folder
			cursor  string
			relist  int
		)
		if err := rows.Scan(&f.Name, &cursor, &relist, &f.UnreadCount); err != nil {
			rows.Close()
			return nil, nil, nil, fmt.Errorf("scanning folder row: %w", err)
		}
		f.Cursor = model.Cursor(cursor)
		f.NeedsFullRelist = relist != 0
		folders = append(folders, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterating folders: %w", err)
	}

	messages, err := a.loadMessages()
	if err != nil {
		return nil, nil, nil, err
	}

	jobs, err := a.loadJobs()
	if err != nil {
		return nil, nil, nil, err
	}

	return folders, messages, jobs, nil
}

func (a *accountDB) loadMessages() ([]model.Message, error) {
	rows, err := a.db.Queryx(`
		SELECT folder, uid, message_id, subject, sender, recipients, date,
		       seen, flagged, answered, draft,
		       body_fetched, text_body, html_body, attachments,
		       tombstoned, fetched_at
		FROM messages`)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []model.Message
	for rows.Next() {
		var (
			m           model.Message
			recipients  string
			date        *time.Time
			seen        int
			flagged     int
			answered    int
			draft       int
			bodyFetched int
			attachments string
			tombstoned  int
			fetchedAt   *time.Time
		)
		err := rows.Scan(
			&m.Folder, &m.UID, &m.Header.MessageID, &m.Header.Subject,
			&m.Header.From, &recipients, &date,
			&seen, &flagged, &answered, &draft,
			&bodyFetched, &m.TextBody, &m.HTMLBody, &attachments,
			&tombstoned, &fetchedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		m.AccountID = a.accountID
		if date != nil {
			m.Header.Date = *date
		}
		if fetchedAt != nil {
			m.FetchedAt = *fetchedAt
		}
		if err := json.Unmarshal([]byte(recipients), &m.Header.To); err != nil {
			return nil, fmt.Errorf("unmarshaling recipients: %w", err)
		}
		if err := json.Unmarshal([]byte(attachments), &m.Attachments); err != nil {
			return nil, fmt.Errorf("unmarshaling attachments: %w", err)
		}
		m.Flags = model.FlagSet{Seen: seen != 0, Flagged: flagged != 0, Answered: answered != 0, Draft: draft != 0}
		m.BodyFetched = bodyFetched != 0
		m.Tombstoned = tombstoned != 0
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (a *accountDB) loadJobs() ([]model.OutboundJob, error) {
	rows, err := a.db.Queryx(`
		SELECT id, status, attempts, reason, message, created_at, updated_at
		FROM outbound_jobs`)
	if err != nil {
		return nil, fmt.Errorf("querying outbound jobs: %w", err)
	}
	defer rows.Close()

	var jobs []model.OutboundJob
	for rows.Next() {
		var (
			j       model.OutboundJob
			status  string
			message string
		)
		if err := rows.Scan(&j.ID, &status, &j.Attempts, &j.Reason, &message, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning outbound job row: %w", err)
		}
		j.AccountID = a.accountID
		j.Status = model.JobStatus(status)
		if err := json.Unmarshal([]byte(message), &j.Message); err != nil {
			return nil, fmt.Errorf("unmarshaling outbound message: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// commitPass writes one folder's post-pass state in a single
// transaction.
func (a *accountDB) commitPass(folder model.Folder, messages []model.Message) error {
	tx, err := a.db.Beginx()
	if err != nil {
		return fmt.Errorf("beginning pass transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertFolder(tx, folder); err != nil {
		return err
	}

	if _, err := tx.Exec("DELETE FROM messages WHERE folder = ?", folder.Name); err != nil {
		return fmt.Errorf("clearing folder %s: %w", folder.Name, err)
	}

	const query = `
		INSERT INTO messages (
			folder, uid, message_id, subject, sender, recipients, date,
			seen, flagged, answered, draft,
			body_fetched, text_body, html_body, attachments,
			tombstoned, fetched_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	stmt, err := tx.Preparex(query)
	if err != nil {
		return fmt.Errorf("preparing message insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range messages {
		recipients, err := json.Marshal(m.Header.To)
		if err != nil {
			return fmt.Errorf("marshaling recipients for %s: %w", m.UID, err)
		}
		attachments, err := json.Marshal(m.Attachments)
		if err != nil {
			return fmt.Errorf("marshaling attachments for %s: %w", m.UID, err)
		}
		_, err = stmt.Exec(
			m.Folder, m.UID, m.Header.MessageID, m.Header.Subject,
			m.Header.From, string(recipients), m.Header.Date.UTC(),
			boolToInt(m.Flags.Seen), boolToInt(m.Flags.Flagged),
			boolToInt(m.Flags.Answered), boolToInt(m.Flags.Draft),
			boolToInt(m.BodyFetched), m.TextBody, m.HTMLBody, string(attachments),
			boolToInt(m.Tombstoned), m.FetchedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("inserting message %s: %w", m.UID, err)
		}
	}

	return tx.Commit()
}

func (a *accountDB) commitFolders(folders []model.Folder, removed []string) error {
	tx, err := a.db.Beginx()
	if err != nil {
		return fmt.Errorf("beginning folder transaction: %w", err)
	}
	defer tx.Rollback()

	for _, f := range folders {
		if err := upsertFolder(tx, f); err != nil {
			return err
		}
	}
	for _, name := range removed {
		if _, err := tx.Exec("DELETE FROM folders WHERE name = ?", name); err != nil {
			return fmt.Errorf("deleting folder %s: %w", name, err)
		}
		if _, err := tx.Exec("DELETE FROM messages WHERE folder = ?", name); err != nil {
			return fmt.Errorf("deleting messages of %s: %w", name, err)
		}
	}

	return tx.Commit()
}

func (a *accountDB) commitJob(job model.OutboundJob) error {
	message, err := json.Marshal(job.Message)
	if err != nil {
		return fmt.Errorf("marshaling outbound message: %w", err)
	}

	_, err = a.db.Exec(`
		INSERT OR REPLACE INTO outbound_jobs (
			id, status, attempts, reason, message, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Status), job.Attempts, job.Reason,
		string(message), job.CreatedAt.UTC(), job.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upserting outbound job %s: %w", job.ID, err)
	}
	return nil
}

// purge closes the database and deletes the mailbox file.
func (a *accountDB) purge() error {
	if !a.closed {
		if err := a.db.Close(); err != nil {
			return fmt.Errorf("closing mailbox db: %w", err)
		}
		a.closed = true
	}
	if err := os.Remove(a.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing mailbox file %s: %w", a.path, err)
	}
	return nil
}

func (a *accountDB) close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	return a.db.Close()
}

func upsertFolder(tx *sqlx.Tx, f model.Folder) error {
	_, err := tx.Exec(`
		INSERT OR REPLACE INTO folders (name, cursor, needs_full_relist, unread_count)
		VALUES (?, ?, ?, ?)`,
		f.Name, string(f.Cursor), boolToInt(f.NeedsFullRelist), f.UnreadCount,
	)
	if err != nil {
		return fmt.Errorf("upserting folder %s: %w", f.Name, err)
	}
	return nil
}

// boolToInt converts a boolean to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
