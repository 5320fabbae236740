package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type Chat struct {
	JID             string    `json:"jid"`
	Name            string    `json:"name"`
	LastMessageTime time.Time `json:"last_message_time"`
	Conversions     int       `json:"conversions"`
}

// Conversion is one terminal outcome of a sticker request.
type Conversion struct {
	ID         string    `json:"id"`
	ChatJID    string    `json:"chat_jid"`
	ChatName   string    `json:"chat_name,omitempty"`
	MessageID  string    `json:"message_id"`
	Flavour    string    `json:"flavour"`
	MimeType   string    `json:"mime_type,omitempty"`
	Outcome    string    `json:"outcome"`
	Reason     string    `json:"reason,omitempty"`
	Pass       int       `json:"pass"`
	Size       int       `json:"size"`
	Oversized  bool      `json:"oversized,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// Outcome values stored with each conversion.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
)

type HistoryStore struct {
	db *sql.DB
}

type ListConversionsParams struct {
	After   *time.Time
	ChatJID *string
	Outcome *string
	Limit   int
	Page    int
}

type ListChatsParams struct {
	Query *string
	Limit int
	Page  int
}

// Stats summarises conversions by outcome and reason.
type Stats struct {
	Total    int            `json:"total"`
	Accepted int            `json:"accepted"`
	ByReason map[string]int `json:"by_reason"`
}

func NewHistoryStore(dbPath string) (*HistoryStore, error) {
	// Create directory if it doesn't exist
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %v", err)
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS chats (
			jid TEXT PRIMARY KEY,
			name TEXT,
			last_message_time TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS processed_messages (
			id TEXT,
			chat_jid TEXT,
			processed_at TIMESTAMP,
			PRIMARY KEY (id, chat_jid)
		);

		CREATE TABLE IF NOT EXISTS conversions (
			id TEXT PRIMARY KEY,
			chat_jid TEXT,
			message_id TEXT,
			flavour TEXT,
			mime_type TEXT,
			outcome TEXT,
			reason TEXT,
			pass INTEGER,
			size INTEGER,
			duration_ms INTEGER,
			created_at TIMESTAMP,
			FOREIGN KEY (chat_jid) REFERENCES chats(jid)
		);

		CREATE INDEX IF NOT EXISTS idx_conversions_chat ON conversions(chat_jid, created_at);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %v", err)
	}

	if err := ensureConversionColumns(db); err != nil {
		db.Close()
		return nil, err
	}

	return &HistoryStore{db: db}, nil
}

// ensureConversionColumns adds columns introduced after the first schema.
func ensureConversionColumns(db *sql.DB) error {
	required := map[string]string{
		"oversized": "BOOLEAN DEFAULT 0",
	}

	for column, columnType := range required {
		exists, err := columnExists(db, "conversions", column)
		if err != nil {
			return err
		}
		if !exists {
			if _, err := db.Exec(fmt.Sprintf("ALTER TABLE conversions ADD COLUMN %s %s", column, columnType)); err != nil {
				// Ignore duplicate column errors for older SQLite versions that don't support IF NOT EXISTS.
				if !strings.Contains(strings.ToLower(err.Error()), "duplicate") {
					return fmt.Errorf("failed to add column %s: %w", column, err)
				}
			}
		}
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("failed to inspect table %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, colType string
		var notNull, pk int
		var dfltValue sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return false, fmt.Errorf("failed to scan schema info: %w", err)
		}
		if strings.EqualFold(name, column) {
			return true, nil
		}
	}

	return false, nil
}

func (s *HistoryStore) Close() error {
	return s.db.Close()
}

func (s *HistoryStore) StoreChat(jid, name string, lastMessageTime time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO chats (jid, name, last_message_time) VALUES (?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET
			name = CASE
				WHEN excluded.name IS NOT NULL AND excluded.name != '' AND (excluded.name != chats.jid OR chats.name IS NULL OR chats.name = '' OR chats.name = chats.jid) THEN excluded.name
				WHEN chats.name IS NULL OR chats.name = '' THEN excluded.name
				ELSE chats.name
			END,
			last_message_time = excluded.last_message_time`,
		jid, name, lastMessageTime,
	)
	return err
}

// MarkProcessed records an inbound message id. It returns false when the
// message was already seen, so redelivered messages are handled once.
func (s *HistoryStore) MarkProcessed(id, chatJID string, at time.Time) (bool, error) {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO processed_messages (id, chat_jid, processed_at) VALUES (?, ?, ?)`,
		id, chatJID, at,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// PruneProcessed forgets message ids older than cutoff.
func (s *HistoryStore) PruneProcessed(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM processed_messages WHERE processed_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *HistoryStore) RecordConversion(c Conversion) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	// conversions reference chats, make sure the row exists
	if _, err := s.db.Exec(
		`INSERT OR IGNORE INTO chats (jid, name, last_message_time) VALUES (?, ?, ?)`,
		c.ChatJID, c.ChatJID, c.CreatedAt,
	); err != nil {
		return err
	}
	_, err := s.db.Exec(
		`INSERT INTO conversions
		(id, chat_jid, message_id, flavour, mime_type, outcome, reason, pass, size, oversized, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ChatJID, c.MessageID, c.Flavour, c.MimeType, c.Outcome, c.Reason, c.Pass, c.Size, c.Oversized, c.DurationMS, c.CreatedAt,
	)
	return err
}

func (s *HistoryStore) ListConversions(params ListConversionsParams) ([]Conversion, error) {
	query := `SELECT v.id, v.chat_jid, COALESCE(c.name, ''), v.message_id, v.flavour, v.mime_type, v.outcome,
	                 COALESCE(v.reason, ''), v.pass, v.size, COALESCE(v.oversized, 0), v.duration_ms, v.created_at
	          FROM conversions v LEFT JOIN chats c ON v.chat_jid = c.jid WHERE 1=1`
	args := []interface{}{}

	if params.After != nil {
		query += " AND v.created_at > ?"
		args = append(args, params.After)
	}
	if params.ChatJID != nil {
		query += " AND v.chat_jid = ?"
		args = append(args, *params.ChatJID)
	}
	if params.Outcome != nil {
		query += " AND v.outcome = ?"
		args = append(args, *params.Outcome)
	}

	query += " ORDER BY v.created_at DESC LIMIT ? OFFSET ?"
	args = append(args, params.Limit, params.Page*params.Limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conversions []Conversion
	for rows.Next() {
		var c Conversion
		if err := rows.Scan(&c.ID, &c.ChatJID, &c.ChatName, &c.MessageID, &c.Flavour, &c.MimeType, &c.Outcome,
			&c.Reason, &c.Pass, &c.Size, &c.Oversized, &c.DurationMS, &c.CreatedAt); err != nil {
			return nil, err
		}
		conversions = append(conversions, c)
	}

	return conversions, rows.Err()
}

func (s *HistoryStore) Stats() (Stats, error) {
	rows, err := s.db.Query(`SELECT outcome, COALESCE(reason, ''), COUNT(*) FROM conversions GROUP BY outcome, reason`)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()

	st := Stats{ByReason: map[string]int{}}
	for rows.Next() {
		var outcome, reason string
		var n int
		if err := rows.Scan(&outcome, &reason, &n); err != nil {
			return Stats{}, err
		}
		st.Total += n
		if outcome == OutcomeAccepted {
			st.Accepted += n
			continue
		}
		st.ByReason[reason] += n
	}
	return st, rows.Err()
}

func (s *HistoryStore) ListChats(params ListChatsParams) ([]Chat, error) {
	query := `SELECT c.jid, c.name, c.last_message_time,
	                 (SELECT COUNT(*) FROM conversions v WHERE v.chat_jid = c.jid)
	          FROM chats c WHERE 1=1`
	args := []interface{}{}

	if params.Query != nil {
		query += " AND (LOWER(c.name) LIKE LOWER(?) OR c.jid LIKE ?)"
		args = append(args, "%"+*params.Query+"%", "%"+*params.Query+"%")
	}

	query += " ORDER BY c.last_message_time DESC LIMIT ? OFFSET ?"
	args = append(args, params.Limit, params.Page*params.Limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.JID, &c.Name, &c.LastMessageTime, &c.Conversions); err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}

	return chats, nil
}
