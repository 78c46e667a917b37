package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	// Register the PostgreSQL driver.
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	// Register the pure-Go SQLite driver.
	_ "modernc.org/sqlite"

	"docchat/internal/domain"
)

// Dialect selects placeholder style and locking for a SQL backend.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT 'New Chat',
		document_filter TEXT,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		role TEXT NOT NULL CHECK (role IN ('human', 'assistant')),
		content TEXT NOT NULL,
		sources TEXT,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at)`,
}

// SQLClient stores conversations in a relational database through database/sql.
// Every operation runs in its own transaction.
type SQLClient struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// OpenSQL opens a SQLite or PostgreSQL database, applies the schema and
// returns a ready client.
func OpenSQL(ctx context.Context, dialect Dialect, dsn string) (*SQLClient, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("repository: dsn must not be empty")
	}
	var driverName string
	switch dialect {
	case DialectSQLite:
		driverName = "sqlite"
		dsn = sqliteDSN(dsn)
	case DialectPostgres:
		driverName = "postgres"
	default:
		return nil, errors.Errorf("repository: unsupported sql dialect %q", dialect)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "repository: open %s database", dialect)
	}
	if dialect == DialectSQLite {
		// SQLite allows a single writer; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(time.Hour)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "repository: ping database")
	}

	c, err := NewSQL(db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := c.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

// NewSQL wraps an already opened database.
func NewSQL(db *sql.DB, dialect Dialect) (*SQLClient, error) {
	if db == nil {
		return nil, errors.New("repository: db must not be nil")
	}
	if dialect != DialectSQLite && dialect != DialectPostgres {
		return nil, errors.Errorf("repository: unsupported sql dialect %q", dialect)
	}
	return &SQLClient{db: db, dialect: dialect, now: time.Now}, nil
}

// sqliteDSN turns a bare path into a DSN that enables foreign keys on every
// connection; ON DELETE CASCADE depends on it.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// Migrate creates tables and indexes when they do not exist.
func (c *SQLClient) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return storageError("Migrate", errors.Wrap(err, "failed to apply schema"))
		}
	}
	return nil
}

func (c *SQLClient) Close() error {
	return c.db.Close()
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (c *SQLClient) rebind(query string) string {
	if c.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (c *SQLClient) CreateConversation(ctx context.Context, documentFilter string) (string, error) {
	id := newID()
	now := c.now().UTC().UnixNano()
	stmt := c.rebind(`INSERT INTO conversations (id, title, document_filter, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`)
	if _, err := c.db.ExecContext(ctx, stmt, id, domain.DefaultTitle, nullString(documentFilter), now, now); err != nil {
		return "", storageError("CreateConversation", errors.Wrap(err, "failed to create conversation"))
	}
	return id, nil
}

// AppendMessage inserts a message and updates the owning conversation in one
// transaction: updated_at is always refreshed and the title is derived from
// the first human message only.
func (c *SQLClient) AppendMessage(ctx context.Context, conversationID string, role domain.Role, content string, sources []domain.Source) (string, error) {
	if !role.Valid() {
		return "", errors.Errorf("repository: invalid role %q", role)
	}
	var sourcesJSON sql.NullString
	if len(sources) > 0 {
		raw, err := json.Marshal(sources)
		if err != nil {
			return "", errors.Wrap(err, "repository: encode sources")
		}
		sourcesJSON = sql.NullString{String: string(raw), Valid: true}
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return "", storageError("AppendMessage", errors.Wrap(err, "failed to begin transaction"))
	}
	defer func() { _ = tx.Rollback() }()

	lock := ""
	if c.dialect == DialectPostgres {
		lock = " FOR UPDATE"
	}
	var convCreated int64
	err = tx.QueryRowContext(ctx, c.rebind(`SELECT created_at FROM conversations WHERE id = ?`+lock), conversationID).Scan(&convCreated)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrConversationNotFound
	}
	if err != nil {
		return "", storageError("AppendMessage", errors.Wrap(err, "failed to load conversation"))
	}

	var last int64
	if err := tx.QueryRowContext(ctx, c.rebind(`SELECT COALESCE(MAX(created_at), 0) FROM messages WHERE conversation_id = ?`), conversationID).Scan(&last); err != nil {
		return "", storageError("AppendMessage", errors.Wrap(err, "failed to read last message time"))
	}
	createdAt := nextCreatedAt(c.now().UTC(), time.Unix(0, last)).UnixNano()

	id := newID()
	insert := c.rebind(`INSERT INTO messages (id, conversation_id, role, content, sources, created_at) VALUES (?, ?, ?, ?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, insert, id, conversationID, string(role), content, sourcesJSON, createdAt); err != nil {
		return "", storageError("AppendMessage", errors.Wrap(err, "failed to insert message"))
	}
	if _, err := tx.ExecContext(ctx, c.rebind(`UPDATE conversations SET updated_at = ? WHERE id = ?`), createdAt, conversationID); err != nil {
		return "", storageError("AppendMessage", errors.Wrap(err, "failed to touch conversation"))
	}

	if role == domain.RoleHuman {
		var humans int
		if err := tx.QueryRowContext(ctx, c.rebind(`SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND role = ?`), conversationID, string(domain.RoleHuman)).Scan(&humans); err != nil {
			return "", storageError("AppendMessage", errors.Wrap(err, "failed to count human messages"))
		}
		if humans == 1 {
			if _, err := tx.ExecContext(ctx, c.rebind(`UPDATE conversations SET title = ? WHERE id = ?`), titleFromContent(content), conversationID); err != nil {
				return "", storageError("AppendMessage", errors.Wrap(err, "failed to set title"))
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return "", storageError("AppendMessage", errors.Wrap(err, "failed to commit"))
	}
	return id, nil
}

// ListMessages returns the transcript oldest first. With limit > 0 only the
// most recent limit messages are returned, still oldest first.
func (c *SQLClient) ListMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	query := `SELECT id, conversation_id, role, content, sources, created_at FROM messages WHERE conversation_id = ?`
	args := []any{conversationID}
	if limit > 0 {
		query += ` ORDER BY created_at DESC LIMIT ?`
		args = append(args, limit)
	} else {
		query += ` ORDER BY created_at ASC`
	}

	rows, err := c.db.QueryContext(ctx, c.rebind(query), args...)
	if err != nil {
		return nil, storageError("ListMessages", errors.Wrap(err, "failed to list messages"))
	}
	defer rows.Close()

	list := make([]domain.Message, 0)
	for rows.Next() {
		var (
			m         domain.Message
			role      string
			sources   sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &sources, &createdAt); err != nil {
			return nil, storageError("ListMessages", errors.Wrap(err, "failed to scan message"))
		}
		m.Role = domain.Role(role)
		m.CreatedAt = time.Unix(0, createdAt).UTC()
		if sources.Valid && sources.String != "" {
			if err := json.Unmarshal([]byte(sources.String), &m.Sources); err != nil {
				return nil, storageError("ListMessages", errors.Wrap(err, "failed to decode sources"))
			}
		}
		list = append(list, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("ListMessages", errors.Wrap(err, "failed to iterate messages"))
	}

	if limit > 0 {
		for i, j := 0, len(list)-1; i < j; i, j = i+1, j-1 {
			list[i], list[j] = list[j], list[i]
		}
	}
	return list, nil
}

func (c *SQLClient) ListConversations(ctx context.Context, documentFilter string) ([]domain.Conversation, error) {
	query := `SELECT id, title, document_filter, created_at, updated_at FROM conversations`
	var args []any
	if documentFilter != "" {
		query += ` WHERE document_filter = ?`
		args = append(args, documentFilter)
	}
	query += ` ORDER BY updated_at DESC, id ASC`

	rows, err := c.db.QueryContext(ctx, c.rebind(query), args...)
	if err != nil {
		return nil, storageError("ListConversations", errors.Wrap(err, "failed to list conversations"))
	}
	defer rows.Close()

	list := make([]domain.Conversation, 0)
	for rows.Next() {
		var (
			conv               domain.Conversation
			filter             sql.NullString
			createdAt, updated int64
		)
		if err := rows.Scan(&conv.ID, &conv.Title, &filter, &createdAt, &updated); err != nil {
			return nil, storageError("ListConversations", errors.Wrap(err, "failed to scan conversation"))
		}
		conv.DocumentFilter = filter.String
		conv.CreatedAt = time.Unix(0, createdAt).UTC()
		conv.UpdatedAt = time.Unix(0, updated).UTC()
		list = append(list, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("ListConversations", errors.Wrap(err, "failed to iterate conversations"))
	}
	return list, nil
}

// DeleteConversation removes the conversation; its messages go with it via
// ON DELETE CASCADE.
func (c *SQLClient) DeleteConversation(ctx context.Context, conversationID string) (bool, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return false, storageError("DeleteConversation", errors.Wrap(err, "failed to begin transaction"))
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, c.rebind(`DELETE FROM conversations WHERE id = ?`), conversationID)
	if err != nil {
		return false, storageError("DeleteConversation", errors.Wrap(err, "failed to delete conversation"))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, storageError("DeleteConversation", errors.Wrap(err, "failed to read affected rows"))
	}
	if err := tx.Commit(); err != nil {
		return false, storageError("DeleteConversation", errors.Wrap(err, "failed to commit"))
	}
	return affected > 0, nil
}

func (c *SQLClient) Exists(ctx context.Context, conversationID string) (bool, error) {
	var one int
	err := c.db.QueryRowContext(ctx, c.rebind(`SELECT 1 FROM conversations WHERE id = ?`), conversationID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storageError("Exists", errors.Wrap(err, "failed to check conversation"))
	}
	return true, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
