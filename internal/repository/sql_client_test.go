package repository

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"docchat/internal/domain"
)

func newTestSQL(t *testing.T) *SQLClient {
	t.Helper()
	c, err := OpenSQL(context.Background(), DialectSQLite, filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// frozenClock returns the same instant on every call so ordering relies on
// the store's created_at bump, not the wall clock.
func frozenClock() func() time.Time {
	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time { return ts }
}

func findConversation(t *testing.T, c *SQLClient, id string) domain.Conversation {
	t.Helper()
	convs, err := c.ListConversations(context.Background(), "")
	require.NoError(t, err)
	for _, conv := range convs {
		if conv.ID == id {
			return conv
		}
	}
	t.Fatalf("conversation %s not listed", id)
	return domain.Conversation{}
}

func TestSQL_CreateConversation_Defaults(t *testing.T) {
	c := newTestSQL(t)
	id, err := c.CreateConversation(context.Background(), "doc-1")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	conv := findConversation(t, c, id)
	require.Equal(t, domain.DefaultTitle, conv.Title)
	require.Equal(t, "doc-1", conv.DocumentFilter)
	require.False(t, conv.CreatedAt.IsZero())

	ok, err := c.Exists(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSQL_AppendMessage_ShortTitleKeptVerbatim(t *testing.T) {
	c := newTestSQL(t)
	ctx := context.Background()
	id, err := c.CreateConversation(ctx, "")
	require.NoError(t, err)

	question := "What are the termination clauses in section 4?"
	_, err = c.AppendMessage(ctx, id, domain.RoleHuman, question, nil)
	require.NoError(t, err)
	require.Equal(t, question, findConversation(t, c, id).Title)
}

func TestSQL_AppendMessage_TitleDerivedOnce(t *testing.T) {
	c := newTestSQL(t)
	ctx := context.Background()
	id, err := c.CreateConversation(ctx, "")
	require.NoError(t, err)

	long := strings.Repeat("x", 60)
	_, err = c.AppendMessage(ctx, id, domain.RoleHuman, long, nil)
	require.NoError(t, err)
	require.Equal(t, strings.Repeat("x", 50)+"...", findConversation(t, c, id).Title)

	_, err = c.AppendMessage(ctx, id, domain.RoleAssistant, "answer", nil)
	require.NoError(t, err)
	_, err = c.AppendMessage(ctx, id, domain.RoleHuman, "a completely different follow-up", nil)
	require.NoError(t, err)
	require.Equal(t, strings.Repeat("x", 50)+"...", findConversation(t, c, id).Title)
}

func TestSQL_AppendMessage_AssistantDoesNotSetTitle(t *testing.T) {
	c := newTestSQL(t)
	ctx := context.Background()
	id, err := c.CreateConversation(ctx, "")
	require.NoError(t, err)

	_, err = c.AppendMessage(ctx, id, domain.RoleAssistant, "hello there", nil)
	require.NoError(t, err)
	require.Equal(t, domain.DefaultTitle, findConversation(t, c, id).Title)
}

func TestSQL_AppendMessage_RefreshesUpdatedAt(t *testing.T) {
	c := newTestSQL(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }
	id, err := c.CreateConversation(ctx, "")
	require.NoError(t, err)

	c.now = func() time.Time { return base.Add(time.Minute) }
	_, err = c.AppendMessage(ctx, id, domain.RoleHuman, "question", nil)
	require.NoError(t, err)
	require.True(t, base.Add(time.Minute).Equal(findConversation(t, c, id).UpdatedAt))
}

func TestSQL_AppendMessage_UnknownConversation(t *testing.T) {
	c := newTestSQL(t)
	_, err := c.AppendMessage(context.Background(), "missing", domain.RoleHuman, "hi", nil)
	require.ErrorIs(t, err, ErrConversationNotFound)
}

func TestSQL_AppendMessage_InvalidRole(t *testing.T) {
	c := newTestSQL(t)
	id, err := c.CreateConversation(context.Background(), "")
	require.NoError(t, err)
	_, err = c.AppendMessage(context.Background(), id, domain.Role("system"), "hi", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid role")
}

func TestSQL_ListMessages_WindowIsMostRecentInChronologicalOrder(t *testing.T) {
	c := newTestSQL(t)
	c.now = frozenClock()
	ctx := context.Background()
	id, err := c.CreateConversation(ctx, "")
	require.NoError(t, err)

	for i := 0; i < 12; i++ {
		role := domain.RoleHuman
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		_, err := c.AppendMessage(ctx, id, role, fmt.Sprintf("m%02d", i), nil)
		require.NoError(t, err)
	}

	window, err := c.ListMessages(ctx, id, 10)
	require.NoError(t, err)
	require.Len(t, window, 10)
	for i, m := range window {
		require.Equal(t, fmt.Sprintf("m%02d", i+2), m.Content)
	}

	all, err := c.ListMessages(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, all, 12)
	require.Equal(t, "m00", all[0].Content)
	require.Equal(t, "m11", all[11].Content)
	for i := 1; i < len(all); i++ {
		require.True(t, all[i].CreatedAt.After(all[i-1].CreatedAt))
	}
}

func TestSQL_ListMessages_RoundTripsSources(t *testing.T) {
	c := newTestSQL(t)
	ctx := context.Background()
	id, err := c.CreateConversation(ctx, "")
	require.NoError(t, err)

	sources := []domain.Source{{Content: "excerpt...", Metadata: map[string]any{"page": float64(3)}, Score: 0.032, DocumentID: "doc-1"}}
	_, err = c.AppendMessage(ctx, id, domain.RoleAssistant, "answer", sources)
	require.NoError(t, err)

	msgs, err := c.ListMessages(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, sources, msgs[0].Sources)
	require.Equal(t, domain.RoleAssistant, msgs[0].Role)
}

func TestSQL_ListConversations_FilterAndOrder(t *testing.T) {
	c := newTestSQL(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	c.now = func() time.Time { return base }
	first, err := c.CreateConversation(ctx, "doc-a")
	require.NoError(t, err)
	c.now = func() time.Time { return base.Add(time.Second) }
	second, err := c.CreateConversation(ctx, "doc-b")
	require.NoError(t, err)
	c.now = func() time.Time { return base.Add(2 * time.Second) }
	_, err = c.AppendMessage(ctx, first, domain.RoleHuman, "bump", nil)
	require.NoError(t, err)

	all, err := c.ListConversations(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, first, all[0].ID)
	require.Equal(t, second, all[1].ID)

	scoped, err := c.ListConversations(ctx, "doc-b")
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	require.Equal(t, second, scoped[0].ID)
}

func TestSQL_DeleteConversation_Cascades(t *testing.T) {
	c := newTestSQL(t)
	ctx := context.Background()
	id, err := c.CreateConversation(ctx, "")
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := c.AppendMessage(ctx, id, domain.RoleHuman, "q", nil)
		require.NoError(t, err)
	}

	deleted, err := c.DeleteConversation(ctx, id)
	require.NoError(t, err)
	require.True(t, deleted)

	msgs, err := c.ListMessages(ctx, id, 0)
	require.NoError(t, err)
	require.Empty(t, msgs)

	var orphans int
	require.NoError(t, c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&orphans))
	require.Zero(t, orphans)

	ok, err := c.Exists(ctx, id)
	require.NoError(t, err)
	require.False(t, ok)

	deleted, err = c.DeleteConversation(ctx, id)
	require.NoError(t, err)
	require.False(t, deleted)
}

func TestSQL_StorageErrorAfterClose(t *testing.T) {
	c := newTestSQL(t)
	require.NoError(t, c.Close())
	_, err := c.CreateConversation(context.Background(), "")
	require.ErrorIs(t, err, ErrStorage)
}

func TestSQL_Rebind(t *testing.T) {
	c := &SQLClient{dialect: DialectPostgres}
	require.Equal(t, "SELECT 1 WHERE a = $1 AND b = $2", c.rebind("SELECT 1 WHERE a = ? AND b = ?"))
	c.dialect = DialectSQLite
	require.Equal(t, "SELECT 1 WHERE a = ?", c.rebind("SELECT 1 WHERE a = ?"))
}

func TestSQLiteDSN(t *testing.T) {
	require.Equal(t, "file:chat.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", sqliteDSN("chat.db"))
	require.Equal(t, "file:chat.db?mode=rwc&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", sqliteDSN("file:chat.db?mode=rwc"))
	require.Equal(t, "file:x.db?_pragma=foreign_keys(1)", sqliteDSN("file:x.db?_pragma=foreign_keys(1)"))
}

func TestOpenSQL_Validation(t *testing.T) {
	_, err := OpenSQL(context.Background(), DialectSQLite, " ")
	require.Error(t, err)
	_, err = OpenSQL(context.Background(), Dialect("oracle"), "dsn")
	require.Error(t, err)
	_, err = NewSQL(nil, DialectSQLite)
	require.Error(t, err)
}
