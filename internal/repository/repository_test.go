package repository

import (
	"context"
	"fmt"
	"os"
	"sort"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bubbles/internal/model"
	"github.com/bubbles/migrations"
)

// testPool connects to the database named by TEST_DATABASE_URL, applies
// the schema and truncates all tables. Tests are skipped when the
// variable is unset so `go test ./...` stays self-contained.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	entries, err := migrations.Files.ReadDir(".")
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		sql, err := migrations.Files.ReadFile(name)
		require.NoError(t, err)
		_, err = pool.Exec(ctx, string(sql))
		require.NoError(t, err, "migration %s", name)
	}

	_, err = pool.Exec(ctx, `TRUNCATE users, chats, chat_members, messages,
		message_images, chat_read_receipts, push_subscriptions CASCADE`)
	require.NoError(t, err)
	return pool
}

func createUser(t *testing.T, repo *UserRepository, username string) *model.User {
	t.Helper()
	u := &model.User{
		ID:           newID(),
		Username:     username,
		PasswordHash: "x",
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, repo.Create(context.Background(), u))
	return u
}

func TestDirectChatSingleton(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	users := NewUserRepository(pool)
	chats := NewChatRepository(pool)

	alice := createUser(t, users, "alice")
	bob := createUser(t, users, "bob")

	first, err := chats.CreateDirect(ctx, alice.ID, bob.ID)
	require.NoError(t, err)

	// Repeat from either side resolves to the same chat.
	again, err := chats.CreateDirect(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	flipped, err := chats.CreateDirect(ctx, bob.ID, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, flipped.ID)

	found, err := chats.FindDirectChat(ctx, bob.ID, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)

	ids, err := chats.GetMemberIDs(ctx, first.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{alice.ID, bob.ID}, ids)
}

func TestLeaveChat(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	users := NewUserRepository(pool)
	chats := NewChatRepository(pool)

	alice := createUser(t, users, "alice")
	bob := createUser(t, users, "bob")
	carol := createUser(t, users, "carol")

	chat, err := chats.CreateGroup(ctx, "trio", alice.ID, []string{bob.ID, carol.ID})
	require.NoError(t, err)

	require.NoError(t, chats.Leave(ctx, chat.ID, carol.ID))

	ok, err := chats.IsMember(ctx, chat.ID, carol.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	ids, err := chats.GetMemberIDs(ctx, chat.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{alice.ID, bob.ID}, ids)
}

func seedMessages(t *testing.T, msgs *MessageRepository, chatID, senderID string, n int) []string {
	t.Helper()
	base := time.Now().UTC().Add(-time.Duration(n) * time.Minute)
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%03d-%s", i, newID())
		ids[i] = id
		require.NoError(t, msgs.Create(context.Background(), &model.Message{
			ID:       id,
			ChatID:   chatID,
			SenderID: senderID,
			Content:  fmt.Sprintf("message %d", i),
			SentAt:   base.Add(time.Duration(i) * time.Minute),
		}))
	}
	return ids
}

func TestKeysetPagination(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	users := NewUserRepository(pool)
	chats := NewChatRepository(pool)
	msgs := NewMessageRepository(pool)

	alice := createUser(t, users, "alice")
	bob := createUser(t, users, "bob")
	chat, err := chats.CreateDirect(ctx, alice.ID, bob.ID)
	require.NoError(t, err)

	ids := seedMessages(t, msgs, chat.ID, alice.ID, 120)

	var got []string
	var cursor *model.Cursor
	pageSizes := []int{50, 50, 20}
	for i, size := range pageSizes {
		page, hasMore, err := msgs.GetChatMessages(ctx, chat.ID, size, cursor)
		require.NoError(t, err)
		require.Len(t, page, size, "page %d", i)
		assert.Equal(t, i < len(pageSizes)-1, hasMore, "page %d", i)

		for _, m := range page {
			got = append(got, m.ID)
		}
		oldest := page[len(page)-1]
		cursor = &model.Cursor{SentAt: oldest.SentAt, ID: oldest.ID}
	}

	// Newest first, every message exactly once.
	require.Len(t, got, 120)
	for i, id := range got {
		assert.Equal(t, ids[119-i], id, "position %d", i)
	}
}

func TestMonotonicReadReceipt(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	users := NewUserRepository(pool)
	chats := NewChatRepository(pool)
	msgs := NewMessageRepository(pool)
	receipts := NewReceiptRepository(pool)

	alice := createUser(t, users, "alice")
	bob := createUser(t, users, "bob")
	chat, err := chats.CreateDirect(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	ids := seedMessages(t, msgs, chat.ID, alice.ID, 5)

	r, err := receipts.SetLastRead(ctx, chat.ID, bob.ID, ids[3])
	require.NoError(t, err)
	assert.Equal(t, ids[3], r.LastReadMessageID)

	// A stale ack keeps the stored pointer.
	r, err = receipts.SetLastRead(ctx, chat.ID, bob.ID, ids[1])
	require.NoError(t, err)
	assert.Equal(t, ids[3], r.LastReadMessageID)

	r, err = receipts.SetLastRead(ctx, chat.ID, bob.ID, ids[4])
	require.NoError(t, err)
	assert.Equal(t, ids[4], r.LastReadMessageID)

	// Acking a message from another chat is rejected.
	_, err = receipts.SetLastRead(ctx, chat.ID, bob.ID, "no-such-message")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEditRules(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	users := NewUserRepository(pool)
	chats := NewChatRepository(pool)
	msgs := NewMessageRepository(pool)

	alice := createUser(t, users, "alice")
	bob := createUser(t, users, "bob")
	chat, err := chats.CreateDirect(ctx, alice.ID, bob.ID)
	require.NoError(t, err)

	fresh := &model.Message{
		ID: newID(), ChatID: chat.ID, SenderID: alice.ID,
		Content: "hello", SentAt: time.Now().UTC(),
	}
	require.NoError(t, msgs.Create(ctx, fresh))

	edited, removed, err := msgs.Edit(ctx, fresh.ID, alice.ID, "hello, world", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello, world", edited.Content)
	assert.True(t, edited.IsEdited)
	assert.Empty(t, removed)

	_, _, err = msgs.Edit(ctx, fresh.ID, bob.ID, "hijack", nil)
	assert.ErrorIs(t, err, ErrNotSender)

	stale := &model.Message{
		ID: newID(), ChatID: chat.ID, SenderID: alice.ID,
		Content: "old", SentAt: time.Now().UTC().Add(-11 * time.Minute),
	}
	require.NoError(t, msgs.Create(ctx, stale))
	_, _, err = msgs.Edit(ctx, stale.ID, alice.ID, "too late", nil)
	assert.ErrorIs(t, err, ErrEditWindowExpired)
}

func TestEditRemovesOnlyOwnAttachments(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	users := NewUserRepository(pool)
	chats := NewChatRepository(pool)
	msgs := NewMessageRepository(pool)

	alice := createUser(t, users, "alice")
	bob := createUser(t, users, "bob")
	chat, err := chats.CreateDirect(ctx, alice.ID, bob.ID)
	require.NoError(t, err)

	bobs := &model.Message{
		ID: newID(), ChatID: chat.ID, SenderID: bob.ID,
		Content: "look", Images: []string{"/api/images/bobs.png"}, SentAt: time.Now().UTC(),
	}
	require.NoError(t, msgs.Create(ctx, bobs))

	mine := &model.Message{
		ID: newID(), ChatID: chat.ID, SenderID: alice.ID,
		Content: "mine", Images: []string{"/api/images/keep.png", "/api/images/drop.png"},
		SentAt: time.Now().UTC(),
	}
	require.NoError(t, msgs.Create(ctx, mine))

	// The removal list also names another sender's attachment; only the
	// editor's own file may come back as removed.
	edited, removed, err := msgs.Edit(ctx, mine.ID, alice.ID, "mine still",
		[]string{"/api/images/drop.png", "/api/images/bobs.png"})
	require.NoError(t, err)
	assert.Equal(t, []string{"/api/images/drop.png"}, removed)
	assert.Equal(t, []string{"/api/images/keep.png"}, edited.Images)

	got, err := msgs.GetByID(ctx, bobs.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"/api/images/bobs.png"}, got.Images)
}

func TestSoftDelete(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	users := NewUserRepository(pool)
	chats := NewChatRepository(pool)
	msgs := NewMessageRepository(pool)

	alice := createUser(t, users, "alice")
	bob := createUser(t, users, "bob")
	chat, err := chats.CreateDirect(ctx, alice.ID, bob.ID)
	require.NoError(t, err)

	m := &model.Message{
		ID: newID(), ChatID: chat.ID, SenderID: alice.ID,
		Content: "whoops", Images: []string{"/api/images/a.png"}, SentAt: time.Now().UTC(),
	}
	require.NoError(t, msgs.Create(ctx, m))

	deleted, removed, err := msgs.SoftDelete(ctx, m.ID, alice.ID)
	require.NoError(t, err)
	assert.True(t, deleted.IsDeleted)
	assert.Empty(t, deleted.Content)
	assert.Equal(t, []string{"/api/images/a.png"}, removed)

	// The row survives as a tombstone.
	got, err := msgs.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, got.IsDeleted)
	assert.Empty(t, got.Images)

	// Deleted messages are immutable.
	_, _, err = msgs.Edit(ctx, m.ID, alice.ID, "resurrect", nil)
	assert.Error(t, err)
}
