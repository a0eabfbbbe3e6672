package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bubbles/internal/logger"
	"github.com/bubbles/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ChatRepository struct {
	pool *pgxpool.Pool
}

func NewChatRepository(pool *pgxpool.Pool) *ChatRepository {
	return &ChatRepository{pool: pool}
}

// directKey normalizes an unordered user pair into the unique key that
// guarantees one direct chat per pair.
func directKey(a, b string) string {
	if a < b {
		return a + ":" + b
	}
	return b + ":" + a
}

// CreateDirect inserts a direct chat and its two members in one
// transaction. The unique index on direct_key makes the pair a singleton;
// a concurrent duplicate insert surfaces as a conflict and the existing
// chat is returned instead.
func (r *ChatRepository) CreateDirect(ctx context.Context, currentUserID, otherUserID string) (*model.Chat, error) {
	defer logger.DeferLogDuration("chat.CreateDirect", time.Now())()

	if existing, err := r.FindDirectChat(ctx, currentUserID, otherUserID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	chat := &model.Chat{
		ID:        newID(),
		ChatType:  model.ChatTypeDirect,
		CreatedBy: currentUserID,
		CreatedAt: now,
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("chatRepo.CreateDirect begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO chats (id, chat_type, name, direct_key, created_by, created_at)
		 VALUES ($1, 'direct', '', $2, $3, $4)`,
		chat.ID, directKey(currentUserID, otherUserID), chat.CreatedBy, chat.CreatedAt,
	)
	if err != nil {
		// Lost the race: another request created the pair's chat first.
		if existing, ferr := r.FindDirectChat(ctx, currentUserID, otherUserID); ferr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("chatRepo.CreateDirect insert: %w", err)
	}
	for _, uid := range []string{currentUserID, otherUserID} {
		_, err = tx.Exec(ctx,
			`INSERT INTO chat_members (chat_id, user_id, joined_at) VALUES ($1, $2, $3)
			 ON CONFLICT (chat_id, user_id) DO NOTHING`,
			chat.ID, uid, now,
		)
		if err != nil {
			return nil, fmt.Errorf("chatRepo.CreateDirect member: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("chatRepo.CreateDirect commit: %w", err)
	}
	return chat, nil
}

// CreateGroup inserts a group chat with the creator plus memberIDs.
func (r *ChatRepository) CreateGroup(ctx context.Context, name, creatorID string, memberIDs []string) (*model.Chat, error) {
	defer logger.DeferLogDuration("chat.CreateGroup", time.Now())()
	now := time.Now().UTC()
	chat := &model.Chat{
		ID:        newID(),
		ChatType:  model.ChatTypeGroup,
		Name:      name,
		CreatedBy: creatorID,
		CreatedAt: now,
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("chatRepo.CreateGroup begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO chats (id, chat_type, name, created_by, created_at)
		 VALUES ($1, 'group', $2, $3, $4)`,
		chat.ID, chat.Name, chat.CreatedBy, chat.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("chatRepo.CreateGroup insert: %w", err)
	}

	seen := map[string]struct{}{creatorID: {}}
	members := []string{creatorID}
	for _, uid := range memberIDs {
		if _, ok := seen[uid]; ok {
			continue
		}
		seen[uid] = struct{}{}
		members = append(members, uid)
	}
	for _, uid := range members {
		_, err = tx.Exec(ctx,
			`INSERT INTO chat_members (chat_id, user_id, joined_at) VALUES ($1, $2, $3)
			 ON CONFLICT (chat_id, user_id) DO NOTHING`,
			chat.ID, uid, now,
		)
		if err != nil {
			return nil, fmt.Errorf("chatRepo.CreateGroup member: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("chatRepo.CreateGroup commit: %w", err)
	}
	return chat, nil
}

func (r *ChatRepository) GetByID(ctx context.Context, id string) (*model.Chat, error) {
	defer logger.DeferLogDuration("chat.GetByID", time.Now())()
	c := &model.Chat{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, chat_type, name, created_by, created_at FROM chats WHERE id = $1`, id,
	).Scan(&c.ID, &c.ChatType, &c.Name, &c.CreatedBy, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chatRepo.GetByID: %w", err)
	}
	return c, nil
}

// FindDirectChat returns the direct chat for the unordered user pair.
func (r *ChatRepository) FindDirectChat(ctx context.Context, userID1, userID2 string) (*model.Chat, error) {
	defer logger.DeferLogDuration("chat.FindDirectChat", time.Now())()
	c := &model.Chat{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, chat_type, name, created_by, created_at
		 FROM chats WHERE chat_type = 'direct' AND direct_key = $1`,
		directKey(userID1, userID2),
	).Scan(&c.ID, &c.ChatType, &c.Name, &c.CreatedBy, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chatRepo.FindDirectChat: %w", err)
	}
	return c, nil
}

// GetMemberIDs returns the user ids of active (not left) chat members.
// Fan-out targets come from here, so a left member stops receiving events.
func (r *ChatRepository) GetMemberIDs(ctx context.Context, chatID string) ([]string, error) {
	defer logger.DeferLogDuration("chat.GetMemberIDs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT user_id FROM chat_members WHERE chat_id = $1 AND left_at IS NULL`, chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("chatRepo.GetMemberIDs query: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("chatRepo.GetMemberIDs scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chatRepo.GetMemberIDs rows: %w", err)
	}
	return ids, nil
}

func (r *ChatRepository) GetMembers(ctx context.Context, chatID string) ([]model.UserPublic, error) {
	defer logger.DeferLogDuration("chat.GetMembers", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT u.id, u.username, u.avatar_url
		 FROM users u
		 JOIN chat_members cm ON cm.user_id = u.id
		 WHERE cm.chat_id = $1 AND cm.left_at IS NULL
		 ORDER BY cm.joined_at`, chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("chatRepo.GetMembers query: %w", err)
	}
	defer rows.Close()

	users := make([]model.UserPublic, 0, 8)
	for rows.Next() {
		var u model.UserPublic
		if err := rows.Scan(&u.ID, &u.Username, &u.AvatarURL); err != nil {
			return nil, fmt.Errorf("chatRepo.GetMembers scan: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chatRepo.GetMembers rows: %w", err)
	}
	return users, nil
}

func (r *ChatRepository) IsMember(ctx context.Context, chatID, userID string) (bool, error) {
	defer logger.DeferLogDuration("chat.IsMember", time.Now())()
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM chat_members WHERE chat_id = $1 AND user_id = $2 AND left_at IS NULL)`,
		chatID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("chatRepo.IsMember: %w", err)
	}
	return exists, nil
}

// Leave marks the member as left; chat and message rows are retained.
func (r *ChatRepository) Leave(ctx context.Context, chatID, userID string) error {
	defer logger.DeferLogDuration("chat.Leave", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE chat_members SET left_at = $1 WHERE chat_id = $2 AND user_id = $3 AND left_at IS NULL`,
		time.Now().UTC(), chatID, userID,
	)
	if err != nil {
		return fmt.Errorf("chatRepo.Leave: %w", err)
	}
	return nil
}

// GetUserChats returns the user's chats ordered by latest activity.
func (r *ChatRepository) GetUserChats(ctx context.Context, userID string) ([]model.Chat, error) {
	defer logger.DeferLogDuration("chat.GetUserChats", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT c.id, c.chat_type, c.name, c.created_by, c.created_at
		 FROM chats c
		 JOIN chat_members cm ON cm.chat_id = c.id
		 WHERE cm.user_id = $1 AND cm.left_at IS NULL
		 ORDER BY (SELECT COALESCE(MAX(m.sent_at), c.created_at) FROM messages m WHERE m.chat_id = c.id) DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("chatRepo.GetUserChats query: %w", err)
	}
	defer rows.Close()

	chats := make([]model.Chat, 0, 16)
	for rows.Next() {
		var c model.Chat
		if err := rows.Scan(&c.ID, &c.ChatType, &c.Name, &c.CreatedBy, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("chatRepo.GetUserChats scan: %w", err)
		}
		chats = append(chats, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chatRepo.GetUserChats rows: %w", err)
	}
	return chats, nil
}

// GetUnreadCount counts messages sent after the user's read pointer.
func (r *ChatRepository) GetUnreadCount(ctx context.Context, chatID, userID string) (int, error) {
	defer logger.DeferLogDuration("chat.GetUnreadCount", time.Now())()
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages m
		 LEFT JOIN chat_read_receipts r ON r.chat_id = m.chat_id AND r.user_id = $2
		 WHERE m.chat_id = $1 AND m.sender_id != $2 AND m.is_deleted = false
		   AND (r.last_read_at IS NULL
		        OR m.sent_at > r.last_read_at
		        OR (m.sent_at = r.last_read_at AND m.id > r.last_read_message_id))`,
		chatID, userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("chatRepo.GetUnreadCount: %w", err)
	}
	return count, nil
}
