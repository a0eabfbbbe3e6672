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

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

// Create inserts the message and its attachment rows in one transaction.
// The message id comes from the sending client; a duplicate id is an
// idempotent retry and surfaces as a conflict error to the caller.
func (r *MessageRepository) Create(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.Create", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("msgRepo.Create begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO messages (id, chat_id, sender_id, content, is_edited, is_deleted, sent_at)
		 VALUES ($1, $2, $3, $4, false, false, $5)`,
		m.ID, m.ChatID, m.SenderID, m.Content, m.SentAt,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.Create insert: %w", err)
	}
	for i, url := range m.Images {
		_, err = tx.Exec(ctx,
			`INSERT INTO message_images (message_id, url, position) VALUES ($1, $2, $3)`,
			m.ID, url, i,
		)
		if err != nil {
			return fmt.Errorf("msgRepo.Create image: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("msgRepo.Create commit: %w", err)
	}
	return nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetByID", time.Now())()
	m := &model.Message{}
	err := r.pool.QueryRow(ctx,
		`SELECT m.id, m.chat_id, m.sender_id, u.username, m.content, m.is_edited, m.is_deleted, m.sent_at
		 FROM messages m
		 JOIN users u ON u.id = m.sender_id
		 WHERE m.id = $1`, id,
	).Scan(&m.ID, &m.ChatID, &m.SenderID, &m.SenderUsername, &m.Content, &m.IsEdited, &m.IsDeleted, &m.SentAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetByID: %w", err)
	}
	if err := r.attachImages(ctx, []*model.Message{m}); err != nil {
		return nil, err
	}
	return m, nil
}

// GetChatMessages returns one history page, newest first, traversing
// strictly decreasing (sent_at, id). A limit+1 probe detects whether an
// older page exists.
func (r *MessageRepository) GetChatMessages(ctx context.Context, chatID string, limit int, cursor *model.Cursor) ([]model.Message, bool, error) {
	defer logger.DeferLogDuration("msg.GetChatMessages", time.Now())()

	var rows pgx.Rows
	var err error
	q := `SELECT m.id, m.chat_id, m.sender_id, u.username, m.content, m.is_edited, m.is_deleted, m.sent_at
	      FROM messages m
	      JOIN users u ON u.id = m.sender_id
	      WHERE m.chat_id = $1`
	if cursor != nil {
		q += ` AND (m.sent_at, m.id) < ($3, $4)
		       ORDER BY m.sent_at DESC, m.id DESC LIMIT $2`
		rows, err = r.pool.Query(ctx, q, chatID, limit+1, cursor.SentAt, cursor.ID)
	} else {
		q += ` ORDER BY m.sent_at DESC, m.id DESC LIMIT $2`
		rows, err = r.pool.Query(ctx, q, chatID, limit+1)
	}
	if err != nil {
		return nil, false, fmt.Errorf("msgRepo.GetChatMessages query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, limit)
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.SenderUsername, &m.Content, &m.IsEdited, &m.IsDeleted, &m.SentAt); err != nil {
			return nil, false, fmt.Errorf("msgRepo.GetChatMessages scan: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("msgRepo.GetChatMessages rows: %w", err)
	}

	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[:limit]
	}

	ptrs := make([]*model.Message, len(messages))
	for i := range messages {
		ptrs[i] = &messages[i]
	}
	if err := r.attachImages(ctx, ptrs); err != nil {
		return nil, false, err
	}
	return messages, hasMore, nil
}

// attachImages loads attachment URLs for the given messages, preserving
// upload order.
func (r *MessageRepository) attachImages(ctx context.Context, messages []*model.Message) error {
	if len(messages) == 0 {
		return nil
	}
	ids := make([]string, 0, len(messages))
	byID := make(map[string]*model.Message, len(messages))
	for _, m := range messages {
		ids = append(ids, m.ID)
		byID[m.ID] = m
		if m.Images == nil {
			m.Images = []string{}
		}
	}
	rows, err := r.pool.Query(ctx,
		`SELECT message_id, url FROM message_images
		 WHERE message_id = ANY($1) ORDER BY message_id, position`, ids,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.attachImages query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var mid, url string
		if err := rows.Scan(&mid, &url); err != nil {
			return fmt.Errorf("msgRepo.attachImages scan: %w", err)
		}
		if m, ok := byID[mid]; ok {
			m.Images = append(m.Images, url)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("msgRepo.attachImages rows: %w", err)
	}
	return nil
}

// Edit updates the message content and removes the named attachments.
// Only the sender may edit, deleted messages are immutable, and the edit
// window is enforced here regardless of any client-side check.
// removeImages is intersected with the message's own attachments; URLs
// belonging to other messages are ignored. The updated message and the
// URLs actually removed are returned so the caller can delete only
// those stored files.
func (r *MessageRepository) Edit(ctx context.Context, id, senderID, content string, removeImages []string) (*model.Message, []string, error) {
	defer logger.DeferLogDuration("msg.Edit", time.Now())()

	current, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if current.SenderID != senderID {
		return nil, nil, ErrNotSender
	}
	if current.IsDeleted {
		return nil, nil, fmt.Errorf("msgRepo.Edit: %w", ErrNotFound)
	}
	if !model.Editable(current.SentAt, time.Now().UTC()) {
		return nil, nil, ErrEditWindowExpired
	}

	var removed []string
	if len(removeImages) > 0 {
		own := make(map[string]struct{}, len(current.Images))
		for _, u := range current.Images {
			own[u] = struct{}{}
		}
		for _, u := range removeImages {
			if _, ok := own[u]; ok {
				removed = append(removed, u)
			}
		}
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("msgRepo.Edit begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`UPDATE messages SET content = $1, is_edited = true WHERE id = $2`,
		content, id,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("msgRepo.Edit update: %w", err)
	}
	if len(removed) > 0 {
		_, err = tx.Exec(ctx,
			`DELETE FROM message_images WHERE message_id = $1 AND url = ANY($2)`,
			id, removed,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("msgRepo.Edit images: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("msgRepo.Edit commit: %w", err)
	}
	updated, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return updated, removed, nil
}

// SoftDelete marks the message deleted, clears its content and removes
// attachment rows. The removed attachment URLs are returned so the caller
// can delete the stored files.
func (r *MessageRepository) SoftDelete(ctx context.Context, id, senderID string) (*model.Message, []string, error) {
	defer logger.DeferLogDuration("msg.SoftDelete", time.Now())()

	current, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if current.SenderID != senderID {
		return nil, nil, ErrNotSender
	}
	removed := current.Images

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("msgRepo.SoftDelete begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`UPDATE messages SET is_deleted = true, content = '' WHERE id = $1`, id,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("msgRepo.SoftDelete update: %w", err)
	}
	_, err = tx.Exec(ctx, `DELETE FROM message_images WHERE message_id = $1`, id)
	if err != nil {
		return nil, nil, fmt.Errorf("msgRepo.SoftDelete images: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("msgRepo.SoftDelete commit: %w", err)
	}

	current.IsDeleted = true
	current.Content = ""
	current.Images = []string{}
	return current, removed, nil
}

// ImagesInUse returns the subset of urls referenced by any message
// attachment. Used to keep orphan cleanup from touching live files.
func (r *MessageRepository) ImagesInUse(ctx context.Context, urls []string) (map[string]bool, error) {
	defer logger.DeferLogDuration("msg.ImagesInUse", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT url FROM message_images WHERE url = ANY($1)`, urls,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.ImagesInUse query: %w", err)
	}
	defer rows.Close()

	inUse := make(map[string]bool)
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("msgRepo.ImagesInUse scan: %w", err)
		}
		inUse[u] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.ImagesInUse rows: %w", err)
	}
	return inUse, nil
}

// GetLastMessage returns the newest message of a chat, or nil.
func (r *MessageRepository) GetLastMessage(ctx context.Context, chatID string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetLastMessage", time.Now())()
	msgs, _, err := r.GetChatMessages(ctx, chatID, 1, nil)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return &msgs[0], nil
}
