package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bubbles/internal/logger"
	"github.com/bubbles/internal/model"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ReceiptRepository struct {
	pool *pgxpool.Pool
}

func NewReceiptRepository(pool *pgxpool.Pool) *ReceiptRepository {
	return &ReceiptRepository{pool: pool}
}

// SetLastRead advances the (chat, user) read pointer to the given message.
// Advancement is monotonic: the upsert's WHERE clause refuses to move the
// pointer to a causally earlier (sent_at, id), so out-of-order acks keep
// the latest position. The resulting receipt is returned; ErrNotFound if
// the message does not belong to the chat.
func (r *ReceiptRepository) SetLastRead(ctx context.Context, chatID, userID, messageID string) (*model.ReadReceipt, error) {
	defer logger.DeferLogDuration("receipt.SetLastRead", time.Now())()

	var sentAt time.Time
	err := r.pool.QueryRow(ctx,
		`SELECT sent_at FROM messages WHERE id = $1 AND chat_id = $2`, messageID, chatID,
	).Scan(&sentAt)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, ErrNotFound
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO chat_read_receipts (chat_id, user_id, last_read_message_id, last_read_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (chat_id, user_id) DO UPDATE SET
		   last_read_message_id = EXCLUDED.last_read_message_id,
		   last_read_at = EXCLUDED.last_read_at
		 WHERE (chat_read_receipts.last_read_at, chat_read_receipts.last_read_message_id)
		     < (EXCLUDED.last_read_at, EXCLUDED.last_read_message_id)`,
		chatID, userID, messageID, sentAt,
	)
	if err != nil {
		return nil, fmt.Errorf("receiptRepo.SetLastRead: %w", err)
	}

	return r.Get(ctx, chatID, userID)
}

// Get returns the (chat, user) receipt, or ErrNotFound if none exists yet.
func (r *ReceiptRepository) Get(ctx context.Context, chatID, userID string) (*model.ReadReceipt, error) {
	defer logger.DeferLogDuration("receipt.Get", time.Now())()
	receipt := &model.ReadReceipt{}
	err := r.pool.QueryRow(ctx,
		`SELECT chat_id, user_id, last_read_message_id, last_read_at
		 FROM chat_read_receipts WHERE chat_id = $1 AND user_id = $2`, chatID, userID,
	).Scan(&receipt.ChatID, &receipt.UserID, &receipt.LastReadMessageID, &receipt.LastReadAt)
	if err != nil {
		return nil, ErrNotFound
	}
	return receipt, nil
}

// GetForChat returns every member's receipt for a chat.
func (r *ReceiptRepository) GetForChat(ctx context.Context, chatID string) ([]model.ReadReceipt, error) {
	defer logger.DeferLogDuration("receipt.GetForChat", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT chat_id, user_id, last_read_message_id, last_read_at
		 FROM chat_read_receipts WHERE chat_id = $1`, chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("receiptRepo.GetForChat query: %w", err)
	}
	defer rows.Close()

	receipts := make([]model.ReadReceipt, 0, 8)
	for rows.Next() {
		var receipt model.ReadReceipt
		if err := rows.Scan(&receipt.ChatID, &receipt.UserID, &receipt.LastReadMessageID, &receipt.LastReadAt); err != nil {
			return nil, fmt.Errorf("receiptRepo.GetForChat scan: %w", err)
		}
		receipts = append(receipts, receipt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("receiptRepo.GetForChat rows: %w", err)
	}
	return receipts, nil
}
