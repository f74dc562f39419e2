package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/saitejad/mtpchat/internal/models"
)

type PostgresMessageRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresMessageRepository(pool *pgxpool.Pool) *PostgresMessageRepository {
	return &PostgresMessageRepository{pool: pool}
}

const messageColumns = `id, sender_id, receiver_id, chat_mode, encrypted_payload, msg_key,
	auth_key_id, salt, session_id, msg_id, seq_no, status,
	visible_to_sender, visible_to_receiver, timestamp`

func scanMessage(row pgx.Row) (*models.Message, error) {
	var msg models.Message
	var payload []byte
	err := row.Scan(
		&msg.ID,
		&msg.SenderID,
		&msg.ReceiverID,
		&msg.ChatMode,
		&payload,
		&msg.MsgKey,
		&msg.AuthKeyID,
		&msg.Salt,
		&msg.SessionID,
		&msg.MsgID,
		&msg.SeqNo,
		&msg.Status,
		&msg.VisibleToSender,
		&msg.VisibleToReceiver,
		&msg.Timestamp,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}
	msg.EncryptedPayload = payload
	return &msg, nil
}

func scanMessages(rows pgx.Rows) ([]*models.Message, error) {
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return messages, nil
}

func (r *PostgresMessageRepository) Append(ctx context.Context, msg *models.Message) error {
	query := `INSERT INTO messages (sender_id, receiver_id, chat_mode, encrypted_payload, msg_key,
	              auth_key_id, salt, session_id, msg_id, seq_no, status,
	              visible_to_sender, visible_to_receiver, timestamp)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	          RETURNING id`

	err := r.pool.QueryRow(ctx, query,
		msg.SenderID,
		msg.ReceiverID,
		msg.ChatMode,
		[]byte(msg.EncryptedPayload),
		msg.MsgKey,
		msg.AuthKeyID,
		msg.Salt,
		msg.SessionID,
		msg.MsgID,
		msg.SeqNo,
		msg.Status,
		msg.VisibleToSender,
		msg.VisibleToReceiver,
		msg.Timestamp,
	).Scan(&msg.ID)

	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

func (r *PostgresMessageRepository) GetByID(ctx context.Context, id int64) (*models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`
	return scanMessage(r.pool.QueryRow(ctx, query, id))
}

// UpdateStatus applies the monotonic state machine at the store: the WHERE
// clause only matches rows whose current status ranks below the target, so
// a regressing transition touches nothing and reports false.
func (r *PostgresMessageRepository) UpdateStatus(ctx context.Context, id int64, status models.MessageStatus) (bool, error) {
	allowed := models.StatusesBelow(status)
	if len(allowed) == 0 {
		return false, nil
	}

	query := `UPDATE messages SET status = $2 WHERE id = $1 AND status = ANY($3)`

	from := make([]string, len(allowed))
	for i, s := range allowed {
		from[i] = string(s)
	}

	result, err := r.pool.Exec(ctx, query, id, status, from)
	if err != nil {
		return false, fmt.Errorf("failed to update status: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// ClaimPending is the flush-once primitive: a single conditional UPDATE
// flips sent envelopes to delivered and hands the claimed rows back, so a
// second racing reconnect finds nothing left to claim.
func (r *PostgresMessageRepository) ClaimPending(ctx context.Context, receiverID int64) ([]*models.Message, error) {
	query := `UPDATE messages SET status = $2
	          WHERE receiver_id = $1 AND status = $3
	          RETURNING ` + messageColumns

	rows, err := r.pool.Query(ctx, query, receiverID, models.StatusDelivered, models.StatusSent)
	if err != nil {
		return nil, fmt.Errorf("failed to claim pending messages: %w", err)
	}
	return scanMessages(rows)
}

func (r *PostgresMessageRepository) QueryPending(ctx context.Context, receiverID int64) ([]*models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages
	          WHERE receiver_id = $1 AND status = $2
	          ORDER BY timestamp ASC`

	rows, err := r.pool.Query(ctx, query, receiverID, models.StatusSent)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending messages: %w", err)
	}
	return scanMessages(rows)
}

func (r *PostgresMessageRepository) History(ctx context.Context, userID int64) ([]*models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages
	          WHERE sender_id = $1 OR receiver_id = $1
	          ORDER BY timestamp ASC`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	return scanMessages(rows)
}

// SoftDelete hides the message from whichever side userID is on; the other
// side's view is untouched.
func (r *PostgresMessageRepository) SoftDelete(ctx context.Context, id, userID int64) error {
	query := `UPDATE messages SET
	              visible_to_sender = visible_to_sender AND sender_id <> $2,
	              visible_to_receiver = visible_to_receiver AND receiver_id <> $2
	          WHERE id = $1 AND (sender_id = $2 OR receiver_id = $2)`

	result, err := r.pool.Exec(ctx, query, id, userID)
	if err != nil {
		return fmt.Errorf("failed to soft delete message: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// HardDelete removes the record for everyone. Only used for an explicit
// delete-for-all request.
func (r *PostgresMessageRepository) HardDelete(ctx context.Context, id int64) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM messages WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDeleteConversation clears one side of an entire conversation in a
// single statement.
func (r *PostgresMessageRepository) SoftDeleteConversation(ctx context.Context, userID, withUserID int64) error {
	query := `UPDATE messages SET
	              visible_to_sender = visible_to_sender AND NOT (sender_id = $1 AND receiver_id = $2),
	              visible_to_receiver = visible_to_receiver AND NOT (receiver_id = $1 AND sender_id = $2)
	          WHERE (sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1)`

	if _, err := r.pool.Exec(ctx, query, userID, withUserID); err != nil {
		return fmt.Errorf("failed to clear conversation: %w", err)
	}
	return nil
}
