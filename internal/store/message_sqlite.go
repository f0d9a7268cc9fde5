package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/MailPipe/internal/models"
	"github.com/BTreeMap/MailPipe/internal/util"
)

// Compile-time check that SQLiteStore implements MessageRepo.
var _ MessageRepo = (*SQLiteStore)(nil)

func (s *SQLiteStore) InsertMessage(ctx context.Context, m *models.Message, html, text string) error {
	row, err := encodeMessage(m)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert message failed: %w", err)
	}
	defer tx.Rollback()

	for _, body := range []struct {
		content string
		id      *string
	}{{html, &m.HTMLBodyID}, {text, &m.TextBodyID}} {
		if body.content == "" {
			continue
		}
		*body.id = util.GenerateBodyID()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO message_bodies (id, content, created_at) VALUES (?, ?, ?)`,
			*body.id, body.content, now,
		); err != nil {
			return fmt.Errorf("insert message body failed: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (`+messageColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.From, row.to, row.cc, row.bcc, row.replyTo, m.Subject, nilIfEmpty(m.HTMLBodyID), nilIfEmpty(m.TextBodyID),
		m.Template, row.templateData, row.headers, m.Status, m.ErrorMessage, nilIfEmpty(m.ExternalMessageID), m.Segment,
		m.Bounced, m.Complained, m.Failed, m.DeliveryDelayed, m.Opened, m.Clicked,
		m.FinalizedAt.UTC(), m.CreatedAt.UTC(), now,
	)
	if err != nil {
		return fmt.Errorf("insert message failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert message failed: %w", err)
	}
	m.UpdatedAt = now
	slog.Debug("SQLiteStore.InsertMessage", "id", m.ID, "segment", m.Segment)
	return nil
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message failed: %w", err)
	}
	return &m, nil
}

func (s *SQLiteStore) GetMessageByExternalID(ctx context.Context, externalID string) (*models.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE external_message_id = ?`, externalID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message by external id failed: %w", err)
	}
	return &m, nil
}

func (s *SQLiteStore) GetBody(ctx context.Context, id string) (string, error) {
	if id == "" {
		return "", nil
	}
	var content string
	err := s.db.QueryRowContext(ctx, `SELECT content FROM message_bodies WHERE id = ?`, id).Scan(&content)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get body failed: %w", err)
	}
	return content, nil
}

func (s *SQLiteStore) ListWaiting(ctx context.Context, maxSegment int64, limit int) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE status = 'waiting' AND segment <= ?
		 ORDER BY segment ASC, created_at ASC LIMIT ?`,
		maxSegment, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list waiting failed: %w", err)
	}
	return collectMessages(rows)
}

func (s *SQLiteStore) HasWaiting(ctx context.Context) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE status = 'waiting' LIMIT 1`).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has waiting failed: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) MarkQueued(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin mark queued failed: %w", err)
	}
	defer tx.Rollback()

	var moved []string
	for _, id := range ids {
		res, err := tx.ExecContext(ctx,
			`UPDATE messages SET status = 'queued', updated_at = ? WHERE id = ? AND status = 'waiting'`,
			now, id,
		)
		if err != nil {
			return nil, fmt.Errorf("mark queued failed: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			moved = append(moved, id)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit mark queued failed: %w", err)
	}
	return moved, nil
}

func (s *SQLiteStore) ListQueued(ctx context.Context, ids []string) ([]models.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE status = 'queued' AND id IN (`+sqlitePlaceholders(len(ids))+`)`,
		stringArgs(ids)...,
	)
	if err != nil {
		return nil, fmt.Errorf("list queued failed: %w", err)
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	return orderByIDs(ids, msgs), nil
}

func (s *SQLiteStore) MarkSent(ctx context.Context, id, externalID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages
		 SET external_message_id = ?, status = CASE WHEN status IN ('queued', 'waiting') THEN 'sent' ELSE status END, updated_at = ?
		 WHERE id = ?`,
		externalID, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("mark sent failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, id, errMsg string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = 'failed', failed = 1, error_message = ?, finalized_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'queued'`,
		errMsg, at.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return false, fmt.Errorf("mark failed failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) ResolveQueued(ctx context.Context, ids []string, status models.Status, errMsg string, at time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := append([]any{status, status == models.StatusFailed, errMsg, at.UTC(), time.Now().UTC()}, stringArgs(ids)...)
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = ?, failed = (failed OR ?), error_message = ?, finalized_at = ?, updated_at = ?
		 WHERE status = 'queued' AND id IN (`+sqlitePlaceholders(len(ids))+`)`,
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("resolve queued failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) CancelMessage(ctx context.Context, id string, at time.Time) (models.Status, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin cancel failed: %w", err)
	}
	defer tx.Rollback()

	var prev models.Status
	err = tx.QueryRowContext(ctx, `SELECT status FROM messages WHERE id = ?`, id).Scan(&prev)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("cancel lookup failed: %w", err)
	}
	if prev != models.StatusWaiting && prev != models.StatusQueued {
		return prev, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET status = 'cancelled', error_message = ?, finalized_at = ?, updated_at = ? WHERE id = ?`,
		models.CancelledByCaller, at.UTC(), time.Now().UTC(), id,
	); err != nil {
		return "", fmt.Errorf("cancel update failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit cancel failed: %w", err)
	}
	return prev, nil
}

func (s *SQLiteStore) ResetQueued(ctx context.Context, staleBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = 'waiting', updated_at = ? WHERE status = 'queued' AND updated_at < ?`,
		time.Now().UTC(), staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("reset queued failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) ApplyEvent(ctx context.Context, externalID string, fn EventFunc) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin apply event failed: %w", err)
	}
	defer tx.Rollback()

	m, err := scanMessage(tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE external_message_id = ?`, externalID))
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("apply event lookup failed: %w", err)
	}

	audit, next := fn(&m)
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO delivery_events (message_id, external_message_id, event_type, event_time, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, externalID, audit.EventType, audit.Timestamp.UTC(), audit.Detail, now,
	); err != nil {
		return true, fmt.Errorf("insert delivery event failed: %w", err)
	}

	if next != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET status = ?, error_message = ?, bounced = ?, complained = ?, failed = ?,
			 delivery_delayed = ?, opened = ?, clicked = ?, finalized_at = ?, updated_at = ?
			 WHERE id = ?`,
			next.Status, next.ErrorMessage, next.Bounced, next.Complained, next.Failed,
			next.DeliveryDelayed, next.Opened, next.Clicked, next.FinalizedAt.UTC(), now, m.ID,
		); err != nil {
			return true, fmt.Errorf("update message state failed: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return true, fmt.Errorf("commit apply event failed: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, messageID string) ([]models.DeliveryEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM delivery_events WHERE message_id = ? ORDER BY id ASC`, messageID)
	if err != nil {
		return nil, fmt.Errorf("list events failed: %w", err)
	}
	defer rows.Close()

	var events []models.DeliveryEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events iteration failed: %w", err)
	}
	return events, nil
}

func (s *SQLiteStore) DeleteFinalizedBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	return s.deleteMessagesWhere(ctx, `finalized_at < ? ORDER BY finalized_at ASC`, cutoff.UTC(), limit)
}

func (s *SQLiteStore) DeleteCreatedBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	return s.deleteMessagesWhere(ctx, `created_at < ? ORDER BY created_at ASC`, cutoff.UTC(), limit)
}

// deleteMessagesWhere removes up to limit messages selected by cond along with their bodies
// and audit rows.
func (s *SQLiteStore) deleteMessagesWhere(ctx context.Context, cond string, cutoff time.Time, limit int) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin delete messages failed: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id, html_body_id, text_body_id FROM messages WHERE `+cond+` LIMIT ?`, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("select expired messages failed: %w", err)
	}
	var ids, bodyIDs []string
	for rows.Next() {
		var id string
		var htmlID, textID sql.NullString
		if err := rows.Scan(&id, &htmlID, &textID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan expired message failed: %w", err)
		}
		ids = append(ids, id)
		for _, b := range []sql.NullString{htmlID, textID} {
			if b.Valid && b.String != "" {
				bodyIDs = append(bodyIDs, b.String)
			}
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("expired messages iteration failed: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	in := sqlitePlaceholders(len(ids))
	if _, err := tx.ExecContext(ctx, `DELETE FROM delivery_events WHERE message_id IN (`+in+`)`, stringArgs(ids)...); err != nil {
		return 0, fmt.Errorf("delete delivery events failed: %w", err)
	}
	if len(bodyIDs) > 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM message_bodies WHERE id IN (`+sqlitePlaceholders(len(bodyIDs))+`)`, stringArgs(bodyIDs)...); err != nil {
			return 0, fmt.Errorf("delete message bodies failed: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id IN (`+in+`)`, stringArgs(ids)...); err != nil {
		return 0, fmt.Errorf("delete messages failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit delete messages failed: %w", err)
	}
	slog.Debug("SQLiteStore.deleteMessagesWhere", "deleted", len(ids))
	return len(ids), nil
}
