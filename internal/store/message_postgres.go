package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/MailPipe/internal/models"
	"github.com/BTreeMap/MailPipe/internal/util"
	"github.com/lib/pq"
)

// Compile-time check that PostgresStore implements MessageRepo.
var _ MessageRepo = (*PostgresStore)(nil)

func (s *PostgresStore) InsertMessage(ctx context.Context, m *models.Message, html, text string) error {
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
			`INSERT INTO message_bodies (id, content, created_at) VALUES ($1, $2, $3)`,
			*body.id, body.content, now,
		); err != nil {
			return fmt.Errorf("insert message body failed: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (`+messageColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)`,
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
	slog.Debug("PostgresStore.InsertMessage", "id", m.ID, "segment", m.Segment)
	return nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message failed: %w", err)
	}
	return &m, nil
}

func (s *PostgresStore) GetMessageByExternalID(ctx context.Context, externalID string) (*models.Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE external_message_id = $1`, externalID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message by external id failed: %w", err)
	}
	return &m, nil
}

func (s *PostgresStore) GetBody(ctx context.Context, id string) (string, error) {
	if id == "" {
		return "", nil
	}
	var content string
	err := s.db.QueryRowContext(ctx, `SELECT content FROM message_bodies WHERE id = $1`, id).Scan(&content)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get body failed: %w", err)
	}
	return content, nil
}

func (s *PostgresStore) ListWaiting(ctx context.Context, maxSegment int64, limit int) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE status = 'waiting' AND segment <= $1
		 ORDER BY segment ASC, created_at ASC LIMIT $2`,
		maxSegment, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list waiting failed: %w", err)
	}
	return collectMessages(rows)
}

func (s *PostgresStore) HasWaiting(ctx context.Context) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM messages WHERE status = 'waiting')`).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has waiting failed: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) MarkQueued(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`UPDATE messages SET status = 'queued', updated_at = $1
		 WHERE id = ANY($2) AND status = 'waiting'
		 RETURNING id`,
		time.Now().UTC(), pq.Array(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("mark queued failed: %w", err)
	}
	defer rows.Close()

	movedSet := make(map[string]bool, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan queued id failed: %w", err)
		}
		movedSet[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mark queued iteration failed: %w", err)
	}

	var moved []string
	for _, id := range ids {
		if movedSet[id] {
			moved = append(moved, id)
		}
	}
	return moved, nil
}

func (s *PostgresStore) ListQueued(ctx context.Context, ids []string) ([]models.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE status = 'queued' AND id = ANY($1)`,
		pq.Array(ids),
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

func (s *PostgresStore) MarkSent(ctx context.Context, id, externalID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages
		 SET external_message_id = $1, status = CASE WHEN status IN ('queued', 'waiting') THEN 'sent' ELSE status END, updated_at = $2
		 WHERE id = $3`,
		externalID, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("mark sent failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id, errMsg string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = 'failed', failed = TRUE, error_message = $1, finalized_at = $2, updated_at = $3
		 WHERE id = $4 AND status = 'queued'`,
		errMsg, at.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return false, fmt.Errorf("mark failed failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *PostgresStore) ResolveQueued(ctx context.Context, ids []string, status models.Status, errMsg string, at time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = $1, failed = (failed OR $2), error_message = $3, finalized_at = $4, updated_at = $5
		 WHERE status = 'queued' AND id = ANY($6)`,
		status, status == models.StatusFailed, errMsg, at.UTC(), time.Now().UTC(), pq.Array(ids),
	)
	if err != nil {
		return 0, fmt.Errorf("resolve queued failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) CancelMessage(ctx context.Context, id string, at time.Time) (models.Status, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin cancel failed: %w", err)
	}
	defer tx.Rollback()

	var prev models.Status
	err = tx.QueryRowContext(ctx, `SELECT status FROM messages WHERE id = $1 FOR UPDATE`, id).Scan(&prev)
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
		`UPDATE messages SET status = 'cancelled', error_message = $1, finalized_at = $2, updated_at = $3 WHERE id = $4`,
		models.CancelledByCaller, at.UTC(), time.Now().UTC(), id,
	); err != nil {
		return "", fmt.Errorf("cancel update failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit cancel failed: %w", err)
	}
	return prev, nil
}

func (s *PostgresStore) ResetQueued(ctx context.Context, staleBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = 'waiting', updated_at = $1 WHERE status = 'queued' AND updated_at < $2`,
		time.Now().UTC(), staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("reset queued failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) ApplyEvent(ctx context.Context, externalID string, fn EventFunc) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin apply event failed: %w", err)
	}
	defer tx.Rollback()

	m, err := scanMessage(tx.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE external_message_id = $1 FOR UPDATE`, externalID))
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
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, externalID, audit.EventType, audit.Timestamp.UTC(), audit.Detail, now,
	); err != nil {
		return true, fmt.Errorf("insert delivery event failed: %w", err)
	}

	if next != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET status = $1, error_message = $2, bounced = $3, complained = $4, failed = $5,
			 delivery_delayed = $6, opened = $7, clicked = $8, finalized_at = $9, updated_at = $10
			 WHERE id = $11`,
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

func (s *PostgresStore) ListEvents(ctx context.Context, messageID string) ([]models.DeliveryEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM delivery_events WHERE message_id = $1 ORDER BY id ASC`, messageID)
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

func (s *PostgresStore) DeleteFinalizedBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	return s.deleteMessagesWhere(ctx, `finalized_at < $1 ORDER BY finalized_at ASC`, cutoff.UTC(), limit)
}

func (s *PostgresStore) DeleteCreatedBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	return s.deleteMessagesWhere(ctx, `created_at < $1 ORDER BY created_at ASC`, cutoff.UTC(), limit)
}

// deleteMessagesWhere removes up to limit messages selected by cond along with their bodies
// and audit rows. Rows locked by a concurrent sweep are skipped.
func (s *PostgresStore) deleteMessagesWhere(ctx context.Context, cond string, cutoff time.Time, limit int) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin delete messages failed: %w", err)
	}
	defer tx.Rollback()

	var ids, bodyIDs []string
	err = func() error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id, html_body_id, text_body_id FROM messages WHERE `+cond+` LIMIT $2 FOR UPDATE SKIP LOCKED`,
			cutoff, limit)
		if err != nil {
			return fmt.Errorf("select expired messages failed: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			var htmlID, textID sql.NullString
			if err := rows.Scan(&id, &htmlID, &textID); err != nil {
				return fmt.Errorf("scan expired message failed: %w", err)
			}
			ids = append(ids, id)
			for _, b := range []sql.NullString{htmlID, textID} {
				if b.Valid && b.String != "" {
					bodyIDs = append(bodyIDs, b.String)
				}
			}
		}
		return rows.Err()
	}()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM delivery_events WHERE message_id = ANY($1)`, pq.Array(ids)); err != nil {
		return 0, fmt.Errorf("delete delivery events failed: %w", err)
	}
	if len(bodyIDs) > 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM message_bodies WHERE id = ANY($1)`, pq.Array(bodyIDs)); err != nil {
			return 0, fmt.Errorf("delete message bodies failed: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ANY($1)`, pq.Array(ids)); err != nil {
		return 0, fmt.Errorf("delete messages failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit delete messages failed: %w", err)
	}
	slog.Debug("PostgresStore.deleteMessagesWhere", "deleted", len(ids))
	return len(ids), nil
}
