package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BTreeMap/MailPipe/internal/models"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

const jobColumns = `id, kind, run_at, payload_json, status, attempt, max_attempts, last_error, locked_at, dedupe_key, created_at, updated_at`

// scanJob scans a Job from a row. sql.ErrNoRows is returned unwrapped.
func scanJob(row rowScanner) (Job, error) {
	var j Job
	var payloadJSON, lastError, dedupeKey sql.NullString
	var lockedAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.Kind, &j.RunAt, &payloadJSON, &j.Status, &j.Attempt, &j.MaxAttempts,
		&lastError, &lockedAt, &dedupeKey, &j.CreatedAt, &j.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return j, err
	}
	if err != nil {
		return j, fmt.Errorf("scan job failed: %w", err)
	}
	j.PayloadJSON = payloadJSON.String
	j.LastError = lastError.String
	j.DedupeKey = dedupeKey.String
	if lockedAt.Valid {
		t := lockedAt.Time
		j.LockedAt = &t
	}
	return j, nil
}

const messageColumns = `id, from_addr, to_addrs, cc_addrs, bcc_addrs, reply_to, subject, html_body_id, text_body_id,
	template, template_data, headers, status, error_message, external_message_id, segment,
	bounced, complained, failed, delivery_delayed, opened, clicked, finalized_at, created_at, updated_at`

// scanMessage scans a Message from a row selected with messageColumns.
// sql.ErrNoRows is returned unwrapped.
func scanMessage(row rowScanner) (models.Message, error) {
	var m models.Message
	var to, cc, bcc, replyTo, templateData, headers string
	var htmlID, textID, externalID sql.NullString
	err := row.Scan(
		&m.ID, &m.From, &to, &cc, &bcc, &replyTo, &m.Subject, &htmlID, &textID,
		&m.Template, &templateData, &headers, &m.Status, &m.ErrorMessage, &externalID, &m.Segment,
		&m.Bounced, &m.Complained, &m.Failed, &m.DeliveryDelayed, &m.Opened, &m.Clicked,
		&m.FinalizedAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return m, err
	}
	if err != nil {
		return m, fmt.Errorf("scan message failed: %w", err)
	}
	m.HTMLBodyID = htmlID.String
	m.TextBodyID = textID.String
	m.ExternalMessageID = externalID.String

	for _, field := range []struct {
		raw  string
		dest any
	}{
		{to, &m.To}, {cc, &m.Cc}, {bcc, &m.Bcc}, {replyTo, &m.ReplyTo}, {headers, &m.Headers}, {templateData, &m.TemplateData},
	} {
		if err := decodeJSONColumn(field.raw, field.dest); err != nil {
			return m, fmt.Errorf("decode message %s column failed: %w", m.ID, err)
		}
	}
	m.FinalizedAt = m.FinalizedAt.UTC()
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	return m, nil
}

// collectMessages drains rows into a slice.
func collectMessages(rows *sql.Rows) ([]models.Message, error) {
	defer rows.Close()
	var out []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message rows iteration failed: %w", err)
	}
	return out, nil
}

const eventColumns = `id, message_id, external_message_id, event_type, event_time, detail, created_at`

func scanEvent(row rowScanner) (models.DeliveryEvent, error) {
	var e models.DeliveryEvent
	if err := row.Scan(&e.ID, &e.MessageID, &e.ExternalMessageID, &e.EventType, &e.Timestamp, &e.Detail, &e.CreatedAt); err != nil {
		return e, fmt.Errorf("scan delivery event failed: %w", err)
	}
	e.Timestamp = e.Timestamp.UTC()
	e.CreatedAt = e.CreatedAt.UTC()
	return e, nil
}

// encodeJSONColumn marshals list and map columns. Nil values are stored as "".
func encodeJSONColumn(v any) (string, error) {
	switch x := v.(type) {
	case []string:
		if len(x) == 0 {
			return "", nil
		}
	case []models.Header:
		if len(x) == 0 {
			return "", nil
		}
	case map[string]any:
		if len(x) == 0 {
			return "", nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeJSONColumn(raw string, dest any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), dest)
}

// messageRow holds the encoded column values of a message for INSERT statements.
type messageRow struct {
	to, cc, bcc, replyTo, templateData, headers string
}

func encodeMessage(m *models.Message) (messageRow, error) {
	var r messageRow
	var err error
	for _, field := range []struct {
		dest *string
		v    any
	}{
		{&r.to, m.To}, {&r.cc, m.Cc}, {&r.bcc, m.Bcc}, {&r.replyTo, m.ReplyTo},
		{&r.templateData, m.TemplateData}, {&r.headers, m.Headers},
	} {
		if *field.dest, err = encodeJSONColumn(field.v); err != nil {
			return r, fmt.Errorf("encode message %s failed: %w", m.ID, err)
		}
	}
	return r, nil
}

// sqlitePlaceholders returns "?, ?, ..." with n entries.
func sqlitePlaceholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

// orderByIDs reorders msgs to follow ids, dropping ids that have no message.
func orderByIDs(ids []string, msgs []models.Message) []models.Message {
	byID := make(map[string]models.Message, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
	}
	out := make([]models.Message, 0, len(msgs))
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			out = append(out, m)
		}
	}
	return out
}
