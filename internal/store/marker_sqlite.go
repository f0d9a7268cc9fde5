package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/MailPipe/internal/models"
)

// Compile-time check that SQLiteStore implements MarkerRepo.
var _ MarkerRepo = (*SQLiteStore)(nil)

func (s *SQLiteStore) CreateRunMarker(ctx context.Context) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO scheduler_marker (id, job_id, created_at) VALUES (1, '', ?)`,
		time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("create run marker failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) SetRunMarkerJob(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE scheduler_marker SET job_id = ? WHERE id = 1`, jobID); err != nil {
		return fmt.Errorf("set run marker job failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRunMarker(ctx context.Context) (*RunMarker, error) {
	var m RunMarker
	err := s.db.QueryRowContext(ctx, `SELECT job_id, created_at FROM scheduler_marker WHERE id = 1`).Scan(&m.JobID, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run marker failed: %w", err)
	}
	return &m, nil
}

func (s *SQLiteStore) DeleteRunMarker(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM scheduler_marker WHERE id = 1`); err != nil {
		return fmt.Errorf("delete run marker failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteRunMarkerForJob(ctx context.Context, jobID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduler_marker WHERE id = 1 AND job_id = ?`, jobID)
	if err != nil {
		return false, fmt.Errorf("delete run marker for job failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) SaveSendConfig(ctx context.Context, cfg models.SendConfig) (bool, error) {
	current, err := s.GetSendConfig(ctx)
	if err != nil {
		return false, err
	}
	if current != nil && current.Equal(cfg) {
		return false, nil
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return false, fmt.Errorf("encode send config failed: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO send_config (id, config_json, updated_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET config_json = excluded.config_json, updated_at = excluded.updated_at`,
		string(raw), time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("save send config failed: %w", err)
	}
	slog.Debug("SQLiteStore.SaveSendConfig: configuration updated")
	return true, nil
}

func (s *SQLiteStore) GetSendConfig(ctx context.Context) (*models.SendConfig, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT config_json FROM send_config WHERE id = 1`).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get send config failed: %w", err)
	}
	var cfg models.SendConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("decode send config failed: %w", err)
	}
	return &cfg, nil
}
