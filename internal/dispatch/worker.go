// Package dispatch sends queued batches to the mail API and reconciles the outcome of each
// batch back onto the message records.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/MailPipe/internal/mailapi"
	"github.com/BTreeMap/MailPipe/internal/metrics"
	"github.com/BTreeMap/MailPipe/internal/models"
)

// Repo is the part of the message store the dispatch path needs.
type Repo interface {
	ListQueued(ctx context.Context, ids []string) ([]models.Message, error)
	GetBody(ctx context.Context, id string) (string, error)
	MarkSent(ctx context.Context, id, externalID string) error
	MarkFailed(ctx context.Context, id, errMsg string, at time.Time) (bool, error)
	ResolveQueued(ctx context.Context, ids []string, status models.Status, errMsg string, at time.Time) (int, error)
}

// Result lists the messages the mail API accepted in one attempt, pairwise with their
// external ids.
type Result struct {
	SentIDs     []string
	ExternalIDs []string
}

// Worker sends the messages of one batch.
type Worker struct {
	repo   Repo
	sender mailapi.Sender
	now    func() time.Time
}

// NewWorker creates a Worker.
func NewWorker(repo Repo, sender mailapi.Sender) *Worker {
	return &Worker{repo: repo, sender: sender, now: time.Now}
}

// Dispatch sends every message of ids that is still queued. It returns nil when nothing was
// eligible. Permanent rejections are recorded on the message and do not stop the batch; any
// other error aborts the batch so that the pool retries it. Accepted messages are marked
// sent immediately, so a retry only sees the messages still queued.
func (w *Worker) Dispatch(ctx context.Context, ids []string, cfg models.SendConfig) (*Result, error) {
	msgs, err := w.repo.ListQueued(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		slog.Debug("Worker.Dispatch: nothing eligible", "batch", len(ids))
		return nil, nil
	}

	res := &Result{}
	for i := range msgs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		m := &msgs[i]

		payload, err := w.payload(ctx, m)
		if err != nil {
			return res, err
		}

		externalID, err := w.sender.Send(ctx, cfg, payload)
		switch {
		case err == nil:
			if err := w.repo.MarkSent(ctx, m.ID, externalID); err != nil {
				return res, fmt.Errorf("record acceptance of %s: %w", m.ID, err)
			}
			res.SentIDs = append(res.SentIDs, m.ID)
			res.ExternalIDs = append(res.ExternalIDs, externalID)
			metrics.DispatchResults.WithLabelValues("sent").Inc()
			slog.Debug("Worker.Dispatch: message accepted", "id", m.ID, "externalID", externalID)
		case mailapi.IsPermanent(err):
			slog.Warn("Worker.Dispatch: permanent send failure", "id", m.ID, "error", err)
			if _, err := w.repo.MarkFailed(ctx, m.ID, err.Error(), w.now().UTC()); err != nil {
				return res, fmt.Errorf("record permanent failure of %s: %w", m.ID, err)
			}
			metrics.DispatchResults.WithLabelValues("permanent_failure").Inc()
		default:
			return res, fmt.Errorf("send %s: %w", m.ID, err)
		}
	}
	slog.Info("Worker.Dispatch: batch done", "eligible", len(msgs), "sent", len(res.SentIDs))
	return res, nil
}

func (w *Worker) payload(ctx context.Context, m *models.Message) (mailapi.Payload, error) {
	if m.UsesTemplate() {
		return mailapi.PayloadFor(m, "", ""), nil
	}
	html, err := w.repo.GetBody(ctx, m.HTMLBodyID)
	if err != nil {
		return mailapi.Payload{}, fmt.Errorf("load html body of %s: %w", m.ID, err)
	}
	text, err := w.repo.GetBody(ctx, m.TextBodyID)
	if err != nil {
		return mailapi.Payload{}, fmt.Errorf("load text body of %s: %w", m.ID, err)
	}
	return mailapi.PayloadFor(m, html, text), nil
}
