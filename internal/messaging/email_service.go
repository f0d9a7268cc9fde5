package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/MailPipe/internal/metrics"
	"github.com/BTreeMap/MailPipe/internal/models"
	"github.com/BTreeMap/MailPipe/internal/segment"
	"github.com/BTreeMap/MailPipe/internal/util"
)

// Repo is the part of the store the producer service needs.
type Repo interface {
	InsertMessage(ctx context.Context, m *models.Message, html, text string) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	GetBody(ctx context.Context, id string) (string, error)
	CancelMessage(ctx context.Context, id string, at time.Time) (models.Status, error)
	ListEvents(ctx context.Context, messageID string) ([]models.DeliveryEvent, error)
}

// Scheduler makes sure the batch scheduler is running.
type Scheduler interface {
	ScheduleIfAbsent(ctx context.Context, cfg models.SendConfig) error
}

// EmailService implements Service on the message store.
type EmailService struct {
	repo  Repo
	sched Scheduler
	cfg   models.SendConfig
	now   func() time.Time
}

// Compile-time check that EmailService implements Service.
var _ Service = (*EmailService)(nil)

// NewEmailService creates an EmailService. cfg is handed to the batch scheduler with every
// enqueue.
func NewEmailService(repo Repo, sched Scheduler, cfg models.SendConfig) *EmailService {
	return &EmailService{repo: repo, sched: sched, cfg: cfg, now: time.Now}
}

func (s *EmailService) Enqueue(ctx context.Context, req models.SendRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", &ValidationError{Err: err}
	}

	now := s.now().UTC()
	m := &models.Message{
		ID:           util.GenerateMessageID(),
		From:         req.From,
		To:           req.To,
		Cc:           req.Cc,
		Bcc:          req.Bcc,
		ReplyTo:      req.ReplyTo,
		Subject:      req.Subject,
		Template:     req.Template,
		TemplateData: req.TemplateData,
		Headers:      req.Headers,
		Status:       models.StatusWaiting,
		Segment:      segment.Of(now),
		FinalizedAt:  models.NotFinalized,
		CreatedAt:    now,
	}
	if err := s.repo.InsertMessage(ctx, m, req.HTML, req.Text); err != nil {
		return "", err
	}
	metrics.MessagesEnqueued.Inc()
	slog.Debug("EmailService.Enqueue: message stored", "id", m.ID, "segment", m.Segment)

	// The message is stored either way; startup recovery and the next enqueue re-arm the
	// scheduler if this fails.
	if err := s.sched.ScheduleIfAbsent(ctx, s.cfg); err != nil {
		slog.Error("EmailService.Enqueue: failed to arm batch scheduler", "id", m.ID, "error", err)
	}
	return m.ID, nil
}

func (s *EmailService) Status(ctx context.Context, id string) (*models.MessageStatus, error) {
	m, err := s.repo.GetMessage(ctx, id)
	if err != nil || m == nil {
		return nil, err
	}
	st := models.StatusOf(m)
	return &st, nil
}

func (s *EmailService) Get(ctx context.Context, id string) (*models.MessageDetail, error) {
	m, err := s.repo.GetMessage(ctx, id)
	if err != nil || m == nil {
		return nil, err
	}
	d := &models.MessageDetail{Message: *m}
	if d.HTML, err = s.repo.GetBody(ctx, m.HTMLBodyID); err != nil {
		return nil, err
	}
	if d.Text, err = s.repo.GetBody(ctx, m.TextBodyID); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *EmailService) Cancel(ctx context.Context, id string) error {
	prior, err := s.repo.CancelMessage(ctx, id, s.now().UTC())
	if err != nil {
		return err
	}
	switch prior {
	case "":
		return ErrMessageNotFound
	case models.StatusWaiting, models.StatusQueued:
		slog.Info("EmailService.Cancel: message cancelled", "id", id, "prior", prior)
		return nil
	case models.StatusCancelled:
		slog.Debug("EmailService.Cancel: message already cancelled", "id", id)
		return nil
	default:
		slog.Debug("EmailService.Cancel: message not cancellable", "id", id, "status", prior)
		return &NotCancellableError{Status: prior}
	}
}

func (s *EmailService) Events(ctx context.Context, id string) ([]models.DeliveryEvent, error) {
	evs, err := s.repo.ListEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	if evs == nil {
		evs = []models.DeliveryEvent{}
	}
	return evs, nil
}
