package retention

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/BTreeMap/MailPipe/internal/models"
	"github.com/BTreeMap/MailPipe/internal/store"
	"github.com/BTreeMap/MailPipe/internal/testutil"
)

type call struct {
	kind      string
	args      Args
	dedupeKey string
}

type fakeRunner struct {
	calls []call
}

func (r *fakeRunner) RunAfter(ctx context.Context, delay time.Duration, kind string, payload any) (string, error) {
	return r.RunAfterOnce(ctx, delay, kind, payload, "")
}

func (r *fakeRunner) RunAfterOnce(ctx context.Context, delay time.Duration, kind string, payload any, dedupeKey string) (string, error) {
	raw, _ := json.Marshal(payload)
	var args Args
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", err
	}
	r.calls = append(r.calls, call{kind: kind, args: args, dedupeKey: dedupeKey})
	return fmt.Sprintf("job-%d", len(r.calls)), nil
}

var now = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func insertAged(t *testing.T, s *store.SQLiteStore, id string, created time.Time, finalized time.Time) {
	t.Helper()
	m := testutil.NewMessage(id, 1)
	m.CreatedAt = created
	m.FinalizedAt = finalized
	if !finalized.Equal(models.NotFinalized) {
		m.Status = models.StatusDelivered
	}
	if err := s.InsertMessage(context.Background(), m, "<p>x</p>", "x"); err != nil {
		t.Fatalf("InsertMessage failed: %v", err)
	}
}

func exists(t *testing.T, s *store.SQLiteStore, id string) bool {
	t.Helper()
	m, err := s.GetMessage(context.Background(), id)
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	return m != nil
}

func newSweeper(s *store.SQLiteStore, r *fakeRunner, opts ...Option) *Sweeper {
	return NewSweeper(s, r, append([]Option{WithClock(func() time.Time { return now })}, opts...)...)
}

func TestTrigger(t *testing.T) {
	r := &fakeRunner{}
	sw := newSweeper(testutil.NewSQLiteStore(t), r, WithFinalizedAge(48*time.Hour))
	if err := sw.Trigger(context.Background()); err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	if len(r.calls) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(r.calls))
	}
	for _, c := range r.calls {
		if c.dedupeKey != c.kind {
			t.Errorf("expected dedupe key %s, got %s", c.kind, c.dedupeKey)
		}
		switch c.kind {
		case KindFinalized:
			if c.args.olderThan() != 48*time.Hour {
				t.Errorf("unexpected finalized age %v", c.args.olderThan())
			}
		case KindAbandoned:
			if c.args.olderThan() != DefaultAbandonedAge {
				t.Errorf("unexpected abandoned age %v", c.args.olderThan())
			}
		default:
			t.Errorf("unexpected kind %s", c.kind)
		}
	}
}

func TestHandleFinalized(t *testing.T) {
	s := testutil.NewSQLiteStore(t)
	r := &fakeRunner{}
	sw := newSweeper(s, r)

	insertAged(t, s, "old-final", now.Add(-10*24*time.Hour), now.Add(-8*24*time.Hour))
	insertAged(t, s, "recent-final", now.Add(-10*24*time.Hour), now.Add(-6*24*time.Hour))
	insertAged(t, s, "open", now.Add(-10*24*time.Hour), models.NotFinalized)

	if err := sw.HandleFinalized(context.Background(), `{"older_than_ms":604800000}`); err != nil {
		t.Fatalf("HandleFinalized failed: %v", err)
	}
	if exists(t, s, "old-final") {
		t.Error("expected old finalized message deleted")
	}
	if !exists(t, s, "recent-final") || !exists(t, s, "open") {
		t.Error("expected recent and unfinalized messages kept")
	}
	if len(r.calls) != 0 {
		t.Errorf("a partial batch must not reschedule, got %+v", r.calls)
	}
}

func TestHandleAbandoned(t *testing.T) {
	s := testutil.NewSQLiteStore(t)
	r := &fakeRunner{}
	sw := newSweeper(s, r)

	insertAged(t, s, "ancient", now.Add(-31*24*time.Hour), models.NotFinalized)
	insertAged(t, s, "young", now.Add(-29*24*time.Hour), models.NotFinalized)

	if err := sw.HandleAbandoned(context.Background(), ""); err != nil {
		t.Fatalf("HandleAbandoned failed: %v", err)
	}
	if exists(t, s, "ancient") || !exists(t, s, "young") {
		t.Error("expected only the message older than 30 days deleted")
	}
}

func TestFullBatchReschedules(t *testing.T) {
	s := testutil.NewSQLiteStore(t)
	r := &fakeRunner{}
	sw := newSweeper(s, r, WithBatchLimit(2))
	for i := 0; i < 3; i++ {
		insertAged(t, s, fmt.Sprintf("m%d", i), now.Add(-40*24*time.Hour), now.Add(-20*24*time.Hour))
	}

	if err := sw.HandleFinalized(context.Background(), ""); err != nil {
		t.Fatalf("HandleFinalized failed: %v", err)
	}
	if len(r.calls) != 1 || r.calls[0].kind != KindFinalized || r.calls[0].args.olderThan() != DefaultFinalizedAge {
		t.Fatalf("expected one continuation, got %+v", r.calls)
	}

	if err := sw.HandleFinalized(context.Background(), ""); err != nil {
		t.Fatalf("second HandleFinalized failed: %v", err)
	}
	if len(r.calls) != 1 {
		t.Errorf("expected the chain to stop after a partial batch, got %d calls", len(r.calls))
	}
	for i := 0; i < 3; i++ {
		if exists(t, s, fmt.Sprintf("m%d", i)) {
			t.Errorf("expected m%d deleted", i)
		}
	}
}

func TestBadPayloadIsPermanent(t *testing.T) {
	sw := newSweeper(testutil.NewSQLiteStore(t), &fakeRunner{})
	if err := sw.HandleAbandoned(context.Background(), "{"); !errors.Is(err, store.ErrNoRetry) {
		t.Errorf("expected ErrNoRetry, got %v", err)
	}
}

func TestHandleFinalizedPrunesDedupRecords(t *testing.T) {
	s := testutil.NewSQLiteStore(t)
	ctx := context.Background()
	if _, err := s.RecordInbound(ctx, "n-1", "sns"); err != nil {
		t.Fatalf("RecordInbound failed: %v", err)
	}

	// Records are received "now" in wall-clock time; a clock far ahead makes them expired.
	sw := NewSweeper(s, &fakeRunner{}, WithClock(func() time.Time { return time.Now().Add(30 * 24 * time.Hour) }))
	if err := sw.HandleFinalized(ctx, ""); err != nil {
		t.Fatalf("HandleFinalized failed: %v", err)
	}
	dup, err := s.IsDuplicate(ctx, "n-1")
	if err != nil || dup {
		t.Errorf("expected the dedup record pruned, got %v %v", dup, err)
	}
}
