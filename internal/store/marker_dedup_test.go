package store

import (
	"context"
	"testing"
	"time"

	"github.com/BTreeMap/MailPipe/internal/models"
)

func TestSQLiteStore_RunMarker(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	marker, err := s.GetRunMarker(ctx)
	if err != nil || marker != nil {
		t.Fatalf("Expected no marker, got %v, %v", marker, err)
	}

	created, err := s.CreateRunMarker(ctx)
	if err != nil || !created {
		t.Fatalf("CreateRunMarker = %v, %v", created, err)
	}
	created, err = s.CreateRunMarker(ctx)
	if err != nil || created {
		t.Fatalf("Expected second CreateRunMarker to report existing marker, got %v, %v", created, err)
	}

	if err := s.SetRunMarkerJob(ctx, "job_1"); err != nil {
		t.Fatalf("SetRunMarkerJob failed: %v", err)
	}
	marker, _ = s.GetRunMarker(ctx)
	if marker == nil || marker.JobID != "job_1" {
		t.Fatalf("Expected marker with job_1, got %+v", marker)
	}

	if err := s.DeleteRunMarker(ctx); err != nil {
		t.Fatalf("DeleteRunMarker failed: %v", err)
	}
	created, _ = s.CreateRunMarker(ctx)
	if !created {
		t.Error("Expected marker to be creatable after delete")
	}
}

func TestSQLiteStore_DeleteRunMarkerForJob(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	if _, err := s.CreateRunMarker(ctx); err != nil {
		t.Fatalf("CreateRunMarker failed: %v", err)
	}
	if err := s.SetRunMarkerJob(ctx, "job_2"); err != nil {
		t.Fatalf("SetRunMarkerJob failed: %v", err)
	}

	deleted, err := s.DeleteRunMarkerForJob(ctx, "job_1")
	if err != nil || deleted {
		t.Fatalf("Expected marker of another job to stay, got %v, %v", deleted, err)
	}
	if marker, _ := s.GetRunMarker(ctx); marker == nil {
		t.Fatal("Expected marker to survive")
	}

	deleted, err = s.DeleteRunMarkerForJob(ctx, "job_2")
	if err != nil || !deleted {
		t.Fatalf("Expected marker deleted, got %v, %v", deleted, err)
	}
	if marker, _ := s.GetRunMarker(ctx); marker != nil {
		t.Errorf("Expected no marker, got %+v", marker)
	}
}

func TestSQLiteStore_SendConfig(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	cfg := models.SendConfig{APIKey: "key", RateLimitPerSecond: 14, RetryAttempts: 5, InitialBackoffMs: 30000}
	changed, err := s.SaveSendConfig(ctx, cfg)
	if err != nil || !changed {
		t.Fatalf("SaveSendConfig = %v, %v", changed, err)
	}
	changed, _ = s.SaveSendConfig(ctx, cfg)
	if changed {
		t.Error("Expected identical config to be a no-op")
	}

	cfg.EventCallback = "https://hooks.example.com/mail"
	changed, _ = s.SaveSendConfig(ctx, cfg)
	if !changed {
		t.Error("Expected changed config to be saved")
	}
	got, err := s.GetSendConfig(ctx)
	if err != nil || got == nil {
		t.Fatalf("GetSendConfig = %v, %v", got, err)
	}
	if !got.Equal(cfg) {
		t.Errorf("Expected %+v, got %+v", cfg, *got)
	}
}

func TestSQLiteStore_DedupRepo_Basic(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	dup, err := s.IsDuplicate(ctx, "notif-1")
	if err != nil {
		t.Fatalf("IsDuplicate failed: %v", err)
	}
	if dup {
		t.Error("Expected false for new notification")
	}

	isNew, err := s.RecordInbound(ctx, "notif-1", "sns")
	if err != nil {
		t.Fatalf("RecordInbound failed: %v", err)
	}
	if !isNew {
		t.Error("Expected isNew=true for first record")
	}

	dup, _ = s.IsDuplicate(ctx, "notif-1")
	if !dup {
		t.Error("Expected true for duplicate notification")
	}

	isNew, err = s.RecordInbound(ctx, "notif-1", "sns")
	if err != nil {
		t.Fatalf("RecordInbound duplicate failed: %v", err)
	}
	if isNew {
		t.Error("Expected isNew=false for duplicate record")
	}

	if err := s.MarkProcessed(ctx, "notif-1"); err != nil {
		t.Fatalf("MarkProcessed failed: %v", err)
	}

	if err := s.ReleaseInbound(ctx, "notif-1"); err != nil {
		t.Fatalf("ReleaseInbound failed: %v", err)
	}
	isNew, err = s.RecordInbound(ctx, "notif-1", "sns")
	if err != nil || !isNew {
		t.Errorf("Expected released notification to be new again, got %v, %v", isNew, err)
	}
}

func TestSQLiteStore_DedupRepo_Prune(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	s.RecordInbound(ctx, "notif-old", "sns")
	n, err := s.PruneInboundBefore(ctx, time.Now().Add(time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("PruneInboundBefore = %d, %v", n, err)
	}
	dup, _ := s.IsDuplicate(ctx, "notif-old")
	if dup {
		t.Error("Expected pruned notification to be forgotten")
	}
}
