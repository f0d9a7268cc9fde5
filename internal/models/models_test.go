package models

import (
	"errors"
	"testing"
	"time"
)

func TestSendRequestValidate(t *testing.T) {
	base := func() SendRequest {
		return SendRequest{From: "app@example.com", To: []string{"user@example.com"}}
	}

	tests := []struct {
		name    string
		mutate  func(r *SendRequest)
		wantErr error
	}{
		{"html with subject", func(r *SendRequest) { r.Subject = "Hi"; r.HTML = "<p>hi</p>" }, nil},
		{"text with subject", func(r *SendRequest) { r.Subject = "Hi"; r.Text = "hi" }, nil},
		{"template without subject", func(r *SendRequest) { r.Template = "welcome" }, nil},
		{"html without subject", func(r *SendRequest) { r.HTML = "<p>hi</p>" }, ErrSubjectRequired},
		{"template and html", func(r *SendRequest) { r.Template = "welcome"; r.HTML = "<p>hi</p>" }, ErrContentConflict},
		{"template and text", func(r *SendRequest) { r.Template = "welcome"; r.Text = "hi"; r.Subject = "x" }, ErrContentConflict},
		{"no content", func(r *SendRequest) { r.Subject = "Hi" }, ErrMissingContent},
		{"missing from", func(r *SendRequest) { r.From = ""; r.Template = "welcome" }, ErrMissingFrom},
		{"missing to", func(r *SendRequest) { r.To = nil; r.Template = "welcome" }, ErrMissingRecipient},
		{"blank cc", func(r *SendRequest) { r.Cc = []string{" "}; r.Template = "welcome" }, ErrEmptyAddress},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := base()
			tt.mutate(&r)
			err := r.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidationMessages(t *testing.T) {
	if ErrSubjectRequired.Error() != "Subject is required when not using a template" {
		t.Errorf("unexpected subject error text: %q", ErrSubjectRequired.Error())
	}
	if ErrContentConflict.Error() != "Cannot provide both html/text and template" {
		t.Errorf("unexpected conflict error text: %q", ErrContentConflict.Error())
	}
}

func TestStatusRank(t *testing.T) {
	order := []Status{StatusWaiting, StatusQueued, StatusSent, StatusDeliveryDelayed, StatusDelivered, StatusBounced}
	for i := 1; i < len(order); i++ {
		if order[i].Rank() <= order[i-1].Rank() {
			t.Errorf("expected rank(%s) > rank(%s)", order[i], order[i-1])
		}
	}
	if StatusBounced.Rank() != StatusFailed.Rank() {
		t.Errorf("bounced and failed should share a rank")
	}
	if Status("bogus").IsValid() {
		t.Errorf("unknown status reported valid")
	}
}

func TestCanUpgrade(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusSent, StatusDelivered, true},
		{StatusSent, StatusDeliveryDelayed, true},
		{StatusDeliveryDelayed, StatusDelivered, true},
		{StatusBounced, StatusDelivered, false},
		{StatusBounced, StatusFailed, false},
		{StatusDelivered, StatusBounced, true},
		{StatusDelivered, StatusDelivered, false},
		{StatusCancelled, StatusFailed, false},
		{StatusCancelled, StatusDelivered, false},
		{StatusQueued, StatusCancelled, true},
	}
	for _, tt := range tests {
		if got := CanUpgrade(tt.from, tt.to); got != tt.want {
			t.Errorf("CanUpgrade(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestFinalize(t *testing.T) {
	m := Message{FinalizedAt: NotFinalized}
	if m.IsFinalized() {
		t.Fatal("new message should not be finalized")
	}
	first := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m.Finalize(first)
	m.Finalize(first.Add(time.Hour))
	if !m.FinalizedAt.Equal(first) {
		t.Errorf("FinalizedAt = %v, want %v", m.FinalizedAt, first)
	}
}
