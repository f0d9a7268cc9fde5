package events

import (
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/MailPipe/internal/models"
)

// ComputeUpdate returns the snapshot m moves to when ev is applied at now, or (nil, false) when
// ev changes nothing. Status only moves up the rank order and never leaves cancelled; latches
// only move from false to true. m is not modified.
func ComputeUpdate(m *models.Message, ev Event, now time.Time) (*models.Message, bool) {
	next := *m
	changed := false

	upgrade := func(s models.Status) bool {
		if !models.CanUpgrade(next.Status, s) {
			return false
		}
		next.Status = s
		changed = true
		return true
	}
	latch := func(flag *bool) {
		if !*flag {
			*flag = true
			changed = true
		}
	}
	finalize := func() {
		if !next.IsFinalized() {
			next.FinalizedAt = now
			changed = true
		}
	}
	fail := func(reason string) {
		next.ErrorMessage = reason
		changed = true
	}

	switch e := ev.(type) {
	case *Send:
	case *Click:
		latch(&next.Clicked)
	case *Open:
		latch(&next.Opened)
	case *Reject:
		latch(&next.Failed)
		if upgrade(models.StatusFailed) {
			finalize()
			fail(e.Reason)
		}
	case *RenderingFailure:
		latch(&next.Failed)
		if upgrade(models.StatusFailed) {
			finalize()
			fail(e.ErrorMessage)
		}
	case *Delivery:
		if upgrade(models.StatusDelivered) {
			finalize()
		}
	case *Bounce:
		latch(&next.Bounced)
		if upgrade(models.StatusBounced) {
			finalize()
			fail(e.Reason())
		}
	case *DeliveryDelay:
		latch(&next.DeliveryDelayed)
		upgrade(models.StatusDeliveryDelayed)
	case *Complaint:
		latch(&next.Complained)
		finalize()
	default:
		panic(fmt.Sprintf("events: unhandled event type %T", ev))
	}

	if !changed {
		return nil, false
	}
	next.UpdatedAt = now
	return &next, true
}

// Detail is the human-readable audit text for ev, empty when there is nothing to add.
func Detail(ev Event) string {
	switch e := ev.(type) {
	case *Bounce:
		return e.Reason()
	case *Reject:
		return e.Reason
	case *RenderingFailure:
		if e.TemplateName != "" {
			return e.TemplateName + ": " + e.ErrorMessage
		}
		return e.ErrorMessage
	case *Delivery:
		return e.SMTPResponse
	case *DeliveryDelay:
		return joinDetail(e.DelayType, e.Recipients)
	case *Complaint:
		return joinDetail(e.FeedbackType, e.Recipients)
	case *Click:
		return e.Link
	default:
		return ""
	}
}

func joinDetail(kind string, recipients []string) string {
	if len(recipients) == 0 {
		return kind
	}
	if kind == "" {
		return strings.Join(recipients, ", ")
	}
	return kind + ": " + strings.Join(recipients, ", ")
}
