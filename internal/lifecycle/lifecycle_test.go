package lifecycle

import (
	"testing"
	"time"

	"aidbeacon.org/beacon/internal/db"
)

func TestCanTransition_AllowedEdges(t *testing.T) {
	t.Parallel()

	allowed := [][2]string{
		{db.ResourceStatusPendingApproval, db.ResourceStatusActive},
		{db.ResourceStatusPendingApproval, db.ResourceStatusRejected},
		{db.ResourceStatusPendingApproval, db.ResourceStatusMerged},
		{db.ResourceStatusActive, db.ResourceStatusExpired},
		{db.ResourceStatusActive, db.ResourceStatusDisappeared},
		{db.ResourceStatusActive, db.ResourceStatusMerged},
		{db.ResourceStatusDisappeared, db.ResourceStatusActive},
		{db.ResourceStatusDisappeared, db.ResourceStatusArchived},
	}
	for _, edge := range allowed {
		if !CanTransition(edge[0], edge[1]) {
			t.Fatalf("expected %s -> %s to be allowed", edge[0], edge[1])
		}
	}
}

func TestCanTransition_TerminalStatesHaveNoExits(t *testing.T) {
	t.Parallel()

	terminals := []string{
		db.ResourceStatusRejected,
		db.ResourceStatusExpired,
		db.ResourceStatusArchived,
		db.ResourceStatusMerged,
	}
	targets := []string{
		db.ResourceStatusPendingApproval,
		db.ResourceStatusActive,
		db.ResourceStatusDisappeared,
	}
	for _, from := range terminals {
		if !IsTerminal(from) {
			t.Fatalf("expected %s to be terminal", from)
		}
		for _, to := range targets {
			if CanTransition(from, to) {
				t.Fatalf("did not expect %s -> %s", from, to)
			}
		}
	}
}

func TestCanTransition_NoSkippingReview(t *testing.T) {
	t.Parallel()

	if CanTransition(db.ResourceStatusPendingApproval, db.ResourceStatusExpired) {
		t.Fatalf("pending resources must not expire without approval")
	}
	if CanTransition(db.ResourceStatusPendingApproval, db.ResourceStatusDisappeared) {
		t.Fatalf("pending resources must not transition to disappeared")
	}
}

func TestTTLPolicy_ExpiryByUrgency(t *testing.T) {
	t.Parallel()

	policy := TTLPolicy{UrgentDays: 7, NormalDays: 30}
	approvedAt := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	urgent := policy.ExpiryFor(db.UrgencyUrgent, approvedAt)
	if got := urgent.Sub(approvedAt); got != 7*24*time.Hour {
		t.Fatalf("unexpected urgent TTL: %v", got)
	}

	normal := policy.ExpiryFor(db.UrgencyNormal, approvedAt)
	if got := normal.Sub(approvedAt); got != 30*24*time.Hour {
		t.Fatalf("unexpected normal TTL: %v", got)
	}

	unknown := policy.ExpiryFor("someday", approvedAt)
	if !unknown.Equal(normal) {
		t.Fatalf("unknown urgency should fall back to the normal TTL")
	}
}

func TestTTLPolicy_ZeroValuesFallBackToDefaults(t *testing.T) {
	t.Parallel()

	var policy TTLPolicy
	approvedAt := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	if got := policy.ExpiryFor(db.UrgencyUrgent, approvedAt).Sub(approvedAt); got != 7*24*time.Hour {
		t.Fatalf("unexpected default urgent TTL: %v", got)
	}
	if got := policy.ExpiryFor(db.UrgencyNormal, approvedAt).Sub(approvedAt); got != 30*24*time.Hour {
		t.Fatalf("unexpected default normal TTL: %v", got)
	}
}
