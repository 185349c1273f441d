package match

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	payloadschema "aidbeacon.org/beacon/schema"
)

// fakeDeliveryTx scripts one notification transaction.
type fakeDeliveryTx struct {
	memberFound bool
	recentCount int
	insertOK    bool

	sinceSeen  time.Time
	sentAtSeen time.Time
	inserted   bool
	committed  bool
	rolledBack bool
}

func (f *fakeDeliveryTx) LockMember(ctx context.Context, memberID int64) (bool, error) {
	return f.memberFound, nil
}

func (f *fakeDeliveryTx) NotificationsSince(ctx context.Context, memberID int64, since time.Time) (int, error) {
	f.sinceSeen = since
	return f.recentCount, nil
}

func (f *fakeDeliveryTx) InsertNotification(ctx context.Context, resourceID int64, member relevantMember, sentAt time.Time) (bool, error) {
	f.sentAtSeen = sentAt
	if f.insertOK {
		f.inserted = true
	}
	return f.insertOK, nil
}

func (f *fakeDeliveryTx) Commit(ctx context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeDeliveryTx) Rollback(ctx context.Context) error {
	if !f.committed {
		f.rolledBack = true
	}
	return nil
}

func newDeliveryEngine(dtx *fakeDeliveryTx) *Engine {
	e := &Engine{
		logger: zerolog.Nop(),
		cfg:    Config{RetrievalLimit: 20, BatchLimit: 5, WeeklyCap: 3, JudgeMaxAttempts: 3},
	}
	e.beginDelivery = func(ctx context.Context) (deliveryTx, error) { return dtx, nil }
	return e
}

func relevantFixture(id int64) relevantMember {
	return relevantMember{
		memberCandidate: memberCandidate{MemberID: id, Name: "member", Profile: "profile", Similarity: 0.9},
		Reason:          "needs housing help",
	}
}

func members(ids ...int64) []memberCandidate {
	out := make([]memberCandidate, 0, len(ids))
	for i, id := range ids {
		out = append(out, memberCandidate{
			MemberID:   id,
			Name:       "member",
			Profile:    "profile",
			Similarity: 0.9 - float64(i)*0.1,
		})
	}
	return out
}

func TestFilterRelevantKeepsOnlyRelevant(t *testing.T) {
	t.Parallel()

	verdicts := []payloadschema.JudgeVerdict{
		{MemberID: 1, IsRelevant: true, Reason: "needs food aid"},
		{MemberID: 2, IsRelevant: false, Reason: "unrelated"},
		{MemberID: 3, IsRelevant: true, Reason: "asked for legal help"},
	}

	relevant, err := filterRelevant(members(1, 2, 3), verdicts)
	if err != nil {
		t.Fatalf("filterRelevant returned error: %v", err)
	}
	if len(relevant) != 2 {
		t.Fatalf("expected 2 relevant members, got %d", len(relevant))
	}
	if relevant[0].MemberID != 1 || relevant[1].MemberID != 3 {
		t.Errorf("unexpected members: %+v", relevant)
	}
	if relevant[0].Reason != "needs food aid" {
		t.Errorf("reason not carried: %q", relevant[0].Reason)
	}
}

func TestFilterRelevantRejectsUnknownMember(t *testing.T) {
	t.Parallel()

	verdicts := []payloadschema.JudgeVerdict{
		{MemberID: 99, IsRelevant: true, Reason: "hallucinated"},
	}
	if _, err := filterRelevant(members(1, 2), verdicts); err == nil {
		t.Fatal("expected error for verdict on unknown member")
	}
}

func TestOrderForDelivery(t *testing.T) {
	t.Parallel()

	relevant := []relevantMember{
		{memberCandidate: memberCandidate{MemberID: 1, Similarity: 0.70}},
		{memberCandidate: memberCandidate{MemberID: 2, Similarity: 0.95}},
		{memberCandidate: memberCandidate{MemberID: 3, Similarity: 0.80}},
	}

	ordered := orderForDelivery(relevant)
	if ordered[0].MemberID != 2 || ordered[1].MemberID != 3 || ordered[2].MemberID != 1 {
		t.Fatalf("unexpected order: %+v", ordered)
	}
	// Input must stay untouched.
	if relevant[0].MemberID != 1 {
		t.Error("orderForDelivery mutated its input")
	}
}

func TestNotifyMemberDeliversUnderQuota(t *testing.T) {
	t.Parallel()

	dtx := &fakeDeliveryTx{memberFound: true, recentCount: 2, insertOK: true}
	sent, err := newDeliveryEngine(dtx).notifyMember(context.Background(), 7, relevantFixture(1))
	if err != nil {
		t.Fatalf("notifyMember returned error: %v", err)
	}
	if !sent {
		t.Fatal("expected delivery under quota")
	}
	if !dtx.inserted || !dtx.committed {
		t.Errorf("expected insert and commit, got inserted=%v committed=%v", dtx.inserted, dtx.committed)
	}
}

func TestNotifyMemberSkipsOverQuota(t *testing.T) {
	t.Parallel()

	dtx := &fakeDeliveryTx{memberFound: true, recentCount: 3, insertOK: true}
	sent, err := newDeliveryEngine(dtx).notifyMember(context.Background(), 7, relevantFixture(1))
	if err != nil {
		t.Fatalf("notifyMember returned error: %v", err)
	}
	if sent {
		t.Fatal("expected skip at quota")
	}
	if dtx.inserted || dtx.committed {
		t.Errorf("over-quota member must not be charged: inserted=%v committed=%v", dtx.inserted, dtx.committed)
	}
	if !dtx.rolledBack {
		t.Error("expected transaction rollback")
	}
}

// The quota counts notifications inside a trailing seven-day window, so three
// sends late Sunday still block a fourth early Monday.
func TestNotifyMemberQuotaWindowIsRolling(t *testing.T) {
	t.Parallel()

	dtx := &fakeDeliveryTx{memberFound: true, recentCount: 0, insertOK: true}
	if _, err := newDeliveryEngine(dtx).notifyMember(context.Background(), 7, relevantFixture(1)); err != nil {
		t.Fatalf("notifyMember returned error: %v", err)
	}

	sentSunday := dtx.sentAtSeen.Add(-26 * time.Hour)
	if !sentSunday.After(dtx.sinceSeen) {
		t.Errorf("a notification 26h old must count against the window: sent=%v since=%v", sentSunday, dtx.sinceSeen)
	}
	sentLastWeek := dtx.sentAtSeen.Add(-8 * 24 * time.Hour)
	if !sentLastWeek.Before(dtx.sinceSeen) {
		t.Errorf("a notification 8d old must fall outside the window: sent=%v since=%v", sentLastWeek, dtx.sinceSeen)
	}
	if got, want := dtx.sentAtSeen.Sub(dtx.sinceSeen), quotaWindow; got != want {
		t.Errorf("window span = %v, want %v", got, want)
	}
}

func TestNotifyMemberRollsBackDuplicate(t *testing.T) {
	t.Parallel()

	dtx := &fakeDeliveryTx{memberFound: true, recentCount: 0, insertOK: false}
	sent, err := newDeliveryEngine(dtx).notifyMember(context.Background(), 7, relevantFixture(1))
	if err != nil {
		t.Fatalf("notifyMember returned error: %v", err)
	}
	if sent {
		t.Fatal("duplicate notification must not report as sent")
	}
	if dtx.committed {
		t.Error("duplicate insert must roll back, not commit")
	}
	if !dtx.rolledBack {
		t.Error("expected transaction rollback")
	}
}

func TestNotifyMemberSkipsInactiveMember(t *testing.T) {
	t.Parallel()

	dtx := &fakeDeliveryTx{memberFound: false}
	sent, err := newDeliveryEngine(dtx).notifyMember(context.Background(), 7, relevantFixture(1))
	if err != nil {
		t.Fatalf("notifyMember returned error: %v", err)
	}
	if sent || dtx.committed {
		t.Errorf("missing member must not be notified: sent=%v committed=%v", sent, dtx.committed)
	}
}

func TestJudgeSystemPromptErrsTowardInclusion(t *testing.T) {
	t.Parallel()

	if !strings.Contains(judgeSystemPrompt, "err toward inclusion") {
		t.Error("judge instructions must favor inclusion on borderline members")
	}
	if strings.Contains(strings.ToLower(judgeSystemPrompt), "be conservative") {
		t.Error("judge instructions must not ask for conservative rulings")
	}
}

func TestJudgePromptListsEveryMember(t *testing.T) {
	t.Parallel()

	resource := claimedResource{
		ResourceID:  7,
		Title:       "Free dental clinic",
		Description: "Walk-in dental care every Saturday.",
		Urgency:     "normal",
	}
	prompt := judgePrompt(resource, members(10, 11, 12))

	if !strings.Contains(prompt, "Free dental clinic") {
		t.Error("prompt missing resource title")
	}
	for _, want := range []string{"member_id 10", "member_id 11", "member_id 12"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}
