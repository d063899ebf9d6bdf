package dispute

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"carflow/failure"
	"carflow/outbox"
)

type fakeEscrows struct {
	mu      sync.Mutex
	buyer   string
	seller  string
	holdErr error
	held    map[string]string
	lifted  []string
}

func newFakeEscrows() *fakeEscrows {
	return &fakeEscrows{buyer: "buyer-1", seller: "seller-1", held: make(map[string]string)}
}

func (f *fakeEscrows) Parties(_ context.Context, escrowID string) (string, string, error) {
	if escrowID == "missing" {
		return "", "", errors.New("escrow not found")
	}
	return f.buyer, f.seller, nil
}

func (f *fakeEscrows) Hold(_ context.Context, escrowID, disputeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.holdErr != nil {
		return f.holdErr
	}
	f.held[escrowID] = disputeID
	return nil
}

func (f *fakeEscrows) LiftHold(_ context.Context, escrowID, disputeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[escrowID] == disputeID {
		delete(f.held, escrowID)
	}
	f.lifted = append(f.lifted, disputeID)
	return nil
}

// failingCreateStore wraps a store whose Create always fails.
type failingCreateStore struct {
	*MemoryStore
}

func (failingCreateStore) Create(context.Context, Record, []outbox.Message) error {
	return errors.New("connection reset")
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestService(t *testing.T, store Store, escrows Escrows, policy Policy) (*Service, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)}
	svc := NewService(store, escrows, policy).
		WithClock(clock.Now).
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	return svc, clock
}

func fileDispute(t *testing.T, svc *Service) Record {
	t.Helper()
	rec, err := svc.File(context.Background(), FileParams{
		InitiatorID: "buyer-1",
		DefendantID: "seller-1",
		EscrowID:    "escrow-1",
		Reason:      "odometer rolled back",
	})
	if err != nil {
		t.Fatalf("file: %v", err)
	}
	return rec
}

func TestDisputeScenarioQuorumResolves(t *testing.T) {
	ctx := context.Background()
	ob := outbox.NewMemory()
	escrows := newFakeEscrows()
	svc, _ := newTestService(t, NewMemoryStore(ob), escrows, DefaultPolicy())

	d := fileDispute(t, svc)
	if escrows.held["escrow-1"] != d.ID {
		t.Fatalf("expected escrow held by %s, got %v", d.ID, escrows.held)
	}
	if n := len(ob.Messages(TopicFiled)); n != 1 {
		t.Fatalf("expected one filed event, got %d", n)
	}

	if _, err := svc.AssignJudges(ctx, d.ID, []string{"judge-1", "judge-2", "judge-3"}); err != nil {
		t.Fatalf("assign judges: %v", err)
	}
	if _, err := svc.CastVote(ctx, d.ID, "judge-1", OutcomeFavorInitiator, "mileage records disagree"); err != nil {
		t.Fatalf("vote 1: %v", err)
	}
	rec, err := svc.CastVote(ctx, d.ID, "judge-2", OutcomeFavorInitiator, "")
	if err != nil {
		t.Fatalf("vote 2: %v", err)
	}
	if rec.Status != StatusResolved || rec.Outcome == nil || *rec.Outcome != OutcomeFavorInitiator {
		t.Fatalf("expected resolution in favor of initiator, got %+v", rec)
	}
	if rec.Votes[0].Reason != "mileage records disagree" {
		t.Fatalf("expected vote reason kept, got %+v", rec.Votes[0])
	}

	_, err = svc.CastVote(ctx, d.ID, "judge-3", OutcomeFavorDefendant, "")
	if !errors.Is(err, ErrDisputeResolved) || failure.KindOf(err) != failure.KindPrecondition {
		t.Fatalf("expected ErrDisputeResolved, got %v", err)
	}

	events := ob.Messages(TopicResolved)
	if len(events) != 1 {
		t.Fatalf("expected one resolved event, got %d", len(events))
	}
	var ev ResolvedEvent
	if err := events[0].Decode(&ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.EscrowID != "escrow-1" || ev.Outcome != OutcomeFavorInitiator || ev.InitiatorID != "buyer-1" {
		t.Fatalf("unexpected resolved event: %+v", ev)
	}
}

func TestConcurrentVotesResolveOnce(t *testing.T) {
	ctx := context.Background()
	ob := outbox.NewMemory()
	policy := Policy{PanelSize: 7, Quorum: 4}
	svc, _ := newTestService(t, NewMemoryStore(ob), newFakeEscrows(), policy)
	d := fileDispute(t, svc)

	judges := make([]string, 7)
	for i := range judges {
		judges[i] = fmt.Sprintf("judge-%d", i)
	}
	if _, err := svc.AssignJudges(ctx, d.ID, judges); err != nil {
		t.Fatalf("assign: %v", err)
	}

	var wg sync.WaitGroup
	for _, j := range judges {
		wg.Add(1)
		go func(judge string) {
			defer wg.Done()
			_, err := svc.CastVote(ctx, d.ID, judge, OutcomeFavorDefendant, "")
			if err != nil && !errors.Is(err, ErrDisputeResolved) {
				t.Errorf("vote %s: %v", judge, err)
			}
		}(j)
	}
	wg.Wait()

	rec, err := svc.Get(ctx, d.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(rec.Votes) != policy.Quorum {
		t.Fatalf("expected exactly %d recorded votes, got %d", policy.Quorum, len(rec.Votes))
	}
	seen := map[string]bool{}
	for _, v := range rec.Votes {
		if seen[v.JudgeID] || !rec.IsJudge(v.JudgeID) {
			t.Fatalf("vote integrity violated: %+v", rec.Votes)
		}
		seen[v.JudgeID] = true
	}
	if n := len(ob.Messages(TopicResolved)); n != 1 {
		t.Fatalf("expected resolution to run once, got %d events", n)
	}
}

func TestFileValidation(t *testing.T) {
	svc, _ := newTestService(t, NewMemoryStore(nil), newFakeEscrows(), DefaultPolicy())
	cases := []struct {
		name   string
		params FileParams
		want   error
	}{
		{name: "stranger", params: FileParams{InitiatorID: "buyer-1", DefendantID: "someone", EscrowID: "escrow-1", Reason: "x"}, want: ErrInvalidParty},
		{name: "same party twice", params: FileParams{InitiatorID: "buyer-1", DefendantID: "buyer-1", EscrowID: "escrow-1", Reason: "x"}, want: ErrInvalidParty},
		{name: "no reason", params: FileParams{InitiatorID: "buyer-1", DefendantID: "seller-1", EscrowID: "escrow-1"}, want: ErrInvalidDispute},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.File(context.Background(), tc.params); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	// Seller may file against the buyer too.
	if _, err := svc.File(context.Background(), FileParams{InitiatorID: "seller-1", DefendantID: "buyer-1", EscrowID: "escrow-1", Reason: "chargeback"}); err != nil {
		t.Fatalf("seller filing: %v", err)
	}
}

func TestFileLiftsHoldWhenCreateFails(t *testing.T) {
	escrows := newFakeEscrows()
	svc, _ := newTestService(t, failingCreateStore{NewMemoryStore(nil)}, escrows, DefaultPolicy())

	_, err := svc.File(context.Background(), FileParams{InitiatorID: "buyer-1", DefendantID: "seller-1", EscrowID: "escrow-1", Reason: "x"})
	if err == nil {
		t.Fatal("expected file to fail")
	}
	if len(escrows.held) != 0 || len(escrows.lifted) != 1 {
		t.Fatalf("expected the hold to be lifted, held=%v lifted=%v", escrows.held, escrows.lifted)
	}
}

func TestFileFailsWhenHoldRejected(t *testing.T) {
	escrows := newFakeEscrows()
	escrows.holdErr = errors.New("escrow: already held by a dispute")
	store := NewMemoryStore(nil)
	svc, _ := newTestService(t, store, escrows, DefaultPolicy())

	if _, err := svc.File(context.Background(), FileParams{InitiatorID: "buyer-1", DefendantID: "seller-1", EscrowID: "escrow-1", Reason: "x"}); err == nil {
		t.Fatal("expected hold failure to reject the dispute")
	}
	if stale, _ := store.ListStale(context.Background(), time.Now().Add(time.Hour), 0); len(stale) != 0 {
		t.Fatalf("no dispute may be recorded without its hold, got %d", len(stale))
	}
}

func TestAssignJudgesRules(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, NewMemoryStore(nil), newFakeEscrows(), DefaultPolicy())
	d := fileDispute(t, svc)

	if _, err := svc.CastVote(ctx, d.ID, "judge-1", OutcomeNeutral, ""); !errors.Is(err, ErrNotVoting) {
		t.Fatalf("expected ErrNotVoting before panel, got %v", err)
	}
	if _, err := svc.AssignJudges(ctx, d.ID, []string{"judge-1", "seller-1", "judge-2"}); !errors.Is(err, ErrConflictOfInterest) {
		t.Fatalf("expected ErrConflictOfInterest, got %v", err)
	}
	if _, err := svc.AssignJudges(ctx, d.ID, []string{"judge-1", "judge-1", "judge-2"}); !errors.Is(err, ErrPanelTooSmall) {
		t.Fatalf("expected duplicates collapsed into ErrPanelTooSmall, got %v", err)
	}
	rec, err := svc.AssignJudges(ctx, d.ID, []string{"judge-1", "judge-2", "judge-3", "judge-2"})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if rec.Status != StatusVoting || len(rec.Judges) != 3 {
		t.Fatalf("unexpected panel: %+v", rec)
	}
	if _, err := svc.AssignJudges(ctx, d.ID, []string{"judge-4", "judge-5", "judge-6"}); !errors.Is(err, ErrBadStatus) {
		t.Fatalf("expected ErrBadStatus reassigning, got %v", err)
	}

	if _, err := svc.CastVote(ctx, d.ID, "judge-9", OutcomeNeutral, ""); !errors.Is(err, ErrNotAssigned) {
		t.Fatalf("expected ErrNotAssigned, got %v", err)
	}
	if _, err := svc.CastVote(ctx, d.ID, "judge-1", Outcome("split"), ""); !errors.Is(err, ErrInvalidVote) {
		t.Fatalf("expected ErrInvalidVote, got %v", err)
	}
	if _, err := svc.CastVote(ctx, d.ID, "judge-1", OutcomeNeutral, ""); err != nil {
		t.Fatalf("vote: %v", err)
	}
	if _, err := svc.CastVote(ctx, d.ID, "judge-1", OutcomeFavorDefendant, ""); !errors.Is(err, ErrDuplicateVote) {
		t.Fatalf("expected ErrDuplicateVote, got %v", err)
	}
}

func TestSplitVoteResolvesNeutral(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, NewMemoryStore(nil), newFakeEscrows(), Policy{PanelSize: 4, Quorum: 4})
	d := fileDispute(t, svc)
	if _, err := svc.AssignJudges(ctx, d.ID, []string{"j1", "j2", "j3", "j4"}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	decisions := []Outcome{OutcomeFavorInitiator, OutcomeFavorDefendant, OutcomeFavorInitiator, OutcomeFavorDefendant}
	var rec Record
	for i, decision := range decisions {
		var err error
		rec, err = svc.CastVote(ctx, d.ID, fmt.Sprintf("j%d", i+1), decision, "")
		if err != nil {
			t.Fatalf("vote %d: %v", i, err)
		}
	}
	if rec.Outcome == nil || *rec.Outcome != OutcomeNeutral {
		t.Fatalf("expected a tie to resolve neutral, got %+v", rec.Outcome)
	}
}

func TestTally(t *testing.T) {
	v := func(decisions ...Outcome) []Vote {
		out := make([]Vote, len(decisions))
		for i, d := range decisions {
			out[i] = Vote{JudgeID: fmt.Sprintf("j%d", i), Decision: d}
		}
		return out
	}
	cases := []struct {
		name  string
		votes []Vote
		want  Outcome
	}{
		{name: "majority initiator", votes: v(OutcomeFavorInitiator, OutcomeFavorInitiator, OutcomeFavorDefendant), want: OutcomeFavorInitiator},
		{name: "plurality defendant", votes: v(OutcomeFavorDefendant, OutcomeFavorDefendant, OutcomeNeutral, OutcomeFavorInitiator), want: OutcomeFavorDefendant},
		{name: "three way tie", votes: v(OutcomeFavorInitiator, OutcomeFavorDefendant, OutcomeNeutral), want: OutcomeNeutral},
		{name: "no votes", votes: nil, want: OutcomeNeutral},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Tally(tc.votes); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestEscalate(t *testing.T) {
	ctx := context.Background()
	ob := outbox.NewMemory()
	policy := DefaultPolicy()
	policy.Timeout = 72 * time.Hour
	svc, clock := newTestService(t, NewMemoryStore(ob), newFakeEscrows(), policy)
	d := fileDispute(t, svc)

	if _, err := svc.Escalate(ctx, d.ID); !errors.Is(err, ErrNotStale) {
		t.Fatalf("expected ErrNotStale, got %v", err)
	}
	if stale, err := svc.ListStale(ctx, 10); err != nil || len(stale) != 0 {
		t.Fatalf("expected nothing stale yet, got %d (%v)", len(stale), err)
	}

	clock.Advance(73 * time.Hour)
	stale, err := svc.ListStale(ctx, 10)
	if err != nil || len(stale) != 1 {
		t.Fatalf("expected one stale dispute, got %d (%v)", len(stale), err)
	}
	rec, err := svc.Escalate(ctx, d.ID)
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if !rec.Escalated || rec.Status != StatusResolved || *rec.Outcome != OutcomeNeutral {
		t.Fatalf("unexpected escalated dispute: %+v", rec)
	}
	if _, err := svc.Escalate(ctx, d.ID); err != nil {
		t.Fatalf("escalating a resolved dispute must be a no-op: %v", err)
	}
	if n := len(ob.Messages(TopicResolved)); n != 1 {
		t.Fatalf("expected one resolved event, got %d", n)
	}

	disabled, _ := newTestService(t, NewMemoryStore(nil), newFakeEscrows(), DefaultPolicy())
	if _, err := disabled.Escalate(ctx, d.ID); !errors.Is(err, ErrEscalationDisabled) {
		t.Fatalf("expected ErrEscalationDisabled, got %v", err)
	}
}

func TestMessageThreadVisibility(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, NewMemoryStore(outbox.NewMemory()), newFakeEscrows(), DefaultPolicy())
	d := fileDispute(t, svc)
	if _, err := svc.AssignJudges(ctx, d.ID, []string{"judge-1", "judge-2", "judge-3"}); err != nil {
		t.Fatalf("assign judges: %v", err)
	}

	if _, err := svc.AddMessage(ctx, MessageParams{DisputeID: d.ID, AuthorID: "buyer-1", Body: "service history attached", Attachments: []string{"doc-1", "doc-1", "doc-2"}}); err != nil {
		t.Fatalf("buyer post: %v", err)
	}
	if _, err := svc.AddMessage(ctx, MessageParams{DisputeID: d.ID, AuthorID: "judge-1", Body: "odometer photo looks edited", Internal: true}); err != nil {
		t.Fatalf("judge note: %v", err)
	}
	if _, err := svc.AddMessage(ctx, MessageParams{DisputeID: d.ID, AuthorID: "arbiter-9", Body: "panel please check the title scan", Internal: true, Moderator: true}); err != nil {
		t.Fatalf("moderator note: %v", err)
	}

	cases := []struct {
		name      string
		viewer    string
		moderator bool
		want      int
		wantErr   error
	}{
		{name: "party", viewer: "seller-1", want: 1},
		{name: "judge", viewer: "judge-2", want: 3},
		{name: "moderator", viewer: "arbiter-9", moderator: true, want: 3},
		{name: "stranger", viewer: "bidder-4", wantErr: ErrNotParticipant},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := svc.Messages(ctx, d.ID, tc.viewer, tc.moderator)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("messages: %v", err)
			}
			if len(got) != tc.want {
				t.Fatalf("expected %d messages, got %+v", tc.want, got)
			}
			if got[0].AuthorID != "buyer-1" || len(got[0].Attachments) != 2 {
				t.Fatalf("unexpected first message: %+v", got[0])
			}
		})
	}
}

func TestAddMessageRules(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, NewMemoryStore(outbox.NewMemory()), newFakeEscrows(), DefaultPolicy())
	d := fileDispute(t, svc)

	cases := []struct {
		name    string
		params  MessageParams
		wantErr error
	}{
		{name: "empty", params: MessageParams{DisputeID: d.ID, AuthorID: "buyer-1", Body: "   "}, wantErr: ErrInvalidMessage},
		{name: "no author", params: MessageParams{DisputeID: d.ID, Body: "hello"}, wantErr: ErrInvalidMessage},
		{name: "stranger", params: MessageParams{DisputeID: d.ID, AuthorID: "bidder-4", Body: "I saw the car"}, wantErr: ErrNotParticipant},
		{name: "party internal note", params: MessageParams{DisputeID: d.ID, AuthorID: "seller-1", Body: "judges only", Internal: true}, wantErr: ErrInternalNote},
		{name: "unknown dispute", params: MessageParams{DisputeID: "dispute-x", AuthorID: "buyer-1", Body: "hello"}, wantErr: ErrNotFound},
		{name: "attachment only", params: MessageParams{DisputeID: d.ID, AuthorID: "seller-1", Attachments: []string{"doc-3"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.AddMessage(ctx, tc.params)
			if tc.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
	if err := func() error {
		_, err := svc.AddMessage(ctx, MessageParams{DisputeID: d.ID, AuthorID: "bidder-4", Body: "x"})
		return err
	}(); failure.KindOf(err) != failure.KindForbidden {
		t.Fatalf("expected forbidden kind, got %v", failure.KindOf(err))
	}

	if _, err := svc.Moot(ctx, d.ID, OutcomeFavorInitiator); err != nil {
		t.Fatalf("moot: %v", err)
	}
	_, err := svc.AddMessage(ctx, MessageParams{DisputeID: d.ID, AuthorID: "buyer-1", Body: "one more thing"})
	if !errors.Is(err, ErrDisputeResolved) {
		t.Fatalf("expected ErrDisputeResolved, got %v", err)
	}
}

func TestMootResolvesOnce(t *testing.T) {
	ctx := context.Background()
	ob := outbox.NewMemory()
	svc, _ := newTestService(t, NewMemoryStore(ob), newFakeEscrows(), DefaultPolicy())
	d := fileDispute(t, svc)
	if _, err := svc.AssignJudges(ctx, d.ID, []string{"judge-1", "judge-2", "judge-3"}); err != nil {
		t.Fatalf("assign judges: %v", err)
	}
	if _, err := svc.CastVote(ctx, d.ID, "judge-1", OutcomeFavorDefendant, ""); err != nil {
		t.Fatalf("vote: %v", err)
	}

	if _, err := svc.Moot(ctx, d.ID, Outcome("maybe")); !errors.Is(err, ErrInvalidDispute) {
		t.Fatalf("expected ErrInvalidDispute, got %v", err)
	}
	rec, err := svc.Moot(ctx, d.ID, OutcomeFavorInitiator)
	if err != nil {
		t.Fatalf("moot: %v", err)
	}
	if rec.Status != StatusResolved || !rec.Mooted || rec.Outcome == nil || *rec.Outcome != OutcomeFavorInitiator {
		t.Fatalf("expected mooted resolution, got %+v", rec)
	}
	if _, err := svc.Moot(ctx, d.ID, OutcomeFavorDefendant); err != nil {
		t.Fatalf("second moot: %v", err)
	}
	if _, err := svc.CastVote(ctx, d.ID, "judge-2", OutcomeFavorDefendant, ""); !errors.Is(err, ErrDisputeResolved) {
		t.Fatalf("expected ErrDisputeResolved, got %v", err)
	}

	events := ob.Messages(TopicResolved)
	if len(events) != 1 {
		t.Fatalf("expected one resolved event, got %d", len(events))
	}
	var ev ResolvedEvent
	if err := events[0].Decode(&ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !ev.Mooted || ev.Outcome != OutcomeFavorInitiator {
		t.Fatalf("unexpected resolved event: %+v", ev)
	}
}
