package escrow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"carflow/failure"
	"carflow/money"
	"carflow/outbox"
)

type recordingRail struct {
	mu    sync.Mutex
	calls []Instruction
	err   error
}

func (r *recordingRail) Notify(_ context.Context, in Instruction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, in)
	return r.err
}

func (r *recordingRail) Calls() []Instruction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Instruction(nil), r.calls...)
}

func newTestService(t *testing.T, rail PaymentRail) (*Service, *outbox.Memory) {
	t.Helper()
	ob := outbox.NewMemory()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	svc := NewService(NewMemoryStore(ob), rail).
		WithClock(func() time.Time { return now }).
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	return svc, ob
}

func openFunded(t *testing.T, svc *Service, conditions ...string) Escrow {
	t.Helper()
	ctx := context.Background()
	e, err := svc.Open(ctx, OpenParams{
		BuyerID:    "buyer-1",
		SellerID:   "seller-1",
		Amount:     money.MustNew("18500", "USD"),
		Conditions: conditions,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	e, err = svc.RecordFunding(ctx, e.ID, "operator-1")
	if err != nil {
		t.Fatalf("record funding: %v", err)
	}
	return e
}

func terminalEntries(e Escrow) int {
	n := 0
	for _, entry := range e.Audit {
		if entry.Action.Terminal() {
			n++
		}
	}
	return n
}

func TestEscrowScenarioReleaseAfterCondition(t *testing.T) {
	ctx := context.Background()
	rail := &recordingRail{}
	svc, ob := newTestService(t, rail)
	e := openFunded(t, svc, "inspection")

	_, err := svc.Release(ctx, e.ID, "buyer-1")
	if !errors.Is(err, ErrConditionsUnmet) {
		t.Fatalf("expected ErrConditionsUnmet, got %v", err)
	}
	if failure.KindOf(err) != failure.KindPrecondition {
		t.Fatalf("expected precondition kind, got %s", failure.KindOf(err))
	}

	if _, err := svc.UpdateCondition(ctx, e.ID, "inspection", true, "inspector-1"); err != nil {
		t.Fatalf("update condition: %v", err)
	}
	released, err := svc.Release(ctx, e.ID, "buyer-1")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.Status != StatusReleased {
		t.Fatalf("expected released, got %s", released.Status)
	}
	if released.Conditions[0].UpdatedBy != "inspector-1" {
		t.Fatalf("expected condition author recorded, got %+v", released.Conditions[0])
	}

	again, err := svc.Release(ctx, e.ID, "buyer-1")
	if err != nil {
		t.Fatalf("second release must succeed: %v", err)
	}
	if len(again.Audit) != len(released.Audit) || terminalEntries(again) != 1 {
		t.Fatalf("second release appended audit entries: %+v", again.Audit)
	}

	calls := rail.Calls()
	if len(calls) != 2 || calls[0].Kind != InstructionFunded || calls[1].Kind != InstructionRelease || calls[1].PayeeID != "seller-1" {
		t.Fatalf("unexpected rail instructions: %+v", calls)
	}
	if n := len(ob.Messages(TopicReleased)); n != 1 {
		t.Fatalf("expected one released event, got %d", n)
	}
}

func TestEscrowAuditTrail(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, nil)
	e := openFunded(t, svc, "inspection", "title_transfer")

	if _, err := svc.UpdateCondition(ctx, e.ID, "inspection", true, "inspector-1"); err != nil {
		t.Fatalf("update: %v", err)
	}
	// Setting the same value again records nothing.
	if _, err := svc.UpdateCondition(ctx, e.ID, "inspection", true, "inspector-1"); err != nil {
		t.Fatalf("repeat update: %v", err)
	}
	if _, err := svc.UpdateCondition(ctx, e.ID, "paint", true, "inspector-1"); !errors.Is(err, ErrUnknownCondition) {
		t.Fatalf("expected ErrUnknownCondition, got %v", err)
	}
	got, err := svc.Refund(ctx, e.ID, "seller-1")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}

	want := []Action{ActionOpened, ActionFunded, ActionConditionUpdated, ActionRefunded}
	if len(got.Audit) != len(want) {
		t.Fatalf("expected %d audit entries, got %+v", len(want), got.Audit)
	}
	for i, action := range want {
		if got.Audit[i].Action != action || got.Audit[i].Seq != i+1 {
			t.Fatalf("entry %d: expected %s seq %d, got %+v", i, action, i+1, got.Audit[i])
		}
	}
	if got.Audit[3].Actor != "seller-1" {
		t.Fatalf("expected refund actor recorded, got %q", got.Audit[3].Actor)
	}

	if _, err := svc.Release(ctx, e.ID, "buyer-1"); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("expected ErrAlreadySettled releasing a refunded escrow, got %v", err)
	}
	if _, err := svc.UpdateCondition(ctx, e.ID, "title_transfer", true, "dmv"); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("expected ErrAlreadySettled updating a settled escrow, got %v", err)
	}
}

func TestHoldBlocksRelease(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, nil)
	e := openFunded(t, svc)

	if _, err := svc.Hold(ctx, e.ID, "dispute-1", "coordinator"); err != nil {
		t.Fatalf("hold: %v", err)
	}
	if _, err := svc.Hold(ctx, e.ID, "dispute-1", "coordinator"); err != nil {
		t.Fatalf("repeat hold for the same dispute: %v", err)
	}
	if _, err := svc.Hold(ctx, e.ID, "dispute-2", "coordinator"); !errors.Is(err, ErrAlreadyHeld) {
		t.Fatalf("expected ErrAlreadyHeld, got %v", err)
	}
	_, err := svc.Release(ctx, e.ID, "buyer-1")
	if !errors.Is(err, ErrOnHold) || failure.KindOf(err) != failure.KindPrecondition {
		t.Fatalf("expected precondition ErrOnHold, got %v", err)
	}

	if _, err := svc.UpdateCondition(ctx, e.ID, "inspection", true, "inspector-1"); !errors.Is(err, ErrUnknownCondition) {
		t.Fatalf("expected held escrow to accept condition updates, got %v", err)
	}
	got, err := svc.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusHeld || got.DisputeID != "dispute-1" {
		t.Fatalf("unexpected held escrow: %+v", got)
	}

	resolved, err := svc.ResolveHold(ctx, e.ID, DirectiveRelease, "coordinator")
	if err != nil {
		t.Fatalf("resolve hold: %v", err)
	}
	if resolved.Status != StatusReleased || resolved.DisputeID != "" {
		t.Fatalf("expected released without dispute reference, got %+v", resolved)
	}
	if _, err := svc.ResolveHold(ctx, e.ID, DirectiveRelease, "coordinator"); err != nil {
		t.Fatalf("redelivered directive must be a no-op: %v", err)
	}
	if _, err := svc.ResolveHold(ctx, e.ID, DirectiveRefund, "coordinator"); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("expected ErrAlreadySettled for a conflicting directive, got %v", err)
	}
}

func TestResolveHoldOverridesUnmetConditions(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, nil)
	e := openFunded(t, svc, "inspection")

	if _, err := svc.Hold(ctx, e.ID, "dispute-1", "coordinator"); err != nil {
		t.Fatalf("hold: %v", err)
	}
	got, err := svc.ResolveHold(ctx, e.ID, DirectiveRelease, "coordinator")
	if err != nil {
		t.Fatalf("resolve hold: %v", err)
	}
	if got.Status != StatusReleased {
		t.Fatalf("expected arbitration to release, got %s", got.Status)
	}
	last := got.Audit[len(got.Audit)-1]
	if last.Action != ActionReleased || last.Note != "arbitration of dispute dispute-1" {
		t.Fatalf("unexpected terminal entry: %+v", last)
	}
}

func TestLiftHoldRestoresFunded(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, nil)
	e := openFunded(t, svc)

	if _, err := svc.Hold(ctx, e.ID, "dispute-1", "coordinator"); err != nil {
		t.Fatalf("hold: %v", err)
	}
	if _, err := svc.LiftHold(ctx, e.ID, "dispute-other", "coordinator"); err != nil {
		t.Fatalf("lift for another dispute: %v", err)
	}
	got, _ := svc.Get(ctx, e.ID)
	if got.Status != StatusHeld {
		t.Fatalf("lift for another dispute must not release the hold, got %s", got.Status)
	}

	got, err := svc.LiftHold(ctx, e.ID, "dispute-1", "coordinator")
	if err != nil {
		t.Fatalf("lift hold: %v", err)
	}
	if got.Status != StatusFunded || got.DisputeID != "" {
		t.Fatalf("expected funded without dispute, got %+v", got)
	}
	if _, err := svc.Release(ctx, e.ID, "buyer-1"); err != nil {
		t.Fatalf("release after lift: %v", err)
	}
}

func TestConcurrentTerminalCallsSettleOnce(t *testing.T) {
	ctx := context.Background()
	rail := &recordingRail{}
	svc, _ := newTestService(t, rail)
	e := openFunded(t, svc)

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			switch i % 3 {
			case 0:
				_, err = svc.Release(ctx, e.ID, "buyer-1")
			case 1:
				_, err = svc.Refund(ctx, e.ID, "seller-1")
			default:
				_, err = svc.ResolveHold(ctx, e.ID, DirectiveRefund, "coordinator")
			}
			if err != nil && !errors.Is(err, ErrAlreadySettled) {
				t.Errorf("call %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	got, err := svc.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Status.Terminal() {
		t.Fatalf("expected a terminal status, got %s", got.Status)
	}
	if n := terminalEntries(got); n != 1 {
		t.Fatalf("expected exactly one terminal audit entry, got %d", n)
	}
	settlements := 0
	for _, in := range rail.Calls() {
		if in.Kind == InstructionRelease || in.Kind == InstructionRefund {
			settlements++
		}
	}
	if settlements != 1 {
		t.Fatalf("expected one settlement instruction, got %d", settlements)
	}
}

func TestOpenIsIdempotentPerSource(t *testing.T) {
	ctx := context.Background()
	svc, ob := newTestService(t, nil)
	params := OpenParams{
		SourceRef:  "auction-1",
		BuyerID:    "buyer-1",
		SellerID:   "seller-1",
		Amount:     money.MustNew("9000", "USD"),
		Conditions: []string{"inspection", "inspection", "title_transfer"},
	}

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := svc.Open(ctx, params)
			if err != nil {
				t.Errorf("open %d: %v", i, err)
				return
			}
			ids[i] = e.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("expected one escrow per source, got %v", ids)
		}
	}
	e, err := svc.GetBySource(ctx, "auction-1")
	if err != nil {
		t.Fatalf("get by source: %v", err)
	}
	if len(e.Conditions) != 2 || e.Status != StatusPending {
		t.Fatalf("unexpected escrow: %+v", e)
	}
	if n := len(ob.Messages(TopicOpened)); n != 1 {
		t.Fatalf("expected one opened event, got %d", n)
	}
}

func TestOpenValidation(t *testing.T) {
	svc, _ := newTestService(t, nil)
	cases := []struct {
		name   string
		params OpenParams
		want   error
	}{
		{name: "same party", params: OpenParams{BuyerID: "a", SellerID: "a", Amount: money.MustNew("1", "USD")}, want: ErrInvalidEscrow},
		{name: "missing buyer", params: OpenParams{SellerID: "s", Amount: money.MustNew("1", "USD")}, want: ErrInvalidEscrow},
		{name: "no amount", params: OpenParams{BuyerID: "b", SellerID: "s"}, want: money.ErrInvalidCurrency},
		{name: "blank condition", params: OpenParams{BuyerID: "b", SellerID: "s", Amount: money.MustNew("1", "USD"), Conditions: []string{""}}, want: ErrInvalidEscrow},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Open(context.Background(), tc.params); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestFundingPreconditions(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, nil)
	e, err := svc.Open(ctx, OpenParams{BuyerID: "b", SellerID: "s", Amount: money.MustNew("1", "USD")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if _, err := svc.Release(ctx, e.ID, "b"); !errors.Is(err, ErrNotFunded) {
		t.Fatalf("expected ErrNotFunded releasing pending escrow, got %v", err)
	}
	if _, err := svc.Hold(ctx, e.ID, "d", "c"); !errors.Is(err, ErrNotFunded) {
		t.Fatalf("expected ErrNotFunded holding pending escrow, got %v", err)
	}
	if _, err := svc.UpdateCondition(ctx, e.ID, "x", true, "c"); !errors.Is(err, ErrNotFunded) {
		t.Fatalf("expected ErrNotFunded updating pending escrow, got %v", err)
	}
	if _, err := svc.RecordFunding(ctx, e.ID, "op"); err != nil {
		t.Fatalf("record funding: %v", err)
	}
	if _, err := svc.RecordFunding(ctx, e.ID, "op"); !errors.Is(err, ErrAlreadyFunded) {
		t.Fatalf("expected ErrAlreadyFunded, got %v", err)
	}
	if _, err := svc.ResolveHold(ctx, e.ID, Directive("split"), "c"); !errors.Is(err, ErrInvalidDirective) {
		t.Fatalf("expected ErrInvalidDirective, got %v", err)
	}
	if _, err := svc.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRailFailureDoesNotRollBack(t *testing.T) {
	ctx := context.Background()
	rail := &recordingRail{err: errors.New("rail timeout")}
	svc, _ := newTestService(t, rail)
	e := openFunded(t, svc)

	got, err := svc.Refund(ctx, e.ID, "seller-1")
	if err != nil {
		t.Fatalf("refund must succeed despite rail failure: %v", err)
	}
	if got.Status != StatusRefunded {
		t.Fatalf("expected refunded, got %s", got.Status)
	}
	calls := rail.Calls()
	if len(calls) != 2 || calls[1].Kind != InstructionRefund || calls[1].PayeeID != "buyer-1" {
		t.Fatalf("unexpected rail instructions: %+v", calls)
	}
}
