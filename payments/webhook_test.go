package payments

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"carflow/escrow"
	"carflow/failure"
	"carflow/money"
)

func testInstruction() escrow.Instruction {
	return escrow.Instruction{
		Kind:      escrow.InstructionRelease,
		EscrowID:  "escrow-1",
		SourceRef: "auction-1",
		PayerID:   "buyer-1",
		PayeeID:   "seller-1",
		Amount:    money.MustNew("18250.00", "USD"),
		At:        time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC),
	}
}

func TestWebhook_PostsInstruction(t *testing.T) {
	var (
		got     escrow.Instruction
		idemKey string
		ctype   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		idemKey = r.Header.Get("Idempotency-Key")
		ctype = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	hook := NewWebhook(srv.URL).
		WithHTTPClient(srv.Client()).
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))

	in := testInstruction()
	if err := hook.Notify(context.Background(), in); err != nil {
		t.Fatalf("notify: %v", err)
	}

	if idemKey != "escrow-1:release" {
		t.Errorf("unexpected idempotency key %q", idemKey)
	}
	if ctype != "application/json" {
		t.Errorf("unexpected content type %q", ctype)
	}
	if got.EscrowID != in.EscrowID || got.Kind != in.Kind || got.PayeeID != "seller-1" {
		t.Errorf("unexpected instruction %+v", got)
	}
	if !got.Amount.Equal(in.Amount) {
		t.Errorf("expected amount %s, got %s", in.Amount, got.Amount)
	}
}

func TestWebhook_RejectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "insufficient funds", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL).WithHTTPClient(srv.Client()).Notify(context.Background(), testInstruction())
	if !errors.Is(err, ErrRailRejected) {
		t.Fatalf("expected ErrRailRejected, got %v", err)
	}
	if failure.KindOf(err) != failure.KindCollaborator {
		t.Fatalf("expected collaborator kind, got %s", failure.KindOf(err))
	}
}

func TestWebhook_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	if err := NewWebhook(url).Notify(context.Background(), testInstruction()); err == nil {
		t.Fatal("expected error for closed endpoint")
	}
}

func TestNop_AcceptsEverything(t *testing.T) {
	n := NewNop(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := n.Notify(context.Background(), testInstruction()); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}
