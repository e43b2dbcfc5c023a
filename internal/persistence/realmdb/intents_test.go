package realmdb

import (
	"context"
	"errors"
	"testing"
)

func TestIntentLifecycle(t *testing.T) {
	s := newTestStore(t)
	f := seedRealm(t, s)
	ctx := context.Background()
	mia := f.chars["mia"].ID

	first, err := s.EnqueueIntent(ctx, mia, "progression.grantXp", `{"amount":50}`)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	second, err := s.EnqueueIntent(ctx, mia, "quest.complete", `{"questId":"first-light"}`)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed, err := s.ClaimPendingIntents(ctx, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 2 || claimed[0].ID != first.ID || claimed[1].ID != second.ID {
		t.Fatalf("claimed = %+v, want oldest first", claimed)
	}
	for _, in := range claimed {
		if in.Status != IntentProcessing {
			t.Fatalf("claimed status = %q", in.Status)
		}
	}

	// A second claim finds nothing.
	again, err := s.ClaimPendingIntents(ctx, 10)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("reclaimed = %+v", again)
	}

	done, err := s.ResolveIntent(ctx, first.ID, IntentCompleted, "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if done.Status != IntentCompleted {
		t.Fatalf("status = %q", done.Status)
	}
	rejected, err := s.ResolveIntent(ctx, second.ID, IntentRejected, "unknown quest")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Reason != "unknown quest" {
		t.Fatalf("reason = %q", rejected.Reason)
	}
}

func TestIntentValidation(t *testing.T) {
	s := newTestStore(t)
	f := seedRealm(t, s)
	ctx := context.Background()

	if _, err := s.EnqueueIntent(ctx, "", "quest.complete", ""); err == nil {
		t.Fatal("expected error for missing character")
	}
	var nferr *NotFoundError
	if _, err := s.EnqueueIntent(ctx, "ghost", "quest.complete", ""); !errors.As(err, &nferr) {
		t.Fatalf("unknown character: got %v", err)
	}
	in, err := s.EnqueueIntent(ctx, f.chars["bob"].ID, "quest.complete", "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if in.PayloadJSON != "{}" {
		t.Fatalf("payload default = %q", in.PayloadJSON)
	}
	if _, err := s.ResolveIntent(ctx, in.ID, "done", ""); err == nil {
		t.Fatal("expected error for unknown resolution status")
	}
	if _, err := s.ResolveIntent(ctx, "ghost", IntentCompleted, ""); !errors.As(err, &nferr) {
		t.Fatalf("missing intent: got %v", err)
	}
}
