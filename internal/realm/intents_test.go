package realm

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"testing"
	"time"

	"shardrealm.gg/internal/persistence/realmdb"
	"shardrealm.gg/internal/protocol"
)

func newTestProcessor(t *testing.T) (svcFixture, *IntentProcessor) {
	t.Helper()
	f := newTestService(t)
	return f, NewIntentProcessor(f.svc, log.New(io.Discard, "", 0), time.Second)
}

func TestProcessGrantXP(t *testing.T) {
	f, p := newTestProcessor(t)
	ctx := context.Background()
	mia := f.chars["mia"]

	sub, err := f.svc.SubscribeCharacter(ctx, "mia", mia.ID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Cancel()

	if _, err := f.svc.EnqueueIntent(ctx, "mia", mia.ID, IntentProgressionGrantXP, `{"amount":75}`); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	n, err := p.ProcessOnce(ctx)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if n != 1 {
		t.Fatalf("processed = %d, want 1", n)
	}

	snap, err := f.svc.Progression(ctx, "mia", mia.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Progression.XP != 75 || snap.Progression.Version != 1 {
		t.Fatalf("progression = %+v", snap.Progression)
	}

	// Subscribers get the intent result first, then the snapshot.
	var intent protocol.ProgressionIntentMsg
	if err := json.Unmarshal(<-sub.Frames(), &intent); err != nil {
		t.Fatalf("decode intent frame: %v", err)
	}
	if intent.Type != protocol.TypeProgressionIntent || intent.Payload.Status != realmdb.IntentCompleted {
		t.Fatalf("intent push = %+v", intent)
	}
	var push protocol.ProgressionMsg
	if err := json.Unmarshal(<-sub.Frames(), &push); err != nil {
		t.Fatalf("decode snapshot frame: %v", err)
	}
	if push.Payload.Progression.XP != 75 {
		t.Fatalf("snapshot push = %+v", push.Payload.Progression)
	}
}

func TestProcessInventoryGrantAndConsume(t *testing.T) {
	f, p := newTestProcessor(t)
	ctx := context.Background()
	mia := f.chars["mia"]

	for _, payload := range []string{
		`{"itemId":"bread","quantity":4}`,
		`{"itemId":"bread","quantity":1}`,
	} {
		if _, err := f.svc.EnqueueIntent(ctx, "mia", mia.ID, IntentInventoryGrant, payload); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if _, err := f.svc.EnqueueIntent(ctx, "mia", mia.ID, IntentInventoryConsume, `{"itemId":"bread","quantity":5}`); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := p.ProcessOnce(ctx); err != nil {
		t.Fatalf("process: %v", err)
	}

	// 4 granted, 1 granted, 5 consumed: the row is gone.
	snap, err := f.svc.Progression(ctx, "mia", mia.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Inventory.Items) != 0 {
		t.Fatalf("inventory = %+v", snap.Inventory.Items)
	}
}

func TestProcessRejectsBadIntents(t *testing.T) {
	f, p := newTestProcessor(t)
	ctx := context.Background()
	mia := f.chars["mia"]

	cases := []struct {
		requestType string
		payload     string
	}{
		{IntentInventoryConsume, `{"itemId":"bread","quantity":1}`},
		{IntentProgressionGrantXP, `{"amount":-5}`},
		{"time.travel", `{}`},
		{IntentQuestComplete, `{}`},
	}
	ids := make([]string, 0, len(cases))
	for _, tc := range cases {
		in, err := f.svc.EnqueueIntent(ctx, "mia", mia.ID, tc.requestType, tc.payload)
		if err != nil {
			t.Fatalf("enqueue %s: %v", tc.requestType, err)
		}
		ids = append(ids, in.ID)
	}
	if _, err := p.ProcessOnce(ctx); err != nil {
		t.Fatalf("process: %v", err)
	}
	for i, id := range ids {
		in, err := f.svc.Store().IntentByID(ctx, id)
		if err != nil {
			t.Fatalf("reload: %v", err)
		}
		if in.Status != realmdb.IntentRejected {
			t.Fatalf("case %d (%s): status = %q, want rejected", i, cases[i].requestType, in.Status)
		}
		if in.Reason == "" {
			t.Fatalf("case %d: empty rejection reason", i)
		}
	}
}

func TestProcessQuestComplete(t *testing.T) {
	f, p := newTestProcessor(t)
	ctx := context.Background()
	mia := f.chars["mia"]

	if _, err := f.svc.EnqueueIntent(ctx, "mia", mia.ID, IntentQuestComplete, `{"questId":"first-light"}`); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := p.ProcessOnce(ctx); err != nil {
		t.Fatalf("process: %v", err)
	}

	snap, err := f.svc.Progression(ctx, "mia", mia.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Quests.Quests) != 1 || snap.Quests.Quests[0].Status != "completed" {
		t.Fatalf("quests = %+v", snap.Quests.Quests)
	}
}
