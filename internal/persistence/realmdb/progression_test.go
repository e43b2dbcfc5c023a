package realmdb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"shardrealm.gg/internal/protocol"
)

func TestProgressionStartsAtVersionZero(t *testing.T) {
	s := newTestStore(t)
	f := seedRealm(t, s)
	ctx := context.Background()

	snap, err := s.ProgressionSnapshot(ctx, f.chars["mia"].ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Progression.Version != 0 || snap.Progression.Level != 1 || snap.Progression.XP != 0 {
		t.Fatalf("fresh progression = %+v, want level 1, xp 0, version 0", snap.Progression)
	}
	if snap.Inventory.Version != 0 || len(snap.Inventory.Items) != 0 {
		t.Fatalf("fresh inventory = %+v, want empty at version 0", snap.Inventory)
	}
}

func TestUpdateProgressionLevels(t *testing.T) {
	s := newTestStore(t)
	f := seedRealm(t, s)
	ctx := context.Background()
	id := f.chars["mia"].ID

	p, err := s.UpdateProgressionLevels(ctx, id, 2, 150, 0)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if p.Version != 1 {
		t.Fatalf("version = %d, want 1", p.Version)
	}

	// Stale expectedVersion reports both sides of the conflict.
	_, err = s.UpdateProgressionLevels(ctx, id, 3, 200, 0)
	var conflict *VersionConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected VersionConflictError, got %v", err)
	}
	if conflict.Expected != 0 || conflict.Actual != 1 {
		t.Fatalf("conflict = %+v, want expected 0 actual 1", conflict)
	}

	// State is unchanged after the rejected write.
	snap, err := s.ProgressionSnapshot(ctx, id)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Progression.Level != 2 || snap.Progression.XP != 150 || snap.Progression.Version != 1 {
		t.Fatalf("progression after conflict = %+v", snap.Progression)
	}

	if _, err := s.UpdateProgressionLevels(ctx, id, 0, 10, 1); err == nil {
		t.Fatal("expected error for level < 1")
	}
	if _, err := s.UpdateProgressionLevels(ctx, "missing", 2, 0, 0); err == nil {
		t.Fatal("expected error for unknown character")
	}
}

func TestReplaceInventoryVersioning(t *testing.T) {
	s := newTestStore(t)
	f := seedRealm(t, s)
	ctx := context.Background()
	id := f.chars["bob"].ID

	items := []protocol.InventoryItem{
		{ItemID: "iron-ore", Quantity: 12},
		{ItemID: "torch", Quantity: 3, MetadataJSON: `{"lit":false}`},
	}
	v, _, err := s.ReplaceInventory(ctx, id, 0, items)
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if v != 1 {
		t.Fatalf("version = %d, want 1", v)
	}

	// Replace is wholesale: rows absent from the new set are gone.
	v, _, err = s.ReplaceInventory(ctx, id, 1, []protocol.InventoryItem{{ItemID: "torch", Quantity: 5}})
	if err != nil {
		t.Fatalf("second replace: %v", err)
	}
	if v != 2 {
		t.Fatalf("version = %d, want 2", v)
	}
	snap, err := s.ProgressionSnapshot(ctx, id)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Inventory.Items) != 1 || snap.Inventory.Items[0].ItemID != "torch" || snap.Inventory.Items[0].Quantity != 5 {
		t.Fatalf("inventory = %+v", snap.Inventory.Items)
	}

	var conflict *VersionConflictError
	if _, _, err := s.ReplaceInventory(ctx, id, 0, nil); !errors.As(err, &conflict) {
		t.Fatalf("expected VersionConflictError, got %v", err)
	}
	if conflict.Collection != "inventory" {
		t.Fatalf("conflict collection = %q", conflict.Collection)
	}

	cases := []struct {
		name  string
		items []protocol.InventoryItem
	}{
		{"missing item id", []protocol.InventoryItem{{Quantity: 1}}},
		{"negative quantity", []protocol.InventoryItem{{ItemID: "x", Quantity: -1}}},
		{"duplicate item", []protocol.InventoryItem{{ItemID: "x", Quantity: 1}, {ItemID: "x", Quantity: 2}}},
	}
	for _, tc := range cases {
		var verr *ValidationError
		if _, _, err := s.ReplaceInventory(ctx, id, 2, tc.items); !errors.As(err, &verr) {
			t.Fatalf("%s: expected ValidationError, got %v", tc.name, err)
		}
	}
}

func TestReplaceInventorySingleWinner(t *testing.T) {
	s := newTestStore(t)
	f := seedRealm(t, s)
	ctx := context.Background()
	id := f.chars["mia"].ID

	// Racing writers at the same expectedVersion: exactly one commits,
	// the rest conflict against the winner's version.
	const writers = 8
	errs := make(chan error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		items := []protocol.InventoryItem{{ItemID: fmt.Sprintf("relic-%d", i), Quantity: 1}}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := s.ReplaceInventory(ctx, id, 0, items)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var wins, conflicts int
	for err := range errs {
		if err == nil {
			wins++
			continue
		}
		var conflict *VersionConflictError
		if !errors.As(err, &conflict) {
			t.Fatalf("expected VersionConflictError, got %v", err)
		}
		if conflict.Expected != 0 || conflict.Actual != 1 {
			t.Fatalf("conflict = %+v, want expected 0 actual 1", conflict)
		}
		conflicts++
	}
	if wins != 1 || conflicts != writers-1 {
		t.Fatalf("wins = %d, conflicts = %d, want exactly one winner", wins, conflicts)
	}

	snap, err := s.ProgressionSnapshot(ctx, id)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Inventory.Version != 1 || len(snap.Inventory.Items) != 1 {
		t.Fatalf("inventory after race = %+v", snap.Inventory)
	}
}

func TestReplaceClassUnlocksEnforcesRaceRules(t *testing.T) {
	s := newTestStore(t)
	f := seedRealm(t, s)
	ctx := context.Background()

	// mia's character is felarian: ranger allowed, necromancer is not.
	mia := f.chars["mia"].ID
	if _, _, err := s.ReplaceClassUnlocks(ctx, mia, 0, []protocol.ClassUnlock{
		{ClassID: "warrior", Unlocked: true},
		{ClassID: "Ranger", Unlocked: true},
	}); err != nil {
		t.Fatalf("allowed unlocks rejected: %v", err)
	}

	var verr *ValidationError
	if _, _, err := s.ReplaceClassUnlocks(ctx, mia, 1, []protocol.ClassUnlock{
		{ClassID: "necromancer", Unlocked: true},
	}); !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for race-locked class, got %v", err)
	}
	if _, _, err := s.ReplaceClassUnlocks(ctx, mia, 1, []protocol.ClassUnlock{
		{ClassID: "bard", Unlocked: true},
	}); !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for unknown class, got %v", err)
	}
}

func TestReplaceEquipmentValidatesSlots(t *testing.T) {
	s := newTestStore(t)
	f := seedRealm(t, s)
	ctx := context.Background()
	id := f.chars["bob"].ID

	v, _, err := s.ReplaceEquipment(ctx, id, 0, []protocol.EquipmentItem{
		{Slot: "Weapon", ItemID: "iron-sword"},
		{Slot: "feet", ItemID: "leather-boots"},
	})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if v != 1 {
		t.Fatalf("version = %d, want 1", v)
	}

	var verr *ValidationError
	if _, _, err := s.ReplaceEquipment(ctx, id, 1, []protocol.EquipmentItem{
		{Slot: "tail", ItemID: "ribbon"},
	}); !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for unknown slot, got %v", err)
	}
	if _, _, err := s.ReplaceEquipment(ctx, id, 1, []protocol.EquipmentItem{
		{Slot: "weapon", ItemID: "a"},
		{Slot: "weapon", ItemID: "b"},
	}); !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for duplicate slot, got %v", err)
	}
}

func TestReplaceQuestsAndMapPins(t *testing.T) {
	s := newTestStore(t)
	f := seedRealm(t, s)
	ctx := context.Background()
	id := f.chars["mia"].ID

	if _, _, err := s.ReplaceQuests(ctx, id, 0, []protocol.QuestState{
		{QuestID: "first-light", Status: "active"},
	}); err != nil {
		t.Fatalf("quests: %v", err)
	}
	if _, _, err := s.ReplaceMapPins(ctx, id, 0, []protocol.MapPin{
		{PinID: "emberfall-keep", Unlocked: true},
	}); err != nil {
		t.Fatalf("pins: %v", err)
	}

	snap, err := s.ProgressionSnapshot(ctx, id)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Quests.Quests) != 1 || snap.Quests.Quests[0].UpdatedAt == "" {
		t.Fatalf("quest rows = %+v, want one row with a stamp", snap.Quests.Quests)
	}
	if snap.Quests.Version != 1 || snap.MapPins.Version != 1 {
		t.Fatalf("versions = %d/%d, want 1/1", snap.Quests.Version, snap.MapPins.Version)
	}

	var verr *ValidationError
	if _, _, err := s.ReplaceQuests(ctx, id, 1, []protocol.QuestState{{QuestID: "", Status: "active"}}); !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for missing questId, got %v", err)
	}
}
