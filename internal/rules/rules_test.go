package rules

import "testing"

func TestClassAllowedForRace(t *testing.T) {
	cases := []struct {
		class string
		race  string
		want  bool
	}{
		{"warrior", "human", true},
		{"warrior", "gearling", true},
		{"ranger", "felarian", true},
		{"ranger", "human", false},
		{"necromancer", "revenant", true},
		{"necromancer", "felarian", false},
		{"technomancer", "gearling", true},
		{"Technomancer", "GEARLING", true},
		{"builder", "human", true},
		{"no-such-class", "human", false},
	}
	for _, c := range cases {
		if got := ClassAllowedForRace(c.class, c.race); got != c.want {
			t.Fatalf("ClassAllowedForRace(%q, %q) = %v, want %v", c.class, c.race, got, c.want)
		}
	}
}

func TestKnownEquipmentSlot(t *testing.T) {
	for _, slot := range []string{"weapon", "head", "chest", "legs", "hands", "feet", "accessory", "tool"} {
		if !KnownEquipmentSlot(slot) {
			t.Fatalf("expected known slot: %q", slot)
		}
	}
	if KnownEquipmentSlot("belt") {
		t.Fatalf("expected unknown slot rejected")
	}
}

func TestAllowedClassIDsForRace(t *testing.T) {
	ids := AllowedClassIDsForRace("human")
	if len(ids) == 0 {
		t.Fatalf("expected classes for human")
	}
	for _, id := range ids {
		if id == "ranger" || id == "necromancer" || id == "technomancer" {
			t.Fatalf("race-exclusive class %q leaked into human list", id)
		}
	}
	if got := AllowedClassIDsForRace("unknown"); got != nil {
		t.Fatalf("expected nil for unknown race, got %v", got)
	}
}
