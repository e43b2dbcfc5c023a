// Package rules holds the static class, race, and equipment tables the
// versioned-state validators check writes against. The tables are code,
// not catalog data: gameplay tuning lives with the combat service, and
// the sync layer only needs enough to reject structurally invalid rows.
package rules

import "strings"

type ClassUnlockMethod string

const (
	UnlockStarter ClassUnlockMethod = "starter"
	UnlockQuest   ClassUnlockMethod = "quest"
)

type ClassRule struct {
	ID               string
	UnlockMethod     ClassUnlockMethod
	ExclusiveRaceIDs []string
}

var classRules = []ClassRule{
	{ID: "warrior", UnlockMethod: UnlockStarter},
	{ID: "wizard", UnlockMethod: UnlockStarter},
	{ID: "time-mage", UnlockMethod: UnlockStarter},
	{ID: "sage", UnlockMethod: UnlockStarter},
	{ID: "rogue", UnlockMethod: UnlockStarter},
	{ID: "ranger", UnlockMethod: UnlockStarter, ExclusiveRaceIDs: []string{"felarian"}},
	{ID: "necromancer", UnlockMethod: UnlockStarter, ExclusiveRaceIDs: []string{"revenant"}},
	{ID: "technomancer", UnlockMethod: UnlockStarter, ExclusiveRaceIDs: []string{"gearling"}},
	{ID: "builder", UnlockMethod: UnlockQuest},
}

var classRuleByID = func() map[string]ClassRule {
	m := make(map[string]ClassRule, len(classRules))
	for _, r := range classRules {
		m[r.ID] = r
	}
	return m
}()

var raceIDs = map[string]struct{}{
	"human":       {},
	"felarian":    {},
	"crystallian": {},
	"revenant":    {},
	"gearling":    {},
}

var equipmentSlots = map[string]struct{}{
	"weapon":    {},
	"head":      {},
	"chest":     {},
	"legs":      {},
	"hands":     {},
	"feet":      {},
	"accessory": {},
	"tool":      {},
}

func normalize(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func FindClassRule(classID string) (ClassRule, bool) {
	r, ok := classRuleByID[normalize(classID)]
	return r, ok
}

// ClassAllowedForRace reports whether a class unlock may be stored for a
// character of the given race. Unknown classes are never allowed.
func ClassAllowedForRace(classID, raceID string) bool {
	rule, ok := FindClassRule(classID)
	if !ok {
		return false
	}
	if len(rule.ExclusiveRaceIDs) == 0 {
		return true
	}
	want := normalize(raceID)
	for _, id := range rule.ExclusiveRaceIDs {
		if normalize(id) == want {
			return true
		}
	}
	return false
}

func KnownRace(raceID string) bool {
	_, ok := raceIDs[normalize(raceID)]
	return ok
}

func KnownEquipmentSlot(slot string) bool {
	_, ok := equipmentSlots[normalize(slot)]
	return ok
}

func AllowedClassIDsForRace(raceID string) []string {
	if !KnownRace(raceID) {
		return nil
	}
	out := make([]string, 0, len(classRules))
	for _, r := range classRules {
		if ClassAllowedForRace(r.ID, raceID) {
			out = append(out, r.ID)
		}
	}
	return out
}
