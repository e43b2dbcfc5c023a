package realmdb

import (
	"context"
	"database/sql"
	"strings"

	"shardrealm.gg/internal/protocol"
	"shardrealm.gg/internal/rules"
)

var classUnlockCollection = collection[protocol.ClassUnlock]{
	name:      "classUnlocks",
	metaTable: "character_class_unlock_state",
	selectSQL: `SELECT class_id, unlocked, unlocked_at FROM character_class_unlocks WHERE character_id = ? ORDER BY class_id`,
	deleteSQL: `DELETE FROM character_class_unlocks WHERE character_id = ?`,
	insertSQL: `INSERT INTO character_class_unlocks (character_id, class_id, unlocked, unlocked_at) VALUES (?, ?, ?, ?)`,
	args: func(ownerID string, row protocol.ClassUnlock) []any {
		return []any{ownerID, row.ClassID, boolToInt(row.Unlocked), row.UnlockedAt}
	},
	scan: func(rows *sql.Rows) (protocol.ClassUnlock, error) {
		var row protocol.ClassUnlock
		var unlocked int
		var at sql.NullString
		if err := rows.Scan(&row.ClassID, &unlocked, &at); err != nil {
			return row, err
		}
		row.Unlocked = unlocked != 0
		if at.Valid {
			row.UnlockedAt = &at.String
		}
		return row, nil
	},
}

var inventoryCollection = collection[protocol.InventoryItem]{
	name:      "inventory",
	metaTable: "character_inventory_state",
	selectSQL: `SELECT item_id, quantity, metadata_json FROM character_inventory_items WHERE character_id = ? ORDER BY item_id`,
	deleteSQL: `DELETE FROM character_inventory_items WHERE character_id = ?`,
	insertSQL: `INSERT INTO character_inventory_items (character_id, item_id, quantity, metadata_json) VALUES (?, ?, ?, ?)`,
	args: func(ownerID string, row protocol.InventoryItem) []any {
		return []any{ownerID, row.ItemID, row.Quantity, row.MetadataJSON}
	},
	scan: func(rows *sql.Rows) (protocol.InventoryItem, error) {
		var row protocol.InventoryItem
		err := rows.Scan(&row.ItemID, &row.Quantity, &row.MetadataJSON)
		return row, err
	},
}

var equipmentCollection = collection[protocol.EquipmentItem]{
	name:      "equipment",
	metaTable: "character_equipment_state",
	selectSQL: `SELECT slot, item_id, metadata_json FROM character_equipment WHERE character_id = ? ORDER BY slot`,
	deleteSQL: `DELETE FROM character_equipment WHERE character_id = ?`,
	insertSQL: `INSERT INTO character_equipment (character_id, slot, item_id, metadata_json) VALUES (?, ?, ?, ?)`,
	args: func(ownerID string, row protocol.EquipmentItem) []any {
		return []any{ownerID, row.Slot, row.ItemID, row.MetadataJSON}
	},
	scan: func(rows *sql.Rows) (protocol.EquipmentItem, error) {
		var row protocol.EquipmentItem
		err := rows.Scan(&row.Slot, &row.ItemID, &row.MetadataJSON)
		return row, err
	},
}

var questCollection = collection[protocol.QuestState]{
	name:      "quests",
	metaTable: "character_quest_state_meta",
	selectSQL: `SELECT quest_id, status, progress_json, updated_at FROM character_quest_states WHERE character_id = ? ORDER BY quest_id`,
	deleteSQL: `DELETE FROM character_quest_states WHERE character_id = ?`,
	insertSQL: `INSERT INTO character_quest_states (character_id, quest_id, status, progress_json, updated_at) VALUES (?, ?, ?, ?, ?)`,
	args: func(ownerID string, row protocol.QuestState) []any {
		return []any{ownerID, row.QuestID, row.Status, row.ProgressJSON, row.UpdatedAt}
	},
	scan: func(rows *sql.Rows) (protocol.QuestState, error) {
		var row protocol.QuestState
		err := rows.Scan(&row.QuestID, &row.Status, &row.ProgressJSON, &row.UpdatedAt)
		return row, err
	},
}

var mapPinCollection = collection[protocol.MapPin]{
	name:      "mapPins",
	metaTable: "character_map_pin_state",
	selectSQL: `SELECT pin_id, unlocked FROM character_map_pins WHERE character_id = ? ORDER BY pin_id`,
	deleteSQL: `DELETE FROM character_map_pins WHERE character_id = ?`,
	insertSQL: `INSERT INTO character_map_pins (character_id, pin_id, unlocked) VALUES (?, ?, ?)`,
	args: func(ownerID string, row protocol.MapPin) []any {
		return []any{ownerID, row.PinID, boolToInt(row.Unlocked)}
	},
	scan: func(rows *sql.Rows) (protocol.MapPin, error) {
		var row protocol.MapPin
		var unlocked int
		if err := rows.Scan(&row.PinID, &unlocked); err != nil {
			return row, err
		}
		row.Unlocked = unlocked != 0
		return row, nil
	},
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func ensureProgressionTx(ctx context.Context, tx *sql.Tx, characterID, stamp string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO character_progression (character_id, level, xp, version, updated_at)
		 VALUES (?, 1, 0, 0, ?)`,
		characterID, stamp)
	return err
}

func progressionTx(ctx context.Context, tx *sql.Tx, characterID string) (protocol.ProgressionState, error) {
	var p protocol.ProgressionState
	err := tx.QueryRowContext(ctx,
		`SELECT level, xp, version, updated_at FROM character_progression WHERE character_id = ?`,
		characterID).
		Scan(&p.Level, &p.XP, &p.Version, &p.UpdatedAt)
	return p, err
}

// UpdateProgressionLevels writes level and xp under the progression
// version check. A character that has never been written starts at
// level 1, xp 0, version 0.
func (s *Store) UpdateProgressionLevels(ctx context.Context, characterID string, level, xp, expected int64) (protocol.ProgressionState, error) {
	if level < 1 {
		return protocol.ProgressionState{}, validationf("level must be >= 1")
	}
	if xp < 0 {
		return protocol.ProgressionState{}, validationf("xp must be >= 0")
	}
	var out protocol.ProgressionState
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := characterByIDTx(ctx, tx, characterID); err != nil {
			return err
		}
		stamp := s.stamp()
		if err := ensureProgressionTx(ctx, tx, characterID, stamp); err != nil {
			return err
		}
		cur, err := progressionTx(ctx, tx, characterID)
		if err != nil {
			return err
		}
		if cur.Version != expected {
			return &VersionConflictError{Collection: "progression", Expected: expected, Actual: cur.Version}
		}
		out = protocol.ProgressionState{Level: level, XP: xp, Version: cur.Version + 1, UpdatedAt: stamp}
		_, err = tx.ExecContext(ctx,
			`UPDATE character_progression SET level = ?, xp = ?, version = ?, updated_at = ? WHERE character_id = ?`,
			out.Level, out.XP, out.Version, out.UpdatedAt, characterID)
		return err
	})
	if err != nil {
		return protocol.ProgressionState{}, err
	}
	return out, nil
}

func (s *Store) ReplaceClassUnlocks(ctx context.Context, characterID string, expected int64, unlocks []protocol.ClassUnlock) (int64, string, error) {
	var version int64
	var updatedAt string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ch, err := characterByIDTx(ctx, tx, characterID)
		if err != nil {
			return err
		}
		seen := map[string]bool{}
		for i := range unlocks {
			id := strings.ToLower(strings.TrimSpace(unlocks[i].ClassID))
			if id == "" {
				return validationf("classId is required")
			}
			if seen[id] {
				return validationf("duplicate classId %q", id)
			}
			seen[id] = true
			if _, ok := rules.FindClassRule(id); !ok {
				return validationf("unknown class %q", id)
			}
			if !rules.ClassAllowedForRace(id, ch.RaceID) {
				return validationf("class %q is not available to race %q", id, ch.RaceID)
			}
			unlocks[i].ClassID = id
		}
		version, updatedAt, err = replaceRowsTx(ctx, tx, classUnlockCollection, characterID, unlocks, expected, s.stamp())
		return err
	})
	return version, updatedAt, err
}

func (s *Store) ReplaceInventory(ctx context.Context, characterID string, expected int64, items []protocol.InventoryItem) (int64, string, error) {
	var version int64
	var updatedAt string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := characterByIDTx(ctx, tx, characterID); err != nil {
			return err
		}
		seen := map[string]bool{}
		for i := range items {
			if items[i].ItemID == "" {
				return validationf("itemId is required")
			}
			if seen[items[i].ItemID] {
				return validationf("duplicate itemId %q", items[i].ItemID)
			}
			seen[items[i].ItemID] = true
			if items[i].Quantity < 0 {
				return validationf("quantity for %q must be >= 0", items[i].ItemID)
			}
			if items[i].MetadataJSON == "" {
				items[i].MetadataJSON = "{}"
			}
		}
		var err error
		version, updatedAt, err = replaceRowsTx(ctx, tx, inventoryCollection, characterID, items, expected, s.stamp())
		return err
	})
	return version, updatedAt, err
}

func (s *Store) ReplaceEquipment(ctx context.Context, characterID string, expected int64, items []protocol.EquipmentItem) (int64, string, error) {
	var version int64
	var updatedAt string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := characterByIDTx(ctx, tx, characterID); err != nil {
			return err
		}
		seen := map[string]bool{}
		for i := range items {
			slot := strings.ToLower(strings.TrimSpace(items[i].Slot))
			if !rules.KnownEquipmentSlot(slot) {
				return validationf("unknown equipment slot %q", items[i].Slot)
			}
			if seen[slot] {
				return validationf("duplicate equipment slot %q", slot)
			}
			seen[slot] = true
			if items[i].ItemID == "" {
				return validationf("itemId is required for slot %q", slot)
			}
			items[i].Slot = slot
			if items[i].MetadataJSON == "" {
				items[i].MetadataJSON = "{}"
			}
		}
		var err error
		version, updatedAt, err = replaceRowsTx(ctx, tx, equipmentCollection, characterID, items, expected, s.stamp())
		return err
	})
	return version, updatedAt, err
}

func (s *Store) ReplaceQuests(ctx context.Context, characterID string, expected int64, quests []protocol.QuestState) (int64, string, error) {
	var version int64
	var updatedAt string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := characterByIDTx(ctx, tx, characterID); err != nil {
			return err
		}
		stamp := s.stamp()
		seen := map[string]bool{}
		for i := range quests {
			if quests[i].QuestID == "" || quests[i].Status == "" {
				return validationf("questId and status are required")
			}
			if seen[quests[i].QuestID] {
				return validationf("duplicate questId %q", quests[i].QuestID)
			}
			seen[quests[i].QuestID] = true
			if quests[i].ProgressJSON == "" {
				quests[i].ProgressJSON = "{}"
			}
			if quests[i].UpdatedAt == "" {
				quests[i].UpdatedAt = stamp
			}
		}
		var err error
		version, updatedAt, err = replaceRowsTx(ctx, tx, questCollection, characterID, quests, expected, stamp)
		return err
	})
	return version, updatedAt, err
}

func (s *Store) ReplaceMapPins(ctx context.Context, characterID string, expected int64, pins []protocol.MapPin) (int64, string, error) {
	var version int64
	var updatedAt string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := characterByIDTx(ctx, tx, characterID); err != nil {
			return err
		}
		seen := map[string]bool{}
		for _, pin := range pins {
			if pin.PinID == "" {
				return validationf("pinId is required")
			}
			if seen[pin.PinID] {
				return validationf("duplicate pinId %q", pin.PinID)
			}
			seen[pin.PinID] = true
		}
		var err error
		version, updatedAt, err = replaceRowsTx(ctx, tx, mapPinCollection, characterID, pins, expected, s.stamp())
		return err
	})
	return version, updatedAt, err
}

// ProgressionSnapshot reads every progression collection for one
// character in a single transaction so the versions are mutually
// consistent.
func (s *Store) ProgressionSnapshot(ctx context.Context, characterID string) (protocol.ProgressionSnapshot, error) {
	var snap protocol.ProgressionSnapshot
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := characterByIDTx(ctx, tx, characterID); err != nil {
			return err
		}
		stamp := s.stamp()
		snap.CharacterID = characterID
		if err := ensureProgressionTx(ctx, tx, characterID, stamp); err != nil {
			return err
		}
		p, err := progressionTx(ctx, tx, characterID)
		if err != nil {
			return err
		}
		snap.Progression = p
		if snap.ClassUnlocks.Version, snap.ClassUnlocks.UpdatedAt, snap.ClassUnlocks.Unlocks, err = snapshotRowsTx(ctx, tx, classUnlockCollection, characterID, stamp); err != nil {
			return err
		}
		if snap.Inventory.Version, snap.Inventory.UpdatedAt, snap.Inventory.Items, err = snapshotRowsTx(ctx, tx, inventoryCollection, characterID, stamp); err != nil {
			return err
		}
		if snap.Equipment.Version, snap.Equipment.UpdatedAt, snap.Equipment.Items, err = snapshotRowsTx(ctx, tx, equipmentCollection, characterID, stamp); err != nil {
			return err
		}
		if snap.Quests.Version, snap.Quests.UpdatedAt, snap.Quests.Quests, err = snapshotRowsTx(ctx, tx, questCollection, characterID, stamp); err != nil {
			return err
		}
		if snap.MapPins.Version, snap.MapPins.UpdatedAt, snap.MapPins.Pins, err = snapshotRowsTx(ctx, tx, mapPinCollection, characterID, stamp); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return protocol.ProgressionSnapshot{}, err
	}
	return snap, nil
}
