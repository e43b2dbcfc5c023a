package protocol

import "encoding/json"

// Realm channel, client -> server. One struct covers all four inbound
// types; unused fields stay empty.
type ClientMsg struct {
	Type       string            `json:"type"`
	RealmID    string            `json:"realmId,omitempty"`
	ChunkID    string            `json:"chunkId,omitempty"`
	RequestID  string            `json:"requestId,omitempty"`
	ChangeType string            `json:"changeType,omitempty"`
	Chunk      *ChunkUpdate      `json:"chunk,omitempty"`
	Structures []StructureUpdate `json:"structures,omitempty"`
	Plots      []PlotUpdate      `json:"plots,omitempty"`
	Resources  []ResourceDelta   `json:"resources,omitempty"`
}

type ChunkUpdate struct {
	ChunkX    *int            `json:"chunkX,omitempty"`
	ChunkZ    *int            `json:"chunkZ,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	IsDeleted bool            `json:"isDeleted,omitempty"`
}

type StructureUpdate struct {
	StructureID   string          `json:"structureId,omitempty"`
	StructureType string          `json:"structureType"`
	Data          json.RawMessage `json:"data,omitempty"`
	IsDeleted     bool            `json:"isDeleted,omitempty"`
}

type PlotUpdate struct {
	PlotID         string          `json:"plotId,omitempty"`
	PlotIdentifier string          `json:"plotIdentifier,omitempty"`
	OwnerUserID    *string         `json:"ownerUserId,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	IsDeleted      bool            `json:"isDeleted,omitempty"`
}

// ResourceDelta adjusts one named counter of the acting user's wallet
// in the same transaction as the world mutation it rides along with.
type ResourceDelta struct {
	ResourceType string `json:"resourceType"`
	Delta        int64  `json:"delta"`
}

// Realm channel, server -> client.

type ReadyMsg struct {
	Type string `json:"type"`
}

type SubscribedMsg struct {
	Type    string `json:"type"`
	RealmID string `json:"realmId"`
}

type ChangeMsg struct {
	Type    string      `json:"type"`
	RealmID string      `json:"realmId"`
	Change  ChunkChange `json:"change"`
}

type MutationAckMsg struct {
	Type      string      `json:"type"`
	RealmID   string      `json:"realmId"`
	RequestID string      `json:"requestId,omitempty"`
	Change    ChunkChange `json:"change"`
}

type MutationRejectedMsg struct {
	Type      string `json:"type"`
	RealmID   string `json:"realmId,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error"`

	// Populated on version conflicts so clients can refetch and retry.
	ExpectedVersion *int64 `json:"expectedVersion,omitempty"`
	ActualVersion   *int64 `json:"actualVersion,omitempty"`
}

type ErrorMsg struct {
	Type    string `json:"type"`
	RealmID string `json:"realmId,omitempty"`
	Code    string `json:"code,omitempty"`
	Error   string `json:"error"`
}

type PongMsg struct {
	Type string `json:"type"`
}

// World state DTOs shared by the snapshot API, the change feed, and the
// socket broadcast payloads.

type Chunk struct {
	ChunkID   string          `json:"chunkId"`
	RealmID   string          `json:"realmId"`
	ChunkX    int             `json:"chunkX"`
	ChunkZ    int             `json:"chunkZ"`
	Payload   json.RawMessage `json:"payload"`
	IsDeleted bool            `json:"isDeleted"`
	CreatedAt string          `json:"createdAt"`
	UpdatedAt string          `json:"updatedAt"`
}

type Structure struct {
	StructureID   string          `json:"structureId"`
	RealmID       string          `json:"realmId"`
	ChunkID       string          `json:"chunkId"`
	StructureType string          `json:"structureType"`
	Data          json.RawMessage `json:"data"`
	IsDeleted     bool            `json:"isDeleted"`
	CreatedAt     string          `json:"createdAt"`
	UpdatedAt     string          `json:"updatedAt"`
}

type Plot struct {
	PlotID         string          `json:"plotId"`
	RealmID        string          `json:"realmId"`
	ChunkID        string          `json:"chunkId"`
	PlotIdentifier string          `json:"plotIdentifier"`
	OwnerUserID    *string         `json:"ownerUserId"`
	Data           json.RawMessage `json:"data"`
	IsDeleted      bool            `json:"isDeleted"`
	CreatedAt      string          `json:"createdAt"`
	UpdatedAt      string          `json:"updatedAt"`
}

type ChunkSnapshot struct {
	Chunk
	Structures []Structure `json:"structures"`
	Plots      []Plot      `json:"plots"`
}

type SnapshotEnvelope struct {
	RealmID         string          `json:"realmId"`
	ServerTimestamp string          `json:"serverTimestamp"`
	Chunks          []ChunkSnapshot `json:"chunks"`
}

// ChunkChange is one append-only change-log entry. The payload snapshots
// everything the mutation touched so feed consumers never need a second
// fetch outside first join or gap recovery.
type ChunkChange struct {
	ChangeID   string            `json:"changeId"`
	Seq        int64             `json:"seq"`
	RealmID    string            `json:"realmId"`
	ChunkID    string            `json:"chunkId"`
	ChangeType string            `json:"changeType"`
	CreatedAt  string            `json:"createdAt"`
	Chunk      *Chunk            `json:"chunk,omitempty"`
	Structures []Structure       `json:"structures,omitempty"`
	Plots      []Plot            `json:"plots,omitempty"`
	Resources  []ResourceBalance `json:"resources,omitempty"`
}

type ChangeFeedEnvelope struct {
	RealmID         string        `json:"realmId"`
	ServerTimestamp string        `json:"serverTimestamp"`
	Changes         []ChunkChange `json:"changes"`
}

type ResourceBalance struct {
	RealmID      string `json:"realmId"`
	UserID       string `json:"userId"`
	ResourceType string `json:"resourceType"`
	Quantity     int64  `json:"quantity"`
	UpdatedAt    string `json:"updatedAt"`
}

// Progression channel, client -> server.

type ProgressionClientMsg struct {
	Type    string             `json:"type"`
	Payload *ProgressionUpdate `json:"payload,omitempty"`
}

type ProgressionUpdate struct {
	CharacterID  string               `json:"characterId,omitempty"`
	Progression  *ProgressionLevelPut `json:"progression,omitempty"`
	ClassUnlocks *ClassUnlockPut      `json:"classUnlocks,omitempty"`
	Inventory    *InventoryPut        `json:"inventory,omitempty"`
	Equipment    *EquipmentPut        `json:"equipment,omitempty"`
	Quests       *QuestPut            `json:"quests,omitempty"`
	MapPins      *MapPinPut           `json:"mapPins,omitempty"`
}

type ProgressionLevelPut struct {
	Level           int64 `json:"level"`
	XP              int64 `json:"xp"`
	ExpectedVersion int64 `json:"expectedVersion"`
}

type ClassUnlockPut struct {
	ExpectedVersion int64         `json:"expectedVersion"`
	Unlocks         []ClassUnlock `json:"unlocks"`
}

type InventoryPut struct {
	ExpectedVersion int64           `json:"expectedVersion"`
	Items           []InventoryItem `json:"items"`
}

type EquipmentPut struct {
	ExpectedVersion int64           `json:"expectedVersion"`
	Items           []EquipmentItem `json:"items"`
}

type QuestPut struct {
	ExpectedVersion int64        `json:"expectedVersion"`
	Quests          []QuestState `json:"quests"`
}

type MapPinPut struct {
	ExpectedVersion int64    `json:"expectedVersion"`
	Pins            []MapPin `json:"pins"`
}

// Progression channel, server -> client.

type ProgressionMsg struct {
	Type    string              `json:"type"`
	Payload ProgressionSnapshot `json:"payload"`
}

type ProgressionIntentMsg struct {
	Type    string       `json:"type"`
	Payload IntentResult `json:"payload"`
}

type IntentResult struct {
	IntentID    string `json:"intentId"`
	CharacterID string `json:"characterId"`
	IntentType  string `json:"intentType"`
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
	ResolvedAt  string `json:"resolvedAt"`
}

// Versioned-collection DTOs.

type ProgressionState struct {
	Level     int64  `json:"level"`
	XP        int64  `json:"xp"`
	Version   int64  `json:"version"`
	UpdatedAt string `json:"updatedAt"`
}

type ClassUnlock struct {
	ClassID    string  `json:"classId"`
	Unlocked   bool    `json:"unlocked"`
	UnlockedAt *string `json:"unlockedAt"`
}

type ClassUnlockCollection struct {
	Version   int64         `json:"version"`
	UpdatedAt string        `json:"updatedAt"`
	Unlocks   []ClassUnlock `json:"unlocks"`
}

type InventoryItem struct {
	ItemID       string `json:"itemId"`
	Quantity     int64  `json:"quantity"`
	MetadataJSON string `json:"metadataJson,omitempty"`
}

type InventoryCollection struct {
	Version   int64           `json:"version"`
	UpdatedAt string          `json:"updatedAt"`
	Items     []InventoryItem `json:"items"`
}

type EquipmentItem struct {
	Slot         string `json:"slot"`
	ItemID       string `json:"itemId"`
	MetadataJSON string `json:"metadataJson,omitempty"`
}

type EquipmentCollection struct {
	Version   int64           `json:"version"`
	UpdatedAt string          `json:"updatedAt"`
	Items     []EquipmentItem `json:"items"`
}

type QuestState struct {
	QuestID      string `json:"questId"`
	Status       string `json:"status"`
	ProgressJSON string `json:"progressJson,omitempty"`
	UpdatedAt    string `json:"updatedAt,omitempty"`
}

type QuestCollection struct {
	Version   int64        `json:"version"`
	UpdatedAt string       `json:"updatedAt"`
	Quests    []QuestState `json:"quests"`
}

type MapPin struct {
	PinID    string `json:"pinId"`
	Unlocked bool   `json:"unlocked"`
}

type MapPinCollection struct {
	Version   int64    `json:"version"`
	UpdatedAt string   `json:"updatedAt"`
	Pins      []MapPin `json:"pins"`
}

type ProgressionSnapshot struct {
	CharacterID  string                `json:"characterId"`
	Progression  ProgressionState      `json:"progression"`
	ClassUnlocks ClassUnlockCollection `json:"classUnlocks"`
	Inventory    InventoryCollection   `json:"inventory"`
	Equipment    EquipmentCollection   `json:"equipment"`
	Quests       QuestCollection       `json:"quests"`
	MapPins      MapPinCollection      `json:"mapPins"`
}
