package realm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"shardrealm.gg/internal/persistence/realmdb"
	"shardrealm.gg/internal/protocol"
)

// Intent request types accepted by the processor.
const (
	IntentProgressionUpdate  = "progression.update"
	IntentProgressionGrantXP = "progression.grantXp"
	IntentInventoryGrant     = "inventory.grantItem"
	IntentInventoryConsume   = "inventory.consumeItem"
	IntentQuestComplete      = "quest.complete"
)

// IntentProcessor drains the action-request queue in the background.
// Requests run server-side against current state; a conflict with a
// concurrent client write is retried, not surfaced.
type IntentProcessor struct {
	svc      *Service
	log      *log.Logger
	interval time.Duration
	batch    int
}

func NewIntentProcessor(svc *Service, logger *log.Logger, interval time.Duration) *IntentProcessor {
	if logger == nil {
		logger = log.Default()
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &IntentProcessor{svc: svc, log: logger, interval: interval, batch: 25}
}

func (p *IntentProcessor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.ProcessOnce(ctx); err != nil {
				p.log.Printf("intent sweep: %v", err)
			}
		}
	}
}

// ProcessOnce claims one batch and resolves every claimed intent.
func (p *IntentProcessor) ProcessOnce(ctx context.Context) (int, error) {
	claimed, err := p.svc.store.ClaimPendingIntents(ctx, p.batch)
	if err != nil {
		return 0, err
	}
	for _, in := range claimed {
		p.resolve(ctx, in)
	}
	return len(claimed), nil
}

func (p *IntentProcessor) resolve(ctx context.Context, in realmdb.Intent) {
	status := realmdb.IntentCompleted
	reason := ""
	if err := p.applyWithRetry(ctx, in); err != nil {
		status = realmdb.IntentRejected
		reason = err.Error()
		if ErrorCode(err) == protocol.ErrInternal {
			p.log.Printf("intent %s (%s): %v", in.ID, in.RequestType, err)
			reason = "internal error"
		}
	}

	resolved, err := p.svc.store.ResolveIntent(ctx, in.ID, status, reason)
	if err != nil {
		p.log.Printf("resolve intent %s: %v", in.ID, err)
		return
	}
	p.svc.hub.PublishCharacter(in.CharacterID, protocol.ProgressionIntentMsg{
		Type: protocol.TypeProgressionIntent,
		Payload: protocol.IntentResult{
			IntentID:    resolved.ID,
			CharacterID: resolved.CharacterID,
			IntentType:  resolved.RequestType,
			Status:      resolved.Status,
			Reason:      resolved.Reason,
			ResolvedAt:  resolved.UpdatedAt,
		},
	})
	if status == realmdb.IntentCompleted {
		if _, err := p.svc.publishProgression(ctx, in.CharacterID); err != nil {
			p.log.Printf("progression push after intent %s: %v", in.ID, err)
		}
	}
}

// applyWithRetry re-reads and retries when a client write lands between
// the snapshot and the replace; the intent itself stays valid.
func (p *IntentProcessor) applyWithRetry(ctx context.Context, in realmdb.Intent) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = p.apply(ctx, in)
		var conflict *realmdb.VersionConflictError
		if !errors.As(err, &conflict) {
			return err
		}
	}
	return err
}

func (p *IntentProcessor) apply(ctx context.Context, in realmdb.Intent) error {
	switch in.RequestType {
	case IntentProgressionUpdate:
		var body struct {
			Level int64 `json:"level"`
			XP    int64 `json:"xp"`
		}
		if err := json.Unmarshal([]byte(in.PayloadJSON), &body); err != nil {
			return errBadIntent(err)
		}
		snap, err := p.svc.store.ProgressionSnapshot(ctx, in.CharacterID)
		if err != nil {
			return err
		}
		_, err = p.svc.store.UpdateProgressionLevels(ctx, in.CharacterID, body.Level, body.XP, snap.Progression.Version)
		return err

	case IntentProgressionGrantXP:
		var body struct {
			Amount int64 `json:"amount"`
		}
		if err := json.Unmarshal([]byte(in.PayloadJSON), &body); err != nil {
			return errBadIntent(err)
		}
		if body.Amount <= 0 {
			return errBadIntent(errors.New("amount must be > 0"))
		}
		snap, err := p.svc.store.ProgressionSnapshot(ctx, in.CharacterID)
		if err != nil {
			return err
		}
		cur := snap.Progression
		_, err = p.svc.store.UpdateProgressionLevels(ctx, in.CharacterID, cur.Level, cur.XP+body.Amount, cur.Version)
		return err

	case IntentInventoryGrant, IntentInventoryConsume:
		var body struct {
			ItemID       string `json:"itemId"`
			Quantity     int64  `json:"quantity"`
			MetadataJSON string `json:"metadataJson"`
		}
		if err := json.Unmarshal([]byte(in.PayloadJSON), &body); err != nil {
			return errBadIntent(err)
		}
		if body.ItemID == "" || body.Quantity <= 0 {
			return errBadIntent(errors.New("itemId and a positive quantity are required"))
		}
		delta := body.Quantity
		if in.RequestType == IntentInventoryConsume {
			delta = -delta
		}
		return p.adjustInventory(ctx, in.CharacterID, body.ItemID, delta, body.MetadataJSON)

	case IntentQuestComplete:
		var body struct {
			QuestID string `json:"questId"`
		}
		if err := json.Unmarshal([]byte(in.PayloadJSON), &body); err != nil {
			return errBadIntent(err)
		}
		if body.QuestID == "" {
			return errBadIntent(errors.New("questId is required"))
		}
		return p.completeQuest(ctx, in.CharacterID, body.QuestID)

	default:
		return errBadIntent(fmt.Errorf("unknown request type %q", in.RequestType))
	}
}

func (p *IntentProcessor) adjustInventory(ctx context.Context, characterID, itemID string, delta int64, metadataJSON string) error {
	snap, err := p.svc.store.ProgressionSnapshot(ctx, characterID)
	if err != nil {
		return err
	}
	items := snap.Inventory.Items
	idx := -1
	for i := range items {
		if items[i].ItemID == itemID {
			idx = i
			break
		}
	}
	switch {
	case idx < 0 && delta > 0:
		if metadataJSON == "" {
			metadataJSON = "{}"
		}
		items = append(items, protocol.InventoryItem{ItemID: itemID, Quantity: delta, MetadataJSON: metadataJSON})
	case idx < 0:
		return &realmdb.InsufficientResourceError{ResourceType: itemID, Requested: -delta, Available: 0}
	default:
		next := items[idx].Quantity + delta
		if next < 0 {
			return &realmdb.InsufficientResourceError{ResourceType: itemID, Requested: -delta, Available: items[idx].Quantity}
		}
		if next == 0 {
			items = append(items[:idx], items[idx+1:]...)
		} else {
			items[idx].Quantity = next
		}
	}
	_, _, err = p.svc.store.ReplaceInventory(ctx, characterID, snap.Inventory.Version, items)
	return err
}

func (p *IntentProcessor) completeQuest(ctx context.Context, characterID, questID string) error {
	snap, err := p.svc.store.ProgressionSnapshot(ctx, characterID)
	if err != nil {
		return err
	}
	quests := snap.Quests.Quests
	found := false
	for i := range quests {
		if quests[i].QuestID == questID {
			quests[i].Status = "completed"
			quests[i].UpdatedAt = ""
			found = true
			break
		}
	}
	if !found {
		quests = append(quests, protocol.QuestState{QuestID: questID, Status: "completed"})
	}
	_, _, err = p.svc.store.ReplaceQuests(ctx, characterID, snap.Quests.Version, quests)
	return err
}

func errBadIntent(err error) error {
	return &realmdb.ValidationError{Msg: err.Error()}
}
