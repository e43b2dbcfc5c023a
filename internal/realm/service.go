// Package realm is the application layer: it resolves who the actor
// is, enforces access, runs store operations, and pushes committed
// results to live subscribers.
package realm

import (
	"context"
	"errors"
	"log"

	"shardrealm.gg/internal/persistence/realmdb"
	"shardrealm.gg/internal/protocol"
)

type Service struct {
	store  *realmdb.Store
	hub    *Hub
	log    *log.Logger
	buffer int
}

func NewService(store *realmdb.Store, hub *Hub, logger *log.Logger, subscriberBuffer int) *Service {
	if logger == nil {
		logger = log.Default()
	}
	if subscriberBuffer <= 0 {
		subscriberBuffer = 64
	}
	return &Service{store: store, hub: hub, log: logger, buffer: subscriberBuffer}
}

func (s *Service) Store() *realmdb.Store { return s.store }
func (s *Service) Hub() *Hub             { return s.hub }

func (s *Service) membership(ctx context.Context, realmID, userID string) (realmdb.Membership, error) {
	m, err := s.store.MembershipFor(ctx, realmID, userID)
	var nferr *realmdb.NotFoundError
	if errors.As(err, &nferr) {
		return realmdb.Membership{}, &realmdb.ForbiddenError{Msg: "not a member of this realm"}
	}
	return m, err
}

func (s *Service) ownedCharacter(ctx context.Context, userID, characterID string) (realmdb.Character, error) {
	ch, err := s.store.CharacterByID(ctx, characterID)
	if err != nil {
		return realmdb.Character{}, err
	}
	if ch.UserID != userID {
		return realmdb.Character{}, &realmdb.ForbiddenError{Msg: "character belongs to another user"}
	}
	return ch, nil
}

// Mutate validates access, applies the transactional mutation, and only
// then broadcasts the committed change to realm subscribers.
func (s *Service) Mutate(ctx context.Context, userID string, msg protocol.ClientMsg) (protocol.ChunkChange, error) {
	m, err := s.membership(ctx, msg.RealmID, userID)
	if err != nil {
		return protocol.ChunkChange{}, err
	}
	change, err := s.store.ApplyChunkMutation(ctx, realmdb.ChunkMutation{
		RealmID:     msg.RealmID,
		ChunkID:     msg.ChunkID,
		ActorUserID: userID,
		Privileged:  m.Privileged(),
		ChangeType:  msg.ChangeType,
		Chunk:       msg.Chunk,
		Structures:  msg.Structures,
		Plots:       msg.Plots,
		Resources:   msg.Resources,
	})
	if err != nil {
		return protocol.ChunkChange{}, err
	}
	s.hub.PublishRealm(msg.RealmID, protocol.ChangeMsg{
		Type:    protocol.TypeChange,
		RealmID: msg.RealmID,
		Change:  change,
	})
	return change, nil
}

func (s *Service) Snapshot(ctx context.Context, userID, realmID, updatedAfter string) (protocol.SnapshotEnvelope, error) {
	if _, err := s.membership(ctx, realmID, userID); err != nil {
		return protocol.SnapshotEnvelope{}, err
	}
	return s.store.RealmSnapshot(ctx, realmID, updatedAfter)
}

func (s *Service) Feed(ctx context.Context, userID, realmID string, afterSeq int64, limit int) (protocol.ChangeFeedEnvelope, error) {
	if _, err := s.membership(ctx, realmID, userID); err != nil {
		return protocol.ChangeFeedEnvelope{}, err
	}
	return s.store.ChangeFeed(ctx, realmID, afterSeq, limit)
}

func (s *Service) SubscribeRealm(ctx context.Context, userID, realmID string) (*Subscription, error) {
	if _, err := s.membership(ctx, realmID, userID); err != nil {
		return nil, err
	}
	return s.hub.SubscribeRealm(realmID, s.buffer), nil
}

func (s *Service) SubscribeCharacter(ctx context.Context, userID, characterID string) (*Subscription, error) {
	if _, err := s.ownedCharacter(ctx, userID, characterID); err != nil {
		return nil, err
	}
	return s.hub.SubscribeCharacter(characterID, s.buffer), nil
}

// ApplyProgressionUpdate applies every collection write present in the
// update, each under its own expectedVersion, then broadcasts the fresh
// snapshot to the character's subscribers.
func (s *Service) ApplyProgressionUpdate(ctx context.Context, userID string, upd protocol.ProgressionUpdate) (protocol.ProgressionSnapshot, error) {
	ch, err := s.ownedCharacter(ctx, userID, upd.CharacterID)
	if err != nil {
		return protocol.ProgressionSnapshot{}, err
	}
	if upd.Progression != nil {
		if _, err := s.store.UpdateProgressionLevels(ctx, ch.ID, upd.Progression.Level, upd.Progression.XP, upd.Progression.ExpectedVersion); err != nil {
			return protocol.ProgressionSnapshot{}, err
		}
	}
	if upd.ClassUnlocks != nil {
		if _, _, err := s.store.ReplaceClassUnlocks(ctx, ch.ID, upd.ClassUnlocks.ExpectedVersion, upd.ClassUnlocks.Unlocks); err != nil {
			return protocol.ProgressionSnapshot{}, err
		}
	}
	if upd.Inventory != nil {
		if _, _, err := s.store.ReplaceInventory(ctx, ch.ID, upd.Inventory.ExpectedVersion, upd.Inventory.Items); err != nil {
			return protocol.ProgressionSnapshot{}, err
		}
	}
	if upd.Equipment != nil {
		if _, _, err := s.store.ReplaceEquipment(ctx, ch.ID, upd.Equipment.ExpectedVersion, upd.Equipment.Items); err != nil {
			return protocol.ProgressionSnapshot{}, err
		}
	}
	if upd.Quests != nil {
		if _, _, err := s.store.ReplaceQuests(ctx, ch.ID, upd.Quests.ExpectedVersion, upd.Quests.Quests); err != nil {
			return protocol.ProgressionSnapshot{}, err
		}
	}
	if upd.MapPins != nil {
		if _, _, err := s.store.ReplaceMapPins(ctx, ch.ID, upd.MapPins.ExpectedVersion, upd.MapPins.Pins); err != nil {
			return protocol.ProgressionSnapshot{}, err
		}
	}
	return s.publishProgression(ctx, ch.ID)
}

func (s *Service) publishProgression(ctx context.Context, characterID string) (protocol.ProgressionSnapshot, error) {
	snap, err := s.store.ProgressionSnapshot(ctx, characterID)
	if err != nil {
		return protocol.ProgressionSnapshot{}, err
	}
	s.hub.PublishCharacter(characterID, protocol.ProgressionMsg{
		Type:    protocol.TypeProgression,
		Payload: snap,
	})
	return snap, nil
}

func (s *Service) Progression(ctx context.Context, userID, characterID string) (protocol.ProgressionSnapshot, error) {
	if _, err := s.ownedCharacter(ctx, userID, characterID); err != nil {
		return protocol.ProgressionSnapshot{}, err
	}
	return s.store.ProgressionSnapshot(ctx, characterID)
}

// Trades. Every call is made on behalf of one of the two characters and
// the caller must own that character.

func (s *Service) CreateTrade(ctx context.Context, userID, realmID, initiatorCharacterID, targetCharacterID string) (realmdb.Trade, error) {
	if _, err := s.ownedCharacter(ctx, userID, initiatorCharacterID); err != nil {
		return realmdb.Trade{}, err
	}
	return s.store.CreateTrade(ctx, realmID, initiatorCharacterID, targetCharacterID)
}

func (s *Service) AddTradeItem(ctx context.Context, userID, tradeID, characterID, itemID string, quantity int64, metadataJSON string) (realmdb.TradeItem, error) {
	if _, err := s.ownedCharacter(ctx, userID, characterID); err != nil {
		return realmdb.TradeItem{}, err
	}
	return s.store.AddTradeItem(ctx, tradeID, characterID, itemID, quantity, metadataJSON)
}

func (s *Service) AcceptTrade(ctx context.Context, userID, tradeID, characterID string) (realmdb.Trade, error) {
	if _, err := s.ownedCharacter(ctx, userID, characterID); err != nil {
		return realmdb.Trade{}, err
	}
	trade, err := s.store.AcceptTrade(ctx, tradeID, characterID)
	if err != nil {
		return realmdb.Trade{}, err
	}
	if trade.Status == realmdb.TradeCompleted {
		// Both inventories changed; push fresh snapshots.
		for _, id := range []string{trade.InitiatorCharacterID, trade.TargetCharacterID} {
			if _, err := s.publishProgression(ctx, id); err != nil {
				s.log.Printf("progression push after trade %s: %v", trade.ID, err)
			}
		}
	}
	return trade, nil
}

func (s *Service) CancelTrade(ctx context.Context, userID, tradeID, characterID string) (realmdb.Trade, error) {
	if _, err := s.ownedCharacter(ctx, userID, characterID); err != nil {
		return realmdb.Trade{}, err
	}
	return s.store.CancelTrade(ctx, tradeID, characterID)
}

func (s *Service) AdjustResources(ctx context.Context, userID, realmID string, deltas []protocol.ResourceDelta) ([]protocol.ResourceBalance, error) {
	if _, err := s.membership(ctx, realmID, userID); err != nil {
		return nil, err
	}
	return s.store.AdjustResources(ctx, realmID, userID, deltas)
}

func (s *Service) Wallet(ctx context.Context, userID, realmID string) ([]protocol.ResourceBalance, error) {
	if _, err := s.membership(ctx, realmID, userID); err != nil {
		return nil, err
	}
	return s.store.WalletEntries(ctx, realmID, userID)
}

// ReplacePlotGrants rewrites the explicit grant list on a plot. The
// plot owner, a privileged member, or a holder of a manage grant may
// manage grants.
func (s *Service) ReplacePlotGrants(ctx context.Context, userID, plotID string, grants []realmdb.PlotGrant) ([]realmdb.PlotPermission, error) {
	plot, err := s.store.PlotByID(ctx, plotID)
	if err != nil {
		return nil, err
	}
	m, err := s.membership(ctx, plot.RealmID, userID)
	if err != nil {
		return nil, err
	}
	owner := plot.OwnerUserID != nil && *plot.OwnerUserID == userID
	if !owner && !m.Privileged() {
		granted, err := s.store.HasPlotGrant(ctx, plotID, userID, realmdb.PlotPermissionManage)
		if err != nil {
			return nil, err
		}
		if !granted {
			return nil, &realmdb.ForbiddenError{Msg: "only the plot owner, a builder, or a manage grantee may manage grants"}
		}
	}
	return s.store.ReplacePlotPermissions(ctx, plotID, grants)
}

func (s *Service) PlotGrants(ctx context.Context, userID, plotID string) ([]realmdb.PlotPermission, error) {
	plot, err := s.store.PlotByID(ctx, plotID)
	if err != nil {
		return nil, err
	}
	if _, err := s.membership(ctx, plot.RealmID, userID); err != nil {
		return nil, err
	}
	return s.store.PlotPermissions(ctx, plotID)
}

// EnqueueIntent queues a server-authoritative request for the
// background processor.
func (s *Service) EnqueueIntent(ctx context.Context, userID, characterID, requestType, payloadJSON string) (realmdb.Intent, error) {
	if _, err := s.ownedCharacter(ctx, userID, characterID); err != nil {
		return realmdb.Intent{}, err
	}
	return s.store.EnqueueIntent(ctx, characterID, requestType, payloadJSON)
}
