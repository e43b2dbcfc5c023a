package realmdb

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"shardrealm.gg/internal/protocol"
)

const (
	TradePending   = "pending"
	TradeAccepted  = "accepted"
	TradeCompleted = "completed"
	TradeCancelled = "cancelled"
)

type Trade struct {
	ID                   string
	RealmID              string
	InitiatorCharacterID string
	TargetCharacterID    string
	InitiatorAccepted    bool
	TargetAccepted       bool
	Status               string
	CreatedAt            string
	UpdatedAt            string
}

type TradeItem struct {
	ID           string
	TradeID      string
	CharacterID  string
	ItemID       string
	Quantity     int64
	MetadataJSON string
}

func (t Trade) participant(characterID string) bool {
	return characterID == t.InitiatorCharacterID || characterID == t.TargetCharacterID
}

func (t Trade) terminal() bool {
	return t.Status == TradeCompleted || t.Status == TradeCancelled
}

func (s *Store) CreateTrade(ctx context.Context, realmID, initiatorID, targetID string) (Trade, error) {
	if initiatorID == targetID {
		return Trade{}, validationf("a trade needs two distinct characters")
	}
	var trade Trade
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		initiator, err := characterByIDTx(ctx, tx, initiatorID)
		if err != nil {
			return err
		}
		target, err := characterByIDTx(ctx, tx, targetID)
		if err != nil {
			return err
		}
		if initiator.RealmID != realmID || target.RealmID != realmID {
			return validationf("both characters must belong to realm %s", realmID)
		}
		stamp := s.stamp()
		trade = Trade{
			ID:                   uuid.NewString(),
			RealmID:              realmID,
			InitiatorCharacterID: initiatorID,
			TargetCharacterID:    targetID,
			Status:               TradePending,
			CreatedAt:            stamp,
			UpdatedAt:            stamp,
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO trades (id, realm_id, initiator_character_id, target_character_id,
				initiator_accepted, target_accepted, status, created_at, updated_at)
			 VALUES (?, ?, ?, ?, 0, 0, ?, ?, ?)`,
			trade.ID, trade.RealmID, trade.InitiatorCharacterID, trade.TargetCharacterID,
			trade.Status, trade.CreatedAt, trade.UpdatedAt)
		return err
	})
	if err != nil {
		return Trade{}, err
	}
	return trade, nil
}

func (s *Store) TradeByID(ctx context.Context, tradeID string) (Trade, error) {
	var trade Trade
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		trade, err = tradeByIDTx(ctx, tx, tradeID)
		return err
	})
	if err != nil {
		return Trade{}, err
	}
	return trade, nil
}

func (s *Store) TradeItems(ctx context.Context, tradeID string) ([]TradeItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, trade_id, character_id, item_id, quantity, metadata_json
		 FROM trade_items WHERE trade_id = ? ORDER BY character_id, item_id`,
		tradeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]TradeItem, 0)
	for rows.Next() {
		var item TradeItem
		if err := rows.Scan(&item.ID, &item.TradeID, &item.CharacterID, &item.ItemID, &item.Quantity, &item.MetadataJSON); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// AddTradeItem sets the character's offer for one item. The offer must
// stay covered by the character's current inventory. Any new offer
// clears both accept flags.
func (s *Store) AddTradeItem(ctx context.Context, tradeID, characterID, itemID string, quantity int64, metadataJSON string) (TradeItem, error) {
	if itemID == "" {
		return TradeItem{}, validationf("itemId is required")
	}
	if quantity <= 0 {
		return TradeItem{}, validationf("quantity must be > 0")
	}
	if metadataJSON == "" {
		metadataJSON = "{}"
	}
	var item TradeItem
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		trade, err := tradeByIDTx(ctx, tx, tradeID)
		if err != nil {
			return err
		}
		if trade.Status != TradePending {
			return &TradeStateError{TradeID: tradeID, Status: trade.Status, Op: "add item"}
		}
		if !trade.participant(characterID) {
			return &ForbiddenError{Msg: "character is not part of this trade"}
		}

		held, err := heldQuantityTx(ctx, tx, characterID, itemID)
		if err != nil {
			return err
		}
		if held < quantity {
			return &InsufficientResourceError{ResourceType: itemID, Requested: quantity, Available: held}
		}

		item = TradeItem{
			ID:           uuid.NewString(),
			TradeID:      tradeID,
			CharacterID:  characterID,
			ItemID:       itemID,
			Quantity:     quantity,
			MetadataJSON: metadataJSON,
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO trade_items (id, trade_id, character_id, item_id, quantity, metadata_json)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(trade_id, character_id, item_id)
			 DO UPDATE SET quantity = excluded.quantity, metadata_json = excluded.metadata_json`,
			item.ID, item.TradeID, item.CharacterID, item.ItemID, item.Quantity, item.MetadataJSON)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE trades SET initiator_accepted = 0, target_accepted = 0, updated_at = ? WHERE id = ?`,
			s.stamp(), tradeID)
		return err
	})
	if err != nil {
		return TradeItem{}, err
	}
	return item, nil
}

// AcceptTrade flags the character's acceptance. Once both sides have
// accepted, the item swap runs in the same transaction: both
// inventories are rewritten at the versions read here, so any
// concurrent inventory write serialized before us moves the version and
// surfaces as a conflict instead of a lost update.
func (s *Store) AcceptTrade(ctx context.Context, tradeID, characterID string) (Trade, error) {
	var trade Trade
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		trade, err = tradeByIDTx(ctx, tx, tradeID)
		if err != nil {
			return err
		}
		if trade.terminal() {
			return &TradeStateError{TradeID: tradeID, Status: trade.Status, Op: "accept"}
		}
		if !trade.participant(characterID) {
			return &ForbiddenError{Msg: "character is not part of this trade"}
		}

		if characterID == trade.InitiatorCharacterID {
			trade.InitiatorAccepted = true
		} else {
			trade.TargetAccepted = true
		}
		stamp := s.stamp()
		trade.UpdatedAt = stamp
		if trade.InitiatorAccepted && trade.TargetAccepted {
			trade.Status = TradeAccepted
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE trades SET initiator_accepted = ?, target_accepted = ?, status = ?, updated_at = ? WHERE id = ?`,
			boolToInt(trade.InitiatorAccepted), boolToInt(trade.TargetAccepted), trade.Status, trade.UpdatedAt, trade.ID)
		if err != nil {
			return err
		}
		if trade.Status != TradeAccepted {
			return nil
		}

		if err := completeTradeTx(ctx, tx, &trade, stamp); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE trades SET status = ?, updated_at = ? WHERE id = ?`,
			trade.Status, trade.UpdatedAt, trade.ID)
		return err
	})
	if err != nil {
		return Trade{}, err
	}
	return trade, nil
}

func completeTradeTx(ctx context.Context, tx *sql.Tx, trade *Trade, stamp string) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT character_id, item_id, quantity, metadata_json
		 FROM trade_items WHERE trade_id = ? ORDER BY character_id, item_id`,
		trade.ID)
	if err != nil {
		return err
	}
	offers := map[string][]TradeItem{}
	for rows.Next() {
		var item TradeItem
		if err := rows.Scan(&item.CharacterID, &item.ItemID, &item.Quantity, &item.MetadataJSON); err != nil {
			rows.Close()
			return err
		}
		offers[item.CharacterID] = append(offers[item.CharacterID], item)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	initiator := trade.InitiatorCharacterID
	target := trade.TargetCharacterID
	for _, characterID := range []string{initiator, target} {
		other := target
		if characterID == target {
			other = initiator
		}
		version, _, items, err := snapshotRowsTx(ctx, tx, inventoryCollection, characterID, stamp)
		if err != nil {
			return err
		}
		after, err := inventoryAfterTrade(items, offers[characterID], offers[other])
		if err != nil {
			return err
		}
		if _, _, err := replaceRowsTx(ctx, tx, inventoryCollection, characterID, after, version, stamp); err != nil {
			return err
		}
	}

	trade.Status = TradeCompleted
	trade.UpdatedAt = stamp
	return nil
}

// inventoryAfterTrade subtracts the outgoing offer and adds the
// incoming one. Quantities that reach zero drop out; a quantity that
// would go negative aborts the whole completion.
func inventoryAfterTrade(items []protocol.InventoryItem, outgoing, incoming []TradeItem) ([]protocol.InventoryItem, error) {
	byID := make(map[string]protocol.InventoryItem, len(items))
	order := make([]string, 0, len(items))
	for _, item := range items {
		byID[item.ItemID] = item
		order = append(order, item.ItemID)
	}
	for _, offer := range outgoing {
		cur, ok := byID[offer.ItemID]
		if !ok || cur.Quantity < offer.Quantity {
			return nil, &InsufficientResourceError{
				ResourceType: offer.ItemID,
				Requested:    offer.Quantity,
				Available:    cur.Quantity,
			}
		}
		cur.Quantity -= offer.Quantity
		byID[offer.ItemID] = cur
	}
	for _, offer := range incoming {
		cur, ok := byID[offer.ItemID]
		if !ok {
			byID[offer.ItemID] = protocol.InventoryItem{
				ItemID:       offer.ItemID,
				Quantity:     offer.Quantity,
				MetadataJSON: offer.MetadataJSON,
			}
			order = append(order, offer.ItemID)
			continue
		}
		cur.Quantity += offer.Quantity
		byID[offer.ItemID] = cur
	}
	out := make([]protocol.InventoryItem, 0, len(order))
	for _, id := range order {
		if item := byID[id]; item.Quantity > 0 {
			out = append(out, item)
		}
	}
	return out, nil
}

func (s *Store) CancelTrade(ctx context.Context, tradeID, characterID string) (Trade, error) {
	var trade Trade
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		trade, err = tradeByIDTx(ctx, tx, tradeID)
		if err != nil {
			return err
		}
		if trade.terminal() {
			return &TradeStateError{TradeID: tradeID, Status: trade.Status, Op: "cancel"}
		}
		if !trade.participant(characterID) {
			return &ForbiddenError{Msg: "character is not part of this trade"}
		}
		trade.Status = TradeCancelled
		trade.UpdatedAt = s.stamp()
		_, err = tx.ExecContext(ctx,
			`UPDATE trades SET status = ?, updated_at = ? WHERE id = ?`,
			trade.Status, trade.UpdatedAt, trade.ID)
		return err
	})
	if err != nil {
		return Trade{}, err
	}
	return trade, nil
}

func tradeByIDTx(ctx context.Context, tx *sql.Tx, tradeID string) (Trade, error) {
	var t Trade
	var initiatorAccepted, targetAccepted int
	err := tx.QueryRowContext(ctx,
		`SELECT id, realm_id, initiator_character_id, target_character_id,
			initiator_accepted, target_accepted, status, created_at, updated_at
		 FROM trades WHERE id = ?`, tradeID).
		Scan(&t.ID, &t.RealmID, &t.InitiatorCharacterID, &t.TargetCharacterID,
			&initiatorAccepted, &targetAccepted, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Trade{}, &NotFoundError{Kind: "trade", ID: tradeID}
	}
	if err != nil {
		return Trade{}, err
	}
	t.InitiatorAccepted = initiatorAccepted != 0
	t.TargetAccepted = targetAccepted != 0
	return t, nil
}

func heldQuantityTx(ctx context.Context, tx *sql.Tx, characterID, itemID string) (int64, error) {
	var held int64
	err := tx.QueryRowContext(ctx,
		`SELECT quantity FROM character_inventory_items WHERE character_id = ? AND item_id = ?`,
		characterID, itemID).Scan(&held)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return held, err
}
