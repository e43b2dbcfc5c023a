package realmdb

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"shardrealm.gg/internal/protocol"
)

// AdjustResources applies every delta or none of them. The returned
// balances cover only the touched resource types.
func (s *Store) AdjustResources(ctx context.Context, realmID, userID string, deltas []protocol.ResourceDelta) ([]protocol.ResourceBalance, error) {
	if realmID == "" || userID == "" {
		return nil, validationf("realmId and userId are required")
	}
	var balances []protocol.ResourceBalance
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		balances, err = adjustResourcesTx(ctx, tx, realmID, userID, deltas, s.stamp())
		return err
	})
	if err != nil {
		return nil, err
	}
	return balances, nil
}

// adjustResourcesTx runs inside the caller's transaction so a failing
// delta rolls back everything the mutation has written so far.
func adjustResourcesTx(ctx context.Context, tx *sql.Tx, realmID, userID string, deltas []protocol.ResourceDelta, stamp string) ([]protocol.ResourceBalance, error) {
	balances := make([]protocol.ResourceBalance, 0, len(deltas))
	seen := map[string]bool{}
	for _, d := range deltas {
		if d.ResourceType == "" {
			return nil, validationf("resourceType is required")
		}
		if seen[d.ResourceType] {
			return nil, validationf("duplicate resourceType %q", d.ResourceType)
		}
		seen[d.ResourceType] = true

		var id string
		var current int64
		err := tx.QueryRowContext(ctx,
			`SELECT id, quantity FROM realm_resource_wallets
			 WHERE realm_id = ? AND user_id = ? AND resource_type = ?`,
			realmID, userID, d.ResourceType).Scan(&id, &current)
		if errors.Is(err, sql.ErrNoRows) {
			id = uuid.NewString()
			current = 0
			err = nil
		}
		if err != nil {
			return nil, err
		}

		next := current + d.Delta
		if next < 0 {
			return nil, &InsufficientResourceError{
				ResourceType: d.ResourceType,
				Requested:    -d.Delta,
				Available:    current,
			}
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO realm_resource_wallets (id, realm_id, user_id, resource_type, quantity, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(realm_id, user_id, resource_type)
			 DO UPDATE SET quantity = excluded.quantity, updated_at = excluded.updated_at`,
			id, realmID, userID, d.ResourceType, next, stamp)
		if err != nil {
			return nil, err
		}
		balances = append(balances, protocol.ResourceBalance{
			RealmID:      realmID,
			UserID:       userID,
			ResourceType: d.ResourceType,
			Quantity:     next,
			UpdatedAt:    stamp,
		})
	}
	return balances, nil
}

// WalletEntries lists every balance the user holds in the realm.
func (s *Store) WalletEntries(ctx context.Context, realmID, userID string) ([]protocol.ResourceBalance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT realm_id, user_id, resource_type, quantity, updated_at
		 FROM realm_resource_wallets WHERE realm_id = ? AND user_id = ?
		 ORDER BY resource_type`,
		realmID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]protocol.ResourceBalance, 0)
	for rows.Next() {
		var b protocol.ResourceBalance
		if err := rows.Scan(&b.RealmID, &b.UserID, &b.ResourceType, &b.Quantity, &b.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
