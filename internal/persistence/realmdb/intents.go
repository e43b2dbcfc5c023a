package realmdb

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
)

const (
	IntentPending    = "pending"
	IntentProcessing = "processing"
	IntentCompleted  = "completed"
	IntentRejected   = "rejected"
)

// Intent is a queued server-authoritative request. Clients enqueue,
// a background processor claims and resolves.
type Intent struct {
	ID          string
	CharacterID string
	RequestType string
	PayloadJSON string
	Status      string
	Reason      string
	CreatedAt   string
	UpdatedAt   string
}

func (s *Store) EnqueueIntent(ctx context.Context, characterID, requestType, payloadJSON string) (Intent, error) {
	if characterID == "" || requestType == "" {
		return Intent{}, validationf("characterId and requestType are required")
	}
	if payloadJSON == "" {
		payloadJSON = "{}"
	}
	if _, err := s.CharacterByID(ctx, characterID); err != nil {
		return Intent{}, err
	}
	stamp := s.stamp()
	in := Intent{
		ID:          uuid.NewString(),
		CharacterID: characterID,
		RequestType: requestType,
		PayloadJSON: payloadJSON,
		Status:      IntentPending,
		CreatedAt:   stamp,
		UpdatedAt:   stamp,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO action_requests (id, character_id, request_type, payload_json, status, reason, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, '', ?, ?)`,
		in.ID, in.CharacterID, in.RequestType, in.PayloadJSON, in.Status, in.CreatedAt, in.UpdatedAt)
	if err != nil {
		return Intent{}, err
	}
	return in, nil
}

// ClaimPendingIntents moves up to limit pending intents to processing
// and returns them oldest first. Claiming and reading happen in one
// transaction so two processors never pick up the same intent.
func (s *Store) ClaimPendingIntents(ctx context.Context, limit int) ([]Intent, error) {
	if limit <= 0 {
		limit = 25
	}
	var claimed []Intent
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id, character_id, request_type, payload_json, status, reason, created_at, updated_at
			 FROM action_requests WHERE status = ? ORDER BY created_at ASC, rowid ASC LIMIT ?`,
			IntentPending, limit)
		if err != nil {
			return err
		}
		for rows.Next() {
			var in Intent
			if err := rows.Scan(&in.ID, &in.CharacterID, &in.RequestType, &in.PayloadJSON,
				&in.Status, &in.Reason, &in.CreatedAt, &in.UpdatedAt); err != nil {
				rows.Close()
				return err
			}
			claimed = append(claimed, in)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		stamp := s.stamp()
		for i := range claimed {
			claimed[i].Status = IntentProcessing
			claimed[i].UpdatedAt = stamp
			if _, err := tx.ExecContext(ctx,
				`UPDATE action_requests SET status = ?, updated_at = ? WHERE id = ?`,
				IntentProcessing, stamp, claimed[i].ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *Store) ResolveIntent(ctx context.Context, intentID, status, reason string) (Intent, error) {
	if status != IntentCompleted && status != IntentRejected {
		return Intent{}, validationf("intents resolve to completed or rejected, got %q", status)
	}
	stamp := s.stamp()
	res, err := s.db.ExecContext(ctx,
		`UPDATE action_requests SET status = ?, reason = ?, updated_at = ? WHERE id = ?`,
		status, reason, stamp, intentID)
	if err != nil {
		return Intent{}, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return Intent{}, &NotFoundError{Kind: "intent", ID: intentID}
	}
	return s.IntentByID(ctx, intentID)
}

func (s *Store) IntentByID(ctx context.Context, intentID string) (Intent, error) {
	var in Intent
	err := s.db.QueryRowContext(ctx,
		`SELECT id, character_id, request_type, payload_json, status, reason, created_at, updated_at
		 FROM action_requests WHERE id = ?`, intentID).
		Scan(&in.ID, &in.CharacterID, &in.RequestType, &in.PayloadJSON,
			&in.Status, &in.Reason, &in.CreatedAt, &in.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Intent{}, &NotFoundError{Kind: "intent", ID: intentID}
	}
	if err != nil {
		return Intent{}, err
	}
	return in, nil
}
