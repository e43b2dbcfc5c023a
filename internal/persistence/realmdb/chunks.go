package realmdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"

	"shardrealm.gg/internal/protocol"
)

const DefaultChangeType = "chunk:update"

// ChunkMutation is one transactional write against a chunk and its
// structures, plots, and the actor's resource wallet. Privileged is the
// resolved builder/owner flag for the actor's realm membership.
type ChunkMutation struct {
	RealmID     string
	ChunkID     string
	ActorUserID string
	Privileged  bool
	ChangeType  string
	Chunk       *protocol.ChunkUpdate
	Structures  []protocol.StructureUpdate
	Plots       []protocol.PlotUpdate
	Resources   []protocol.ResourceDelta
}

type changePayload struct {
	Chunk      *protocol.Chunk            `json:"chunk,omitempty"`
	Structures []protocol.Structure       `json:"structures,omitempty"`
	Plots      []protocol.Plot            `json:"plots,omitempty"`
	Resources  []protocol.ResourceBalance `json:"resources,omitempty"`
}

// ApplyChunkMutation applies every part of the mutation and appends the
// change-log entry in one transaction. Either everything below commits,
// including the log entry, or nothing does.
func (s *Store) ApplyChunkMutation(ctx context.Context, m ChunkMutation) (protocol.ChunkChange, error) {
	if m.RealmID == "" || m.ChunkID == "" {
		return protocol.ChunkChange{}, validationf("realmId and chunkId are required")
	}
	if m.ActorUserID == "" {
		return protocol.ChunkChange{}, validationf("actor is required")
	}
	if m.Chunk == nil && len(m.Structures) == 0 && len(m.Plots) == 0 && len(m.Resources) == 0 {
		return protocol.ChunkChange{}, validationf("mutation is empty")
	}
	changeType := strings.TrimSpace(m.ChangeType)
	if changeType == "" {
		changeType = DefaultChangeType
	}

	var change protocol.ChunkChange
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stamp := s.stamp()

		existing, found, err := chunkRowTx(ctx, tx, m.ChunkID)
		if err != nil {
			return err
		}
		if found && existing.RealmID != m.RealmID {
			return &ForbiddenError{Msg: "chunk belongs to a different realm"}
		}
		if !found && m.Chunk == nil {
			return &NotFoundError{Kind: "chunk", ID: m.ChunkID}
		}

		if !m.Privileged {
			if m.Chunk != nil {
				return &ForbiddenError{Msg: "only builders may write chunk metadata"}
			}
			if len(m.Structures) > 0 {
				return &ForbiddenError{Msg: "only builders may write structures"}
			}
		}

		payload := changePayload{}

		if m.Chunk != nil {
			chunk, err := upsertChunkTx(ctx, tx, m, existing, found, stamp)
			if err != nil {
				return err
			}
			payload.Chunk = &chunk
		}

		for _, su := range m.Structures {
			st, err := upsertStructureTx(ctx, tx, m.RealmID, m.ChunkID, su, stamp)
			if err != nil {
				return err
			}
			payload.Structures = append(payload.Structures, st)
		}

		for _, pu := range m.Plots {
			plot, err := upsertPlotTx(ctx, tx, m, pu, stamp)
			if err != nil {
				return err
			}
			payload.Plots = append(payload.Plots, plot)
		}

		if len(m.Resources) > 0 {
			balances, err := adjustResourcesTx(ctx, tx, m.RealmID, m.ActorUserID, m.Resources, stamp)
			if err != nil {
				return err
			}
			payload.Resources = balances
		}

		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		change = protocol.ChunkChange{
			ChangeID:   uuid.NewString(),
			RealmID:    m.RealmID,
			ChunkID:    m.ChunkID,
			ChangeType: changeType,
			CreatedAt:  stamp,
			Chunk:      payload.Chunk,
			Structures: payload.Structures,
			Plots:      payload.Plots,
			Resources:  payload.Resources,
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO chunk_changes (id, realm_id, chunk_id, change_type, payload_json, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			change.ChangeID, change.RealmID, change.ChunkID, change.ChangeType, string(raw), change.CreatedAt)
		if err != nil {
			return err
		}
		change.Seq, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return protocol.ChunkChange{}, err
	}
	return change, nil
}

func upsertChunkTx(ctx context.Context, tx *sql.Tx, m ChunkMutation, existing protocol.Chunk, found bool, stamp string) (protocol.Chunk, error) {
	cu := m.Chunk
	if !found {
		if cu.ChunkX == nil || cu.ChunkZ == nil {
			return protocol.Chunk{}, validationf("chunkX and chunkZ are required for new chunks")
		}
		chunk := protocol.Chunk{
			ChunkID:   m.ChunkID,
			RealmID:   m.RealmID,
			ChunkX:    *cu.ChunkX,
			ChunkZ:    *cu.ChunkZ,
			Payload:   rawOrEmpty(cu.Payload),
			IsDeleted: cu.IsDeleted,
			CreatedAt: stamp,
			UpdatedAt: stamp,
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO realm_chunks (id, realm_id, chunk_x, chunk_z, payload_json, is_deleted, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			chunk.ChunkID, chunk.RealmID, chunk.ChunkX, chunk.ChunkZ, string(chunk.Payload),
			boolToInt(chunk.IsDeleted), chunk.CreatedAt, chunk.UpdatedAt)
		return chunk, err
	}

	chunk := existing
	if cu.ChunkX != nil {
		chunk.ChunkX = *cu.ChunkX
	}
	if cu.ChunkZ != nil {
		chunk.ChunkZ = *cu.ChunkZ
	}
	if len(cu.Payload) > 0 {
		chunk.Payload = cu.Payload
	}
	chunk.IsDeleted = cu.IsDeleted
	chunk.UpdatedAt = stamp
	_, err := tx.ExecContext(ctx,
		`UPDATE realm_chunks SET chunk_x = ?, chunk_z = ?, payload_json = ?, is_deleted = ?, updated_at = ? WHERE id = ?`,
		chunk.ChunkX, chunk.ChunkZ, string(chunk.Payload), boolToInt(chunk.IsDeleted), chunk.UpdatedAt, chunk.ChunkID)
	return chunk, err
}

func upsertStructureTx(ctx context.Context, tx *sql.Tx, realmID, chunkID string, su protocol.StructureUpdate, stamp string) (protocol.Structure, error) {
	if su.StructureID == "" {
		if su.StructureType == "" {
			return protocol.Structure{}, validationf("structureType is required for new structures")
		}
		st := protocol.Structure{
			StructureID:   uuid.NewString(),
			RealmID:       realmID,
			ChunkID:       chunkID,
			StructureType: su.StructureType,
			Data:          rawOrEmpty(su.Data),
			IsDeleted:     su.IsDeleted,
			CreatedAt:     stamp,
			UpdatedAt:     stamp,
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO chunk_structures (id, realm_id, chunk_id, structure_type, data_json, is_deleted, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			st.StructureID, st.RealmID, st.ChunkID, st.StructureType, string(st.Data),
			boolToInt(st.IsDeleted), st.CreatedAt, st.UpdatedAt)
		return st, err
	}

	st, found, err := structureRowTx(ctx, tx, su.StructureID)
	if err != nil {
		return protocol.Structure{}, err
	}
	if !found {
		return protocol.Structure{}, &NotFoundError{Kind: "structure", ID: su.StructureID}
	}
	if st.ChunkID != chunkID || st.RealmID != realmID {
		return protocol.Structure{}, &ForbiddenError{Msg: "structure belongs to a different chunk"}
	}
	if su.StructureType != "" {
		st.StructureType = su.StructureType
	}
	if len(su.Data) > 0 {
		st.Data = su.Data
	}
	st.IsDeleted = su.IsDeleted
	st.UpdatedAt = stamp
	_, err = tx.ExecContext(ctx,
		`UPDATE chunk_structures SET structure_type = ?, data_json = ?, is_deleted = ?, updated_at = ? WHERE id = ?`,
		st.StructureType, string(st.Data), boolToInt(st.IsDeleted), st.UpdatedAt, st.StructureID)
	return st, err
}

func upsertPlotTx(ctx context.Context, tx *sql.Tx, m ChunkMutation, pu protocol.PlotUpdate, stamp string) (protocol.Plot, error) {
	var plot protocol.Plot
	var found bool
	var err error
	switch {
	case pu.PlotID != "":
		plot, found, err = plotRowTx(ctx, tx, pu.PlotID)
	case pu.PlotIdentifier != "":
		plot, found, err = plotByIdentifierTx(ctx, tx, m.ChunkID, pu.PlotIdentifier)
	default:
		return protocol.Plot{}, validationf("plotId or plotIdentifier is required")
	}
	if err != nil {
		return protocol.Plot{}, err
	}

	if !found {
		if !m.Privileged {
			return protocol.Plot{}, &ForbiddenError{Msg: "only builders may create plots"}
		}
		if pu.PlotIdentifier == "" {
			return protocol.Plot{}, validationf("plotIdentifier is required for new plots")
		}
		plot = protocol.Plot{
			PlotID:         pu.PlotID,
			RealmID:        m.RealmID,
			ChunkID:        m.ChunkID,
			PlotIdentifier: pu.PlotIdentifier,
			OwnerUserID:    pu.OwnerUserID,
			Data:           rawOrEmpty(pu.Data),
			IsDeleted:      pu.IsDeleted,
			CreatedAt:      stamp,
			UpdatedAt:      stamp,
		}
		if plot.PlotID == "" {
			plot.PlotID = uuid.NewString()
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO chunk_plots (id, realm_id, chunk_id, plot_identifier, owner_user_id, data_json, is_deleted, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			plot.PlotID, plot.RealmID, plot.ChunkID, plot.PlotIdentifier, plot.OwnerUserID,
			string(plot.Data), boolToInt(plot.IsDeleted), plot.CreatedAt, plot.UpdatedAt)
		return plot, err
	}

	if plot.ChunkID != m.ChunkID || plot.RealmID != m.RealmID {
		return protocol.Plot{}, &ForbiddenError{Msg: "plot belongs to a different chunk"}
	}
	if !m.Privileged {
		if plot.IsDeleted {
			return protocol.Plot{}, &ForbiddenError{Msg: "plot is deleted"}
		}
		if plot.OwnerUserID == nil || *plot.OwnerUserID != m.ActorUserID {
			return protocol.Plot{}, &ForbiddenError{Msg: "plot is not owned by the actor"}
		}
		if pu.OwnerUserID != nil && *pu.OwnerUserID != m.ActorUserID {
			return protocol.Plot{}, &ForbiddenError{Msg: "only builders may reassign plot ownership"}
		}
	}
	if pu.OwnerUserID != nil {
		plot.OwnerUserID = pu.OwnerUserID
	}
	if len(pu.Data) > 0 {
		plot.Data = pu.Data
	}
	plot.IsDeleted = pu.IsDeleted
	plot.UpdatedAt = stamp
	_, err = tx.ExecContext(ctx,
		`UPDATE chunk_plots SET owner_user_id = ?, data_json = ?, is_deleted = ?, updated_at = ? WHERE id = ?`,
		plot.OwnerUserID, string(plot.Data), boolToInt(plot.IsDeleted), plot.UpdatedAt, plot.PlotID)
	return plot, err
}

// RealmSnapshot returns the current world state. With updatedAfter set,
// only chunks written after that stamp come back, deletion markers
// included; a full snapshot skips deleted rows.
func (s *Store) RealmSnapshot(ctx context.Context, realmID, updatedAfter string) (protocol.SnapshotEnvelope, error) {
	if _, err := s.RealmByID(ctx, realmID); err != nil {
		return protocol.SnapshotEnvelope{}, err
	}

	query := `SELECT id, realm_id, chunk_x, chunk_z, payload_json, is_deleted, created_at, updated_at
		 FROM realm_chunks WHERE realm_id = ?`
	args := []any{realmID}
	if updatedAfter != "" {
		query += ` AND updated_at > ?`
		args = append(args, updatedAfter)
	} else {
		query += ` AND is_deleted = 0`
	}
	query += ` ORDER BY chunk_x, chunk_z`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return protocol.SnapshotEnvelope{}, err
	}
	chunks := make([]protocol.ChunkSnapshot, 0)
	ids := make([]string, 0)
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			rows.Close()
			return protocol.SnapshotEnvelope{}, err
		}
		chunks = append(chunks, protocol.ChunkSnapshot{
			Chunk:      chunk,
			Structures: []protocol.Structure{},
			Plots:      []protocol.Plot{},
		})
		ids = append(ids, chunk.ChunkID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return protocol.SnapshotEnvelope{}, err
	}
	rows.Close()

	includeDeleted := updatedAfter != ""
	structures, plots, err := s.chunkDetails(ctx, ids, includeDeleted)
	if err != nil {
		return protocol.SnapshotEnvelope{}, err
	}
	for i := range chunks {
		if sts, ok := structures[chunks[i].ChunkID]; ok {
			chunks[i].Structures = sts
		}
		if pls, ok := plots[chunks[i].ChunkID]; ok {
			chunks[i].Plots = pls
		}
	}

	return protocol.SnapshotEnvelope{
		RealmID:         realmID,
		ServerTimestamp: s.stamp(),
		Chunks:          chunks,
	}, nil
}

func (s *Store) chunkDetails(ctx context.Context, chunkIDs []string, includeDeleted bool) (map[string][]protocol.Structure, map[string][]protocol.Plot, error) {
	structures := make(map[string][]protocol.Structure)
	plots := make(map[string][]protocol.Plot)
	if len(chunkIDs) == 0 {
		return structures, plots, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunkIDs)), ",")
	args := make([]any, len(chunkIDs))
	for i, id := range chunkIDs {
		args[i] = id
	}
	deletedFilter := " AND is_deleted = 0"
	if includeDeleted {
		deletedFilter = ""
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, realm_id, chunk_id, structure_type, data_json, is_deleted, created_at, updated_at
		 FROM chunk_structures WHERE chunk_id IN (`+placeholders+`)`+deletedFilter, args...)
	if err != nil {
		return nil, nil, err
	}
	for rows.Next() {
		st, err := scanStructure(rows)
		if err != nil {
			rows.Close()
			return nil, nil, err
		}
		structures[st.ChunkID] = append(structures[st.ChunkID], st)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, nil, err
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx,
		`SELECT id, realm_id, chunk_id, plot_identifier, owner_user_id, data_json, is_deleted, created_at, updated_at
		 FROM chunk_plots WHERE chunk_id IN (`+placeholders+`)`+deletedFilter, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	for rows.Next() {
		plot, err := scanPlot(rows)
		if err != nil {
			return nil, nil, err
		}
		plots[plot.ChunkID] = append(plots[plot.ChunkID], plot)
	}
	return structures, plots, rows.Err()
}

// ChangeFeed returns committed changes with seq greater than afterSeq in
// commit order.
func (s *Store) ChangeFeed(ctx context.Context, realmID string, afterSeq int64, limit int) (protocol.ChangeFeedEnvelope, error) {
	if limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, realm_id, chunk_id, change_type, payload_json, created_at
		 FROM chunk_changes WHERE realm_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?`,
		realmID, afterSeq, limit)
	if err != nil {
		return protocol.ChangeFeedEnvelope{}, err
	}
	defer rows.Close()

	changes := make([]protocol.ChunkChange, 0)
	for rows.Next() {
		change, err := scanChange(rows)
		if err != nil {
			return protocol.ChangeFeedEnvelope{}, err
		}
		changes = append(changes, change)
	}
	if err := rows.Err(); err != nil {
		return protocol.ChangeFeedEnvelope{}, err
	}
	return protocol.ChangeFeedEnvelope{
		RealmID:         realmID,
		ServerTimestamp: s.stamp(),
		Changes:         changes,
	}, nil
}

// PruneChangesBefore deletes change-log entries older than the cutoff
// stamp and returns them, oldest first, so callers can archive what was
// removed.
func (s *Store) PruneChangesBefore(ctx context.Context, cutoff string) ([]protocol.ChunkChange, error) {
	var pruned []protocol.ChunkChange
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT seq, id, realm_id, chunk_id, change_type, payload_json, created_at
			 FROM chunk_changes WHERE created_at < ? ORDER BY seq ASC`, cutoff)
		if err != nil {
			return err
		}
		for rows.Next() {
			change, err := scanChange(rows)
			if err != nil {
				rows.Close()
				return err
			}
			pruned = append(pruned, change)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()
		_, err = tx.ExecContext(ctx, `DELETE FROM chunk_changes WHERE created_at < ?`, cutoff)
		return err
	})
	if err != nil {
		return nil, err
	}
	return pruned, nil
}

// PendingChanges reports the change-log backlog size.
func (s *Store) PendingChanges(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunk_changes`).Scan(&n)
	return n, err
}

func rawOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}

func chunkRowTx(ctx context.Context, tx *sql.Tx, chunkID string) (protocol.Chunk, bool, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT id, realm_id, chunk_x, chunk_z, payload_json, is_deleted, created_at, updated_at
		 FROM realm_chunks WHERE id = ?`, chunkID)
	var c protocol.Chunk
	var payload string
	var deleted int
	err := row.Scan(&c.ChunkID, &c.RealmID, &c.ChunkX, &c.ChunkZ, &payload, &deleted, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.Chunk{}, false, nil
	}
	if err != nil {
		return protocol.Chunk{}, false, err
	}
	c.Payload = json.RawMessage(payload)
	c.IsDeleted = deleted != 0
	return c, true, nil
}

func structureRowTx(ctx context.Context, tx *sql.Tx, id string) (protocol.Structure, bool, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT id, realm_id, chunk_id, structure_type, data_json, is_deleted, created_at, updated_at
		 FROM chunk_structures WHERE id = ?`, id)
	var st protocol.Structure
	var data string
	var deleted int
	err := row.Scan(&st.StructureID, &st.RealmID, &st.ChunkID, &st.StructureType, &data, &deleted, &st.CreatedAt, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.Structure{}, false, nil
	}
	if err != nil {
		return protocol.Structure{}, false, err
	}
	st.Data = json.RawMessage(data)
	st.IsDeleted = deleted != 0
	return st, true, nil
}

func plotRowTx(ctx context.Context, tx *sql.Tx, id string) (protocol.Plot, bool, error) {
	return scanPlotRow(tx.QueryRowContext(ctx,
		`SELECT id, realm_id, chunk_id, plot_identifier, owner_user_id, data_json, is_deleted, created_at, updated_at
		 FROM chunk_plots WHERE id = ?`, id))
}

func plotByIdentifierTx(ctx context.Context, tx *sql.Tx, chunkID, identifier string) (protocol.Plot, bool, error) {
	return scanPlotRow(tx.QueryRowContext(ctx,
		`SELECT id, realm_id, chunk_id, plot_identifier, owner_user_id, data_json, is_deleted, created_at, updated_at
		 FROM chunk_plots WHERE chunk_id = ? AND plot_identifier = ?`, chunkID, identifier))
}

func scanPlotRow(row *sql.Row) (protocol.Plot, bool, error) {
	var p protocol.Plot
	var owner sql.NullString
	var data string
	var deleted int
	err := row.Scan(&p.PlotID, &p.RealmID, &p.ChunkID, &p.PlotIdentifier, &owner, &data, &deleted, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.Plot{}, false, nil
	}
	if err != nil {
		return protocol.Plot{}, false, err
	}
	if owner.Valid {
		p.OwnerUserID = &owner.String
	}
	p.Data = json.RawMessage(data)
	p.IsDeleted = deleted != 0
	return p, true, nil
}

func scanChunk(rows *sql.Rows) (protocol.Chunk, error) {
	var c protocol.Chunk
	var payload string
	var deleted int
	err := rows.Scan(&c.ChunkID, &c.RealmID, &c.ChunkX, &c.ChunkZ, &payload, &deleted, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return protocol.Chunk{}, err
	}
	c.Payload = json.RawMessage(payload)
	c.IsDeleted = deleted != 0
	return c, nil
}

func scanStructure(rows *sql.Rows) (protocol.Structure, error) {
	var st protocol.Structure
	var data string
	var deleted int
	err := rows.Scan(&st.StructureID, &st.RealmID, &st.ChunkID, &st.StructureType, &data, &deleted, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return protocol.Structure{}, err
	}
	st.Data = json.RawMessage(data)
	st.IsDeleted = deleted != 0
	return st, nil
}

func scanPlot(rows *sql.Rows) (protocol.Plot, error) {
	var p protocol.Plot
	var owner sql.NullString
	var data string
	var deleted int
	err := rows.Scan(&p.PlotID, &p.RealmID, &p.ChunkID, &p.PlotIdentifier, &owner, &data, &deleted, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return protocol.Plot{}, err
	}
	if owner.Valid {
		p.OwnerUserID = &owner.String
	}
	p.Data = json.RawMessage(data)
	p.IsDeleted = deleted != 0
	return p, nil
}

func scanChange(rows *sql.Rows) (protocol.ChunkChange, error) {
	var change protocol.ChunkChange
	var payload string
	if err := rows.Scan(&change.Seq, &change.ChangeID, &change.RealmID, &change.ChunkID, &change.ChangeType, &payload, &change.CreatedAt); err != nil {
		return protocol.ChunkChange{}, err
	}
	var body changePayload
	if err := json.Unmarshal([]byte(payload), &body); err != nil {
		return protocol.ChunkChange{}, err
	}
	change.Chunk = body.Chunk
	change.Structures = body.Structures
	change.Plots = body.Plots
	change.Resources = body.Resources
	return change, nil
}
