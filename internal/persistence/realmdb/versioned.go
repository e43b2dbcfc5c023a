package realmdb

import (
	"context"
	"database/sql"
)

// collection describes one versioned detail set: a meta table carrying
// {version, updated_at} per owner and a row table replaced wholesale on
// every write.
type collection[T any] struct {
	name      string
	metaTable string
	selectSQL string
	deleteSQL string
	insertSQL string
	args      func(ownerID string, row T) []any
	scan      func(rows *sql.Rows) (T, error)
}

func ensureMetaTx(ctx context.Context, tx *sql.Tx, metaTable, ownerID, stamp string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO `+metaTable+` (character_id, version, updated_at) VALUES (?, 0, ?)`,
		ownerID, stamp)
	return err
}

func metaTx(ctx context.Context, tx *sql.Tx, metaTable, ownerID string) (int64, string, error) {
	var version int64
	var updatedAt string
	err := tx.QueryRowContext(ctx,
		`SELECT version, updated_at FROM `+metaTable+` WHERE character_id = ?`, ownerID).
		Scan(&version, &updatedAt)
	if err != nil {
		return 0, "", err
	}
	return version, updatedAt, nil
}

func loadRowsTx[T any](ctx context.Context, tx *sql.Tx, c collection[T], ownerID string) ([]T, error) {
	rows, err := tx.QueryContext(ctx, c.selectSQL, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]T, 0)
	for rows.Next() {
		row, err := c.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// replaceRowsTx swaps the whole detail set: delete-then-insert under the
// meta version check, then bump the version by exactly one.
func replaceRowsTx[T any](ctx context.Context, tx *sql.Tx, c collection[T], ownerID string, newRows []T, expected int64, stamp string) (int64, string, error) {
	if err := ensureMetaTx(ctx, tx, c.metaTable, ownerID, stamp); err != nil {
		return 0, "", err
	}
	actual, _, err := metaTx(ctx, tx, c.metaTable, ownerID)
	if err != nil {
		return 0, "", err
	}
	if actual != expected {
		return 0, "", &VersionConflictError{Collection: c.name, Expected: expected, Actual: actual}
	}
	if _, err := tx.ExecContext(ctx, c.deleteSQL, ownerID); err != nil {
		return 0, "", err
	}
	for _, row := range newRows {
		if _, err := tx.ExecContext(ctx, c.insertSQL, c.args(ownerID, row)...); err != nil {
			return 0, "", err
		}
	}
	next := actual + 1
	_, err = tx.ExecContext(ctx,
		`UPDATE `+c.metaTable+` SET version = ?, updated_at = ? WHERE character_id = ?`,
		next, stamp, ownerID)
	if err != nil {
		return 0, "", err
	}
	return next, stamp, nil
}

// snapshotRowsTx reads the meta row and the detail rows together; owners
// that have never been written read back as version 0 with no rows.
func snapshotRowsTx[T any](ctx context.Context, tx *sql.Tx, c collection[T], ownerID, stamp string) (int64, string, []T, error) {
	if err := ensureMetaTx(ctx, tx, c.metaTable, ownerID, stamp); err != nil {
		return 0, "", nil, err
	}
	version, updatedAt, err := metaTx(ctx, tx, c.metaTable, ownerID)
	if err != nil {
		return 0, "", nil, err
	}
	rows, err := loadRowsTx(ctx, tx, c, ownerID)
	if err != nil {
		return 0, "", nil, err
	}
	return version, updatedAt, rows, nil
}
