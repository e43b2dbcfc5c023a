package realmdb

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"shardrealm.gg/internal/protocol"
)

const (
	PlotPermissionBuild  = "build"
	PlotPermissionManage = "manage"
)

type PlotPermission struct {
	ID         string
	PlotID     string
	RealmID    string
	UserID     string
	Permission string
	CreatedAt  string
	UpdatedAt  string
}

type PlotGrant struct {
	UserID     string
	Permission string
}

// PlotByID loads one plot regardless of deletion state.
func (s *Store) PlotByID(ctx context.Context, plotID string) (protocol.Plot, error) {
	var plot protocol.Plot
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		p, found, err := plotRowTx(ctx, tx, plotID)
		if err != nil {
			return err
		}
		if !found {
			return &NotFoundError{Kind: "plot", ID: plotID}
		}
		plot = p
		return nil
	})
	if err != nil {
		return protocol.Plot{}, err
	}
	return plot, nil
}

// PlotPermissions lists the explicit grants on a plot. Owner and
// builder rights are implicit and never stored here.
func (s *Store) PlotPermissions(ctx context.Context, plotID string) ([]PlotPermission, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, plot_id, realm_id, user_id, permission, created_at, updated_at
		 FROM plot_permissions WHERE plot_id = ? ORDER BY user_id`,
		plotID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]PlotPermission, 0)
	for rows.Next() {
		var p PlotPermission
		if err := rows.Scan(&p.ID, &p.PlotID, &p.RealmID, &p.UserID, &p.Permission, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ReplacePlotPermissions swaps the full grant list for a plot.
func (s *Store) ReplacePlotPermissions(ctx context.Context, plotID string, grants []PlotGrant) ([]PlotPermission, error) {
	seen := map[string]bool{}
	for _, g := range grants {
		if g.UserID == "" {
			return nil, validationf("userId is required")
		}
		if seen[g.UserID] {
			return nil, validationf("duplicate grant for user %q", g.UserID)
		}
		seen[g.UserID] = true
		switch g.Permission {
		case PlotPermissionBuild, PlotPermissionManage:
		default:
			return nil, validationf("unknown plot permission %q", g.Permission)
		}
	}

	var out []PlotPermission
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		plot, found, err := plotRowTx(ctx, tx, plotID)
		if err != nil {
			return err
		}
		if !found {
			return &NotFoundError{Kind: "plot", ID: plotID}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM plot_permissions WHERE plot_id = ?`, plotID); err != nil {
			return err
		}
		stamp := s.stamp()
		out = make([]PlotPermission, 0, len(grants))
		for _, g := range grants {
			p := PlotPermission{
				ID:         uuid.NewString(),
				PlotID:     plotID,
				RealmID:    plot.RealmID,
				UserID:     g.UserID,
				Permission: g.Permission,
				CreatedAt:  stamp,
				UpdatedAt:  stamp,
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO plot_permissions (id, plot_id, realm_id, user_id, permission, created_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				p.ID, p.PlotID, p.RealmID, p.UserID, p.Permission, p.CreatedAt, p.UpdatedAt)
			if err != nil {
				return err
			}
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// HasPlotGrant reports whether the user holds an explicit grant of at
// least the named permission. manage implies build.
func (s *Store) HasPlotGrant(ctx context.Context, plotID, userID, permission string) (bool, error) {
	var stored string
	err := s.db.QueryRowContext(ctx,
		`SELECT permission FROM plot_permissions WHERE plot_id = ? AND user_id = ?`,
		plotID, userID).Scan(&stored)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if stored == PlotPermissionManage {
		return true, nil
	}
	return stored == permission, nil
}
