package realmdb

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"

	"shardrealm.gg/internal/rules"
)

const (
	RoleMember  = "member"
	RoleBuilder = "builder"
	RoleOwner   = "owner"
)

type Realm struct {
	ID        string
	Name      string
	CreatedAt string
}

type Membership struct {
	RealmID   string
	UserID    string
	Role      string
	CreatedAt string
}

type Character struct {
	ID        string
	UserID    string
	RealmID   string
	Name      string
	RaceID    string
	CreatedAt string
}

// Privileged reports whether the membership role may perform builder
// mutations (arbitrary chunk, structure, and plot writes).
func (m Membership) Privileged() bool {
	return m.Role == RoleBuilder || m.Role == RoleOwner
}

func (s *Store) CreateRealm(ctx context.Context, id, name string) (Realm, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Realm{}, validationf("realm name is required")
	}
	if id == "" {
		id = uuid.NewString()
	}
	r := Realm{ID: id, Name: name, CreatedAt: s.stamp()}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO realms (id, name, created_at) VALUES (?, ?, ?)`,
		r.ID, r.Name, r.CreatedAt)
	if err != nil {
		return Realm{}, err
	}
	return r, nil
}

func (s *Store) RealmByID(ctx context.Context, id string) (Realm, error) {
	var r Realm
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM realms WHERE id = ?`, id).
		Scan(&r.ID, &r.Name, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Realm{}, &NotFoundError{Kind: "realm", ID: id}
	}
	if err != nil {
		return Realm{}, err
	}
	return r, nil
}

func (s *Store) UpsertMembership(ctx context.Context, realmID, userID, role string) (Membership, error) {
	switch role {
	case RoleMember, RoleBuilder, RoleOwner:
	default:
		return Membership{}, validationf("unknown membership role %q", role)
	}
	m := Membership{RealmID: realmID, UserID: userID, Role: role, CreatedAt: s.stamp()}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO realm_memberships (realm_id, user_id, role, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(realm_id, user_id) DO UPDATE SET role = excluded.role`,
		m.RealmID, m.UserID, m.Role, m.CreatedAt)
	if err != nil {
		return Membership{}, err
	}
	return m, nil
}

func (s *Store) MembershipFor(ctx context.Context, realmID, userID string) (Membership, error) {
	var m Membership
	err := s.db.QueryRowContext(ctx,
		`SELECT realm_id, user_id, role, created_at
		 FROM realm_memberships WHERE realm_id = ? AND user_id = ?`,
		realmID, userID).
		Scan(&m.RealmID, &m.UserID, &m.Role, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Membership{}, &NotFoundError{Kind: "membership", ID: realmID + "/" + userID}
	}
	if err != nil {
		return Membership{}, err
	}
	return m, nil
}

func (s *Store) CreateCharacter(ctx context.Context, c Character) (Character, error) {
	c.Name = strings.TrimSpace(c.Name)
	if c.UserID == "" || c.RealmID == "" || c.Name == "" {
		return Character{}, validationf("character userId, realmId and name are required")
	}
	if !rules.KnownRace(c.RaceID) {
		return Character{}, validationf("unknown race %q", c.RaceID)
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.CreatedAt = s.stamp()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO characters (id, user_id, realm_id, name, race_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.RealmID, c.Name, strings.ToLower(strings.TrimSpace(c.RaceID)), c.CreatedAt)
	if err != nil {
		return Character{}, err
	}
	return s.CharacterByID(ctx, c.ID)
}

func (s *Store) CharacterByID(ctx context.Context, id string) (Character, error) {
	return characterByIDRow(s.db.QueryRowContext(ctx,
		`SELECT id, user_id, realm_id, name, race_id, created_at FROM characters WHERE id = ?`, id), id)
}

func characterByIDTx(ctx context.Context, tx *sql.Tx, id string) (Character, error) {
	return characterByIDRow(tx.QueryRowContext(ctx,
		`SELECT id, user_id, realm_id, name, race_id, created_at FROM characters WHERE id = ?`, id), id)
}

func characterByIDRow(row *sql.Row, id string) (Character, error) {
	var c Character
	err := row.Scan(&c.ID, &c.UserID, &c.RealmID, &c.Name, &c.RaceID, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Character{}, &NotFoundError{Kind: "character", ID: id}
	}
	if err != nil {
		return Character{}, err
	}
	return c, nil
}
