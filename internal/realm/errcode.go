package realm

import (
	"errors"

	"shardrealm.gg/internal/auth"
	"shardrealm.gg/internal/persistence/realmdb"
	"shardrealm.gg/internal/protocol"
)

// ErrorCode maps a service error to its wire code.
func ErrorCode(err error) string {
	var (
		verr *realmdb.ValidationError
		nerr *realmdb.NotFoundError
		ferr *realmdb.ForbiddenError
		cerr *realmdb.VersionConflictError
		rerr *realmdb.InsufficientResourceError
		serr *realmdb.TradeStateError
	)
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		return protocol.ErrUnauthorized
	case errors.As(err, &verr):
		return protocol.ErrBadRequest
	case errors.As(err, &nerr):
		return protocol.ErrNotFound
	case errors.As(err, &ferr):
		return protocol.ErrNoPermission
	case errors.As(err, &cerr):
		return protocol.ErrVersionConflict
	case errors.As(err, &rerr):
		return protocol.ErrNoResource
	case errors.As(err, &serr):
		return protocol.ErrTradeState
	default:
		return protocol.ErrInternal
	}
}

// ConflictVersions extracts the expected and actual versions when the
// error is a version conflict, for the mutationRejected payload.
func ConflictVersions(err error) (expected, actual *int64) {
	var cerr *realmdb.VersionConflictError
	if errors.As(err, &cerr) {
		return &cerr.Expected, &cerr.Actual
	}
	return nil, nil
}
