package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrUnauthorized    = "E_UNAUTHORIZED"

	// Store/service layer.
	ErrBadRequest      = "E_BAD_REQUEST"
	ErrNotFound        = "E_NOT_FOUND"
	ErrNoPermission    = "E_NO_PERMISSION"
	ErrVersionConflict = "E_VERSION_CONFLICT"
	ErrNoResource      = "E_NO_RESOURCE"
	ErrTradeState      = "E_TRADE_STATE"
	ErrInternal        = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrUnauthorized:    {},
	ErrBadRequest:      {},
	ErrNotFound:        {},
	ErrNoPermission:    {},
	ErrVersionConflict: {},
	ErrNoResource:      {},
	ErrTradeState:      {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
