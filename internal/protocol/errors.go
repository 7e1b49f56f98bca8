package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrForbidden       = "E_FORBIDDEN"
	ErrMethod          = "E_METHOD_NOT_ALLOWED"

	// Region layer.
	ErrRegionNotFound = "E_REGION_NOT_FOUND"
	ErrBadRequest     = "E_BAD_REQUEST"
	ErrInternal       = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrForbidden:       {},
	ErrMethod:          {},
	ErrRegionNotFound:  {},
	ErrBadRequest:      {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
