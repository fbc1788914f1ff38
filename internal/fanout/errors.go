package fanout

import "errors"

var (
	errAuthMisconfigured = errors.New("fanout: auth required but no JWT secret configured")
	errMissingToken      = errors.New("fanout: missing bearer token")
	errInvalidToken      = errors.New("fanout: invalid bearer token")
)
