package broker

import (
	"errors"

	"github.com/m-tq/OctWa-sub003/pkg/capability"
	"github.com/m-tq/OctWa-sub003/pkg/vault"
)

// The request taxonomy. Origin mismatches, nonce violations and signature
// failures are security-relevant: they are logged with their full reason but
// surface to the requester under a generic code so a probing dApp learns
// nothing beyond "rejected".
var (
	ErrUserRejected       = errors.New("broker: user rejected the request")
	ErrTimeout            = errors.New("broker: request timed out")
	ErrSuperseded         = errors.New("broker: request superseded by a newer request")
	ErrOriginMismatch     = errors.New("broker: origin mismatch")
	ErrNonceViolation     = errors.New("broker: nonce violation")
	ErrNotConnected       = errors.New("broker: origin not connected")
	ErrCapabilityExpired  = errors.New("broker: capability expired")
	ErrCapabilityNotFound = errors.New("broker: capability not found")
	ErrCapabilityRevoked  = errors.New("broker: capability revoked")
	ErrMethodNotAllowed   = errors.New("broker: method not allowed by capability")
	ErrUnknownRequestType = errors.New("broker: unknown request type")
	ErrMalformedRequest   = errors.New("broker: malformed request data")
)

// errorCode maps an error to the wire code for the response envelope.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrUserRejected):
		return "USER_REJECTED"
	case errors.Is(err, ErrTimeout):
		return "TIMEOUT"
	case errors.Is(err, ErrSuperseded):
		return "SUPERSEDED"
	case errors.Is(err, ErrOriginMismatch):
		return "ORIGIN_MISMATCH"
	case errors.Is(err, ErrNonceViolation):
		return "NONCE_VIOLATION"
	case errors.Is(err, ErrNotConnected):
		return "NOT_CONNECTED"
	case errors.Is(err, ErrCapabilityExpired):
		return "CAPABILITY_EXPIRED"
	case errors.Is(err, ErrCapabilityNotFound), errors.Is(err, ErrCapabilityRevoked):
		return "CAPABILITY_NOT_FOUND"
	case errors.Is(err, ErrMethodNotAllowed):
		return "METHOD_NOT_ALLOWED"
	case errors.Is(err, ErrUnknownRequestType):
		return "UNKNOWN_REQUEST_TYPE"
	case errors.Is(err, ErrMalformedRequest), errors.Is(err, capability.ErrInvalidPayload):
		return "MALFORMED_REQUEST"
	case errors.Is(err, vault.ErrLocked):
		return "VAULT_LOCKED"
	case errors.Is(err, capability.ErrSignatureInvalid):
		return "SIGNATURE_INVALID"
	default:
		return "INTERNAL_ERROR"
	}
}
