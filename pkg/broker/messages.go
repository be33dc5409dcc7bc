package broker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Request kinds form a closed set; anything else is ErrUnknownRequestType.
const (
	TypeConnectionRequest       = "CONNECTION_REQUEST"
	TypeCapabilityRequest       = "CAPABILITY_REQUEST"
	TypeInvokeRequest           = "INVOKE_REQUEST"
	TypeSignMessageRequest      = "SIGN_MESSAGE_REQUEST"
	TypeDisconnectRequest       = "DISCONNECT_REQUEST"
	TypeListCapabilitiesRequest = "LIST_CAPABILITIES_REQUEST"
	TypeRenewCapabilityRequest  = "RENEW_CAPABILITY_REQUEST"
	TypeRevokeCapabilityRequest = "REVOKE_CAPABILITY_REQUEST"
)

// Kind names the interactive request state machines. At most one pending
// request of a given kind exists per origin.
type Kind string

const (
	KindConnection  Kind = "connection"
	KindCapability  Kind = "capability"
	KindInvoke      Kind = "invoke"
	KindSignMessage Kind = "sign-message"
)

// Request is the untrusted inbound message shape.
type Request struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Data      json.RawMessage `json:"data"`
}

// Response is the envelope every handler returns.
type Response struct {
	Type    string         `json:"type"`
	Success bool           `json:"success"`
	Result  any            `json:"result,omitempty"`
	Error   *ResponseError `json:"error,omitempty"`
}

type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ConnectionRequestData struct {
	AppOrigin string `json:"appOrigin"`
	AppName   string `json:"appName"`
	Circle    string `json:"circle"`
	Network   string `json:"network,omitempty"`
}

type CapabilityRequestData struct {
	AppOrigin  string   `json:"appOrigin"`
	Methods    []string `json:"methods"`
	Scope      string   `json:"scope"`
	Encrypted  bool     `json:"encrypted"`
	TTLSeconds int64    `json:"ttlSeconds"`
}

type InvokeRequestData struct {
	AppOrigin    string          `json:"appOrigin"`
	CapabilityID string          `json:"capabilityId"`
	Method       string          `json:"method"`
	Nonce        int64           `json:"nonce"`
	Params       json.RawMessage `json:"params,omitempty"`
}

type SignMessageRequestData struct {
	AppOrigin string `json:"appOrigin"`
	Message   string `json:"message"`
}

type OriginOnlyData struct {
	AppOrigin string `json:"appOrigin"`
}

type RenewCapabilityData struct {
	AppOrigin    string `json:"appOrigin"`
	CapabilityID string `json:"capabilityId"`
	TTLSeconds   int64  `json:"ttlSeconds"`
}

type RevokeCapabilityData struct {
	AppOrigin    string `json:"appOrigin"`
	CapabilityID string `json:"capabilityId"`
}

// Decision is the user's resolution of a pending request, correlated to the
// waiting task purely by (kind, origin).
type Decision struct {
	Kind          Kind   `json:"kind"`
	AppOrigin     string `json:"appOrigin"`
	Approved      bool   `json:"approved"`
	WalletAddress string `json:"walletAddress,omitempty"`
}

// DecisionKindFromResultType maps a UI "<KIND>_RESULT" message type to its
// state machine.
func DecisionKindFromResultType(t string) (Kind, bool) {
	switch t {
	case "CONNECTION_RESULT":
		return KindConnection, true
	case "CAPABILITY_RESULT":
		return KindCapability, true
	case "INVOKE_RESULT":
		return KindInvoke, true
	case "SIGN_MESSAGE_RESULT":
		return KindSignMessage, true
	default:
		return "", false
	}
}

func responseType(requestType string) string {
	return strings.TrimSuffix(requestType, "_REQUEST") + "_RESPONSE"
}

// decodeData unmarshals request data strictly; unknown fields are rejected
// so a malformed or probing payload fails loudly instead of being silently
// truncated.
func decodeData(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing data", ErrMalformedRequest)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing payload", ErrMalformedRequest)
	}
	return nil
}
