// Package capability defines the signed, scoped, time-bound grants a wallet
// issues to a dApp origin, and the ed25519 signing and verification of their
// canonical form.
package capability

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/m-tq/OctWa-sub003/pkg/canonical"
)

const Version = 1

type Scope string

const (
	ScopeRead    Scope = "read"
	ScopeWrite   Scope = "write"
	ScopeCompute Scope = "compute"
)

type State string

const (
	StateActive  State = "ACTIVE"
	StateExpired State = "EXPIRED"
	StateRevoked State = "REVOKED"
)

var (
	ErrSignatureInvalid = errors.New("capability: signature invalid")
	ErrInvalidPayload   = errors.New("capability: invalid payload")
)

// Payload carries every signed field of a grant. All fields are mandatory;
// an absent field fails normalization rather than being omitted from the
// canonical form. Timestamps are unix milliseconds.
type Payload struct {
	Version   int      `json:"version"`
	Circle    string   `json:"circle"`
	Methods   []string `json:"methods"`
	Scope     Scope    `json:"scope"`
	Encrypted bool     `json:"encrypted"`
	AppOrigin string   `json:"appOrigin"`
	BranchID  string   `json:"branchId"`
	Epoch     int64    `json:"epoch"`
	IssuedAt  int64    `json:"issuedAt"`
	ExpiresAt int64    `json:"expiresAt"`
	NonceBase int64    `json:"nonceBase"`
}

// Signed is the wire form of a grant: the payload plus the issuer public key
// and signature, both base64 (std encoding, padded).
type Signed struct {
	Payload
	IssuerPublicKey string `json:"issuerPublicKey"`
	Signature       string `json:"signature"`
}

// Capability is the stored superset of Signed. ID, State and LastNonce are
// registry bookkeeping and are not part of the signed digest.
type Capability struct {
	Signed
	ID        string `json:"id"`
	State     State  `json:"state"`
	LastNonce int64  `json:"lastNonce"`
}

// Normalize validates every payload field and sorts the method list so the
// canonical form is independent of input order. Duplicate methods collapse.
func Normalize(p Payload) (Payload, error) {
	if p.Version != Version {
		return Payload{}, fmt.Errorf("%w: version must be 1", ErrInvalidPayload)
	}
	if strings.TrimSpace(p.Circle) == "" {
		return Payload{}, fmt.Errorf("%w: circle is required", ErrInvalidPayload)
	}
	if strings.TrimSpace(p.AppOrigin) == "" {
		return Payload{}, fmt.Errorf("%w: appOrigin is required", ErrInvalidPayload)
	}
	if strings.TrimSpace(p.BranchID) == "" {
		return Payload{}, fmt.Errorf("%w: branchId is required", ErrInvalidPayload)
	}
	switch p.Scope {
	case ScopeRead, ScopeWrite, ScopeCompute:
	default:
		return Payload{}, fmt.Errorf("%w: scope must be read, write or compute", ErrInvalidPayload)
	}
	if len(p.Methods) == 0 {
		return Payload{}, fmt.Errorf("%w: methods must be non-empty", ErrInvalidPayload)
	}
	seen := map[string]struct{}{}
	methods := make([]string, 0, len(p.Methods))
	for _, m := range p.Methods {
		m = strings.TrimSpace(m)
		if m == "" {
			return Payload{}, fmt.Errorf("%w: empty method name", ErrInvalidPayload)
		}
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		methods = append(methods, m)
	}
	sort.Strings(methods)
	p.Methods = methods
	if p.IssuedAt <= 0 {
		return Payload{}, fmt.Errorf("%w: issuedAt is required", ErrInvalidPayload)
	}
	if p.ExpiresAt <= 0 {
		return Payload{}, fmt.Errorf("%w: expiresAt is required, perpetual grants are not issued", ErrInvalidPayload)
	}
	if p.ExpiresAt <= p.IssuedAt {
		return Payload{}, fmt.Errorf("%w: expiresAt must be after issuedAt", ErrInvalidPayload)
	}
	if p.Epoch < 0 || p.NonceBase < 0 {
		return Payload{}, fmt.Errorf("%w: epoch and nonceBase must be non-negative", ErrInvalidPayload)
	}
	return p, nil
}

// Hash returns the lowercase hex SHA-256 of the normalized payload's
// canonical encoding. This is the exact message signed by the issuer.
func Hash(p Payload) (string, error) {
	n, err := Normalize(p)
	if err != nil {
		return "", err
	}
	h, _, err := canonical.SHA256Hex(payloadMap(n))
	return h, err
}

// Expired reports whether the capability's validity window has passed at now.
func (c Capability) Expired(now time.Time) bool {
	return c.ExpiresAt <= now.UnixMilli()
}

// Allows reports whether method is in the grant's allow-list. Methods are
// stored sorted, so a binary search suffices.
func (c Capability) Allows(method string) bool {
	i := sort.SearchStrings(c.Methods, method)
	return i < len(c.Methods) && c.Methods[i] == method
}

func payloadMap(p Payload) map[string]any {
	return map[string]any{
		"version":   p.Version,
		"circle":    p.Circle,
		"methods":   p.Methods,
		"scope":     string(p.Scope),
		"encrypted": p.Encrypted,
		"appOrigin": p.AppOrigin,
		"branchId":  p.BranchID,
		"epoch":     p.Epoch,
		"issuedAt":  p.IssuedAt,
		"expiresAt": p.ExpiresAt,
		"nonceBase": p.NonceBase,
	}
}
