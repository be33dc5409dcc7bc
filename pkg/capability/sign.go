package capability

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/m-tq/OctWa-sub003/pkg/canonical"
)

// SigningKeyFromSecret derives an ed25519 private key from wallet secret
// material. Two lengths are in contract: a 32-byte seed, or a 64-byte
// seed+public-key pair of which only the seed half is used. Any other length
// is hashed down to 32 bytes before derivation; this is a backward
// compatibility fallback for legacy key exports, not part of the documented
// contract, and is pinned by TestSigningKeyFromSecret_NonStandardLengthFallback.
func SigningKeyFromSecret(secret []byte) (ed25519.PrivateKey, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: empty secret key", ErrSignatureInvalid)
	}
	var seed []byte
	switch len(secret) {
	case ed25519.SeedSize:
		seed = secret
	case ed25519.PrivateKeySize:
		seed = secret[:ed25519.SeedSize]
	default:
		sum := sha256.Sum256(secret)
		seed = sum[:]
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// Sign normalizes and signs the payload under the wallet secret. The digest
// is SHA-256 over the canonical payload bytes; ed25519 signs the digest.
func Sign(p Payload, secret []byte) (Signed, error) {
	n, err := Normalize(p)
	if err != nil {
		return Signed{}, err
	}
	priv, err := SigningKeyFromSecret(secret)
	if err != nil {
		return Signed{}, err
	}
	digestHex, err := Hash(n)
	if err != nil {
		return Signed{}, err
	}
	digest, err := hex.DecodeString(digestHex)
	if err != nil {
		return Signed{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	sig := ed25519.Sign(priv, digest)
	pub := priv.Public().(ed25519.PublicKey)
	return Signed{
		Payload:         n,
		IssuerPublicKey: base64.StdEncoding.EncodeToString(pub),
		Signature:       base64.StdEncoding.EncodeToString(sig),
	}, nil
}

// Verify recomputes the canonical digest from the embedded payload fields and
// checks the signature against the embedded public key. The embedded payload
// must already be in canonical field form: a method list that is not sorted
// cannot reproduce the signed bytes and is rejected outright rather than
// re-sorted, which would mask tampering with field order.
func Verify(s Signed) error {
	if !sort.StringsAreSorted(s.Methods) {
		return fmt.Errorf("%w: methods not in canonical order", ErrSignatureInvalid)
	}
	n, err := Normalize(s.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	embedded, err := canonical.Marshal(payloadMap(s.Payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	fresh, err := canonical.Marshal(payloadMap(n))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if subtle.ConstantTimeCompare(embedded, fresh) != 1 {
		return fmt.Errorf("%w: canonical form mismatch", ErrSignatureInvalid)
	}
	pub, err := base64.StdEncoding.DecodeString(s.IssuerPublicKey)
	if err != nil {
		return fmt.Errorf("%w: invalid issuer public key encoding", ErrSignatureInvalid)
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: issuer public key must be %d bytes", ErrSignatureInvalid, ed25519.PublicKeySize)
	}
	sig, err := base64.StdEncoding.DecodeString(s.Signature)
	if err != nil {
		return fmt.Errorf("%w: invalid signature encoding", ErrSignatureInvalid)
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: signature must be %d bytes", ErrSignatureInvalid, ed25519.SignatureSize)
	}
	sum := sha256.Sum256(fresh)
	if !ed25519.Verify(ed25519.PublicKey(pub), sum[:], sig) {
		return fmt.Errorf("%w: digest mismatch", ErrSignatureInvalid)
	}
	return nil
}
