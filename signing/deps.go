package signing

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"

	"github.com/getlarge/themoltnet-sub004/id"
)

// KeyLookup resolves an agent's current public key. It is a network call:
// the signing workflow retries it with backoff. An unknown agent returns
// ("", nil).
type KeyLookup interface {
	GetPublicKey(ctx context.Context, agentID id.AgentID) (string, error)
}

// Verifier checks a signature over a payload. Verification is a pure
// computation and is never retried.
type Verifier interface {
	Verify(payload, signature, publicKey string) bool
}

// Ed25519Verifier verifies hex-encoded Ed25519 signatures with hex-encoded
// public keys. It is the default verifier.
type Ed25519Verifier struct{}

// Verify reports whether signature is a valid Ed25519 signature of payload
// under publicKey. Malformed keys or signatures verify as false.
func (Ed25519Verifier) Verify(payload, signature, publicKey string) bool {
	key, err := hex.DecodeString(publicKey)
	if err != nil || len(key) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(key), []byte(payload), sig)
}
