package ledger

import (
	"crypto/ed25519"

	"latticenode/block"
)

// Ed25519Verifier is the reference Verifier: each account's 32-byte
// identifier doubles as its ed25519 public key, the same convention the
// original block-lattice design uses for per-account signing keys (kept
// distinct from the BLS keys representatives use to vote). No example
// repo in the pack ships an ed25519 signer of its own — kyber's BLS suite
// is reserved for aggregate vote signatures — so this one component
// reaches for the standard library rather than a third-party curve
// implementation.
type Ed25519Verifier struct{}

// Verify reports whether signature is a valid ed25519 signature over hash
// under account's public key.
func (Ed25519Verifier) Verify(account block.Account, hash block.Hash, signature []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(account[:]), hash[:], signature)
}
