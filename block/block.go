// Package block defines the core data model of the block lattice: hashes,
// accounts, blocks and the metadata a block accumulates once it has been
// applied to the ledger.
package block

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
)

// HashSize is the width of a block hash and an account identifier.
const HashSize = 32

// Hash identifies a block content-addressably.
type Hash [HashSize]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// IsZero reports whether h is the all-zero hash, used as the "no previous"
// marker for open blocks and as the zero value of unset fields.
func (h Hash) IsZero() bool { return h == Hash{} }

// Account identifies the owner of a chain. Accounts are ed25519/BLS public
// keys in production; the core only needs them as opaque comparable keys.
type Account [HashSize]byte

func (a Account) String() string { return hex.EncodeToString(a[:]) }

// BurnAccount is the all-zero sentinel account blocks may never open.
var BurnAccount Account

// Type enumerates the five block variants a chain may contain.
type Type uint8

const (
	TypeInvalid Type = iota
	TypeSend
	TypeReceive
	TypeOpen
	TypeChange
	TypeState
)

func (t Type) String() string {
	switch t {
	case TypeSend:
		return "send"
	case TypeReceive:
		return "receive"
	case TypeOpen:
		return "open"
	case TypeChange:
		return "change"
	case TypeState:
		return "state"
	default:
		return "invalid"
	}
}

// Epoch identifies a protocol epoch level. Epoch 0 is the original
// (unversioned) protocol; epoch upgrades bump this monotonically per
// account.
type Epoch uint8

const (
	EpochUnopened Epoch = iota
	Epoch0
	Epoch1
	Epoch2
)

// Details records the semantic classification of a block at apply-time;
// it feeds directly into the proof-of-work threshold lookup.
type Details struct {
	IsSend    bool
	IsReceive bool
	IsEpoch   bool
	Epoch     Epoch
}

// Sideband is metadata computed once a block is accepted by the ledger; it
// has no meaning before Process returns Progress.
type Sideband struct {
	Height    uint64
	Timestamp int64
	Epoch     Epoch
	Details   Details
}

// Block is a single node in an account's chain.
type Block struct {
	Type           Type
	Previous       Hash    // zero for Open blocks
	Account        Account // owning account (derived for legacy blocks via the frontier index)
	Balance        *big.Int
	Representative Account
	Link           Hash // destination account / source hash / epoch marker, by subtype
	Signature      []byte
	Work           uint64

	Sideband Sideband
}

// Copy returns a deep copy of b, mirroring the teacher's Block.Copy.
func (b *Block) Copy() *Block {
	if b == nil {
		return nil
	}
	cp := *b
	if b.Balance != nil {
		cp.Balance = new(big.Int).Set(b.Balance)
	}
	cp.Signature = append([]byte(nil), b.Signature...)
	return &cp
}

// Root returns the qualified-root anchor for this block: for non-open
// blocks it is Previous; for open blocks it is the account itself cast to
// a Hash, since the account IS the root of its own chain.
func (b *Block) Root() Hash {
	if b.Previous.IsZero() {
		return Hash(b.Account)
	}
	return b.Previous
}

// QualifiedRoot uniquely names the chain slot a block occupies. Two
// blocks sharing a QualifiedRoot but differing in hash are forks.
type QualifiedRoot struct {
	Previous Hash
	Root     Hash
}

func (b *Block) QualifiedRoot() QualifiedRoot {
	return QualifiedRoot{Previous: b.Previous, Root: b.Root()}
}

// CalculateHash hashes the block's signable content, following the
// teacher's field-at-a-time binary.Write accumulation in
// blockchain.Block.CalculateHash.
func (b *Block) CalculateHash() (Hash, error) {
	h := sha256.New()
	if err := binary.Write(h, binary.BigEndian, uint8(b.Type)); err != nil {
		return Hash{}, fmt.Errorf("hash block type: %w", err)
	}
	h.Write(b.Previous[:])
	h.Write(b.Account[:])
	if b.Balance != nil {
		h.Write(b.Balance.Bytes())
	}
	h.Write(b.Representative[:])
	h.Write(b.Link[:])
	var out Hash
	copy(out[:], h.Sum(nil))
	return out, nil
}

// Hash returns the block's identifying hash, computing it if necessary.
func (b *Block) Hash() (Hash, error) { return b.CalculateHash() }

// AccountInfo is the per-account head-of-chain record.
type AccountInfo struct {
	Head       Hash
	OpenBlock  Hash
	Balance    *big.Int
	Rep        Account
	Modified   int64
	BlockCount uint64
	Epoch      Epoch
}

// PendingKey addresses a pending receivable by destination account and the
// hash of the send that created it.
type PendingKey struct {
	Destination Account
	SendHash    Hash
}

// PendingEntry is a receivable waiting to be consumed by a matching
// receive or open block.
type PendingEntry struct {
	Source Account
	Amount *big.Int
	Epoch  Epoch
}

// ConfirmationHeightInfo is the per-account cementation watermark.
type ConfirmationHeightInfo struct {
	Height   uint64
	Frontier Hash
}
