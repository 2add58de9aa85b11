// Package netiface declares the contracts the consensus core consumes from
// external collaborators (§6): network transport, work-proof generation,
// and wallet-held representative keys. The core never imports a concrete
// transport; netiface/onetadapter is the one shipped implementation of
// Network, built on the teacher's onet/cothority stack.
package netiface

import (
	"context"

	"latticenode/block"
	"latticenode/vote"
)

// Channel is an opaque handle to a remote peer connection, analogous to
// onet's *network.ServerIdentity reached through a TreeNodeInstance.
type Channel interface {
	// Endpoint returns a stable string identifying the remote peer, used
	// as the request aggregator's per-peer pool key.
	Endpoint() string
}

// Message is anything the Network can serialize and send; concrete
// messages (confirm-req, confirm-ack, publish) are defined by higher
// layers and registered with the transport the way the teacher registers
// messages in service/struct.go's init().
type Message interface{}

// Network is the transport contract: flood to every peer, unicast to one
// channel, and a duplicate-suppression filter for recently broadcast
// blocks (the teacher's publish_filter analogue).
type Network interface {
	FloodBlock(b *block.Block) error
	FloodVote(v *vote.Vote) error
	Send(ch Channel, msg Message) error

	// FilterApply returns true if digest was already seen recently (and
	// records it); FilterClear removes a digest so it can be re-seen,
	// used by election cleanup on expiry.
	FilterApply(digest block.Hash) bool
	FilterClear(digest block.Hash)
}

// WorkPool is the proof-of-work contract: generate work for a root at or
// above threshold, cancel an in-flight request, and look up the threshold
// for a given (version, details) pair.
type WorkPool interface {
	Generate(ctx context.Context, root block.Hash, threshold uint64) (work uint64, ok bool)
	Cancel(root block.Hash)
	Threshold(version uint8, details block.Details) uint64
}

// Wallets is the local-representative contract: which accounts this node
// votes as, signing, and issuing local sends (which the scheduler must
// never drop, per §4.7.3).
type Wallets interface {
	Reps() []block.Account
	Sign(rep block.Account, hashes []block.Hash, sequence uint64) (*vote.Vote, error)
	SendAction(from, to block.Account, amount []byte) (*block.Block, error)
}

// Observer is the set of notifications §6 says the core exposes to
// collaborators, delivered on a single dispatch goroutine per §9's
// "observer callbacks" redesign note (replacing construction-time callback
// registration with explicit handler objects wired up front).
type Observer interface {
	OnBlockConfirmed(b *block.Block, active bool)
	OnVoteArrived(v *vote.Vote)
	OnActiveStopped(root block.QualifiedRoot)
	OnDifficultyChanged(root block.QualifiedRoot, multiplier float64)
	OnEndpointConnected(ch Channel)
}

// NopObserver implements Observer with no-ops, for components wired
// without a real notification sink (e.g. in tests).
type NopObserver struct{}

func (NopObserver) OnBlockConfirmed(*block.Block, bool)                {}
func (NopObserver) OnVoteArrived(*vote.Vote)                            {}
func (NopObserver) OnActiveStopped(block.QualifiedRoot)                 {}
func (NopObserver) OnDifficultyChanged(block.QualifiedRoot, float64)    {}
func (NopObserver) OnEndpointConnected(Channel)                         {}
