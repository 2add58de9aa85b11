// Package work implements netiface.WorkPool with a CPU nonce search,
// structured after the teacher's mining.Miner goroutine-per-job idiom
// (generalized to a cancellable request keyed by root instead of one
// background miner per process).
package work

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"sync"

	"latticenode/block"
	"latticenode/ledger"
)

// Pool generates proof-of-work nonces against a DifficultyChecker-shaped
// threshold function, the same sha256(root||nonce) scheme the ledger
// checks incoming work against.
type Pool struct {
	checker ledger.DifficultyChecker

	mu      sync.Mutex
	cancels map[block.Hash]context.CancelFunc
}

// New constructs a Pool using checker's thresholds, so generated work
// always clears what the ledger will require.
func New(checker ledger.DifficultyChecker) *Pool {
	return &Pool{checker: checker, cancels: make(map[block.Hash]context.CancelFunc)}
}

// Generate searches for a nonce at or above threshold for root, the way
// mining.Miner.solveBlock searches nonces against a target difficulty.
// Blocks until found or ctx is cancelled (directly, or via Cancel(root)).
func (p *Pool) Generate(ctx context.Context, root block.Hash, threshold uint64) (uint64, bool) {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancels[root] = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.cancels, root)
		p.mu.Unlock()
		cancel()
	}()

	h := sha256.New()
	var buf [8]byte
	for nonce := uint64(0); ; nonce++ {
		select {
		case <-ctx.Done():
			return 0, false
		default:
		}
		h.Reset()
		h.Write(root[:])
		binary.BigEndian.PutUint64(buf[:], nonce)
		h.Write(buf[:])
		sum := h.Sum(nil)
		if binary.BigEndian.Uint64(sum[:8]) >= threshold {
			return nonce, true
		}
		if nonce == ^uint64(0) {
			return 0, false
		}
	}
}

// Cancel aborts any in-flight Generate call for root.
func (p *Pool) Cancel(root block.Hash) {
	p.mu.Lock()
	cancel, ok := p.cancels[root]
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

// Threshold returns the difficulty threshold for a block with the given
// details; version is accepted for forward compatibility with a future
// difficulty epoch but unused by the single-threshold reference checker.
func (p *Pool) Threshold(version uint8, details block.Details) uint64 {
	return p.checker.Threshold(details)
}
