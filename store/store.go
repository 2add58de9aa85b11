// Package store declares the persistence contract the ledger and friends
// consume (§6 "Store"): key/value tables with read/write transactions and
// copy-on-write snapshots for readers, plus a simple in-memory reference
// implementation used by tests and by components that only need the
// contract, not a specific engine.
package store

import (
	"math/big"
	"sync"

	"latticenode/block"
)

// Tx is a single read or read-write transaction over every table the core
// touches. Implementations must give readers a point-in-time snapshot
// (bbolt's MVCC, or — for MemStore — a full value copy).
type Tx interface {
	GetBlock(h block.Hash) (*block.Block, bool, error)
	PutBlock(b *block.Block) error
	DeleteBlock(h block.Hash) error

	GetAccount(a block.Account) (*block.AccountInfo, bool, error)
	PutAccount(a block.Account, info *block.AccountInfo) error

	GetFrontier(head block.Hash) (block.Account, bool, error)
	PutFrontier(head block.Hash, a block.Account) error
	DeleteFrontier(head block.Hash) error

	GetPending(k block.PendingKey) (*block.PendingEntry, bool, error)
	PutPending(k block.PendingKey, e *block.PendingEntry) error
	DeletePending(k block.PendingKey) error

	GetConfirmationHeight(a block.Account) (*block.ConfirmationHeightInfo, bool, error)
	PutConfirmationHeight(a block.Account, info *block.ConfirmationHeightInfo) error

	GetWeight(rep block.Account) (*big.Int, bool, error)
	PutWeight(rep block.Account, w *big.Int) error

	// PutOnlineWeightSample / ListOnlineWeightSamples back the online-reps
	// sampler's persisted circular history, keyed by wall-clock second.
	PutOnlineWeightSample(second int64, weight *big.Int) error
	ListOnlineWeightSamples() (map[int64]*big.Int, error)

	// Unchecked blocks are keyed by the hash of the dependency they are
	// waiting on, then by their own hash.
	PutUnchecked(dependency, blockHash block.Hash, b *block.Block) error
	GetUncheckedByDependency(dependency block.Hash) (map[block.Hash]*block.Block, error)
	DeleteUnchecked(dependency, blockHash block.Hash) error

	// Vote table: last generated sequence per local representative, used to
	// number the next vote it signs.
	GetLastVoteSequence(rep block.Account) (uint64, bool, error)
	PutLastVoteSequence(rep block.Account, seq uint64) error
}

// Store is a Tx factory: View opens a read-only snapshot, Update opens a
// read-write transaction committed atomically on return.
type Store interface {
	View(func(Tx) error) error
	Update(func(Tx) error) error
	Close() error
}

// MemStore is an in-memory Store, adequate for tests and for embedding the
// core in-process without a disk-backed engine.
type MemStore struct {
	mu sync.RWMutex

	blocks      map[block.Hash]*block.Block
	accounts    map[block.Account]*block.AccountInfo
	frontiers   map[block.Hash]block.Account
	pending     map[block.PendingKey]*block.PendingEntry
	confHeights map[block.Account]*block.ConfirmationHeightInfo
	weights     map[block.Account]*big.Int
	onlineWt    map[int64]*big.Int
	unchecked   map[block.Hash]map[block.Hash]*block.Block
	lastVoteSeq map[block.Account]uint64
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		blocks:      make(map[block.Hash]*block.Block),
		accounts:    make(map[block.Account]*block.AccountInfo),
		frontiers:   make(map[block.Hash]block.Account),
		pending:     make(map[block.PendingKey]*block.PendingEntry),
		confHeights: make(map[block.Account]*block.ConfirmationHeightInfo),
		weights:     make(map[block.Account]*big.Int),
		onlineWt:    make(map[int64]*big.Int),
		unchecked:   make(map[block.Hash]map[block.Hash]*block.Block),
		lastVoteSeq: make(map[block.Account]uint64),
	}
}

type memTx struct {
	s        *MemStore
	writable bool
}

func (s *MemStore) View(fn func(Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&memTx{s: s, writable: false})
}

func (s *MemStore) Update(fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&memTx{s: s, writable: true})
}

func (s *MemStore) Close() error { return nil }

func (t *memTx) GetBlock(h block.Hash) (*block.Block, bool, error) {
	b, ok := t.s.blocks[h]
	if !ok {
		return nil, false, nil
	}
	return b.Copy(), true, nil
}

func (t *memTx) PutBlock(b *block.Block) error {
	h, err := b.Hash()
	if err != nil {
		return err
	}
	t.s.blocks[h] = b.Copy()
	return nil
}

func (t *memTx) DeleteBlock(h block.Hash) error {
	delete(t.s.blocks, h)
	return nil
}

func (t *memTx) GetAccount(a block.Account) (*block.AccountInfo, bool, error) {
	info, ok := t.s.accounts[a]
	if !ok {
		return nil, false, nil
	}
	cp := *info
	if info.Balance != nil {
		cp.Balance = new(big.Int).Set(info.Balance)
	}
	return &cp, true, nil
}

func (t *memTx) PutAccount(a block.Account, info *block.AccountInfo) error {
	cp := *info
	if info.Balance != nil {
		cp.Balance = new(big.Int).Set(info.Balance)
	}
	t.s.accounts[a] = &cp
	return nil
}

func (t *memTx) GetFrontier(head block.Hash) (block.Account, bool, error) {
	a, ok := t.s.frontiers[head]
	return a, ok, nil
}

func (t *memTx) PutFrontier(head block.Hash, a block.Account) error {
	t.s.frontiers[head] = a
	return nil
}

func (t *memTx) DeleteFrontier(head block.Hash) error {
	delete(t.s.frontiers, head)
	return nil
}

func (t *memTx) GetPending(k block.PendingKey) (*block.PendingEntry, bool, error) {
	e, ok := t.s.pending[k]
	if !ok {
		return nil, false, nil
	}
	cp := *e
	if e.Amount != nil {
		cp.Amount = new(big.Int).Set(e.Amount)
	}
	return &cp, true, nil
}

func (t *memTx) PutPending(k block.PendingKey, e *block.PendingEntry) error {
	cp := *e
	if e.Amount != nil {
		cp.Amount = new(big.Int).Set(e.Amount)
	}
	t.s.pending[k] = &cp
	return nil
}

func (t *memTx) DeletePending(k block.PendingKey) error {
	delete(t.s.pending, k)
	return nil
}

func (t *memTx) GetConfirmationHeight(a block.Account) (*block.ConfirmationHeightInfo, bool, error) {
	info, ok := t.s.confHeights[a]
	if !ok {
		return nil, false, nil
	}
	cp := *info
	return &cp, true, nil
}

func (t *memTx) PutConfirmationHeight(a block.Account, info *block.ConfirmationHeightInfo) error {
	cp := *info
	t.s.confHeights[a] = &cp
	return nil
}

func (t *memTx) GetWeight(rep block.Account) (*big.Int, bool, error) {
	w, ok := t.s.weights[rep]
	if !ok {
		return nil, false, nil
	}
	return new(big.Int).Set(w), true, nil
}

func (t *memTx) PutWeight(rep block.Account, w *big.Int) error {
	t.s.weights[rep] = new(big.Int).Set(w)
	return nil
}

func (t *memTx) PutOnlineWeightSample(second int64, weight *big.Int) error {
	t.s.onlineWt[second] = new(big.Int).Set(weight)
	return nil
}

func (t *memTx) ListOnlineWeightSamples() (map[int64]*big.Int, error) {
	out := make(map[int64]*big.Int, len(t.s.onlineWt))
	for k, v := range t.s.onlineWt {
		out[k] = new(big.Int).Set(v)
	}
	return out, nil
}

func (t *memTx) PutUnchecked(dependency, blockHash block.Hash, b *block.Block) error {
	m, ok := t.s.unchecked[dependency]
	if !ok {
		m = make(map[block.Hash]*block.Block)
		t.s.unchecked[dependency] = m
	}
	m[blockHash] = b.Copy()
	return nil
}

func (t *memTx) GetUncheckedByDependency(dependency block.Hash) (map[block.Hash]*block.Block, error) {
	m, ok := t.s.unchecked[dependency]
	if !ok {
		return nil, nil
	}
	out := make(map[block.Hash]*block.Block, len(m))
	for k, v := range m {
		out[k] = v.Copy()
	}
	return out, nil
}

func (t *memTx) DeleteUnchecked(dependency, blockHash block.Hash) error {
	if m, ok := t.s.unchecked[dependency]; ok {
		delete(m, blockHash)
		if len(m) == 0 {
			delete(t.s.unchecked, dependency)
		}
	}
	return nil
}

func (t *memTx) GetLastVoteSequence(rep block.Account) (uint64, bool, error) {
	seq, ok := t.s.lastVoteSeq[rep]
	return seq, ok, nil
}

func (t *memTx) PutLastVoteSequence(rep block.Account, seq uint64) error {
	t.s.lastVoteSeq[rep] = seq
	return nil
}
