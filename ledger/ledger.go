// Package ledger implements §4.1: deterministic, single-writer block
// validation and application, with rollback of a contiguous chain suffix.
package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"math/big"
	"sync"
	"time"

	"golang.org/x/xerrors"

	"latticenode/block"
	"latticenode/config"
	"latticenode/stats"
	"latticenode/store"
)

// Result is the closed outcome set of §4.1's process table.
type Result int

const (
	Progress Result = iota
	Old
	GapPrevious
	GapSource
	BadSignature
	NegativeSpend
	Fork
	Unreceivable
	GapEpochOpenPending
	OpenedBurnAccount
	BalanceMismatch
	RepresentativeMismatch
	BlockPosition
	InsufficientWork
)

func (r Result) String() string {
	switch r {
	case Progress:
		return "progress"
	case Old:
		return "old"
	case GapPrevious:
		return "gap_previous"
	case GapSource:
		return "gap_source"
	case BadSignature:
		return "bad_signature"
	case NegativeSpend:
		return "negative_spend"
	case Fork:
		return "fork"
	case Unreceivable:
		return "unreceivable"
	case GapEpochOpenPending:
		return "gap_epoch_open_pending"
	case OpenedBurnAccount:
		return "opened_burn_account"
	case BalanceMismatch:
		return "balance_mismatch"
	case RepresentativeMismatch:
		return "representative_mismatch"
	case BlockPosition:
		return "block_position"
	case InsufficientWork:
		return "insufficient_work"
	default:
		return "unknown"
	}
}

// Verifier checks a block's signature, an external (wallet/crypto)
// collaborator the ledger never implements itself.
type Verifier interface {
	Verify(account block.Account, hash block.Hash, signature []byte) bool
}

// WorkChecker answers whether a block's proof-of-work clears the
// threshold for its computed details, an external work-pool collaborator.
type WorkChecker interface {
	Sufficient(root block.Hash, work uint64, details block.Details) bool
}

// DifficultyChecker is a reference WorkChecker: work is sufficient when
// sha256(root || work) interpreted as a big-endian uint64 is at or above a
// details-dependent threshold. Real nodes plug in the actual PoW pool
// (§6); this exists so the ledger is exercisable without one.
type DifficultyChecker struct {
	BaseThreshold          uint64
	Epoch2ReceiveThreshold uint64 // lower threshold for epoch-2 receives, per §4.1
}

func (d DifficultyChecker) Threshold(details block.Details) uint64 {
	if details.IsReceive && details.Epoch >= block.Epoch2 {
		return d.Epoch2ReceiveThreshold
	}
	return d.BaseThreshold
}

func (d DifficultyChecker) Sufficient(root block.Hash, work uint64, details block.Details) bool {
	h := sha256.New()
	h.Write(root[:])
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], work)
	h.Write(buf[:])
	sum := h.Sum(nil)
	value := binary.BigEndian.Uint64(sum[:8])
	return value >= d.Threshold(details)
}

// EpochLinks maps each epoch level to its signalling link value.
type EpochLinks map[block.Epoch]block.Hash

// Ledger is the single-writer block store front-end.
type Ledger struct {
	mu sync.Mutex

	st         store.Store
	cfg        config.Params
	verifier   Verifier
	work       WorkChecker
	epochLinks EpochLinks
	stats      *stats.Collector

	bootstrapWeights map[block.Account]*big.Int
	rootIndex        map[block.QualifiedRoot]block.Hash

	blockCount    uint64
	accountCount  uint64
	cementedCount uint64
	epoch2Started bool
	onEpoch2      func()
}

// New constructs a Ledger over st with the given collaborators.
func New(st store.Store, cfg config.Params, verifier Verifier, work WorkChecker, epochLinks EpochLinks, bootstrapWeights map[block.Account]*big.Int, sc *stats.Collector, onEpoch2 func()) *Ledger {
	return &Ledger{
		st: st, cfg: cfg, verifier: verifier, work: work, epochLinks: epochLinks,
		stats: sc, bootstrapWeights: bootstrapWeights,
		rootIndex: make(map[block.QualifiedRoot]block.Hash),
		onEpoch2:  onEpoch2,
	}
}

func (l *Ledger) epochForLink(link block.Hash) (block.Epoch, bool) {
	for e, v := range l.epochLinks {
		if v == link {
			return e, true
		}
	}
	return 0, false
}

// Process validates and, if valid, applies b. It is the sole write path
// into the ledger (§5: single writer).
func (l *Ledger) Process(b *block.Block) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	hash, err := b.Hash()
	if err != nil {
		return BadSignature
	}

	var already bool
	_ = l.st.View(func(tx store.Tx) error {
		_, ok, _ := tx.GetBlock(hash)
		already = ok
		return nil
	})
	if already {
		return Old
	}

	if b.Account == block.BurnAccount && b.Previous.IsZero() {
		return OpenedBurnAccount
	}

	if !l.verifier.Verify(b.Account, hash, b.Signature) {
		return BadSignature
	}

	var info *block.AccountInfo
	var prevBlock *block.Block
	err = l.st.View(func(tx store.Tx) error {
		if got, ok, e := tx.GetAccount(b.Account); e == nil && ok {
			info = got
		} else if e != nil {
			return e
		}
		if !b.Previous.IsZero() {
			if got, ok, e := tx.GetBlock(b.Previous); e == nil && ok {
				prevBlock = got
			} else if e != nil {
				return e
			}
		}
		return nil
	})
	if err != nil {
		return GapPrevious
	}

	qroot := b.QualifiedRoot()
	if existing, ok := l.rootIndex[qroot]; ok && existing != hash {
		return Fork
	}

	if b.Previous.IsZero() {
		if info != nil {
			return Fork // account already opened; this is a competing open
		}
	} else {
		if info == nil {
			return GapPrevious // no chain exists yet for this account
		}
		if info.Head != b.Previous {
			if prevBlock == nil {
				return GapPrevious
			}
			return Fork
		}
		// A legacy-typed block may never follow a state block: once an
		// account upgrades to state blocks it never reverts (state blocks
		// may freely follow legacy ones, the other direction cannot).
		if prevBlock != nil && prevBlock.Type == block.TypeState && b.Type != block.TypeState {
			return BlockPosition
		}
	}

	prevBalance := big.NewInt(0)
	prevRep := block.Account{}
	prevEpoch := block.EpochUnopened
	if info != nil {
		if info.Balance != nil {
			prevBalance = info.Balance
		}
		prevRep = info.Rep
		prevEpoch = info.Epoch
	}
	if b.Balance == nil {
		b.Balance = big.NewInt(0)
	}

	// A block declaring itself a legacy send must actually reduce the
	// balance; one that doesn't is a negative spend regardless of how
	// the state-block trichotomy below would otherwise classify it.
	if b.Type == block.TypeSend && b.Balance.Cmp(prevBalance) >= 0 {
		return NegativeSpend
	}

	details := block.Details{Epoch: prevEpoch}
	newEpoch := prevEpoch
	var pendingKey block.PendingKey
	var pendingEntry *block.PendingEntry

	if epoch, isEpoch := l.epochForLink(b.Link); isEpoch {
		details.IsEpoch = true
		if b.Balance.Cmp(prevBalance) != 0 {
			return BalanceMismatch
		}
		if info != nil && b.Representative != prevRep {
			return RepresentativeMismatch
		}
		if info == nil {
			if epoch < block.Epoch1 {
				return BlockPosition
			}
			var hasPending bool
			_ = l.st.View(func(tx store.Tx) error {
				_, hasPending, _ = tx.GetPending(block.PendingKey{Destination: b.Account})
				return nil
			})
			if !hasPending {
				return GapEpochOpenPending
			}
		} else if epoch != prevEpoch+1 {
			return BlockPosition
		}
		newEpoch = epoch
	} else if b.Balance.Cmp(prevBalance) < 0 {
		details.IsSend = true
		amount := new(big.Int).Sub(prevBalance, b.Balance)
		destAccount := block.Account(b.Link)
		pendingKey = block.PendingKey{Destination: destAccount, SendHash: hash}
		pendingEntry = &block.PendingEntry{Source: b.Account, Amount: amount, Epoch: prevEpoch}
	} else if b.Balance.Cmp(prevBalance) > 0 || b.Previous.IsZero() {
		details.IsReceive = true
		var sourceExists bool
		var sourcePending *block.PendingEntry
		var ok bool
		key := block.PendingKey{Destination: b.Account, SendHash: b.Link}
		err = l.st.View(func(tx store.Tx) error {
			_, sourceExists, err = tx.GetBlock(b.Link)
			if err != nil {
				return err
			}
			sourcePending, ok, err = tx.GetPending(key)
			return err
		})
		if err != nil {
			return Unreceivable
		}
		if !sourceExists {
			return GapSource
		}
		if !ok {
			return Unreceivable
		}
		expected := new(big.Int).Add(prevBalance, sourcePending.Amount)
		if b.Balance.Cmp(expected) != 0 {
			return BalanceMismatch
		}
		pendingKey = key
	} else {
		// b.Balance.Cmp(prevBalance) == 0: representative-only change, no
		// pending side effect.
	}

	if !l.work.Sufficient(b.Root(), b.Work, details) {
		return InsufficientWork
	}

	now := time.Now().Unix()
	height := uint64(1)
	openBlock := hash
	if info != nil {
		height = info.BlockCount + 1
		openBlock = info.OpenBlock
	}
	b.Sideband = block.Sideband{Height: height, Timestamp: now, Epoch: newEpoch, Details: details}

	newAccount := false
	newInfo := &block.AccountInfo{
		Head: hash, OpenBlock: openBlock, Balance: new(big.Int).Set(b.Balance),
		Rep: b.Representative, Modified: now, BlockCount: height, Epoch: newEpoch,
	}
	if info == nil {
		newAccount = true
	}

	err = l.st.Update(func(tx store.Tx) error {
		if err := tx.PutBlock(b); err != nil {
			return err
		}
		if err := tx.PutAccount(b.Account, newInfo); err != nil {
			return err
		}
		if err := tx.PutFrontier(hash, b.Account); err != nil {
			return err
		}
		if !b.Previous.IsZero() {
			if err := tx.DeleteFrontier(b.Previous); err != nil {
				return err
			}
		}
		if details.IsSend {
			if err := tx.PutPending(pendingKey, pendingEntry); err != nil {
				return err
			}
		}
		if details.IsReceive {
			if err := tx.DeletePending(pendingKey); err != nil {
				return err
			}
		}
		if info != nil && prevRep != (block.Account{}) {
			oldW, _, _ := tx.GetWeight(prevRep)
			if oldW == nil {
				oldW = big.NewInt(0)
			}
			if err := tx.PutWeight(prevRep, new(big.Int).Sub(oldW, prevBalance)); err != nil {
				return err
			}
		}
		newW, _, _ := tx.GetWeight(b.Representative)
		if newW == nil {
			newW = big.NewInt(0)
		}
		return tx.PutWeight(b.Representative, new(big.Int).Add(newW, b.Balance))
	})
	if err != nil {
		// A write-transaction failure here is a storage fault, not a
		// data-validation outcome; per §7 this class is fatal.
		panic(xerrors.Errorf("ledger: store update failed: %w", err))
	}

	l.rootIndex[qroot] = hash
	l.blockCount++
	if newAccount {
		l.accountCount++
	}
	if newEpoch >= block.Epoch2 && !l.epoch2Started {
		l.epoch2Started = true
		if l.onEpoch2 != nil {
			l.onEpoch2()
		}
	}
	if l.stats != nil {
		l.stats.Inc("process_progress")
	}
	return Progress
}

// Weight returns rep's delegated weight, consulting the bootstrap table
// while the chain is short (§4.1 "Bootstrap weights").
func (l *Ledger) Weight(rep block.Account) *big.Int {
	l.mu.Lock()
	useBootstrap := l.blockCount < l.cfg.BootstrapWeightMaxBlocks && l.bootstrapWeights != nil
	l.mu.Unlock()
	if useBootstrap {
		if w, ok := l.bootstrapWeights[rep]; ok {
			return new(big.Int).Set(w)
		}
		return big.NewInt(0)
	}
	var w *big.Int
	_ = l.st.View(func(tx store.Tx) error {
		got, ok, err := tx.GetWeight(rep)
		if err != nil {
			return err
		}
		if ok {
			w = got
		}
		return nil
	})
	if w == nil {
		return big.NewInt(0)
	}
	return w
}

// BlockCount, AccountCount, CementedCount, Epoch2Started expose the cached
// counters of §4.1(e).
func (l *Ledger) BlockCount() uint64 { l.mu.Lock(); defer l.mu.Unlock(); return l.blockCount }
func (l *Ledger) AccountCount() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.accountCount
}
func (l *Ledger) CementedCount() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cementedCount
}
func (l *Ledger) Epoch2Started() bool { l.mu.Lock(); defer l.mu.Unlock(); return l.epoch2Started }

// MarkCemented is called by the confirmation-height processor once it has
// walked a block into the cemented prefix, so the ledger's cached counter
// stays in sync.
func (l *Ledger) MarkCemented() {
	l.mu.Lock()
	l.cementedCount++
	l.mu.Unlock()
}

// OverwriteWork replaces the stored work value of an already-processed
// block, leaving every other field (and its hash, since Work is not part
// of CalculateHash) untouched. Used by the election scheduler's
// restart-on-higher-work rule (§4.7.4): a resubmission of a known hash
// with strictly greater work replaces the stored nonce in place.
func (l *Ledger) OverwriteWork(hash block.Hash, work uint64) (*block.Block, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var b *block.Block
	var ok bool
	_ = l.st.View(func(tx store.Tx) error {
		b, ok, _ = tx.GetBlock(hash)
		return nil
	})
	if !ok {
		return nil, false
	}
	b.Work = work
	if err := l.st.Update(func(tx store.Tx) error { return tx.PutBlock(b) }); err != nil {
		panic(xerrors.Errorf("ledger: store update failed: %w", err))
	}
	return b, true
}

// Account returns a copy of the account's current head record.
func (l *Ledger) Account(a block.Account) (*block.AccountInfo, bool) {
	var info *block.AccountInfo
	var ok bool
	_ = l.st.View(func(tx store.Tx) error {
		info, ok, _ = tx.GetAccount(a)
		return nil
	})
	return info, ok
}

// Block returns a copy of the stored block by hash.
func (l *Ledger) Block(h block.Hash) (*block.Block, bool) {
	var b *block.Block
	var ok bool
	_ = l.st.View(func(tx store.Tx) error {
		b, ok, _ = tx.GetBlock(h)
		return nil
	})
	return b, ok
}

// ConfirmationHeight returns the account's current cementation watermark.
func (l *Ledger) ConfirmationHeight(a block.Account) (*block.ConfirmationHeightInfo, bool) {
	var info *block.ConfirmationHeightInfo
	var ok bool
	_ = l.st.View(func(tx store.Tx) error {
		info, ok, _ = tx.GetConfirmationHeight(a)
		return nil
	})
	return info, ok
}

// PutConfirmationHeight is used by the confirmation-height processor to
// advance an account's watermark.
func (l *Ledger) PutConfirmationHeight(a block.Account, info *block.ConfirmationHeightInfo) error {
	return l.st.Update(func(tx store.Tx) error { return tx.PutConfirmationHeight(a, info) })
}

// LastVoteSequence returns the last persisted vote sequence generated for
// rep, so a restarted node resumes numbering instead of appearing to go
// backward/replay to peers that already saw higher sequence numbers.
func (l *Ledger) LastVoteSequence(rep block.Account) (uint64, bool) {
	var seq uint64
	var ok bool
	_ = l.st.View(func(tx store.Tx) error {
		seq, ok, _ = tx.GetLastVoteSequence(rep)
		return nil
	})
	return seq, ok
}

// AdvanceVoteSequence persists seq as rep's last-generated vote sequence.
func (l *Ledger) AdvanceVoteSequence(rep block.Account, seq uint64) error {
	return l.st.Update(func(tx store.Tx) error { return tx.PutLastVoteSequence(rep, seq) })
}

// Successor returns the block immediately following h in h's account
// chain, if any has been applied, walking the frontier/head chain. This
// is a linear scan placeholder; a production store would index
// (account, height+1) directly.
func (l *Ledger) Successor(h block.Hash) (*block.Block, bool) {
	b, ok := l.Block(h)
	if !ok {
		return nil, false
	}
	info, ok := l.Account(b.Account)
	if !ok {
		return nil, false
	}
	cur := info.Head
	var prev block.Hash
	for {
		cb, ok := l.Block(cur)
		if !ok {
			return nil, false
		}
		if cb.Previous == h {
			return cb, true
		}
		if cur == info.OpenBlock {
			return nil, false
		}
		prev = cb.Previous
		if prev.IsZero() {
			return nil, false
		}
		cur = prev
	}
}

// Rollback undoes every block from the account's head down to and
// including hash. It is only legal for non-cemented blocks.
func (l *Ledger) Rollback(hash block.Hash) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	target, ok := l.Block(hash)
	if !ok {
		return xerrors.New("ledger: rollback of unknown block")
	}
	info, ok := l.Account(target.Account)
	if !ok {
		return xerrors.New("ledger: rollback of block with no account")
	}
	if confInfo, ok := l.ConfirmationHeight(target.Account); ok && target.Sideband.Height <= confInfo.Height {
		return xerrors.New("ledger: cannot roll back a cemented block")
	}

	var chain []*block.Block
	cur := info.Head
	for {
		cb, ok := l.Block(cur)
		if !ok {
			return xerrors.New("ledger: broken chain during rollback")
		}
		chain = append(chain, cb)
		if cur == hash {
			break
		}
		if cb.Previous.IsZero() {
			return xerrors.New("ledger: rollback target not found in chain")
		}
		cur = cb.Previous
	}

	return l.st.Update(func(tx store.Tx) error {
		for _, b := range chain {
			h, _ := b.Hash()
			if b.Sideband.Details.IsSend {
				destAccount := block.Account(b.Link)
				if err := tx.DeletePending(block.PendingKey{Destination: destAccount, SendHash: h}); err != nil {
					return err
				}
			}
			if b.Sideband.Details.IsReceive {
				var amount *big.Int
				prevBal := big.NewInt(0)
				if !b.Previous.IsZero() {
					if pb, ok, _ := tx.GetBlock(b.Previous); ok {
						prevBal = pb.Balance
					}
				}
				amount = new(big.Int).Sub(b.Balance, prevBal)
				if err := tx.PutPending(block.PendingKey{Destination: b.Account, SendHash: b.Link}, &block.PendingEntry{Source: b.Account, Amount: amount, Epoch: b.Sideband.Epoch}); err != nil {
					return err
				}
			}
			w, _, _ := tx.GetWeight(b.Representative)
			if w == nil {
				w = big.NewInt(0)
			}
			if err := tx.PutWeight(b.Representative, new(big.Int).Sub(w, b.Balance)); err != nil {
				return err
			}
			if err := tx.DeleteBlock(h); err != nil {
				return err
			}
			if err := tx.DeleteFrontier(h); err != nil {
				return err
			}
			delete(l.rootIndex, b.QualifiedRoot())
			l.blockCount--
		}
		last := chain[len(chain)-1]
		if last.Previous.IsZero() {
			return nil // account fully rolled back to nothing; caller may choose to delete the account row
		}
		pb, ok, err := tx.GetBlock(last.Previous)
		if err != nil {
			return err
		}
		if !ok {
			return xerrors.New("ledger: predecessor missing during rollback")
		}
		w, _, _ := tx.GetWeight(pb.Representative)
		if w == nil {
			w = big.NewInt(0)
		}
		if err := tx.PutWeight(pb.Representative, new(big.Int).Add(w, pb.Balance)); err != nil {
			return err
		}
		newInfo := &block.AccountInfo{
			Head: last.Previous, OpenBlock: info.OpenBlock, Balance: new(big.Int).Set(pb.Balance),
			Rep: pb.Representative, Modified: time.Now().Unix(), BlockCount: pb.Sideband.Height, Epoch: pb.Sideband.Epoch,
		}
		return tx.PutAccount(target.Account, newInfo)
	})
}
