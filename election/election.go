// Package election implements the per-conflict state machine of §4.6: a
// single root's set of competing blocks, driven toward confirmation by
// vote tallying against a dynamic quorum.
package election

import (
	"math/big"
	"sync"
	"time"

	"latticenode/block"
	"latticenode/config"
	"latticenode/netiface"
	"latticenode/stats"
)

// State is the election's lifecycle stage.
type State uint8

const (
	Passive State = iota
	Active
	Broadcasting
	Confirmed
	ExpiredConfirmed
	ExpiredUnconfirmed
)

func (s State) String() string {
	switch s {
	case Passive:
		return "passive"
	case Active:
		return "active"
	case Broadcasting:
		return "broadcasting"
	case Confirmed:
		return "confirmed"
	case ExpiredConfirmed:
		return "expired_confirmed"
	case ExpiredUnconfirmed:
		return "expired_unconfirmed"
	default:
		return "unknown"
	}
}

// Behavior distinguishes the shorter "optimistic" timeout track from the
// normal one (§4.6).
type Behavior uint8

const (
	Normal Behavior = iota
	Optimistic
)

// WeightLookup supplies the quorum inputs an election needs: a
// representative's weight, total online stake, and the confirmation delta
// derived from it (online_stake * quorum_percent / 100).
type WeightLookup interface {
	Weight(rep block.Account) *big.Int
	OnlineStake() *big.Int
	Delta() *big.Int
}

// voteInfo is the per-representative last-recorded vote.
type voteInfo struct {
	Time     time.Time
	Sequence uint64
	Hash     block.Hash
}

// notAdvancedBy reports whether (seq, hash) sorts before or equal to the
// stored vote, i.e. whether a new vote is NOT an advance over this one.
func (vi voteInfo) notAdvancedBy(seq uint64, hash block.Hash) bool {
	if seq != vi.Sequence {
		return seq < vi.Sequence
	}
	for i := range hash {
		if hash[i] != vi.Hash[i] {
			return hash[i] < vi.Hash[i]
		}
	}
	return true // equal: not an advance
}

// Election is a single conflict's state machine, guarded by its own mutex
// (the scheduler in package active additionally serializes access at the
// map level, per §5).
type Election struct {
	mu sync.Mutex

	root     block.QualifiedRoot
	height   uint64
	behavior Behavior
	cfg      config.Params
	weights  WeightLookup
	stats    *stats.Collector
	onConfirm func(winner *block.Block)

	state      State
	stateStart time.Time
	created    time.Time // set once at construction; drives the hard deadline only
	lastBlock  time.Time
	lastReq    time.Time

	winner                  *block.Block
	blocks                  map[block.Hash]*block.Block
	lastVotes               map[block.Account]voteInfo
	confirmationRequestCount int
	multiplier              float64
	confirmedAt             time.Time
}

// New constructs a passive election around the given winning candidate.
func New(winner *block.Block, behavior Behavior, cfg config.Params, weights WeightLookup, sc *stats.Collector, onConfirm func(*block.Block)) *Election {
	now := time.Now()
	e := &Election{
		root: winner.QualifiedRoot(), height: winner.Sideband.Height,
		behavior: behavior, cfg: cfg, weights: weights, stats: sc, onConfirm: onConfirm,
		state: Passive, stateStart: now, created: now, lastBlock: now,
		winner: winner.Copy(),
		blocks: map[block.Hash]*block.Block{},
		lastVotes: map[block.Account]voteInfo{},
	}
	if h, err := winner.Hash(); err == nil {
		e.blocks[h] = winner.Copy()
	}
	return e
}

// Root returns the qualified root this election owns.
func (e *Election) Root() block.QualifiedRoot { return e.root }

func (e *Election) baseLatency() time.Duration { return e.cfg.BaseLatency }

// Behavior returns the optimistic/normal track this election was opened
// on (§4.7.7 needs this to decide whether a failed election should
// trigger a pessimistic follow-up).
func (e *Election) Behavior() Behavior { return e.behavior }

// State returns the current lifecycle stage.
func (e *Election) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Confirmed reports whether the election has reached (or passed through) confirmation.
func (e *Election) Confirmed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == Confirmed || e.state == ExpiredConfirmed
}

// Failed reports whether the election expired without confirming.
func (e *Election) Failed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == ExpiredUnconfirmed
}

// WinnerRoot satisfies vote.ElectionHandle.
func (e *Election) WinnerRoot() (block.QualifiedRoot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.winner == nil {
		return block.QualifiedRoot{}, false
	}
	return e.winner.QualifiedRoot(), true
}

// Winner returns a copy of the current winning block, or nil.
func (e *Election) Winner() *block.Block {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.winner.Copy()
}

// Multiplier returns the election's current normalized-work multiplier,
// used by package active to order the priority tier.
func (e *Election) Multiplier() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.multiplier
}

// LastVoteCount returns the number of representatives that have cast a
// recorded vote; used by tests asserting cooldown/quorum convergence.
func (e *Election) LastVoteCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.lastVotes)
}

// BlockCount returns the number of distinct conflicting blocks held.
func (e *Election) BlockCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.blocks)
}

// SeedVotes copies cached inactive-vote-cache voters into last_votes as
// synthetic old votes (time = the zero value), per §4.5's "seed new
// elections with cached votes" rule. Returns the number of synthetic
// entries inserted, for the vote_cached stat.
func (e *Election) SeedVotes(hash block.Hash, voters []block.Account) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	inserted := 0
	for _, rep := range voters {
		if _, exists := e.lastVotes[rep]; exists {
			continue
		}
		e.lastVotes[rep] = voteInfo{Time: time.Time{}, Sequence: 0, Hash: hash}
		inserted++
	}
	if inserted > 0 {
		e.stats.Add("vote_cached", uint64(inserted))
		e.confirmIfQuorumLocked()
	}
	return inserted
}

// cooldown returns the minimum spacing between accepted votes from a
// representative holding the given weight, as a fraction of online stake
// (§4.4): <1% -> 15s, 1-5% -> 5s, >=5% -> 1s.
func cooldown(repWeight, onlineStake *big.Int) time.Duration {
	if onlineStake == nil || onlineStake.Sign() <= 0 || repWeight == nil {
		return 15 * time.Second
	}
	pct := new(big.Int).Mul(repWeight, big.NewInt(100))
	pct.Quo(pct, onlineStake)
	switch {
	case pct.Cmp(big.NewInt(5)) >= 0:
		return 1 * time.Second
	case pct.Cmp(big.NewInt(1)) >= 0:
		return 5 * time.Second
	default:
		return 15 * time.Second
	}
}

// Vote applies a representative's vote for hash at the given sequence.
// Implements vote.ElectionHandle and the acceptance rule of §4.4: a vote
// is accepted iff there is no prior vote from rep, or the stored
// (sequence, hash) is lexicographically smaller AND the cooldown elapsed.
func (e *Election) Vote(rep block.Account, seq uint64, hash block.Hash, arrival time.Time) (accepted bool, replay bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev, exists := e.lastVotes[rep]
	if exists {
		if prev.Sequence == seq && prev.Hash == hash {
			return false, true
		}
		if prev.notAdvancedBy(seq, hash) {
			return false, false
		}
		w := e.weights.Weight(rep)
		if arrival.Sub(prev.Time) < cooldown(w, e.weights.OnlineStake()) {
			return false, false
		}
	}
	// A vote for a hash this election has never seen still updates
	// last_votes (it may name a fork we haven't been shown yet) but cannot
	// move the tally toward a block we don't hold until Publish adds it.
	e.lastVotes[rep] = voteInfo{Time: arrival, Sequence: seq, Hash: hash}
	e.confirmIfQuorumLocked()
	return true, false
}

// Tally sums representative weight per candidate hash over last_votes.
func (e *Election) Tally() map[block.Hash]*big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tallyLocked()
}

func (e *Election) tallyLocked() map[block.Hash]*big.Int {
	t := make(map[block.Hash]*big.Int)
	for rep, vi := range e.lastVotes {
		w := e.weights.Weight(rep)
		if w == nil {
			continue
		}
		if cur, ok := t[vi.Hash]; ok {
			cur.Add(cur, w)
		} else {
			t[vi.Hash] = new(big.Int).Set(w)
		}
	}
	return t
}

// HaveQuorum reports whether tally has quorum, using the election's
// weight lookup for delta: sum >= online_weight_minimum and top > second + delta.
func (e *Election) HaveQuorum(tally map[block.Hash]*big.Int) (block.Hash, bool) {
	var top, second block.Hash
	topW := big.NewInt(0)
	secondW := big.NewInt(0)
	sum := big.NewInt(0)
	for h, w := range tally {
		sum.Add(sum, w)
		if w.Cmp(topW) > 0 {
			second, secondW = top, topW
			top, topW = h, w
		} else if w.Cmp(secondW) > 0 {
			second, secondW = h, w
		}
	}
	_ = second
	minimum := big.NewInt(e.cfg.OnlineWeightMinimum)
	if sum.Cmp(minimum) < 0 {
		return block.Hash{}, false
	}
	delta := e.weights.Delta()
	threshold := new(big.Int).Add(secondW, delta)
	if topW.Cmp(threshold) <= 0 {
		return block.Hash{}, false
	}
	return top, true
}

// ConfirmIfQuorum checks the current tally and confirms the winner if
// quorum is reached.
func (e *Election) ConfirmIfQuorum() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.confirmIfQuorumLocked()
}

func (e *Election) confirmIfQuorumLocked() {
	if e.state == Confirmed || e.state == ExpiredConfirmed {
		return
	}
	tally := e.tallyLocked()
	winnerHash, ok := e.HaveQuorum(tally)
	if !ok {
		return
	}
	if b, known := e.blocks[winnerHash]; known {
		e.winner = b.Copy()
	}
	e.state = Confirmed
	e.confirmedAt = time.Now()
	if e.onConfirm != nil {
		w := e.winner.Copy()
		go e.onConfirm(w)
	}
}

// Publish adds a conflicting block, per §4.6's admission rule: allowed if
// the election is unconfirmed and either fewer than 10 blocks are held, or
// the new block's share of online stake is at least 10%. If the hash
// matches the current winner, the winner object is refreshed (e.g. a
// higher-work re-broadcast of the same content). Returns true on
// rejection.
func (e *Election) Publish(b *block.Block) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Confirmed || e.state == ExpiredConfirmed {
		return true
	}
	h, err := b.Hash()
	if err != nil {
		return true
	}
	if _, ok := e.blocks[h]; ok {
		if e.winner != nil {
			if wh, _ := e.winner.Hash(); wh == h {
				e.winner = b.Copy()
			}
		}
		e.blocks[h] = b.Copy()
		e.lastBlock = time.Now()
		return false
	}
	if len(e.blocks) < 10 {
		e.blocks[h] = b.Copy()
		e.lastBlock = time.Now()
		return false
	}
	tally := e.tallyLocked()
	if w, ok := tally[h]; ok {
		onlineStake := e.weights.OnlineStake()
		if onlineStake != nil && onlineStake.Sign() > 0 {
			share := new(big.Int).Mul(w, big.NewInt(100))
			share.Quo(share, onlineStake)
			if share.Cmp(big.NewInt(10)) >= 0 {
				e.blocks[h] = b.Copy()
				e.lastBlock = time.Now()
				return false
			}
		}
	}
	return true
}

// TransitionActive forces an immediate passive -> active move, as an
// external caller (e.g. a local wallet send) may request.
func (e *Election) TransitionActive() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Passive {
		e.state = Active
		e.stateStart = time.Now()
	}
}

// hardDeadline returns the wall-clock timeout for expiry without
// confirmation: 5 minutes normal, 60s optimistic (test mode: 500ms
// optimistic, 2s normal).
func (e *Election) hardDeadline() time.Duration {
	if e.cfg.TestMode {
		if e.behavior == Optimistic {
			return 500 * time.Millisecond
		}
		return 2 * time.Second
	}
	if e.behavior == Optimistic {
		return 60 * time.Second
	}
	return 5 * time.Minute
}

// TransitionTime advances the election's state machine by one tick,
// requesting confirmations and broadcasting the winner through net as
// appropriate. Returns true if the election terminated (confirmed-expired
// or unconfirmed-expired) this tick.
func (e *Election) TransitionTime(net netiface.Network, chans []netiface.Channel) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	base := e.baseLatency()

	switch e.state {
	case Passive:
		if now.Sub(e.stateStart) >= 5*base {
			e.state = Active
			e.stateStart = now
		}
	case Active:
		if e.confirmationRequestCount > 2 {
			e.state = Broadcasting
			e.stateStart = now
		}
	case Confirmed:
		if now.Sub(e.confirmedAt) >= 5*base {
			e.state = ExpiredConfirmed
			return true
		}
		return false
	case ExpiredConfirmed, ExpiredUnconfirmed:
		return true
	}

	if e.state != Confirmed && now.Sub(e.created) >= e.hardDeadline() {
		e.state = ExpiredUnconfirmed
		return true
	}

	reqPeriod := 5 * base
	if e.behavior == Optimistic {
		reqPeriod = 10 * base
	}
	if (e.state == Active || e.state == Broadcasting) && now.Sub(e.lastReq) >= reqPeriod {
		e.sendConfirmReqLocked(net, chans)
	}
	if e.state == Broadcasting && now.Sub(e.lastBlock) >= 15*base {
		e.broadcastLocked(net)
	}
	return false
}

func (e *Election) sendConfirmReqLocked(net netiface.Network, chans []netiface.Channel) {
	e.lastReq = time.Now()
	e.confirmationRequestCount++
	if net == nil || e.winner == nil {
		return
	}
	for _, ch := range chans {
		_ = net.Send(ch, e.winner.Copy())
	}
}

func (e *Election) broadcastLocked(net netiface.Network) {
	e.lastBlock = time.Now()
	if net == nil || e.winner == nil {
		return
	}
	_ = net.FloodBlock(e.winner.Copy())
}

// ConfirmationRequestCount returns how many confirm-req rounds this
// election has issued, used by test scenario 1.
func (e *Election) ConfirmationRequestCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.confirmationRequestCount
}

// Cleanup clears fingerprints of every losing block on expiry (so they
// can be re-seen), or — on confirmation — removes only losing blocks,
// per §4.6.
func (e *Election) Cleanup(net netiface.Network) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var winnerHash block.Hash
	if e.winner != nil {
		winnerHash, _ = e.winner.Hash()
	}
	for h := range e.blocks {
		if h == winnerHash {
			continue
		}
		if e.state == ExpiredUnconfirmed && net != nil {
			net.FilterClear(h)
		}
		delete(e.blocks, h)
	}
	if e.state == ExpiredUnconfirmed && e.winner != nil && net != nil {
		net.FilterClear(winnerHash)
	}
}

// UpdateMultiplier folds in the normalized multiplier of a newly seen
// fork or updated-work version, keeping the highest seen (§4.6).
func (e *Election) UpdateMultiplier(m float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if m > e.multiplier {
		e.multiplier = m
	}
}

// NormalizedMultiplier is the pure function translating a block's proof-of-work into a priority multiplier relative
// to its threshold. Preserved bit-exactly is not attempted here beyond the
// documented formula (§9 Open Question): multiplier = 2^(work_leading_zero_bits - threshold_leading_zero_bits),
// approximated via the ratio of the work value to the threshold since both
// are monotonic in difficulty.
func NormalizedMultiplier(work uint64, threshold uint64) float64 {
	if threshold == 0 {
		return 1
	}
	return float64(work) / float64(threshold)
}
