// Package inactivecache implements §4.5: a bounded LRU of votes that
// arrived before the block they name, used to seed new elections and to
// trigger lazy bootstrap once quorum is cached for a hash the ledger
// hasn't seen yet.
package inactivecache

import (
	"math/big"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"latticenode/block"
	"latticenode/config"
	"latticenode/stats"
)

// Entry is the cache's per-hash bookkeeping.
type Entry struct {
	Voters           map[block.Account]time.Time
	ArrivalTime      time.Time
	BootstrapStarted bool
	ElectionStarted  bool
	Confirmed        bool
}

// WeightLookup resolves a representative's weight and the current
// confirmation delta, the same shape election.WeightLookup needs minus
// the per-hash tally (the cache works from a flat voter set, not a tally).
type WeightLookup interface {
	Weight(rep block.Account) *big.Int
	OnlineStake() *big.Int
	Delta() *big.Int
}

// Cache is the bounded LRU vote buffer of §4.5. The LRU bound itself is
// provided by github.com/hashicorp/golang-lru, adopted from the rest of
// the example pack rather than hand-rolled (the teacher has no LRU of its
// own).
type Cache struct {
	mu      sync.Mutex
	lru     *lru.Cache
	cfg     config.Params
	weights WeightLookup
	stats   *stats.Collector

	// BlockKnown reports whether hash is already present in the ledger,
	// so the cache can decide between immediate activation and deferred
	// activation once the block is later processed.
	BlockKnown func(hash block.Hash) bool
	// Activate opens an election for hash, seeding it with this entry's
	// voters; called once the election-start threshold is crossed and the
	// block is known (or later, when the deferred block arrives).
	Activate func(hash block.Hash, entry *Entry)
	// Bootstrap requests a lazy bootstrap fetch of hash from the network.
	Bootstrap func(hash block.Hash)
}

// New constructs a Cache bounded to cfg.InactiveVoteCacheSize entries.
func New(cfg config.Params, weights WeightLookup, sc *stats.Collector) *Cache {
	size := cfg.InactiveVoteCacheSize
	if size < 1 {
		size = 1
	}
	l, _ := lru.New(size)
	return &Cache{lru: l, cfg: cfg, weights: weights, stats: sc}
}

func (c *Cache) getOrCreate(hash block.Hash, now time.Time) *Entry {
	if v, ok := c.lru.Get(hash); ok {
		return v.(*Entry)
	}
	e := &Entry{Voters: make(map[block.Account]time.Time), ArrivalTime: now}
	c.lru.Add(hash, e)
	return e
}

// Get returns the cache entry for hash, if present.
func (c *Cache) Get(hash block.Hash) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lru.Get(hash)
	if !ok {
		return nil, false
	}
	return v.(*Entry), true
}

func (c *Cache) aggregateWeight(e *Entry) *big.Int {
	sum := big.NewInt(0)
	for rep := range e.Voters {
		sum.Add(sum, c.weights.Weight(rep))
	}
	return sum
}

// AddVote implements vote.InactiveSink: insert or update hash's entry,
// add rep to its voters, and react to the bootstrap/election/confirmed
// thresholds of §4.5.
func (c *Cache) AddVote(hash block.Hash, rep block.Account, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.getOrCreate(hash, now)
	if _, already := e.Voters[rep]; !already {
		e.Voters[rep] = now
	}

	agg := c.aggregateWeight(e)
	quorum := c.weights.Delta()
	haveQuorum := quorum.Sign() > 0 && agg.Cmp(quorum) >= 0

	if haveQuorum && !e.BootstrapStarted {
		e.BootstrapStarted = true
		if c.Bootstrap != nil {
			c.Bootstrap(hash)
		}
	}

	if len(e.Voters) >= c.cfg.InactiveVoteCacheElectionStartVoters && !e.ElectionStarted {
		e.ElectionStarted = true
		if c.stats != nil {
			delay := now.Sub(e.ArrivalTime)
			c.stats.Inc("late_block")
			c.stats.Add("late_block_seconds", uint64(delay.Seconds()))
		}
		known := c.BlockKnown != nil && c.BlockKnown(hash)
		if known && c.Activate != nil {
			c.Activate(hash, e)
		}
		// else: activation stays deferred until the block is processed
		// and ActivateDeferred is invoked by the caller.
	}

	if haveQuorum {
		e.Confirmed = true
	}

	c.lru.Add(hash, e)
}

// ActivateDeferred is invoked once a block named by a cache entry with
// ElectionStarted (but not yet activated because the block was unknown)
// finally arrives in the ledger.
func (c *Cache) ActivateDeferred(hash block.Hash) {
	c.mu.Lock()
	v, ok := c.lru.Get(hash)
	c.mu.Unlock()
	if !ok {
		return
	}
	e := v.(*Entry)
	if !e.ElectionStarted {
		return
	}
	if c.Activate != nil {
		c.Activate(hash, e)
	}
}

// VotersOf returns the set of representative accounts that have voted for
// hash, for seeding a new election's last_votes.
func (e *Entry) VotersOf() []block.Account {
	out := make([]block.Account, 0, len(e.Voters))
	for rep := range e.Voters {
		out = append(out, rep)
	}
	return out
}
