// Package active implements §4.7: the bounded table of live elections,
// indexed by qualified root and by every block hash any live election
// currently holds, with priority/non-priority tiers and a scheduler
// goroutine driving each election's TransitionTime tick.
package active

import (
	"container/list"
	"sync"
	"time"

	"latticenode/block"
	"latticenode/confheight"
	"latticenode/config"
	"latticenode/election"
	"latticenode/inactivecache"
	"latticenode/ledger"
	"latticenode/netiface"
	"latticenode/stats"
	"latticenode/vote"
)

// WorkThreshold supplies the difficulty threshold a block's details must
// clear, the same lookup ledger.DifficultyChecker exposes; used to
// normalize a newly seen block's work into a priority multiplier (§4.7.2).
type WorkThreshold interface {
	Threshold(details block.Details) uint64
}

type electionEntry struct {
	el           *election.Election
	priority     bool
	account      block.Account
	pessimistic  bool
	lastActivity time.Time
}

type droppedEntry struct {
	multiplier float64
	work       uint64
	until      time.Time
}

// Peers supplies the current channel set an election should request
// confirmations from and flood winners to; the scheduler never opens
// connections itself.
type Peers interface {
	Channels() []netiface.Channel
}

// Scheduler is the election table of §4.7. It satisfies vote.ActiveRegistry
// directly, so the vote processor can be wired straight at it.
type Scheduler struct {
	mu     sync.Mutex
	cfg    config.Params
	ledger *ledger.Ledger
	weights election.WeightLookup
	stats  *stats.Collector
	conf   *confheight.Processor
	obs    netiface.Observer
	net    netiface.Network
	peers  Peers
	cache  *inactivecache.Cache
	threshold WorkThreshold

	byRoot map[block.QualifiedRoot]*electionEntry
	byHash map[block.Hash]*electionEntry

	priorityCount int

	confirmedList *list.List // of block.Hash, most recent at back
	confirmedSet  map[block.Hash]*list.Element

	dropped map[block.QualifiedRoot]droppedEntry

	// multiplierHistory/trendedMultiplier back §4.7.2's priority
	// promotion: a circular buffer of recent per-election normalized
	// multipliers, refreshed on every insertion rather than by a
	// separate background goroutine.
	multiplierHistory *list.List // of float64
	trendedMultiplier float64

	// pessimisticPending names accounts whose most recent optimistic
	// election expired without confirming while their frontier was still
	// uncemented (§4.7.7); pessimisticInFlight guards against starting a
	// second pessimistic election for an account already being retried.
	pessimisticPending  map[block.Account]bool
	pessimisticInFlight map[block.Account]bool

	stop chan struct{}
	wg   sync.WaitGroup
}

var _ vote.ActiveRegistry = (*Scheduler)(nil)

// New constructs an election scheduler. cache may be nil if the inactive
// vote cache is wired externally instead of through Insert's auto-seed path.
func New(cfg config.Params, l *ledger.Ledger, weights election.WeightLookup, sc *stats.Collector,
	conf *confheight.Processor, obs netiface.Observer, net netiface.Network, peers Peers, cache *inactivecache.Cache,
	threshold WorkThreshold) *Scheduler {
	if obs == nil {
		obs = netiface.NopObserver{}
	}
	return &Scheduler{
		cfg: cfg, ledger: l, weights: weights, stats: sc, conf: conf, obs: obs, net: net, peers: peers, cache: cache,
		threshold: threshold,
		byRoot: make(map[block.QualifiedRoot]*electionEntry), byHash: make(map[block.Hash]*electionEntry),
		confirmedList: list.New(), confirmedSet: make(map[block.Hash]*list.Element),
		dropped:           make(map[block.QualifiedRoot]droppedEntry),
		multiplierHistory: list.New(),
		pessimisticPending:  make(map[block.Account]bool),
		pessimisticInFlight: make(map[block.Account]bool),
		stop:    make(chan struct{}),
	}
}

// FindByHash implements vote.ActiveRegistry.
func (s *Scheduler) FindByHash(h block.Hash) (vote.ElectionHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byHash[h]
	if !ok {
		return nil, false
	}
	return e.el, true
}

// RecentlyConfirmedHash implements vote.ActiveRegistry.
func (s *Scheduler) RecentlyConfirmedHash(h block.Hash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.confirmedSet[h]
	return ok
}

// Size returns the number of live elections.
func (s *Scheduler) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byRoot)
}

// Exists reports whether root has a live election.
func (s *Scheduler) Exists(root block.QualifiedRoot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byRoot[root]
	return ok
}

// Insert admits b into the active set: publishing it as a fork candidate
// if its root already has a live election, or opening a new one otherwise.
// priority marks a wallet-originated local send, which Insert's eviction
// policy never drops (§4.7.3). Returns the owning election, or nil if the
// table was full and no non-priority election could be evicted to make
// room, or if b resubmits a recently dropped root without greater work.
func (s *Scheduler) Insert(b *block.Block, priority bool) *election.Election {
	root := b.QualifiedRoot()
	h, err := b.Hash()
	if err != nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.byRoot[root]; ok {
		_, seen := s.byHash[h]
		rejected := entry.el.Publish(b)
		entry.lastActivity = time.Now()
		if !rejected {
			s.byHash[h] = entry
			if !seen && s.stats != nil {
				s.stats.Inc("election_block_conflict")
			}
			m := s.normalizedMultiplierLocked(b)
			entry.el.UpdateMultiplier(m)
			if !seen && s.stats != nil {
				s.stats.Inc("election_difficulty_update")
			}
		}
		return entry.el
	}

	restarted := false
	if dropped, ok := s.dropped[root]; ok {
		if b.Work <= dropped.work {
			return nil // resubmission with no greater work: ignored (§4.7.4)
		}
		if _, known := s.ledger.OverwriteWork(h, b.Work); known {
			restarted = true
		}
		delete(s.dropped, root)
	}

	if len(s.byRoot) >= s.cfg.ActiveElectionsSize {
		if !s.evictLocked(priority) {
			return nil
		}
	}

	multiplier := s.normalizedMultiplierLocked(b)
	priorityCap := s.cfg.ActiveElectionsSize * s.cfg.PriorityBucketPercent / 100
	if !priority && s.multiplierHistory.Len() > 0 && multiplier > s.trendedMultiplier && s.priorityCount < priorityCap {
		priority = true
	}
	s.recordMultiplierLocked(multiplier)

	el := election.New(b, election.Optimistic, s.cfg, s.weights, s.stats, func(w *block.Block) {
		s.onConfirmed(root, w)
	})
	el.UpdateMultiplier(multiplier)
	entry := &electionEntry{el: el, priority: priority, account: b.Account, lastActivity: time.Now()}
	s.byRoot[root] = entry
	s.byHash[h] = entry
	if priority {
		s.priorityCount++
	}
	if restarted && s.stats != nil {
		s.stats.Inc("election_restart")
	}

	if s.cache != nil {
		if e, ok := s.cache.Get(h); ok {
			el.SeedVotes(h, e.VotersOf())
		}
	}
	return el
}

// normalizedMultiplierLocked computes b's normalized-work multiplier
// against its own sideband classification, falling back to 1 when no
// threshold source was wired (e.g. in tests that don't care about
// priority ordering).
func (s *Scheduler) normalizedMultiplierLocked(b *block.Block) float64 {
	if s.threshold == nil {
		return 1
	}
	return election.NormalizedMultiplier(b.Work, s.threshold.Threshold(b.Sideband.Details))
}

// recordMultiplierLocked folds m into the bounded multiplier history and
// recomputes the trended average (§4.7.2's background refresh, done
// inline on every insert instead of on a separate timer).
func (s *Scheduler) recordMultiplierLocked(m float64) {
	limit := s.cfg.TrendedMultiplierSamples
	if limit <= 0 {
		limit = 1
	}
	s.multiplierHistory.PushBack(m)
	for s.multiplierHistory.Len() > limit {
		s.multiplierHistory.Remove(s.multiplierHistory.Front())
	}
	var sum float64
	for e := s.multiplierHistory.Front(); e != nil; e = e.Next() {
		sum += e.Value.(float64)
	}
	s.trendedMultiplier = sum / float64(s.multiplierHistory.Len())
}

// evictLocked drops the least-recently-active non-priority election to make
// room for a new insertion, recording it in the dropped ring for §4.7.4's
// restart-on-higher-work rule. Reports whether room was made.
func (s *Scheduler) evictLocked(forPriority bool) bool {
	nonPriorityCount := len(s.byRoot) - s.priorityCount
	if !forPriority && nonPriorityCount <= 0 {
		return false
	}

	var victimRoot block.QualifiedRoot
	var victim *electionEntry
	for root, e := range s.byRoot {
		if e.priority {
			continue
		}
		if victim == nil || e.lastActivity.Before(victim.lastActivity) {
			victimRoot, victim = root, e
		}
	}
	if victim == nil {
		return false
	}
	s.removeLocked(victimRoot, victim)
	var work uint64
	if w := victim.el.Winner(); w != nil {
		work = w.Work
	}
	s.dropped[victimRoot] = droppedEntry{multiplier: victim.el.Multiplier(), work: work, until: time.Now().Add(s.cfg.RecentlyDroppedTTL)}
	s.queuePessimisticLocked(victim)
	s.obs.OnActiveStopped(victimRoot)
	return true
}

// queuePessimisticLocked marks e's account for a one-shot pessimistic
// follow-up election (§4.7.7) when e expired (or was evicted) on the
// optimistic track while its frontier is still uncemented.
func (s *Scheduler) queuePessimisticLocked(e *electionEntry) {
	if e.pessimistic || e.el.Behavior() != election.Optimistic {
		return
	}
	info, ok := s.ledger.ConfirmationHeight(e.account)
	acct, aok := s.ledger.Account(e.account)
	if aok && (!ok || info.Frontier != acct.Head) {
		s.pessimisticPending[e.account] = true
	}
}

func (s *Scheduler) removeLocked(root block.QualifiedRoot, e *electionEntry) {
	delete(s.byRoot, root)
	for h, he := range s.byHash {
		if he == e {
			delete(s.byHash, h)
		}
	}
	if e.priority {
		s.priorityCount--
	}
	if e.pessimistic {
		delete(s.pessimisticInFlight, e.account)
	}
}

func (s *Scheduler) onConfirmed(root block.QualifiedRoot, winner *block.Block) {
	h, err := winner.Hash()
	if err != nil {
		return
	}

	s.mu.Lock()
	entry, ok := s.byRoot[root]
	if ok {
		entry.el.Cleanup(s.net)
		s.removeLocked(root, entry)
	}
	s.pushConfirmedLocked(h)
	s.mu.Unlock()

	if s.conf != nil {
		s.conf.Enqueue(confheight.Request{Hash: h, Active: true})
	}
	s.obs.OnActiveStopped(root)
}

func (s *Scheduler) pushConfirmedLocked(h block.Hash) {
	if _, already := s.confirmedSet[h]; already {
		return
	}
	el := s.confirmedList.PushBack(h)
	s.confirmedSet[h] = el
	for s.confirmedList.Len() > s.cfg.RecentlyConfirmedSize {
		front := s.confirmedList.Front()
		s.confirmedList.Remove(front)
		delete(s.confirmedSet, front.Value.(block.Hash))
	}
}

// Tick advances every live election's state machine once, cleaning up any
// that terminate this round (expired unconfirmed, or confirmed past its
// hold period). Meant to be called every cfg.BaseLatency by Start's
// goroutine.
func (s *Scheduler) Tick() {
	var chans []netiface.Channel
	if s.peers != nil {
		chans = s.peers.Channels()
	}

	s.mu.Lock()
	entries := make([]struct {
		root block.QualifiedRoot
		e    *electionEntry
	}, 0, len(s.byRoot))
	for root, e := range s.byRoot {
		entries = append(entries, struct {
			root block.QualifiedRoot
			e    *electionEntry
		}{root, e})
	}
	now := time.Now()
	for root, d := range s.dropped {
		if now.After(d.until) {
			delete(s.dropped, root)
		}
	}
	s.mu.Unlock()

	for _, it := range entries {
		terminated := it.e.el.TransitionTime(s.net, chans)
		if !terminated {
			continue
		}
		if it.e.el.Failed() {
			s.mu.Lock()
			if cur, ok := s.byRoot[it.root]; ok && cur == it.e {
				cur.el.Cleanup(s.net)
				s.removeLocked(it.root, cur)
				var work uint64
				if w := cur.el.Winner(); w != nil {
					work = w.Work
				}
				s.dropped[it.root] = droppedEntry{multiplier: cur.el.Multiplier(), work: work, until: now.Add(s.cfg.RecentlyDroppedTTL)}
				s.queuePessimisticLocked(cur)
			}
			s.mu.Unlock()
			s.obs.OnActiveStopped(it.root)
		} else {
			// expired_confirmed: already removed and cemented by onConfirmed
			// at the moment quorum was reached; nothing further to do here.
			s.mu.Lock()
			if cur, ok := s.byRoot[it.root]; ok && cur == it.e {
				s.removeLocked(it.root, cur)
			}
			s.mu.Unlock()
		}
	}
}

// PessimisticSweep starts one pessimistic (normal-behavior) election per
// account queued by queuePessimisticLocked, as long as that account isn't
// already being retried and still has an uncemented frontier (§4.7.7).
func (s *Scheduler) PessimisticSweep() {
	s.mu.Lock()
	var accounts []block.Account
	for a := range s.pessimisticPending {
		if !s.pessimisticInFlight[a] {
			accounts = append(accounts, a)
		}
	}
	s.mu.Unlock()

	for _, a := range accounts {
		s.mu.Lock()
		delete(s.pessimisticPending, a)
		s.mu.Unlock()

		info, ok := s.ledger.Account(a)
		if !ok {
			continue
		}
		if ch, cok := s.ledger.ConfirmationHeight(a); cok && ch.Frontier == info.Head {
			continue
		}
		b, ok := s.ledger.Block(info.Head)
		if !ok {
			continue
		}
		root := b.QualifiedRoot()

		s.mu.Lock()
		if _, exists := s.byRoot[root]; exists {
			s.mu.Unlock()
			continue
		}
		h, err := b.Hash()
		if err != nil {
			s.mu.Unlock()
			continue
		}
		s.pessimisticInFlight[a] = true
		el := election.New(b, election.Normal, s.cfg, s.weights, s.stats, func(w *block.Block) {
			s.onConfirmed(root, w)
		})
		entry := &electionEntry{el: el, priority: false, account: a, pessimistic: true, lastActivity: time.Now()}
		s.byRoot[root] = entry
		s.byHash[h] = entry
		s.mu.Unlock()
	}
}

// Activate opens an election for the block immediately following
// account's cemented frontier, continuing confirmation forward without
// waiting for an external republish (§4.7.1's activate-on-cement rule).
// A no-op if the account's chain is already fully cemented or the
// successor is already under an active election.
func (s *Scheduler) Activate(account block.Account) {
	var frontier block.Hash
	if info, ok := s.ledger.ConfirmationHeight(account); ok {
		frontier = info.Frontier
	}
	acct, ok := s.ledger.Account(account)
	if !ok || acct.Head == frontier {
		return
	}
	next, ok := s.nextAfterCemented(frontier, acct.Head)
	if !ok {
		return
	}
	s.Insert(next, false)
}

// nextAfterCemented returns the block immediately following frontier in
// the chain headed by head. An empty frontier means nothing has cemented
// yet, so the chain's open block is returned.
func (s *Scheduler) nextAfterCemented(frontier, head block.Hash) (*block.Block, bool) {
	if frontier.IsZero() {
		b, ok := s.ledger.Block(head)
		for ok && !b.Previous.IsZero() {
			prev, pok := s.ledger.Block(b.Previous)
			if !pok {
				break
			}
			b, ok = prev, pok
		}
		return b, ok
	}
	return s.ledger.Successor(frontier)
}

// cementObserver wraps an inner Observer so cementation also drives the
// scheduler's activate-on-cement continuation: the next block in the
// cemented account's own chain, and — for a send — the next uncemented
// block in its destination account's chain, since the send just made a
// pending receive spendable there (§4.7.1).
type cementObserver struct {
	netiface.Observer
	sched *Scheduler
}

// NewCementObserver wraps inner so OnBlockConfirmed also triggers the
// scheduler's follow-on activation; inner may be nil.
func NewCementObserver(sched *Scheduler, inner netiface.Observer) netiface.Observer {
	if inner == nil {
		inner = netiface.NopObserver{}
	}
	return &cementObserver{Observer: inner, sched: sched}
}

func (c *cementObserver) OnBlockConfirmed(b *block.Block, active bool) {
	c.Observer.OnBlockConfirmed(b, active)
	c.sched.Activate(b.Account)
	if b.Sideband.Details.IsSend {
		c.sched.Activate(block.Account(b.Link))
	}
}

// Start launches the periodic scheduler goroutine.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(s.cfg.BaseLatency)
		defer t.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-t.C:
				s.Tick()
				s.PessimisticSweep()
			}
		}
	}()
}

// Stop halts the scheduler goroutine.
func (s *Scheduler) Stop() {
	close(s.stop)
	s.wg.Wait()
}

// ActivateFromCache is wired as the inactive-vote cache's Activate callback:
// once a cached hash crosses the election-start voter threshold and its
// block is known to the ledger, open a live election for it seeded with the
// cache's recorded voters.
func (s *Scheduler) ActivateFromCache(hash block.Hash, e *inactivecache.Entry) {
	b, ok := s.ledger.Block(hash)
	if !ok {
		return
	}
	el := s.Insert(b, false)
	if el != nil {
		el.SeedVotes(hash, e.VotersOf())
	}
}
