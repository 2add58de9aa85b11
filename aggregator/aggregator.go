// Package aggregator implements §4.8: batching confirmation requests per
// peer so a burst of requests for the same or nearby hashes produces one
// signed vote batch instead of one per request.
package aggregator

import (
	"sync"
	"time"

	"latticenode/block"
	"latticenode/config"
	"latticenode/ledger"
	"latticenode/netiface"
	"latticenode/stats"
)

// Request names a single hash a peer wants confirmed, with its qualified
// root as a fallback lookup key when the hash itself isn't (yet) resolvable
// to a stored block.
type Request struct {
	Hash block.Hash
	Root block.QualifiedRoot
}

type pool struct {
	ch       netiface.Channel
	items    []Request
	start    time.Time
	deadline time.Time
}

// Aggregator batches confirm-req traffic into per-peer pools, flushing each
// pool once its deadline elapses and replying with signed confirm-ack votes.
type Aggregator struct {
	mu      sync.Mutex
	cfg     config.Params
	ledger  *ledger.Ledger
	wallets netiface.Wallets
	net     netiface.Network
	stats   *stats.Collector

	pools map[string]*pool

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs an Aggregator resolving requested hashes against l and
// signing replies with wallets.
func New(cfg config.Params, l *ledger.Ledger, wallets netiface.Wallets, net netiface.Network, sc *stats.Collector) *Aggregator {
	return &Aggregator{
		cfg: cfg, ledger: l, wallets: wallets, net: net, stats: sc,
		pools: make(map[string]*pool),
		stop:  make(chan struct{}),
	}
}

// Enqueue adds reqs to ch's pool, creating it if absent, and recomputes the
// pool's deadline as min(pool_start+max_delay, now+small_delay) (§4.8).
// Returns false, dropping all of reqs, if adding them would take the pool
// past MaxChannelRequests.
func (a *Aggregator) Enqueue(ch netiface.Channel, reqs []Request) bool {
	now := time.Now()
	a.mu.Lock()
	defer a.mu.Unlock()

	key := ch.Endpoint()
	p, ok := a.pools[key]
	if !ok {
		p = &pool{ch: ch, start: now}
		a.pools[key] = p
	}

	if len(p.items)+len(reqs) > a.cfg.MaxChannelRequests {
		if a.stats != nil {
			a.stats.Inc("requests_dropped")
		}
		return false
	}
	p.items = append(p.items, reqs...)

	maxDeadline := p.start.Add(a.cfg.AggregatorMaxDelay)
	softDeadline := now.Add(a.cfg.AggregatorSmallDelay)
	if softDeadline.Before(maxDeadline) {
		p.deadline = softDeadline
	} else {
		p.deadline = maxDeadline
	}
	return true
}

// Start launches the single cooperative flush loop.
func (a *Aggregator) Start() {
	a.wg.Add(1)
	go a.loop()
}

// Stop halts the flush loop.
func (a *Aggregator) Stop() {
	close(a.stop)
	a.wg.Wait()
}

func (a *Aggregator) loop() {
	defer a.wg.Done()
	tick := a.cfg.AggregatorSmallDelay
	if tick <= 0 {
		tick = 10 * time.Millisecond
	}
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-t.C:
			a.flushDue()
		}
	}
}

func (a *Aggregator) flushDue() {
	now := time.Now()
	a.mu.Lock()
	var due []*pool
	for key, p := range a.pools {
		if !now.Before(p.deadline) && len(p.items) > 0 {
			due = append(due, p)
			delete(a.pools, key)
		}
	}
	a.mu.Unlock()

	for _, p := range due {
		a.flush(p)
	}
}

// resolve looks up a request's block, trying the hash directly and, failing
// that, falling back to the root's chain via the ledger's successor index.
func (a *Aggregator) resolve(req Request) (*block.Block, bool) {
	if b, ok := a.ledger.Block(req.Hash); ok {
		return b, true
	}
	if b, ok := a.ledger.Block(req.Root.Root); ok {
		if succ, ok := a.ledger.Successor(req.Root.Root); ok {
			return succ, true
		}
		return b, true
	}
	return nil, false
}

// flush resolves every pooled request and sends one or more confirm-ack
// votes per local representative, batched up to ConfirmAckHashesMax hashes.
func (a *Aggregator) flush(p *pool) {
	var hashes []block.Hash
	seen := make(map[block.Hash]bool)
	for _, req := range p.items {
		b, ok := a.resolve(req)
		if !ok {
			if a.stats != nil {
				a.stats.Inc("requests_unknown")
			}
			continue
		}
		h, err := b.Hash()
		if err != nil || seen[h] {
			continue
		}
		seen[h] = true
		hashes = append(hashes, h)
	}
	if len(hashes) == 0 || a.wallets == nil {
		return
	}

	max := a.cfg.ConfirmAckHashesMax
	if max <= 0 {
		max = len(hashes)
	}
	for _, rep := range a.wallets.Reps() {
		for i := 0; i < len(hashes); i += max {
			end := i + max
			if end > len(hashes) {
				end = len(hashes)
			}
			batch := hashes[i:end]

			last, _ := a.ledger.LastVoteSequence(rep)
			seq := last + 1
			if err := a.ledger.AdvanceVoteSequence(rep, seq); err != nil {
				continue
			}

			v, err := a.wallets.Sign(rep, batch, seq)
			if err != nil {
				continue
			}
			_ = a.net.Send(p.ch, v)
		}
	}
}
