// Package confheight implements §4.2: walking the cemented frontier
// forward in dependency order once a block is confirmed, emitting one
// cement notification per visited block.
package confheight

import (
	"sync"

	"latticenode/block"
	"latticenode/ledger"
	"latticenode/netiface"
)

// Request names a hash known to be confirmed and whether it was the
// active election's own winner (vs. a byproduct of a later confirmation).
type Request struct {
	Hash   block.Hash
	Active bool
}

// Processor runs on a dedicated goroutine, draining a bounded queue of
// confirmed hashes and cementing their accounts' chains in order.
type Processor struct {
	ledger   *ledger.Ledger
	observer netiface.Observer

	mu          sync.Mutex
	inFlight    map[block.Hash]bool
	queue       chan Request
	stop        chan struct{}
	wg          sync.WaitGroup
}

// New constructs a confirmation-height processor over ledger l, delivering
// cement notifications to obs.
func New(l *ledger.Ledger, obs netiface.Observer, queueSize int) *Processor {
	if obs == nil {
		obs = netiface.NopObserver{}
	}
	return &Processor{
		ledger: l, observer: obs,
		inFlight: make(map[block.Hash]bool),
		queue:    make(chan Request, queueSize),
		stop:     make(chan struct{}),
	}
}

// SetObserver replaces the cement-notification sink. Must be called
// before Start; the processor holds no lock around p.observer since it
// is only ever touched during single-threaded wiring.
func (p *Processor) SetObserver(obs netiface.Observer) {
	if obs == nil {
		obs = netiface.NopObserver{}
	}
	p.observer = obs
}

// Start launches the processing goroutine.
func (p *Processor) Start() {
	p.wg.Add(1)
	go p.run()
}

// Stop halts the processing goroutine and waits for it to drain.
func (p *Processor) Stop() {
	close(p.stop)
	p.wg.Wait()
}

// Enqueue submits a confirmed hash for cementing. Overflow is dropped
// silently by design (§5: all queues have explicit bounds; overflow drops
// with a counter, left to the caller to observe via stats).
func (p *Processor) Enqueue(req Request) bool {
	select {
	case p.queue <- req:
		return true
	default:
		return false
	}
}

// IsProcessingBlock reports whether hash is currently being walked.
func (p *Processor) IsProcessingBlock(h block.Hash) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight[h]
}

func (p *Processor) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case req := <-p.queue:
			p.process(req)
		}
	}
}

func (p *Processor) process(req Request) {
	p.mu.Lock()
	p.inFlight[req.Hash] = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.inFlight, req.Hash)
		p.mu.Unlock()
	}()

	p.cementTo(req.Hash, req.Active)
}

// cementTo walks target's account forward from its current cemented
// frontier to target, cementing each block in order. Before cementing a
// receive block it first cements the sending block (sender-first, per
// §9's resolved Open Question), recursing into the source account.
func (p *Processor) cementTo(target block.Hash, active bool) {
	b, ok := p.ledger.Block(target)
	if !ok {
		return
	}
	info, ok := p.ledger.ConfirmationHeight(b.Account)
	var frontier block.Hash
	if ok {
		frontier = info.Frontier
		if b.Sideband.Height <= info.Height {
			return // already cemented
		}
	}

	acct, ok := p.ledger.Account(b.Account)
	if !ok {
		return
	}

	var chain []*block.Block
	cur := acct.Head
	for {
		cb, ok := p.ledger.Block(cur)
		if !ok {
			return
		}
		chain = append([]*block.Block{cb}, chain...)
		if cur == frontier || cb.Previous.IsZero() {
			break
		}
		cur = cb.Previous
	}
	if len(chain) > 0 && !frontier.IsZero() {
		if h0, _ := chain[0].Hash(); h0 == frontier {
			chain = chain[1:]
		}
	}

	for _, cb := range chain {
		h, _ := cb.Hash()
		if cb.Sideband.Details.IsReceive {
			p.cementSource(cb.Link)
		}
		p.cementOne(cb, h == target && active)
		if h == target {
			return
		}
	}
}

// cementSource ensures the sending block identified by sourceHash is
// itself cemented before its matching receive is, implementing §9's
// sender-first mandate.
func (p *Processor) cementSource(sourceHash block.Hash) {
	sb, ok := p.ledger.Block(sourceHash)
	if !ok {
		return
	}
	info, ok := p.ledger.ConfirmationHeight(sb.Account)
	if ok && sb.Sideband.Height <= info.Height {
		return
	}
	p.cementTo(sourceHash, false)
}

func (p *Processor) cementOne(b *block.Block, active bool) {
	h, _ := b.Hash()
	_ = p.ledger.PutConfirmationHeight(b.Account, &block.ConfirmationHeightInfo{
		Height: b.Sideband.Height, Frontier: h,
	})
	p.ledger.MarkCemented()
	p.observer.OnBlockConfirmed(b, active)
}
