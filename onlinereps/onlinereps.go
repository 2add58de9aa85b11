// Package onlinereps implements §4.3: tracking which representatives have
// voted recently and deriving a trended online-stake figure used as the
// quorum base for every election.
package onlinereps

import (
	"container/list"
	"math/big"
	"sync"
	"time"

	"latticenode/block"
	"latticenode/config"
	"latticenode/store"
)

// WeightSource resolves a representative's current delegated weight; the
// ledger satisfies this directly.
type WeightSource interface {
	Weight(rep block.Account) *big.Int
}

// Sampler tracks online representatives and samples their aggregate
// weight into a bounded circular history, the way the teacher's
// service.PrivateClock (container/list-backed ring buffer) averages a
// different scalar over a bounded window.
type Sampler struct {
	mu      sync.Mutex
	reps    map[block.Account]struct{}
	history *list.List
	cfg     config.Params
	weights WeightSource
	st      store.Store

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Sampler drawing representative weight from weights and
// persisting samples through st.
func New(cfg config.Params, weights WeightSource, st store.Store) *Sampler {
	return &Sampler{
		reps: make(map[block.Account]struct{}), history: list.New(),
		cfg: cfg, weights: weights, st: st, stop: make(chan struct{}),
	}
}

// Observe adds rep to the set of representatives seen voting since the
// last sample.
func (s *Sampler) Observe(rep block.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reps[rep] = struct{}{}
}

// List returns the currently online representative set.
func (s *Sampler) List() []block.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]block.Account, 0, len(s.reps))
	for r := range s.reps {
		out = append(out, r)
	}
	return out
}

// Sample aggregates the weight of every representative observed since the
// last sample, pushes it onto the bounded history, persists it, and
// clears the observed set. Called every cfg.WeightPeriod by Start's
// goroutine, or directly by tests.
func (s *Sampler) Sample() {
	s.mu.Lock()
	total := big.NewInt(0)
	for r := range s.reps {
		total.Add(total, s.weights.Weight(r))
	}
	s.reps = make(map[block.Account]struct{})
	s.history.PushBack(total)
	for s.history.Len() > s.cfg.WeightSamples {
		s.history.Remove(s.history.Front())
	}
	s.mu.Unlock()

	if s.st != nil {
		_ = s.st.Update(func(tx store.Tx) error {
			return tx.PutOnlineWeightSample(time.Now().Unix(), total)
		})
	}
}

// OnlineStake returns the trimmed-mean of recent samples (dropping the
// configured number of top outliers before averaging), floored at the
// configured minimum.
func (s *Sampler) OnlineStake() *big.Int {
	s.mu.Lock()
	samples := make([]*big.Int, 0, s.history.Len())
	for e := s.history.Front(); e != nil; e = e.Next() {
		samples = append(samples, e.Value.(*big.Int))
	}
	minimum := big.NewInt(s.cfg.OnlineWeightMinimum)
	s.mu.Unlock()

	if len(samples) == 0 {
		return minimum
	}

	sorted := append([]*big.Int(nil), samples...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1].Cmp(sorted[j]) > 0; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	drop := s.cfg.WeightTrimmedTop
	if drop > len(sorted) {
		drop = len(sorted)
	}
	kept := sorted[:len(sorted)-drop]
	if len(kept) == 0 {
		kept = sorted
	}
	sum := big.NewInt(0)
	for _, v := range kept {
		sum.Add(sum, v)
	}
	mean := new(big.Int).Quo(sum, big.NewInt(int64(len(kept))))
	if mean.Cmp(minimum) < 0 {
		return minimum
	}
	return mean
}

// Weight delegates to the underlying WeightSource, letting Sampler satisfy
// election.WeightLookup directly.
func (s *Sampler) Weight(rep block.Account) *big.Int { return s.weights.Weight(rep) }

// Delta is the confirmation quorum: online_stake * quorum_percent / 100.
func (s *Sampler) Delta() *big.Int {
	stake := s.OnlineStake()
	d := new(big.Int).Mul(stake, big.NewInt(int64(s.cfg.QuorumPercent)))
	return d.Quo(d, big.NewInt(100))
}

// Start launches the periodic sampling goroutine.
func (s *Sampler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(s.cfg.WeightPeriod)
		defer t.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-t.C:
				s.Sample()
			}
		}
	}()
}

// Stop halts the sampling goroutine.
func (s *Sampler) Stop() {
	close(s.stop)
	s.wg.Wait()
}
