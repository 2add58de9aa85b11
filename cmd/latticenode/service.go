// Service wires every consensus-core component into a single onet.Service,
// mirroring the teacher's service.Service: an embedded *onet.ServiceProcessor
// plus the node's own long-lived state, registered once at init().
package main

import (
	"math/big"
	"time"

	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/onet/v3/network"
	"golang.org/x/xerrors"

	"latticenode/active"
	"latticenode/aggregator"
	"latticenode/block"
	"latticenode/confheight"
	"latticenode/config"
	"latticenode/inactivecache"
	"latticenode/ledger"
	"latticenode/netiface"
	"latticenode/netiface/onetadapter"
	"latticenode/onlinereps"
	"latticenode/stats"
	"latticenode/store"
	"latticenode/store/boltstore"
	"latticenode/vote"
	"latticenode/wallet"
	"latticenode/work"
)

// ServiceName identifies this service to onet, the way lotmint.ServiceName
// names the teacher's.
const ServiceName = "LatticeNodeService"

var serviceID onet.ServiceID

func init() {
	var err error
	serviceID, err = onet.RegisterNewService(ServiceName, newService)
	log.ErrFatal(err)
}

// Service is the running node: an onet.ServiceProcessor plus every
// consensus-core component wired together.
type Service struct {
	*onet.ServiceProcessor

	cfg    config.Params
	stats  *stats.Collector
	store  store.Store
	ledger *ledger.Ledger
	online *onlinereps.Sampler
	cache  *inactivecache.Cache
	conf   *confheight.Processor
	sched  *active.Scheduler
	agg    *aggregator.Aggregator
	votes  *vote.Processor
	net    *onetadapter.Network
	wallet *wallet.Wallet
	work   *work.Pool
}

// NewProtocol satisfies onet.Service; this service runs no tree protocols
// of its own (votes and blocks travel as raw messages, not onet protocol
// rounds), matching the teacher's untemplated override.
func (s *Service) NewProtocol(tn *onet.TreeNodeInstance, conf *onet.GenericConfig) (onet.ProtocolInstance, error) {
	return nil, nil
}

func newService(c *onet.Context) (onet.Service, error) {
	cfg := config.Default()

	s := &Service{
		ServiceProcessor: onet.NewServiceProcessor(c),
		cfg:              cfg,
		stats:            stats.New(),
	}
	if err := s.wire(); err != nil {
		return nil, xerrors.Errorf("wire node: %w", err)
	}
	return s, nil
}

// wire constructs every component in dependency order and connects their
// callbacks, then starts the background goroutines.
func (s *Service) wire() error {
	var err error
	s.store, err = boltstore.Open(dataPathFor(s.ServerIdentity()))
	if err != nil {
		return xerrors.Errorf("open store: %w", err)
	}

	checker := ledger.DifficultyChecker{BaseThreshold: 0xffffffc000000000, Epoch2ReceiveThreshold: 0xfffffe0000000000}
	s.work = work.New(checker)

	epochLinks := ledger.EpochLinks{}
	s.ledger = ledger.New(s.store, s.cfg, ledger.Ed25519Verifier{}, checker, epochLinks, map[block.Account]*big.Int{}, s.stats, s.onEpoch2)

	s.online = onlinereps.New(s.cfg, s.ledger, s.store)
	s.cache = inactivecache.New(s.cfg, s.online, s.stats)
	s.conf = confheight.New(s.ledger, netiface.NopObserver{}, 4096)
	s.wallet = wallet.New(s.ledger)

	s.net, err = onetadapter.New(s.ServiceProcessor, 30*time.Second)
	if err != nil {
		return xerrors.Errorf("build network adapter: %w", err)
	}

	s.sched = active.New(s.cfg, s.ledger, s.online, s.stats, s.conf, netiface.NopObserver{}, s.net, s.net, s.cache, checker)
	s.conf.SetObserver(active.NewCementObserver(s.sched, netiface.NopObserver{}))
	s.cache.BlockKnown = func(h block.Hash) bool { _, ok := s.ledger.Block(h); return ok }
	s.cache.Activate = s.sched.ActivateFromCache
	s.cache.Bootstrap = func(h block.Hash) {
		log.Lvlf3("bootstrap requested for %s (out of scope: no bootstrap/sync protocol shipped)", h)
	}

	s.agg = aggregator.New(s.cfg, s.ledger, s.wallet, s.net, s.stats)
	s.votes = vote.NewProcessor(s.sched, s.cache, 4)

	s.net.OnBlock(s.handleBlock)
	s.net.OnVote(s.handleVote)

	s.conf.Start()
	s.online.Start()
	s.sched.Start()
	s.agg.Start()
	return nil
}

func (s *Service) onEpoch2() {
	log.Lvl2("ledger entered epoch 2")
}

func (s *Service) handleBlock(b *block.Block, from *network.ServerIdentity) {
	res := s.ledger.Process(b)
	h, err := b.Hash()
	if err != nil {
		return
	}
	switch res {
	case ledger.Progress, ledger.Fork, ledger.Old:
		s.sched.Insert(b, false)
		s.cache.ActivateDeferred(h)
	default:
		log.Lvlf3("rejected block %s from %v: %s", h, from, res)
	}
}

func (s *Service) handleVote(v *vote.Vote, from *network.ServerIdentity) {
	s.online.Observe(v.Representative)
	s.votes.Process(v)
}

func dataPathFor(si *network.ServerIdentity) string {
	if si == nil {
		return "latticenode.db"
	}
	return "latticenode-" + si.Public.String() + ".db"
}
