// Package onetadapter is the one shipped netiface.Network, built on the
// same onet/cothority transport the teacher's Service uses: messages are
// registered once at init and delivered through ServiceProcessor's raw
// send/dispatch machinery rather than a bespoke socket layer.
package onetadapter

import (
	"sync"
	"time"

	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/onet/v3/network"
	"golang.org/x/xerrors"

	"latticenode/block"
	"latticenode/netiface"
	"latticenode/vote"
)

var (
	blockMessageID network.MessageTypeID
	voteMessageID  network.MessageTypeID
)

func init() {
	blockMessageID = network.RegisterMessage(&BlockMessage{})
	voteMessageID = network.RegisterMessage(&VoteMessage{})
}

// BlockMessage is the wire envelope for a flooded or unicast block, mirroring
// the teacher's service.BlockMessage{Type, Block} pairing.
type BlockMessage struct {
	Block *block.Block
}

// VoteMessage is the wire envelope for a flooded or unicast vote.
type VoteMessage struct {
	Vote *vote.Vote
}

// peerEndpoint adapts a *network.ServerIdentity to netiface.Channel.
type peerEndpoint struct {
	SI *network.ServerIdentity
}

func (e peerEndpoint) Endpoint() string { return e.SI.Public.String() }

// Network is the onet-backed netiface.Network implementation. It embeds an
// *onet.ServiceProcessor the same way the teacher's Service does, so raw
// message handlers can be registered with RegisterProcessorFunc.
type Network struct {
	*onet.ServiceProcessor

	mu    sync.Mutex
	peers []*network.ServerIdentity

	filterMu sync.Mutex
	filter   map[block.Hash]time.Time
	filterTTL time.Duration

	onBlock func(b *block.Block, from *network.ServerIdentity)
	onVote  func(v *vote.Vote, from *network.ServerIdentity)
}

var _ netiface.Network = (*Network)(nil)

// New wraps proc (the service's embedded *onet.ServiceProcessor) with the
// consensus core's Network contract, registering raw handlers for the
// block and vote envelopes.
func New(proc *onet.ServiceProcessor, filterTTL time.Duration) (*Network, error) {
	n := &Network{
		ServiceProcessor: proc,
		filter:           make(map[block.Hash]time.Time),
		filterTTL:        filterTTL,
	}
	proc.RegisterProcessorFunc(blockMessageID, n.handleBlock)
	proc.RegisterProcessorFunc(voteMessageID, n.handleVote)
	return n, nil
}

// OnBlock sets the handler invoked when a block envelope arrives.
func (n *Network) OnBlock(f func(b *block.Block, from *network.ServerIdentity)) { n.onBlock = f }

// OnVote sets the handler invoked when a vote envelope arrives.
func (n *Network) OnVote(f func(v *vote.Vote, from *network.ServerIdentity)) { n.onVote = f }

func (n *Network) handleBlock(env *network.Envelope) error {
	msg, ok := env.Msg.(*BlockMessage)
	if !ok {
		return xerrors.New("onetadapter: envelope is not a BlockMessage")
	}
	if n.onBlock != nil {
		n.onBlock(msg.Block, env.ServerIdentity)
	}
	return nil
}

func (n *Network) handleVote(env *network.Envelope) error {
	msg, ok := env.Msg.(*VoteMessage)
	if !ok {
		return xerrors.New("onetadapter: envelope is not a VoteMessage")
	}
	if n.onVote != nil {
		n.onVote(msg.Vote, env.ServerIdentity)
	}
	return nil
}

// SetPeers replaces the roster flooded messages are sent to.
func (n *Network) SetPeers(peers []*network.ServerIdentity) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.peers = peers
}

// Channels returns the current peer set as netiface.Channel handles,
// satisfying active.Peers.
func (n *Network) Channels() []netiface.Channel {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]netiface.Channel, len(n.peers))
	for i, p := range n.peers {
		out[i] = ChannelHandle{peerEndpoint{p}}
	}
	return out
}

// ChannelHandle is the concrete netiface.Channel this package hands back.
type ChannelHandle struct{ peerEndpoint }

// FloodBlock sends b, raw, to every known peer, the way the teacher's
// Service.BroadcastBlock loops SendRaw over its peer storage.
func (n *Network) FloodBlock(b *block.Block) error {
	n.mu.Lock()
	peers := append([]*network.ServerIdentity(nil), n.peers...)
	n.mu.Unlock()
	var firstErr error
	for _, p := range peers {
		if err := n.SendRaw(p, &BlockMessage{Block: b}); err != nil {
			log.Lvlf3("flood block to %v: %v", p, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// FloodVote sends v, raw, to every known peer.
func (n *Network) FloodVote(v *vote.Vote) error {
	n.mu.Lock()
	peers := append([]*network.ServerIdentity(nil), n.peers...)
	n.mu.Unlock()
	var firstErr error
	for _, p := range peers {
		if err := n.SendRaw(p, &VoteMessage{Vote: v}); err != nil {
			log.Lvlf3("flood vote to %v: %v", p, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Send unicasts msg (a *block.Block or *vote.Vote payload) to ch.
func (n *Network) Send(ch netiface.Channel, msg netiface.Message) error {
	ep, ok := ch.(ChannelHandle)
	if !ok {
		return xerrors.New("onetadapter: unrecognized channel type")
	}
	switch m := msg.(type) {
	case *block.Block:
		return n.SendRaw(ep.SI, &BlockMessage{Block: m})
	case *vote.Vote:
		return n.SendRaw(ep.SI, &VoteMessage{Vote: m})
	default:
		return xerrors.New("onetadapter: unsupported message type")
	}
}

// FilterApply reports whether digest was already seen within filterTTL,
// recording it if not; a small sweep runs inline to bound the map's size
// instead of a separate goroutine.
func (n *Network) FilterApply(digest block.Hash) bool {
	now := time.Now()
	n.filterMu.Lock()
	defer n.filterMu.Unlock()
	for h, t := range n.filter {
		if now.Sub(t) > n.filterTTL {
			delete(n.filter, h)
		}
	}
	if _, ok := n.filter[digest]; ok {
		return true
	}
	n.filter[digest] = now
	return false
}

// FilterClear removes digest so it can be re-seen (election cleanup on
// expiry, per §4.6).
func (n *Network) FilterClear(digest block.Hash) {
	n.filterMu.Lock()
	defer n.filterMu.Unlock()
	delete(n.filter, digest)
}
