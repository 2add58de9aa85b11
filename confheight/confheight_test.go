package confheight

import (
	"crypto/ed25519"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"latticenode/block"
	"latticenode/config"
	"latticenode/ledger"
	"latticenode/netiface"
	"latticenode/stats"
	"latticenode/store"
	"latticenode/vote"
)

type alwaysSufficient struct{}

func (alwaysSufficient) Sufficient(root block.Hash, work uint64, details block.Details) bool {
	return true
}

type recordingObserver struct {
	mu        sync.Mutex
	confirmed []block.Hash
}

func (o *recordingObserver) OnBlockConfirmed(b *block.Block, active bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, _ := b.Hash()
	o.confirmed = append(o.confirmed, h)
}
func (o *recordingObserver) OnVoteArrived(*vote.Vote)                         {}
func (o *recordingObserver) OnActiveStopped(block.QualifiedRoot)              {}
func (o *recordingObserver) OnDifficultyChanged(block.QualifiedRoot, float64) {}
func (o *recordingObserver) OnEndpointConnected(netiface.Channel)             {}

func (o *recordingObserver) snapshot() []block.Hash {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]block.Hash(nil), o.confirmed...)
}

func newChainLedger(t *testing.T) (*ledger.Ledger, ed25519.PrivateKey, block.Account) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var acct block.Account
	copy(acct[:], pub)
	l := ledger.New(store.NewMemStore(), config.TestDefault(), ledger.Ed25519Verifier{}, alwaysSufficient{}, ledger.EpochLinks{}, nil, stats.New(), nil)
	return l, priv, acct
}

func sign(t *testing.T, priv ed25519.PrivateKey, b *block.Block) block.Hash {
	t.Helper()
	h, err := b.Hash()
	require.NoError(t, err)
	b.Signature = ed25519.Sign(priv, h[:])
	return h
}

func TestCementToWalksChainAndMarksHeight(t *testing.T) {
	l, priv, acct := newChainLedger(t)
	open := &block.Block{Type: block.TypeState, Account: acct, Balance: big.NewInt(100), Representative: acct}
	openHash := sign(t, priv, open)
	require.Equal(t, ledger.Progress, l.Process(open))

	second := &block.Block{Type: block.TypeState, Account: acct, Previous: openHash, Balance: big.NewInt(100), Representative: acct}
	secondHash := sign(t, priv, second)
	require.Equal(t, ledger.Progress, l.Process(second))

	obs := &recordingObserver{}
	p := New(l, obs, 16)
	p.Start()
	defer p.Stop()

	require.True(t, p.Enqueue(Request{Hash: secondHash, Active: true}))
	assert.Eventually(t, func() bool {
		info, ok := l.ConfirmationHeight(acct)
		return ok && info.Height == 2
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []block.Hash{openHash, secondHash}, obs.snapshot())
}

func TestCementSendsSourceBeforeReceive(t *testing.T) {
	l, sendPriv, sendAcct := newChainLedger(t)
	open := &block.Block{Type: block.TypeState, Account: sendAcct, Balance: big.NewInt(100), Representative: sendAcct}
	openHash := sign(t, sendPriv, open)
	require.Equal(t, ledger.Progress, l.Process(open))

	destPub, destPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var destAcct block.Account
	copy(destAcct[:], destPub)

	send := &block.Block{Type: block.TypeState, Account: sendAcct, Previous: openHash, Balance: big.NewInt(40), Representative: sendAcct, Link: block.Hash(destAcct)}
	sendHash := sign(t, sendPriv, send)
	require.Equal(t, ledger.Progress, l.Process(send))

	recv := &block.Block{Type: block.TypeState, Account: destAcct, Balance: big.NewInt(60), Representative: destAcct, Link: sendHash}
	recvHash := sign(t, destPriv, recv)
	require.Equal(t, ledger.Progress, l.Process(recv))

	obs := &recordingObserver{}
	p := New(l, obs, 16)
	p.Start()
	defer p.Stop()

	require.True(t, p.Enqueue(Request{Hash: recvHash, Active: true}))
	assert.Eventually(t, func() bool {
		info, ok := l.ConfirmationHeight(destAcct)
		return ok && info.Height == 1
	}, time.Second, 5*time.Millisecond)

	confirmed := obs.snapshot()
	require.Len(t, confirmed, 3, "both blocks of the sender's chain plus the receive must cement")
	assert.Equal(t, []block.Hash{openHash, sendHash, recvHash}, confirmed, "the sending block must cement before the matching receive")

	sendInfo, ok := l.ConfirmationHeight(sendAcct)
	require.True(t, ok)
	assert.Equal(t, uint64(2), sendInfo.Height)
}

func TestEnqueueDropsWhenQueueFull(t *testing.T) {
	l, _, _ := newChainLedger(t)
	p := New(l, nil, 1)
	require.True(t, p.Enqueue(Request{Hash: block.Hash{1}}))
	assert.False(t, p.Enqueue(Request{Hash: block.Hash{2}}), "a full queue must drop rather than block")
}
