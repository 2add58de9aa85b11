package ledger

import (
	"crypto/ed25519"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"latticenode/block"
	"latticenode/config"
	"latticenode/stats"
	"latticenode/store"
)

// alwaysSufficient never rejects on proof-of-work, so tests can focus on
// one validation rule at a time.
type alwaysSufficient struct{}

func (alwaysSufficient) Sufficient(root block.Hash, work uint64, details block.Details) bool {
	return true
}

type neverSufficient struct{}

func (neverSufficient) Sufficient(root block.Hash, work uint64, details block.Details) bool {
	return false
}

func newTestLedger(t *testing.T, work WorkChecker) (*Ledger, ed25519.PrivateKey, block.Account) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var acct block.Account
	copy(acct[:], pub)
	l := New(store.NewMemStore(), config.TestDefault(), Ed25519Verifier{}, work, EpochLinks{}, nil, stats.New(), nil)
	return l, priv, acct
}

func signBlock(t *testing.T, priv ed25519.PrivateKey, b *block.Block) {
	t.Helper()
	h, err := b.Hash()
	require.NoError(t, err)
	b.Signature = ed25519.Sign(priv, h[:])
}

func TestProcessOpensAccount(t *testing.T) {
	l, priv, acct := newTestLedger(t, alwaysSufficient{})
	open := &block.Block{Type: block.TypeState, Account: acct, Balance: big.NewInt(100), Representative: acct}
	signBlock(t, priv, open)

	assert.Equal(t, Progress, l.Process(open))
	assert.Equal(t, uint64(1), l.BlockCount())
	assert.Equal(t, uint64(1), l.AccountCount())

	info, ok := l.Account(acct)
	require.True(t, ok)
	assert.Equal(t, int64(100), info.Balance.Int64())
}

func TestProcessRejectsBadSignature(t *testing.T) {
	l, _, acct := newTestLedger(t, alwaysSufficient{})
	open := &block.Block{Type: block.TypeState, Account: acct, Balance: big.NewInt(100), Representative: acct}
	open.Signature = make([]byte, ed25519.SignatureSize) // all zero, never valid

	assert.Equal(t, BadSignature, l.Process(open))
}

func TestProcessDetectsOldDuplicate(t *testing.T) {
	l, priv, acct := newTestLedger(t, alwaysSufficient{})
	open := &block.Block{Type: block.TypeState, Account: acct, Balance: big.NewInt(100), Representative: acct}
	signBlock(t, priv, open)
	require.Equal(t, Progress, l.Process(open))

	assert.Equal(t, Old, l.Process(open))
}

func TestProcessRejectsOpeningBurnAccount(t *testing.T) {
	l, _, _ := newTestLedger(t, alwaysSufficient{})
	burn := &block.Block{Type: block.TypeState, Account: block.BurnAccount, Balance: big.NewInt(1)}
	assert.Equal(t, OpenedBurnAccount, l.Process(burn))
}

func TestProcessRejectsInsufficientWork(t *testing.T) {
	l, priv, acct := newTestLedger(t, neverSufficient{})
	open := &block.Block{Type: block.TypeState, Account: acct, Balance: big.NewInt(100), Representative: acct}
	signBlock(t, priv, open)
	assert.Equal(t, InsufficientWork, l.Process(open))
}

func TestProcessSendThenReceive(t *testing.T) {
	l, priv, acct := newTestLedger(t, alwaysSufficient{})
	open := &block.Block{Type: block.TypeState, Account: acct, Balance: big.NewInt(100), Representative: acct}
	signBlock(t, priv, open)
	require.Equal(t, Progress, l.Process(open))
	openHash, _ := open.Hash()

	destPub, destPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var dest block.Account
	copy(dest[:], destPub)

	send := &block.Block{Type: block.TypeState, Account: acct, Previous: openHash, Balance: big.NewInt(60), Representative: acct, Link: block.Hash(dest)}
	signBlock(t, priv, send)
	require.Equal(t, Progress, l.Process(send))
	sendHash, _ := send.Hash()

	recv := &block.Block{Type: block.TypeState, Account: dest, Balance: big.NewInt(40), Representative: dest, Link: sendHash}
	signBlock(t, destPriv, recv)
	require.Equal(t, Progress, l.Process(recv))

	info, ok := l.Account(dest)
	require.True(t, ok)
	assert.Equal(t, int64(40), info.Balance.Int64())
}

func TestProcessRejectsReceiveGapSourceWhenBlockUnknown(t *testing.T) {
	l, priv, acct := newTestLedger(t, alwaysSufficient{})
	fakeSend := block.Hash{9, 9, 9}
	recv := &block.Block{Type: block.TypeState, Account: acct, Balance: big.NewInt(1), Link: fakeSend}
	signBlock(t, priv, recv)
	assert.Equal(t, GapSource, l.Process(recv))
}

func TestProcessRejectsReceiveUnreceivableWhenSourceExistsWithoutMatchingPending(t *testing.T) {
	l, priv, acct := newTestLedger(t, alwaysSufficient{})
	open := &block.Block{Type: block.TypeState, Account: acct, Balance: big.NewInt(100), Representative: acct}
	signBlock(t, priv, open)
	require.Equal(t, Progress, l.Process(open))
	openHash, _ := open.Hash()

	// openHash names a real block, but it never sent anything to acct, so
	// no pending entry keyed by it exists: unreceivable, not gap_source.
	recv := &block.Block{Type: block.TypeState, Account: acct, Previous: openHash, Balance: big.NewInt(101), Representative: acct, Link: openHash}
	signBlock(t, priv, recv)
	assert.Equal(t, Unreceivable, l.Process(recv))
}

func TestProcessRejectsLegacySendWithNonDecreasingBalance(t *testing.T) {
	l, priv, acct := newTestLedger(t, alwaysSufficient{})
	open := &block.Block{Type: block.TypeOpen, Account: acct, Balance: big.NewInt(1), Representative: acct}
	signBlock(t, priv, open)
	require.Equal(t, Progress, l.Process(open))
	openHash, _ := open.Hash()

	bad := &block.Block{Type: block.TypeSend, Account: acct, Previous: openHash, Balance: big.NewInt(2), Representative: acct}
	signBlock(t, priv, bad)
	assert.Equal(t, NegativeSpend, l.Process(bad))
}

func TestProcessRejectsForkOfExistingRoot(t *testing.T) {
	l, priv, acct := newTestLedger(t, alwaysSufficient{})
	open := &block.Block{Type: block.TypeState, Account: acct, Balance: big.NewInt(100), Representative: acct}
	signBlock(t, priv, open)
	require.Equal(t, Progress, l.Process(open))

	competingOpen := &block.Block{Type: block.TypeState, Account: acct, Balance: big.NewInt(50), Representative: acct}
	signBlock(t, priv, competingOpen)
	assert.Equal(t, Fork, l.Process(competingOpen))
}

func TestProcessRejectsGapPrevious(t *testing.T) {
	l, priv, acct := newTestLedger(t, alwaysSufficient{})
	orphan := &block.Block{Type: block.TypeState, Account: acct, Previous: block.Hash{1, 2, 3}, Balance: big.NewInt(1), Representative: acct}
	signBlock(t, priv, orphan)
	assert.Equal(t, GapPrevious, l.Process(orphan))
}

func TestWeightUsesBootstrapBelowThreshold(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var rep block.Account
	copy(rep[:], pub)

	cfg := config.TestDefault()
	cfg.BootstrapWeightMaxBlocks = 10
	bootstrap := map[block.Account]*big.Int{rep: big.NewInt(555)}
	l := New(store.NewMemStore(), cfg, Ed25519Verifier{}, alwaysSufficient{}, EpochLinks{}, bootstrap, stats.New(), nil)

	assert.Equal(t, int64(555), l.Weight(rep).Int64())
}

func TestRollbackUndoesSend(t *testing.T) {
	l, priv, acct := newTestLedger(t, alwaysSufficient{})
	open := &block.Block{Type: block.TypeState, Account: acct, Balance: big.NewInt(100), Representative: acct}
	signBlock(t, priv, open)
	require.Equal(t, Progress, l.Process(open))
	openHash, _ := open.Hash()

	send := &block.Block{Type: block.TypeState, Account: acct, Previous: openHash, Balance: big.NewInt(60), Representative: acct, Link: block.Hash{1}}
	signBlock(t, priv, send)
	require.Equal(t, Progress, l.Process(send))
	sendHash, _ := send.Hash()

	require.NoError(t, l.Rollback(sendHash))

	info, ok := l.Account(acct)
	require.True(t, ok)
	assert.Equal(t, openHash, info.Head)
	assert.Equal(t, int64(100), info.Balance.Int64())
}

func TestOverwriteWorkReplacesNonceWithoutChangingHash(t *testing.T) {
	l, priv, acct := newTestLedger(t, alwaysSufficient{})
	open := &block.Block{Type: block.TypeState, Account: acct, Balance: big.NewInt(100), Representative: acct, Work: 1}
	signBlock(t, priv, open)
	require.Equal(t, Progress, l.Process(open))
	h, err := open.Hash()
	require.NoError(t, err)

	updated, ok := l.OverwriteWork(h, 2)
	require.True(t, ok)
	assert.Equal(t, uint64(2), updated.Work)

	h2, err := updated.Hash()
	require.NoError(t, err)
	assert.Equal(t, h, h2, "Work is excluded from the hash, so overwriting it must not change the block's identity")

	stored, ok := l.Block(h)
	require.True(t, ok)
	assert.Equal(t, uint64(2), stored.Work)
}

func TestVoteSequencePersistsAcrossLookup(t *testing.T) {
	l, _, _ := newTestLedger(t, alwaysSufficient{})
	rep := block.Account{3}

	_, ok := l.LastVoteSequence(rep)
	assert.False(t, ok, "an unwritten representative has no recorded sequence")

	require.NoError(t, l.AdvanceVoteSequence(rep, 7))
	seq, ok := l.LastVoteSequence(rep)
	require.True(t, ok)
	assert.Equal(t, uint64(7), seq)
}
