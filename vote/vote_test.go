package vote

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/kyber/v3/sign/bls"
	"go.dedis.ch/kyber/v3/util/random"

	"latticenode/block"
)

func signedVote(t *testing.T, seq uint64, hashes ...block.Hash) (*Vote, block.Account) {
	t.Helper()
	priv, pub := bls.NewKeyPair(Suite, random.New())
	pubBytes, err := pub.MarshalBinary()
	require.NoError(t, err)

	var rep block.Account
	copy(rep[:], pubBytes)

	v := &Vote{Representative: rep, Sequence: seq, Hashes: hashes, PublicKey: pubBytes}
	sig, err := bls.Sign(Suite, priv, v.SigningPayload())
	require.NoError(t, err)
	v.Signature = sig
	return v, rep
}

func TestVerifyAcceptsValidSignature(t *testing.T) {
	v, _ := signedVote(t, 1, block.Hash{1})
	assert.NoError(t, Verify(v))
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	v, _ := signedVote(t, 1, block.Hash{1})
	v.Hashes[0][0] ^= 0xff
	assert.Error(t, Verify(v))
}

type fakeElection struct {
	accepted, replay bool
	root             block.QualifiedRoot
}

func (f *fakeElection) Vote(rep block.Account, seq uint64, hash block.Hash, arrival time.Time) (bool, bool) {
	return f.accepted, f.replay
}
func (f *fakeElection) WinnerRoot() (block.QualifiedRoot, bool) { return f.root, true }

type fakeRegistry struct {
	byHash    map[block.Hash]ElectionHandle
	confirmed map[block.Hash]bool
}

func (r *fakeRegistry) FindByHash(h block.Hash) (ElectionHandle, bool) {
	e, ok := r.byHash[h]
	return e, ok
}
func (r *fakeRegistry) RecentlyConfirmedHash(h block.Hash) bool { return r.confirmed[h] }

type fakeSink struct {
	added []block.Hash
}

func (s *fakeSink) AddVote(h block.Hash, rep block.Account, now time.Time) {
	s.added = append(s.added, h)
}

func TestProcessRoutesToLiveElection(t *testing.T) {
	h := block.Hash{1}
	registry := &fakeRegistry{byHash: map[block.Hash]ElectionHandle{h: &fakeElection{accepted: true}}, confirmed: map[block.Hash]bool{}}
	sink := &fakeSink{}
	p := NewProcessor(registry, sink, 2)
	defer p.Stop()

	v, _ := signedVote(t, 1, h)
	outcomes := p.Process(v)
	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomeVote, outcomes[0])
	assert.Empty(t, sink.added, "a vote for a live election must never reach the inactive sink")
}

func TestProcessRoutesToInactiveSink(t *testing.T) {
	h := block.Hash{2}
	registry := &fakeRegistry{byHash: map[block.Hash]ElectionHandle{}, confirmed: map[block.Hash]bool{}}
	sink := &fakeSink{}
	p := NewProcessor(registry, sink, 2)
	defer p.Stop()

	v, _ := signedVote(t, 1, h)
	outcomes := p.Process(v)
	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomeIndeterminate, outcomes[0])
	assert.Equal(t, []block.Hash{h}, sink.added)
}

func TestProcessRecentlyConfirmedIsReplay(t *testing.T) {
	h := block.Hash{3}
	registry := &fakeRegistry{byHash: map[block.Hash]ElectionHandle{}, confirmed: map[block.Hash]bool{h: true}}
	sink := &fakeSink{}
	p := NewProcessor(registry, sink, 1)
	defer p.Stop()

	v, _ := signedVote(t, 1, h)
	outcomes := p.Process(v)
	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomeReplay, outcomes[0])
}

func TestProcessInvalidSignatureMarksEveryHashInvalid(t *testing.T) {
	registry := &fakeRegistry{byHash: map[block.Hash]ElectionHandle{}, confirmed: map[block.Hash]bool{}}
	sink := &fakeSink{}
	p := NewProcessor(registry, sink, 1)
	defer p.Stop()

	v, _ := signedVote(t, 1, block.Hash{4}, block.Hash{5})
	v.Signature = []byte("not a real signature")
	outcomes := p.Process(v)
	require.Len(t, outcomes, 2)
	assert.Equal(t, OutcomeInvalid, outcomes[0])
	assert.Equal(t, OutcomeInvalid, outcomes[1])
}
