package block

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAgreesWithCalculateHash(t *testing.T) {
	b := &Block{
		Type:           TypeState,
		Account:        Account{1},
		Balance:        big.NewInt(100),
		Representative: Account{2},
		Link:           Hash{3},
	}
	h1, err := b.Hash()
	require.NoError(t, err)
	h2, err := b.CalculateHash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "Hash must be deterministic and agree with CalculateHash")
}

func TestRootForOpenVsNonOpen(t *testing.T) {
	open := &Block{Account: Account{9}}
	assert.Equal(t, Hash(open.Account), open.Root(), "an open block's root is its own account")

	nonOpen := &Block{Account: Account{9}, Previous: Hash{7}}
	assert.Equal(t, Hash{7}, nonOpen.Root(), "a non-open block's root is its previous hash")
}

func TestQualifiedRootDistinguishesForks(t *testing.T) {
	a := &Block{Account: Account{1}, Previous: Hash{5}, Balance: big.NewInt(1)}
	b := &Block{Account: Account{1}, Previous: Hash{5}, Balance: big.NewInt(2)}
	assert.Equal(t, a.QualifiedRoot(), b.QualifiedRoot(), "forks share a qualified root")

	ha, _ := a.Hash()
	hb, _ := b.Hash()
	assert.NotEqual(t, ha, hb, "forks differ in content hash")
}

func TestCopyIsDeep(t *testing.T) {
	b := &Block{Balance: big.NewInt(5), Signature: []byte{1, 2, 3}}
	cp := b.Copy()
	cp.Balance.SetInt64(9)
	cp.Signature[0] = 0xff
	assert.Equal(t, int64(5), b.Balance.Int64(), "mutating the copy's balance must not affect the original")
	assert.Equal(t, byte(1), b.Signature[0], "mutating the copy's signature must not affect the original")
}

func TestHashIsZero(t *testing.T) {
	var h Hash
	assert.True(t, h.IsZero())
	h[0] = 1
	assert.False(t, h.IsZero())
}
