package store

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"latticenode/block"
)

func TestBlockPutGetIsDeepCopy(t *testing.T) {
	s := NewMemStore()
	b := &block.Block{Account: block.Account{1}, Balance: big.NewInt(42)}
	h, err := b.Hash()
	require.NoError(t, err)

	require.NoError(t, s.Update(func(tx Tx) error { return tx.PutBlock(b) }))
	b.Balance.SetInt64(999) // mutate the caller's copy after storing

	var got *block.Block
	require.NoError(t, s.View(func(tx Tx) error {
		var ok bool
		var err error
		got, ok, err = tx.GetBlock(h)
		require.True(t, ok)
		return err
	}))
	assert.Equal(t, int64(42), got.Balance.Int64(), "stored block must not alias the caller's mutable balance")
}

func TestPendingPutDeleteRoundTrip(t *testing.T) {
	s := NewMemStore()
	key := block.PendingKey{Destination: block.Account{2}, SendHash: block.Hash{3}}
	entry := &block.PendingEntry{Source: block.Account{1}, Amount: big.NewInt(10)}

	require.NoError(t, s.Update(func(tx Tx) error { return tx.PutPending(key, entry) }))

	var got *block.PendingEntry
	var ok bool
	require.NoError(t, s.View(func(tx Tx) error {
		var err error
		got, ok, err = tx.GetPending(key)
		return err
	}))
	require.True(t, ok)
	assert.Equal(t, int64(10), got.Amount.Int64())

	require.NoError(t, s.Update(func(tx Tx) error { return tx.DeletePending(key) }))
	require.NoError(t, s.View(func(tx Tx) error {
		var err error
		_, ok, err = tx.GetPending(key)
		return err
	}))
	assert.False(t, ok, "pending entry must be gone after delete")
}

func TestOnlineWeightSamplesList(t *testing.T) {
	s := NewMemStore()
	require.NoError(t, s.Update(func(tx Tx) error {
		if err := tx.PutOnlineWeightSample(100, big.NewInt(5)); err != nil {
			return err
		}
		return tx.PutOnlineWeightSample(200, big.NewInt(7))
	}))

	var samples map[int64]*big.Int
	require.NoError(t, s.View(func(tx Tx) error {
		var err error
		samples, err = tx.ListOnlineWeightSamples()
		return err
	}))
	assert.Len(t, samples, 2)
	assert.Equal(t, int64(5), samples[100].Int64())
	assert.Equal(t, int64(7), samples[200].Int64())
}
