package work

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"latticenode/block"
	"latticenode/ledger"
)

func TestGenerateFindsNonceClearingLowThreshold(t *testing.T) {
	p := New(ledger.DifficultyChecker{BaseThreshold: 1})
	nonce, ok := p.Generate(context.Background(), block.Hash{1}, 1)
	assert.True(t, ok)
	assert.True(t, ledger.DifficultyChecker{BaseThreshold: 1}.Sufficient(block.Hash{1}, nonce, block.Details{}))
}

func TestGenerateHonorsContextCancellation(t *testing.T) {
	p := New(ledger.DifficultyChecker{BaseThreshold: ^uint64(0)}) // unreachable threshold
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, ok := p.Generate(ctx, block.Hash{2}, ^uint64(0))
	assert.False(t, ok)
}

func TestCancelAbortsInFlightGenerate(t *testing.T) {
	p := New(ledger.DifficultyChecker{BaseThreshold: ^uint64(0)})
	root := block.Hash{3}

	done := make(chan bool, 1)
	go func() {
		_, ok := p.Generate(context.Background(), root, ^uint64(0))
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	p.Cancel(root)

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Cancel did not stop the in-flight Generate call")
	}
}

func TestThresholdDelegatesToChecker(t *testing.T) {
	checker := ledger.DifficultyChecker{BaseThreshold: 100, Epoch2ReceiveThreshold: 10}
	p := New(checker)

	assert.Equal(t, uint64(100), p.Threshold(0, block.Details{}))
	assert.Equal(t, uint64(10), p.Threshold(0, block.Details{IsReceive: true, Epoch: block.Epoch2}))
}
