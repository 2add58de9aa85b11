package stats

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIncAndAdd(t *testing.T) {
	c := New()
	c.Inc("vote_cached")
	c.Inc("vote_cached")
	c.Add("late_block", 5)

	assert.Equal(t, uint64(2), c.Get("vote_cached"))
	assert.Equal(t, uint64(5), c.Get("late_block"))
	assert.Equal(t, uint64(0), c.Get("never_touched"))
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	c := New()
	c.Inc("a")
	snap := c.Snapshot()
	c.Inc("a")

	assert.Equal(t, uint64(1), snap["a"], "snapshot must not see later increments")
	assert.Equal(t, uint64(2), c.Get("a"))
}

func TestConcurrentIncrement(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Inc("concurrent")
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(100), c.Get("concurrent"))
}
