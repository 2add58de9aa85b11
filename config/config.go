// Package config holds the immutable network-parameter record threaded
// through every component's constructor, replacing the teacher's scattered
// package-level globals (suite, serviceID, ...) with one explicit value.
package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"latticenode/block"
)

// Params is the immutable configuration every component is constructed
// with. It is loaded once, at startup, from a TOML file in the same spirit
// as the teacher's group-definition file (app.ReadGroupDescToml).
type Params struct {
	// Genesis identifies the network's genesis account and opening balance.
	GenesisAccount block.Account
	GenesisBalance int64

	// QuorumPercent is the percentage of online stake required for a
	// tally's leading block to confirm (delta = online_stake * QuorumPercent / 100).
	QuorumPercent uint64

	// OnlineWeightMinimum floors the trended online stake.
	OnlineWeightMinimum int64

	// BootstrapWeightMaxBlocks gates use of externally supplied bootstrap
	// weights vs. the live weights table.
	BootstrapWeightMaxBlocks uint64

	// TestMode shrinks every timing constant in §4.6/§4.8 for deterministic
	// tests, mirroring the spec's "test:" timing annotations.
	TestMode bool

	// BaseLatency is the election scheduler's tick period (1s normal, 25ms test).
	BaseLatency time.Duration

	// ActiveElectionsSize bounds the number of live elections (default 5000).
	ActiveElectionsSize int

	// PriorityBucketPercent caps, as a percentage of ActiveElectionsSize,
	// how many priority elections may exist before Insert stops promoting
	// on multiplier (default 10%); wallet-originated inserts are not capped.
	PriorityBucketPercent int

	// ConfirmAckHashesMax bounds the hashes the aggregator signs into one vote.
	ConfirmAckHashesMax int

	// AggregatorMaxDelay/SmallDelay are the pool deadline bounds (§4.8).
	AggregatorMaxDelay   time.Duration
	AggregatorSmallDelay time.Duration

	// MaxChannelRequests bounds per-endpoint aggregator pool capacity.
	MaxChannelRequests int

	// InactiveVoteCacheSize bounds the LRU in package inactivecache.
	InactiveVoteCacheSize int

	// InactiveVoteCacheElectionStartVoters is the distinct-voter threshold
	// (default 5 in test configuration) that starts an election; bootstrap
	// is triggered by cached voter weight reaching quorum instead.
	InactiveVoteCacheElectionStartVoters int

	// RecentlyConfirmedSize bounds the recently-confirmed ring in package
	// active; RecentlyDroppedTTL is how long a dropped root is remembered.
	RecentlyConfirmedSize int
	RecentlyDroppedTTL    time.Duration

	// TrendedMultiplierSamples bounds the circular buffer of per-election
	// normalized-work multipliers package active averages to decide
	// priority-tier promotion on insert (§4.7.2).
	TrendedMultiplierSamples int

	// WeightPeriod is the online-reps sampling interval.
	WeightPeriod time.Duration
	// WeightSamples bounds the trended-weight circular history.
	WeightSamples int
	// WeightTrimmedTop is how many of the top samples to drop before
	// averaging the rest (trimmed mean), at least 0.
	WeightTrimmedTop int
}

// Default returns production-scale parameters, matching §4 defaults.
func Default() Params {
	return Params{
		QuorumPercent:                         67,
		OnlineWeightMinimum:                   60_000_000,
		BootstrapWeightMaxBlocks:               1_000_000,
		TestMode:                              false,
		BaseLatency:                           1000 * time.Millisecond,
		ActiveElectionsSize:                   5000,
		PriorityBucketPercent:                 10,
		ConfirmAckHashesMax:                   12,
		AggregatorMaxDelay:                    300 * time.Millisecond,
		AggregatorSmallDelay:                  50 * time.Millisecond,
		MaxChannelRequests:                    2048,
		InactiveVoteCacheSize:                 65536,
		InactiveVoteCacheElectionStartVoters:  5,
		RecentlyConfirmedSize:                 65536,
		RecentlyDroppedTTL:                    10 * time.Minute,
		TrendedMultiplierSamples:              16,
		WeightPeriod:                          5 * time.Minute,
		WeightSamples:                         288, // 24h of 5-minute samples
		WeightTrimmedTop:                      0,
	}
}

// TestDefault returns the test-mode parameters cited throughout spec.md
// (25ms base latency, 500ms optimistic expiry, 50/10ms aggregator delays).
func TestDefault() Params {
	p := Default()
	p.TestMode = true
	p.BaseLatency = 25 * time.Millisecond
	p.ActiveElectionsSize = 32
	p.AggregatorMaxDelay = 50 * time.Millisecond
	p.AggregatorSmallDelay = 10 * time.Millisecond
	p.InactiveVoteCacheElectionStartVoters = 5
	p.WeightPeriod = 50 * time.Millisecond
	p.WeightSamples = 8
	p.TrendedMultiplierSamples = 4
	return p
}

// Load reads network parameters from a TOML file, following the teacher's
// group-definition-file loading convention in app/app.go.
func Load(path string) (Params, error) {
	p := Default()
	f, err := os.Open(path)
	if err != nil {
		return p, err
	}
	defer f.Close()
	if _, err := toml.DecodeReader(f, &p); err != nil {
		return p, err
	}
	return p, nil
}
