package chain

import "time"

// ChainParams carries the tunable limits and timing windows from spec §6's
// "Limits" table, passed by value into Ledger, Miner and Node constructors
// instead of living behind a package-level global (spec §9 calls out
// "global mining/timer state" as an anti-pattern to re-architect away).
type ChainParams struct {
	// BaseDifficulty is the constant required difficulty used when
	// RetargetWindow is 0.
	BaseDifficulty int
	// RetargetWindow, if non-zero, retargets difficulty every N blocks by
	// comparing observed inter-block time against TargetBlockTime. Left
	// at 0 (disabled) by default — spec §9 leaves the retargeting curve
	// unspecified, only requiring it be a pure function of the
	// predecessor.
	RetargetWindow  uint64
	TargetBlockTime time.Duration

	MaxPayloadBytes   int
	MaxTxPerBlock     int
	MaxTxSigningBytes int

	FutureTolerance       time.Duration
	PeerRetryAfterFailure time.Duration
	AdvertisementAge      time.Duration
	PeerReplaceInterval   time.Duration

	MaxExtraBlocksPerFetch int
	MaxAsideTransactions   int

	// OrphanPoolCapacity bounds the ledger's orphan LRU (open question,
	// DESIGN.md "Orphan-pool eviction").
	OrphanPoolCapacity int
}

// DefaultChainParams returns the defaults listed in spec §6.
func DefaultChainParams() ChainParams {
	return ChainParams{
		BaseDifficulty:         20,
		RetargetWindow:         0,
		TargetBlockTime:        10 * time.Second,
		MaxPayloadBytes:        1 << 20, // 1 MiB
		MaxTxPerBlock:          100,
		MaxTxSigningBytes:      10 << 10, // 10 KiB
		FutureTolerance:        2 * time.Hour,
		PeerRetryAfterFailure:  time.Hour,
		AdvertisementAge:       time.Hour,
		PeerReplaceInterval:    60 * time.Second,
		MaxExtraBlocksPerFetch: 10,
		MaxAsideTransactions:   1024,
		OrphanPoolCapacity:     256,
	}
}
