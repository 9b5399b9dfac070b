package chain

import (
	"sort"

	"github.com/pixelspark/catena-sub001/crypto"
)

// Chain is the blockchain abstraction from spec §4.3: an ordered list of
// blocks from genesis to head, presenting a linear view. Implementations
// persist however they like (the application's concern) but must present a
// consistent linear view to callers holding the ledger's mutex.
type Chain interface {
	Genesis() *Block
	Highest() *Block
	Height() uint64
	Get(hash crypto.Hash) (*Block, bool)
	// Append adds b as the new head. Callers must have already validated
	// b via CanAppend; Append itself does not re-validate.
	Append(b *Block) bool
	// Unwind removes blocks after the block whose signature is to,
	// leaving `to` as the new head. Returns false if to is not on chain.
	Unwind(to crypto.Hash) bool
}

// RequiredDifficulty is a pure function of the predecessor block (spec §9
// open question, resolved in DESIGN.md): constant at params.BaseDifficulty
// unless params.RetargetWindow is non-zero, in which case every Nth block
// retargets by comparing observed vs. target inter-block time over the last
// window, still derived only from chain history reachable from prev.
func RequiredDifficulty(c Chain, prev *Block, params ChainParams) int {
	if params.RetargetWindow == 0 || prev.Index+1 < params.RetargetWindow {
		return params.BaseDifficulty
	}
	if (prev.Index+1)%params.RetargetWindow != 0 {
		return params.BaseDifficulty
	}

	windowStart, ok := ancestor(c, prev, params.RetargetWindow-1)
	if !ok {
		return params.BaseDifficulty
	}
	elapsed := int64(prev.Timestamp) - int64(windowStart.Timestamp)
	if elapsed <= 0 {
		return params.BaseDifficulty
	}
	target := int64(params.TargetBlockTime.Seconds()) * int64(params.RetargetWindow)
	if target <= 0 {
		return params.BaseDifficulty
	}
	switch {
	case elapsed < target:
		return params.BaseDifficulty + 1
	case elapsed > target:
		if params.BaseDifficulty > 0 {
			return params.BaseDifficulty - 1
		}
		return 0
	default:
		return params.BaseDifficulty
	}
}

// ancestor walks back n blocks from b via Previous pointers.
func ancestor(c Chain, b *Block, n uint64) (*Block, bool) {
	cur := b
	for i := uint64(0); i < n; i++ {
		if cur.IsGenesis() {
			return cur, true
		}
		prev, ok := c.Get(cur.Previous)
		if !ok {
			return nil, false
		}
		cur = prev
	}
	return cur, true
}

// MedianTimestamp returns the median of up to the last 11 non-genesis block
// timestamps ending at (and including) before, per spec §4.3. Even counts
// average the two middle values.
func MedianTimestamp(c Chain, before *Block) uint64 {
	const window = 11

	var timestamps []uint64
	cur := before
	for len(timestamps) < window {
		if !cur.IsGenesis() {
			timestamps = append(timestamps, cur.Timestamp)
		}
		if cur.IsGenesis() {
			break
		}
		prev, ok := c.Get(cur.Previous)
		if !ok {
			break
		}
		cur = prev
	}
	if len(timestamps) == 0 {
		return 0
	}
	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i] < timestamps[j] })
	mid := len(timestamps) / 2
	if len(timestamps)%2 == 1 {
		return timestamps[mid]
	}
	return (timestamps[mid-1] + timestamps[mid]) / 2
}

// CanAppend implements spec §4.3's predicate: block chains directly onto to,
// has a valid signature, meets the required difficulty, and postdates the
// median of to's last ≤11 non-genesis timestamps.
func CanAppend(c Chain, codec PayloadCodec, params ChainParams, block *Block, to *Block) bool {
	if block.Previous != to.Signature {
		return false
	}
	if block.Index != to.Index+1 {
		return false
	}
	if !IsSignatureValid(codec, block) {
		return false
	}
	if Work(block) < RequiredDifficulty(c, to, params) {
		return false
	}
	if block.Timestamp <= MedianTimestamp(c, to) {
		return false
	}
	return true
}
