// Package ledger implements Catena's longest-chain acceptance rule (spec
// §4.3/§4.4): direct extension of the head, splicing in a better-work
// sidechain discovered via the orphan pool, or parking a block whose
// ancestry is still unknown.
package ledger

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pixelspark/catena-sub001/chain"
	"github.com/pixelspark/catena-sub001/crypto"
	"github.com/pixelspark/catena-sub001/util"
)

// Ledger owns a chain.Chain plus the orphan pool that buffers blocks whose
// ancestry hasn't arrived yet. All mutating operations run under a single
// recursive mutex (spec §7 "locking discipline": node → ledger → miner →
// peer) so that a hook invoked mid-splice may safely call back into the
// ledger without deadlocking.
type Ledger struct {
	mu      util.RecursiveMutex
	chain   chain.Chain
	codec   chain.PayloadCodec
	params  chain.ChainParams
	hook    chain.ExecutionHook
	orphans *orphanPool
	log     *logrus.Entry

	// clock stands in for the node's median-network-time estimate (spec
	// §4.7); tests and node.New override it through SetClock, real use
	// defaults to wall-clock time.
	clock func() time.Time
}

// New constructs a Ledger over an already-seeded chain. hook may be nil.
func New(c chain.Chain, codec chain.PayloadCodec, params chain.ChainParams, hook chain.ExecutionHook) *Ledger {
	return &Ledger{
		chain:   c,
		codec:   codec,
		params:  params,
		hook:    hook,
		orphans: newOrphanPool(params.OrphanPoolCapacity),
		log:     logrus.WithField("component", "ledger"),
		clock:   time.Now,
	}
}

// SetClock overrides the reference clock used for the future-timestamp
// rejection rule. Node calls this with its running median-network-time
// estimator once one is available; tests use it for determinism.
func (l *Ledger) SetClock(clock func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clock = clock
}

// Chain exposes the underlying chain for read-only callers (node's peer
// handlers answering "index"/"fetch" queries).
func (l *Ledger) Chain() chain.Chain {
	return l.chain
}

// Head returns the current chain tip.
func (l *Ledger) Head() *chain.Block {
	return l.chain.Highest()
}

// Receive implements spec §4.4's block-acceptance algorithm:
//
//  1. reject blocks with an invalid signature outright;
//  2. a block chaining directly onto the head is appended immediately if it
//     satisfies CanAppend, and any orphans waiting on it are drained in;
//  3. a block taller than the head but not a direct child is a splice
//     candidate: walk its Previous chain back through the orphan pool until
//     reaching a block already on-chain, then re-validate the whole
//     candidate sidechain against a projected view before atomically
//     unwinding to the fork point and re-appending it;
//  4. anything else (shorter than or equal to the head, or with an ancestry
//     gap) is parked in the orphan pool and Receive returns false.
func (l *Ledger) Receive(b *chain.Block) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !chain.IsSignatureValid(l.codec, b) {
		l.log.WithField("index", b.Index).Debug("rejecting block with invalid signature")
		return false
	}

	// Scenario F: a block timestamped too far beyond the network's current
	// time is dropped outright, never parked as an orphan — it did not
	// fail for lack of context, it is simply not credible.
	if !b.IsGenesis() {
		limit := uint64(l.clock().Unix()) + uint64(l.params.FutureTolerance.Seconds())
		if b.Timestamp > limit {
			l.log.WithFields(logrus.Fields{"index": b.Index, "timestamp": b.Timestamp}).
				Debug("dropping block timestamped too far in the future")
			return false
		}
	}

	head := l.chain.Highest()

	if b.Previous == head.Signature && chain.CanAppend(l.chain, l.codec, l.params, b, head) {
		l.commit(b)
		l.orphans.remove(b.Signature)
		l.drainOrphans(b)
		return true
	}

	if b.Index > head.Index {
		return l.attemptSplice(b, head)
	}

	if l.isNewLocked(b) {
		l.orphans.add(b)
	}
	return false
}

// commit appends b to the chain and fires the execution hook.
func (l *Ledger) commit(b *chain.Block) {
	l.chain.Append(b)
	if l.hook != nil {
		l.hook.OnAdvance(b)
	}
}

// drainOrphans appends any orphans that now chain onto tip, recursively.
func (l *Ledger) drainOrphans(tip *chain.Block) {
	for {
		child, ok := l.orphans.childOf(tip.Signature)
		if !ok {
			return
		}
		if !chain.CanAppend(l.chain, l.codec, l.params, child, tip) {
			// Known but still invalid against the new tip; leave it
			// parked rather than looping forever on it.
			return
		}
		l.orphans.remove(child.Signature)
		l.commit(child)
		tip = child
	}
}

// attemptSplice walks b's ancestry back through the orphan pool to find the
// fork point, re-validates the whole candidate sidechain, and — only if
// every link validates — unwinds the chain to the fork point and replays the
// sidechain on top.
func (l *Ledger) attemptSplice(b *chain.Block, head *chain.Block) bool {
	sidechain := []*chain.Block{b}
	cur := b
	for {
		if _, onChain := l.chain.Get(cur.Previous); onChain {
			break
		}
		parent, ok := l.orphans.get(cur.Previous)
		if !ok {
			if l.isNewLocked(b) {
				l.orphans.add(b)
			}
			return false
		}
		sidechain = append(sidechain, parent)
		cur = parent
	}

	// sidechain was accumulated tip-first; reverse to root-first.
	for i, j := 0, len(sidechain)-1; i < j; i, j = i+1, j-1 {
		sidechain[i], sidechain[j] = sidechain[j], sidechain[i]
	}

	root := sidechain[0]
	forkPoint, ok := l.chain.Get(root.Previous)
	if !ok {
		// Unreachable: the loop above only exits via this branch.
		return false
	}

	overlay := newOverlayChain(l.chain)
	predecessor := forkPoint
	for _, sb := range sidechain {
		if !chain.CanAppend(overlay, l.codec, l.params, sb, predecessor) {
			return false
		}
		overlay.stage(sb)
		predecessor = sb
	}

	l.log.WithFields(logrus.Fields{
		"from":   forkPoint.Index,
		"to":     sidechain[len(sidechain)-1].Index,
		"length": len(sidechain),
	}).Info("splicing in better sidechain")

	for _, removed := range l.chainBlocksAfter(forkPoint, head) {
		if l.hook != nil {
			l.hook.OnUnwind(removed)
		}
	}
	if !l.chain.Unwind(forkPoint.Signature) {
		return false
	}
	for _, sb := range sidechain {
		l.commit(sb)
		l.orphans.remove(sb.Signature)
	}
	l.drainOrphans(l.chain.Highest())
	return true
}

// chainBlocksAfter returns the on-chain blocks strictly after fork up to and
// including head, tip-first — the order they are actually unwound in, and
// the order OnUnwind is notified in.
func (l *Ledger) chainBlocksAfter(fork *chain.Block, head *chain.Block) []*chain.Block {
	var removed []*chain.Block
	cur := head
	for cur.Signature != fork.Signature {
		removed = append(removed, cur)
		prev, ok := l.chain.Get(cur.Previous)
		if !ok {
			break
		}
		cur = prev
	}
	return removed
}

// IsNew reports whether b is neither on-chain nor already a known orphan.
func (l *Ledger) IsNew(b *chain.Block) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isNewLocked(b)
}

func (l *Ledger) isNewLocked(b *chain.Block) bool {
	if _, ok := l.chain.Get(b.Signature); ok {
		return false
	}
	return !l.orphans.contains(b.Signature)
}

// EarliestRoot walks orphan's ancestry back through the orphan pool and
// returns the index and hash of the earliest ancestor that is neither
// on-chain nor itself a known orphan — the block a peer should be asked to
// fetch next in order to resolve orphan onto the chain (spec §4.4, used by
// node's fetch-driven orphan resolution).
func (l *Ledger) EarliestRoot(orphan *chain.Block) (index uint64, hash crypto.Hash, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur := orphan
	for {
		if _, onChain := l.chain.Get(cur.Previous); onChain {
			// cur's own ancestry is already fully resolvable; nothing is
			// missing.
			return 0, crypto.ZeroHash, false
		}
		parent, found := l.orphans.get(cur.Previous)
		if !found {
			return cur.Index - 1, cur.Previous, true
		}
		cur = parent
	}
}
