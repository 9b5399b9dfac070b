// Package miner implements Catena's template/pool/aside mining model and
// PoW search loop (spec §4.5): a candidate block template accumulates
// transactions until it is full, transactions that don't yet fit or aren't
// yet eligible are parked in a bounded "aside" set, and a single
// cooperatively-interruptible worker searches nonces in batches.
package miner

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pixelspark/catena-sub001/catenaerr"
	"github.com/pixelspark/catena-sub001/chain"
	"github.com/pixelspark/catena-sub001/crypto"
	"github.com/pixelspark/catena-sub001/ledger"
	"github.com/pixelspark/catena-sub001/util"
)

// batchSize is the number of successive nonces tried per inner search batch
// before the miner re-checks the head and its template (spec §4.5).
const batchSize = 4096

// Ledger is the subset of *ledger.Ledger the miner depends on, narrowed so
// the mining loop can be exercised against a fake in tests if ever needed.
type Ledger interface {
	Chain() chain.Chain
	Head() *chain.Block
}

var _ Ledger = (*ledger.Ledger)(nil)

// Miner owns a candidate template, the set of transactions folded into it,
// and a bounded aside buffer for transactions that don't fit or aren't yet
// eligible. All state is guarded by a single recursive mutex (spec §7).
type Miner struct {
	mu util.RecursiveMutex

	ledger     Ledger
	codec      chain.PayloadCodec
	builder    chain.PayloadBuilder
	classifier chain.TxClassifier
	params     chain.ChainParams
	minerKey   crypto.PublicKeyHash
	onMined    func(*chain.Block)
	clock      func() time.Time

	template *chain.Block
	pending  []chain.Tx

	asideOrder *util.OrderedSet[string]
	asideTx    map[string]chain.Tx

	restart chan struct{}
	log     *logrus.Entry
}

// New constructs a Miner. onMined is called (off the mining goroutine's
// critical section) whenever a valid block is found; the caller typically
// hands it straight to a Node, which treats it like any other new block.
func New(l Ledger, codec chain.PayloadCodec, builder chain.PayloadBuilder, classifier chain.TxClassifier, params chain.ChainParams, minerKey crypto.PublicKeyHash, onMined func(*chain.Block)) *Miner {
	return &Miner{
		ledger:     l,
		codec:      codec,
		builder:    builder,
		classifier: classifier,
		params:     params,
		minerKey:   minerKey,
		onMined:    onMined,
		clock:      time.Now,
		asideOrder: util.NewOrderedSet[string](params.MaxAsideTransactions),
		asideTx:    make(map[string]chain.Tx),
		restart:    make(chan struct{}, 1),
		log:        logrus.WithField("component", "miner"),
	}
}

// SetClock overrides the clock used to timestamp mined blocks; tests use
// this for determinism.
func (m *Miner) SetClock(clock func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
}

// Append implements spec §4.5's append(tx): an invalid signature is
// rejected outright; canAccept(tx) then decides its fate — never-eligible
// transactions are discarded, future-eligible ones go straight to the aside
// buffer, and only a now-eligible transaction that fits the current
// template is folded in (signalling the mining loop to restart against it),
// falling back to the aside buffer if it doesn't fit.
func (m *Miner) Append(tx chain.Tx) error {
	if !tx.Verify() {
		return catenaerr.New(catenaerr.UnsignedTransactionCannotMine, "transaction signature does not verify")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.classifier.Classify(tx) {
	case chain.AcceptNever:
		m.log.Debug("discarding never-eligible transaction")
		return nil
	case chain.AcceptFuture:
		m.addAsideLocked(tx)
		return nil
	}

	m.ensureTemplateLocked()
	if m.template == nil {
		m.addAsideLocked(tx)
		return nil
	}
	if m.builder.HasRoom(m.template.Payload, tx) {
		if next, ok := m.builder.Append(m.template.Payload, tx); ok {
			m.template.Payload = next
			m.pending = append(m.pending, tx)
			m.signalRestart()
			return nil
		}
	}
	m.addAsideLocked(tx)
	return nil
}

// OnAdvance implements chain.ExecutionHook: the head moved forward, so the
// template is invalidated and the aside buffer is re-evaluated against the
// new state on the next rebuild (spec §4.5's "after the head advances").
func (m *Miner) OnAdvance(b *chain.Block) {
	m.invalidateTemplate()
}

// OnUnwind implements chain.ExecutionHook identically: any head movement —
// forward or due to a splice's unwind — invalidates the in-flight template.
func (m *Miner) OnUnwind(b *chain.Block) {
	m.invalidateTemplate()
}

func (m *Miner) invalidateTemplate() {
	m.mu.Lock()
	m.template = nil
	m.mu.Unlock()
	m.signalRestart()
}

// Run executes the PoW search loop until ctx is cancelled (spec §4.5):
// rebuild the template against the current head if needed, search a batch
// of nonces, hand off a mined block, and repeat. It blocks; call it from its
// own goroutine.
func (m *Miner) Run(ctx context.Context) {
	var work *chain.Block
	var nonce uint64

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		head := m.ledger.Head()
		m.mu.Lock()
		m.ensureTemplateLocked()
		snapshot := m.cloneTemplateLocked()
		required := chain.RequiredDifficulty(m.ledger.Chain(), head, m.params)
		m.mu.Unlock()

		if snapshot == nil {
			select {
			case <-m.restart:
			case <-ctx.Done():
				return
			}
			continue
		}

		if work == nil || work.Previous != snapshot.Previous || !payloadEqual(work.Payload, snapshot.Payload) {
			work = snapshot
			nonce = 0
		}

		mined := false
		for i := 0; i < batchSize; i++ {
			work.Nonce = nonce
			sig := chain.ComputeSignature(m.codec, work)
			if crypto.Difficulty(sig) >= required {
				work.Signature = sig
				mined = true
				break
			}
			nonce++
		}

		if mined {
			result := *work
			m.log.WithFields(logrus.Fields{"index": result.Index, "nonce": result.Nonce}).Info("mined block")
			if m.onMined != nil {
				m.onMined(&result)
			}
			work = nil
			// A successful mine doesn't itself invalidate the template —
			// the caller is expected to feed the block back through the
			// ledger, whose OnAdvance hook will do that once it lands.
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// ensureTemplateLocked rebuilds the template from the current head if one
// doesn't exist or the head has moved since it was built. Callers must hold
// m.mu.
func (m *Miner) ensureTemplateLocked() {
	head := m.ledger.Head()
	if m.template != nil && m.template.Previous == head.Signature {
		return
	}
	m.rebuildLocked(head)
}

// rebuildLocked builds a fresh template atop head, carrying over every
// still-pending or aside transaction and re-classifying each one (spec
// §4.5's template-rebuild carry-over and aside re-evaluation).
func (m *Miner) rebuildLocked(head *chain.Block) {
	tmpl := &chain.Block{
		Version:   1,
		Index:     head.Index + 1,
		Previous:  head.Signature,
		Miner:     m.minerKey,
		Timestamp: uint64(m.clock().Unix()),
		Payload:   m.builder.Template(m.minerKey),
	}

	candidates := make([]chain.Tx, 0, len(m.pending)+m.asideOrder.Len())
	candidates = append(candidates, m.pending...)
	for _, key := range m.asideOrder.Keys() {
		if tx, ok := m.asideTx[key]; ok {
			candidates = append(candidates, tx)
		}
	}

	m.pending = nil
	m.asideOrder = util.NewOrderedSet[string](m.params.MaxAsideTransactions)
	m.asideTx = make(map[string]chain.Tx)
	m.template = tmpl

	for _, tx := range candidates {
		switch m.classifier.Classify(tx) {
		case chain.AcceptNever:
			m.log.WithField("index", head.Index+1).Debug("discarding never-eligible transaction from aside")
		case chain.AcceptFuture:
			m.addAsideLocked(tx)
		default: // chain.AcceptNow
			if m.builder.HasRoom(m.template.Payload, tx) {
				if next, ok := m.builder.Append(m.template.Payload, tx); ok {
					m.template.Payload = next
					m.pending = append(m.pending, tx)
					continue
				}
			}
			m.addAsideLocked(tx)
		}
	}
}

// cloneTemplateLocked returns a shallow value copy of the current template
// for the mining goroutine to search against without holding the lock.
// Callers must hold m.mu.
func (m *Miner) cloneTemplateLocked() *chain.Block {
	if m.template == nil {
		return nil
	}
	clone := *m.template
	return &clone
}

// addAsideLocked parks tx in the aside buffer, evicting the oldest entry on
// overflow. Callers must hold m.mu.
func (m *Miner) addAsideLocked(tx chain.Tx) {
	key := txKey(tx)
	if evicted, didEvict := m.asideOrder.Add(key); didEvict {
		delete(m.asideTx, evicted)
	}
	m.asideTx[key] = tx
}

func (m *Miner) signalRestart() {
	select {
	case m.restart <- struct{}{}:
	default:
	}
}

// txKey derives a stable identity for a transaction from its signing bytes,
// used as the aside buffer's ordering key since chain.Tx implementations
// aren't generally comparable (their signing bytes are a slice).
func txKey(tx chain.Tx) string {
	return crypto.Sum(tx.SigningBytes()).String()
}

func payloadEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
