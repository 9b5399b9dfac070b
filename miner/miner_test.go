package miner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pixelspark/catena-sub001/chain"
	"github.com/pixelspark/catena-sub001/crypto"
	"github.com/pixelspark/catena-sub001/ledger"
)

// identityCodec treats the raw payload bytes as the signing bytes.
type identityCodec struct{}

func (identityCodec) SigningBytes(payload []byte) []byte { return payload }

// lineBuilder is a PayloadBuilder that joins transaction signing bytes with
// newlines, bounded by ChainParams limits — a minimal stand-in for the SQL
// statement batching an application would really do.
type lineBuilder struct {
	maxTx    int
	maxBytes int
}

func (lineBuilder) SigningBytes(payload []byte) []byte { return payload }

func (lineBuilder) Template(crypto.PublicKeyHash) []byte { return []byte{} }

func (b lineBuilder) HasRoom(payload []byte, tx chain.Tx) bool {
	if b.maxTx > 0 && countLines(payload) >= b.maxTx {
		return false
	}
	if b.maxBytes > 0 && len(payload)+len(tx.SigningBytes())+1 > b.maxBytes {
		return false
	}
	return true
}

func (b lineBuilder) Append(payload []byte, tx chain.Tx) ([]byte, bool) {
	if !b.HasRoom(payload, tx) {
		return payload, false
	}
	next := append([]byte{}, payload...)
	if len(next) > 0 {
		next = append(next, '\n')
	}
	next = append(next, tx.SigningBytes()...)
	return next, true
}

func countLines(payload []byte) int {
	if len(payload) == 0 {
		return 0
	}
	n := 1
	for _, b := range payload {
		if b == '\n' {
			n++
		}
	}
	return n
}

// alwaysNow classifies every transaction as immediately eligible.
type alwaysNow struct{}

func (alwaysNow) Classify(chain.Tx) chain.CanAccept { return chain.AcceptNow }

// fixedClassifier returns a single canned verdict for every transaction.
type fixedClassifier struct{ verdict chain.CanAccept }

func (f fixedClassifier) Classify(chain.Tx) chain.CanAccept { return f.verdict }

// funcClassifier dispatches per-transaction via a closure, letting tests
// flip a verdict over time (e.g. future -> now across a rebuild).
type funcClassifier struct{ fn func(chain.Tx) chain.CanAccept }

func (f funcClassifier) Classify(tx chain.Tx) chain.CanAccept { return f.fn(tx) }

func newGenesis() *chain.Block {
	g := &chain.Block{Version: 1, Index: 0, Previous: crypto.ZeroHash, Payload: []byte{}}
	mineGenesis(g)
	return g
}

func mineGenesis(b *chain.Block) {
	for nonce := uint64(0); ; nonce++ {
		b.Nonce = nonce
		sig := chain.ComputeSignature(identityCodec{}, b)
		if crypto.Difficulty(sig) >= 1 {
			b.Signature = sig
			return
		}
	}
}

func newSignedTx(t *testing.T, statement string, counter uint64) *chain.StdTx {
	t.Helper()
	priv, pub, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	tx := &chain.StdTx{Invoker: pub, Counter: counter, Statement: []byte(statement)}
	chain.SignStdTx(priv, tx)
	return tx
}

func testSetup(t *testing.T, classifier chain.TxClassifier, params chain.ChainParams) (*Miner, *ledger.Ledger) {
	t.Helper()
	g := newGenesis()
	c := chain.NewMemChain(g)
	l := ledger.New(c, identityCodec{}, params, nil)
	m := New(l, identityCodec{}, lineBuilder{maxTx: params.MaxTxPerBlock, maxBytes: params.MaxPayloadBytes}, classifier, params, crypto.PublicKeyHash{}, nil)
	return m, l
}

func TestAppendRejectsInvalidSignature(t *testing.T) {
	m, _ := testSetup(t, alwaysNow{}, chain.ChainParams{BaseDifficulty: 1, MaxTxPerBlock: 10, MaxPayloadBytes: 1 << 20, MaxAsideTransactions: 8})
	tx := newSignedTx(t, "INSERT", 0)
	tx.Signature[0] ^= 0xff

	err := m.Append(tx)
	require.Error(t, err)
}

func TestAppendFoldsTransactionIntoTemplate(t *testing.T) {
	m, _ := testSetup(t, alwaysNow{}, chain.ChainParams{BaseDifficulty: 1, MaxTxPerBlock: 10, MaxPayloadBytes: 1 << 20, MaxAsideTransactions: 8})
	tx := newSignedTx(t, "INSERT INTO t VALUES (1);", 0)

	require.NoError(t, m.Append(tx))

	m.mu.Lock()
	payload := string(m.template.Payload)
	m.mu.Unlock()
	require.Contains(t, payload, "INSERT INTO t VALUES (1);")
}

// TestAppendParksOverflowInAside implements invariant 5's companion case:
// a transaction that doesn't fit the template is parked in aside, not lost
// and not forced into the block.
func TestAppendParksOverflowInAside(t *testing.T) {
	m, _ := testSetup(t, alwaysNow{}, chain.ChainParams{BaseDifficulty: 1, MaxTxPerBlock: 1, MaxPayloadBytes: 1 << 20, MaxAsideTransactions: 8})

	first := newSignedTx(t, "INSERT INTO t VALUES (1);", 0)
	second := newSignedTx(t, "INSERT INTO t VALUES (2);", 0)

	require.NoError(t, m.Append(first))
	require.NoError(t, m.Append(second))

	m.mu.Lock()
	payload := string(m.template.Payload)
	asideLen := m.asideOrder.Len()
	m.mu.Unlock()

	require.Contains(t, payload, "INSERT INTO t VALUES (1);")
	require.NotContains(t, payload, "INSERT INTO t VALUES (2);")
	require.Equal(t, 1, asideLen)
}

// TestNeverEligibleIsDiscardedFromAside implements invariant 5: a
// transaction parked in aside as `future` that is classified `never` at the
// next rebuild is discarded, not promoted to the template.
func TestNeverEligibleIsDiscardedFromAside(t *testing.T) {
	rejected := false
	classifier := funcClassifier{fn: func(tx chain.Tx) chain.CanAccept {
		if rejected {
			return chain.AcceptNever
		}
		return chain.AcceptFuture
	}}
	m, l := testSetup(t, classifier, chain.ChainParams{BaseDifficulty: 1, MaxTxPerBlock: 10, MaxPayloadBytes: 1 << 20, MaxAsideTransactions: 8})

	tx := newSignedTx(t, "DROP TABLE t;", 0)
	require.NoError(t, m.Append(tx))

	m.mu.Lock()
	require.Equal(t, 1, m.asideOrder.Len())
	m.mu.Unlock()

	// Force a rebuild by advancing the head, with the transaction now
	// classified as never eligible.
	rejected = true
	head := l.Head()
	next := &chain.Block{Version: 1, Index: head.Index + 1, Previous: head.Signature, Timestamp: 1000, Payload: []byte{}}
	mineGenesis(next)
	require.True(t, l.Receive(next))

	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureTemplateLocked()
	require.Equal(t, 0, m.asideOrder.Len())
	require.NotContains(t, string(m.template.Payload), "DROP TABLE t;")
}

// TestAsidePromotion implements scenario G: a transaction classified
// `future` is parked in aside; once classification flips to `now` after the
// head advances, the next template rebuild includes it.
func TestAsidePromotion(t *testing.T) {
	promoted := false
	classifier := funcClassifier{fn: func(tx chain.Tx) chain.CanAccept {
		if promoted {
			return chain.AcceptNow
		}
		return chain.AcceptFuture
	}}
	m, l := testSetup(t, classifier, chain.ChainParams{BaseDifficulty: 1, MaxTxPerBlock: 10, MaxPayloadBytes: 1 << 20, MaxAsideTransactions: 8})

	tx := newSignedTx(t, "INSERT INTO t VALUES (3);", 0)
	require.NoError(t, m.Append(tx))

	m.mu.Lock()
	// Appending a future transaction builds no template; build one here.
	m.ensureTemplateLocked()
	require.Equal(t, 1, m.asideOrder.Len())
	require.NotContains(t, string(m.template.Payload), "INSERT INTO t VALUES (3);")
	m.mu.Unlock()

	promoted = true
	head := l.Head()
	next := &chain.Block{Version: 1, Index: head.Index + 1, Previous: head.Signature, Timestamp: 1000, Payload: []byte{}}
	mineGenesis(next)
	require.True(t, l.Receive(next))

	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureTemplateLocked()
	require.Equal(t, 0, m.asideOrder.Len())
	require.Contains(t, string(m.template.Payload), "INSERT INTO t VALUES (3);")
}

// TestRunMinesAndReportsBlock exercises the search loop end to end: mining
// against a trivial difficulty must terminate quickly and hand a valid,
// appendable block to onMined.
func TestRunMinesAndReportsBlock(t *testing.T) {
	g := newGenesis()
	c := chain.NewMemChain(g)
	params := chain.ChainParams{BaseDifficulty: 1, MaxTxPerBlock: 10, MaxPayloadBytes: 1 << 20, MaxAsideTransactions: 8}
	l := ledger.New(c, identityCodec{}, params, nil)

	mined := make(chan *chain.Block, 1)
	m := New(l, identityCodec{}, lineBuilder{maxTx: 10, maxBytes: 1 << 20}, alwaysNow{}, params, crypto.PublicKeyHash{}, func(b *chain.Block) {
		mined <- b
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go m.Run(ctx)

	select {
	case b := <-mined:
		require.True(t, chain.IsSignatureValid(identityCodec{}, b))
		require.True(t, chain.CanAppend(l.Chain(), identityCodec{}, params, b, g))
	case <-ctx.Done():
		t.Fatal("timed out waiting for a mined block")
	}
}
