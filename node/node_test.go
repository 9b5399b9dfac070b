package node

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/pixelspark/catena-sub001/chain"
	"github.com/pixelspark/catena-sub001/crypto"
	"github.com/pixelspark/catena-sub001/gossip"
	"github.com/pixelspark/catena-sub001/ledger"
	"github.com/pixelspark/catena-sub001/peer"
)

type identityCodec struct{}

func (identityCodec) SigningBytes(payload []byte) []byte { return payload }

func mine(b *chain.Block, difficulty int) {
	for nonce := uint64(0); ; nonce++ {
		b.Nonce = nonce
		sig := chain.ComputeSignature(identityCodec{}, b)
		if crypto.Difficulty(sig) >= difficulty {
			b.Signature = sig
			return
		}
	}
}

func newGenesis() *chain.Block {
	g := &chain.Block{Version: 1, Index: 0, Previous: crypto.ZeroHash, Payload: []byte{}}
	mine(g, 1)
	return g
}

func newNode(t *testing.T) (*Node, *ledger.Ledger) {
	t.Helper()
	g := newGenesis()
	c := chain.NewMemChain(g)
	params := chain.ChainParams{BaseDifficulty: 1, OrphanPoolCapacity: 16, AdvertisementAge: time.Hour, PeerRetryAfterFailure: time.Hour}
	l := ledger.New(c, identityCodec{}, params, nil)
	n := New(uuid.New(), 0, l, nil, params)
	return n, l
}

// --- Fetcher ---

func TestFetcherSerializesOnePerPeer(t *testing.T) {
	f := newFetcher()
	peerID := uuid.New()
	c1 := Candidate{Hash: crypto.Sum([]byte("a")), Height: 1, Peer: peerID}
	c2 := Candidate{Hash: crypto.Sum([]byte("b")), Height: 2, Peer: peerID}

	require.True(t, f.Enqueue(c1))
	require.True(t, f.Enqueue(c2))

	got, ok := f.NextFor(peerID)
	require.True(t, ok)
	require.Equal(t, c1, got)

	_, ok = f.NextFor(peerID)
	require.False(t, ok, "a second fetch must not be issued while one is outstanding")

	f.Resolve(peerID)
	got, ok = f.NextFor(peerID)
	require.True(t, ok)
	require.Equal(t, c2, got)
}

func TestFetcherDedupsByHash(t *testing.T) {
	f := newFetcher()
	peerID := uuid.New()
	c := Candidate{Hash: crypto.Sum([]byte("x")), Height: 1, Peer: peerID}
	require.True(t, f.Enqueue(c))
	require.False(t, f.Enqueue(c))
}

// --- Network time estimator ---

func TestNetworkTimeEstimatorMedian(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	e := newNetworkTimeEstimator(func() time.Time { return base })

	e.Observe(1 * time.Second)
	e.Observe(3 * time.Second)
	e.Observe(2 * time.Second)

	require.Equal(t, base.Add(2*time.Second), e.Now())
}

func TestNetworkTimeEstimatorWithNoObservations(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	e := newNetworkTimeEstimator(func() time.Time { return base })
	require.Equal(t, base, e.Now())
}

// --- Index / Handler wiring ---

func TestIndexReportsLedgerHeadAndGenesis(t *testing.T) {
	n, l := newNode(t)
	genesis, highest, height, _ := n.Index()
	require.Equal(t, l.Head().Signature, genesis)
	require.Equal(t, l.Head().Signature, highest)
	require.Equal(t, uint64(0), height)
}

func TestFetchBlockLooksUpTheChain(t *testing.T) {
	n, l := newNode(t)
	b, ok := n.FetchBlock(l.Head().Signature)
	require.True(t, ok)
	require.Equal(t, l.Head().Signature, b.Signature)

	_, ok = n.FetchBlock(crypto.Sum([]byte("nowhere")))
	require.False(t, ok)
}

// --- ReceiveBlock: direct accept, orphan enqueues a fetch, rebroadcast ---

func registerConnectedPeer(n *Node, state peer.State) *peer.Peer {
	p := peer.New(uuid.New(), "ws://peer", false)
	switch state {
	case peer.StateConnected:
		p.MarkConnected(nil)
	case peer.StateQueried:
		p.MarkConnected(nil)
		p.MarkQuerying()
		p.MarkQueried(n.genesis, n.genesis, 0, nil)
	case peer.StatePassive:
		p.MarkPassive()
	}
	n.mu.Lock()
	n.registerLocked(p)
	n.mu.Unlock()
	return p
}

func TestReceiveBlockAcceptsDirectExtension(t *testing.T) {
	n, l := newNode(t)
	from := registerConnectedPeer(n, peer.StateConnected)

	head := l.Head()
	next := &chain.Block{Version: 1, Index: 1, Previous: head.Signature, Timestamp: 1000, Payload: []byte{}}
	mine(next, 1)

	n.ReceiveBlock(next, from)
	require.Equal(t, next.Signature, l.Head().Signature)
}

func TestReceiveBlockOrphanEnqueuesFetchOfMissingAncestor(t *testing.T) {
	n, l := newNode(t)
	from := registerConnectedPeer(n, peer.StateConnected)

	head := l.Head()
	b1 := &chain.Block{Version: 1, Index: 1, Previous: head.Signature, Timestamp: 1000, Payload: []byte{}}
	mine(b1, 1)
	b2 := &chain.Block{Version: 1, Index: 2, Previous: b1.Signature, Timestamp: 2000, Payload: []byte{}}
	mine(b2, 1)

	// Deliver b2 before its parent is known: it must be parked, and a
	// fetch for b1 must be queued against the delivering peer. ReceiveBlock
	// drives the queue straight away, so the candidate is already
	// outstanding for that peer.
	n.ReceiveBlock(b2, from)
	require.NotEqual(t, b2.Signature, l.Head().Signature)

	cand, ok := n.fetcher.OutstandingFor(from.UUID)
	require.True(t, ok)
	require.Equal(t, b1.Signature, cand.Hash)
	require.Equal(t, from.UUID, cand.Peer)
}

func TestReceiveBlockRecordsNewUnsolicitedBlockAsSentToNeighbor(t *testing.T) {
	n, l := newNode(t)
	from := registerConnectedPeer(n, peer.StateConnected)
	neighbor := registerConnectedPeer(n, peer.StateQueried)

	head := l.Head()
	next := &chain.Block{Version: 1, Index: 1, Previous: head.Signature, Timestamp: 1000, Payload: []byte{}}
	mine(next, 1)

	// Neighbor has no open connection, so Send would fail silently; what
	// matters here is that the neighbor is recorded as already having
	// received this block, so a second rebroadcast attempt skips it.
	n.ReceiveBlock(next, from)

	seenBefore := func() bool {
		n.mu.Lock()
		defer n.mu.Unlock()
		v, ok := n.sent.Get(next.Signature)
		if !ok {
			return false
		}
		return v.(interface{ Contains(uuid.UUID) bool }).Contains(neighbor.UUID)
	}()
	require.True(t, seenBefore, "neighbor must be recorded as already sent this block")
}

func TestReceiveMinedBlockAppendsAndBroadcasts(t *testing.T) {
	n, l := newNode(t)
	neighbor := registerConnectedPeer(n, peer.StateQueried)

	head := l.Head()
	mined := &chain.Block{Version: 1, Index: 1, Previous: head.Signature, Timestamp: 1000, Payload: []byte{}}
	mine(mined, 1)

	n.ReceiveMinedBlock(mined)
	require.Equal(t, mined.Signature, l.Head().Signature)

	n.mu.Lock()
	v, ok := n.sent.Get(mined.Signature)
	n.mu.Unlock()
	require.True(t, ok)
	require.True(t, v.(interface{ Contains(uuid.UUID) bool }).Contains(neighbor.UUID))
}

// --- Accept: self-loop rejection ---

func TestAcceptRejectsSelfUUIDWithoutRegistering(t *testing.T) {
	n, _ := newNode(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, n.Accept(w, r))
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, err := gossip.Dial(context.Background(), wsURL, n.self, 0)
	require.NoError(t, err)
	defer conn.Close()

	// The server closes its side immediately after rejecting the self-loop.
	_, err = conn.Recv()
	require.Error(t, err)

	n.mu.Lock()
	defer n.mu.Unlock()
	require.Empty(t, n.registry, "a self-UUID connection must never be added to the peer registry")
}

// --- forget: peer removal ---

func TestHandleFrameForgetRemovesPeerFromRegistry(t *testing.T) {
	n, _ := newNode(t)
	p := registerConnectedPeer(n, peer.StateConnected)

	n.handleFrame(p, gossip.Frame{Counter: 0, Body: gossip.Forget{}})

	require.Equal(t, peer.StateIgnored, p.State())
	n.mu.Lock()
	_, stillRegistered := n.registry[p.UUID]
	_, stillByURL := n.byURL[p.URL]
	n.mu.Unlock()
	require.False(t, stillRegistered, "a forgotten peer must be removed from the registry")
	require.False(t, stillByURL, "a forgotten peer must be removed from the URL index")
}

func TestReceiveBlockFetchReplyMismatchFailsPeer(t *testing.T) {
	n, l := newNode(t)
	from := registerConnectedPeer(n, peer.StateConnected)
	_ = l

	wanted := Candidate{Hash: crypto.Sum([]byte("expected")), Height: 1, Peer: from.UUID}
	n.fetcher.Enqueue(wanted)
	_, ok := n.fetcher.NextFor(from.UUID)
	require.True(t, ok)

	wrong := &chain.Block{Version: 1, Index: 1, Previous: l.Head().Signature, Timestamp: 1000, Payload: []byte{}}
	mine(wrong, 1)

	n.ReceiveBlock(wrong, from)
	require.Equal(t, peer.StateFailed, from.State())
}
