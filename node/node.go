// Package node implements Catena's orchestrator (spec §4.7): the tick
// scheduler that drives each known peer through its state machine, the
// incoming-connection acceptor, the peer registry, the fetcher, rebroadcast
// policy, and the median-network-time estimator.
package node

import (
	"context"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pixelspark/catena-sub001/chain"
	"github.com/pixelspark/catena-sub001/crypto"
	"github.com/pixelspark/catena-sub001/gossip"
	"github.com/pixelspark/catena-sub001/peer"
	"github.com/pixelspark/catena-sub001/util"
)

// tickBatch is the maximum number of peers advanced per tick (spec §4.7:
// "a small number (e.g., 5)").
const tickBatch = 5

// rebroadcastTrackCapacity bounds how many recent blocks' forwarding history
// the node remembers, so "at most once per (block, neighbor)" doesn't grow
// unbounded (spec §5 "Ordering").
const rebroadcastTrackCapacity = 256

// Ledger is the subset of *ledger.Ledger the node depends on.
type Ledger interface {
	Receive(b *chain.Block) bool
	IsNew(b *chain.Block) bool
	EarliestRoot(orphan *chain.Block) (index uint64, hash crypto.Hash, ok bool)
	Head() *chain.Block
	Chain() chain.Chain
	SetClock(clock func() time.Time)
}

// Miner is the subset of *miner.Miner the node depends on.
type Miner interface {
	Append(tx chain.Tx) error
}

// Dialer opens an outbound gossip connection; abstracted so tests can
// substitute an in-memory transport.
type Dialer interface {
	Dial(ctx context.Context, url string, self uuid.UUID, listenPort uint16) (*gossip.Conn, error)
}

// WebSocketDialer dials real WebSocket connections via gossip.Dial.
type WebSocketDialer struct{}

func (WebSocketDialer) Dial(ctx context.Context, url string, self uuid.UUID, listenPort uint16) (*gossip.Conn, error) {
	return gossip.Dial(ctx, url, self, listenPort)
}

// Node ties the ledger, miner, and gossip peer set together (spec §4.7).
type Node struct {
	mu util.RecursiveMutex

	self       uuid.UUID
	listenPort uint16
	genesis    crypto.Hash

	ledger Ledger
	miner  Miner
	params chain.ChainParams
	dialer Dialer

	registry  map[uuid.UUID]*peer.Peer
	byURL     map[string]uuid.UUID
	tickQueue *util.OrderedSet[uuid.UUID]

	fetcher *Fetcher
	netTime *networkTimeEstimator
	sent    *lru.Cache // crypto.Hash -> *util.OrderedSet[uuid.UUID]

	ctx context.Context
	log *logrus.Entry
}

// New constructs a Node. self is this node's UUID; listenPort is advertised
// to peers we dial out to (0 if we don't accept inbound connections).
func New(self uuid.UUID, listenPort uint16, ledger Ledger, miner Miner, params chain.ChainParams) *Node {
	sent, _ := lru.New(rebroadcastTrackCapacity)
	n := &Node{
		self:       self,
		listenPort: listenPort,
		genesis:    ledger.Chain().Genesis().Signature,
		ledger:     ledger,
		miner:      miner,
		params:     params,
		dialer:     WebSocketDialer{},
		registry:   make(map[uuid.UUID]*peer.Peer),
		byURL:      make(map[string]uuid.UUID),
		tickQueue:  util.NewOrderedSet[uuid.UUID](0),
		fetcher:    newFetcher(),
		ctx:        context.Background(),
		log:        logrus.WithField("component", "node"),
	}
	n.netTime = newNetworkTimeEstimator(time.Now)
	ledger.SetClock(n.netTime.Now)
	return n
}

// SetDialer overrides the outbound connection dialer; tests use this to
// avoid real sockets.
func (n *Node) SetDialer(d Dialer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dialer = d
}

// SeedPeers registers a set of bootstrap peer URLs in state new, to be
// dialed on future ticks (spec §3 Peer lifecycle: "created on first
// observation (configured seeds, ...)").
func (n *Node) SeedPeers(urls []string) {
	for _, u := range urls {
		n.AddPeerURL(u)
	}
}

// AddPeerURL registers url as a new peer if it isn't already known. It
// returns the peer, creating it if necessary.
func (n *Node) AddPeerURL(url string) *peer.Peer {
	n.mu.Lock()
	defer n.mu.Unlock()
	if id, ok := n.byURL[url]; ok {
		return n.registry[id]
	}
	p := peer.New(uuid.New(), url, true)
	n.registerLocked(p)
	return p
}

func (n *Node) registerLocked(p *peer.Peer) {
	n.registry[p.UUID] = p
	if p.URL != "" {
		n.byURL[p.URL] = p.UUID
	}
	n.tickQueue.Add(p.UUID)
}

// Run starts the tick loop; it blocks until ctx is cancelled. Call it from
// its own goroutine.
func (n *Node) Run(ctx context.Context, interval time.Duration) {
	n.mu.Lock()
	n.ctx = ctx
	n.mu.Unlock()

	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.Tick(ctx)
		}
	}
}

// Tick advances up to tickBatch peers one step each, refilling the
// round-robin queue from the registry once drained (spec §4.7).
func (n *Node) Tick(ctx context.Context) {
	n.mu.Lock()
	now := time.Now()
	for _, p := range n.registry {
		p.CheckTimeout(n.params.PeerRetryAfterFailure, now)
	}
	if n.tickQueue.Len() == 0 {
		for id := range n.registry {
			n.tickQueue.Add(id)
		}
	}
	var batch []*peer.Peer
	for i := 0; i < tickBatch; i++ {
		id, ok := n.tickQueue.PopFront()
		if !ok {
			break
		}
		if p, ok := n.registry[id]; ok {
			batch = append(batch, p)
		}
	}
	n.mu.Unlock()

	for _, p := range batch {
		n.advance(ctx, p)
	}
}

// advance drives one peer forward one step, per spec §4.7's `advance(peer)`.
func (n *Node) advance(ctx context.Context, p *peer.Peer) {
	switch p.State() {
	case peer.StateNew:
		n.connect(ctx, p)
	case peer.StateConnected, peer.StateQueried:
		n.sendQuery(p)
	default:
		// connecting/querying: awaiting a reply or a timeout.
		// passive/ignored/failed: nothing to drive.
	}
}

func (n *Node) connect(ctx context.Context, p *peer.Peer) {
	p.MarkConnecting()
	conn, err := n.dialer.Dial(ctx, p.URL, n.self, n.listenPort)
	if err != nil {
		p.MarkFailed(err.Error())
		return
	}
	p.MarkConnected(conn)
	n.startServing(p)
	n.sendQuery(p)
}

func (n *Node) sendQuery(p *peer.Peer) {
	counter := p.NextCounter()
	if err := p.Send(gossip.Frame{Counter: counter, Body: gossip.Query{}}); err != nil {
		p.MarkFailed(err.Error())
		return
	}
	p.MarkQuerying()
}

// startServing launches the per-connection receive loop and throttle
// drainer; each runs until the connection errors or the node shuts down.
func (n *Node) startServing(p *peer.Peer) {
	n.mu.Lock()
	ctx := n.ctx
	n.mu.Unlock()

	go p.Throttle().Run(ctx)
	go func() {
		for {
			f, err := p.Recv()
			if err != nil {
				p.MarkFailed(err.Error())
				return
			}
			frame := f
			p.Throttle().Submit(func() { n.handleFrame(p, frame) })
		}
	}()
}

// Accept upgrades an inbound HTTP request to a gossip connection,
// registering or reconnecting the advertising peer (spec §4.7: self-loop
// rejection, peer creation on first observation).
func (n *Node) Accept(w http.ResponseWriter, r *http.Request) error {
	conn, err := gossip.Accept(w, r)
	if err != nil {
		return err
	}
	if conn.PeerUUID() == n.self {
		conn.Close()
		return nil
	}

	n.mu.Lock()
	p, ok := n.registry[conn.PeerUUID()]
	if !ok {
		p = peer.New(conn.PeerUUID(), "", false)
		n.registerLocked(p)
	}
	n.mu.Unlock()

	p.MarkConnected(conn)
	n.startServing(p)
	return nil
}

func (n *Node) handleFrame(p *peer.Peer, f gossip.Frame) {
	if idx, ok := f.Body.(gossip.Index); ok {
		if sentAt, tracked := p.ResolveRequest(f.Counter); tracked {
			rtt := time.Since(sentAt)
			p.SetRTT(rtt)
			n.netTime.Observe(rtt / 2)
		}
		if idx.Genesis != n.genesis {
			p.MarkIgnored("different genesis")
			return
		}
	}

	reply := p.Dispatch(f, n)
	if reply != nil {
		if err := p.Send(*reply); err != nil {
			p.MarkFailed(err.Error())
		}
	}

	if _, ok := f.Body.(gossip.Forget); ok {
		n.removePeer(p.UUID)
		return
	}

	if p.State() == peer.StateQueried {
		n.driveFetch(p)
	}
}

// removePeer drops id from the registry, URL index, and tick queue (spec §3
// "removed only on explicit forget gossip"; spec §4.6 "forget -> remove
// peer"). Without this a forgotten peer would keep being refilled into the
// round-robin tick queue forever.
func (n *Node) removePeer(id uuid.UUID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if p, ok := n.registry[id]; ok {
		if p.URL != "" {
			delete(n.byURL, p.URL)
		}
		delete(n.registry, id)
	}
	n.tickQueue.Remove(id)
}

// driveFetch issues the next queued fetch for p, if any and none is already
// outstanding (spec §4.7 Fetcher: "one outstanding fetch at a time, per
// peer").
func (n *Node) driveFetch(p *peer.Peer) {
	cand, ok := n.fetcher.NextFor(p.UUID)
	if !ok {
		return
	}
	counter := p.NextCounter()
	if err := p.Send(gossip.Frame{Counter: counter, Body: gossip.Fetch{Hash: cand.Hash}}); err != nil {
		p.MarkFailed(err.Error())
	}
}

// Index implements peer.Handler: answers a query with this node's chain
// summary and the set of peers recently heard from (spec §4.6).
func (n *Node) Index() (genesis, highest crypto.Hash, height uint64, peers []string) {
	head := n.ledger.Head()
	return n.genesis, head.Signature, head.Index, n.advertisablePeers()
}

func (n *Node) advertisablePeers() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	cutoff := time.Now().Add(-n.params.AdvertisementAge)
	var urls []string
	for _, p := range n.registry {
		if p.State() != peer.StateQueried {
			continue
		}
		if p.LastSeen().Before(cutoff) {
			continue
		}
		if p.URL != "" {
			urls = append(urls, p.URL)
		}
	}
	return urls
}

// FetchBlock implements peer.Handler.
func (n *Node) FetchBlock(hash crypto.Hash) (*chain.Block, bool) {
	return n.ledger.Chain().Get(hash)
}

// ReceiveBlock implements peer.Handler (spec §4.6 "block{...}" handling and
// §4.7's rebroadcast/orphan-fetch policy).
func (n *Node) ReceiveBlock(b *chain.Block, from *peer.Peer) {
	cand, hadOutstanding := n.fetcher.OutstandingFor(from.UUID)
	if hadOutstanding {
		n.fetcher.Resolve(from.UUID)
		if b.Signature != cand.Hash || b.Index != cand.Height {
			from.MarkFailed("fetch reply did not match the requested candidate")
			return
		}
	}

	wasNew := n.ledger.IsNew(b)
	accepted := n.ledger.Receive(b)

	if !accepted {
		if !wasNew {
			return
		}
		if idx, hash, ok := n.ledger.EarliestRoot(b); ok {
			if n.fetcher.Enqueue(Candidate{Hash: hash, Height: idx, Peer: from.UUID}) {
				n.driveFetch(from)
			}
		}
		return
	}

	if wasNew && !hadOutstanding {
		n.rebroadcastBlock(b, from.UUID)
	}
}

// ReceiveMinedBlock hands a block just found by this node's own Miner to the
// ledger and, if accepted, rebroadcasts it to every peer (spec §2 "the Miner
// emits mined blocks back through the Node, which treats them like any other
// new block" — except there is no originating peer to exclude from the
// rebroadcast).
func (n *Node) ReceiveMinedBlock(b *chain.Block) {
	if n.ledger.Receive(b) {
		n.rebroadcastBlock(b, uuid.Nil)
	}
}

// ReceiveTx implements peer.Handler (spec §4.6 "transaction{...}" handling).
func (n *Node) ReceiveTx(tx *chain.StdTx, from *peer.Peer) {
	if n.miner == nil {
		return
	}
	if err := n.miner.Append(tx); err != nil {
		return
	}
	n.rebroadcastTx(tx, from.UUID)
}

// rebroadcastBlock forwards b to every other connected/queried/passive peer
// that has not already received it, at most once per (block, neighbor)
// (spec §4.7, §5 "Ordering").
func (n *Node) rebroadcastBlock(b *chain.Block, except uuid.UUID) {
	for _, p := range n.eligibleNeighbors(b.Signature, except) {
		counter := uint64(0) // unsolicited
		_ = p.Send(gossip.Frame{Counter: counter, Body: gossip.BlockMsg{Block: b}})
	}
}

func (n *Node) rebroadcastTx(tx *chain.StdTx, except uuid.UUID) {
	key := crypto.Sum(tx.SigningBytes())
	for _, p := range n.eligibleNeighbors(key, except) {
		_ = p.Send(gossip.Frame{Counter: 0, Body: gossip.TxMsg{Tx: tx}})
	}
}

// eligibleNeighbors returns the connected/queried/passive peers
// (other than except) that have not yet been sent this key, marking them as
// sent so a later call for the same key skips them.
func (n *Node) eligibleNeighbors(key crypto.Hash, except uuid.UUID) []*peer.Peer {
	n.mu.Lock()
	defer n.mu.Unlock()

	var seen *util.OrderedSet[uuid.UUID]
	if v, ok := n.sent.Get(key); ok {
		seen = v.(*util.OrderedSet[uuid.UUID])
	} else {
		seen = util.NewOrderedSet[uuid.UUID](len(n.registry) + 1)
		n.sent.Add(key, seen)
	}

	var out []*peer.Peer
	for id, p := range n.registry {
		if id == except || seen.Contains(id) {
			continue
		}
		switch p.State() {
		case peer.StateConnected, peer.StateQueried, peer.StatePassive:
			seen.Add(id)
			out = append(out, p)
		}
	}
	return out
}
