package peer

import (
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pixelspark/catena-sub001/catenaerr"
	"github.com/pixelspark/catena-sub001/chain"
	"github.com/pixelspark/catena-sub001/crypto"
	"github.com/pixelspark/catena-sub001/gossip"
	"github.com/pixelspark/catena-sub001/util"
)

// maxOutstanding is the minimum number of outstanding requests a connection
// must be able to correlate at once (spec §4.6: "N >= 25 recommended").
const maxOutstanding = 25

// Handler is the Node-side collaborator a Peer dispatches incoming requests
// to. Node implements it; tests may supply a fake.
type Handler interface {
	// Index answers a query with the responder's current chain summary and
	// peer list (spec §4.6 "query -> index").
	Index() (genesis, highest crypto.Hash, height uint64, peers []string)
	// FetchBlock looks up a block by hash for a fetch reply.
	FetchBlock(hash crypto.Hash) (*chain.Block, bool)
	// ReceiveBlock hands an unsolicited or fetch-replied block to the node.
	ReceiveBlock(b *chain.Block, from *Peer)
	// ReceiveTx hands a gossiped transaction to the node.
	ReceiveTx(tx *chain.StdTx, from *Peer)
}

// Peer is one remote node as seen from here: its address, connection,
// lifecycle state, and per-connection bookkeeping. All fields are guarded
// by mu (spec §5: "a per-peer mutex additionally protects that peer's
// state field and connection handle").
type Peer struct {
	mu util.RecursiveMutex

	UUID      uuid.UUID
	URL       string
	Initiator bool // true if we dialed out; decides counter parity

	state    State
	since    time.Time // when the current state was entered
	reason   string    // populated for ignored/failed
	lastSeen time.Time
	rtt      time.Duration

	conn *gossip.Conn

	genesis         crypto.Hash
	highest         crypto.Hash
	height          uint64
	advertisedPeers []string

	nextCounter uint64
	outstanding map[uint64]time.Time

	throttle *Throttle
	log      *logrus.Entry
}

// New constructs a Peer in state new. initiator decides whether this side's
// request counters start at 0 (even) or 1 (odd), per spec §4.6.
func New(id uuid.UUID, url string, initiator bool) *Peer {
	start := uint64(0)
	if !initiator {
		start = 1
	}
	return &Peer{
		UUID:        id,
		URL:         url,
		Initiator:   initiator,
		state:       StateNew,
		since:       time.Now(),
		nextCounter: start,
		outstanding: make(map[uint64]time.Time),
		throttle:    NewThrottle(250*time.Millisecond, 25),
		log:         logrus.WithFields(logrus.Fields{"component": "peer", "peer": id.String()}),
	}
}

// State returns the peer's current lifecycle state.
func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Reason returns the reason text recorded for an ignored or failed peer.
func (p *Peer) Reason() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reason
}

// Throttle returns the peer's incoming-request throttle, so Node can run it
// and submit dispatch work through it.
func (p *Peer) Throttle() *Throttle {
	return p.throttle
}

// MarkConnecting transitions new -> connecting(since=now).
func (p *Peer) MarkConnecting() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = StateConnecting
	p.since = time.Now()
}

// MarkConnected transitions connecting -> connected, attaching the open
// connection.
func (p *Peer) MarkConnected(conn *gossip.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn = conn
	p.state = StateConnected
}

// MarkQuerying transitions connected/queried -> querying(since=now), i.e.
// a query was just sent and a reply is awaited.
func (p *Peer) MarkQuerying() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = StateQuerying
	p.since = time.Now()
}

// MarkQueried transitions querying -> queried: an index reply landed.
func (p *Peer) MarkQueried(genesis, highest crypto.Hash, height uint64, peers []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = StateQueried
	p.lastSeen = time.Now()
	p.genesis = genesis
	p.highest = highest
	p.height = height
	p.advertisedPeers = peers
}

// MarkPassive transitions any state -> passive (spec §4.6: declared
// unsolicited by the peer or in reply to a query).
func (p *Peer) MarkPassive() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = StatePassive
	p.lastSeen = time.Now()
}

// MarkIgnored transitions any state -> ignored(reason), closing the
// connection if one is open. Ignored peers are never advanced by the node's
// tick loop again (spec §4.7).
func (p *Peer) MarkIgnored(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = StateIgnored
	p.reason = reason
	p.closeConnLocked()
}

// MarkFailed transitions any state -> failed(reason, since=now), closing
// the connection if one is open.
func (p *Peer) MarkFailed(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = StateFailed
	p.reason = reason
	p.since = time.Now()
	p.closeConnLocked()
}

// ResetToNew transitions connecting/querying/failed back to new after a
// timeout or retry interval elapses (spec §4.6, §4.7).
func (p *Peer) ResetToNew() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = StateNew
	p.closeConnLocked()
}

func (p *Peer) closeConnLocked() {
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}

// CheckTimeout applies spec §4.7/§4.6's timeout rules: a peer stuck in
// connecting/querying longer than retryAfterFailure is soft-reset to new; a
// failed peer whose retry interval has elapsed is also reset to new.
func (p *Peer) CheckTimeout(retryAfterFailure time.Duration, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case StateConnecting, StateQuerying:
		if now.Sub(p.since) > retryAfterFailure {
			p.state = StateNew
			p.closeConnLocked()
		}
	case StateFailed:
		if now.Sub(p.since) > retryAfterFailure {
			p.state = StateNew
		}
	}
}

// LastIndex returns the most recently observed index summary, for the node
// to compare genesis hashes and decide whether to ignore the peer.
func (p *Peer) LastIndex() (genesis, highest crypto.Hash, height uint64, peers []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.genesis, p.highest, p.height, p.advertisedPeers
}

// LastSeen returns the last time this peer sent a query, an index reply or a
// passive notice; blocks and transactions do not update it.
func (p *Peer) LastSeen() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeen
}

// SetRTT records a measured round-trip time, used by the node's median
// network time estimator.
func (p *Peer) SetRTT(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rtt = d
}

// RTT returns the most recently measured round-trip time.
func (p *Peer) RTT() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rtt
}

// NextCounter allocates the next outbound request counter, stepping by 2 to
// preserve the initiator/accepter parity split (spec §4.6), and records it
// as outstanding.
func (p *Peer) NextCounter() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.nextCounter
	p.nextCounter += 2
	p.trackLocked(c)
	return c
}

// trackLocked records counter as outstanding, evicting the single oldest
// entry if the bound is exceeded (spec §4.6: "MUST be able to correlate at
// least N outstanding requests").
func (p *Peer) trackLocked(counter uint64) {
	p.outstanding[counter] = time.Now()
	if len(p.outstanding) <= maxOutstanding {
		return
	}
	var oldestKey uint64
	var oldestAt time.Time
	first := true
	for k, at := range p.outstanding {
		if first || at.Before(oldestAt) {
			oldestKey, oldestAt, first = k, at, false
		}
	}
	delete(p.outstanding, oldestKey)
}

// ResolveRequest looks up and clears an outstanding request by counter,
// returning when it was sent (for RTT measurement) and whether it was
// actually outstanding.
func (p *Peer) ResolveRequest(counter uint64) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sent, ok := p.outstanding[counter]
	if ok {
		delete(p.outstanding, counter)
	}
	return sent, ok
}

// Send writes a frame to the peer's open connection.
func (p *Peer) Send(f gossip.Frame) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return catenaerr.New(catenaerr.NotConnected, "peer %s has no open connection", p.UUID)
	}
	return conn.Send(f)
}

// Recv blocks for the next frame on the peer's open connection.
func (p *Peer) Recv() (gossip.Frame, error) {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return gossip.Frame{}, catenaerr.New(catenaerr.NotConnected, "peer %s has no open connection", p.UUID)
	}
	return conn.Recv()
}

// Dispatch processes one incoming frame, updating state as appropriate and
// returning a reply frame when the message type demands one (spec §4.6
// "Request handling on an already-established connection"). A nil reply
// means none is sent (unsolicited messages, or replies to our own
// requests).
func (p *Peer) Dispatch(f gossip.Frame, h Handler) *gossip.Frame {
	switch body := f.Body.(type) {
	case gossip.Query:
		genesis, highest, height, peers := h.Index()
		p.mu.Lock()
		p.state = StateQueried
		p.lastSeen = time.Now()
		p.mu.Unlock()
		return &gossip.Frame{Counter: f.Counter, Body: gossip.Index{
			Genesis: genesis, Highest: highest, Height: height,
			Time: uint64(time.Now().Unix()), Peers: peers,
		}}

	case gossip.Fetch:
		if b, ok := h.FetchBlock(body.Hash); ok {
			return &gossip.Frame{Counter: f.Counter, Body: gossip.BlockMsg{Block: b}}
		}
		return &gossip.Frame{Counter: f.Counter, Body: gossip.ErrorMsg{Message: "not found"}}

	case gossip.BlockMsg:
		h.ReceiveBlock(body.Block, p)
		return nil

	case gossip.TxMsg:
		h.ReceiveTx(body.Tx, p)
		return nil

	case gossip.Passive:
		p.MarkPassive()
		return nil

	case gossip.Forget:
		p.MarkIgnored("peer requested")
		return nil

	case gossip.Index:
		p.MarkQueried(body.Genesis, body.Highest, body.Height, body.Peers)
		return nil

	case gossip.ErrorMsg:
		p.log.WithField("message", body.Message).Debug("peer replied with error")
		return nil

	default:
		return &gossip.Frame{Counter: f.Counter, Body: gossip.ErrorMsg{Message: "unknown action"}}
	}
}
