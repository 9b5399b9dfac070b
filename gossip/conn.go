package gossip

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/pixelspark/catena-sub001/catenaerr"
)

// ProtocolVersion is the subprotocol token peers negotiate on connect (spec
// §6 "Connection setup").
const ProtocolVersion = "catena-v1"

var upgrader = websocket.Upgrader{
	Subprotocols:    []string{ProtocolVersion},
	ReadBufferSize:  1 << 16,
	WriteBufferSize: 1 << 16,
}

// Conn wraps a negotiated WebSocket connection with Catena's frame codec.
// It is safe for one concurrent reader and one concurrent writer (the
// gorilla/websocket contract); callers needing more must serialize writes
// themselves, which is what the peer package's per-peer goroutine does.
type Conn struct {
	ws   *websocket.Conn
	log  *logrus.Entry
	self uuid.UUID
	peer uuid.UUID
}

// PeerUUID returns the identifier the remote side advertised during
// connection setup. Only Accept learns it; a Conn opened with Dial returns
// uuid.Nil.
func (c *Conn) PeerUUID() uuid.UUID { return c.peer }

// Send writes a frame as a single text message (spec §6: "implementations
// MAY use binary frames; both MUST be accepted on read").
func (c *Conn) Send(f Frame) error {
	raw, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, raw)
}

// Recv blocks for the next frame, accepting either text or binary messages.
func (c *Conn) Recv() (Frame, error) {
	kind, raw, err := c.ws.ReadMessage()
	if err != nil {
		return Frame{}, catenaerr.Wrap(catenaerr.NotConnected, err)
	}
	if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
		return Frame{}, catenaerr.New(catenaerr.MalformedGossip, "unexpected websocket frame type %d", kind)
	}
	return DecodeFrame(raw)
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.ws.Close()
}

// Dial opens an outbound connection to addr (a ws:// or wss:// URL without
// query parameters), appending this node's uuid and listening port as query
// parameters (spec §6 "Connection setup") and negotiating ProtocolVersion as
// the WebSocket subprotocol.
func Dial(ctx context.Context, addr string, self uuid.UUID, listenPort uint16) (*Conn, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, catenaerr.Wrap(catenaerr.MalformedGossip, err)
	}
	q := u.Query()
	q.Set("uuid", self.String())
	q.Set("port", fmt.Sprintf("%d", listenPort))
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{
		Subprotocols:     []string{ProtocolVersion},
		HandshakeTimeout: 10 * time.Second,
	}
	ws, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, catenaerr.Wrap(catenaerr.NotConnected, err)
	}
	if resp.Header.Get("Sec-WebSocket-Protocol") != ProtocolVersion {
		ws.Close()
		return nil, catenaerr.New(catenaerr.ProtocolVersionUnsupported, "peer did not accept %s", ProtocolVersion)
	}

	return &Conn{ws: ws, self: self, log: logrus.WithField("component", "gossip")}, nil
}

// Accept upgrades an inbound HTTP request to a WebSocket connection,
// extracting the remote node's advertised uuid (spec §6 requires the
// connecting side to supply it as a query parameter). A missing or
// unparsable uuid, or a subprotocol mismatch, is rejected before the
// upgrade completes.
func Accept(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	raw := r.URL.Query().Get("uuid")
	if raw == "" {
		return nil, catenaerr.New(catenaerr.MalformedGossip, "connecting peer did not supply a uuid")
	}
	peerID, err := uuid.Parse(raw)
	if err != nil {
		return nil, catenaerr.Wrap(catenaerr.MalformedGossip, err)
	}

	negotiated := false
	for _, p := range websocket.Subprotocols(r) {
		if p == ProtocolVersion {
			negotiated = true
			break
		}
	}
	if !negotiated {
		return nil, catenaerr.New(catenaerr.ProtocolVersionMissing, "connecting peer did not offer %s", ProtocolVersion)
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, catenaerr.Wrap(catenaerr.NotConnected, err)
	}

	return &Conn{ws: ws, peer: peerID, log: logrus.WithField("component", "gossip")}, nil
}
