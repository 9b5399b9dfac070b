// Package gossip implements Catena's wire codec (spec §6): JSON frames of
// the form [counter, body], where body carries a "t" discriminator picking
// one of the message types in the spec's message table.
package gossip

import (
	"encoding/binary"
	"fmt"

	"github.com/pixelspark/catena-sub001/catenaerr"
	"github.com/pixelspark/catena-sub001/chain"
	"github.com/pixelspark/catena-sub001/crypto"
)

// Type is a message's "t" discriminator.
type Type string

const (
	TypeQuery   Type = "query"
	TypeIndex   Type = "index"
	TypeFetch   Type = "fetch"
	TypeBlock   Type = "block"
	TypeTx      Type = "tx"
	TypePassive Type = "passive"
	TypeForget  Type = "forget"
	TypeError   Type = "error"
)

// Body is implemented by every concrete message type.
type Body interface {
	messageType() Type
}

// Query requests the peer's current index (spec §6 table, "query").
type Query struct{}

func (Query) messageType() Type { return TypeQuery }

// Index answers a Query with a snapshot of the responder's chain state and
// known peer addresses.
type Index struct {
	Genesis crypto.Hash
	Highest crypto.Hash
	Height  uint64
	Time    uint64 // unix seconds, the responder's local clock
	Peers   []string
}

func (Index) messageType() Type { return TypeIndex }

// Fetch requests a single block by hash.
type Fetch struct {
	Hash crypto.Hash
}

func (Fetch) messageType() Type { return TypeFetch }

// BlockMsg carries a block, either as an unsolicited announcement or a
// Fetch reply.
type BlockMsg struct {
	Block *chain.Block
}

func (BlockMsg) messageType() Type { return TypeBlock }

// TxMsg carries a gossiped transaction.
type TxMsg struct {
	Tx *chain.StdTx
}

func (TxMsg) messageType() Type { return TypeTx }

// Passive tells the peer this node will not answer requests for a while
// (spec §4.6 peer states).
type Passive struct{}

func (Passive) messageType() Type { return TypePassive }

// Forget asks the peer to drop this node from its peer list permanently.
type Forget struct{}

func (Forget) messageType() Type { return TypeForget }

// ErrorMsg reports a failure processing the request with the same counter.
type ErrorMsg struct {
	Message string
}

func (ErrorMsg) messageType() Type { return TypeError }

// Frame is one [counter, body] wire message (spec §6). Counter parity
// (initiator even, accepter odd, 0 reserved for unsolicited traffic) is the
// peer state machine's concern, not the codec's.
type Frame struct {
	Counter uint64
	Body    Body
}

// envelope is the JSON shape of a frame's body: every field a message type
// might carry, as optional pointers/slices, discriminated by T. A single
// struct keeps the wire format flat and matches spec §6's table directly,
// at the cost of most fields being unused on any one message.
type envelope struct {
	T Type `json:"t"`

	Genesis *crypto.Hash `json:"genesis,omitempty"`
	Highest *crypto.Hash `json:"highest,omitempty"`
	Height  *uint64      `json:"height,omitempty"`
	Time    *uint64      `json:"time,omitempty"`
	Peers   []string     `json:"peers,omitempty"`

	Hash *crypto.Hash `json:"hash,omitempty"`

	Block *WireBlock `json:"block,omitempty"`

	Tx *WireTxEnvelope `json:"tx,omitempty"`

	Message *string `json:"message,omitempty"`
}

// WireBlock is spec §6's block wire shape: `{version, index,
// nonce(base64 8B LE), previous, hash, miner, timestamp, payload(base64)}`.
type WireBlock struct {
	Version   uint64               `json:"version"`
	Index     uint64               `json:"index"`
	Nonce     []byte               `json:"nonce"`
	Previous  crypto.Hash          `json:"previous"`
	Hash      crypto.Hash          `json:"hash"`
	Miner     crypto.PublicKeyHash `json:"miner"`
	Timestamp uint64               `json:"timestamp"`
	Payload   []byte               `json:"payload"`
}

// blockToWire converts a chain.Block to its wire form.
func blockToWire(b *chain.Block) *WireBlock {
	var nonce [8]byte
	binary.LittleEndian.PutUint64(nonce[:], b.Nonce)
	return &WireBlock{
		Version:   b.Version,
		Index:     b.Index,
		Nonce:     nonce[:],
		Previous:  b.Previous,
		Hash:      b.Signature,
		Miner:     b.Miner,
		Timestamp: b.Timestamp,
		Payload:   append([]byte{}, b.Payload...),
	}
}

// toBlock converts a wire block back to chain.Block, rejecting a nonce
// field of the wrong width.
func (w *WireBlock) toBlock() (*chain.Block, error) {
	if len(w.Nonce) != 8 {
		return nil, catenaerr.New(catenaerr.BlockFormatError, "nonce must be 8 bytes, got %d", len(w.Nonce))
	}
	return &chain.Block{
		Version:   w.Version,
		Index:     w.Index,
		Nonce:     binary.LittleEndian.Uint64(w.Nonce),
		Previous:  w.Previous,
		Signature: w.Hash,
		Miner:     w.Miner,
		Timestamp: w.Timestamp,
		Payload:   append([]byte{}, w.Payload...),
	}, nil
}

// WireTxEnvelope is spec §6's `tx` body shape: a nested transaction object
// plus a sibling signature.
type WireTxEnvelope struct {
	Tx        WireTxBody `json:"tx"`
	Signature []byte     `json:"signature"`
}

// WireTxBody carries the signed fields of a StdTx. Invoker is Base58Check
// encoded (spec §6 "Key encoding" applies wherever a public key crosses the
// wire).
type WireTxBody struct {
	SQL     string `json:"sql"`
	Counter uint64 `json:"counter"`
	Invoker string `json:"invoker"`
}

func txToWire(tx *chain.StdTx) (*WireTxEnvelope, error) {
	return &WireTxEnvelope{
		Tx: WireTxBody{
			SQL:     string(tx.Statement),
			Counter: tx.Counter,
			Invoker: crypto.EncodePublicKey(tx.Invoker),
		},
		Signature: append([]byte{}, tx.Signature...),
	}, nil
}

func (w *WireTxEnvelope) toStdTx() (*chain.StdTx, error) {
	invoker, err := crypto.DecodePublicKey(w.Tx.Invoker)
	if err != nil {
		return nil, catenaerr.Wrap(catenaerr.DeserializationFailed, err)
	}
	return &chain.StdTx{
		Invoker:   invoker,
		Counter:   w.Tx.Counter,
		Statement: []byte(w.Tx.SQL),
		Signature: append([]byte{}, w.Signature...),
	}, nil
}

// bodyToEnvelope translates a typed Body into its flat wire representation.
func bodyToEnvelope(body Body) (envelope, error) {
	switch b := body.(type) {
	case Query:
		return envelope{T: TypeQuery}, nil
	case Index:
		genesis, highest, height, t := b.Genesis, b.Highest, b.Height, b.Time
		return envelope{T: TypeIndex, Genesis: &genesis, Highest: &highest, Height: &height, Time: &t, Peers: b.Peers}, nil
	case Fetch:
		hash := b.Hash
		return envelope{T: TypeFetch, Hash: &hash}, nil
	case BlockMsg:
		if b.Block == nil {
			return envelope{}, fmt.Errorf("gossip: block message has a nil block")
		}
		return envelope{T: TypeBlock, Block: blockToWire(b.Block)}, nil
	case TxMsg:
		if b.Tx == nil {
			return envelope{}, fmt.Errorf("gossip: tx message has a nil transaction")
		}
		wire, err := txToWire(b.Tx)
		if err != nil {
			return envelope{}, err
		}
		return envelope{T: TypeTx, Tx: wire}, nil
	case Passive:
		return envelope{T: TypePassive}, nil
	case Forget:
		return envelope{T: TypeForget}, nil
	case ErrorMsg:
		msg := b.Message
		return envelope{T: TypeError, Message: &msg}, nil
	default:
		return envelope{}, fmt.Errorf("gossip: unsupported body type %T", body)
	}
}

// envelopeToBody translates a decoded wire envelope into a typed Body,
// rejecting messages missing fields their type requires and unrecognized
// discriminators (spec §7: corrupted frames close the connection, they
// never take down the node).
func envelopeToBody(env envelope) (Body, error) {
	switch env.T {
	case TypeQuery:
		return Query{}, nil
	case TypeIndex:
		if env.Genesis == nil || env.Highest == nil || env.Height == nil || env.Time == nil {
			return nil, catenaerr.New(catenaerr.MalformedGossip, "index message missing a required field")
		}
		return Index{Genesis: *env.Genesis, Highest: *env.Highest, Height: *env.Height, Time: *env.Time, Peers: env.Peers}, nil
	case TypeFetch:
		if env.Hash == nil {
			return nil, catenaerr.New(catenaerr.MalformedGossip, "fetch message missing hash")
		}
		return Fetch{Hash: *env.Hash}, nil
	case TypeBlock:
		if env.Block == nil {
			return nil, catenaerr.New(catenaerr.MalformedGossip, "block message missing block")
		}
		b, err := env.Block.toBlock()
		if err != nil {
			return nil, err
		}
		return BlockMsg{Block: b}, nil
	case TypeTx:
		if env.Tx == nil {
			return nil, catenaerr.New(catenaerr.MalformedGossip, "tx message missing tx")
		}
		tx, err := env.Tx.toStdTx()
		if err != nil {
			return nil, err
		}
		return TxMsg{Tx: tx}, nil
	case TypePassive:
		return Passive{}, nil
	case TypeForget:
		return Forget{}, nil
	case TypeError:
		msg := ""
		if env.Message != nil {
			msg = *env.Message
		}
		return ErrorMsg{Message: msg}, nil
	case "":
		return nil, catenaerr.New(catenaerr.MalformedGossip, `message missing "t" discriminator`)
	default:
		return nil, catenaerr.New(catenaerr.UnknownAction, "unknown message type %q", env.T)
	}
}
