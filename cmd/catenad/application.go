package main

import (
	"encoding/base64"
	"encoding/json"

	"github.com/pixelspark/catena-sub001/chain"
	"github.com/pixelspark/catena-sub001/crypto"
)

// demoTx is the wire shape a demoApplication folds StdTx transactions into
// inside a block's opaque payload. It exists only so cmd/catenad is
// runnable without a real SQL engine attached; a production Application
// would store compiled statements, not this.
type demoTx struct {
	Invoker   string `json:"invoker"`
	Counter   uint64 `json:"counter"`
	Statement string `json:"statement"`
	Signature string `json:"signature"`
}

type demoPayload struct {
	Transactions []demoTx `json:"transactions"`
}

// demoApplication is the stub Application collaborator spec.md §1 describes
// the core as requiring: a PayloadBuilder/PayloadCodec and a TxClassifier,
// backing a trivial JSON-array block payload instead of a real SQL
// execution engine.
type demoApplication struct {
	maxTxPerBlock int
	maxBytes      int
}

func newDemoApplication(params chain.ChainParams) *demoApplication {
	return &demoApplication{maxTxPerBlock: params.MaxTxPerBlock, maxBytes: params.MaxPayloadBytes}
}

// SigningBytes treats the payload itself as the bytes a block's signature
// covers (spec §4.2's payload-hash term hashes SigningBytes(payload), so an
// identity mapping is a valid, deterministic choice here).
func (demoApplication) SigningBytes(payload []byte) []byte { return payload }

func (a *demoApplication) Template(crypto.PublicKeyHash) []byte {
	raw, _ := json.Marshal(demoPayload{})
	return raw
}

func (a *demoApplication) HasRoom(payload []byte, tx chain.Tx) bool {
	var p demoPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return false
	}
	if len(p.Transactions) >= a.maxTxPerBlock {
		return false
	}
	next, ok := a.appendTx(payload, tx)
	return ok && len(next) <= a.maxBytes
}

func (a *demoApplication) Append(payload []byte, tx chain.Tx) ([]byte, bool) {
	return a.appendTx(payload, tx)
}

func (a *demoApplication) appendTx(payload []byte, tx chain.Tx) ([]byte, bool) {
	std, ok := tx.(*chain.StdTx)
	if !ok {
		return nil, false
	}
	var p demoPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, false
	}
	p.Transactions = append(p.Transactions, demoTx{
		Invoker:   crypto.EncodePublicKey(std.Invoker),
		Counter:   std.Counter,
		Statement: base64.StdEncoding.EncodeToString(std.Statement),
		Signature: base64.StdEncoding.EncodeToString(std.Signature),
	})
	next, err := json.Marshal(p)
	if err != nil {
		return nil, false
	}
	return next, true
}

// Classify always accepts immediately: the demo has no notion of a pending
// counter gap a real SQL engine's pool would track.
func (*demoApplication) Classify(chain.Tx) chain.CanAccept { return chain.AcceptNow }
