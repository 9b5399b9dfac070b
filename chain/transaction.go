package chain

import (
	"encoding/binary"

	"github.com/pixelspark/catena-sub001/crypto"
)

// StdTx is Catena's reference Transaction: invoker public key, a monotonic
// per-invoker counter, an opaque statement payload (the SQL engine's
// concern, not the core's), and an Ed25519 signature (spec §3 "Transaction").
// Applications may supply their own Tx implementation instead; StdTx is
// provided because the wire shape itself — unlike statement interpretation —
// is part of the core's contract (spec §6 "Transaction signing bytes").
type StdTx struct {
	Invoker   crypto.PublicKey
	Counter   uint64
	Statement []byte
	Signature []byte
}

// SigningBytes returns invoker_pubkey_bytes ‖ counter_u64_le ‖
// statement_utf8_bytes, exactly as spec §6 defines.
func (t *StdTx) SigningBytes() []byte {
	out := make([]byte, 0, len(t.Invoker.Bytes())+8+len(t.Statement))
	out = append(out, t.Invoker.Bytes()...)
	var counter [8]byte
	binary.LittleEndian.PutUint64(counter[:], t.Counter)
	out = append(out, counter[:]...)
	out = append(out, t.Statement...)
	return out
}

// Verify reports whether Signature is a valid Ed25519 signature over
// SigningBytes() for Invoker.
func (t *StdTx) Verify() bool {
	return crypto.Verify(t.Invoker, t.SigningBytes(), t.Signature)
}

// SignStdTx signs t's signing bytes with priv and sets t.Signature. priv
// must correspond to t.Invoker.
func SignStdTx(priv crypto.PrivateKey, t *StdTx) {
	t.Signature = priv.Sign(t.SigningBytes())
}
