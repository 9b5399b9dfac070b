package chain

import (
	"bytes"
	"encoding/binary"

	"github.com/pixelspark/catena-sub001/crypto"
)

// Block is the immutable header/payload pair described in spec §3. It is
// mutable only during mining (Nonce, Timestamp, Signature); once Signature is
// set it is treated as frozen by every other component.
type Block struct {
	Version   uint64
	Index     uint64
	Nonce     uint64
	Previous  crypto.Hash
	Miner     crypto.PublicKeyHash
	Timestamp uint64 // unix seconds; omitted from signing bytes iff IsGenesis()
	Payload   []byte // application-defined, opaque to the core

	// Signature is the zero hash until the block has been mined/signed.
	Signature crypto.Hash
}

// IsGenesis reports whether b is the chain's genesis block: index 0 with a
// zero previous-hash (spec §3).
func (b *Block) IsGenesis() bool {
	return b.Index == 0 && b.Previous.IsZero()
}

// IsSigned reports whether b carries a (possibly invalid) signature.
func (b *Block) IsSigned() bool {
	return !b.Signature.IsZero()
}

// PayloadCodec derives the canonical signing bytes for a block's raw
// payload. The application supplies this (spec §1, collaborator (ii)); it
// must be a deterministic pure function of payload alone, since only the raw
// payload crosses the wire (spec §6 "block" message has a single "payload"
// field).
type PayloadCodec interface {
	SigningBytes(payload []byte) []byte
}

// CanonicalBytes returns the exact byte sequence hashed to produce b's
// signature (spec §4.2):
//
//	version_u64_le ‖ index_u64_le ‖ nonce_u64_le ‖ previous_hash(32) ‖
//	miner_hash(32) ‖ (timestamp_u64_le IF ¬isGenesis) ‖ SHA256(payload_for_signing)
func CanonicalBytes(codec PayloadCodec, b *Block) []byte {
	var buf bytes.Buffer
	var scratch [8]byte

	binary.LittleEndian.PutUint64(scratch[:], b.Version)
	buf.Write(scratch[:])
	binary.LittleEndian.PutUint64(scratch[:], b.Index)
	buf.Write(scratch[:])
	binary.LittleEndian.PutUint64(scratch[:], b.Nonce)
	buf.Write(scratch[:])
	buf.Write(b.Previous[:])
	buf.Write(b.Miner[:])
	if !b.IsGenesis() {
		binary.LittleEndian.PutUint64(scratch[:], b.Timestamp)
		buf.Write(scratch[:])
	}
	payloadHash := crypto.Sum(codec.SigningBytes(b.Payload))
	buf.Write(payloadHash[:])

	return buf.Bytes()
}

// ComputeSignature returns SHA256(CanonicalBytes(codec, b)).
func ComputeSignature(codec PayloadCodec, b *Block) crypto.Hash {
	return crypto.Sum(CanonicalBytes(codec, b))
}

// IsSignatureValid reports whether b.Signature equals its recomputed
// canonical signature.
func IsSignatureValid(codec PayloadCodec, b *Block) bool {
	if !b.IsSigned() {
		return false
	}
	return b.Signature == ComputeSignature(codec, b)
}

// Work returns the proof-of-work difficulty of b's signature.
func Work(b *Block) int {
	return crypto.Difficulty(b.Signature)
}

// Sign computes and sets b.Signature in place.
func Sign(codec PayloadCodec, b *Block) {
	b.Signature = ComputeSignature(codec, b)
}

// PayloadBuilder is the miner-side collaborator that builds and mutates
// candidate payloads. It embeds PayloadCodec since signing-byte derivation
// and payload construction are owned by the same application component.
type PayloadBuilder interface {
	PayloadCodec
	// Template returns a fresh, empty payload for a block about to be
	// mined by miner.
	Template(miner crypto.PublicKeyHash) []byte
	// HasRoom reports whether tx would fit into payload without
	// exceeding the application's own limits (it is consulted before
	// Append; spec §4.2).
	HasRoom(payload []byte, tx Tx) bool
	// Append returns a new payload with tx folded in, or ok=false if the
	// application refuses (room exhausted, duplicate, ...).
	Append(payload []byte, tx Tx) (next []byte, ok bool)
}

// NewTemplate returns a non-genesis placeholder block: previous = hash of
// empty bytes, index = 1, empty payload (spec §4.2 "template(miner)").
func NewTemplate(builder PayloadBuilder, miner crypto.PublicKeyHash) *Block {
	return &Block{
		Version:  1,
		Index:    1,
		Previous: crypto.Sum(nil),
		Miner:    miner,
		Payload:  builder.Template(miner),
	}
}
