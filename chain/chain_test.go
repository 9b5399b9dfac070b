package chain

import (
	"testing"

	"github.com/pixelspark/catena-sub001/crypto"
	"github.com/stretchr/testify/require"
)

func mineTo(codec PayloadCodec, b *Block, difficulty int) {
	for nonce := uint64(0); ; nonce++ {
		b.Nonce = nonce
		sig := ComputeSignature(codec, b)
		if crypto.Difficulty(sig) >= difficulty {
			b.Signature = sig
			return
		}
	}
}

func newGenesis() *Block {
	g := &Block{Version: 1, Index: 0, Previous: crypto.ZeroHash, Payload: []byte("seed")}
	mineTo(identityCodec{}, g, 1)
	return g
}

func appendBlock(t *testing.T, codec PayloadCodec, c Chain, params ChainParams, to *Block, timestamp uint64) *Block {
	t.Helper()
	b := &Block{
		Version:   1,
		Index:     to.Index + 1,
		Previous:  to.Signature,
		Timestamp: timestamp,
		Payload:   []byte("payload"),
	}
	mineTo(codec, b, RequiredDifficulty(c, to, params))
	require.True(t, CanAppend(c, codec, params, b, to))
	require.True(t, c.Append(b))
	return b
}

func TestCanAppendHappyPath(t *testing.T) {
	params := ChainParams{BaseDifficulty: 1}
	g := newGenesis()
	c := NewMemChain(g)
	appendBlock(t, identityCodec{}, c, params, g, 1000)
}

func TestCanAppendRejectsWrongPrevious(t *testing.T) {
	params := ChainParams{BaseDifficulty: 1}
	g := newGenesis()
	c := NewMemChain(g)
	b := &Block{Index: 1, Previous: crypto.Sum([]byte("wrong")), Timestamp: 1000}
	mineTo(identityCodec{}, b, 1)
	require.False(t, CanAppend(c, identityCodec{}, params, b, g))
}

func TestCanAppendRejectsWrongIndex(t *testing.T) {
	params := ChainParams{BaseDifficulty: 1}
	g := newGenesis()
	c := NewMemChain(g)
	b := &Block{Index: 5, Previous: g.Signature, Timestamp: 1000}
	mineTo(identityCodec{}, b, 1)
	require.False(t, CanAppend(c, identityCodec{}, params, b, g))
}

func TestCanAppendRejectsInsufficientDifficulty(t *testing.T) {
	params := ChainParams{BaseDifficulty: 30}
	g := newGenesis()
	c := NewMemChain(g)
	b := &Block{Index: 1, Previous: g.Signature, Timestamp: 1000}
	// Deliberately mine to a low difficulty only.
	mineTo(identityCodec{}, b, 1)
	require.False(t, CanAppend(c, identityCodec{}, params, b, g))
}

func TestCanAppendRejectsNonFutureTimestamp(t *testing.T) {
	params := ChainParams{BaseDifficulty: 1}
	g := newGenesis()
	g.Timestamp = 0 // genesis timestamp is not part of the median anyway
	c := NewMemChain(g)

	b := &Block{Index: 1, Previous: g.Signature, Timestamp: 0}
	mineTo(identityCodec{}, b, 1)
	// median of zero non-genesis timestamps is 0; timestamp must be > median
	require.False(t, CanAppend(c, identityCodec{}, params, b, g))
}

func TestMedianTimestampOddAndEvenCounts(t *testing.T) {
	params := ChainParams{BaseDifficulty: 1}
	g := newGenesis()
	c := NewMemChain(g)

	head := g
	timestamps := []uint64{10, 20, 30, 40, 50}
	for _, ts := range timestamps {
		head = appendBlock(t, identityCodec{}, c, params, head, ts)
	}
	// Odd count (5): sorted [10,20,30,40,50] -> median 30.
	require.Equal(t, uint64(30), MedianTimestamp(c, head))

	head = appendBlock(t, identityCodec{}, c, params, head, 60)
	// Even count (6): sorted [10,20,30,40,50,60] -> mean of 30,40 = 35.
	require.Equal(t, uint64(35), MedianTimestamp(c, head))
}

func TestRequiredDifficultyConstantWithoutRetargetWindow(t *testing.T) {
	params := ChainParams{BaseDifficulty: 7}
	g := newGenesis()
	c := NewMemChain(g)
	require.Equal(t, 7, RequiredDifficulty(c, g, params))
}
