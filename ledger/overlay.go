package ledger

import (
	"github.com/pixelspark/catena-sub001/chain"
	"github.com/pixelspark/catena-sub001/crypto"
)

// overlayChain projects a candidate sidechain onto the real chain for the
// purpose of re-validating it with chain.CanAppend before committing: the
// difficulty-retarget and median-timestamp ancestor walks (chain.ancestor,
// chain.MedianTimestamp) only ever call Get, so layering an in-memory map in
// front of the real chain lets each sidechain block see its not-yet-appended
// siblings as ancestors without mutating anything durable until the whole
// sidechain has been proven valid.
type overlayChain struct {
	chain.Chain
	blocks map[crypto.Hash]*chain.Block
}

func newOverlayChain(c chain.Chain) *overlayChain {
	return &overlayChain{Chain: c, blocks: make(map[crypto.Hash]*chain.Block)}
}

func (o *overlayChain) Get(hash crypto.Hash) (*chain.Block, bool) {
	if b, ok := o.blocks[hash]; ok {
		return b, true
	}
	return o.Chain.Get(hash)
}

func (o *overlayChain) stage(b *chain.Block) {
	o.blocks[b.Signature] = b
}
