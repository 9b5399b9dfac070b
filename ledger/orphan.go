package ledger

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/pixelspark/catena-sub001/chain"
	"github.com/pixelspark/catena-sub001/crypto"
)

// orphanPool holds blocks whose predecessor is neither on-chain nor (yet)
// otherwise known, keyed two ways per spec §3: hash→block and
// previous-hash→block. Size is bounded by an LRU keyed on hash (spec §9
// open question "orphan-pool eviction policy", resolved in DESIGN.md as
// age/arrival-bounded rather than unbounded) — the previous-hash index is
// kept in lockstep via the LRU's eviction callback.
type orphanPool struct {
	byHash     *lru.Cache
	byPrevious map[crypto.Hash]*chain.Block
}

func newOrphanPool(capacity int) *orphanPool {
	if capacity <= 0 {
		capacity = 256
	}
	p := &orphanPool{byPrevious: make(map[crypto.Hash]*chain.Block)}
	// NewWithEvict cannot fail for a positive size.
	p.byHash, _ = lru.NewWithEvict(capacity, p.onEvicted)
	return p
}

func (p *orphanPool) onEvicted(key, value interface{}) {
	b := value.(*chain.Block)
	if cur, ok := p.byPrevious[b.Previous]; ok && cur.Signature == b.Signature {
		delete(p.byPrevious, b.Previous)
	}
}

// add stores b as an orphan, keyed by both its own hash and its previous
// hash.
func (p *orphanPool) add(b *chain.Block) {
	p.byHash.Add(b.Signature, b)
	p.byPrevious[b.Previous] = b
}

// get returns the orphan with the given hash, if any.
func (p *orphanPool) get(hash crypto.Hash) (*chain.Block, bool) {
	v, ok := p.byHash.Peek(hash)
	if !ok {
		return nil, false
	}
	return v.(*chain.Block), true
}

// childOf returns the orphan whose Previous equals hash, if any — the block
// that would extend a chain ending at hash.
func (p *orphanPool) childOf(hash crypto.Hash) (*chain.Block, bool) {
	b, ok := p.byPrevious[hash]
	return b, ok
}

// contains reports whether hash is a known orphan.
func (p *orphanPool) contains(hash crypto.Hash) bool {
	return p.byHash.Contains(hash)
}

// remove deletes the orphan with the given hash, if present.
func (p *orphanPool) remove(hash crypto.Hash) {
	if b, ok := p.get(hash); ok {
		if cur, ok := p.byPrevious[b.Previous]; ok && cur.Signature == b.Signature {
			delete(p.byPrevious, b.Previous)
		}
	}
	p.byHash.Remove(hash)
}
