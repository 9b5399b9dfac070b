package chain

import (
	"sync"

	"github.com/pixelspark/catena-sub001/crypto"
)

// MemChain is a slice-backed reference Chain implementation used by tests and
// by cmd/catenad's demo harness. Real deployments back Chain with the SQL
// engine's own persistence (out of core scope, spec §1); MemChain exists so
// the core is exercisable without one.
type MemChain struct {
	mu     sync.RWMutex
	blocks []*Block
	byHash map[crypto.Hash]*Block
}

// NewMemChain creates a chain seeded with genesis as block 0.
func NewMemChain(genesis *Block) *MemChain {
	c := &MemChain{
		byHash: make(map[crypto.Hash]*Block),
	}
	c.blocks = append(c.blocks, genesis)
	c.byHash[genesis.Signature] = genesis
	return c
}

func (c *MemChain) Genesis() *Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blocks[0]
}

func (c *MemChain) Highest() *Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blocks[len(c.blocks)-1]
}

func (c *MemChain) Height() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blocks[len(c.blocks)-1].Index
}

func (c *MemChain) Get(hash crypto.Hash) (*Block, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.byHash[hash]
	return b, ok
}

// Append adds b as the new head. Callers are expected to have validated it
// with CanAppend first.
func (c *MemChain) Append(b *Block) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocks = append(c.blocks, b)
	c.byHash[b.Signature] = b
	return true
}

// Unwind truncates the chain back to the block whose signature is to.
func (c *MemChain) Unwind(to crypto.Hash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := -1
	for i, b := range c.blocks {
		if b.Signature == to {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	for _, removed := range c.blocks[idx+1:] {
		delete(c.byHash, removed.Signature)
	}
	c.blocks = c.blocks[:idx+1]
	return true
}

// Blocks returns a snapshot slice of the full chain, genesis first.
func (c *MemChain) Blocks() []*Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Block, len(c.blocks))
	copy(out, c.blocks)
	return out
}
