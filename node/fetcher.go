package node

import (
	"github.com/google/uuid"

	"github.com/pixelspark/catena-sub001/crypto"
	"github.com/pixelspark/catena-sub001/util"
)

// Candidate is a block worth fetching: its hash, the height the advertiser
// claimed for it, and which peer to ask (spec §4.3 "Candidate").
type Candidate struct {
	Hash   crypto.Hash
	Height uint64
	Peer   uuid.UUID
}

// Fetcher is a serialized queue of Candidates (spec §4.7): at most one
// outstanding fetch per peer, to avoid amplifying a single orphan into a
// storm of requests.
type Fetcher struct {
	mu util.RecursiveMutex

	queue []Candidate
	dedup map[crypto.Hash]bool

	outstanding map[uuid.UUID]Candidate
}

func newFetcher() *Fetcher {
	return &Fetcher{
		dedup:       make(map[crypto.Hash]bool),
		outstanding: make(map[uuid.UUID]Candidate),
	}
}

// Enqueue adds c to the queue, returning false if an identical hash is
// already queued or outstanding (spec §4.3 "Dedup key for the fetcher
// queue").
func (f *Fetcher) Enqueue(c Candidate) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dedup[c.Hash] {
		return false
	}
	f.dedup[c.Hash] = true
	f.queue = append(f.queue, c)
	return true
}

// NextFor pops the next queued candidate destined for peerID, provided that
// peer has no fetch already outstanding. The candidate is marked
// outstanding for peerID until Resolve is called.
func (f *Fetcher) NextFor(peerID uuid.UUID) (Candidate, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, busy := f.outstanding[peerID]; busy {
		return Candidate{}, false
	}
	for i, c := range f.queue {
		if c.Peer != peerID {
			continue
		}
		f.queue = append(f.queue[:i], f.queue[i+1:]...)
		f.outstanding[peerID] = c
		return c, true
	}
	return Candidate{}, false
}

// OutstandingFor reports the candidate currently outstanding for peerID, if
// any.
func (f *Fetcher) OutstandingFor(peerID uuid.UUID) (Candidate, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.outstanding[peerID]
	return c, ok
}

// Resolve clears peerID's outstanding fetch (whether it succeeded, failed,
// or mismatched) and drops the candidate's dedup entry so a future
// announcement of the same hash can be queued again if still needed.
func (f *Fetcher) Resolve(peerID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.outstanding[peerID]; ok {
		delete(f.dedup, c.Hash)
		delete(f.outstanding, peerID)
	}
}
