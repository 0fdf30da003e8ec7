package data

import "sync"

// DuplicateGuard tracks transaction identities that have already been
// executed or are currently in flight, so a resubmitted request is
// answered from history and a content can never be proposed twice.
type DuplicateGuard struct {
	mut      sync.Mutex
	executed map[Digest]uint64
	proposed map[Digest]struct{}
}

func NewDuplicateGuard() *DuplicateGuard {
	return &DuplicateGuard{
		executed: make(map[Digest]uint64),
		proposed: make(map[Digest]struct{}),
	}
}

// CheckExecuted reports whether the content was already committed, and
// under which sequence.
func (g *DuplicateGuard) CheckExecuted(hash Digest) (uint64, bool) {
	g.mut.Lock()
	defer g.mut.Unlock()
	seq, ok := g.executed[hash]
	return seq, ok
}

// MarkExecuted records the sequence the content committed under. The
// executed map is append-only.
func (g *DuplicateGuard) MarkExecuted(hash Digest, seq uint64) {
	g.mut.Lock()
	defer g.mut.Unlock()
	if _, ok := g.executed[hash]; !ok {
		g.executed[hash] = seq
	}
	delete(g.proposed, hash)
}

// CheckAndMarkProposed atomically tests and sets the in-flight mark.
// It returns true when the content is already proposed, in which case
// the caller must reject.
func (g *DuplicateGuard) CheckAndMarkProposed(hash Digest) bool {
	g.mut.Lock()
	defer g.mut.Unlock()
	if _, ok := g.proposed[hash]; ok {
		return true
	}
	g.proposed[hash] = struct{}{}
	return false
}

// UnmarkProposed rolls back an admission that failed after the mark was
// taken, so the content can be retried.
func (g *DuplicateGuard) UnmarkProposed(hash Digest) {
	g.mut.Lock()
	defer g.mut.Unlock()
	delete(g.proposed, hash)
}
