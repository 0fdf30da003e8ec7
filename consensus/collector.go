package consensus

import (
	"errors"
	"sync"

	"go.uber.org/atomic"

	"github.com/joe-zxh/shardbft/config"
	"github.com/joe-zxh/shardbft/data"
)

// Outcome of recording one vote.
type Outcome int

const (
	VoteAccepted Outcome = iota
	VoteQuorum           // threshold reached by this vote, fires once per round
	VoteRejected
)

// Scope says which electorate a sequence is currently agreed by: the
// shard primaries (global) or one shard's members (local).
type Scope uint8

const (
	ScopeGlobal Scope = iota
	ScopeLocal
)

func (s Scope) String() string {
	if s == ScopeGlobal {
		return "global"
	}
	return "local"
}

// Phase of a sequence within its current scope. Strictly increasing.
type Phase uint8

const (
	PhaseNone Phase = iota
	ReadyPrepare
	ReadyCommit
	ReadyExecute
)

// ErrSeqExhausted is returned when the in-flight window is full.
var ErrSeqExhausted = errors.New("consensus: sequence window exhausted")

type round struct {
	voters map[config.ReplicaID]bool
	fired  bool
}

type seqState struct {
	mut        sync.Mutex
	scope      Scope
	phase      Phase
	size       int // electorate size of the active scope
	digest     data.Digest
	hasDigest  bool
	sentCommit bool
	done       bool
	rounds     map[data.MsgType]*round
}

func (s *seqState) round(kind data.MsgType) *round {
	r, ok := s.rounds[kind]
	if !ok {
		r = &round{voters: make(map[config.ReplicaID]bool)}
		s.rounds[kind] = r
	}
	return r
}

// Collector aggregates votes per (sequence, kind) and decides when a
// phase completes. Vote recording is serialized per sequence; distinct
// sequences proceed in parallel.
type Collector struct {
	mut  sync.Mutex
	seqs map[uint64]*seqState

	window   uint64
	nextSeq  atomic.Uint64
	lastExec atomic.Uint64

	highPrepared atomic.Uint64
	view         atomic.Uint64
	primary      atomic.Uint32
}

func NewCollector(window uint64) *Collector {
	c := &Collector{
		seqs:   make(map[uint64]*seqState),
		window: window,
	}
	// nextSeq stays 0 until the first assignment or recovery replay, so
	// a restarted replica accepts a replay starting at any sequence.
	c.view.Store(1)
	return c
}

func (c *Collector) state(seq uint64) *seqState {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.seqs[seq]
}

// Ensure creates the sequence record with the given scope and
// electorate size if it does not exist yet.
func (c *Collector) Ensure(seq uint64, scope Scope, size int) {
	c.mut.Lock()
	defer c.mut.Unlock()
	if _, ok := c.seqs[seq]; !ok {
		c.seqs[seq] = &seqState{
			scope:  scope,
			size:   size,
			rounds: make(map[data.MsgType]*round),
		}
	}
}

// threshold returns the vote count that completes a round of kind. A
// proposal completes on its own; prepare and commit rounds need 2f+1
// matching votes out of the active electorate.
func threshold(kind data.MsgType, size int) int {
	if kind == data.TypePropose {
		return 1
	}
	return config.QuorumSize(size)
}

// Record applies one vote and returns the outcome together with the
// sequence's scope and phase as of the returned outcome. The quorum
// outcome fires exactly once per (sequence, kind, scope).
func (c *Collector) Record(seq uint64, kind data.MsgType, sender config.ReplicaID, digest data.Digest) (Outcome, Scope, Phase) {
	s := c.state(seq)
	if s == nil {
		return VoteRejected, ScopeGlobal, PhaseNone
	}

	s.mut.Lock()
	defer s.mut.Unlock()

	if s.done {
		return VoteAccepted, s.scope, s.phase
	}
	if !s.hasDigest {
		s.digest = digest
		s.hasDigest = true
	} else if s.digest != digest {
		// Equivocation: contradicts the value this sequence is bound to.
		return VoteRejected, s.scope, s.phase
	}

	r := s.round(kind)
	if r.voters[sender] {
		return VoteRejected, s.scope, s.phase
	}
	r.voters[sender] = true

	if !r.fired && len(r.voters) >= threshold(kind, s.size) {
		r.fired = true
		s.advance(kind)
		return VoteQuorum, s.scope, s.phase
	}
	return VoteAccepted, s.scope, s.phase
}

// advance moves the phase forward for a completed round. Never moves
// backward.
func (s *seqState) advance(kind data.MsgType) {
	var next Phase
	switch kind {
	case data.TypePropose:
		next = ReadyPrepare
	case data.TypePrepare:
		next = ReadyCommit
	case data.TypeCommit:
		next = ReadyExecute
	default:
		return
	}
	if next > s.phase {
		s.phase = next
	}
}

// RecordRecovery replays a vote from an external log without threshold
// logic.
func (c *Collector) RecordRecovery(seq uint64, kind data.MsgType, sender config.ReplicaID, digest data.Digest) {
	s := c.state(seq)
	if s == nil {
		return
	}
	s.mut.Lock()
	defer s.mut.Unlock()
	if !s.hasDigest {
		s.digest = digest
		s.hasDigest = true
	}
	s.round(kind).voters[sender] = true
}

// Handoff re-enters the sequence at the local level: fresh rounds, the
// shard's member count as electorate, phase reset below ReadyPrepare.
func (c *Collector) Handoff(seq uint64, shardSize int) {
	s := c.state(seq)
	if s == nil {
		return
	}
	s.mut.Lock()
	defer s.mut.Unlock()
	s.scope = ScopeLocal
	s.phase = PhaseNone
	s.size = shardSize
	s.sentCommit = false
	s.rounds = make(map[data.MsgType]*round)
}

// MarkCommitSent flags that this replica has issued its commit vote for
// seq; the first caller gets true.
func (c *Collector) MarkCommitSent(seq uint64) bool {
	s := c.state(seq)
	if s == nil {
		return false
	}
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.sentCommit {
		return false
	}
	s.sentCommit = true
	return true
}

// CurrentPhase returns the scope and phase of seq.
func (c *Collector) CurrentPhase(seq uint64) (Scope, Phase) {
	s := c.state(seq)
	if s == nil {
		return ScopeGlobal, PhaseNone
	}
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.scope, s.phase
}

// SetPhase forces the phase of seq forward; backward moves are ignored.
func (c *Collector) SetPhase(seq uint64, phase Phase) {
	s := c.state(seq)
	if s == nil {
		return
	}
	s.mut.Lock()
	defer s.mut.Unlock()
	if phase > s.phase {
		s.phase = phase
	}
}

// Finish archives a fully executed sequence: its rounds are dropped and
// late votes are absorbed without effect.
func (c *Collector) Finish(seq uint64) {
	s := c.state(seq)
	if s != nil {
		s.mut.Lock()
		s.done = true
		s.rounds = make(map[data.MsgType]*round)
		s.mut.Unlock()
	}
	for {
		last := c.lastExec.Load()
		if seq <= last || c.lastExec.CAS(last, seq) {
			return
		}
	}
}

// AssignSeq hands out the next sequence number, failing closed once the
// in-flight window is full. Sequences start at 1 on a fresh log.
func (c *Collector) AssignSeq() (uint64, error) {
	c.mut.Lock()
	defer c.mut.Unlock()
	next := c.nextSeq.Load()
	if next == 0 {
		next = 1
	}
	if c.window > 0 && next > c.lastExec.Load()+c.window {
		return 0, ErrSeqExhausted
	}
	c.nextSeq.Store(next + 1)
	return next, nil
}

// NextSeq returns the next sequence this replica expects to assign or
// replay, 0 while the log is still untouched.
func (c *Collector) NextSeq() uint64 { return c.nextSeq.Load() }

// SetNextSeq fast-forwards the sequence counter during recovery replay.
func (c *Collector) SetNextSeq(seq uint64) { c.nextSeq.Store(seq) }

// HighestPrepared returns the highest sequence seen through a prepare
// quorum; monotonic, used for checkpointing.
func (c *Collector) HighestPrepared() uint64 { return c.highPrepared.Load() }

// SetHighestPrepared raises the highest prepared watermark.
func (c *Collector) SetHighestPrepared(seq uint64) {
	for {
		cur := c.highPrepared.Load()
		if seq <= cur || c.highPrepared.CAS(cur, seq) {
			return
		}
	}
}

// CurrentView returns the active view number.
func (c *Collector) CurrentView() uint64 { return c.view.Load() }

// SetView sets the active view number.
func (c *Collector) SetView(view uint64) { c.view.Store(view) }

// CurrentPrimary returns the replica currently acting as the
// transaction-sequencing primary.
func (c *Collector) CurrentPrimary() config.ReplicaID {
	return config.ReplicaID(c.primary.Load())
}

// SetPrimary records the transaction-sequencing primary.
func (c *Collector) SetPrimary(id config.ReplicaID) { c.primary.Store(uint32(id)) }
