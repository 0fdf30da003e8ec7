// Package consensus drives a transaction from proposal to execution
// through the hierarchical two-phase protocol: a global round among the
// shard coordinators agrees sequence and content, then each coordinator
// replicates the result inside its own shard before execution.
package consensus

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/joe-zxh/shardbft/comm"
	"github.com/joe-zxh/shardbft/config"
	"github.com/joe-zxh/shardbft/data"
	"github.com/joe-zxh/shardbft/internal/logging"
	"github.com/joe-zxh/shardbft/topology"
)

// Result is the discrete outcome of a protocol entry point.
type Result int

const (
	Accepted  Result = 0
	Rejected  Result = -2 // validation, auth or duplicate failure
	Forwarded Result = -3 // not this replica's responsibility
)

const executedPollInterval = time.Millisecond

// Coordinator is the per-replica consensus state machine. All entry
// points may be invoked concurrently from inbound handling goroutines;
// votes for distinct sequences proceed in parallel.
type Coordinator struct {
	conf      *config.ReplicaConfig
	self      config.ReplicaID
	top       *topology.ShardTopology
	router    *comm.Router
	guard     *data.DuplicateGuard
	collector *Collector
	auth      data.Auth
	exec      Executor
	logger    zerolog.Logger

	preVerify func(*data.Message) bool

	cmut       sync.Mutex
	complaints []*data.Message

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New wires the coordinator and starts its executed-drain worker.
// Missing collaborators are the only fatal condition.
func New(conf *config.ReplicaConfig, top *topology.ShardTopology, router *comm.Router, auth data.Auth, exec Executor) (*Coordinator, error) {
	if top == nil || router == nil || auth == nil || exec == nil {
		return nil, errors.New("consensus: missing collaborator")
	}
	c := &Coordinator{
		conf:      conf,
		self:      conf.ID,
		top:       top,
		router:    router,
		guard:     data.NewDuplicateGuard(),
		collector: NewCollector(conf.InFlightWindow),
		auth:      auth,
		exec:      exec,
		logger:    logging.WithID(uint32(conf.ID)),
		done:      make(chan struct{}),
	}
	c.wg.Add(1)
	go c.drainExecuted()
	return c, nil
}

// SetPreVerify installs the pre-admission predicate consulted before a
// request or relayed proposal is admitted.
func (c *Coordinator) SetPreVerify(f func(*data.Message) bool) {
	c.preVerify = f
}

// Collector exposes the vote aggregator, mainly for recovery tooling.
func (c *Coordinator) Collector() *Collector { return c.collector }

// Guard exposes the duplicate tracker.
func (c *Coordinator) Guard() *data.DuplicateGuard { return c.guard }

// PendingComplaints returns the client requests queued while this
// replica was not the shard coordinator, for later reconciliation.
func (c *Coordinator) PendingComplaints() []*data.Message {
	c.cmut.Lock()
	defer c.cmut.Unlock()
	return append([]*data.Message(nil), c.complaints...)
}

// Dispatch routes an inbound message to its entry point.
func (c *Coordinator) Dispatch(m *data.Message) Result {
	switch m.Type {
	case data.TypeRequest:
		return c.OnClientRequest(m)
	case data.TypePropose:
		return c.OnPropose(m)
	case data.TypePrepare:
		return c.OnPrepare(m)
	case data.TypeCommit:
		return c.OnCommit(m)
	case data.TypeResponse:
		c.logger.Debug().Uint64("seq", m.Seq).Msg("response seen at replica, ignored")
		return Accepted
	}
	c.logger.Warn().Str("msg", m.Type.String()).Msg("unknown message type")
	return Rejected
}

func (c *Coordinator) isCoordinator() bool {
	return c.top.PrimaryOfNode(c.self) == c.self
}

func (c *Coordinator) myShard() topology.ShardID {
	return c.top.ShardOf(c.self)
}

// ensureSeq creates the sequence's quorum record in the scope this
// replica participates in: coordinators start at the global level,
// shard members only ever see the local level.
func (c *Coordinator) ensureSeq(seq uint64) {
	if c.isCoordinator() {
		c.collector.Ensure(seq, ScopeGlobal, len(c.top.Primaries()))
	} else {
		c.collector.Ensure(seq, ScopeLocal, c.top.SizeOf(c.myShard()))
	}
}

// vote derives a vote of kind t from m, signed by this replica.
func (c *Coordinator) vote(m *data.Message, t data.MsgType) *data.Message {
	v := m.Derive(t, c.self)
	v.Data = nil // votes reference the payload by digest only
	token, err := c.auth.Sign(v.Hash.ToSlice())
	if err != nil {
		c.logger.Error().Err(err).Str("msg", t.String()).Uint64("seq", m.Seq).
			Msg("vote signing failed")
		return nil
	}
	v.Token = token
	return v
}

// eligible reports whether sender belongs to the electorate of the
// scope seq is currently in: shard coordinators at the global level,
// this shard's members at the local level.
func (c *Coordinator) eligible(seq uint64, sender config.ReplicaID) bool {
	scope, _ := c.collector.CurrentPhase(seq)
	if scope == ScopeGlobal {
		return c.top.PrimaryOfNode(sender) == sender
	}
	return c.top.SameShard(sender, c.self)
}

// forwardToCoordinator applies the routing guard: a shard member that
// receives a message from outside its shard relays it to its own
// coordinator and stops.
func (c *Coordinator) forwardToCoordinator(m *data.Message) bool {
	if c.top.SameShard(m.Sender, c.self) || c.self == c.top.PrimaryOfNode(c.self) {
		return false
	}
	c.logger.Debug().Uint64("seq", m.Seq).Str("msg", m.Type.String()).
		Msg("relaying to shard coordinator")
	c.router.SendToShardPrimary(m, c.myShard())
	return true
}

// OnClientRequest admits a client submission. The receiving shard's
// coordinator becomes the sequencing primary for the transaction.
func (c *Coordinator) OnClientRequest(m *data.Message) Result {
	if len(m.Token) == 0 {
		c.logger.Error().Msg("client request carries no auth token, reject")
		return Rejected
	}

	if seq, ok := c.guard.CheckExecuted(m.Hash); ok {
		// Idempotent resubmission: answer with the prior sequence.
		c.logger.Info().Uint64("seq", seq).Str("hash", m.Hash.String()).
			Msg("request already executed")
		resp := m.Derive(data.TypeResponse, c.self)
		resp.Seq = seq
		resp.View = c.collector.CurrentView()
		c.router.SendTo(resp, m.Proxy)
		return Rejected
	}

	if coord := c.top.PrimaryOfNode(c.self); coord != c.self {
		c.logger.Info().Uint32("coordinator", uint32(coord)).
			Msg("not the shard coordinator, relaying request")
		c.router.SendTo(m, coord)
		c.cmut.Lock()
		c.complaints = append(c.complaints, m)
		c.cmut.Unlock()
		return Forwarded
	}

	if !c.auth.Verify(m.Hash.ToSlice(), m.Token) {
		c.logger.Error().Int("len", len(m.Data)).Msg("client request auth invalid")
		return Rejected
	}
	if c.preVerify != nil && !c.preVerify(m) {
		c.logger.Error().Msg("pre-admission check failed")
		return Rejected
	}
	if c.guard.CheckAndMarkProposed(m.Hash) {
		return Rejected
	}

	seq, err := c.collector.AssignSeq()
	if err != nil {
		// Fail closed: roll back the in-flight mark and tell the client.
		c.guard.UnmarkProposed(m.Hash)
		c.logger.Error().Err(err).Msg("sequence assignment failed")
		resp := m.Derive(data.TypeResponse, c.self)
		resp.Ret = int32(Rejected)
		c.router.SendTo(resp, m.Proxy)
		return Rejected
	}

	prop := m.Derive(data.TypePropose, c.self)
	prop.Seq = seq
	prop.View = c.collector.CurrentView()
	prop.Primary = c.self
	token, err := c.auth.Sign(prop.Hash.ToSlice())
	if err != nil {
		c.guard.UnmarkProposed(m.Hash)
		c.logger.Error().Err(err).Msg("proposal signing failed")
		resp := m.Derive(data.TypeResponse, c.self)
		resp.Ret = int32(Rejected)
		c.router.SendTo(resp, m.Proxy)
		return Rejected
	}
	prop.Token = token

	c.collector.SetPrimary(c.self)
	c.logger.Info().Uint64("seq", seq).Uint64("view", prop.View).
		Msg("proposing to shard coordinators")
	c.router.BroadcastToPrimaries(prop)
	return Accepted
}

// OnPropose handles a PROPOSE from the sequencing primary (global
// phase) or from this shard's coordinator (local phase).
func (c *Coordinator) OnPropose(m *data.Message) Result {
	if c.forwardToCoordinator(m) {
		return Forwarded
	}
	if len(m.Token) == 0 {
		c.logger.Error().Uint64("seq", m.Seq).Msg("proposal carries no auth token, reject")
		return Rejected
	}

	if m.IsRecovery {
		next := c.collector.NextSeq()
		if next == 0 || m.Seq == next {
			c.collector.SetNextSeq(m.Seq + 1)
			c.ensureSeq(m.Seq)
			c.collector.RecordRecovery(m.Seq, data.TypePropose, m.Sender, m.Hash)
			return Accepted
		}
		c.logger.Error().Uint64("next", next).Uint64("seq", m.Seq).
			Msg("recovery proposal out of order, not applied")
		return Rejected
	}

	// A proposal is only admissible from a shard coordinator.
	if c.top.PrimaryOfNode(m.Sender) != m.Sender {
		c.logger.Error().Uint32("sender", uint32(m.Sender)).Uint64("seq", m.Seq).
			Msg("proposal not from a coordinator, reject")
		return Rejected
	}

	if m.Sender != c.self {
		if !c.auth.Verify(m.Hash.ToSlice(), m.Token) {
			c.logger.Error().Uint64("seq", m.Seq).Msg("proposal auth invalid")
			return Rejected
		}
		if c.preVerify != nil && !c.preVerify(m) {
			c.logger.Error().Uint64("seq", m.Seq).Msg("pre-admission check failed")
			return Rejected
		}
		if c.guard.CheckAndMarkProposed(m.Hash) {
			c.logger.Info().Uint64("seq", m.Seq).Msg("content already proposed, reject")
			return Rejected
		}
	}

	c.ensureSeq(m.Seq)
	if m.Sender == m.Primary {
		c.collector.SetPrimary(m.Primary)
	}

	outcome, scope, phase := c.collector.Record(m.Seq, data.TypePropose, m.Sender, m.Hash)
	if outcome == VoteRejected {
		return Rejected
	}
	if outcome == VoteQuorum {
		prep := c.vote(m, data.TypePrepare)
		if prep == nil {
			return Rejected
		}
		if scope == ScopeGlobal && phase == ReadyPrepare {
			// Global round: echo the prepare vote to ourselves and to
			// the sequencing primary, who aggregates.
			c.router.SendTo(prep, c.self)
			if c.self != m.Primary {
				c.router.SendTo(prep, m.Primary)
			}
		} else {
			// Local hand-off already happened for this sequence.
			c.router.BroadcastWithinShard(prep, c.myShard())
		}
	}
	return Accepted
}

// OnPrepare records a prepare vote; a completed round turns it into a
// commit broadcast.
func (c *Coordinator) OnPrepare(m *data.Message) Result {
	if c.forwardToCoordinator(m) {
		return Forwarded
	}
	if len(m.Token) == 0 {
		c.logger.Error().Uint64("seq", m.Seq).Msg("prepare vote carries no auth token, reject")
		return Rejected
	}
	if m.IsRecovery {
		c.ensureSeq(m.Seq)
		c.collector.RecordRecovery(m.Seq, data.TypePrepare, m.Sender, m.Hash)
		return Accepted
	}

	c.ensureSeq(m.Seq)
	if !c.eligible(m.Seq, m.Sender) {
		c.logger.Error().Uint32("sender", uint32(m.Sender)).Uint64("seq", m.Seq).
			Msg("prepare vote from outside the electorate, reject")
		return Rejected
	}
	outcome, scope, phase := c.collector.Record(m.Seq, data.TypePrepare, m.Sender, m.Hash)
	if outcome == VoteRejected {
		return Rejected
	}
	if outcome == VoteQuorum {
		c.collector.SetHighestPrepared(m.Seq)

		commit := c.vote(m, data.TypeCommit)
		if commit == nil {
			return Rejected
		}
		if c.conf.NeedCommitQC {
			qc, err := c.auth.Sign(m.Hash.ToSlice())
			if err != nil {
				// The prepare vote stays recorded; only the certificate
				// attachment is abandoned.
				c.logger.Error().Err(err).Uint64("seq", m.Seq).Msg("commit certificate signing failed")
				return Rejected
			}
			commit.QC = qc
		}

		if scope == ScopeGlobal && phase == ReadyCommit {
			// Only the sequencing primary announces the global result.
			if c.self == c.collector.CurrentPrimary() {
				c.collector.MarkCommitSent(m.Seq)
				c.logger.Info().Uint64("seq", m.Seq).Msg("global prepare quorum, announcing commit")
				c.router.BroadcastToAll(commit)
			}
		} else {
			c.router.BroadcastWithinShard(commit, c.myShard())
		}
	}
	return Accepted
}

// OnCommit records a commit vote. A completed global round hands the
// sequence off to intra-shard replication; a completed local round
// means the transaction is ready to execute.
func (c *Coordinator) OnCommit(m *data.Message) Result {
	if c.forwardToCoordinator(m) {
		return Forwarded
	}
	if len(m.Token) == 0 {
		c.logger.Error().Uint64("seq", m.Seq).Msg("commit vote carries no auth token, reject")
		return Rejected
	}
	if m.IsRecovery {
		c.ensureSeq(m.Seq)
		c.collector.RecordRecovery(m.Seq, data.TypeCommit, m.Sender, m.Hash)
		return Accepted
	}

	c.ensureSeq(m.Seq)
	if !c.eligible(m.Seq, m.Sender) {
		c.logger.Error().Uint32("sender", uint32(m.Sender)).Uint64("seq", m.Seq).
			Msg("commit vote from outside the electorate, reject")
		return Rejected
	}

	// A coordinator that learns of the primary's commit announcement
	// issues its own commit vote to the other coordinators, so every
	// coordinator can complete the global round.
	if scope, _ := c.collector.CurrentPhase(m.Seq); scope == ScopeGlobal && m.Sender != c.self {
		if c.collector.MarkCommitSent(m.Seq) {
			if echo := c.vote(m, data.TypeCommit); echo != nil {
				if c.conf.NeedCommitQC {
					if qc, err := c.auth.Sign(m.Hash.ToSlice()); err == nil {
						echo.QC = qc
					}
				}
				c.router.BroadcastToPrimaries(echo)
			}
		}
	}

	outcome, scope, phase := c.collector.Record(m.Seq, data.TypeCommit, m.Sender, m.Hash)
	if outcome == VoteRejected {
		return Rejected
	}
	if outcome == VoteQuorum {
		if scope == ScopeLocal && phase == ReadyExecute {
			// Execution is genuinely complete for this sequence.
			c.logger.Info().Uint64("seq", m.Seq).Uint64("view", m.View).
				Str("hash", m.Hash.String()).Msg("committed")
			c.guard.MarkExecuted(m.Hash, m.Seq)
			c.collector.Finish(m.Seq)
			c.exec.Execute(&ExecutedRecord{
				Seq:     m.Seq,
				Hash:    m.Hash,
				Proxy:   m.Proxy,
				Primary: m.Primary,
				View:    m.View,
			})
		} else {
			// Global agreement reached: replicate inside our own shard.
			shard := c.myShard()
			members := c.top.MembersOf(shard)
			c.collector.Handoff(m.Seq, len(members))
			c.logger.Info().Uint64("seq", m.Seq).Uint32("shard", uint32(shard)).
				Msg("global commit quorum, entering local replication")

			prop := c.vote(m, data.TypePropose)
			// We implicitly voted for our own proposal, so the matching
			// prepare goes out right away.
			prep := c.vote(m, data.TypePrepare)
			if prop == nil || prep == nil {
				return Accepted // quorum recorded, fan-out abandoned
			}
			for _, node := range members {
				if node != c.self {
					c.router.SendTo(prop, node)
				}
			}
			if c.conf.CountSelfLocally {
				c.router.BroadcastWithinShard(prep, shard)
			} else {
				for _, node := range members {
					if node != c.self {
						c.router.SendTo(prep, node)
					}
				}
			}
		}
	}
	return Accepted
}

// drainExecuted pulls applied records from the execution engine and
// responds to the client. Only the sequencing primary's shard owns the
// response; its coordinator sends it, so the client sees one RESPONSE.
func (c *Coordinator) drainExecuted() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		default:
		}
		rec := c.exec.NextExecuted()
		if rec == nil {
			select {
			case <-c.done:
				return
			case <-time.After(executedPollInterval):
			}
			continue
		}
		if c.top.SameShard(rec.Primary, c.self) && c.isCoordinator() {
			resp := &data.Message{
				Type:    data.TypeResponse,
				Seq:     rec.Seq,
				View:    rec.View,
				Sender:  c.self,
				Primary: rec.Primary,
				Proxy:   rec.Proxy,
				Hash:    rec.Hash,
			}
			c.logger.Info().Uint64("seq", rec.Seq).Uint32("proxy", uint32(rec.Proxy)).
				Msg("replying to client")
			c.router.SendTo(resp, rec.Proxy)
		}
	}
}

// Close stops the background workers and joins them.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.wg.Wait()
	})
}
