package consensus

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joe-zxh/shardbft/comm"
	"github.com/joe-zxh/shardbft/config"
	"github.com/joe-zxh/shardbft/data"
	"github.com/joe-zxh/shardbft/topology"
)

const clientID config.ReplicaID = 100

// fakeAuth accepts every token, so tests exercise the protocol rather
// than the signature scheme.
type fakeAuth struct{}

func (fakeAuth) Verify(payload, token []byte) bool { return len(token) > 0 }
func (fakeAuth) Sign(digest []byte) ([]byte, error) {
	return []byte("sig"), nil
}

type cluster struct {
	net    *comm.MemoryNetwork
	top    *topology.ShardTopology
	coords map[config.ReplicaID]*Coordinator
	tap    chan *data.Message // mirror of every delivered message
	stops  []func()
}

func testInfo(id config.ReplicaID) *config.ReplicaInfo {
	return &config.ReplicaInfo{ID: id, Address: "127.0.0.1", Port: 20000 + int(id)}
}

// newCluster builds a single-process cluster of n replicas spread over
// the given shard count, all wired through one memory network.
func newCluster(t *testing.T, n, shards int) *cluster {
	return newClusterConf(t, n, shards, nil)
}

// newClusterConf is newCluster with a hook applied to every replica's
// config before wiring.
func newClusterConf(t *testing.T, n, shards int, tune func(*config.ReplicaConfig)) *cluster {
	t.Helper()

	cl := &cluster{
		net:    comm.NewMemoryNetwork(),
		top:    topology.New(),
		coords: make(map[config.ReplicaID]*Coordinator),
		tap:    make(chan *data.Message, 4096),
	}
	cl.top.SetShardCount(shards)
	for i := 1; i <= n; i++ {
		require.NoError(t, cl.top.AdmitReplica(testInfo(config.ReplicaID(i))))
	}

	for i := 1; i <= n; i++ {
		id := config.ReplicaID(i)
		conf := config.NewConfig(id, nil)
		conf.ShardCount = shards
		conf.BatchSize = 4
		conf.BatchTimeout = time.Millisecond
		if tune != nil {
			tune(conf)
		}

		router := comm.NewRouter(conf, cl.top, cl.net)
		router.RegisterClient(testInfo(clientID))

		coord, err := New(conf, cl.top, router, fakeAuth{}, NewMemoryExecutor())
		require.NoError(t, err)
		cl.coords[id] = coord

		info := testInfo(id)
		stop := cl.net.Serve(info.Address, info.Port, func(m *data.Message) {
			select {
			case cl.tap <- m:
			default:
			}
			coord.Dispatch(m)
		})
		cl.stops = append(cl.stops, stop, router.Close, coord.Close)
	}

	t.Cleanup(func() {
		for i := len(cl.stops) - 1; i >= 0; i-- {
			cl.stops[i]()
		}
	})
	return cl
}

// clientResponses decodes everything arriving at the client endpoint.
func (cl *cluster) clientResponses() <-chan *data.Message {
	info := testInfo(clientID)
	inbox := cl.net.Listen(info.Address, info.Port)
	out := make(chan *data.Message, 64)
	go func() {
		for payload := range inbox {
			env, err := data.ReadEnvelope(bytes.NewReader(payload))
			if err != nil {
				continue
			}
			for _, item := range env.Items {
				if m, err := data.DecodeMessage(item); err == nil {
					out <- m
				}
			}
		}
	}()
	return out
}

func clientRequest(payload []byte) *data.Message {
	return &data.Message{
		Type:   data.TypeRequest,
		Sender: clientID,
		Proxy:  clientID,
		Data:   payload,
		Hash:   data.HashOf(payload),
		Token:  []byte("client-token"),
	}
}

func waitResponse(t *testing.T, responses <-chan *data.Message) *data.Message {
	t.Helper()
	select {
	case m := <-responses:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("no client response")
		return nil
	}
}

func TestRequestCommitsAcrossShards(t *testing.T) {
	cl := newCluster(t, 12, 4)
	responses := cl.clientResponses()

	req := clientRequest([]byte("transfer 10 from a to b"))

	// Submitted to a plain shard member: relayed to its coordinator,
	// which becomes the sequencing primary.
	assert.Equal(t, Forwarded, cl.coords[5].Dispatch(req))
	assert.Len(t, cl.coords[5].PendingComplaints(), 1)

	resp := waitResponse(t, responses)
	assert.Equal(t, data.TypeResponse, resp.Type)
	assert.Equal(t, uint64(1), resp.Seq)
	assert.Equal(t, req.Hash, resp.Hash)

	// Every replica, coordinator or member, ends up executing.
	for id, coord := range cl.coords {
		guard := coord.Guard()
		assert.Eventually(t, func() bool {
			_, ok := guard.CheckExecuted(req.Hash)
			return ok
		}, 5*time.Second, 5*time.Millisecond, "replica %d never executed", id)
	}

	// Only the sequencing primary's coordinator answers the client.
	select {
	case extra := <-responses:
		t.Fatalf("unexpected second response: %v", extra)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestResubmissionAnsweredFromHistory(t *testing.T) {
	cl := newCluster(t, 12, 4)
	responses := cl.clientResponses()

	req := clientRequest([]byte("idempotent op"))
	cl.coords[5].Dispatch(req)
	first := waitResponse(t, responses)

	guard := cl.coords[5].Guard()
	require.Eventually(t, func() bool {
		_, ok := guard.CheckExecuted(req.Hash)
		return ok
	}, 5*time.Second, 5*time.Millisecond)

	// The replica that sees the resubmission answers directly with the
	// original sequence, no new consensus round.
	assert.Equal(t, Rejected, cl.coords[5].Dispatch(clientRequest([]byte("idempotent op"))))
	again := waitResponse(t, responses)
	assert.Equal(t, first.Seq, again.Seq)
	assert.Equal(t, first.Hash, again.Hash)
}

func TestRequestWithoutTokenRejected(t *testing.T) {
	cl := newCluster(t, 3, 1)

	req := clientRequest([]byte("no token"))
	req.Token = nil
	assert.Equal(t, Rejected, cl.coords[1].Dispatch(req))
}

func TestProposalFromNonCoordinatorRejected(t *testing.T) {
	cl := newCluster(t, 12, 4)

	payload := []byte("forged")
	prop := &data.Message{
		Type:   data.TypePropose,
		Seq:    1,
		Sender: 5, // shard member, not a coordinator
		Data:   payload,
		Hash:   data.HashOf(payload),
		Token:  []byte("sig"),
	}
	assert.Equal(t, Rejected, cl.coords[1].Dispatch(prop))
}

func TestVoteOutsideElectorateRejected(t *testing.T) {
	cl := newCluster(t, 12, 4)

	payload := []byte("vote stuffing")
	hash := data.HashOf(payload)
	prop := &data.Message{
		Type: data.TypePropose, Seq: 3, Sender: 2, Primary: 2,
		Data: payload, Hash: hash, Token: []byte("sig"),
	}
	require.Equal(t, Accepted, cl.coords[1].Dispatch(prop))

	// Node 6 is a shard member: its vote carries no weight in the
	// global round among coordinators.
	prep := &data.Message{
		Type: data.TypePrepare, Seq: 3, Sender: 6, Primary: 2,
		Hash: hash, Token: []byte("sig"),
	}
	assert.Equal(t, Rejected, cl.coords[1].Dispatch(prep))
}

func TestVoteWithoutTokenRejected(t *testing.T) {
	cl := newCluster(t, 12, 4)

	prep := &data.Message{
		Type: data.TypePrepare, Seq: 1, Sender: 2,
		Hash: data.HashOf([]byte("x")),
	}
	assert.Equal(t, Rejected, cl.coords[1].Dispatch(prep))
}

func recoveryProposal(seq uint64) *data.Message {
	payload := []byte{byte(seq)}
	return &data.Message{
		Type: data.TypePropose, Seq: seq, Sender: 1,
		Data: payload, Hash: data.HashOf(payload),
		Token: []byte("sig"), IsRecovery: true,
	}
}

func TestRecoveryProposalsMustArriveInOrder(t *testing.T) {
	cl := newCluster(t, 3, 1)
	coord := cl.coords[1]

	assert.Equal(t, Accepted, coord.Dispatch(recoveryProposal(1)))
	assert.Equal(t, Accepted, coord.Dispatch(recoveryProposal(2)))
	assert.Equal(t, uint64(3), coord.Collector().NextSeq())

	// A gap in the replay is refused rather than silently applied.
	assert.Equal(t, Rejected, coord.Dispatch(recoveryProposal(5)))
	assert.Equal(t, uint64(3), coord.Collector().NextSeq())
}

func TestRecoveryReplayResumesMidLog(t *testing.T) {
	cl := newCluster(t, 3, 1)
	coord := cl.coords[1]

	// A restarted replica has no sequence state yet, so the first
	// replayed proposal re-anchors the log at any checkpoint.
	assert.Equal(t, Accepted, coord.Dispatch(recoveryProposal(5)))
	assert.Equal(t, uint64(6), coord.Collector().NextSeq())

	assert.Equal(t, Rejected, coord.Dispatch(recoveryProposal(9)))
	assert.Equal(t, Accepted, coord.Dispatch(recoveryProposal(6)))
	assert.Equal(t, uint64(7), coord.Collector().NextSeq())
}

func TestRecoveryProposalWithoutTokenRejected(t *testing.T) {
	cl := newCluster(t, 3, 1)
	coord := cl.coords[1]

	m := recoveryProposal(5)
	m.Token = nil
	assert.Equal(t, Rejected, coord.Dispatch(m))
	assert.Equal(t, uint64(0), coord.Collector().NextSeq())
}

func TestCommitsCarryCertificateInQCMode(t *testing.T) {
	cl := newClusterConf(t, 12, 4, func(c *config.ReplicaConfig) {
		c.NeedCommitQC = true
	})
	responses := cl.clientResponses()

	req := clientRequest([]byte("certified op"))
	cl.coords[5].Dispatch(req)
	waitResponse(t, responses)

	commits := 0
drain:
	for {
		select {
		case m := <-cl.tap:
			if m.Type == data.TypeCommit {
				commits++
				assert.NotEmpty(t, m.QC, "commit vote without certificate")
			}
		default:
			break drain
		}
	}
	assert.Greater(t, commits, 0)
}

// failSigner accepts every token but cannot produce one.
type failSigner struct{}

func (failSigner) Verify(payload, token []byte) bool { return len(token) > 0 }
func (failSigner) Sign(digest []byte) ([]byte, error) {
	return nil, errors.New("signer offline")
}

func TestPrepareVotesSurviveSigningFailure(t *testing.T) {
	top := topology.New()
	top.SetShardCount(4)
	for i := 1; i <= 4; i++ {
		require.NoError(t, top.AdmitReplica(testInfo(config.ReplicaID(i))))
	}
	conf := config.NewConfig(1, nil)
	conf.NeedCommitQC = true
	router := comm.NewRouter(conf, top, comm.NewMemoryNetwork())
	coord, err := New(conf, top, router, failSigner{}, NewMemoryExecutor())
	require.NoError(t, err)
	t.Cleanup(func() {
		coord.Close()
		router.Close()
	})

	hash := data.HashOf([]byte("stuck op"))
	prep := func(sender config.ReplicaID) *data.Message {
		return &data.Message{
			Type: data.TypePrepare, Seq: 7, Sender: sender,
			Hash: hash, Token: []byte("sig"),
		}
	}

	assert.Equal(t, Accepted, coord.Dispatch(prep(2)))
	assert.Equal(t, Accepted, coord.Dispatch(prep(3)))

	// Quorum fires but the commit vote cannot be signed: the send is
	// abandoned while the prepare progress stays.
	assert.Equal(t, Rejected, coord.Dispatch(prep(4)))
	assert.Equal(t, uint64(7), coord.Collector().HighestPrepared())

	// The recorded votes were not rolled back: a replayed voter is a
	// duplicate.
	assert.Equal(t, Rejected, coord.Dispatch(prep(2)))
}

func TestPreVerifyGatesAdmission(t *testing.T) {
	cl := newCluster(t, 12, 4)
	coord := cl.coords[1]

	coord.SetPreVerify(func(m *data.Message) bool { return false })
	assert.Equal(t, Rejected, coord.Dispatch(clientRequest([]byte("vetoed"))))

	// Relayed proposals from other coordinators pass the same gate.
	payload := []byte("vetoed relay")
	prop := &data.Message{
		Type: data.TypePropose, Seq: 1, Sender: 2, Primary: 2,
		Data: payload, Hash: data.HashOf(payload), Token: []byte("sig"),
	}
	assert.Equal(t, Rejected, coord.Dispatch(prop))

	// The veto leaves no in-flight mark behind: once the hook clears,
	// the same content is admitted and commits.
	coord.SetPreVerify(func(m *data.Message) bool { return true })
	responses := cl.clientResponses()
	assert.Equal(t, Accepted, coord.Dispatch(clientRequest([]byte("vetoed"))))
	resp := waitResponse(t, responses)
	assert.Equal(t, uint64(1), resp.Seq)
}
