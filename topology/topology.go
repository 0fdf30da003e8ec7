// Package topology owns the node to shard assignment and the shard
// primary designation. It is a pure in-memory map guarded by one lock:
// admissions and epoch resets are rare next to the per-transaction
// lookups, so a single exclusive lock is sufficient.
package topology

import (
	"errors"
	"math"
	"sync"

	"github.com/joe-zxh/shardbft/config"
	"github.com/joe-zxh/shardbft/internal/logging"
)

// ShardID identifies one shard within the current epoch.
type ShardID uint32

// Sentinel values returned by lookups instead of crashing on unknown keys.
const (
	NoShard ShardID          = math.MaxUint32
	NoNode  config.ReplicaID = math.MaxUint32
)

var (
	ErrInvalidReplica = errors.New("topology: replica has no address or port")
	ErrAlreadyAdmitted = errors.New("topology: replica already admitted")
	ErrNoShards        = errors.New("topology: shard count not set")
)

// ShardTopology assigns replicas to shards as they are admitted. The
// first replica ever admitted to a shard becomes its primary and stays
// so for the whole epoch.
type ShardTopology struct {
	mut        sync.Mutex
	shardCount int
	replicas   map[config.ReplicaID]*config.ReplicaInfo
	nodeShard  map[config.ReplicaID]ShardID
	members    map[ShardID][]config.ReplicaID
	primaries  map[ShardID]config.ReplicaID
}

func New() *ShardTopology {
	t := &ShardTopology{}
	t.reset(0)
	return t
}

func (t *ShardTopology) reset(count int) {
	t.shardCount = count
	t.replicas = make(map[config.ReplicaID]*config.ReplicaInfo)
	t.nodeShard = make(map[config.ReplicaID]ShardID)
	t.members = make(map[ShardID][]config.ReplicaID)
	t.primaries = make(map[ShardID]config.ReplicaID)
}

// SetShardCount starts a new topology epoch: all assignments and
// primaries are cleared atomically.
func (t *ShardTopology) SetShardCount(count int) {
	t.mut.Lock()
	defer t.mut.Unlock()
	t.reset(count)
}

// AdmitReplica assigns replica to the shard with the fewest members,
// breaking ties towards the lowest shard id. The first member of a
// shard becomes its primary.
func (t *ShardTopology) AdmitReplica(replica *config.ReplicaInfo) error {
	if replica == nil || replica.Address == "" || replica.Port == 0 {
		return ErrInvalidReplica
	}

	t.mut.Lock()
	defer t.mut.Unlock()

	if t.shardCount == 0 {
		return ErrNoShards
	}
	if _, ok := t.replicas[replica.ID]; ok {
		return ErrAlreadyAdmitted
	}

	target := ShardID(0)
	minSize := math.MaxInt32
	for i := 0; i < t.shardCount; i++ {
		if sz := len(t.members[ShardID(i)]); sz < minSize {
			target = ShardID(i)
			minSize = sz
		}
	}

	t.replicas[replica.ID] = replica
	t.nodeShard[replica.ID] = target
	t.members[target] = append(t.members[target], replica.ID)
	if _, ok := t.primaries[target]; !ok {
		t.primaries[target] = replica.ID
	}

	logger := logging.GetLogger()
	logger.Debug().
		Uint32("node", uint32(replica.ID)).
		Uint32("shard", uint32(target)).
		Msg("replica admitted")
	return nil
}

// ShardOf returns the shard node belongs to, or NoShard.
func (t *ShardTopology) ShardOf(node config.ReplicaID) ShardID {
	t.mut.Lock()
	defer t.mut.Unlock()
	if s, ok := t.nodeShard[node]; ok {
		return s
	}
	return NoShard
}

// MembersOf returns a copy of the member list of shard, admission order.
func (t *ShardTopology) MembersOf(shard ShardID) []config.ReplicaID {
	t.mut.Lock()
	defer t.mut.Unlock()
	return append([]config.ReplicaID(nil), t.members[shard]...)
}

// SizeOf returns the member count of shard, 0 when unknown.
func (t *ShardTopology) SizeOf(shard ShardID) int {
	t.mut.Lock()
	defer t.mut.Unlock()
	return len(t.members[shard])
}

// PrimaryOf returns the primary of shard, or NoNode.
func (t *ShardTopology) PrimaryOf(shard ShardID) config.ReplicaID {
	t.mut.Lock()
	defer t.mut.Unlock()
	if p, ok := t.primaries[shard]; ok {
		return p
	}
	return NoNode
}

// PrimaryOfNode returns the primary of the shard node belongs to, or
// NoNode when node is unassigned.
func (t *ShardTopology) PrimaryOfNode(node config.ReplicaID) config.ReplicaID {
	t.mut.Lock()
	defer t.mut.Unlock()
	s, ok := t.nodeShard[node]
	if !ok {
		return NoNode
	}
	if p, ok := t.primaries[s]; ok {
		return p
	}
	return NoNode
}

// Primaries returns the shard primaries ordered by shard id. Shards
// without members are skipped.
func (t *ShardTopology) Primaries() []config.ReplicaID {
	t.mut.Lock()
	defer t.mut.Unlock()
	out := make([]config.ReplicaID, 0, t.shardCount)
	for i := 0; i < t.shardCount; i++ {
		if p, ok := t.primaries[ShardID(i)]; ok {
			out = append(out, p)
		}
	}
	return out
}

// ShardCount returns the shard count of the current epoch.
func (t *ShardTopology) ShardCount() int {
	t.mut.Lock()
	defer t.mut.Unlock()
	return t.shardCount
}

// SameShard reports whether a and b are assigned to the same shard.
// Unassigned nodes are never in the same shard as anything.
func (t *ShardTopology) SameShard(a, b config.ReplicaID) bool {
	t.mut.Lock()
	defer t.mut.Unlock()
	sa, oka := t.nodeShard[a]
	sb, okb := t.nodeShard[b]
	return oka && okb && sa == sb
}

// Lookup returns the replica info for node, or nil.
func (t *ShardTopology) Lookup(node config.ReplicaID) *config.ReplicaInfo {
	t.mut.Lock()
	defer t.mut.Unlock()
	return t.replicas[node]
}

// Replicas returns a snapshot of every admitted replica.
func (t *ShardTopology) Replicas() []*config.ReplicaInfo {
	t.mut.Lock()
	defer t.mut.Unlock()
	out := make([]*config.ReplicaInfo, 0, len(t.replicas))
	for i := 0; i < t.shardCount; i++ {
		for _, id := range t.members[ShardID(i)] {
			out = append(out, t.replicas[id])
		}
	}
	return out
}
