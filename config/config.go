package config

import (
	"crypto/ecdsa"
	"time"
)

// ReplicaID is the id of a replica
type ReplicaID uint32

// ReplicaInfo holds information about a replica
type ReplicaInfo struct {
	ID      ReplicaID
	Address string
	Port    int
	PubKey  *ecdsa.PublicKey
}

// ReplicaConfig holds this replica's configuration
type ReplicaConfig struct {
	ID         ReplicaID
	PrivateKey *ecdsa.PrivateKey
	Replicas   map[ReplicaID]*ReplicaInfo

	ShardCount int

	// Delivery layer tuning.
	BatchSize    int
	BatchTimeout time.Duration
	UseLongConns bool

	// Whether a shard coordinator counts its own vote towards its
	// shard's local quorum.
	CountSelfLocally bool

	// Attach a signed commit certificate on prepare quorum.
	NeedCommitQC bool

	// Upper bound on sequences admitted but not yet executed. Sequence
	// assignment fails closed once the window is full.
	InFlightWindow uint64
}

// QuorumSize returns the 2f+1 vote threshold for a replica set of n,
// floored at a strict majority so that small sets (n < 4) still need
// more than one matching vote.
func QuorumSize(n int) int {
	if n <= 0 {
		return 1
	}
	q := 2*((n-1)/3) + 1
	if maj := n/2 + 1; q < maj {
		q = maj
	}
	return q
}

// NewConfig returns a new configuration with sensible defaults.
func NewConfig(id ReplicaID, privateKey *ecdsa.PrivateKey) *ReplicaConfig {
	return &ReplicaConfig{
		ID:               id,
		PrivateKey:       privateKey,
		Replicas:         make(map[ReplicaID]*ReplicaInfo),
		BatchSize:        100,
		BatchTimeout:     10 * time.Millisecond,
		UseLongConns:     true,
		CountSelfLocally: true,
		InFlightWindow:   1 << 20,
	}
}
