package data

import (
	"fmt"

	"github.com/joe-zxh/shardbft/config"
)

// MsgType tags the protocol message variants.
type MsgType uint8

const (
	// TypeRequest is a client submission, before it has been sequenced.
	TypeRequest MsgType = iota + 1
	TypePropose
	TypePrepare
	TypeCommit
	TypeResponse
)

func (t MsgType) String() string {
	switch t {
	case TypeRequest:
		return "REQUEST"
	case TypePropose:
		return "PROPOSE"
	case TypePrepare:
		return "PREPARE"
	case TypeCommit:
		return "COMMIT"
	case TypeResponse:
		return "RESPONSE"
	}
	return fmt.Sprintf("MsgType(%d)", uint8(t))
}

// Message is the wire-level protocol message exchanged between replicas.
// Token is the attached authentication blob and is opaque to the core.
type Message struct {
	Type    MsgType
	Seq     uint64
	View    uint64
	Sender  config.ReplicaID
	Primary config.ReplicaID // coordinator that sequenced this transaction
	Proxy   config.ReplicaID // client the final response goes back to

	Data  []byte
	Hash  Digest // digest of Data, assigned once at submission
	Token []byte
	QC    []byte // commit certificate signature, only when QC mode is on

	IsRecovery bool
	Ret        int32
}

// Derive returns a copy of m retagged as t with sender set to id. The
// payload and identity fields carry over so a vote derived from a
// proposal still names the same transaction.
func (m *Message) Derive(t MsgType, id config.ReplicaID) *Message {
	d := *m
	d.Type = t
	d.Sender = id
	d.Token = nil
	d.QC = nil
	return &d
}

func (m *Message) String() string {
	return fmt.Sprintf("%s{view: %d, seq: %d, sender: %d}", m.Type, m.View, m.Seq, m.Sender)
}
