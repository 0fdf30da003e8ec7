package consensus

import (
	"github.com/joe-zxh/shardbft/config"
	"github.com/joe-zxh/shardbft/data"
)

// ExecutedRecord is what the execution engine yields once a committed
// transaction has been applied.
type ExecutedRecord struct {
	Seq     uint64
	Hash    data.Digest
	Proxy   config.ReplicaID
	Primary config.ReplicaID
	View    uint64
}

// Executor is the execution collaborator. Execute accepts a committed,
// ordered transaction; NextExecuted is a non-blocking poll for applied
// records.
type Executor interface {
	Execute(rec *ExecutedRecord)
	NextExecuted() *ExecutedRecord
}

// MemoryExecutor applies transactions instantly and queues the records
// for the drain worker. Used by tests and the demo server; a real
// storage-backed engine satisfies the same contract.
type MemoryExecutor struct {
	queue chan *ExecutedRecord
}

func NewMemoryExecutor() *MemoryExecutor {
	return &MemoryExecutor{queue: make(chan *ExecutedRecord, 4096)}
}

func (e *MemoryExecutor) Execute(rec *ExecutedRecord) {
	select {
	case e.queue <- rec:
	default:
		// Queue full: the record is lost to the responder, the commit
		// itself already happened.
	}
}

func (e *MemoryExecutor) NextExecuted() *ExecutedRecord {
	select {
	case rec := <-e.queue:
		return rec
	default:
		return nil
	}
}
