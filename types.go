package blockstm

import (
	"context"
	"math"
	"time"
)

// TxnIndex is a transaction's position in the totally ordered block. With
// sharding enabled the index is global across all shards; each shard owns a
// subset of the indices.
type TxnIndex int

// Incarnation is the ordinal of an execution attempt for one transaction
// index. It increases every time the transaction is re-executed.
type Incarnation int

// EndTxnIndex marks the end of the local transaction list.
const EndTxnIndex TxnIndex = math.MaxInt32

// Version identifies one execution attempt of one transaction. Every write
// recorded in the multi-version memory is tagged with the version that
// produced it.
type Version struct {
	Index       TxnIndex
	Incarnation Incarnation
}

type ReadSet[L comparable] []ReadDescriptor[L]

// ReadDescriptor records the version observed for a location. A nil version
// means the read fell through to base storage (location not written by any
// lower transaction).
type ReadDescriptor[L comparable] struct {
	Location L
	V        *Version
}

type WriteDescriptor[L comparable] struct {
	Location L
	Val      interface{}
}

type WriteSet[L comparable] []WriteDescriptor[L]

func (ws WriteSet[L]) Locations() []L {
	locations := make([]L, 0, len(ws))
	for _, w := range ws {
		locations = append(locations, w.Location)
	}
	return locations
}

// Get returns the value written for location, if any.
func (ws WriteSet[L]) Get(location L) (interface{}, bool) {
	for _, w := range ws {
		if w.Location == location {
			return w.Val, true
		}
	}
	return nil, false
}

type Executor[L comparable] interface {
	// Run executes the block and blocks until it fully commits, halts with
	// an error, or ctx is cancelled.
	Run(ctx context.Context) error
	// Snapshot returns the final value of every written location. Only
	// meaningful after Run returned nil.
	Snapshot() []LocationValue[L]
	// WriteSet returns the committed write set of a local transaction.
	WriteSet(txnIndex TxnIndex) WriteSet[L]
}

type LocationValue[L comparable] struct {
	Location L
	Value    interface{}
}

type MVMemory[L comparable] interface {
	// Read returns the highest version of location written by a transaction
	// strictly below txnIndex.
	Read(location L, txnIndex TxnIndex) ReadResult
	// Apply installs a write set produced by version, removing entries for
	// locations the previous incarnation wrote but this one did not.
	// Reports whether a location was written that the previous incarnation
	// did not write.
	Apply(version Version, ws WriteSet[L], prevLocations []L) (wroteNewLocation bool)
	// ConvertWritesToEstimates flags an aborted incarnation's writes so that
	// readers block on them instead of observing stale values.
	ConvertWritesToEstimates(txnIndex TxnIndex, locations []L)
	// MarkEstimate installs an estimate placeholder for a write that has
	// been announced but not yet delivered (a declared remote dependency).
	MarkEstimate(location L, txnIndex TxnIndex)
	// WriteRemote installs a committed write received from another shard.
	// Remote writes are immutable once installed.
	WriteRemote(location L, txnIndex TxnIndex, value interface{})
	Snapshot() []LocationValue[L]
}

type ReadResult struct {
	Status  ReadStatus
	Version Version
	Value   interface{}
	// blocking transaction index
	BlockingIndex TxnIndex
}

type ReadStatus int

const (
	ReadStatusOK ReadStatus = iota
	ReadStatusNotFound
	// ReadStatusBlocking means the highest version below the reader belongs
	// to an incarnation that has not (re-)executed yet; the reader must wait
	// for BlockingIndex.
	ReadStatusBlocking
)

// VM is the external execution capability: it computes one transaction's
// effects against a read view over the multi-version memory.
type VM[L comparable] interface {
	Execute(txnIndex TxnIndex) VMResult[L]
}

type VMResult[L comparable] struct {
	ReadSet  ReadSet[L]
	WriteSet WriteSet[L]
	Status   VMStatus
	// blocking transaction index, set when Status is VMStatusReadError
	BlockingIndex TxnIndex
	// Err is set when Status is VMStatusFatal
	Err error
}

type VMStatus int

const (
	VMStatusOK VMStatus = iota
	// VMStatusReadError means a read observed an in-progress write; the
	// attempt is retried once the blocking transaction finishes.
	VMStatusReadError
	// VMStatusFatal is a non-retryable failure; it halts the whole block.
	VMStatusFatal
)

type TaskKind int

const (
	TaskKindE TaskKind = iota
	TaskKindV
)

type Task struct {
	Kind    TaskKind
	Version Version
}

type Scheduler interface {
	Done() bool
	// Err returns the halt error, if any.
	Err() error
	NextTask() *Task
	// AddDependency suspends index until blockingIndex finishes its current
	// incarnation. Returns false if the dependency is already resolved, in
	// which case the caller should retry execution immediately.
	AddDependency(index, blockingIndex TxnIndex) bool
	// RegisterDependency records a dependency known before execution starts.
	RegisterDependency(index, blockingIndex TxnIndex) bool
	// NotifyArrived resumes transactions blocked on a remote index whose
	// output has been delivered.
	NotifyArrived(blockingIndex TxnIndex)
	FinishExecution(version Version, wroteNewLocation bool) *Task
	FinishValidation(version Version, aborted bool) *Task
	TryValidationAbort(Version) bool
	// Halt stops the block on a non-retryable error. The first error wins.
	Halt(err error)
	// CommittedCount returns the length of the committed prefix, in local
	// transactions.
	CommittedCount() int
	// SetOnCommit registers a hook invoked in index order as the committed
	// prefix advances. Must be called before execution starts.
	SetOnCommit(func(txnIndex TxnIndex))
}

// TxnIndexProvider abstracts the mapping between global transaction indices
// and the transactions this execution unit owns. The unsharded and sharded
// implementations satisfy the same contract.
type TxnIndexProvider interface {
	// EndTxnIdx is the sentinel index terminating local iteration.
	EndTxnIdx() TxnIndex
	// NumTxns is the number of local transactions.
	NumTxns() int
	// FirstTxn is the global index of the first local transaction.
	FirstTxn() TxnIndex
	// NextTxn returns the global index of the local transaction right after
	// idx, or EndTxnIdx.
	NextTxn(idx TxnIndex) TxnIndex
	// Txns returns the global indices of all local transactions, ascending.
	Txns() []TxnIndex
	// TxnsAndDeps returns the global indices of all local transactions plus
	// their remote dependencies, ascending.
	TxnsAndDeps() []TxnIndex
	// LocalIndex maps a local transaction's global index to its position in
	// the local sub-sequence.
	LocalIndex(idx TxnIndex) int
	// IsLocal reports whether idx is owned by this execution unit.
	IsLocal(idx TxnIndex) bool
	// TxnOutputHasArrived reports whether a remote transaction's declared
	// output has been fully delivered.
	TxnOutputHasArrived(idx TxnIndex) bool
	ShardIdx() int
}

// RemoteDependency declares that a local transaction reads location Location
// from the remote transaction TxnIndex.
type RemoteDependency[L comparable] struct {
	TxnIndex TxnIndex
	Location L
}

// ShardMsg carries one committed remote write across the shard boundary.
type ShardMsg[L comparable] struct {
	TxnIndex    TxnIndex
	Location    L
	Value       interface{}
	OriginShard int
}

// ShardingPlugin relays committed outputs across shard boundaries and feeds
// remote writes into the local multi-version memory.
type ShardingPlugin[L comparable] interface {
	// RemoteDependencies enumerates the (remote index, location) pairs local
	// transactions depend on.
	RemoteDependencies() []RemoteDependency[L]
	// RunShardingMsgLoop receives remote committed writes until shutdown,
	// installing them and waking blocked local transactions. Runs on its own
	// goroutine, concurrently with execution workers.
	RunShardingMsgLoop(mvm MVMemory[L], scheduler Scheduler)
	// ShutdownReceiver terminates the message loop.
	ShutdownReceiver()
	// OnLocalCommit broadcasts a local transaction's finalized writes to the
	// shards that declared a dependency on them.
	OnLocalCommit(txnIndex TxnIndex, ws WriteSet[L])
}

// DefaultDependencyTimeout bounds how long a shard waits for a remote write
// before failing the block.
const DefaultDependencyTimeout = 30 * time.Second
