package blockstm

import (
	"sort"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// defaultTxnProvider is the unsharded provider: it owns the whole block and
// global indices coincide with local positions.
type defaultTxnProvider struct {
	numTxns int
}

var _ TxnIndexProvider = (*defaultTxnProvider)(nil)

func NewDefaultTxnProvider(numTxns int) TxnIndexProvider {
	return &defaultTxnProvider{numTxns: numTxns}
}

func (p *defaultTxnProvider) EndTxnIdx() TxnIndex { return TxnIndex(p.numTxns) }

func (p *defaultTxnProvider) NumTxns() int { return p.numTxns }

func (p *defaultTxnProvider) FirstTxn() TxnIndex {
	if p.numTxns == 0 {
		return p.EndTxnIdx()
	}
	return 0
}

func (p *defaultTxnProvider) NextTxn(idx TxnIndex) TxnIndex {
	if int(idx)+1 >= p.numTxns {
		return p.EndTxnIdx()
	}
	return idx + 1
}

func (p *defaultTxnProvider) Txns() []TxnIndex {
	txns := make([]TxnIndex, p.numTxns)
	for i := range txns {
		txns[i] = TxnIndex(i)
	}
	return txns
}

func (p *defaultTxnProvider) TxnsAndDeps() []TxnIndex { return p.Txns() }

func (p *defaultTxnProvider) LocalIndex(idx TxnIndex) int { return int(idx) }

func (p *defaultTxnProvider) IsLocal(TxnIndex) bool { return true }

func (p *defaultTxnProvider) TxnOutputHasArrived(TxnIndex) bool { return true }

func (p *defaultTxnProvider) ShardIdx() int { return 0 }

// ShardedTxnProvider owns a subset of the global transaction indices. For
// each remote dependency it tracks how many declared keys are still pending;
// a remote transaction's output "has arrived" once all of them are delivered.
type ShardedTxnProvider struct {
	shardIdx    int
	txns        []TxnIndex
	localIdx    map[TxnIndex]int
	remote      map[TxnIndex]*remoteTxnState
	txnsAndDeps []TxnIndex
	pending     atomic.Int32 // remote txns not yet fully arrived
}

type remoteTxnState struct {
	remainingKeys atomic.Int32
}

var _ TxnIndexProvider = (*ShardedTxnProvider)(nil)

// NewShardedTxnProvider builds the provider for one shard. txns are the
// global indices owned by this shard, ascending. remoteKeyCounts gives, per
// remote transaction this shard depends on, the number of declared keys that
// must arrive.
func NewShardedTxnProvider(shardIdx int, txns []TxnIndex, remoteKeyCounts map[TxnIndex]int) *ShardedTxnProvider {
	localIdx := make(map[TxnIndex]int, len(txns))
	for i, idx := range txns {
		localIdx[idx] = i
	}

	remote := make(map[TxnIndex]*remoteTxnState, len(remoteKeyCounts))
	txnsAndDeps := make([]TxnIndex, 0, len(txns)+len(remoteKeyCounts))
	txnsAndDeps = append(txnsAndDeps, txns...)
	p := &ShardedTxnProvider{
		shardIdx: shardIdx,
		txns:     txns,
		localIdx: localIdx,
	}
	for idx, keys := range remoteKeyCounts {
		state := &remoteTxnState{}
		state.remainingKeys.Store(int32(keys))
		remote[idx] = state
		txnsAndDeps = append(txnsAndDeps, idx)
	}
	sort.Slice(txnsAndDeps, func(i, j int) bool { return txnsAndDeps[i] < txnsAndDeps[j] })
	p.remote = remote
	p.txnsAndDeps = txnsAndDeps
	p.pending.Store(int32(len(remote)))
	return p
}

func (p *ShardedTxnProvider) EndTxnIdx() TxnIndex { return EndTxnIndex }

func (p *ShardedTxnProvider) NumTxns() int { return len(p.txns) }

func (p *ShardedTxnProvider) FirstTxn() TxnIndex {
	if len(p.txns) == 0 {
		return EndTxnIndex
	}
	return p.txns[0]
}

func (p *ShardedTxnProvider) NextTxn(idx TxnIndex) TxnIndex {
	pos, ok := p.localIdx[idx]
	if !ok || pos+1 >= len(p.txns) {
		return EndTxnIndex
	}
	return p.txns[pos+1]
}

func (p *ShardedTxnProvider) Txns() []TxnIndex { return p.txns }

func (p *ShardedTxnProvider) TxnsAndDeps() []TxnIndex { return p.txnsAndDeps }

func (p *ShardedTxnProvider) LocalIndex(idx TxnIndex) int {
	pos, ok := p.localIdx[idx]
	if !ok {
		panic(errors.AssertionFailedf("txn %d is not local to shard %d", idx, p.shardIdx))
	}
	return pos
}

func (p *ShardedTxnProvider) IsLocal(idx TxnIndex) bool {
	_, ok := p.localIdx[idx]
	return ok
}

func (p *ShardedTxnProvider) TxnOutputHasArrived(idx TxnIndex) bool {
	state, ok := p.remote[idx]
	if !ok {
		return false
	}
	return state.remainingKeys.Load() <= 0
}

// MarkArrived records delivery of one declared key of a remote transaction's
// output. It returns true once the whole output has arrived.
func (p *ShardedTxnProvider) MarkArrived(idx TxnIndex) bool {
	state, ok := p.remote[idx]
	if !ok {
		return false
	}
	if state.remainingKeys.Add(-1) == 0 {
		p.pending.Add(-1)
		return true
	}
	return false
}

// AllArrived reports whether every declared remote output has been delivered.
func (p *ShardedTxnProvider) AllArrived() bool {
	return p.pending.Load() <= 0
}

func (p *ShardedTxnProvider) ShardIdx() int { return p.shardIdx }
