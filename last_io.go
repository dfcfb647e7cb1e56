package blockstm

import (
	"sync/atomic"
)

// TxnLastInputOutput keeps, per local transaction, the read set and write set
// observed by its most recent execution. Validation re-checks the read set
// against the multi-version memory; commit consumes the write set.
type TxnLastInputOutput[L comparable] struct {
	provider     TxnIndexProvider
	lastReadSet  []atomic.Pointer[ReadSet[L]]
	lastWriteSet []atomic.Pointer[WriteSet[L]]
	commitHooks  []func(txnIndex TxnIndex, ws WriteSet[L])
}

func NewTxnLastInputOutput[L comparable](provider TxnIndexProvider) *TxnLastInputOutput[L] {
	numTxns := provider.NumTxns()
	return &TxnLastInputOutput[L]{
		provider:     provider,
		lastReadSet:  make([]atomic.Pointer[ReadSet[L]], numTxns),
		lastWriteSet: make([]atomic.Pointer[WriteSet[L]], numTxns),
	}
}

// Record stores the sets of the most recent attempt, overwriting any prior
// incarnation's record. It returns the locations written by the previous
// incarnation, nil if this is the first.
func (io *TxnLastInputOutput[L]) Record(version Version, rs ReadSet[L], ws WriteSet[L]) (prevLocations []L) {
	pos := io.provider.LocalIndex(version.Index)

	prev := io.lastWriteSet[pos].Swap(&ws)
	if prev != nil {
		prevLocations = make([]L, 0, len(*prev))
		for _, w := range *prev {
			prevLocations = append(prevLocations, w.Location)
		}
	}

	io.lastReadSet[pos].Store(&rs)
	return
}

func (io *TxnLastInputOutput[L]) ReadSet(txnIndex TxnIndex) ReadSet[L] {
	if p := io.lastReadSet[io.provider.LocalIndex(txnIndex)].Load(); p != nil {
		return *p
	}
	return nil
}

func (io *TxnLastInputOutput[L]) WriteSet(txnIndex TxnIndex) WriteSet[L] {
	if p := io.lastWriteSet[io.provider.LocalIndex(txnIndex)].Load(); p != nil {
		return *p
	}
	return nil
}

func (io *TxnLastInputOutput[L]) WriteLocations(txnIndex TxnIndex) []L {
	return io.WriteSet(txnIndex).Locations()
}

// RegisterCommitHook adds a hook invoked once a transaction's writes become
// final. Hooks run in commit (index) order, one transaction at a time. Must
// be called before execution starts.
func (io *TxnLastInputOutput[L]) RegisterCommitHook(hook func(txnIndex TxnIndex, ws WriteSet[L])) {
	io.commitHooks = append(io.commitHooks, hook)
}

// NotifyCommit fires the registered hooks with the committed write set.
func (io *TxnLastInputOutput[L]) NotifyCommit(txnIndex TxnIndex) {
	if len(io.commitHooks) == 0 {
		return
	}
	ws := io.WriteSet(txnIndex)
	for _, hook := range io.commitHooks {
		hook(txnIndex, ws)
	}
}
