package blockstm

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	log "github.com/inconshreveable/log15"
	"github.com/zhiqiangxu/util"
)

type executor[L comparable] struct {
	concurrency int
	vm          VM[L]
	provider    TxnIndexProvider
	plugin      ShardingPlugin[L]
	scheduler   Scheduler
	mvmemory    MVMemory[L]
	lastIO      *TxnLastInputOutput[L]
	logger      log.Logger
	predeclared [][]TxnIndex
	commitHooks []func(txnIndex TxnIndex, ws WriteSet[L])
}

var _ Executor[int] = (*executor[int])(nil)

type Option[L comparable] func(*executor[L])

// WithLogger sets the logger; the default discards everything.
func WithLogger[L comparable](logger log.Logger) Option[L] {
	return func(e *executor[L]) {
		e.logger = logger
	}
}

// WithSharding enables distributed execution: the provider describes which
// global indices are local, and the plugin relays writes across shards.
func WithSharding[L comparable](provider *ShardedTxnProvider, plugin ShardingPlugin[L]) Option[L] {
	return func(e *executor[L]) {
		e.provider = provider
		e.plugin = plugin
	}
}

// WithCommitHook registers a hook invoked in index order as transactions
// commit, with the final write set.
func WithCommitHook[L comparable](hook func(txnIndex TxnIndex, ws WriteSet[L])) Option[L] {
	return func(e *executor[L]) {
		e.commitHooks = append(e.commitHooks, hook)
	}
}

// WithMVMemory injects the multi-version memory the VM reads through, so the
// caller can share it with its VM implementation.
func WithMVMemory[L comparable](mvm MVMemory[L]) Option[L] {
	return func(e *executor[L]) {
		e.mvmemory = mvm
	}
}

// WithDependencies pre-registers known dependencies so dependent transactions
// are not speculatively executed before their prerequisites.
func WithDependencies[L comparable](allDeps [][]TxnIndex) Option[L] {
	return func(e *executor[L]) {
		e.predeclared = allDeps
	}
}

// NewExecutor builds an executor for a block of numTxns transactions run by
// concurrency workers. numTxns is ignored when WithSharding supplies a
// provider.
func NewExecutor[L comparable](concurrency int, vm VM[L], numTxns int, opts ...Option[L]) Executor[L] {
	e := &executor[L]{
		concurrency: concurrency,
		vm:          vm,
		provider:    NewDefaultTxnProvider(numTxns),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = log.New("module", "blockstm")
		e.logger.SetHandler(log.DiscardHandler())
	}

	e.scheduler = NewScheduler(e.provider)
	if e.mvmemory == nil {
		e.mvmemory = NewMVMemory[L]()
	}
	e.lastIO = NewTxnLastInputOutput[L](e.provider)

	for index, deps := range e.predeclared {
		for _, depIndex := range deps {
			e.scheduler.RegisterDependency(TxnIndex(index), depIndex)
		}
	}

	for _, hook := range e.commitHooks {
		e.lastIO.RegisterCommitHook(hook)
	}
	if e.plugin != nil {
		e.lastIO.RegisterCommitHook(e.plugin.OnLocalCommit)
	}
	e.scheduler.SetOnCommit(e.lastIO.NotifyCommit)

	return e
}

// NewExecutorWithDeps is a convenience wrapper keeping the dependency-aware
// construction as a single call.
func NewExecutorWithDeps[L comparable](concurrency int, vm VM[L], numTxns int, allDeps [][]TxnIndex, opts ...Option[L]) Executor[L] {
	return NewExecutor[L](concurrency, vm, numTxns, append(opts, WithDependencies[L](allDeps))...)
}

func (e *executor[L]) Run(ctx context.Context) error {
	start := time.Now()

	if e.plugin != nil {
		for _, dep := range e.plugin.RemoteDependencies() {
			e.mvmemory.MarkEstimate(dep.Location, dep.TxnIndex)
		}
		go e.plugin.RunShardingMsgLoop(e.mvmemory, e.scheduler)
		defer e.plugin.ShutdownReceiver()
	}

	if ctx != nil {
		watchDone := make(chan struct{})
		defer close(watchDone)
		go func() {
			select {
			case <-ctx.Done():
				e.scheduler.Halt(ctx.Err())
				if e.plugin != nil {
					e.plugin.ShutdownReceiver()
				}
			case <-watchDone:
			}
		}()
	}

	var wg sync.WaitGroup
	for i := 0; i < e.concurrency; i++ {
		util.GoFunc(&wg, e.run)
	}
	wg.Wait()

	if err := e.scheduler.Err(); err != nil {
		e.logger.Error("block execution halted",
			"err", err, "committed", e.scheduler.CommittedCount())
		return err
	}
	if got, want := e.scheduler.CommittedCount(), e.provider.NumTxns(); got != want {
		return errors.AssertionFailedf("scheduler done with %d of %d txns committed", got, want)
	}
	e.logger.Debug("block executed",
		"txns", e.provider.NumTxns(), "elapsed", time.Since(start))
	return nil
}

func (e *executor[L]) Snapshot() []LocationValue[L] {
	return e.mvmemory.Snapshot()
}

func (e *executor[L]) WriteSet(txnIndex TxnIndex) WriteSet[L] {
	return e.lastIO.WriteSet(txnIndex)
}

func (e *executor[L]) run() {

	var task *Task
	for {
		if task != nil {
			switch task.Kind {
			case TaskKindE:
				task = e.tryExecute(task.Version)
			case TaskKindV:
				task = e.tryValidate(task.Version)
			default:
				panic(errors.AssertionFailedf("invalid task kind %d", task.Kind))
			}

		}
		if task == nil {
			task = e.scheduler.NextTask()
		}

		if task == nil {
			if e.scheduler.Done() {
				break
			}
			runtime.Gosched()
		}
	}
}

func (e *executor[L]) tryExecute(version Version) *Task {
	for {
		vmResult := e.vm.Execute(version.Index)
		switch vmResult.Status {
		case VMStatusReadError:
			if e.scheduler.AddDependency(version.Index, vmResult.BlockingIndex) {
				return nil
			}
			// already resolved, try again
		case VMStatusFatal:
			e.logger.Error("fatal execution error", "txn", version.Index, "err", vmResult.Err)
			e.scheduler.Halt(errors.Wrapf(
				errors.CombineErrors(ErrFatalExecution, vmResult.Err), "txn %d", version.Index))
			return nil
		default:
			prevLocations := e.lastIO.Record(version, vmResult.ReadSet, vmResult.WriteSet)
			wroteNewLocation := e.mvmemory.Apply(version, vmResult.WriteSet, prevLocations)
			return e.scheduler.FinishExecution(version, wroteNewLocation)
		}
	}
}

func (e *executor[L]) tryValidate(version Version) (task *Task) {
	readSetValid := e.validateReadSet(version.Index)
	aborted := !readSetValid && e.scheduler.TryValidationAbort(version)
	if aborted {
		e.mvmemory.ConvertWritesToEstimates(version.Index, e.lastIO.WriteLocations(version.Index))
	}
	return e.scheduler.FinishValidation(version, aborted)
}

// validateReadSet re-runs the recorded read set against the multi-version
// memory; any difference in observed versions fails validation.
func (e *executor[L]) validateReadSet(txnIndex TxnIndex) bool {
	for _, read := range e.lastIO.ReadSet(txnIndex) {
		curRead := e.mvmemory.Read(read.Location, txnIndex)

		if curRead.Status == ReadStatusBlocking {
			return false
		}
		if curRead.Status == ReadStatusNotFound && read.V != nil {
			return false
		}
		if curRead.Status == ReadStatusOK && (read.V == nil || curRead.Version != *read.V) {
			return false
		}
	}
	return true
}
