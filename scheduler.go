package blockstm

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

type scheduler struct {
	doneMarker      atomic.Bool
	haltErr         atomic.Pointer[error]
	validationIndex atomic.Int32
	executionIndex  atomic.Int32
	numActiveTasks  atomic.Int32
	numBlocked      atomic.Int32
	decreaseCount   atomic.Int32
	committedCount  atomic.Int32

	provider     TxnIndexProvider
	txns         []TxnIndex     // local position -> global index
	allTxnStatus []*txnStatus   // indexed by local position
	blockedOn    []*txnBlockers // indexed by local position of the blocked txn
	// blocked transactions keyed by the global index they wait on; covers
	// both local and remote blocking indices
	dependencies map[TxnIndex]*txnDependency

	commitMu  sync.Mutex
	commitPos int
	onCommit  func(txnIndex TxnIndex)
	// committed indices whose hook has not fired yet; guarded by commitMu
	hookQueue    []TxnIndex
	hookDraining bool

	numTxns int
}

type txnStatus struct {
	sync.RWMutex
	status      uint
	incarnation int
	// incarnation whose most recent validation succeeded, -1 if none
	validatedIncarnation int
	// validation tasks currently issued for this txn
	activeValidations int
}

type txnBlockers struct {
	sync.RWMutex
	blockers map[TxnIndex]struct{}
}

type txnDependency struct {
	sync.RWMutex
	dependencies map[TxnIndex]struct{}
}

const (
	txnStatusReadyToExecute = 0
	txnStatusExecuting      = 1
	txnStatusExecuted       = 2
	txnStatusAborting       = 3
	txnStatusCommitted      = 4
)

var _ Scheduler = (*scheduler)(nil)

func NewScheduler(provider TxnIndexProvider) Scheduler {
	numTxns := provider.NumTxns()
	allTxnStatus := make([]*txnStatus, numTxns)
	blockedOn := make([]*txnBlockers, numTxns)
	for i := 0; i < numTxns; i++ {
		allTxnStatus[i] = &txnStatus{validatedIncarnation: -1}
		blockedOn[i] = &txnBlockers{}
	}
	txnsAndDeps := provider.TxnsAndDeps()
	dependencies := make(map[TxnIndex]*txnDependency, len(txnsAndDeps))
	for _, idx := range txnsAndDeps {
		dependencies[idx] = &txnDependency{}
	}

	return &scheduler{
		provider:     provider,
		txns:         provider.Txns(),
		numTxns:      numTxns,
		allTxnStatus: allTxnStatus,
		blockedOn:    blockedOn,
		dependencies: dependencies,
	}
}

func (s *scheduler) Done() bool {
	return s.doneMarker.Load()
}

func (s *scheduler) Err() error {
	if p := s.haltErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *scheduler) Halt(err error) {
	if s.haltErr.CompareAndSwap(nil, &err) {
		s.doneMarker.Store(true)
	}
}

func (s *scheduler) CommittedCount() int {
	return int(s.committedCount.Load())
}

func (s *scheduler) SetOnCommit(f func(txnIndex TxnIndex)) {
	s.onCommit = f
}

func (s *scheduler) NextTask() *Task {
	if s.doneMarker.Load() {
		return nil
	}
	if s.validationIndex.Load() < s.executionIndex.Load() {
		versionToValidate := s.nextVersionToValidate()
		if versionToValidate != nil {
			return &Task{Version: *versionToValidate, Kind: TaskKindV}
		}
	} else {
		versionToExecute := s.nextVersionToExecute()
		if versionToExecute != nil {
			return &Task{Version: *versionToExecute, Kind: TaskKindE}
		}
	}
	return nil
}

func (s *scheduler) AddDependency(index, blockingIndex TxnIndex) bool {
	if !s.addDependency(index, blockingIndex) {
		return false
	}
	// execution task abandoned due to the dependency
	s.numActiveTasks.Add(-1)
	return true
}

// RegisterDependency records a dependency known before execution starts, so
// the blocked transaction is not scheduled until it resolves.
func (s *scheduler) RegisterDependency(index, blockingIndex TxnIndex) bool {
	return s.addDependency(index, blockingIndex)
}

func (s *scheduler) addDependency(index, blockingIndex TxnIndex) bool {
	txnDependency := s.dependencies[blockingIndex]
	if txnDependency == nil {
		s.Halt(errors.AssertionFailedf(
			"txn %d waits on undeclared index %d", index, blockingIndex))
		return true
	}
	txnDependency.Lock()

	if s.provider.IsLocal(blockingIndex) {
		blockingStatus := s.allTxnStatus[s.provider.LocalIndex(blockingIndex)]
		blockingStatus.Lock()
		resolved := blockingStatus.status == txnStatusExecuted || blockingStatus.status == txnStatusCommitted
		blockingStatus.Unlock()
		if resolved {
			txnDependency.Unlock()
			return false
		}
	} else if s.provider.TxnOutputHasArrived(blockingIndex) {
		txnDependency.Unlock()
		return false
	}

	pos := s.provider.LocalIndex(index)
	s.allTxnStatus[pos].Lock()
	s.allTxnStatus[pos].status = txnStatusAborting
	s.allTxnStatus[pos].Unlock()

	// the blocker entry must be in place before the dependency entry becomes
	// drainable: a drain racing past it would resume the txn and leave a
	// stale blocker behind
	txnBlockers := s.blockedOn[pos]
	txnBlockers.Lock()
	if txnBlockers.blockers == nil {
		txnBlockers.blockers = make(map[TxnIndex]struct{})
	}
	wasFree := len(txnBlockers.blockers) == 0
	txnBlockers.blockers[blockingIndex] = struct{}{}
	txnBlockers.Unlock()
	if wasFree {
		s.numBlocked.Add(1)
	}

	if txnDependency.dependencies == nil {
		txnDependency.dependencies = make(map[TxnIndex]struct{})
	}
	txnDependency.dependencies[index] = struct{}{}

	txnDependency.Unlock()

	return true
}

func (s *scheduler) FinishExecution(version Version, wroteNewLocation bool) *Task {
	pos := s.provider.LocalIndex(version.Index)
	txnStatus := s.allTxnStatus[pos]
	txnStatus.Lock()
	if txnStatus.status != txnStatusExecuting {
		txnStatus.Unlock()
		panic(errors.AssertionFailedf("txn %d finished execution with status %d", version.Index, txnStatus.status))
	}
	txnStatus.status = txnStatusExecuted
	txnStatus.Unlock()

	txnDependency := s.dependencies[version.Index]
	txnDependency.Lock()
	dependencies := txnDependency.dependencies
	txnDependency.dependencies = nil
	txnDependency.Unlock()

	s.resumeDependencies(version.Index, dependencies)

	if s.validationIndex.Load() > int32(pos) { // otherwise index already small enough
		if wroteNewLocation {
			// schedule validation for this txn and higher ones
			s.decreaseValidationIndex(pos)
		} else {
			txnStatus.Lock()
			txnStatus.activeValidations++
			txnStatus.Unlock()
			return &Task{Version: version, Kind: TaskKindV}
		}
	}

	s.numActiveTasks.Add(-1)
	return nil
}

func (s *scheduler) FinishValidation(version Version, aborted bool) *Task {
	pos := s.provider.LocalIndex(version.Index)
	txnStatus := s.allTxnStatus[pos]
	txnStatus.Lock()
	txnStatus.activeValidations--
	if !aborted && txnStatus.status == txnStatusExecuted &&
		txnStatus.incarnation == int(version.Incarnation) {
		txnStatus.validatedIncarnation = txnStatus.incarnation
	}
	txnStatus.Unlock()

	if aborted {
		s.setReadyStatus(pos)
		// schedule validation for higher transactions
		s.decreaseValidationIndex(pos + 1)

		if s.executionIndex.Load() > int32(pos) {
			newVersion := s.tryIncarnation(pos)
			if newVersion != nil {
				// return re-execution task to the caller
				return &Task{Version: *newVersion, Kind: TaskKindE}
			}
			// tryIncarnation already released the task slot
			return nil
		}
	} else {
		s.tryCommit()
	}
	// done with validation task
	s.numActiveTasks.Add(-1)
	// no task returned to the caller
	return nil
}

func (s *scheduler) TryValidationAbort(version Version) bool {
	txnStatus := s.allTxnStatus[s.provider.LocalIndex(version.Index)]
	txnStatus.Lock()
	defer txnStatus.Unlock()
	if txnStatus.incarnation == int(version.Incarnation) && txnStatus.status == txnStatusExecuted {
		txnStatus.status = txnStatusAborting
		return true
	}

	return false
}

func (s *scheduler) NotifyArrived(blockingIndex TxnIndex) {
	txnDependency := s.dependencies[blockingIndex]
	if txnDependency == nil {
		return
	}
	txnDependency.Lock()
	dependencies := txnDependency.dependencies
	txnDependency.dependencies = nil
	txnDependency.Unlock()

	s.resumeDependencies(blockingIndex, dependencies)
}

func (s *scheduler) resumeDependencies(blockingIndex TxnIndex, dependencies map[TxnIndex]struct{}) {
	if len(dependencies) == 0 {
		return
	}
	minDepPos := -1
	for depTxnIndex := range dependencies {
		pos := s.provider.LocalIndex(depTxnIndex)
		txnBlockers := s.blockedOn[pos]
		txnBlockers.Lock()
		delete(txnBlockers.blockers, blockingIndex)
		canResume := len(txnBlockers.blockers) == 0
		txnBlockers.Unlock()
		if canResume {
			s.numBlocked.Add(-1)
			s.setReadyStatus(pos)
			if minDepPos == -1 || pos < minDepPos {
				minDepPos = pos
			}
		}
	}

	if minDepPos != -1 {
		// ensure resumed positions get re-executed
		s.decreaseExecutionIndex(minDepPos)
	}
}

// tryCommit advances the committed prefix. A position commits once every
// lower position has committed, its current incarnation passed its latest
// validation, no validation of it is in flight, and the validation cursor has
// moved past it. Committed is terminal: the txn can no longer abort, so its
// writes are final and the commit hook may fire. Hooks run in index order,
// one at a time, with commitMu released so a slow hook cannot stall commit
// progress on other workers.
func (s *scheduler) tryCommit() {
	s.commitMu.Lock()
	for s.commitPos < s.numTxns {
		if s.validationIndex.Load() <= int32(s.commitPos) {
			break
		}
		txnStatus := s.allTxnStatus[s.commitPos]
		txnStatus.Lock()
		committable := txnStatus.status == txnStatusExecuted &&
			txnStatus.validatedIncarnation == txnStatus.incarnation &&
			txnStatus.activeValidations == 0
		if committable {
			txnStatus.status = txnStatusCommitted
		}
		txnStatus.Unlock()
		if !committable {
			break
		}
		committedIdx := s.txns[s.commitPos]
		s.commitPos++
		s.committedCount.Store(int32(s.commitPos))
		if s.onCommit != nil {
			s.hookQueue = append(s.hookQueue, committedIdx)
		}
	}

	// the current drainer picks up anything queued while it was firing
	if s.hookDraining || len(s.hookQueue) == 0 {
		s.commitMu.Unlock()
		return
	}
	s.hookDraining = true
	for len(s.hookQueue) > 0 {
		idx := s.hookQueue[0]
		s.hookQueue = s.hookQueue[1:]
		s.commitMu.Unlock()
		s.onCommit(idx)
		s.commitMu.Lock()
	}
	s.hookDraining = false
	s.commitMu.Unlock()
}

func (s *scheduler) setReadyStatus(pos int) {
	txnStatus := s.allTxnStatus[pos]
	txnStatus.Lock()
	txnStatus.incarnation++
	txnStatus.status = txnStatusReadyToExecute
	txnStatus.Unlock()
}

func (s *scheduler) nextVersionToValidate() *Version {
	if s.validationIndex.Load() >= int32(s.numTxns) {
		s.checkDone()
		return nil
	}

	s.numActiveTasks.Add(1)
	pos := s.validationIndex.Add(1) - 1
	if pos < int32(s.numTxns) {
		txnStatus := s.allTxnStatus[pos]
		txnStatus.Lock()
		if txnStatus.status == txnStatusExecuted {
			txnStatus.activeValidations++
			version := Version{Index: s.txns[pos], Incarnation: Incarnation(txnStatus.incarnation)}
			txnStatus.Unlock()
			return &version
		}
		txnStatus.Unlock()
	}

	s.numActiveTasks.Add(-1)
	return nil
}

func (s *scheduler) nextVersionToExecute() *Version {
	if s.executionIndex.Load() >= int32(s.numTxns) {
		s.checkDone()
		return nil
	}

	s.numActiveTasks.Add(1)
	pos := int(s.executionIndex.Add(1) - 1)

	return s.tryIncarnation(pos)
}

func (s *scheduler) tryIncarnation(pos int) *Version {
	if pos < s.numTxns {
		txnStatus := s.allTxnStatus[pos]
		txnStatus.Lock()
		if txnStatus.status == txnStatusReadyToExecute {
			txnStatus.status = txnStatusExecuting
			version := Version{Index: s.txns[pos], Incarnation: Incarnation(txnStatus.incarnation)}
			txnStatus.Unlock()
			return &version
		}
		txnStatus.Unlock()
	}

	s.numActiveTasks.Add(-1)
	return nil
}

func (s *scheduler) checkDone() {
	observedCount := s.decreaseCount.Load()
	if s.executionIndex.Load() >= int32(s.numTxns) &&
		s.validationIndex.Load() >= int32(s.numTxns) &&
		s.numActiveTasks.Load() == 0 &&
		s.numBlocked.Load() == 0 &&
		observedCount == s.decreaseCount.Load() {
		s.tryCommit()
		s.doneMarker.Store(true)
	}
}

func (s *scheduler) decreaseExecutionIndex(posInt int) {
	pos := int32(posInt)
RETRY:
	executionIndex := s.executionIndex.Load()
	if executionIndex > pos {
		if !s.executionIndex.CompareAndSwap(executionIndex, pos) {
			goto RETRY
		}
	}
	s.decreaseCount.Add(1)
}

func (s *scheduler) decreaseValidationIndex(posInt int) {
	pos := int32(posInt)
RETRY:
	validationIndex := s.validationIndex.Load()
	if validationIndex > pos {
		if !s.validationIndex.CompareAndSwap(validationIndex, pos) {
			goto RETRY
		}
	}
	s.decreaseCount.Add(1)
}
