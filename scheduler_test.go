package blockstm

import (
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerAssignsLowestIndexFirst(t *testing.T) {
	assert := assert.New(t)

	s := NewScheduler(NewDefaultTxnProvider(3))

	for i := 0; i < 3; i++ {
		task := s.NextTask()
		assert.NotNil(task)
		assert.Equal(TaskKindE, task.Kind)
		assert.Equal(Version{Index: TxnIndex(i), Incarnation: 0}, task.Version)
	}
	// all indices handed out
	assert.Nil(s.NextTask())
}

func TestSchedulerValidationAfterExecution(t *testing.T) {
	assert := assert.New(t)

	s := NewScheduler(NewDefaultTxnProvider(2))

	task := s.NextTask()
	assert.Equal(TaskKindE, task.Kind)
	assert.Nil(s.FinishExecution(task.Version, true))

	// validation cursor is behind the execution cursor now
	task = s.NextTask()
	assert.Equal(TaskKindV, task.Kind)
	assert.Equal(Version{Index: 0, Incarnation: 0}, task.Version)
}

func TestSchedulerValidationTaskFastPath(t *testing.T) {
	assert := assert.New(t)

	s := NewScheduler(NewDefaultTxnProvider(2))

	t0 := s.NextTask()
	t1 := s.NextTask()
	assert.Equal(TaskKindE, t0.Kind)
	assert.Equal(TaskKindE, t1.Kind)

	// txn 0 finishes while the validation cursor is still at 0: no task
	assert.Nil(s.FinishExecution(t0.Version, true))
	// pull the validation of txn 0 so the cursor moves past txn 1
	v0 := s.NextTask()
	assert.Equal(TaskKindV, v0.Kind)
	assert.Nil(s.FinishValidation(v0.Version, false))
	// the cursor skips txn 1 while it is still executing
	assert.Nil(s.NextTask())

	// txn 1 finishes without new locations after the cursor passed it: its
	// own validation comes back on the fast path
	v1 := s.FinishExecution(t1.Version, false)
	if assert.NotNil(v1) {
		assert.Equal(TaskKindV, v1.Kind)
		assert.Equal(t1.Version, v1.Version)
	}
}

func TestTryValidationAbortOnlyCurrentIncarnation(t *testing.T) {
	assert := assert.New(t)

	s := NewScheduler(NewDefaultTxnProvider(1))

	task := s.NextTask()
	assert.Nil(s.FinishExecution(task.Version, true))

	assert.False(s.TryValidationAbort(Version{Index: 0, Incarnation: 5}))
	assert.True(s.TryValidationAbort(Version{Index: 0, Incarnation: 0}))
	// already aborting
	assert.False(s.TryValidationAbort(Version{Index: 0, Incarnation: 0}))
}

func TestAbortedValidationReturnsReexecution(t *testing.T) {
	require := require.New(t)

	s := NewScheduler(NewDefaultTxnProvider(2))

	t0 := s.NextTask()
	t1 := s.NextTask()
	require.Nil(s.FinishExecution(t0.Version, true))
	require.Nil(s.FinishExecution(t1.Version, true))

	v0 := s.NextTask()
	require.Equal(TaskKindV, v0.Kind)
	require.True(s.TryValidationAbort(v0.Version))
	reexec := s.FinishValidation(v0.Version, true)
	require.NotNil(reexec)
	require.Equal(TaskKindE, reexec.Kind)
	require.Equal(Version{Index: 0, Incarnation: 1}, reexec.Version)
}

func TestSchedulerCommitContiguousPrefix(t *testing.T) {
	require := require.New(t)

	s := NewScheduler(NewDefaultTxnProvider(3))
	var order []TxnIndex
	s.SetOnCommit(func(idx TxnIndex) { order = append(order, idx) })

	var execTasks []*Task
	for i := 0; i < 3; i++ {
		execTasks = append(execTasks, s.NextTask())
	}
	for _, task := range execTasks {
		s.FinishExecution(task.Version, true)
	}

	// validate out of order: 1, 2, then 0
	var valTasks []*Task
	for i := 0; i < 3; i++ {
		task := s.NextTask()
		require.Equal(TaskKindV, task.Kind)
		valTasks = append(valTasks, task)
	}
	s.FinishValidation(valTasks[1].Version, false)
	s.FinishValidation(valTasks[2].Version, false)
	require.Equal(0, s.CommittedCount())

	s.FinishValidation(valTasks[0].Version, false)
	require.Equal(3, s.CommittedCount())
	require.Equal([]TxnIndex{0, 1, 2}, order)

	// drain: scheduler must report done
	for !s.Done() {
		if task := s.NextTask(); task != nil {
			t.Fatalf("unexpected task %+v", task)
		}
	}
	require.NoError(s.Err())
}

func TestSchedulerHalt(t *testing.T) {
	assert := assert.New(t)

	s := NewScheduler(NewDefaultTxnProvider(10))
	boom := errors.New("boom")
	s.Halt(boom)
	s.Halt(errors.New("later"))

	assert.True(s.Done())
	assert.ErrorIs(s.Err(), boom)
	assert.Nil(s.NextTask())
}

func TestSchedulerEmptyBlock(t *testing.T) {
	assert := assert.New(t)

	s := NewScheduler(NewDefaultTxnProvider(0))
	assert.Nil(s.NextTask())
	assert.True(s.Done())
	assert.Equal(0, s.CommittedCount())
	assert.NoError(s.Err())
}

func TestRegisterDependencyDefersExecution(t *testing.T) {
	require := require.New(t)

	s := NewScheduler(NewDefaultTxnProvider(2))
	require.True(s.RegisterDependency(1, 0))

	t0 := s.NextTask()
	require.Equal(Version{Index: 0, Incarnation: 0}, t0.Version)
	// txn 1 is blocked, no execution task for it
	require.Nil(s.NextTask())

	s.FinishExecution(t0.Version, true)

	// txn 1 resumed with a fresh incarnation
	found := false
	for i := 0; i < 4 && !found; i++ {
		task := s.NextTask()
		if task == nil {
			continue
		}
		if task.Kind == TaskKindE {
			require.Equal(Version{Index: 1, Incarnation: 1}, task.Version)
			found = true
		} else {
			s.FinishValidation(task.Version, false)
		}
	}
	require.True(found)
}

// A dependency registered concurrently with the blocking transaction's
// completion must either resolve immediately or be resumed by the drain; the
// blocked transaction can never be stranded in Aborting with a stale blocker.
func TestConcurrentDependencyRegistrationResumes(t *testing.T) {
	require := require.New(t)

	for round := 0; round < 200; round++ {
		s := NewScheduler(NewDefaultTxnProvider(2))
		t0 := s.NextTask()
		t1 := s.NextTask()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			if !s.AddDependency(t1.Version.Index, t0.Version.Index) {
				// already resolved: the worker re-executes right away
				s.FinishExecution(t1.Version, true)
			}
		}()
		go func() {
			defer wg.Done()
			s.FinishExecution(t0.Version, true)
		}()
		wg.Wait()

		for i := 0; !s.Done(); i++ {
			require.Less(i, 100, "round %d: scheduler stuck", round)
			task := s.NextTask()
			for task != nil {
				switch task.Kind {
				case TaskKindE:
					task = s.FinishExecution(task.Version, true)
				case TaskKindV:
					task = s.FinishValidation(task.Version, false)
				}
			}
		}
		require.NoError(s.Err())
		require.Equal(2, s.CommittedCount(), "round %d", round)
	}
}

// A commit hook stuck on a slow consumer must not hold up the committed
// prefix: later validations still commit, and the hooks fire in index order
// once the consumer catches up.
func TestCommitHookDoesNotBlockCommitProgress(t *testing.T) {
	require := require.New(t)

	s := NewScheduler(NewDefaultTxnProvider(3))
	entered := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var order []TxnIndex
	s.SetOnCommit(func(idx TxnIndex) {
		if idx == 0 {
			close(entered)
			<-release
		}
		mu.Lock()
		order = append(order, idx)
		mu.Unlock()
	})

	var execTasks []*Task
	for i := 0; i < 3; i++ {
		execTasks = append(execTasks, s.NextTask())
	}
	for _, task := range execTasks {
		s.FinishExecution(task.Version, true)
	}
	var valTasks []*Task
	for i := 0; i < 3; i++ {
		task := s.NextTask()
		require.Equal(TaskKindV, task.Kind)
		valTasks = append(valTasks, task)
	}

	done0 := make(chan struct{})
	go func() {
		s.FinishValidation(valTasks[0].Version, false)
		close(done0)
	}()
	<-entered

	// the hook for txn 0 is stuck; txns 1 and 2 must still commit
	s.FinishValidation(valTasks[1].Version, false)
	s.FinishValidation(valTasks[2].Version, false)
	require.Equal(3, s.CommittedCount())

	close(release)
	<-done0
	mu.Lock()
	defer mu.Unlock()
	require.Equal([]TxnIndex{0, 1, 2}, order)
}

func TestAddDependencyResolvedAlready(t *testing.T) {
	assert := assert.New(t)

	s := NewScheduler(NewDefaultTxnProvider(2))
	t0 := s.NextTask()
	t1 := s.NextTask()
	assert.Equal(Version{Index: 1, Incarnation: 0}, t1.Version)
	s.FinishExecution(t0.Version, true)

	// txn 0 already executed: dependency resolves immediately
	assert.False(s.AddDependency(1, 0))
}
