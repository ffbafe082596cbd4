package coordinator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pingcap-incubator/tinytxn/kv/config"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndToEnd(t *testing.T) {
	tc := newTestCluster(2)
	c, ctx := tc.c, context.Background()

	t1 := c.Begin()
	mustPut(t, c, t1, []byte("x"), []byte("v1"))
	committed, err := c.Commit(ctx, t1)
	require.NoError(t, err)
	require.True(t, committed)

	t2 := c.Begin()
	assert.True(t, t2 > t1)
	val, ok, err := c.Get(ctx, t2, []byte("x"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), val)
}

func TestSnapshotIsolation(t *testing.T) {
	tc := newTestCluster(2)
	c, ctx := tc.c, context.Background()

	setup := c.Begin()
	mustPut(t, c, setup, []byte("k"), []byte("old"))
	committed, err := c.Commit(ctx, setup)
	require.NoError(t, err)
	require.True(t, committed)

	t1 := c.Begin()
	t2 := c.Begin()
	mustPut(t, c, t2, []byte("k"), []byte("new"))
	committed, err = c.Commit(ctx, t2)
	require.NoError(t, err)
	require.True(t, committed)

	val, ok, err := c.Get(ctx, t1, []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("old"), val)

	t3 := c.Begin()
	val, _, err = c.Get(ctx, t3, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), val)
}

func TestReadYourOwnWrites(t *testing.T) {
	tc := newTestCluster(2)
	c, ctx := tc.c, context.Background()

	id := c.Begin()
	mustPut(t, c, id, []byte("k"), []byte("mine"))
	val, ok, err := c.Get(ctx, id, []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("mine"), val)

	// Overwrite, then delete, inside the same transaction.
	mustPut(t, c, id, []byte("k"), []byte("mine again"))
	val, _, err = c.Get(ctx, id, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("mine again"), val)
	require.NoError(t, c.Delete(ctx, id, []byte("k")))
	_, ok, err = c.Get(ctx, id, []byte("k"))
	require.NoError(t, err)
	assert.False(t, ok)

	for _, p := range tc.partitions {
		prepares, _, _ := p.counts(id)
		assert.Equal(t, 0, prepares)
		assert.Equal(t, 0, p.Stats().Prepared)
		assert.Equal(t, 0, p.Stats().Versions)
	}
}

func TestReturnedValueIsACopy(t *testing.T) {
	tc := newTestCluster(1)
	c, ctx := tc.c, context.Background()

	id := c.Begin()
	value := []byte("abc")
	mustPut(t, c, id, []byte("k"), value)
	value[0] = 'x'
	val, _, err := c.Get(ctx, id, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), val)
	val[0] = 'y'
	val, _, err = c.Get(ctx, id, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), val)
}

func TestCommitIdempotent(t *testing.T) {
	tc := newTestCluster(2)
	c, ctx := tc.c, context.Background()

	id := c.Begin()
	a, b := tc.keyOn(0, "a"), tc.keyOn(1, "b")
	mustPut(t, c, id, a, []byte("1"))
	mustPut(t, c, id, b, []byte("2"))

	for i := 0; i < 3; i++ {
		committed, err := c.Commit(ctx, id)
		require.NoError(t, err)
		assert.True(t, committed)
	}
	for _, p := range tc.partitions {
		prepares, commits, rollbacks := p.counts(id)
		assert.Equal(t, 1, prepares)
		assert.Equal(t, 1, commits)
		assert.Equal(t, 0, rollbacks)
		assert.Equal(t, 1, p.Stats().Versions)
	}
	state, err := c.State(id)
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, state)
}

func TestConcurrentCommitsAgree(t *testing.T) {
	tc := newTestCluster(2)
	c, ctx := tc.c, context.Background()

	id := c.Begin()
	mustPut(t, c, id, tc.keyOn(0, "a"), []byte("1"))
	mustPut(t, c, id, tc.keyOn(1, "b"), []byte("2"))

	var wg sync.WaitGroup
	results := make([]bool, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			committed, err := c.Commit(ctx, id)
			assert.NoError(t, err)
			results[i] = committed
		}(i)
	}
	wg.Wait()
	for _, committed := range results {
		assert.True(t, committed)
	}
	for _, p := range tc.partitions {
		prepares, commits, _ := p.counts(id)
		assert.Equal(t, 1, prepares)
		assert.Equal(t, 1, commits)
	}
}

func TestRollbackIdempotent(t *testing.T) {
	tc := newTestCluster(2)
	c, ctx := tc.c, context.Background()

	id := c.Begin()
	mustPut(t, c, id, tc.keyOn(0, "a"), []byte("1"))
	mustPut(t, c, id, tc.keyOn(1, "b"), []byte("2"))

	require.NoError(t, c.Rollback(ctx, id))
	require.NoError(t, c.Rollback(ctx, id))
	for _, p := range tc.partitions {
		prepares, commits, rollbacks := p.counts(id)
		assert.Equal(t, 0, prepares)
		assert.Equal(t, 0, commits)
		assert.Equal(t, 1, rollbacks)
	}

	// A rolled back transaction cannot be committed nor used.
	committed, err := c.Commit(ctx, id)
	require.NoError(t, err)
	assert.False(t, committed)
	err = c.Put(ctx, id, []byte("a"), []byte("x"))
	assert.Equal(t, ErrTxnNotActive, errors.Cause(err))
}

func TestRollbackAfterCommitIsNoop(t *testing.T) {
	tc := newTestCluster(1)
	c, ctx := tc.c, context.Background()

	id := c.Begin()
	mustPut(t, c, id, []byte("k"), []byte("v"))
	committed, err := c.Commit(ctx, id)
	require.NoError(t, err)
	require.True(t, committed)

	require.NoError(t, c.Rollback(ctx, id))
	_, _, rollbacks := tc.partitions[0].counts(id)
	assert.Equal(t, 0, rollbacks)
	state, err := c.State(id)
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, state)

	reader := c.Begin()
	val, ok, err := c.Get(ctx, reader, []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), val)
}

func TestAtomicityOnPrepareFailure(t *testing.T) {
	tc := newTestCluster(2)
	c, ctx := tc.c, context.Background()
	tc.partitions[1].rejectPrepare = true

	a, b := tc.keyOn(0, "A"), tc.keyOn(1, "B")
	id := c.Begin()
	mustPut(t, c, id, a, []byte("1"))
	mustPut(t, c, id, b, []byte("2"))
	committed, err := c.Commit(ctx, id)
	require.NoError(t, err)
	assert.False(t, committed)

	reader := c.Begin()
	_, ok, err := c.Get(ctx, reader, a)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = c.Get(ctx, reader, b)
	require.NoError(t, err)
	assert.False(t, ok)

	for _, p := range tc.partitions {
		_, commits, rollbacks := p.counts(id)
		assert.Equal(t, 0, commits)
		assert.Equal(t, 1, rollbacks)
		assert.Equal(t, 0, p.Stats().Prepared)
	}
	state, err := c.State(id)
	require.NoError(t, err)
	assert.Equal(t, StateAborted, state)

	// The outcome is remembered.
	committed, err = c.Commit(ctx, id)
	require.NoError(t, err)
	assert.False(t, committed)
}

func TestAtomicityOnCommit(t *testing.T) {
	tc := newTestCluster(2)
	c, ctx := tc.c, context.Background()

	a, b := tc.keyOn(0, "A"), tc.keyOn(1, "B")
	id := c.Begin()
	mustPut(t, c, id, a, []byte("1"))
	mustPut(t, c, id, b, []byte("2"))
	committed, err := c.Commit(ctx, id)
	require.NoError(t, err)
	require.True(t, committed)

	reader := c.Begin()
	val, _, err := c.Get(ctx, reader, a)
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), val)
	val, _, err = c.Get(ctx, reader, b)
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), val)
}

func TestCommitPhaseFailure(t *testing.T) {
	tc := newTestCluster(2)
	c, ctx := tc.c, context.Background()
	tc.partitions[1].commitErr = errors.New("disk on fire")

	id := c.Begin()
	mustPut(t, c, id, tc.keyOn(0, "a"), []byte("1"))
	mustPut(t, c, id, tc.keyOn(1, "b"), []byte("2"))
	committed, err := c.Commit(ctx, id)
	assert.True(t, committed)
	require.Error(t, err)
	assert.Equal(t, ErrCommitIncomplete, errors.Cause(err))

	// Repeating the commit reports the same anomaly without new calls.
	committed, err2 := c.Commit(ctx, id)
	assert.True(t, committed)
	assert.Equal(t, err, err2)
	_, commits, rollbacks := tc.partitions[1].counts(id)
	assert.Equal(t, 1, commits)
	assert.Equal(t, 0, rollbacks)
	state, err := c.State(id)
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, state)
}

func TestPrepareTimeout(t *testing.T) {
	cfg := config.NewTestConfig()
	cfg.Txn.PrepareTimeout.Duration = 50 * time.Millisecond
	tc := newTestClusterWithConfig(2, cfg)
	c, ctx := tc.c, context.Background()
	block := make(chan struct{})
	tc.partitions[1].prepareBlock = block

	id := c.Begin()
	a, b := tc.keyOn(0, "a"), tc.keyOn(1, "b")
	mustPut(t, c, id, a, []byte("1"))
	mustPut(t, c, id, b, []byte("2"))
	committed, err := c.Commit(ctx, id)
	require.NoError(t, err)
	assert.False(t, committed)
	assert.Equal(t, 0, tc.partitions[0].Stats().Prepared)

	// The slow prepare lands after the abort and is rolled back again.
	close(block)
	waitFor(t, func() bool {
		_, _, rollbacks := tc.partitions[1].counts(id)
		return rollbacks >= 2 && tc.partitions[1].Stats().Prepared == 0
	})

	reader := c.Begin()
	for _, key := range [][]byte{a, b} {
		_, ok, err := c.Get(ctx, reader, key)
		require.NoError(t, err)
		assert.False(t, ok)
	}
}

func TestCommitTimeout(t *testing.T) {
	cfg := config.NewTestConfig()
	cfg.Txn.CommitTimeout.Duration = 30 * time.Millisecond
	tc := newTestClusterWithConfig(2, cfg)
	c, ctx := tc.c, context.Background()
	block := make(chan struct{})
	tc.partitions[1].commitBlock = block

	id := c.Begin()
	a, b := tc.keyOn(0, "a"), tc.keyOn(1, "b")
	mustPut(t, c, id, a, []byte("1"))
	mustPut(t, c, id, b, []byte("2"))
	committed, err := c.Commit(ctx, id)
	assert.True(t, committed)
	require.Error(t, err)
	assert.Equal(t, ErrCommitIncomplete, errors.Cause(err))
	state, err := c.State(id)
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, state)

	reader := c.Begin()
	val, ok, err := c.Get(ctx, reader, a)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("1"), val)
	_, ok, err = c.Get(ctx, reader, b)
	require.NoError(t, err)
	assert.False(t, ok)

	// The slow partition still applies the commit once it answers, and no
	// rollback is ever sent for a committed transaction.
	close(block)
	waitFor(t, func() bool {
		return tc.partitions[1].Stats().Prepared == 0
	})
	val, ok, err = c.Get(ctx, reader, b)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("2"), val)
	_, _, rollbacks := tc.partitions[1].counts(id)
	assert.Equal(t, 0, rollbacks)
}

// Writes become visible at the writer's start timestamp, so an older
// transaction committing after a younger snapshot began shows up in it.
func TestLateCommitOfOlderTxnIsVisible(t *testing.T) {
	tc := newTestCluster(2)
	c, ctx := tc.c, context.Background()

	older := c.Begin()
	reader := c.Begin()
	key := []byte("k")
	_, ok, err := c.Get(ctx, reader, key)
	require.NoError(t, err)
	assert.False(t, ok)

	mustPut(t, c, older, key, []byte("late"))
	committed, err := c.Commit(ctx, older)
	require.NoError(t, err)
	require.True(t, committed)

	val, ok, err := c.Get(ctx, reader, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("late"), val)
}

func TestRollbackWaitsForCommit(t *testing.T) {
	tc := newTestCluster(1)
	c, ctx := tc.c, context.Background()
	block := make(chan struct{})
	tc.partitions[0].prepareBlock = block

	id := c.Begin()
	mustPut(t, c, id, []byte("k"), []byte("v"))
	done := make(chan bool)
	go func() {
		committed, err := c.Commit(ctx, id)
		assert.NoError(t, err)
		done <- committed
	}()
	waitFor(t, func() bool {
		state, err := c.State(id)
		return err == nil && state == StatePrepared
	})

	// Reads and writes are refused while committing.
	_, _, err := c.Get(ctx, id, []byte("k"))
	assert.Equal(t, ErrTxnNotActive, errors.Cause(err))

	rollbackDone := make(chan error)
	go func() { rollbackDone <- c.Rollback(ctx, id) }()
	close(block)
	assert.True(t, <-done)
	assert.NoError(t, <-rollbackDone)
	state, err := c.State(id)
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, state)
}

func TestWaitOutcomeHonorsContext(t *testing.T) {
	tc := newTestCluster(1)
	c := tc.c
	block := make(chan struct{})
	defer close(block)
	tc.partitions[0].prepareBlock = block

	id := c.Begin()
	mustPut(t, c, id, []byte("k"), []byte("v"))
	go c.Commit(context.Background(), id)
	waitFor(t, func() bool {
		state, err := c.State(id)
		return err == nil && state == StatePrepared
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Commit(ctx, id)
	assert.Equal(t, context.DeadlineExceeded, errors.Cause(err))
}

func TestCleanupRetries(t *testing.T) {
	tc := newTestCluster(1)
	c, ctx := tc.c, context.Background()
	tc.partitions[0].rollbackFailures = 2

	id := c.Begin()
	mustPut(t, c, id, []byte("k"), []byte("v"))
	require.NoError(t, c.Rollback(ctx, id))
	_, _, rollbacks := tc.partitions[0].counts(id)
	assert.Equal(t, 3, rollbacks)
	assert.Len(t, tc.clock.sleeps, 2)
	assert.Equal(t, c.cfg.CleanupBackoff.Duration, tc.clock.sleeps[0])
}

func TestCleanupFailureIsNotPropagated(t *testing.T) {
	tc := newTestCluster(1)
	c, ctx := tc.c, context.Background()
	tc.partitions[0].rollbackFailures = 100

	id := c.Begin()
	mustPut(t, c, id, []byte("k"), []byte("v"))
	require.NoError(t, c.Rollback(ctx, id))
	_, _, rollbacks := tc.partitions[0].counts(id)
	assert.Equal(t, c.cfg.CleanupRetries, rollbacks)
	state, err := c.State(id)
	require.NoError(t, err)
	assert.Equal(t, StateAborted, state)
}

func TestEmptyCommit(t *testing.T) {
	tc := newTestCluster(2)
	c, ctx := tc.c, context.Background()

	id := c.Begin()
	_, ok, err := c.Get(ctx, id, []byte("nothing"))
	require.NoError(t, err)
	assert.False(t, ok)
	committed, err := c.Commit(ctx, id)
	require.NoError(t, err)
	assert.True(t, committed)
	for _, p := range tc.partitions {
		prepares, commits, _ := p.counts(id)
		assert.Equal(t, 0, prepares)
		assert.Equal(t, 0, commits)
	}
}

func TestDeleteAcrossTransactions(t *testing.T) {
	tc := newTestCluster(2)
	c, ctx := tc.c, context.Background()

	w := c.Begin()
	mustPut(t, c, w, []byte("k"), []byte("v"))
	_, err := c.Commit(ctx, w)
	require.NoError(t, err)

	before := c.Begin()
	d := c.Begin()
	require.NoError(t, c.Delete(ctx, d, []byte("k")))
	committed, err := c.Commit(ctx, d)
	require.NoError(t, err)
	require.True(t, committed)

	val, ok, err := c.Get(ctx, before, []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), val)

	after := c.Begin()
	_, ok, err = c.Get(ctx, after, []byte("k"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUsageErrors(t *testing.T) {
	tc := newTestCluster(1)
	c, ctx := tc.c, context.Background()

	const unknown = 12345
	_, _, err := c.Get(ctx, unknown, []byte("k"))
	assert.Equal(t, ErrTxnNotFound, errors.Cause(err))
	assert.Equal(t, ErrTxnNotFound, errors.Cause(c.Put(ctx, unknown, []byte("k"), nil)))
	assert.Equal(t, ErrTxnNotFound, errors.Cause(c.Delete(ctx, unknown, []byte("k"))))
	_, err = c.Commit(ctx, unknown)
	assert.Equal(t, ErrTxnNotFound, errors.Cause(err))
	assert.Equal(t, ErrTxnNotFound, errors.Cause(c.Rollback(ctx, unknown)))
	_, err = c.State(unknown)
	assert.Equal(t, ErrTxnNotFound, errors.Cause(err))

	id := c.Begin()
	_, err = c.Commit(ctx, id)
	require.NoError(t, err)
	_, _, err = c.Get(ctx, id, []byte("k"))
	assert.Equal(t, ErrTxnNotActive, errors.Cause(err))
	assert.Equal(t, ErrTxnNotActive, errors.Cause(c.Put(ctx, id, []byte("k"), []byte("v"))))

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	other := c.Begin()
	assert.Equal(t, context.Canceled, errors.Cause(c.Put(canceled, other, []byte("k"), []byte("v"))))
}

func TestTimestampUniqueness(t *testing.T) {
	tc := newTestCluster(1)
	c := tc.c

	const (
		workers   = 10
		perWorker = 100
	)
	var (
		mu  sync.Mutex
		ids = make(map[uint64]struct{})
		wg  sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				id := c.Begin()
				mu.Lock()
				ids[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, ids, workers*perWorker)
	assert.Equal(t, workers*perWorker, c.Stats().Active)
}

func TestStats(t *testing.T) {
	tc := newTestCluster(1)
	c, ctx := tc.c, context.Background()

	committed := c.Begin()
	_, err := c.Commit(ctx, committed)
	require.NoError(t, err)
	aborted := c.Begin()
	require.NoError(t, c.Rollback(ctx, aborted))
	c.Begin()

	stats := c.Stats()
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 0, stats.Prepared)
	assert.Equal(t, 1, stats.Committed)
	assert.Equal(t, 1, stats.Aborted)
	assert.Equal(t, uint64(3), stats.LastTS)
}

func TestConcurrentTransfers(t *testing.T) {
	tc := newTestCluster(4)
	c, ctx := tc.c, context.Background()

	const accounts = 8
	key := func(i int) []byte { return []byte(fmt.Sprintf("account-%d", i)) }
	setup := c.Begin()
	for i := 0; i < accounts; i++ {
		mustPut(t, c, setup, key(i), []byte("100"))
	}
	committed, err := c.Commit(ctx, setup)
	require.NoError(t, err)
	require.True(t, committed)

	// Worker w owns accounts 2w and 2w+1 and writes the same value to both in
	// every transaction, so a finished pair always holds equal values.
	var wg sync.WaitGroup
	for w := 0; w < accounts/2; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				id := c.Begin()
				v := []byte(fmt.Sprintf("%d", id))
				if err := c.Put(ctx, id, key(2*w), v); err != nil {
					t.Errorf("put: %v", err)
					return
				}
				if err := c.Put(ctx, id, key(2*w+1), v); err != nil {
					t.Errorf("put: %v", err)
					return
				}
				if _, err := c.Commit(ctx, id); err != nil {
					t.Errorf("commit: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	reader := c.Begin()
	for w := 0; w < accounts/2; w++ {
		first, ok, err := c.Get(ctx, reader, key(2*w))
		require.NoError(t, err)
		require.True(t, ok)
		second, ok, err := c.Get(ctx, reader, key(2*w+1))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, string(first), string(second), "accounts %d and %d", 2*w, 2*w+1)
		assert.NotEqual(t, "100", string(first))
	}
	assert.Equal(t, 0, c.Stats().Prepared)
	for _, p := range tc.partitions {
		assert.Equal(t, 0, p.Stats().Prepared)
	}
}
