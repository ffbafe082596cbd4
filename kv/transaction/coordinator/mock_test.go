package coordinator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pingcap-incubator/tinytxn/kv/config"
	"github.com/pingcap-incubator/tinytxn/kv/storage/partition"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/mvcc"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/router"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/tso"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
)

// mockPartition wraps a real partition, counts the two-phase commit calls it
// receives and can be told to fail them.
type mockPartition struct {
	*partition.Partition

	mu        sync.Mutex
	prepares  map[uint64]int
	commits   map[uint64]int
	rollbacks map[uint64]int

	rejectPrepare    bool
	commitErr        error
	rollbackFailures int
	prepareBlock     chan struct{}
	commitBlock      chan struct{}
}

func newMockPartition(id uint64) *mockPartition {
	return &mockPartition{
		Partition: partition.New(id, 4, 0),
		prepares:  make(map[uint64]int),
		commits:   make(map[uint64]int),
		rollbacks: make(map[uint64]int),
	}
}

func (m *mockPartition) Prepare(ctx context.Context, txnID uint64, muts []mvcc.Mutation) (bool, error) {
	m.mu.Lock()
	m.prepares[txnID]++
	reject, block := m.rejectPrepare, m.prepareBlock
	m.mu.Unlock()
	if block != nil {
		<-block
	}
	if reject {
		return false, nil
	}
	// A prepare that outlives the caller still lands, like a slow remote one.
	return m.Partition.Prepare(context.Background(), txnID, muts)
}

func (m *mockPartition) Commit(ctx context.Context, txnID uint64) error {
	m.mu.Lock()
	m.commits[txnID]++
	err, block := m.commitErr, m.commitBlock
	m.mu.Unlock()
	if block != nil {
		<-block
	}
	if err != nil {
		return err
	}
	return m.Partition.Commit(context.Background(), txnID)
}

func (m *mockPartition) Rollback(ctx context.Context, txnID uint64) error {
	m.mu.Lock()
	m.rollbacks[txnID]++
	fail := m.rollbackFailures > 0
	if fail {
		m.rollbackFailures--
	}
	m.mu.Unlock()
	if fail {
		return errors.New("partition unreachable")
	}
	return m.Partition.Rollback(ctx, txnID)
}

func (m *mockPartition) counts(txnID uint64) (prepares, commits, rollbacks int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prepares[txnID], m.commits[txnID], m.rollbacks[txnID]
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Sleep(d time.Duration) {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
}

type testCluster struct {
	c          *Coordinator
	router     *router.Router
	partitions []*mockPartition
	clock      *fakeClock
}

func newTestCluster(n int) *testCluster {
	return newTestClusterWithConfig(n, config.NewTestConfig())
}

func newTestClusterWithConfig(n int, cfg *config.Config) *testCluster {
	r := router.New(uint64(n))
	mocks := make([]*mockPartition, n)
	parts := make([]Partition, n)
	for i := range mocks {
		mocks[i] = newMockPartition(uint64(i))
		parts[i] = mocks[i]
	}
	clock := &fakeClock{now: time.Unix(1000, 0)}
	c := NewCoordinator(cfg, tso.NewAllocator(), r, parts)
	c.now = clock.Now
	c.sleep = clock.Sleep
	return &testCluster{c: c, router: r, partitions: mocks, clock: clock}
}

// keyOn returns a key the router maps to partition id.
func (tc *testCluster) keyOn(id uint64, prefix string) []byte {
	for i := 0; ; i++ {
		key := []byte(fmt.Sprintf("%s-%d", prefix, i))
		if tc.router.Route(key) == id {
			return key
		}
	}
}

func mustPut(t *testing.T, c *Coordinator, txnID uint64, key, value []byte) {
	require.NoError(t, c.Put(context.Background(), txnID, key, value), "put %q", key)
}

// waitFor polls cond until it holds or a deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			require.FailNow(t, "condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
