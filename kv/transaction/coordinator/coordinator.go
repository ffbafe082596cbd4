package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap-incubator/tinytxn/kv/config"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/mvcc"
	"github.com/pingcap-incubator/tinytxn/kv/util/worker"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Partition is a participant of two-phase commit that owns part of the
// keyspace. Every method may be called concurrently. Commit and Rollback of
// an unknown transaction must succeed without effect.
type Partition interface {
	Get(ctx context.Context, key []byte, ts uint64) ([]byte, bool, error)
	Prepare(ctx context.Context, txnID uint64, muts []mvcc.Mutation) (bool, error)
	Commit(ctx context.Context, txnID uint64) error
	Rollback(ctx context.Context, txnID uint64) error
	GC(ctx context.Context, watermark uint64) (int, error)
}

// Router maps keys to partition ids.
type Router interface {
	Route(key []byte) uint64
	Group(muts []mvcc.Mutation) map[uint64][]mvcc.Mutation
}

// TSO allocates transaction timestamps.
type TSO interface {
	Next() uint64
	Current() uint64
}

// Coordinator owns the lifecycle of every transaction: it buffers writes,
// serves snapshot reads and runs two-phase commit over the partitions a
// transaction wrote to. A timeout watchdog and a version garbage collector
// run in the background between Start and Stop.
type Coordinator struct {
	cfg        config.TxnConfig
	gcCfg      config.GCConfig
	tso        TSO
	router     Router
	partitions []Partition

	// Begin allocates a timestamp and registers it under the write lock; the
	// watermark is computed under the read lock.
	mu   sync.RWMutex
	txns map[uint64]*txn

	txnTimeout    atomic.Int64
	lastWatermark atomic.Uint64

	now   func() time.Time
	sleep func(time.Duration)

	wg       sync.WaitGroup
	watchdog *worker.Worker
	gc       *worker.Worker
}

// NewCoordinator creates a coordinator over partitions, where partitions[i]
// serves the keys the router maps to i.
func NewCoordinator(cfg *config.Config, tso TSO, router Router, partitions []Partition) *Coordinator {
	c := &Coordinator{
		cfg:        cfg.Txn,
		gcCfg:      cfg.GC,
		tso:        tso,
		router:     router,
		partitions: partitions,
		txns:       make(map[uint64]*txn),
		now:        time.Now,
		sleep:      time.Sleep,
	}
	c.txnTimeout.Store(int64(cfg.Txn.Timeout.Duration))
	c.watchdog = worker.NewTickWorker("txn-watchdog", cfg.Txn.WatchdogInterval.Duration, &c.wg)
	c.gc = worker.NewTickWorker("gc-worker", cfg.GC.Interval.Duration, &c.wg)
	return c
}

// Start runs the timeout watchdog and, unless disabled, the garbage collector.
func (c *Coordinator) Start() {
	c.watchdog.Start(&watchdogHandler{c: c})
	if !c.gcCfg.Disable {
		c.gc.Start(&gcHandler{c: c})
	}
}

// Stop stops the background workers and waits for them to exit.
func (c *Coordinator) Stop() {
	c.watchdog.Stop()
	c.gc.Stop()
	c.wg.Wait()
}

// SetTxnTimeout changes the age after which active transactions are aborted.
// It applies to transactions already running. A non-positive timeout is
// rejected and the current one is kept.
func (c *Coordinator) SetTxnTimeout(d time.Duration) error {
	if d <= 0 {
		return errors.Annotatef(ErrInvalidTimeout, "%s", d)
	}
	c.txnTimeout.Store(int64(d))
	log.Info("txn timeout changed", zap.Duration("timeout", d))
	return nil
}

// TxnTimeout returns the age after which active transactions are aborted.
func (c *Coordinator) TxnTimeout() time.Duration {
	return time.Duration(c.txnTimeout.Load())
}

// Begin starts a transaction and returns its id, which is also its snapshot
// timestamp.
func (c *Coordinator) Begin() uint64 {
	c.mu.Lock()
	id := c.tso.Next()
	c.txns[id] = newTxn(id, c.now())
	c.mu.Unlock()

	txnCounter.WithLabelValues("begin").Inc()
	txnGauge.WithLabelValues("active").Inc()
	return id
}

// Get reads key as of the transaction's snapshot. Keys the transaction wrote
// itself are answered from its buffer.
func (c *Coordinator) Get(ctx context.Context, txnID uint64, key []byte) ([]byte, bool, error) {
	t, err := c.acquire(ctx, txnID)
	if err != nil {
		return nil, false, err
	}
	if m, ok := t.writes[string(key)]; ok {
		t.mu.Unlock()
		if m.Kind == mvcc.WriteKindDelete {
			return nil, false, nil
		}
		return append([]byte{}, m.Value...), true, nil
	}
	t.mu.Unlock()

	val, ok, err := c.partitions[c.router.Route(key)].Get(ctx, key, txnID)
	if err != nil {
		return nil, false, errors.Annotatef(err, "txn %d read", txnID)
	}
	return val, ok, nil
}

// Put buffers a write of key. Nothing reaches a partition before Commit.
func (c *Coordinator) Put(ctx context.Context, txnID uint64, key, value []byte) error {
	return c.write(ctx, txnID, mvcc.Put(append([]byte{}, key...), append([]byte{}, value...)))
}

// Delete buffers a delete of key.
func (c *Coordinator) Delete(ctx context.Context, txnID uint64, key []byte) error {
	return c.write(ctx, txnID, mvcc.Delete(append([]byte{}, key...)))
}

func (c *Coordinator) write(ctx context.Context, txnID uint64, m mvcc.Mutation) error {
	t, err := c.acquire(ctx, txnID)
	if err != nil {
		return err
	}
	t.writes[string(m.Key)] = m
	t.partitions[c.router.Route(m.Key)] = struct{}{}
	t.mu.Unlock()
	return nil
}

// Commit runs two-phase commit and reports whether the transaction committed.
// A failed or timed out prepare aborts it and returns false without error.
// When every partition prepared but some could not apply the commit, the
// result is true with an error whose cause is ErrCommitIncomplete. Repeated
// calls return the first outcome without contacting any partition.
func (c *Coordinator) Commit(ctx context.Context, txnID uint64) (bool, error) {
	t, err := c.lookup(txnID)
	if err != nil {
		return false, err
	}

	t.mu.Lock()
	switch t.state {
	case StateCommitted, StateAborted:
		committed, err := t.committed, t.err
		t.mu.Unlock()
		return committed, err
	case StatePrepared:
		t.mu.Unlock()
		return c.waitOutcome(ctx, t)
	}
	if t.expired(c.now(), c.TxnTimeout()) {
		touched := c.abortLocked(t, "timeout")
		t.mu.Unlock()
		c.cleanup(txnID, touched)
		return false, nil
	}
	t.state = StatePrepared
	groups := c.router.Group(t.mutations())
	t.mu.Unlock()
	txnGauge.WithLabelValues("active").Dec()
	txnGauge.WithLabelValues("prepared").Inc()

	committer := newTwoPhaseCommitter(c, txnID, groups)
	committed, err := committer.execute(ctx)

	t.mu.Lock()
	c.finishLocked(t, committed, err, "")
	t.mu.Unlock()
	txnGauge.WithLabelValues("prepared").Dec()
	return committed, err
}

// Rollback aborts an active transaction. It does nothing for a transaction
// that already finished, and waits for the outcome of one that is committing.
func (c *Coordinator) Rollback(ctx context.Context, txnID uint64) error {
	t, err := c.lookup(txnID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	switch t.state {
	case StateCommitted, StateAborted:
		t.mu.Unlock()
		return nil
	case StatePrepared:
		t.mu.Unlock()
		_, err := c.waitOutcome(ctx, t)
		if errors.Cause(err) == ErrCommitIncomplete {
			return nil
		}
		return err
	}
	touched := c.abortLocked(t, "rollback")
	t.mu.Unlock()
	c.cleanup(txnID, touched)
	return nil
}

// State returns the current state of a transaction.
func (c *Coordinator) State(txnID uint64) (State, error) {
	t, err := c.lookup(txnID)
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, nil
}

// Stats is a summary of the transaction table.
type Stats struct {
	Active        int    `json:"active"`
	Prepared      int    `json:"prepared"`
	Committed     int    `json:"committed"`
	Aborted       int    `json:"aborted"`
	LastTS        uint64 `json:"last-ts"`
	LastWatermark uint64 `json:"last-watermark"`
}

func (c *Coordinator) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Stats{
		LastTS:        c.tso.Current(),
		LastWatermark: c.lastWatermark.Load(),
	}
	for _, t := range c.txns {
		t.mu.Lock()
		switch t.state {
		case StateActive:
			s.Active++
		case StatePrepared:
			s.Prepared++
		case StateCommitted:
			s.Committed++
		case StateAborted:
			s.Aborted++
		}
		t.mu.Unlock()
	}
	return s
}

func (c *Coordinator) lookup(txnID uint64) (*txn, error) {
	c.mu.RLock()
	t, ok := c.txns[txnID]
	c.mu.RUnlock()
	if !ok {
		return nil, errors.Annotatef(ErrTxnNotFound, "txn %d", txnID)
	}
	return t, nil
}

// acquire returns the transaction locked if it is active. A transaction past
// its timeout is aborted here if the watchdog has not done it yet.
func (c *Coordinator) acquire(ctx context.Context, txnID uint64) (*txn, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	t, err := c.lookup(txnID)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	if t.state != StateActive {
		state := t.state
		t.mu.Unlock()
		return nil, errors.Annotatef(ErrTxnNotActive, "txn %d is %s", txnID, state)
	}
	if t.expired(c.now(), c.TxnTimeout()) {
		touched := c.abortLocked(t, "timeout")
		t.mu.Unlock()
		c.cleanup(txnID, touched)
		return nil, errors.Annotatef(ErrTxnNotActive, "txn %d timed out", txnID)
	}
	return t, nil
}

func (c *Coordinator) waitOutcome(ctx context.Context, t *txn) (bool, error) {
	select {
	case <-t.done:
	case <-ctx.Done():
		return false, errors.Trace(ctx.Err())
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committed, t.err
}

// abortLocked aborts an active transaction and returns the partitions to
// clean up. t.mu must be held.
func (c *Coordinator) abortLocked(t *txn, reason string) []uint64 {
	touched := t.touched()
	c.finishLocked(t, false, nil, reason)
	txnGauge.WithLabelValues("active").Dec()
	if reason == "timeout" {
		log.Warn("txn timed out, abort it",
			zap.Uint64("txn", t.id),
			zap.Duration("age", t.finishTime.Sub(t.startTime)),
			zap.Uint64s("partitions", touched))
	}
	return touched
}

// finishLocked moves t to a terminal state. t.mu must be held.
func (c *Coordinator) finishLocked(t *txn, committed bool, err error, reason string) {
	t.committed = committed
	t.err = err
	t.finishTime = c.now()
	t.writes = nil
	if committed {
		t.state = StateCommitted
		if reason == "" {
			reason = "commit"
		}
	} else {
		t.state = StateAborted
		if reason == "" {
			reason = "abort"
		}
	}
	t.reason = reason
	close(t.done)

	txnCounter.WithLabelValues(reason).Inc()
	if errors.Cause(err) == ErrCommitIncomplete {
		txnCounter.WithLabelValues("commit_incomplete").Inc()
	}
	txnDuration.WithLabelValues(reason).Observe(t.finishTime.Sub(t.startTime).Seconds())
}

// cleanup rolls back txnID on the given partitions. Failures are logged.
func (c *Coordinator) cleanup(txnID uint64, partitions []uint64) {
	if len(partitions) == 0 {
		return
	}
	committer := newTwoPhaseCommitter(c, txnID, nil)
	committer.rollback(partitions)
}
