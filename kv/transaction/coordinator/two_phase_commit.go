package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/pingcap-incubator/tinytxn/kv/transaction/mvcc"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

type twoPhaseCommitAction interface {
	handleSinglePartition(ctx context.Context, c *twoPhaseCommitter, id uint64) error
	fmt.Stringer
}

type actionPrepare struct{}
type actionCommit struct{}
type actionRollback struct{}

var (
	_ twoPhaseCommitAction = actionPrepare{}
	_ twoPhaseCommitAction = actionCommit{}
	_ twoPhaseCommitAction = actionRollback{}
)

func (actionPrepare) String() string {
	return "prepare"
}

func (actionCommit) String() string {
	return "commit"
}

func (actionRollback) String() string {
	return "rollback"
}

// twoPhaseCommitter runs one transaction's commit protocol over the
// partitions owning its writes.
type twoPhaseCommitter struct {
	c      *Coordinator
	txnID  uint64
	groups map[uint64][]mvcc.Mutation
}

func newTwoPhaseCommitter(c *Coordinator, txnID uint64, groups map[uint64][]mvcc.Mutation) *twoPhaseCommitter {
	return &twoPhaseCommitter{
		c:      c,
		txnID:  txnID,
		groups: groups,
	}
}

func (tc *twoPhaseCommitter) partitionIDs() []uint64 {
	ids := make([]uint64, 0, len(tc.groups))
	for id := range tc.groups {
		ids = append(ids, id)
	}
	return ids
}

// execute prepares every partition and then commits or rolls back all of
// them. It returns the decision, with ErrCommitIncomplete when the decision
// was to commit but not every partition applied it.
func (tc *twoPhaseCommitter) execute(ctx context.Context) (bool, error) {
	ids := tc.partitionIDs()
	if len(ids) == 0 {
		return true, nil
	}

	prepareCtx, cancel := context.WithTimeout(ctx, tc.c.cfg.PrepareTimeout.Duration)
	failed := tc.doActionOnPartitions(prepareCtx, actionPrepare{}, ids)
	cancel()
	if len(failed) > 0 {
		for id, err := range failed {
			log.Info("txn prepare failed, roll back",
				zap.Uint64("txn", tc.txnID),
				zap.Uint64("partition", id),
				zap.Error(err))
		}
		tc.rollback(ids)
		return false, nil
	}

	// The decision is made; finish it even if the caller stops waiting.
	commitCtx, cancel := context.WithTimeout(context.Background(), tc.c.cfg.CommitTimeout.Duration)
	defer cancel()
	failed = tc.doActionOnPartitions(commitCtx, actionCommit{}, ids)
	if len(failed) > 0 {
		failedIDs := make([]uint64, 0, len(failed))
		for id, err := range failed {
			failedIDs = append(failedIDs, id)
			log.Error("txn failed to commit on a prepared partition",
				zap.Uint64("txn", tc.txnID),
				zap.Uint64("partition", id),
				zap.Error(err))
		}
		return true, errors.Annotatef(ErrCommitIncomplete, "txn %d, partitions %v", tc.txnID, failedIDs)
	}
	return true, nil
}

// rollback is best effort: every partition is retried a bounded number of
// times and failures are only logged.
func (tc *twoPhaseCommitter) rollback(ids []uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), tc.c.cfg.CommitTimeout.Duration)
	defer cancel()
	failed := tc.doActionOnPartitions(ctx, actionRollback{}, ids)
	for id, err := range failed {
		log.Warn("txn rollback failed",
			zap.Uint64("txn", tc.txnID),
			zap.Uint64("partition", id),
			zap.Error(err))
	}
}

type partitionResult struct {
	id  uint64
	err error
}

// doActionOnPartitions runs action on the partitions concurrently and returns
// the error of each partition that failed or did not answer before ctx was
// done.
func (tc *twoPhaseCommitter) doActionOnPartitions(ctx context.Context, action twoPhaseCommitAction, ids []uint64) map[uint64]error {
	start := time.Now()
	defer func() {
		twoPhaseCommitDuration.WithLabelValues(action.String()).Observe(time.Since(start).Seconds())
	}()

	ch := make(chan partitionResult, len(ids))
	for _, id := range ids {
		go func(id uint64) {
			ch <- partitionResult{id: id, err: action.handleSinglePartition(ctx, tc, id)}
		}(id)
	}

	failed := make(map[uint64]error)
	pending := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		pending[id] = struct{}{}
	}
	for len(pending) > 0 {
		select {
		case r := <-ch:
			delete(pending, r.id)
			if r.err != nil {
				failed[r.id] = r.err
			}
		case <-ctx.Done():
			for id := range pending {
				failed[id] = errors.Annotatef(ctx.Err(), "%s on partition %d", action, id)
			}
			if _, ok := action.(actionPrepare); ok {
				go tc.rollbackLatePrepares(ch, len(pending))
			}
			return failed
		}
	}
	return failed
}

func (actionPrepare) handleSinglePartition(ctx context.Context, c *twoPhaseCommitter, id uint64) error {
	ok, err := c.c.partitions[id].Prepare(ctx, c.txnID, c.groups[id])
	if err != nil {
		return errors.Trace(err)
	}
	if !ok {
		return errors.Trace(errPrepareRejected)
	}
	return nil
}

func (actionCommit) handleSinglePartition(ctx context.Context, c *twoPhaseCommitter, id uint64) error {
	return errors.Trace(c.c.partitions[id].Commit(ctx, c.txnID))
}

func (actionRollback) handleSinglePartition(ctx context.Context, c *twoPhaseCommitter, id uint64) error {
	var err error
	for attempt := 1; attempt <= c.c.cfg.CleanupRetries; attempt++ {
		if err = c.c.partitions[id].Rollback(ctx, c.txnID); err == nil {
			return nil
		}
		if attempt < c.c.cfg.CleanupRetries {
			log.Debug("txn rollback failed, retry",
				zap.Uint64("txn", c.txnID),
				zap.Uint64("partition", id),
				zap.Int("attempt", attempt),
				zap.Error(err))
			c.c.sleep(c.c.cfg.CleanupBackoff.Duration)
		}
	}
	return errors.Annotatef(err, "after %d attempts", c.c.cfg.CleanupRetries)
}

// rollbackLatePrepares waits for the n prepares still running when the
// coordinator stopped waiting and rolls back the ones that succeeded, so no
// prepared buffer is left behind.
func (tc *twoPhaseCommitter) rollbackLatePrepares(ch <-chan partitionResult, n int) {
	var ids []uint64
	for i := 0; i < n; i++ {
		r := <-ch
		if r.err == nil {
			ids = append(ids, r.id)
		}
	}
	if len(ids) > 0 {
		log.Info("roll back late prepares", zap.Uint64("txn", tc.txnID), zap.Uint64s("partitions", ids))
		tc.rollback(ids)
	}
}
