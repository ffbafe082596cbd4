package coordinator

import (
	"github.com/pingcap-incubator/tinytxn/kv/util/worker"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

type watchdogHandler struct {
	c *Coordinator
}

func (h *watchdogHandler) Handle(t worker.Task) {
	switch t.(type) {
	case worker.TaskTick:
		h.c.CheckTimeouts()
	default:
		log.Error("unsupported watchdog task", zap.Reflect("task", t))
	}
}

// CheckTimeouts runs one watchdog pass. Active transactions older than the
// txn timeout are aborted, and finished ones that have outlived the
// idempotency window are forgotten. It returns the number of transactions
// aborted.
func (c *Coordinator) CheckTimeouts() int {
	now := c.now()
	timeout := c.TxnTimeout()

	c.mu.RLock()
	txns := make([]*txn, 0, len(c.txns))
	for _, t := range c.txns {
		txns = append(txns, t)
	}
	c.mu.RUnlock()

	var (
		aborted int
		evict   []uint64
	)
	for _, t := range txns {
		t.mu.Lock()
		switch {
		case t.expired(now, timeout):
			// Commit moves a transaction out of active under the same lock,
			// so only one of them decides.
			touched := c.abortLocked(t, "timeout")
			t.mu.Unlock()
			c.cleanup(t.id, touched)
			aborted++
		case t.state.IsTerminal() && now.Sub(t.finishTime) >= c.cfg.IdempotencyWindow.Duration:
			evict = append(evict, t.id)
			t.mu.Unlock()
		default:
			t.mu.Unlock()
		}
	}

	if len(evict) > 0 {
		c.mu.Lock()
		for _, id := range evict {
			delete(c.txns, id)
		}
		c.mu.Unlock()
		txnCounter.WithLabelValues("evict").Add(float64(len(evict)))
	}
	if aborted > 0 || len(evict) > 0 {
		log.Debug("txn watchdog pass finished", zap.Int("aborted", aborted), zap.Int("evicted", len(evict)))
	}
	return aborted
}
