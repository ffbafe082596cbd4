package coordinator

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pingcap-incubator/tinytxn/kv/transaction/mvcc"
)

// State is the lifecycle state of a transaction.
type State int

const (
	StateActive State = iota
	// StatePrepared is held while a commit is running two-phase commit.
	StatePrepared
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StatePrepared:
		return "prepared"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// IsTerminal reports whether no transition leaves s.
func (s State) IsTerminal() bool {
	return s == StateCommitted || s == StateAborted
}

// txn is the coordinator's record of one transaction. The id is also the
// snapshot timestamp and the commit timestamp.
type txn struct {
	mu sync.Mutex

	id         uint64
	state      State
	writes     map[string]mvcc.Mutation
	partitions map[uint64]struct{}
	startTime  time.Time
	finishTime time.Time

	// Outcome, valid once terminal.
	committed bool
	err       error
	reason    string
	// closed when the transaction becomes terminal.
	done chan struct{}
}

func newTxn(id uint64, now time.Time) *txn {
	return &txn{
		id:         id,
		state:      StateActive,
		writes:     make(map[string]mvcc.Mutation),
		partitions: make(map[uint64]struct{}),
		startTime:  now,
		done:       make(chan struct{}),
	}
}

// mutations returns the buffered writes ordered by key.
func (t *txn) mutations() []mvcc.Mutation {
	keys := make([]string, 0, len(t.writes))
	for k := range t.writes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	muts := make([]mvcc.Mutation, 0, len(keys))
	for _, k := range keys {
		muts = append(muts, t.writes[k])
	}
	return muts
}

// touched returns the ids of the partitions owning any written key, in order.
func (t *txn) touched() []uint64 {
	ids := make([]uint64, 0, len(t.partitions))
	for id := range t.partitions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (t *txn) expired(now time.Time, timeout time.Duration) bool {
	return t.state == StateActive && now.Sub(t.startTime) > timeout
}
