package coordinator

import "github.com/pingcap/errors"

var (
	// ErrTxnNotFound is returned for an id that was never issued or whose
	// record has been evicted.
	ErrTxnNotFound = errors.New("transaction not found")
	// ErrTxnNotActive is returned when reading or writing through a
	// transaction that is committing, committed, aborted or timed out.
	ErrTxnNotActive = errors.New("transaction is not active")
	// ErrCommitIncomplete is returned together with a successful commit when
	// some partitions did not apply it after every partition had prepared.
	// Whether the writes are visible then depends on the partition.
	ErrCommitIncomplete = errors.New("transaction committed on a subset of partitions")

	// ErrInvalidTimeout is returned when setting a non-positive txn timeout.
	ErrInvalidTimeout = errors.New("txn timeout should be positive")

	errPrepareRejected = errors.New("partition rejected prepare")
)
