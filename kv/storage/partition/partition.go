package partition

import (
	"bytes"
	"context"
	"strconv"
	"sync"

	"github.com/google/btree"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/mvcc"
	"github.com/pingcap-incubator/tinytxn/kv/util/codec"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// version is one committed write of a key. Items are ordered by their
// encoded key, so all versions of a user key are adjacent and sorted from the
// newest timestamp to the oldest.
type version struct {
	encKey  []byte
	userKey []byte
	ts      uint64
	kind    mvcc.WriteKind
	value   []byte
}

func (v *version) Less(than btree.Item) bool {
	return bytes.Compare(v.encKey, than.(*version).encKey) < 0
}

func (v *version) size() uint64 {
	return uint64(len(v.userKey) + len(v.value))
}

type preparedWrites struct {
	muts []mvcc.Mutation
	size uint64
}

// Partition is an in-memory multi-version store for a disjoint part of the
// keyspace. Reads run concurrently with each other; Prepare, Commit,
// Rollback and GC are serialized.
type Partition struct {
	id    uint64
	label string
	quota uint64

	mu       sync.RWMutex
	versions *btree.BTree
	prepared map[uint64]*preparedWrites
	// bytes held by versions and prepared writes.
	size uint64
}

// Stats is a point-in-time summary of a partition.
type Stats struct {
	ID       uint64 `json:"id"`
	Versions int    `json:"versions"`
	Prepared int    `json:"prepared"`
	Bytes    uint64 `json:"bytes"`
	Quota    uint64 `json:"quota"`
}

// New creates an empty partition. A zero quota means unlimited.
func New(id uint64, degree int, quota uint64) *Partition {
	return &Partition{
		id:       id,
		label:    strconv.FormatUint(id, 10),
		quota:    quota,
		versions: btree.New(degree),
		prepared: make(map[uint64]*preparedWrites),
	}
}

func (p *Partition) ID() uint64 {
	return p.id
}

// Get returns the value of key committed with the largest timestamp not
// greater than ts. A key whose visible version is a delete is reported as
// absent.
func (p *Partition) Get(ctx context.Context, key []byte, ts uint64) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	var found *version
	p.versions.AscendGreaterOrEqual(&version{encKey: codec.EncodeKey(key, ts)}, func(i btree.Item) bool {
		found = i.(*version)
		return false
	})
	if found == nil || !bytes.Equal(found.userKey, key) || found.kind == mvcc.WriteKindDelete {
		return nil, false, nil
	}
	return append([]byte{}, found.value...), true, nil
}

// Prepare stages muts under txnID without making them visible. Preparing a
// transaction that is already prepared succeeds without doing anything. It
// votes no when the partition cannot hold the writes within its quota.
func (p *Partition) Prepare(ctx context.Context, txnID uint64, muts []mvcc.Mutation) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.prepared[txnID]; ok {
		return true, nil
	}
	pw := &preparedWrites{muts: make([]mvcc.Mutation, 0, len(muts))}
	for _, m := range muts {
		m.Key = append([]byte{}, m.Key...)
		if m.Value != nil {
			m.Value = append([]byte{}, m.Value...)
		}
		pw.muts = append(pw.muts, m)
		pw.size += uint64(m.Size())
	}
	if p.quota > 0 && p.size+pw.size > p.quota {
		partitionCounter.WithLabelValues("quota_exceeded").Inc()
		log.Warn("partition is over its memory quota, reject prepare",
			zap.Uint64("partition", p.id),
			zap.Uint64("txn", txnID),
			zap.Uint64("size", p.size),
			zap.Uint64("need", pw.size),
			zap.Uint64("quota", p.quota))
		return false, nil
	}
	p.prepared[txnID] = pw
	p.size += pw.size
	partitionCounter.WithLabelValues("prepare").Inc()
	p.updateGauges()
	return true, nil
}

// Commit makes the writes prepared under txnID visible at timestamp txnID.
// Committing an unknown or already committed transaction does nothing.
func (p *Partition) Commit(ctx context.Context, txnID uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	pw, ok := p.prepared[txnID]
	if !ok {
		return nil
	}
	delete(p.prepared, txnID)
	p.size -= pw.size
	for _, m := range pw.muts {
		v := &version{
			encKey:  codec.EncodeKey(m.Key, txnID),
			userKey: m.Key,
			ts:      txnID,
			kind:    m.Kind,
			value:   m.Value,
		}
		if old := p.versions.ReplaceOrInsert(v); old != nil {
			p.size -= old.(*version).size()
		}
		p.size += v.size()
	}
	partitionCounter.WithLabelValues("commit").Inc()
	p.updateGauges()
	return nil
}

// Rollback discards the writes prepared under txnID, if any.
func (p *Partition) Rollback(ctx context.Context, txnID uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	pw, ok := p.prepared[txnID]
	if !ok {
		return nil
	}
	delete(p.prepared, txnID)
	p.size -= pw.size
	partitionCounter.WithLabelValues("rollback").Inc()
	p.updateGauges()
	return nil
}

// GC removes the versions no snapshot at or after watermark can observe. For
// every key it keeps the newest version not greater than watermark and all
// versions above it. When that retained version is a delete with nothing
// newer, the key is dropped entirely. It returns the number of versions
// removed.
func (p *Partition) GC(ctx context.Context, watermark uint64) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var (
		garbage []*version
		curKey  []byte
		started bool
		kept    bool
		newer   bool
	)
	p.versions.Ascend(func(i btree.Item) bool {
		v := i.(*version)
		if !started || !bytes.Equal(v.userKey, curKey) {
			started, curKey, kept, newer = true, v.userKey, false, false
		}
		switch {
		case v.ts > watermark:
			newer = true
		case !kept:
			kept = true
			if v.kind == mvcc.WriteKindDelete && !newer {
				garbage = append(garbage, v)
			}
		default:
			garbage = append(garbage, v)
		}
		return true
	})
	for _, v := range garbage {
		p.versions.Delete(v)
		p.size -= v.size()
	}
	if len(garbage) > 0 {
		partitionCounter.WithLabelValues("gc_removed").Add(float64(len(garbage)))
		p.updateGauges()
	}
	log.Debug("partition gc finished",
		zap.Uint64("partition", p.id),
		zap.Uint64("watermark", watermark),
		zap.Int("removed", len(garbage)),
		zap.Int("remaining", p.versions.Len()))
	return len(garbage), nil
}

// Stats returns a summary of the partition.
func (p *Partition) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Stats{
		ID:       p.id,
		Versions: p.versions.Len(),
		Prepared: len(p.prepared),
		Bytes:    p.size,
		Quota:    p.quota,
	}
}

func (p *Partition) updateGauges() {
	partitionGauge.WithLabelValues(p.label, "versions").Set(float64(p.versions.Len()))
	partitionGauge.WithLabelValues(p.label, "prepared").Set(float64(len(p.prepared)))
	partitionGauge.WithLabelValues(p.label, "bytes").Set(float64(p.size))
}
