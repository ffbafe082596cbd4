package router

import (
	"github.com/dgryski/go-farm"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/mvcc"
)

// Router maps every key to exactly one of a fixed number of partitions by
// the farm fingerprint of the key. It holds no mutable state.
type Router struct {
	count uint64
}

// New creates a router over count partitions, numbered 0 to count-1.
func New(count uint64) *Router {
	if count == 0 {
		panic("router: partition count must be positive")
	}
	return &Router{count: count}
}

// Route returns the id of the partition owning key.
func (r *Router) Route(key []byte) uint64 {
	return farm.Fingerprint64(key) % r.count
}

// Count returns the number of partitions.
func (r *Router) Count() uint64 {
	return r.count
}

// Group splits mutations by owning partition, keeping their relative order.
func (r *Router) Group(muts []mvcc.Mutation) map[uint64][]mvcc.Mutation {
	groups := make(map[uint64][]mvcc.Mutation)
	for _, m := range muts {
		id := r.Route(m.Key)
		groups[id] = append(groups[id], m)
	}
	return groups
}
