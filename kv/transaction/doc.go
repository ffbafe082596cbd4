package transaction

// The transaction package implements TinyTxn's transaction layer. Clients talk to a Coordinator (in `coordinator`),
// which buffers the writes of each transaction and turns Commit into two-phase commit over the partitions owning the
// written keys (see kv/storage/partition).
//
// Every transaction is identified by a timestamp from the allocator in `tso`. The same timestamp is its snapshot for
// reads and the version its writes are stored at. A snapshot sees every transaction with a smaller timestamp once that
// transaction has committed, including one that commits after the snapshot began, so two reads of a key in one
// transaction may differ. `router` maps each key to the partition that owns it and `mvcc` defines the mutations a
// transaction buffers.
//
// Transactions that stay active past their timeout are aborted by a watchdog in the coordinator. A garbage collector
// computes the oldest timestamp any unfinished transaction may still read at and asks every partition to drop the
// versions hidden below it.
//
// Writes are not checked for conflicts: when two concurrent transactions write the same key, both may commit and the one
// with the larger timestamp wins on later reads.
