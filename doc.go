package tinytxn

/*
TinyTxn is an in-memory, sharded key/value store with snapshot isolated transactions, intended for teaching and
experimentation. It is not suitable for production use.

Keys are spread over a fixed number of partitions by hash. Every partition keeps multiple versions of each key, so a
transaction reads a consistent snapshot as of the timestamp it began with. Writes are buffered by a coordinator and made
visible atomically across partitions with two-phase commit. A watchdog aborts transactions that run too long, and a
garbage collector drops versions no running transaction can see.

Building TinyTxn produces two executables: tinytxn-server, which runs the store and serves its status and metrics over
HTTP, and tinytxn-ctl, an interactive shell and benchmark that run against an embedded store.

The `tinytxn` module is organized into the following packages:

* `kv/transaction`: timestamps (`tso`), key routing (`router`), mutations (`mvcc`) and the transaction coordinator
  (`coordinator`).
* `kv/storage/partition`: the multi-version partition store.
* `kv/server`: assembles a store from its configuration and serves its status.
* `kv/config`, `kv/util`: configuration, the key codec, background workers and other helpers.
*/
