/*
Package storage provides BoltDB-backed metadata persistence for LatZero.

The storage package implements the Store interface over bbolt, holding
application registrations, pools, memory block metadata and server config
in separate buckets as JSON rows. A second implementation, MemStore, keeps
the same contract entirely in memory for memory_mode.

# Bucket Structure

	apps           AppID      → AppRegistration
	pools          pool name  → Pool
	memory_blocks  block id   → BlockMeta
	server_config  key        → value

# Transactions

Store.Transaction runs a closure against a transactional view of the
store: in the bolt implementation every operation shares one bolt.Tx and
an error from the closure rolls the whole batch back; MemStore stages
mutations on a copy and swaps it in on success.

# Durability Split

The durable store persists across restarts. In-flight trigger records are
ephemeral and live in a TriggerTable, a mirror the router
updates for debugging; it is never replayed at startup.

# Backups

Backup writes a time-stamped snapshot of the database file using bolt's
consistent-read copy and prunes the oldest snapshots past max_backups.

# Failure Semantics

Lookup misses wrap ErrNotFound; anything else is an I/O error and
retryable. Callers must not update their in-memory mirrors when a
mutation returns an error.
*/
package storage
