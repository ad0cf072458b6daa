/*
Package types defines the core data structures used throughout LatZero.

This package contains the fundamental types that represent LatZero's domain
model: application registrations, pools, memory block metadata and in-flight
trigger records. These types are shared by the registry, pool manager,
memory manager, trigger router and the storage layer.

# Core Types

  - AppRegistration: an application's identity, pools, triggers and metadata
  - Pool: a named namespace with membership, policies and sentinels
  - BlockMeta: durable metadata for a named shared-memory block
  - TriggerRecord: per-request correlation state owned by the router

# Enumeration Pattern

All enums use typed string constants for safety and clarity:

	type PoolType string
	const (
	    PoolTypeLocal     PoolType = "local"
	    PoolTypeEncrypted PoolType = "encrypted"
	)

# State Machine

Trigger records follow a state machine:

	Pending → Dispatched → (Completed | TimedOut | Failed)

Terminal states remove the record from the in-flight table.

# Thread Safety

Types in this package carry no locking of their own. The owning component
(registry, pool manager, memory manager, router) synchronizes access; the
storage layer persists them as JSON rows.
*/
package types
