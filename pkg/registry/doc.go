/*
Package registry implements the application registry: the live AppID →
registration map, the trigger-name → handler index and the rehydration
cache.

# Handshake State Machine

Connections are UNBOUND until a valid handshake binds them. A handshake
with triggers (or for an AppID with no cached state) is a full
registration; an empty handshake for an AppID with cached state restores
the prior pools, triggers and metadata ("rehydration"). A second
handshake on a BOUND connection replaces the registration in place. A
handshake for an AppID bound on another connection evicts the older
connection; the newer connection always wins, keeping at most one BOUND
connection per AppID.

# Rehydration

On disconnect the registration's pools, triggers and metadata move into a
TTL-bounded cache (expirable LRU) and the offline state is persisted.
Trigger-index entries and pool memberships are removed while the app is
offline and restored on rebind. Entries idle past the TTL expire from the
cache automatically; a periodic purge removes the matching durable rows.

# Concurrency

A per-AppID critical section serializes handshake, update and disconnect
for one AppID. Disconnect listeners (the router's in-flight cleanup) run
inside that section, so no record can survive referencing a stale
connection.
*/
package registry
