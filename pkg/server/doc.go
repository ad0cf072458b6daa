/*
Package server assembles the fabric: durable storage, the shared memory
manager, pool membership, the app registry, the trigger router and the
framed TCP transport.

Construction wires the components in dependency order and shutdown
reverses it, so the listener always stops before the state it feeds.
The server itself is the transport's message handler: it dispatches each
decoded frame by kind and owns the cross-cutting pieces no single
subsystem can, such as memory event subscriptions and the periodic
maintenance loop (registry cache purge, block GC, durable backups).
*/
package server
