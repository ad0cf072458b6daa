/*
Package metrics provides Prometheus collectors and a component health
registry for LatZero.

Collectors cover the transport (connections, frames), the router
(dispatched, failed, timed-out triggers, in-flight gauge, response-time
EMA), the registry (bound apps) and the memory manager (blocks, writes).
The admin stats operation reads the same numbers; the health registry
feeds the status subcommand.
*/
package metrics
