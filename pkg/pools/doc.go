/*
Package pools implements the pool manager: pool lifecycle, the
bidirectional app↔pool membership index and per-pool access policy.

Two sentinel pools, "default" and "system", are created at startup when
absent and can never be removed. Membership changes maintain both
directions of the index and write through to the store before mutating
the in-memory mirror, keeping I2 (bidirectional consistency) after every
operation.

Access checks apply the pool's policy map (permission → AppID list, with
"*" meaning anyone); encrypted pools also consult the security provider.
*/
package pools
