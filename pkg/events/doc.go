/*
Package events provides a buffered in-process event broker.

The memory manager publishes block-write notifications through it and the
registry publishes app lifecycle events; connections that issued a memory
subscribe receive the corresponding memory_event frames. Slow subscribers
never block the publisher: a full subscriber buffer drops the event for
that subscriber only.
*/
package events
