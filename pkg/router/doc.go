/*
Package router dispatches triggers to handler apps and correlates the
responses back to their originators.

Every routed trigger gets an in-flight record keyed by message id. The
record is inserted, mirrored into the ephemeral trigger table and armed
with a TTL timer before the frame is written to the destination, so a
response can never race past its own bookkeeping. Responses and error
replies resolve the record through the correlation id; expiry synthesizes
a TIMEOUT error to the originator. A slow periodic sweep catches any
record whose timer failed to fire.

Destination selection supports round_robin, random, first_available and
load_balanced policies over the set of active handlers that registered
the trigger and share the request's pool. An app disconnect fails every
record anchored on it with a ROUTING_ERROR.
*/
package router
