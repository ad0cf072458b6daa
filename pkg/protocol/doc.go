/*
Package protocol implements LatZero's framed wire codec.

Every frame on the wire is a 4-byte big-endian length prefix followed by
that many bytes of JSON payload. The maximum frame size is 16 MiB;
oversized frames terminate the connection. A single Message envelope
covers all kinds (handshake, trigger, response, emit, error, memory,
admin); Validate enforces the per-kind schema and the shared identifier
character class before anything reaches higher layers.

The codec is symmetric: the same schemas serialize outbound replies. Two
legacy aliases are accepted on input and normalized at parse time:
"process" for "trigger" and "in_reply_to" for "correlation_id".

Failures surface as *Error values carrying a stable wire code; when the
offending message had an id the transport converts the error into an
error reply, otherwise it closes the connection.
*/
package protocol
