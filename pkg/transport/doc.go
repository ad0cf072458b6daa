/*
Package transport implements the framed TCP listener.

Each frame is a 4-byte big-endian length prefix followed by a JSON
payload. The server assigns every accepted connection a monotonically
increasing id that is never reused, runs one read goroutine per
connection, and serializes writes per connection so concurrent senders
cannot interleave frames. Malformed or schema-invalid messages get an
error frame back on the same connection; an oversized length prefix
closes it, since the byte stream cannot be resynchronized.

The server satisfies both the router's Sender and the registry's Evictor
interfaces.
*/
package transport
