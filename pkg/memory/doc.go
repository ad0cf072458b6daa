/*
Package memory implements the shared memory block manager.

Each block pairs durable metadata (pool, size, type, permissions,
version) with a data buffer mirrored to a backing file under the memory
directory (/dev/shm/latzero on Linux when the tmpfs is available).
The buffer is authoritative at runtime; every successful write bumps the
monotonic version, flushes the file and notifies subscribers through the
event broker. Encrypted blocks flush ciphertext produced by the security
provider.

Advisory locks are non-queued with caller-supplied timeouts; an acquired
lock auto-releases when its timer fires, and only the acquiring app can
release it early. A periodic GC removes idle, non-persistent blocks with
no attachments.
*/
package memory
