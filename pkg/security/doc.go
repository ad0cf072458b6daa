/*
Package security defines the security abstraction consulted by the pool
and memory managers for encrypted pools.

The Provider interface covers pool-access checks, encrypted-pool key
provisioning, block encrypt/decrypt and key rotation. AllowAll is the
default provider and approves everything with pass-through data, which is
what the core test suite runs against. AESProvider derives a per-pool
AES-256-GCM key from a server password and encrypts block data with a
random nonce prepended to the ciphertext.
*/
package security
