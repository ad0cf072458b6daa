package security

import (
	"fmt"
	"sync"
)

// Provider is the security abstraction consulted for encrypted pools and
// encrypted memory blocks. The cryptographic scheme behind encrypted
// pools is pluggable; the core only depends on this shape.
type Provider interface {
	// CheckPoolAccess reports whether app may perform op in pool.
	CheckPoolAccess(appID, pool, op string) bool

	// PreparePool provisions key material for an encrypted pool.
	PreparePool(pool string) error

	// EncryptBlock encrypts block data for an encrypted pool.
	EncryptBlock(pool string, plaintext []byte) ([]byte, error)

	// DecryptBlock decrypts block data for an encrypted pool.
	DecryptBlock(pool string, ciphertext []byte) ([]byte, error)

	// RotateKeys rotates the key material for a pool.
	RotateKeys(pool string) error
}

// AllowAll approves every operation and passes data through unchanged.
// It is the default provider; the core test suite runs against it.
type AllowAll struct{}

func (AllowAll) CheckPoolAccess(appID, pool, op string) bool { return true }
func (AllowAll) PreparePool(pool string) error               { return nil }
func (AllowAll) EncryptBlock(pool string, plaintext []byte) ([]byte, error) {
	return plaintext, nil
}
func (AllowAll) DecryptBlock(pool string, ciphertext []byte) ([]byte, error) {
	return ciphertext, nil
}
func (AllowAll) RotateKeys(pool string) error { return nil }

// AESProvider encrypts block data with a per-pool AES-256-GCM key. Pool
// access checks still defer to the policy map; only the data path is
// cryptographic.
type AESProvider struct {
	mu       sync.RWMutex
	password string
	managers map[string]*SecretsManager
}

// NewAESProvider creates a provider deriving per-pool keys from the
// server password.
func NewAESProvider(password string) (*AESProvider, error) {
	if password == "" {
		return nil, fmt.Errorf("password cannot be empty")
	}
	return &AESProvider{
		password: password,
		managers: make(map[string]*SecretsManager),
	}, nil
}

func (p *AESProvider) CheckPoolAccess(appID, pool, op string) bool { return true }

func (p *AESProvider) PreparePool(pool string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.managers[pool]; ok {
		return nil
	}
	sm, err := NewSecretsManagerFromPassword(p.password + ":" + pool)
	if err != nil {
		return err
	}
	p.managers[pool] = sm
	return nil
}

func (p *AESProvider) manager(pool string) (*SecretsManager, error) {
	p.mu.RLock()
	sm, ok := p.managers[pool]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("pool %s has no key material", pool)
	}
	return sm, nil
}

func (p *AESProvider) EncryptBlock(pool string, plaintext []byte) ([]byte, error) {
	sm, err := p.manager(pool)
	if err != nil {
		return nil, err
	}
	return sm.Encrypt(plaintext)
}

func (p *AESProvider) DecryptBlock(pool string, ciphertext []byte) ([]byte, error) {
	sm, err := p.manager(pool)
	if err != nil {
		return nil, err
	}
	return sm.Decrypt(ciphertext)
}

// RotateKeys re-derives the pool key. Data written under the old key is
// unreadable after rotation; callers re-encrypt blocks first.
func (p *AESProvider) RotateKeys(pool string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	sm, err := NewSecretsManagerFromPassword(fmt.Sprintf("%s:%s:rotated", p.password, pool))
	if err != nil {
		return err
	}
	p.managers[pool] = sm
	return nil
}
