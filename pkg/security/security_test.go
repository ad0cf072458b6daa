package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecretsManagerRoundTrip(t *testing.T) {
	sm, err := NewSecretsManagerFromPassword("hunter2")
	require.NoError(t, err)

	plaintext := []byte("block contents")
	ciphertext, err := sm.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	got, err := sm.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestSecretsManagerWrongKey(t *testing.T) {
	sm1, err := NewSecretsManagerFromPassword("alpha")
	require.NoError(t, err)
	sm2, err := NewSecretsManagerFromPassword("beta")
	require.NoError(t, err)

	ciphertext, err := sm1.Encrypt([]byte("secret"))
	require.NoError(t, err)

	_, err = sm2.Decrypt(ciphertext)
	assert.Error(t, err)
}

func TestSecretsManagerNonceVariance(t *testing.T) {
	sm, err := NewSecretsManagerFromPassword("hunter2")
	require.NoError(t, err)

	a, err := sm.Encrypt([]byte("same"))
	require.NoError(t, err)
	b, err := sm.Encrypt([]byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestAESProviderPerPoolKeys(t *testing.T) {
	p, err := NewAESProvider("server-password")
	require.NoError(t, err)

	require.NoError(t, p.PreparePool("vault-a"))
	require.NoError(t, p.PreparePool("vault-b"))
	require.NoError(t, p.PreparePool("vault-a")) // idempotent

	ct, err := p.EncryptBlock("vault-a", []byte("data"))
	require.NoError(t, err)

	pt, err := p.DecryptBlock("vault-a", ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), pt)

	// Pool keys do not cross pools.
	_, err = p.DecryptBlock("vault-b", ct)
	assert.Error(t, err)

	// An unprepared pool has no key material.
	_, err = p.EncryptBlock("unknown", []byte("x"))
	assert.Error(t, err)
}

func TestAESProviderRotation(t *testing.T) {
	p, err := NewAESProvider("server-password")
	require.NoError(t, err)
	require.NoError(t, p.PreparePool("vault"))

	ct, err := p.EncryptBlock("vault", []byte("data"))
	require.NoError(t, err)

	require.NoError(t, p.RotateKeys("vault"))
	_, err = p.DecryptBlock("vault", ct)
	assert.Error(t, err)
}

func TestNewAESProviderRejectsEmptyPassword(t *testing.T) {
	_, err := NewAESProvider("")
	assert.Error(t, err)
}

func TestAllowAllPassthrough(t *testing.T) {
	var p Provider = &AllowAll{}
	assert.True(t, p.CheckPoolAccess("anyone", "anywhere", "anything"))

	ct, err := p.EncryptBlock("pool", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), ct)
}
