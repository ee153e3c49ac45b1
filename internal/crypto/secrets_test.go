package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	s, err := NewSecretStore(t.TempDir())
	require.NoError(t, err)

	ciphertext, err := s.Encrypt("sid=abc; kumo_clearance=tok")
	require.NoError(t, err)
	assert.True(t, IsEncrypted(ciphertext))

	plaintext, err := s.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "sid=abc; kumo_clearance=tok", plaintext)
}

func TestKeyPersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()

	s1, err := NewSecretStore(dir)
	require.NoError(t, err)
	ciphertext, err := s1.Encrypt("secret")
	require.NoError(t, err)

	s2, err := NewSecretStore(dir)
	require.NoError(t, err)
	plaintext, err := s2.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "secret", plaintext)
}

func TestDecryptPassesThroughPlaintext(t *testing.T) {
	s, err := NewSecretStore(t.TempDir())
	require.NoError(t, err)

	out, err := s.Decrypt("not-encrypted")
	require.NoError(t, err)
	assert.Equal(t, "not-encrypted", out)
}

func TestDecryptRejectsGarbage(t *testing.T) {
	s, err := NewSecretStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.Decrypt(EncryptedPrefix + "!!!not base64!!!")
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}
