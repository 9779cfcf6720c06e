package crypto_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fyrsmithlabs/vaultd/internal/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVault(t *testing.T) *crypto.Vault {
	t.Helper()
	v, err := crypto.New(crypto.TestParams())
	require.NoError(t, err)
	return v
}

func TestEncryptDecryptRoundtrip(t *testing.T) {
	v := newTestVault(t)
	key, err := crypto.NewKey()
	require.NoError(t, err)

	tests := []struct {
		name      string
		plaintext string
	}{
		{"empty", ""},
		{"ascii", "hello world"},
		{"unicode", "こんにちは世界 🔐 ümlaut"},
		{"large", strings.Repeat("vaultd", 20000)}, // 120k chars
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ct, nonce, err := v.Encrypt([]byte(tt.plaintext), key)
			require.NoError(t, err)
			assert.Len(t, nonce, crypto.NonceSize)

			got, err := v.Decrypt(ct, nonce, key)
			require.NoError(t, err)
			assert.Equal(t, tt.plaintext, string(got))
		})
	}
}

func TestEncryptFreshNoncePerCall(t *testing.T) {
	v := newTestVault(t)
	key, err := crypto.NewKey()
	require.NoError(t, err)

	_, n1, err := v.Encrypt([]byte("same input"), key)
	require.NoError(t, err)
	_, n2, err := v.Encrypt([]byte("same input"), key)
	require.NoError(t, err)

	assert.NotEqual(t, n1, n2, "nonce must be fresh per call")
}

func TestDecryptRejectsTamper(t *testing.T) {
	v := newTestVault(t)
	key, err := crypto.NewKey()
	require.NoError(t, err)
	wrongKey, err := crypto.NewKey()
	require.NoError(t, err)

	ct, nonce, err := v.Encrypt([]byte("sensitive"), key)
	require.NoError(t, err)

	// Flip every single byte of the ciphertext, one at a time.
	for i := range ct {
		mutated := bytes.Clone(ct)
		mutated[i] ^= 0x01
		_, err := v.Decrypt(mutated, nonce, key)
		assert.ErrorIs(t, err, crypto.ErrAuthentication, "ciphertext byte %d", i)
		_, err = v.Decrypt(mutated, nonce, wrongKey)
		assert.ErrorIs(t, err, crypto.ErrAuthentication)
	}

	// And every byte of the nonce.
	for i := range nonce {
		mutated := bytes.Clone(nonce)
		mutated[i] ^= 0x01
		_, err := v.Decrypt(ct, mutated, key)
		assert.ErrorIs(t, err, crypto.ErrAuthentication, "nonce byte %d", i)
	}

	// Wrong key on intact data fails the same way.
	_, err = v.Decrypt(ct, nonce, wrongKey)
	assert.ErrorIs(t, err, crypto.ErrAuthentication)
}

func TestDecryptErrorIndistinguishable(t *testing.T) {
	v := newTestVault(t)
	key, err := crypto.NewKey()
	require.NoError(t, err)
	wrongKey, err := crypto.NewKey()
	require.NoError(t, err)

	ct, nonce, err := v.Encrypt([]byte("payload"), key)
	require.NoError(t, err)

	mutated := bytes.Clone(ct)
	mutated[0] ^= 0xFF

	_, errTamper := v.Decrypt(mutated, nonce, key)
	_, errWrongKey := v.Decrypt(ct, nonce, wrongKey)

	require.Error(t, errTamper)
	require.Error(t, errWrongKey)
	assert.Equal(t, errTamper.Error(), errWrongKey.Error())
}

func TestDeriveKeyDeterministic(t *testing.T) {
	v := newTestVault(t)
	salt, err := crypto.NewSalt()
	require.NoError(t, err)
	otherSalt, err := crypto.NewSalt()
	require.NoError(t, err)

	k1, err := v.DeriveKey([]byte("master-secret"), salt)
	require.NoError(t, err)
	k2, err := v.DeriveKey([]byte("master-secret"), salt)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, crypto.KeySize)

	k3, err := v.DeriveKey([]byte("other-secret"), salt)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)

	k4, err := v.DeriveKey([]byte("master-secret"), otherSalt)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k4)
}

func TestKeySizeValidation(t *testing.T) {
	v := newTestVault(t)

	_, _, err := v.Encrypt([]byte("x"), []byte("short"))
	assert.ErrorIs(t, err, crypto.ErrInvalidKeySize)

	_, err = v.DeriveKey([]byte("secret"), []byte("bad-salt"))
	assert.ErrorIs(t, err, crypto.ErrInvalidSaltSize)
}

func TestWipe(t *testing.T) {
	key, err := crypto.NewKey()
	require.NoError(t, err)
	crypto.Wipe(key)
	assert.Equal(t, make([]byte, crypto.KeySize), key)
}

func TestNewRejectsBadParams(t *testing.T) {
	_, err := crypto.New(crypto.Params{})
	assert.Error(t, err)
}
