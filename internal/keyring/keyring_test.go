package keyring_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/vaultd/internal/crypto"
	"github.com/fyrsmithlabs/vaultd/internal/keyring"
	"github.com/fyrsmithlabs/vaultd/internal/logging"
)

func newAuthority(t *testing.T) *keyring.Authority {
	t.Helper()
	vault, err := crypto.New(crypto.TestParams())
	require.NoError(t, err)
	auth, err := keyring.NewAuthority(vault, logging.NewNop())
	require.NoError(t, err)
	return auth
}

func TestGenerateUnwrapRoundtrip(t *testing.T) {
	auth := newAuthority(t)
	ctx := context.Background()
	master := []byte("correct horse battery staple")

	wrapped, err := auth.GenerateDEK(ctx, master, nil)
	require.NoError(t, err)
	require.Len(t, wrapped.DEK, crypto.KeySize)
	require.NotEmpty(t, wrapped.Ciphertext)
	require.Len(t, wrapped.Nonce, crypto.NonceSize)
	require.Len(t, wrapped.Salt, crypto.SaltSize)

	dek, err := auth.UnwrapDEK(ctx, wrapped.Wrapping, master, nil)
	require.NoError(t, err)
	assert.Equal(t, wrapped.DEK, dek)
}

func TestUnwrapWrongSecret(t *testing.T) {
	auth := newAuthority(t)
	ctx := context.Background()

	wrapped, err := auth.GenerateDEK(ctx, []byte("master-a"), nil)
	require.NoError(t, err)

	_, err = auth.UnwrapDEK(ctx, wrapped.Wrapping, []byte("master-b"), nil)
	assert.ErrorIs(t, err, keyring.ErrKeyUnwrap)
}

func TestUnwrapTamperedCiphertext(t *testing.T) {
	auth := newAuthority(t)
	ctx := context.Background()
	master := []byte("master")

	wrapped, err := auth.GenerateDEK(ctx, master, nil)
	require.NoError(t, err)

	wrapped.Ciphertext[0] ^= 0x01
	_, err = auth.UnwrapDEK(ctx, wrapped.Wrapping, master, nil)
	assert.ErrorIs(t, err, keyring.ErrKeyUnwrap)
}

func TestSplitAuthorityRequiresShare(t *testing.T) {
	auth := newAuthority(t)
	ctx := context.Background()
	master := []byte("master")
	share := []byte("client-held-share")

	wrapped, err := auth.GenerateDEK(ctx, master, share)
	require.NoError(t, err)

	// Correct master + correct share unwraps.
	dek, err := auth.UnwrapDEK(ctx, wrapped.Wrapping, master, share)
	require.NoError(t, err)
	assert.Equal(t, wrapped.DEK, dek)

	// Master alone cannot unwrap a split-authority wrapping.
	_, err = auth.UnwrapDEK(ctx, wrapped.Wrapping, master, nil)
	assert.ErrorIs(t, err, keyring.ErrKeyUnwrap)

	// Wrong share fails identically.
	_, err = auth.UnwrapDEK(ctx, wrapped.Wrapping, master, []byte("wrong-share"))
	assert.ErrorIs(t, err, keyring.ErrKeyUnwrap)
}

func TestRewrapAcrossModes(t *testing.T) {
	auth := newAuthority(t)
	ctx := context.Background()
	master := []byte("master")
	share := []byte("share")

	// Begin in legacy mode.
	wrapped, err := auth.GenerateDEK(ctx, master, nil)
	require.NoError(t, err)

	// Switch to split-authority: unwrap, re-wrap under master+share.
	dek, err := auth.UnwrapDEK(ctx, wrapped.Wrapping, master, nil)
	require.NoError(t, err)

	rewrapped, err := auth.WrapDEK(ctx, dek, master, share)
	require.NoError(t, err)
	assert.NotEqual(t, wrapped.Salt, rewrapped.Salt, "re-wrap must use a fresh salt")

	// The same DEK comes back under the new wrapping.
	dek2, err := auth.UnwrapDEK(ctx, *rewrapped, master, share)
	require.NoError(t, err)
	assert.Equal(t, dek, dek2)

	// The old wrapping semantics did not leak into the new one.
	_, err = auth.UnwrapDEK(ctx, *rewrapped, master, nil)
	assert.ErrorIs(t, err, keyring.ErrKeyUnwrap)
}

func TestUnwrapEmptyMasterSecret(t *testing.T) {
	auth := newAuthority(t)
	ctx := context.Background()

	wrapped, err := auth.GenerateDEK(ctx, []byte("master"), nil)
	require.NoError(t, err)

	_, err = auth.UnwrapDEK(ctx, wrapped.Wrapping, nil, nil)
	assert.ErrorIs(t, err, keyring.ErrKeyUnwrap)
}

func TestShareHashVerify(t *testing.T) {
	share := []byte("client-share")
	hash := keyring.HashShare(share)

	assert.True(t, keyring.VerifyShareHash(share, hash))
	assert.False(t, keyring.VerifyShareHash([]byte("other"), hash))
	assert.False(t, keyring.VerifyShareHash(share, []byte("short")))
	assert.False(t, keyring.VerifyShareHash(share, nil))
}

func TestSessionCachePutGet(t *testing.T) {
	cache := keyring.NewSessionCache(4, time.Minute, time.Minute)
	dek := []byte("0123456789abcdef0123456789abcdef")

	cache.Put("tenant-a", "sess-1", dek)

	got, ok := cache.Get("tenant-a", "sess-1")
	require.True(t, ok)
	assert.Equal(t, dek, got)

	// The cache hands out copies; mutating one must not affect the other.
	got[0] ^= 0xff
	again, ok := cache.Get("tenant-a", "sess-1")
	require.True(t, ok)
	assert.Equal(t, dek, again)

	_, ok = cache.Get("tenant-a", "sess-2")
	assert.False(t, ok)
}

func TestSessionCacheInvalidateTenant(t *testing.T) {
	cache := keyring.NewSessionCache(4, time.Minute, time.Minute)
	dek := make([]byte, crypto.KeySize)

	cache.Put("tenant-a", "sess-1", dek)
	cache.Put("tenant-a", "sess-2", dek)
	cache.Put("tenant-b", "sess-1", dek)

	cache.InvalidateTenant("tenant-a")

	_, ok := cache.Get("tenant-a", "sess-1")
	assert.False(t, ok)
	_, ok = cache.Get("tenant-a", "sess-2")
	assert.False(t, ok)
	_, ok = cache.Get("tenant-b", "sess-1")
	assert.True(t, ok)
}

func TestSessionCacheLRUEviction(t *testing.T) {
	cache := keyring.NewSessionCache(2, time.Minute, time.Minute)
	dek := make([]byte, crypto.KeySize)

	cache.Put("tenant-a", "sess-1", dek)
	cache.Put("tenant-b", "sess-1", dek)

	// Touch tenant-a so tenant-b becomes least recently used.
	_, ok := cache.Get("tenant-a", "sess-1")
	require.True(t, ok)

	cache.Put("tenant-c", "sess-1", dek)

	_, ok = cache.Get("tenant-b", "sess-1")
	assert.False(t, ok, "LRU entry should have been evicted")
	_, ok = cache.Get("tenant-a", "sess-1")
	assert.True(t, ok)
	assert.Equal(t, 2, cache.Len())
}
