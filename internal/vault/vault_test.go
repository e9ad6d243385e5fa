package vault

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	v, err := New(key)
	require.NoError(t, err)
	return v
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v := newTestVault(t)
	for _, plaintext := range [][]byte{
		[]byte("hunter2"),
		[]byte(""),
		[]byte("multi\nline\nvalue with spaces"),
		{0x00, 0xff, 0x10, 0x80, 0x7f},
	} {
		ct, err := v.Encrypt(plaintext)
		require.NoError(t, err)
		got, err := v.Decrypt(ct)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	v := newTestVault(t)
	a, err := v.Encrypt([]byte("same value"))
	require.NoError(t, err)
	b, err := v.Encrypt([]byte("same value"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	v := newTestVault(t)
	ct, err := v.Encrypt([]byte("secret payload"))
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(ct)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01
	_, err = v.Decrypt(base64.StdEncoding.EncodeToString(raw))
	assert.Error(t, err)
}

func TestDecryptRejectsGarbage(t *testing.T) {
	v := newTestVault(t)
	_, err := v.Decrypt("not base64!!")
	assert.Error(t, err)
	_, err = v.Decrypt(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.Error(t, err)
}

func TestOpenKeyFile(t *testing.T) {
	dir := t.TempDir()
	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	hexKey := hex.EncodeToString(key)

	t.Run("hex encoded key", func(t *testing.T) {
		path := filepath.Join(dir, "hex.key")
		require.NoError(t, os.WriteFile(path, []byte(hexKey+"\n"), 0o600))
		v, err := Open(path)
		require.NoError(t, err)
		ct, err := v.Encrypt([]byte("x"))
		require.NoError(t, err)
		got, err := v.Decrypt(ct)
		require.NoError(t, err)
		assert.Equal(t, []byte("x"), got)
	})

	t.Run("permissive mode rejected", func(t *testing.T) {
		path := filepath.Join(dir, "open.key")
		require.NoError(t, os.WriteFile(path, []byte(hexKey), 0o644))
		_, err := Open(path)
		assert.Error(t, err)
	})

	t.Run("wrong length rejected", func(t *testing.T) {
		path := filepath.Join(dir, "short.key")
		require.NoError(t, os.WriteFile(path, []byte("tooshort"), 0o600))
		_, err := Open(path)
		assert.Error(t, err)
	})
}
