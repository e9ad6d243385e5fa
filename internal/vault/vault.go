package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/awnumar/memguard"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// Vault encrypts and decrypts per-deployment secrets with a symmetric key
// held only in an mlocked enclave.
type Vault struct {
	key *memguard.Enclave
}

// Open loads the symmetric key from a protected key file. The file holds
// either 32 raw bytes or their hex encoding; group/world-readable key files
// are rejected.
func Open(keyPath string) (*Vault, error) {
	fi, err := os.Stat(keyPath)
	if err != nil {
		return nil, fmt.Errorf("could not stat key file: %w", err)
	}
	if fi.Mode().Perm()&0o077 != 0 {
		return nil, fmt.Errorf("key file %s must not be group or world accessible", keyPath)
	}

	raw, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("could not read key file: %w", err)
	}
	return fromKeyMaterial(raw)
}

// New wraps raw key material directly; the input slice is wiped.
func New(key []byte) (*Vault, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	return &Vault{key: memguard.NewEnclave(key)}, nil
}

func fromKeyMaterial(raw []byte) (*Vault, error) {
	trimmed := strings.TrimSpace(string(raw))
	if len(trimmed) == KeySize*2 {
		decoded, err := hex.DecodeString(trimmed)
		if err == nil {
			memguard.WipeBytes(raw)
			return New(decoded)
		}
	}
	if len(raw) != KeySize {
		return nil, fmt.Errorf("key file must hold %d raw or %d hex bytes", KeySize, KeySize*2)
	}
	return New(raw)
}

// Encrypt seals plaintext with AES-256-GCM, returning base64(nonce||ciphertext).
func (v *Vault) Encrypt(plaintext []byte) (string, error) {
	gcm, buf, err := v.openCipher()
	if err != nil {
		return "", err
	}
	defer buf.Destroy()

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("could not generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt. Tampered or truncated
// input fails authentication.
func (v *Vault) Decrypt(encoded string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("malformed ciphertext: %w", err)
	}

	gcm, buf, err := v.openCipher()
	if err != nil {
		return nil, err
	}
	defer buf.Destroy()

	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("ciphertext failed authentication: %w", err)
	}
	return plaintext, nil
}

func (v *Vault) openCipher() (cipher.AEAD, *memguard.LockedBuffer, error) {
	buf, err := v.key.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("could not open key enclave: %w", err)
	}
	block, err := aes.NewCipher(buf.Bytes())
	if err != nil {
		buf.Destroy()
		return nil, nil, fmt.Errorf("could not init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		buf.Destroy()
		return nil, nil, fmt.Errorf("could not init GCM: %w", err)
	}
	return gcm, buf, nil
}
