package tokenstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/hkdf"
)

// keyFileSize is the on-disk size of the key file: base64 of 32 raw bytes.
const keyFileSize = 44

// keyring holds the root key plus any retired keys still needed to decrypt
// records written under an older key_version. Index 0 is always the current
// version; higher indices are older.
type keyring struct {
	keys [][]byte // root keys, index == key_version
}

// loadKeyring reads the encryption key file. Presence is mandatory — a
// missing key file is a fatal startup error per §4.1. The file must be
// owner-only (0600); a looser mode is rejected so an operator notices a
// misconfigured deployment before trusting it with token plaintext.
func loadKeyring(path string) (*keyring, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("encryption key file: %w", err)
	}
	if info.Mode().Perm()&0077 != 0 {
		return nil, fmt.Errorf("encryption key file %s must not be group/world accessible (mode %s)", path, info.Mode().Perm())
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read encryption key file: %w", err)
	}
	if len(raw) != keyFileSize {
		return nil, fmt.Errorf("encryption key file must be %d bytes (base64 of 32 raw bytes), got %d", keyFileSize, len(raw))
	}
	key, err := base64.StdEncoding.DecodeString(string(raw))
	if err != nil {
		return nil, fmt.Errorf("decode encryption key file: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must decode to 32 bytes, got %d", len(key))
	}

	return &keyring{keys: [][]byte{key}}, nil
}

// currentVersion is the key_version new writes are encrypted under.
func (k *keyring) currentVersion() int { return 0 }

// subkey derives a per-purpose AEAD key from the root key at the given
// version via HKDF-SHA256, so the root key file itself is never used
// directly as an AES key and rotation can layer in additional root keys
// without changing the derivation shape.
func (k *keyring) subkey(version int, salt []byte) ([]byte, error) {
	if version < 0 || version >= len(k.keys) {
		return nil, fmt.Errorf("unknown key_version %d", version)
	}
	h := hkdf.New(sha256.New, k.keys[version], salt, []byte("kissbot-token-v1"))
	sub := make([]byte, 32)
	if _, err := io.ReadFull(h, sub); err != nil {
		return nil, fmt.Errorf("derive subkey: %w", err)
	}
	return sub, nil
}

// sealedValue is the on-disk form of an encrypted token: nonce-prepended
// AES-256-GCM ciphertext plus the key_version used to derive the subkey.
type sealedValue struct {
	KeyVersion int    `json:"key_version"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// seal authenticated-encrypts plaintext under the current key version. salt
// binds the derived subkey to the record it protects (user id + token kind)
// so ciphertexts cannot be swapped between records even if the root key is
// shared.
func (k *keyring) seal(plaintext string, salt []byte) (sealedValue, error) {
	version := k.currentVersion()
	sub, err := k.subkey(version, salt)
	if err != nil {
		return sealedValue{}, err
	}
	block, err := aes.NewCipher(sub)
	if err != nil {
		return sealedValue{}, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return sealedValue{}, fmt.Errorf("new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return sealedValue{}, fmt.Errorf("generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, []byte(plaintext), salt)
	return sealedValue{KeyVersion: version, Nonce: nonce, Ciphertext: ciphertext}, nil
}

// open decrypts and authenticates a sealed value, trying the key version it
// was written under. A tamper or wrong-key attempt returns an error — it
// never returns a plausible-looking wrong plaintext.
func (k *keyring) open(sv sealedValue, salt []byte) (string, error) {
	sub, err := k.subkey(sv.KeyVersion, salt)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(sub)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("new gcm: %w", err)
	}
	plaintext, err := gcm.Open(nil, sv.Nonce, sv.Ciphertext, salt)
	if err != nil {
		return "", fmt.Errorf("authentication failed: %w", err)
	}
	return string(plaintext), nil
}

// maskToken returns the first four characters of a token plus a fixed
// redaction, for log lines — the core never logs a full token value.
func maskToken(token string) string {
	if len(token) <= 4 {
		return "****"
	}
	return token[:4] + "****"
}
