package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/hkdf"

	"trustcore/internal/domain"
)

const (
	encPrefix    = "enc:"
	masterKeyLen = 32
)

// HKDF info labels keep the two sub-keys independent.
var (
	infoEncryption  = []byte("trustcore/secret-encryption/v1")
	infoFingerprint = []byte("trustcore/secret-fingerprint/v1")
)

// Cipher implements domain.SecretCipher with AES-256-GCM for reversible
// storage and HMAC-SHA256 for indexable fingerprints. Both keys are derived
// from one externally supplied master key and held only in memory.
type Cipher struct {
	mu     sync.RWMutex
	encKey []byte
	macKey []byte
}

// NewCipher builds a Cipher from a hex-encoded 32-byte master key.
// A missing or malformed key is a configuration error; no key is generated.
func NewCipher(masterKeyHex string) (*Cipher, error) {
	masterKeyHex = strings.TrimSpace(masterKeyHex)
	if masterKeyHex == "" {
		return nil, domain.NewDomainError("NewCipher", domain.ErrMissingKey, "")
	}
	master, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, domain.NewDomainError("NewCipher", domain.ErrMissingKey, "master key is not valid hex")
	}
	if len(master) != masterKeyLen {
		return nil, domain.NewDomainError("NewCipher", domain.ErrMissingKey,
			fmt.Sprintf("master key must be %d bytes, got %d", masterKeyLen, len(master)))
	}
	defer zero(master)

	encKey, err := deriveKey(master, infoEncryption)
	if err != nil {
		return nil, err
	}
	macKey, err := deriveKey(master, infoFingerprint)
	if err != nil {
		return nil, err
	}
	return &Cipher{encKey: encKey, macKey: macKey}, nil
}

// GenerateMasterKey returns a fresh random master key in hex, for operators
// provisioning a new deployment.
func GenerateMasterKey() (string, error) {
	key := make([]byte, masterKeyLen)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generate master key: %w", err)
	}
	return hex.EncodeToString(key), nil
}

// Encrypt encrypts plaintext and returns "enc:" + base64(nonce + ciphertext).
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	gcm, err := c.gcm()
	if err != nil {
		return "", domain.NewDomainError("Cipher.Encrypt", domain.ErrEncryption, err.Error())
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", domain.NewDomainError("Cipher.Encrypt", domain.ErrEncryption, "generate nonce: "+err.Error())
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt. Unlike content encryption there is no plaintext
// passthrough: anything without the prefix is rejected.
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	if !strings.HasPrefix(ciphertext, encPrefix) {
		return "", domain.NewDomainError("Cipher.Decrypt", domain.ErrDecryption, "missing prefix")
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ciphertext, encPrefix))
	if err != nil {
		return "", domain.NewDomainError("Cipher.Decrypt", domain.ErrDecryption, "base64 decode: "+err.Error())
	}

	gcm, err := c.gcm()
	if err != nil {
		return "", domain.NewDomainError("Cipher.Decrypt", domain.ErrDecryption, err.Error())
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", domain.NewDomainError("Cipher.Decrypt", domain.ErrDecryption, "ciphertext too short")
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", domain.NewDomainError("Cipher.Decrypt", domain.ErrDecryption, err.Error())
	}
	return string(plaintext), nil
}

// IsEncrypted checks if a string has the "enc:" prefix.
func (c *Cipher) IsEncrypted(s string) bool {
	return strings.HasPrefix(s, encPrefix)
}

// Fingerprint returns the hex HMAC-SHA256 of secret under the fingerprint key.
// Equal secrets always map to the same fingerprint, so it can be indexed.
func (c *Cipher) Fingerprint(secret string) string {
	c.mu.RLock()
	mac := hmac.New(sha256.New, c.macKey)
	c.mu.RUnlock()
	mac.Write([]byte(secret))
	return hex.EncodeToString(mac.Sum(nil))
}

// Zeroize clears the key bytes from memory. Call on shutdown.
func (c *Cipher) Zeroize() {
	c.mu.Lock()
	defer c.mu.Unlock()
	zero(c.encKey)
	zero(c.macKey)
}

func (c *Cipher) gcm() (cipher.AEAD, error) {
	c.mu.RLock()
	key := make([]byte, len(c.encKey))
	copy(key, c.encKey)
	c.mu.RUnlock()
	defer zero(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// Equal compares two secrets in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// deriveKey expands the master key into a 32-byte sub-key via HKDF-SHA256.
func deriveKey(master, info []byte) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, info), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
