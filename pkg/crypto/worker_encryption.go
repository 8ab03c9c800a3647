package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

var (
	// Global token encryptor, lazily built from AZURE_TOKEN_ENCRYPTION_KEY.
	globalEncryptor *Encryptor
	once            sync.Once

	ErrInvalidKey        = errors.New("token encryption key must be 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid token ciphertext")
	ErrDecryptionFailed  = errors.New("token decryption failed")
)

// Encryptor performs AES-256-GCM encryption of Azure AD access/refresh
// tokens at rest (§4.1 Token Store).
type Encryptor struct {
	key []byte
	gcm cipher.AEAD
	mu  sync.RWMutex
}

// NewEncryptor builds an Encryptor from key, which need not already be 32
// bytes — any length is folded down via SHA-256 so operators can set a
// passphrase instead of a raw key.
func NewEncryptor(key []byte) (*Encryptor, error) {
	if len(key) != 32 {
		hash := sha256.Sum256(key)
		key = hash[:]
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create token cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create token GCM mode: %w", err)
	}

	return &Encryptor{
		key: key,
		gcm: gcm,
	}, nil
}

// Init builds the global token Encryptor from AZURE_TOKEN_ENCRYPTION_KEY.
// Callers (the Token Store) treat a non-nil error as "run with encryption
// disabled", not as fatal — see TokenStoreAdapter.encrypt/decrypt.
func Init() error {
	var initErr error
	once.Do(func() {
		key := os.Getenv("AZURE_TOKEN_ENCRYPTION_KEY")
		if key == "" {
			initErr = errors.New("AZURE_TOKEN_ENCRYPTION_KEY must be set to encrypt tokens at rest")
			return
		}

		enc, err := NewEncryptor([]byte(key))
		if err != nil {
			initErr = err
			return
		}
		globalEncryptor = enc
	})
	return initErr
}

// GetEncryptor returns the global token Encryptor, or nil if Init has not
// succeeded.
func GetEncryptor() *Encryptor {
	return globalEncryptor
}

// Encrypt seals plaintext (an Azure access/refresh/id token) and returns a
// base64-encoded, nonce-prefixed ciphertext suitable for the
// azure_token_info columns.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	nonce := make([]byte, e.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate token nonce: %w", err)
	}

	ciphertext := e.gcm.Seal(nonce, nonce, []byte(plaintext), nil)

	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt, recovering the stored Azure token.
func (e *Encryptor) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode token ciphertext: %w", err)
	}

	nonceSize := e.gcm.NonceSize()
	if len(data) < nonceSize {
		return "", ErrInvalidCiphertext
	}

	nonce, encrypted := data[:nonceSize], data[nonceSize:]

	plaintext, err := e.gcm.Open(nil, nonce, encrypted, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	return string(plaintext), nil
}

// EncryptToken is an alias for Encrypt kept for call sites that specifically
// handle Azure access/refresh tokens rather than generic strings.
func (e *Encryptor) EncryptToken(token string) (string, error) {
	return e.Encrypt(token)
}

// DecryptToken is an alias for Decrypt, see EncryptToken.
func (e *Encryptor) DecryptToken(encryptedToken string) (string, error) {
	return e.Decrypt(encryptedToken)
}

// Package-level wrappers around the global Encryptor, used by the Token
// Store so it doesn't need to carry an *Encryptor field through
// construction (TokenStoreAdapter.encrypt/decrypt).

func Encrypt(plaintext string) (string, error) {
	if globalEncryptor == nil {
		if err := Init(); err != nil {
			return "", err
		}
	}
	return globalEncryptor.Encrypt(plaintext)
}

func Decrypt(ciphertext string) (string, error) {
	if globalEncryptor == nil {
		if err := Init(); err != nil {
			return "", err
		}
	}
	return globalEncryptor.Decrypt(ciphertext)
}

func EncryptToken(token string) (string, error) {
	return Encrypt(token)
}

func DecryptToken(encryptedToken string) (string, error) {
	return Decrypt(encryptedToken)
}

// IsEncrypted is a best-effort check used by the Token Store to decide
// whether a stored value needs decrypting: a ciphertext is base64 and at
// least nonceSize(12)+gcmTagSize(16)=28 bytes once decoded. Plaintext
// tokens captured before AZURE_TOKEN_ENCRYPTION_KEY was set will rarely
// satisfy both conditions, which lets the Token Store read either form
// during a migration window.
func IsEncrypted(s string) bool {
	if s == "" {
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return false
	}

	const nonceSize, gcmTagSize = 12, 16
	return len(decoded) >= nonceSize+gcmTagSize
}
