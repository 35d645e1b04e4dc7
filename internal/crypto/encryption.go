package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/TheGojiOG/pvebackup/internal/logging"
)

const (
	// DefaultKeyID is the default encryption key version
	DefaultKeyID = "v1"

	keyFileName = "encryption.key"
)

// EncryptionManager handles AES-256 encryption/decryption
type EncryptionManager struct {
	key   []byte
	keyID string
}

// NewEncryptionManager creates a manager from ENCRYPTION_KEY. Without it the key is
// read from, or generated into, encryption.key under dataDir.
func NewEncryptionManager(dataDir string) (*EncryptionManager, error) {
	if keyStr := strings.TrimSpace(os.Getenv("ENCRYPTION_KEY")); keyStr != "" {
		return NewEncryptionManagerFromKey(keyStr)
	}

	if strings.TrimSpace(dataDir) == "" {
		key, err := generateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate encryption key: %w", err)
		}
		logging.L().Warn("encryption_key_ephemeral", "hint", "set ENCRYPTION_KEY to keep stored secrets decryptable across restarts")
		return &EncryptionManager{key: key, keyID: DefaultKeyID}, nil
	}

	keyPath := filepath.Join(dataDir, keyFileName)
	data, err := os.ReadFile(keyPath)
	if err == nil {
		return NewEncryptionManagerFromKey(strings.TrimSpace(string(data)))
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	key, err := generateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate encryption key: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(base64.StdEncoding.EncodeToString(key)+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	logging.L().Warn("encryption_key_generated", "path", keyPath)

	return &EncryptionManager{key: key, keyID: DefaultKeyID}, nil
}

// NewEncryptionManagerFromKey creates a manager from a base64 key
func NewEncryptionManagerFromKey(keyStr string) (*EncryptionManager, error) {
	decoded, err := base64.StdEncoding.DecodeString(keyStr)
	if err != nil {
		return nil, fmt.Errorf("invalid ENCRYPTION_KEY format (must be base64): %w", err)
	}

	key := decoded
	if len(decoded) != 32 {
		// Derive key using SHA-256 if not exactly 32 bytes
		hash := sha256.Sum256(decoded)
		key = hash[:]
	}

	return &EncryptionManager{key: key, keyID: DefaultKeyID}, nil
}

// Encrypt encrypts plaintext using AES-256-GCM
func (em *EncryptionManager) Encrypt(plaintext string) ([]byte, error) {
	aesGCM, err := em.gcm()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aesGCM.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aesGCM.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Decrypt decrypts ciphertext using AES-256-GCM
func (em *EncryptionManager) Decrypt(ciphertext []byte) (string, error) {
	aesGCM, err := em.gcm()
	if err != nil {
		return "", err
	}

	nonceSize := aesGCM.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]

	plaintext, err := aesGCM.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return string(plaintext), nil
}

// EncryptSecret seals a target secret into a printable "<keyID>:<base64>" string
func (em *EncryptionManager) EncryptSecret(secret string) (string, error) {
	if secret == "" {
		return "", nil
	}
	sealed, err := em.Encrypt(secret)
	if err != nil {
		return "", err
	}
	return em.keyID + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptSecret opens a value produced by EncryptSecret
func (em *EncryptionManager) DecryptSecret(value string) (string, error) {
	if value == "" {
		return "", nil
	}
	keyID, encoded, ok := strings.Cut(value, ":")
	if !ok {
		return "", fmt.Errorf("sealed secret has no key id")
	}
	if keyID != em.keyID {
		return "", fmt.Errorf("sealed secret uses unknown key id %s", keyID)
	}
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("sealed secret is not base64: %w", err)
	}
	return em.Decrypt(sealed)
}

// GetKeyID returns the current encryption key ID/version
func (em *EncryptionManager) GetKeyID() string {
	return em.keyID
}

func (em *EncryptionManager) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(em.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aesGCM, nil
}

// generateKey generates a random 32-byte key for AES-256
func generateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}
