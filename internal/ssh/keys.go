package ssh

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"os"

	"github.com/TheGojiOG/pvebackup/internal/crypto"
	"golang.org/x/crypto/ssh"
)

// Key files may be stored sealed with the data-directory key so a copied
// data directory does not leak a usable credential.
var sealedKeyMagic = []byte("ENC1\n")

// LoadSigner reads the key file at path, unseals it when needed and parses it.
// A non-empty passphrase is used for keys that carry their own encryption.
func LoadSigner(path, passphrase string, enc *crypto.EncryptionManager) (ssh.Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read private key: %w", err)
	}
	pemBytes, err := UnsealKey(raw, enc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if passphrase == "" {
		return ssh.ParsePrivateKey(pemBytes)
	}
	signer, err := ssh.ParsePrivateKeyWithPassphrase(pemBytes, []byte(passphrase))
	if err == nil {
		return signer, nil
	}
	// The target secret doubles as the key passphrase; an unencrypted key
	// ignores it.
	if plain, plainErr := ssh.ParsePrivateKey(pemBytes); plainErr == nil {
		return plain, nil
	}
	return nil, err
}

// UnsealKey returns key material, decrypting it when it carries the sealed prefix
func UnsealKey(data []byte, enc *crypto.EncryptionManager) ([]byte, error) {
	body, sealed := bytes.CutPrefix(data, sealedKeyMagic)
	if !sealed {
		return data, nil
	}
	if enc == nil {
		return nil, errors.New("private key is sealed but no encryption key is configured")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(body)))
	if err != nil {
		return nil, fmt.Errorf("sealed key is not valid base64: %w", err)
	}
	plain, err := enc.Decrypt(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to unseal key: %w", err)
	}
	return []byte(plain), nil
}

// SealKey encrypts key material into the sealed file format
func SealKey(pemBytes []byte, enc *crypto.EncryptionManager) ([]byte, error) {
	ciphertext, err := enc.Encrypt(string(pemBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to seal key: %w", err)
	}
	var buf bytes.Buffer
	buf.Write(sealedKeyMagic)
	buf.WriteString(base64.StdEncoding.EncodeToString(ciphertext))
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}
