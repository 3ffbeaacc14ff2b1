package backup

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/argon2"
)

const (
	saltSize  = 16
	nonceSize = 12
	keySize   = 32
	argonTime = 3
	argonMem  = 64 * 1024
	argonPar  = 4
)

// magic marks an encrypted artifact so restore can tell it from a plain zip.
var magic = []byte("WBK1")

// GenerateSalt returns 16 cryptographically random bytes.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// DeriveKey derives a 32-byte AES-256 key from a password and salt using Argon2id.
func DeriveKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, argonTime, argonMem, argonPar, keySize)
}

func newGCM(key []byte) (cipher.AEAD, error) {
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

// Encrypt seals plaintext under a key derived from password.
// Output format: [4-byte magic][16-byte salt][12-byte nonce][AES-256-GCM ciphertext]
func Encrypt(plaintext []byte, password string) ([]byte, error) {
	if password == "" {
		return nil, fmt.Errorf("%w: empty password", ErrEncryptionFailed)
	}
	salt, err := GenerateSalt()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncryptionFailed, err)
	}
	gcm, err := newGCM(DeriveKey(password, salt))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncryptionFailed, err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: generate nonce: %w", ErrEncryptionFailed, err)
	}

	out := make([]byte, 0, len(magic)+saltSize+nonceSize+len(plaintext)+gcm.Overhead())
	out = append(out, magic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, nil), nil
}

// Decrypt opens data produced by Encrypt. Data that is not in the artifact
// format fails with ErrDecryptionFailed; data that does not authenticate under
// password fails with ErrInvalidPassword.
func Decrypt(data []byte, password string) ([]byte, error) {
	header := len(magic) + saltSize + nonceSize
	if len(data) < header || !bytes.Equal(data[:len(magic)], magic) {
		return nil, fmt.Errorf("%w: not an encrypted backup", ErrDecryptionFailed)
	}

	salt := data[len(magic) : len(magic)+saltSize]
	nonce := data[len(magic)+saltSize : header]
	ciphertext := data[header:]

	gcm, err := newGCM(DeriveKey(password, salt))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
	}
	if len(ciphertext) < gcm.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext truncated", ErrDecryptionFailed)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrInvalidPassword
	}
	return plaintext, nil
}

// EncryptFile encrypts srcPath to dstPath.
func EncryptFile(srcPath, dstPath, password string) error {
	plaintext, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("%w: read source: %w", ErrEncryptionFailed, err)
	}
	sealed, err := Encrypt(plaintext, password)
	if err != nil {
		return err
	}
	if err := os.WriteFile(dstPath, sealed, 0600); err != nil {
		return fmt.Errorf("%w: write encrypted file: %w", ErrEncryptionFailed, err)
	}
	return nil
}

// DecryptFile decrypts srcPath to dstPath.
func DecryptFile(srcPath, dstPath, password string) error {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("%w: read encrypted file: %w", ErrDecryptionFailed, err)
	}
	plaintext, err := Decrypt(data, password)
	if err != nil {
		return err
	}
	if err := os.WriteFile(dstPath, plaintext, 0600); err != nil {
		return fmt.Errorf("write decrypted file: %w", err)
	}
	return nil
}

// IsEncrypted reports whether the file at path starts with the artifact magic.
func IsEncrypted(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	head := make([]byte, len(magic))
	if _, err := io.ReadFull(f, head); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return false, nil
		}
		return false, err
	}
	return bytes.Equal(head, magic), nil
}
