package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// Argon2id cost parameters, fixed for the weakest supported device class.
// These are never negotiated at runtime: a variable cost would leak a
// downgrade signal and break tag_id determinism across devices.
const (
	stretchTime    = 3
	stretchMemory  = 64 * 1024 // KiB
	stretchThreads = 4
	stretchLen     = 32
)

const (
	// SaltLen is the per-tag salt length.
	SaltLen = 16
	// TagIDLen is the deterministic tag identifier length.
	TagIDLen = 16
	// KeyLen is the length of all symmetric keys in this package.
	KeyLen = 32
	// IVLen is the AES-GCM nonce length.
	IVLen = 12
)

// Derivation context labels. Keys derived under distinct labels are
// independent: compromise of one context reveals nothing about another.
const (
	ContextVerify  = "tagvault-verify-v1"
	ContextEncrypt = "tagvault-encrypt-v1"
	contextTagID   = "tagvault-tagid-v1"
)

// ErrDerivationFailed is returned when key derivation cannot complete.
var ErrDerivationFailed = errors.New("key derivation failed")

// ErrWrapFailed is returned when key wrapping fails.
var ErrWrapFailed = errors.New("key wrap failed")

// ErrUnwrapFailed is returned on any unwrap failure: tampered data, wrong
// wrapping key, or truncated input. The cause is intentionally uniform.
var ErrUnwrapFailed = errors.New("key unwrap failed")

// ErrDecryptFailed is returned on any blob decryption failure. Callers must
// not be able to distinguish bad key, bad tag, or truncation.
var ErrDecryptFailed = errors.New("decryption failed")

// GenerateSalt returns a fresh random per-tag salt.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	return salt, nil
}

// GenerateDataKey returns a fresh random 32-byte vault data key.
func GenerateDataKey() (*SecretBuffer, error) {
	key := make([]byte, KeyLen)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generating data key: %w", err)
	}
	return NewSecretBuffer(key), nil
}

// Stretch runs the memory-hard KDF over a phrase and per-tag salt. Output is
// deterministic for identical inputs. The phrase slice is zeroed before
// returning, on success and error paths alike.
func Stretch(phrase, salt []byte) (*SecretBuffer, error) {
	defer Zero(phrase)
	if len(phrase) == 0 || len(salt) != SaltLen {
		return nil, ErrDerivationFailed
	}
	out := argon2.IDKey(phrase, salt, stretchTime, stretchMemory, stretchThreads, stretchLen)
	return NewSecretBuffer(out), nil
}

// DeriveKey derives a context-separated key from a stretched secret using
// HKDF-SHA256.
func DeriveKey(stretched *SecretBuffer, context string) (*SecretBuffer, error) {
	return deriveHKDF(stretched, context, KeyLen)
}

// DeriveTagID computes the deterministic 16-byte tag identifier from a
// stretched secret. It is stable across devices and carries no recoverable
// phrase material.
func DeriveTagID(stretched *SecretBuffer) ([]byte, error) {
	id, err := deriveHKDF(stretched, contextTagID, TagIDLen)
	if err != nil {
		return nil, err
	}
	defer id.Close()
	out := make([]byte, TagIDLen)
	copy(out, id.Bytes())
	return out, nil
}

func deriveHKDF(secret *SecretBuffer, context string, n int) (*SecretBuffer, error) {
	if secret == nil || secret.Len() == 0 {
		return nil, ErrDerivationFailed
	}
	out := make([]byte, n)
	r := hkdf.New(sha256.New, secret.Bytes(), nil, []byte(context))
	if _, err := io.ReadFull(r, out); err != nil {
		Zero(out)
		return nil, ErrDerivationFailed
	}
	return NewSecretBuffer(out), nil
}

// WrapKey wraps a data key under a wrapping key with AES-256-GCM. The random
// nonce is prepended to the result.
func WrapKey(wrapping, data *SecretBuffer) ([]byte, error) {
	if wrapping == nil || data == nil || wrapping.Len() != KeyLen {
		return nil, ErrWrapFailed
	}
	ciphertext, nonce, err := seal(wrapping.Bytes(), data.Bytes())
	if err != nil {
		return nil, ErrWrapFailed
	}
	wrapped := make([]byte, len(nonce)+len(ciphertext))
	copy(wrapped, nonce)
	copy(wrapped[len(nonce):], ciphertext)
	return wrapped, nil
}

// UnwrapKey reverses WrapKey. It fails closed: on tamper, wrong key, or
// truncated input the error is ErrUnwrapFailed and no partial key escapes.
func UnwrapKey(wrapping *SecretBuffer, wrapped []byte) (*SecretBuffer, error) {
	if wrapping == nil || wrapping.Len() != KeyLen || len(wrapped) <= IVLen {
		return nil, ErrUnwrapFailed
	}
	key, err := open(wrapping.Bytes(), wrapped[:IVLen], wrapped[IVLen:])
	if err != nil {
		return nil, ErrUnwrapFailed
	}
	return NewSecretBuffer(key), nil
}

// EncryptBlob encrypts plaintext under a vault data key. A fresh random
// 96-bit IV is generated on every call and returned separately.
func EncryptBlob(key *SecretBuffer, plaintext []byte) (iv, ciphertext []byte, err error) {
	if key == nil || key.Len() != KeyLen {
		return nil, nil, ErrDecryptFailed
	}
	ciphertext, iv, err = seal(key.Bytes(), plaintext)
	if err != nil {
		return nil, nil, fmt.Errorf("encrypting blob: %w", err)
	}
	return iv, ciphertext, nil
}

// DecryptBlob decrypts a blob. Wrong key, flipped tag bit, and truncated
// ciphertext all return the uniform ErrDecryptFailed.
func DecryptBlob(key *SecretBuffer, iv, ciphertext []byte) ([]byte, error) {
	if key == nil || key.Len() != KeyLen || len(iv) != IVLen {
		return nil, ErrDecryptFailed
	}
	plaintext, err := open(key.Bytes(), iv, ciphertext)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

func seal(key, plaintext []byte) (ciphertext, nonce []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, err
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nonce, nil
}

func open(key, nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}
