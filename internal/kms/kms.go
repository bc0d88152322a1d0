package kms

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"sync"

	"tab-payment-service/internal/apperr"
)

const (
	KeySize   = 32
	IVSize    = 12
	TagSize   = 16
	headerLen = IVSize + TagSize

	minPlaintextLen = 3
	maxPlaintextLen = 1000
)

// Service encrypts and decrypts credential fields with AES-256-GCM.
// Blobs are laid out as IV(12) || tag(16) || ciphertext.
type Service struct {
	mu  sync.RWMutex
	key []byte
}

// New validates the master key and keeps a private copy of it.
func New(masterKey string) (*Service, error) {
	if err := ValidateMasterKey(masterKey); err != nil {
		return nil, err
	}
	key := make([]byte, KeySize)
	copy(key, masterKey)
	return &Service{key: key}, nil
}

func ValidateMasterKey(masterKey string) error {
	if masterKey == "" {
		return apperr.New(apperr.CodeKMSKeyMissing, "MPESA_KMS_MASTER_KEY is not set")
	}
	if len(masterKey) != KeySize {
		return apperr.Newf(apperr.CodeKMSKeyInvalidLength, "master key must be %d bytes, got %d", KeySize, len(masterKey))
	}
	for i := 0; i < len(masterKey); i++ {
		if masterKey[i] < 0x20 || masterKey[i] > 0x7e {
			return apperr.Newf(apperr.CodeKMSKeyInvalidFormat, "master key has a non printable byte at offset %d", i)
		}
	}
	return nil
}

func (s *Service) aead() (cipher.AEAD, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.key == nil {
		return nil, apperr.New(apperr.CodeKMSKeyMissing, "kms service is closed")
	}
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (s *Service) Encrypt(plaintext []byte) ([]byte, error) {
	gcm, err := s.aead()
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeEncryptionFailed, err, "cipher setup")
	}

	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, apperr.Wrap(apperr.CodeEncryptionFailed, err, "iv generation")
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ctLen := len(sealed) - TagSize

	blob := make([]byte, 0, headerLen+ctLen)
	blob = append(blob, iv...)
	blob = append(blob, sealed[ctLen:]...)
	blob = append(blob, sealed[:ctLen]...)
	Zero(sealed)
	return blob, nil
}

// Decrypt returns the plaintext. Callers own the returned buffer and should Zero it.
func (s *Service) Decrypt(blob []byte) ([]byte, error) {
	if len(blob) < headerLen {
		return nil, apperr.Newf(apperr.CodeInvalidEncryptedData, "blob is %d bytes, need at least %d", len(blob), headerLen)
	}
	iv := blob[:IVSize]
	tag := blob[IVSize:headerLen]
	ct := blob[headerLen:]

	if allZero(iv) || allZero(tag) {
		return nil, apperr.New(apperr.CodeCorruptedEncryptedData, "iv or tag is all zero")
	}

	gcm, err := s.aead()
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeDecryptionFailed, err, "cipher setup")
	}

	sealed := make([]byte, 0, len(ct)+TagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeAuthenticationFailed, err, "gcm tag verification failed")
	}
	return plaintext, nil
}

// DecryptString decrypts and validates a credential value, wiping the intermediate buffer.
func (s *Service) DecryptString(blob []byte) (string, error) {
	plaintext, err := s.Decrypt(blob)
	if err != nil {
		return "", err
	}
	defer Zero(plaintext)

	if err := ValidatePlaintext(plaintext); err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (s *Service) EncryptString(value string) ([]byte, error) {
	buf := []byte(value)
	defer Zero(buf)
	return s.Encrypt(buf)
}

// Close wipes the key. The service cannot be used afterwards.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	Zero(s.key)
	s.key = nil
}

// ValidatePlaintext rejects values that cannot be real credential material.
func ValidatePlaintext(p []byte) error {
	if len(p) == 0 {
		return apperr.New(apperr.CodeInvalidDecryptedData, "plaintext is empty")
	}
	if allZero(p) {
		return apperr.New(apperr.CodeInvalidDecryptedData, "plaintext is all NUL")
	}
	if len(p) < minPlaintextLen || len(p) > maxPlaintextLen {
		return apperr.Newf(apperr.CodeInvalidDecryptedData, "plaintext length %d outside [%d,%d]", len(p), minPlaintextLen, maxPlaintextLen)
	}

	control := 0
	for _, b := range p {
		if b < 0x20 || b == 0x7f {
			control++
		}
	}
	if control == len(p) {
		return apperr.New(apperr.CodeInvalidDecryptedData, "plaintext is all control characters")
	}
	for i, b := range p {
		if b < 0x20 || b > 0x7e {
			return apperr.New(apperr.CodeInvalidDecryptedData, fmt.Sprintf("non printable byte at offset %d", i))
		}
	}

	if len(p) >= 8 {
		first := p[0]
		repeated := true
		for _, b := range p[1:] {
			if b != first {
				repeated = false
				break
			}
		}
		if repeated {
			return apperr.New(apperr.CodeInvalidDecryptedData, "plaintext is a single repeated character")
		}
	}
	return nil
}

func Zero(b []byte) {
	clear(b)
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
