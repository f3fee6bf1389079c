package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"

	"github.com/fuji-money/fujiswap/pkg/helpers"
)

// Argon2 parameters (OWASP recommended for password hashing)
const (
	argon2Time        = 3         // Number of iterations
	argon2Memory      = 64 * 1024 // 64 MB memory
	argon2Parallelism = 4         // Parallel threads
	argon2KeyLen      = 32        // Output key length for AES-256
	argon2SaltLen     = 32        // Salt length
)

// ErrSealedKey is returned when a sealed key is read without a passphrase.
var ErrSealedKey = errors.New("swap key is sealed and no passphrase is configured")

// sealedBox is the at-rest form of a sealed secret.
type sealedBox struct {
	Version     int    `json:"version"`
	Ciphertext  []byte `json:"ciphertext"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Time        uint32 `json:"time"`
	Memory      uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
}

// Sealer encrypts secrets with Argon2id + AES-256-GCM.
type Sealer struct {
	passphrase []byte
}

// NewSealer creates a sealer for passphrase.
func NewSealer(passphrase string) *Sealer {
	return &Sealer{passphrase: []byte(passphrase)}
}

// Seal encrypts plaintext under a fresh salt and nonce.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	salt, err := helpers.GenerateSecureRandom(argon2SaltLen)
	if err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := s.aead(salt, argon2Time, argon2Memory, argon2Parallelism)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return json.Marshal(sealedBox{
		Version:     1,
		Ciphertext:  gcm.Seal(nil, nonce, plaintext, nil),
		Salt:        salt,
		Nonce:       nonce,
		Time:        argon2Time,
		Memory:      argon2Memory,
		Parallelism: argon2Parallelism,
	})
}

// Open decrypts a value produced by Seal.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	var box sealedBox
	if err := json.Unmarshal(sealed, &box); err != nil {
		return nil, fmt.Errorf("invalid sealed key: %w", err)
	}

	// Use stored parameters or defaults
	t, memory, parallelism := box.Time, box.Memory, box.Parallelism
	if t == 0 {
		t = argon2Time
	}
	if memory == 0 {
		memory = argon2Memory
	}
	if parallelism == 0 {
		parallelism = argon2Parallelism
	}

	gcm, err := s.aead(box.Salt, t, memory, parallelism)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, box.Nonce, box.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt (wrong passphrase?): %w", err)
	}
	return plaintext, nil
}

func (s *Sealer) aead(salt []byte, t, memory uint32, parallelism uint8) (cipher.AEAD, error) {
	key := argon2.IDKey(s.passphrase, salt, t, memory, parallelism, argon2KeyLen)
	defer helpers.SecureClear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
