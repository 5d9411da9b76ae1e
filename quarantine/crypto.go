// Vigil
// Copyright (c) 2024, 2026, Vigil Security GmbH

package quarantine

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/hkdf"
)

// ErrEncryptionFailed is returned when stored content cannot be decrypted,
// which points at a wrong key or a tampered container file.
var ErrEncryptionFailed = errors.New("quarantine container decryption failed")

const keyInfo = "vigil-quarantine-v1"

// loadOrCreateKey reads the 32-byte master key from the key file, creating
// one from the system entropy source on first use. The key file must not be
// readable by other users.
func loadOrCreateKey(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		if len(raw) != 32 {
			return nil, fmt.Errorf("key file %s has %d bytes, want 32", path, len(raw))
		}
		return raw, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, key, 0600); err != nil {
		return nil, err
	}
	return key, nil
}

// deriveKey expands the master key into the AES key actually used for
// container encryption, so that the master key itself never touches data.
func deriveKey(master []byte) ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, master, nil, []byte(keyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

type sealer struct {
	aead     cipher.AEAD
	compress bool
	enc      *zstd.Encoder
	dec      *zstd.Decoder
}

func makeSealer(master []byte, compress bool) (*sealer, error) {
	key, err := deriveKey(master)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &sealer{aead: aead, compress: compress, enc: enc, dec: dec}, nil
}

// seal optionally compresses and then encrypts plaintext into a container
// blob of nonce || ciphertext.
func (s *sealer) seal(plain []byte) ([]byte, error) {
	if s.compress {
		plain = s.enc.EncodeAll(plain, nil)
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plain, nil), nil
}

// open decrypts a container blob, decompressing when it was sealed
// compressed.
func (s *sealer) open(blob []byte, compressed bool) ([]byte, error) {
	ns := s.aead.NonceSize()
	if len(blob) < ns {
		return nil, ErrEncryptionFailed
	}
	plain, err := s.aead.Open(nil, blob[:ns], blob[ns:], nil)
	if err != nil {
		return nil, ErrEncryptionFailed
	}
	if !compressed {
		return plain, nil
	}
	plain, err = s.dec.DecodeAll(plain, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing quarantined content: %w", err)
	}
	return plain, nil
}
