/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/pbkdf2"

	perrors "pagecache/internal/errors"
	"pagecache/internal/storage/disk"
)

// Config holds the key material for the AES codec.
type Config struct {
	// Key is the 32-byte AES-256 key.
	// If empty and Passphrase is set, the key is derived from the passphrase.
	Key []byte

	// Passphrase is used to derive the key if Key is not set.
	Passphrase string

	// Salt is used for key derivation. If empty, DefaultSalt is used.
	Salt []byte
}

// DefaultSalt is used when no salt is provided for key derivation.
var DefaultSalt = []byte("pagecache-default-salt-v1")

// KeyDerivationIterations is the number of PBKDF2 iterations.
const KeyDerivationIterations = 100000

const (
	nonceSize      = 12
	tagSize        = 16
	fingerprintLen = 16
	fingerprintCtx = "pagecache key check v1"
)

// AES is an AES-256-GCM page codec.
type AES struct {
	gcm         cipher.AEAD
	fingerprint []byte
}

// NewAES builds an AES codec from cfg.
func NewAES(cfg Config) (*AES, error) {
	key := cfg.Key
	if len(key) == 0 && cfg.Passphrase != "" {
		salt := cfg.Salt
		if len(salt) == 0 {
			salt = DefaultSalt
		}
		key = pbkdf2.Key([]byte(cfg.Passphrase), salt, KeyDerivationIterations, 32, sha256.New)
	}
	if len(key) == 0 {
		return nil, perrors.InvalidValue("passphrase", "required when encryption is enabled").
			WithHint("Set PAGECACHE_ENCRYPTION_PASSPHRASE or disable encryption_enabled")
	}
	if len(key) != 32 {
		return nil, perrors.InvalidValue("key", "must be 32 bytes (256 bits)")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, perrors.CodecFailure("", "init", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, perrors.CodecFailure("", "init", err)
	}

	sum := blake3.Sum256(append([]byte(fingerprintCtx), key...))
	return &AES{gcm: gcm, fingerprint: sum[:fingerprintLen]}, nil
}

// Name returns "aes-256-gcm".
func (a *AES) Name() string { return "aes-256-gcm" }

// Overhead returns the nonce plus tag size.
func (a *AES) Overhead() int { return nonceSize + tagSize }

// Fingerprint returns a blake3 digest of the key.
func (a *AES) Fingerprint() []byte {
	return append([]byte(nil), a.fingerprint...)
}

func additionalData(key disk.PageKey) []byte {
	var ad [6]byte
	binary.BigEndian.PutUint16(ad[0:2], uint16(key.Space))
	binary.BigEndian.PutUint32(ad[2:6], uint32(key.Page))
	return ad[:]
}

// Encode seals page into slot as nonce || ciphertext || tag.
func (a *AES) Encode(key disk.PageKey, page, slot []byte) error {
	if len(page) != disk.PageSize || len(slot) != disk.PageSize+a.Overhead() {
		return perrors.CodecFailure(key.String(), "encode", errors.New("bad buffer length"))
	}
	nonce := slot[:nonceSize]
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return perrors.CodecFailure(key.String(), "encode", err)
	}
	out := a.gcm.Seal(slot[nonceSize:nonceSize], nonce, page, additionalData(key))
	if len(out) != disk.PageSize+tagSize {
		return perrors.CodecFailure(key.String(), "encode", fmt.Errorf("sealed %d bytes", len(out)))
	}
	return nil
}

// Decode opens slot into page.
func (a *AES) Decode(key disk.PageKey, slot, page []byte) error {
	if len(page) != disk.PageSize || len(slot) != disk.PageSize+a.Overhead() {
		return perrors.CodecFailure(key.String(), "decode", errors.New("bad buffer length"))
	}
	if isZero(slot) {
		clear(page)
		return nil
	}
	var plain [disk.PageSize]byte
	out, err := a.gcm.Open(plain[:0], slot[:nonceSize], slot[nonceSize:], additionalData(key))
	if err != nil {
		return perrors.CodecFailure(key.String(), "decode", err)
	}
	copy(page, out)
	return nil
}
