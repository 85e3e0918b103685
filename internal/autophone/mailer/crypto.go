// AutoPhone is a continuous-integration dispatcher for on-device test farms.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package mailer

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	nonceSize  = 12
	keySize    = 32
	iterations = 100000
)

// passwordCipher encrypts and decrypts the [email] password field of an
// email.ini so the operator need not leave it as plaintext on disk. The
// derivation salt binds the resulting key to the config path it came from,
// so the same --email-key passphrase produces an unrelated key for a
// different email.ini; copying an encrypted password between config files
// fails to decrypt instead of silently succeeding.
type passwordCipher struct {
	key []byte
}

// newPasswordCipher derives an AES-256 key from passphrase, salted by
// configPath.
func newPasswordCipher(passphrase, configPath string) (*passwordCipher, error) {
	if passphrase == "" {
		return nil, errors.New("mailer: passphrase cannot be empty")
	}

	salt := sha256.Sum256([]byte(configPath + "\x00" + passphrase))
	key := pbkdf2.Key([]byte(passphrase), salt[:], iterations, keySize, sha256.New)

	return &passwordCipher{key: key}, nil
}

// encrypt encrypts a plaintext password, returning a base64-encoded
// nonce||ciphertext.
func (c *passwordCipher) encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", errors.New("mailer: plaintext cannot be empty")
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("mailer: build cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("mailer: build GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("mailer: generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	combined := append(nonce, ciphertext...)
	return base64.StdEncoding.EncodeToString(combined), nil
}

// decrypt reverses encrypt.
func (c *passwordCipher) decrypt(encrypted string) (string, error) {
	if encrypted == "" {
		return "", errors.New("mailer: encrypted text cannot be empty")
	}

	combined, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("mailer: decode base64: %w", err)
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("mailer: build cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("mailer: build GCM: %w", err)
	}
	if len(combined) < gcm.NonceSize() {
		return "", errors.New("mailer: encrypted text too short")
	}

	nonce, ciphertext := combined[:gcm.NonceSize()], combined[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("mailer: decrypt: %w", err)
	}
	return string(plaintext), nil
}

// isEncryptedPassword heuristically distinguishes an encrypted password
// (base64 of at least a nonce and a GCM tag) from a plaintext one, so
// Mailer.New only reaches for the passphrase when it needs to.
func isEncryptedPassword(s string) bool {
	if s == "" {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return false
	}
	return len(decoded) >= nonceSize+16
}
