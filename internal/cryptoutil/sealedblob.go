package cryptoutil

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

// sealedBlobVersion is the current on-disk format written by SealBlob.
const sealedBlobVersion = 1

// ErrWrongPassphrase is returned by UnsealBlob when the passphrase is
// incorrect or the ciphertext has been modified or corrupted.
var ErrWrongPassphrase = errors.New("cryptoutil: wrong passphrase or corrupted blob")

type sealedBlob struct {
	V      int    `json:"v"`
	Salt   []byte `json:"salt"`
	N      int    `json:"scrypt_n"`
	R      int    `json:"scrypt_r"`
	P      int    `json:"scrypt_p"`
	Cipher []byte `json:"cipher"`
}

// ScryptParamsDefault returns the scrypt work factors used when no caller
// override is supplied.
func ScryptParamsDefault() (n, r, p int) { return 1 << 15, 8, 1 }

// SealBlob derives a key from passphrase with scrypt and seals raw with
// ChaCha20-Poly1305, returning a self-describing JSON envelope. Every call
// draws a fresh random salt, so the fixed all-zero nonce never repeats
// under the same derived key.
func SealBlob(passphrase string, raw []byte) ([]byte, error) {
	var salt [16]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return nil, err
	}
	n, r, p := ScryptParamsDefault()
	key, err := scrypt.Key([]byte(passphrase), salt[:], n, r, p, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	var nonce [chacha20poly1305.NonceSize]byte
	ct := aead.Seal(nil, nonce[:], raw, salt[:])

	return json.Marshal(sealedBlob{V: sealedBlobVersion, Salt: salt[:], N: n, R: r, P: p, Cipher: ct})
}

// UnsealBlob reverses SealBlob.
func UnsealBlob(passphrase string, raw []byte) ([]byte, error) {
	var b sealedBlob
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, err
	}
	if b.V > sealedBlobVersion {
		return nil, fmt.Errorf("cryptoutil: unsupported blob version %d", b.V)
	}
	key, err := scrypt.Key([]byte(passphrase), b.Salt, b.N, b.R, b.P, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	var nonce [chacha20poly1305.NonceSize]byte
	pt, err := aead.Open(nil, nonce[:], b.Cipher, b.Salt)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return pt, nil
}
