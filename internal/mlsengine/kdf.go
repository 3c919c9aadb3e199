package mlsengine

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// deriveSecret runs HKDF (extract with salt, then expand with info) over
// secret and returns length bytes,
// following the germtb-style single-stage export used throughout this
// engine for both epoch advancement and application-key derivation.
func deriveSecret(secret, salt, info []byte, length int) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("mlsengine: hkdf: %w", err)
	}
	return out, nil
}

// advanceEpochSecret derives the next epoch's secret from the current one,
// salted by the current epoch number.
func advanceEpochSecret(epoch uint64, epochSecret []byte) ([]byte, error) {
	salt := make([]byte, 8)
	binary.BigEndian.PutUint64(salt, epoch)
	return deriveSecret(epochSecret, salt, []byte("mlschat epoch advance"), 32)
}

// applicationKey derives the symmetric AEAD key used to protect application
// messages sent during a given epoch.
func applicationKey(epoch uint64, epochSecret []byte) ([]byte, error) {
	salt := make([]byte, 8)
	binary.BigEndian.PutUint64(salt, epoch)
	return deriveSecret(epochSecret, salt, []byte("mlschat application key"), 32)
}

func randomEpochSecret() ([]byte, error) {
	out := make([]byte, 32)
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("mlsengine: generate epoch secret: %w", err)
	}
	return out, nil
}
