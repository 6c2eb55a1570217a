package store

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// keyCheckMessage is MACed with the encryption key; the tag is stored in the
// file so a wrong key is detected on open.
const keyCheckMessage = "keel/key-check/v1"

// KeyCheck returns the hex check value for a key.
func KeyCheck(key []byte) (string, error) {
	h, err := blake2b.New256(key)
	if err != nil {
		return "", fmt.Errorf("key check: %w", err)
	}
	h.Write([]byte(keyCheckMessage))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// checkKey verifies key against the stored check value, stamping it on a
// fresh file.
func checkKey(ctx context.Context, db *sql.DB, key []byte) error {
	stored, keyed, err := readMeta(ctx, db, metaKeyCheck)
	if err != nil {
		return fmt.Errorf("read key check: %w", err)
	}

	switch {
	case keyed && key == nil:
		return ErrEncrypted
	case keyed:
		want, err := KeyCheck(key)
		if err != nil {
			return err
		}
		if subtle.ConstantTimeCompare([]byte(want), []byte(stored)) != 1 {
			return ErrInvalidKey
		}
		return nil
	case key == nil:
		return nil
	}

	// A key for an unkeyed file is only accepted while the file is empty.
	_, versioned, err := readMeta(ctx, db, metaSchemaVersion)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if versioned {
		return fmt.Errorf("%w: file was created without a key", ErrInvalidKey)
	}

	check, err := KeyCheck(key)
	if err != nil {
		return err
	}
	if err := writeMeta(ctx, db, metaKeyCheck, check); err != nil {
		return fmt.Errorf("write key check: %w", err)
	}
	return nil
}
