package objectstore

import (
	"context"
	"crypto/rand"
	"io"
	"time"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

const nonceSize = 24

// DeriveKey turns a passphrase into a secretbox key with scrypt.
func DeriveKey(passphrase string, salt []byte) ([32]byte, error) {
	var key [32]byte
	if passphrase == "" {
		return key, ErrInvalidName.New("empty passphrase")
	}
	if len(salt) < 8 {
		return key, ErrInvalidName.New("salt must be at least 8 bytes")
	}
	derived, err := scrypt.Key([]byte(passphrase), salt, 1<<15, 8, 1, len(key))
	if err != nil {
		return key, Error.New("failed to derive key: %v", err)
	}
	copy(key[:], derived)
	return key, nil
}

// Encrypted seals every value with secretbox before handing it to the inner
// store. Keys and child store names are stored in the clear.
//
// A value that fails to open (wrong key, truncated file) is reported as
// missing, so callers treat it like a cache miss and download it again.
type Encrypted struct {
	inner Store
	key   [32]byte
}

// NewEncrypted wraps inner, sealing values with key.
func NewEncrypted(inner Store, key [32]byte) *Encrypted {
	return &Encrypted{inner: inner, key: key}
}

func (e *Encrypted) Get(ctx context.Context, key string) ([]byte, error) {
	sealed, err := e.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, ErrKeyNotFound.New("%q: value too short to decrypt", key)
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &e.key)
	if !ok {
		return nil, ErrKeyNotFound.New("%q: value cannot be decrypted", key)
	}
	return plain, nil
}

func (e *Encrypted) Put(ctx context.Context, key string, value []byte) error {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return Error.New("failed to generate nonce: %v", err)
	}
	sealed := secretbox.Seal(nonce[:], value, &nonce, &e.key)
	return e.inner.Put(ctx, key, sealed)
}

func (e *Encrypted) Delete(ctx context.Context, key string) error {
	return e.inner.Delete(ctx, key)
}

func (e *Encrypted) Exists(ctx context.Context, key string) (bool, error) {
	return e.inner.Exists(ctx, key)
}

func (e *Encrypted) Keys(ctx context.Context) ([]string, error) {
	return e.inner.Keys(ctx)
}

func (e *Encrypted) DeleteAll(ctx context.Context) error {
	return e.inner.DeleteAll(ctx)
}

func (e *Encrypted) UpdateDate(ctx context.Context, key string) (time.Time, error) {
	return e.inner.UpdateDate(ctx, key)
}

// CreateChild returns the child store, also encrypted with the same key.
func (e *Encrypted) CreateChild(ctx context.Context, name string) (Store, error) {
	child, err := e.inner.CreateChild(ctx, name)
	if err != nil {
		return nil, err
	}
	return NewEncrypted(child, e.key), nil
}

func (e *Encrypted) DeleteChild(ctx context.Context, name string) error {
	return e.inner.DeleteChild(ctx, name)
}

func (e *Encrypted) ChildExists(ctx context.Context, name string) (bool, error) {
	return e.inner.ChildExists(ctx, name)
}
