package objectstore

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	boltFileMode = 0600
	boltTimeout  = 1 * time.Second

	boltRootBucket  = "root"
	boltValuePrefix = "v:"
	boltChildPrefix = "c:"
)

// Bolt keeps a store tree in a single bbolt file. Every store is a bucket;
// child stores are nested buckets. Values carry an 8-byte write timestamp
// ahead of the payload.
type Bolt struct {
	db    *bolt.DB
	path  []string
	owner bool
}

// OpenBolt opens (or creates) a bolt file and returns its root store.
// The caller MUST call Close on the root store when done.
func OpenBolt(path string) (*Bolt, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, Error.New("failed to create database directory: %v", err)
	}
	db, err := bolt.Open(path, boltFileMode, &bolt.Options{Timeout: boltTimeout})
	if err != nil {
		return nil, Error.New("failed to open bolt file: %v", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(boltRootBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, Error.Wrap(err)
	}
	return &Bolt{db: db, path: nil, owner: true}, nil
}

// Close closes the bolt file. Close on a child store is a no-op.
func (b *Bolt) Close() error {
	if !b.owner {
		return nil
	}
	return Error.Wrap(b.db.Close())
}

// bucket walks from the root bucket down the store path.
// It returns nil if a bucket on the path was deleted.
func (b *Bolt) bucket(tx *bolt.Tx) *bolt.Bucket {
	bkt := tx.Bucket([]byte(boltRootBucket))
	for _, name := range b.path {
		if bkt == nil {
			return nil
		}
		bkt = bkt.Bucket([]byte(boltChildPrefix + name))
	}
	return bkt
}

func (b *Bolt) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := b.bucket(tx)
		if bkt == nil {
			return ErrKeyNotFound.New("%q", key)
		}
		raw := bkt.Get([]byte(boltValuePrefix + key))
		if raw == nil {
			return ErrKeyNotFound.New("%q", key)
		}
		// bolt memory is only valid inside the transaction
		value = append([]byte(nil), raw[8:]...)
		return nil
	})
	return value, err
}

func (b *Bolt) Put(ctx context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	raw := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(raw, uint64(time.Now().UnixNano()))
	copy(raw[8:], value)
	return Error.Wrap(b.db.Update(func(tx *bolt.Tx) error {
		bkt := b.bucket(tx)
		if bkt == nil {
			return Error.New("store %v was deleted", b.path)
		}
		return bkt.Put([]byte(boltValuePrefix+key), raw)
	}))
}

func (b *Bolt) Delete(ctx context.Context, key string) error {
	return Error.Wrap(b.db.Update(func(tx *bolt.Tx) error {
		bkt := b.bucket(tx)
		if bkt == nil {
			return nil
		}
		return bkt.Delete([]byte(boltValuePrefix + key))
	}))
}

func (b *Bolt) Exists(ctx context.Context, key string) (bool, error) {
	exists := false
	err := b.db.View(func(tx *bolt.Tx) error {
		if bkt := b.bucket(tx); bkt != nil {
			exists = bkt.Get([]byte(boltValuePrefix+key)) != nil
		}
		return nil
	})
	return exists, Error.Wrap(err)
}

func (b *Bolt) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := b.bucket(tx)
		if bkt == nil {
			return nil
		}
		return bkt.ForEach(func(k, v []byte) error {
			if v != nil && len(k) > len(boltValuePrefix) && string(k[:len(boltValuePrefix)]) == boltValuePrefix {
				keys = append(keys, string(k[len(boltValuePrefix):]))
			}
			return nil
		})
	})
	sort.Strings(keys)
	return keys, Error.Wrap(err)
}

func (b *Bolt) DeleteAll(ctx context.Context) error {
	return Error.Wrap(b.db.Update(func(tx *bolt.Tx) error {
		bkt := b.bucket(tx)
		if bkt == nil {
			return nil
		}
		var values, children [][]byte
		err := bkt.ForEach(func(k, v []byte) error {
			key := append([]byte(nil), k...)
			if v == nil {
				children = append(children, key)
			} else {
				values = append(values, key)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range values {
			if err := bkt.Delete(k); err != nil {
				return err
			}
		}
		for _, k := range children {
			if err := bkt.DeleteBucket(k); err != nil {
				return err
			}
		}
		return nil
	}))
}

func (b *Bolt) UpdateDate(ctx context.Context, key string) (time.Time, error) {
	var updated time.Time
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := b.bucket(tx)
		if bkt == nil {
			return ErrKeyNotFound.New("%q", key)
		}
		raw := bkt.Get([]byte(boltValuePrefix + key))
		if raw == nil {
			return ErrKeyNotFound.New("%q", key)
		}
		updated = time.Unix(0, int64(binary.BigEndian.Uint64(raw[:8])))
		return nil
	})
	return updated, err
}

func (b *Bolt) CreateChild(ctx context.Context, name string) (Store, error) {
	if err := validateChildName(name); err != nil {
		return nil, err
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := b.bucket(tx)
		if bkt == nil {
			return Error.New("store %v was deleted", b.path)
		}
		_, err := bkt.CreateBucketIfNotExists([]byte(boltChildPrefix + name))
		return err
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	path := append(append([]string(nil), b.path...), name)
	return &Bolt{db: b.db, path: path}, nil
}

func (b *Bolt) DeleteChild(ctx context.Context, name string) error {
	if err := validateChildName(name); err != nil {
		return err
	}
	return Error.Wrap(b.db.Update(func(tx *bolt.Tx) error {
		bkt := b.bucket(tx)
		if bkt == nil || bkt.Bucket([]byte(boltChildPrefix+name)) == nil {
			return nil
		}
		return bkt.DeleteBucket([]byte(boltChildPrefix + name))
	}))
}

func (b *Bolt) ChildExists(ctx context.Context, name string) (bool, error) {
	if err := validateChildName(name); err != nil {
		return false, err
	}
	exists := false
	err := b.db.View(func(tx *bolt.Tx) error {
		if bkt := b.bucket(tx); bkt != nil {
			exists = bkt.Bucket([]byte(boltChildPrefix+name)) != nil
		}
		return nil
	})
	return exists, Error.Wrap(err)
}
