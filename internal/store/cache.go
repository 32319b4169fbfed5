package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const metaBucket = "_meta"

// cache is the derived, rebuildable query index backing get/list. It is
// never the source of truth — the jsonl log is — but it lets those calls
// answer in O(matches) instead of rescanning the log on every read, the
// same shape as the teacher's bbolt wrapper (Open/PutJSON/GetJSON/ForEach),
// generalized here to track a last-synced mtime per collection so staleness
// can be detected against the log file.
type cache struct {
	db *bolt.DB
}

func openCache(path string) (*cache, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open cache: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(metaBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &cache{db: db}, nil
}

func (c *cache) Close() error { return c.db.Close() }

func (c *cache) ensureBucket(collection string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(collection))
		return err
	})
}

func (c *cache) put(collection, id string, raw []byte) error {
	if err := c.ensureBucket(collection); err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(collection)).Put([]byte(id), raw)
	})
}

func (c *cache) get(collection, id string) ([]byte, bool, error) {
	var out []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return nil
		}
		v := b.Get([]byte(id))
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, out != nil, err
}

func (c *cache) forEach(collection string, fn func(id string, raw []byte) error) error {
	return c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			return fn(string(k), v)
		})
	})
}

func (c *cache) clear(collection string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(collection)); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		_, err := tx.CreateBucket([]byte(collection))
		return err
	})
}

func (c *cache) setSyncedMtime(collection string, t time.Time) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(metaBucket))
		enc, err := json.Marshal(t.UnixNano())
		if err != nil {
			return err
		}
		return b.Put([]byte(collection), enc)
	})
}

func (c *cache) syncedMtime(collection string) (time.Time, bool) {
	var nanos int64
	found := false
	_ = c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(metaBucket))
		if b == nil {
			return nil
		}
		v := b.Get([]byte(collection))
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &nanos); err == nil {
			found = true
		}
		return nil
	})
	if !found {
		return time.Time{}, false
	}
	return time.Unix(0, nanos), true
}
