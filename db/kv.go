package db

import (
	"bytes"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/anterales/relay/relayerr"
)

// Tree names. Each is a bbolt bucket created at open; keys within a tree
// are ordered bytewise.
const (
	TreeListeners       = "listeners"
	TreeListenerInboxes = "listener_inboxes"
	TreeActors          = "actors"
	TreeKeyIDIndex      = "key_id_index"
	TreeBlocks          = "blocks"
	TreeAllows          = "allows"
	TreeSettings        = "settings"
	TreeLastOnline      = "last_online"
	TreeNodes           = "nodes"
	TreeContacts        = "contacts"
	TreeMedia           = "media"
	TreeMediaIndex      = "media_index"
	TreeJobs            = "jobs"
)

var allTrees = []string{
	TreeListeners, TreeListenerInboxes, TreeActors, TreeKeyIDIndex,
	TreeBlocks, TreeAllows, TreeSettings, TreeLastOnline, TreeNodes,
	TreeContacts, TreeMedia, TreeMediaIndex, TreeJobs,
}

// KV exposes typed ordered trees over the embedded engine. Values are
// opaque bytes; callers encode and decode. Every write is durable before
// the call returns.
type KV struct {
	db *bolt.DB
}

// OpenKV opens (or creates) the data directory's store file and ensures
// all trees exist.
func OpenKV(path string) (*KV, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, relayerr.Wrap(relayerr.StoreCorrupt, "opening store", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, tree := range allTrees {
			if _, err := tx.CreateBucketIfNotExists([]byte(tree)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, relayerr.Wrap(relayerr.StoreCorrupt, "creating trees", err)
	}

	return &KV{db: db}, nil
}

func (kv *KV) Close() error {
	return kv.db.Close()
}

// Get returns the value under key, or nil if absent.
func (kv *KV) Get(tree string, key []byte) ([]byte, error) {
	var out []byte
	err := kv.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(tree)).Get(key)
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, relayerr.Wrap(relayerr.StoreTransient, "get", err)
	}
	return out, nil
}

func (kv *KV) Put(tree string, key, value []byte) error {
	err := kv.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(tree)).Put(key, value)
	})
	if err != nil {
		return relayerr.Wrap(relayerr.StoreTransient, "put", err)
	}
	return nil
}

func (kv *KV) Delete(tree string, key []byte) error {
	err := kv.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(tree)).Delete(key)
	})
	if err != nil {
		return relayerr.Wrap(relayerr.StoreTransient, "delete", err)
	}
	return nil
}

// Range iterates keys with the given prefix in order, inside a single read
// transaction, so the caller sees a consistent snapshot. A nil prefix
// iterates the whole tree. Returning an error from fn stops the iteration.
func (kv *KV) Range(tree string, prefix []byte, fn func(key, value []byte) error) error {
	err := kv.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(tree)).Cursor()
		var k, v []byte
		if prefix == nil {
			k, v = c.First()
		} else {
			k, v = c.Seek(prefix)
		}
		for ; k != nil; k, v = c.Next() {
			if prefix != nil && !bytes.HasPrefix(k, prefix) {
				break
			}
			if err := fn(k, v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if kind := relayerr.KindOf(err); kind != relayerr.KindUnknown {
			return err
		}
		return relayerr.Wrap(relayerr.StoreTransient, "range", err)
	}
	return nil
}

// CAS atomically replaces the value under key if the current value equals
// expected. A nil expected means the key must be absent; a nil next deletes
// the key. It reports whether the swap applied and, if not, the current
// value at the time of the attempt.
func (kv *KV) CAS(tree string, key, expected, next []byte) (bool, []byte, error) {
	var applied bool
	var current []byte

	err := kv.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(tree))
		cur := b.Get(key)

		if !bytes.Equal(cur, expected) {
			if cur != nil {
				current = append([]byte(nil), cur...)
			}
			return nil
		}

		applied = true
		if next == nil {
			return b.Delete(key)
		}
		return b.Put(key, next)
	})
	if err != nil {
		return false, nil, relayerr.Wrap(relayerr.StoreTransient, "cas", err)
	}
	return applied, current, nil
}
