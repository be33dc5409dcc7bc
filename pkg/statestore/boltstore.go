package statestore

import (
	"bytes"
	"context"
	"time"

	"github.com/boltdb/bolt"
)

// boltTimeout bounds the wait for the file lock when another process holds
// the database open.
const boltTimeout = 5 * time.Second

var stateBucket = []byte("walletState")

// Bolt persists the shared state in a single-file boltdb database. Suitable
// for single-host deployments where all contexts run in one process; the
// change feed is process-local.
type Bolt struct {
	db   *bolt.DB
	feed *feed
}

func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: boltTimeout})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(stateBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Bolt{db: db, feed: newFeed()}, nil
}

func (b *Bolt) Get(_ context.Context, key string) ([]byte, bool, error) {
	var out []byte
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(stateBucket).Get([]byte(key))
		if v != nil {
			found = true
			out = make([]byte, len(v))
			copy(out, v)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, found, nil
}

func (b *Bolt) Set(_ context.Context, key string, value []byte) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(stateBucket).Put([]byte(key), value)
	})
	if err != nil {
		return err
	}
	v := make([]byte, len(value))
	copy(v, value)
	b.feed.publish(Event{Key: key, Value: v})
	return nil
}

func (b *Bolt) Delete(_ context.Context, key string) error {
	existed := false
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(stateBucket)
		if bk.Get([]byte(key)) != nil {
			existed = true
		}
		return bk.Delete([]byte(key))
	})
	if err != nil {
		return err
	}
	if existed {
		b.feed.publish(Event{Key: key, Deleted: true})
	}
	return nil
}

func (b *Bolt) List(_ context.Context, prefix string) (map[string][]byte, error) {
	out := map[string][]byte{}
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(stateBucket).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			cp := make([]byte, len(v))
			copy(cp, v)
			out[string(k)] = cp
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Bolt) Subscribe(fn func(Event)) (cancel func()) {
	return b.feed.subscribe(fn)
}

func (b *Bolt) Close() error {
	return b.db.Close()
}
