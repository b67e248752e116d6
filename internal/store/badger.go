package store

import (
	"encoding/json"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
)

const attemptPrefix = "attempt/"

// Badger is a Journal backed by a badger database. Keys are
// attempt/<userOpHash>/<attempt id>; attempt ids are ULIDs so a prefix scan
// yields attempts in creation order.
type Badger struct {
	db *badger.DB
}

// OpenBadger opens the journal at path. An empty path keeps the database in
// memory.
func OpenBadger(path string) (*Badger, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	} else {
		opts = opts.WithSyncWrites(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Badger{db: db}, nil
}

func attemptKey(userOpHash, id string) []byte {
	return []byte(attemptPrefix + normalizeHash(userOpHash) + "/" + id)
}

func (b *Badger) Append(a Attempt) error {
	if a.ID == "" {
		a.ID = NewAttemptID()
	}
	value, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(attemptKey(a.UserOpHash, a.ID), value)
	})
}

func (b *Badger) List(userOpHash string) ([]Attempt, error) {
	prefix := []byte(attemptPrefix + normalizeHash(userOpHash) + "/")
	var out []Attempt
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 16
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			v, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var a Attempt
			if err := json.Unmarshal(v, &a); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, a)
		}
		return nil
	})
	return out, err
}

func (b *Badger) Latest(userOpHash string) (Attempt, error) {
	attempts, err := b.List(userOpHash)
	if err != nil {
		return Attempt{}, err
	}
	return latestBroadcast(attempts)
}

func (b *Badger) Close() error {
	return b.db.Close()
}
