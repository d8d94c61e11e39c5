package index

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
)

const passagePrefix = "passage/"

// BadgerIndex persists the corpus in a badger key-value store so an
// embedded corpus survives restarts. Search still runs over an in-memory
// view loaded at open time; badger is the durability layer, not the
// scanner. Insertion order is preserved through zero-padded sequence keys,
// keeping tie-breaking deterministic across reopens.
type BadgerIndex struct {
	db *badger.DB

	mu       sync.RWMutex
	passages []Passage
}

// OpenBadgerIndex opens or creates the store at path and loads all stored
// passages.
func OpenBadgerIndex(path string) (*BadgerIndex, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open passage store: %w", err)
	}

	idx := &BadgerIndex{db: db}
	err = db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			PrefetchValues: true,
			PrefetchSize:   100,
			Prefix:         []byte(passagePrefix),
		})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var p Passage
				if err := json.Unmarshal(val, &p); err != nil {
					return fmt.Errorf("failed to decode stored passage: %w", err)
				}
				idx.passages = append(idx.passages, p)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

// Add persists passages and makes them searchable.
func (b *BadgerIndex) Add(passages ...Passage) error {
	for _, p := range passages {
		if len(p.Embedding) == 0 {
			return fmt.Errorf("passage %q has no embedding", p.ID)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	seq := len(b.passages)
	err := b.db.Update(func(txn *badger.Txn) error {
		for i, p := range passages {
			val, err := json.Marshal(p)
			if err != nil {
				return fmt.Errorf("failed to encode passage %q: %w", p.ID, err)
			}
			key := fmt.Sprintf("%s%012d", passagePrefix, seq+i)
			if err := txn.Set([]byte(key), val); err != nil {
				return fmt.Errorf("failed to store passage %q: %w", p.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	b.passages = append(b.passages, passages...)
	return nil
}

// Size returns the number of stored passages.
func (b *BadgerIndex) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.passages)
}

func (b *BadgerIndex) GetTopDocs(ctx context.Context, queryEmbeddings [][]float32, n int) (TopDocs, error) {
	if err := validateQueries(queryEmbeddings, n); err != nil {
		return TopDocs{}, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.passages) == 0 {
		return TopDocs{}, fmt.Errorf("index is empty")
	}
	return rankPassages(ctx, b.passages, queryEmbeddings, n)
}

func (b *BadgerIndex) Close() error {
	return b.db.Close()
}
