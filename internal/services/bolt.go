package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MegaGrindStone/llama-relay/internal/models"
	bolt "go.etcd.io/bbolt"
)

var (
	historyBucket = []byte("history")
	historyKey    = []byte("current")
)

// BoltDB stores the chat history document in a BoltDB file. It holds the same JSON document as
// JSONFile, under a single key, and gets BoltDB's transactional writes in exchange for an exclusive
// file lock held for the lifetime of the process.
type BoltDB struct {
	db   *bolt.DB
	path string
}

// NewBoltDB creates a new BoltDB instance with the specified file path. It initializes the database
// with the history bucket and returns an error if the database cannot be opened or initialized. The
// database file is created with 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(historyBucket)
		return err
	})
	if err != nil {
		db.Close()
		return BoltDB{}, fmt.Errorf("failed to create history bucket: %w", err)
	}

	return BoltDB{db: db, path: path}, nil
}

// Load retrieves the stored history. It returns ErrNoHistory if nothing has been saved yet.
func (b BoltDB) Load(context.Context) (models.ChatHistory, error) {
	var data []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(historyBucket)
		if bucket == nil {
			return nil
		}
		// The slice is only valid inside the transaction.
		if v := bucket.Get(historyKey); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return models.ChatHistory{}, fmt.Errorf("failed to read history: %w", err)
	}
	if data == nil {
		return models.ChatHistory{}, ErrNoHistory
	}

	return decodeHistory(data)
}

// Save replaces the stored history in a single transaction.
func (b BoltDB) Save(_ context.Context, history models.ChatHistory) error {
	v, err := json.Marshal(history)
	if err != nil {
		return &PersistError{Path: b.path, Err: fmt.Errorf("failed to marshal history: %w", err)}
	}

	err = b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(historyBucket)
		if err != nil {
			return err
		}
		return bucket.Put(historyKey, v)
	})
	if err != nil {
		return &PersistError{Path: b.path, Err: err}
	}
	return nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}
