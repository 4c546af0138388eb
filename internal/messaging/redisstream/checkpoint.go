package redisstream

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

const checkpointBucket = "stream_checkpoints"

// Checkpoint remembers the last stream entry the relay has finished with.
type Checkpoint struct {
	db *bolt.DB
}

// OpenCheckpoint opens or creates the checkpoint file at path.
func OpenCheckpoint(path string) (*Checkpoint, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("redisstream: checkpoint path is required")
	}
	clean := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(clean), 0o755); err != nil {
		return nil, fmt.Errorf("redisstream: checkpoint dir: %w", err)
	}
	db, err := bolt.Open(clean, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("redisstream: open checkpoint: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(checkpointBucket))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("redisstream: create bucket: %w", err)
	}
	return &Checkpoint{db: db}, nil
}

// Load returns the last entry id recorded for stream, or "0" when the stream
// has never been read.
func (c *Checkpoint) Load(stream string) (string, error) {
	id := "0"
	err := c.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket([]byte(checkpointBucket)).Get([]byte(stream)); len(v) > 0 {
			id = string(v)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("redisstream: load checkpoint %s: %w", stream, err)
	}
	return id, nil
}

// Save records entryID as the last entry handled on stream.
func (c *Checkpoint) Save(stream, entryID string) error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(checkpointBucket)).Put([]byte(stream), []byte(entryID))
	})
	if err != nil {
		return fmt.Errorf("redisstream: save checkpoint %s: %w", stream, err)
	}
	return nil
}

// Close closes the checkpoint file.
func (c *Checkpoint) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}
