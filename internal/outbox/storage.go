package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/listsync/internal/metrics"
)

var (
	bucketEntries    = []byte("entries")
	bucketPending    = []byte("pending")
	bucketDeferred   = []byte("deferred")
	bucketDeadLetter = []byte("dead_letter")
)

// BoltStorage implements Queue using BoltDB. It owns the database file;
// other stores share it through DB().
type BoltStorage struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBoltStorage opens (or creates) the database at path
func NewBoltStorage(path string) (*BoltStorage, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketEntries, bucketPending, bucketDeferred, bucketDeadLetter} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStorage{db: db, now: time.Now}, nil
}

// Enqueue adds an entry to the pending index
func (s *BoltStorage) Enqueue(ctx context.Context, e *Entry) error {
	now := s.now()
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	e.Status = StatusPending

	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketEntries).Get([]byte(e.ID)) != nil {
			return fmt.Errorf("entry %s already exists", e.ID)
		}
		return putEntry(tx, nil, e)
	})
}

// Dequeue returns the next due entry and marks it as sending. Deferred
// entries whose retry time has passed go first, then pending ones.
func (s *BoltStorage) Dequeue(ctx context.Context) (*Entry, error) {
	var entry *Entry

	err := s.db.Update(func(tx *bolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		now := s.now()

		pick := func(index []byte, due func(k []byte) bool) (*Entry, error) {
			c := tx.Bucket(index).Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				if !due(k) {
					return nil, nil
				}

				data := entries.Get(v)
				if data == nil {
					// Entry was deleted, clean up index
					if err := c.Delete(); err != nil {
						return nil, err
					}
					continue
				}

				var e Entry
				if err := json.Unmarshal(data, &e); err != nil {
					continue
				}
				if err := c.Delete(); err != nil {
					return nil, err
				}

				e.Status = StatusSending
				e.UpdatedAt = now
				if err := putEntry(tx, nil, &e); err != nil {
					return nil, err
				}
				return &e, nil
			}
			return nil, nil
		}

		var err error
		entry, err = pick(bucketDeferred, func(k []byte) bool {
			return !parseTimestampFromKey(k).After(now)
		})
		if err != nil || entry != nil {
			return err
		}

		entry, err = pick(bucketPending, func([]byte) bool { return true })
		return err
	})

	return entry, err
}

// Update stores the entry and moves it to the index matching its status
func (s *BoltStorage) Update(ctx context.Context, e *Entry) error {
	e.UpdatedAt = s.now()

	return s.db.Update(func(tx *bolt.Tx) error {
		old, err := getEntry(tx, e.ID)
		if err != nil {
			return err
		}
		if old == nil {
			return ErrNotFound
		}
		return putEntry(tx, old, e)
	})
}

// MoveToDLQ marks the entry failed and adds it to the dead letter queue
func (s *BoltStorage) MoveToDLQ(ctx context.Context, e *Entry) error {
	e.Status = StatusFailed
	e.FailedAt = s.now()
	return s.Update(ctx, e)
}

// Get retrieves an entry by ID. Returns nil, nil if it does not exist.
func (s *BoltStorage) Get(ctx context.Context, id string) (*Entry, error) {
	var entry *Entry

	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		entry, err = getEntry(tx, id)
		return err
	})

	return entry, err
}

// List returns entries ordered by ID with optional filtering
func (s *BoltStorage) List(ctx context.Context, filter ListFilter) ([]*Entry, error) {
	var list []*Entry

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()

		count := 0
		skipped := 0

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}

			if filter.Status != "" && e.Status != filter.Status {
				continue
			}
			if filter.ListID != "" && e.ListID != filter.ListID {
				continue
			}

			if skipped < filter.Offset {
				skipped++
				continue
			}

			list = append(list, &e)
			count++

			if filter.Limit > 0 && count >= filter.Limit {
				break
			}
		}

		return nil
	})

	return list, err
}

// Delete removes an entry and its index keys
func (s *BoltStorage) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		e, err := getEntry(tx, id)
		if err != nil {
			return err
		}
		if e == nil {
			return ErrNotFound
		}
		if err := removeIndexes(tx, e); err != nil {
			return err
		}
		return tx.Bucket(bucketEntries).Delete([]byte(id))
	})
}

// Retry puts a failed or deferred entry back into the pending index with a
// fresh retry budget
func (s *BoltStorage) Retry(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		old, err := getEntry(tx, id)
		if err != nil {
			return err
		}
		if old == nil {
			return ErrNotFound
		}
		if old.Status != StatusFailed && old.Status != StatusDeferred {
			return fmt.Errorf("entry %s is %s: %w", id, old.Status, ErrNotRetryable)
		}

		e := *old
		e.Status = StatusPending
		e.RetryCount = 0
		e.LastError = ""
		e.NextRetryAt = time.Time{}
		e.FailedAt = time.Time{}
		e.UpdatedAt = s.now()

		return putEntry(tx, old, &e)
	})
}

// RequeueSending returns entries left in the sending state by an
// interrupted run to the pending index
func (s *BoltStorage) RequeueSending(ctx context.Context) (int, error) {
	requeued := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		var stuck []*Entry
		err := tx.Bucket(bucketEntries).ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return nil
			}
			if e.Status == StatusSending {
				stuck = append(stuck, &e)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, e := range stuck {
			old := *e
			e.Status = StatusPending
			e.UpdatedAt = s.now()
			if err := putEntry(tx, &old, e); err != nil {
				return err
			}
			requeued++
		}
		return nil
	})

	return requeued, err
}

// Stats returns outbox statistics
func (s *BoltStorage) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := s.db.View(func(tx *bolt.Tx) error {
		err := tx.Bucket(bucketEntries).ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return nil
			}

			stats.Total++
			switch e.Status {
			case StatusPending:
				stats.Pending++
			case StatusSending:
				stats.Sending++
			case StatusDelivered:
				stats.Delivered++
			case StatusFailed:
				stats.Failed++
			case StatusDeferred:
				stats.Deferred++
			}
			return nil
		})
		if err != nil {
			return err
		}

		stats.DeadLetter = int64(tx.Bucket(bucketDeadLetter).Stats().KeyN)
		return nil
	})

	return stats, err
}

// MetricsStats returns statistics for the metrics collector
func (s *BoltStorage) MetricsStats(ctx context.Context) (*metrics.OutboxStats, error) {
	out := &metrics.OutboxStats{}

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return nil
			}

			out.Total++
			switch e.Status {
			case StatusPending:
				out.Pending++
			case StatusSending:
				out.Sending++
			case StatusDelivered:
				out.Delivered++
			case StatusFailed:
				out.DeadLetter++
			case StatusDeferred:
				out.Deferred++
			}

			if e.Status == StatusPending || e.Status == StatusDeferred || e.Status == StatusSending {
				if out.OldestQueued.IsZero() || e.CreatedAt.Before(out.OldestQueued) {
					out.OldestQueued = e.CreatedAt
				}
			}
			return nil
		})
	})

	return out, err
}

// Close closes the database connection
func (s *BoltStorage) Close() error {
	return s.db.Close()
}

// DB returns the underlying bolt.DB instance
func (s *BoltStorage) DB() *bolt.DB {
	return s.db
}

// Dead letter queue

// ListDLQ returns dead-lettered entries, oldest failure first
func (s *BoltStorage) ListDLQ(ctx context.Context, limit, offset int) ([]*Entry, error) {
	var list []*Entry

	err := s.db.View(func(tx *bolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		c := tx.Bucket(bucketDeadLetter).Cursor()

		count := 0
		skipped := 0

		for k, v := c.First(); k != nil; k, v = c.Next() {
			if skipped < offset {
				skipped++
				continue
			}

			data := entries.Get(v)
			if data == nil {
				continue
			}

			var e Entry
			if err := json.Unmarshal(data, &e); err != nil {
				continue
			}

			list = append(list, &e)
			count++

			if limit > 0 && count >= limit {
				break
			}
		}

		return nil
	})

	return list, err
}

// DLQStats returns dead letter queue statistics
func (s *BoltStorage) DLQStats(ctx context.Context) (*DLQStats, error) {
	stats := &DLQStats{}

	err := s.db.View(func(tx *bolt.Tx) error {
		entries := tx.Bucket(bucketEntries)

		c := tx.Bucket(bucketDeadLetter).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			stats.Total++

			if stats.Total == 1 {
				stats.OldestAt = parseTimestampFromKey(k)
			}

			if data := entries.Get(v); data != nil {
				stats.TotalSize += int64(len(data))
			}
		}

		return nil
	})

	return stats, err
}

// Cleanup

// CleanupDelivered removes delivered entries older than maxAge
func (s *BoltStorage) CleanupDelivered(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}

	cutoff := s.now().Add(-maxAge)
	deleted := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		c := entries.Cursor()

		var toDelete [][]byte

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}

			if e.Status == StatusDelivered && e.UpdatedAt.Before(cutoff) {
				toDelete = append(toDelete, append([]byte{}, k...))
			}
		}

		for _, k := range toDelete {
			if err := entries.Delete(k); err != nil {
				return err
			}
			deleted++
		}

		return nil
	})

	return deleted, err
}

// CleanupDLQ removes dead-lettered entries older than maxAge and then the
// oldest ones beyond maxCount
func (s *BoltStorage) CleanupDLQ(ctx context.Context, maxAge time.Duration, maxCount int) (int, error) {
	deleted := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		dlq := tx.Bucket(bucketDeadLetter)
		entries := tx.Bucket(bucketEntries)

		type item struct {
			indexKey []byte
			entryID  []byte
		}
		var kept []item

		cutoff := s.now().Add(-maxAge)

		var byAge []item
		c := dlq.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			it := item{indexKey: append([]byte{}, k...), entryID: append([]byte{}, v...)}
			if maxAge > 0 && parseTimestampFromKey(k).Before(cutoff) {
				byAge = append(byAge, it)
				continue
			}
			kept = append(kept, it)
		}

		remove := func(it item) error {
			if err := dlq.Delete(it.indexKey); err != nil {
				return err
			}
			if err := entries.Delete(it.entryID); err != nil {
				return err
			}
			deleted++
			return nil
		}

		for _, it := range byAge {
			if err := remove(it); err != nil {
				return err
			}
		}

		// Oldest first
		if maxCount > 0 && len(kept) > maxCount {
			for _, it := range kept[:len(kept)-maxCount] {
				if err := remove(it); err != nil {
					return err
				}
			}
		}

		return nil
	})

	return deleted, err
}

func getEntry(tx *bolt.Tx, id string) (*Entry, error) {
	data := tx.Bucket(bucketEntries).Get([]byte(id))
	if data == nil {
		return nil, nil
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
	}
	return &e, nil
}

// putEntry writes e and swaps old's index keys for the ones matching e's status
func putEntry(tx *bolt.Tx, old, e *Entry) error {
	if old != nil {
		if err := removeIndexes(tx, old); err != nil {
			return err
		}
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	if err := tx.Bucket(bucketEntries).Put([]byte(e.ID), data); err != nil {
		return fmt.Errorf("failed to store entry: %w", err)
	}

	var bucket []byte
	var key []byte
	switch e.Status {
	case StatusPending:
		bucket, key = bucketPending, makeIndexKey(e.CreatedAt, e.ID)
	case StatusDeferred:
		bucket, key = bucketDeferred, makeIndexKey(e.NextRetryAt, e.ID)
	case StatusFailed:
		bucket, key = bucketDeadLetter, makeIndexKey(e.FailedAt, e.ID)
	default:
		return nil
	}
	if err := tx.Bucket(bucket).Put(key, []byte(e.ID)); err != nil {
		return fmt.Errorf("failed to add to %s index: %w", bucket, err)
	}
	return nil
}

func removeIndexes(tx *bolt.Tx, e *Entry) error {
	keys := []struct {
		bucket []byte
		key    []byte
	}{
		{bucketPending, makeIndexKey(e.CreatedAt, e.ID)},
		{bucketDeferred, makeIndexKey(e.NextRetryAt, e.ID)},
		{bucketDeadLetter, makeIndexKey(e.FailedAt, e.ID)},
	}
	for _, k := range keys {
		if err := tx.Bucket(k.bucket).Delete(k.key); err != nil {
			return err
		}
	}
	return nil
}

// indexTimeFormat keeps a fixed width so that keys sort chronologically
const indexTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// makeIndexKey creates a sortable key from timestamp and ID
func makeIndexKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format(indexTimeFormat) + ":" + id)
}

// parseTimestampFromKey extracts timestamp from index key
func parseTimestampFromKey(key []byte) time.Time {
	s := string(key)
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			ts, _ := time.Parse(time.RFC3339Nano, s[:i])
			return ts
		}
	}
	return time.Time{}
}
