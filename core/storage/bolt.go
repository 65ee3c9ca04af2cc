package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/wispberry-tech/wispy-session/core"
)

var attemptsBucket = []byte("login_attempts")

// BoltThrottle is a core.LoginThrottle persisted in a bbolt file, so attempt
// counts survive restarts of a single-node deployment.
type BoltThrottle struct {
	db          *bolt.DB
	maxAttempts int
	window      time.Duration
}

var _ core.LoginThrottle = (*BoltThrottle)(nil)

// NewBoltThrottle opens (or creates) the throttle database at path.
func NewBoltThrottle(path string, maxAttempts int, window time.Duration) (*BoltThrottle, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open throttle database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(attemptsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create throttle bucket: %w", err)
	}

	return &BoltThrottle{db: db, maxAttempts: maxAttempts, window: window}, nil
}

func decodeAttempts(raw []byte) ([]time.Time, error) {
	if raw == nil {
		return nil, nil
	}
	var nanos []int64
	if err := json.Unmarshal(raw, &nanos); err != nil {
		return nil, fmt.Errorf("failed to decode attempts: %w", err)
	}
	attempts := make([]time.Time, len(nanos))
	for i, n := range nanos {
		attempts[i] = time.Unix(0, n)
	}
	return attempts, nil
}

func encodeAttempts(attempts []time.Time) ([]byte, error) {
	nanos := make([]int64, len(attempts))
	for i, t := range attempts {
		nanos[i] = t.UnixNano()
	}
	return json.Marshal(nanos)
}

// Hit implements core.LoginThrottle. The read, prune, and write happen in a
// single bbolt write transaction.
func (t *BoltThrottle) Hit(_ context.Context, key string, now time.Time) (time.Duration, bool, error) {
	var (
		retryAfter time.Duration
		allowed    bool
	)

	err := t.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(attemptsBucket)
		attempts, err := decodeAttempts(b.Get([]byte(key)))
		if err != nil {
			return err
		}

		recent := core.PruneAttempts(attempts, now, t.window)
		if len(recent) >= t.maxAttempts {
			retryAfter = core.RetryAfter(recent, now, t.window)
		} else {
			recent = append(recent, now)
			allowed = true
		}

		raw, err := encodeAttempts(recent)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), raw)
	})
	if err != nil {
		return 0, false, fmt.Errorf("failed to record login attempt: %w", err)
	}
	return retryAfter, allowed, nil
}

// Reset implements core.LoginThrottle.
func (t *BoltThrottle) Reset(_ context.Context, key string) error {
	err := t.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(attemptsBucket).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("failed to reset login attempts: %w", err)
	}
	return nil
}

// Cleanup drops keys whose attempts have all left the window.
func (t *BoltThrottle) Cleanup(now time.Time) error {
	return t.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(attemptsBucket)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			attempts, err := decodeAttempts(v)
			if err != nil {
				return err
			}
			if len(core.PruneAttempts(attempts, now, t.window)) == 0 {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the throttle database
func (t *BoltThrottle) Close() error {
	return t.db.Close()
}
