// Package statestore persists the small set of facts that must survive
// a daemon restart: the scaling event history and periodic snapshots of
// queue/worker state for diagnostics (§1 state_management boundary,
// §3.4).
package statestore

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/poppobuilder/poppod/internal/apperrors"
	"github.com/poppobuilder/poppod/internal/domain"
)

var (
	bucketScalingEvents = []byte("scaling_events")
	bucketSnapshots     = []byte("snapshots")
)

// Store is the narrow persistence boundary for state that must survive
// restarts. The live queue/worker/project state is in-memory only and
// rebuilt fresh on every start (§1 non-goal: no task-level durability).
type Store struct {
	db *bolt.DB
}

// Open creates or opens the bbolt-backed state database under dataDir
// (§6: "state/poppod.db").
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "poppod.db")
	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.IO, err, "opening state database")
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketScalingEvents, bucketSnapshots} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("creating bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, apperrors.Wrap(apperrors.IO, err, "initializing state database buckets")
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// AppendScalingEvent persists one auto-scaler decision, keyed by its
// Unix-nanosecond timestamp so iteration order is chronological.
func (s *Store) AppendScalingEvent(e domain.ScalingEvent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketScalingEvents)
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		key := []byte(fmt.Sprintf("%020d", e.Timestamp.UnixNano()))
		return b.Put(key, data)
	})
}

// ListScalingEvents returns every persisted scaling event in
// chronological order.
func (s *Store) ListScalingEvents() ([]domain.ScalingEvent, error) {
	var events []domain.ScalingEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketScalingEvents)
		return b.ForEach(func(_, v []byte) error {
			var e domain.ScalingEvent
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			events = append(events, e)
			return nil
		})
	})
	return events, err
}

// SaveSnapshot persists a named point-in-time diagnostic snapshot
// (e.g. "queue", "workers"), overwriting any prior value for that name.
func (s *Store) SaveSnapshot(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return apperrors.Wrap(apperrors.Internal, err, "encoding snapshot")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		return b.Put([]byte(name), data)
	})
}

// LoadSnapshot reads a named snapshot into v. It returns NotFound if no
// snapshot by that name has been saved.
func (s *Store) LoadSnapshot(name string, v any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		data := b.Get([]byte(name))
		if data == nil {
			return apperrors.Newf(apperrors.NotFound, "no snapshot named %q", name)
		}
		return json.Unmarshal(data, v)
	})
}
