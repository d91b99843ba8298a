// Package store persists rules, campaigns, message jobs and delivery
// records in a single bbolt database.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketRules        = []byte("rules")
	bucketCampaigns    = []byte("campaigns")
	bucketJobs         = []byte("jobs")
	bucketJobsByCamp   = []byte("jobs_by_campaign")
	bucketDeliveries   = []byte("deliveries")
	bucketDeliveryIdem = []byte("delivery_idempotency")
	bucketDelivByCamp  = []byte("deliveries_by_campaign")
	bucketFrequency    = []byte("frequency_counters")
	bucketPlanUsage    = []byte("plan_usage")
)

// Store wraps the shared bbolt database.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the database file and its buckets.
func Open(path string) (*Store, error) {
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

	buckets := [][]byte{
		bucketRules, bucketCampaigns,
		bucketJobs, bucketJobsByCamp,
		bucketDeliveries, bucketDeliveryIdem, bucketDelivByCamp,
		bucketFrequency, bucketPlanUsage,
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range buckets {
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

	return &Store{db: db}, nil
}

// DB returns the underlying bolt.DB so sibling stores (directory,
// templates) can share the file.
func (s *Store) DB() *bolt.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// makeIndexKey creates a sortable composite key: prefix + "/" + id.
func makeIndexKey(prefix, id string) []byte {
	return []byte(prefix + "/" + id)
}
