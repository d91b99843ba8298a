package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// FrequencyStore tracks how many times each automation rule has
// messaged each customer, backing per-rule frequency caps.
type FrequencyStore struct {
	db *bolt.DB
}

// Frequency returns the frequency counter store.
func (s *Store) Frequency() *FrequencyStore {
	return &FrequencyStore{db: s.db}
}

// Sends returns the number of recorded sends for a rule/customer pair.
func (fs *FrequencyStore) Sends(ctx context.Context, ruleID, customerID string) (int, error) {
	var count int

	err := fs.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketFrequency).Get(frequencyKey(ruleID, customerID))
		if data != nil {
			count = int(binary.BigEndian.Uint64(data))
		}
		return nil
	})

	return count, err
}

// Record increments the counter for a rule/customer pair.
func (fs *FrequencyStore) Record(ctx context.Context, ruleID, customerID string) error {
	return fs.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketFrequency)
		key := frequencyKey(ruleID, customerID)

		var count uint64
		if data := bucket.Get(key); data != nil {
			count = binary.BigEndian.Uint64(data)
		}

		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, count+1)
		return bucket.Put(key, buf)
	})
}

func frequencyKey(ruleID, customerID string) []byte {
	return []byte(ruleID + ":" + customerID)
}

// UsageStore tracks per-tenant monthly send counters for plan limit
// enforcement. Keys are tenant:YYYY-MM so counters reset naturally at
// month boundaries.
type UsageStore struct {
	db *bolt.DB
}

// Usage returns the plan usage store.
func (s *Store) Usage() *UsageStore {
	return &UsageStore{db: s.db}
}

// MonthlySends returns the tenant's send count for the month of now.
func (us *UsageStore) MonthlySends(ctx context.Context, tenantID string, now time.Time) (int64, error) {
	var count int64

	err := us.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPlanUsage).Get(usageKey(tenantID, now))
		if data != nil {
			count = int64(binary.BigEndian.Uint64(data))
		}
		return nil
	})

	return count, err
}

// AddSends increments the tenant's send counter for the month of now.
func (us *UsageStore) AddSends(ctx context.Context, tenantID string, now time.Time, n int64) error {
	if n < 0 {
		return fmt.Errorf("negative usage increment: %d", n)
	}

	return us.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketPlanUsage)
		key := usageKey(tenantID, now)

		var count uint64
		if data := bucket.Get(key); data != nil {
			count = binary.BigEndian.Uint64(data)
		}

		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, count+uint64(n))
		return bucket.Put(key, buf)
	})
}

func usageKey(tenantID string, now time.Time) []byte {
	return []byte(tenantID + ":" + now.Format("2006-01"))
}
