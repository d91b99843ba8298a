package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/salonhq/outreach/internal/channel"
)

// DeliveryRecord is the durable outcome of one message send. Exactly
// one record exists per idempotency key; retries update the record in
// place and the terminal status is written once.
type DeliveryRecord struct {
	ID         string          `json:"id"`
	CampaignID string          `json:"campaign_id"`
	RuleID     string          `json:"rule_id,omitempty"`
	TenantID   string          `json:"tenant_id"`
	CustomerID string          `json:"customer_id"`
	Channel    channel.Channel `json:"channel"`
	Recipient  string          `json:"recipient"`

	IdempotencyKey string `json:"idempotency_key"`

	Status            channel.Status `json:"status"`
	ProviderMessageID string         `json:"provider_message_id,omitempty"`
	Error             string         `json:"error,omitempty"`
	Attempts          int            `json:"attempts"`

	SentAt      *time.Time `json:"sent_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	OpenedAt    *time.Time `json:"opened_at,omitempty"`
	ClickedAt   *time.Time `json:"clicked_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeliveryStore persists delivery records keyed by id, with an
// idempotency index and a per-campaign index.
type DeliveryStore struct {
	db *bolt.DB
}

// Deliveries returns the delivery record store.
func (s *Store) Deliveries() *DeliveryStore {
	return &DeliveryStore{db: s.db}
}

// Upsert creates or updates the record for rec.IdempotencyKey. An
// existing record in a terminal status is left untouched.
func (ds *DeliveryStore) Upsert(ctx context.Context, rec *DeliveryRecord) error {
	return ds.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketDeliveries)
		idem := tx.Bucket(bucketDeliveryIdem)
		byCamp := tx.Bucket(bucketDelivByCamp)

		now := time.Now()

		existingID := idem.Get([]byte(rec.IdempotencyKey))
		if existingID != nil {
			data := bucket.Get(existingID)
			if data == nil {
				return fmt.Errorf("delivery index points at missing record: %s", existingID)
			}

			var existing DeliveryRecord
			if err := json.Unmarshal(data, &existing); err != nil {
				return fmt.Errorf("failed to unmarshal delivery record: %w", err)
			}

			if existing.Status == channel.StatusDelivered || existing.Status == channel.StatusFailed || existing.Status == channel.StatusBounced {
				return nil
			}

			existing.Status = rec.Status
			existing.ProviderMessageID = rec.ProviderMessageID
			existing.Error = rec.Error
			existing.Attempts++
			existing.SentAt = rec.SentAt
			existing.DeliveredAt = rec.DeliveredAt
			existing.UpdatedAt = now

			return putJSON(bucket, existing.ID, &existing)
		}

		rec.Attempts = 1
		rec.CreatedAt = now
		rec.UpdatedAt = now

		if err := putJSON(bucket, rec.ID, rec); err != nil {
			return err
		}
		if err := idem.Put([]byte(rec.IdempotencyKey), []byte(rec.ID)); err != nil {
			return fmt.Errorf("failed to index delivery: %w", err)
		}
		indexKey := makeIndexKey(rec.CampaignID, rec.ID)
		if err := byCamp.Put(indexKey, []byte(rec.ID)); err != nil {
			return fmt.Errorf("failed to index delivery by campaign: %w", err)
		}

		return nil
	})
}

// Get retrieves a record by id. Returns nil, nil when absent.
func (ds *DeliveryStore) Get(ctx context.Context, id string) (*DeliveryRecord, error) {
	var rec *DeliveryRecord

	err := ds.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDeliveries).Get([]byte(id))
		if data == nil {
			return nil
		}
		rec = &DeliveryRecord{}
		return json.Unmarshal(data, rec)
	})

	return rec, err
}

// GetByIdempotencyKey retrieves the record for a key. Returns nil, nil
// when absent.
func (ds *DeliveryStore) GetByIdempotencyKey(ctx context.Context, key string) (*DeliveryRecord, error) {
	var rec *DeliveryRecord

	err := ds.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketDeliveryIdem).Get([]byte(key))
		if id == nil {
			return nil
		}
		data := tx.Bucket(bucketDeliveries).Get(id)
		if data == nil {
			return nil
		}
		rec = &DeliveryRecord{}
		return json.Unmarshal(data, rec)
	})

	return rec, err
}

// ListByCampaign returns all delivery records for a campaign.
func (ds *DeliveryStore) ListByCampaign(ctx context.Context, campaignID string) ([]*DeliveryRecord, error) {
	var records []*DeliveryRecord

	err := ds.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketDeliveries)
		c := tx.Bucket(bucketDelivByCamp).Cursor()

		prefix := []byte(campaignID + "/")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			data := bucket.Get(v)
			if data == nil {
				continue
			}
			var rec DeliveryRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				continue
			}
			records = append(records, &rec)
		}

		return nil
	})

	return records, err
}

// MarkEngagement records an open or click event from a provider
// webhook. Unknown provider message ids are ignored.
func (ds *DeliveryStore) MarkEngagement(ctx context.Context, providerMessageID string, opened, clicked bool, at time.Time) error {
	return ds.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketDeliveries)
		c := bucket.Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec DeliveryRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if rec.ProviderMessageID != providerMessageID {
				continue
			}

			if opened && rec.OpenedAt == nil {
				rec.OpenedAt = &at
			}
			if clicked && rec.ClickedAt == nil {
				rec.ClickedAt = &at
			}
			rec.UpdatedAt = time.Now()

			return putJSON(bucket, rec.ID, &rec)
		}

		return nil
	})
}

// Cleanup removes records older than the retention window and their
// index entries. Returns the number of records removed.
func (ds *DeliveryStore) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention)
	removed := 0

	err := ds.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketDeliveries)
		idem := tx.Bucket(bucketDeliveryIdem)
		byCamp := tx.Bucket(bucketDelivByCamp)

		var stale []*DeliveryRecord
		c := bucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec DeliveryRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if rec.CreatedAt.Before(cutoff) {
				stale = append(stale, &rec)
			}
		}

		for _, rec := range stale {
			if err := bucket.Delete([]byte(rec.ID)); err != nil {
				return err
			}
			if err := idem.Delete([]byte(rec.IdempotencyKey)); err != nil {
				return err
			}
			if err := byCamp.Delete(makeIndexKey(rec.CampaignID, rec.ID)); err != nil {
				return err
			}
			removed++
		}

		return nil
	})

	return removed, err
}
