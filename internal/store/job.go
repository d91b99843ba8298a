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

// JobStatus is the lifecycle state of a message job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobSending   JobStatus = "sending"
	JobDeferred  JobStatus = "deferred"
	JobDelivered JobStatus = "delivered"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether the job status is final.
func (s JobStatus) Terminal() bool {
	return s == JobDelivered || s == JobFailed
}

// Job is one rendered message to one customer over one channel.
type Job struct {
	ID         string          `json:"id"`
	CampaignID string          `json:"campaign_id"`
	RuleID     string          `json:"rule_id,omitempty"`
	TenantID   string          `json:"tenant_id"`
	CustomerID string          `json:"customer_id"`
	Channel    channel.Channel `json:"channel"`
	Recipient  string          `json:"recipient"`

	// Content is rendered at job creation so a retry never re-renders.
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`

	// IdempotencyKey is campaign:customer:channel; one job and one
	// delivery record exist per key.
	IdempotencyKey string `json:"idempotency_key"`

	Status      JobStatus  `json:"status"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// JobStore persists message jobs with a per-campaign index.
type JobStore struct {
	db *bolt.DB
}

// Jobs returns the job store.
func (s *Store) Jobs() *JobStore {
	return &JobStore{db: s.db}
}

// Create stores a job and indexes it under its campaign. A job whose
// idempotency key already has an entry in the campaign index is
// skipped; the bool result reports whether the job was created.
func (js *JobStore) Create(ctx context.Context, job *Job) (bool, error) {
	job.CreatedAt = time.Now()
	job.UpdatedAt = job.CreatedAt

	created := false

	err := js.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket(bucketJobsByCamp)
		indexKey := makeIndexKey(job.CampaignID, job.IdempotencyKey)
		if index.Get(indexKey) != nil {
			return nil
		}

		if err := putJSON(tx.Bucket(bucketJobs), job.ID, job); err != nil {
			return err
		}
		if err := index.Put(indexKey, []byte(job.ID)); err != nil {
			return fmt.Errorf("failed to index job: %w", err)
		}

		created = true
		return nil
	})

	return created, err
}

// Get retrieves a job. Returns nil, nil when absent.
func (js *JobStore) Get(ctx context.Context, id string) (*Job, error) {
	var job *Job

	err := js.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get([]byte(id))
		if data == nil {
			return nil
		}
		job = &Job{}
		return json.Unmarshal(data, job)
	})

	return job, err
}

// Update replaces a job.
func (js *JobStore) Update(ctx context.Context, job *Job) error {
	job.UpdatedAt = time.Now()

	return js.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketJobs), job.ID, job)
	})
}

// ListByCampaign returns all jobs belonging to a campaign via the
// campaign index, in idempotency-key order.
func (js *JobStore) ListByCampaign(ctx context.Context, campaignID string) ([]*Job, error) {
	var jobs []*Job

	err := js.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketJobs)
		c := tx.Bucket(bucketJobsByCamp).Cursor()

		prefix := []byte(campaignID + "/")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			data := bucket.Get(v)
			if data == nil {
				continue
			}
			var job Job
			if err := json.Unmarshal(data, &job); err != nil {
				continue
			}
			jobs = append(jobs, &job)
		}

		return nil
	})

	return jobs, err
}

// ListDue returns up to limit deferred jobs whose retry time has
// passed. Pending jobs belong to an in-flight campaign execution and
// are never picked up here.
func (js *JobStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	var jobs []*Job

	err := js.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketJobs).Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var job Job
			if err := json.Unmarshal(v, &job); err != nil {
				continue
			}

			if job.Status != JobDeferred {
				continue
			}
			if job.NextRetryAt != nil && job.NextRetryAt.After(now) {
				continue
			}

			jobs = append(jobs, &job)
			if limit > 0 && len(jobs) >= limit {
				return nil
			}
		}

		return nil
	})

	return jobs, err
}

// ListStuck returns jobs left in the sending or pending state, for
// re-enqueue after an unclean shutdown.
func (js *JobStore) ListStuck(ctx context.Context) ([]*Job, error) {
	var jobs []*Job

	err := js.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketJobs).Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var job Job
			if err := json.Unmarshal(v, &job); err != nil {
				continue
			}
			if job.Status == JobSending || job.Status == JobPending {
				jobs = append(jobs, &job)
			}
		}

		return nil
	})

	return jobs, err
}

// Delete removes a job and its campaign index entry.
func (js *JobStore) Delete(ctx context.Context, id string) error {
	return js.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketJobs)
		data := bucket.Get([]byte(id))
		if data == nil {
			return nil
		}

		var job Job
		if err := json.Unmarshal(data, &job); err == nil {
			indexKey := makeIndexKey(job.CampaignID, job.IdempotencyKey)
			if err := tx.Bucket(bucketJobsByCamp).Delete(indexKey); err != nil {
				return err
			}
		}

		return bucket.Delete([]byte(id))
	})
}

// IdempotencyKey builds the canonical job key.
func IdempotencyKey(campaignID, customerID string, ch channel.Channel) string {
	return campaignID + ":" + customerID + ":" + string(ch)
}
