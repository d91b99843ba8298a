package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/salonhq/outreach/internal/channel"
	"github.com/salonhq/outreach/internal/targeting"
)

// CampaignStatus is the lifecycle state of a campaign.
type CampaignStatus string

const (
	CampaignPending   CampaignStatus = "pending"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignExecuting CampaignStatus = "executing"
	CampaignCompleted CampaignStatus = "completed"
	CampaignCancelled CampaignStatus = "cancelled"
	CampaignFailed    CampaignStatus = "failed"
)

// Terminal reports whether the status is final.
func (s CampaignStatus) Terminal() bool {
	switch s {
	case CampaignCompleted, CampaignCancelled, CampaignFailed:
		return true
	}
	return false
}

// DeliveryStats are the per-campaign rollup counters.
type DeliveryStats struct {
	Sent      int64 `json:"sent"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Opened    int64 `json:"opened"`
	Clicked   int64 `json:"clicked"`
}

// Campaign is one outbound bulk-message execution, either created
// directly through the API or spawned by an automation rule (RuleID
// set).
type Campaign struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`

	// RuleID links executions spawned by an automation rule.
	RuleID string `json:"rule_id,omitempty"`

	// Content: either a template reference or inline subject/body.
	TemplateID string `json:"template_id,omitempty"`
	Subject    string `json:"subject,omitempty"`
	Body       string `json:"body,omitempty"`

	Criteria           targeting.Criteria `json:"criteria"`
	Channels           []channel.Channel  `json:"channels"`
	ExcludeCustomerIDs []string           `json:"exclude_customer_ids,omitempty"`

	// ScheduleAt nil means send immediately.
	ScheduleAt *time.Time `json:"schedule_at,omitempty"`

	Status        CampaignStatus `json:"status"`
	FailureReason string         `json:"failure_reason,omitempty"`

	// EstimatedRecipients is computed at creation time by the same
	// resolver used at execution time. ActualRecipients may diverge
	// when the directory changes in between; that is tolerated.
	EstimatedRecipients int `json:"estimated_recipients"`
	ActualRecipients    int `json:"actual_recipients"`

	Stats DeliveryStats `json:"stats"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// CampaignListFilter restricts campaign listings.
type CampaignListFilter struct {
	TenantID string
	RuleID   string
	Status   CampaignStatus
	Limit    int
	Offset   int
}

// CampaignStore persists campaigns.
type CampaignStore struct {
	db *bolt.DB
}

// Campaigns returns the campaign store.
func (s *Store) Campaigns() *CampaignStore {
	return &CampaignStore{db: s.db}
}

// Create stores a new campaign.
func (cs *CampaignStore) Create(ctx context.Context, campaign *Campaign) error {
	if campaign.ID == "" {
		return fmt.Errorf("campaign id is required")
	}
	campaign.CreatedAt = time.Now()
	campaign.UpdatedAt = campaign.CreatedAt

	return cs.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketCampaigns)
		if bucket.Get([]byte(campaign.ID)) != nil {
			return fmt.Errorf("campaign already exists: %s", campaign.ID)
		}
		return putJSON(bucket, campaign.ID, campaign)
	})
}

// Update replaces a campaign.
func (cs *CampaignStore) Update(ctx context.Context, campaign *Campaign) error {
	campaign.UpdatedAt = time.Now()

	return cs.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketCampaigns)
		if bucket.Get([]byte(campaign.ID)) == nil {
			return fmt.Errorf("campaign not found: %s", campaign.ID)
		}
		return putJSON(bucket, campaign.ID, campaign)
	})
}

// Get retrieves a campaign. Returns nil, nil when absent.
func (cs *CampaignStore) Get(ctx context.Context, id string) (*Campaign, error) {
	var campaign *Campaign

	err := cs.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCampaigns).Get([]byte(id))
		if data == nil {
			return nil
		}
		campaign = &Campaign{}
		return json.Unmarshal(data, campaign)
	})

	return campaign, err
}

// List returns campaigns matching the filter.
func (cs *CampaignStore) List(ctx context.Context, filter CampaignListFilter) ([]*Campaign, error) {
	var campaigns []*Campaign

	err := cs.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCampaigns).Cursor()

		count := 0
		skipped := 0

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var campaign Campaign
			if err := json.Unmarshal(v, &campaign); err != nil {
				continue
			}

			if filter.TenantID != "" && campaign.TenantID != filter.TenantID {
				continue
			}
			if filter.RuleID != "" && campaign.RuleID != filter.RuleID {
				continue
			}
			if filter.Status != "" && campaign.Status != filter.Status {
				continue
			}

			if skipped < filter.Offset {
				skipped++
				continue
			}

			campaigns = append(campaigns, &campaign)
			count++

			if filter.Limit > 0 && count >= filter.Limit {
				break
			}
		}

		return nil
	})

	return campaigns, err
}

// SetStatus transitions a campaign, refusing to leave terminal states.
func (cs *CampaignStore) SetStatus(ctx context.Context, id string, status CampaignStatus, reason string) error {
	return cs.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketCampaigns)
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("campaign not found: %s", id)
		}

		var campaign Campaign
		if err := json.Unmarshal(data, &campaign); err != nil {
			return fmt.Errorf("failed to unmarshal campaign: %w", err)
		}

		if campaign.Status.Terminal() {
			return fmt.Errorf("campaign %s is %s (terminal)", id, campaign.Status)
		}

		now := time.Now()
		campaign.Status = status
		campaign.FailureReason = reason
		campaign.UpdatedAt = now
		if status == CampaignExecuting && campaign.StartedAt == nil {
			campaign.StartedAt = &now
		}
		if status.Terminal() {
			campaign.CompletedAt = &now
		}

		return putJSON(bucket, campaign.ID, &campaign)
	})
}

// AddStats adds delta to the campaign's rollup counters.
func (cs *CampaignStore) AddStats(ctx context.Context, id string, delta DeliveryStats) error {
	return cs.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketCampaigns)
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("campaign not found: %s", id)
		}

		var campaign Campaign
		if err := json.Unmarshal(data, &campaign); err != nil {
			return fmt.Errorf("failed to unmarshal campaign: %w", err)
		}

		campaign.Stats.Sent += delta.Sent
		campaign.Stats.Delivered += delta.Delivered
		campaign.Stats.Failed += delta.Failed
		campaign.Stats.Opened += delta.Opened
		campaign.Stats.Clicked += delta.Clicked
		campaign.UpdatedAt = time.Now()

		return putJSON(bucket, campaign.ID, &campaign)
	})
}

// ApplyStats folds execution results into the campaign record.
func (cs *CampaignStore) ApplyStats(ctx context.Context, id string, actualRecipients int, stats DeliveryStats) error {
	return cs.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketCampaigns)
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("campaign not found: %s", id)
		}

		var campaign Campaign
		if err := json.Unmarshal(data, &campaign); err != nil {
			return fmt.Errorf("failed to unmarshal campaign: %w", err)
		}

		campaign.ActualRecipients = actualRecipients
		campaign.Stats = stats
		campaign.UpdatedAt = time.Now()

		return putJSON(bucket, campaign.ID, &campaign)
	})
}
