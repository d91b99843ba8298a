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

// RuleType categorizes an automation rule.
type RuleType string

const (
	RuleAppointmentReminder RuleType = "appointment_reminder"
	RuleBirthdayGreeting    RuleType = "birthday_greeting"
	RuleFollowUp            RuleType = "follow_up"
	RulePromotional         RuleType = "promotional"
	RuleRetention           RuleType = "retention"
)

// Valid reports whether the type is known.
func (t RuleType) Valid() bool {
	switch t {
	case RuleAppointmentReminder, RuleBirthdayGreeting, RuleFollowUp, RulePromotional, RuleRetention:
		return true
	}
	return false
}

// RuleStatus is the lifecycle state of a rule.
type RuleStatus string

const (
	RuleActive   RuleStatus = "active"
	RulePaused   RuleStatus = "paused"
	RuleInactive RuleStatus = "inactive"
)

// Valid reports whether s is a known rule status.
func (s RuleStatus) Valid() bool {
	switch s {
	case RuleActive, RulePaused, RuleInactive:
		return true
	}
	return false
}

// Frequency of a rule's trigger schedule.
type Frequency string

const (
	FreqDaily   Frequency = "daily"
	FreqWeekly  Frequency = "weekly"
	FreqMonthly Frequency = "monthly"
	// FreqTrigger rules have no timer; they are fired by domain
	// events (new reservation, birthday match).
	FreqTrigger Frequency = "trigger"
)

// Schedule is a rule's trigger specification.
type Schedule struct {
	Frequency Frequency `json:"frequency"`
	Hour      int       `json:"hour"`
	Minute    int       `json:"minute"`
	// Weekday is used by weekly schedules (0 = Sunday).
	Weekday int `json:"weekday,omitempty"`
	// DayOfMonth is used by monthly schedules (1-31; days past the
	// end of a month clamp to its last day).
	DayOfMonth int `json:"day_of_month,omitempty"`
}

// Validate checks schedule fields.
func (s Schedule) Validate() error {
	switch s.Frequency {
	case FreqDaily, FreqWeekly, FreqMonthly, FreqTrigger:
	default:
		return fmt.Errorf("unknown frequency: %s", s.Frequency)
	}
	if s.Frequency == FreqTrigger {
		return nil
	}
	if s.Hour < 0 || s.Hour > 23 {
		return fmt.Errorf("hour must be 0-23")
	}
	if s.Minute < 0 || s.Minute > 59 {
		return fmt.Errorf("minute must be 0-59")
	}
	if s.Frequency == FreqWeekly && (s.Weekday < 0 || s.Weekday > 6) {
		return fmt.Errorf("weekday must be 0-6")
	}
	if s.Frequency == FreqMonthly && (s.DayOfMonth < 1 || s.DayOfMonth > 31) {
		return fmt.Errorf("day_of_month must be 1-31")
	}
	return nil
}

// Rule is a recurring or trigger-based automation definition.
type Rule struct {
	ID       string   `json:"id"`
	TenantID string   `json:"tenant_id"`
	Name     string   `json:"name"`
	Type     RuleType `json:"type"`

	Schedule   Schedule           `json:"schedule"`
	TemplateID string             `json:"template_id"`
	Criteria   targeting.Criteria `json:"criteria"`
	Channels   []channel.Channel  `json:"channels"`

	ExcludeCustomerIDs  []string `json:"exclude_customer_ids,omitempty"`
	MaxSendsPerCustomer int      `json:"max_sends_per_customer,omitempty"`

	Status RuleStatus `json:"status"`

	ExecutionCount  int64      `json:"execution_count"`
	LastExecutedAt  *time.Time `json:"last_executed_at,omitempty"`
	NextExecutionAt *time.Time `json:"next_execution_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RuleListFilter restricts rule listings.
type RuleListFilter struct {
	TenantID string
	Status   RuleStatus
	Limit    int
	Offset   int
}

// RuleStore persists automation rules.
type RuleStore struct {
	db *bolt.DB
}

// Rules returns the rule store.
func (s *Store) Rules() *RuleStore {
	return &RuleStore{db: s.db}
}

// Create stores a new rule.
func (rs *RuleStore) Create(ctx context.Context, rule *Rule) error {
	if rule.ID == "" {
		return fmt.Errorf("rule id is required")
	}
	rule.CreatedAt = time.Now()
	rule.UpdatedAt = rule.CreatedAt

	return rs.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRules)
		if bucket.Get([]byte(rule.ID)) != nil {
			return fmt.Errorf("rule already exists: %s", rule.ID)
		}
		return putJSON(bucket, rule.ID, rule)
	})
}

// Update replaces a rule.
func (rs *RuleStore) Update(ctx context.Context, rule *Rule) error {
	rule.UpdatedAt = time.Now()

	return rs.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRules)
		if bucket.Get([]byte(rule.ID)) == nil {
			return fmt.Errorf("rule not found: %s", rule.ID)
		}
		return putJSON(bucket, rule.ID, rule)
	})
}

// Get retrieves a rule. Returns nil, nil when absent.
func (rs *RuleStore) Get(ctx context.Context, id string) (*Rule, error) {
	var rule *Rule

	err := rs.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRules).Get([]byte(id))
		if data == nil {
			return nil
		}
		rule = &Rule{}
		return json.Unmarshal(data, rule)
	})

	return rule, err
}

// List returns rules matching the filter.
func (rs *RuleStore) List(ctx context.Context, filter RuleListFilter) ([]*Rule, error) {
	var rules []*Rule

	err := rs.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRules).Cursor()

		count := 0
		skipped := 0

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rule Rule
			if err := json.Unmarshal(v, &rule); err != nil {
				continue
			}

			if filter.TenantID != "" && rule.TenantID != filter.TenantID {
				continue
			}
			if filter.Status != "" && rule.Status != filter.Status {
				continue
			}

			if skipped < filter.Offset {
				skipped++
				continue
			}

			rules = append(rules, &rule)
			count++

			if filter.Limit > 0 && count >= filter.Limit {
				break
			}
		}

		return nil
	})

	return rules, err
}

// Delete hard-deletes a rule record. The caller is responsible for
// tearing down its timer first.
func (rs *RuleStore) Delete(ctx context.Context, id string) error {
	return rs.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRules).Delete([]byte(id))
	})
}

// SetNextExecution stores the recomputed next-execution time after a
// schedule or status mutation.
func (rs *RuleStore) SetNextExecution(ctx context.Context, id string, next *time.Time) error {
	return rs.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRules)
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("rule not found: %s", id)
		}

		var rule Rule
		if err := json.Unmarshal(data, &rule); err != nil {
			return fmt.Errorf("failed to unmarshal rule: %w", err)
		}

		rule.NextExecutionAt = next
		rule.UpdatedAt = time.Now()

		return putJSON(bucket, rule.ID, &rule)
	})
}

// RecordExecution increments the execution counter and stores the new
// schedule bookkeeping after a successful run.
func (rs *RuleStore) RecordExecution(ctx context.Context, id string, executedAt time.Time, next *time.Time) error {
	return rs.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRules)
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("rule not found: %s", id)
		}

		var rule Rule
		if err := json.Unmarshal(data, &rule); err != nil {
			return fmt.Errorf("failed to unmarshal rule: %w", err)
		}

		rule.ExecutionCount++
		rule.LastExecutedAt = &executedAt
		rule.NextExecutionAt = next
		rule.UpdatedAt = time.Now()

		return putJSON(bucket, rule.ID, &rule)
	})
}

func putJSON(bucket *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}
	return bucket.Put([]byte(key), data)
}
