package template

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketTemplates = []byte("templates")

// Storage persists templates in bbolt.
type Storage struct {
	db *bolt.DB
}

// NewStorage creates the templates bucket if needed.
func NewStorage(db *bolt.DB) (*Storage, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTemplates)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create templates bucket: %w", err)
	}
	return &Storage{db: db}, nil
}

// Create stores a new template.
func (s *Storage) Create(ctx context.Context, tmpl *Template) error {
	if tmpl.ID == "" {
		return fmt.Errorf("template id is required")
	}
	tmpl.CreatedAt = time.Now()
	tmpl.UpdatedAt = tmpl.CreatedAt

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketTemplates)
		if bucket.Get([]byte(tmpl.ID)) != nil {
			return fmt.Errorf("template already exists: %s", tmpl.ID)
		}
		return putTemplate(bucket, tmpl)
	})
}

// Update replaces a template in place. Edits mutate; there is no
// version history.
func (s *Storage) Update(ctx context.Context, tmpl *Template) error {
	tmpl.UpdatedAt = time.Now()

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketTemplates)
		if bucket.Get([]byte(tmpl.ID)) == nil {
			return fmt.Errorf("template not found: %s", tmpl.ID)
		}
		return putTemplate(bucket, tmpl)
	})
}

// Get retrieves a template by ID. Returns nil, nil when absent.
func (s *Storage) Get(ctx context.Context, id string) (*Template, error) {
	var tmpl *Template

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTemplates).Get([]byte(id))
		if data == nil {
			return nil
		}
		tmpl = &Template{}
		return json.Unmarshal(data, tmpl)
	})

	return tmpl, err
}

// List returns templates matching the filter.
func (s *Storage) List(ctx context.Context, filter ListFilter) ([]*Template, error) {
	var templates []*Template

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTemplates).Cursor()

		count := 0
		skipped := 0

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var tmpl Template
			if err := json.Unmarshal(v, &tmpl); err != nil {
				continue
			}

			if filter.TenantID != "" && tmpl.TenantID != filter.TenantID {
				continue
			}
			if filter.Category != "" && tmpl.Category != filter.Category {
				continue
			}

			if skipped < filter.Offset {
				skipped++
				continue
			}

			templates = append(templates, &tmpl)
			count++

			if filter.Limit > 0 && count >= filter.Limit {
				break
			}
		}

		return nil
	})

	return templates, err
}

// Delete removes a template.
func (s *Storage) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTemplates).Delete([]byte(id))
	})
}

// IncrementUsage bumps the usage counter for each campaign or rule
// execution that renders the template.
func (s *Storage) IncrementUsage(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketTemplates)
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("template not found: %s", id)
		}

		var tmpl Template
		if err := json.Unmarshal(data, &tmpl); err != nil {
			return fmt.Errorf("failed to unmarshal template: %w", err)
		}

		tmpl.UsageCount++
		return putTemplate(bucket, &tmpl)
	})
}

func putTemplate(bucket *bolt.Bucket, tmpl *Template) error {
	data, err := json.Marshal(tmpl)
	if err != nil {
		return fmt.Errorf("failed to marshal template: %w", err)
	}
	return bucket.Put([]byte(tmpl.ID), data)
}
