package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketCustomers = []byte("customers")

// BoltDirectory implements Directory on a shared bbolt database. It
// also exposes Put/Delete for import tooling and tests; the messaging
// core itself never writes customers.
type BoltDirectory struct {
	db *bolt.DB
}

// NewBoltDirectory creates the customers bucket if needed.
func NewBoltDirectory(db *bolt.DB) (*BoltDirectory, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCustomers)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create customers bucket: %w", err)
	}
	return &BoltDirectory{db: db}, nil
}

// Get retrieves a customer by ID.
func (d *BoltDirectory) Get(ctx context.Context, id string) (*Customer, error) {
	var customer *Customer

	err := d.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCustomers).Get([]byte(id))
		if data == nil {
			return nil
		}
		customer = &Customer{}
		return json.Unmarshal(data, customer)
	})

	return customer, err
}

// List returns customers matching the filter.
func (d *BoltDirectory) List(ctx context.Context, filter ListFilter) ([]*Customer, error) {
	var customers []*Customer

	err := d.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCustomers).Cursor()

		count := 0
		skipped := 0

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var customer Customer
			if err := json.Unmarshal(v, &customer); err != nil {
				continue
			}

			if filter.TenantID != "" && customer.TenantID != filter.TenantID {
				continue
			}

			if skipped < filter.Offset {
				skipped++
				continue
			}

			customers = append(customers, &customer)
			count++

			if filter.Limit > 0 && count >= filter.Limit {
				break
			}
		}

		return nil
	})

	return customers, err
}

// Put stores a customer record.
func (d *BoltDirectory) Put(ctx context.Context, customer *Customer) error {
	if customer.ID == "" {
		return fmt.Errorf("customer id is required")
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now()
	}
	customer.UpdatedAt = time.Now()

	return d.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(customer)
		if err != nil {
			return fmt.Errorf("failed to marshal customer: %w", err)
		}
		return tx.Bucket(bucketCustomers).Put([]byte(customer.ID), data)
	})
}

// Delete removes a customer record.
func (d *BoltDirectory) Delete(ctx context.Context, id string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCustomers).Delete([]byte(id))
	})
}
