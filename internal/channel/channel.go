// Package channel provides the uniform send abstraction over the
// per-provider messaging adapters (SMS, LINE, Instagram, email).
package channel

import (
	"time"
)

// Channel is a messaging transport.
type Channel string

const (
	SMS       Channel = "sms"
	Email     Channel = "email"
	Line      Channel = "line"
	Instagram Channel = "instagram"
)

// Valid reports whether the channel is one this core can dispatch to.
func (c Channel) Valid() bool {
	switch c {
	case SMS, Email, Line, Instagram:
		return true
	}
	return false
}

// Recipient is the channel-level view of a customer: just the
// identifier the provider needs plus display fields.
type Recipient struct {
	CustomerID string
	Identifier string
	Name       string
}

// Status of a dispatch outcome.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusBounced   Status = "bounced"
)

// Outcome is the result of one dispatch attempt.
type Outcome struct {
	Status            Status
	ProviderMessageID string
	Error             string
	At                time.Time
}
