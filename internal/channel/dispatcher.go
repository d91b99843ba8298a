package channel

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/salonhq/outreach/internal/directory"
	"github.com/salonhq/outreach/internal/template"
)

// Adapter sends one message over one provider. Implementations own
// provider auth, payload shaping, and translating provider errors
// into ProviderError.
type Adapter interface {
	Channel() Channel
	Send(ctx context.Context, rcpt Recipient, content template.Content) (providerMessageID string, err error)
}

// Dispatcher routes sends to the adapter registered for a channel.
type Dispatcher struct {
	adapters map[Channel]Adapter
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher over the given adapters.
func NewDispatcher(adapters []Adapter, logger *slog.Logger) *Dispatcher {
	m := make(map[Channel]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Channel()] = a
	}
	return &Dispatcher{adapters: m, logger: logger}
}

// Channels returns the channels with a registered adapter.
func (d *Dispatcher) Channels() []Channel {
	chs := make([]Channel, 0, len(d.adapters))
	for ch := range d.adapters {
		chs = append(chs, ch)
	}
	return chs
}

// SelectChannel picks the channel to reach a customer on: the
// customer's declared preference when it is in the campaign's channel
// list, reachable, and opted-in; otherwise the first eligible channel
// in the campaign's configured order. ok is false when the customer is
// unreachable on every configured channel.
func (d *Dispatcher) SelectChannel(customer *directory.Customer, channels []Channel) (Channel, bool) {
	if pref := Channel(customer.PreferredChannel); pref != "" {
		for _, ch := range channels {
			if ch == pref && d.eligible(customer, ch) {
				return ch, true
			}
		}
	}

	for _, ch := range channels {
		if d.eligible(customer, ch) {
			return ch, true
		}
	}

	return "", false
}

func (d *Dispatcher) eligible(customer *directory.Customer, ch Channel) bool {
	if _, ok := d.adapters[ch]; !ok {
		return false
	}
	return customer.OptedIn(string(ch)) && customer.Identifier(string(ch)) != ""
}

// Send dispatches one message and always returns an Outcome, even on
// hard failure: the caller persists exactly one delivery record per
// call.
func (d *Dispatcher) Send(ctx context.Context, customer *directory.Customer, ch Channel, content template.Content) (Outcome, error) {
	adapter, ok := d.adapters[ch]
	if !ok {
		err := NewPermanent(ch, "no adapter configured")
		return Outcome{Status: StatusFailed, Error: err.Error(), At: time.Now()}, err
	}

	rcpt := Recipient{
		CustomerID: customer.ID,
		Identifier: customer.Identifier(string(ch)),
		Name:       customer.FullName(),
	}
	if rcpt.Identifier == "" {
		err := NewPermanent(ch, "customer %s has no %s identifier", customer.ID, ch)
		return Outcome{Status: StatusFailed, Error: err.Error(), At: time.Now()}, err
	}

	providerID, err := adapter.Send(ctx, rcpt, content)
	if err != nil {
		d.logger.Debug("send failed",
			"channel", ch,
			"customer_id", customer.ID,
			"error", err,
		)
		return Outcome{Status: StatusFailed, Error: err.Error(), At: time.Now()}, err
	}

	return Outcome{Status: StatusSent, ProviderMessageID: providerID, At: time.Now()}, nil
}

// ParseChannels validates a channel list from API input.
func ParseChannels(names []string) ([]Channel, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("at least one channel is required")
	}
	channels := make([]Channel, 0, len(names))
	for _, name := range names {
		ch := Channel(name)
		if !ch.Valid() {
			return nil, fmt.Errorf("unknown channel: %s", name)
		}
		channels = append(channels, ch)
	}
	return channels, nil
}
