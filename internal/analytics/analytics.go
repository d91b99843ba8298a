// Package analytics folds individual delivery outcomes into
// per-campaign rollups and computes the derived rates.
package analytics

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/salonhq/outreach/internal/channel"
	"github.com/salonhq/outreach/internal/store"
)

// Summary is the queryable per-campaign analytics view. Rates are
// percentages in [0, 100].
type Summary struct {
	CampaignID string `json:"campaign_id"`

	Sent      int64 `json:"sent"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Opened    int64 `json:"opened"`
	Clicked   int64 `json:"clicked"`

	DeliveryRate float64 `json:"delivery_rate"`
	OpenRate     float64 `json:"open_rate"`
}

// Aggregator maintains campaign delivery counters.
type Aggregator struct {
	campaigns  *store.CampaignStore
	deliveries *store.DeliveryStore
	logger     *slog.Logger
}

// New creates an aggregator.
func New(campaigns *store.CampaignStore, deliveries *store.DeliveryStore, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		campaigns:  campaigns,
		deliveries: deliveries,
		logger:     logger.With("component", "analytics"),
	}
}

// RecordOutcome folds one terminal delivery outcome into the owning
// campaign's counters. "Sent" counts every attempt that reached a
// terminal state, whether it ended delivered or failed. Non-terminal
// outcomes are ignored; the retry path reports them again later.
func (a *Aggregator) RecordOutcome(ctx context.Context, rec *store.DeliveryRecord) error {
	var delta store.DeliveryStats

	switch rec.Status {
	case channel.StatusDelivered:
		delta.Sent = 1
		delta.Delivered = 1
	case channel.StatusSent:
		// Handed off to the provider but delivery not yet confirmed.
		delta.Sent = 1
	case channel.StatusFailed, channel.StatusBounced:
		delta.Sent = 1
		delta.Failed = 1
	default:
		return nil
	}

	if err := a.campaigns.AddStats(ctx, rec.CampaignID, delta); err != nil {
		return fmt.Errorf("failed to record outcome: %w", err)
	}

	a.logger.Debug("outcome recorded",
		"campaign_id", rec.CampaignID,
		"customer_id", rec.CustomerID,
		"channel", rec.Channel,
		"status", rec.Status)

	return nil
}

// RecordEngagement folds an open/click event into the campaign
// counters and stamps the delivery record.
func (a *Aggregator) RecordEngagement(ctx context.Context, campaignID, providerMessageID string, opened, clicked bool) error {
	var delta store.DeliveryStats
	if opened {
		delta.Opened = 1
	}
	if clicked {
		delta.Clicked = 1
	}
	if delta.Opened == 0 && delta.Clicked == 0 {
		return nil
	}

	if err := a.campaigns.AddStats(ctx, campaignID, delta); err != nil {
		return fmt.Errorf("failed to record engagement: %w", err)
	}

	return nil
}

// Analytics returns the rollup for a campaign. Rates are 0 when their
// denominator is 0.
func (a *Aggregator) Analytics(ctx context.Context, campaignID string) (*Summary, error) {
	campaign, err := a.campaigns.Get(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if campaign == nil {
		return nil, fmt.Errorf("campaign not found: %s", campaignID)
	}

	stats := campaign.Stats
	summary := &Summary{
		CampaignID: campaignID,
		Sent:       stats.Sent,
		Delivered:  stats.Delivered,
		Failed:     stats.Failed,
		Opened:     stats.Opened,
		Clicked:    stats.Clicked,
	}

	if stats.Sent > 0 {
		summary.DeliveryRate = float64(stats.Delivered) / float64(stats.Sent) * 100
	}
	if stats.Delivered > 0 {
		summary.OpenRate = float64(stats.Opened) / float64(stats.Delivered) * 100
	}

	return summary, nil
}

// Recompute rebuilds a campaign's counters from its delivery records.
// Used on startup after an unclean shutdown, where in-flight outcome
// folding may have been lost.
func (a *Aggregator) Recompute(ctx context.Context, campaignID string) error {
	records, err := a.deliveries.ListByCampaign(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("failed to list deliveries: %w", err)
	}

	var stats store.DeliveryStats
	for _, rec := range records {
		switch rec.Status {
		case channel.StatusDelivered:
			stats.Sent++
			stats.Delivered++
		case channel.StatusSent:
			stats.Sent++
		case channel.StatusFailed, channel.StatusBounced:
			stats.Sent++
			stats.Failed++
		}
		if rec.OpenedAt != nil {
			stats.Opened++
		}
		if rec.ClickedAt != nil {
			stats.Clicked++
		}
	}

	campaign, err := a.campaigns.Get(ctx, campaignID)
	if err != nil {
		return err
	}
	if campaign == nil {
		return fmt.Errorf("campaign not found: %s", campaignID)
	}

	return a.campaigns.ApplyStats(ctx, campaignID, campaign.ActualRecipients, stats)
}
