// Package scheduler owns the trigger-to-execution lifecycle of
// automation rules and scheduled campaigns: one timer per active
// rule, torn down on pause/delete, rescheduled drift-free after every
// execution.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/salonhq/outreach/internal/metrics"
	"github.com/salonhq/outreach/internal/store"
	"github.com/salonhq/outreach/internal/targeting"
)

// CampaignExecutor drives one campaign through dispatch.
type CampaignExecutor interface {
	ExecuteCampaign(ctx context.Context, campaignID string, cap targeting.Cap) error
}

// Scheduler maintains the timer registry. All timer state lives on
// the instance, injected where needed; there is no module-level
// registry.
type Scheduler struct {
	rules     *store.RuleStore
	campaigns *store.CampaignStore
	resolver  *targeting.Resolver
	executor  CampaignExecutor
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler.
func New(s *store.Store, resolver *targeting.Resolver, executor CampaignExecutor, m *metrics.Metrics, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		rules:     s.Rules(),
		campaigns: s.Campaigns(),
		resolver:  resolver,
		executor:  executor,
		metrics:   m,
		logger:    logger.With("component", "scheduler"),
		timers:    make(map[string]*time.Timer),
	}
}

// Start arms timers for every active rule and every scheduled
// campaign that survived a restart.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	rules, err := s.rules.List(ctx, store.RuleListFilter{Status: store.RuleActive})
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}
	for _, rule := range rules {
		if err := s.Schedule(ctx, rule); err != nil {
			s.logger.Error("failed to schedule rule", "rule_id", rule.ID, "error", err)
		}
	}

	scheduled, err := s.campaigns.List(ctx, store.CampaignListFilter{Status: store.CampaignScheduled})
	if err != nil {
		return fmt.Errorf("failed to load scheduled campaigns: %w", err)
	}
	for _, campaign := range scheduled {
		s.ScheduleCampaign(campaign)
	}

	s.logger.Info("scheduler started", "rules", len(rules), "scheduled_campaigns", len(scheduled))
	return nil
}

// Stop tears down every timer and waits for in-flight executions.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}

	s.mu.Lock()
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Schedule arms (or re-arms) the timer for a rule. Idempotent: an
// existing timer for the id is replaced. Paused, inactive and
// trigger-based rules end up with no timer. The rule's next-execution
// time is persisted.
func (s *Scheduler) Schedule(ctx context.Context, rule *store.Rule) error {
	s.Unschedule(rule.ID)

	if rule.Status != store.RuleActive {
		return s.rules.SetNextExecution(ctx, rule.ID, nil)
	}

	next := NextRun(rule.Schedule, time.Now())
	if err := s.rules.SetNextExecution(ctx, rule.ID, next); err != nil {
		return err
	}
	if next == nil {
		return nil
	}

	s.armRule(rule.ID, *next)
	s.logger.Info("rule scheduled", "rule_id", rule.ID, "next_execution", next)
	return nil
}

// Unschedule tears down a rule's timer. Idempotent: unknown ids are a
// no-op.
func (s *Scheduler) Unschedule(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.timers[id]; ok {
		timer.Stop()
		delete(s.timers, id)
	}
}

func (s *Scheduler) armRule(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.timers[id] = time.AfterFunc(time.Until(at), func() {
		s.fireRule(id, at)
	})
}

// fireRule runs one scheduled execution and re-arms the timer. The
// next time is computed from the scheduled fire time, not the actual
// execution time, so slow executions do not drift the schedule.
func (s *Scheduler) fireRule(id string, firedAt time.Time) {
	ctx := s.ctx
	if ctx == nil || ctx.Err() != nil {
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()

	if _, err := s.ExecuteRule(ctx, id, false); err != nil {
		s.logger.Error("rule execution failed", "rule_id", id, "error", err)
	}

	rule, err := s.rules.Get(ctx, id)
	if err != nil || rule == nil || rule.Status != store.RuleActive {
		return
	}

	next := NextRun(rule.Schedule, firedAt)
	if next == nil {
		return
	}
	if !next.After(time.Now()) {
		recomputed := NextRun(rule.Schedule, time.Now())
		next = recomputed
	}
	if next == nil {
		return
	}

	if err := s.rules.SetNextExecution(ctx, id, next); err != nil {
		s.logger.Error("failed to persist next execution", "rule_id", id, "error", err)
	}
	s.armRule(id, *next)
}

// ExecuteRule fires a rule now, spawning a campaign that carries the
// rule's targeting and content through the regular dispatch path.
// Manual invocations run regardless of schedule but still respect the
// active status.
func (s *Scheduler) ExecuteRule(ctx context.Context, id string, manual bool) (string, error) {
	rule, err := s.rules.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if rule == nil {
		return "", fmt.Errorf("rule not found: %s", id)
	}
	if rule.Status != store.RuleActive {
		return "", fmt.Errorf("rule %s is %s", id, rule.Status)
	}

	cap := targeting.Cap{RuleID: rule.ID, MaxSends: rule.MaxSendsPerCustomer}

	estimated, err := s.resolver.Count(ctx, rule.TenantID, rule.Criteria, rule.ExcludeCustomerIDs, cap)
	if err != nil {
		return "", fmt.Errorf("recipient estimation failed: %w", err)
	}

	now := time.Now()
	campaign := &store.Campaign{
		ID:                  uuid.New().String(),
		TenantID:            rule.TenantID,
		Name:                fmt.Sprintf("%s (run %d)", rule.Name, rule.ExecutionCount+1),
		RuleID:              rule.ID,
		TemplateID:          rule.TemplateID,
		Criteria:            rule.Criteria,
		Channels:            rule.Channels,
		ExcludeCustomerIDs:  rule.ExcludeCustomerIDs,
		Status:              store.CampaignPending,
		EstimatedRecipients: estimated,
	}
	if err := s.campaigns.Create(ctx, campaign); err != nil {
		return "", fmt.Errorf("failed to create execution campaign: %w", err)
	}

	s.logger.Info("executing rule",
		"rule_id", rule.ID,
		"rule_type", rule.Type,
		"campaign_id", campaign.ID,
		"estimated", estimated,
		"manual", manual,
	)

	if err := s.executor.ExecuteCampaign(ctx, campaign.ID, cap); err != nil {
		return campaign.ID, err
	}

	if err := s.rules.RecordExecution(ctx, rule.ID, now, NextRun(rule.Schedule, now)); err != nil {
		s.logger.Error("failed to record execution", "rule_id", rule.ID, "error", err)
	}
	if s.metrics != nil {
		s.metrics.CountRuleExecution(string(rule.Type))
	}

	return campaign.ID, nil
}

// ScheduleCampaign arms a one-shot timer for a scheduled campaign. A
// campaign with no schedule time or one in the past fires immediately.
func (s *Scheduler) ScheduleCampaign(campaign *store.Campaign) {
	id := "campaign:" + campaign.ID

	at := time.Now()
	if campaign.ScheduleAt != nil && campaign.ScheduleAt.After(at) {
		at = *campaign.ScheduleAt
	}

	s.mu.Lock()
	campaignID := campaign.ID
	s.timers[id] = time.AfterFunc(time.Until(at), func() {
		s.fireCampaign(campaignID)
	})
	s.mu.Unlock()

	s.logger.Info("campaign scheduled", "campaign_id", campaign.ID, "at", at)
}

// UnscheduleCampaign cancels a scheduled campaign's timer.
func (s *Scheduler) UnscheduleCampaign(campaignID string) {
	s.Unschedule("campaign:" + campaignID)
}

func (s *Scheduler) fireCampaign(campaignID string) {
	ctx := s.ctx
	if ctx == nil || ctx.Err() != nil {
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()

	s.Unschedule("campaign:" + campaignID)

	if err := s.executor.ExecuteCampaign(ctx, campaignID, targeting.Cap{}); err != nil {
		s.logger.Error("scheduled campaign failed", "campaign_id", campaignID, "error", err)
	}
}
