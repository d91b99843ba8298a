// Package dispatch drives campaign executions: it resolves the
// recipient set, renders content, creates message jobs, and feeds
// them through the channel dispatcher in bounded-size batches with
// inter-batch pacing. A background retry loop re-sends deferred jobs.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/salonhq/outreach/internal/analytics"
	"github.com/salonhq/outreach/internal/channel"
	"github.com/salonhq/outreach/internal/directory"
	"github.com/salonhq/outreach/internal/metrics"
	"github.com/salonhq/outreach/internal/store"
	"github.com/salonhq/outreach/internal/targeting"
	"github.com/salonhq/outreach/internal/template"
)

// PlanLimiter reports whether a tenant may send more messages this
// period. Consulted before each batch begins.
type PlanLimiter interface {
	CheckMessageLimit(ctx context.Context, tenantID string) (bool, error)
}

// Config contains batch processing settings.
type Config struct {
	BatchSize     int
	Concurrency   int
	BatchDelay    time.Duration
	MaxRetries    int
	RetryInterval time.Duration
	RetryPoll     time.Duration
}

// Processor executes campaigns batch by batch.
type Processor struct {
	campaigns  *store.CampaignStore
	jobs       *store.JobStore
	deliveries *store.DeliveryStore
	frequency  *store.FrequencyStore
	usage      *store.UsageStore
	templates  *template.Storage

	dir         directory.Directory
	resolver    *targeting.Resolver
	engine      *template.Engine
	dispatchers *channel.Registry
	aggregator  *analytics.Aggregator
	limiter     PlanLimiter
	metrics     *metrics.Metrics
	logger      *slog.Logger

	batchSize     int
	concurrency   int
	batchDelay    time.Duration
	maxRetries    int
	retryInterval time.Duration
	retryPoll     time.Duration

	// executing guards the at-most-one-in-flight-execution-per-campaign
	// invariant.
	mu        sync.Mutex
	executing map[string]bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Deps bundles the processor's collaborators.
type Deps struct {
	Store       *store.Store
	Templates   *template.Storage
	Directory   directory.Directory
	Resolver    *targeting.Resolver
	Engine      *template.Engine
	Dispatchers *channel.Registry
	Aggregator  *analytics.Aggregator
	Limiter     PlanLimiter
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// NewProcessor creates a batch processor.
func NewProcessor(deps Deps, cfg Config) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.BatchDelay <= 0 {
		cfg.BatchDelay = time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Minute
	}
	if cfg.RetryPoll <= 0 {
		cfg.RetryPoll = 15 * time.Second
	}

	return &Processor{
		campaigns:  deps.Store.Campaigns(),
		jobs:       deps.Store.Jobs(),
		deliveries: deps.Store.Deliveries(),
		frequency:  deps.Store.Frequency(),
		usage:      deps.Store.Usage(),
		templates:  deps.Templates,

		dir:         deps.Directory,
		resolver:    deps.Resolver,
		engine:      deps.Engine,
		dispatchers: deps.Dispatchers,
		aggregator:  deps.Aggregator,
		limiter:     deps.Limiter,
		metrics:     deps.Metrics,
		logger:      deps.Logger.With("component", "dispatch"),

		batchSize:     cfg.BatchSize,
		concurrency:   cfg.Concurrency,
		batchDelay:    cfg.BatchDelay,
		maxRetries:    cfg.MaxRetries,
		retryInterval: cfg.RetryInterval,
		retryPoll:     cfg.RetryPoll,

		executing: make(map[string]bool),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the deferred-job retry loop.
func (p *Processor) Start(ctx context.Context) {
	p.logger.Info("starting retry loop", "poll", p.retryPoll)
	p.wg.Add(1)
	go p.retryLoop(ctx)
}

// Stop stops the retry loop and waits for in-flight work.
func (p *Processor) Stop() {
	close(p.stopCh)
	p.wg.Wait()
	p.logger.Info("dispatch stopped")
}

// ExecuteCampaign runs a campaign end to end: resolve, render, create
// jobs, and drive them through the dispatcher in batches. Returns an
// error only for setup failures that abort before any dispatch;
// per-recipient failures are folded into the campaign's stats.
func (p *Processor) ExecuteCampaign(ctx context.Context, campaignID string, cap targeting.Cap) error {
	p.mu.Lock()
	if p.executing[campaignID] {
		p.mu.Unlock()
		return fmt.Errorf("campaign %s is already executing", campaignID)
	}
	p.executing[campaignID] = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.executing, campaignID)
		p.mu.Unlock()
	}()

	campaign, err := p.campaigns.Get(ctx, campaignID)
	if err != nil {
		return err
	}
	if campaign == nil {
		return fmt.Errorf("campaign not found: %s", campaignID)
	}
	if campaign.Status.Terminal() {
		return fmt.Errorf("campaign %s is %s", campaignID, campaign.Status)
	}

	logger := p.logger.With("campaign_id", campaignID, "tenant_id", campaign.TenantID)

	content, err := p.campaignContent(ctx, campaign)
	if err != nil {
		p.fail(ctx, campaignID, err.Error())
		return fmt.Errorf("campaign setup failed: %w", err)
	}

	if err := p.campaigns.SetStatus(ctx, campaignID, store.CampaignExecuting, ""); err != nil {
		return err
	}

	recipients, err := p.resolver.Resolve(ctx, campaign.TenantID, campaign.Criteria, campaign.ExcludeCustomerIDs, cap)
	if err != nil {
		p.fail(ctx, campaignID, "recipient resolution failed")
		return fmt.Errorf("recipient resolution failed: %w", err)
	}

	logger.Info("campaign execution started",
		"estimated", campaign.EstimatedRecipients,
		"resolved", len(recipients),
	)

	jobs := p.createJobs(ctx, campaign, content, recipients, logger)

	dispatched, reason := p.runBatches(ctx, campaign, jobs, logger)

	if err := p.campaigns.ApplyStats(ctx, campaignID, dispatched, store.DeliveryStats{}); err != nil {
		logger.Error("failed to store recipient count", "error", err)
	}
	// ApplyStats replaced the rollup; rebuild it from the records.
	if err := p.aggregator.Recompute(ctx, campaignID); err != nil {
		logger.Error("failed to recompute stats", "error", err)
	}

	switch reason {
	case stopLimit:
		p.fail(ctx, campaignID, "plan limit reached")
		logger.Warn("campaign halted by plan limit", "dispatched", dispatched)
		return nil
	case stopLimitCheck:
		p.fail(ctx, campaignID, "plan limit check failed")
		logger.Warn("campaign halted, plan limit could not be checked", "dispatched", dispatched)
		return nil
	case stopCancelled:
		logger.Info("campaign execution stopped", "dispatched", dispatched)
		return nil
	}

	p.finalizeIfDone(ctx, campaignID, logger)
	return nil
}

// campaignContent resolves the campaign's message content. An
// unresolvable template reference aborts before any dispatch.
func (p *Processor) campaignContent(ctx context.Context, campaign *store.Campaign) (*template.Template, error) {
	if campaign.TemplateID == "" {
		return &template.Template{
			Subject: campaign.Subject,
			Body:    campaign.Body,
		}, nil
	}

	tmpl, err := p.templates.Get(ctx, campaign.TemplateID)
	if err != nil {
		return nil, err
	}
	if tmpl == nil {
		return nil, fmt.Errorf("template not found: %s", campaign.TemplateID)
	}

	if err := p.templates.IncrementUsage(ctx, tmpl.ID); err != nil {
		p.logger.Warn("failed to increment template usage", "template_id", tmpl.ID, "error", err)
	}

	return tmpl, nil
}

// createJobs renders content per recipient and creates one job per
// eligible recipient on their selected channel. Unreachable customers
// are skipped without a delivery record.
func (p *Processor) createJobs(ctx context.Context, campaign *store.Campaign, tmpl *template.Template, recipients []*directory.Customer, logger *slog.Logger) []*store.Job {
	var jobs []*store.Job

	dispatcher := p.dispatchers.For(campaign.TenantID)
	for _, customer := range recipients {
		ch, ok := dispatcher.SelectChannel(customer, campaign.Channels)
		if !ok {
			logger.Debug("customer unreachable on configured channels", "customer_id", customer.ID)
			continue
		}

		content := p.engine.Render(tmpl, customer)

		job := &store.Job{
			ID:             uuid.New().String(),
			CampaignID:     campaign.ID,
			RuleID:         campaign.RuleID,
			TenantID:       campaign.TenantID,
			CustomerID:     customer.ID,
			Channel:        ch,
			Recipient:      customer.Identifier(string(ch)),
			Subject:        content.Subject,
			Body:           content.Body,
			IdempotencyKey: store.IdempotencyKey(campaign.ID, customer.ID, ch),
			Status:         store.JobPending,
			MaxRetries:     p.maxRetries,
		}

		created, err := p.jobs.Create(ctx, job)
		if err != nil {
			logger.Error("failed to create job", "customer_id", customer.ID, "error", err)
			continue
		}
		if created {
			jobs = append(jobs, job)
		}
	}

	return jobs
}

// stopReason says why runBatches stopped before exhausting its jobs.
type stopReason int

const (
	stopNone stopReason = iota
	stopLimit
	stopLimitCheck
	stopCancelled
)

// runBatches drives jobs through the dispatcher in batches of
// batchSize. The plan limit and the campaign status are checked
// before each batch; tripping the limit or cancelling the campaign
// stops new sends while in-flight sends complete. Batch N completes
// before batch N+1 begins, with the configured delay between them.
func (p *Processor) runBatches(ctx context.Context, campaign *store.Campaign, jobs []*store.Job, logger *slog.Logger) (dispatched int, reason stopReason) {
	for start := 0; start < len(jobs); start += p.batchSize {
		if start > 0 {
			select {
			case <-ctx.Done():
				logger.Info("campaign execution cancelled", "dispatched", dispatched)
				return dispatched, stopNone
			case <-p.stopCh:
				return dispatched, stopNone
			case <-time.After(p.batchDelay):
			}
		}

		current, err := p.campaigns.Get(ctx, campaign.ID)
		if err != nil {
			logger.Error("campaign status check failed", "error", err)
		} else if current == nil || current.Status != store.CampaignExecuting {
			logger.Info("campaign no longer executing, stopping dispatch", "dispatched", dispatched)
			return dispatched, stopCancelled
		}

		ok, err := p.limiter.CheckMessageLimit(ctx, campaign.TenantID)
		if err != nil {
			logger.Error("plan limit check failed", "error", err)
			return dispatched, stopLimitCheck
		}
		if !ok {
			return dispatched, stopLimit
		}

		end := start + p.batchSize
		if end > len(jobs) {
			end = len(jobs)
		}
		batch := jobs[start:end]

		began := time.Now()
		p.runBatch(ctx, batch)
		if p.metrics != nil {
			p.metrics.ObserveBatch(time.Since(began), len(batch))
		}

		dispatched += len(batch)
		logger.Debug("batch complete", "batch_size", len(batch), "dispatched", dispatched)
	}

	return dispatched, stopNone
}

// runBatch sends one batch with bounded concurrency.
func (p *Processor) runBatch(ctx context.Context, batch []*store.Job) {
	sem := make(chan struct{}, p.concurrency)
	var wg sync.WaitGroup

	for _, job := range batch {
		sem <- struct{}{}
		wg.Add(1)

		go func(job *store.Job) {
			defer func() {
				<-sem
				wg.Done()
			}()

			p.sendJob(ctx, job)
		}(job)
	}

	wg.Wait()
}

// sendJob performs one dispatch attempt and records its outcome.
// Exactly one delivery record exists per job; retries update it in
// place and the terminal status is written once.
func (p *Processor) sendJob(ctx context.Context, job *store.Job) {
	logger := p.logger.With("job_id", job.ID, "campaign_id", job.CampaignID, "channel", job.Channel)

	customer, err := p.dir.Get(ctx, job.CustomerID)
	if err != nil || customer == nil {
		p.finishJob(ctx, job, channel.Outcome{
			Status: channel.StatusFailed,
			Error:  "customer no longer in directory",
			At:     time.Now(),
		}, false, logger)
		return
	}

	job.Status = store.JobSending
	if err := p.jobs.Update(ctx, job); err != nil {
		logger.Error("failed to mark job sending", "error", err)
	}

	content := template.Content{Subject: job.Subject, Body: job.Body}

	sendCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	outcome, sendErr := p.dispatchers.For(job.TenantID).Send(sendCtx, customer, job.Channel, content)
	cancel()

	if sendErr == nil {
		// Provider accepted the message.
		outcome.Status = channel.StatusDelivered
		p.finishJob(ctx, job, outcome, false, logger)
		return
	}

	transient := channel.IsTemporaryError(sendErr)
	p.finishJob(ctx, job, outcome, transient, logger)
}

// finishJob updates the job and its delivery record after an attempt.
// Transient failures with retries remaining defer the job; everything
// else is terminal.
func (p *Processor) finishJob(ctx context.Context, job *store.Job, outcome channel.Outcome, transient bool, logger *slog.Logger) {
	now := time.Now()

	rec := &store.DeliveryRecord{
		ID:                uuid.New().String(),
		CampaignID:        job.CampaignID,
		RuleID:            job.RuleID,
		TenantID:          job.TenantID,
		CustomerID:        job.CustomerID,
		Channel:           job.Channel,
		Recipient:         job.Recipient,
		IdempotencyKey:    job.IdempotencyKey,
		Status:            outcome.Status,
		ProviderMessageID: outcome.ProviderMessageID,
		Error:             outcome.Error,
	}

	switch outcome.Status {
	case channel.StatusDelivered:
		rec.SentAt = &now
		rec.DeliveredAt = &now
		job.Status = store.JobDelivered
		job.NextRetryAt = nil
		job.LastError = ""

		if job.RuleID != "" {
			if err := p.frequency.Record(ctx, job.RuleID, job.CustomerID); err != nil {
				logger.Error("failed to record frequency", "error", err)
			}
		}
		if err := p.usage.AddSends(ctx, job.TenantID, now, 1); err != nil {
			logger.Error("failed to record usage", "error", err)
		}

		logger.Info("message delivered", "customer_id", job.CustomerID)

	default:
		job.RetryCount++
		job.LastError = outcome.Error

		if transient && job.RetryCount < job.MaxRetries {
			backoff := p.calculateBackoff(job.RetryCount)
			retryAt := now.Add(backoff)
			job.Status = store.JobDeferred
			job.NextRetryAt = &retryAt

			// Keep the record non-terminal so the retry can settle it.
			rec.Status = channel.StatusQueued

			logger.Info("job deferred",
				"retry_count", job.RetryCount,
				"next_retry_at", retryAt,
				"backoff", backoff,
			)
		} else {
			job.Status = store.JobFailed
			job.NextRetryAt = nil
			rec.Status = channel.StatusFailed

			logger.Warn("job failed permanently",
				"retry_count", job.RetryCount,
				"max_retries", job.MaxRetries,
				"error", outcome.Error,
			)
		}
	}

	if err := p.jobs.Update(ctx, job); err != nil {
		logger.Error("failed to update job", "error", err)
	}
	if err := p.deliveries.Upsert(ctx, rec); err != nil {
		logger.Error("failed to upsert delivery record", "error", err)
	}

	if job.Status.Terminal() {
		settled, err := p.deliveries.GetByIdempotencyKey(ctx, job.IdempotencyKey)
		if err == nil && settled != nil {
			if err := p.aggregator.RecordOutcome(ctx, settled); err != nil {
				logger.Error("failed to record outcome", "error", err)
			}
		}
	}

	if p.metrics != nil {
		p.metrics.CountSend(string(job.Channel), string(job.Status))
	}
}

// calculateBackoff returns the exponential backoff for a retry,
// capped at one hour.
func (p *Processor) calculateBackoff(retryCount int) time.Duration {
	multiplier := 1 << (retryCount - 1)
	if multiplier > 12 {
		multiplier = 12
	}

	backoff := time.Duration(multiplier) * p.retryInterval
	if backoff > time.Hour {
		return time.Hour
	}
	return backoff
}

// fail marks a campaign failed with a reason, tolerating terminal
// races.
func (p *Processor) fail(ctx context.Context, campaignID, reason string) {
	if err := p.campaigns.SetStatus(ctx, campaignID, store.CampaignFailed, reason); err != nil {
		p.logger.Error("failed to mark campaign failed", "campaign_id", campaignID, "error", err)
	}
}

// finalizeIfDone completes the campaign once every job has a terminal
// status. Deferred jobs keep the campaign executing until the retry
// loop settles them.
func (p *Processor) finalizeIfDone(ctx context.Context, campaignID string, logger *slog.Logger) {
	jobs, err := p.jobs.ListByCampaign(ctx, campaignID)
	if err != nil {
		logger.Error("failed to list campaign jobs", "error", err)
		return
	}

	delivered, failed := 0, 0
	for _, job := range jobs {
		switch job.Status {
		case store.JobDelivered:
			delivered++
		case store.JobFailed:
			failed++
		default:
			return
		}
	}

	status := store.CampaignCompleted
	reason := ""
	if failed > 0 && delivered == 0 {
		status = store.CampaignFailed
		reason = "all sends failed"
	}

	if err := p.campaigns.SetStatus(ctx, campaignID, status, reason); err != nil {
		logger.Error("failed to finalize campaign", "error", err)
		return
	}

	logger.Info("campaign finished", "status", status, "delivered", delivered, "failed", failed)
}

// retryLoop polls for deferred jobs whose retry time has passed and
// re-sends them, settling their campaigns as they finish.
func (p *Processor) retryLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.retryPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.processDue(ctx)
		}
	}
}

// processDue sends one poll's worth of due jobs. Jobs whose campaign
// is no longer executing are left alone, and the plan limit is
// re-checked per campaign before any of its jobs are re-sent.
func (p *Processor) processDue(ctx context.Context) {
	due, err := p.jobs.ListDue(ctx, time.Now(), p.batchSize)
	if err != nil {
		p.logger.Error("failed to list due jobs", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}

	byCampaign := make(map[string][]*store.Job)
	for _, job := range due {
		byCampaign[job.CampaignID] = append(byCampaign[job.CampaignID], job)
	}

	var batch []*store.Job
	var finalize []string
	for campaignID, jobs := range byCampaign {
		logger := p.logger.With("campaign_id", campaignID)

		campaign, err := p.campaigns.Get(ctx, campaignID)
		if err != nil {
			logger.Error("campaign lookup failed, skipping retries", "error", err)
			continue
		}
		if campaign == nil || campaign.Status != store.CampaignExecuting {
			logger.Debug("campaign not executing, skipping retries", "jobs", len(jobs))
			continue
		}

		ok, err := p.limiter.CheckMessageLimit(ctx, campaign.TenantID)
		if err != nil {
			logger.Error("plan limit check failed, skipping retries", "error", err)
			continue
		}
		if !ok {
			p.fail(ctx, campaignID, "plan limit reached")
			logger.Warn("campaign halted by plan limit during retry")
			continue
		}

		batch = append(batch, jobs...)
		finalize = append(finalize, campaignID)
	}
	if len(batch) == 0 {
		return
	}

	p.logger.Debug("retrying due jobs", "count", len(batch))
	p.runBatch(ctx, batch)

	for _, campaignID := range finalize {
		p.finalizeIfDone(ctx, campaignID, p.logger.With("campaign_id", campaignID))
	}
}

// RecoverInFlight re-enqueues jobs left mid-send or never dispatched
// by an unclean shutdown. Any job without a terminal delivery record
// becomes deferred with an immediate retry time; the retry loop picks
// it up and re-applies the campaign status and plan limit checks.
func (p *Processor) RecoverInFlight(ctx context.Context) error {
	stuck, err := p.jobs.ListStuck(ctx)
	if err != nil {
		return fmt.Errorf("failed to list in-flight jobs: %w", err)
	}

	now := time.Now()
	for _, job := range stuck {
		rec, err := p.deliveries.GetByIdempotencyKey(ctx, job.IdempotencyKey)
		if err != nil {
			return err
		}
		if rec != nil && (rec.Status == channel.StatusDelivered || rec.Status == channel.StatusFailed || rec.Status == channel.StatusBounced) {
			continue
		}

		job.Status = store.JobDeferred
		job.NextRetryAt = &now
		if err := p.jobs.Update(ctx, job); err != nil {
			return err
		}
		p.logger.Info("re-enqueued in-flight job", "job_id", job.ID, "campaign_id", job.CampaignID)
	}

	if len(stuck) > 0 {
		p.logger.Info("crash recovery complete", "jobs", len(stuck))
	}
	return nil
}
