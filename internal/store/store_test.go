package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/salonhq/outreach/internal/channel"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "outreach.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	return s
}

func TestRuleCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rules := s.Rules()

	rule := &Rule{
		ID:       "rule-1",
		TenantID: "tenant-1",
		Name:     "Birthday greetings",
		Type:     RuleBirthdayGreeting,
		Schedule: Schedule{Frequency: FreqDaily, Hour: 9},
		Channels: []channel.Channel{channel.SMS},
		Status:   RuleActive,
	}

	if err := rules.Create(ctx, rule); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := rules.Create(ctx, rule); err == nil {
		t.Error("expected error creating duplicate rule")
	}

	got, err := rules.Get(ctx, "rule-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil || got.Name != "Birthday greetings" {
		t.Errorf("unexpected rule: %+v", got)
	}

	got.Status = RulePaused
	if err := rules.Update(ctx, got); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	missing, err := rules.Get(ctx, "nope")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for missing rule")
	}

	if err := rules.Delete(ctx, "rule-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	got, _ = rules.Get(ctx, "rule-1")
	if got != nil {
		t.Error("rule should be gone after delete")
	}
}

func TestRuleListFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rules := s.Rules()

	for _, r := range []*Rule{
		{ID: "a", TenantID: "t1", Type: RulePromotional, Status: RuleActive},
		{ID: "b", TenantID: "t1", Type: RulePromotional, Status: RulePaused},
		{ID: "c", TenantID: "t2", Type: RulePromotional, Status: RuleActive},
	} {
		if err := rules.Create(ctx, r); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	list, err := rules.List(ctx, RuleListFilter{TenantID: "t1"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("expected 2 rules for t1, got %d", len(list))
	}

	list, _ = rules.List(ctx, RuleListFilter{Status: RuleActive})
	if len(list) != 2 {
		t.Errorf("expected 2 active rules, got %d", len(list))
	}

	list, _ = rules.List(ctx, RuleListFilter{TenantID: "t1", Limit: 1})
	if len(list) != 1 {
		t.Errorf("expected limit 1, got %d", len(list))
	}
}

func TestRecordExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rules := s.Rules()

	rule := &Rule{ID: "rule-1", TenantID: "t1", Type: RuleFollowUp, Status: RuleActive}
	if err := rules.Create(ctx, rule); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	executed := time.Now()
	next := executed.Add(24 * time.Hour)
	if err := rules.RecordExecution(ctx, "rule-1", executed, &next); err != nil {
		t.Fatalf("RecordExecution failed: %v", err)
	}

	got, _ := rules.Get(ctx, "rule-1")
	if got.ExecutionCount != 1 {
		t.Errorf("expected execution count 1, got %d", got.ExecutionCount)
	}
	if got.LastExecutedAt == nil || got.NextExecutionAt == nil {
		t.Error("execution timestamps not recorded")
	}
}

func TestScheduleValidate(t *testing.T) {
	tests := []struct {
		name     string
		schedule Schedule
		wantErr  bool
	}{
		{"daily valid", Schedule{Frequency: FreqDaily, Hour: 9, Minute: 30}, false},
		{"trigger ignores time", Schedule{Frequency: FreqTrigger, Hour: -5}, false},
		{"bad hour", Schedule{Frequency: FreqDaily, Hour: 24}, true},
		{"bad minute", Schedule{Frequency: FreqDaily, Minute: 60}, true},
		{"weekly valid", Schedule{Frequency: FreqWeekly, Weekday: 6, Hour: 10}, false},
		{"weekly bad weekday", Schedule{Frequency: FreqWeekly, Weekday: 7}, true},
		{"monthly valid", Schedule{Frequency: FreqMonthly, DayOfMonth: 31}, false},
		{"monthly bad day", Schedule{Frequency: FreqMonthly, DayOfMonth: 0}, true},
		{"unknown frequency", Schedule{Frequency: "hourly"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.schedule.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCampaignLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	campaigns := s.Campaigns()

	c := &Campaign{
		ID:       "camp-1",
		TenantID: "t1",
		Name:     "Summer promo",
		Channels: []channel.Channel{channel.Email},
		Status:   CampaignPending,
	}
	if err := campaigns.Create(ctx, c); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := campaigns.SetStatus(ctx, "camp-1", CampaignExecuting, ""); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}

	got, _ := campaigns.Get(ctx, "camp-1")
	if got.Status != CampaignExecuting {
		t.Errorf("expected executing, got %s", got.Status)
	}
	if got.StartedAt == nil {
		t.Error("StartedAt not set on executing transition")
	}

	stats := DeliveryStats{Sent: 10, Delivered: 8, Failed: 2}
	if err := campaigns.ApplyStats(ctx, "camp-1", 10, stats); err != nil {
		t.Fatalf("ApplyStats failed: %v", err)
	}

	if err := campaigns.SetStatus(ctx, "camp-1", CampaignCompleted, ""); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}

	got, _ = campaigns.Get(ctx, "camp-1")
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set on terminal transition")
	}
	if got.Stats.Delivered != 8 {
		t.Errorf("stats not applied: %+v", got.Stats)
	}

	// Terminal campaigns stay terminal.
	if err := campaigns.SetStatus(ctx, "camp-1", CampaignExecuting, ""); err == nil {
		t.Error("expected error transitioning out of completed")
	}
}

func TestJobIdempotentCreate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	jobs := s.Jobs()

	job := &Job{
		ID:             "job-1",
		CampaignID:     "camp-1",
		CustomerID:     "cust-1",
		Channel:        channel.SMS,
		Body:           "hello",
		IdempotencyKey: IdempotencyKey("camp-1", "cust-1", channel.SMS),
		Status:         JobPending,
		MaxRetries:     3,
	}

	created, err := jobs.Create(ctx, job)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if !created {
		t.Fatal("first create should report created")
	}

	dup := *job
	dup.ID = "job-2"
	created, err = jobs.Create(ctx, &dup)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if created {
		t.Error("duplicate idempotency key should not create a second job")
	}

	list, err := jobs.ListByCampaign(ctx, "camp-1")
	if err != nil {
		t.Fatalf("ListByCampaign failed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 job, got %d", len(list))
	}
	if list[0].ID != "job-1" {
		t.Errorf("expected job-1, got %s", list[0].ID)
	}
}

func TestJobListDue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	jobs := s.Jobs()

	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	seed := []*Job{
		{ID: "pending", CampaignID: "c", CustomerID: "1", Channel: channel.SMS, IdempotencyKey: "c:1:sms", Status: JobPending},
		{ID: "due-retry", CampaignID: "c", CustomerID: "2", Channel: channel.SMS, IdempotencyKey: "c:2:sms", Status: JobDeferred, NextRetryAt: &past},
		{ID: "not-due", CampaignID: "c", CustomerID: "3", Channel: channel.SMS, IdempotencyKey: "c:3:sms", Status: JobDeferred, NextRetryAt: &future},
		{ID: "done", CampaignID: "c", CustomerID: "4", Channel: channel.SMS, IdempotencyKey: "c:4:sms", Status: JobDelivered},
	}
	for _, j := range seed {
		if _, err := jobs.Create(ctx, j); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	due, err := jobs.ListDue(ctx, now, 0)
	if err != nil {
		t.Fatalf("ListDue failed: %v", err)
	}
	// Pending jobs belong to their campaign execution and are not due.
	if len(due) != 1 {
		t.Fatalf("expected 1 due job, got %d", len(due))
	}
	if due[0].ID != "due-retry" {
		t.Errorf("unexpected due job %s", due[0].ID)
	}
}

func TestJobListStuck(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	jobs := s.Jobs()

	seed := []*Job{
		{ID: "a", CampaignID: "c", IdempotencyKey: "c:a:sms", Status: JobSending},
		{ID: "b", CampaignID: "c", IdempotencyKey: "c:b:sms", Status: JobPending},
		{ID: "d", CampaignID: "c", IdempotencyKey: "c:d:sms", Status: JobDelivered},
	}
	for _, j := range seed {
		if _, err := jobs.Create(ctx, j); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	stuck, err := jobs.ListStuck(ctx)
	if err != nil {
		t.Fatalf("ListStuck failed: %v", err)
	}
	// Sending and pending both indicate an interrupted execution.
	if len(stuck) != 2 {
		t.Fatalf("expected 2 stuck jobs, got %d", len(stuck))
	}
	for _, j := range stuck {
		if j.ID != "a" && j.ID != "b" {
			t.Errorf("unexpected stuck job %s", j.ID)
		}
	}
}

func TestDeliveryUpsertTerminalOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	deliveries := s.Deliveries()

	key := IdempotencyKey("camp-1", "cust-1", channel.Email)
	now := time.Now()

	first := &DeliveryRecord{
		ID:             "del-1",
		CampaignID:     "camp-1",
		CustomerID:     "cust-1",
		Channel:        channel.Email,
		IdempotencyKey: key,
		Status:         channel.StatusQueued,
	}
	if err := deliveries.Upsert(ctx, first); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	// A retry updates the same record instead of creating another.
	second := &DeliveryRecord{
		ID:             "del-2",
		CampaignID:     "camp-1",
		CustomerID:     "cust-1",
		Channel:        channel.Email,
		IdempotencyKey: key,
		Status:         channel.StatusDelivered,
		DeliveredAt:    &now,
	}
	if err := deliveries.Upsert(ctx, second); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	records, err := deliveries.ListByCampaign(ctx, "camp-1")
	if err != nil {
		t.Fatalf("ListByCampaign failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected exactly 1 record, got %d", len(records))
	}
	if records[0].Status != channel.StatusDelivered {
		t.Errorf("expected delivered, got %s", records[0].Status)
	}
	if records[0].Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", records[0].Attempts)
	}

	// The terminal status is written once; later attempts are no-ops.
	third := &DeliveryRecord{
		ID:             "del-3",
		CampaignID:     "camp-1",
		CustomerID:     "cust-1",
		Channel:        channel.Email,
		IdempotencyKey: key,
		Status:         channel.StatusFailed,
	}
	if err := deliveries.Upsert(ctx, third); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	rec, _ := deliveries.GetByIdempotencyKey(ctx, key)
	if rec.Status != channel.StatusDelivered {
		t.Errorf("terminal status overwritten: %s", rec.Status)
	}
}

func TestDeliveryMarkEngagement(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	deliveries := s.Deliveries()

	rec := &DeliveryRecord{
		ID:                "del-1",
		CampaignID:        "camp-1",
		CustomerID:        "cust-1",
		Channel:           channel.Email,
		IdempotencyKey:    "camp-1:cust-1:email",
		Status:            channel.StatusQueued,
		ProviderMessageID: "msg-abc",
	}
	if err := deliveries.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	at := time.Now()
	if err := deliveries.MarkEngagement(ctx, "msg-abc", true, false, at); err != nil {
		t.Fatalf("MarkEngagement failed: %v", err)
	}

	got, _ := deliveries.Get(ctx, "del-1")
	if got.OpenedAt == nil {
		t.Error("OpenedAt not recorded")
	}
	if got.ClickedAt != nil {
		t.Error("ClickedAt should be unset")
	}

	// Unknown provider ids are ignored.
	if err := deliveries.MarkEngagement(ctx, "no-such", true, true, at); err != nil {
		t.Fatalf("MarkEngagement failed: %v", err)
	}
}

func TestFrequencyCounter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	freq := s.Frequency()

	count, err := freq.Sends(ctx, "rule-1", "cust-1")
	if err != nil {
		t.Fatalf("Sends failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0, got %d", count)
	}

	for i := 0; i < 3; i++ {
		if err := freq.Record(ctx, "rule-1", "cust-1"); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}
	if err := freq.Record(ctx, "rule-1", "cust-2"); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	count, _ = freq.Sends(ctx, "rule-1", "cust-1")
	if count != 3 {
		t.Errorf("expected 3, got %d", count)
	}
	count, _ = freq.Sends(ctx, "rule-1", "cust-2")
	if count != 1 {
		t.Errorf("expected 1, got %d", count)
	}
}

func TestUsageCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	usage := s.Usage()

	now := time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)

	if err := usage.AddSends(ctx, "t1", now, 40); err != nil {
		t.Fatalf("AddSends failed: %v", err)
	}
	if err := usage.AddSends(ctx, "t1", now, 10); err != nil {
		t.Fatalf("AddSends failed: %v", err)
	}

	count, err := usage.MonthlySends(ctx, "t1", now)
	if err != nil {
		t.Fatalf("MonthlySends failed: %v", err)
	}
	if count != 50 {
		t.Errorf("expected 50, got %d", count)
	}

	// A new month starts from zero.
	april := now.AddDate(0, 1, 0)
	count, _ = usage.MonthlySends(ctx, "t1", april)
	if count != 0 {
		t.Errorf("expected 0 for new month, got %d", count)
	}

	if err := usage.AddSends(ctx, "t1", now, -1); err == nil {
		t.Error("expected error for negative increment")
	}
}
