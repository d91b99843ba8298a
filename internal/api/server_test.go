package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/salonhq/outreach/internal/analytics"
	"github.com/salonhq/outreach/internal/channel"
	"github.com/salonhq/outreach/internal/config"
	"github.com/salonhq/outreach/internal/directory"
	"github.com/salonhq/outreach/internal/metrics"
	"github.com/salonhq/outreach/internal/scheduler"
	"github.com/salonhq/outreach/internal/store"
	"github.com/salonhq/outreach/internal/targeting"
	"github.com/salonhq/outreach/internal/template"
)

const (
	testAPIKey   = "sk-test-tokyo"
	secondAPIKey = "sk-test-osaka"
)

type mockDirectory struct {
	customers []*directory.Customer
}

func (m *mockDirectory) Get(ctx context.Context, id string) (*directory.Customer, error) {
	for _, c := range m.customers {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, nil
}

func (m *mockDirectory) List(ctx context.Context, filter directory.ListFilter) ([]*directory.Customer, error) {
	var out []*directory.Customer
	for _, c := range m.customers {
		if filter.TenantID != "" && c.TenantID != filter.TenantID {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

type mockExecutor struct {
	mu       sync.Mutex
	executed []string
}

func (m *mockExecutor) ExecuteCampaign(ctx context.Context, campaignID string, cap targeting.Cap) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executed = append(m.executed, campaignID)
	return nil
}

func (m *mockExecutor) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.executed)
}

type mockAdapter struct {
	ch    channel.Channel
	mu    sync.Mutex
	sends int
}

func (m *mockAdapter) Channel() channel.Channel { return m.ch }

func (m *mockAdapter) Send(ctx context.Context, rcpt channel.Recipient, content template.Content) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sends++
	return "msg-1", nil
}

type fixture struct {
	server   *Server
	store    *store.Store
	executor *mockExecutor
	adapter  *mockAdapter
}

func newTestServer(t *testing.T, customers []*directory.Customer) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	templates, err := template.NewStorage(st.DB())
	if err != nil {
		t.Fatalf("template storage: %v", err)
	}

	hash := func(key string) string {
		h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.MinCost)
		if err != nil {
			t.Fatalf("bcrypt: %v", err)
		}
		return string(h)
	}

	cfg := &config.Config{}
	cfg.API.ListenAddr = ":0"
	cfg.Tenants = map[string]config.TenantConfig{
		"tokyo": {APIKeyHash: hash(testAPIKey)},
		"osaka": {APIKeyHash: hash(secondAPIKey)},
	}

	dir := &mockDirectory{customers: customers}
	resolver := targeting.NewResolver(dir, st.Frequency(), logger)
	adapter := &mockAdapter{ch: channel.SMS}
	dispatcher := channel.NewDispatcher([]channel.Adapter{adapter}, logger)
	executor := &mockExecutor{}

	sched := scheduler.New(st, resolver, executor, metrics.New(), logger)
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("start scheduler: %v", err)
	}
	t.Cleanup(sched.Stop)

	server := NewServer(Deps{
		Config:      cfg,
		Store:       st,
		Templates:   templates,
		Resolver:    resolver,
		Engine:      template.NewEngine(),
		Dispatchers: channel.NewRegistry(dispatcher),
		Scheduler:   sched,
		Aggregator:  analytics.New(st.Campaigns(), st.Deliveries(), logger),
		Metrics:     metrics.New(),
		Logger:      logger,
	})

	return &fixture{server: server, store: st, executor: executor, adapter: adapter}
}

func (f *fixture) request(t *testing.T, method, path, key string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	w := httptest.NewRecorder()
	f.server.Router().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func (f *fixture) createTemplate(t *testing.T, key string) *template.Template {
	t.Helper()
	w := f.request(t, http.MethodPost, "/api/v1/templates", key, TemplateRequest{
		Name:    "visit thanks",
		Subject: "Thank you {first_name}",
		Body:    "Hi {first_name}, see you again soon!",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create template: status %d: %s", w.Code, w.Body.String())
	}
	tmpl := decode[*template.Template](t, w)
	return tmpl
}

func optedInCustomer(id, tenant string) *directory.Customer {
	return &directory.Customer{
		ID:        id,
		TenantID:  tenant,
		FirstName: "Yuki",
		Phone:     "+81-90-0000-0001",
		OptIns:    map[string]bool{"sms": true},
	}
}

func TestAuthRequired(t *testing.T) {
	f := newTestServer(t, nil)

	w := f.request(t, http.MethodGet, "/api/v1/rules", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing key: status = %d, want 401", w.Code)
	}

	w = f.request(t, http.MethodGet, "/api/v1/rules", "wrong-key", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("bad key: status = %d, want 401", w.Code)
	}

	w = f.request(t, http.MethodGet, "/api/v1/rules", testAPIKey, nil)
	if w.Code != http.StatusOK {
		t.Errorf("valid key: status = %d, want 200", w.Code)
	}
}

func TestAuthBearerHeader(t *testing.T) {
	f := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/rules", nil)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	w := httptest.NewRecorder()
	f.server.Router().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("bearer auth: status = %d, want 200", w.Code)
	}
}

func TestHealthUnauthenticated(t *testing.T) {
	f := newTestServer(t, nil)

	w := f.request(t, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health: status = %d, want 200", w.Code)
	}
	resp := decode[HealthResponse](t, w)
	if resp.Status != "ok" {
		t.Errorf("health status = %q, want ok", resp.Status)
	}
}

func TestRuleLifecycle(t *testing.T) {
	f := newTestServer(t, nil)
	tmpl := f.createTemplate(t, testAPIKey)

	req := RuleRequest{
		Name:       "weekly follow up",
		Type:       string(store.RuleFollowUp),
		Schedule:   store.Schedule{Frequency: store.FreqWeekly, Hour: 10, Weekday: 1},
		TemplateID: tmpl.ID,
		Channels:   []string{"sms"},
	}

	w := f.request(t, http.MethodPost, "/api/v1/rules", testAPIKey, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("create rule: status %d: %s", w.Code, w.Body.String())
	}
	rule := decode[*store.Rule](t, w)
	if rule.TenantID != "tokyo" {
		t.Errorf("TenantID = %q, want tokyo", rule.TenantID)
	}
	if rule.Status != store.RuleActive {
		t.Errorf("Status = %q, want active", rule.Status)
	}
	if rule.NextExecutionAt == nil || !rule.NextExecutionAt.After(time.Now()) {
		t.Errorf("NextExecutionAt = %v, want a future time", rule.NextExecutionAt)
	}

	// Pause drops the timer and the persisted next execution.
	req.Status = string(store.RulePaused)
	w = f.request(t, http.MethodPut, "/api/v1/rules/"+rule.ID, testAPIKey, req)
	if w.Code != http.StatusOK {
		t.Fatalf("update rule: status %d: %s", w.Code, w.Body.String())
	}
	paused := decode[*store.Rule](t, w)
	if paused.Status != store.RulePaused {
		t.Errorf("Status = %q, want paused", paused.Status)
	}
	if paused.NextExecutionAt != nil {
		t.Errorf("NextExecutionAt = %v, want nil after pause", paused.NextExecutionAt)
	}

	w = f.request(t, http.MethodDelete, "/api/v1/rules/"+rule.ID, testAPIKey, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete rule: status %d", w.Code)
	}
	w = f.request(t, http.MethodGet, "/api/v1/rules/"+rule.ID, testAPIKey, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("get deleted rule: status = %d, want 404", w.Code)
	}
}

func TestCreateRuleValidation(t *testing.T) {
	f := newTestServer(t, nil)
	tmpl := f.createTemplate(t, testAPIKey)

	daily := store.Schedule{Frequency: store.FreqDaily, Hour: 9}

	tests := []struct {
		name string
		req  RuleRequest
	}{
		{
			name: "missing name",
			req:  RuleRequest{Type: "follow_up", Schedule: daily, TemplateID: tmpl.ID, Channels: []string{"sms"}},
		},
		{
			name: "unknown type",
			req:  RuleRequest{Name: "r", Type: "newsletter", Schedule: daily, TemplateID: tmpl.ID, Channels: []string{"sms"}},
		},
		{
			name: "bad schedule hour",
			req:  RuleRequest{Name: "r", Type: "follow_up", Schedule: store.Schedule{Frequency: store.FreqDaily, Hour: 25}, TemplateID: tmpl.ID, Channels: []string{"sms"}},
		},
		{
			name: "no channels",
			req:  RuleRequest{Name: "r", Type: "follow_up", Schedule: daily, TemplateID: tmpl.ID},
		},
		{
			name: "unknown channel",
			req:  RuleRequest{Name: "r", Type: "follow_up", Schedule: daily, TemplateID: tmpl.ID, Channels: []string{"fax"}},
		},
		{
			name: "missing template",
			req:  RuleRequest{Name: "r", Type: "follow_up", Schedule: daily, Channels: []string{"sms"}},
		},
		{
			name: "nonexistent template",
			req:  RuleRequest{Name: "r", Type: "follow_up", Schedule: daily, TemplateID: "no-such", Channels: []string{"sms"}},
		},
		{
			name: "unknown status",
			req:  RuleRequest{Name: "r", Type: "follow_up", Schedule: daily, TemplateID: tmpl.ID, Channels: []string{"sms"}, Status: "bogus"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.request(t, http.MethodPost, "/api/v1/rules", testAPIKey, tt.req)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400: %s", w.Code, w.Body.String())
			}
		})
	}

	// Nothing was persisted.
	w := f.request(t, http.MethodGet, "/api/v1/rules", testAPIKey, nil)
	rules := decode[[]*store.Rule](t, w)
	if len(rules) != 0 {
		t.Errorf("persisted rules = %d, want 0", len(rules))
	}
}

func TestRuleDryRun(t *testing.T) {
	customers := []*directory.Customer{
		optedInCustomer("c1", "tokyo"),
		optedInCustomer("c2", "tokyo"),
		{ID: "c3", TenantID: "tokyo"}, // unreachable, no opt in
		optedInCustomer("c9", "osaka"),
	}
	f := newTestServer(t, customers)
	tmpl := f.createTemplate(t, testAPIKey)

	w := f.request(t, http.MethodPost, "/api/v1/rules", testAPIKey, RuleRequest{
		Name:       "retention ping",
		Type:       string(store.RuleRetention),
		Schedule:   store.Schedule{Frequency: store.FreqDaily, Hour: 9},
		TemplateID: tmpl.ID,
		Channels:   []string{"sms"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create rule: status %d: %s", w.Code, w.Body.String())
	}
	rule := decode[*store.Rule](t, w)

	w = f.request(t, http.MethodPost, "/api/v1/rules/"+rule.ID+"/test", testAPIKey, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("test rule: status %d: %s", w.Code, w.Body.String())
	}
	resp := decode[TestRuleResponse](t, w)

	if resp.Recipients != 2 {
		t.Errorf("Recipients = %d, want 2", resp.Recipients)
	}
	if resp.ByChannel["sms"] != 2 {
		t.Errorf("ByChannel[sms] = %d, want 2", resp.ByChannel["sms"])
	}
	if resp.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", resp.Skipped)
	}
	if resp.Sample == nil {
		t.Fatal("Sample is nil")
	}
	if resp.Sample.Body != "Hi Yuki, see you again soon!" {
		t.Errorf("Sample.Body = %q, placeholders not rendered", resp.Sample.Body)
	}

	if f.adapter.sends != 0 {
		t.Errorf("dry run dispatched %d sends, want 0", f.adapter.sends)
	}
}

func TestManualRuleExecution(t *testing.T) {
	f := newTestServer(t, []*directory.Customer{optedInCustomer("c1", "tokyo")})
	tmpl := f.createTemplate(t, testAPIKey)

	w := f.request(t, http.MethodPost, "/api/v1/rules", testAPIKey, RuleRequest{
		Name:       "promo blast",
		Type:       string(store.RulePromotional),
		Schedule:   store.Schedule{Frequency: store.FreqTrigger},
		TemplateID: tmpl.ID,
		Channels:   []string{"sms"},
	})
	rule := decode[*store.Rule](t, w)

	w = f.request(t, http.MethodPost, "/api/v1/rules/"+rule.ID+"/execute", testAPIKey, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("execute rule: status %d: %s", w.Code, w.Body.String())
	}
	resp := decode[ExecuteRuleResponse](t, w)
	if resp.CampaignID == "" {
		t.Fatal("CampaignID is empty")
	}

	campaign, err := f.store.Campaigns().Get(context.Background(), resp.CampaignID)
	if err != nil || campaign == nil {
		t.Fatalf("campaign not persisted: %v", err)
	}
	if campaign.RuleID != rule.ID {
		t.Errorf("RuleID = %q, want %q", campaign.RuleID, rule.ID)
	}
	if f.executor.count() != 1 {
		t.Errorf("executions = %d, want 1", f.executor.count())
	}
}

func TestCreateCampaignImmediate(t *testing.T) {
	f := newTestServer(t, []*directory.Customer{
		optedInCustomer("c1", "tokyo"),
		optedInCustomer("c2", "tokyo"),
	})

	w := f.request(t, http.MethodPost, "/api/v1/campaigns", testAPIKey, CampaignRequest{
		Name:     "spring sale",
		Body:     "Spring sale this weekend!",
		Channels: []string{"sms"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create campaign: status %d: %s", w.Code, w.Body.String())
	}
	campaign := decode[*store.Campaign](t, w)
	if campaign.EstimatedRecipients != 2 {
		t.Errorf("EstimatedRecipients = %d, want 2", campaign.EstimatedRecipients)
	}

	// The immediate timer fires asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for f.executor.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if f.executor.count() != 1 {
		t.Fatalf("executions = %d, want 1", f.executor.count())
	}
}

func TestCreateCampaignScheduled(t *testing.T) {
	f := newTestServer(t, []*directory.Customer{optedInCustomer("c1", "tokyo")})

	at := time.Now().Add(time.Hour)
	w := f.request(t, http.MethodPost, "/api/v1/campaigns", testAPIKey, CampaignRequest{
		Name:       "later",
		Body:       "See you soon",
		Channels:   []string{"sms"},
		ScheduleAt: &at,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create campaign: status %d: %s", w.Code, w.Body.String())
	}
	campaign := decode[*store.Campaign](t, w)
	if campaign.Status != store.CampaignScheduled {
		t.Errorf("Status = %q, want scheduled", campaign.Status)
	}
	if f.executor.count() != 0 {
		t.Errorf("executions = %d, want 0 before the scheduled time", f.executor.count())
	}
}

func TestCancelCampaign(t *testing.T) {
	f := newTestServer(t, []*directory.Customer{optedInCustomer("c1", "tokyo")})

	at := time.Now().Add(time.Hour)
	w := f.request(t, http.MethodPost, "/api/v1/campaigns", testAPIKey, CampaignRequest{
		Name:       "doomed",
		Body:       "never sent",
		Channels:   []string{"sms"},
		ScheduleAt: &at,
	})
	campaign := decode[*store.Campaign](t, w)

	w = f.request(t, http.MethodPost, "/api/v1/campaigns/"+campaign.ID+"/cancel", testAPIKey, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel: status %d: %s", w.Code, w.Body.String())
	}
	cancelled := decode[*store.Campaign](t, w)
	if cancelled.Status != store.CampaignCancelled {
		t.Errorf("Status = %q, want cancelled", cancelled.Status)
	}

	// Terminal campaigns cannot be cancelled again.
	w = f.request(t, http.MethodPost, "/api/v1/campaigns/"+campaign.ID+"/cancel", testAPIKey, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("second cancel: status = %d, want 409", w.Code)
	}
}

func TestCancelExecutingCampaign(t *testing.T) {
	// An executing campaign can still be cancelled; dispatch stops at
	// the next batch boundary.
	f := newTestServer(t, []*directory.Customer{optedInCustomer("c1", "tokyo")})

	at := time.Now().Add(time.Hour)
	w := f.request(t, http.MethodPost, "/api/v1/campaigns", testAPIKey, CampaignRequest{
		Name:       "long running",
		Body:       "hello",
		Channels:   []string{"sms"},
		ScheduleAt: &at,
	})
	campaign := decode[*store.Campaign](t, w)

	ctx := context.Background()
	if err := f.store.Campaigns().SetStatus(ctx, campaign.ID, store.CampaignExecuting, ""); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}

	w = f.request(t, http.MethodPost, "/api/v1/campaigns/"+campaign.ID+"/cancel", testAPIKey, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel executing: status %d: %s", w.Code, w.Body.String())
	}
	cancelled := decode[*store.Campaign](t, w)
	if cancelled.Status != store.CampaignCancelled {
		t.Errorf("Status = %q, want cancelled", cancelled.Status)
	}
}

func TestCampaignValidation(t *testing.T) {
	f := newTestServer(t, nil)

	tests := []struct {
		name string
		req  CampaignRequest
	}{
		{name: "no content", req: CampaignRequest{Name: "c", Channels: []string{"sms"}}},
		{name: "both contents", req: CampaignRequest{Name: "c", TemplateID: "t", Body: "b", Channels: []string{"sms"}}},
		{name: "no channels", req: CampaignRequest{Name: "c", Body: "b"}},
		{name: "missing name", req: CampaignRequest{Body: "b", Channels: []string{"sms"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.request(t, http.MethodPost, "/api/v1/campaigns", testAPIKey, tt.req)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestCampaignAnalyticsEndpoint(t *testing.T) {
	f := newTestServer(t, nil)

	campaign := &store.Campaign{
		ID:       "camp-1",
		TenantID: "tokyo",
		Name:     "done",
		Body:     "b",
		Channels: []channel.Channel{channel.SMS},
		Status:   store.CampaignCompleted,
	}
	if err := f.store.Campaigns().Create(context.Background(), campaign); err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	stats := store.DeliveryStats{Sent: 10, Delivered: 8, Failed: 2, Opened: 4}
	if err := f.store.Campaigns().ApplyStats(context.Background(), campaign.ID, 10, stats); err != nil {
		t.Fatalf("apply stats: %v", err)
	}

	w := f.request(t, http.MethodGet, "/api/v1/campaigns/camp-1/analytics", testAPIKey, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("analytics: status %d: %s", w.Code, w.Body.String())
	}
	summary := decode[*analytics.Summary](t, w)
	if summary.DeliveryRate != 80 {
		t.Errorf("DeliveryRate = %v, want 80", summary.DeliveryRate)
	}
	if summary.OpenRate != 50 {
		t.Errorf("OpenRate = %v, want 50", summary.OpenRate)
	}
}

func TestTenantIsolation(t *testing.T) {
	f := newTestServer(t, nil)
	tmpl := f.createTemplate(t, testAPIKey)

	// Another tenant cannot read or reference tokyo's template.
	w := f.request(t, http.MethodGet, "/api/v1/templates/"+tmpl.ID, secondAPIKey, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("cross-tenant get: status = %d, want 404", w.Code)
	}

	w = f.request(t, http.MethodPost, "/api/v1/rules", secondAPIKey, RuleRequest{
		Name:       "steal",
		Type:       string(store.RuleFollowUp),
		Schedule:   store.Schedule{Frequency: store.FreqDaily, Hour: 9},
		TemplateID: tmpl.ID,
		Channels:   []string{"sms"},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("cross-tenant rule: status = %d, want 400", w.Code)
	}

	w = f.request(t, http.MethodGet, "/api/v1/templates", secondAPIKey, nil)
	templates := decode[[]*template.Template](t, w)
	if len(templates) != 0 {
		t.Errorf("cross-tenant list = %d templates, want 0", len(templates))
	}
}

func TestTemplateCRUD(t *testing.T) {
	f := newTestServer(t, nil)
	tmpl := f.createTemplate(t, testAPIKey)

	if len(tmpl.Variables) == 0 {
		t.Error("Variables not extracted from placeholders")
	}

	w := f.request(t, http.MethodPut, "/api/v1/templates/"+tmpl.ID, testAPIKey, TemplateRequest{
		Name: "renamed",
		Body: "plain body",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("update: status %d: %s", w.Code, w.Body.String())
	}
	updated := decode[*template.Template](t, w)
	if updated.Name != "renamed" {
		t.Errorf("Name = %q, want renamed", updated.Name)
	}
	if len(updated.Variables) != 0 {
		t.Errorf("Variables = %v, want none for a plain body", updated.Variables)
	}

	w = f.request(t, http.MethodDelete, "/api/v1/templates/"+tmpl.ID, testAPIKey, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete: status %d", w.Code)
	}
	w = f.request(t, http.MethodGet, "/api/v1/templates/"+tmpl.ID, testAPIKey, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("get deleted: status = %d, want 404", w.Code)
	}
}
