package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/foxzi/listsync/internal/config"
	"github.com/foxzi/listsync/internal/form"
	"github.com/foxzi/listsync/internal/mailchimp"
	"github.com/foxzi/listsync/internal/metadata"
	"github.com/foxzi/listsync/internal/outbox"
	"github.com/foxzi/listsync/internal/page"
	"github.com/foxzi/listsync/internal/ratelimit"
	"github.com/foxzi/listsync/internal/settings"
	"github.com/foxzi/listsync/internal/submission"
)

// fakeMetadata serves fixed audience metadata
type fakeMetadata struct {
	lists       []mailchimp.List
	mergeFields []mailchimp.MergeField
	categories  []mailchimp.InterestCategory
	err         error

	mu          sync.Mutex
	invalidated []string
}

func (f *fakeMetadata) ListAudiences(ctx context.Context, site metadata.Site) ([]mailchimp.List, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.lists, nil
}

func (f *fakeMetadata) ListMergeFields(ctx context.Context, site metadata.Site, listID string) ([]mailchimp.MergeField, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.mergeFields, nil
}

func (f *fakeMetadata) ListInterestCategories(ctx context.Context, site metadata.Site, listID string) ([]mailchimp.InterestCategory, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.categories, nil
}

func (f *fakeMetadata) Invalidate(ctx context.Context, site metadata.Site, listID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, listID)
	return nil
}

// fakeSender records delivered entries
type fakeSender struct {
	mu      sync.Mutex
	entries []*outbox.Entry
	err     error
}

func (f *fakeSender) Deliver(ctx context.Context, e *outbox.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return f.err
}

type fakePinger struct{ key string }

func (p fakePinger) Ping(ctx context.Context) (*mailchimp.PingResponse, error) {
	if strings.HasPrefix(p.key, "bad") {
		return nil, errors.New("API Key Invalid")
	}
	return &mailchimp.PingResponse{HealthStatus: "Everything's Chimpy!"}, nil
}

type testServer struct {
	server  *Server
	pages   *page.Store
	sites   *settings.Store
	storage *outbox.BoltStorage
	meta    *fakeMetadata
	sender  *fakeSender
}

type serverOption func(*config.APIConfig, *Options)

func withAPIKey(key string) serverOption {
	return func(c *config.APIConfig, _ *Options) { c.APIKey = key }
}

func withLimiter(l *ratelimit.Limiter) serverOption {
	return func(_ *config.APIConfig, o *Options) { o.Limiter = l }
}

func setupTestServer(t *testing.T, opts ...serverOption) *testServer {
	t.Helper()

	storage, err := outbox.NewBoltStorage(filepath.Join(t.TempDir(), "listsync.db"))
	if err != nil {
		t.Fatalf("NewBoltStorage() error = %v", err)
	}
	t.Cleanup(func() { storage.Close() })

	pages, err := page.NewStore(storage.DB())
	if err != nil {
		t.Fatal(err)
	}
	sites, err := settings.NewStore(storage.DB(), func(apiKey string) settings.Pinger {
		return fakePinger{key: apiKey}
	}, "key-us1")
	if err != nil {
		t.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ts := &testServer{
		pages:   pages,
		sites:   sites,
		storage: storage,
		meta: &fakeMetadata{
			lists: []mailchimp.List{{ID: "L1", Name: "Newsletter"}},
			mergeFields: []mailchimp.MergeField{
				{Tag: "EMAIL", Name: "Email Address", Type: "email", Required: true},
				{Tag: "FNAME", Name: "First Name", Type: "text", DisplayOrder: 2},
			},
		},
		sender: &fakeSender{},
	}

	handler := submission.New(submission.Options{
		Submissions: pages,
		Sites:       sites,
		Metadata:    ts.meta,
		Sender:      ts.sender,
		Outbox:      storage,
		Logger:      logger,
	})
	t.Cleanup(handler.Wait)

	cfg := &config.APIConfig{ListenAddr: ":8080", MaxBodyBytes: 1 << 20}
	o := Options{
		Config:      cfg,
		Pages:       pages,
		Sites:       sites,
		Metadata:    ts.meta,
		Submissions: handler,
		Outbox:      storage,
		Version:     "test",
		Logger:      logger,
	}
	for _, opt := range opts {
		opt(cfg, &o)
	}

	ts.server = NewServer(o)
	return ts
}

// formPage stores a form page on list L1 mapped EMAIL -> email
func (ts *testServer) formPage(t *testing.T) *page.Page {
	t.Helper()
	ctx := context.Background()

	pg := &page.Page{
		Kind:   page.KindForm,
		Title:  "Contact",
		ListID: "L1",
		FormFields: []form.Field{
			{Name: "email", Label: "Email", Type: form.TypeEmail, Required: true},
			{Name: "name", Label: "Name", Type: form.TypeText},
		},
	}
	if err := ts.pages.Save(ctx, pg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := ts.pages.SaveMapping(ctx, pg.ID, map[string]string{"EMAIL": "email", "FNAME": "name"}, nil, nil); err != nil {
		t.Fatalf("SaveMapping() error = %v", err)
	}
	return pg
}

func (ts *testServer) do(t *testing.T, method, target, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}

	w := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return v
}

func TestHealthEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	w := ts.do(t, "GET", "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
	}

	resp := decode[HealthResponse](t, w)
	if resp.Status != "ok" {
		t.Errorf("Status = %q, want ok", resp.Status)
	}
	if resp.Version != "test" {
		t.Errorf("Version = %q, want test", resp.Version)
	}
	if resp.Outbox == nil {
		t.Error("Outbox stats missing")
	}
}

func TestGetFormEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	pg := ts.formPage(t)

	w := ts.do(t, "GET", "/pages/"+pg.ID, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d. Body: %s", w.Code, http.StatusOK, w.Body.String())
	}

	schema := decode[submission.Schema](t, w)
	if !schema.OptIn {
		t.Error("OptIn = false, want true for a mapped form page")
	}
	want := []string{"email", "name", form.OptInFieldName}
	if diff := cmp.Diff(want, form.Names(schema.Fields)); diff != "" {
		t.Errorf("fields mismatch (-want +got):\n%s", diff)
	}
}

func TestGetFormEndpointNotFound(t *testing.T) {
	ts := setupTestServer(t)

	if w := ts.do(t, "GET", "/pages/missing", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestGetFormEndpointSubscribePageWithoutMergeFields(t *testing.T) {
	ts := setupTestServer(t)
	ts.meta.mergeFields = nil

	pg := &page.Page{Kind: page.KindSubscribe, Title: "Join", ListID: "L1"}
	if err := ts.pages.Save(context.Background(), pg); err != nil {
		t.Fatal(err)
	}

	if w := ts.do(t, "GET", "/pages/"+pg.ID, "", nil); w.Code != http.StatusNotFound {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestSubmitEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	pg := ts.formPage(t)

	body := `{"email": "ada@example.com", "name": "Ada", "mailchimp_subscribe_check": true}`
	w := ts.do(t, "POST", "/pages/"+pg.ID+"/submissions", body, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d. Body: %s", w.Code, http.StatusOK, w.Body.String())
	}

	resp := decode[submission.Result](t, w)
	if resp.Outcome != submission.OutcomeSubscribed {
		t.Errorf("Outcome = %q, want subscribed", resp.Outcome)
	}
	if resp.SubmissionID == "" {
		t.Error("SubmissionID should not be empty")
	}
	if len(ts.sender.entries) != 1 || ts.sender.entries[0].Email != "ada@example.com" {
		t.Errorf("delivered entries = %+v", ts.sender.entries)
	}
}

func TestSubmitEndpointFormEncoded(t *testing.T) {
	ts := setupTestServer(t)
	pg := ts.formPage(t)

	values := url.Values{"email": {"ada@example.com"}, "name": {"Ada"}}
	req := httptest.NewRequest("POST", "/pages/"+pg.ID+"/submissions", strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d. Body: %s", w.Code, http.StatusOK, w.Body.String())
	}
	resp := decode[submission.Result](t, w)
	if resp.Outcome != submission.OutcomeOptedOut {
		t.Errorf("Outcome = %q, want opted_out", resp.Outcome)
	}
	if len(ts.sender.entries) != 0 {
		t.Errorf("Deliver called %d times, want 0", len(ts.sender.entries))
	}
}

func TestSubmitEndpointQueuesTemporaryFailure(t *testing.T) {
	ts := setupTestServer(t)
	ts.sender.err = &mailchimp.APIError{Status: http.StatusServiceUnavailable, Title: "Service Unavailable"}
	pg := ts.formPage(t)

	body := `{"email": "ada@example.com", "mailchimp_subscribe_check": "on"}`
	w := ts.do(t, "POST", "/pages/"+pg.ID+"/submissions", body, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d. Body: %s", w.Code, http.StatusOK, w.Body.String())
	}

	resp := decode[submission.Result](t, w)
	want := []submission.Message{{Level: submission.LevelWarning, Text: submission.MessageQueued}}
	if diff := cmp.Diff(want, resp.Messages); diff != "" {
		t.Errorf("Messages mismatch (-want +got):\n%s", diff)
	}

	entries, err := ts.storage.List(context.Background(), outbox.ListFilter{ListID: "L1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Status != outbox.StatusPending {
		t.Errorf("outbox entries = %+v, want one pending", entries)
	}
}

func TestSubmitEndpointValidation(t *testing.T) {
	ts := setupTestServer(t)
	pg := ts.formPage(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"missing email", `{"name": "Ada"}`, http.StatusUnprocessableEntity},
		{"invalid email", `{"email": "not-an-address"}`, http.StatusUnprocessableEntity},
		{"invalid json", `{invalid}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, "POST", "/pages/"+pg.ID+"/submissions", tt.body, nil)
			if w.Code != tt.want {
				t.Errorf("Status = %d, want %d. Body: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}

	w := ts.do(t, "POST", "/pages/"+pg.ID+"/submissions", `{"name": "Ada"}`, nil)
	resp := decode[ValidationResponse](t, w)
	if len(resp.Errors["email"]) == 0 {
		t.Errorf("Errors = %v, want an error for email", resp.Errors)
	}
}

func TestSubmitEndpointBodyTooLarge(t *testing.T) {
	ts := setupTestServer(t)
	ts.server.config.MaxBodyBytes = 16
	pg := ts.formPage(t)

	body := `{"email": "ada@example.com", "name": "` + strings.Repeat("a", 64) + `"}`
	w := ts.do(t, "POST", "/pages/"+pg.ID+"/submissions", body, nil)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusRequestEntityTooLarge)
	}
}

func TestSubmitEndpointRateLimited(t *testing.T) {
	storage, err := outbox.NewBoltStorage(filepath.Join(t.TempDir(), "limits.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { storage.Close() })

	limiter, err := ratelimit.NewLimiter(storage.DB(), &ratelimit.Config{
		Enabled:     true,
		DefaultPage: &ratelimit.LimitConfig{SubmissionsPerHour: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { limiter.Stop() })

	ts := setupTestServer(t, withLimiter(limiter))
	pg := ts.formPage(t)

	body := `{"email": "ada@example.com"}`
	if w := ts.do(t, "POST", "/pages/"+pg.ID+"/submissions", body, nil); w.Code != http.StatusOK {
		t.Fatalf("first submission Status = %d, want %d", w.Code, http.StatusOK)
	}

	w := ts.do(t, "POST", "/pages/"+pg.ID+"/submissions", body, nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
}

func TestAuthMiddleware(t *testing.T) {
	ts := setupTestServer(t, withAPIKey("secret-key"))

	tests := []struct {
		name   string
		header http.Header
		want   int
	}{
		{"no auth", nil, http.StatusUnauthorized},
		{"wrong key", http.Header{"Authorization": {"Bearer wrong-key"}}, http.StatusUnauthorized},
		{"correct key", http.Header{"Authorization": {"Bearer secret-key"}}, http.StatusOK},
		{"x-api-key header", http.Header{"X-Api-Key": {"secret-key"}}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, "GET", "/admin/pages", "", tt.header)
			if w.Code != tt.want {
				t.Errorf("Status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestAuthMiddlewareNoKeyConfigured(t *testing.T) {
	ts := setupTestServer(t)

	if w := ts.do(t, "GET", "/admin/pages", "", nil); w.Code != http.StatusOK {
		t.Errorf("Status = %d, want %d (no auth required)", w.Code, http.StatusOK)
	}
}

func TestAdminIPFilter(t *testing.T) {
	ts := setupTestServer(t, func(c *config.APIConfig, _ *Options) {
		c.AllowedIPs = []string{"10.0.0.0/8"}
	})

	// httptest requests come from 192.0.2.1
	if w := ts.do(t, "GET", "/admin/pages", "", nil); w.Code != http.StatusForbidden {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusForbidden)
	}
	if w := ts.do(t, "GET", "/health", "", nil); w.Code != http.StatusOK {
		t.Errorf("health Status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestValuesFromJSON(t *testing.T) {
	raw := map[string]any{
		"email":     "ada@example.com",
		"agree":     true,
		"count":     float64(3),
		"interests": []any{"i1", "i2"},
		"none":      []any{},
		"address":   map[string]any{"addr1": "1 Main St", "city": "Springfield"},
		"skipped":   nil,
	}

	want := form.Values{
		"email":         {"ada@example.com"},
		"agree":         {"true"},
		"count":         {"3"},
		"interests":     {"i1", "i2"},
		"none":          {},
		"address-addr1": {"1 Main St"},
		"address-city":  {"Springfield"},
	}
	if diff := cmp.Diff(want, valuesFromJSON(raw)); diff != "" {
		t.Errorf("valuesFromJSON() mismatch (-want +got):\n%s", diff)
	}
}
