package submission

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/listsync/internal/form"
	"github.com/foxzi/listsync/internal/mailchimp"
	"github.com/foxzi/listsync/internal/metadata"
	"github.com/foxzi/listsync/internal/outbox"
	"github.com/foxzi/listsync/internal/page"
	"github.com/foxzi/listsync/internal/settings"
)

type fakeMeta struct {
	mergeFields []mailchimp.MergeField
	categories  []mailchimp.InterestCategory
	err         error
}

func (f *fakeMeta) ListMergeFields(ctx context.Context, site metadata.Site, listID string) ([]mailchimp.MergeField, error) {
	if f.err != nil {
		return []mailchimp.MergeField{}, f.err
	}
	return f.mergeFields, nil
}

func (f *fakeMeta) ListInterestCategories(ctx context.Context, site metadata.Site, listID string) ([]mailchimp.InterestCategory, error) {
	if f.err != nil {
		return []mailchimp.InterestCategory{}, f.err
	}
	return f.categories, nil
}

type fakeSender struct {
	mu      sync.Mutex
	err     error
	panics  bool
	entries []*outbox.Entry
}

func (f *fakeSender) Deliver(ctx context.Context, e *outbox.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics {
		panic("boom")
	}
	f.entries = append(f.entries, e)
	return f.err
}

type fakeQueue struct {
	err     error
	entries []*outbox.Entry
}

func (f *fakeQueue) Enqueue(ctx context.Context, e *outbox.Entry) error {
	if f.err != nil {
		return f.err
	}
	e.ID = "entry-1"
	f.entries = append(f.entries, e)
	return nil
}

type notification struct {
	subject, body string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (n *recordingNotifier) Notify(ctx context.Context, subject, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{subject, body})
}

type fixture struct {
	handler  *Handler
	pages    *page.Store
	meta     *fakeMeta
	sender   *fakeSender
	queue    *fakeQueue
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := bolt.Open(filepath.Join(t.TempDir(), "test.db"), 0600, nil)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	pages, err := page.NewStore(db)
	if err != nil {
		t.Fatal(err)
	}
	sites, err := settings.NewStore(db, nil, "key-us1")
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		pages:    pages,
		meta:     &fakeMeta{},
		sender:   &fakeSender{},
		queue:    &fakeQueue{},
		notifier: &recordingNotifier{},
	}
	f.handler = New(Options{
		Submissions: pages,
		Sites:       sites,
		Metadata:    f.meta,
		Sender:      f.sender,
		Outbox:      f.queue,
		Notifier:    f.notifier,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return f
}

var testCategories = []mailchimp.InterestCategory{
	{ID: "c1", Title: "Topics", Interests: []mailchimp.Interest{
		{ID: "i1", Name: "News"},
		{ID: "i2", Name: "Events"},
	}},
}

// formPage creates an event page bound to list L1 with EMAIL -> email and FNAME -> name
func (f *fixture) formPage(t *testing.T, fallback page.InterestFallback) *page.Page {
	t.Helper()
	ctx := context.Background()

	pg := &page.Page{
		Kind:             page.KindForm,
		Title:            "Spring meetup",
		ListID:           "L1",
		InterestFallback: fallback,
		FormFields: []form.Field{
			{Name: "email", Label: "Email", Type: form.TypeEmail, Required: true},
			{Name: "name", Label: "Name", Type: form.TypeText},
			{Name: "day", Label: "Day", Type: form.TypeDate},
		},
	}
	if err := f.pages.Save(ctx, pg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	err := f.pages.SaveMapping(ctx, pg.ID,
		map[string]string{"EMAIL": "email", "FNAME": "name"},
		map[string]string{"EMAIL": "email", "FNAME": "text"},
		testCategories)
	if err != nil {
		t.Fatalf("SaveMapping() error = %v", err)
	}
	saved, err := f.pages.Get(ctx, pg.ID)
	if err != nil || saved == nil {
		t.Fatalf("Get() = %v, %v", saved, err)
	}
	return saved
}

func (f *fixture) notifications() []notification {
	f.handler.Wait()
	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	return append([]notification(nil), f.notifier.sent...)
}

func sentPayload(t *testing.T, e *outbox.Entry) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		t.Fatalf("invalid payload: %v", err)
	}
	return payload
}

func TestSubmit_FormPageOptedIn(t *testing.T) {
	f := newFixture(t)
	pg := f.formPage(t, page.FallbackNone)

	res, err := f.handler.Submit(context.Background(), pg, form.Values{
		"email":                 {"ada@example.com"},
		"name":                  {"Ada"},
		form.OptInFieldName:     {"on"},
		form.InterestsFieldName: {"i2"},
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if res.Outcome != OutcomeSubscribed {
		t.Errorf("Outcome = %s, want subscribed", res.Outcome)
	}
	want := []Message{{Level: LevelInfo, Text: MessageSubscribed}}
	if diff := cmp.Diff(want, res.Messages); diff != "" {
		t.Errorf("Messages mismatch (-want +got):\n%s", diff)
	}

	if len(f.sender.entries) != 1 {
		t.Fatalf("Deliver called %d times, want 1", len(f.sender.entries))
	}
	e := f.sender.entries[0]
	if e.ListID != "L1" || e.SiteID != settings.DefaultSiteID || e.Email != "ada@example.com" {
		t.Errorf("entry = %+v", e)
	}
	wantPayload := map[string]any{
		"email_address": "ada@example.com",
		"merge_fields":  map[string]any{"FNAME": "Ada"},
		"interests":     map[string]any{"i2": true},
		"status":        "subscribed",
	}
	if diff := cmp.Diff(wantPayload, sentPayload(t, e)); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}

	subs, err := f.pages.ListSubmissions(context.Background(), pg.ID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 1 {
		t.Fatalf("stored %d submissions, want 1", len(subs))
	}
	wantData := map[string]any{"email": "ada@example.com", "name": "Ada"}
	if diff := cmp.Diff(wantData, subs[0].Data); diff != "" {
		t.Errorf("stored data mismatch (-want +got):\n%s", diff)
	}
	if res.SubmissionID != subs[0].ID {
		t.Errorf("SubmissionID = %q, want %q", res.SubmissionID, subs[0].ID)
	}
	if n := f.notifications(); len(n) != 0 {
		t.Errorf("unexpected notifications: %v", n)
	}
}

func TestSubmit_FormPageOptedOut(t *testing.T) {
	f := newFixture(t)
	pg := f.formPage(t, page.FallbackConfigured)

	res, err := f.handler.Submit(context.Background(), pg, form.Values{
		"email":                 {"ada@example.com"},
		form.InterestsFieldName: {"i1"},
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if res.Outcome != OutcomeOptedOut || len(res.Messages) != 0 {
		t.Errorf("result = %+v, want opted out without messages", res)
	}
	if len(f.sender.entries) != 0 {
		t.Error("Deliver called for an opted-out visitor")
	}

	subs, _ := f.pages.ListSubmissions(context.Background(), pg.ID, 0, 0)
	if len(subs) != 1 {
		t.Fatalf("stored %d submissions, want 1", len(subs))
	}
	if _, ok := subs[0].Data[form.InterestsFieldName]; ok {
		t.Error("stored submission carries the interests input")
	}
}

func TestSubmit_InterestFallback(t *testing.T) {
	tests := []struct {
		name     string
		fallback page.InterestFallback
		values   form.Values
		want     any
	}{
		{
			name:     "no selection, fallback none",
			fallback: page.FallbackNone,
			values:   form.Values{},
			want:     nil,
		},
		{
			name:     "no selection, fallback configured",
			fallback: page.FallbackConfigured,
			values:   form.Values{},
			want:     map[string]any{"i1": true, "i2": true},
		},
		{
			name:     "empty selection submitted, fallback configured",
			fallback: page.FallbackConfigured,
			values:   form.Values{form.InterestsFieldName: {""}},
			want:     nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			pg := f.formPage(t, tt.fallback)

			values := form.Values{"email": {"ada@example.com"}, form.OptInFieldName: {"true"}}
			for k, v := range tt.values {
				values[k] = v
			}
			if _, err := f.handler.Submit(context.Background(), pg, values); err != nil {
				t.Fatalf("Submit() error = %v", err)
			}
			if len(f.sender.entries) != 1 {
				t.Fatalf("Deliver called %d times, want 1", len(f.sender.entries))
			}
			got := sentPayload(t, f.sender.entries[0])["interests"]
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("interests mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSubmit_InvalidForm(t *testing.T) {
	f := newFixture(t)
	pg := f.formPage(t, page.FallbackNone)

	res, err := f.handler.Submit(context.Background(), pg, form.Values{
		"email":                 {"not-an-address"},
		form.OptInFieldName:     {"on"},
		form.InterestsFieldName: {"unknown"},
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if res.Valid() {
		t.Fatal("Valid() = true for an invalid form")
	}
	for _, field := range []string{"email", form.InterestsFieldName} {
		if len(res.Errors[field]) == 0 {
			t.Errorf("no error for %s: %v", field, res.Errors)
		}
	}
	if len(f.sender.entries) != 0 {
		t.Error("Deliver called for an invalid form")
	}
	subs, _ := f.pages.ListSubmissions(context.Background(), pg.ID, 0, 0)
	if len(subs) != 0 {
		t.Error("invalid submission was stored")
	}
}

func TestSubmit_Failures(t *testing.T) {
	tests := []struct {
		name       string
		sendErr    error
		queueErr   error
		panics     bool
		wantOut    Outcome
		wantText   string
		wantQueued int
		wantNotify bool
	}{
		{
			name:     "member exists",
			sendErr:  &mailchimp.APIError{Status: 400, Title: mailchimp.TitleMemberExists},
			wantOut:  OutcomeAlreadySubscribed,
			wantText: MessageAlreadySubscribed,
		},
		{
			name:       "permanent rejection",
			sendErr:    &mailchimp.APIError{Status: 400, Title: "Invalid Resource", Detail: "fake address"},
			wantOut:    OutcomeFailed,
			wantText:   MessageNotQueued,
			wantNotify: true,
		},
		{
			name:       "server error queued",
			sendErr:    &mailchimp.APIError{Status: 503, Title: "Service Unavailable"},
			wantOut:    OutcomeFailed,
			wantText:   MessageQueued,
			wantQueued: 1,
			wantNotify: true,
		},
		{
			name:       "network error queued",
			sendErr:    &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")},
			wantOut:    OutcomeFailed,
			wantText:   MessageQueued,
			wantQueued: 1,
			wantNotify: true,
		},
		{
			name:       "missing api key queued",
			sendErr:    mailchimp.ErrNoAPIKey,
			wantOut:    OutcomeFailed,
			wantText:   MessageQueued,
			wantQueued: 1,
			wantNotify: true,
		},
		{
			name:       "queue unavailable",
			sendErr:    &mailchimp.APIError{Status: 500, Title: "Internal Server Error"},
			queueErr:   errors.New("database not open"),
			wantOut:    OutcomeFailed,
			wantText:   MessageNotQueued,
			wantNotify: true,
		},
		{
			name:       "panic is contained",
			panics:     true,
			wantOut:    OutcomeFailed,
			wantText:   MessageNotQueued,
			wantNotify: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.sender.err = tt.sendErr
			f.sender.panics = tt.panics
			f.queue.err = tt.queueErr
			pg := f.formPage(t, page.FallbackNone)

			res, err := f.handler.Submit(context.Background(), pg, form.Values{
				"email":             {"ada@example.com"},
				form.OptInFieldName: {"on"},
			})
			if err != nil {
				t.Fatalf("Submit() error = %v", err)
			}
			if res.Outcome != tt.wantOut {
				t.Errorf("Outcome = %s, want %s", res.Outcome, tt.wantOut)
			}
			if len(res.Messages) != 1 || res.Messages[0].Text != tt.wantText {
				t.Errorf("Messages = %+v, want %q", res.Messages, tt.wantText)
			}
			if len(f.queue.entries) != tt.wantQueued {
				t.Errorf("queued %d entries, want %d", len(f.queue.entries), tt.wantQueued)
			}
			if tt.wantQueued > 0 {
				e := f.queue.entries[0]
				if e.ListID != "L1" || e.PageID != pg.ID || len(e.Payload) == 0 {
					t.Errorf("queued entry = %+v", e)
				}
			}

			// The page submission is stored regardless of the mailing-list result
			subs, _ := f.pages.ListSubmissions(context.Background(), pg.ID, 0, 0)
			if len(subs) != 1 {
				t.Errorf("stored %d submissions, want 1", len(subs))
			}

			notes := f.notifications()
			if !tt.wantNotify {
				if len(notes) != 0 {
					t.Errorf("unexpected notifications: %v", notes)
				}
				return
			}
			if len(notes) != 1 {
				t.Fatalf("sent %d notifications, want 1", len(notes))
			}
			if notes[0].subject != NotificationSubject {
				t.Errorf("subject = %q", notes[0].subject)
			}
			if !strings.Contains(notes[0].body, pg.ID) {
				t.Errorf("body lacks page id:\n%s", notes[0].body)
			}
			if strings.Contains(notes[0].body, "ada@example.com") {
				t.Errorf("body leaks the visitor address:\n%s", notes[0].body)
			}
		})
	}
}

func TestSubmit_MissingEmailMapping(t *testing.T) {
	f := newFixture(t)
	pg := f.formPage(t, page.FallbackNone)

	// The mapping points EMAIL at an optional field left empty
	pg.FormFields = append(pg.FormFields, form.Field{Name: "work_email", Type: form.TypeEmail})
	if err := f.pages.Save(context.Background(), pg); err != nil {
		t.Fatal(err)
	}
	err := f.pages.SaveMapping(context.Background(), pg.ID,
		map[string]string{"EMAIL": "work_email"}, map[string]string{"EMAIL": "email"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	pg, _ = f.pages.Get(context.Background(), pg.ID)

	res, err := f.handler.Submit(context.Background(), pg, form.Values{
		"email":             {"ada@example.com"},
		form.OptInFieldName: {"on"},
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if res.Outcome != OutcomeFailed || res.Messages[0].Text != MessageNotQueued {
		t.Errorf("result = %+v", res)
	}
	if len(f.sender.entries) != 0 || len(f.queue.entries) != 0 {
		t.Error("payload without an address reached the sender or the queue")
	}
	if n := f.notifications(); len(n) != 1 {
		t.Errorf("sent %d notifications, want 1", len(n))
	}
}

func TestSubmit_SubscribePage(t *testing.T) {
	f := newFixture(t)
	f.meta.mergeFields = []mailchimp.MergeField{
		{Tag: "FNAME", Name: "First Name", Type: "text", Public: true, DisplayOrder: 2},
		{Tag: "BDAY", Name: "Birthday", Type: "birthday", Public: true, DisplayOrder: 3},
	}
	f.meta.categories = testCategories

	pg := &page.Page{Kind: page.KindSubscribe, Title: "Newsletter", ListID: "L9", DoubleOptIn: true}
	if err := f.pages.Save(context.Background(), pg); err != nil {
		t.Fatal(err)
	}

	schema, err := f.handler.Schema(context.Background(), pg)
	if err != nil {
		t.Fatalf("Schema() error = %v", err)
	}
	wantNames := []string{form.EmailTag, "FNAME", "BDAY", form.InterestsTag}
	if diff := cmp.Diff(wantNames, form.Names(schema.Fields)); diff != "" {
		t.Errorf("field names mismatch (-want +got):\n%s", diff)
	}
	if schema.OptIn {
		t.Error("subscribe page shows the opt-in checkbox")
	}

	res, err := f.handler.Submit(context.Background(), pg, form.Values{
		"EMAIL": {"ada@example.com"},
		"FNAME": {"Ada"},
		"BDAY":  {"12/10"},
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if res.Outcome != OutcomeSubscribed {
		t.Errorf("Outcome = %s", res.Outcome)
	}
	if len(res.Messages) != 1 || res.Messages[0].Text != page.DefaultThankYouText {
		t.Errorf("Messages = %+v, want the thank-you text", res.Messages)
	}
	if res.SubmissionID != "" {
		t.Error("subscribe page stored a submission")
	}

	wantPayload := map[string]any{
		"email_address": "ada@example.com",
		"merge_fields":  map[string]any{"FNAME": "Ada", "BDAY": "12/10"},
		"status":        "pending",
	}
	if diff := cmp.Diff(wantPayload, sentPayload(t, f.sender.entries[0])); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestSchema_SubscribePageWithoutMergeFields(t *testing.T) {
	f := newFixture(t)
	f.meta.err = &metadata.FetchError{Call: "merge-fields", Err: errors.New("timeout")}

	pg := &page.Page{Kind: page.KindSubscribe, Title: "Newsletter", ListID: "L9"}
	if err := f.pages.Save(context.Background(), pg); err != nil {
		t.Fatal(err)
	}

	if _, err := f.handler.Schema(context.Background(), pg); !errors.Is(err, ErrNoForm) {
		t.Errorf("Schema() error = %v, want ErrNoForm", err)
	}
}

func TestSchema_FormPageWithoutMapping(t *testing.T) {
	f := newFixture(t)

	pg := &page.Page{
		Kind:       page.KindForm,
		Title:      "Contact",
		ListID:     "L1",
		FormFields: []form.Field{{Name: "email", Type: form.TypeEmail}},
	}
	if err := f.pages.Save(context.Background(), pg); err != nil {
		t.Fatal(err)
	}

	schema, err := f.handler.Schema(context.Background(), pg)
	if err != nil {
		t.Fatalf("Schema() error = %v", err)
	}
	if schema.OptIn {
		t.Error("opt-in shown without a usable mapping")
	}
	if diff := cmp.Diff([]string{"email"}, form.Names(schema.Fields)); diff != "" {
		t.Errorf("field names mismatch (-want +got):\n%s", diff)
	}

	// Opting in is ignored when the checkbox was never offered
	res, err := f.handler.Submit(context.Background(), pg, form.Values{
		"email":             {"ada@example.com"},
		form.OptInFieldName: {"on"},
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if res.Outcome != OutcomeOptedOut || len(f.sender.entries) != 0 {
		t.Errorf("result = %+v, deliveries = %d", res, len(f.sender.entries))
	}
}
