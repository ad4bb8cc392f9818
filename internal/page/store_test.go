package page

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/listsync/internal/form"
	"github.com/foxzi/listsync/internal/mailchimp"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "pages.db"), 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("bolt.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return store
}

func eventPage() *Page {
	return &Page{
		Kind:   KindForm,
		Title:  "Spring Gala",
		Slug:   "spring-gala",
		ListID: "L1",
		FormFields: []form.Field{
			{Name: "name", Label: "Name", Type: form.TypeText, Required: true},
			{Name: "email", Label: "Email", Type: form.TypeEmail, Required: true},
		},
	}
}

func TestStore_SaveGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p := eventPage()
	if err := store.Save(ctx, p); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if p.ID == "" {
		t.Fatal("Save() did not assign an ID")
	}
	if p.SiteID != "default" || p.InterestFallback != FallbackNone {
		t.Errorf("defaults not applied: site=%q fallback=%q", p.SiteID, p.InterestFallback)
	}

	got, err := store.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil {
		t.Fatal("Get() returned nil")
	}
	if diff := cmp.Diff(p.FormFields, got.FormFields); diff != "" {
		t.Errorf("FormFields mismatch (-want +got):\n%s", diff)
	}

	missing, err := store.Get(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("Get(nope) = %v, %v, want nil, nil", missing, err)
	}

	bySlug, err := store.FindBySlug(ctx, "default", "spring-gala")
	if err != nil || bySlug == nil || bySlug.ID != p.ID {
		t.Errorf("FindBySlug() = %v, %v", bySlug, err)
	}
}

func TestStore_SaveValidates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		page *Page
	}{
		{"no title", &Page{Kind: KindSubscribe, ListID: "L1"}},
		{"subscribe without list", &Page{Kind: KindSubscribe, Title: "Join"}},
		{"form without fields", &Page{Kind: KindForm, Title: "Event"}},
		{"unknown kind", &Page{Kind: "blog", Title: "Blog"}},
		{"bad fallback", &Page{Kind: KindSubscribe, Title: "Join", ListID: "L1", InterestFallback: "all"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := store.Save(ctx, tt.page); err == nil {
				t.Error("Save() expected validation error")
			}
		})
	}
}

func TestStore_Mapping(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p := eventPage()
	if err := store.Save(ctx, p); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	m, err := store.LoadMapping(ctx, p.ID)
	if err != nil {
		t.Fatalf("LoadMapping() error = %v", err)
	}
	if m != nil {
		t.Errorf("LoadMapping() = %+v, want nil before mapping is saved", m)
	}

	cats := []mailchimp.InterestCategory{{ID: "c1", Title: "Topics", Interests: []mailchimp.Interest{{ID: "i1", Name: "News"}}}}
	fields := map[string]string{"EMAIL": "email", "FNAME": "name", "LNAME": ""}
	types := map[string]string{"EMAIL": "email", "FNAME": "text", "LNAME": "text"}
	if err := store.SaveMapping(ctx, p.ID, fields, types, cats); err != nil {
		t.Fatalf("SaveMapping() error = %v", err)
	}

	m, err = store.LoadMapping(ctx, p.ID)
	if err != nil {
		t.Fatalf("LoadMapping() error = %v", err)
	}
	want := &FieldMapping{Fields: fields, FieldTypes: types, Categories: cats}
	if diff := cmp.Diff(want, m); diff != "" {
		t.Errorf("LoadMapping() mismatch (-want +got):\n%s", diff)
	}

	// Editing the page keeps the stored mapping
	got, _ := store.Get(ctx, p.ID)
	got.MergeFieldsMapping = ""
	got.Title = "Spring Gala 2"
	if err := store.Save(ctx, got); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	reloaded, _ := store.Get(ctx, p.ID)
	if !reloaded.ShowsOptIn() {
		t.Error("ShowsOptIn() = false after edit, want mapping preserved")
	}

	if err := store.SaveMapping(ctx, "missing", fields, types, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("SaveMapping(missing) error = %v, want ErrNotFound", err)
	}
}

func TestPage_MappingMalformed(t *testing.T) {
	p := &Page{
		Kind:               KindForm,
		ListID:             "L1",
		MergeFieldsMapping: "{not json",
		InterestCategories: "[1,2",
	}

	m := p.Mapping()
	if len(m.Fields) != 0 || len(m.Categories) != 0 {
		t.Errorf("Mapping() = %+v, want empty", m)
	}
	if m.Usable() {
		t.Error("Usable() = true for malformed mapping")
	}
	if p.ShowsOptIn() {
		t.Error("ShowsOptIn() = true for malformed mapping")
	}
}

func TestStore_Submissions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p := eventPage()
	other := eventPage()
	other.Slug = "other"
	store.Save(ctx, p)
	store.Save(ctx, other)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		sub := &Submission{PageID: p.ID, Data: map[string]any{"n": float64(i)}, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := store.AddSubmission(ctx, sub); err != nil {
			t.Fatalf("AddSubmission() error = %v", err)
		}
	}
	store.AddSubmission(ctx, &Submission{PageID: other.ID, Data: map[string]any{"n": 99.0}})

	subs, err := store.ListSubmissions(ctx, p.ID, 2, 0)
	if err != nil {
		t.Fatalf("ListSubmissions() error = %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("len(subs) = %d, want 2", len(subs))
	}
	if subs[0].Data["n"] != 2.0 || subs[1].Data["n"] != 1.0 {
		t.Errorf("order = %v, %v, want newest first", subs[0].Data["n"], subs[1].Data["n"])
	}

	if err := store.AddSubmission(ctx, &Submission{PageID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("AddSubmission(missing page) error = %v", err)
	}

	if err := store.Delete(ctx, p.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	subs, _ = store.ListSubmissions(ctx, p.ID, 0, 0)
	if len(subs) != 0 {
		t.Errorf("submissions after delete = %d, want 0", len(subs))
	}
	remaining, _ := store.ListSubmissions(ctx, other.ID, 0, 0)
	if len(remaining) != 1 {
		t.Errorf("other page submissions = %d, want 1", len(remaining))
	}
	if err := store.Delete(ctx, p.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
}

func TestStore_List(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.Save(ctx, eventPage())
	store.Save(ctx, &Page{Kind: KindSubscribe, Title: "Join", ListID: "L1"})
	store.Save(ctx, &Page{Kind: KindSubscribe, Title: "Join", ListID: "L2", SiteID: "other"})

	tests := []struct {
		name   string
		filter ListFilter
		want   int
	}{
		{"all", ListFilter{}, 3},
		{"by site", ListFilter{SiteID: "default"}, 2},
		{"by kind", ListFilter{Kind: KindSubscribe}, 2},
		{"limit", ListFilter{Limit: 1}, 1},
		{"offset", ListFilter{Offset: 2}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pages, err := store.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(pages) != tt.want {
				t.Errorf("len(List()) = %d, want %d", len(pages), tt.want)
			}
		})
	}
}
