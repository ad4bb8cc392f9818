// Package page stores listsync pages, their Mailchimp field mappings and
// the form submissions they receive.
package page

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/foxzi/listsync/internal/form"
	"github.com/foxzi/listsync/internal/mailchimp"
)

// Kind is the page type
type Kind string

const (
	// KindSubscribe pages render a form built from the audience's merge fields
	KindSubscribe Kind = "subscribe"
	// KindForm pages carry editor-defined fields and an opt-in checkbox
	KindForm Kind = "form"
)

// InterestFallback decides which interests are sent when the visitor opted in
// without choosing any
type InterestFallback string

const (
	FallbackNone       InterestFallback = "none"
	FallbackConfigured InterestFallback = "configured"
)

// Defaults shown to visitors
const (
	DefaultCheckboxLabel = "Join Our Mailing List"
	DefaultThankYouText  = "You have been successfully added to our mailing list. Thank you!"
)

// ErrNotFound is returned when a page does not exist
var ErrNotFound = errors.New("page not found")

// Page is a subscribe page or a form page with mailing list integration
type Page struct {
	ID               string           `json:"id" yaml:"id,omitempty"`
	SiteID           string           `json:"site_id" yaml:"site_id"`
	Kind             Kind             `json:"kind" yaml:"kind"`
	Title            string           `json:"title" yaml:"title"`
	Slug             string           `json:"slug,omitempty" yaml:"slug,omitempty"`
	ListID           string           `json:"list_id,omitempty" yaml:"list_id,omitempty"`
	DoubleOptIn      bool             `json:"double_optin" yaml:"double_optin"`
	ThankYouText     string           `json:"thank_you_text,omitempty" yaml:"thank_you_text,omitempty"`
	CheckboxLabel    string           `json:"checkbox_label,omitempty" yaml:"checkbox_label,omitempty"`
	InterestFallback InterestFallback `json:"interest_fallback,omitempty" yaml:"interest_fallback,omitempty"`
	FormFields       []form.Field     `json:"form_fields,omitempty" yaml:"form_fields,omitempty"`

	// Serialized mapping blobs, written by SaveMapping
	MergeFieldsMapping string `json:"merge_fields_mapping,omitempty" yaml:"-"`
	InterestCategories string `json:"interest_categories,omitempty" yaml:"-"`
	MergeFieldTypes    string `json:"merge_field_types,omitempty" yaml:"-"`

	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Normalize fills defaults
func (p *Page) Normalize() {
	p.Title = strings.TrimSpace(p.Title)
	p.Slug = strings.TrimSpace(p.Slug)
	p.ListID = strings.TrimSpace(p.ListID)
	if p.SiteID == "" {
		p.SiteID = "default"
	}
	if p.InterestFallback == "" {
		p.InterestFallback = FallbackNone
	}
	if p.Kind == KindSubscribe && p.ThankYouText == "" {
		p.ThankYouText = DefaultThankYouText
	}
}

// Validate checks the page definition
func (p *Page) Validate() error {
	if strings.Contains(p.ID, "/") {
		return errors.New("id must not contain '/'")
	}
	if p.Title == "" {
		return errors.New("title is required")
	}
	switch p.Kind {
	case KindSubscribe:
		if p.ListID == "" {
			return errors.New("list_id is required for subscribe pages")
		}
		if len(p.FormFields) > 0 {
			return errors.New("subscribe pages take their fields from the audience")
		}
	case KindForm:
		if len(p.FormFields) == 0 {
			return errors.New("form pages need at least one form field")
		}
		if err := form.ValidateDefinitions(p.FormFields); err != nil {
			return fmt.Errorf("form_fields: %w", err)
		}
	default:
		return fmt.Errorf("unknown page kind %q", p.Kind)
	}
	switch p.InterestFallback {
	case FallbackNone, FallbackConfigured:
	default:
		return fmt.Errorf("unknown interest_fallback %q", p.InterestFallback)
	}
	return nil
}

// CheckboxText returns the opt-in checkbox label
func (p *Page) CheckboxText() string {
	if p.CheckboxLabel != "" {
		return p.CheckboxLabel
	}
	return DefaultCheckboxLabel
}

// HasAudience reports whether an audience is selected
func (p *Page) HasAudience() bool {
	return p.ListID != ""
}

// FieldMapping binds merge tags to page form fields
type FieldMapping struct {
	// Fields is merge tag -> form field name
	Fields map[string]string `json:"fields"`
	// FieldTypes is merge tag -> merge type, captured when the mapping was saved
	FieldTypes map[string]string `json:"field_types,omitempty"`
	// Categories is the interest category snapshot taken when the mapping was saved
	Categories []mailchimp.InterestCategory `json:"categories,omitempty"`
}

// EmailField returns the form field bound to EMAIL
func (m *FieldMapping) EmailField() string {
	if m == nil {
		return ""
	}
	return m.Fields[form.EmailTag]
}

// Usable reports whether the mapping binds EMAIL to a form field
func (m *FieldMapping) Usable() bool {
	return m.EmailField() != ""
}

// Mapping decodes the stored mapping blobs. Malformed blobs decode as empty.
func (p *Page) Mapping() *FieldMapping {
	m := &FieldMapping{
		Fields:     map[string]string{},
		FieldTypes: map[string]string{},
	}

	if p.MergeFieldsMapping != "" {
		var fields map[string]string
		if err := json.Unmarshal([]byte(p.MergeFieldsMapping), &fields); err == nil && fields != nil {
			m.Fields = fields
		}
	}
	if p.MergeFieldTypes != "" {
		var types map[string]string
		if err := json.Unmarshal([]byte(p.MergeFieldTypes), &types); err == nil && types != nil {
			m.FieldTypes = types
		}
	}
	if p.InterestCategories != "" {
		var cats []mailchimp.InterestCategory
		if err := json.Unmarshal([]byte(p.InterestCategories), &cats); err == nil {
			m.Categories = cats
		}
	}

	return m
}

// ShowsOptIn reports whether the page form gets the mailing-list checkbox
func (p *Page) ShowsOptIn() bool {
	return p.Kind == KindForm && p.HasAudience() && p.Mapping().Usable()
}

// Submission is a stored form submission. It never carries the opt-in or
// interests inputs.
type Submission struct {
	ID        string         `json:"id"`
	PageID    string         `json:"page_id"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"created_at"`
}

// ListFilter represents filter options for listing pages
type ListFilter struct {
	SiteID string
	Kind   Kind
	Limit  int
	Offset int
}
