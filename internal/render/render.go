// Package render turns cleaned form values and a page's field mapping into
// the Mailchimp add-member payload. Render is pure: no I/O, no clock, and
// identical inputs marshal to identical bytes.
package render

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/foxzi/listsync/internal/form"
	"github.com/foxzi/listsync/internal/page"
)

// ErrMissingEmail is returned when the mapping has no EMAIL binding or the bound value is empty
var ErrMissingEmail = errors.New("no email address in submission")

// Subscription statuses
const (
	StatusSubscribed = "subscribed"
	StatusPending    = "pending"
)

// Fallback selects the interests sent when the visitor made no explicit selection
type Fallback = page.InterestFallback

const (
	// FallbackNone sends no interests
	FallbackNone = page.FallbackNone
	// FallbackConfigured sends every interest of the stored category snapshot
	FallbackConfigured = page.FallbackConfigured
)

// Options carries per-page rendering settings
type Options struct {
	DoubleOptIn bool
	Fallback    Fallback
}

// Payload is the body of POST /lists/{id}/members
type Payload struct {
	EmailAddress string          `json:"email_address"`
	MergeFields  map[string]any  `json:"merge_fields"`
	Interests    map[string]bool `json:"interests,omitempty"`
	Status       string          `json:"status"`
}

// Render builds the payload. selected == nil means the visitor made no
// explicit interest choice; an empty non-nil slice means "none".
func Render(values map[string]any, mapping *page.FieldMapping, selected []string, opts Options) (*Payload, error) {
	email, ok := emailValue(values, mapping)
	if !ok {
		return nil, ErrMissingEmail
	}

	p := &Payload{
		EmailAddress: email,
		MergeFields:  make(map[string]any),
		Status:       StatusSubscribed,
	}
	if opts.DoubleOptIn {
		p.Status = StatusPending
	}

	for tag, fieldName := range mapping.Fields {
		if tag == form.EmailTag || fieldName == "" {
			continue
		}
		if v, ok := mergeValue(values, fieldName, mapping.FieldTypes[tag]); ok {
			p.MergeFields[tag] = v
		}
	}

	p.Interests = interests(mapping, selected, opts.Fallback)
	return p, nil
}

func emailValue(values map[string]any, mapping *page.FieldMapping) (string, bool) {
	field := mapping.EmailField()
	if field == "" {
		return "", false
	}
	raw, ok := values[field]
	if !ok || raw == nil {
		return "", false
	}
	s, ok := raw.(string)
	if !ok {
		s = fmt.Sprint(raw)
	}
	if strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}

// mergeValue resolves and flattens one bound form value by merge type
func mergeValue(values map[string]any, fieldName, mergeType string) (any, bool) {
	if mergeType == "address" {
		s := flattenAddress(values, fieldName)
		return s, s != ""
	}

	raw, ok := values[fieldName]
	if !ok || isEmpty(raw) {
		return nil, false
	}

	switch mergeType {
	case "date":
		return formatDate(raw, "01/02/2006", form.ParseDate), true
	case "birthday":
		return formatDate(raw, "01/02", form.ParseBirthday), true
	}

	// Untyped tags still get flat strings: lists join with ", " and times
	// use the date layout. Other scalars pass through unchanged.
	switch v := raw.(type) {
	case []string:
		return strings.Join(v, ", "), true
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, fmt.Sprint(item))
		}
		return strings.Join(parts, ", "), true
	case time.Time:
		return v.Format("01/02/2006"), true
	}
	return raw, true
}

// flattenAddress joins the non-empty address parts with two spaces in the
// fixed order addr1, addr2, city, state, zip, country. Parts come from a map
// value or from "<field>-<part>" keys.
func flattenAddress(values map[string]any, fieldName string) string {
	var parts map[string]string

	switch v := values[fieldName].(type) {
	case string:
		return strings.TrimSpace(v)
	case map[string]string:
		parts = v
	case map[string]any:
		parts = make(map[string]string, len(v))
		for k, item := range v {
			if item != nil {
				parts[k] = fmt.Sprint(item)
			}
		}
	default:
		parts = make(map[string]string)
		for _, p := range form.AddressParts {
			if item, ok := values[fieldName+"-"+p]; ok && item != nil {
				parts[p] = fmt.Sprint(item)
			}
		}
	}

	out := make([]string, 0, len(form.AddressParts))
	for _, p := range form.AddressParts {
		if s := strings.TrimSpace(parts[p]); s != "" {
			out = append(out, s)
		}
	}
	return strings.Join(out, "  ")
}

func formatDate(raw any, layout string, parse func(string) (time.Time, error)) any {
	switch v := raw.(type) {
	case time.Time:
		return v.Format(layout)
	case string:
		if t, err := parse(v); err == nil {
			return t.Format(layout)
		}
		return v
	}
	return raw
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case bool:
		return !x
	case []string:
		return len(x) == 0
	case []any:
		return len(x) == 0
	case map[string]string:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	case time.Time:
		return x.IsZero()
	}
	return false
}

func interests(mapping *page.FieldMapping, selected []string, fallback Fallback) map[string]bool {
	out := make(map[string]bool)

	if selected != nil {
		for _, id := range selected {
			if id = strings.TrimSpace(id); id != "" {
				out[id] = true
			}
		}
	} else if fallback == FallbackConfigured {
		for _, cat := range mapping.Categories {
			for _, in := range cat.Interests {
				if in.ID != "" {
					out[in.ID] = true
				}
			}
		}
	}

	if len(out) == 0 {
		return nil
	}
	return out
}

// InterestIDs returns the payload's interest ids in sorted order
func (p *Payload) InterestIDs() []string {
	ids := make([]string, 0, len(p.Interests))
	for id := range p.Interests {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
