package submission

import (
	"context"
	"errors"
	"fmt"

	"github.com/foxzi/listsync/internal/form"
	"github.com/foxzi/listsync/internal/mailchimp"
	"github.com/foxzi/listsync/internal/metadata"
	"github.com/foxzi/listsync/internal/page"
	"github.com/foxzi/listsync/internal/settings"
)

// ErrNoForm is returned for a subscribe page whose audience has no merge fields
var ErrNoForm = errors.New("audience has no merge fields")

// Schema is the form rendered for a page
type Schema struct {
	PageID   string       `json:"page_id"`
	Kind     page.Kind    `json:"kind"`
	Title    string       `json:"title"`
	Fields   []form.Field `json:"fields"`
	OptIn    bool         `json:"opt_in"`
	Warnings []string     `json:"warnings,omitempty"`

	site    *settings.Site
	mapping *page.FieldMapping
}

// Schema builds the form of a page. Subscribe pages take their fields from
// the audience's merge fields; form pages get the opt-in checkbox and the
// interests stored with their mapping.
func (h *Handler) Schema(ctx context.Context, pg *page.Page) (*Schema, error) {
	site, err := h.sites.Resolve(ctx, pg.SiteID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve site %s: %w", pg.SiteID, err)
	}

	s := &Schema{
		PageID: pg.ID,
		Kind:   pg.Kind,
		Title:  pg.Title,
		site:   site,
	}

	switch pg.Kind {
	case page.KindSubscribe:
		if err := h.subscribeSchema(ctx, pg, s); err != nil {
			return nil, err
		}
	default:
		s.Fields = append(s.Fields, pg.FormFields...)
		if pg.ShowsOptIn() {
			s.mapping = pg.Mapping()
			s.OptIn = true
			s.Fields = append(s.Fields, form.Field{
				Name:  form.OptInFieldName,
				Label: pg.CheckboxText(),
				Type:  form.TypeCheckbox,
			})
			if f, ok := form.InterestsField(form.InterestsFieldName, s.mapping.Categories); ok {
				s.Fields = append(s.Fields, f)
			}
		}
	}

	return s, nil
}

func (h *Handler) subscribeSchema(ctx context.Context, pg *page.Page, s *Schema) error {
	mdSite := metadata.Site{ID: s.site.SiteID, APIKey: s.site.APIKey}

	mergeFields, err := h.meta.ListMergeFields(ctx, mdSite, pg.ListID)
	if err != nil {
		s.Warnings = appendWarning(s.Warnings, metadata.UserMessage(err))
	}
	if len(mergeFields) == 0 {
		return ErrNoForm
	}

	categories, err := h.meta.ListInterestCategories(ctx, mdSite, pg.ListID)
	if err != nil {
		s.Warnings = appendWarning(s.Warnings, metadata.UserMessage(err))
	}

	s.Fields = form.FromMergeFields(mergeFields)
	if f, ok := form.InterestsField(form.InterestsTag, categories); ok {
		s.Fields = append(s.Fields, f)
	}

	s.mapping = implicitMapping(mergeFields, categories)
	return nil
}

// implicitMapping binds every merge tag to the form field of the same name
func implicitMapping(mergeFields []mailchimp.MergeField, categories []mailchimp.InterestCategory) *page.FieldMapping {
	m := &page.FieldMapping{
		Fields:     map[string]string{form.EmailTag: form.EmailTag},
		FieldTypes: form.MergeTypes(mergeFields),
		Categories: categories,
	}
	for _, mf := range mergeFields {
		m.Fields[mf.Tag] = mf.Tag
	}
	return m
}

func appendWarning(warnings []string, msg string) []string {
	for _, w := range warnings {
		if w == msg {
			return warnings
		}
	}
	return append(warnings, msg)
}
