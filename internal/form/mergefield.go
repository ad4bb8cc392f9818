package form

import (
	"html"
	"sort"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"

	"github.com/foxzi/listsync/internal/mailchimp"
)

// EmailTag is the merge tag of the subscriber address
const EmailTag = "EMAIL"

var (
	textPolicyOnce sync.Once
	textPolicy     *bluemonday.Policy
)

// SanitizeText strips markup from labels and help text that come from
// Mailchimp and are echoed to visitors
func SanitizeText(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	textPolicyOnce.Do(func() {
		textPolicy = bluemonday.StrictPolicy()
	})
	return strings.TrimSpace(html.UnescapeString(textPolicy.Sanitize(trimmed)))
}

type fieldBuilder func(mf mailchimp.MergeField) Field

// mergeFieldBuilders maps Mailchimp merge types to form fields
var mergeFieldBuilders = map[string]fieldBuilder{
	"text":     simpleBuilder(TypeText),
	"email":    simpleBuilder(TypeEmail),
	"number":   simpleBuilder(TypeNumber),
	"phone":    simpleBuilder(TypePhone),
	"url":      simpleBuilder(TypeURL),
	"imageurl": simpleBuilder(TypeURL),
	"date":     simpleBuilder(TypeDate),
	"birthday": simpleBuilder(TypeBirthday),
	"address":  simpleBuilder(TypeAddress),
	"zip": func(mf mailchimp.MergeField) Field {
		f := baseField(mf, TypeText)
		f.MaxLength = 5
		return f
	},
	"dropdown": choiceBuilder(TypeSelect),
	"radio":    choiceBuilder(TypeRadio),
}

func baseField(mf mailchimp.MergeField, t FieldType) Field {
	label := SanitizeText(mf.Name)
	if label == "" {
		label = mf.Tag
	}
	f := Field{
		Name:     mf.Tag,
		Label:    label,
		Type:     t,
		Required: mf.Required,
		HelpText: SanitizeText(mf.HelpText),
	}
	if t == TypeText && mf.Options.Size > 0 {
		f.MaxLength = mf.Options.Size
	}
	return f
}

func simpleBuilder(t FieldType) fieldBuilder {
	return func(mf mailchimp.MergeField) Field {
		return baseField(mf, t)
	}
}

func choiceBuilder(t FieldType) fieldBuilder {
	return func(mf mailchimp.MergeField) Field {
		f := baseField(mf, t)
		for _, c := range mf.Options.Choices {
			f.Choices = append(f.Choices, Choice{Value: c, Label: SanitizeText(c)})
		}
		return f
	}
}

// FromMergeField builds the form field for one merge field. Unknown merge
// types fall back to a text input.
func FromMergeField(mf mailchimp.MergeField) Field {
	if build, ok := mergeFieldBuilders[mf.Type]; ok {
		return build(mf)
	}
	return baseField(mf, TypeText)
}

// FromMergeFields builds the subscribe form for an audience: an EMAIL field
// first, then public merge fields by display order.
func FromMergeFields(mergeFields []mailchimp.MergeField) []Field {
	sorted := make([]mailchimp.MergeField, 0, len(mergeFields))
	for _, mf := range mergeFields {
		if mf.Tag == EmailTag || mf.Public {
			sorted = append(sorted, mf)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].DisplayOrder < sorted[j].DisplayOrder
	})

	fields := []Field{emailField()}
	for _, mf := range sorted {
		if mf.Tag == EmailTag {
			continue
		}
		fields = append(fields, FromMergeField(mf))
	}
	return fields
}

func emailField() Field {
	return Field{Name: EmailTag, Label: "Email Address", Type: TypeEmail, Required: true}
}

// InterestsField builds a multi-choice field with one choice per interest,
// grouped by category title. It returns false when there are no interests.
func InterestsField(name string, categories []mailchimp.InterestCategory) (Field, bool) {
	f := Field{Name: name, Label: "Interests", Type: TypeCheckboxes}
	for _, cat := range categories {
		group := SanitizeText(cat.Title)
		for _, in := range cat.Interests {
			f.Choices = append(f.Choices, Choice{Value: in.ID, Label: SanitizeText(in.Name), Group: group})
		}
	}
	return f, len(f.Choices) > 0
}

// MergeTypes returns tag -> merge type for the given merge fields
func MergeTypes(mergeFields []mailchimp.MergeField) map[string]string {
	types := make(map[string]string, len(mergeFields)+1)
	types[EmailTag] = "email"
	for _, mf := range mergeFields {
		types[mf.Tag] = mf.Type
	}
	return types
}
