package form

import (
	"fmt"
	"sort"

	"github.com/foxzi/listsync/internal/mailchimp"
)

// MappingFieldPrefix namespaces mapping-form inputs by merge tag
const MappingFieldPrefix = "mc_merge_"

// MappingField is one select of the admin mapping form: which page form
// field feeds a merge tag
type MappingField struct {
	Name     string   `json:"name"`
	Tag      string   `json:"tag"`
	Label    string   `json:"label"`
	Type     string   `json:"merge_type"`
	Required bool     `json:"required"`
	Choices  []Choice `json:"choices"`
	Value    string   `json:"value"`
}

// MappingForm is the admin configuration form for a page's merge-field mapping
type MappingForm struct {
	Fields []MappingField `json:"fields"`
}

// MappingInputName returns the input name for a merge tag
func MappingInputName(tag string) string {
	return MappingFieldPrefix + tag
}

// mappingTags returns EMAIL followed by the other merge fields in display order
func mappingTags(mergeFields []mailchimp.MergeField) []mailchimp.MergeField {
	sorted := make([]mailchimp.MergeField, 0, len(mergeFields)+1)
	sorted = append(sorted, mailchimp.MergeField{Tag: EmailTag, Name: "Email Address", Type: "email", Required: true})
	rest := make([]mailchimp.MergeField, 0, len(mergeFields))
	for _, mf := range mergeFields {
		if mf.Tag != EmailTag {
			rest = append(rest, mf)
		}
	}
	sort.SliceStable(rest, func(i, j int) bool {
		return rest[i].DisplayOrder < rest[j].DisplayOrder
	})
	return append(sorted, rest...)
}

// BuildMappingForm builds one select per merge field whose choices are the
// page's form fields. initial holds the stored mapping (tag -> form field).
func BuildMappingForm(mergeFields []mailchimp.MergeField, formFields []Field, initial map[string]string) *MappingForm {
	choices := make([]Choice, 0, len(formFields)+1)
	choices = append(choices, Choice{Value: "", Label: "---------"})
	for _, f := range formFields {
		label := f.Label
		if label == "" {
			label = f.Name
		}
		choices = append(choices, Choice{Value: f.Name, Label: label})
	}

	form := &MappingForm{}
	for _, mf := range mappingTags(mergeFields) {
		label := SanitizeText(mf.Name)
		if label == "" {
			label = mf.Tag
		}
		form.Fields = append(form.Fields, MappingField{
			Name:     MappingInputName(mf.Tag),
			Tag:      mf.Tag,
			Label:    label,
			Type:     mf.Type,
			Required: mf.Tag == EmailTag,
			Choices:  choices,
			Value:    initial[mf.Tag],
		})
	}
	return form
}

// ParseMappingForm converts posted mapping-form values to tag -> form field.
// Every merge tag is present in the result; unmapped tags map to "".
func ParseMappingForm(mergeFields []mailchimp.MergeField, formFields []Field, values Values) (map[string]string, Errors) {
	known := make(map[string]bool, len(formFields))
	for _, f := range formFields {
		known[f.Name] = true
	}

	mapping := make(map[string]string)
	errs := make(Errors)
	for _, mf := range mappingTags(mergeFields) {
		name := MappingInputName(mf.Tag)
		value := values.Get(name)
		switch {
		case value == "" && mf.Tag == EmailTag:
			errs.Add(name, msgRequired)
		case value != "" && !known[value]:
			errs.Add(name, fmt.Sprintf(msgInvalidChoice, value))
		default:
			mapping[mf.Tag] = value
		}
	}

	if errs.HasErrors() {
		return nil, errs
	}
	return mapping, nil
}
