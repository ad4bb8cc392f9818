// Package form describes the dynamic forms listsync serves: editor-defined
// fields on form pages and fields derived from Mailchimp merge fields on
// subscribe pages. It validates and cleans submitted values.
package form

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// FieldType is the input type of a form field
type FieldType string

const (
	TypeText       FieldType = "text"
	TypeTextarea   FieldType = "textarea"
	TypeEmail      FieldType = "email"
	TypeNumber     FieldType = "number"
	TypeURL        FieldType = "url"
	TypePhone      FieldType = "phone"
	TypeDate       FieldType = "date"
	TypeBirthday   FieldType = "birthday"
	TypeAddress    FieldType = "address"
	TypeSelect     FieldType = "select"
	TypeRadio      FieldType = "radio"
	TypeCheckbox   FieldType = "checkbox"
	TypeCheckboxes FieldType = "checkboxes"
	TypeHidden     FieldType = "hidden"
)

// Reserved field names added by listsync to integration forms
const (
	OptInFieldName     = "mailchimp_subscribe_check"
	InterestsFieldName = "mailchimp_interests_check"
	// InterestsTag is the field carrying interest selections on subscribe pages
	InterestsTag = "INTERESTS"
)

// AddressParts are the sub-fields of an address field, in payload order
var AddressParts = []string{"addr1", "addr2", "city", "state", "zip", "country"}

var requiredAddressParts = map[string]bool{"addr1": true, "city": true, "state": true, "zip": true}

var fieldNamePattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_-]*$`)

// Choice is one option of a select, radio or checkboxes field
type Choice struct {
	Value string `json:"value" yaml:"value"`
	Label string `json:"label" yaml:"label"`
	Group string `json:"group,omitempty" yaml:"group,omitempty"`
}

// Field is a form field definition
type Field struct {
	Name      string    `json:"name" yaml:"name"`
	Label     string    `json:"label" yaml:"label"`
	Type      FieldType `json:"type" yaml:"type"`
	Required  bool      `json:"required,omitempty" yaml:"required,omitempty"`
	HelpText  string    `json:"help_text,omitempty" yaml:"help_text,omitempty"`
	Choices   []Choice  `json:"choices,omitempty" yaml:"choices,omitempty"`
	Default   string    `json:"default,omitempty" yaml:"default,omitempty"`
	MaxLength int       `json:"max_length,omitempty" yaml:"max_length,omitempty"`
}

// HasChoices reports whether the field type takes a fixed choice list
func (f Field) HasChoices() bool {
	switch f.Type {
	case TypeSelect, TypeRadio, TypeCheckboxes:
		return true
	}
	return false
}

func (f Field) hasChoice(value string) bool {
	for _, c := range f.Choices {
		if c.Value == value {
			return true
		}
	}
	return false
}

var knownTypes = map[FieldType]bool{
	TypeText: true, TypeTextarea: true, TypeEmail: true, TypeNumber: true,
	TypeURL: true, TypePhone: true, TypeDate: true, TypeBirthday: true,
	TypeAddress: true, TypeSelect: true, TypeRadio: true, TypeCheckbox: true,
	TypeCheckboxes: true, TypeHidden: true,
}

// ValidateDefinitions checks editor-supplied field definitions
func ValidateDefinitions(fields []Field) error {
	seen := make(map[string]bool, len(fields))
	for i, f := range fields {
		if !fieldNamePattern.MatchString(f.Name) {
			return fmt.Errorf("field %d: invalid name %q", i, f.Name)
		}
		if f.Name == OptInFieldName || f.Name == InterestsFieldName {
			return fmt.Errorf("field %d: name %q is reserved", i, f.Name)
		}
		if seen[f.Name] {
			return fmt.Errorf("field %d: duplicate name %q", i, f.Name)
		}
		seen[f.Name] = true

		if !knownTypes[f.Type] {
			return fmt.Errorf("field %q: unknown type %q", f.Name, f.Type)
		}
		if f.HasChoices() && len(f.Choices) == 0 {
			return fmt.Errorf("field %q: %s field needs choices", f.Name, f.Type)
		}
	}
	return nil
}

// Errors maps field names to validation messages. NonFieldKey holds form-level errors.
type Errors map[string][]string

// NonFieldKey is the Errors key for messages not tied to a field
const NonFieldKey = "__all__"

// Add appends a message for field
func (e Errors) Add(field, msg string) {
	e[field] = append(e[field], msg)
}

// HasErrors reports whether any message was recorded
func (e Errors) HasErrors() bool {
	return len(e) > 0
}

func (e Errors) Error() string {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+strings.Join(e[k], "; "))
	}
	return strings.Join(parts, ", ")
}

// Names returns the field names in order
func Names(fields []Field) []string {
	names := make([]string, 0, len(fields))
	for _, f := range fields {
		names = append(names, f.Name)
	}
	return names
}
