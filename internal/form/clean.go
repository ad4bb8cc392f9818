package form

import (
	"fmt"
	"net/mail"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Values are raw submitted values keyed by input name. Address fields use
// "<name>-<part>" keys.
type Values map[string][]string

// Get returns the first value for key, trimmed
func (v Values) Get(key string) string {
	if vals := v[key]; len(vals) > 0 {
		return strings.TrimSpace(vals[0])
	}
	return ""
}

// Has reports whether key was submitted with a non-empty value
func (v Values) Has(key string) bool {
	for _, s := range v[key] {
		if strings.TrimSpace(s) != "" {
			return true
		}
	}
	return false
}

// Bool reports whether key was submitted with a truthy value ("on", "true", "1", ...)
func (v Values) Bool(key string) bool {
	return isTruthy(v.Get(key))
}

// Validation messages
const (
	msgRequired      = "This field is required."
	msgInvalidEmail  = "Enter a valid email address."
	msgInvalidNumber = "Enter a number."
	msgInvalidURL    = "Enter a valid URL."
	msgInvalidDate   = "Enter a valid date."
	msgInvalidChoice = "Select a valid choice. %s is not one of the available choices."
	msgTooLong       = "Ensure this value has at most %d characters (it has %d)."
)

// Clean validates values against fields and returns the cleaned data.
// Cleaned types: string for text-like fields, float64 for numbers, time.Time
// for dates and birthdays, bool for checkboxes, []string for multi-choice
// and map[string]string for addresses. Optional empty fields are omitted.
func Clean(fields []Field, values Values) (map[string]any, Errors) {
	cleaned := make(map[string]any, len(fields))
	errs := make(Errors)

	for _, f := range fields {
		value, ok, msg := cleanField(f, values)
		if msg != "" {
			errs.Add(f.Name, msg)
			continue
		}
		if ok {
			cleaned[f.Name] = value
		}
	}

	if errs.HasErrors() {
		return nil, errs
	}
	return cleaned, nil
}

func cleanField(f Field, values Values) (any, bool, string) {
	switch f.Type {
	case TypeAddress:
		return cleanAddress(f, values)
	case TypeCheckbox:
		checked := isTruthy(values.Get(f.Name))
		if f.Required && !checked {
			return nil, false, msgRequired
		}
		return checked, true, ""
	case TypeCheckboxes:
		var selected []string
		for _, s := range values[f.Name] {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			if !f.hasChoice(s) {
				return nil, false, fmt.Sprintf(msgInvalidChoice, s)
			}
			selected = append(selected, s)
		}
		if len(selected) == 0 {
			if f.Required {
				return nil, false, msgRequired
			}
			return nil, false, ""
		}
		return selected, true, ""
	}

	raw := values.Get(f.Name)
	if raw == "" {
		raw = f.Default
	}
	if raw == "" {
		if f.Required {
			return nil, false, msgRequired
		}
		return nil, false, ""
	}

	if f.MaxLength > 0 && len([]rune(raw)) > f.MaxLength {
		return nil, false, fmt.Sprintf(msgTooLong, f.MaxLength, len([]rune(raw)))
	}

	switch f.Type {
	case TypeEmail:
		addr, err := mail.ParseAddress(raw)
		if err != nil || addr.Address != raw || !strings.Contains(raw, "@") {
			return nil, false, msgInvalidEmail
		}
		return raw, true, ""
	case TypeNumber:
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, false, msgInvalidNumber
		}
		return n, true, ""
	case TypeURL:
		u, err := url.ParseRequestURI(raw)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return nil, false, msgInvalidURL
		}
		return raw, true, ""
	case TypeDate:
		t, err := ParseDate(raw)
		if err != nil {
			return nil, false, msgInvalidDate
		}
		return t, true, ""
	case TypeBirthday:
		t, err := ParseBirthday(raw)
		if err != nil {
			return nil, false, msgInvalidDate
		}
		return t, true, ""
	case TypeSelect, TypeRadio:
		if !f.hasChoice(raw) {
			return nil, false, fmt.Sprintf(msgInvalidChoice, raw)
		}
		return raw, true, ""
	}

	return raw, true, ""
}

func cleanAddress(f Field, values Values) (any, bool, string) {
	parts := make(map[string]string, len(AddressParts))
	for _, p := range AddressParts {
		if v := values.Get(f.Name + "-" + p); v != "" {
			parts[p] = v
		}
	}

	if len(parts) == 0 {
		if f.Required {
			return nil, false, msgRequired
		}
		return nil, false, ""
	}

	// A partially filled address must carry the parts Mailchimp requires
	for _, p := range AddressParts {
		if requiredAddressParts[p] && parts[p] == "" {
			return nil, false, fmt.Sprintf("Address %s is required.", p)
		}
	}
	return parts, true, ""
}

// Date layouts accepted on input
var dateLayouts = []string{"2006-01-02", "01/02/2006", time.RFC3339}

// ParseDate parses YYYY-MM-DD, MM/DD/YYYY or RFC 3339
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", s)
}

// ParseBirthday parses a full date or MM/DD. The year of a bare MM/DD is 2000
// so that Feb 29 is accepted.
func ParseBirthday(s string) (time.Time, error) {
	if t, err := ParseDate(s); err == nil {
		return t, nil
	}
	t, err := time.Parse("01/02/2006", strings.TrimSpace(s)+"/2000")
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid birthday %q", s)
	}
	return t, nil
}

func isTruthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "0", "false", "off", "no":
		return false
	}
	return true
}
