package mailchimp

import (
	"errors"
	"fmt"
	"net/http"
)

// List is a Mailchimp audience
type List struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// MergeFieldOptions contains type-specific merge field settings
type MergeFieldOptions struct {
	DefaultCountry int      `json:"default_country,omitempty"`
	PhoneFormat    string   `json:"phone_format,omitempty"`
	DateFormat     string   `json:"date_format,omitempty"`
	Choices        []string `json:"choices,omitempty"`
	Size           int      `json:"size,omitempty"`
}

// MergeField is a typed data slot on a subscriber record (EMAIL, FNAME, ...)
type MergeField struct {
	MergeID      int               `json:"merge_id"`
	Tag          string            `json:"tag"`
	Name         string            `json:"name"`
	Type         string            `json:"type"`
	Required     bool              `json:"required"`
	Public       bool              `json:"public"`
	DisplayOrder int               `json:"display_order"`
	Options      MergeFieldOptions `json:"options"`
	HelpText     string            `json:"help_text,omitempty"`
}

// Interest is a single selectable entry of an interest category
type Interest struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	DisplayOrder int    `json:"display_order"`
}

// InterestCategory groups interests used for subscriber segmentation
type InterestCategory struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Type         string     `json:"type"`
	DisplayOrder int        `json:"display_order,omitempty"`
	Interests    []Interest `json:"interests"`
}

// Member is the response for POST /lists/{id}/members
type Member struct {
	ID           string `json:"id"`
	EmailAddress string `json:"email_address"`
	Status       string `json:"status"`
	ListID       string `json:"list_id"`
}

// PingResponse is the response for GET /ping
type PingResponse struct {
	HealthStatus string `json:"health_status"`
}

type listsResponse struct {
	Lists      []List `json:"lists"`
	TotalItems int    `json:"total_items"`
}

type mergeFieldsResponse struct {
	MergeFields []MergeField `json:"merge_fields"`
	TotalItems  int          `json:"total_items"`
}

type categoriesResponse struct {
	Categories []InterestCategory `json:"categories"`
	TotalItems int                `json:"total_items"`
}

type interestsResponse struct {
	Interests  []Interest `json:"interests"`
	TotalItems int        `json:"total_items"`
}

// TitleMemberExists is the error title Mailchimp returns when the address is already on the list
const TitleMemberExists = "Member Exists"

// ErrNoAPIKey is returned when no API key is configured for a site
var ErrNoAPIKey = errors.New("mailchimp API key is not set")

// APIError is a problem-detail error document returned by the Mailchimp API
type APIError struct {
	Status   int    `json:"status"`
	Type     string `json:"type"`
	Title    string `json:"title"`
	Detail   string `json:"detail"`
	Instance string `json:"instance"`
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("mailchimp: %d %s: %s", e.Status, e.Title, e.Detail)
	}
	return fmt.Sprintf("mailchimp: %d %s", e.Status, e.Title)
}

// IsMemberExists reports whether err is the "Member Exists" API error
func IsMemberExists(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Title == TitleMemberExists
	}
	return false
}

// IsTemporary reports whether a failed call may succeed when retried later.
// Rate limiting, server errors, transport errors and a missing API key are
// temporary; other API errors are permanent.
func IsTemporary(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNoAPIKey) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500
	}
	return true
}
