package outbox

import (
	"encoding/json"
	"time"
)

// Status represents the status of an outbox entry
type Status string

const (
	StatusPending   Status = "pending"
	StatusSending   Status = "sending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusDeferred  Status = "deferred"
)

// Entry is an add-member call waiting to be delivered to Mailchimp
type Entry struct {
	ID          string          `json:"id"`
	SiteID      string          `json:"site_id"`
	PageID      string          `json:"page_id,omitempty"`
	ListID      string          `json:"list_id"`
	Email       string          `json:"email"`
	Payload     json.RawMessage `json:"payload"`
	Status      Status          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	NextRetryAt time.Time       `json:"next_retry_at"`
	FailedAt    time.Time       `json:"failed_at,omitempty"`
	RetryCount  int             `json:"retry_count"`
	LastError   string          `json:"last_error,omitempty"`
	// Note records how a delivered entry was resolved, e.g. already subscribed
	Note string `json:"note,omitempty"`
}

// Stats represents outbox statistics
type Stats struct {
	Pending    int64 `json:"pending"`
	Sending    int64 `json:"sending"`
	Delivered  int64 `json:"delivered"`
	Failed     int64 `json:"failed"`
	Deferred   int64 `json:"deferred"`
	Total      int64 `json:"total"`
	DeadLetter int64 `json:"dead_letter"`
}

// DLQStats contains dead letter queue statistics
type DLQStats struct {
	Total     int64     `json:"total"`
	TotalSize int64     `json:"total_size"`
	OldestAt  time.Time `json:"oldest_at,omitempty"`
}

// ListFilter represents filter options for listing entries
type ListFilter struct {
	Status Status
	ListID string
	Limit  int
	Offset int
}
