// Package submission processes page form submissions and subscribes
// visitors who opted in to the page's Mailchimp audience.
package submission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/foxzi/listsync/internal/form"
	"github.com/foxzi/listsync/internal/mailchimp"
	"github.com/foxzi/listsync/internal/metadata"
	"github.com/foxzi/listsync/internal/metrics"
	"github.com/foxzi/listsync/internal/notify"
	"github.com/foxzi/listsync/internal/outbox"
	"github.com/foxzi/listsync/internal/page"
	"github.com/foxzi/listsync/internal/render"
	"github.com/foxzi/listsync/internal/settings"
)

// Outcome is the result of the mailing-list part of a submission
type Outcome string

const (
	OutcomeOptedOut          Outcome = "opted_out"
	OutcomeSubscribed        Outcome = "subscribed"
	OutcomeAlreadySubscribed Outcome = "already_subscribed"
	OutcomeFailed            Outcome = "failed"
)

// Message levels
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
)

// Messages shown to the visitor
const (
	MessageSubscribed        = "You have been successfully added to our mailing list!"
	MessageAlreadySubscribed = "You are already subscribed to our mailing list. Thank you!"
	MessageQueued            = "Your submission was received, but we are having issues adding you to our mailing list. We will try to add you later."
	MessageNotQueued         = "Your submission was received, but we could not add you to our mailing list. Please try again later."
)

// NotificationSubject is the subject of the admin e-mail sent on failures
const NotificationSubject = "Error adding user to mailing list"

// Message is a flash message for the visitor
type Message struct {
	Level string `json:"level"`
	Text  string `json:"text"`
}

// Result is the response to a valid or invalid submission
type Result struct {
	Outcome      Outcome     `json:"outcome,omitempty"`
	ThankYou     string      `json:"thank_you,omitempty"`
	Messages     []Message   `json:"messages"`
	SubmissionID string      `json:"submission_id,omitempty"`
	Errors       form.Errors `json:"errors,omitempty"`
	Queued       bool        `json:"-"`
}

// Valid reports whether the form passed validation
func (r *Result) Valid() bool {
	return !r.Errors.HasErrors()
}

// SubmissionStore stores form page submissions
type SubmissionStore interface {
	AddSubmission(ctx context.Context, sub *page.Submission) error
}

// SiteResolver returns the effective settings of a site
type SiteResolver interface {
	Resolve(ctx context.Context, siteID string) (*settings.Site, error)
}

// MetadataSource provides audience metadata for subscribe pages
type MetadataSource interface {
	ListMergeFields(ctx context.Context, site metadata.Site, listID string) ([]mailchimp.MergeField, error)
	ListInterestCategories(ctx context.Context, site metadata.Site, listID string) ([]mailchimp.InterestCategory, error)
}

// Enqueuer keeps add-member calls for a later retry
type Enqueuer interface {
	Enqueue(ctx context.Context, e *outbox.Entry) error
}

// Options wires the handler's collaborators
type Options struct {
	Submissions   SubmissionStore
	Sites         SiteResolver
	Metadata      MetadataSource
	Sender        outbox.Sender
	Outbox        Enqueuer
	Notifier      notify.Notifier
	NotifyTimeout time.Duration
	Logger        *slog.Logger
}

// Handler runs the submission state machine
type Handler struct {
	submissions   SubmissionStore
	sites         SiteResolver
	meta          MetadataSource
	sender        outbox.Sender
	outbox        Enqueuer
	notifier      notify.Notifier
	notifyTimeout time.Duration
	logger        *slog.Logger

	notifyWG sync.WaitGroup
}

// New creates a submission handler. A nil Outbox disables retries; a nil
// Notifier drops admin notifications.
func New(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Discard{Logger: opts.Logger}
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = time.Minute
	}
	return &Handler{
		submissions:   opts.Submissions,
		sites:         opts.Sites,
		meta:          opts.Metadata,
		sender:        opts.Sender,
		outbox:        opts.Outbox,
		notifier:      opts.Notifier,
		notifyTimeout: opts.NotifyTimeout,
		logger:        opts.Logger,
	}
}

// Submit validates the values, stores form page submissions and syncs the
// visitor to the mailing list when they opted in. Mailing-list failures are
// reported in the result, never as an error.
func (h *Handler) Submit(ctx context.Context, pg *page.Page, values form.Values) (*Result, error) {
	schema, err := h.Schema(ctx, pg)
	if err != nil {
		return nil, err
	}

	cleaned, errs := form.Clean(schema.Fields, values)
	if errs.HasErrors() {
		metrics.IncSubmissions(string(pg.Kind), "invalid")
		return &Result{Errors: errs, Messages: []Message{}}, nil
	}
	metrics.IncSubmissions(string(pg.Kind), "accepted")

	result := &Result{
		Outcome:  OutcomeOptedOut,
		ThankYou: pg.ThankYouText,
		Messages: []Message{},
	}

	var selected []string
	switch pg.Kind {
	case page.KindSubscribe:
		// No selection on a subscribe page means no interests
		selected = []string{}
		if ids, ok := cleaned[form.InterestsTag].([]string); ok {
			selected = ids
		}
		delete(cleaned, form.InterestsTag)

	default:
		optedIn := schema.OptIn && values.Bool(form.OptInFieldName)
		if _, ok := values[form.InterestsFieldName]; ok {
			selected = []string{}
			if ids, ok := cleaned[form.InterestsFieldName].([]string); ok {
				selected = ids
			}
		}
		delete(cleaned, form.OptInFieldName)
		delete(cleaned, form.InterestsFieldName)

		sub := &page.Submission{PageID: pg.ID, Data: storedData(cleaned)}
		if err := h.submissions.AddSubmission(ctx, sub); err != nil {
			return nil, fmt.Errorf("failed to store submission: %w", err)
		}
		result.SubmissionID = sub.ID

		if !optedIn {
			metrics.IncSubscriptions(string(OutcomeOptedOut))
			return result, nil
		}
	}

	outcome, msg, queued := h.syncMailingList(ctx, pg, schema, cleaned, selected)
	result.Outcome = outcome
	result.Queued = queued
	if msg.Text != "" {
		result.Messages = append(result.Messages, msg)
	}
	metrics.IncSubscriptions(string(outcome))

	return result, nil
}

// syncMailingList renders and delivers the add-member payload. It is the
// single place where mailing-list failures, panics included, are caught.
func (h *Handler) syncMailingList(ctx context.Context, pg *page.Page, schema *Schema, values map[string]any, selected []string) (outcome Outcome, msg Message, queued bool) {
	logger := h.logger.With("page_id", pg.ID, "list_id", pg.ListID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("mailing list sync panicked", "panic", r)
			outcome, msg, queued = h.fail(pg, fmt.Errorf("internal error: %v", r), false)
		}
	}()

	payload, err := render.Render(values, schema.mapping, selected, render.Options{
		DoubleOptIn: pg.DoubleOptIn,
		Fallback:    pg.InterestFallback,
	})
	if err != nil {
		logger.Warn("cannot build mailing list payload", "error", err)
		return h.fail(pg, err, false)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return h.fail(pg, fmt.Errorf("failed to encode payload: %w", err), false)
	}

	entry := &outbox.Entry{
		SiteID:  schema.site.SiteID,
		PageID:  pg.ID,
		ListID:  pg.ListID,
		Email:   payload.EmailAddress,
		Payload: data,
	}

	err = h.sender.Deliver(ctx, entry)
	switch {
	case err == nil:
		logger.Info("visitor subscribed", "status", payload.Status, "interests", len(payload.Interests))
		text := MessageSubscribed
		if pg.Kind == page.KindSubscribe && pg.ThankYouText != "" {
			text = pg.ThankYouText
		}
		return OutcomeSubscribed, Message{Level: LevelInfo, Text: text}, false

	case mailchimp.IsMemberExists(err):
		logger.Info("visitor already subscribed")
		return OutcomeAlreadySubscribed, Message{Level: LevelInfo, Text: MessageAlreadySubscribed}, false
	}

	logger.Warn("failed to add visitor to mailing list", "error", err)

	if mailchimp.IsTemporary(err) && h.outbox != nil {
		if qerr := h.outbox.Enqueue(ctx, entry); qerr != nil {
			logger.Error("failed to queue add-member call", "error", qerr)
			return h.fail(pg, errors.Join(err, qerr), false)
		}
		logger.Info("add-member call queued for retry", "entry_id", entry.ID)
		return h.fail(pg, err, true)
	}

	return h.fail(pg, err, false)
}

// fail notifies the administrators and returns the failed outcome
func (h *Handler) fail(pg *page.Page, err error, queued bool) (Outcome, Message, bool) {
	h.notifyAdmins(pg, err, queued)

	text := MessageNotQueued
	if queued {
		text = MessageQueued
	}
	return OutcomeFailed, Message{Level: LevelWarning, Text: text}, queued
}

func (h *Handler) notifyAdmins(pg *page.Page, err error, queued bool) {
	var body strings.Builder
	body.WriteString(err.Error())
	body.WriteString("\n\n")
	fmt.Fprintf(&body, "Page: %s (%s)\n", pg.Title, pg.ID)
	fmt.Fprintf(&body, "Audience: %s\n", pg.ListID)
	if queued {
		body.WriteString("The call was queued and will be retried.\n")
	} else {
		body.WriteString("The call was not queued.\n")
	}

	h.notifyWG.Add(1)
	go func() {
		defer h.notifyWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), h.notifyTimeout)
		defer cancel()
		h.notifier.Notify(ctx, NotificationSubject, body.String())
	}()
}

// Wait blocks until pending admin notifications are sent
func (h *Handler) Wait() {
	h.notifyWG.Wait()
}

// storedData converts cleaned values to their stored representation
func storedData(cleaned map[string]any) map[string]any {
	data := make(map[string]any, len(cleaned))
	for k, v := range cleaned {
		if t, ok := v.(time.Time); ok {
			data[k] = t.Format("2006-01-02")
			continue
		}
		data[k] = v
	}
	return data
}
