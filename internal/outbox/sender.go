package outbox

import (
	"context"
	"fmt"

	"github.com/foxzi/listsync/internal/mailchimp"
)

// KeyLookup resolves the Mailchimp API key configured for a site
type KeyLookup interface {
	APIKey(ctx context.Context, siteID string) (string, error)
}

// MemberAdder is the add-member call of the Mailchimp client
type MemberAdder interface {
	AddMember(ctx context.Context, listID string, payload any) (*mailchimp.Member, error)
}

// MailchimpSender delivers entries with the API key of the entry's site
type MailchimpSender struct {
	keys      KeyLookup
	newClient func(apiKey string) MemberAdder
}

// NewMailchimpSender creates a sender
func NewMailchimpSender(keys KeyLookup, newClient func(apiKey string) MemberAdder) *MailchimpSender {
	return &MailchimpSender{keys: keys, newClient: newClient}
}

// Deliver posts the entry's payload to its audience
func (s *MailchimpSender) Deliver(ctx context.Context, e *Entry) error {
	key, err := s.keys.APIKey(ctx, e.SiteID)
	if err != nil {
		return fmt.Errorf("failed to look up api key for site %s: %w", e.SiteID, err)
	}
	if key == "" {
		return mailchimp.ErrNoAPIKey
	}

	_, err = s.newClient(key).AddMember(ctx, e.ListID, e.Payload)
	return err
}
