// Package settings stores the per-site Mailchimp settings.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/listsync/internal/mailchimp"
)

var bucketSites = []byte("sites")

// DefaultSiteID is the site used when a request names none
const DefaultSiteID = "default"

// Site holds the Mailchimp settings of one site
type Site struct {
	SiteID            string    `json:"site_id"`
	APIKey            string    `json:"api_key"`
	DefaultAudienceID string    `json:"default_audience_id,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Masked returns a copy safe to show: all but the data-center suffix of the key is hidden
func (s Site) Masked() Site {
	out := s
	if s.APIKey == "" {
		return out
	}
	suffix := ""
	if i := strings.LastIndex(s.APIKey, "-"); i >= 0 {
		suffix = s.APIKey[i:]
	}
	out.APIKey = "********" + suffix
	return out
}

// ValidationError reports an invalid settings field
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Pinger checks that an API key works
type Pinger interface {
	Ping(ctx context.Context) (*mailchimp.PingResponse, error)
}

// PingerFactory returns a Pinger bound to an API key
type PingerFactory func(apiKey string) Pinger

// Store persists site settings in BoltDB
type Store struct {
	db          *bolt.DB
	newPinger   PingerFactory
	fallbackKey string
}

// NewStore creates a settings store using the provided BoltDB instance.
// fallbackKey is served for the default site while it has no stored key.
func NewStore(db *bolt.DB, newPinger PingerFactory, fallbackKey string) (*Store, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSites)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sites bucket: %w", err)
	}

	return &Store{db: db, newPinger: newPinger, fallbackKey: fallbackKey}, nil
}

// Validate pings Mailchimp with a non-empty API key. The raw error text is
// returned to the administrator.
func (s *Store) Validate(ctx context.Context, site *Site) error {
	site.APIKey = strings.TrimSpace(site.APIKey)
	if site.APIKey == "" {
		return nil
	}
	if _, err := s.newPinger(site.APIKey).Ping(ctx); err != nil {
		return &ValidationError{Field: "api_key", Message: err.Error()}
	}
	return nil
}

// Save validates and stores the site settings. An empty key disables the
// integration for the site.
func (s *Store) Save(ctx context.Context, site *Site) error {
	if site.SiteID == "" {
		site.SiteID = DefaultSiteID
	}
	if err := s.Validate(ctx, site); err != nil {
		return err
	}
	site.DefaultAudienceID = strings.TrimSpace(site.DefaultAudienceID)
	site.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(site)
	if err != nil {
		return fmt.Errorf("failed to marshal site: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSites).Put([]byte(site.SiteID), data)
	})
}

// Get returns the stored settings of a site, or nil
func (s *Store) Get(ctx context.Context, siteID string) (*Site, error) {
	var site *Site

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSites).Get([]byte(siteID))
		if data == nil {
			return nil
		}
		site = &Site{}
		return json.Unmarshal(data, site)
	})

	return site, err
}

// Resolve returns the effective settings of a site, falling back to the
// configured key for the default site. It never returns nil.
func (s *Store) Resolve(ctx context.Context, siteID string) (*Site, error) {
	if siteID == "" {
		siteID = DefaultSiteID
	}
	site, err := s.Get(ctx, siteID)
	if err != nil {
		return nil, err
	}
	if site == nil {
		site = &Site{SiteID: siteID}
	}
	if site.APIKey == "" && siteID == DefaultSiteID {
		site.APIKey = s.fallbackKey
	}
	return site, nil
}

// APIKey returns the effective API key of a site
func (s *Store) APIKey(ctx context.Context, siteID string) (string, error) {
	site, err := s.Resolve(ctx, siteID)
	if err != nil {
		return "", err
	}
	return site.APIKey, nil
}

// List returns all stored sites
func (s *Store) List(ctx context.Context) ([]*Site, error) {
	var sites []*Site

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSites).ForEach(func(k, v []byte) error {
			var site Site
			if err := json.Unmarshal(v, &site); err != nil {
				return nil
			}
			sites = append(sites, &site)
			return nil
		})
	})

	return sites, err
}
