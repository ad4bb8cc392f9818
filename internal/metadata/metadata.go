// Package metadata serves Mailchimp audiences, merge fields and interest
// categories through a cache. Every call degrades to an empty result on
// failure so that admin screens and public forms keep rendering.
package metadata

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/foxzi/listsync/internal/cache"
	"github.com/foxzi/listsync/internal/mailchimp"
	"github.com/foxzi/listsync/internal/metrics"
)

// ErrNoAPIKey is returned when the site has no Mailchimp API key configured
var ErrNoAPIKey = mailchimp.ErrNoAPIKey

// User-facing messages
const (
	MessageNoAPIKey    = "Mailchimp API key is not set"
	MessageUnavailable = "Error obtaining Mailchimp data. Please make sure the Mailchimp API key in Mailchimp Settings is correct"
)

// Site identifies the Mailchimp account to use
type Site struct {
	ID     string
	APIKey string
}

// FetchError describes a failed metadata fetch
type FetchError struct {
	Call   string
	ListID string
	Err    error
}

func (e *FetchError) Error() string {
	if e.ListID != "" {
		return fmt.Sprintf("fetch %s for list %s: %v", e.Call, e.ListID, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.Call, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// UserMessage maps a metadata error to text safe to show to editors and visitors
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrNoAPIKey) {
		return MessageNoAPIKey
	}
	return MessageUnavailable
}

// API is the subset of the Mailchimp client used for metadata
type API interface {
	Lists(ctx context.Context, fields string) ([]mailchimp.List, error)
	MergeFields(ctx context.Context, listID, fields string) ([]mailchimp.MergeField, error)
	InterestCategories(ctx context.Context, listID, fields string) ([]mailchimp.InterestCategory, error)
	Interests(ctx context.Context, listID, categoryID, fields string) ([]mailchimp.Interest, error)
}

// APIFactory returns an API bound to an API key
type APIFactory func(apiKey string) API

// Client is the cached metadata client
type Client struct {
	store  cache.Store
	newAPI APIFactory
	logger *slog.Logger
}

// NewClient creates a metadata client
func NewClient(store cache.Store, newAPI APIFactory, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		store:  store,
		newAPI: newAPI,
		logger: logger,
	}
}

// CacheKey builds the deterministic cache key for one metadata call
func CacheKey(apiKey, call string, parts ...string) string {
	sum := sha256.Sum256([]byte(apiKey))
	segments := []string{"listsync", hex.EncodeToString(sum[:])[:12], call}
	segments = append(segments, parts...)
	return strings.Join(segments, ":")
}

// ListAudiences returns the account's audiences
func (c *Client) ListAudiences(ctx context.Context, site Site) ([]mailchimp.List, error) {
	if site.APIKey == "" {
		return []mailchimp.List{}, ErrNoAPIKey
	}

	key := CacheKey(site.APIKey, "lists", mailchimp.ListFields)
	return cached(ctx, c, key, "lists", "", func(api API) ([]mailchimp.List, error) {
		return api.Lists(ctx, mailchimp.ListFields)
	}, site)
}

// ListMergeFields returns the merge fields of an audience
func (c *Client) ListMergeFields(ctx context.Context, site Site, listID string) ([]mailchimp.MergeField, error) {
	if site.APIKey == "" {
		return []mailchimp.MergeField{}, ErrNoAPIKey
	}

	key := CacheKey(site.APIKey, "merge-fields", listID, mailchimp.MergeFieldFields)
	return cached(ctx, c, key, "merge-fields", listID, func(api API) ([]mailchimp.MergeField, error) {
		return api.MergeFields(ctx, listID, mailchimp.MergeFieldFields)
	}, site)
}

// ListInterestCategories returns the interest categories of an audience with
// their interests populated. A category whose interests cannot be fetched
// keeps an empty interest list.
func (c *Client) ListInterestCategories(ctx context.Context, site Site, listID string) ([]mailchimp.InterestCategory, error) {
	if site.APIKey == "" {
		return []mailchimp.InterestCategory{}, ErrNoAPIKey
	}

	key := CacheKey(site.APIKey, "categories", listID, mailchimp.CategoryFields)
	categories, err := cached(ctx, c, key, "categories", listID, func(api API) ([]mailchimp.InterestCategory, error) {
		return api.InterestCategories(ctx, listID, mailchimp.CategoryFields)
	}, site)
	if err != nil {
		return categories, err
	}

	result := make([]mailchimp.InterestCategory, 0, len(categories))
	var firstErr error
	for _, cat := range categories {
		interests, ierr := c.listInterests(ctx, site, listID, cat.ID)
		if ierr != nil && firstErr == nil {
			firstErr = ierr
		}
		result = append(result, mailchimp.InterestCategory{
			ID:           cat.ID,
			Title:        cat.Title,
			Type:         cat.Type,
			DisplayOrder: cat.DisplayOrder,
			Interests:    interests,
		})
	}

	return result, firstErr
}

func (c *Client) listInterests(ctx context.Context, site Site, listID, categoryID string) ([]mailchimp.Interest, error) {
	key := CacheKey(site.APIKey, "interests", listID, categoryID, mailchimp.InterestFields)
	return cached(ctx, c, key, "interests", listID, func(api API) ([]mailchimp.Interest, error) {
		return api.Interests(ctx, listID, categoryID, mailchimp.InterestFields)
	}, site)
}

// Invalidate drops the cached audience list and, when listID is set, the
// merge fields and interest categories of that audience. Interest entries
// expire on their own.
func (c *Client) Invalidate(ctx context.Context, site Site, listID string) error {
	keys := []string{CacheKey(site.APIKey, "lists", mailchimp.ListFields)}
	if listID != "" {
		keys = append(keys,
			CacheKey(site.APIKey, "merge-fields", listID, mailchimp.MergeFieldFields),
			CacheKey(site.APIKey, "categories", listID, mailchimp.CategoryFields),
		)
	}
	return c.store.Delete(ctx, keys...)
}

// cached reads key from the store or fills it with fetch. Failed fetches are
// never cached. Concurrent fills for the same key simply overwrite each other.
func cached[T any](ctx context.Context, c *Client, key, call, listID string, fetch func(API) ([]T, error), site Site) ([]T, error) {
	if data, found, err := c.store.Get(ctx, key); err != nil {
		c.logger.Warn("metadata cache read failed", "key", key, "error", err)
	} else if found {
		var items []T
		if err := json.Unmarshal(data, &items); err == nil {
			metrics.IncMetadataCache(call, true)
			if items == nil {
				items = []T{}
			}
			return items, nil
		}
		c.logger.Warn("discarding malformed cache entry", "key", key)
	}
	metrics.IncMetadataCache(call, false)

	items, err := fetch(c.newAPI(site.APIKey))
	if err != nil {
		c.logger.Warn("mailchimp metadata fetch failed",
			"site", site.ID,
			"call", call,
			"list_id", listID,
			"error", err,
		)
		metrics.IncMailchimpRequest(call, "error")
		if errors.Is(err, ErrNoAPIKey) {
			return []T{}, ErrNoAPIKey
		}
		return []T{}, &FetchError{Call: call, ListID: listID, Err: err}
	}
	metrics.IncMailchimpRequest(call, "ok")

	if items == nil {
		items = []T{}
	}

	data, err := json.Marshal(items)
	if err == nil {
		if err := c.store.Set(ctx, key, data); err != nil {
			c.logger.Warn("metadata cache write failed", "key", key, "error", err)
		}
	}

	return items, nil
}
