// Package mailchimp is a small client for the parts of the Mailchimp
// Marketing API v3 used by listsync: ping, audiences, merge fields,
// interest categories, interests and adding list members.
package mailchimp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Default field sets requested from the API
const (
	ListFields        = "lists.id,lists.name"
	MergeFieldFields  = "merge_fields.merge_id,merge_fields.tag,merge_fields.name,merge_fields.type,merge_fields.required,merge_fields.public,merge_fields.display_order,merge_fields.options,merge_fields.help_text"
	CategoryFields    = "categories.id,categories.title,categories.type,categories.display_order"
	InterestFields    = "interests.id,interests.name,interests.display_order"
	defaultPageSize   = 1000
	defaultAPIVersion = "3.0"
)

// Client is a Mailchimp API client bound to one API key
type Client struct {
	apiKey     string
	baseURL    string
	httpClient HTTPDoer
	pageSize   int
	logger     *slog.Logger
}

// Options configures a Client
type Options struct {
	// BaseURL overrides the data-center URL derived from the API key
	BaseURL    string
	HTTPClient HTTPDoer
	Timeout    time.Duration
	MaxRetries int
	PageSize   int
	Logger     *slog.Logger
}

// NewClient creates a client for apiKey. An empty key yields a client whose
// calls fail with ErrNoAPIKey.
func NewClient(apiKey string, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = NewRetryDoer(&http.Client{Timeout: opts.Timeout}, opts.MaxRetries, opts.Logger)
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = BaseURLForKey(apiKey)
	}

	return &Client{
		apiKey:     strings.TrimSpace(apiKey),
		baseURL:    baseURL,
		httpClient: httpClient,
		pageSize:   opts.PageSize,
		logger:     opts.Logger,
	}
}

// BaseURLForKey returns the API root for the data center encoded in the key
// suffix, e.g. "abc123-us6" -> https://us6.api.mailchimp.com/3.0
func BaseURLForKey(apiKey string) string {
	dc := "us1"
	if i := strings.LastIndex(apiKey, "-"); i >= 0 && i < len(apiKey)-1 {
		dc = apiKey[i+1:]
	}
	return fmt.Sprintf("https://%s.api.mailchimp.com/%s", dc, defaultAPIVersion)
}

// request performs an authenticated request and decodes the JSON response into result
func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any, result any) error {
	if c.apiKey == "" {
		return ErrNoAPIKey
	}

	var reqBody io.Reader
	var raw []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		raw = data
		reqBody = bytes.NewReader(data)
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if raw != nil {
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(raw)), nil
		}
	}

	req.SetBasicAuth("listsync", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Title == "" {
			apiErr.Title = http.StatusText(resp.StatusCode)
			apiErr.Detail = strings.TrimSpace(string(data))
		}
		apiErr.Status = resp.StatusCode
		return apiErr
	}

	if result != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

// Ping checks that the API key is valid
func (c *Client) Ping(ctx context.Context) (*PingResponse, error) {
	var resp PingResponse
	if err := c.request(ctx, http.MethodGet, "/ping", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Lists returns all audiences of the account
func (c *Client) Lists(ctx context.Context, fields string) ([]List, error) {
	var all []List
	err := c.paginate(ctx, "/lists", fields, func(offset int, query url.Values) (int, int, error) {
		var page listsResponse
		if err := c.request(ctx, http.MethodGet, "/lists", query, nil, &page); err != nil {
			return 0, 0, err
		}
		all = append(all, page.Lists...)
		return len(page.Lists), page.TotalItems, nil
	})
	return all, err
}

// MergeFields returns all merge fields of an audience
func (c *Client) MergeFields(ctx context.Context, listID, fields string) ([]MergeField, error) {
	path := "/lists/" + url.PathEscape(listID) + "/merge-fields"
	var all []MergeField
	err := c.paginate(ctx, path, fields, func(offset int, query url.Values) (int, int, error) {
		var page mergeFieldsResponse
		if err := c.request(ctx, http.MethodGet, path, query, nil, &page); err != nil {
			return 0, 0, err
		}
		all = append(all, page.MergeFields...)
		return len(page.MergeFields), page.TotalItems, nil
	})
	return all, err
}

// InterestCategories returns the interest categories of an audience, without interests
func (c *Client) InterestCategories(ctx context.Context, listID, fields string) ([]InterestCategory, error) {
	path := "/lists/" + url.PathEscape(listID) + "/interest-categories"
	var all []InterestCategory
	err := c.paginate(ctx, path, fields, func(offset int, query url.Values) (int, int, error) {
		var page categoriesResponse
		if err := c.request(ctx, http.MethodGet, path, query, nil, &page); err != nil {
			return 0, 0, err
		}
		all = append(all, page.Categories...)
		return len(page.Categories), page.TotalItems, nil
	})
	return all, err
}

// Interests returns the interests of one category
func (c *Client) Interests(ctx context.Context, listID, categoryID, fields string) ([]Interest, error) {
	path := "/lists/" + url.PathEscape(listID) + "/interest-categories/" + url.PathEscape(categoryID) + "/interests"
	var all []Interest
	err := c.paginate(ctx, path, fields, func(offset int, query url.Values) (int, int, error) {
		var page interestsResponse
		if err := c.request(ctx, http.MethodGet, path, query, nil, &page); err != nil {
			return 0, 0, err
		}
		all = append(all, page.Interests...)
		return len(page.Interests), page.TotalItems, nil
	})
	return all, err
}

// AddMember adds a subscriber to an audience. payload is sent verbatim.
func (c *Client) AddMember(ctx context.Context, listID string, payload any) (*Member, error) {
	var member Member
	path := "/lists/" + url.PathEscape(listID) + "/members"
	if err := c.request(ctx, http.MethodPost, path, nil, payload, &member); err != nil {
		return nil, err
	}
	c.logger.Debug("member added", "list_id", listID, "member_id", member.ID)
	return &member, nil
}

// paginate walks count/offset pages until total_items is reached
func (c *Client) paginate(ctx context.Context, path, fields string, fetch func(offset int, query url.Values) (int, int, error)) error {
	offset := 0
	for {
		query := url.Values{}
		query.Set("count", strconv.Itoa(c.pageSize))
		query.Set("offset", strconv.Itoa(offset))
		if fields != "" {
			query.Set("fields", fields+",total_items")
		}

		n, total, err := fetch(offset, query)
		if err != nil {
			return err
		}
		offset += n
		if n == 0 || offset >= total {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		c.logger.Debug("fetching next page", "path", path, "offset", offset, "total", total)
	}
}
