package page

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/listsync/internal/mailchimp"
)

var (
	bucketPages       = []byte("pages")
	bucketSubmissions = []byte("submissions")
)

// Store persists pages and submissions in BoltDB
type Store struct {
	db  *bolt.DB
	now func() time.Time
}

// NewStore creates a page store using the provided BoltDB instance
func NewStore(db *bolt.DB) (*Store, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketPages, bucketSubmissions} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Store{db: db, now: time.Now}, nil
}

// Save creates or replaces a page. A missing ID is generated; the mapping
// blobs and creation time of an existing page are preserved.
func (s *Store) Save(ctx context.Context, p *Page) error {
	p.Normalize()
	if err := p.Validate(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketPages)
		now := s.now().UTC()

		if p.ID == "" {
			p.ID = uuid.New().String()
		}

		if data := bucket.Get([]byte(p.ID)); data != nil {
			var existing Page
			if err := json.Unmarshal(data, &existing); err == nil {
				p.CreatedAt = existing.CreatedAt
				if p.MergeFieldsMapping == "" {
					p.MergeFieldsMapping = existing.MergeFieldsMapping
					p.InterestCategories = existing.InterestCategories
					p.MergeFieldTypes = existing.MergeFieldTypes
				}
			}
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		p.UpdatedAt = now

		return putPage(bucket, p)
	})
}

func putPage(bucket *bolt.Bucket, p *Page) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal page: %w", err)
	}
	if err := bucket.Put([]byte(p.ID), data); err != nil {
		return fmt.Errorf("failed to store page: %w", err)
	}
	return nil
}

// Get retrieves a page by ID. Returns nil, nil if it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*Page, error) {
	var p *Page

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPages).Get([]byte(id))
		if data == nil {
			return nil
		}
		p = &Page{}
		return json.Unmarshal(data, p)
	})

	return p, err
}

// FindBySlug returns the page of a site with the given slug, or nil
func (s *Store) FindBySlug(ctx context.Context, siteID, slug string) (*Page, error) {
	if slug == "" {
		return nil, nil
	}

	var found *Page
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPages).ForEach(func(k, v []byte) error {
			var p Page
			if err := json.Unmarshal(v, &p); err != nil {
				return nil
			}
			if p.SiteID == siteID && p.Slug == slug {
				found = &p
			}
			return nil
		})
	})

	return found, err
}

// List returns pages matching the filter ordered by ID
func (s *Store) List(ctx context.Context, filter ListFilter) ([]*Page, error) {
	var pages []*Page

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketPages).Cursor()

		count := 0
		skipped := 0

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var p Page
			if err := json.Unmarshal(v, &p); err != nil {
				continue
			}

			if filter.SiteID != "" && p.SiteID != filter.SiteID {
				continue
			}
			if filter.Kind != "" && p.Kind != filter.Kind {
				continue
			}

			if skipped < filter.Offset {
				skipped++
				continue
			}

			pages = append(pages, &p)
			count++

			if filter.Limit > 0 && count >= filter.Limit {
				break
			}
		}

		return nil
	})

	return pages, err
}

// Delete removes a page together with its mapping and submissions
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		pages := tx.Bucket(bucketPages)
		if pages.Get([]byte(id)) == nil {
			return ErrNotFound
		}

		subs := tx.Bucket(bucketSubmissions)
		prefix := submissionPrefix(id)
		c := subs.Cursor()
		var toDelete [][]byte
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			toDelete = append(toDelete, append([]byte{}, k...))
		}
		for _, k := range toDelete {
			if err := subs.Delete(k); err != nil {
				return err
			}
		}

		return pages.Delete([]byte(id))
	})
}

// SaveMapping stores the merge-field mapping, the merge types and the
// interest category snapshot on the page
func (s *Store) SaveMapping(ctx context.Context, pageID string, fields, types map[string]string, categories []mailchimp.InterestCategory) error {
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to marshal mapping: %w", err)
	}
	typesJSON, err := json.Marshal(types)
	if err != nil {
		return fmt.Errorf("failed to marshal merge types: %w", err)
	}
	if categories == nil {
		categories = []mailchimp.InterestCategory{}
	}
	catsJSON, err := json.Marshal(categories)
	if err != nil {
		return fmt.Errorf("failed to marshal interest categories: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketPages)
		data := bucket.Get([]byte(pageID))
		if data == nil {
			return ErrNotFound
		}

		var p Page
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("failed to unmarshal page: %w", err)
		}

		p.MergeFieldsMapping = string(fieldsJSON)
		p.MergeFieldTypes = string(typesJSON)
		p.InterestCategories = string(catsJSON)
		p.UpdatedAt = s.now().UTC()

		return putPage(bucket, &p)
	})
}

// LoadMapping returns the page's mapping, or nil when no usable mapping is stored
func (s *Store) LoadMapping(ctx context.Context, pageID string) (*FieldMapping, error) {
	p, err := s.Get(ctx, pageID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrNotFound
	}

	m := p.Mapping()
	if !m.Usable() {
		return nil, nil
	}
	return m, nil
}

func submissionPrefix(pageID string) []byte {
	return []byte(pageID + "/")
}

func submissionKey(sub *Submission) []byte {
	return []byte(sub.PageID + "/" + sub.CreatedAt.UTC().Format(time.RFC3339Nano) + "/" + sub.ID)
}

// AddSubmission stores a form submission
func (s *Store) AddSubmission(ctx context.Context, sub *Submission) error {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = s.now().UTC()
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketPages).Get([]byte(sub.PageID)) == nil {
			return ErrNotFound
		}

		data, err := json.Marshal(sub)
		if err != nil {
			return fmt.Errorf("failed to marshal submission: %w", err)
		}
		return tx.Bucket(bucketSubmissions).Put(submissionKey(sub), data)
	})
}

// ListSubmissions returns a page's submissions, newest first
func (s *Store) ListSubmissions(ctx context.Context, pageID string, limit, offset int) ([]*Submission, error) {
	var subs []*Submission
	prefix := submissionPrefix(pageID)

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSubmissions).Cursor()

		// Position after the last key carrying the prefix
		k, v := c.Seek(append(append([]byte{}, prefix...), 0xFF))
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}

		count := 0
		skipped := 0
		for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Prev() {
			if skipped < offset {
				skipped++
				continue
			}

			var sub Submission
			if err := json.Unmarshal(v, &sub); err != nil {
				continue
			}
			subs = append(subs, &sub)
			count++

			if limit > 0 && count >= limit {
				break
			}
		}
		return nil
	})

	return subs, err
}
