package domain

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Column names shared by every record backend.
const (
	ColumnID        = "id"
	ColumnTitle     = "title"
	ColumnURL       = "url"
	ColumnOwner     = "user_id"
	ColumnCreatedAt = "created_at"
)

// ErrInvalidDraft is wrapped by every draft validation failure.
var ErrInvalidDraft = errors.New("invalid bookmark")

var (
	ErrEmptyTitle = fmt.Errorf("%w: title is required", ErrInvalidDraft)
	ErrEmptyURL   = fmt.Errorf("%w: url is required", ErrInvalidDraft)
	ErrURLScheme  = fmt.Errorf("%w: url must be an absolute http or https link", ErrInvalidDraft)
)

// Bookmark is a stored bookmark record.
// Bookmarks are created and deleted, never edited in place.
type Bookmark struct {
	// ─────────────────────────────
	// Identity (store-assigned)
	// ─────────────────────────────

	// ID is unique within the store. Supabase hands out int8 or uuid
	// values depending on the table definition; both are kept as text.
	ID string `json:"id"`

	// ─────────────────────────────
	// Content
	// ─────────────────────────────

	Title string `json:"title"`
	URL   string `json:"url"`

	// ─────────────────────────────
	// Ownership & metadata
	// ─────────────────────────────

	// Owner is the principal ID the record belongs to.
	Owner string `json:"user_id"`

	// CreatedAt drives list ordering (newest first).
	CreatedAt time.Time `json:"created_at"`
}

// Draft is the add-form input before validation.
type Draft struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Normalize trims surrounding whitespace from both fields.
func (d Draft) Normalize() Draft {
	return Draft{
		Title: strings.TrimSpace(d.Title),
		URL:   strings.TrimSpace(d.URL),
	}
}

// Validate reports why a draft cannot be written.
func (d Draft) Validate() error {
	n := d.Normalize()
	if n.Title == "" {
		return ErrEmptyTitle
	}
	if n.URL == "" {
		return ErrEmptyURL
	}
	if !webURL(n.URL) {
		return ErrURLScheme
	}
	return nil
}

// webURL reports whether raw is an absolute http(s) URL with a host.
func webURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return true
	}
	return false
}

// NewBookmark is a validated create request, tagged with its owner.
type NewBookmark struct {
	Title string `json:"title"`
	URL   string `json:"url"`
	Owner string `json:"user_id"`
}

// NewBookmarkFor validates d and tags it with owner.
func NewBookmarkFor(owner string, d Draft) (NewBookmark, error) {
	if owner == "" {
		return NewBookmark{}, ErrNoSession
	}
	if err := d.Validate(); err != nil {
		return NewBookmark{}, err
	}
	n := d.Normalize()
	return NewBookmark{Title: n.Title, URL: n.URL, Owner: owner}, nil
}

// SortNewestFirst orders bookmarks by CreatedAt descending, ties by ID descending.
// Duplicate IDs are collapsed, keeping the first occurrence.
func SortNewestFirst(in []Bookmark) []Bookmark {
	out := make([]Bookmark, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, b := range in {
		if _, dup := seen[b.ID]; dup {
			continue
		}
		seen[b.ID] = struct{}{}
		out = append(out, b)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}
