// Package backend declares the remote capabilities the synchronizer consumes:
// identity, record store and change feed. Implementations live in the
// memory, redis and supabase subpackages.
package backend

import (
	"context"
	"strings"

	"github.com/MrSnakeDoc/marks/internal/domain"
)

// Identity resolves and manages the signed-in principal.
type Identity interface {
	// CurrentPrincipal returns nil, nil when the token carries no principal.
	CurrentPrincipal(ctx context.Context, accessToken string) (*domain.Principal, error)
	SignIn(ctx context.Context, provider string) (domain.Redirect, error)
	Exchange(ctx context.Context, code, verifier string) (domain.Credentials, error)
	Refresh(ctx context.Context, refreshToken string) (domain.Credentials, error)
	SignOut(ctx context.Context, accessToken string) error
}

// Records is the bookmark table.
type Records interface {
	Select(ctx context.Context, f Filter, o Order) ([]domain.Bookmark, error)
	Insert(ctx context.Context, b domain.NewBookmark) error
	// Delete removes every row matching f. Matching nothing is not an error.
	Delete(ctx context.Context, f Filter) error
}

// Changes is the change feed on the bookmark table.
type Changes interface {
	// Subscribe delivers matching events to fn until the subscription is closed
	// or fails. fn runs on the feed's goroutine and must not block.
	Subscribe(ctx context.Context, on Eq, mask EventMask, fn func(Event)) (Subscription, error)
}

// Subscription is an open change feed.
type Subscription interface {
	// Done is closed once delivery has stopped, whether by Close or by failure.
	Done() <-chan struct{}
	// Err reports why delivery stopped; nil after a plain Close.
	Err() error
	Close() error
}

// Binder opens record and feed handles on behalf of one signed-in browser session.
// Backends that authorize per user (Supabase row level security) need the token;
// the others ignore it.
type Binder interface {
	Records(accessToken string) Records
	Changes(accessToken string) Changes
}

// ─────────────────────────────────────────────────────────────────
// Query vocabulary
// ─────────────────────────────────────────────────────────────────

// Eq is a column equality predicate.
type Eq struct {
	Column string
	Value  string
}

// String renders the predicate in PostgREST / realtime filter syntax.
func (e Eq) String() string { return e.Column + "=eq." + e.Value }

// Filter is a conjunction of equality predicates.
type Filter []Eq

// Where starts a filter.
func Where(column, value string) Filter { return Filter{{Column: column, Value: value}} }

// And appends a predicate.
func (f Filter) And(column, value string) Filter {
	return append(append(Filter(nil), f...), Eq{Column: column, Value: value})
}

// Value returns the value required for column, if any.
func (f Filter) Value(column string) (string, bool) {
	for _, e := range f {
		if e.Column == column {
			return e.Value, true
		}
	}
	return "", false
}

// Match reports whether the row columns satisfy every predicate.
func (f Filter) Match(cols map[string]string) bool {
	for _, e := range f {
		if cols[e.Column] != e.Value {
			return false
		}
	}
	return true
}

func (f Filter) String() string {
	parts := make([]string, len(f))
	for i, e := range f {
		parts[i] = e.String()
	}
	return strings.Join(parts, "&")
}

// Order is a single-column sort.
type Order struct {
	Column     string
	Descending bool
}

// NewestFirst is the list order every caller uses.
var NewestFirst = Order{Column: domain.ColumnCreatedAt, Descending: true}

// BookmarkColumns flattens a bookmark for Filter.Match.
func BookmarkColumns(b domain.Bookmark) map[string]string {
	return map[string]string{
		domain.ColumnID:    b.ID,
		domain.ColumnTitle: b.Title,
		domain.ColumnURL:   b.URL,
		domain.ColumnOwner: b.Owner,
	}
}

// ─────────────────────────────────────────────────────────────────
// Change events
// ─────────────────────────────────────────────────────────────────

// EventType is the kind of row change.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// EventMask selects which event types a subscription receives.
type EventMask uint8

const (
	MaskInsert EventMask = 1 << iota
	MaskUpdate
	MaskDelete

	MaskAll = MaskInsert | MaskUpdate | MaskDelete
)

// Has reports whether t is selected.
func (m EventMask) Has(t EventType) bool {
	switch t {
	case EventInsert:
		return m&MaskInsert != 0
	case EventUpdate:
		return m&MaskUpdate != 0
	case EventDelete:
		return m&MaskDelete != 0
	}
	return false
}

// Wire renders the mask the way Supabase realtime expects it.
func (m EventMask) Wire() string {
	switch m {
	case MaskInsert:
		return string(EventInsert)
	case MaskUpdate:
		return string(EventUpdate)
	case MaskDelete:
		return string(EventDelete)
	}
	return "*"
}

// Event is one change notification. Only Type and ID are guaranteed; the
// synchronizer re-fetches instead of patching, so payloads are informational.
type Event struct {
	Type EventType
	ID   string
}

// Pinger is implemented by backends that can report reachability for /readyz.
type Pinger interface {
	Ping(ctx context.Context) error
}
