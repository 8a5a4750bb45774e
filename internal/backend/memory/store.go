// Package memory is an in-process backend: bookmark records, change feed and a
// development identity. It backs tests and `MARKS_BACKEND=memory` local runs.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/MrSnakeDoc/marks/internal/backend"
	"github.com/MrSnakeDoc/marks/internal/domain"
)

const subscriberBuffer = 64

var errFeedDropped = errors.New("feed dropped")

// Store keeps bookmarks in a map guarded by an RWMutex and fans out change
// events to subscribers.
type Store struct {
	mu        sync.RWMutex
	bookmarks map[string]domain.Bookmark // ID -> Bookmark
	subs      map[*subscription]struct{}
	failures  map[string]error // op -> injected error
	clock     clockwork.Clock
	newID     func() string
}

// NewStore creates an empty store. A nil clock means the wall clock.
func NewStore(clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		bookmarks: make(map[string]domain.Bookmark),
		subs:      make(map[*subscription]struct{}),
		failures:  make(map[string]error),
		clock:     clock,
		newID:     uuid.NewString,
	}
}

// Records and Changes satisfy backend.Binder; the token is not checked.
func (s *Store) Records(string) backend.Records { return s }
func (s *Store) Changes(string) backend.Changes { return s }

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// ─────────────────────────────────────────────────────────────────
// Records
// ─────────────────────────────────────────────────────────────────

func (s *Store) Select(ctx context.Context, f backend.Filter, o backend.Order) ([]domain.Bookmark, error) {
	if err := s.check(ctx, "select"); err != nil {
		return nil, err
	}

	s.mu.RLock()
	out := make([]domain.Bookmark, 0, len(s.bookmarks))
	for _, b := range s.bookmarks {
		if f.Match(backend.BookmarkColumns(b)) {
			out = append(out, b)
		}
	}
	s.mu.RUnlock()

	if o.Column == domain.ColumnCreatedAt && o.Descending {
		return domain.SortNewestFirst(out), nil
	}
	sort.SliceStable(out, func(i, j int) bool {
		if o.Descending {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) Insert(ctx context.Context, nb domain.NewBookmark) error {
	if err := s.check(ctx, "insert"); err != nil {
		return err
	}

	s.mu.Lock()
	b := domain.Bookmark{
		ID:        s.newID(),
		Title:     nb.Title,
		URL:       nb.URL,
		Owner:     nb.Owner,
		CreatedAt: s.clock.Now().UTC(),
	}
	s.bookmarks[b.ID] = b
	s.mu.Unlock()

	s.publish(b, backend.EventInsert)
	return nil
}

func (s *Store) Delete(ctx context.Context, f backend.Filter) error {
	if err := s.check(ctx, "delete"); err != nil {
		return err
	}

	var removed []domain.Bookmark
	s.mu.Lock()
	for id, b := range s.bookmarks {
		if f.Match(backend.BookmarkColumns(b)) {
			removed = append(removed, b)
			delete(s.bookmarks, id)
		}
	}
	s.mu.Unlock()

	for _, b := range removed {
		s.publish(b, backend.EventDelete)
	}
	return nil
}

// Put stores b as is (ID and CreatedAt included) and notifies subscribers.
func (s *Store) Put(b domain.Bookmark) {
	s.mu.Lock()
	s.bookmarks[b.ID] = b
	s.mu.Unlock()
	s.publish(b, backend.EventInsert)
}

// Count returns the number of stored bookmarks.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bookmarks)
}

// FailNext makes every later call of op ("select", "insert", "delete",
// "subscribe") fail with err. A nil err clears the failure.
func (s *Store) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

// SetIDFunc replaces the ID generator.
func (s *Store) SetIDFunc(fn func() string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.newID = fn
}

func (s *Store) check(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failures[op]
}

// ─────────────────────────────────────────────────────────────────
// Change feed
// ─────────────────────────────────────────────────────────────────

type subscription struct {
	store *Store
	on    backend.Eq
	mask  backend.EventMask
	ch    chan backend.Event
	done  chan struct{}

	once sync.Once
	mu   sync.Mutex
	err  error
}

func (s *Store) Subscribe(ctx context.Context, on backend.Eq, mask backend.EventMask, fn func(backend.Event)) (backend.Subscription, error) {
	if err := s.check(ctx, "subscribe"); err != nil {
		return nil, err
	}

	sub := &subscription{
		store: s,
		on:    on,
		mask:  mask,
		ch:    make(chan backend.Event, subscriberBuffer),
		done:  make(chan struct{}),
	}

	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	go func() {
		for {
			select {
			case ev := <-sub.ch:
				fn(ev)
			case <-sub.done:
				return
			}
		}
	}()

	return sub, nil
}

// Subscribers returns the number of open subscriptions.
func (s *Store) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// DropSubscriptions terminates every open subscription as if the feed had
// failed. Subscribers see Done closed and Err non-nil.
func (s *Store) DropSubscriptions() {
	s.mu.Lock()
	subs := make([]*subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.stop(errFeedDropped)
	}
}

func (s *Store) publish(b domain.Bookmark, t backend.EventType) {
	cols := backend.BookmarkColumns(b)

	s.mu.RLock()
	defer s.mu.RUnlock()
	for sub := range s.subs {
		if !sub.mask.Has(t) || cols[sub.on.Column] != sub.on.Value {
			continue
		}
		select {
		case sub.ch <- backend.Event{Type: t, ID: b.ID}:
		default:
			// Drop if receiver is slow; any later event still triggers a full re-fetch.
		}
	}
}

func (sub *subscription) Done() <-chan struct{} { return sub.done }

func (sub *subscription) Err() error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.err
}

func (sub *subscription) Close() error {
	sub.stop(nil)
	return nil
}

func (sub *subscription) stop(err error) {
	sub.once.Do(func() {
		sub.mu.Lock()
		sub.err = err
		sub.mu.Unlock()

		sub.store.mu.Lock()
		delete(sub.store.subs, sub)
		sub.store.mu.Unlock()

		close(sub.done)
	})
}
