package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/MrSnakeDoc/marks/internal/backend"
	"github.com/MrSnakeDoc/marks/internal/domain"
)

func seeded(t *testing.T) *Store {
	t.Helper()
	s := NewStore(clockwork.NewFakeClockAt(time.Date(2025, 1, 1, 0, 0, 10, 0, time.UTC)))
	s.Put(domain.Bookmark{ID: "b1", Title: "B1", URL: "http://b1", Owner: "alice", CreatedAt: time.Date(2025, 1, 1, 0, 0, 3, 0, time.UTC)})
	s.Put(domain.Bookmark{ID: "b2", Title: "B2", URL: "http://b2", Owner: "alice", CreatedAt: time.Date(2025, 1, 1, 0, 0, 1, 0, time.UTC)})
	s.Put(domain.Bookmark{ID: "x1", Title: "X1", URL: "http://x1", Owner: "bob", CreatedAt: time.Date(2025, 1, 1, 0, 0, 5, 0, time.UTC)})
	return s
}

func ids(bs []domain.Bookmark) []string {
	out := make([]string, len(bs))
	for i, b := range bs {
		out[i] = b.ID
	}
	return out
}

func TestNewStore(t *testing.T) {
	s := NewStore(nil)
	if s == nil {
		t.Fatal("NewStore() returned nil")
	}
	if s.Count() != 0 {
		t.Errorf("NewStore() should start empty, got %d", s.Count())
	}
}

func TestSelectFiltersByOwnerNewestFirst(t *testing.T) {
	s := seeded(t)

	got, err := s.Select(context.Background(), backend.Where(domain.ColumnOwner, "alice"), backend.NewestFirst)
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	want := []string{"b1", "b2"}
	if g := ids(got); len(g) != 2 || g[0] != want[0] || g[1] != want[1] {
		t.Errorf("Select() = %v, want %v", g, want)
	}
}

func TestInsertAssignsIDAndTimestamp(t *testing.T) {
	s := seeded(t)
	s.SetIDFunc(func() string { return "b3" })

	if err := s.Insert(context.Background(), domain.NewBookmark{Title: "X", URL: "http://x", Owner: "alice"}); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	got, _ := s.Select(context.Background(), backend.Where(domain.ColumnOwner, "alice"), backend.NewestFirst)
	if g := ids(got); len(g) != 3 || g[0] != "b3" {
		t.Fatalf("Select() after insert = %v, want b3 first", g)
	}
	if got[0].Owner != "alice" {
		t.Errorf("inserted owner = %s, want alice", got[0].Owner)
	}
}

func TestDeleteMissingIsNoop(t *testing.T) {
	s := seeded(t)

	if err := s.Delete(context.Background(), backend.Where(domain.ColumnID, "nope")); err != nil {
		t.Fatalf("Delete() of missing id error = %v", err)
	}
	if s.Count() != 3 {
		t.Errorf("Count() = %d, want 3", s.Count())
	}
}

func TestDeleteScopedToOwner(t *testing.T) {
	s := seeded(t)

	f := backend.Where(domain.ColumnID, "x1").And(domain.ColumnOwner, "alice")
	if err := s.Delete(context.Background(), f); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if s.Count() != 3 {
		t.Error("Delete() must not remove a row owned by someone else")
	}
}

func TestFailNext(t *testing.T) {
	s := seeded(t)
	boom := errors.New("boom")

	s.FailNext("insert", boom)
	if err := s.Insert(context.Background(), domain.NewBookmark{Title: "t", URL: "u", Owner: "alice"}); !errors.Is(err, boom) {
		t.Errorf("Insert() error = %v, want %v", err, boom)
	}

	s.FailNext("insert", nil)
	if err := s.Insert(context.Background(), domain.NewBookmark{Title: "t", URL: "u", Owner: "alice"}); err != nil {
		t.Errorf("Insert() after clearing failure error = %v", err)
	}
}

func TestSubscribeReceivesOwnerEvents(t *testing.T) {
	s := seeded(t)

	var mu sync.Mutex
	var got []backend.Event
	sub, err := s.Subscribe(context.Background(), backend.Eq{Column: domain.ColumnOwner, Value: "alice"}, backend.MaskAll, func(ev backend.Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Close()

	_ = s.Insert(context.Background(), domain.NewBookmark{Title: "t", URL: "u", Owner: "bob"})
	_ = s.Delete(context.Background(), backend.Where(domain.ColumnID, "b1"))

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= 1 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("got %d events, want 1 (bob's insert must be filtered out)", len(got))
	}
	if got[0].Type != backend.EventDelete || got[0].ID != "b1" {
		t.Errorf("event = %+v, want DELETE b1", got[0])
	}
}

func TestSubscriptionCloseAndDrop(t *testing.T) {
	s := NewStore(nil)
	noop := func(backend.Event) {}
	on := backend.Eq{Column: domain.ColumnOwner, Value: "alice"}

	a, _ := s.Subscribe(context.Background(), on, backend.MaskAll, noop)
	b, _ := s.Subscribe(context.Background(), on, backend.MaskAll, noop)
	if s.Subscribers() != 2 {
		t.Fatalf("Subscribers() = %d, want 2", s.Subscribers())
	}

	_ = a.Close()
	<-a.Done()
	if a.Err() != nil {
		t.Errorf("Err() after Close = %v, want nil", a.Err())
	}
	_ = a.Close() // idempotent

	s.DropSubscriptions()
	<-b.Done()
	if b.Err() == nil {
		t.Error("Err() after drop should be non-nil")
	}
	if s.Subscribers() != 0 {
		t.Errorf("Subscribers() = %d, want 0", s.Subscribers())
	}
}
