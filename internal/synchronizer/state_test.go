package synchronizer

import (
	"errors"
	"testing"
	"time"

	"github.com/MrSnakeDoc/marks/internal/domain"
)

func bm(id string, sec int) domain.Bookmark {
	return domain.Bookmark{ID: id, Title: id, URL: "http://" + id, Owner: "alice", CreatedAt: time.Date(2025, 1, 1, 0, 0, sec, 0, time.UTC)}
}

func signedIn(t *testing.T) State {
	t.Helper()
	s, ok := reduce(State{}, actSignedIn{principal: domain.Principal{ID: "alice"}})
	if !ok || s.Status != Loading {
		t.Fatalf("reduce(actSignedIn) = %+v, %v", s, ok)
	}
	return s
}

func TestStatusString(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{Unauthenticated, "unauthenticated"},
		{Authenticating, "authenticating"},
		{Loading, "loading"},
		{Ready, "ready"},
		{Status(42), "status(42)"},
	}
	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("String() = %s, want %s", got, tt.want)
		}
	}
}

func TestReduceFetchedSortsAndMarksReady(t *testing.T) {
	s := signedIn(t)

	s, ok := reduce(s, actFetched{epoch: s.epoch, seq: 1, bookmarks: []domain.Bookmark{bm("b2", 1), bm("b1", 3), bm("b1", 3)}})
	if !ok {
		t.Fatal("reduce(actFetched) was discarded")
	}
	if s.Status != Ready {
		t.Errorf("Status = %v, want ready", s.Status)
	}
	if len(s.Bookmarks) != 2 || s.Bookmarks[0].ID != "b1" || s.Bookmarks[1].ID != "b2" {
		t.Errorf("Bookmarks = %+v, want [b1 b2]", s.Bookmarks)
	}
}

func TestReduceDiscardsStaleResults(t *testing.T) {
	s := signedIn(t)
	old := s.epoch

	s, _ = reduce(s, actFetched{epoch: old, seq: 2, bookmarks: []domain.Bookmark{bm("b1", 1)}})

	if _, ok := reduce(s, actFetched{epoch: old, seq: 1, bookmarks: nil}); ok {
		t.Error("an older sequence must be discarded")
	}

	out, _ := reduce(s, actSignedOut{})
	if out.Principal != nil || len(out.Bookmarks) != 0 || out.Status != Unauthenticated {
		t.Fatalf("reduce(actSignedOut) = %+v", out)
	}

	if _, ok := reduce(out, actFetched{epoch: old, seq: 3, bookmarks: []domain.Bookmark{bm("b9", 9)}}); ok {
		t.Error("a fetch from before sign-out must be discarded")
	}
	if _, ok := reduce(out, actFailed{epoch: old, err: errors.New("late")}); ok {
		t.Error("a failure from before sign-out must be discarded")
	}
}

func TestReduceDiscardsStaleIdentityReplies(t *testing.T) {
	out, _ := reduce(State{}, actSignedOut{})

	tests := []struct {
		name string
		a    action
	}{
		{"signed in", actSignedIn{epoch: 0, principal: domain.Principal{ID: "alice"}}},
		{"identity failed", actIdentityFailed{epoch: 0, err: errors.New("late")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := reduce(out, tt.a)
			if ok {
				t.Fatalf("reply read before sign-out must be discarded, got %+v", got)
			}
			if got.Principal != nil || got.Status != Unauthenticated {
				t.Errorf("state changed: %+v", got)
			}
		})
	}

	if s, ok := reduce(out, actSignedIn{epoch: out.epoch, principal: domain.Principal{ID: "alice"}}); !ok || s.Status != Loading {
		t.Errorf("current-epoch sign-in = %v, %v", s.Status, ok)
	}
}

func TestReduceNotices(t *testing.T) {
	s := signedIn(t)

	s, _ = reduce(s, actFailed{epoch: s.epoch, err: domain.Wrap(domain.KindFetch, "select", errors.New("down"))})
	if s.Notice == nil || s.Notice.Kind != domain.KindFetch || s.Notice.Op != "select" {
		t.Fatalf("Notice = %+v, want fetch/select", s.Notice)
	}
	if s.Status != Loading {
		t.Errorf("failed first fetch should stay loading, got %v", s.Status)
	}

	s, _ = reduce(s, actFetched{epoch: s.epoch, seq: 1})
	if s.Notice != nil {
		t.Errorf("successful fetch should clear a fetch notice, got %+v", s.Notice)
	}

	s, _ = reduce(s, actFeed{epoch: s.epoch, up: false, err: domain.Wrap(domain.KindSubscription, "deliver", errors.New("eof"))})
	if s.Live || s.Notice == nil || s.Notice.Kind != domain.KindSubscription {
		t.Fatalf("after feed drop: live=%v notice=%+v", s.Live, s.Notice)
	}
	s, _ = reduce(s, actFeed{epoch: s.epoch, up: true})
	if !s.Live || s.Notice != nil {
		t.Errorf("after feed recovery: live=%v notice=%+v", s.Live, s.Notice)
	}

	s, _ = reduce(s, actFailed{epoch: s.epoch, err: domain.Wrap(domain.KindWrite, "insert", errors.New("denied"))})
	s, ok := reduce(s, actWrote{epoch: s.epoch})
	if !ok || s.Notice != nil {
		t.Errorf("successful write should clear a write notice, got %+v", s.Notice)
	}
}

func TestReduceAuthenticatingOnlyFromSignedOut(t *testing.T) {
	s, ok := reduce(State{}, actAuthenticating{})
	if !ok || s.Status != Authenticating {
		t.Errorf("reduce(actAuthenticating) = %v, %v", s.Status, ok)
	}

	if _, ok := reduce(signedIn(t), actAuthenticating{}); ok {
		t.Error("a signed-in tab must not move to authenticating")
	}
}

func TestStateCloneDoesNotAlias(t *testing.T) {
	s := signedIn(t)
	s, _ = reduce(s, actFetched{epoch: s.epoch, seq: 1, bookmarks: []domain.Bookmark{bm("b1", 1)}})

	c := s.clone()
	c.Bookmarks[0].Title = "changed"
	c.Principal.ID = "mallory"

	if s.Bookmarks[0].Title != "b1" || s.Principal.ID != "alice" {
		t.Error("clone() shares memory with the original")
	}
}
