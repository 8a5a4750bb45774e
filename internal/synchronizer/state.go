package synchronizer

import (
	"errors"
	"fmt"

	"github.com/MrSnakeDoc/marks/internal/domain"
)

// Status is the synchronizer's position in the sign-in lifecycle.
type Status int

const (
	Unauthenticated Status = iota
	Authenticating
	Loading // signed in, first fetch not applied yet
	Ready
)

func (s Status) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticating:
		return "authenticating"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Notice is the user-visible trace of the last remote failure.
type Notice struct {
	Kind    domain.Kind `json:"kind"`
	Op      string      `json:"op,omitempty"`
	Message string      `json:"message"`
}

func noticeFor(err error) *Notice {
	n := &Notice{Kind: domain.KindOf(err), Message: err.Error()}
	var de *domain.Error
	if errors.As(err, &de) {
		n.Op = de.Op
	}
	return n
}

// State is everything a browser tab renders. It only changes through reduce.
type State struct {
	Status    Status            `json:"state"`
	Principal *domain.Principal `json:"principal"`
	Bookmarks []domain.Bookmark `json:"bookmarks"`
	Notice    *Notice           `json:"notice,omitempty"`
	Live      bool              `json:"live"` // change feed attached
	Version   uint64            `json:"version"`

	epoch      uint64 // bumped on every session change
	appliedSeq uint64 // last fetch sequence applied within epoch
}

// clone copies the bookmark slice so snapshots never alias reducer state.
func (s State) clone() State {
	out := s
	out.Bookmarks = append([]domain.Bookmark(nil), s.Bookmarks...)
	if s.Principal != nil {
		p := *s.Principal
		out.Principal = &p
	}
	return out
}

// ─────────────────────────────────────────────────────────────────
// Actions
// ─────────────────────────────────────────────────────────────────

type action interface{ isAction() }

type (
	// actSignedIn starts a new session epoch for principal. It is dropped when
	// the session changed since epoch was read.
	actSignedIn struct {
		epoch     uint64
		principal domain.Principal
	}

	// actSignedOut clears the session. err is the remote sign-out failure, if any.
	actSignedOut struct{ err error }

	// actIdentityFailed records a failed identity check; there is no session.
	actIdentityFailed struct {
		epoch uint64
		err   error
	}

	actAuthenticating struct{}

	actFetched struct {
		epoch     uint64
		seq       uint64
		bookmarks []domain.Bookmark
	}

	// actFailed records a fetch or write failure for epoch.
	actFailed struct {
		epoch uint64
		err   error
	}

	actWrote struct{ epoch uint64 }

	actFeed struct {
		epoch uint64
		up    bool
		err   error
	}
)

func (actSignedIn) isAction()       {}
func (actSignedOut) isAction()      {}
func (actIdentityFailed) isAction() {}
func (actAuthenticating) isAction() {}
func (actFetched) isAction()        {}
func (actFailed) isAction()         {}
func (actWrote) isAction()          {}
func (actFeed) isAction()           {}

// reduce is the only place State changes. It reports false when a is stale or
// changes nothing; Version is left to the caller.
func reduce(s State, a action) (State, bool) {
	switch a := a.(type) {
	case actSignedIn:
		if a.epoch != s.epoch {
			return s, false
		}
		p := a.principal
		return State{
			Status:    Loading,
			Principal: &p,
			Bookmarks: []domain.Bookmark{},
			Version:   s.Version,
			epoch:     s.epoch + 1,
		}, true

	case actSignedOut:
		next := State{
			Status:    Unauthenticated,
			Bookmarks: []domain.Bookmark{},
			Version:   s.Version,
			epoch:     s.epoch + 1,
		}
		if a.err != nil {
			next.Notice = noticeFor(a.err)
		}
		return next, true

	case actIdentityFailed:
		if a.epoch != s.epoch {
			return s, false
		}
		return State{
			Status:    Unauthenticated,
			Bookmarks: []domain.Bookmark{},
			Notice:    noticeFor(a.err),
			Version:   s.Version,
			epoch:     s.epoch + 1,
		}, true

	case actAuthenticating:
		if s.Status != Unauthenticated {
			return s, false
		}
		s.Status = Authenticating
		return s, true

	case actFetched:
		if a.epoch != s.epoch || s.Principal == nil || a.seq <= s.appliedSeq {
			return s, false
		}
		s.Bookmarks = domain.SortNewestFirst(a.bookmarks)
		s.appliedSeq = a.seq
		s.Status = Ready
		if s.Notice != nil && (s.Notice.Kind == domain.KindFetch || s.Notice.Kind == domain.KindDecode) {
			s.Notice = nil
		}
		return s, true

	case actFailed:
		if a.epoch != s.epoch || a.err == nil {
			return s, false
		}
		s.Notice = noticeFor(a.err)
		return s, true

	case actWrote:
		if a.epoch != s.epoch || s.Notice == nil || s.Notice.Kind != domain.KindWrite {
			return s, false
		}
		s.Notice = nil
		return s, true

	case actFeed:
		if a.epoch != s.epoch || s.Principal == nil {
			return s, false
		}
		s.Live = a.up
		switch {
		case !a.up && a.err != nil:
			s.Notice = noticeFor(a.err)
		case a.up && s.Notice != nil && s.Notice.Kind == domain.KindSubscription:
			s.Notice = nil
		}
		return s, true
	}
	return s, false
}
