package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNoSession       = errors.New("no active session")
	ErrUnauthenticated = errors.New("not signed in")
	ErrClosed          = errors.New("synchronizer closed")
)

// Kind classifies failures at the capability boundary.
type Kind string

const (
	KindIdentity     Kind = "identity"
	KindFetch        Kind = "fetch"
	KindWrite        Kind = "write"
	KindSubscription Kind = "subscription"
	KindDecode       Kind = "decode"
)

// Kind sentinels, usable with errors.Is.
var (
	IdentityError     = &Error{Kind: KindIdentity}
	FetchError        = &Error{Kind: KindFetch}
	WriteError        = &Error{Kind: KindWrite}
	SubscriptionError = &Error{Kind: KindSubscription}
	DecodeError       = &Error{Kind: KindDecode}
)

// Error is a classified failure. Op names the operation ("select", "insert", ...).
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s error (%s): %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s error (%s)", e.Kind, e.Op)
	default:
		return fmt.Sprintf("%s error", e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so errors.Is(err, domain.FetchError) works
// regardless of Op and cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op) && t.Err == nil
}

// Wrap classifies err. A nil err stays nil; an err that already carries the same
// kind is returned as is.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) && de.Kind == kind {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the outermost kind in err's chain, or "" when unclassified.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}
