package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorIsKind(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("refresh: %w", Wrap(KindFetch, "select", cause))

	if !errors.Is(err, FetchError) {
		t.Error("errors.Is(err, FetchError) = false, want true")
	}
	if errors.Is(err, WriteError) {
		t.Error("errors.Is(err, WriteError) = true, want false")
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false, want true")
	}
	if KindOf(err) != KindFetch {
		t.Errorf("KindOf() = %q, want %q", KindOf(err), KindFetch)
	}
}

func TestWrap(t *testing.T) {
	if Wrap(KindWrite, "insert", nil) != nil {
		t.Error("Wrap(nil) should be nil")
	}

	inner := Wrap(KindDecode, "bookmarks", errors.New("bad row"))
	outer := Wrap(KindFetch, "select", inner)
	if !errors.Is(outer, FetchError) || !errors.Is(outer, DecodeError) {
		t.Errorf("fetch error wrapping a decode error should match both kinds: %v", outer)
	}

	same := Wrap(KindFetch, "again", outer)
	if same != outer {
		t.Error("Wrap() should not double-wrap the same kind")
	}
}

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		err  *Error
		want string
	}{
		{err: &Error{Kind: KindWrite, Op: "insert", Err: errors.New("denied")}, want: "write error (insert): denied"},
		{err: &Error{Kind: KindIdentity, Err: errors.New("expired")}, want: "identity error: expired"},
		{err: &Error{Kind: KindSubscription, Op: "join"}, want: "subscription error (join)"},
		{err: &Error{Kind: KindDecode}, want: "decode error"},
	}

	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}
