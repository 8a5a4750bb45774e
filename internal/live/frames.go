package live

import (
	"errors"

	"github.com/MrSnakeDoc/marks/internal/domain"
	"github.com/MrSnakeDoc/marks/internal/synchronizer"
)

// Frame types.
const (
	// server -> client
	TypeState    = "state"
	TypeAck      = "ack"
	TypeError    = "error"
	TypeRedirect = "redirect"

	// client -> server
	TypeAdd     = "add"
	TypeDelete  = "delete"
	TypeRefresh = "refresh"
	TypeLogin   = "login"
)

// Error kinds that are not remote failures.
const (
	KindValidation = "validation"
	KindSession    = "session"
	KindProtocol   = "protocol"
	KindInternal   = "internal"
)

type stateFrame struct {
	Type string `json:"type"`
	synchronizer.State
}

type ackFrame struct {
	Type string `json:"type"`
	Op   string `json:"op"`
	Ref  string `json:"ref,omitempty"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Op      string `json:"op"`
	Ref     string `json:"ref,omitempty"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type redirectFrame struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// clientFrame is every client -> server frame; unused fields stay empty.
type clientFrame struct {
	Type     string `json:"type"`
	Ref      string `json:"ref"`
	Title    string `json:"title"`
	URL      string `json:"url"`
	ID       string `json:"id"`
	Provider string `json:"provider"`
}

// ErrorKind names err for clients.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidDraft):
		return KindValidation
	case errors.Is(err, domain.ErrNoSession), errors.Is(err, domain.ErrUnauthenticated), errors.Is(err, domain.ErrClosed):
		return KindSession
	}
	if k := domain.KindOf(err); k != "" {
		return string(k)
	}
	return KindInternal
}
