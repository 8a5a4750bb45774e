package utils

import (
	"errors"
	"testing"

	"github.com/MrSnakeDoc/marks/internal/logger"
)

type countingCloser struct {
	calls int
	err   error
}

func (c *countingCloser) Close() error {
	c.calls++
	return c.err
}

func TestClose(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"clean", nil},
		{"failing", errors.New("broken pipe")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &countingCloser{err: tt.err}
			Close(c)
			if c.calls != 1 {
				t.Errorf("Close called %d times, want 1", c.calls)
			}

			CloseLogged(logger.Nop(), tt.name, c)
			if c.calls != 2 {
				t.Errorf("CloseLogged: Close called %d times, want 2", c.calls)
			}
		})
	}
}

func TestCloseLoggedNil(t *testing.T) {
	CloseLogged(logger.Nop(), "none", nil)
}
