package supabase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/supabase-community/postgrest-go"
	supa "github.com/supabase-community/supabase-go"

	"github.com/MrSnakeDoc/marks/internal/backend"
	"github.com/MrSnakeDoc/marks/internal/domain"
)

const selectColumns = "id,title,url,user_id,created_at"

var errUnfilteredDelete = errors.New("refusing to delete without a filter")

// Records is the PostgREST view of the bookmark table for one caller.
type Records struct {
	b      *Backend
	apiKey string
	token  string // empty means the api key itself is the bearer

	once   sync.Once
	client *supa.Client
	err    error
}

var _ backend.Records = (*Records)(nil)

func (r *Records) rest() (*supa.Client, error) {
	r.once.Do(func() {
		opts := &supa.ClientOptions{Schema: r.b.cfg.Schema}
		if r.token != "" {
			opts.Headers = map[string]string{"Authorization": "Bearer " + r.token}
		}
		r.client, r.err = supa.NewClient(r.b.cfg.URL, r.apiKey, opts)
	})
	return r.client, r.err
}

func (r *Records) Select(ctx context.Context, f backend.Filter, o backend.Order) ([]domain.Bookmark, error) {
	raw, err := r.execute(ctx, "select", func(c *supa.Client) *postgrest.FilterBuilder {
		q := c.From(r.b.cfg.Table).Select(selectColumns, "", false)
		for _, e := range f {
			q = q.Eq(e.Column, e.Value)
		}
		if o.Column != "" {
			q = q.Order(o.Column, &postgrest.OrderOpts{Ascending: !o.Descending})
		}
		return q
	})
	if err != nil {
		return nil, err
	}
	return domain.DecodeBookmarks(raw)
}

func (r *Records) Insert(ctx context.Context, nb domain.NewBookmark) error {
	_, err := r.execute(ctx, "insert", func(c *supa.Client) *postgrest.FilterBuilder {
		return c.From(r.b.cfg.Table).Insert(nb, false, "", "minimal", "")
	})
	return err
}

func (r *Records) Delete(ctx context.Context, f backend.Filter) error {
	if len(f) == 0 {
		return errUnfilteredDelete
	}
	_, err := r.execute(ctx, "delete", func(c *supa.Client) *postgrest.FilterBuilder {
		q := c.From(r.b.cfg.Table).Delete("minimal", "")
		for _, e := range f {
			q = q.Eq(e.Column, e.Value)
		}
		return q
	})
	return err
}

// execute runs one PostgREST request through the circuit breaker.
func (r *Records) execute(ctx context.Context, op string, build func(*supa.Client) *postgrest.FilterBuilder) ([]byte, error) {
	c, err := r.rest()
	if err != nil {
		return nil, fmt.Errorf("supabase client: %w", err)
	}

	var raw []byte
	err = await(ctx, func() error {
		out, err := r.b.breaker.Execute(func() (interface{}, error) {
			data, _, err := build(c).Execute()
			return data, err
		})
		if err != nil {
			return err
		}
		raw, _ = out.([]byte)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgrest %s %s: %w", op, r.b.cfg.Table, err)
	}
	return raw, nil
}

// isClientError reports whether PostgREST rejected the request itself
// (permissions, constraint or syntax) rather than failing to serve it.
// Such answers do not count against the circuit breaker.
func isClientError(err error) bool {
	msg := err.Error()
	for _, code := range []string{"(42501)", "(PGRST", "(22", "(23"} {
		if strings.Contains(msg, code) {
			return true
		}
	}
	return strings.Contains(msg, "row-level security")
}
