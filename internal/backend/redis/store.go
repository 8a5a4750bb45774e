// Package redis keeps bookmarks in Redis: one JSON value per bookmark, a
// sorted set per owner for ordering, and a pub/sub channel per owner for the
// change feed.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/tidwall/gjson"

	"github.com/MrSnakeDoc/marks/internal/backend"
	"github.com/MrSnakeDoc/marks/internal/domain"
	"github.com/MrSnakeDoc/marks/internal/metrics"
	"github.com/MrSnakeDoc/marks/internal/utils"
)

var (
	ErrOwnerRequired   = errors.New("redis store: query needs an owner or id predicate")
	ErrUnsupportedFeed = errors.New("redis store: change feed only filters on owner")
)

// Store handles Redis operations for bookmarks and their change feed
type Store struct {
	client *redis.Client
	clock  clockwork.Clock
}

var (
	_ backend.Binder  = (*Store)(nil)
	_ backend.Records = (*Store)(nil)
	_ backend.Changes = (*Store)(nil)
	_ backend.Pinger  = (*Store)(nil)
)

// NewStore creates a new Redis store
func NewStore(client *redis.Client, clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{client: client, clock: clock}
}

// Records and Changes satisfy backend.Binder. Redis has no per-user
// authorization, so the token is ignored and owner scoping is done here.
func (s *Store) Records(string) backend.Records { return s }
func (s *Store) Changes(string) backend.Changes { return s }

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

type changeMessage struct {
	Type backend.EventType `json:"type"`
	ID   string            `json:"id"`
}

func observe(op string, err error) error {
	status := "success"
	if err != nil && !errors.Is(err, redis.Nil) {
		status = "error"
	}
	metrics.RedisOpsTotal.WithLabelValues(op, status).Inc()
	return err
}

// ─────────────────────────────────────────────────────────────────
// Records
// ─────────────────────────────────────────────────────────────────

// Select reads the owner's index newest first and loads every record in one
// pipeline. Stale index entries are skipped.
func (s *Store) Select(ctx context.Context, f backend.Filter, o backend.Order) ([]domain.Bookmark, error) {
	if id, ok := f.Value(domain.ColumnID); ok {
		b, err := s.get(ctx, id)
		if err != nil || b == nil || !f.Match(backend.BookmarkColumns(*b)) {
			return []domain.Bookmark{}, err
		}
		return []domain.Bookmark{*b}, nil
	}

	owner, ok := f.Value(domain.ColumnOwner)
	if !ok {
		return nil, ErrOwnerRequired
	}

	ids, err := s.client.ZRevRange(ctx, OwnerIndexKey(owner), 0, -1).Result()
	if observe("zrevrange", err) != nil {
		return nil, fmt.Errorf("failed to read owner index: %w", err)
	}
	if len(ids) == 0 {
		return []domain.Bookmark{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, BookmarkKey(id))
	}
	if _, err := pipe.Exec(ctx); observe("get_many", err) != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to load bookmarks: %w", err)
	}

	out := make([]domain.Bookmark, 0, len(ids))
	for i, cmd := range cmds {
		raw, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load bookmark %s: %w", ids[i], err)
		}
		b, err := domain.DecodeBookmark(raw)
		if err != nil {
			return nil, err
		}
		if f.Match(backend.BookmarkColumns(b)) {
			out = append(out, b)
		}
	}

	if o.Column == domain.ColumnCreatedAt && !o.Descending {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
		return out, nil
	}
	return domain.SortNewestFirst(out), nil
}

// Insert stores the record, indexes it and announces it in one transaction.
func (s *Store) Insert(ctx context.Context, nb domain.NewBookmark) error {
	b := domain.Bookmark{
		ID:        uuid.NewString(),
		Title:     nb.Title,
		URL:       nb.URL,
		Owner:     nb.Owner,
		CreatedAt: s.clock.Now().UTC(),
	}
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal bookmark: %w", err)
	}
	msg, _ := json.Marshal(changeMessage{Type: backend.EventInsert, ID: b.ID})

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, BookmarkKey(b.ID), data, 0)
		pipe.ZAdd(ctx, OwnerIndexKey(b.Owner), redis.Z{Score: float64(b.CreatedAt.UnixMilli()), Member: b.ID})
		pipe.Publish(ctx, ChangesChannel(b.Owner), msg)
		return nil
	})
	if observe("insert", err) != nil {
		return fmt.Errorf("failed to save bookmark: %w", err)
	}
	return nil
}

// Delete removes every matching record. Matching nothing is not an error.
func (s *Store) Delete(ctx context.Context, f backend.Filter) error {
	victims, err := s.Select(ctx, f, backend.NewestFirst)
	if err != nil {
		return err
	}

	for _, b := range victims {
		msg, _ := json.Marshal(changeMessage{Type: backend.EventDelete, ID: b.ID})
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, BookmarkKey(b.ID))
			pipe.ZRem(ctx, OwnerIndexKey(b.Owner), b.ID)
			pipe.Publish(ctx, ChangesChannel(b.Owner), msg)
			return nil
		})
		if observe("delete", err) != nil {
			return fmt.Errorf("failed to delete bookmark %s: %w", b.ID, err)
		}
	}
	return nil
}

func (s *Store) get(ctx context.Context, id string) (*domain.Bookmark, error) {
	raw, err := s.client.Get(ctx, BookmarkKey(id)).Bytes()
	if observe("get", err) != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get bookmark: %w", err)
	}
	b, err := domain.DecodeBookmark(raw)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// ─────────────────────────────────────────────────────────────────
// Change feed
// ─────────────────────────────────────────────────────────────────

// Subscription is an active pub/sub subscription for one owner.
// go-redis reconnects dropped pub/sub connections on its own, so delivery
// only stops on Close.
type Subscription struct {
	sub  *redis.PubSub
	done chan struct{}
	once sync.Once
}

// Subscribe listens on the owner's change channel. It returns once Redis has
// confirmed the subscription.
func (s *Store) Subscribe(ctx context.Context, on backend.Eq, mask backend.EventMask, fn func(backend.Event)) (backend.Subscription, error) {
	if on.Column != domain.ColumnOwner {
		return nil, ErrUnsupportedFeed
	}

	pubsub := s.client.Subscribe(ctx, ChangesChannel(on.Value))
	if _, err := pubsub.Receive(ctx); observe("subscribe", err) != nil {
		utils.Close(pubsub)
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	sub := &Subscription{sub: pubsub, done: make(chan struct{})}
	msgCh := pubsub.Channel()

	go func() {
		defer close(sub.done)
		for msg := range msgCh {
			m := gjson.Parse(msg.Payload)
			t := backend.EventType(m.Get("type").String())
			if !mask.Has(t) {
				continue
			}
			fn(backend.Event{Type: t, ID: m.Get("id").String()})
		}
	}()

	return sub, nil
}

func (sub *Subscription) Done() <-chan struct{} { return sub.done }

func (sub *Subscription) Err() error { return nil }

// Close unsubscribes and waits for delivery to stop.
func (sub *Subscription) Close() error {
	var err error
	sub.once.Do(func() {
		err = sub.sub.Close()
	})
	<-sub.done
	return err
}
