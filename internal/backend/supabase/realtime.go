package supabase

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/tidwall/gjson"

	"github.com/MrSnakeDoc/marks/internal/backend"
	"github.com/MrSnakeDoc/marks/internal/logger"
)

const (
	realtimeVsn  = "1.0.0"
	joinTimeout  = 10 * time.Second
	writeTimeout = 5 * time.Second
)

var (
	ErrJoinRejected     = errors.New("realtime join rejected")
	errHeartbeatTimeout = errors.New("realtime heartbeat not acknowledged")
	errChannelClosed    = errors.New("realtime channel closed by server")
)

// Realtime subscribes to postgres_changes on the bookmark table.
type Realtime struct {
	b     *Backend
	token string
}

var _ backend.Changes = (*Realtime)(nil)

// frame is the Phoenix v1 message envelope.
type frame struct {
	Topic   string      `json:"topic"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
	Ref     string      `json:"ref"`
	JoinRef string      `json:"join_ref,omitempty"`
}

type joinPayload struct {
	Config      joinConfig `json:"config"`
	AccessToken string     `json:"access_token,omitempty"`
}

type joinConfig struct {
	Broadcast       broadcastConfig  `json:"broadcast"`
	Presence        presenceConfig   `json:"presence"`
	PostgresChanges []postgresChange `json:"postgres_changes"`
	Private         bool             `json:"private"`
}

type broadcastConfig struct {
	Ack  bool `json:"ack"`
	Self bool `json:"self"`
}

type presenceConfig struct {
	Key string `json:"key"`
}

type postgresChange struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

// Subscribe dials the realtime socket, joins a channel filtered by on and
// returns once the server has accepted the join.
func (r *Realtime) Subscribe(ctx context.Context, on backend.Eq, mask backend.EventMask, fn func(backend.Event)) (backend.Subscription, error) {
	wsURL, err := realtimeURL(r.b.cfg.URL, r.b.cfg.AnonKey)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("realtime dial: %w", err)
	}

	ch := &channel{
		conn:  conn,
		topic: "realtime:" + r.b.cfg.Table + ":" + on.Value,
		mask:  mask,
		fn:    fn,
		log:   r.b.log.With(logger.String("feed", "realtime")),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}

	join := joinPayload{
		Config: joinConfig{
			PostgresChanges: []postgresChange{{
				Event:  mask.Wire(),
				Schema: r.b.cfg.Schema,
				Table:  r.b.cfg.Table,
				Filter: on.String(),
			}},
		},
		AccessToken: r.token,
	}

	if err := ch.join(ctx, join); err != nil {
		_ = conn.Close()
		return nil, err
	}

	go ch.readLoop()
	go ch.heartbeat(r.b.clock.NewTicker(r.b.cfg.Heartbeat))
	return ch, nil
}

func realtimeURL(base, apiKey string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("realtime url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/realtime/v1/websocket"
	q := url.Values{}
	q.Set("apikey", apiKey)
	q.Set("vsn", realtimeVsn)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ─────────────────────────────────────────────────────────────────
// channel
// ─────────────────────────────────────────────────────────────────

type channel struct {
	conn    *websocket.Conn
	topic   string
	joinRef string
	mask    backend.EventMask
	fn      func(backend.Event)
	log     logger.Logger

	writeMu sync.Mutex
	ref     atomic.Uint64
	pending atomic.Value // ref of the unanswered heartbeat, "" when none

	once    sync.Once
	closing atomic.Bool
	mu      sync.Mutex
	err     error
	quit    chan struct{} // stops the heartbeat
	done    chan struct{} // closed when the read loop exits
}

func (c *channel) nextRef() string {
	return strconv.FormatUint(c.ref.Add(1), 10)
}

func (c *channel) send(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(f)
}

// join sends phx_join and waits for its reply. Frames for other refs that
// arrive first are ignored.
func (c *channel) join(ctx context.Context, payload joinPayload) error {
	c.joinRef = c.nextRef()
	if err := c.send(frame{Topic: c.topic, Event: "phx_join", Payload: payload, Ref: c.joinRef, JoinRef: c.joinRef}); err != nil {
		return fmt.Errorf("realtime join: %w", err)
	}

	deadline := time.Now().Add(joinTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetReadDeadline(deadline)
	defer func() { _ = c.conn.SetReadDeadline(time.Time{}) }()

	stop := context.AfterFunc(ctx, func() { _ = c.conn.Close() })
	defer stop()

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("realtime join: %w", err)
		}
		m := gjson.ParseBytes(msg)
		if m.Get("event").String() != "phx_reply" || m.Get("ref").String() != c.joinRef {
			continue
		}
		if status := m.Get("payload.status").String(); status != "ok" {
			reason := m.Get("payload.response.reason").String()
			if reason == "" {
				reason = m.Get("payload.response").Raw
			}
			return fmt.Errorf("%w: %s", ErrJoinRejected, reason)
		}
		return nil
	}
}

func (c *channel) readLoop() {
	defer close(c.done)
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if c.closing.Load() {
				c.stop(nil)
			} else {
				c.stop(fmt.Errorf("realtime read: %w", err))
			}
			return
		}
		if err := c.handle(msg); err != nil {
			c.stop(err)
			return
		}
	}
}

// handle processes one inbound frame. A non-nil error ends the subscription.
func (c *channel) handle(msg []byte) error {
	m := gjson.ParseBytes(msg)
	topic := m.Get("topic").String()
	event := m.Get("event").String()

	if topic == "phoenix" {
		if event == "phx_reply" && m.Get("ref").String() == c.pendingRef() {
			c.pending.Store("")
		}
		return nil
	}
	if topic != c.topic {
		return nil
	}

	switch event {
	case "postgres_changes":
		data := m.Get("payload.data")
		t := backend.EventType(data.Get("type").String())
		if !c.mask.Has(t) {
			return nil
		}
		id := data.Get("record.id").String()
		if id == "" {
			id = data.Get("old_record.id").String()
		}
		c.fn(backend.Event{Type: t, ID: id})

	case "system":
		if m.Get("payload.status").String() == "error" {
			return fmt.Errorf("realtime system error: %s", m.Get("payload.message").String())
		}

	case "phx_error":
		return fmt.Errorf("realtime channel error: %s", m.Get("payload").Raw)

	case "phx_close":
		return errChannelClosed
	}
	return nil
}

func (c *channel) pendingRef() string {
	ref, _ := c.pending.Load().(string)
	return ref
}

// heartbeat pings the socket every tick. A ping still unanswered at the
// next tick means the connection is dead.
func (c *channel) heartbeat(ticker clockwork.Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			if c.pendingRef() != "" {
				c.stop(errHeartbeatTimeout)
				return
			}
			ref := c.nextRef()
			c.pending.Store(ref)
			if err := c.send(frame{Topic: "phoenix", Event: "heartbeat", Payload: struct{}{}, Ref: ref}); err != nil {
				c.stop(fmt.Errorf("realtime heartbeat: %w", err))
				return
			}
		case <-c.quit:
			return
		}
	}
}

// stop records why delivery ended and tears the socket down. Only the first
// call has any effect.
func (c *channel) stop(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		if err != nil {
			c.log.Debug("realtime channel stopped", logger.Error(err))
		}
		close(c.quit)
		_ = c.conn.Close()
	})
}

func (c *channel) Done() <-chan struct{} { return c.done }

func (c *channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close leaves the channel and waits for the read loop to exit.
func (c *channel) Close() error {
	if c.closing.CompareAndSwap(false, true) {
		_ = c.send(frame{Topic: c.topic, Event: "phx_leave", Payload: struct{}{}, Ref: c.nextRef(), JoinRef: c.joinRef})
		c.stop(nil)
	}
	<-c.done
	return nil
}
