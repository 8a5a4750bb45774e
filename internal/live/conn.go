// Package live connects one browser tab to its synchronizer over a websocket:
// state changes are pushed as frames and add, delete, refresh and login
// requests come back the other way.
package live

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/MrSnakeDoc/marks/internal/domain"
	"github.com/MrSnakeDoc/marks/internal/logger"
	"github.com/MrSnakeDoc/marks/internal/metrics"
	"github.com/MrSnakeDoc/marks/internal/synchronizer"
)

const (
	writeDeadline     = 5 * time.Second
	pingInterval      = 30 * time.Second
	pongDeadline      = 60 * time.Second
	messageBufferSize = 16
	maxFrameSize      = 16 << 10
)

// Conn is one tab's websocket and the synchronizer it owns.
type Conn struct {
	ws    *websocket.Conn
	sync  *synchronizer.Synchronizer
	clock clockwork.Clock
	log   logger.Logger

	send     chan []byte
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewConn takes ownership of ws and s; both are closed when Serve returns.
func NewConn(ws *websocket.Conn, s *synchronizer.Synchronizer, clock clockwork.Clock, log logger.Logger) *Conn {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Conn{
		ws:    ws,
		sync:  s,
		clock: clock,
		log:   log,
		send:  make(chan []byte, messageBufferSize),
		done:  make(chan struct{}),
	}
}

// Synchronizer returns the tab's synchronizer.
func (c *Conn) Synchronizer() *synchronizer.Synchronizer { return c.sync }

// Serve runs the connection until the client goes away or ctx ends.
func (c *Conn) Serve(ctx context.Context) {
	metrics.LiveConnectionsCurrent.Inc()
	defer metrics.LiveConnectionsCurrent.Dec()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.ws.SetReadLimit(maxFrameSize)
	c.updateReadDeadline()
	c.ws.SetPongHandler(func(string) error {
		c.updateReadDeadline()
		return nil
	})

	c.wg.Add(3)
	go c.writer()
	go c.pump()
	go func() {
		defer c.wg.Done()
		if err := c.sync.Initialize(ctx); err != nil && !errors.Is(err, domain.ErrClosed) {
			c.log.Warn("live initialize failed", logger.Error(err))
		}
		// A tab that starts and stays signed out never produces an update.
		if st := c.sync.Snapshot(); st.Version == 0 {
			c.reply(stateFrame{Type: TypeState, State: st})
		}
	}()

	// Unblock the read loop on shutdown.
	stop := context.AfterFunc(ctx, c.stop)
	defer stop()

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("live read ended", logger.Error(err))
			}
			break
		}
		c.handle(ctx, msg)
	}

	cancel()
	c.stop()
	_ = c.sync.Close()
	c.wg.Wait()
}

func (c *Conn) handle(ctx context.Context, msg []byte) {
	var f clientFrame
	if err := json.Unmarshal(msg, &f); err != nil {
		c.reply(errorFrame{Type: TypeError, Kind: KindProtocol, Message: "malformed frame"})
		return
	}

	var err error
	switch f.Type {
	case TypeAdd:
		err = c.sync.Add(ctx, domain.Draft{Title: f.Title, URL: f.URL})
	case TypeDelete:
		err = c.sync.Delete(ctx, f.ID)
	case TypeRefresh:
		err = c.sync.Refresh(ctx)
	case TypeLogin:
		c.reply(redirectFrame{Type: TypeRedirect, URL: c.sync.Login(f.Provider)})
		return
	default:
		c.reply(errorFrame{Type: TypeError, Op: f.Type, Ref: f.Ref, Kind: KindProtocol, Message: "unknown frame type"})
		return
	}

	if err != nil {
		c.reply(errorFrame{Type: TypeError, Op: f.Type, Ref: f.Ref, Kind: ErrorKind(err), Message: err.Error()})
		return
	}
	c.reply(ackFrame{Type: TypeAck, Op: f.Type, Ref: f.Ref})
}

// reply queues a response frame, waiting for room.
func (c *Conn) reply(v any) {
	msg, err := json.Marshal(v)
	if err != nil {
		c.log.Error("live frame marshal failed", logger.Error(err))
		return
	}
	select {
	case c.send <- msg:
	case <-c.done:
	}
}

// pump forwards synchronizer states. A client too slow to drain its buffer
// is disconnected; it gets a fresh state on reconnect.
func (c *Conn) pump() {
	defer c.wg.Done()
	for st := range c.sync.Updates() {
		msg, err := json.Marshal(stateFrame{Type: TypeState, State: st})
		if err != nil {
			c.log.Error("live state marshal failed", logger.Error(err))
			continue
		}
		select {
		case c.send <- msg:
		case <-c.done:
			return
		default:
			metrics.LiveFramesDropped.Inc()
			c.log.Warn("live client too slow, disconnecting")
			c.stop()
			return
		}
	}
}

func (c *Conn) writer() {
	defer c.wg.Done()
	ticker := c.clock.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			c.updateWriteDeadline()
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.stop()
				return
			}
		case <-ticker.Chan():
			c.updateWriteDeadline()
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.stop()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *Conn) updateWriteDeadline() {
	_ = c.ws.SetWriteDeadline(c.clock.Now().Add(writeDeadline))
}

func (c *Conn) updateReadDeadline() {
	_ = c.ws.SetReadDeadline(c.clock.Now().Add(pongDeadline))
}
