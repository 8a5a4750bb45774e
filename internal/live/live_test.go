package live

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/MrSnakeDoc/marks/internal/backend/memory"
	"github.com/MrSnakeDoc/marks/internal/domain"
	"github.com/MrSnakeDoc/marks/internal/logger"
	"github.com/MrSnakeDoc/marks/internal/synchronizer"
)

var alice = domain.Principal{ID: "alice", Email: "alice@example.com"}

type env struct {
	store    *memory.Store
	identity *memory.Identity
	hub      *Hub
	srv      *httptest.Server
}

// newEnv serves /live?sid=&token= the way the HTTP server does.
func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		store:    memory.NewStore(nil),
		identity: memory.NewIdentity(alice, "http://localhost/auth/callback", nil),
	}
	e.store.Put(domain.Bookmark{ID: "b1", Title: "B1", URL: "http://b1", Owner: "alice", CreatedAt: time.Unix(3, 0)})
	e.store.Put(domain.Bookmark{ID: "b2", Title: "B2", URL: "http://b2", Owner: "alice", CreatedAt: time.Unix(1, 0)})
	e.hub = NewHub(e.identity, logger.Nop())

	upgrader := websocket.Upgrader{}
	e.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		token := r.URL.Query().Get("token")
		s := synchronizer.New(synchronizer.Config{
			Identity:    e.identity,
			Records:     e.store.Records(token),
			Changes:     e.store.Changes(token),
			AccessToken: token,
		})
		c := NewConn(ws, s, nil, logger.Nop())
		unregister := e.hub.Register(r.URL.Query().Get("sid"), c)
		defer unregister()
		c.Serve(context.Background())
	}))
	t.Cleanup(e.srv.Close)
	return e
}

// client remembers the last state frame it has read.
type client struct {
	*websocket.Conn
	last gjson.Result
}

func (e *env) dial(t *testing.T, sid, token string) *client {
	t.Helper()
	u := "ws" + strings.TrimPrefix(e.srv.URL, "http") + fmt.Sprintf("/live?sid=%s&token=%s", sid, token)
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &client{Conn: conn}
}

// await reads frames until match accepts one. The last state frame already
// read counts too.
func await(t *testing.T, conn *client, what string, match func(gjson.Result) bool) gjson.Result {
	t.Helper()
	if conn.last.Exists() && match(conn.last) {
		return conn.last
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", what, err)
		}
		f := gjson.ParseBytes(msg)
		if f.Get("type").String() == TypeState {
			conn.last = f
		}
		if match(f) {
			return f
		}
	}
}

func stateIs(status string) func(gjson.Result) bool {
	return func(f gjson.Result) bool {
		return f.Get("type").String() == TypeState && f.Get("state").String() == status
	}
}

func typeIs(typ string) func(gjson.Result) bool {
	return func(f gjson.Result) bool { return f.Get("type").String() == typ }
}

func ids(f gjson.Result) string {
	var out []string
	for _, b := range f.Get("bookmarks").Array() {
		out = append(out, b.Get("id").String())
	}
	return strings.Join(out, ",")
}

func TestLivePushesReadyState(t *testing.T) {
	e := newEnv(t)
	conn := e.dial(t, "s1", e.identity.Issue().AccessToken)

	f := await(t, conn, "ready state", stateIs("ready"))
	if got := ids(f); got != "b1,b2" {
		t.Errorf("bookmarks = %s, want b1,b2", got)
	}
	if f.Get("principal.email").String() != "alice@example.com" {
		t.Errorf("principal = %s", f.Get("principal").Raw)
	}
}

func TestLiveSignedOutTabGetsState(t *testing.T) {
	e := newEnv(t)
	conn := e.dial(t, "s1", "")

	f := await(t, conn, "signed-out state", typeIs(TypeState))
	if f.Get("state").String() != "unauthenticated" {
		t.Errorf("state = %s, want unauthenticated", f.Get("state").String())
	}

	_ = conn.WriteJSON(map[string]string{"type": TypeLogin, "provider": "google"})
	r := await(t, conn, "redirect", typeIs(TypeRedirect))
	if r.Get("url").String() != "/auth/login?provider=google" {
		t.Errorf("redirect url = %s", r.Get("url").String())
	}
}

func TestLiveFrames(t *testing.T) {
	e := newEnv(t)
	conn := e.dial(t, "s1", e.identity.Issue().AccessToken)
	await(t, conn, "ready state", stateIs("ready"))

	tests := []struct {
		name     string
		frame    map[string]string
		wantType string
		wantKind string
	}{
		{"add", map[string]string{"type": TypeAdd, "ref": "r1", "title": "B3", "url": "http://x"}, TypeAck, ""},
		{"invalid add", map[string]string{"type": TypeAdd, "ref": "r2", "title": " ", "url": "http://x"}, TypeError, KindValidation},
		{"refresh", map[string]string{"type": TypeRefresh, "ref": "r3"}, TypeAck, ""},
		{"delete", map[string]string{"type": TypeDelete, "ref": "r4", "id": "b1"}, TypeAck, ""},
		{"unknown", map[string]string{"type": "rename", "ref": "r5"}, TypeError, KindProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := conn.WriteJSON(tt.frame); err != nil {
				t.Fatalf("WriteJSON() error = %v", err)
			}
			f := await(t, conn, tt.wantType, func(f gjson.Result) bool {
				return f.Get("ref").String() == tt.frame["ref"]
			})
			if f.Get("type").String() != tt.wantType {
				t.Errorf("reply = %s, want type %s", f.Raw, tt.wantType)
			}
			if tt.wantKind != "" && f.Get("kind").String() != tt.wantKind {
				t.Errorf("kind = %s, want %s", f.Get("kind").String(), tt.wantKind)
			}
		})
	}

	f := await(t, conn, "final list", func(f gjson.Result) bool {
		return f.Get("type").String() == TypeState && f.Get("bookmarks.#").Int() == 2 && f.Get("bookmarks.0.title").String() == "B3"
	})
	if f.Get("bookmarks.1.id").String() != "b2" {
		t.Errorf("list = %s, want [B3, b2]", ids(f))
	}
}

func TestLiveMalformedFrame(t *testing.T) {
	e := newEnv(t)
	conn := e.dial(t, "s1", "")
	await(t, conn, "state", typeIs(TypeState))

	_ = conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
	f := await(t, conn, "error", typeIs(TypeError))
	if f.Get("kind").String() != KindProtocol {
		t.Errorf("kind = %s, want %s", f.Get("kind").String(), KindProtocol)
	}
}

func TestHubLogoutClearsEveryTab(t *testing.T) {
	e := newEnv(t)
	token := e.identity.Issue().AccessToken
	tab1 := e.dial(t, "s1", token)
	tab2 := e.dial(t, "s1", token)
	other := e.dial(t, "s2", e.identity.Issue().AccessToken)
	for _, c := range []*client{tab1, tab2, other} {
		await(t, c, "ready state", stateIs("ready"))
	}
	if n := e.hub.Count("s1"); n != 2 {
		t.Fatalf("Count(s1) = %d, want 2", n)
	}
	if n := e.hub.Total(); n != 3 {
		t.Fatalf("Total() = %d, want 3", n)
	}

	if err := e.hub.Logout(context.Background(), "s1", token); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	for _, c := range []*client{tab1, tab2} {
		f := await(t, c, "signed-out state", stateIs("unauthenticated"))
		if f.Get("bookmarks.#").Int() != 0 {
			t.Errorf("bookmarks after logout = %s", ids(f))
		}
	}

	p, _ := e.identity.CurrentPrincipal(context.Background(), token)
	if p != nil {
		t.Error("token still valid after hub logout")
	}
}

func TestHubLogoutWithoutTabs(t *testing.T) {
	e := newEnv(t)
	token := e.identity.Issue().AccessToken

	if err := e.hub.Logout(context.Background(), "nobody", token); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if p, _ := e.identity.CurrentPrincipal(context.Background(), token); p != nil {
		t.Error("token still valid after direct logout")
	}
	if err := e.hub.Logout(context.Background(), "nobody", ""); err != nil {
		t.Errorf("Logout() without a token error = %v", err)
	}
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{domain.ErrEmptyTitle, KindValidation},
		{domain.ErrNoSession, KindSession},
		{domain.ErrClosed, KindSession},
		{domain.Wrap(domain.KindWrite, "insert", errors.New("boom")), string(domain.KindWrite)},
		{domain.Wrap(domain.KindFetch, "select", errors.New("boom")), string(domain.KindFetch)},
		{errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		if got := ErrorKind(tt.err); got != tt.want {
			t.Errorf("ErrorKind(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
