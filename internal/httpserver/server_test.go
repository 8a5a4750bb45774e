package httpserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/tidwall/gjson"

	"github.com/MrSnakeDoc/marks/internal/backend"
	"github.com/MrSnakeDoc/marks/internal/backend/memory"
	"github.com/MrSnakeDoc/marks/internal/domain"
	"github.com/MrSnakeDoc/marks/internal/httpserver/deps"
	"github.com/MrSnakeDoc/marks/internal/live"
	"github.com/MrSnakeDoc/marks/internal/logger"
	"github.com/MrSnakeDoc/marks/internal/session"
	"github.com/MrSnakeDoc/marks/internal/synchronizer"
)

var alice = domain.Principal{ID: "alice", Email: "alice@example.com"}

type testEnv struct {
	srv      *httptest.Server
	store    *memory.Store
	identity *memory.Identity
	client   *http.Client
	jar      *cookiejar.Jar
}

func newTestEnv(t *testing.T, clock clockwork.Clock) *testEnv {
	t.Helper()

	var h http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	store := memory.NewStore(nil)
	store.Put(domain.Bookmark{ID: "b1", Title: "B1", URL: "http://b1", Owner: "alice", CreatedAt: time.Unix(3, 0)})
	store.Put(domain.Bookmark{ID: "b2", Title: "B2", URL: "http://b2", Owner: "alice", CreatedAt: time.Unix(1, 0)})
	identity := memory.NewIdentity(alice, srv.URL+"/auth/callback", nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	d := deps.Deps{
		Logger:        logger.Nop(),
		StartTime:     time.Now(),
		Version:       "test",
		Clock:         clock,
		RateBurst:     100,
		RatePerMin:    600,
		PublicURL:     srv.URL,
		OAuthProvider: "google",
		Identity:      identity,
		Binder:        store,
		Components:    map[string]backend.Pinger{"memory": store},
		Backend:       "memory",
		Sessions:      session.NewStore(strings.Repeat("k", 32), time.Hour, false),
		Hub:           live.NewHub(identity, logger.Nop()),
		Sync:          deps.SyncOptions{Policy: synchronizer.PolicyImmediate},
		Context:       ctx,
	}
	h = NewRouter(logger.Nop(), &d)

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookiejar.New() error = %v", err)
	}
	return &testEnv{
		srv:      srv,
		store:    store,
		identity: identity,
		client:   &http.Client{Jar: jar, Timeout: 5 * time.Second},
		jar:      jar,
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*http.Response, string) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, string(b)
}

func (e *testEnv) signIn(t *testing.T) {
	t.Helper()
	resp, body := e.do(t, http.MethodGet, "/auth/login?provider=google", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, "Welcome alice@example.com") {
		t.Fatalf("sign-in landed on %d %s", resp.StatusCode, resp.Request.URL)
	}
}

func (e *testEnv) cookie() string {
	u, _ := url.Parse(e.srv.URL)
	for _, c := range e.jar.Cookies(u) {
		if c.Name == session.CookieName {
			return c.Value
		}
	}
	return ""
}

func titles(body string) string {
	var out []string
	for _, b := range gjson.Get(body, "bookmarks").Array() {
		out = append(out, b.Get("title").String())
	}
	return strings.Join(out, ",")
}

func TestSignedOutIndex(t *testing.T) {
	e := newTestEnv(t, nil)

	resp, body := e.do(t, http.MethodGet, "/", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET / = %d", resp.StatusCode)
	}
	if !strings.Contains(body, "/auth/login?provider=google") {
		t.Error("signed-out page has no sign-in link")
	}
	if strings.Contains(body, "Welcome") {
		t.Error("signed-out page greets a user")
	}
	if e.cookie() == "" {
		t.Error("first visit did not set a session cookie")
	}
}

func TestAPIRequiresSignIn(t *testing.T) {
	e := newTestEnv(t, nil)

	tests := []struct {
		method, path, body string
	}{
		{http.MethodGet, "/api/bookmarks", ""},
		{http.MethodPost, "/api/bookmarks", `{"title":"x","url":"http://x"}`},
		{http.MethodDelete, "/api/bookmarks/b1", ""},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			resp, body := e.do(t, tt.method, tt.path, tt.body)
			if resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401 (%s)", resp.StatusCode, body)
			}
		})
	}
	if e.store.Count() != 2 {
		t.Errorf("store changed without a session: %d records", e.store.Count())
	}
}

func TestBookmarkLifecycle(t *testing.T) {
	e := newTestEnv(t, nil)
	e.signIn(t)

	_, body := e.do(t, http.MethodGet, "/api/bookmarks", "")
	if got := titles(body); got != "B1,B2" {
		t.Fatalf("initial list = %s, want B1,B2", got)
	}

	resp, body := e.do(t, http.MethodPost, "/api/bookmarks", `{"title":"B3","url":"http://b3"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST = %d %s", resp.StatusCode, body)
	}
	if got := titles(body); got != "B3,B1,B2" {
		t.Errorf("after add = %s, want B3,B1,B2", got)
	}

	resp, body = e.do(t, http.MethodPost, "/api/bookmarks", `{"title":"  ","url":"http://b4"}`)
	if resp.StatusCode != http.StatusBadRequest || gjson.Get(body, "kind").String() != live.KindValidation {
		t.Errorf("invalid add = %d %s, want 400 validation", resp.StatusCode, body)
	}

	resp, _ = e.do(t, http.MethodPost, "/api/bookmarks", `{"title":`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed add = %d, want 400", resp.StatusCode)
	}

	resp, _ = e.do(t, http.MethodDelete, "/api/bookmarks/b1", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("DELETE = %d", resp.StatusCode)
	}

	_, body = e.do(t, http.MethodGet, "/api/bookmarks", "")
	if got := titles(body); got != "B3,B2" {
		t.Errorf("after delete = %s, want B3,B2", got)
	}

	resp, body = e.do(t, http.MethodPost, "/auth/logout", "")
	if resp.StatusCode != http.StatusOK || strings.Contains(body, "Welcome") {
		t.Errorf("after logout landed on %d, still signed in", resp.StatusCode)
	}
	resp, _ = e.do(t, http.MethodGet, "/api/bookmarks", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("API after logout = %d, want 401", resp.StatusCode)
	}
}

func TestNonWebLinksAreNotClickable(t *testing.T) {
	e := newTestEnv(t, nil)
	e.signIn(t)

	tests := []struct {
		name string
		url  string
	}{
		{"javascript", "javascript:alert(document.cookie)"},
		{"data", "data:text/html,<script>alert(1)</script>"},
		{"no scheme", "example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := e.do(t, http.MethodPost, "/api/bookmarks", `{"title":"evil","url":"`+tt.url+`"}`)
			if resp.StatusCode != http.StatusBadRequest || gjson.Get(body, "kind").String() != live.KindValidation {
				t.Errorf("add %s = %d %s, want 400 validation", tt.url, resp.StatusCode, body)
			}
		})
	}

	// Records written by other clients skip draft validation.
	e.store.Put(domain.Bookmark{ID: "js", Title: "JS", URL: "javascript:alert(1)", Owner: "alice", CreatedAt: time.Unix(9, 0)})
	_, body := e.do(t, http.MethodGet, "/", "")
	if strings.Contains(body, `href="javascript:`) {
		t.Error("server-rendered list links a javascript: url")
	}
	if strings.Contains(body, "a.href = b.url;") {
		t.Error("live list assigns bookmark urls without a scheme check")
	}
}

func TestRemoteFailuresSurface(t *testing.T) {
	e := newTestEnv(t, nil)
	e.signIn(t)

	e.store.FailNext("select", errors.New("db down"))
	resp, body := e.do(t, http.MethodGet, "/api/bookmarks", "")
	if resp.StatusCode != http.StatusBadGateway || gjson.Get(body, "notice.kind").String() != "fetch" {
		t.Errorf("list with failing store = %d %s, want 502 with a fetch notice", resp.StatusCode, body)
	}
	e.store.FailNext("select", nil)

	e.store.FailNext("insert", errors.New("read only"))
	resp, body = e.do(t, http.MethodPost, "/api/bookmarks", `{"title":"B3","url":"http://b3"}`)
	if resp.StatusCode != http.StatusBadGateway || gjson.Get(body, "kind").String() != "write" {
		t.Errorf("add with failing store = %d %s, want 502 write", resp.StatusCode, body)
	}
}

func TestCallback(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{"provider refused", "/auth/callback?error=access_denied", http.StatusOK},
		{"no verifier", "/auth/callback?code=abc", http.StatusBadRequest},
		{"no code", "/auth/callback", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t, nil)
			resp, body := e.do(t, http.MethodGet, tt.path, "")
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if strings.Contains(body, "Welcome") {
				t.Error("callback signed the browser in")
			}
		})
	}
}

func TestExpiringTokenIsRefreshed(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Now())
	e := newTestEnv(t, clock)
	e.signIn(t)
	before := e.cookie()

	clock.Advance(2 * time.Hour)
	resp, _ := e.do(t, http.MethodGet, "/api/bookmarks", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET after expiry = %d, want 200", resp.StatusCode)
	}
	if e.cookie() == before {
		t.Error("session cookie not rewritten after refresh")
	}
}

func TestOpsEndpoints(t *testing.T) {
	e := newTestEnv(t, nil)

	tests := []struct {
		path string
		want func(body string) bool
	}{
		{"/healthz", func(b string) bool { return gjson.Get(b, "status").String() == "ok" }},
		{"/readyz", func(b string) bool {
			return gjson.Get(b, "ready").Bool() && gjson.Get(b, "components.memory").Bool()
		}},
		{"/infra", func(b string) bool {
			return gjson.Get(b, "status").String() == "ok" && gjson.Get(b, "backend").String() == "memory"
		}},
		{"/metrics", func(b string) bool { return strings.Contains(b, "marks_http_requests_total") }},
	}
	// One request first so the HTTP counter has a sample.
	e.do(t, http.MethodGet, "/healthz", "")
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, body := e.do(t, http.MethodGet, tt.path, "")
			if resp.StatusCode != http.StatusOK || !tt.want(body) {
				t.Errorf("GET %s = %d %s", tt.path, resp.StatusCode, body)
			}
		})
	}
}

func TestLiveTabsFollowLogout(t *testing.T) {
	e := newTestEnv(t, nil)
	e.signIn(t)

	header := http.Header{}
	header.Set("Cookie", session.CookieName+"="+e.cookie())
	wsURL := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/live"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	awaitState := func(status string) gjson.Result {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				t.Fatalf("waiting for %s: %v", status, err)
			}
			f := gjson.ParseBytes(msg)
			if f.Get("type").String() == live.TypeState && f.Get("state").String() == status {
				return f
			}
		}
	}

	f := awaitState("ready")
	if f.Get("bookmarks.#").Int() != 2 {
		t.Errorf("live list = %s", f.Get("bookmarks").Raw)
	}

	e.do(t, http.MethodPost, "/auth/logout", "")
	f = awaitState("unauthenticated")
	if f.Get("bookmarks.#").Int() != 0 {
		t.Errorf("list kept after logout: %s", f.Get("bookmarks").Raw)
	}
}

func TestLiveRejectsForeignOrigin(t *testing.T) {
	e := newTestEnv(t, nil)

	header := http.Header{}
	header.Set("Origin", "https://evil.example")
	wsURL := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/live"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		t.Fatal("Dial() from a foreign origin succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("handshake response = %v, want 403", resp)
	}
}
