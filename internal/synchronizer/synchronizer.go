// Package synchronizer keeps one browser tab's view of the signed-in principal
// and their bookmark list consistent with the remote store.
//
// All state lives in a State value changed by reduce under a mutex. Remote calls
// run outside the mutex and their results carry the session epoch they were
// issued under, so anything that lands after a logout or session change is
// discarded.
package synchronizer

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/MrSnakeDoc/marks/internal/backend"
	"github.com/MrSnakeDoc/marks/internal/domain"
	"github.com/MrSnakeDoc/marks/internal/logger"
	"github.com/MrSnakeDoc/marks/internal/metrics"
)

// Policy selects how the list catches up after a local write.
type Policy string

const (
	// PolicyImmediate re-fetches right after every successful write.
	PolicyImmediate Policy = "immediate"
	// PolicySubscription relies on the change feed alone.
	PolicySubscription Policy = "subscription"
)

// Refresh triggers, used as metric labels.
const (
	triggerInitial     = "initial"
	triggerExplicit    = "explicit"
	triggerWrite       = "write"
	triggerNotify      = "notify"
	triggerResubscribe = "resubscribe"
	triggerResync      = "resync"
)

const (
	defaultLoginPath     = "/auth/login"
	defaultRemoteTimeout = 10 * time.Second
	defaultRetryInitial  = time.Second
	defaultRetryMax      = 30 * time.Second
)

var errAlreadyInitialized = errors.New("synchronizer already initialized")

// Config wires a synchronizer to its capabilities.
type Config struct {
	Identity backend.Identity
	Records  backend.Records
	Changes  backend.Changes // nil runs without a live feed

	AccessToken string
	Policy      Policy

	ResyncInterval   time.Duration // 0 disables the periodic re-fetch
	FeedRetryInitial time.Duration
	FeedRetryMax     time.Duration
	RemoteTimeout    time.Duration
	LoginPath        string

	Clock  clockwork.Clock
	Logger logger.Logger
}

// Synchronizer is safe for concurrent use.
type Synchronizer struct {
	identity backend.Identity
	records  backend.Records
	changes  backend.Changes
	policy   Policy
	cfg      Config
	clock    clockwork.Clock
	log      logger.Logger

	ctx    context.Context // lifetime of background work
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	state       State
	token       string
	seq         uint64
	initialized bool
	closed      bool
	feed        *feed
	inflight    *flight // refresh running now
	queued      *flight // refresh to run after it

	updates chan State
	kick    chan string
}

// flight is one refresh round shared by every caller that asked for it.
type flight struct {
	done chan struct{}
	err  error
}

// New creates a synchronizer in the Unauthenticated state. Call Initialize next.
func New(cfg Config) *Synchronizer {
	if cfg.Policy == "" {
		cfg.Policy = PolicyImmediate
	}
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = defaultRemoteTimeout
	}
	if cfg.FeedRetryInitial <= 0 {
		cfg.FeedRetryInitial = defaultRetryInitial
	}
	if cfg.FeedRetryMax <= 0 {
		cfg.FeedRetryMax = defaultRetryMax
	}
	if cfg.LoginPath == "" {
		cfg.LoginPath = defaultLoginPath
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Synchronizer{
		identity: cfg.Identity,
		records:  cfg.Records,
		changes:  cfg.Changes,
		policy:   cfg.Policy,
		cfg:      cfg,
		clock:    cfg.Clock,
		log:      cfg.Logger.With(logger.String("component", "synchronizer")),
		ctx:      ctx,
		cancel:   cancel,
		state:    State{Status: Unauthenticated, Bookmarks: []domain.Bookmark{}},
		token:    cfg.AccessToken,
		updates:  make(chan State, 1),
		kick:     make(chan string, 1),
	}
}

// Updates delivers state snapshots. The channel holds only the latest one and
// is closed by Close.
func (s *Synchronizer) Updates() <-chan State { return s.updates }

// Snapshot returns the current state.
func (s *Synchronizer) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Initialize checks the stored credentials once. With a principal it fetches
// the list, then opens the change feed and the resync loop. The returned error
// is an IdentityError or a FetchError; a failed fetch leaves the state Loading.
func (s *Synchronizer) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrClosed
	}
	if s.initialized {
		s.mu.Unlock()
		return errAlreadyInitialized
	}
	s.initialized = true
	token, epoch := s.token, s.state.epoch
	s.mu.Unlock()

	var principal *domain.Principal
	if token != "" {
		rctx, cancel := s.remote(ctx)
		p, err := s.identity.CurrentPrincipal(rctx, token)
		cancel()
		if err != nil {
			err = domain.Wrap(domain.KindIdentity, "current_principal", err)
			metrics.RemoteErrorsTotal.WithLabelValues(string(domain.KindIdentity)).Inc()
			s.log.Warn("identity check failed", logger.Error(err))
			s.dispatch(actIdentityFailed{epoch: epoch, err: err})
			return err
		}
		principal = p
	}

	if principal == nil {
		s.dispatch(actSignedOut{})
		return nil
	}

	st := s.dispatch(actSignedIn{epoch: epoch, principal: *principal})
	if st.epoch != epoch+1 || st.Principal == nil {
		// Logged out or cleared while the identity check was in flight.
		s.log.Debug("session ended during identity check")
		return nil
	}
	s.log.Debug("session restored", logger.String("user_id", principal.ID))

	err := s.refresh(ctx, triggerInitial)

	if s.changes != nil {
		s.startFeed(st.epoch, principal.ID)
	}
	if s.changes != nil || s.cfg.ResyncInterval > 0 {
		s.wg.Add(1)
		go s.loop()
	}
	return err
}

// Refresh re-fetches the list.
func (s *Synchronizer) Refresh(ctx context.Context) error {
	return s.refresh(ctx, triggerExplicit)
}

// Add validates d and inserts it for the current principal. Nothing is written
// for an invalid draft or without a session.
func (s *Synchronizer) Add(ctx context.Context, d domain.Draft) error {
	p, epoch, err := s.session()
	if err != nil {
		return err
	}

	nb, err := domain.NewBookmarkFor(p.ID, d)
	if err != nil {
		return err
	}

	rctx, cancel := s.remote(ctx)
	err = s.records.Insert(rctx, nb)
	cancel()
	if err != nil {
		return s.writeFailed(epoch, "insert", err)
	}

	metrics.WritesTotal.WithLabelValues("insert", "success").Inc()
	s.dispatch(actWrote{epoch: epoch})
	s.afterWrite(ctx)
	return nil
}

// Delete removes the principal's bookmark id. A missing id is not an error.
func (s *Synchronizer) Delete(ctx context.Context, id string) error {
	p, epoch, err := s.session()
	if err != nil {
		return err
	}
	if id == "" {
		return nil
	}

	f := backend.Where(domain.ColumnID, id).And(domain.ColumnOwner, p.ID)
	rctx, cancel := s.remote(ctx)
	err = s.records.Delete(rctx, f)
	cancel()
	if err != nil {
		return s.writeFailed(epoch, "delete", err)
	}

	metrics.WritesTotal.WithLabelValues("delete", "success").Inc()
	s.dispatch(actWrote{epoch: epoch})
	s.afterWrite(ctx)
	return nil
}

// Login marks the tab as signing in and returns where to send the browser.
func (s *Synchronizer) Login(provider string) string {
	s.dispatch(actAuthenticating{})
	return s.cfg.LoginPath + "?provider=" + url.QueryEscape(provider)
}

// Logout signs out remotely, then clears the session and list and releases the
// change feed. The local clear happens even when the remote call fails.
func (s *Synchronizer) Logout(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrClosed
	}
	token := s.token
	s.mu.Unlock()

	var err error
	if token != "" {
		rctx, cancel := s.remote(ctx)
		err = s.identity.SignOut(rctx, token)
		cancel()
		if err != nil {
			err = domain.Wrap(domain.KindIdentity, "sign_out", err)
			metrics.RemoteErrorsTotal.WithLabelValues(string(domain.KindIdentity)).Inc()
			s.log.Warn("remote sign-out failed, clearing local session anyway", logger.Error(err))
		}
	}

	s.clear(err)
	return err
}

// Clear drops the local session without contacting the identity provider.
// Used when another tab of the same browser already signed out.
func (s *Synchronizer) Clear() {
	s.clear(nil)
}

func (s *Synchronizer) clear(err error) {
	s.stopFeed()
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
	s.dispatch(actSignedOut{err: err})
}

// Close releases the change feed and stops background work. It is idempotent.
func (s *Synchronizer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.stopFeed()
	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	close(s.updates)
	s.mu.Unlock()
	return nil
}

// ─────────────────────────────────────────────────────────────────
// Internals
// ─────────────────────────────────────────────────────────────────

func (s *Synchronizer) dispatch(a action) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.state
	}
	next, changed := reduce(s.state, a)
	if !changed {
		return s.state
	}
	next.Version = s.state.Version + 1
	s.state = next

	select {
	case <-s.updates:
	default:
	}
	s.updates <- next.clone()
	return next
}

func (s *Synchronizer) session() (domain.Principal, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.Principal{}, 0, domain.ErrClosed
	}
	if s.state.Principal == nil {
		return domain.Principal{}, 0, domain.ErrNoSession
	}
	return *s.state.Principal, s.state.epoch, nil
}

func (s *Synchronizer) remote(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.RemoteTimeout)
}

func (s *Synchronizer) writeFailed(epoch uint64, op string, err error) error {
	err = domain.Wrap(domain.KindWrite, op, err)
	metrics.WritesTotal.WithLabelValues(op, "error").Inc()
	metrics.RemoteErrorsTotal.WithLabelValues(string(domain.KindWrite)).Inc()
	s.log.Warn("bookmark write failed", logger.String("op", op), logger.Error(err))
	s.dispatch(actFailed{epoch: epoch, err: err})
	return err
}

func (s *Synchronizer) afterWrite(ctx context.Context) {
	if s.policy != PolicyImmediate {
		return
	}
	if err := s.refresh(ctx, triggerWrite); err != nil && !errors.Is(err, domain.ErrNoSession) {
		s.log.Debug("refresh after write failed", logger.Error(err))
	}
}

// refresh coalesces: while one fetch runs, every new request shares a single
// follow-up fetch. The caller returns once a fetch that started after its
// request has finished, or when ctx is done.
func (s *Synchronizer) refresh(ctx context.Context, trigger string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrClosed
	}
	if s.state.Principal == nil {
		s.mu.Unlock()
		return domain.ErrNoSession
	}

	if s.inflight != nil {
		if s.queued == nil {
			s.queued = &flight{done: make(chan struct{})}
		}
		f := s.queued
		s.mu.Unlock()
		select {
		case <-f.done:
			return f.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f := &flight{done: make(chan struct{})}
	s.inflight = f
	s.mu.Unlock()

	mine := f
	for f != nil {
		f.err = s.fetch(trigger)
		close(f.done)

		s.mu.Lock()
		s.inflight, s.queued = s.queued, nil
		f = s.inflight
		s.mu.Unlock()
	}
	return mine.err
}

func (s *Synchronizer) fetch(trigger string) error {
	s.mu.Lock()
	if s.state.Principal == nil {
		s.mu.Unlock()
		return domain.ErrNoSession
	}
	owner := s.state.Principal.ID
	epoch := s.state.epoch
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	start := s.clock.Now()
	ctx, cancel := s.remote(s.ctx)
	list, err := s.records.Select(ctx, backend.Where(domain.ColumnOwner, owner), backend.NewestFirst)
	cancel()
	metrics.RefreshDuration.Observe(s.clock.Since(start).Seconds())

	if err != nil {
		err = domain.Wrap(domain.KindFetch, "select", err)
		metrics.RefreshTotal.WithLabelValues(trigger, "error").Inc()
		metrics.RemoteErrorsTotal.WithLabelValues(string(domain.KindFetch)).Inc()
		s.log.Warn("bookmark fetch failed", logger.String("trigger", trigger), logger.Error(err))
		s.dispatch(actFailed{epoch: epoch, err: err})
		return err
	}

	metrics.RefreshTotal.WithLabelValues(trigger, "success").Inc()
	s.dispatch(actFetched{epoch: epoch, seq: seq, bookmarks: list})
	return nil
}

// request asks the background loop for a refresh without waiting.
func (s *Synchronizer) request(trigger string) {
	select {
	case s.kick <- trigger:
	default:
		// One is already pending; it will see the latest rows too.
	}
}

// loop runs refreshes requested by the feed, plus the periodic resync.
func (s *Synchronizer) loop() {
	defer s.wg.Done()

	var tick <-chan time.Time
	if s.cfg.ResyncInterval > 0 {
		ticker := s.clock.NewTicker(s.cfg.ResyncInterval)
		defer ticker.Stop()
		tick = ticker.Chan()
	}

	for {
		select {
		case <-tick:
			s.runBackground(triggerResync)
		case trigger := <-s.kick:
			s.runBackground(trigger)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Synchronizer) runBackground(trigger string) {
	err := s.refresh(s.ctx, trigger)
	if err != nil && !errors.Is(err, domain.ErrNoSession) && !errors.Is(err, domain.ErrClosed) {
		s.log.Debug("background refresh failed", logger.String("trigger", trigger), logger.Error(err))
	}
}
