package synchronizer

import (
	"context"
	"errors"
	"time"

	"github.com/MrSnakeDoc/marks/internal/backend"
	"github.com/MrSnakeDoc/marks/internal/domain"
	"github.com/MrSnakeDoc/marks/internal/logger"
	"github.com/MrSnakeDoc/marks/internal/metrics"
	"github.com/MrSnakeDoc/marks/internal/retry"
)

var errFeedClosed = errors.New("change feed closed by remote")

// feed owns the change subscription for one session epoch.
type feed struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *Synchronizer) startFeed(epoch uint64, owner string) {
	ctx, cancel := context.WithCancel(s.ctx)
	f := &feed{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	if s.closed || s.state.epoch != epoch {
		s.mu.Unlock()
		cancel()
		return
	}
	s.feed = f
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(f.done)
		s.watch(ctx, epoch, owner)
	}()
}

// stopFeed cancels the current feed and waits until its subscription is closed.
func (s *Synchronizer) stopFeed() {
	s.mu.Lock()
	f := s.feed
	s.feed = nil
	s.mu.Unlock()

	if f == nil {
		return
	}
	f.cancel()
	<-f.done
}

// watch keeps a subscription open for owner until ctx ends. Drops are retried
// with capped exponential backoff, and every successful re-open is followed by
// a refresh to pick up what was missed while down.
func (s *Synchronizer) watch(ctx context.Context, epoch uint64, owner string) {
	log := s.log.With(logger.String("user_id", owner))
	backoff := retry.Backoff{Initial: s.cfg.FeedRetryInitial, Max: s.cfg.FeedRetryMax}
	on := backend.Eq{Column: domain.ColumnOwner, Value: owner}
	recovering := false

	for {
		sub, err := s.changes.Subscribe(ctx, on, backend.MaskAll, s.onEvent(epoch))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			err = domain.Wrap(domain.KindSubscription, "subscribe", err)
			metrics.RemoteErrorsTotal.WithLabelValues(string(domain.KindSubscription)).Inc()
			s.dispatch(actFeed{epoch: epoch, up: false, err: err})
			recovering = true

			wait := backoff.Next()
			log.Warn("change feed subscribe failed, retrying",
				logger.Duration("backoff", wait), logger.Error(err))
			if !s.sleep(ctx, wait) {
				return
			}
			continue
		}

		metrics.FeedsCurrent.Inc()
		backoff.Reset()
		s.dispatch(actFeed{epoch: epoch, up: true})
		if recovering {
			metrics.FeedReconnectsTotal.Inc()
			log.Info("change feed re-established")
			s.request(triggerResubscribe)
		}

		select {
		case <-ctx.Done():
			_ = sub.Close()
			metrics.FeedsCurrent.Dec()
			return
		case <-sub.Done():
			metrics.FeedsCurrent.Dec()
		}

		if ctx.Err() != nil {
			return
		}
		cause := sub.Err()
		if cause == nil {
			cause = errFeedClosed
		}
		err = domain.Wrap(domain.KindSubscription, "deliver", cause)
		metrics.RemoteErrorsTotal.WithLabelValues(string(domain.KindSubscription)).Inc()
		s.dispatch(actFeed{epoch: epoch, up: false, err: err})
		recovering = true

		wait := backoff.Next()
		log.Warn("change feed dropped, resubscribing",
			logger.Duration("backoff", wait), logger.Error(err))
		if !s.sleep(ctx, wait) {
			return
		}
	}
}

// onEvent turns every matching change into a full re-fetch.
func (s *Synchronizer) onEvent(epoch uint64) func(backend.Event) {
	return func(ev backend.Event) {
		s.mu.Lock()
		current := s.state.epoch == epoch
		s.mu.Unlock()
		if !current {
			return
		}
		s.log.Debug("change received", logger.String("type", string(ev.Type)), logger.String("id", ev.ID))
		s.request(triggerNotify)
	}
}

func (s *Synchronizer) sleep(ctx context.Context, d time.Duration) bool {
	timer := s.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.Chan():
		return true
	case <-ctx.Done():
		return false
	}
}
