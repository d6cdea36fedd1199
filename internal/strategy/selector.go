package strategy

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/org/tagvault/internal/authflow"
	"github.com/org/tagvault/internal/cache"
	"github.com/org/tagvault/internal/clockx"
	"github.com/org/tagvault/internal/opaque"
	"github.com/org/tagvault/internal/session"
	"github.com/org/tagvault/internal/transport"
	"github.com/org/tagvault/pkg/models"
)

// syncDebounce delays the reconcile after an offline-to-online transition
// so a flapping link does not hammer the server.
const syncDebounce = 3 * time.Second

// cacheOpTimeout bounds individual cache reads so a wedged database file
// falls through to the server path instead of hanging verification.
const cacheOpTimeout = 2 * time.Second

// Deps are the selector's collaborators.
type Deps struct {
	Flow        *authflow.Flow
	Client      transport.Client
	Cache       *cache.Store
	Engine      opaque.Engine
	Sessions    *session.Manager
	Fingerprint authflow.FingerprintProvider
	Observer    NetworkObserver
	Clock       clockx.Clock
}

// Selector owns the active verifier. Configuration changes and network
// transitions swap it atomically; operations already in flight keep the
// verifier they captured at start.
type Selector struct {
	deps  Deps
	clock clockx.Clock

	server *serverOnly
	first  *cacheFirst
	local  *cacheOnly

	mu      sync.RWMutex
	cfg     models.StrategyConfig
	kind    Kind
	current Verifier
	status  NetStatus
	syncGen int
}

// NewSelector builds the three verifiers, registers the cache as a
// panic-wipe target, and selects the initial strategy.
func NewSelector(cfg models.StrategyConfig, d Deps) *Selector {
	if d.Clock == nil {
		d.Clock = clockx.Real{}
	}
	server := &serverOnly{flow: d.Flow, client: d.Client, sessions: d.Sessions}
	local := &cacheOnly{
		store:    d.Cache,
		engine:   d.Engine,
		sessions: d.Sessions,
		fp:       d.Fingerprint,
		timeout:  cacheOpTimeout,
	}
	s := &Selector{
		deps:   d,
		clock:  d.Clock,
		server: server,
		local:  local,
		first:  &cacheFirst{server: server, local: local, store: d.Cache, client: d.Client},
		cfg:    cfg,
		status: d.Observer.Status(),
	}
	s.reselect()

	d.Sessions.RegisterWipeHook("strategy_cache", func(ctx context.Context) error {
		return d.Cache.PurgeAll(ctx)
	})
	return s
}

// Current returns the active verifier and its kind. Callers hold the
// returned verifier for the whole operation; a concurrent swap does not
// affect them.
func (s *Selector) Current() (Verifier, Kind) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, s.kind
}

// Config returns the active configuration.
func (s *Selector) Config() models.StrategyConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// SetConfig applies a new configuration. Entering border-crossing mode
// disables the cache and purges it before the strategy swap, so no stale
// material survives into the stricter posture.
func (s *Selector) SetConfig(ctx context.Context, cfg models.StrategyConfig) error {
	s.mu.Lock()
	entering := cfg.BorderCrossing && !s.cfg.BorderCrossing
	if entering {
		cfg.CacheEnabled = false
	}
	s.cfg = cfg
	s.reselectLocked()
	s.mu.Unlock()

	if entering {
		if err := s.deps.Cache.PurgeAll(ctx); err != nil {
			return err
		}
		log.Info().Msg("border crossing: cache purged, server-only verification")
	}
	return nil
}

// HandleStatus reacts to a connectivity change: reselect, and schedule a
// debounced reconcile when coming back online.
func (s *Selector) HandleStatus(ctx context.Context, st NetStatus) {
	s.mu.Lock()
	prev := s.status
	s.status = st
	s.reselectLocked()
	cameOnline := prev == StatusOffline && st != StatusOffline
	syncWanted := cameOnline && s.cfg.SyncOnForeground && s.cfg.CacheEnabled && !s.cfg.BorderCrossing
	var gen int
	if syncWanted {
		s.syncGen++
		gen = s.syncGen
	}
	s.mu.Unlock()

	if syncWanted {
		go s.debouncedSync(ctx, gen)
	}
}

func (s *Selector) debouncedSync(ctx context.Context, gen int) {
	select {
	case <-ctx.Done():
		return
	case <-s.clock.After(syncDebounce):
	}
	s.mu.RLock()
	stale := gen != s.syncGen
	s.mu.RUnlock()
	if stale {
		return
	}
	s.Sync(ctx)
}

// Sync reconciles the cache with the server now. Errors are logged, never
// surfaced; a failed sync just leaves the cache one round older.
func (s *Selector) Sync(ctx context.Context) {
	cands, err := s.deps.Client.Candidates(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("cache sync: fetching candidates")
		return
	}
	if err := s.deps.Cache.Reconcile(ctx, cands); err != nil {
		log.Warn().Err(err).Msg("cache sync: reconciling")
		return
	}
	if n, err := s.deps.Cache.PurgeExpired(ctx); err != nil {
		log.Warn().Err(err).Msg("cache sync: purging expired")
	} else if n > 0 {
		log.Debug().Int("purged", n).Msg("cache sync: expired rows dropped")
	}
}

// Run consumes observer events and periodic sync ticks until ctx ends.
func (s *Selector) Run(ctx context.Context) {
	ch := make(chan NetStatus, 4)
	s.deps.Observer.Subscribe(ch)

	for {
		var tick <-chan time.Time
		if iv := s.Config().AutoSyncInterval; iv > 0 {
			tick = s.clock.After(iv)
		}
		select {
		case <-ctx.Done():
			return
		case st := <-ch:
			s.HandleStatus(ctx, st)
		case <-tick:
			cfg := s.Config()
			if cfg.CacheEnabled && !cfg.BorderCrossing && s.deps.Observer.Status() != StatusOffline {
				s.Sync(ctx)
			}
		}
	}
}

func (s *Selector) reselect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reselectLocked()
}

// reselectLocked recomputes the active verifier. Caller holds s.mu.
func (s *Selector) reselectLocked() {
	kind := Select(s.cfg, s.status)
	if kind == s.kind && s.current != nil {
		return
	}
	s.kind = kind
	switch kind {
	case KindServerOnly:
		s.current = s.server
	case KindCacheFirst:
		s.current = s.first
	case KindCacheOnly:
		s.current = s.local
	}
	log.Info().Str("strategy", string(kind)).Str("network", string(s.status)).Msg("verification strategy selected")
}
