// Package server runs the long-lived daemon: the HTTP surface, the
// background refresh sweep, session maintenance and the change watcher.
package server

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/nkatsov/acctkeeper/internal/config"
	"github.com/nkatsov/acctkeeper/internal/credfile"
	"github.com/nkatsov/acctkeeper/internal/discovery"
	"github.com/nkatsov/acctkeeper/internal/lifecycle"
	"github.com/nkatsov/acctkeeper/internal/metrics"
	"github.com/nkatsov/acctkeeper/internal/notify"
	"github.com/nkatsov/acctkeeper/internal/session"
	"github.com/nkatsov/acctkeeper/internal/store"
	"github.com/nkatsov/acctkeeper/internal/version"
	"github.com/nkatsov/acctkeeper/internal/watcher"
)

const (
	maintenanceInterval = time.Hour
	shutdownTimeout     = 5 * time.Second
)

// Server owns every long-running component and their shared lifecycle.
type Server struct {
	cfg      config.Config
	database *gorm.DB
	accounts *store.Store
	tracker  *session.Tracker
	manager  *lifecycle.Manager
	locks    *lifecycle.LockRegistry
	broker   *notify.Broker
	watcher  *watcher.Watcher
	scanner  *discovery.Scanner
	metrics  *metrics.Metrics
	registry *prometheus.Registry
	clock    clockwork.Clock
}

type Params struct {
	Config   config.Config
	Database *gorm.DB
	RawPool  *sql.DB
	Gateway  *credfile.Gateway
	Accounts *store.Store
	Tracker  *session.Tracker
	Manager  *lifecycle.Manager
	Locks    *lifecycle.LockRegistry
	Clock    clockwork.Clock
}

func New(p Params) *Server {
	clock := p.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	registry := prometheus.NewRegistry()
	broker := notify.NewBroker()
	return &Server{
		cfg:      p.Config,
		database: p.Database,
		accounts: p.Accounts,
		tracker:  p.Tracker,
		manager:  p.Manager,
		locks:    p.Locks,
		broker:   broker,
		watcher: watcher.New(p.RawPool, broker, clock, watcher.Options{
			PollInterval:   p.Config.PollInterval,
			ForceTickEvery: p.Config.ForceTickEvery,
			CredentialPath: p.Config.CredentialFile,
		}),
		scanner:  discovery.NewScanner(p.Gateway, p.Config.CredentialFile, p.Config.AccountDirBase, p.Config.DiscoveryPaths),
		metrics:  metrics.New(registry),
		registry: registry,
		clock:    clock,
	}
}

// Router assembles the HTTP surface.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", HealthzHandler(s.database))
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	r.Get("/events", EventsHandler(s.broker, s.metrics))

	r.Route("/api", func(r chi.Router) {
		r.Get("/accounts", AccountsHandler(s.accounts))
		r.Post("/accounts", CreateAccountHandler(s.accounts))
		r.Patch("/accounts/{id}", UpdateAccountHandler(s.accounts))
		r.Delete("/accounts/{id}", DeleteAccountHandler(s.accounts))
		r.Post("/accounts/reorder", ReorderAccountsHandler(s.accounts))
		r.Post("/accounts/{id}/refresh", RefreshAccountHandler(s.manager))
		r.Post("/accounts/{id}/resync", ResyncAccountHandler(s.manager))
		r.Post("/refresh", RefreshAllHandler(s.manager))

		r.Get("/sessions", SessionsHandler(s.tracker, s.cfg.StalenessMinutes))
		r.Get("/sessions/lookup", SessionLookupHandler(s.tracker))
		r.Post("/sessions/reassign", ReassignSessionsHandler(s.tracker))

		r.Get("/discovery/scan", DiscoveryScanHandler(s.scanner))
		r.Post("/discovery/import", DiscoveryImportHandler(s.scanner, s.accounts))
	})

	return r
}

// Run starts everything and blocks until ctx is cancelled and all
// components have drained.
func (s *Server) Run(ctx context.Context) error {
	// Replay any refresh that crashed between exchange and persistence
	// before anything else reads token state.
	if err := s.manager.RecoverPending(ctx); err != nil {
		log.Printf("⚠️ Recovery replay: %v", err)
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.watcher.Run(ctx); err != nil {
			log.Printf("⚠️ Watcher stopped: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.refreshLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.maintenanceLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.observeLoop(ctx)
	}()

	srv := &http.Server{Addr: s.cfg.ListenAddr, Handler: s.Router()}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("🚀 acctkeeper %s listening on http://%s", version.Version, s.cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("⚠️ HTTP shutdown: %v", err)
		}
		<-errCh
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			serveErr = err
		}
	}

	wg.Wait()
	s.broker.Close()
	return serveErr
}

// refreshLoop sweeps expiring tokens on a fixed interval.
func (s *Server) refreshLoop(ctx context.Context) {
	ticker := s.clock.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()
	log.Printf("🔄 Token refresh loop started (interval: %s)", s.cfg.RefreshInterval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}

		counts, err := s.manager.RefreshAllExpiring(ctx)
		if err != nil {
			log.Printf("⚠️ Refresh sweep: %v", err)
			continue
		}
		s.metrics.RefreshCycles.Inc()
		s.metrics.RefreshOutcomes.WithLabelValues("refreshed").Add(float64(counts.Refreshed))
		s.metrics.RefreshOutcomes.WithLabelValues("skipped").Add(float64(counts.Skipped))
		s.metrics.RefreshOutcomes.WithLabelValues("failed").Add(float64(counts.Failed))
		if counts.Refreshed > 0 || counts.Failed > 0 {
			log.Printf("🔄 Refresh sweep: %d refreshed, %d skipped, %d failed",
				counts.Refreshed, counts.Skipped, counts.Failed)
		}
	}
}

// maintenanceLoop does the hourly housekeeping: closing dead sessions,
// pruning token history and dropping locks for deleted accounts.
func (s *Server) maintenanceLoop(ctx context.Context) {
	ticker := s.clock.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}

		if closed, err := s.tracker.CloseDead(s.cfg.DeadSessionHours); err != nil {
			log.Printf("⚠️ Close dead sessions: %v", err)
		} else if closed > 0 {
			s.metrics.SessionsClosedDead.Add(float64(closed))
			log.Printf("🧹 Closed %d dead sessions", closed)
		}

		if pruned, err := s.accounts.PruneKnownRefreshTokens(s.cfg.TokenHistoryMaxAge, s.cfg.TokenHistoryCap); err != nil {
			log.Printf("⚠️ Prune token history: %v", err)
		} else if pruned > 0 {
			log.Printf("🧹 Pruned %d historical refresh tokens", pruned)
		}

		if s.locks != nil {
			live := map[uint]bool{}
			if list, err := s.accounts.List(true, false); err == nil {
				for _, acc := range list {
					live[acc.ID] = true
				}
				s.locks.Prune(live)
			}
		}
	}
}

// observeLoop consumes the broker feed for instrumentation and for the one
// cross-signal reaction: the external host rewriting credentials proves it
// is alive, which resurrects sessions that only looked stale.
func (s *Server) observeLoop(ctx context.Context) {
	ch, cancel := s.broker.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case n, open := <-ch:
			if !open {
				return
			}
			s.metrics.Notifications.WithLabelValues(n.Type).Inc()

			switch n.Type {
			case notify.TypeCredentialsChanged:
				if bumped, err := s.tracker.BumpAllStale(s.cfg.StalenessMinutes); err != nil {
					log.Printf("⚠️ Bump stale sessions: %v", err)
				} else if bumped > 0 {
					s.metrics.SessionsResurrected.Add(float64(bumped))
					log.Printf("💓 Resurrected %d stale sessions on credential activity", bumped)
				}
			case notify.TypeSessionsChanged, notify.TypeSessionsTick:
				if sessions, err := s.tracker.ActiveSessions(s.cfg.StalenessMinutes); err == nil {
					s.metrics.ActiveSessions.Set(float64(len(sessions)))
				}
			}
		}
	}
}
