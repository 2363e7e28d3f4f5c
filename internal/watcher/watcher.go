// Package watcher detects external mutation of shared state without
// expensive polling queries. Each loop owns one low-level database
// connection and reads that connection's cheap data_version counter; only
// when the counter moves does it run a narrow relevance query before
// emitting a notification.
package watcher

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	"github.com/nkatsov/acctkeeper/internal/notify"
)

const (
	// DefaultPollInterval between counter reads. The counter read is a
	// single pragma; this can be tight without loading the database.
	DefaultPollInterval = 2 * time.Second
	// DefaultForceTickEvery forces a notification every N polls so purely
	// time-based transitions (a session crossing the staleness boundary)
	// surface even when nothing writes.
	DefaultForceTickEvery = 15
)

// markerQuery is the narrow follow-up a loop runs when the global counter
// moved, to decide whether the change touched the tables it cares about.
type markerQuery struct {
	name  string
	topic string
	query string
}

var loopQueries = []markerQuery{
	{
		name:  "accounts",
		topic: notify.TypeAccountsChanged,
		query: `SELECT COALESCE(MAX(updated_at), '') || ':' || COUNT(*) FROM accounts`,
	},
	{
		name:  "sessions",
		topic: notify.TypeSessionsChanged,
		query: `SELECT COALESCE(MAX(last_activity_at), '') || ':' || COALESCE(MAX(id), 0) || ':' || COUNT(*) FROM session_records`,
	},
}

// Watcher runs the change-detection loops for the server process.
type Watcher struct {
	raw            *sql.DB
	broker         *notify.Broker
	clock          clockwork.Clock
	interval       time.Duration
	forceEvery     int
	credentialPath string

	wg sync.WaitGroup
}

type Options struct {
	PollInterval   time.Duration
	ForceTickEvery int
	// CredentialPath, when set, is additionally watched on the filesystem:
	// the external host rewrites it without touching our database, so no
	// counter would ever signal it.
	CredentialPath string
}

func New(raw *sql.DB, broker *notify.Broker, clock clockwork.Clock, opts Options) *Watcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	forceEvery := opts.ForceTickEvery
	if forceEvery <= 0 {
		forceEvery = DefaultForceTickEvery
	}
	return &Watcher{
		raw:            raw,
		broker:         broker,
		clock:          clock,
		interval:       interval,
		forceEvery:     forceEvery,
		credentialPath: opts.CredentialPath,
	}
}

// Run starts every loop and blocks until ctx is cancelled and all loops
// have drained.
func (w *Watcher) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, q := range loopQueries {
		conn, err := w.raw.Conn(ctx)
		if err != nil {
			// Stop any loop already started before reporting.
			cancel()
			w.wg.Wait()
			return fmt.Errorf("acquire watcher connection: %w", err)
		}
		w.wg.Add(1)
		go w.pollLoop(ctx, conn, q)
	}

	w.wg.Add(1)
	go w.forceTickLoop(ctx)

	if w.credentialPath != "" {
		w.wg.Add(1)
		go w.fileLoop(ctx)
	}

	w.wg.Wait()
	return nil
}

// pollLoop owns conn for its whole life; data_version is scoped to the
// connection and sharing it across loops would corrupt the comparison.
func (w *Watcher) pollLoop(ctx context.Context, conn *sql.Conn, q markerQuery) {
	defer w.wg.Done()
	defer conn.Close()

	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	var lastVersion int64 = -1
	lastMarker := ""

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}

		var version int64
		if err := conn.QueryRowContext(ctx, "PRAGMA data_version").Scan(&version); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("⚠️ watcher %s: read data_version: %v", q.name, err)
			continue
		}
		if version == lastVersion {
			continue
		}
		lastVersion = version

		// Counter moved, but any write bumps it; check whether our tables
		// actually changed before notifying.
		var marker string
		if err := conn.QueryRowContext(ctx, q.query).Scan(&marker); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("⚠️ watcher %s: relevance query: %v", q.name, err)
			continue
		}
		if marker == lastMarker {
			continue
		}
		first := lastMarker == ""
		lastMarker = marker
		if first {
			// Baseline read on startup, not a change.
			continue
		}

		w.broker.Publish(notify.Notification{
			Type:      q.topic,
			Source:    "watcher/" + q.name,
			Timestamp: w.clock.Now().UTC(),
		})
	}
}

// forceTickLoop emits unconditionally every forceEvery polls, covering
// transitions that happen by clock alone.
func (w *Watcher) forceTickLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	ticks := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
		ticks++
		if ticks < w.forceEvery {
			continue
		}
		ticks = 0
		w.broker.Publish(notify.Notification{
			Type:      notify.TypeSessionsTick,
			Source:    "watcher/tick",
			Timestamp: w.clock.Now().UTC(),
		})
	}
}

// fileLoop watches the shared credential file for rewrites by the external
// host. The parent directory is watched because hosts typically replace the
// file by rename.
func (w *Watcher) fileLoop(ctx context.Context) {
	defer w.wg.Done()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("⚠️ watcher credentials: %v", err)
		return
	}
	defer fsw.Close()

	dir := filepath.Dir(w.credentialPath)
	if err := fsw.Add(dir); err != nil {
		log.Printf("⚠️ watcher credentials: watch %s: %v", dir, err)
		return
	}
	target := filepath.Base(w.credentialPath)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.broker.Publish(notify.Notification{
				Type:      notify.TypeCredentialsChanged,
				Payload:   map[string]string{"path": w.credentialPath},
				Source:    "watcher/credentials",
				Timestamp: w.clock.Now().UTC(),
			})
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			log.Printf("⚠️ watcher credentials: %v", err)
		}
	}
}
