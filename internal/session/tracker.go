// Package session records which account each logical session is using over
// time, as a series of spans with heartbeat-based liveness.
package session

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nkatsov/acctkeeper/internal/db/models"
	"gorm.io/gorm"
)

// Staleness clamp bounds for the active-sessions view, in minutes.
const (
	MinStalenessMinutes = 5
	MaxStalenessMinutes = 120
)

// AccountChecker is the only thing the tracker needs from the account
// layer: whether an id refers to a live account. Keeping this an interface
// keeps the dependency graph one-directional.
type AccountChecker interface {
	AccountExists(id uint) (bool, error)
}

// Tracker maintains session↔account spans in the shared database.
type Tracker struct {
	db      *gorm.DB
	clock   clockwork.Clock
	checker AccountChecker
}

func NewTracker(db *gorm.DB, clock clockwork.Clock, checker AccountChecker) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tracker{db: db, clock: clock, checker: checker}
}

// RecordOptions carries the optional detection context.
type RecordOptions struct {
	RepoPath        string
	IsSubagent      bool
	ParentSessionID *string
	AgentType       *string
}

// Record notes that a session is using an account (nil = unknown). Two
// steps in one transaction: close any other open span for this session
// under a different account, then refresh the existing open span for this
// (session, account) pair or insert a new one. Calling it twice with the
// same account is idempotent: one row, detected_at unchanged, activity
// advanced.
func (t *Tracker) Record(sessionID string, accountID *uint, email *string, method string, opts RecordOptions) (time.Time, error) {
	if sessionID == "" {
		return time.Time{}, fmt.Errorf("session id is required")
	}
	now := t.clock.Now().UTC()

	if accountID != nil && t.checker != nil {
		ok, err := t.checker.AccountExists(*accountID)
		if err != nil {
			return time.Time{}, err
		}
		if !ok {
			// A span must never point at a dead account; fall back to the
			// unknown pair instead of inventing a reference.
			log.Printf("⚠️ session %s references missing account %d, recording as unknown", shortID(sessionID), *accountID)
			accountID = nil
		}
	}

	err := t.db.Transaction(func(tx *gorm.DB) error {
		other := tx.Model(&models.SessionRecord{}).
			Where("session_id = ? AND ended_at IS NULL", sessionID)
		if accountID == nil {
			other = other.Where("account_id IS NOT NULL")
		} else {
			other = other.Where("account_id IS NULL OR account_id <> ?", *accountID)
		}
		if err := other.Update("ended_at", now).Error; err != nil {
			return fmt.Errorf("close other spans: %w", err)
		}

		open := tx.Where("session_id = ? AND ended_at IS NULL", sessionID)
		if accountID == nil {
			open = open.Where("account_id IS NULL")
		} else {
			open = open.Where("account_id = ?", *accountID)
		}
		var existing models.SessionRecord
		err := open.First(&existing).Error
		if err == nil {
			fields := map[string]any{
				"last_activity_at": now,
				"method":           method,
			}
			if email != nil {
				fields["email"] = *email
			}
			if opts.RepoPath != "" {
				fields["repo_path"] = opts.RepoPath
			}
			if err := tx.Model(&existing).Updates(fields).Error; err != nil {
				return fmt.Errorf("refresh span: %w", err)
			}
			return nil
		}
		if err != gorm.ErrRecordNotFound {
			return fmt.Errorf("find open span: %w", err)
		}

		rec := models.SessionRecord{
			SessionID:       sessionID,
			AccountID:       accountID,
			Email:           email,
			DetectedAt:      now,
			LastActivityAt:  now,
			Method:          method,
			RepoPath:        opts.RepoPath,
			IsSubagent:      opts.IsSubagent,
			ParentSessionID: opts.ParentSessionID,
			AgentType:       opts.AgentType,
		}
		if err := tx.Create(&rec).Error; err != nil {
			return fmt.Errorf("create span: %w", err)
		}
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	return now, nil
}

// Heartbeat advances the activity timestamp of the single newest open span.
// Returns false, touching nothing, when the session has no open span.
func (t *Tracker) Heartbeat(sessionID string) (bool, error) {
	var rec models.SessionRecord
	err := t.db.Where("session_id = ? AND ended_at IS NULL", sessionID).
		Order("last_activity_at DESC, id DESC").First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("find open span: %w", err)
	}
	now := t.clock.Now().UTC()
	if err := t.db.Model(&rec).Update("last_activity_at", now).Error; err != nil {
		return false, fmt.Errorf("heartbeat: %w", err)
	}
	return true, nil
}

// End closes all open spans for a session.
func (t *Tracker) End(sessionID string) error {
	now := t.clock.Now().UTC()
	err := t.db.Model(&models.SessionRecord{}).
		Where("session_id = ? AND ended_at IS NULL", sessionID).
		Update("ended_at", now).Error
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// ActiveSessions returns the open spans with activity inside the staleness
// window. One row per (session, account) pair by construction. Idle
// sessions silently drop out of this view.
func (t *Tracker) ActiveSessions(stalenessMinutes int) ([]models.SessionRecord, error) {
	cutoff := t.clock.Now().UTC().Add(-time.Duration(clampStaleness(stalenessMinutes)) * time.Minute)
	var recs []models.SessionRecord
	err := t.db.Where("ended_at IS NULL AND COALESCE(last_activity_at, detected_at) >= ?", cutoff).
		Order("last_activity_at DESC, id DESC").Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("active sessions: %w", err)
	}
	return recs, nil
}

// StaleOpenSessions is the inverse view: open spans past the window.
func (t *Tracker) StaleOpenSessions(stalenessMinutes int) ([]models.SessionRecord, error) {
	cutoff := t.clock.Now().UTC().Add(-time.Duration(clampStaleness(stalenessMinutes)) * time.Minute)
	var recs []models.SessionRecord
	err := t.db.Where("ended_at IS NULL AND COALESCE(last_activity_at, detected_at) < ?", cutoff).
		Order("last_activity_at ASC, id ASC").Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("stale open sessions: %w", err)
	}
	return recs, nil
}

// BumpAllStale resets the activity timestamp of every stale open span:
// resurrection, used when external liveness evidence (the host process still
// running) contradicts the staleness signal.
func (t *Tracker) BumpAllStale(stalenessMinutes int) (int64, error) {
	now := t.clock.Now().UTC()
	cutoff := now.Add(-time.Duration(clampStaleness(stalenessMinutes)) * time.Minute)
	res := t.db.Model(&models.SessionRecord{}).
		Where("ended_at IS NULL AND COALESCE(last_activity_at, detected_at) < ?", cutoff).
		Update("last_activity_at", now)
	if res.Error != nil {
		return 0, fmt.Errorf("bump stale sessions: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// CloseDead force-closes spans stale beyond a much longer bound, for the
// case where no external liveness evidence exists at all.
func (t *Tracker) CloseDead(hours int) (int64, error) {
	if hours <= 0 {
		hours = 24
	}
	now := t.clock.Now().UTC()
	cutoff := now.Add(-time.Duration(hours) * time.Hour)
	res := t.db.Model(&models.SessionRecord{}).
		Where("ended_at IS NULL AND COALESCE(last_activity_at, detected_at) < ?", cutoff).
		Update("ended_at", now)
	if res.Error != nil {
		return 0, fmt.Errorf("close dead sessions: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Reassign bulk-repairs spans mis-tagged under the wrong account.
func (t *Tracker) Reassign(fromAccountID, toAccountID uint, since time.Time) (int64, error) {
	res := t.db.Model(&models.SessionRecord{}).
		Where("account_id = ? AND detected_at >= ?", fromAccountID, since).
		Update("account_id", toAccountID)
	if res.Error != nil {
		return 0, fmt.Errorf("reassign sessions: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// MinSuffixLength is the shortest fragment LookupBySuffix accepts; anything
// shorter risks collisions across unrelated sessions.
const MinSuffixLength = 8

// LookupBySuffix identifies sessions from a short id fragment (e.g. a
// terminal tab label). The fragment is escaped before pattern matching so
// wildcard characters in it match only themselves.
func (t *Tracker) LookupBySuffix(suffix string) ([]models.SessionRecord, error) {
	if len(suffix) < MinSuffixLength {
		return nil, nil
	}
	pattern := "%" + escapeLike(suffix)
	var recs []models.SessionRecord
	err := t.db.Where(`session_id LIKE ? ESCAPE '\'`, pattern).
		Order("last_activity_at DESC, id DESC").Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("lookup by suffix: %w", err)
	}
	return recs, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func clampStaleness(minutes int) int {
	if minutes < MinStalenessMinutes {
		return MinStalenessMinutes
	}
	if minutes > MaxStalenessMinutes {
		return MaxStalenessMinutes
	}
	return minutes
}

func shortID(sessionID string) string {
	if len(sessionID) <= 8 {
		return sessionID
	}
	return "…" + sessionID[len(sessionID)-8:]
}
