// Package lifecycle orchestrates token refresh across stored accounts:
// rotation bookkeeping, per-account mutual exclusion, failure
// classification, and crash-safe recovery of tokens the upstream already
// consumed.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nkatsov/acctkeeper/internal/credfile"
	"github.com/nkatsov/acctkeeper/internal/db/models"
	"github.com/nkatsov/acctkeeper/internal/store"
	"golang.org/x/time/rate"
)

// DefaultRefreshBuffer is how far before expiry a refresh becomes due.
const DefaultRefreshBuffer = 5 * time.Minute

// Accounts is the store surface the manager writes through.
type Accounts interface {
	Get(id uint) (*models.Account, error)
	List(includeInactive, includeDeleted bool) ([]models.Account, error)
	ApplyTokens(id uint, accessToken, refreshToken string, expiresAt time.Time) error
	ClearError(id uint) error
	RecordError(id uint, message string, incrementFailures bool) error
	MarkInvalid(id uint, message string) error
	RememberRefreshToken(token string, accountID uint) error
}

// Manager owns the refresh lifecycle for every stored account.
type Manager struct {
	accounts  Accounts
	gateway   *credfile.Gateway
	exchanger TokenExchanger
	locks     *LockRegistry
	clock     clockwork.Clock
	limiter   *rate.Limiter

	recoveryPath   string
	credentialPath string // external credential source, used by ForceResync
	buffer         time.Duration
}

type Options struct {
	RecoveryPath   string
	CredentialPath string
	RefreshBuffer  time.Duration
	// ExchangesPerSecond paces upstream exchanges so a large fleet of
	// near-expiry accounts does not hammer the authorization server.
	ExchangesPerSecond float64
}

func NewManager(accounts Accounts, gateway *credfile.Gateway, exchanger TokenExchanger, locks *LockRegistry, clock clockwork.Clock, opts Options) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if locks == nil {
		locks = NewLockRegistry()
	}
	buffer := opts.RefreshBuffer
	if buffer <= 0 {
		buffer = DefaultRefreshBuffer
	}
	per := opts.ExchangesPerSecond
	if per <= 0 {
		per = 2
	}
	return &Manager{
		accounts:       accounts,
		gateway:        gateway,
		exchanger:      exchanger,
		locks:          locks,
		clock:          clock,
		limiter:        rate.NewLimiter(rate.Limit(per), 1),
		recoveryPath:   opts.RecoveryPath,
		credentialPath: opts.CredentialPath,
		buffer:         buffer,
	}
}

// ShouldRefresh reports whether an account is due: a refresh token exists
// and now is inside the buffer window before expiry. Non-refreshable
// accounts are always "valid" from this manager's perspective.
func (m *Manager) ShouldRefresh(acc *models.Account) bool {
	if !acc.Refreshable() {
		return false
	}
	return !m.clock.Now().Before(acc.ExpiresAt.Add(-m.buffer))
}

// Refresh refreshes one account, blocking on the per-account lock. When a
// concurrent refresh got there first, the post-acquire re-check observes the
// already-refreshed state and returns success without a second exchange.
func (m *Manager) Refresh(ctx context.Context, accountID uint) error {
	acc, err := m.accounts.Get(accountID)
	if err != nil {
		return err
	}
	if !acc.Refreshable() {
		return nil
	}

	release := m.locks.Acquire(accountID)
	defer release()
	return m.refreshLocked(ctx, accountID)
}

// refreshLocked runs the exchange for an account whose lock is held.
func (m *Manager) refreshLocked(ctx context.Context, accountID uint) error {
	acc, err := m.accounts.Get(accountID)
	if err != nil {
		return err
	}
	if !m.ShouldRefresh(acc) {
		return nil
	}

	// Remember the token we are about to consume; if rotation races with an
	// external rewrite, the history is how identity resolution recovers.
	if err := m.accounts.RememberRefreshToken(acc.RefreshToken, acc.ID); err != nil {
		log.Printf("⚠️ remember refresh token for %s: %v", acc.Email, err)
	}

	if err := m.limiter.Wait(ctx); err != nil {
		return err
	}
	tok, err := m.exchanger.Exchange(ctx, acc.RefreshToken)
	if err != nil {
		return m.recordFailure(acc, err)
	}

	rotated := ""
	if tok.RefreshToken != "" && tok.RefreshToken != acc.RefreshToken {
		// The server rotated; the old token is consumed and unusable, so
		// the new one must be persisted no matter what.
		log.Printf("🔄 Rotating refresh token for: %s", acc.Email)
		rotated = tok.RefreshToken
	}

	if err := m.accounts.ApplyTokens(acc.ID, tok.AccessToken, rotated, tok.Expiry); err != nil {
		// The exchange succeeded upstream: losing these tokens now would
		// strand the account. Write the recovery record for the next start.
		rec := &credfile.RecoveryRecord{
			AccountID:    acc.ID,
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			ExpiresAt:    tok.Expiry.UnixMilli(),
		}
		if recErr := m.gateway.WriteRecovery(m.recoveryPath, rec); recErr != nil {
			log.Printf("❌ token recovery write failed for %s: %v", acc.Email, recErr)
		} else {
			log.Printf("📝 wrote token recovery record for %s", acc.Email)
		}
		return fmt.Errorf("persist refreshed tokens: %w", err)
	}

	if err := m.accounts.ClearError(acc.ID); err != nil {
		log.Printf("⚠️ clear error for %s: %v", acc.Email, err)
	}
	log.Printf("✅ Refreshed token for: %s (expires: %s)", acc.Email, tok.Expiry.Format(time.RFC3339))
	return nil
}

func (m *Manager) recordFailure(acc *models.Account, err error) error {
	switch classifyExchangeError(err) {
	case failurePermanent:
		// Authorization denial: the grant is dead, re-authentication is the
		// only way back.
		if markErr := m.accounts.MarkInvalid(acc.ID, err.Error()); markErr != nil {
			log.Printf("⚠️ mark invalid for %s: %v", acc.Email, markErr)
		}
		log.Printf("🔒 Account %s refresh rejected, marked invalid", acc.Email)
	case failureRateLimit:
		if recErr := m.accounts.RecordError(acc.ID, err.Error(), false); recErr != nil {
			log.Printf("⚠️ record error for %s: %v", acc.Email, recErr)
		}
		log.Printf("⏳ Rate-limited refreshing %s", acc.Email)
	default:
		if recErr := m.accounts.RecordError(acc.ID, err.Error(), true); recErr != nil {
			log.Printf("⚠️ record error for %s: %v", acc.Email, recErr)
		}
		log.Printf("⏳ Transient refresh failure for %s, account remains active", acc.Email)
	}
	return fmt.Errorf("refresh %s: %w", acc.Email, err)
}

// Counts summarizes one RefreshAllExpiring pass.
type Counts struct {
	Refreshed int
	Skipped   int
	Failed    int
}

// RefreshAllExpiring iterates active accounts and refreshes the ones near
// expiry. The per-account lock is tried non-blockingly: a held lock means a
// concurrent manual refresh is assumed to be making progress, so the account
// is skipped this cycle rather than queued.
func (m *Manager) RefreshAllExpiring(ctx context.Context) (Counts, error) {
	var counts Counts
	accounts, err := m.accounts.List(false, false)
	if err != nil {
		return counts, err
	}
	for i := range accounts {
		acc := &accounts[i]
		if !m.ShouldRefresh(acc) {
			counts.Skipped++
			continue
		}
		release, ok := m.locks.TryAcquire(acc.ID)
		if !ok {
			counts.Skipped++
			continue
		}
		err := m.refreshLocked(ctx, acc.ID)
		release()
		if err != nil {
			counts.Failed++
			continue
		}
		counts.Refreshed++
	}
	return counts, nil
}

// RecoverPending replays a crash-recovery record left by an earlier process.
// Records older than the staleness bound, or targeting accounts that no
// longer exist, are discarded.
func (m *Manager) RecoverPending(ctx context.Context) error {
	rec, err := m.gateway.ReadRecovery(m.recoveryPath)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	if rec.Expired(m.clock.Now()) {
		log.Printf("🗑️ discarding stale token recovery record (account %d)", rec.AccountID)
		return m.gateway.DeleteRecovery(m.recoveryPath)
	}
	if _, err := m.accounts.Get(rec.AccountID); errors.Is(err, store.ErrNotFound) {
		log.Printf("🗑️ discarding token recovery record for missing account %d", rec.AccountID)
		return m.gateway.DeleteRecovery(m.recoveryPath)
	} else if err != nil {
		return err
	}

	release := m.locks.Acquire(rec.AccountID)
	defer release()
	if err := m.accounts.ApplyTokens(rec.AccountID, rec.AccessToken, rec.RefreshToken, time.UnixMilli(rec.ExpiresAt).UTC()); err != nil {
		return fmt.Errorf("replay token recovery: %w", err)
	}
	log.Printf("✅ replayed token recovery record for account %d", rec.AccountID)
	return m.gateway.DeleteRecovery(m.recoveryPath)
}

// ForceResync re-reads the external credential source and assigns its tokens
// to a known account. Recovery path for the case where an authorization
// denial proved the external program already consumed our stored refresh
// token. Identity resolution is bypassed, but a stamp naming a different
// account makes the assignment refuse: tokens known to belong to someone
// else are never re-homed.
func (m *Manager) ForceResync(ctx context.Context, accountID uint) error {
	acc, err := m.accounts.Get(accountID)
	if err != nil {
		return err
	}
	snap, err := m.gateway.ReadSnapshot(m.credentialPath)
	if err != nil {
		return err
	}
	if snap == nil || snap.AccessToken == "" {
		return errors.New("no external credentials to resync from")
	}
	if snap.AccountStamp != 0 && snap.AccountStamp != accountID {
		return fmt.Errorf("external credentials are stamped for account %d, refusing resync to %d", snap.AccountStamp, accountID)
	}

	release := m.locks.Acquire(accountID)
	defer release()
	if err := m.accounts.ApplyTokens(accountID, snap.AccessToken, snap.RefreshToken, snap.ExpiresAt); err != nil {
		return fmt.Errorf("resync tokens: %w", err)
	}
	if err := m.accounts.ClearError(accountID); err != nil {
		log.Printf("⚠️ clear error for %s: %v", acc.Email, err)
	}
	log.Printf("✅ force-resynced tokens for %s from external source", acc.Email)
	return nil
}
