package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"
	"gorm.io/gorm"

	"github.com/nkatsov/acctkeeper/internal/credfile"
	"github.com/nkatsov/acctkeeper/internal/db/models"
	"github.com/nkatsov/acctkeeper/internal/store"
)

type fakeExchanger struct {
	mu    sync.Mutex
	calls int32
	token *oauth2.Token
	err   error
}

func (f *fakeExchanger) Exchange(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.token, nil
}

func (f *fakeExchanger) callCount() int32 {
	return atomic.LoadInt32(&f.calls)
}

type testEnv struct {
	manager   *Manager
	accounts  *store.Store
	gateway   *credfile.Gateway
	exchanger *fakeExchanger
	clock     clockwork.FakeClock
	stateDir  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	database, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := database.AutoMigrate(&models.Account{}, &models.KnownRefreshToken{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	fc := clockwork.NewFakeClockAt(time.Now())
	accounts := store.New(database, fc)
	stateDir := t.TempDir()
	gateway := credfile.NewGateway(filepath.Join(stateDir, "accounts"), "", fc)
	exchanger := &fakeExchanger{token: &oauth2.Token{
		AccessToken: "at-fresh",
		Expiry:      fc.Now().Add(time.Hour),
	}}
	manager := NewManager(accounts, gateway, exchanger, NewLockRegistry(), fc, Options{
		RecoveryPath:       filepath.Join(stateDir, "recovery.json"),
		CredentialPath:     filepath.Join(stateDir, "credentials.json"),
		RefreshBuffer:      5 * time.Minute,
		ExchangesPerSecond: 1000, // tests should never wait on pacing
	})
	return &testEnv{
		manager:   manager,
		accounts:  accounts,
		gateway:   gateway,
		exchanger: exchanger,
		clock:     fc,
		stateDir:  stateDir,
	}
}

func (e *testEnv) seedExpiring(t *testing.T, email string, untilExpiry time.Duration) *models.Account {
	t.Helper()
	acc, err := e.accounts.Create(store.CreateParams{
		Email:        email,
		AccessToken:  "at-" + email,
		RefreshToken: "rt-" + email,
		ExpiresAt:    e.clock.Now().Add(untilExpiry),
	})
	if err != nil {
		t.Fatalf("failed to seed %s: %v", email, err)
	}
	return acc
}

func TestShouldRefresh(t *testing.T) {
	e := newTestEnv(t)

	fresh := e.seedExpiring(t, "fresh@example.com", time.Hour)
	if e.manager.ShouldRefresh(fresh) {
		t.Fatal("an hour from expiry is not due")
	}
	due := e.seedExpiring(t, "due@example.com", 2*time.Minute)
	if !e.manager.ShouldRefresh(due) {
		t.Fatal("inside the buffer window is due")
	}
	keyOnly, err := e.accounts.Create(store.CreateParams{Email: "key@example.com", AccessToken: "sk-123"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if e.manager.ShouldRefresh(keyOnly) {
		t.Fatal("an account without a refresh token is never due")
	}
}

func TestRefreshAppliesRotation(t *testing.T) {
	e := newTestEnv(t)
	acc := e.seedExpiring(t, "a@example.com", time.Minute)
	e.exchanger.token.RefreshToken = "rt-rotated"

	if err := e.manager.Refresh(context.Background(), acc.ID); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	got, _ := e.accounts.Get(acc.ID)
	if got.AccessToken != "at-fresh" || got.RefreshToken != "rt-rotated" {
		t.Fatalf("tokens not applied: %q / %q", got.AccessToken, got.RefreshToken)
	}
	if got.ValidationStatus != models.ValidationValid || got.ConsecutiveFailures != 0 {
		t.Fatalf("success must clear error state: %+v", got)
	}

	// Both the consumed and the rotated value live in history afterwards.
	if _, err := e.accounts.AccountForRefreshToken("rt-a@example.com"); err != nil {
		t.Fatalf("consumed token missing from history: %v", err)
	}
	if _, err := e.accounts.AccountForRefreshToken("rt-rotated"); err != nil {
		t.Fatalf("rotated token missing from history: %v", err)
	}
}

func TestRefreshSkipsWhenNotDue(t *testing.T) {
	e := newTestEnv(t)
	acc := e.seedExpiring(t, "a@example.com", time.Hour)

	if err := e.manager.Refresh(context.Background(), acc.ID); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if e.exchanger.callCount() != 0 {
		t.Fatalf("no exchange expected, got %d", e.exchanger.callCount())
	}
}

func TestConcurrentRefreshSingleExchange(t *testing.T) {
	e := newTestEnv(t)
	acc := e.seedExpiring(t, "a@example.com", time.Minute)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = e.manager.Refresh(context.Background(), acc.ID)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d failed: %v", i, err)
		}
	}
	if got := e.exchanger.callCount(); got != 1 {
		t.Fatalf("concurrent refreshes must share one exchange, got %d", got)
	}
}

func TestRefreshPermanentFailureMarksInvalid(t *testing.T) {
	e := newTestEnv(t)
	acc := e.seedExpiring(t, "a@example.com", time.Minute)
	e.exchanger.err = errors.New(`oauth2: "invalid_grant" "Token has been expired or revoked."`)

	if err := e.manager.Refresh(context.Background(), acc.ID); err == nil {
		t.Fatal("expected refresh error")
	}
	got, _ := e.accounts.Get(acc.ID)
	if got.IsActive {
		t.Fatal("authorization denial must deactivate the account")
	}
	if got.ValidationStatus != models.ValidationInvalid {
		t.Fatalf("validation status = %q", got.ValidationStatus)
	}
	if got.ConsecutiveFailures != 1 {
		t.Fatalf("consecutive failures = %d", got.ConsecutiveFailures)
	}
}

func TestRefreshRateLimitKeepsCounter(t *testing.T) {
	e := newTestEnv(t)
	acc := e.seedExpiring(t, "a@example.com", time.Minute)
	e.exchanger.err = &oauth2.RetrieveError{
		Response: &http.Response{StatusCode: http.StatusTooManyRequests},
		Body:     []byte("slow down"),
	}

	if err := e.manager.Refresh(context.Background(), acc.ID); err == nil {
		t.Fatal("expected refresh error")
	}
	got, _ := e.accounts.Get(acc.ID)
	if !got.IsActive {
		t.Fatal("rate limiting must not deactivate the account")
	}
	if got.ConsecutiveFailures != 0 {
		t.Fatalf("rate limiting must not grow the failure counter, got %d", got.ConsecutiveFailures)
	}
	if got.LastError == "" {
		t.Fatal("the failure should still be recorded")
	}
}

func TestRefreshTransientFailureStaysActive(t *testing.T) {
	e := newTestEnv(t)
	acc := e.seedExpiring(t, "a@example.com", time.Minute)
	e.exchanger.err = &oauth2.RetrieveError{
		Response: &http.Response{StatusCode: http.StatusBadGateway},
		Body:     []byte("upstream sad"),
	}

	if err := e.manager.Refresh(context.Background(), acc.ID); err == nil {
		t.Fatal("expected refresh error")
	}
	got, _ := e.accounts.Get(acc.ID)
	if !got.IsActive {
		t.Fatal("transient failures must not deactivate the account")
	}
	if got.ConsecutiveFailures != 1 {
		t.Fatalf("consecutive failures = %d", got.ConsecutiveFailures)
	}
}

func TestRefreshAllExpiringCounts(t *testing.T) {
	e := newTestEnv(t)
	e.seedExpiring(t, "due@example.com", time.Minute)
	e.seedExpiring(t, "fresh@example.com", time.Hour)

	counts, err := e.manager.RefreshAllExpiring(context.Background())
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if counts.Refreshed != 1 || counts.Skipped != 1 || counts.Failed != 0 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
}

func TestRefreshAllExpiringSkipsHeldLock(t *testing.T) {
	e := newTestEnv(t)
	acc := e.seedExpiring(t, "due@example.com", time.Minute)

	release := e.manager.locks.Acquire(acc.ID)
	defer release()

	counts, err := e.manager.RefreshAllExpiring(context.Background())
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if counts.Skipped != 1 || counts.Refreshed != 0 {
		t.Fatalf("a held lock should skip, got %+v", counts)
	}
	if e.exchanger.callCount() != 0 {
		t.Fatal("no exchange expected while the lock is held")
	}
}

func TestRecoverPendingReplays(t *testing.T) {
	e := newTestEnv(t)
	acc := e.seedExpiring(t, "a@example.com", time.Minute)

	rec := &credfile.RecoveryRecord{
		AccountID:    acc.ID,
		AccessToken:  "at-recovered",
		RefreshToken: "rt-recovered",
		ExpiresAt:    e.clock.Now().Add(time.Hour).UnixMilli(),
	}
	recPath := filepath.Join(e.stateDir, "recovery.json")
	if err := e.gateway.WriteRecovery(recPath, rec); err != nil {
		t.Fatalf("write recovery failed: %v", err)
	}

	if err := e.manager.RecoverPending(context.Background()); err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	got, _ := e.accounts.Get(acc.ID)
	if got.AccessToken != "at-recovered" || got.RefreshToken != "rt-recovered" {
		t.Fatalf("recovery not replayed: %+v", got)
	}
	if _, err := os.Stat(recPath); !os.IsNotExist(err) {
		t.Fatal("consumed recovery record must be deleted")
	}
}

func TestRecoverPendingDiscardsStale(t *testing.T) {
	e := newTestEnv(t)
	acc := e.seedExpiring(t, "a@example.com", time.Minute)

	recPath := filepath.Join(e.stateDir, "recovery.json")
	rec := &credfile.RecoveryRecord{AccountID: acc.ID, AccessToken: "at-old", RefreshToken: "rt-old"}
	if err := e.gateway.WriteRecovery(recPath, rec); err != nil {
		t.Fatalf("write recovery failed: %v", err)
	}
	e.clock.Advance(credfile.RecoveryMaxAge + time.Minute)

	if err := e.manager.RecoverPending(context.Background()); err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	got, _ := e.accounts.Get(acc.ID)
	if got.AccessToken == "at-old" {
		t.Fatal("stale record must not be replayed")
	}
	if _, err := os.Stat(recPath); !os.IsNotExist(err) {
		t.Fatal("stale record must be discarded")
	}
}

func TestRecoverPendingDiscardsMissingAccount(t *testing.T) {
	e := newTestEnv(t)

	recPath := filepath.Join(e.stateDir, "recovery.json")
	rec := &credfile.RecoveryRecord{AccountID: 999, AccessToken: "at", RefreshToken: "rt"}
	if err := e.gateway.WriteRecovery(recPath, rec); err != nil {
		t.Fatalf("write recovery failed: %v", err)
	}
	if err := e.manager.RecoverPending(context.Background()); err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if _, err := os.Stat(recPath); !os.IsNotExist(err) {
		t.Fatal("record for a missing account must be discarded")
	}
}

func TestForceResyncRefusesForeignStamp(t *testing.T) {
	e := newTestEnv(t)
	a := e.seedExpiring(t, "a@example.com", time.Minute)
	b := e.seedExpiring(t, "b@example.com", time.Minute)

	credPath := filepath.Join(e.stateDir, "credentials.json")
	snap := &credfile.Snapshot{
		AccessToken:  "at-external",
		RefreshToken: "rt-external",
		ExpiresAt:    e.clock.Now().Add(time.Hour),
		AccountStamp: b.ID,
	}
	if err := e.gateway.WriteSnapshot(credPath, snap); err != nil {
		t.Fatalf("write snapshot failed: %v", err)
	}

	if err := e.manager.ForceResync(context.Background(), a.ID); err == nil {
		t.Fatal("a foreign stamp must refuse the resync")
	}

	// The stamped account itself is fine.
	if err := e.manager.ForceResync(context.Background(), b.ID); err != nil {
		t.Fatalf("resync failed: %v", err)
	}
	got, _ := e.accounts.Get(b.ID)
	if got.AccessToken != "at-external" || got.RefreshToken != "rt-external" {
		t.Fatalf("resync not applied: %+v", got)
	}
}

// failingAccounts wraps the real store but refuses the durable token write,
// simulating a crash window after a successful upstream exchange.
type failingAccounts struct {
	*store.Store
}

func (f *failingAccounts) ApplyTokens(id uint, accessToken, refreshToken string, expiresAt time.Time) error {
	return errors.New("disk full")
}

func TestFailedPersistWritesRecovery(t *testing.T) {
	e := newTestEnv(t)
	acc := e.seedExpiring(t, "a@example.com", time.Minute)
	e.exchanger.token.RefreshToken = "rt-rotated"

	recPath := filepath.Join(e.stateDir, "recovery.json")
	failing := NewManager(&failingAccounts{Store: e.accounts}, e.gateway, e.exchanger, NewLockRegistry(), e.clock, Options{
		RecoveryPath:       recPath,
		RefreshBuffer:      5 * time.Minute,
		ExchangesPerSecond: 1000,
	})

	if err := failing.Refresh(context.Background(), acc.ID); err == nil {
		t.Fatal("expected persist failure to surface")
	}
	rec, err := e.gateway.ReadRecovery(recPath)
	if err != nil {
		t.Fatalf("read recovery failed: %v", err)
	}
	if rec == nil {
		t.Fatal("a recovery record must exist after a failed persist")
	}
	if rec.AccountID != acc.ID || rec.AccessToken != "at-fresh" || rec.RefreshToken != "rt-rotated" {
		t.Fatalf("recovery record mangled: %+v", rec)
	}
}
