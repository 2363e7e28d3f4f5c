package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jonboulle/clockwork"
	"gorm.io/gorm"

	"github.com/nkatsov/acctkeeper/internal/credfile"
	"github.com/nkatsov/acctkeeper/internal/db/models"
	"github.com/nkatsov/acctkeeper/internal/store"
)

func newTestResolver(t *testing.T) (*Resolver, *store.Store, clockwork.FakeClock) {
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
	return NewResolver(accounts, fc), accounts, fc
}

func seed(t *testing.T, accounts *store.Store, email, accessToken, refreshToken string) *models.Account {
	t.Helper()
	acc, err := accounts.Create(store.CreateParams{
		Email:        email,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	})
	if err != nil {
		t.Fatalf("failed to seed %s: %v", email, err)
	}
	return acc
}

func TestResolveStampOutranksTokenMatch(t *testing.T) {
	r, accounts, _ := newTestResolver(t)
	a := seed(t, accounts, "a@example.com", "at-a", "rt-a")
	b := seed(t, accounts, "b@example.com", "at-b", "rt-b")

	// The snapshot carries b's tokens but a's stamp: the stamp wins.
	res, err := r.Resolve(&credfile.Snapshot{
		AccessToken:  "at-b",
		RefreshToken: "rt-b",
		AccountStamp: a.ID,
	}, Input{})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if res == nil || res.AccountID != a.ID || res.Method != MethodStamp {
		t.Fatalf("expected stamp match on %d, got %+v", a.ID, res)
	}
	_ = b
}

func TestResolveStaleStampFallsThrough(t *testing.T) {
	r, accounts, _ := newTestResolver(t)
	a := seed(t, accounts, "a@example.com", "at-a", "rt-a")
	seed(t, accounts, "b@example.com", "at-b", "rt-b")

	// Stamp for a deleted account is a non-match; the access token decides.
	if err := accounts.SoftDelete(a.ID); err != nil {
		t.Fatalf("soft delete failed: %v", err)
	}
	res, err := r.Resolve(&credfile.Snapshot{
		AccessToken:  "at-b",
		AccountStamp: a.ID,
	}, Input{})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if res == nil || res.Email != "b@example.com" || res.Method != MethodAccessToken {
		t.Fatalf("expected fall-through to access-token match, got %+v", res)
	}
}

func TestResolveEnvDirOutranksEverything(t *testing.T) {
	r, accounts, _ := newTestResolver(t)
	a := seed(t, accounts, "a@example.com", "at-a", "rt-a")
	b := seed(t, accounts, "b@example.com", "at-b", "rt-b")

	res, err := r.Resolve(&credfile.Snapshot{
		AccessToken:  "at-b",
		AccountStamp: b.ID,
	}, Input{AccountDir: fmt.Sprintf("/state/accounts/account-%d", a.ID)})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if res == nil || res.AccountID != a.ID || res.Method != MethodEnvDir {
		t.Fatalf("expected env-dir match on %d, got %+v", a.ID, res)
	}
}

func TestResolveRefreshHistorySurvivesRotation(t *testing.T) {
	r, accounts, _ := newTestResolver(t)
	a := seed(t, accounts, "a@example.com", "at-a", "rt-old")

	// Rotation replaced the live column, but the old value is in history.
	if err := accounts.ApplyTokens(a.ID, "at-new", "rt-new", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("apply tokens failed: %v", err)
	}
	if err := accounts.RememberRefreshToken("rt-old", a.ID); err != nil {
		t.Fatalf("remember failed: %v", err)
	}
	seed(t, accounts, "b@example.com", "at-b", "rt-b")

	res, err := r.Resolve(&credfile.Snapshot{
		AccessToken:  "at-stale",
		RefreshToken: "rt-old",
	}, Input{})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if res == nil || res.AccountID != a.ID || res.Method != MethodRefreshHistory {
		t.Fatalf("expected refresh-history match, got %+v", res)
	}
}

func TestResolveSingleAccountShortcut(t *testing.T) {
	r, accounts, _ := newTestResolver(t)
	a := seed(t, accounts, "a@example.com", "at-a", "rt-a")
	// API-key accounts do not count toward the shortcut.
	seed(t, accounts, "key@example.com", "sk-123", "")

	res, err := r.Resolve(&credfile.Snapshot{AccessToken: "unknown"}, Input{})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if res == nil || res.AccountID != a.ID || res.Method != MethodSingleAccount {
		t.Fatalf("expected single-account shortcut, got %+v", res)
	}
}

func TestResolveMultipleRefreshableAbstains(t *testing.T) {
	r, accounts, _ := newTestResolver(t)
	seed(t, accounts, "a@example.com", "at-a", "rt-a")
	seed(t, accounts, "b@example.com", "at-b", "rt-b")

	res, err := r.Resolve(&credfile.Snapshot{AccessToken: "unknown", RefreshToken: "rt-unknown"}, Input{})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if res != nil {
		t.Fatalf("two refreshable accounts must abstain, got %+v", res)
	}
}

func TestResolveConfigEmailFreshnessGate(t *testing.T) {
	r, accounts, fc := newTestResolver(t)
	a := seed(t, accounts, "a@example.com", "at-a", "rt-a")
	seed(t, accounts, "b@example.com", "at-b", "rt-b")

	cfgPath := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(cfgPath, []byte(`{"activeAccountEmail":"A@Example.com"}`), 0o600); err != nil {
		t.Fatalf("seed config failed: %v", err)
	}

	res, err := r.Resolve(nil, Input{ExternalConfigPath: cfgPath})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if res == nil || res.AccountID != a.ID || res.Method != MethodConfigEmail {
		t.Fatalf("fresh config should resolve by email, got %+v", res)
	}

	// Past the freshness window the declaration is no evidence.
	fc.Advance(DefaultConfigFreshness + time.Minute)
	res, err = r.Resolve(nil, Input{ExternalConfigPath: cfgPath})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if res != nil {
		t.Fatalf("stale config must abstain, got %+v", res)
	}
}

func TestResolveCorruptConfigAbstains(t *testing.T) {
	r, accounts, _ := newTestResolver(t)
	seed(t, accounts, "a@example.com", "at-a", "rt-a")
	seed(t, accounts, "b@example.com", "at-b", "rt-b")

	cfgPath := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(cfgPath, []byte("{broken"), 0o600); err != nil {
		t.Fatalf("seed config failed: %v", err)
	}
	res, err := r.Resolve(nil, Input{ExternalConfigPath: cfgPath})
	if err != nil {
		t.Fatalf("corrupt external config must not error: %v", err)
	}
	if res != nil {
		t.Fatalf("corrupt external config must abstain, got %+v", res)
	}
}
