// Package identity resolves which stored account a credential snapshot
// belongs to, using a prioritized sequence of independent signals that each
// may abstain.
package identity

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nkatsov/acctkeeper/internal/credfile"
	"github.com/nkatsov/acctkeeper/internal/db/models"
	"github.com/nkatsov/acctkeeper/internal/store"
)

// Detection method tags recorded on session spans.
const (
	MethodEnvDir         = "env-dir"
	MethodStamp          = "stamp"
	MethodAccessToken    = "access-token"
	MethodRefreshToken   = "refresh-token"
	MethodRefreshHistory = "refresh-history"
	MethodSingleAccount  = "single-account"
	MethodConfigEmail    = "config-email"
)

// DefaultConfigFreshness gates the weakest layer: the external program's
// declared active email is trusted only when its config file was touched
// this recently.
const DefaultConfigFreshness = 5 * time.Minute

// Accounts is the read surface the resolver needs from the account store.
type Accounts interface {
	Get(id uint) (*models.Account, error)
	GetByEmail(email string, caseInsensitive bool) (*models.Account, error)
	FindByAccessToken(token string) (*models.Account, error)
	FindByRefreshToken(token string) (*models.Account, error)
	AccountForRefreshToken(token string) (*models.Account, error)
	ListRefreshable() ([]models.Account, error)
}

// Input carries the ambient context of one resolution attempt.
type Input struct {
	// AccountDir is the per-account isolated directory from the
	// environment, empty when the caller is not inside one.
	AccountDir string
	// ExternalConfigPath is the externally-owned config file declaring an
	// active email. May be empty.
	ExternalConfigPath string
}

// Result is a successful resolution.
type Result struct {
	AccountID uint
	Email     string
	Method    string
}

// Resolver applies the matching layers in strict priority order.
type Resolver struct {
	accounts        Accounts
	clock           clockwork.Clock
	configFreshness time.Duration
}

func NewResolver(accounts Accounts, clock clockwork.Clock) *Resolver {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Resolver{
		accounts:        accounts,
		clock:           clock,
		configFreshness: DefaultConfigFreshness,
	}
}

// Resolve determines the account behind a credential snapshot. Every layer
// may fall through; a layer matching a soft-deleted account is a non-match,
// not a failure. Returns (nil, nil) when nothing matches.
func (r *Resolver) Resolve(snap *credfile.Snapshot, in Input) (*Result, error) {
	// Layer 1: path-derived identity. Inside an isolated directory the
	// directory name is authoritative; only existence is checked.
	if in.AccountDir != "" {
		if id := credfile.AccountIDFromDir(in.AccountDir); id != 0 {
			if acc, err := r.accounts.Get(id); err == nil {
				return &Result{AccountID: acc.ID, Email: acc.Email, Method: MethodEnvDir}, nil
			} else if !errors.Is(err, store.ErrNotFound) {
				return nil, err
			}
		}
	}

	if snap != nil {
		// Layer 2: explicit stamp from a prior set-active-account action.
		if snap.AccountStamp != 0 {
			if acc, err := r.accounts.Get(snap.AccountStamp); err == nil {
				return &Result{AccountID: acc.ID, Email: acc.Email, Method: MethodStamp}, nil
			} else if !errors.Is(err, store.ErrNotFound) {
				return nil, err
			}
		}

		// Layer 3: exact access-token match.
		if acc, err := r.accounts.FindByAccessToken(snap.AccessToken); err == nil {
			return &Result{AccountID: acc.ID, Email: acc.Email, Method: MethodAccessToken}, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}

		// Layer 4: refresh-token match, live column first, then the
		// observed-token history that survives rotation races.
		if snap.RefreshToken != "" {
			if acc, err := r.accounts.FindByRefreshToken(snap.RefreshToken); err == nil {
				return &Result{AccountID: acc.ID, Email: acc.Email, Method: MethodRefreshToken}, nil
			} else if !errors.Is(err, store.ErrNotFound) {
				return nil, err
			}
			if acc, err := r.accounts.AccountForRefreshToken(snap.RefreshToken); err == nil {
				return &Result{AccountID: acc.ID, Email: acc.Email, Method: MethodRefreshHistory}, nil
			} else if !errors.Is(err, store.ErrNotFound) {
				return nil, err
			}
		}
	}

	// Layer 5: single-account shortcut. Refresh-token possession implies an
	// OAuth-managed account; exactly one of those is unambiguous by
	// construction. More than one is a heuristic failure worth flagging,
	// not silently trusting.
	refreshable, err := r.accounts.ListRefreshable()
	if err != nil {
		return nil, err
	}
	if len(refreshable) == 1 {
		acc := refreshable[0]
		return &Result{AccountID: acc.ID, Email: acc.Email, Method: MethodSingleAccount}, nil
	}
	if len(refreshable) > 1 && snap != nil && snap.RefreshToken != "" {
		log.Printf("⚠️ %d refreshable accounts, skipping single-account shortcut", len(refreshable))
	}

	// Layer 6: staleness-gated external email. The external program rewrites
	// this file independently; a long-stale declaration is no evidence.
	if in.ExternalConfigPath != "" {
		if res, err := r.resolveFromExternalConfig(in.ExternalConfigPath); err != nil {
			return nil, err
		} else if res != nil {
			return res, nil
		}
	}

	return nil, nil
}

func (r *Resolver) resolveFromExternalConfig(path string) (*Result, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if r.clock.Now().Sub(info.ModTime()) > r.configFreshness {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg struct {
		ActiveAccountEmail string `json:"activeAccountEmail"`
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		// Externally owned file; corrupt content is an abstain, not a failure.
		return nil, nil
	}
	if cfg.ActiveAccountEmail == "" {
		return nil, nil
	}

	acc, err := r.accounts.GetByEmail(cfg.ActiveAccountEmail, true)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &Result{AccountID: acc.ID, Email: acc.Email, Method: MethodConfigEmail}, nil
}
