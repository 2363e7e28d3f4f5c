package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"
	"gorm.io/gorm"

	"github.com/nkatsov/acctkeeper/internal/config"
	"github.com/nkatsov/acctkeeper/internal/credfile"
	"github.com/nkatsov/acctkeeper/internal/db"
	"github.com/nkatsov/acctkeeper/internal/db/models"
	"github.com/nkatsov/acctkeeper/internal/hook"
	"github.com/nkatsov/acctkeeper/internal/identity"
	"github.com/nkatsov/acctkeeper/internal/lifecycle"
	"github.com/nkatsov/acctkeeper/internal/server"
	"github.com/nkatsov/acctkeeper/internal/session"
	"github.com/nkatsov/acctkeeper/internal/store"
	"github.com/nkatsov/acctkeeper/internal/version"
)

const usage = `acctkeeper - multi-account credential keeper

Usage:
  acctkeeper serve   [-config path]       run the daemon
  acctkeeper hook    [-config path]       process one host lifecycle event from stdin
  acctkeeper launch  [-config path] <account>   activate an account and print its environment
  acctkeeper version                      print version information
`

func main() {
	log.SetFlags(log.LstdFlags)

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "hook":
		runHook(os.Args[2:])
	case "launch":
		runLaunch(os.Args[2:])
	case "version", "-v", "--version":
		fmt.Printf("acctkeeper %s (%s, built %s)\n", version.Version, version.Commit, version.BuildTime)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

// core bundles the components every subcommand wires the same way.
type core struct {
	cfg      *config.Config
	database *gorm.DB
	accounts *store.Store
	gateway  *credfile.Gateway
	clock    clockwork.Clock
}

func buildCore(configPath string) (*core, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	database, err := db.InitDB(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	clock := clockwork.NewRealClock()
	return &core{
		cfg:      cfg,
		database: database,
		accounts: store.New(database, clock),
		gateway:  credfile.NewGateway(cfg.AccountDirBase, cfg.GlobalConfigFile, clock),
		clock:    clock,
	}, nil
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config.yaml")
	fs.Parse(args)

	c, err := buildCore(*configPath)
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}

	rawPool, err := db.OpenRawPool(c.cfg.DBPath, 4)
	if err != nil {
		log.Fatalf("Failed to open watcher pool: %v", err)
	}
	defer rawPool.Close()

	locks := lifecycle.NewLockRegistry()
	manager := lifecycle.NewManager(c.accounts, c.gateway, exchanger(c.cfg), locks, c.clock, lifecycle.Options{
		RecoveryPath:       c.cfg.RecoveryFile,
		CredentialPath:     c.cfg.CredentialFile,
		RefreshBuffer:      c.cfg.RefreshBuffer,
		ExchangesPerSecond: c.cfg.ExchangesPerSecond,
	})
	tracker := session.NewTracker(c.database, c.clock, c.accounts)

	srv := server.New(server.Params{
		Config:   *c.cfg,
		Database: c.database,
		RawPool:  rawPool,
		Gateway:  c.gateway,
		Accounts: c.accounts,
		Tracker:  tracker,
		Manager:  manager,
		Locks:    locks,
		Clock:    c.clock,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
	log.Println("👋 Shut down cleanly")
}

// runHook must exit 0 no matter what: a failing hook would block the host's
// own workflow for nothing it can act on.
func runHook(args []string) {
	fs := flag.NewFlagSet("hook", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config.yaml")
	if err := fs.Parse(args); err != nil {
		os.Exit(0)
	}

	c, err := buildCore(*configPath)
	if err != nil {
		log.Printf("⚠️ hook startup: %v", err)
		os.Exit(0)
	}

	tracker := session.NewTracker(c.database, c.clock, c.accounts)
	resolver := identity.NewResolver(c.accounts, c.clock)
	handler := hook.NewHandler(hook.Params{
		Gateway:            c.gateway,
		Resolver:           resolver,
		Tracker:            tracker,
		Accounts:           c.accounts,
		CredentialPath:     c.cfg.CredentialFile,
		ExternalConfigPath: c.cfg.ExternalConfigFile,
		AccountDirEnv:      config.AccountDirFromEnv(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), hook.DispatchTimeout+time.Second)
	defer cancel()
	_ = handler.Run(ctx, os.Stdin)
	os.Exit(0)
}

// runLaunch activates an account: its tokens go into an isolated per-account
// directory with a stamped credential file, and the shell line to point the
// host at that directory is printed on stdout.
func runLaunch(args []string) {
	fs := flag.NewFlagSet("launch", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config.yaml")
	shared := fs.Bool("shared", false, "also stamp the shared credential file instead of only the isolated directory")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: acctkeeper launch [-shared] <account-id-or-email>")
		os.Exit(2)
	}

	c, err := buildCore(*configPath)
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}

	acc, err := findAccount(c.accounts, fs.Arg(0))
	if err != nil {
		log.Fatalf("Account lookup failed: %v", err)
	}

	dir, err := c.gateway.PerAccountDir(acc.ID)
	if err != nil {
		log.Fatalf("Failed to prepare account directory: %v", err)
	}

	snap := snapshotFromAccount(acc)
	if err := c.gateway.WriteSnapshot(c.gateway.CredentialPath(dir), snap); err != nil {
		log.Fatalf("Failed to write credentials: %v", err)
	}
	if *shared {
		if err := c.gateway.WriteSnapshot(c.cfg.CredentialFile, snap); err != nil {
			log.Fatalf("Failed to stamp shared credentials: %v", err)
		}
	}

	log.Printf("✅ Activated %s (ID %d) in %s", acc.Email, acc.ID, dir)
	fmt.Printf("export %s=%q\n", config.EnvAccountDir, dir)
}

func findAccount(accounts *store.Store, key string) (*models.Account, error) {
	if id, err := strconv.ParseUint(key, 10, 32); err == nil {
		return accounts.Get(uint(id))
	}
	return accounts.GetByEmail(key, true)
}

func snapshotFromAccount(acc *models.Account) *credfile.Snapshot {
	var scopes []string
	if acc.Scopes != "" {
		_ = json.Unmarshal([]byte(acc.Scopes), &scopes)
	}
	return &credfile.Snapshot{
		AccessToken:      acc.AccessToken,
		RefreshToken:     acc.RefreshToken,
		ExpiresAt:        acc.ExpiresAt,
		Scopes:           scopes,
		SubscriptionType: acc.SubscriptionType,
		RateLimitTier:    acc.RateLimitTier,
		AccountStamp:     acc.ID,
	}
}

func exchanger(cfg *config.Config) lifecycle.TokenExchanger {
	return &lifecycle.OAuthExchanger{
		Config: &oauth2.Config{
			ClientID: cfg.ClientID,
			Endpoint: oauth2.Endpoint{TokenURL: cfg.TokenEndpoint},
		},
		Timeout: cfg.ExchangeTimeout,
	}
}
