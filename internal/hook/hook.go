// Package hook handles the per-event subprocesses the external host spawns.
// A hook must never block or fail the host: work is dispatched onto a
// background goroutine, waited on briefly, and the process exits success
// whether or not the work finished.
package hook

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"time"

	"github.com/nkatsov/acctkeeper/internal/credfile"
	"github.com/nkatsov/acctkeeper/internal/identity"
	"github.com/nkatsov/acctkeeper/internal/logging"
	"github.com/nkatsov/acctkeeper/internal/session"
)

// DispatchTimeout is how long a hook waits for its background work before
// exiting anyway. Eventual persistence matters more than synchronous
// confirmation.
const DispatchTimeout = 3 * time.Second

// Lifecycle events the host delivers, one JSON object on stdin each.
const (
	EventSessionStart     = "SessionStart"
	EventNotification     = "Notification"
	EventSessionEnd       = "SessionEnd"
	EventStop             = "Stop"
	EventUserPromptSubmit = "UserPromptSubmit"
)

// Event is the hook input contract.
type Event struct {
	HookEventName string `json:"hook_event_name"`
	SessionID     string `json:"session_id"`
	Cwd           string `json:"cwd"`
}

// ErrorClearer is the one account-store write a hook performs: a session
// successfully using an account is evidence the account works.
type ErrorClearer interface {
	ClearError(id uint) error
}

// Handler wires one hook invocation to the core.
type Handler struct {
	gateway  *credfile.Gateway
	resolver *identity.Resolver
	tracker  *session.Tracker
	accounts ErrorClearer

	credentialPath     string
	externalConfigPath string
	accountDirEnv      string
}

type Params struct {
	Gateway            *credfile.Gateway
	Resolver           *identity.Resolver
	Tracker            *session.Tracker
	Accounts           ErrorClearer
	CredentialPath     string
	ExternalConfigPath string
	// AccountDirEnv is the value of the isolated-directory environment
	// variable, empty when not launched inside one.
	AccountDirEnv string
}

func NewHandler(p Params) *Handler {
	return &Handler{
		gateway:            p.Gateway,
		resolver:           p.Resolver,
		tracker:            p.Tracker,
		accounts:           p.Accounts,
		credentialPath:     p.CredentialPath,
		externalConfigPath: p.ExternalConfigPath,
		accountDirEnv:      p.AccountDirEnv,
	}
}

// Run reads one event from stdin and processes it. It always returns nil:
// hook failures are logged, never surfaced, because the host's workflow
// must not be blocked by ours.
func (h *Handler) Run(ctx context.Context, stdin io.Reader) error {
	ctx = logging.WithInvocationID(ctx, logging.NewInvocationID())

	data, err := io.ReadAll(io.LimitReader(stdin, 1<<20))
	if err != nil {
		log.Printf("⚠️ hook %s: read stdin: %v", logging.InvocationID(ctx), err)
		return nil
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Printf("⚠️ hook %s: parse event: %v", logging.InvocationID(ctx), err)
		return nil
	}
	if ev.SessionID == "" || !recognized(ev.HookEventName) {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := h.handle(ctx, ev); err != nil {
			log.Printf("⚠️ hook %s: %s: %v", logging.InvocationID(ctx), ev.HookEventName, err)
		}
	}()

	select {
	case <-done:
	case <-time.After(DispatchTimeout):
		// Fire and forget; the goroutine keeps the write going as long as
		// the process lives, and next invocation catches up otherwise.
		log.Printf("⏳ hook %s: %s dispatch timed out", logging.InvocationID(ctx), ev.HookEventName)
	case <-ctx.Done():
	}
	return nil
}

func recognized(name string) bool {
	switch name {
	case EventSessionStart, EventNotification, EventSessionEnd, EventStop, EventUserPromptSubmit:
		return true
	}
	return false
}

func (h *Handler) handle(ctx context.Context, ev Event) error {
	switch ev.HookEventName {
	case EventSessionEnd, EventStop:
		return h.tracker.End(ev.SessionID)
	case EventNotification:
		// Liveness only; a notification on an unknown session records
		// nothing.
		_, err := h.tracker.Heartbeat(ev.SessionID)
		return err
	default:
		return h.recordDetection(ctx, ev)
	}
}

// recordDetection resolves the current credential snapshot to an account
// and records the session span under it (or under the unknown account).
func (h *Handler) recordDetection(ctx context.Context, ev Event) error {
	credPath := h.credentialPath
	if h.accountDirEnv != "" {
		credPath = h.gateway.CredentialPath(h.accountDirEnv)
	}
	snap, err := h.gateway.ReadSnapshot(credPath)
	if err != nil {
		// Integrity failure reading credentials: fall through with no
		// snapshot; identity may still resolve from weaker layers.
		log.Printf("⚠️ hook %s: %v", logging.InvocationID(ctx), err)
		snap = nil
	}

	res, err := h.resolver.Resolve(snap, identity.Input{
		AccountDir:         h.accountDirEnv,
		ExternalConfigPath: h.externalConfigPath,
	})
	if err != nil {
		return err
	}

	var accountID *uint
	var email *string
	method := "none"
	if res != nil {
		accountID = &res.AccountID
		email = &res.Email
		method = res.Method
	}
	if _, err := h.tracker.Record(ev.SessionID, accountID, email, method, session.RecordOptions{RepoPath: ev.Cwd}); err != nil {
		return err
	}

	// A session actively using the account is proof it works.
	if res != nil && h.accounts != nil {
		if err := h.accounts.ClearError(res.AccountID); err != nil {
			log.Printf("⚠️ hook %s: clear error: %v", logging.InvocationID(ctx), err)
		}
	}
	return nil
}
