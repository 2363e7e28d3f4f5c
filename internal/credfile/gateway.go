package credfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// ErrSymlink is returned when a credential path turns out to be a symlink.
// Writing through one would let a planted link redirect tokens elsewhere.
var ErrSymlink = errors.New("credential path is a symlink")

const (
	renameAttempts = 5
	renameBackoff  = 50 * time.Millisecond
)

// AccountDirPattern is the naming scheme of per-account isolated
// directories. The directory name alone is authoritative for identity.
var AccountDirPattern = regexp.MustCompile(`^account-(\d+)$`)

// comfortKeys is the allow-list of non-identity settings seeded into a fresh
// per-account config. Tokens and anything identity-bearing never appear here.
var comfortKeys = []string{
	"theme",
	"editorMode",
	"autoUpdates",
	"hasCompletedOnboarding",
	"preferredNotifChannel",
}

// trustKeys is the minimal per-project allow-list propagated between
// configs. Nothing else from a project entry crosses the boundary.
var trustKeys = []string{"hasTrustDialogAccepted"}

// Gateway performs all reads and writes of credential files shared with the
// external host, plus management of per-account isolated directories.
type Gateway struct {
	accountDirBase   string
	globalConfigPath string
	clock            clockwork.Clock
}

func NewGateway(accountDirBase, globalConfigPath string, clock clockwork.Clock) *Gateway {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Gateway{
		accountDirBase:   accountDirBase,
		globalConfigPath: globalConfigPath,
		clock:            clock,
	}
}

// ReadSnapshot reads a credential bundle. A missing file is not an error;
// it returns (nil, nil). Corrupt JSON is an integrity failure.
func (g *Gateway) ReadSnapshot(path string) (*Snapshot, error) {
	if err := checkPath(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse credentials %s: %w", filepath.Base(path), err)
	}
	return &snap, nil
}

// WriteSnapshot atomically replaces the credential file: refuse symlinks,
// write an owner-only temp file in the same directory, rename over the
// destination. The rename is retried a bounded number of times because the
// external host may briefly hold the file open on some platforms.
func (g *Gateway) WriteSnapshot(path string, snap *Snapshot) error {
	if err := checkPath(path); err != nil {
		return err
	}
	if info, err := os.Lstat(path); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("%w: %s", ErrSymlink, path)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	return g.atomicWrite(path, data)
}

func (g *Gateway) atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create credential dir: %w", err)
	}
	tmp := filepath.Join(dir, "."+filepath.Base(path)+"."+uuid.NewString()[:8]+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp credentials: %w", err)
	}

	var renameErr error
	for attempt := 1; attempt <= renameAttempts; attempt++ {
		renameErr = os.Rename(tmp, path)
		if renameErr == nil {
			return nil
		}
		// Only transient "in use" failures are worth retrying; a missing
		// directory or a permission denial will not heal on its own.
		if !retriableRename(renameErr) || attempt == renameAttempts {
			break
		}
		g.clock.Sleep(renameBackoff * time.Duration(attempt))
	}
	_ = os.Remove(tmp)
	return fmt.Errorf("replace credentials: %w", renameErr)
}

func retriableRename(err error) bool {
	return !errors.Is(err, os.ErrNotExist) && !errors.Is(err, os.ErrPermission)
}

// PerAccountDir ensures the isolated credential directory for an account so
// two concurrently launched sessions on different accounts never race on one
// file. On first use it seeds comfort settings from the global config; trust
// flags are propagated additively on every call.
func (g *Gateway) PerAccountDir(accountID uint) (string, error) {
	dir := filepath.Join(g.accountDirBase, fmt.Sprintf("account-%d", accountID))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create account dir: %w", err)
	}

	cfgPath := filepath.Join(dir, "config.json")
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := g.seedComfortSettings(cfgPath); err != nil {
			return "", err
		}
	}
	if err := g.propagateTrustFlags(cfgPath); err != nil {
		return "", err
	}
	return dir, nil
}

// AccountIDFromDir extracts the account id from an isolated directory path,
// or 0 when the path does not follow the account-<id> scheme.
func AccountIDFromDir(dir string) uint {
	m := AccountDirPattern.FindStringSubmatch(filepath.Base(filepath.Clean(dir)))
	if m == nil {
		return 0
	}
	var id uint
	if _, err := fmt.Sscanf(m[1], "%d", &id); err != nil {
		return 0
	}
	return id
}

// CredentialPath is the credential file location inside an isolated dir.
func (g *Gateway) CredentialPath(accountDir string) string {
	return filepath.Join(accountDir, "credentials.json")
}

func (g *Gateway) seedComfortSettings(cfgPath string) error {
	global, err := g.readConfigObject(g.globalConfigPath)
	if err != nil {
		return err
	}
	seeded := make(map[string]json.RawMessage)
	for _, key := range comfortKeys {
		if v, ok := global[key]; ok {
			seeded[key] = v
		}
	}
	data, err := json.MarshalIndent(seeded, "", "  ")
	if err != nil {
		return fmt.Errorf("encode seeded config: %w", err)
	}
	return g.atomicWrite(cfgPath, data)
}

// propagateTrustFlags copies workspace-trust entries from the global config
// into the per-account config, additive only. An existing per-account entry
// is never overwritten: the account may have made its own trust decision.
func (g *Gateway) propagateTrustFlags(cfgPath string) error {
	global, err := g.readConfigObject(g.globalConfigPath)
	if err != nil {
		return err
	}
	globalProjects := decodeProjects(global["projects"])
	if len(globalProjects) == 0 {
		return nil
	}

	local, err := g.readConfigObject(cfgPath)
	if err != nil {
		return err
	}
	localProjects := decodeProjects(local["projects"])
	if localProjects == nil {
		localProjects = make(map[string]map[string]json.RawMessage)
	}

	changed := false
	for path, entry := range globalProjects {
		if _, exists := localProjects[path]; exists {
			continue
		}
		filtered := make(map[string]json.RawMessage)
		for _, key := range trustKeys {
			if v, ok := entry[key]; ok {
				filtered[key] = v
			}
		}
		if len(filtered) == 0 {
			continue
		}
		localProjects[path] = filtered
		changed = true
	}
	if !changed {
		return nil
	}

	projectsRaw, err := json.Marshal(localProjects)
	if err != nil {
		return fmt.Errorf("encode trust entries: %w", err)
	}
	local["projects"] = projectsRaw
	data, err := json.MarshalIndent(local, "", "  ")
	if err != nil {
		return fmt.Errorf("encode per-account config: %w", err)
	}
	return g.atomicWrite(cfgPath, data)
}

func (g *Gateway) readConfigObject(path string) (map[string]json.RawMessage, error) {
	if path == "" {
		return map[string]json.RawMessage{}, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]json.RawMessage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", filepath.Base(path), err)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", filepath.Base(path), err)
	}
	return obj, nil
}

func decodeProjects(raw json.RawMessage) map[string]map[string]json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var projects map[string]map[string]json.RawMessage
	if err := json.Unmarshal(raw, &projects); err != nil {
		return nil
	}
	return projects
}

// checkPath refuses path traversal in referenced files before any IO.
func checkPath(path string) error {
	if path == "" {
		return errors.New("empty credential path")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("path traversal in credential path %q", path)
		}
	}
	return nil
}
