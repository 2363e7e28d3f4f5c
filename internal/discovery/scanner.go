// Package discovery finds credential files on the local machine that could
// be imported as stored accounts: the shared file the external host writes,
// isolated per-account directories, and whatever extra paths the operator
// configures.
package discovery

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nkatsov/acctkeeper/internal/credfile"
	"github.com/nkatsov/acctkeeper/internal/util"
)

// Candidate is one importable credential file. Tokens are masked for
// presentation; Import re-reads the file for the real values.
type Candidate struct {
	Source       string    `json:"source"`
	Path         string    `json:"path"`
	AccessToken  string    `json:"access_token"` // masked
	HasRefresh   bool      `json:"has_refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	AccountStamp uint      `json:"account_stamp,omitempty"`
}

// Result holds one scan pass.
type Result struct {
	Candidates []Candidate `json:"candidates"`
	Errors     []ScanError `json:"errors,omitempty"`
}

type ScanError struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// Scanner walks the known credential locations.
type Scanner struct {
	gateway *credfile.Gateway

	// sharedPath is the credential file the external host owns.
	sharedPath string
	// accountDirBase holds the isolated per-account directories.
	accountDirBase string
	// extraPaths are operator-supplied locations, ~ expanded, globs allowed.
	extraPaths []string
}

func NewScanner(gateway *credfile.Gateway, sharedPath, accountDirBase string, extraPaths []string) *Scanner {
	return &Scanner{
		gateway:        gateway,
		sharedPath:     sharedPath,
		accountDirBase: accountDirBase,
		extraPaths:     extraPaths,
	}
}

// ScanAll reads every known location. Unreadable or corrupt files are
// reported, not fatal: a scan is advisory.
func (s *Scanner) ScanAll() *Result {
	result := &Result{
		Candidates: make([]Candidate, 0),
		Errors:     make([]ScanError, 0),
	}

	if s.sharedPath != "" {
		s.scanFile(result, "shared", s.sharedPath)
	}
	s.scanAccountDirs(result)
	for _, pattern := range s.extraPaths {
		expanded := expandPath(pattern)
		matches, err := filepath.Glob(expanded)
		if err != nil {
			result.Errors = append(result.Errors, ScanError{Path: expanded, Error: err.Error()})
			continue
		}
		for _, m := range matches {
			s.scanFile(result, "extra", m)
		}
	}

	log.Printf("🔍 Discovery: %d credential candidates, %d errors", len(result.Candidates), len(result.Errors))
	return result
}

// Read parses one credential file into its raw snapshot, for import.
func (s *Scanner) Read(path string) (*credfile.Snapshot, error) {
	return s.gateway.ReadSnapshot(path)
}

func (s *Scanner) scanAccountDirs(result *Result) {
	if s.accountDirBase == "" {
		return
	}
	entries, err := os.ReadDir(s.accountDirBase)
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		result.Errors = append(result.Errors, ScanError{Path: s.accountDirBase, Error: err.Error()})
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(s.accountDirBase, entry.Name())
		if credfile.AccountIDFromDir(dir) == 0 {
			continue
		}
		s.scanFile(result, "account-dir", s.gateway.CredentialPath(dir))
	}
}

func (s *Scanner) scanFile(result *Result, source, path string) {
	snap, err := s.gateway.ReadSnapshot(path)
	if err != nil {
		result.Errors = append(result.Errors, ScanError{Path: path, Error: err.Error()})
		return
	}
	if snap == nil || snap.AccessToken == "" {
		return
	}
	result.Candidates = append(result.Candidates, Candidate{
		Source:       source,
		Path:         path,
		AccessToken:  util.MaskToken(snap.AccessToken),
		HasRefresh:   snap.RefreshToken != "",
		ExpiresAt:    snap.ExpiresAt,
		AccountStamp: snap.AccountStamp,
	})
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
