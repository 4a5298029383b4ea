// Package session maps request sessions to isolated directories for uploads
// and indexes.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fabfab/document-portal/errs"
	"github.com/fabfab/document-portal/logging"
)

const idPrefix = "session"

// Session is one allocated working directory.
type Session struct {
	ID  string
	Dir string
}

// NewID returns a fresh identifier of the form session_YYYYMMDD_HHMMSS_xxxxxxxx.
// Lexical order of generated ids follows creation time.
func NewID() string {
	return fmt.Sprintf("%s_%s_%s", idPrefix, time.Now().UTC().Format("20060102_150405"), uuid.New().String()[:8])
}

// Allocate returns the session directory base/<id>, creating it when needed.
// A non-empty explicitID is reused so later requests can target an existing
// session.
func Allocate(base, explicitID string) (Session, error) {
	id := strings.TrimSpace(explicitID)
	if id == "" {
		id = NewID()
	} else if err := validateID(id); err != nil {
		return Session{}, err
	}

	dir := filepath.Join(base, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Session{}, fmt.Errorf("create session dir: %w", err)
	}
	return Session{ID: id, Dir: dir}, nil
}

// Resolve allocates a session under base when useSessionDirs is set; otherwise
// every session shares base itself.
func Resolve(base, sessionID string, useSessionDirs bool) (Session, error) {
	if useSessionDirs {
		return Allocate(base, sessionID)
	}

	id := strings.TrimSpace(sessionID)
	if id == "" {
		id = NewID()
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return Session{}, fmt.Errorf("create base dir: %w", err)
	}
	return Session{ID: id, Dir: base}, nil
}

// ExistingDir returns the directory of an already-populated session without
// creating anything. A session id is mandatory when useSessionDirs is set.
func ExistingDir(base, sessionID string, useSessionDirs bool) (string, error) {
	dir := base
	if useSessionDirs {
		id := strings.TrimSpace(sessionID)
		if id == "" {
			return "", errs.Configuration("session_id is required when use_session_dirs=true", nil)
		}
		if err := validateID(id); err != nil {
			return "", err
		}
		dir = filepath.Join(base, id)
	}

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", errs.NotFound("index directory", dir)
	}
	return dir, nil
}

// CleanOld removes every session directory under base except the keep
// lexically greatest ones, and returns the removed paths.
func CleanOld(base string, keep int, logger *zap.Logger) ([]string, error) {
	logger = logging.OrNop(logger)

	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	dirs := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, entry.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))

	if keep < 0 {
		keep = 0
	}
	if len(dirs) <= keep {
		return nil, nil
	}

	removed := make([]string, 0, len(dirs)-keep)
	for _, name := range dirs[keep:] {
		path := filepath.Join(base, name)
		if err := os.RemoveAll(path); err != nil {
			return removed, fmt.Errorf("remove session %s: %w", path, err)
		}
		logger.Info("old session cleaned", zap.String("path", path))
		removed = append(removed, path)
	}
	return removed, nil
}

func validateID(id string) error {
	if id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return errs.InvalidInput("validate session id", fmt.Errorf("invalid session id %q", id))
	}
	return nil
}
