package account

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
)

const (
	usersDir      = "users"
	appStateFile  = "appstate.json"
	adminFile     = "admin.txt"
	locksFile     = "locks.json"
	photosDir     = "photos"
	tuningFile    = "lockwarden.yaml"
	photosDirMode = 0o755
)

// Layout is the per-owner directory users/<owner>/ under the data root.
type Layout struct {
	Root    string
	OwnerID string
	Dir     string
}

// Open resolves the owner directory and checks the files the agent cannot
// start without. It creates photos/ when missing.
func Open(root, ownerID string) (*Layout, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, &ConfigError{Op: "owner id", Err: errors.New("owner id is required")}
	}
	if strings.ContainsAny(ownerID, `/\`) || ownerID == "." || ownerID == ".." {
		return nil, &ConfigError{Op: "owner id", Err: errors.New("owner id must be a single path element")}
	}
	if strings.TrimSpace(root) == "" {
		root = "."
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, &ConfigError{Op: "resolve root", Path: root, Err: err}
	}
	layout := &Layout{
		Root:    absRoot,
		OwnerID: ownerID,
		Dir:     filepath.Join(absRoot, usersDir, ownerID),
	}
	info, err := os.Stat(layout.Dir)
	if err != nil {
		return nil, &ConfigError{Op: "open owner directory", Path: layout.Dir, Err: err}
	}
	if !info.IsDir() {
		return nil, &ConfigError{Op: "open owner directory", Path: layout.Dir, Err: errors.New("not a directory")}
	}
	if _, err := os.Stat(layout.AppStatePath()); err != nil {
		return nil, &ConfigError{Op: "open appstate", Path: layout.AppStatePath(), Err: err}
	}
	if err := os.MkdirAll(layout.PhotosDir(), photosDirMode); err != nil {
		return nil, &ConfigError{Op: "create photo cache", Path: layout.PhotosDir(), Err: err}
	}
	return layout, nil
}

func (l *Layout) AppStatePath() string { return filepath.Join(l.Dir, appStateFile) }
func (l *Layout) AdminPath() string    { return filepath.Join(l.Dir, adminFile) }
func (l *Layout) LocksPath() string    { return filepath.Join(l.Dir, locksFile) }
func (l *Layout) PhotosDir() string    { return filepath.Join(l.Dir, photosDir) }
func (l *Layout) TuningPath() string   { return filepath.Join(l.Dir, tuningFile) }

// AppState returns the session bundle as plain JSON. Comments and trailing
// commas are stripped.
func (l *Layout) AppState() (json.RawMessage, error) {
	data, err := os.ReadFile(l.AppStatePath())
	if err != nil {
		return nil, &ConfigError{Op: "read appstate", Path: l.AppStatePath(), Err: err}
	}
	plain := jsonc.ToJSON(data)
	if !json.Valid(plain) {
		return nil, &ConfigError{Op: "parse appstate", Path: l.AppStatePath(), Err: errors.New("invalid JSON")}
	}
	return json.RawMessage(bytes.TrimSpace(plain)), nil
}

// BossID returns the first non-empty line of admin.txt. Without one it
// returns fallback, and without that the owner ID itself.
func (l *Layout) BossID(fallback string) string {
	if data, err := os.ReadFile(l.AdminPath()); err == nil {
		scanner := bufio.NewScanner(bytes.NewReader(data))
		for scanner.Scan() {
			if line := strings.TrimSpace(scanner.Text()); line != "" {
				return line
			}
		}
	}
	if fallback = strings.TrimSpace(fallback); fallback != "" {
		return fallback
	}
	return l.OwnerID
}
