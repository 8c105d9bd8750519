package lockwarden

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

const defaultAdminDebounce = 200 * time.Millisecond

type AdminWatcherOptions struct {
	// Dir is the owner directory holding admin.txt.
	Dir       string
	AdminFile string
	// PhotosDir is watched for removed cache files, which are only logged.
	PhotosDir  string
	Resolve    func() string
	Authorizer *StaticAuthorizer
	Debounce   time.Duration
	Logger     *log.Logger
}

// AdminWatcher reloads the boss identity when admin.txt changes and warns
// when a locked image disappears from the cache directory.
type AdminWatcher struct {
	dir       string
	adminFile string
	photosDir string
	resolve   func() string
	auth      *StaticAuthorizer
	debounce  time.Duration
	logger    *log.Logger
}

func NewAdminWatcher(opts AdminWatcherOptions) (*AdminWatcher, error) {
	if strings.TrimSpace(opts.Dir) == "" || opts.Resolve == nil || opts.Authorizer == nil {
		return nil, ErrInvalidInput
	}
	adminFile := opts.AdminFile
	if adminFile == "" {
		adminFile = "admin.txt"
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = defaultAdminDebounce
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &AdminWatcher{
		dir:       filepath.Clean(opts.Dir),
		adminFile: adminFile,
		photosDir: opts.PhotosDir,
		resolve:   opts.Resolve,
		auth:      opts.Authorizer,
		debounce:  debounce,
		logger:    logger,
	}, nil
}

func (w *AdminWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(w.dir); err != nil {
		return err
	}
	if w.photosDir != "" {
		if err := watcher.Add(w.photosDir); err != nil {
			w.logger.Warn("cannot watch photo cache", "dir", w.photosDir, "err", err)
		}
	}

	var reload <-chan time.Time
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			switch {
			case w.isAdminFile(event.Name):
				if timer != nil {
					timer.Stop()
				}
				timer = time.NewTimer(w.debounce)
				reload = timer.C
			case w.isPhoto(event.Name) && event.Has(fsnotify.Remove):
				w.logger.Warn("cached group photo removed", "path", event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.reload()
				continue
			}
			w.logger.Warn("admin watcher error", "err", err)
		case <-reload:
			reload = nil
			w.reload()
		}
	}
}

func (w *AdminWatcher) reload() {
	next := w.resolve()
	previous := w.auth.Boss()
	if next == previous {
		return
	}
	w.auth.SetBoss(next)
	w.logger.Info("boss identity reloaded", "boss", next)
}

func (w *AdminWatcher) isAdminFile(name string) bool {
	return filepath.Clean(name) == filepath.Join(w.dir, w.adminFile)
}

func (w *AdminWatcher) isPhoto(name string) bool {
	if w.photosDir == "" {
		return false
	}
	return filepath.Dir(filepath.Clean(name)) == filepath.Clean(w.photosDir)
}
