package lockwarden

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

const defaultImageExt = "jpg"

var imageExtPattern = regexp.MustCompile(`(?i)\.(jpg|jpeg|png|webp)$`)

type AssetCacheOptions struct {
	Dir        string
	HTTPClient *http.Client
	Store      *Store
	Plane      ControlPlane
	Logger     *log.Logger
}

// AssetCache keeps a local copy of each locked conversation image so it can be
// re-applied without going back to the remote source.
type AssetCache struct {
	dir        string
	httpClient *http.Client
	store      *Store
	plane      ControlPlane
	logger     *log.Logger
}

func NewAssetCache(opts AssetCacheOptions) *AssetCache {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &AssetCache{
		dir:        opts.Dir,
		httpClient: httpClient,
		store:      opts.Store,
		plane:      opts.Plane,
		logger:     logger,
	}
}

// PathFor derives the cache location from the conversation ID and an
// extension guessed from the URL path.
func (c *AssetCache) PathFor(threadID, rawURL string) string {
	ext := defaultImageExt
	candidate := rawURL
	if parsed, err := url.Parse(rawURL); err == nil && parsed.Path != "" {
		candidate = parsed.Path
	}
	if match := imageExtPattern.FindStringSubmatch(candidate); match != nil {
		ext = match[1]
	}
	return filepath.Join(c.dir, safeFileComponent(threadID)+"."+ext)
}

func safeFileComponent(id string) string {
	id = strings.TrimSpace(id)
	replacer := strings.NewReplacer("/", "_", "\\", "_", "..", "_")
	id = replacer.Replace(id)
	if id == "" {
		return "_"
	}
	return id
}

// Fetch downloads rawURL into the cache slot for threadID. Redirects are
// followed by the HTTP client; any other non-200 answer is a *DownloadError.
func (c *AssetCache) Fetch(ctx context.Context, threadID, rawURL string) (string, error) {
	dest := c.PathFor(threadID, rawURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", &DownloadError{URL: rawURL, Err: err}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &DownloadError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", &DownloadError{URL: rawURL, StatusCode: resp.StatusCode}
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", &DownloadError{URL: rawURL, Err: err}
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return "", &DownloadError{URL: rawURL, Err: err}
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", &DownloadError{URL: rawURL, Err: err}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", &DownloadError{URL: rawURL, Err: err}
	}
	if err := os.Rename(tmpName, dest); err != nil {
		_ = os.Remove(tmpName)
		return "", &DownloadError{URL: rawURL, Err: err}
	}
	c.logger.Debug("cached conversation image", "thread", threadID, "path", dest)
	return dest, nil
}

// Cached returns the locked entry for threadID only when its file is still on
// disk.
func (c *AssetCache) Cached(threadID string) (GroupPic, bool) {
	pic, ok := c.store.GroupPic(threadID)
	if !ok || pic.File == "" {
		return GroupPic{}, false
	}
	if !fileExists(pic.File) {
		return pic, false
	}
	return pic, true
}

func (c *AssetCache) Reapply(ctx context.Context, threadID string) error {
	pic, ok := c.store.GroupPic(threadID)
	if !ok || pic.File == "" {
		return &MissingAssetError{ThreadID: threadID}
	}
	if !fileExists(pic.File) {
		return &MissingAssetError{ThreadID: threadID, Path: pic.File}
	}
	return c.plane.ChangeGroupImage(ctx, pic.File, threadID)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
