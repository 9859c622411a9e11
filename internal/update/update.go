// Package update checks the release feed for newer versions. It only
// notifies; installing a new version is up to the user.
package update

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/mod/semver"
)

const (
	// ReleasesAPI is the endpoint for checking releases. We use /releases
	// instead of /releases/latest because /latest hides prereleases.
	ReleasesAPI = "https://api.github.com/repos/wasnet/wasnet/releases"

	// ReleasesPageURL is where users go for manual downloads.
	ReleasesPageURL = "https://github.com/wasnet/wasnet/releases"

	// CheckInterval is how long a check result stays fresh.
	CheckInterval = 24 * time.Hour

	// CacheFilename is the name of the cache file.
	CacheFilename = "update_check.json"
)

// ReleaseInfo is the subset of the release feed we care about.
type ReleaseInfo struct {
	TagName     string `json:"tag_name"`
	Name        string `json:"name"`
	HTMLURL     string `json:"html_url"`
	PublishedAt string `json:"published_at"`
	Prerelease  bool   `json:"prerelease"`
	Body        string `json:"body"`
}

// Status is the result of an update check.
type Status struct {
	Available      bool
	CurrentVersion string
	LatestVersion  string
	ReleaseURL     string
	ReleaseNotes   string
	CheckedAt      time.Time
	Error          error
}

// cachedStatus is stored to disk to avoid repeated API calls.
type cachedStatus struct {
	LatestVersion string    `json:"latest_version"`
	ReleaseURL    string    `json:"release_url"`
	ReleaseNotes  string    `json:"release_notes"`
	CheckedAt     time.Time `json:"checked_at"`
}

// Checker manages update checking with caching.
type Checker struct {
	currentVersion string
	cacheDir       string
	apiURL         string
	mu             sync.RWMutex
	lastStatus     *Status
	client         *http.Client
	logger         *slog.Logger
}

// NewChecker creates a new update checker.
func NewChecker(currentVersion, cacheDir string) *Checker {
	return &Checker{
		currentVersion: currentVersion,
		cacheDir:       cacheDir,
		apiURL:         ReleasesAPI,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: slog.Default(),
	}
}

// SetLogger sets the logger for the checker.
func (c *Checker) SetLogger(logger *slog.Logger) {
	c.logger = logger
}

// SetClient replaces the HTTP client, for callers that carry proxy
// configuration.
func (c *Checker) SetClient(client *http.Client) {
	c.client = client
}

// Check checks for updates, using the cache if it is still fresh.
func (c *Checker) Check(ctx context.Context) Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	cached, err := c.loadCache()
	if err == nil && time.Since(cached.CheckedAt) < CheckInterval {
		c.logger.Debug("using cached update check", "checked_at", cached.CheckedAt)
		status := c.buildStatus(cached)
		c.lastStatus = &status
		return status
	}

	return c.fetchAndCache(ctx)
}

// ForceCheck bypasses the cache and always fetches from the API.
func (c *Checker) ForceCheck(ctx context.Context) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetchAndCache(ctx)
}

// LastStatus returns the last known update status.
func (c *Checker) LastStatus() *Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastStatus
}

// CurrentVersion returns the version the checker compares against.
func (c *Checker) CurrentVersion() string {
	return c.currentVersion
}

// fetchAndCache fetches the latest release info and caches it.
func (c *Checker) fetchAndCache(ctx context.Context) Status {
	release, err := c.fetchLatestRelease(ctx)
	if err != nil {
		c.logger.Warn("failed to fetch latest release", "error", err)
		return Status{CurrentVersion: c.currentVersion, Error: err}
	}

	cached := cachedStatus{
		LatestVersion: release.TagName,
		ReleaseURL:    release.HTMLURL,
		ReleaseNotes:  release.Body,
		CheckedAt:     time.Now(),
	}

	if err := c.saveCache(cached); err != nil {
		c.logger.Warn("failed to save update cache", "error", err)
	}

	status := c.buildStatus(cached)
	c.lastStatus = &status
	return status
}

// fetchLatestRelease fetches the latest release with retry logic.
func (c *Checker) fetchLatestRelease(ctx context.Context) (*ReleaseInfo, error) {
	var lastErr error
	backoff := 500 * time.Millisecond

	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		release, err := c.doFetchRelease(ctx)
		if err == nil {
			return release, nil
		}
		lastErr = err

		// No point retrying permanent failures or cancelled contexts.
		if strings.Contains(err.Error(), "no releases found") || ctx.Err() != nil {
			return nil, err
		}
		c.logger.Debug("fetch release attempt failed, retrying", "attempt", attempt+1, "error", err)
	}

	return nil, lastErr
}

// doFetchRelease performs a single fetch attempt.
func (c *Checker) doFetchRelease(ctx context.Context) (*ReleaseInfo, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", "wasnet/"+c.currentVersion)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	// Optional token for higher rate limits.
	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		if strings.HasPrefix(token, "ghp_") || strings.HasPrefix(token, "github_pat_") {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch release: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == 429 {
		return nil, fmt.Errorf("rate limited by release API (try again later)")
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("no releases found")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %s", resp.Status)
	}

	var releases []ReleaseInfo
	if err := json.NewDecoder(resp.Body).Decode(&releases); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if len(releases) == 0 {
		return nil, fmt.Errorf("no releases found")
	}

	return &releases[0], nil
}

// buildStatus creates a Status from cached data.
func (c *Checker) buildStatus(cached cachedStatus) Status {
	return Status{
		Available:      c.isNewer(cached.LatestVersion),
		CurrentVersion: c.currentVersion,
		LatestVersion:  cached.LatestVersion,
		ReleaseURL:     cached.ReleaseURL,
		ReleaseNotes:   cached.ReleaseNotes,
		CheckedAt:      cached.CheckedAt,
	}
}

// isNewer returns true if the given version is newer than the current one.
func (c *Checker) isNewer(latestVersion string) bool {
	current := c.currentVersion
	latest := latestVersion

	if !strings.HasPrefix(current, "v") {
		current = "v" + current
	}
	if !strings.HasPrefix(latest, "v") {
		latest = "v" + latest
	}

	// Dev builds never nag.
	if current == "vdev" || current == "v0.0.0" {
		return false
	}

	if !semver.IsValid(current) || !semver.IsValid(latest) {
		return latest > current
	}

	return semver.Compare(latest, current) > 0
}

// cachePath returns the path to the cache file.
func (c *Checker) cachePath() string {
	return filepath.Join(c.cacheDir, CacheFilename)
}

// loadCache loads the cached update status from disk.
func (c *Checker) loadCache() (cachedStatus, error) {
	data, err := os.ReadFile(c.cachePath())
	if err != nil {
		return cachedStatus{}, err
	}

	var cached cachedStatus
	if err := json.Unmarshal(data, &cached); err != nil {
		return cachedStatus{}, err
	}

	return cached, nil
}

// saveCache saves the update status to disk.
func (c *Checker) saveCache(cached cachedStatus) error {
	if err := os.MkdirAll(c.cacheDir, 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cached, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(c.cachePath(), data, 0o644)
}
