package updates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/mod/semver"
)

const githubAPI = "https://api.github.com"

type Release struct {
	HasUpdate      bool      `json:"has_update"`
	CurrentVersion string    `json:"current_version"`
	LatestVersion  string    `json:"latest_version"`
	DownloadURL    string    `json:"download_url,omitempty"`
	ReleaseNotes   string    `json:"release_notes,omitempty"`
	CheckedAt      time.Time `json:"checked_at"`
}

// ReleaseChecker reports the newest published release.
type ReleaseChecker interface {
	Check(ctx context.Context) (Release, error)
}

type GitHubChecker struct {
	baseURL        string
	owner          string
	repo           string
	currentVersion string
	client         *http.Client
	backoff        func() retry.Backoff
}

type githubRelease struct {
	TagName    string `json:"tag_name"`
	ZipballURL string `json:"zipball_url"`
	Body       string `json:"body"`
}

func NewGitHubChecker(owner, repo, currentVersion string) *GitHubChecker {
	return &GitHubChecker{
		baseURL:        githubAPI,
		owner:          owner,
		repo:           repo,
		currentVersion: currentVersion,
		client:         &http.Client{Timeout: 15 * time.Second},
		backoff: func() retry.Backoff {
			return retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))
		},
	}
}

// WithBaseURL points the checker at a different API host.
func (g *GitHubChecker) WithBaseURL(u string) *GitHubChecker {
	g.baseURL = strings.TrimRight(u, "/")
	return g
}

func (g *GitHubChecker) Check(ctx context.Context) (Release, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/releases/latest", g.baseURL, g.owner, g.repo)

	rel, err := retry.DoValue(ctx, g.backoff(), func(ctx context.Context) (githubRelease, error) {
		return g.fetch(ctx, url)
	})
	if err != nil {
		return Release{}, fmt.Errorf("release check failed: %w", err)
	}

	latest := strings.TrimPrefix(rel.TagName, "v")
	return Release{
		HasUpdate:      CompareVersions(latest, g.currentVersion) > 0,
		CurrentVersion: g.currentVersion,
		LatestVersion:  latest,
		DownloadURL:    rel.ZipballURL,
		ReleaseNotes:   rel.Body,
		CheckedAt:      time.Now(),
	}, nil
}

func (g *GitHubChecker) fetch(ctx context.Context, url string) (githubRelease, error) {
	var rel githubRelease

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return rel, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", "silo-fleet-updater")

	resp, err := g.client.Do(req)
	if err != nil {
		return rel, retry.RetryableError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return rel, retry.RetryableError(fmt.Errorf("release feed returned %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return rel, fmt.Errorf("release feed returned %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return rel, fmt.Errorf("failed to decode release: %w", err)
	}
	if rel.TagName == "" {
		return rel, errors.New("release has no tag")
	}
	return rel, nil
}

// CompareVersions orders two dotted versions, with or without a leading
// "v". Missing components count as zero. Unparseable versions sort before
// valid ones.
func CompareVersions(a, b string) int {
	return semver.Compare(canonical(a), canonical(b))
}

func canonical(v string) string {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}
