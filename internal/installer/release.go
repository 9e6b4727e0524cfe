package installer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	fastshot "github.com/opus-domini/fast-shot"
)

const (
	metadataTimeout  = 20 * time.Second
	acceptGitHubJSON = "application/vnd.github+json"
	userAgent        = "backhaulctl"
)

var (
	// ErrEmptyTag reports a release whose tag name is blank, which leaves
	// nothing to install or report.
	ErrEmptyTag = errors.New("release tag is empty")

	// ErrNoMatchingAsset reports that no release asset encodes the host
	// platform, or that the host architecture has no asset keyword at all.
	ErrNoMatchingAsset = errors.New("no matching release asset")
)

// Release is the subset of upstream release metadata the pipeline consumes.
type Release struct {
	Tag    string
	Assets []Asset
}

type Asset struct {
	Name string
	URL  string
	Size int64
}

type releaseDocument struct {
	TagName string `json:"tag_name"`
	Assets  []struct {
		Name               string `json:"name"`
		BrowserDownloadURL string `json:"browser_download_url"`
		Size               int64  `json:"size"`
	} `json:"assets"`
}

// ReleaseClient fetches release metadata for one fixed upstream repository.
type ReleaseClient struct {
	repo    string
	apiBase string
	timeout time.Duration
}

func NewReleaseClient(repo, apiBaseURL string) *ReleaseClient {
	return &ReleaseClient{
		repo:    strings.TrimSpace(repo),
		apiBase: strings.TrimRight(strings.TrimSpace(apiBaseURL), "/"),
		timeout: metadataTimeout,
	}
}

// LatestRelease queries the feed's latest-release endpoint and returns the
// tag plus the downloadable assets.
func (c *ReleaseClient) LatestRelease(ctx context.Context) (Release, error) {
	client := fastshot.NewClient(c.apiBase).
		Config().SetTimeout(c.timeout).
		Build()

	req := client.GET(fmt.Sprintf("/repos/%s/releases/latest", c.repo))
	req.Context().Set(ctx)
	req.Header().AddAccept(acceptGitHubJSON)
	req.Header().AddUserAgent(userAgent)

	res, err := req.Send()
	if err != nil {
		return Release{}, fmt.Errorf("query latest release of %s: %w", c.repo, err)
	}
	defer func() { res.Body().Close() }()

	if code := res.Status().Code(); code != http.StatusOK {
		return Release{}, fmt.Errorf("release feed returned %d for %s", code, c.repo)
	}

	var doc releaseDocument
	if err := res.Body().AsJSON(&doc); err != nil {
		return Release{}, fmt.Errorf("decode release metadata: %w", err)
	}

	tag := strings.TrimSpace(doc.TagName)
	if tag == "" {
		return Release{}, fmt.Errorf("%w: %s", ErrEmptyTag, c.repo)
	}

	rel := Release{Tag: tag}
	for _, a := range doc.Assets {
		rel.Assets = append(rel.Assets, Asset{
			Name: a.Name,
			URL:  a.BrowserDownloadURL,
			Size: a.Size,
		})
	}
	return rel, nil
}

// archAliases is the fixed lookup from kernel-reported machine names to the
// keywords upstream encodes in asset names. Unlisted architectures fail
// resolution instead of falling through to a lookalike asset.
var archAliases = map[string]string{
	"x86_64":  "amd64",
	"amd64":   "amd64",
	"aarch64": "arm64",
	"arm64":   "arm64",
	"armv7l":  "armv7",
	"armv7":   "armv7",
	"arm":     "armv7",
}

func NormalizeArch(raw string) (string, error) {
	keyword, ok := archAliases[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return "", fmt.Errorf("%w: architecture %q has no asset keyword", ErrNoMatchingAsset, raw)
	}
	return keyword, nil
}

// ResolveAsset picks the release asset whose name encodes both the host OS
// and the normalized architecture keyword. Checksum and signature companions
// are never candidates.
func ResolveAsset(rel Release, osName, rawArch string) (Asset, error) {
	keyword, err := NormalizeArch(rawArch)
	if err != nil {
		return Asset{}, err
	}
	osKey := strings.ToLower(strings.TrimSpace(osName))

	for _, a := range rel.Assets {
		name := strings.ToLower(a.Name)
		if isCompanionFile(name) {
			continue
		}
		if strings.Contains(name, osKey) && strings.Contains(name, keyword) {
			return a, nil
		}
	}
	return Asset{}, fmt.Errorf("%w: release %s has no %s/%s asset", ErrNoMatchingAsset, rel.Tag, osKey, keyword)
}

func isCompanionFile(name string) bool {
	for _, suffix := range []string{".md5", ".sha256", ".txt", ".sig", ".asc"} {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}
