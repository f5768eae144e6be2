// Package forge is a thin client for the code host: posting bounty
// comments, listing PR files, and reading check runs. It covers only the
// calls the pipeline makes.
package forge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"osm402/pkg/httpx"
)

type Client struct {
	baseURL string
	token   string
	client  *http.Client
	log     zerolog.Logger
}

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

func NewClient(cfg Config, log zerolog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.github.com"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  &http.Client{Timeout: cfg.Timeout},
		log:     log,
	}
}

func (c *Client) headers() map[string]string {
	h := map[string]string{"Accept": "application/vnd.github+json"}
	if c.token != "" {
		h["Authorization"] = "Bearer " + c.token
	}
	return h
}

// PostIssueComment writes a comment on an issue or a pull request; the
// code host uses the same numbering space for both.
func (c *Client) PostIssueComment(ctx context.Context, repoKey string, number int64, body string) error {
	payload, err := json.Marshal(map[string]string{"body": body})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/repos/%s/issues/%d/comments", c.baseURL, repoKey, number)
	status, respBody, err := httpx.RequestJSON(ctx, c.client, http.MethodPost, url, payload, c.headers(), 2, 500*time.Millisecond)
	if err != nil {
		return err
	}
	if status >= 300 {
		return fmt.Errorf("forge: comment status=%d body=%s", status, respBody)
	}
	return nil
}

type PRFile struct {
	Filename string `json:"filename"`
	Patch    string `json:"patch"`
}

// ListPRFiles returns the changed files of a pull request, following
// pagination until the host runs out of pages.
func (c *Client) ListPRFiles(ctx context.Context, repoKey string, prNumber int64) ([]PRFile, error) {
	var files []PRFile
	for page := 1; ; page++ {
		url := fmt.Sprintf("%s/repos/%s/pulls/%d/files?per_page=100&page=%d", c.baseURL, repoKey, prNumber, page)
		status, body, err := httpx.RequestJSON(ctx, c.client, http.MethodGet, url, nil, c.headers(), 2, 500*time.Millisecond)
		if err != nil {
			return nil, err
		}
		if status >= 300 {
			return nil, fmt.Errorf("forge: pr files status=%d", status)
		}
		var batch []PRFile
		if err := json.Unmarshal(body, &batch); err != nil {
			return nil, fmt.Errorf("forge: bad pr files response: %w", err)
		}
		files = append(files, batch...)
		if len(batch) < 100 {
			return files, nil
		}
	}
}

// Filenames reduces changed files to their paths.
func Filenames(files []PRFile) []string {
	var names []string
	for _, f := range files {
		names = append(names, f.Filename)
	}
	return names
}

var manifestDepPatterns = map[string]*regexp.Regexp{
	"package.json":     regexp.MustCompile(`^\+\s*"([^"]+)"\s*:\s*"[~^>=<]?\d`),
	"go.mod":           regexp.MustCompile(`^\+\s*([a-z0-9][a-z0-9.\-]*\.[a-z]{2,}\S*)\s+v\d`),
	"requirements.txt": regexp.MustCompile(`^\+\s*([A-Za-z0-9][A-Za-z0-9._\-]*)\s*(?:[=<>!~]|$)`),
	"Cargo.toml":       regexp.MustCompile(`^\+\s*([A-Za-z0-9_\-]+)\s*=\s*["{]`),
	"Gemfile":          regexp.MustCompile(`^\+\s*gem\s+['"]([^'"]+)['"]`),
}

// AddedDependencies scans manifest patches for dependency names introduced
// by the change. It is a heuristic over added lines; hold rules use it to
// flag supply-chain surface, not to build a lockfile.
func AddedDependencies(files []PRFile) []string {
	seen := map[string]struct{}{}
	var deps []string
	for _, f := range files {
		base := f.Filename
		if i := strings.LastIndexByte(base, '/'); i >= 0 {
			base = base[i+1:]
		}
		pattern, ok := manifestDepPatterns[base]
		if !ok || f.Patch == "" {
			continue
		}
		for _, line := range strings.Split(f.Patch, "\n") {
			m := pattern.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			if _, dup := seen[m[1]]; dup {
				continue
			}
			seen[m[1]] = struct{}{}
			deps = append(deps, m[1])
		}
	}
	return deps
}

type CheckRun struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
	Output     struct {
		Title   string `json:"title"`
		Summary string `json:"summary"`
	} `json:"output"`
}

// ListCheckRuns returns the check runs for a commit.
func (c *Client) ListCheckRuns(ctx context.Context, repoKey, sha string) ([]CheckRun, error) {
	url := fmt.Sprintf("%s/repos/%s/commits/%s/check-runs?per_page=100", c.baseURL, repoKey, sha)
	status, body, err := httpx.RequestJSON(ctx, c.client, http.MethodGet, url, nil, c.headers(), 2, 500*time.Millisecond)
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, fmt.Errorf("forge: check runs status=%d", status)
	}
	var out struct {
		CheckRuns []CheckRun `json:"check_runs"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("forge: bad check runs response: %w", err)
	}
	return out.CheckRuns, nil
}

// PassedChecks reduces check runs to the set of completed, successful
// check names for hold evaluation.
func PassedChecks(runs []CheckRun) []string {
	var passed []string
	for _, run := range runs {
		if run.Status == "completed" && run.Conclusion == "success" {
			passed = append(passed, run.Name)
		}
	}
	return passed
}

var coverageDeltaPattern = regexp.MustCompile(`([+-]\d+(?:\.\d+)?)\s*%`)

// CoverageDelta reads a signed percentage out of a coverage check run's
// output, the convention coverage bots report with. Returns false when no
// coverage check reports one.
func CoverageDelta(runs []CheckRun) (float64, bool) {
	for _, run := range runs {
		if !strings.Contains(strings.ToLower(run.Name), "coverage") {
			continue
		}
		for _, text := range []string{run.Output.Summary, run.Output.Title} {
			if m := coverageDeltaPattern.FindStringSubmatch(text); m != nil {
				delta, err := strconv.ParseFloat(m[1], 64)
				if err == nil {
					return delta, true
				}
			}
		}
	}
	return 0, false
}

// GetFileContent fetches a file from the repository at the given ref
// using the raw media type. Callers pass a ref of "" for the default
// branch.
func (c *Client) GetFileContent(ctx context.Context, repoKey, ref, path string) ([]byte, error) {
	url := fmt.Sprintf("%s/repos/%s/contents/%s", c.baseURL, repoKey, path)
	if ref != "" {
		url += "?ref=" + ref
	}
	h := c.headers()
	h["Accept"] = "application/vnd.github.raw+json"
	status, body, err := httpx.RequestJSON(ctx, c.client, http.MethodGet, url, nil, h, 2, 500*time.Millisecond)
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, fmt.Errorf("forge: file content status=%d", status)
	}
	return body, nil
}
