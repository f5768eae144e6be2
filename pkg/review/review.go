// Package review calls an external model service to flag risky pull
// requests before money moves. Findings are advisory hold reasons, never
// payout amounts.
package review

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"osm402/pkg/models"
)

// Input is the slice of a merged PR the reviewer sees. No secrets, no
// escrow material.
type Input struct {
	RepoKey   string   `json:"repo_key"`
	PRNumber  int64    `json:"pr_number"`
	Title     string   `json:"title,omitempty"`
	Author    string   `json:"author,omitempty"`
	Files     []string `json:"files,omitempty"`
	Additions int64    `json:"additions"`
	Deletions int64    `json:"deletions"`
}

type Reviewer interface {
	Review(ctx context.Context, in Input) ([]models.RiskFlag, error)
}

const defaultBaseURL = "https://api.openai.com/v1"

const systemPrompt = "You are a software supply-chain reviewer for a bounty payout pipeline. " +
	"Given a merged pull request summary, list concrete payout risks: obfuscated changes, " +
	"suspicious build or workflow edits, exfiltration patterns, trivial changes dressed up as large ones. " +
	"Return ONLY a JSON array of objects with keys code, detail, confidence (0..1). Return [] when nothing stands out."

// Client talks to a chat-completions endpoint. Callers bound each Review
// with a context deadline; the service gets no open-ended budget.
type Client struct {
	key     string
	model   string
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

type Config struct {
	Key     string
	Model   string
	BaseURL string
	Timeout time.Duration
}

func NewClient(cfg Config, log zerolog.Logger) *Client {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		key:     cfg.Key,
		model:   cfg.Model,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
		log:     log,
	}
}

func (c *Client) Review(ctx context.Context, in Input) ([]models.RiskFlag, error) {
	if strings.TrimSpace(c.key) == "" {
		return nil, errors.New("review: missing api key")
	}
	user, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	body := map[string]any{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": string(user)},
		},
		"temperature": 0.1,
	}
	b, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.key)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("review: status=%d", resp.StatusCode)
	}
	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if len(out.Choices) == 0 {
		return nil, errors.New("review: no choices")
	}
	flags, err := parseFlags(out.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	c.log.Debug().Str("repo", in.RepoKey).Int64("pr", in.PRNumber).Int("flags", len(flags)).Msg("review completed")
	return flags, nil
}

// parseFlags tolerates markdown fences around the JSON array but nothing
// else: an unparseable answer is an error, not an empty result.
func parseFlags(content string) ([]models.RiskFlag, error) {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(content, "```")
		content = strings.TrimSpace(content)
	}
	var flags []models.RiskFlag
	if err := json.Unmarshal([]byte(content), &flags); err != nil {
		return nil, fmt.Errorf("review: bad response: %w", err)
	}
	out := flags[:0]
	for _, f := range flags {
		if strings.TrimSpace(f.Code) != "" {
			out = append(out, f)
		}
	}
	return out, nil
}

// Disabled is used when no review service is configured and review is not
// mandatory for the repo.
type Disabled struct{}

func (Disabled) Review(context.Context, Input) ([]models.RiskFlag, error) { return nil, nil }
