package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Routing keys recognized by the pipeline. Anything else is accepted and
// marked unhandled so at-least-once delivery stays quiet.
const (
	KeyIssuesLabeled  = "issues.labeled"
	KeyPROpened       = "pull_request.opened"
	KeyPRSynchronize  = "pull_request.synchronize"
	KeyPRClosed       = "pull_request.closed"
	KeyCommentCreated = "issue_comment.created"
)

var (
	ErrUnhandled = errors.New("unhandled event")
	ErrBadEvent  = errors.New("malformed event payload")
)

// Event is one of a closed set of typed payload variants, validated at the
// boundary before anything enters the orchestrator.
type Event interface {
	Key() string
	Repo() string
}

type IssuesLabeled struct {
	RepoKey     string
	IssueNumber int64
	Label       string
	IssueBody   string
	Sender      string
}

func (e IssuesLabeled) Key() string  { return KeyIssuesLabeled }
func (e IssuesLabeled) Repo() string { return e.RepoKey }

type PullRequestUpdate struct {
	Action       string // opened | synchronize
	RepoKey      string
	PRNumber     int64
	Author       string
	Body         string
	HeadSHA      string
	Additions    int
	Deletions    int
	ChangedFiles int
}

func (e PullRequestUpdate) Key() string  { return "pull_request." + e.Action }
func (e PullRequestUpdate) Repo() string { return e.RepoKey }

type PullRequestClosed struct {
	RepoKey       string
	PRNumber      int64
	Author        string
	Body          string
	Merged        bool
	MergeSHA      string
	BaseBranch    string
	DefaultBranch string
	Additions     int
	Deletions     int
	ChangedFiles  int
}

func (e PullRequestClosed) Key() string  { return KeyPRClosed }
func (e PullRequestClosed) Repo() string { return e.RepoKey }

type IssueCommentCreated struct {
	RepoKey       string
	IssueNumber   int64
	OnPullRequest bool
	Author        string
	Body          string
}

func (e IssueCommentCreated) Key() string  { return KeyCommentCreated }
func (e IssueCommentCreated) Repo() string { return e.RepoKey }

type rawPayload struct {
	Action     string `json:"action"`
	Repository struct {
		FullName      string `json:"full_name"`
		DefaultBranch string `json:"default_branch"`
	} `json:"repository"`
	Issue struct {
		Number      int64           `json:"number"`
		Body        string          `json:"body"`
		PullRequest json.RawMessage `json:"pull_request"`
	} `json:"issue"`
	Label struct {
		Name string `json:"name"`
	} `json:"label"`
	PullRequest struct {
		Number         int64  `json:"number"`
		Body           string `json:"body"`
		Merged         bool   `json:"merged"`
		MergeCommitSHA string `json:"merge_commit_sha"`
		Additions      int    `json:"additions"`
		Deletions      int    `json:"deletions"`
		ChangedFiles   int    `json:"changed_files"`
		Head           struct {
			SHA string `json:"sha"`
		} `json:"head"`
		Base struct {
			Ref string `json:"ref"`
		} `json:"base"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
	} `json:"pull_request"`
	Comment struct {
		Body string `json:"body"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
	} `json:"comment"`
	Sender struct {
		Login string `json:"login"`
	} `json:"sender"`
}

// Parse validates a delivery into its typed variant. Unknown routing keys
// return ErrUnhandled; known keys with missing required fields return
// ErrBadEvent.
func Parse(eventType string, rawBody []byte) (Event, error) {
	var p rawPayload
	if err := json.Unmarshal(rawBody, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEvent, err)
	}
	key := strings.TrimSpace(eventType) + "." + strings.TrimSpace(p.Action)
	repo := strings.TrimSpace(p.Repository.FullName)
	switch key {
	case KeyIssuesLabeled:
		if repo == "" || p.Issue.Number <= 0 {
			return nil, fmt.Errorf("%w: issues.labeled missing repo or number", ErrBadEvent)
		}
		return IssuesLabeled{
			RepoKey:     repo,
			IssueNumber: p.Issue.Number,
			Label:       p.Label.Name,
			IssueBody:   p.Issue.Body,
			Sender:      p.Sender.Login,
		}, nil
	case KeyPROpened, KeyPRSynchronize:
		if repo == "" || p.PullRequest.Number <= 0 {
			return nil, fmt.Errorf("%w: %s missing repo or number", ErrBadEvent, key)
		}
		return PullRequestUpdate{
			Action:       p.Action,
			RepoKey:      repo,
			PRNumber:     p.PullRequest.Number,
			Author:       p.PullRequest.User.Login,
			Body:         p.PullRequest.Body,
			HeadSHA:      p.PullRequest.Head.SHA,
			Additions:    p.PullRequest.Additions,
			Deletions:    p.PullRequest.Deletions,
			ChangedFiles: p.PullRequest.ChangedFiles,
		}, nil
	case KeyPRClosed:
		if repo == "" || p.PullRequest.Number <= 0 {
			return nil, fmt.Errorf("%w: pull_request.closed missing repo or number", ErrBadEvent)
		}
		return PullRequestClosed{
			RepoKey:       repo,
			PRNumber:      p.PullRequest.Number,
			Author:        p.PullRequest.User.Login,
			Body:          p.PullRequest.Body,
			Merged:        p.PullRequest.Merged,
			MergeSHA:      p.PullRequest.MergeCommitSHA,
			BaseBranch:    p.PullRequest.Base.Ref,
			DefaultBranch: p.Repository.DefaultBranch,
			Additions:     p.PullRequest.Additions,
			Deletions:     p.PullRequest.Deletions,
			ChangedFiles:  p.PullRequest.ChangedFiles,
		}, nil
	case KeyCommentCreated:
		if repo == "" || p.Issue.Number <= 0 {
			return nil, fmt.Errorf("%w: issue_comment.created missing repo or number", ErrBadEvent)
		}
		return IssueCommentCreated{
			RepoKey:       repo,
			IssueNumber:   p.Issue.Number,
			OnPullRequest: len(p.Issue.PullRequest) > 0 && string(p.Issue.PullRequest) != "null",
			Author:        p.Comment.User.Login,
			Body:          p.Comment.Body,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnhandled, key)
	}
}
