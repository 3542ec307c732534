package codehost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/go-github/v57/github"
	"github.com/kiranshivaraju/cihealer/pkg/models"
	"golang.org/x/oauth2"
)

// GitHub implements models.CodeHost against a single GitHub repository.
type GitHub struct {
	client *github.Client
	owner  string
	repo   string
}

// NewGitHub creates a GitHub code host authenticated with a personal access
// token or GitHub App token.
func NewGitHub(token, owner, repo string) (*GitHub, error) {
	if token == "" {
		return nil, fmt.Errorf("GitHub token is required")
	}
	if owner == "" || repo == "" {
		return nil, fmt.Errorf("owner and repo are required")
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(context.Background(), ts)

	return &GitHub{
		client: github.NewClient(tc),
		owner:  owner,
		repo:   repo,
	}, nil
}

func (g *GitHub) Name() string { return "github" }

// CreatePR branches off req.Base, commits the patched file and opens a pull
// request. A branch left over from an earlier attempt is reused, and an open
// pull request for the same branch is adopted instead of failing.
func (g *GitHub) CreatePR(ctx context.Context, req models.PRRequest) (models.PullRequest, error) {
	base := req.Base
	if base == "" {
		base = "main"
	}

	if err := g.ensureBranch(ctx, req.Branch, base); err != nil {
		return models.PullRequest{}, err
	}
	if err := g.commitPatch(ctx, req); err != nil {
		return models.PullRequest{}, err
	}

	newPR := &github.NewPullRequest{
		Title: github.String(req.Title),
		Body:  github.String(req.Body),
		Base:  github.String(base),
		Head:  github.String(req.Branch),
	}

	pr, resp, err := g.client.PullRequests.Create(ctx, g.owner, g.repo, newPR)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnprocessableEntity {
			if strings.Contains(err.Error(), "A pull request already exists") {
				return g.adoptOpenPR(ctx, req.Branch)
			}
			if strings.Contains(err.Error(), "No commits between") {
				return models.PullRequest{}, ErrNoChanges
			}
		}
		return models.PullRequest{}, fmt.Errorf("create PR: %w", err)
	}

	return models.PullRequest{
		Number: pr.GetNumber(),
		URL:    pr.GetHTMLURL(),
		Branch: req.Branch,
		Ref:    req.Branch,
	}, nil
}

// GetBuildStatus folds commit statuses and check runs for ref into one result.
// Any failure wins; anything still queued or in progress means running.
func (g *GitHub) GetBuildStatus(ctx context.Context, ref string) (models.BuildStatus, error) {
	combined, _, err := g.client.Repositories.GetCombinedStatus(ctx, g.owner, g.repo, ref, nil)
	if err != nil {
		return "", fmt.Errorf("get combined status: %w", err)
	}

	checks, _, err := g.client.Checks.ListCheckRunsForRef(ctx, g.owner, g.repo, ref, &github.ListCheckRunsOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	})
	if err != nil {
		return "", fmt.Errorf("list check runs: %w", err)
	}

	reported := combined.GetTotalCount() > 0 || len(checks.CheckRuns) > 0
	if !reported {
		return models.BuildPending, nil
	}

	running := false
	if combined.GetTotalCount() > 0 {
		switch combined.GetState() {
		case "failure", "error":
			return models.BuildFailed, nil
		case "pending":
			running = true
		}
	}

	for _, run := range checks.CheckRuns {
		if run.GetStatus() != "completed" {
			running = true
			continue
		}
		switch run.GetConclusion() {
		case "failure", "timed_out", "cancelled", "action_required":
			return models.BuildFailed, nil
		}
	}

	if running {
		return models.BuildRunning, nil
	}
	return models.BuildPassed, nil
}

func (g *GitHub) ensureBranch(ctx context.Context, branch, base string) error {
	baseRef, _, err := g.client.Git.GetRef(ctx, g.owner, g.repo, "heads/"+base)
	if err != nil {
		return fmt.Errorf("get base ref %s: %w", base, err)
	}

	_, resp, err := g.client.Git.CreateRef(ctx, g.owner, g.repo, &github.Reference{
		Ref:    github.String("refs/heads/" + branch),
		Object: &github.GitObject{SHA: baseRef.Object.SHA},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnprocessableEntity &&
			strings.Contains(err.Error(), "Reference already exists") {
			slog.Info("reusing existing fix branch", "branch", branch)
			return nil
		}
		return fmt.Errorf("create branch %s: %w", branch, err)
	}
	return nil
}

func (g *GitHub) commitPatch(ctx context.Context, req models.PRRequest) error {
	path := req.Patch.FilePath
	if path == "" {
		return fmt.Errorf("%w: patch has no file path", ErrPatchNotApplicable)
	}

	var current string
	var sha *string
	file, _, resp, err := g.client.Repositories.GetContents(ctx, g.owner, g.repo, path,
		&github.RepositoryContentGetOptions{Ref: req.Branch})
	switch {
	case err == nil && file != nil:
		current, err = file.GetContent()
		if err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
		sha = file.SHA
	case resp != nil && resp.StatusCode == http.StatusNotFound:
	default:
		return fmt.Errorf("get contents %s: %w", path, err)
	}

	updated, err := applyPatch(current, req.Patch)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if sha != nil && updated == current {
		return ErrNoChanges
	}

	opts := &github.RepositoryContentFileOptions{
		Message: github.String(req.Title),
		Content: []byte(updated),
		Branch:  github.String(req.Branch),
		SHA:     sha,
	}
	if sha == nil {
		_, _, err = g.client.Repositories.CreateFile(ctx, g.owner, g.repo, path, opts)
	} else {
		_, _, err = g.client.Repositories.UpdateFile(ctx, g.owner, g.repo, path, opts)
	}
	if err != nil {
		return fmt.Errorf("commit %s: %w", path, err)
	}
	return nil
}

func (g *GitHub) adoptOpenPR(ctx context.Context, branch string) (models.PullRequest, error) {
	prs, _, err := g.client.PullRequests.List(ctx, g.owner, g.repo, &github.PullRequestListOptions{
		State: "open",
		Head:  g.owner + ":" + branch,
	})
	if err != nil {
		return models.PullRequest{}, errors.Join(ErrPRExists, fmt.Errorf("list PRs: %w", err))
	}
	if len(prs) == 0 {
		return models.PullRequest{}, ErrPRExists
	}
	pr := prs[0]
	slog.Info("adopted existing pull request", "branch", branch, "pr", pr.GetNumber())
	return models.PullRequest{
		Number: pr.GetNumber(),
		URL:    pr.GetHTMLURL(),
		Branch: branch,
		Ref:    branch,
	}, nil
}

// applyPatch replaces the first occurrence of p.Before in content with p.After.
// An empty Before replaces the whole file.
func applyPatch(content string, p models.CodePatch) (string, error) {
	if p.Before == "" {
		return p.After, nil
	}
	if !strings.Contains(content, p.Before) {
		return "", ErrPatchNotApplicable
	}
	return strings.Replace(content, p.Before, p.After, 1), nil
}
