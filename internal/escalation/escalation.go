// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package escalation files a GitHub issue when a Project Loop has crashed
// repeatedly (--escalate-after-failures), so a human notices a project the
// Supervisor has been silently restarting with backoff. Grounded on
// githubutil.go's NewClient/Retry idiom; it is the same PAT-based client
// construction the teacher uses for every other GitHub-facing command.
package escalation

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-github/v65/github"
	"golang.org/x/oauth2"

	"github.com/derFreitag/marge-bot/internal/config"
)

// Client implements internal/supervisor.Escalator.
type Client struct {
	gh    *github.Client
	owner string
	repo  string
}

// New constructs a Client from configuration. It returns (nil, nil) — not
// an error — when escalation isn't configured, so callers can treat a nil
// *Client as "disabled" without a separate feature flag.
func New(ctx context.Context, c *config.Config) (*Client, error) {
	if c.EscalateGitHubRepo == "" {
		return nil, nil
	}
	if c.EscalateGitHubToken == "" {
		return nil, fmt.Errorf("escalate-github-repo set without escalate-github-token")
	}
	owner, repo, ok := strings.Cut(c.EscalateGitHubRepo, "/")
	if !ok {
		return nil, fmt.Errorf("escalate-github-repo %q must be in owner/repo form", c.EscalateGitHubRepo)
	}

	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: c.EscalateGitHubToken})
	gh := github.NewClient(oauth2.NewClient(ctx, tokenSource))
	return &Client{gh: gh, owner: owner, repo: repo}, nil
}

// Escalate files a new issue describing the failing project and its most
// recent error. It deliberately doesn't dedupe against existing open
// issues: repeated escalations for a project that keeps crashing are a
// signal in themselves, and the Supervisor only calls this once per
// crossing of the AfterFailures threshold, not on every failure.
func (c *Client) Escalate(ctx context.Context, projectPath string, consecutiveFailures int, cause error) error {
	title := fmt.Sprintf("Merge bot: %s has failed %d times in a row", projectPath, consecutiveFailures)
	body := fmt.Sprintf(
		"The Project Loop for `%s` has crashed %d consecutive times.\n\n"+
			"Most recent error:\n```\n%v\n```\n\n"+
			"The Supervisor keeps retrying with exponential backoff; this issue is filed so a human investigates "+
			"the underlying cause.",
		projectPath, consecutiveFailures, cause)

	_, _, err := c.gh.Issues.Create(ctx, c.owner, c.repo, &github.IssueRequest{
		Title: &title,
		Body:  &body,
	})
	return err
}
