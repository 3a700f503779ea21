// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	cache "github.com/go-pkgz/expirable-cache/v2"
	gl "github.com/xanzy/go-gitlab"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/derFreitag/marge-bot/internal/boterrors"
)

// ClientConfig configures the production Platform Client.
type ClientConfig struct {
	BaseURL string
	Tokens  TokenProvider

	// MaxInflightRequests bounds concurrent outstanding Platform calls
	// (spec.md §5 "bounds inflight requests to a configured maximum").
	// Zero means unbounded.
	MaxInflightRequests int64

	// RequestsPerSecond sizes the shared rate-limit bucket (spec.md §5
	// "shares one rate-limit bucket"). Zero disables client-side limiting
	// and relies solely on Retry-After handling.
	RequestsPerSecond float64

	HTTPClient *http.Client
}

// client is the production Client implementation, wrapping *gitlab.Client.
type client struct {
	gl   *gl.Client
	sem  *semaphore.Weighted
	lim  *rate.Limiter
	proj cache.Cache[int, Project]
}

// NewClient builds a Client backed by the Platform's native HTTP API.
func NewClient(ctx context.Context, cfg ClientConfig) (Client, error) {
	token, err := cfg.Tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to obtain platform auth token: %w", err)
	}

	var opts []gl.ClientOptionFunc
	if cfg.BaseURL != "" {
		opts = append(opts, gl.WithBaseURL(cfg.BaseURL))
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	opts = append(opts, gl.WithHTTPClient(httpClient))

	glClient, err := gl.NewClient(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create gitlab client: %w", err)
	}

	c := &client{gl: glClient}
	if cfg.MaxInflightRequests > 0 {
		c.sem = semaphore.NewWeighted(cfg.MaxInflightRequests)
	}
	if cfg.RequestsPerSecond > 0 {
		c.lim = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	c.proj = cache.NewCache[int, Project]().WithLRU().WithMaxKeys(256)
	return c, nil
}

// gate acquires the semaphore and rate limit bucket (if configured) before
// making a call, and releases the semaphore when the returned func runs.
func (c *client) gate(ctx context.Context) (release func(), err error) {
	if c.sem != nil {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
	}
	if c.lim != nil {
		if err := c.lim.Wait(ctx); err != nil {
			if c.sem != nil {
				c.sem.Release(1)
			}
			return nil, err
		}
	}
	return func() {
		if c.sem != nil {
			c.sem.Release(1)
		}
	}, nil
}

func (c *client) GetUserByUsername(ctx context.Context, username string) (User, error) {
	release, err := c.gate(ctx)
	if err != nil {
		return User{}, err
	}
	defer release()

	var out User
	err = retry(ctx, "get_user_by_username", func() error {
		users, _, err := c.gl.Users.ListUsers(&gl.ListUsersOptions{Username: gl.Ptr(username)}, gl.WithContext(ctx))
		if err != nil {
			return err
		}
		if len(users) == 0 {
			return fmt.Errorf("no platform user named %q", username)
		}
		out = User{ID: users[0].ID, Username: users[0].Username, Email: users[0].Email, Name: users[0].Name}
		return nil
	})
	return out, err
}

func (c *client) GetProject(ctx context.Context, id int) (Project, error) {
	if p, ok := c.proj.Get(id); ok {
		return p, nil
	}
	release, err := c.gate(ctx)
	if err != nil {
		return Project{}, err
	}
	defer release()

	var out Project
	err = retry(ctx, "get_project", func() error {
		p, _, err := c.gl.Projects.GetProject(id, nil, gl.WithContext(ctx))
		if err != nil {
			return err
		}
		out = toProject(p)
		return nil
	})
	if err == nil {
		c.proj.Set(id, out, 5*time.Minute)
	}
	return out, err
}

func (c *client) ListProjectsAccessibleTo(ctx context.Context, user User) Seq[Project] {
	return func(yield func(Project) bool) {
		opt := &gl.ListProjectsOptions{
			ListOptions: gl.ListOptions{PerPage: 100},
			Membership:  gl.Ptr(true),
		}
		for {
			release, err := c.gate(ctx)
			if err != nil {
				return
			}
			var page []*gl.Project
			var resp *gl.Response
			rerr := retry(ctx, "list_projects", func() error {
				var err error
				page, resp, err = c.gl.Projects.ListProjects(opt, gl.WithContext(ctx))
				return err
			})
			release()
			if rerr != nil {
				return
			}
			for _, p := range page {
				if !yield(toProject(p)) {
					return
				}
			}
			if resp == nil || resp.NextPage == 0 {
				return
			}
			opt.Page = resp.NextPage
		}
	}
}

func (c *client) ListBranches(ctx context.Context, project Project, prefix string) Seq[string] {
	return func(yield func(string) bool) {
		opt := &gl.ListBranchesOptions{ListOptions: gl.ListOptions{PerPage: 100}, Search: gl.Ptr("^" + prefix)}
		for {
			release, err := c.gate(ctx)
			if err != nil {
				return
			}
			var page []*gl.Branch
			var resp *gl.Response
			rerr := retry(ctx, "list_branches", func() error {
				var err error
				page, resp, err = c.gl.Branches.ListBranches(project.ID, opt, gl.WithContext(ctx))
				return err
			})
			release()
			if rerr != nil {
				return
			}
			for _, b := range page {
				if !yield(b.Name) {
					return
				}
			}
			if resp == nil || resp.NextPage == 0 {
				return
			}
			opt.Page = resp.NextPage
		}
	}
}

func (c *client) ListAssignedMRs(ctx context.Context, project Project, assignee User) Seq[MergeRequest] {
	return func(yield func(MergeRequest) bool) {
		opt := &gl.ListProjectMergeRequestsOptions{
			ListOptions: gl.ListOptions{PerPage: 100},
			AssigneeID:  gl.AssigneeID(assignee.ID),
			State:       gl.Ptr("opened"),
			OrderBy:     gl.Ptr("created_at"),
			Sort:        gl.Ptr("asc"),
		}
		for {
			release, err := c.gate(ctx)
			if err != nil {
				return
			}
			var page []*gl.MergeRequest
			var resp *gl.Response
			rerr := retry(ctx, "list_assigned_mrs", func() error {
				var err error
				page, resp, err = c.gl.MergeRequests.ListProjectMergeRequests(project.ID, opt, gl.WithContext(ctx))
				return err
			})
			release()
			if rerr != nil {
				return
			}
			for _, mr := range page {
				if !yield(toMR(mr)) {
					return
				}
			}
			if resp == nil || resp.NextPage == 0 {
				return
			}
			opt.Page = resp.NextPage
		}
	}
}

func (c *client) GetMR(ctx context.Context, project Project, iid int) (MergeRequest, error) {
	release, err := c.gate(ctx)
	if err != nil {
		return MergeRequest{}, err
	}
	defer release()

	var out MergeRequest
	err = retry(ctx, "get_mr", func() error {
		mr, _, err := c.gl.MergeRequests.GetMergeRequest(project.ID, iid, nil, gl.WithContext(ctx))
		if err != nil {
			return err
		}
		out = toMR(mr)
		return nil
	})
	return out, err
}

func (c *client) GetApprovals(ctx context.Context, project Project, iid int) (Approvals, error) {
	release, err := c.gate(ctx)
	if err != nil {
		return Approvals{}, err
	}
	defer release()

	var out Approvals
	err = retry(ctx, "get_approvals", func() error {
		a, _, err := c.gl.MergeRequests.GetMergeRequestApprovals(project.ID, iid, gl.WithContext(ctx))
		if err != nil {
			return err
		}
		out = Approvals{ApprovalsLeft: a.ApprovalsLeft}
		for _, u := range a.ApprovedBy {
			out.ApprovedBy = append(out.ApprovedBy, User{ID: u.User.ID, Username: u.User.Username, Name: u.User.Name})
		}
		return nil
	})
	return out, err
}

func (c *client) Comment(ctx context.Context, project Project, iid int, text string) error {
	release, err := c.gate(ctx)
	if err != nil {
		return err
	}
	defer release()

	return retry(ctx, "comment", func() error {
		_, _, err := c.gl.Notes.CreateMergeRequestNote(project.ID, iid, &gl.CreateMergeRequestNoteOptions{
			Body: gl.Ptr(text),
		}, gl.WithContext(ctx))
		return err
	})
}

func (c *client) Unassign(ctx context.Context, project Project, iid int, user User) error {
	release, err := c.gate(ctx)
	if err != nil {
		return err
	}
	defer release()

	mr, err := c.GetMR(ctx, project, iid)
	if err != nil {
		return err
	}
	remaining := make([]int, 0, len(mr.AssigneeIDs))
	for _, id := range mr.AssigneeIDs {
		if id != user.ID {
			remaining = append(remaining, id)
		}
	}
	return retry(ctx, "unassign", func() error {
		_, _, err := c.gl.MergeRequests.UpdateMergeRequest(project.ID, iid, &gl.UpdateMergeRequestOptions{
			AssigneeIDs: &remaining,
		}, gl.WithContext(ctx))
		return err
	})
}

func (c *client) AcceptMR(ctx context.Context, project Project, iid int, opts AcceptOptions) error {
	release, err := c.gate(ctx)
	if err != nil {
		return err
	}
	defer release()

	return retry(ctx, "accept_mr", func() error {
		_, _, err := c.gl.MergeRequests.AcceptMergeRequest(project.ID, iid, &gl.AcceptMergeRequestOptions{
			SHA:                       gl.Ptr(opts.SHA),
			MergeWhenPipelineSucceeds: gl.Ptr(opts.MergeWhenPipelineSucceeds),
			ShouldRemoveSourceBranch:  gl.Ptr(opts.ShouldRemoveSourceBranch),
			Squash:                    gl.Ptr(opts.Squash),
			SquashCommitMessage:       gl.Ptr(opts.SquashCommitMessage),
		}, gl.WithContext(ctx))
		return classifyAcceptError(err)
	})
}

func (c *client) RequestRebase(ctx context.Context, project Project, iid int) error {
	release, err := c.gate(ctx)
	if err != nil {
		return err
	}
	defer release()

	return retry(ctx, "rebase_mr", func() error {
		_, err := c.gl.MergeRequests.RebaseMergeRequest(project.ID, iid, nil, gl.WithContext(ctx))
		return err
	})
}

func (c *client) GetCommit(ctx context.Context, project Project, sha string) (Commit, error) {
	release, err := c.gate(ctx)
	if err != nil {
		return Commit{}, err
	}
	defer release()

	var out Commit
	err = retry(ctx, "get_commit", func() error {
		cm, _, err := c.gl.Commits.GetCommit(project.ID, sha, nil, gl.WithContext(ctx))
		if err != nil {
			return err
		}
		out = Commit{
			SHA:         cm.ID,
			ParentSHAs:  cm.ParentIDs,
			Message:     cm.Message,
			Author:      cm.AuthorName,
			AuthorEmail: cm.AuthorEmail,
			Committer:   cm.CommitterName,
		}
		return nil
	})
	return out, err
}

func (c *client) ListPipelines(ctx context.Context, project Project, sha string) Seq[Pipeline] {
	return func(yield func(Pipeline) bool) {
		opt := &gl.ListProjectPipelinesOptions{
			ListOptions: gl.ListOptions{PerPage: 50},
			SHA:         gl.Ptr(sha),
			OrderBy:     gl.Ptr("id"),
			Sort:        gl.Ptr("desc"),
		}
		release, err := c.gate(ctx)
		if err != nil {
			return
		}
		defer release()

		var page []*gl.PipelineInfo
		rerr := retry(ctx, "list_pipelines", func() error {
			var err error
			page, _, err = c.gl.Pipelines.ListProjectPipelines(project.ID, opt, gl.WithContext(ctx))
			return err
		})
		if rerr != nil {
			return
		}
		for _, p := range page {
			pl := Pipeline{ID: p.ID, SHA: p.SHA, Ref: p.Ref, Status: PipelineStatus(p.Status), WebURL: p.WebURL}
			if !yield(pl) {
				return
			}
		}
	}
}

func toProject(p *gl.Project) Project {
	method := MergeMethodMerge
	switch p.MergeMethod {
	case "rebase_merge":
		method = MergeMethodRebaseMerge
	case "ff":
		method = MergeMethodFF
	}
	return Project{
		ID:                                p.ID,
		PathWithNamespace:                 p.PathWithNamespace,
		DefaultBranch:                     p.DefaultBranch,
		MergeMethod:                       method,
		OnlyAllowMergeIfPipelineSucceeds:  p.OnlyAllowMergeIfPipelineSucceeds,
		OnlyAllowMergeIfAllDiscussionsAreResolved: p.OnlyAllowMergeIfAllDiscussionsAreResolved,
		SquashOption:                      string(p.SquashOption),
	}
}

func toMR(mr *gl.MergeRequest) MergeRequest {
	out := MergeRequest{
		ID:                          mr.ID,
		IID:                         mr.IID,
		ProjectID:                   mr.ProjectID,
		SourceBranch:                mr.SourceBranch,
		TargetBranch:                mr.TargetBranch,
		SHA:                         mr.SHA,
		State:                       mr.State,
		WorkInProgress:              mr.WorkInProgress || mr.Draft,
		Squash:                      mr.Squash,
		WebURL:                      mr.WebURL,
		BlockingDiscussionsResolved: mr.BlockingDiscussionsResolved,
		RebaseInProgress:            mr.RebaseInProgress,
	}
	if mr.Author != nil {
		out.AuthorID = mr.Author.ID
	}
	for _, a := range mr.Assignees {
		out.AssigneeIDs = append(out.AssigneeIDs, a.ID)
	}
	if mr.CreatedAt != nil {
		out.CreatedAt = *mr.CreatedAt
	}
	return out
}

// classifyAcceptError turns the Platform's accept_mr precondition failures
// into boterrors.MergeRefused so internal/job never has to string-match
// gitlab's error bodies itself.
func classifyAcceptError(err error) error {
	if err == nil {
		return nil
	}
	var errResp *gl.ErrorResponse
	if !errors.As(err, &errResp) || errResp.Response == nil {
		return err
	}
	switch errResp.Response.StatusCode {
	case http.StatusMethodNotAllowed, http.StatusUnprocessableEntity, http.StatusConflict:
		return &boterrors.MergeRefused{Reason: classifyMessage(errResp.Message), Detail: errResp.Message}
	default:
		return err
	}
}

// classifyMessage maps the Platform's free-text accept_mr failure message
// onto the closed set of reasons internal/job switches on. Unrecognized
// messages map to MergeRefusedOther rather than failing closed.
func classifyMessage(msg string) boterrors.MergeRefusedReason {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "sha") && strings.Contains(m, "match"):
		return boterrors.MergeRefusedSHAMismatch
	case strings.Contains(m, "not rebased") || strings.Contains(m, "rebase"):
		return boterrors.MergeRefusedNotRebased
	case strings.Contains(m, "pipeline"):
		return boterrors.MergeRefusedPipelineNotSuccess
	case strings.Contains(m, "cannot be merged") || strings.Contains(m, "not mergeable"):
		return boterrors.MergeRefusedNotMergeable
	default:
		return boterrors.MergeRefusedOther
	}
}
