// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package platformtest is an in-memory Platform Client, the concrete fake
// the "Dynamic dispatch / duck-typed client" design note calls for: every
// internal/job, internal/batch, and internal/project test drives a Fake
// instead of a real HTTP server.
package platformtest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/derFreitag/marge-bot/internal/boterrors"
	"github.com/derFreitag/marge-bot/internal/platform"
)

// Fake is a mutable, in-memory fixture platform. Every mutation method
// records what happened in Comments/Unassigned/Accepted so tests can make
// assertions like spec.md §8's "exactly one comment is posted".
type Fake struct {
	mu sync.Mutex

	Users    map[string]platform.User
	Projects map[int]platform.Project
	MRs      map[int]map[int]platform.MergeRequest // projectID -> iid -> MR
	Approvals map[int]map[int]platform.Approvals
	Pipelines map[int]map[string][]platform.Pipeline // projectID -> sha -> pipelines, newest last
	Branches  map[int][]string

	Comments   []Comment
	Unassigned []Unassign
	Accepted   []Accept

	// AcceptHook, if set, lets a test inject a precondition failure or
	// simulate server-side state changes (a racing writer) at the moment
	// accept_mr is called.
	AcceptHook func(project platform.Project, iid int, opts platform.AcceptOptions) error
}

type Comment struct {
	ProjectID int
	IID       int
	Text      string
}

type Unassign struct {
	ProjectID int
	IID       int
	UserID    int
}

type Accept struct {
	ProjectID int
	IID       int
	Opts      platform.AcceptOptions
}

// New returns an empty Fake ready to be populated by test setup code.
func New() *Fake {
	return &Fake{
		Users:     map[string]platform.User{},
		Projects:  map[int]platform.Project{},
		MRs:       map[int]map[int]platform.MergeRequest{},
		Approvals: map[int]map[int]platform.Approvals{},
		Pipelines: map[int]map[string][]platform.Pipeline{},
		Branches:  map[int][]string{},
	}
}

// AddMR registers (or replaces) an MR fixture.
func (f *Fake) AddMR(mr platform.MergeRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.MRs[mr.ProjectID] == nil {
		f.MRs[mr.ProjectID] = map[int]platform.MergeRequest{}
	}
	f.MRs[mr.ProjectID][mr.IID] = mr
}

// SetPipeline appends a pipeline status observation for sha, newest last
// (ListPipelines returns newest-first, matching spec.md §4.D "newest
// pipeline wins").
func (f *Fake) SetPipeline(projectID int, sha string, status platform.PipelineStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Pipelines[projectID] == nil {
		f.Pipelines[projectID] = map[string][]platform.Pipeline{}
	}
	f.Pipelines[projectID][sha] = append(f.Pipelines[projectID][sha], platform.Pipeline{
		ID: len(f.Pipelines[projectID][sha]) + 1, SHA: sha, Status: status,
		WebURL: fmt.Sprintf("https://example.invalid/pipelines/%s", sha),
	})
}

func (f *Fake) GetUserByUsername(_ context.Context, username string) (platform.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.Users[username]
	if !ok {
		return platform.User{}, fmt.Errorf("no such fixture user %q", username)
	}
	return u, nil
}

func (f *Fake) GetProject(_ context.Context, id int) (platform.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.Projects[id]
	if !ok {
		return platform.Project{}, fmt.Errorf("no such fixture project %d", id)
	}
	return p, nil
}

func (f *Fake) ListProjectsAccessibleTo(_ context.Context, _ platform.User) platform.Seq[platform.Project] {
	return func(yield func(platform.Project) bool) {
		f.mu.Lock()
		ids := make([]int, 0, len(f.Projects))
		for id := range f.Projects {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		projects := make([]platform.Project, 0, len(ids))
		for _, id := range ids {
			projects = append(projects, f.Projects[id])
		}
		f.mu.Unlock()
		for _, p := range projects {
			if !yield(p) {
				return
			}
		}
	}
}

func (f *Fake) ListBranches(_ context.Context, project platform.Project, prefix string) platform.Seq[string] {
	return func(yield func(string) bool) {
		f.mu.Lock()
		branches := append([]string(nil), f.Branches[project.ID]...)
		f.mu.Unlock()
		for _, b := range branches {
			if prefix != "" && !strings.HasPrefix(b, prefix) {
				continue
			}
			if !yield(b) {
				return
			}
		}
	}
}

func (f *Fake) ListAssignedMRs(_ context.Context, project platform.Project, assignee platform.User) platform.Seq[platform.MergeRequest] {
	return func(yield func(platform.MergeRequest) bool) {
		f.mu.Lock()
		var mrs []platform.MergeRequest
		for _, mr := range f.MRs[project.ID] {
			if mr.State == "opened" && mr.HasAssignee(assignee.ID) {
				mrs = append(mrs, mr)
			}
		}
		f.mu.Unlock()
		sort.Slice(mrs, func(i, j int) bool { return mrs[i].IID < mrs[j].IID })
		for _, mr := range mrs {
			if !yield(mr) {
				return
			}
		}
	}
}

func (f *Fake) GetMR(_ context.Context, project platform.Project, iid int) (platform.MergeRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mr, ok := f.MRs[project.ID][iid]
	if !ok {
		return platform.MergeRequest{}, fmt.Errorf("no such fixture mr !%d", iid)
	}
	return mr, nil
}

func (f *Fake) GetApprovals(_ context.Context, project platform.Project, iid int) (platform.Approvals, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Approvals[project.ID][iid], nil
}

func (f *Fake) Comment(_ context.Context, project platform.Project, iid int, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Comments = append(f.Comments, Comment{ProjectID: project.ID, IID: iid, Text: text})
	return nil
}

func (f *Fake) Unassign(_ context.Context, project platform.Project, iid int, user platform.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Unassigned = append(f.Unassigned, Unassign{ProjectID: project.ID, IID: iid, UserID: user.ID})
	mr := f.MRs[project.ID][iid]
	remaining := mr.AssigneeIDs[:0:0]
	for _, id := range mr.AssigneeIDs {
		if id != user.ID {
			remaining = append(remaining, id)
		}
	}
	mr.AssigneeIDs = remaining
	f.MRs[project.ID][iid] = mr
	return nil
}

func (f *Fake) AcceptMR(_ context.Context, project platform.Project, iid int, opts platform.AcceptOptions) error {
	f.mu.Lock()
	hook := f.AcceptHook
	f.Accepted = append(f.Accepted, Accept{ProjectID: project.ID, IID: iid, Opts: opts})
	mr, ok := f.MRs[project.ID][iid]
	f.mu.Unlock()

	if !ok {
		return fmt.Errorf("no such fixture mr !%d", iid)
	}
	if hook != nil {
		if err := hook(project, iid, opts); err != nil {
			return err
		}
	}
	if mr.SHA != opts.SHA {
		return &boterrors.MergeRefused{Reason: boterrors.MergeRefusedSHAMismatch, Detail: "sha mismatch"}
	}

	f.mu.Lock()
	mr.State = "merged"
	f.MRs[project.ID][iid] = mr
	f.mu.Unlock()
	return nil
}

func (f *Fake) RequestRebase(_ context.Context, project platform.Project, iid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	mr, ok := f.MRs[project.ID][iid]
	if !ok {
		return fmt.Errorf("no such fixture mr !%d", iid)
	}
	mr.RebaseInProgress = false
	f.MRs[project.ID][iid] = mr
	return nil
}

func (f *Fake) GetCommit(_ context.Context, _ platform.Project, sha string) (platform.Commit, error) {
	return platform.Commit{SHA: sha}, nil
}

func (f *Fake) ListPipelines(_ context.Context, project platform.Project, sha string) platform.Seq[platform.Pipeline] {
	return func(yield func(platform.Pipeline) bool) {
		f.mu.Lock()
		pipelines := append([]platform.Pipeline(nil), f.Pipelines[project.ID][sha]...)
		f.mu.Unlock()
		for i := len(pipelines) - 1; i >= 0; i-- {
			if !yield(pipelines[i]) {
				return
			}
		}
	}
}

var _ platform.Client = (*Fake)(nil)
