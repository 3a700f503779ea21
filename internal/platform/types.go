// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package platform is the Platform Client: typed accessors over the
// code-review Platform's HTTP API (users, projects, merge requests,
// commits, approvals, pipelines, branches), wrapping github.com/xanzy/go-gitlab
// with this repository's retry, pagination, and rate-limit conventions
// (compare githubutil.go's treatment of github.com/google/go-github).
package platform

import "time"

// MergeMethod is a project's configured merge strategy.
type MergeMethod string

const (
	MergeMethodMerge       MergeMethod = "merge"
	MergeMethodRebaseMerge MergeMethod = "rebase_merge"
	MergeMethodFF          MergeMethod = "ff"
)

// User identifies a Platform account. MR assignment to the bot's User is
// the sole activation signal (spec.md §3 invariant 1).
type User struct {
	ID       int
	Username string
	Email    string
	Name     string
}

// Project is a repository hosted on the Platform.
type Project struct {
	ID                                       int
	PathWithNamespace                        string
	DefaultBranch                            string
	MergeMethod                              MergeMethod
	OnlyAllowMergeIfPipelineSucceeds         bool
	OnlyAllowMergeIfAllDiscussionsAreResolved bool
	SquashOption                             string
}

// MergeRequest mirrors spec.md §3's MR entity.
type MergeRequest struct {
	ID                       int
	IID                      int
	ProjectID                int
	SourceProjectID          int
	SourceBranch             string
	TargetBranch             string
	SHA                      string
	State                    string // opened, closed, merged, locked
	WorkInProgress           bool
	AssigneeIDs              []int
	AuthorID                 int
	Squash                   bool
	WebURL                   string
	ApprovalsRequired        int
	BlockingDiscussionsResolved bool
	RebaseInProgress         bool
	CreatedAt                time.Time
	AssignedAt               time.Time
}

// HasAssignee reports whether userID is currently an assignee.
func (mr MergeRequest) HasAssignee(userID int) bool {
	for _, id := range mr.AssigneeIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Commit mirrors spec.md §3's Commit entity.
type Commit struct {
	SHA         string
	ParentSHAs  []string
	Message     string
	Author      string
	AuthorEmail string
	Committer   string
}

// PipelineStatus is one of the Platform's pipeline statuses.
type PipelineStatus string

const (
	PipelineCreated  PipelineStatus = "created"
	PipelinePending  PipelineStatus = "pending"
	PipelineRunning  PipelineStatus = "running"
	PipelineSuccess  PipelineStatus = "success"
	PipelineFailed   PipelineStatus = "failed"
	PipelineCanceled PipelineStatus = "canceled"
	PipelineSkipped  PipelineStatus = "skipped"
	PipelineManual   PipelineStatus = "manual"
)

// Terminal reports whether the status represents a pipeline that will not
// change state again on its own.
func (s PipelineStatus) Terminal() bool {
	switch s {
	case PipelineSuccess, PipelineFailed, PipelineCanceled, PipelineSkipped, PipelineManual:
		return true
	default:
		return false
	}
}

// Pipeline mirrors spec.md §3's Pipeline entity.
type Pipeline struct {
	ID        int
	SHA       string
	Ref       string
	Status    PipelineStatus
	WebURL    string
	CreatedAt time.Time
}

// Approvals mirrors spec.md §3's Approvals entity.
type Approvals struct {
	ApprovalsLeft int
	ApprovedBy    []User
}

// AcceptOptions are the parameters to AcceptMR (spec.md §4.A's accept_mr).
type AcceptOptions struct {
	SHA                     string
	MergeWhenPipelineSucceeds bool
	ShouldRemoveSourceBranch  bool
	Squash                    bool
	SquashCommitMessage       string
}
