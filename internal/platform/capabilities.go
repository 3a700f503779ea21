// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package platform

import "context"

// Seq is a lazy, finite, forward-only sequence of T, following the
// "Generators and lazy pagination" design note: callers range over it and
// can stop early without the Client materializing every page up front.
type Seq[T any] func(yield func(T) bool)

// All drains seq into a slice. Only test code and small, known-bounded
// lists should use this; hot paths should range over the Seq directly.
func All[T any](seq Seq[T]) []T {
	var out []T
	seq(func(v T) bool {
		out = append(out, v)
		return true
	})
	return out
}

// Users exposes read access to Platform user accounts.
type Users interface {
	GetUserByUsername(ctx context.Context, username string) (User, error)
}

// Projects exposes read access to Platform projects.
type Projects interface {
	GetProject(ctx context.Context, id int) (Project, error)
	ListProjectsAccessibleTo(ctx context.Context, user User) Seq[Project]
	ListBranches(ctx context.Context, project Project, prefix string) Seq[string]
}

// MergeRequests exposes read and mutation access to merge requests.
type MergeRequests interface {
	ListAssignedMRs(ctx context.Context, project Project, assignee User) Seq[MergeRequest]
	GetMR(ctx context.Context, project Project, iid int) (MergeRequest, error)
	GetApprovals(ctx context.Context, project Project, iid int) (Approvals, error)
	Comment(ctx context.Context, project Project, iid int, text string) error
	Unassign(ctx context.Context, project Project, iid int, user User) error
	AcceptMR(ctx context.Context, project Project, iid int, opts AcceptOptions) error
	RequestRebase(ctx context.Context, project Project, iid int) error
}

// Commits exposes read access to commits.
type Commits interface {
	GetCommit(ctx context.Context, project Project, sha string) (Commit, error)
}

// Pipelines exposes read access to CI pipelines, the default backend
// consulted by internal/cibackend when Config.CIBackend is "gitlab".
type Pipelines interface {
	ListPipelines(ctx context.Context, project Project, sha string) Seq[Pipeline]
}

// Client is the full Platform Client capability set (component A).
// internal/platform/platformtest.Fake and the production *Client both
// implement it, per the "Dynamic dispatch / duck-typed client" design note.
type Client interface {
	Users
	Projects
	MergeRequests
	Commits
	Pipelines
}
