// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package batch implements the Batch Job (component E): an optional
// optimization that rebases several Validate-Ok candidates targeting the
// same branch onto one ephemeral branch, runs CI once for all of them, and
// merges whichever prefix survives. Grounded directly on spec.md §4.E;
// the bisect-on-CI-failure and exclude-on-conflict vocabulary is the same
// shape internal/job's state machine already uses for a single MR, just
// applied across a list instead of one candidate.
package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/derFreitag/marge-bot/internal/boterrors"
	"github.com/derFreitag/marge-bot/internal/botlog"
	"github.com/derFreitag/marge-bot/internal/config"
	"github.com/derFreitag/marge-bot/internal/gitwork"
	"github.com/derFreitag/marge-bot/internal/job"
	"github.com/derFreitag/marge-bot/internal/platform"
)

// Candidate is one Validate-Ok MR being considered for a batch.
type Candidate struct {
	MR        platform.MergeRequest
	Approvals platform.Approvals
}

// Batch runs the Batch Job for one project. One Batch is constructed per
// Project Loop, alongside its *job.Job, and shares the same Worktree.
type Batch struct {
	Client    platform.Client
	Pipelines job.Pipelines // if nil, Client doubles as the CI source
	Worktree  *gitwork.Worktree
	Config    *config.Config
	Log       *botlog.Logger
	Remote    string
	BatchSize int
}

// Result reports which candidates, by MR iid, ended up merged versus
// requeued (never commented on — spec.md §4.E step 5/6).
type Result struct {
	Merged   []int
	Requeued []int
	Err      error
}

func (b *Batch) pipelines() job.Pipelines {
	if b.Pipelines != nil {
		return b.Pipelines
	}
	return b.Client
}

type rebased struct {
	candidate Candidate
	sha       string
}

// Run executes the six-step algorithm of spec.md §4.E over candidates,
// which must all target the same branch, be Validate-Ok, and be ordered by
// MR iid ascending. bot is used to author Tested-by trailers the same way
// internal/job does. Run acquires the Worktree lock for the whole attempt;
// runLocked does the actual work so bisect's retry on a smaller candidate
// set can call it directly instead of re-entering Run and deadlocking on
// the (non-reentrant) lock it already holds.
func (b *Batch) Run(ctx context.Context, project platform.Project, candidates []Candidate, bot platform.User) Result {
	release := b.Worktree.Lock()
	defer release()
	return b.runLocked(ctx, project, candidates, bot)
}

func (b *Batch) runLocked(ctx context.Context, project platform.Project, candidates []Candidate, bot platform.User) Result {
	if len(candidates) == 0 {
		return Result{}
	}
	if len(candidates) > b.BatchSize {
		candidates = candidates[:b.BatchSize]
	}
	targetBranch := candidates[0].MR.TargetBranch
	ephemeral := fmt.Sprintf("batch/%s", targetBranch)

	targetSHA, err := b.Worktree.Fetch(ctx, b.Remote, targetBranch)
	if err != nil {
		return Result{Requeued: iidsOf(candidates), Err: fmt.Errorf("fetch target %s: %w", targetBranch, err)}
	}
	// Scrub any rebase/merge-in-progress state (or stray untracked files) a
	// prior, crashed attempt over this same branch may have left behind,
	// before mutating the worktree again.
	if err := b.Worktree.ResetToClean(ctx, targetSHA); err != nil {
		return Result{Requeued: iidsOf(candidates), Err: fmt.Errorf("reset worktree: %w", err)}
	}

	tip := targetSHA
	var included []rebased
	var excluded []int

	for _, c := range candidates {
		sourceSHA, err := b.Worktree.Fetch(ctx, b.Remote, c.MR.SourceBranch)
		if err != nil || sourceSHA != c.MR.SHA {
			b.Log.Warnf("batch: excluding !%d: source branch moved since listing", c.MR.IID)
			excluded = append(excluded, c.MR.IID)
			continue
		}

		newSHA, err := b.Worktree.Rebase(ctx, gitwork.RebaseOptions{
			SourceRef: sourceSHA,
			Onto:      tip,
			Trailers:  b.trailerSet(c.MR, c.Approvals, bot),
			Committer: fmt.Sprintf("%s <%s>", bot.Name, bot.Email),
		})
		if err != nil {
			b.Log.Infof("batch: excluding !%d: %v", c.MR.IID, err)
			excluded = append(excluded, c.MR.IID)
			continue
		}
		tip = newSHA
		included = append(included, rebased{candidate: c, sha: newSHA})
	}

	if len(included) == 0 {
		return Result{Requeued: iidsOf(candidates)}
	}

	// Every earlier batch attempt (including the one bisect is retrying)
	// leaves the ephemeral branch on the remote, so the lease is taken on
	// its current remote value; when it does not exist yet, an empty
	// expectRemoteSHA tells force-with-lease to accept only its creation.
	expectEphemeral, err := b.Worktree.Fetch(ctx, b.Remote, ephemeral)
	if err != nil {
		expectEphemeral = ""
	}
	if err := b.Worktree.Push(ctx, b.Remote, tip, ephemeral, expectEphemeral, true); err != nil {
		// A push race on the ephemeral branch leaves the target untouched;
		// requeue the whole batch, per spec.md §4.E's invariant.
		return Result{Requeued: iidsOf(candidates), Err: err}
	}

	if err := b.waitCI(ctx, project, tip); err != nil {
		return b.bisect(ctx, project, included, excluded, bot, err)
	}

	return b.mergeIncluded(ctx, project, included, excluded)
}

// bisect retries with the leading half of included on CI failure, requeuing
// the trailing half untouched, per spec.md §4.E step 6. It is always called
// from within Run's locked section, so its own retry goes through
// runLocked rather than Run.
func (b *Batch) bisect(ctx context.Context, project platform.Project, included []rebased, excluded []int, bot platform.User, ciErr error) Result {
	if len(included) == 1 {
		return Result{Requeued: append(append([]int{}, excluded...), included[0].candidate.MR.IID), Err: ciErr}
	}
	mid := len(included) / 2
	leading := make([]Candidate, mid)
	for i, r := range included[:mid] {
		leading[i] = r.candidate
	}
	trailingIIDs := make([]int, len(included)-mid)
	for i, r := range included[mid:] {
		trailingIIDs[i] = r.candidate.MR.IID
	}

	// Call runLocked, not Run: the caller (runLocked, via Run) already holds
	// the Worktree lock, which is a plain sync.Mutex and not reentrant.
	result := b.runLocked(ctx, project, leading, bot)
	result.Requeued = append(result.Requeued, trailingIIDs...)
	result.Requeued = append(result.Requeued, excluded...)
	return result
}

// mergeIncluded fast-forwards each included candidate's own source branch
// to its rebased sha and merges it, in order, per spec.md §4.E step 5.
func (b *Batch) mergeIncluded(ctx context.Context, project platform.Project, included []rebased, excluded []int) Result {
	var merged []int
	for i, r := range included {
		if err := b.Worktree.Push(ctx, b.Remote, r.sha, r.candidate.MR.SourceBranch, r.candidate.MR.SHA, true); err != nil {
			return Result{Merged: merged, Requeued: append(remainingIIDs(included, i), excluded...), Err: err}
		}
		if err := b.Client.AcceptMR(ctx, project, r.candidate.MR.IID, platform.AcceptOptions{
			SHA:                      r.sha,
			ShouldRemoveSourceBranch: true,
			Squash:                   r.candidate.MR.Squash,
		}); err != nil {
			return Result{Merged: merged, Requeued: append(remainingIIDs(included, i), excluded...), Err: err}
		}
		merged = append(merged, r.candidate.MR.IID)
	}
	return Result{Merged: merged, Requeued: excluded}
}

func (b *Batch) waitCI(ctx context.Context, project platform.Project, sha string) error {
	if !b.Config.RequireSuccessfulCI {
		return nil
	}
	deadline := time.Now().Add(b.Config.CITimeout)
	for {
		var newest *platform.Pipeline
		b.pipelines().ListPipelines(ctx, project, sha)(func(p platform.Pipeline) bool {
			pp := p
			newest = &pp
			return false
		})
		if newest != nil {
			switch {
			case newest.Status == platform.PipelineSuccess:
				return nil
			case newest.Status == platform.PipelineManual:
				if b.Config.ManualStagePolicy == config.ManualStageTreatAsSuccess {
					return nil
				}
			case newest.Status.Terminal():
				return &boterrors.CIFailed{SHA: sha, URL: newest.WebURL, Status: string(newest.Status)}
			}
		}
		if time.Now().After(deadline) {
			return &boterrors.CITimeout{SHA: sha, Waited: b.Config.CITimeout}
		}
		t := time.NewTimer(10 * time.Second)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (b *Batch) trailerSet(mr platform.MergeRequest, approvals platform.Approvals, bot platform.User) *gitwork.TrailerSet {
	if !b.Config.AddReviewers && !b.Config.AddTested && !b.Config.AddPartOf {
		return nil
	}
	t := &gitwork.TrailerSet{}
	if b.Config.AddReviewers {
		for _, u := range approvals.ApprovedBy {
			name := u.Name
			if name == "" {
				name = u.Username
			}
			t.ReviewedBy = append(t.ReviewedBy, fmt.Sprintf("%s <%s>", name, u.Email))
		}
	}
	if b.Config.AddTested {
		t.TestedBy = fmt.Sprintf("%s <%s>", bot.Name, bot.Email)
	}
	if b.Config.AddPartOf && mr.WebURL != "" {
		t.Extra = append(t.Extra, fmt.Sprintf("Part-of: %s", mr.WebURL))
	}
	if len(t.ReviewedBy) == 0 && t.TestedBy == "" && len(t.Extra) == 0 {
		return nil
	}
	return t
}

func iidsOf(candidates []Candidate) []int {
	out := make([]int, len(candidates))
	for i, c := range candidates {
		out[i] = c.MR.IID
	}
	return out
}

func remainingIIDs(included []rebased, fromInclusive int) []int {
	var out []int
	for _, r := range included[fromInclusive:] {
		out = append(out, r.candidate.MR.IID)
	}
	return out
}
