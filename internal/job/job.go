// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package job implements the Single-MR Job (component D): the
// Start→Fetch→Validate→UpdateBranch→WaitRebased→WaitCI→Merge→Confirm state
// machine spec.md §4.D describes, ending in exactly one of
// {Merged, RejectTerminal, Requeue, Cancelled}. Every step's error is
// classified once, centrally, the way githubutil.Retry classifies
// rate-limit errors and sync.MakeBranchPRs isolates one entry's failure
// from the rest of the run.
package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/derFreitag/marge-bot/internal/audit"
	"github.com/derFreitag/marge-bot/internal/boterrors"
	"github.com/derFreitag/marge-bot/internal/botlog"
	"github.com/derFreitag/marge-bot/internal/commenttemplate"
	"github.com/derFreitag/marge-bot/internal/config"
	"github.com/derFreitag/marge-bot/internal/gitwork"
	"github.com/derFreitag/marge-bot/internal/platform"
	"github.com/derFreitag/marge-bot/internal/policy"
)

// Outcome is the terminal disposition of Run.
type Outcome int

const (
	Merged Outcome = iota
	RejectTerminal
	Requeue
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Merged:
		return "merged"
	case RejectTerminal:
		return "reject_terminal"
	case Requeue:
		return "requeue"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Pipelines is the subset of platform.Pipelines WaitCI polls; satisfied by
// every platform.Client and by the Azure DevOps source that
// internal/cibackend.New returns, per SPEC_FULL.md §4.H.
type Pipelines interface {
	ListPipelines(ctx context.Context, project platform.Project, sha string) platform.Seq[platform.Pipeline]
}

// VersionBumper is implemented by internal/versionbump.Bumper. It runs
// best-effort after a merge succeeds, so a bump failure never turns an
// already-merged MR into a rejection.
type VersionBumper interface {
	Bump(ctx context.Context, project platform.Project, targetBranch string) error
}

// Job runs the Single-MR Job state machine for one project. One Job is
// constructed per Project Loop and reused across every MR it considers.
type Job struct {
	Client    platform.Client
	Pipelines Pipelines // if nil, Client doubles as the CI source
	Worktree  *gitwork.Worktree
	Config    *config.Config
	Log       *botlog.Logger // project-scoped; Run narrows it further per MR
	Comments  *commenttemplate.Renderer
	Audit     *audit.Signer
	Embargo   []config.EmbargoWindow
	VersionBump VersionBumper // nil disables the version bump (SPEC_FULL.md §4.I) entirely

	// Remote is the git remote name configured in Worktree that points at
	// the project being processed.
	Remote string

	mu        sync.Mutex
	refusals  map[int]int // MR iid -> consecutive accept_mr refusals
}

// Result is Run's return value. Err is nil on Merged and RejectTerminal; on
// Requeue and Cancelled it holds the error that was classified (a silent
// boterrors.PolicyReject for a dropped MR). Callers that need to
// special-case boterrors.Unauthorized (to
// disable a Project Loop, per spec.md §4.G) inspect it with errors.As.
type Result struct {
	Outcome Outcome
	Delay   time.Duration
	Err     error
}

func (j *Job) pipelines() Pipelines {
	if j.Pipelines != nil {
		return j.Pipelines
	}
	return j.Client
}

// Run executes one full pass of the state machine for MR iid.
func (j *Job) Run(ctx context.Context, project platform.Project, iid int) Result {
	mr, err := j.Client.GetMR(ctx, project, iid)
	if err != nil {
		return j.handleErr(ctx, project, mr, platform.User{}, err)
	}

	approvals, err := j.Client.GetApprovals(ctx, project, iid)
	if err != nil {
		return j.handleErr(ctx, project, mr, platform.User{}, err)
	}

	bot, err := j.Client.GetUserByUsername(ctx, j.Config.BotUsername)
	if err != nil {
		return j.handleErr(ctx, project, mr, platform.User{}, err)
	}

	approverEmails := make(map[int]string, len(approvals.ApprovedBy))
	for _, u := range approvals.ApprovedBy {
		approverEmails[u.ID] = u.Email
	}

	override := j.Config.ProjectConfig[project.PathWithNamespace]
	requireDiscussionsResolved := j.Config.RequireDiscussionsResolved
	if override.RequireDiscussionsResolved != nil {
		requireDiscussionsResolved = *override.RequireDiscussionsResolved
	}
	impersonateApprovers := j.Config.ImpersonateApprovers
	if override.ImpersonateApprovers != nil {
		impersonateApprovers = *override.ImpersonateApprovers
	}
	var protectedBranch func(string) bool
	if len(override.ProtectedBranches) > 0 {
		protectedBranch = override.ProtectedBranchMatch
	}

	decision := policy.Evaluate(policy.Input{
		MR:        mr,
		Project:   project,
		Approvals: approvals,
		BotUserID: bot.ID,
		Now:       time.Now(),

		RequireDiscussionsResolved: requireDiscussionsResolved,
		ProtectedBranch:            protectedBranch,
		Embargoed: func(branch string, now time.Time) bool {
			return config.Embargoed(j.Embargo, branch, now)
		},
		EmbargoRegexp:        j.Config.ProjectEmbargoRegexp[project.PathWithNamespace],
		ImpersonateApprovers: impersonateApprovers,
		ApproverEmails:       approverEmails,
	})
	if decision.Outcome != policy.Ok {
		return j.handleErr(ctx, project, mr, bot, decision.ToJobError())
	}

	j.Log.WithJob(iid).Infof("eligible, updating branch")
	sha, err := j.updateBranch(ctx, project, mr, approvals, bot)
	if err != nil {
		return j.handleErr(ctx, project, mr, bot, err)
	}

	if err := j.waitRebased(ctx, project, mr, sha); err != nil {
		return j.handleErr(ctx, project, mr, bot, err)
	}

	if j.requireCI() {
		if err := j.waitCI(ctx, project, sha); err != nil {
			return j.handleErr(ctx, project, mr, bot, err)
		}
	}

	if j.Config.DryRun {
		j.Log.WithJob(iid).Infof("dry-run: would merge %s", sha)
		return Result{Outcome: Merged}
	}

	if err := j.Client.AcceptMR(ctx, project, iid, platform.AcceptOptions{
		SHA:                      sha,
		ShouldRemoveSourceBranch: true,
		Squash:                   mr.Squash,
	}); err != nil {
		return j.handleErr(ctx, project, mr, bot, err)
	}
	j.clearRefusals(iid)

	if err := j.confirmMerged(ctx, project, mr); err != nil {
		return j.handleErr(ctx, project, mr, bot, err)
	}
	j.verifySourceBranchDeleted(ctx, project, mr)

	j.Log.WithJob(iid).Infof("merged %s", sha)
	j.emitAudit(project, iid, sha, audit.OutcomeMerged, "")

	if j.VersionBump != nil {
		if err := j.VersionBump.Bump(ctx, project, mr.TargetBranch); err != nil {
			j.Log.WithJob(iid).Warnf("version bump on %s: %v", mr.TargetBranch, err)
		}
	}

	return Result{Outcome: Merged}
}

func (j *Job) requireCI() bool {
	return j.Config.RequireSuccessfulCI
}

// updateBranch rebases the MR's source branch onto the target and pushes
// it back, rewriting Reviewed-by/Tested-by trailers, per spec.md §4.B/§4.D.
// It is a no-op if the source is already an ancestor-free-of-trailers
// rebase of the target.
func (j *Job) updateBranch(ctx context.Context, project platform.Project, mr platform.MergeRequest, approvals platform.Approvals, bot platform.User) (string, error) {
	release := j.Worktree.Lock()
	defer release()

	targetSHA, err := j.Worktree.Fetch(ctx, j.Remote, mr.TargetBranch)
	if err != nil {
		return "", fmt.Errorf("fetch target %s: %w", mr.TargetBranch, err)
	}
	// Scrub any rebase/merge-in-progress state (or stray untracked files) a
	// prior, crashed Job over this worktree may have left behind, before
	// mutating it again.
	if err := j.Worktree.ResetToClean(ctx, targetSHA); err != nil {
		return "", fmt.Errorf("reset worktree: %w", err)
	}
	sourceSHA, err := j.Worktree.Fetch(ctx, j.Remote, mr.SourceBranch)
	if err != nil {
		return "", fmt.Errorf("fetch source %s: %w", mr.SourceBranch, err)
	}
	if sourceSHA != mr.SHA {
		return "", &boterrors.RemoteMoved{Ref: mr.SourceBranch, ExpectedSHA: mr.SHA}
	}

	ancestor, err := j.Worktree.IsAncestor(ctx, targetSHA, sourceSHA)
	if err != nil {
		return "", fmt.Errorf("check ancestry: %w", err)
	}

	if j.Config.RebaseRemotely {
		return j.updateBranchRemotely(ctx, project, mr, sourceSHA)
	}

	trailers := j.trailerSet(mr, approvals, bot)
	if ancestor && trailers == nil && !j.Config.UseMergeStrategy {
		return sourceSHA, nil
	}

	onto := targetSHA
	if j.Config.UseMergeStrategy {
		// accept_mr itself performs the merge, so the history is not
		// rebased onto the target. Rebasing the source onto itself leaves
		// every commit as it is, so no trailers are added in this mode.
		onto = sourceSHA
	}

	committer := fmt.Sprintf("%s <%s>", bot.Name, bot.Email)
	newSHA, err := j.Worktree.Rebase(ctx, gitwork.RebaseOptions{
		SourceRef: sourceSHA,
		Onto:      onto,
		Trailers:  trailers,
		Committer: committer,
	})
	if err != nil {
		return "", err
	}
	if newSHA == sourceSHA {
		return sourceSHA, nil
	}

	if err := j.Worktree.Push(ctx, j.Remote, newSHA, mr.SourceBranch, sourceSHA, true); err != nil {
		return "", err
	}
	return newSHA, nil
}

// updateBranchRemotely asks the Platform to perform the rebase
// server-side (spec.md §6's rebase-remotely) instead of rewriting history
// in the local Git Worktree.
func (j *Job) updateBranchRemotely(ctx context.Context, project platform.Project, mr platform.MergeRequest, sourceSHA string) (string, error) {
	if err := j.Client.RequestRebase(ctx, project, mr.IID); err != nil {
		return "", fmt.Errorf("request remote rebase: %w", err)
	}
	deadline := time.Now().Add(2 * time.Minute)
	for {
		updated, err := j.Client.GetMR(ctx, project, mr.IID)
		if err != nil {
			return "", err
		}
		if !updated.RebaseInProgress {
			return updated.SHA, nil
		}
		if time.Now().After(deadline) {
			return "", &boterrors.CITimeout{SHA: sourceSHA, Waited: 2 * time.Minute}
		}
		if err := sleep(ctx, 3*time.Second); err != nil {
			return "", err
		}
	}
}

func (j *Job) trailerSet(mr platform.MergeRequest, approvals platform.Approvals, bot platform.User) *gitwork.TrailerSet {
	if !j.Config.AddReviewers && !j.Config.AddTested && !j.Config.AddPartOf {
		return nil
	}
	t := &gitwork.TrailerSet{}
	if j.Config.AddReviewers {
		for _, u := range approvals.ApprovedBy {
			name := u.Name
			if name == "" {
				name = u.Username
			}
			t.ReviewedBy = append(t.ReviewedBy, fmt.Sprintf("%s <%s>", name, u.Email))
		}
	}
	if j.Config.AddTested {
		t.TestedBy = fmt.Sprintf("%s <%s>", bot.Name, bot.Email)
	}
	if j.Config.AddPartOf && mr.WebURL != "" {
		t.Extra = append(t.Extra, fmt.Sprintf("Part-of: %s", mr.WebURL))
	}
	if len(t.ReviewedBy) == 0 && t.TestedBy == "" && len(t.Extra) == 0 {
		return nil
	}
	return t
}

// waitRebased polls until the Platform has observed the push updateBranch
// just made, so WaitCI never asks about a pipeline for a sha the Platform
// hasn't registered yet.
func (j *Job) waitRebased(ctx context.Context, project platform.Project, mr platform.MergeRequest, sha string) error {
	deadline := time.Now().Add(2 * time.Minute)
	for {
		updated, err := j.Client.GetMR(ctx, project, mr.IID)
		if err != nil {
			return err
		}
		if updated.SHA == sha && !updated.RebaseInProgress {
			return nil
		}
		if time.Now().After(deadline) {
			return &boterrors.CITimeout{SHA: sha, Waited: 2 * time.Minute}
		}
		if err := sleep(ctx, 3*time.Second); err != nil {
			return err
		}
	}
}

// waitCI polls the newest pipeline for sha until it reaches a status the
// state machine can act on, per spec.md §4.D and Open Question 2's
// manual-stage policy.
func (j *Job) waitCI(ctx context.Context, project platform.Project, sha string) error {
	deadline := time.Now().Add(j.Config.CITimeout)
	for {
		var newest *platform.Pipeline
		j.pipelines().ListPipelines(ctx, project, sha)(func(p platform.Pipeline) bool {
			pp := p
			newest = &pp
			return false // ListPipelines yields newest-first; stop after the first
		})

		if newest != nil {
			switch {
			case newest.Status == platform.PipelineSuccess:
				return nil
			case newest.Status == platform.PipelineManual:
				if j.Config.ManualStagePolicy == config.ManualStageTreatAsSuccess {
					return nil
				}
				// treat_as_timeout: fall through and keep waiting.
			case newest.Status.Terminal():
				return &boterrors.CIFailed{SHA: sha, URL: newest.WebURL, Status: string(newest.Status)}
			}
		}

		if time.Now().After(deadline) {
			return &boterrors.CITimeout{SHA: sha, Waited: j.Config.CITimeout}
		}
		if err := sleep(ctx, 10*time.Second); err != nil {
			return err
		}
	}
}

// confirmMerged implements the Merge→Confirm transition of spec.md §4.D:
// poll the MR until the Platform itself reports state==merged. If it
// closes without merging, the Job reports RejectTerminal("merge vanished")
// even though accept_mr returned success, since something raced the merge
// out from under the bot (a forced close, a deleted target branch).
func (j *Job) confirmMerged(ctx context.Context, project platform.Project, mr platform.MergeRequest) error {
	log := j.Log.WithJob(mr.IID)
	deadline := time.Now().Add(2 * time.Minute)
	for {
		updated, err := j.Client.GetMR(ctx, project, mr.IID)
		if err != nil {
			return err
		}
		switch updated.State {
		case "merged":
			return nil
		case "closed":
			return &boterrors.MergeVanished{}
		}
		if time.Now().After(deadline) {
			// accept_mr already succeeded; trust it rather than blocking the
			// Job forever on a Platform that's slow to reflect its own state.
			log.Warnf("still waiting for state=merged on %s after accept_mr succeeded", updated.SHA)
			return nil
		}
		if err := sleep(ctx, 3*time.Second); err != nil {
			return err
		}
	}
}

// verifySourceBranchDeleted checks that accept_mr's
// ShouldRemoveSourceBranch actually took effect. Per spec.md §4.D this is
// advisory only: the Job still reports Merged either way, just with a
// warning logged.
func (j *Job) verifySourceBranchDeleted(ctx context.Context, project platform.Project, mr platform.MergeRequest) {
	log := j.Log.WithJob(mr.IID)
	found := false
	j.Client.ListBranches(ctx, project, mr.SourceBranch)(func(name string) bool {
		if name == mr.SourceBranch {
			found = true
			return false
		}
		return true
	})
	if found {
		log.Warnf("source branch %s still present after merge", mr.SourceBranch)
	}
}

// recordRefusal increments and returns the consecutive accept_mr-refusal
// count for iid, per spec.md §4.D's N_refused escalation.
func (j *Job) recordRefusal(iid int) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.refusals == nil {
		j.refusals = make(map[int]int)
	}
	j.refusals[iid]++
	return j.refusals[iid]
}

// clearRefusals resets iid's consecutive accept_mr-refusal count, called
// whenever the MR is no longer in a refused state (it moved, rebased, or
// merged).
func (j *Job) clearRefusals(iid int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.refusals, iid)
}

// handleErr classifies err into a Result, posting the single rejection
// comment spec.md requires when the classification is terminal.
func (j *Job) handleErr(ctx context.Context, project platform.Project, mr platform.MergeRequest, bot platform.User, err error) Result {
	outcome, reason, delay := j.classify(mr.IID, err)
	if outcome == RejectTerminal {
		return j.reject(ctx, project, mr, bot, reason)
	}
	if outcome == Cancelled && !j.Config.DryRun {
		j.emitAudit(project, mr.IID, mr.SHA, audit.OutcomeCancelled, "")
	}
	return Result{Outcome: outcome, Delay: delay, Err: err}
}

// classify maps the closed boterrors taxonomy (and context cancellation)
// onto one of the four Job outcomes.
func (j *Job) classify(iid int, err error) (Outcome, string, time.Duration) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, boterrors.Cancelled) {
		return Cancelled, "", 0
	}

	var rebaseConflict *boterrors.RebaseConflict
	if errors.As(err, &rebaseConflict) {
		return RejectTerminal, "it no longer merges cleanly onto the target branch.", 0
	}

	var remoteMoved *boterrors.RemoteMoved
	if errors.As(err, &remoteMoved) {
		// The most common cause is a fresh push resetting approvals; wait
		// out the configured approval-reset-timeout before retrying.
		return Requeue, "", j.Config.ApprovalResetTimeout
	}

	var pushRejected *boterrors.PushRejected
	if errors.As(err, &pushRejected) {
		return Requeue, "", 5 * time.Second
	}

	var ciFailed *boterrors.CIFailed
	if errors.As(err, &ciFailed) {
		return RejectTerminal, fmt.Sprintf("CI failed: %s", ciFailed.URL), 0
	}

	var ciTimeout *boterrors.CITimeout
	if errors.As(err, &ciTimeout) {
		return Requeue, "", 30 * time.Second
	}

	var mergeVanished *boterrors.MergeVanished
	if errors.As(err, &mergeVanished) {
		return RejectTerminal, "merge vanished", 0
	}

	var mergeRefused *boterrors.MergeRefused
	if errors.As(err, &mergeRefused) {
		switch mergeRefused.Reason {
		case boterrors.MergeRefusedSHAMismatch, boterrors.MergeRefusedNotRebased:
			j.clearRefusals(iid)
			return Requeue, "", 5 * time.Second
		case boterrors.MergeRefusedNotMergeable:
			if j.recordRefusal(iid) >= j.Config.MaxMergeRefusals {
				j.clearRefusals(iid)
				return RejectTerminal, fmt.Sprintf("merge was refused: %s", mergeRefused.Detail), 0
			}
			return Requeue, "", 5 * time.Second
		case boterrors.MergeRefusedPipelineNotSuccess:
			if j.recordRefusal(iid) >= j.Config.MaxMergeRefusals {
				j.clearRefusals(iid)
				return RejectTerminal, fmt.Sprintf("merge was refused: %s", mergeRefused.Detail), 0
			}
			return Requeue, "", 15 * time.Second
		default:
			return RejectTerminal, fmt.Sprintf("merge was refused: %s", mergeRefused.Detail), 0
		}
	}

	var policyReject *boterrors.PolicyReject
	if errors.As(err, &policyReject) {
		if policyReject.Silent {
			return Requeue, "", 0
		}
		return RejectTerminal, policyReject.Comment, 0
	}

	var unauthorized *boterrors.Unauthorized
	if errors.As(err, &unauthorized) {
		return Requeue, "", 0
	}

	if boterrors.IsRetryable(err) {
		return Requeue, "", 15 * time.Second
	}

	return Requeue, "", 15 * time.Second
}

// reject posts the single rejection comment spec.md §4.D requires and
// unassigns the bot, then signs an audit record.
func (j *Job) reject(ctx context.Context, project platform.Project, mr platform.MergeRequest, bot platform.User, reason string) Result {
	log := j.Log.WithJob(mr.IID)
	if j.Config.DryRun {
		log.Infof("dry-run: would reject: %s", reason)
		return Result{Outcome: RejectTerminal}
	}

	text := reason
	if j.Comments != nil {
		rendered, err := j.Comments.RenderRejection(commenttemplate.RejectionData{
			Reason:       reason,
			SourceBranch: mr.SourceBranch,
			TargetBranch: mr.TargetBranch,
			BotUsername:  j.Config.BotUsername,
		})
		if err == nil {
			text = rendered
		}
	}
	if err := j.Client.Comment(ctx, project, mr.IID, text); err != nil {
		log.Warnf("post rejection comment: %v", err)
	}
	if bot.ID != 0 {
		if err := j.Client.Unassign(ctx, project, mr.IID, bot); err != nil {
			log.Warnf("unassign: %v", err)
		}
	}
	j.emitAudit(project, mr.IID, mr.SHA, audit.OutcomeRejectTerminal, reason)
	return Result{Outcome: RejectTerminal}
}

func (j *Job) emitAudit(project platform.Project, iid int, sha string, outcome audit.Outcome, reason string) {
	if j.Audit == nil {
		return
	}
	signed, err := j.Audit.Sign(audit.Record{
		Project: project.PathWithNamespace,
		MRIID:   iid,
		SHA:     sha,
		Outcome: outcome,
		Reason:  reason,
		Actor:   j.Config.BotUsername,
		At:      time.Now(),
	})
	if err != nil {
		j.Log.WithJob(iid).Warnf("sign audit record: %v", err)
		return
	}
	j.Log.WithJob(iid).Infof("audit: %s", signed)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
