// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package policy implements the Job Policy (component C): pure predicates
// over an already-fetched MR deciding whether it is currently eligible,
// per spec.md §4.C. Nothing here performs I/O; internal/job calls this
// after every Fetch so decisions are always made on fresh state.
package policy

import (
	"fmt"
	"regexp"
	"time"

	"github.com/derFreitag/marge-bot/internal/boterrors"
	"github.com/derFreitag/marge-bot/internal/platform"
)

// Outcome is the result of evaluating an MR against the policy.
type Outcome int

const (
	// Ok means the MR is currently eligible to proceed to UpdateBranch.
	Ok Outcome = iota
	// Drop means the MR is no longer a candidate, but the reason is not
	// the bot's business to comment on (not open, or no longer assigned).
	Drop
	// Terminal means the MR is rejected with a user-facing reason;
	// internal/job posts exactly one comment and unassigns.
	Terminal
	// Requeue means the MR should be reconsidered later, without comment.
	Requeue
)

// Decision is the result of Evaluate.
type Decision struct {
	Outcome Outcome
	Reason  string        // set for Terminal
	Delay   time.Duration // set for Requeue
}

// Input bundles everything Evaluate needs. RequireApproverEmail mirrors
// impersonate-approvers (spec.md §6): if true, any approver with no public
// email is an explicit Terminal error rather than a silent skip (Open
// Question 3, decided in DESIGN.md).
type Input struct {
	MR         platform.MergeRequest
	Project    platform.Project
	Approvals  platform.Approvals
	BotUserID  int
	Now        time.Time

	RequireDiscussionsResolved bool
	ProtectedBranch            func(branch string) bool
	Embargoed                  func(branch string, now time.Time) bool
	EmbargoRegexp              *regexp.Regexp

	ImpersonateApprovers bool
	ApproverEmails       map[int]string // userID -> public email, if known
}

// Evaluate runs the eight checks of spec.md §4.C in order, plus the
// embargo check folded in as §4.D requires (evaluated during Validate).
func Evaluate(in Input) Decision {
	if in.MR.State != "opened" {
		return Decision{Outcome: Drop}
	}
	if in.MR.WorkInProgress {
		return Decision{Outcome: Terminal, Reason: "it is a draft."}
	}
	if !in.MR.HasAssignee(in.BotUserID) {
		return Decision{Outcome: Drop}
	}
	if in.MR.AuthorID == in.BotUserID {
		return Decision{Outcome: Terminal, Reason: "I am the author; refusing to merge my own merge request."}
	}
	if in.Approvals.ApprovalsLeft > 0 {
		return Decision{Outcome: Terminal, Reason: fmt.Sprintf("it still needs %d approval(s).", in.Approvals.ApprovalsLeft)}
	}
	if in.ProtectedBranch != nil && in.ProtectedBranch(in.MR.TargetBranch) {
		return Decision{Outcome: Terminal, Reason: fmt.Sprintf("%q is a protected branch I cannot push to.", in.MR.TargetBranch)}
	}
	if in.RequireDiscussionsResolved && !in.MR.BlockingDiscussionsResolved {
		return Decision{Outcome: Terminal, Reason: "it has unresolved discussions."}
	}
	if isEmbargoed(in) {
		return Decision{Outcome: Terminal, Reason: fmt.Sprintf("%q is under embargo right now.", in.MR.TargetBranch)}
	}
	if in.ImpersonateApprovers {
		if reason, ok := missingApproverEmail(in); !ok {
			return Decision{Outcome: Terminal, Reason: reason}
		}
	}
	return Decision{Outcome: Ok}
}

func isEmbargoed(in Input) bool {
	if in.EmbargoRegexp != nil && in.EmbargoRegexp.MatchString(in.MR.TargetBranch) {
		return true
	}
	if in.Embargoed != nil {
		now := in.Now
		if now.IsZero() {
			now = time.Now()
		}
		return in.Embargoed(in.MR.TargetBranch, now)
	}
	return false
}

// missingApproverEmail implements Open Question 3's resolution: when
// impersonate-approvers is set, every approver must have a known public
// email so the bot can author a trailer commit "as" them; a missing email
// is an explicit PolicyReject, never a silent fallback to the bot's own
// identity.
func missingApproverEmail(in Input) (reason string, ok bool) {
	for _, approver := range in.Approvals.ApprovedBy {
		if in.ApproverEmails[approver.ID] == "" {
			return fmt.Sprintf("approver %q has no public email; impersonate-approvers requires one.", approver.Username), false
		}
	}
	return "", true
}

// RequiresRebase reports whether the MR's history is non-linear relative to
// the target, per spec.md §4.C check 8 (only meaningful for ff projects).
func RequiresRebase(project platform.Project, sourceIsAncestorOfTarget bool) bool {
	return project.MergeMethod == platform.MergeMethodFF && !sourceIsAncestorOfTarget
}

// ToJobError converts a non-Ok Decision into the boterrors type
// internal/job propagates, for callers that want a uniform error value
// instead of switching on Outcome directly.
func (d Decision) ToJobError() error {
	switch d.Outcome {
	case Ok:
		return nil
	case Drop:
		return &boterrors.PolicyReject{Silent: true}
	case Terminal:
		return &boterrors.PolicyReject{Comment: d.Reason}
	case Requeue:
		return fmt.Errorf("requeue: %w", boterrors.Cancelled) // placeholder; internal/job special-cases Requeue directly
	default:
		return fmt.Errorf("unknown policy outcome %d", d.Outcome)
	}
}
