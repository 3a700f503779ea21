// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package policy

import (
	"regexp"
	"testing"
	"time"

	"github.com/go-test/deep"

	"github.com/derFreitag/marge-bot/internal/platform"
)

const botID = 42

func baseInput() Input {
	return Input{
		MR: platform.MergeRequest{
			State:       "opened",
			AssigneeIDs: []int{botID},
			AuthorID:    7,
			TargetBranch: "main",
		},
		Approvals: platform.Approvals{ApprovalsLeft: 0},
		BotUserID: botID,
	}
}

func TestEvaluate_Ok(t *testing.T) {
	d := Evaluate(baseInput())
	if diff := deep.Equal(d, Decision{Outcome: Ok}); diff != nil {
		t.Errorf("unexpected decision: %v", diff)
	}
}

func TestEvaluate_DropNotOpen(t *testing.T) {
	in := baseInput()
	in.MR.State = "closed"
	d := Evaluate(in)
	if d.Outcome != Drop {
		t.Errorf("want Drop, got %+v", d)
	}
}

func TestEvaluate_DropUnassigned(t *testing.T) {
	in := baseInput()
	in.MR.AssigneeIDs = []int{999}
	d := Evaluate(in)
	if d.Outcome != Drop {
		t.Errorf("want Drop, got %+v", d)
	}
}

func TestEvaluate_TerminalDraft(t *testing.T) {
	in := baseInput()
	in.MR.WorkInProgress = true
	d := Evaluate(in)
	if d.Outcome != Terminal || d.Reason == "" {
		t.Errorf("want Terminal with reason, got %+v", d)
	}
}

func TestEvaluate_TerminalSelfAuthored(t *testing.T) {
	in := baseInput()
	in.MR.AuthorID = botID
	d := Evaluate(in)
	if d.Outcome != Terminal {
		t.Errorf("want Terminal, got %+v", d)
	}
}

func TestEvaluate_TerminalNeedsApprovals(t *testing.T) {
	in := baseInput()
	in.Approvals.ApprovalsLeft = 2
	d := Evaluate(in)
	if d.Outcome != Terminal {
		t.Errorf("want Terminal, got %+v", d)
	}
}

func TestEvaluate_TerminalProtectedBranch(t *testing.T) {
	in := baseInput()
	in.ProtectedBranch = func(b string) bool { return b == "main" }
	d := Evaluate(in)
	if d.Outcome != Terminal {
		t.Errorf("want Terminal, got %+v", d)
	}
}

func TestEvaluate_TerminalUnresolvedDiscussions(t *testing.T) {
	in := baseInput()
	in.RequireDiscussionsResolved = true
	in.MR.BlockingDiscussionsResolved = false
	d := Evaluate(in)
	if d.Outcome != Terminal {
		t.Errorf("want Terminal, got %+v", d)
	}
}

func TestEvaluate_TerminalEmbargoRegexp(t *testing.T) {
	in := baseInput()
	in.EmbargoRegexp = regexp.MustCompile(`^main$`)
	d := Evaluate(in)
	if d.Outcome != Terminal {
		t.Errorf("want Terminal, got %+v", d)
	}
}

func TestEvaluate_TerminalEmbargoCalendar(t *testing.T) {
	in := baseInput()
	in.Now = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	in.Embargoed = func(branch string, now time.Time) bool {
		return branch == "main" && now.Year() == 2026
	}
	d := Evaluate(in)
	if d.Outcome != Terminal {
		t.Errorf("want Terminal, got %+v", d)
	}
}

func TestEvaluate_ImpersonateApproversMissingEmail(t *testing.T) {
	in := baseInput()
	in.ImpersonateApprovers = true
	in.Approvals.ApprovedBy = []platform.User{{ID: 1, Username: "alice"}}
	in.ApproverEmails = map[int]string{}
	d := Evaluate(in)
	if d.Outcome != Terminal || d.Reason == "" {
		t.Errorf("want Terminal naming the approver, got %+v", d)
	}
}

func TestEvaluate_ImpersonateApproversKnownEmail(t *testing.T) {
	in := baseInput()
	in.ImpersonateApprovers = true
	in.Approvals.ApprovedBy = []platform.User{{ID: 1, Username: "alice"}}
	in.ApproverEmails = map[int]string{1: "alice@example.com"}
	d := Evaluate(in)
	if d.Outcome != Ok {
		t.Errorf("want Ok, got %+v", d)
	}
}

func TestRequiresRebase(t *testing.T) {
	ffProject := platform.Project{MergeMethod: platform.MergeMethodFF}
	mergeProject := platform.Project{MergeMethod: platform.MergeMethodMerge}

	if !RequiresRebase(ffProject, false) {
		t.Error("ff project with non-ancestor source should require rebase")
	}
	if RequiresRebase(ffProject, true) {
		t.Error("ff project with ancestor source should not require rebase")
	}
	if RequiresRebase(mergeProject, false) {
		t.Error("merge-method project never requires rebase via this check")
	}
}

func TestDecision_ToJobError(t *testing.T) {
	if err := (Decision{Outcome: Ok}).ToJobError(); err != nil {
		t.Errorf("Ok should produce a nil error, got %v", err)
	}
	if err := (Decision{Outcome: Drop}).ToJobError(); err == nil {
		t.Error("Drop should produce a non-nil error")
	}
	if err := (Decision{Outcome: Terminal, Reason: "nope"}).ToJobError(); err == nil {
		t.Error("Terminal should produce a non-nil error")
	}
}
