// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package batch

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/derFreitag/marge-bot/internal/botlog"
	"github.com/derFreitag/marge-bot/internal/config"
	"github.com/derFreitag/marge-bot/internal/gitfixture"
	"github.com/derFreitag/marge-bot/internal/gitwork"
	"github.com/derFreitag/marge-bot/internal/platform"
	"github.com/derFreitag/marge-bot/internal/platform/platformtest"
)

const testProjectID = 100

var testBot = platform.User{ID: 1, Username: "mergebot", Name: "Merge Bot", Email: "bot@example.invalid"}

// fixedStatusPipelines reports the same pipeline status for every sha
// queried, letting waitCI tests avoid predicting the sha a rebase produces.
type fixedStatusPipelines platform.PipelineStatus

func (s fixedStatusPipelines) ListPipelines(_ context.Context, _ platform.Project, sha string) platform.Seq[platform.Pipeline] {
	return func(yield func(platform.Pipeline) bool) {
		yield(platform.Pipeline{SHA: sha, Status: platform.PipelineStatus(s), WebURL: "https://example.invalid/" + sha})
	}
}

func run(t *testing.T, dir, name string, args ...string) {
	t.Helper()
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("%s %v in %s: %v: %s", name, args, dir, err, out)
	}
}

type harness struct {
	fake    *platformtest.Fake
	repo    *gitfixture.Repo
	batch   *Batch
	project platform.Project
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	repo := gitfixture.New(t, "main")
	fake := platformtest.New()
	p := platform.Project{ID: testProjectID, PathWithNamespace: "group/project", DefaultBranch: "main", MergeMethod: platform.MergeMethodFF}
	fake.Projects[testProjectID] = p

	workDir := t.TempDir()
	run(t, workDir, "git", "init", "-b", "scratch")
	run(t, workDir, "git", "config", "user.name", "fixture")
	run(t, workDir, "git", "config", "user.email", "fixture@example.invalid")

	b := &Batch{
		Client:    fake,
		Worktree:  &gitwork.Worktree{Dir: workDir},
		Config:    cfg,
		Log:       botlog.New(nil).WithProject(p.PathWithNamespace),
		Remote:    repo.RemoteDir,
		BatchSize: 5,
	}
	return &harness{fake: fake, repo: repo, batch: b, project: p}
}

// addCandidate creates a branch fileName off main containing content,
// registers a fixture MR, and returns a Candidate for it.
func (h *harness) addCandidate(t *testing.T, iid int, branch, fileName, content string) Candidate {
	t.Helper()
	run(t, h.repo.WorkDir, "git", "checkout", "main")
	run(t, h.repo.WorkDir, "git", "checkout", "-b", branch)
	sha := h.repo.CommitFile(branch, fileName, content, "candidate commit")
	h.repo.Push(branch)

	mr := platform.MergeRequest{
		ID: iid, IID: iid, ProjectID: testProjectID,
		SourceBranch: branch, TargetBranch: "main", SHA: sha,
		State: "opened",
	}
	h.fake.AddMR(mr)
	return Candidate{MR: mr}
}

func noCIConfig() *config.Config {
	return &config.Config{RequireSuccessfulCI: false}
}

func TestRun_EmptyCandidates(t *testing.T) {
	h := newHarness(t, noCIConfig())
	result := h.batch.Run(context.Background(), h.project, nil, testBot)
	if len(result.Merged) != 0 || len(result.Requeued) != 0 || result.Err != nil {
		t.Errorf("expected an empty Result, got %+v", result)
	}
}

func TestRun_MergesAllNonConflicting(t *testing.T) {
	h := newHarness(t, noCIConfig())
	c1 := h.addCandidate(t, 1, "feature-1", "a.txt", "a content\n")
	c2 := h.addCandidate(t, 2, "feature-2", "b.txt", "b content\n")

	result := h.batch.Run(context.Background(), h.project, []Candidate{c1, c2}, testBot)
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if len(result.Merged) != 2 || len(result.Requeued) != 0 {
		t.Fatalf("want both merged, got %+v", result)
	}
	if len(h.fake.Accepted) != 2 {
		t.Fatalf("want 2 AcceptMR calls, got %d", len(h.fake.Accepted))
	}
}

func TestRun_ExcludesConflictingCandidate(t *testing.T) {
	h := newHarness(t, noCIConfig())
	c1 := h.addCandidate(t, 1, "feature-1", "shared.txt", "from feature-1\n")

	// feature-2 edits the same file from main's original tip, independent
	// of feature-1 — rebasing it onto feature-1's tip conflicts.
	run(t, h.repo.WorkDir, "git", "checkout", "main")
	run(t, h.repo.WorkDir, "git", "checkout", "-b", "feature-2")
	sha2 := h.repo.CommitFile("feature-2", "shared.txt", "from feature-2\n", "conflicting commit")
	h.repo.Push("feature-2")
	c2 := Candidate{MR: platform.MergeRequest{
		ID: 2, IID: 2, ProjectID: testProjectID,
		SourceBranch: "feature-2", TargetBranch: "main", SHA: sha2, State: "opened",
	}}
	h.fake.AddMR(c2.MR)

	result := h.batch.Run(context.Background(), h.project, []Candidate{c1, c2}, testBot)
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if len(result.Merged) != 1 || result.Merged[0] != 1 {
		t.Fatalf("want only !1 merged, got %+v", result)
	}
	if len(result.Requeued) != 1 || result.Requeued[0] != 2 {
		t.Fatalf("want !2 requeued, got %+v", result)
	}
}

func TestRun_ExcludesCandidateWithMovedSource(t *testing.T) {
	h := newHarness(t, noCIConfig())
	c1 := h.addCandidate(t, 1, "feature-1", "a.txt", "a content\n")
	c2 := h.addCandidate(t, 2, "feature-2", "b.txt", "b content\n")

	// Move feature-2 forward without updating the fixture MR's recorded sha.
	h.repo.CommitFile("feature-2", "b.txt", "b content v2\n", "moved after listing")
	h.repo.Push("feature-2")

	result := h.batch.Run(context.Background(), h.project, []Candidate{c1, c2}, testBot)
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if len(result.Merged) != 1 || result.Merged[0] != 1 {
		t.Fatalf("want only !1 merged, got %+v", result)
	}
	if len(result.Requeued) != 1 || result.Requeued[0] != 2 {
		t.Fatalf("want !2 requeued (moved source), got %+v", result)
	}
}

func TestRun_SingleCandidateCIFailureRequeuesWithoutRecursing(t *testing.T) {
	h := newHarness(t, &config.Config{RequireSuccessfulCI: true, CITimeout: 5 * time.Second})
	h.batch.Pipelines = fixedStatusPipelines(platform.PipelineFailed)
	c1 := h.addCandidate(t, 1, "feature-1", "a.txt", "a content\n")

	result := h.batch.Run(context.Background(), h.project, []Candidate{c1}, testBot)
	if result.Err == nil {
		t.Fatal("expected a CI failure error")
	}
	if len(result.Merged) != 0 {
		t.Fatalf("want nothing merged, got %+v", result)
	}
	if len(result.Requeued) != 1 || result.Requeued[0] != 1 {
		t.Fatalf("want !1 requeued, got %+v", result)
	}
}

// TestRun_MultiCandidateCIFailureBisectsWithoutDeadlock exercises the
// recursive branch of bisect (≥2 surviving candidates), which used to call
// Run again and deadlock on the Worktree's non-reentrant lock. With a CI
// backend that always reports failure, bisect keeps halving until it
// reaches the single-candidate base case; if the recursive call ever
// re-acquired the lock, this test would hang instead of returning.
func TestRun_MultiCandidateCIFailureBisectsWithoutDeadlock(t *testing.T) {
	h := newHarness(t, &config.Config{RequireSuccessfulCI: true, CITimeout: 5 * time.Second})
	h.batch.Pipelines = fixedStatusPipelines(platform.PipelineFailed)
	c1 := h.addCandidate(t, 1, "feature-1", "a.txt", "a content\n")
	c2 := h.addCandidate(t, 2, "feature-2", "b.txt", "b content\n")

	done := make(chan Result, 1)
	go func() {
		done <- h.batch.Run(context.Background(), h.project, []Candidate{c1, c2}, testBot)
	}()

	select {
	case result := <-done:
		if result.Err == nil {
			t.Fatal("expected a CI failure error")
		}
		if len(result.Merged) != 0 {
			t.Fatalf("want nothing merged, got %+v", result)
		}
		if len(result.Requeued) != 2 {
			t.Fatalf("want both candidates requeued after bisecting down to nothing, got %+v", result)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return: bisect likely deadlocked re-acquiring the Worktree lock")
	}
}

func TestRun_BatchSizeCapsCandidates(t *testing.T) {
	h := newHarness(t, noCIConfig())
	h.batch.BatchSize = 1
	c1 := h.addCandidate(t, 1, "feature-1", "a.txt", "a content\n")
	c2 := h.addCandidate(t, 2, "feature-2", "b.txt", "b content\n")

	result := h.batch.Run(context.Background(), h.project, []Candidate{c1, c2}, testBot)
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if len(result.Merged) != 1 || result.Merged[0] != 1 {
		t.Fatalf("want only the first candidate considered, got %+v", result)
	}
	if len(result.Requeued) != 0 {
		t.Fatalf("the capped-out candidate is simply never considered, got requeued=%v", result.Requeued)
	}
}
