// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package gitwork is the Git Worktree (component B): one long-lived clone
// shared across Jobs, exposing the atomic fetch/rebase/push primitives
// spec.md §4.B names. Subprocess plumbing follows gitcmd.go's idiom
// (executil.Dir, CombinedOutput, typed errors carrying stderr); trailer
// rewriting and the conditional push are new here, since the teacher
// repository never needed them.
package gitwork

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"

	"github.com/derFreitag/marge-bot/internal/boterrors"
	"github.com/derFreitag/marge-bot/internal/executil"
)

// Worktree is the single on-disk clone the whole bot process shares. Callers
// must hold Lock across the UpdateBranch sequence (fetch, rebase, push) and
// release it before any HTTP polling, per spec.md §5.
type Worktree struct {
	Dir string

	// SSHKeyFile, if set, is passed to git via GIT_SSH_COMMAND so push
	// authenticates with this identity instead of the ambient environment.
	SSHKeyFile string

	mu sync.Mutex
}

// Lock acquires the worktree's exclusive lock. Callers must call the
// returned release func, typically via defer, immediately after the final
// push of an UpdateBranch sequence completes (or fails).
func (w *Worktree) Lock() (release func()) {
	w.mu.Lock()
	return w.mu.Unlock
}

func (w *Worktree) git(ctx context.Context, args ...string) (string, error) {
	cmd := executil.DirContext(ctx, w.Dir, "git", args...)
	if w.SSHKeyFile != "" {
		cmd.Env = append(os.Environ(), "GIT_SSH_COMMAND=ssh -i "+w.SSHKeyFile+" -o IdentitiesOnly=yes")
	}
	return executil.CombinedOutput(cmd)
}

// Fetch ensures the local ref matches remote's tip for refspec, returning
// the fetched commit sha.
func (w *Worktree) Fetch(ctx context.Context, remote, refspec string) (string, error) {
	out, err := w.git(ctx, "fetch", "--porcelain", remote, refspec)
	if err != nil {
		return "", fmt.Errorf("fetch %s %s: %w", remote, refspec, err)
	}
	fields := strings.Fields(out)
	if len(fields) != 4 {
		// --porcelain is quiet on a no-op fetch (already up to date); fall
		// back to a rev-parse of FETCH_HEAD for the sha in that case.
		sha, revErr := w.revParse(ctx, "FETCH_HEAD")
		if revErr != nil {
			return "", fmt.Errorf("unexpected fetch output %q and no FETCH_HEAD: %w", out, revErr)
		}
		return sha, nil
	}
	return fields[2], nil
}

func (w *Worktree) revParse(ctx context.Context, rev string) (string, error) {
	out, err := w.git(ctx, "rev-parse", rev)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// IsAncestor reports whether a is an ancestor of (or equal to) b.
func (w *Worktree) IsAncestor(ctx context.Context, a, b string) (bool, error) {
	cmd := executil.DirContext(ctx, w.Dir, "git", "merge-base", "--is-ancestor", a, b)
	if err := cmd.Run(); err != nil {
		if cmd.ProcessState != nil && cmd.ProcessState.ExitCode() == 1 {
			return false, nil
		}
		return false, fmt.Errorf("merge-base --is-ancestor %s %s: %w", a, b, err)
	}
	return true, nil
}

// TrailerSet describes the trailers Rebase should append to each rewritten
// commit (spec.md §4.B: "Reviewed-by: <approver>", "Tested-by: <bot user>").
type TrailerSet struct {
	// ReviewedBy is one display name/email per approver to credit.
	ReviewedBy []string
	// TestedBy, if non-empty, is appended as a single Tested-by trailer
	// (normally the bot's own identity).
	TestedBy string
	// Extra is a set of fully-formed "Key: value" trailer lines appended
	// after ReviewedBy/TestedBy, e.g. "Part-of: <MR-url>".
	Extra []string
}

// RebaseOptions configures Rebase.
type RebaseOptions struct {
	// SourceRef is checked out and rebased onto Onto.
	SourceRef string
	Onto      string
	Trailers  *TrailerSet // nil disables trailer rewriting
	Committer string      // "Name <email>", used for the rewritten commits
}

// Rebase rebases SourceRef onto Onto, optionally rewriting trailers on
// every resulting commit, and returns the new tip sha. On conflict, the
// worktree is restored to its pre-rebase state (`git rebase --abort`) and a
// *boterrors.RebaseConflict is returned, per spec.md §4.B.
func (w *Worktree) Rebase(ctx context.Context, opts RebaseOptions) (newSHA string, err error) {
	sourceSHA, err := w.revParse(ctx, opts.SourceRef)
	if err != nil {
		return "", fmt.Errorf("resolve source ref %s: %w", opts.SourceRef, err)
	}
	ontoSHA, err := w.revParse(ctx, opts.Onto)
	if err != nil {
		return "", fmt.Errorf("resolve onto ref %s: %w", opts.Onto, err)
	}

	if _, err := w.git(ctx, "checkout", "--detach", sourceSHA); err != nil {
		return "", fmt.Errorf("checkout %s: %w", sourceSHA, err)
	}

	env := []string{}
	if opts.Committer != "" {
		name, email := splitIdentity(opts.Committer)
		env = []string{"GIT_COMMITTER_NAME=" + name, "GIT_COMMITTER_EMAIL=" + email}
	}
	cmd := executil.DirContext(ctx, w.Dir, "git", "rebase", ontoSHA)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	if out, rebaseErr := executil.CombinedOutput(cmd); rebaseErr != nil {
		abortCmd := executil.DirContext(ctx, w.Dir, "git", "rebase", "--abort")
		_, _ = executil.CombinedOutput(abortCmd)
		return "", &boterrors.RebaseConflict{SourceSHA: sourceSHA, OntoSHA: ontoSHA, Stderr: out}
	}

	if opts.Trailers != nil {
		if err := w.rewriteTrailers(ctx, ontoSHA, opts.Trailers, opts.Committer); err != nil {
			return "", err
		}
	}

	tip, err := w.revParse(ctx, "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve rebased HEAD: %w", err)
	}
	return tip, nil
}

// rewriteTrailers walks the commits added since base (exclusive) to HEAD
// and appends the configured trailers to each, using `git rebase -x` style
// sequential amend so the commit graph stays linear. Trailer rewriting is
// deterministic: sorted, de-duplicated (case-insensitively, after NFC
// normalizing names), and appended to the existing trailer block rather
// than replacing it, preserving any sign-offs already present. Re-running
// this over commits that already carry the exact trailers is a no-op
// (same resulting sha): a commit is only amended when
// `git interpret-trailers` with trailer.ifexists=addIfDifferent would
// change its message, and that setting never duplicates a trailer already
// present anywhere in the block.
func (w *Worktree) rewriteTrailers(ctx context.Context, base string, t *TrailerSet, committer string) error {
	trailerLines := buildTrailerLines(t)
	if len(trailerLines) == 0 {
		return nil
	}

	// --exec runs through the shell, so every trailer value is single-quoted.
	var trailerArgs strings.Builder
	for _, line := range trailerLines {
		trailerArgs.WriteString(" --trailer '" + strings.ReplaceAll(line, "'", `'\''`) + "'")
	}
	amend := "git -c trailer.ifexists=addIfDifferent commit --amend --no-edit" + trailerArgs.String()
	exec := `msg=$(git log -1 --format=%B); test "$msg" = "$(printf '%s\n' "$msg" | git -c trailer.ifexists=addIfDifferent interpret-trailers` +
		trailerArgs.String() + `)" || ` + amend

	// Replay every commit since base, running exec after each one. exec
	// amends a commit only when the trailer set would change its message,
	// so commits that already carry the exact trailers are left untouched
	// and keep their sha (the no-op property spec.md §8 requires); rebase
	// keeps an unchanged commit whose parent did not change as it is.
	cmd := executil.DirContext(ctx, w.Dir, "git", "rebase", base, "--exec", exec)
	if committer != "" {
		name, email := splitIdentity(committer)
		cmd.Env = append(os.Environ(), "GIT_COMMITTER_NAME="+name, "GIT_COMMITTER_EMAIL="+email)
	}
	if out, err := executil.CombinedOutput(cmd); err != nil {
		abortCmd := executil.DirContext(ctx, w.Dir, "git", "rebase", "--abort")
		_, _ = executil.CombinedOutput(abortCmd)
		return fmt.Errorf("amend trailers onto %s: %w: %s", base, err, out)
	}
	return nil
}

func buildTrailerLines(t *TrailerSet) []string {
	seen := map[string]bool{}
	var lines []string
	reviewers := append([]string(nil), t.ReviewedBy...)
	sort.Strings(reviewers)
	for _, r := range reviewers {
		normalized := norm.NFC.String(r)
		key := "reviewed-by:" + strings.ToLower(normalized)
		if seen[key] {
			continue
		}
		seen[key] = true
		lines = append(lines, fmt.Sprintf("Reviewed-by: %s", normalized))
	}
	if t.TestedBy != "" {
		normalized := norm.NFC.String(t.TestedBy)
		key := "tested-by:" + strings.ToLower(normalized)
		if !seen[key] {
			lines = append(lines, fmt.Sprintf("Tested-by: %s", normalized))
		}
	}
	for _, extra := range t.Extra {
		key := strings.ToLower(norm.NFC.String(extra))
		if seen[key] {
			continue
		}
		seen[key] = true
		lines = append(lines, extra)
	}
	return lines
}

func splitIdentity(identity string) (name, email string) {
	name, email, found := strings.Cut(identity, " <")
	if !found {
		return identity, ""
	}
	return name, strings.TrimSuffix(email, ">")
}

// Push pushes localRef to remote:remoteRef, conditional on the remote
// still being at expectRemoteSHA (spec.md §4.B's expect_remote_sha). If
// forceWithLease is false, the push must fast-forward: when localRef does
// not descend from a non-empty expectRemoteSHA, Push returns
// *boterrors.PushRejected without pushing. A precondition failure returns
// *boterrors.RemoteMoved; any other non-zero exit returns
// *boterrors.PushRejected.
func (w *Worktree) Push(ctx context.Context, remote, localRef, remoteRef, expectRemoteSHA string, forceWithLease bool) error {
	// --force-with-lease is used as the compare-and-swap primitive even for
	// ordinary fast-forward pushes: it fails the push (rather than
	// silently racing) if remoteRef has moved away from expectRemoteSHA
	// since the worktree last observed it. forceWithLease additionally
	// authorizes a genuinely non-fast-forward update, needed after a
	// rebase of a bot-owned source branch (spec.md §4.B).
	args := []string{"push", remote, fmt.Sprintf("--force-with-lease=%s:%s", remoteRef, expectRemoteSHA)}
	if !forceWithLease && expectRemoteSHA != "" {
		// git push has no fast-forward-only switch, and the lease alone
		// accepts a rewrite, so the ancestry is checked here.
		ff, err := w.IsAncestor(ctx, expectRemoteSHA, localRef)
		if err != nil {
			return &boterrors.PushRejected{Ref: remoteRef, Stderr: err.Error()}
		}
		if !ff {
			return &boterrors.PushRejected{Ref: remoteRef, Stderr: fmt.Sprintf("%s is not a fast-forward of %s", localRef, expectRemoteSHA)}
		}
	}
	args = append(args, fmt.Sprintf("%s:refs/heads/%s", localRef, remoteRef))

	out, err := w.git(ctx, args...)
	if err != nil {
		if strings.Contains(out, "stale info") || strings.Contains(out, "fetch first") ||
			strings.Contains(out, "rejected") && strings.Contains(out, "lease") {
			return &boterrors.RemoteMoved{Ref: remoteRef, ExpectedSHA: expectRemoteSHA}
		}
		return &boterrors.PushRejected{Ref: remoteRef, Stderr: out}
	}
	return nil
}

// BumpFile checks out branch at its current remote tip, runs edit over the
// file at path, and, if edit changed it, commits and pushes the result with
// the same force-with-lease compare-and-swap Push uses. Returns the
// resulting tip sha, which equals the pre-edit tip when edit made no
// change. Callers must hold Lock, same as the UpdateBranch sequence.
func (w *Worktree) BumpFile(ctx context.Context, remote, branch, path string, edit func(old []byte) ([]byte, error), committer, message string) (string, error) {
	tip, err := w.Fetch(ctx, remote, branch)
	if err != nil {
		return "", fmt.Errorf("fetch %s %s: %w", remote, branch, err)
	}
	if _, err := w.git(ctx, "checkout", "--detach", tip); err != nil {
		return "", fmt.Errorf("checkout %s: %w", tip, err)
	}

	full := filepath.Join(w.Dir, path)
	old, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	updated, err := edit(old)
	if err != nil {
		return "", err
	}
	if string(updated) == string(old) {
		return tip, nil
	}
	if err := os.WriteFile(full, updated, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	if _, err := w.git(ctx, "add", path); err != nil {
		return "", fmt.Errorf("git add %s: %w", path, err)
	}

	name, email := splitIdentity(committer)
	cmd := executil.DirContext(ctx, w.Dir, "git", "commit", "-m", message)
	cmd.Env = append(os.Environ(),
		"GIT_COMMITTER_NAME="+name, "GIT_COMMITTER_EMAIL="+email,
		"GIT_AUTHOR_NAME="+name, "GIT_AUTHOR_EMAIL="+email)
	if out, err := executil.CombinedOutput(cmd); err != nil {
		return "", fmt.Errorf("commit %s: %w: %s", path, err, out)
	}

	newSHA, err := w.revParse(ctx, "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve bump commit: %w", err)
	}
	if err := w.Push(ctx, remote, newSHA, branch, tip, false); err != nil {
		return "", err
	}
	return newSHA, nil
}

// ResetToClean discards any in-progress rebase/merge state and checks out
// a detached HEAD at ref, so a Job always starts from a known-clean
// worktree (spec.md §3 Lifecycle), the same pattern submodule.Reset uses
// for its own working tree.
func (w *Worktree) ResetToClean(ctx context.Context, ref string) error {
	_, _ = w.git(ctx, "rebase", "--abort")
	_, _ = w.git(ctx, "merge", "--abort")
	if _, err := w.git(ctx, "checkout", "--detach", ref); err != nil {
		return fmt.Errorf("checkout --detach %s: %w", ref, err)
	}
	if _, err := w.git(ctx, "clean", "-fdx"); err != nil {
		return fmt.Errorf("clean worktree: %w", err)
	}
	return nil
}
