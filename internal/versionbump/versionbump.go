// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package versionbump implements the optional post-merge version bump
// (SPEC_FULL.md §4.I): after a successful merge, increment the patch version in
// a semver file on the target branch. Grounded on goversion.go's version
// parsing idiom, generalized from the Microsoft-build revision/note format
// to plain upstream semver via golang.org/x/mod/semver so it can bump any
// project's VERSION file, not just the Go toolset's own.
package versionbump

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/derFreitag/marge-bot/internal/gitwork"
	"github.com/derFreitag/marge-bot/internal/platform"
)

// Bumper implements job.VersionBumper, incrementing the patch component of
// the version string stored at Path on the target branch after every
// successful merge.
type Bumper struct {
	Worktree  *gitwork.Worktree
	Remote    string
	Path      string
	Committer string // "Name <email>"
}

// Bump fetches targetBranch, increments the patch version found in Path,
// and pushes the result. It is a no-op (not an error) if Path's content
// does not parse as a semver, since not every project keeps a strict
// semver there.
func (b *Bumper) Bump(ctx context.Context, _ platform.Project, targetBranch string) error {
	release := b.Worktree.Lock()
	defer release()

	msg := fmt.Sprintf("Bump %s after merge to %s", b.Path, targetBranch)
	_, err := b.Worktree.BumpFile(ctx, b.Remote, targetBranch, b.Path, bumpPatch, b.Committer, msg)
	return err
}

func bumpPatch(old []byte) ([]byte, error) {
	trimmed := strings.TrimSpace(string(old))
	v := trimmed
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return old, nil
	}

	major, minor, patch := splitSemver(semver.Canonical(v))
	n, err := strconv.Atoi(patch)
	if err != nil {
		return old, nil
	}
	bumped := fmt.Sprintf("%s.%s.%d", major, minor, n+1)
	if strings.HasPrefix(trimmed, "v") {
		bumped = "v" + bumped
	}
	return []byte(bumped + "\n"), nil
}

func splitSemver(canonical string) (major, minor, patch string) {
	core := strings.TrimPrefix(canonical, "v")
	parts := strings.SplitN(core, ".", 3)
	for len(parts) < 3 {
		parts = append(parts, "0")
	}
	return parts[0], parts[1], parts[2]
}
