// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package supervisor implements the Bot Supervisor (component G): resolves
// the bot User, lists and filters accessible projects, starts one Project
// Loop per project, and restarts a crashed loop with exponential backoff.
// Fan-out/aggregate-independently idiom grounded on cmd/sync/main.go and
// sync.MakePRs's continue-past-one-bad-entry loop.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/derFreitag/marge-bot/internal/audit"
	"github.com/derFreitag/marge-bot/internal/batch"
	"github.com/derFreitag/marge-bot/internal/boterrors"
	"github.com/derFreitag/marge-bot/internal/botlog"
	"github.com/derFreitag/marge-bot/internal/commenttemplate"
	"github.com/derFreitag/marge-bot/internal/config"
	"github.com/derFreitag/marge-bot/internal/gitwork"
	"github.com/derFreitag/marge-bot/internal/job"
	"github.com/derFreitag/marge-bot/internal/platform"
	"github.com/derFreitag/marge-bot/internal/project"
	"github.com/derFreitag/marge-bot/internal/versionbump"
)

// Escalator is implemented by internal/escalation.Client; Supervisor only
// needs this narrow capability, so it never imports a CI/issue-tracker SDK
// directly.
type Escalator interface {
	Escalate(ctx context.Context, projectPath string, consecutiveFailures int, cause error) error
}

// Supervisor wires one Job/Batch/Loop per accessible project and runs them
// concurrently until ctx is cancelled.
type Supervisor struct {
	Client    platform.Client
	Pipelines job.Pipelines // optional CI backend override; nil uses Client
	Worktree  *gitwork.Worktree
	Config    *config.Config
	Log       *botlog.Logger
	Comments  *commenttemplate.Renderer
	Audit     *audit.Signer
	Embargo   []config.EmbargoWindow
	Escalator Escalator

	mu       sync.Mutex
	failures map[string]int
}

func (s *Supervisor) recordFailure(projectPath string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures == nil {
		s.failures = map[string]int{}
	}
	s.failures[projectPath]++
	return s.failures[projectPath]
}

func (s *Supervisor) clearFailures(projectPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, projectPath)
}

// Run resolves the bot user, lists matching projects, and runs one
// restart-supervised Project Loop per project until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	bot, err := s.Client.GetUserByUsername(ctx, s.Config.BotUsername)
	if err != nil {
		return &boterrors.Fatal{Reason: "resolve bot user", Err: err}
	}
	s.Log.Infof("running as %s (id %d)", bot.Username, bot.ID)

	projects, err := s.listProjects(ctx, bot)
	if err != nil {
		return &boterrors.Fatal{Reason: "list projects", Err: err}
	}
	if len(projects) == 0 {
		return &boterrors.Fatal{Reason: "no accessible projects matched the configured filter", Err: nil}
	}
	for _, p := range projects {
		s.Log.Infof("watching project %s", p.PathWithNamespace)
	}

	// A plain errgroup.Group (not WithContext) fans out without letting one
	// project's failure cancel the others: per spec.md §5, "across projects,
	// no ordering [or liveness coupling] is guaranteed."
	var g errgroup.Group
	for _, p := range projects {
		p := p
		g.Go(func() error {
			s.runProject(ctx, p, bot)
			return nil
		})
	}
	return g.Wait()
}

func (s *Supervisor) listProjects(ctx context.Context, bot platform.User) ([]platform.Project, error) {
	var out []platform.Project
	s.Client.ListProjectsAccessibleTo(ctx, bot)(func(p platform.Project) bool {
		switch {
		case s.Config.Project != "":
			if p.PathWithNamespace == s.Config.Project {
				out = append(out, p)
			}
		case s.Config.AllProjectsRegex != nil:
			if s.Config.AllProjectsRegex.MatchString(p.PathWithNamespace) {
				out = append(out, p)
			}
		}
		return true
	})
	return out, nil
}

// runProject runs one Project Loop, restarting it with exponential backoff
// whenever it returns an error (and escalating once, when the consecutive
// crash count reaches Config.AfterFailures) and disabling it permanently,
// with a warning and no escalation, on Unauthorized, per spec.md §4.G/§7.
func (s *Supervisor) runProject(ctx context.Context, p platform.Project, bot platform.User) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		loop := s.buildLoop(p, bot)
		err := loop.Run(ctx)
		if err == nil {
			s.clearFailures(p.PathWithNamespace)
			return
		}

		var unauthorized *boterrors.Unauthorized
		if errors.As(err, &unauthorized) {
			s.Log.WithProject(p.PathWithNamespace).Warnf("disabling project loop: %v", err)
			return
		}

		n := s.recordFailure(p.PathWithNamespace)
		s.Log.WithProject(p.PathWithNamespace).Warnf("project loop crashed (%d consecutive): %v", n, err)

		if s.Escalator != nil && n == s.Config.AfterFailures {
			if escErr := s.Escalator.Escalate(ctx, p.PathWithNamespace, n, err); escErr != nil {
				s.Log.WithProject(p.PathWithNamespace).Warnf("escalation failed: %v", escErr)
			}
		}

		if sleepErr := sleepCtx(ctx, backoff); sleepErr != nil {
			return
		}
		backoff *= 2
		if backoff > time.Minute {
			backoff = time.Minute
		}
	}
}

func (s *Supervisor) buildLoop(p platform.Project, bot platform.User) *project.Loop {
	log := s.Log.WithProject(p.PathWithNamespace)
	j := &job.Job{
		Client:    s.Client,
		Pipelines: s.Pipelines,
		Worktree:  s.Worktree,
		Config:    s.Config,
		Log:       log,
		Comments:  s.Comments,
		Audit:     s.Audit,
		Embargo:   s.Embargo,
		Remote:    remoteName(p),
	}
	if s.Config.VersionBumpFile != "" {
		j.VersionBump = &versionbump.Bumper{
			Worktree:  s.Worktree,
			Remote:    remoteName(p),
			Path:      s.Config.VersionBumpFile,
			Committer: fmt.Sprintf("%s <noreply+%s@users.noreply.github.com>", bot.Name, bot.Username),
		}
	}
	var b *batch.Batch
	if s.Config.BatchEnabled {
		b = &batch.Batch{
			Client:    s.Client,
			Pipelines: s.Pipelines,
			Worktree:  s.Worktree,
			Config:    s.Config,
			Log:       log,
			Remote:    remoteName(p),
			BatchSize: s.Config.BatchSize,
		}
	}
	return &project.Loop{
		Client:  s.Client,
		Job:     j,
		Batch:   b,
		Config:  s.Config,
		Log:     log,
		Project: p,
		BotUser: bot,
	}
}

// remoteName is the git remote this bot configures for every project it
// watches; one Worktree serves every project, distinguished by remote.
func remoteName(p platform.Project) string {
	return fmt.Sprintf("project-%d", p.ID)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
