// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package project implements the Project Loop (component F): the single
// logical worker per project that lists candidate MRs, applies cooldowns,
// and runs one internal/job or internal/batch per tick. Cancellable-sleep
// idiom grounded on this repository's existing poll loops; continue-past-
// one-bad-entry aggregation grounded on sync.MakeBranchPRs.
package project

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/derFreitag/marge-bot/internal/batch"
	"github.com/derFreitag/marge-bot/internal/boterrors"
	"github.com/derFreitag/marge-bot/internal/botlog"
	"github.com/derFreitag/marge-bot/internal/config"
	"github.com/derFreitag/marge-bot/internal/job"
	"github.com/derFreitag/marge-bot/internal/platform"
)

// Loop runs the Project Loop for one project until ctx is cancelled or it
// hits a non-retryable error.
type Loop struct {
	Client  platform.Client
	Job     *job.Job
	Batch   *batch.Batch // nil disables component E entirely
	Config  *config.Config
	Log     *botlog.Logger // project-scoped
	Project platform.Project
	BotUser platform.User

	cooldown map[int]time.Time
}

// Run blocks until ctx is cancelled (returning nil) or a TransientUpstream
// error escapes a tick (returning that error, so the Supervisor can apply
// its restart-with-backoff policy, per spec.md §4.G).
func (l *Loop) Run(ctx context.Context) error {
	if l.cooldown == nil {
		l.cooldown = map[int]time.Time{}
	}
	for {
		if ctx.Err() != nil {
			return nil
		}

		n, err := l.tick(ctx)
		if err != nil {
			var transient *boterrors.TransientUpstream
			if errors.As(err, &transient) {
				return err
			}
			l.Log.Warnf("tick: %v", err)
		}

		interval := l.Config.PollInterval
		if n == 0 {
			interval = l.Config.IdleInterval
		}
		if err := sleep(ctx, interval); err != nil {
			return nil
		}
	}
}

// tick lists candidates, applies cooldowns, and runs exactly one Job or
// Batch, returning the number of eligible candidates considered.
func (l *Loop) tick(ctx context.Context) (int, error) {
	candidates, err := l.listCandidates(ctx)
	if err != nil {
		return 0, fmt.Errorf("list candidates: %w", err)
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	now := time.Now()
	var ready []platform.MergeRequest
	for _, mr := range candidates {
		if until, ok := l.cooldown[mr.IID]; ok && now.Before(until) {
			continue
		}
		ready = append(ready, mr)
	}
	if len(ready) == 0 {
		return len(candidates), nil
	}

	if l.Batch != nil && l.Config.BatchEnabled {
		l.runBatch(ctx, ready)
	} else {
		l.runSingle(ctx, ready[0])
	}
	return len(candidates), nil
}

func (l *Loop) runSingle(ctx context.Context, mr platform.MergeRequest) {
	result := l.Job.Run(ctx, l.Project, mr.IID)
	l.Log.WithJob(mr.IID).Infof("job result: %s", result.Outcome)
	if result.Outcome == job.Requeue {
		delay := result.Delay
		if delay <= 0 {
			delay = l.Config.PollInterval
		}
		l.cooldown[mr.IID] = time.Now().Add(delay)
	}
}

// runBatch groups the leading run of same-target candidates into one Batch
// Job, per spec.md §4.E step 1 ("all targeting the same branch").
func (l *Loop) runBatch(ctx context.Context, ready []platform.MergeRequest) {
	target := ready[0].TargetBranch
	var group []platform.MergeRequest
	for _, mr := range ready {
		if mr.TargetBranch != target {
			continue
		}
		group = append(group, mr)
		if len(group) >= l.Config.BatchSize {
			break
		}
	}
	if len(group) == 1 {
		l.runSingle(ctx, group[0])
		return
	}

	var candidates []batch.Candidate
	for _, mr := range group {
		approvals, err := l.Client.GetApprovals(ctx, l.Project, mr.IID)
		if err != nil {
			l.Log.WithJob(mr.IID).Warnf("fetch approvals for batch: %v", err)
			continue
		}
		candidates = append(candidates, batch.Candidate{MR: mr, Approvals: approvals})
	}

	result := l.Batch.Run(ctx, l.Project, candidates, l.BotUser)
	for _, iid := range result.Merged {
		l.Log.WithJob(iid).Infof("merged via batch")
		delete(l.cooldown, iid)
	}
	for _, iid := range result.Requeued {
		l.Log.WithJob(iid).Infof("requeued via batch")
		l.cooldown[iid] = time.Now().Add(l.Config.PollInterval)
	}
	if result.Err != nil {
		l.Log.Warnf("batch: %v", result.Err)
	}
}

// listCandidates lists MRs assigned to the bot, Validate-eligible at a
// glance (open, not drafts are still checked in full by the Job itself),
// ordered per Config.MergeOrder.
func (l *Loop) listCandidates(ctx context.Context) ([]platform.MergeRequest, error) {
	var mrs []platform.MergeRequest
	l.Client.ListAssignedMRs(ctx, l.Project, l.BotUser)(func(mr platform.MergeRequest) bool {
		mrs = append(mrs, mr)
		return true
	})

	switch l.Config.MergeOrder {
	case config.MergeOrderCreatedAt:
		sort.SliceStable(mrs, func(i, j int) bool { return mrs[i].CreatedAt.Before(mrs[j].CreatedAt) })
	default:
		sort.SliceStable(mrs, func(i, j int) bool { return mrs[i].AssignedAt.Before(mrs[j].AssignedAt) })
	}
	return mrs, nil
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
