// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package cibackend selects the CI status source internal/job and
// internal/batch poll against. Most projects report pipeline status through
// the Platform itself (GitLab CI); --ci-backend=azdo instead queries an
// Azure DevOps build definition by source commit, grounded on azdo.go and
// wait-azdo-commit.go's poll-by-commit idiom.
package cibackend

import (
	"context"
	"fmt"

	"github.com/microsoft/azure-devops-go-api/azuredevops"
	"github.com/microsoft/azure-devops-go-api/azuredevops/build"

	"github.com/derFreitag/marge-bot/internal/config"
	"github.com/derFreitag/marge-bot/internal/job"
	"github.com/derFreitag/marge-bot/internal/platform"
)

// New resolves the configured CI backend into a job.Pipelines source. A nil
// return means "use the Platform client itself," which is job's and batch's
// default when Pipelines is left unset.
func New(ctx context.Context, c *config.Config) (job.Pipelines, error) {
	switch c.CIBackend {
	case config.CIBackendGitLab, "":
		return nil, nil
	case config.CIBackendAzDO:
		return newAzDOSource(c)
	default:
		return nil, fmt.Errorf("unknown ci backend %q", c.CIBackend)
	}
}

// azdoSource answers ListPipelines by listing the 20 most recent AzDO builds
// of the project (of any definition) and keeping those built from the
// requested commit.
type azdoSource struct {
	conn    *azuredevops.Connection
	project string
}

func newAzDOSource(c *config.Config) (*azdoSource, error) {
	if c.AzDOOrgURL == "" || c.AzDOProject == "" || c.AzDOPAT == "" {
		return nil, fmt.Errorf("ci-backend=azdo requires azdo-org-url, azdo-project, and azdo-pat")
	}
	return &azdoSource{
		conn:    azuredevops.NewPatConnection(c.AzDOOrgURL, c.AzDOPAT),
		project: c.AzDOProject,
	}, nil
}

// ListPipelines implements job.Pipelines. The returned Seq yields at most
// the builds AzDO reports for sha, already newest-first as the API returns
// them.
func (s *azdoSource) ListPipelines(ctx context.Context, _ platform.Project, sha string) platform.Seq[platform.Pipeline] {
	return func(yield func(platform.Pipeline) bool) {
		c, err := build.NewClient(ctx, s.conn)
		if err != nil {
			return
		}
		top := 20
		builds, err := c.GetBuilds(ctx, build.GetBuildsArgs{
			Project: &s.project,
			Top:     &top,
		})
		if err != nil || builds == nil {
			return
		}
		for _, b := range *builds {
			if b.SourceVersion == nil || *b.SourceVersion != sha {
				continue
			}
			p := platform.Pipeline{
				Status: azdoStatusToPipelineStatus(b),
				WebURL: webURL(b),
			}
			if b.Id != nil {
				p.ID = *b.Id
			}
			if b.SourceVersion != nil {
				p.SHA = *b.SourceVersion
			}
			if b.SourceBranch != nil {
				p.Ref = *b.SourceBranch
			}
			if b.StartTime != nil {
				p.CreatedAt = b.StartTime.Time
			}
			if !yield(p) {
				return
			}
		}
	}
}

func azdoStatusToPipelineStatus(b build.Build) platform.PipelineStatus {
	if b.Status == nil {
		return platform.PipelineRunning
	}
	switch *b.Status {
	case build.BuildStatusValues.Completed:
		if b.Result != nil {
			switch *b.Result {
			case build.BuildResultValues.Succeeded, build.BuildResultValues.PartiallySucceeded:
				return platform.PipelineSuccess
			case build.BuildResultValues.Canceled:
				return platform.PipelineCanceled
			default:
				return platform.PipelineFailed
			}
		}
		return platform.PipelineFailed
	case build.BuildStatusValues.Cancelling:
		return platform.PipelineCanceled
	case build.BuildStatusValues.NotStarted:
		return platform.PipelinePending
	default:
		return platform.PipelineRunning
	}
}

func webURL(b build.Build) string {
	links, ok := b.Links.(map[string]interface{})
	if !ok {
		return ""
	}
	web, ok := links["web"].(map[string]interface{})
	if !ok {
		return ""
	}
	href, _ := web["href"].(string)
	return href
}
