// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package cibackend

import (
	"context"
	"testing"

	"github.com/microsoft/azure-devops-go-api/azuredevops/build"

	"github.com/derFreitag/marge-bot/internal/config"
	"github.com/derFreitag/marge-bot/internal/platform"
)

func TestNew_GitLabOrEmptyUsesPlatformClient(t *testing.T) {
	for _, backend := range []config.CIBackend{config.CIBackendGitLab, ""} {
		src, err := New(context.Background(), &config.Config{CIBackend: backend})
		if err != nil || src != nil {
			t.Errorf("backend %q: want (nil, nil), got (%v, %v)", backend, src, err)
		}
	}
}

func TestNew_UnknownBackend(t *testing.T) {
	if _, err := New(context.Background(), &config.Config{CIBackend: "jenkins"}); err == nil {
		t.Error("want an error for an unknown ci-backend")
	}
}

func TestNew_AzDORequiresAllThreeFields(t *testing.T) {
	if _, err := New(context.Background(), &config.Config{
		CIBackend:  config.CIBackendAzDO,
		AzDOOrgURL: "https://dev.azure.com/org",
	}); err == nil {
		t.Error("want an error when azdo-project/azdo-pat are missing")
	}
}

func TestNew_AzDOWiresConnection(t *testing.T) {
	src, err := New(context.Background(), &config.Config{
		CIBackend:   config.CIBackendAzDO,
		AzDOOrgURL:  "https://dev.azure.com/org",
		AzDOProject: "proj",
		AzDOPAT:     "pat",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if src == nil {
		t.Fatal("want a non-nil job.Pipelines source")
	}
}

func TestAzdoStatusToPipelineStatus(t *testing.T) {
	succeeded := build.BuildResultValues.Succeeded
	canceled := build.BuildResultValues.Canceled
	failed := build.BuildResultValues.Failed
	completed := build.BuildStatusValues.Completed
	cancelling := build.BuildStatusValues.Cancelling
	notStarted := build.BuildStatusValues.NotStarted
	inProgress := build.BuildStatusValues.InProgress

	cases := []struct {
		name string
		b    build.Build
		want platform.PipelineStatus
	}{
		{"nil status", build.Build{}, platform.PipelineRunning},
		{"completed succeeded", build.Build{Status: &completed, Result: &succeeded}, platform.PipelineSuccess},
		{"completed canceled", build.Build{Status: &completed, Result: &canceled}, platform.PipelineCanceled},
		{"completed failed", build.Build{Status: &completed, Result: &failed}, platform.PipelineFailed},
		{"completed no result", build.Build{Status: &completed}, platform.PipelineFailed},
		{"cancelling", build.Build{Status: &cancelling}, platform.PipelineCanceled},
		{"not started", build.Build{Status: &notStarted}, platform.PipelinePending},
		{"in progress", build.Build{Status: &inProgress}, platform.PipelineRunning},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := azdoStatusToPipelineStatus(c.b); got != c.want {
				t.Errorf("want %s, got %s", c.want, got)
			}
		})
	}
}

func TestWebURL(t *testing.T) {
	b := build.Build{
		Links: map[string]interface{}{
			"web": map[string]interface{}{"href": "https://dev.azure.com/org/proj/_build/results?buildId=1"},
		},
	}
	if got := webURL(b); got != "https://dev.azure.com/org/proj/_build/results?buildId=1" {
		t.Errorf("unexpected web URL: %q", got)
	}
	if got := webURL(build.Build{}); got != "" {
		t.Errorf("want empty string when Links is absent, got %q", got)
	}
}
