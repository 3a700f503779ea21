// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/google/go-github/v65/github"

	"github.com/derFreitag/marge-bot/internal/config"
)

func TestNew_DisabledWhenRepoUnset(t *testing.T) {
	c, err := New(context.Background(), &config.Config{})
	if err != nil || c != nil {
		t.Fatalf("want (nil, nil) when escalate-github-repo is unset, got (%v, %v)", c, err)
	}
}

func TestNew_RequiresToken(t *testing.T) {
	_, err := New(context.Background(), &config.Config{EscalateGitHubRepo: "owner/repo"})
	if err == nil {
		t.Error("want an error when escalate-github-token is missing")
	}
}

func TestNew_RequiresOwnerSlashRepoForm(t *testing.T) {
	_, err := New(context.Background(), &config.Config{
		EscalateGitHubRepo:  "not-a-valid-repo-name",
		EscalateGitHubToken: "ghp_token",
	})
	if err == nil {
		t.Error("want an error when escalate-github-repo isn't owner/repo form")
	}
}

func TestNew_Succeeds(t *testing.T) {
	c, err := New(context.Background(), &config.Config{
		EscalateGitHubRepo:  "my-org/my-repo",
		EscalateGitHubToken: "ghp_token",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.owner != "my-org" || c.repo != "my-repo" {
		t.Errorf("want owner=my-org repo=my-repo, got owner=%s repo=%s", c.owner, c.repo)
	}
}

func TestEscalate_FilesIssueWithFailureCount(t *testing.T) {
	var gotPath string
	var gotBody struct {
		Title string `json:"title"`
		Body  string `json:"body"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(&github.Issue{Number: github.Int(1)})
	}))
	defer srv.Close()

	gh := github.NewClient(srv.Client())
	base, err := url.Parse(srv.URL + "/")
	if err != nil {
		t.Fatalf("parse test server URL: %v", err)
	}
	gh.BaseURL = base

	c := &Client{gh: gh, owner: "my-org", repo: "my-repo"}
	cause := errors.New("rebase conflict")
	if err := c.Escalate(context.Background(), "my-org/my-repo", 5, cause); err != nil {
		t.Fatalf("Escalate: %v", err)
	}

	wantPath := "/repos/my-org/my-repo/issues"
	if gotPath != wantPath {
		t.Errorf("want request to %s, got %s", wantPath, gotPath)
	}
	if !strings.Contains(gotBody.Title, "my-org/my-repo") || !strings.Contains(gotBody.Title, "5 times") {
		t.Errorf("unexpected issue title: %q", gotBody.Title)
	}
	if !strings.Contains(gotBody.Body, "rebase conflict") {
		t.Errorf("want the cause in the issue body, got %q", gotBody.Body)
	}
}

func TestEscalate_PropagatesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	gh := github.NewClient(srv.Client())
	base, err := url.Parse(srv.URL + "/")
	if err != nil {
		t.Fatalf("parse test server URL: %v", err)
	}
	gh.BaseURL = base

	c := &Client{gh: gh, owner: "my-org", repo: "my-repo"}
	if err := c.Escalate(context.Background(), "my-org/my-repo", 3, errors.New("boom")); err == nil {
		t.Error("want an error when the GitHub API call fails")
	}
}
