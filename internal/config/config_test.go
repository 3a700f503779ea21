// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func strPtr(s string) *string     { return &s }
func boolPtr(b bool) *bool        { return &b }
func intPtr(i int) *int           { return &i }
func durPtr(d time.Duration) *time.Duration { return &d }

// validFlags returns a *Flags with every required field set, so individual
// tests only need to override the field(s) under test.
func validFlags() *Flags {
	return &Flags{
		GitLabURL:       strPtr("https://gitlab.example.com"),
		AuthMode:        strPtr(string(AuthModeToken)),
		AuthToken:       strPtr("t0ken"),
		AuthTokenFile:   strPtr(""),
		AADClientID:     strPtr(""),
		AADClientSecret: strPtr(""),
		AADVaultJSON:    strPtr(""),
		AADScopes:       strPtr(""),

		Project:          strPtr("group/project"),
		AllProjectsRegex: strPtr(""),
		WorkDir:          strPtr(""),
		SSHKeyFile:       strPtr(""),

		BotUsername: strPtr("mergebot"),

		CIBackend:         strPtr(string(CIBackendGitLab)),
		AzDOOrgURL:        strPtr(""),
		AzDOProject:       strPtr(""),
		AzDOPAT:           strPtr(""),
		CITimeout:         durPtr(2 * time.Hour),
		ManualStagePolicy: strPtr(string(ManualStageTreatAsTimeout)),

		ImpersonateApprovers:       boolPtr(false),
		AddTested:                  boolPtr(true),
		AddReviewers:               boolPtr(true),
		AddPartOf:                  boolPtr(false),
		RequireDiscussionsResolved: boolPtr(true),
		RequireSuccessfulCI:        boolPtr(true),
		ApprovalResetTimeout:       durPtr(5 * time.Minute),
		MaxMergeRefusals:           intPtr(3),

		MergeOrder:       strPtr(string(MergeOrderAssignedAt)),
		UseMergeStrategy: boolPtr(false),
		RebaseRemotely:   boolPtr(false),
		BatchEnabled:     boolPtr(false),
		BatchSize:        intPtr(5),

		EmbargoFile:       strPtr(""),
		ProjectConfigFile: strPtr(""),

		VersionBumpFile:     strPtr(""),
		CommentTemplateFile: strPtr(""),

		EscalateGitHubRepo:  strPtr(""),
		EscalateGitHubToken: strPtr(""),
		AfterFailures:       intPtr(5),

		AuditSigningKeyFile: strPtr(""),

		MaxInflightRequests: intPtr(10),
		ProjectCooldown:     durPtr(2 * time.Second),
		PollInterval:        durPtr(30 * time.Second),
		IdleInterval:        durPtr(60 * time.Second),

		DryRun: boolPtr(false),
	}
}

func TestResolveValid(t *testing.T) {
	c, err := Resolve(validFlags())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if c.BotUsername != "mergebot" || c.Project != "group/project" {
		t.Errorf("unexpected resolved config: %+v", c)
	}
}

func TestResolveRequiresBotUsername(t *testing.T) {
	f := validFlags()
	f.BotUsername = strPtr("")
	if _, err := Resolve(f); err == nil {
		t.Error("expected an error when --bot-username is missing")
	}
}

func TestResolveRequiresProjectOrRegexp(t *testing.T) {
	f := validFlags()
	f.Project = strPtr("")
	f.AllProjectsRegex = strPtr("")
	if _, err := Resolve(f); err == nil {
		t.Error("expected an error when neither --project nor --project-regexp is set")
	}
}

func TestResolveProjectRegexpCompiles(t *testing.T) {
	f := validFlags()
	f.Project = strPtr("")
	f.AllProjectsRegex = strPtr(`^group/.*$`)
	c, err := Resolve(f)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if c.AllProjectsRegex == nil || !c.AllProjectsRegex.MatchString("group/project") {
		t.Error("expected a compiled, matching regexp")
	}
}

func TestResolveRejectsBadProjectRegexp(t *testing.T) {
	f := validFlags()
	f.Project = strPtr("")
	f.AllProjectsRegex = strPtr(`(unclosed`)
	if _, err := Resolve(f); err == nil {
		t.Error("expected an error for an invalid --project-regexp")
	}
}

func TestResolveTokenModeRequiresTokenOrFile(t *testing.T) {
	f := validFlags()
	f.AuthToken = strPtr("")
	f.AuthTokenFile = strPtr("")
	if _, err := Resolve(f); err == nil {
		t.Error("expected an error when auth-mode=token but neither token nor file is set")
	}

	f2 := validFlags()
	f2.AuthToken = strPtr("")
	f2.AuthTokenFile = strPtr("/etc/mergebot/token")
	if _, err := Resolve(f2); err != nil {
		t.Errorf("auth-token-file alone should be sufficient: %v", err)
	}
}

func TestResolveAADAppRequiresClientID(t *testing.T) {
	f := validFlags()
	f.AuthMode = strPtr(string(AuthModeAADApp))
	f.AADClientSecret = strPtr("secret")
	if _, err := Resolve(f); err == nil {
		t.Error("expected an error when auth-mode=aad-app but --aad-client-id is missing")
	}
}

func TestResolveAADAppRequiresSecretOrVault(t *testing.T) {
	f := validFlags()
	f.AuthMode = strPtr(string(AuthModeAADApp))
	f.AADClientID = strPtr("client-id")
	if _, err := Resolve(f); err == nil {
		t.Error("expected an error when neither --aad-client-secret nor --aad-vault-json-file is set")
	}
}

func TestResolveAzDORequiresAllThreeFields(t *testing.T) {
	f := validFlags()
	f.CIBackend = strPtr(string(CIBackendAzDO))
	f.AzDOOrgURL = strPtr("https://dev.azure.com/org")
	if _, err := Resolve(f); err == nil {
		t.Error("expected an error when azdo-project/azdo-pat are missing")
	}
}

func TestResolveUnknownAuthMode(t *testing.T) {
	f := validFlags()
	f.AuthMode = strPtr("telepathy")
	if _, err := Resolve(f); err == nil {
		t.Error("expected an error for an unknown --auth-mode")
	}
}

func TestResolveLoadsProjectConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "projects.yaml")
	const doc = `
projects:
  group/project:
    require_discussions_resolved: false
    protected_branches: ["release/*"]
    embargo_regexp: "^hotfix/.*$"
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write project config: %v", err)
	}

	f := validFlags()
	f.ProjectConfigFile = strPtr(path)
	c, err := Resolve(f)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	override, ok := c.ProjectConfig["group/project"]
	if !ok {
		t.Fatal("expected an override for group/project")
	}
	if override.RequireDiscussionsResolved == nil || *override.RequireDiscussionsResolved {
		t.Error("expected require_discussions_resolved=false to be parsed")
	}
	if len(override.ProtectedBranches) != 1 || override.ProtectedBranches[0] != "release/*" {
		t.Errorf("unexpected protected branches: %v", override.ProtectedBranches)
	}

	re, ok := c.ProjectEmbargoRegexp["group/project"]
	if !ok || re == nil {
		t.Fatal("expected a compiled embargo regexp for group/project")
	}
	if !re.MatchString("hotfix/urgent") {
		t.Error("expected the compiled embargo regexp to match hotfix/urgent")
	}
}

func TestResolveRejectsBadEmbargoRegexp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "projects.yaml")
	const doc = `
projects:
  group/project:
    embargo_regexp: "(unclosed"
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write project config: %v", err)
	}

	f := validFlags()
	f.ProjectConfigFile = strPtr(path)
	if _, err := Resolve(f); err == nil {
		t.Error("expected an error for an invalid embargo_regexp")
	}
}

func TestResolveRejectsNonPositiveMaxMergeRefusals(t *testing.T) {
	f := validFlags()
	f.MaxMergeRefusals = intPtr(0)
	if _, err := Resolve(f); err == nil {
		t.Error("expected an error when --max-merge-refusals is less than 1")
	}
}

func TestProtectedBranchMatch(t *testing.T) {
	o := ProjectOverride{ProtectedBranches: []string{"release/*", "main"}}
	if !o.ProtectedBranchMatch("release/1.0") {
		t.Error("expected release/1.0 to match release/*")
	}
	if !o.ProtectedBranchMatch("main") {
		t.Error("expected an exact-match pattern to match")
	}
	if o.ProtectedBranchMatch("develop") {
		t.Error("expected develop not to match any pattern")
	}
}

func TestLoadEmbargoWindowsEmptyPath(t *testing.T) {
	windows, err := LoadEmbargoWindows("")
	if err != nil || windows != nil {
		t.Errorf("expected (nil, nil) for an empty path, got (%v, %v)", windows, err)
	}
}

func TestLoadEmbargoWindowsParsesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "embargo.json")
	const doc = `[{"branch_pattern":"release","start":"2026-01-01T00:00:00Z","end":"2026-01-02T00:00:00Z"}]`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write embargo file: %v", err)
	}
	windows, err := LoadEmbargoWindows(path)
	if err != nil {
		t.Fatalf("LoadEmbargoWindows: %v", err)
	}
	if len(windows) != 1 || windows[0].BranchPattern != "release" {
		t.Errorf("unexpected windows: %+v", windows)
	}
}

func TestEmbargoed(t *testing.T) {
	windows := []EmbargoWindow{{
		BranchPattern: "release",
		Start:         time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		End:           time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
	}}

	inWindow := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	if !Embargoed(windows, "release", inWindow) {
		t.Error("expected release to be embargoed inside its window")
	}
	beforeWindow := time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)
	if Embargoed(windows, "release", beforeWindow) {
		t.Error("expected release not to be embargoed before its window")
	}
	if Embargoed(windows, "main", inWindow) {
		t.Error("expected an unrelated branch not to be embargoed")
	}
}
