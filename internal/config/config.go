// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package config binds command-line flags and an optional per-project YAML
// document into one immutable Config, following sync.Flags/BindFlags's
// pattern of populating a flag-pointer struct at flag.Parse time and then
// resolving it once into plain values the rest of the bot consumes.
package config

import (
	"flag"
	"fmt"
	"os"
	"path"
	"regexp"
	"strings"
	"time"

	"go.yaml.in/yaml/v4"

	"github.com/derFreitag/marge-bot/internal/stringutil"
)

// AuthMode selects how the bot authenticates to the Platform (spec.md §6).
type AuthMode string

const (
	AuthModeToken  AuthMode = "token"
	AuthModeAADApp AuthMode = "aad-app"
)

// CIBackend selects which system the bot polls for pipeline status
// (SPEC_FULL.md §4.H).
type CIBackend string

const (
	CIBackendGitLab CIBackend = "gitlab"
	CIBackendAzDO   CIBackend = "azdo"
)

// ManualStagePolicy decides how a pipeline that reaches a "manual" stage is
// treated (Open Question 2, decided in DESIGN.md).
type ManualStagePolicy string

const (
	ManualStageTreatAsTimeout ManualStagePolicy = "treat_as_timeout"
	ManualStageTreatAsSuccess ManualStagePolicy = "treat_as_success"
)

// MergeOrder selects the field Project Loop orders candidate MRs by
// (spec.md §6's merge-order).
type MergeOrder string

const (
	MergeOrderAssignedAt MergeOrder = "assigned_at"
	MergeOrderCreatedAt  MergeOrder = "created_at"
)

// Flags holds the *string/*bool/*int pointers flag.String/Bool/Int return,
// mirroring sync.Flags: populated once at flag-registration time, read only
// after flag.Parse has run.
type Flags struct {
	GitLabURL     *string
	AuthMode      *string
	AuthToken     *string
	AuthTokenFile *string
	AADClientID  *string
	AADClientSecret *string
	AADVaultJSON *string
	AADScopes    *string

	Project          *string
	AllProjectsRegex *string
	WorkDir          *string
	SSHKeyFile       *string

	BotUsername *string

	CIBackend         *string
	AzDOOrgURL        *string
	AzDOProject       *string
	AzDOPAT           *string
	CITimeout         *time.Duration
	ManualStagePolicy *string

	ImpersonateApprovers *bool
	AddTested            *bool
	AddReviewers         *bool
	AddPartOf            *bool
	RequireDiscussionsResolved *bool
	RequireSuccessfulCI        *bool
	ApprovalResetTimeout       *time.Duration
	MaxMergeRefusals           *int

	MergeOrder      *string
	UseMergeStrategy *bool
	RebaseRemotely   *bool
	BatchEnabled     *bool
	BatchSize        *int

	EmbargoFile    *string
	ProjectConfigFile *string

	VersionBumpFile *string
	CommentTemplateFile *string

	EscalateGitHubRepo  *string
	EscalateGitHubToken *string
	AfterFailures       *int

	AuditSigningKeyFile *string

	MaxInflightRequests *int
	ProjectCooldown     *time.Duration
	PollInterval        *time.Duration
	IdleInterval        *time.Duration

	DryRun *bool
}

// BindFlags registers every flag the bot accepts and returns the pointers
// flag.Parse will fill in, the same two-step shape BindFlags uses in
// sync.go.
func BindFlags() *Flags {
	return &Flags{
		GitLabURL:       flag.String("gitlab-url", "https://gitlab.com", "Base URL of the GitLab instance to operate against."),
		AuthMode:        flag.String("auth-mode", string(AuthModeToken), "How to authenticate: token or aad-app."),
		AuthToken:       flag.String("auth-token", "", "Personal or project access token (auth-mode=token)."),
		AuthTokenFile:   flag.String("auth-token-file", "", "Path to a file containing the access token; re-read whenever it changes (auth-mode=token, alternative to --auth-token)."),
		AADClientID:     flag.String("aad-client-id", "", "Azure AD application (client) ID (auth-mode=aad-app)."),
		AADClientSecret: flag.String("aad-client-secret", "", "Azure AD client secret (auth-mode=aad-app)."),
		AADVaultJSON:    flag.String("aad-vault-json-file", "", "Path to an Azure Key Vault secret JSON file carrying a PFX certificate (auth-mode=aad-app, certificate flow)."),
		AADScopes:       flag.String("aad-scopes", "", "Comma-separated OAuth2 scopes to request (auth-mode=aad-app)."),

		Project:          flag.String("project", "", "Single project path (namespace/name) to operate on."),
		AllProjectsRegex: flag.String("project-regexp", "", "Regular expression selecting every accessible project path to operate on, instead of --project."),
		WorkDir:          flag.String("work-dir", "", "Directory for the bot's persistent git worktree. A temp dir is used if empty."),
		SSHKeyFile:       flag.String("ssh-key-file", "", "Private key file for git push authentication, if not using an ambient SSH agent."),

		BotUsername: flag.String("bot-username", "", "Platform username the bot operates as; MRs must be assigned to this user."),

		CIBackend:         flag.String("ci-backend", string(CIBackendGitLab), "Which system to poll for pipeline status: gitlab or azdo."),
		AzDOOrgURL:        flag.String("azdo-org-url", "", "Azure DevOps organization URL (ci-backend=azdo)."),
		AzDOProject:       flag.String("azdo-project", "", "Azure DevOps project name (ci-backend=azdo)."),
		AzDOPAT:           flag.String("azdo-pat", "", "Azure DevOps personal access token (ci-backend=azdo)."),
		CITimeout:         flag.Duration("ci-timeout", 2*time.Hour, "Maximum time to wait for a pipeline to reach a terminal status."),
		ManualStagePolicy: flag.String("manual-stage-policy", string(ManualStageTreatAsTimeout), "How to treat a pipeline stuck on a manual stage: treat_as_timeout or treat_as_success."),

		ImpersonateApprovers:       flag.Bool("impersonate-approvers", false, "Author merge commits as the approver instead of the bot, requiring a known public email per approver."),
		AddTested:                  flag.Bool("add-tested", true, "Add a Tested-by trailer to every merged commit."),
		AddReviewers:               flag.Bool("add-reviewers", true, "Add Reviewed-by trailers for every approver."),
		RequireDiscussionsResolved: flag.Bool("require-discussions-resolved", true, "Reject MRs with unresolved blocking discussions."),
		RequireSuccessfulCI:        flag.Bool("require-successful-ci", true, "Wait for a green pipeline before merging, independent of the project's own only_allow_merge_if_pipeline_succeeds setting."),
		AddPartOf:                  flag.Bool("add-part-of", false, "Add a Part-of trailer pointing back at the MR's web URL."),
		ApprovalResetTimeout:       flag.Duration("approval-reset-timeout", 5*time.Minute, "Delay before retrying an MR whose approvals were reset by a push."),
		MaxMergeRefusals:           flag.Int("max-merge-refusals", 3, "Consecutive accept_mr refusals (not_mergeable/pipeline_not_success) before rejecting the MR outright."),

		MergeOrder:       flag.String("merge-order", string(MergeOrderAssignedAt), "Order candidate MRs by assigned_at or created_at."),
		UseMergeStrategy: flag.Bool("use-merge-strategy", false, "Force platform-side merge even for fast-forward-capable projects, skipping the local rebase."),
		RebaseRemotely:   flag.Bool("rebase-remotely", false, "Use the platform's own rebase action instead of the local Git Worktree rebase."),
		BatchEnabled:     flag.Bool("batch", false, "Batch same-target MRs through a single CI run (component E) instead of merging one at a time."),
		BatchSize:        flag.Int("batch-size", 5, "Maximum number of MRs considered for one batch."),

		EmbargoFile:       flag.String("embargo-file", "", "JSON file of embargoed-branch windows, read once at startup."),
		ProjectConfigFile: flag.String("project-config-file", "", "YAML file of per-project policy overrides."),

		VersionBumpFile:     flag.String("version-bump-file", "", "Path within the repository to a semver file to bump on every successful merge."),
		CommentTemplateFile: flag.String("comment-template-file", "", "Go text/template file for the rejection comment; the built-in template is used if empty."),

		EscalateGitHubRepo:  flag.String("escalate-github-repo", "", "owner/repo to file an issue in after repeated Project Loop failures."),
		EscalateGitHubToken: flag.String("escalate-github-token", "", "GitHub token used to file escalation issues."),
		AfterFailures:       flag.Int("escalate-after-failures", 5, "Consecutive Project Loop failures before filing an escalation issue."),

		AuditSigningKeyFile: flag.String("audit-signing-key-file", "", "PEM RSA private key used to sign per-merge audit records; auditing is disabled if empty."),

		MaxInflightRequests: flag.Int("max-inflight-requests", 10, "Maximum concurrent Platform requests across all Project Loops."),
		ProjectCooldown:     flag.Duration("project-cooldown", 2*time.Second, "Minimum time between successive picks within one Project Loop."),
		PollInterval:        flag.Duration("poll-interval", 30*time.Second, "How often a Project Loop re-lists candidate MRs."),
		IdleInterval:        flag.Duration("idle-interval", 60*time.Second, "How long a Project Loop sleeps after finding no candidates."),

		DryRun: flag.Bool("n", false, "Evaluate policy and log decisions, but never push, merge, or comment."),
	}
}

// Config is the resolved, immutable configuration the rest of the bot
// consumes; nothing below main reaches back into Flags or package globals,
// per the "Global mutable state" design note.
type Config struct {
	GitLabURL     string
	AuthMode      AuthMode
	AuthToken     string
	AuthTokenFile string

	AADClientID     string
	AADClientSecret string
	AADVaultJSON    []byte
	AADScopes       []string

	Project          string
	AllProjectsRegex *regexp.Regexp
	WorkDir          string
	SSHKeyFile       string

	BotUsername string

	CIBackend         CIBackend
	AzDOOrgURL        string
	AzDOProject       string
	AzDOPAT           string
	CITimeout         time.Duration
	ManualStagePolicy ManualStagePolicy

	ImpersonateApprovers       bool
	AddTested                  bool
	AddReviewers                bool
	AddPartOf                  bool
	RequireDiscussionsResolved bool
	RequireSuccessfulCI        bool
	ApprovalResetTimeout       time.Duration
	MaxMergeRefusals           int

	MergeOrder       MergeOrder
	UseMergeStrategy bool
	RebaseRemotely   bool
	BatchEnabled     bool
	BatchSize        int

	EmbargoFile       string
	ProjectConfig     map[string]ProjectOverride
	// ProjectEmbargoRegexp holds each project's ProjectOverride.EmbargoRegexp
	// pre-compiled (same pattern as AllProjectsRegex), keyed by project path.
	ProjectEmbargoRegexp map[string]*regexp.Regexp

	VersionBumpFile     string
	CommentTemplateFile string

	EscalateGitHubRepo  string
	EscalateGitHubToken string
	AfterFailures       int

	AuditSigningKeyFile string

	MaxInflightRequests int
	ProjectCooldown     time.Duration
	PollInterval        time.Duration
	IdleInterval        time.Duration

	DryRun bool
}

// ProjectOverride is one entry of the optional YAML project-config
// document, letting individual projects tighten or relax the bot's
// defaults. The document is read once, when Resolve builds the Config.
type ProjectOverride struct {
	RequireDiscussionsResolved *bool    `yaml:"require_discussions_resolved"`
	ProtectedBranches          []string `yaml:"protected_branches"`
	ImpersonateApprovers       *bool    `yaml:"impersonate_approvers"`
	// EmbargoRegexp, if set, is a regular expression on the target branch
	// name; a match embargoes the MR the same as a time-of-day window does
	// (spec.md §4.D "Trailer commits and embargoes"). Compiled once, at
	// Resolve time, into Config.ProjectEmbargoRegexp.
	EmbargoRegexp string `yaml:"embargo_regexp"`
}

// ProtectedBranchMatch reports whether branch matches any of o's
// protected-branch glob patterns. Patterns use path.Match syntax (e.g.
// "release/*"); a malformed pattern never matches, rather than failing the
// whole policy check.
func (o ProjectOverride) ProtectedBranchMatch(branch string) bool {
	for _, pattern := range o.ProtectedBranches {
		if ok, err := path.Match(pattern, branch); err == nil && ok {
			return true
		}
	}
	return false
}

// Resolve validates f and converts it into a Config. Call it once, after
// flag.Parse.
func Resolve(f *Flags) (*Config, error) {
	c := &Config{
		GitLabURL:       *f.GitLabURL,
		AuthMode:        AuthMode(*f.AuthMode),
		AuthToken:       *f.AuthToken,
		AuthTokenFile:   *f.AuthTokenFile,
		AADClientID:     *f.AADClientID,
		AADClientSecret: *f.AADClientSecret,

		Project:    *f.Project,
		WorkDir:    *f.WorkDir,
		SSHKeyFile: *f.SSHKeyFile,

		BotUsername: *f.BotUsername,

		CIBackend:   CIBackend(*f.CIBackend),
		AzDOOrgURL:  *f.AzDOOrgURL,
		AzDOProject: *f.AzDOProject,
		AzDOPAT:     *f.AzDOPAT,
		CITimeout:   *f.CITimeout,

		ManualStagePolicy: ManualStagePolicy(*f.ManualStagePolicy),

		ImpersonateApprovers:       *f.ImpersonateApprovers,
		AddTested:                  *f.AddTested,
		AddReviewers:               *f.AddReviewers,
		AddPartOf:                  *f.AddPartOf,
		RequireDiscussionsResolved: *f.RequireDiscussionsResolved,
		RequireSuccessfulCI:        *f.RequireSuccessfulCI,
		ApprovalResetTimeout:       *f.ApprovalResetTimeout,
		MaxMergeRefusals:           *f.MaxMergeRefusals,

		MergeOrder:       MergeOrder(*f.MergeOrder),
		UseMergeStrategy: *f.UseMergeStrategy,
		RebaseRemotely:   *f.RebaseRemotely,
		BatchEnabled:     *f.BatchEnabled,
		BatchSize:        *f.BatchSize,

		EmbargoFile:         *f.EmbargoFile,
		VersionBumpFile:     *f.VersionBumpFile,
		CommentTemplateFile: *f.CommentTemplateFile,

		EscalateGitHubRepo:  *f.EscalateGitHubRepo,
		EscalateGitHubToken: *f.EscalateGitHubToken,
		AfterFailures:       *f.AfterFailures,

		AuditSigningKeyFile: *f.AuditSigningKeyFile,

		MaxInflightRequests: *f.MaxInflightRequests,
		ProjectCooldown:     *f.ProjectCooldown,
		PollInterval:        *f.PollInterval,
		IdleInterval:        *f.IdleInterval,

		DryRun: *f.DryRun,
	}

	if c.BotUsername == "" {
		return nil, fmt.Errorf("config: --bot-username is required")
	}
	if c.MaxMergeRefusals < 1 {
		return nil, fmt.Errorf("config: --max-merge-refusals must be at least 1")
	}
	if c.Project == "" && *f.AllProjectsRegex == "" {
		return nil, fmt.Errorf("config: one of --project or --project-regexp is required")
	}
	if *f.AllProjectsRegex != "" {
		re, err := regexp.Compile(*f.AllProjectsRegex)
		if err != nil {
			return nil, fmt.Errorf("config: --project-regexp: %w", err)
		}
		c.AllProjectsRegex = re
	}

	switch c.AuthMode {
	case AuthModeToken:
		if c.AuthToken == "" && c.AuthTokenFile == "" {
			return nil, fmt.Errorf("config: one of --auth-token or --auth-token-file is required when --auth-mode=token")
		}
	case AuthModeAADApp:
		if c.AADClientID == "" {
			return nil, fmt.Errorf("config: --aad-client-id is required when --auth-mode=aad-app")
		}
		if *f.AADVaultJSON != "" {
			data, err := os.ReadFile(*f.AADVaultJSON)
			if err != nil {
				return nil, fmt.Errorf("config: read --aad-vault-json-file: %w", err)
			}
			c.AADVaultJSON = data
		} else if c.AADClientSecret == "" {
			return nil, fmt.Errorf("config: one of --aad-client-secret or --aad-vault-json-file is required when --auth-mode=aad-app")
		}
		if *f.AADScopes != "" {
			c.AADScopes = splitCSV(*f.AADScopes)
		}
	default:
		return nil, fmt.Errorf("config: unknown --auth-mode %q", c.AuthMode)
	}

	switch c.CIBackend {
	case CIBackendGitLab:
	case CIBackendAzDO:
		if c.AzDOOrgURL == "" || c.AzDOProject == "" || c.AzDOPAT == "" {
			return nil, fmt.Errorf("config: --azdo-org-url, --azdo-project and --azdo-pat are required when --ci-backend=azdo")
		}
	default:
		return nil, fmt.Errorf("config: unknown --ci-backend %q", c.CIBackend)
	}

	switch c.ManualStagePolicy {
	case ManualStageTreatAsTimeout, ManualStageTreatAsSuccess:
	default:
		return nil, fmt.Errorf("config: unknown --manual-stage-policy %q", c.ManualStagePolicy)
	}

	switch c.MergeOrder {
	case MergeOrderAssignedAt, MergeOrderCreatedAt:
	default:
		return nil, fmt.Errorf("config: unknown --merge-order %q", c.MergeOrder)
	}

	if *f.ProjectConfigFile != "" {
		overrides, err := loadProjectConfig(*f.ProjectConfigFile)
		if err != nil {
			return nil, fmt.Errorf("config: --project-config-file: %w", err)
		}
		c.ProjectConfig = overrides

		for projectPath, override := range overrides {
			if override.EmbargoRegexp == "" {
				continue
			}
			re, err := regexp.Compile(override.EmbargoRegexp)
			if err != nil {
				return nil, fmt.Errorf("config: --project-config-file: %s: embargo_regexp: %w", projectPath, err)
			}
			if c.ProjectEmbargoRegexp == nil {
				c.ProjectEmbargoRegexp = map[string]*regexp.Regexp{}
			}
			c.ProjectEmbargoRegexp[projectPath] = re
		}
	}

	return c, nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func loadProjectConfig(path string) (map[string]ProjectOverride, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Projects map[string]ProjectOverride `yaml:"projects"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return doc.Projects, nil
}

// EmbargoWindow is one entry of the embargo-file JSON document (spec.md
// §4.C's embargo check). The file is read once at startup; edits to it
// are not picked up while the bot runs.
type EmbargoWindow struct {
	BranchPattern string    `json:"branch_pattern"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
}

// LoadEmbargoWindows reads and parses path, the JSON array of
// EmbargoWindow the embargo-file flag names. ReadJSONFile mirrors
// buildmodel.ReadJSONFile's decode-into-pointer shape.
func LoadEmbargoWindows(path string) ([]EmbargoWindow, error) {
	if path == "" {
		return nil, nil
	}
	var windows []EmbargoWindow
	if err := stringutil.ReadJSONFile(path, &windows); err != nil {
		return nil, err
	}
	return windows, nil
}

// Embargoed reports whether branch is under embargo at t, per any window in
// windows whose BranchPattern equals branch exactly and
// whose [Start, End) interval contains t.
func Embargoed(windows []EmbargoWindow, branch string, t time.Time) bool {
	for _, w := range windows {
		if w.BranchPattern != branch {
			continue
		}
		if (t.Equal(w.Start) || t.After(w.Start)) && t.Before(w.End) {
			return true
		}
	}
	return false
}
