// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/derFreitag/marge-bot/internal/aadauth"
	"github.com/derFreitag/marge-bot/internal/audit"
	"github.com/derFreitag/marge-bot/internal/botlog"
	"github.com/derFreitag/marge-bot/internal/cibackend"
	"github.com/derFreitag/marge-bot/internal/commenttemplate"
	"github.com/derFreitag/marge-bot/internal/config"
	"github.com/derFreitag/marge-bot/internal/escalation"
	"github.com/derFreitag/marge-bot/internal/gitwork"
	"github.com/derFreitag/marge-bot/internal/platform"
	"github.com/derFreitag/marge-bot/internal/supervisor"
)

const description = `
mergebot watches assigned GitLab merge requests and merges each one once it
is approved, green, and rebased onto its target branch, following the same
rules a human merge captain would apply by hand.

Example: run against a single project, authenticating with a PAT:

  mergebot -gitlab-url https://gitlab.example.com -project group/project \
    -bot-username mergebot -auth-token "$MERGEBOT_TOKEN"

Configuration is primarily command-line flags; an optional per-project YAML
file (-project-config-file) and JSON embargo calendar (-embargo-file) are
read once at startup; changes to either take effect after a restart.
`

func main() {
	f := config.BindFlags()
	parseBoundFlags(description)

	c, err := config.Resolve(f)
	if err != nil {
		log.Fatalf("%v", err)
	}

	if err := run(c); err != nil {
		log.Fatalf("%v", err)
	}
}

// parseBoundFlags mirrors buildmodel.ParseBoundFlags: parse, reject stray
// positional args, and handle -h before main does anything else.
func parseBoundFlags(description string) {
	help := flag.Bool("h", false, "Print this help message.")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "\nUsage:\n")
		flag.PrintDefaults()
		fmt.Fprintf(flag.CommandLine.Output(), "%s\n\n", description)
	}

	flag.Parse()

	if len(flag.Args()) > 0 {
		fmt.Printf("Non-flag argument(s) provided but not accepted: %v\n", flag.Args())
		flag.Usage()
		os.Exit(1)
	}
	if *help {
		flag.Usage()
		os.Exit(0)
	}
}

func run(c *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := botlog.New(nil)

	tokens, err := resolveTokenProvider(c)
	if err != nil {
		return fmt.Errorf("resolve auth: %w", err)
	}

	client, err := platform.NewClient(ctx, platform.ClientConfig{
		BaseURL:             c.GitLabURL,
		Tokens:              tokens,
		MaxInflightRequests: int64(c.MaxInflightRequests),
		RequestsPerSecond:   5,
	})
	if err != nil {
		return fmt.Errorf("construct platform client: %w", err)
	}

	workDir := c.WorkDir
	if workDir == "" {
		workDir, err = os.MkdirTemp("", "mergebot-worktree-")
		if err != nil {
			return fmt.Errorf("create temp work dir: %w", err)
		}
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("create work dir %s: %w", workDir, err)
	}
	worktree := &gitwork.Worktree{Dir: workDir, SSHKeyFile: c.SSHKeyFile}

	pipelines, err := cibackend.New(ctx, c)
	if err != nil {
		return fmt.Errorf("construct ci backend: %w", err)
	}

	comments, err := loadComments(c)
	if err != nil {
		return fmt.Errorf("load comment template: %w", err)
	}

	signer, err := loadAuditSigner(c)
	if err != nil {
		return fmt.Errorf("load audit signing key: %w", err)
	}

	embargo, err := config.LoadEmbargoWindows(c.EmbargoFile)
	if err != nil {
		return fmt.Errorf("load embargo file: %w", err)
	}

	escalator, err := escalation.New(ctx, c)
	if err != nil {
		return fmt.Errorf("construct escalation client: %w", err)
	}

	s := &supervisor.Supervisor{
		Client:    client,
		Pipelines: pipelines,
		Worktree:  worktree,
		Config:    c,
		Log:       logger,
		Comments:  comments,
		Audit:     signer,
		Embargo:   embargo,
		Escalator: nilableEscalator(escalator),
	}

	return s.Run(ctx)
}

// nilableEscalator turns a nil *escalation.Client into a nil
// supervisor.Escalator interface value rather than a non-nil interface
// wrapping a nil pointer, so Supervisor's "Escalator != nil" check works.
func nilableEscalator(c *escalation.Client) supervisor.Escalator {
	if c == nil {
		return nil
	}
	return c
}

func resolveTokenProvider(c *config.Config) (platform.TokenProvider, error) {
	switch c.AuthMode {
	case config.AuthModeToken:
		if c.AuthTokenFile != "" {
			return &platform.FileToken{Path: c.AuthTokenFile}, nil
		}
		return platform.StaticToken(c.AuthToken), nil
	case config.AuthModeAADApp:
		if len(c.AADVaultJSON) > 0 {
			return aadauth.NewFromAzureKeyVaultJSON(aadauth.MicrosoftAuthority, c.AADClientID, c.AADVaultJSON, c.AADScopes)
		}
		return aadauth.NewFromSecret(aadauth.MicrosoftAuthority, c.AADClientID, c.AADClientSecret, c.AADScopes)
	default:
		return nil, fmt.Errorf("unknown auth mode %q", c.AuthMode)
	}
}

func loadComments(c *config.Config) (*commenttemplate.Renderer, error) {
	if c.CommentTemplateFile == "" {
		return commenttemplate.New()
	}
	return commenttemplate.NewFromFile(c.CommentTemplateFile)
}

func loadAuditSigner(c *config.Config) (*audit.Signer, error) {
	if c.AuditSigningKeyFile == "" {
		return nil, nil
	}
	pemBytes, err := os.ReadFile(c.AuditSigningKeyFile)
	if err != nil {
		return nil, err
	}
	return audit.NewSigner(pemBytes)
}
