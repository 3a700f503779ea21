// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package platform

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// TokenProvider resolves the bearer token used to authenticate against the
// Platform API, per spec.md §6's auth-token/auth-token-file options.
// Implementations are safe for concurrent use.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenProvider that always returns the same token,
// grounded on githubutil.NewClient's oauth2.StaticTokenSource use.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) {
	if s == "" {
		return "", fmt.Errorf("auth-token not set")
	}
	return string(s), nil
}

// FileToken re-reads the token file whenever its mtime changes, so a
// rotated on-disk secret is picked up without a restart.
type FileToken struct {
	Path string

	mu      sync.Mutex
	modTime time.Time
	cached  string
}

func (f *FileToken) Token(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	info, err := os.Stat(f.Path)
	if err != nil {
		return "", fmt.Errorf("unable to stat auth-token-file %q: %w", f.Path, err)
	}
	if f.cached != "" && info.ModTime().Equal(f.modTime) {
		return f.cached, nil
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return "", fmt.Errorf("unable to read auth-token-file %q: %w", f.Path, err)
	}
	f.cached = strings.TrimSpace(string(data))
	f.modTime = info.ModTime()
	if f.cached == "" {
		return "", fmt.Errorf("auth-token-file %q is empty", f.Path)
	}
	return f.cached, nil
}

// OAuth2ClientCredentials obtains a token via the OAuth2 client-credentials
// grant, for Platform deployments fronted by an OAuth2 proxy rather than
// accepting a static PAT. It caches and refreshes through oauth2's own
// TokenSource, the same library githubutil.go uses for static tokens.
type OAuth2ClientCredentials struct {
	Config clientcredentials.Config

	mu     sync.Mutex
	source oauth2.TokenSource
}

func (o *OAuth2ClientCredentials) Token(ctx context.Context) (string, error) {
	o.mu.Lock()
	if o.source == nil {
		o.source = o.Config.TokenSource(ctx)
	}
	source := o.source
	o.mu.Unlock()

	tok, err := source.Token()
	if err != nil {
		return "", fmt.Errorf("unable to obtain oauth2 client-credentials token: %w", err)
	}
	return tok.AccessToken, nil
}
