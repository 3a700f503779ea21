// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package aadauth is an optional platform.TokenProvider for self-hosted
// Platform deployments that sit behind Azure AD: instead of a static PAT,
// the bot authenticates as a confidential client and presents the acquired
// bearer token as its Platform auth-token. Adapted from the internal/msal
// package this repository used to carry, which wrapped the same confidential-client flow as
// an http.RoundTripper for GitHub Enterprise traffic; here it is wired as a
// platform.TokenProvider instead, selected by --auth-mode=aad-app.
package aadauth

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/AzureAD/microsoft-authentication-library-for-go/apps/confidential"
	"golang.org/x/crypto/pkcs12"
)

// MicrosoftAuthority is the authority for Microsoft accounts, kept as a
// convenience default for operators who haven't stood up their own tenant.
const MicrosoftAuthority = "https://login.microsoftonline.com/72f988bf-86f1-41af-91ab-2d7cd011db47"

// TokenProvider acquires a Platform bearer token via a confidential-client
// Azure AD credential. It implements platform.TokenProvider.
type TokenProvider struct {
	client confidential.Client
	scopes []string
}

// NewFromSecret builds a TokenProvider from a client secret.
func NewFromSecret(authority, clientID, clientSecret string, scopes []string) (*TokenProvider, error) {
	cred, err := confidential.NewCredFromSecret(clientSecret)
	if err != nil {
		return nil, err
	}
	client, err := confidential.New(authority, clientID, cred)
	if err != nil {
		return nil, err
	}
	return &TokenProvider{client: client, scopes: scopes}, nil
}

// NewFromAzureKeyVaultJSON builds a TokenProvider from the JSON content of
// a certificate stored in Azure Key Vault, as returned by
// 'az keyvault secret show'. It should be a JSON object with a property
// 'value' containing a base64-encoded PFX-encoded certificate with a
// private key.
func NewFromAzureKeyVaultJSON(authority, clientID string, vaultJSON []byte, scopes []string) (*TokenProvider, error) {
	cred, err := credFromAzureKeyVaultJSON(vaultJSON)
	if err != nil {
		return nil, err
	}
	client, err := confidential.New(authority, clientID, cred, confidential.WithX5C())
	if err != nil {
		return nil, err
	}
	return &TokenProvider{client: client, scopes: scopes}, nil
}

// Token implements platform.TokenProvider.
func (t *TokenProvider) Token(ctx context.Context) (string, error) {
	auth, err := t.client.AcquireTokenSilent(ctx, t.scopes)
	if err != nil {
		auth, err = t.client.AcquireTokenByCredential(ctx, t.scopes)
		if err != nil {
			return "", fmt.Errorf("acquire AAD token: %w", err)
		}
	}
	return auth.AccessToken, nil
}

// credFromAzureKeyVaultJSON creates a new confidential.Credential based on
// the content of a JSON string in the format returned by 'az keyvault
// secret show'. Errors are intentionally vague.
func credFromAzureKeyVaultJSON(vaultJSON []byte) (confidential.Credential, error) {
	fail := func(err string) (confidential.Credential, error) {
		return confidential.Credential{}, errors.New(err)
	}
	var data struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(vaultJSON, &data); err != nil {
		return fail("unable to decode JSON")
	}
	pfx, err := base64.StdEncoding.DecodeString(data.Value)
	if err != nil {
		return fail("unable to decode base64 value")
	}
	blocks, err := pkcs12.ToPEM(pfx, "")
	if err != nil {
		return fail("unable to convert PFX data to PEM blocks")
	}

	var pemBuf bytes.Buffer
	for _, block := range blocks {
		// confidential.CertFromPEM decides which key parsing function to
		// use based on the Type string; adjust it here for keys produced
		// by Key Vault's PFX export.
		if block.Type == "PRIVATE KEY" {
			if _, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
				block.Type = "RSA PRIVATE KEY"
			}
		}
		if err := pem.Encode(&pemBuf, block); err != nil {
			return fail("unable to encode PEM block")
		}
	}
	certs, priv, err := confidential.CertFromPEM(pemBuf.Bytes(), "")
	if err != nil {
		return fail("unable to create cert from PEM blocks")
	}
	return confidential.NewCredFromCert(certs, priv)
}
