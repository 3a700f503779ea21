// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package audit signs a compact JWT for every Job outcome that reaches a
// terminal state, giving operators a tamper-evident record of what the bot
// did without standing up a separate audit log service. Adapted from
// githubutil.GenerateJWT's jwt.NewWithClaims(SigningMethodRS256, claims)
// idiom, which this repository otherwise uses only to authenticate as a
// GitHub App.
package audit

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Outcome is the terminal disposition of a Single-MR Job, recorded in every
// audit record. The Batch Job does not sign audit records.
type Outcome string

const (
	OutcomeMerged         Outcome = "merged"
	OutcomeRejectTerminal Outcome = "reject_terminal"
	OutcomeCancelled      Outcome = "cancelled"
)

// Record is one audit entry's claims, marshaled as a signed JWT rather than
// a plain log line so a third party can verify it was produced by this
// bot's key and was not altered after the fact.
type Record struct {
	Project   string    `json:"project"`
	MRIID     int       `json:"mr_iid"`
	SHA       string    `json:"sha"`
	Outcome   Outcome   `json:"outcome"`
	Reason    string    `json:"reason,omitempty"`
	Actor     string    `json:"actor"`
	At        time.Time `json:"at"`
}

type claims struct {
	jwt.RegisteredClaims
	Record Record `json:"record"`
}

// Signer signs audit Records with an RSA private key. A nil *Signer is
// valid and Sign on it is a no-op returning "" — auditing is opt-in via
// --audit-signing-key-file.
type Signer struct {
	key *rsa.PrivateKey
}

// NewSigner parses a PEM-encoded PKCS#1 or PKCS#8 RSA private key.
func NewSigner(pemBytes []byte) (*Signer, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("audit: no PEM block found in signing key")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return &Signer{key: key}, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("audit: parse signing key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("audit: signing key is not RSA")
	}
	return &Signer{key: key}, nil
}

// Sign returns a compact-serialized, RS256-signed JWT carrying r as its
// "record" claim. Called exactly once per terminal Job outcome — never on
// Requeue, which is not a disposition worth auditing.
func (s *Signer) Sign(r Record) (string, error) {
	if s == nil {
		return "", nil
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(r.At),
			Subject:  fmt.Sprintf("%s!%d", r.Project, r.MRIID),
		},
		Record: r,
	})
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("audit: sign record: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a signed record against the signer's public
// key, for operators double-checking a record's provenance.
func (s *Signer) Verify(signed string) (Record, error) {
	var c claims
	_, err := jwt.ParseWithClaims(signed, &c, func(t *jwt.Token) (interface{}, error) {
		return &s.key.PublicKey, nil
	})
	if err != nil {
		return Record{}, fmt.Errorf("audit: verify record: %w", err)
	}
	return c.Record, nil
}
