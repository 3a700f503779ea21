// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package platform

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	gl "github.com/xanzy/go-gitlab"

	"github.com/derFreitag/marge-bot/internal/boterrors"
)

const (
	retryAttempts     = 5
	retryBaseDelay    = 500 * time.Millisecond
	retryMaxDelay     = 30 * time.Second
	transientBudget   = 60 * time.Second
)

// retry runs f up to retryAttempts times, the same shape as
// githubutil.Retry: it logs each attempt, backs off between tries, and
// honors a Retry-After header by waiting instead of failing the caller.
// 401/403 and any precondition-style 4xx from accept_mr are never retried
// here: 401/403 are returned as Unauthorized, and a MergeRefused (or any
// other non-429 4xx) is passed through untouched (spec.md §4.A).
func retry(ctx context.Context, op string, f func() error) error {
	deadline := time.Now().Add(transientBudget)
	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		log.Printf("---- platform: attempt %d/%d for %s\n", attempt+1, retryAttempts, op)
		err := f()
		if err == nil {
			return nil
		}
		lastErr = err

		var refused *boterrors.MergeRefused
		if errors.As(err, &refused) {
			return err
		}

		var errResp *gl.ErrorResponse
		if errors.As(err, &errResp) && errResp.Response != nil {
			switch errResp.Response.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden:
				return &boterrors.Unauthorized{Op: op}
			}
			if errResp.Response.StatusCode < 500 && errResp.Response.StatusCode != http.StatusTooManyRequests {
				// Not transient: a precondition failure such as accept_mr's
				// sha mismatch or pipeline-not-success. Surface as-is so the
				// caller (internal/job) can classify it into MergeRefused.
				return err
			}
			if wait := retryAfter(errResp.Response); wait > 0 {
				log.Printf("---- platform: rate limited, waiting %s before retry\n", wait)
				sleep(ctx, wait)
				continue
			}
		}

		if time.Now().After(deadline) {
			break
		}
		delay := backoff(attempt)
		log.Printf("---- platform: attempt %d/%d for %s failed: %v (retrying in %s)\n", attempt+1, retryAttempts, op, err, delay)
		sleep(ctx, delay)
	}
	return &boterrors.TransientUpstream{Op: op, Err: lastErr}
}

func backoff(attempt int) time.Duration {
	d := retryBaseDelay << attempt
	if d > retryMaxDelay || d <= 0 {
		d = retryMaxDelay
	}
	return d
}

func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := time.ParseDuration(v + "s"); err == nil {
		return secs
	}
	return 0
}

// sleep waits for d, or until ctx is cancelled, whichever comes first.
// Every polling loop and retry backoff in the bot sleeps this way so
// Supervisor cancellation is observed within one wait period (spec.md §5).
func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func wrapTransient(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w", &boterrors.TransientUpstream{Op: op, Err: err})
}
