// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package botlog provides the bot's logging convention: every line is
// prefixed with the scope it came from (project, then job), following the
// "===" / "---" / "----" nesting depth markers used throughout this
// repository's existing sync and buildmodel packages.
package botlog

import (
	"fmt"
	"log"
)

// Logger attributes every line to one project and, optionally, one job
// within that project. It wraps a standard *log.Logger rather than
// introducing a structured logging dependency, matching every other
// package in this repository.
type Logger struct {
	base   *log.Logger
	prefix string
}

// New returns the top-level Logger for the whole bot process.
func New(base *log.Logger) *Logger {
	if base == nil {
		base = log.Default()
	}
	return &Logger{base: base, prefix: "==="}
}

// WithProject returns a Logger scoped to one project, nested under l.
func (l *Logger) WithProject(pathWithNamespace string) *Logger {
	return &Logger{base: l.base, prefix: fmt.Sprintf("--- [%s]", pathWithNamespace)}
}

// WithJob returns a Logger scoped to one MR job within a project-scoped Logger.
func (l *Logger) WithJob(mrIID int) *Logger {
	return &Logger{base: l.base, prefix: fmt.Sprintf("%s (!%d)", l.prefix, mrIID)}
}

func (l *Logger) Infof(format string, args ...any) {
	l.base.Printf("%s "+format, append([]any{l.prefix}, args...)...)
}

func (l *Logger) Warnf(format string, args ...any) {
	l.base.Printf("%s WARNING: "+format, append([]any{l.prefix}, args...)...)
}

func (l *Logger) Errorf(format string, args ...any) {
	l.base.Printf("%s ERROR: "+format, append([]any{l.prefix}, args...)...)
}
