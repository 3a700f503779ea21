// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package commenttemplate renders the comment internal/job posts on a
// terminal rejection (spec.md §4.D's RejectTerminal: "exactly one comment
// explaining why"). Operators may override the built-in template with
// --comment-template-file; text/template plus sprig's helper funcs is the
// pattern this repository's pack uses wherever user-supplied text needs
// more than raw string substitution.
package commenttemplate

import (
	"bytes"
	"fmt"
	"os"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

// RejectionData is the data made available to the rejection template.
type RejectionData struct {
	Reason       string
	SourceBranch string
	TargetBranch string
	BotUsername  string
}

const defaultRejectionTemplate = `I couldn't merge this: {{ .Reason }}
`

// Renderer renders rejection comments from a parsed template.
type Renderer struct {
	tmpl *template.Template
}

// New parses the default, built-in rejection template.
func New() (*Renderer, error) {
	return parse(defaultRejectionTemplate)
}

// NewFromFile parses the template at path, falling back to the built-in
// template when path is empty.
func NewFromFile(path string) (*Renderer, error) {
	if path == "" {
		return New()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("commenttemplate: read %s: %w", path, err)
	}
	return parse(string(data))
}

func parse(text string) (*Renderer, error) {
	tmpl, err := template.New("comment").Funcs(sprig.TxtFuncMap()).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("commenttemplate: parse: %w", err)
	}
	return &Renderer{tmpl: tmpl}, nil
}

// RenderRejection renders a rejection comment for data.
func (r *Renderer) RenderRejection(data RejectionData) (string, error) {
	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("commenttemplate: render: %w", err)
	}
	return buf.String(), nil
}
