// SPDX-License-Identifier: MPL-2.0

// Package shell assembles the POSIX shell snippets that end up in RUN
// instructions. Words are quoted and whole scripts are parsed with mvdan/sh
// before they are rendered, so a malformed script fails at recipe time
// instead of halfway through an image build.
package shell

import (
	"errors"
	"fmt"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// lineJoin separates chained commands in a rendered RUN script.
const lineJoin = " && \\\n    "

// ErrEmptyScript is returned when a script has no commands.
var ErrEmptyScript = errors.New("empty shell script")

// Script is an ordered list of commands chained with &&, so the first failing
// command fails the whole script.
type Script []string

// Quote quotes s as a single shell word. Strings that need no quoting are
// returned unchanged.
func Quote(s string) (string, error) {
	q, err := syntax.Quote(s, syntax.LangBash)
	if err != nil {
		return "", fmt.Errorf("quote %q: %w", s, err)
	}
	return q, nil
}

// QuoteAll quotes each word and joins them with single spaces.
func QuoteAll(words ...string) (string, error) {
	quoted := make([]string, 0, len(words))
	for _, w := range words {
		q, err := Quote(w)
		if err != nil {
			return "", err
		}
		quoted = append(quoted, q)
	}
	return strings.Join(quoted, " "), nil
}

// Command quotes args and returns them as one command line.
func Command(name string, args ...string) (string, error) {
	rest, err := QuoteAll(args...)
	if err != nil {
		return "", err
	}
	if rest == "" {
		return name, nil
	}
	return name + " " + rest, nil
}

// PrintLines returns a printf command that writes each line, newline
// terminated, followed by the given redirection (e.g. "> /etc/file").
func PrintLines(lines []string, redirect string) (string, error) {
	words, err := QuoteAll(lines...)
	if err != nil {
		return "", err
	}
	cmd := `printf '%s\n'`
	if words != "" {
		cmd += " " + words
	}
	if redirect != "" {
		cmd += " " + redirect
	}
	return cmd, nil
}

// Render joins the commands into a single RUN body and checks it parses.
func (s Script) Render() (string, error) {
	if len(s) == 0 {
		return "", ErrEmptyScript
	}
	body := strings.Join(s, lineJoin)
	if err := Validate(body); err != nil {
		return "", err
	}
	return body, nil
}

// Validate parses src as a POSIX shell program.
func Validate(src string) error {
	parser := syntax.NewParser(syntax.Variant(syntax.LangPOSIX))
	if _, err := parser.Parse(strings.NewReader(src), ""); err != nil {
		return fmt.Errorf("invalid shell script: %w", err)
	}
	return nil
}
