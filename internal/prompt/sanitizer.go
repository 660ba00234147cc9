// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package prompt builds system instructions and sanitizes text destined
// for the generation backend.
package prompt

import (
	"regexp"
	"strings"
)

var (
	spaceRuns   = regexp.MustCompile(`[ \t]+`)
	newlineRuns = regexp.MustCompile(`\n{3,}`)
)

// Sanitize normalizes text before it is embedded in a prompt: line endings
// become LF, tabs become spaces, runs of spaces collapse to one, runs of
// three or more newlines collapse to two, and the result is trimmed.
func Sanitize(content string) string {
	if content == "" {
		return ""
	}

	s := strings.ReplaceAll(content, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = spaceRuns.ReplaceAllString(s, " ")
	s = newlineRuns.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
