// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package token estimates the token cost of arbitrary text without access
// to the backend's real tokenizer.
package token

import (
	"math"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Blend weights and densities calibrated against observed backend usage.
const (
	tokensPerWordDivisor = 0.73
	tokensPerCharDivisor = 3.8
	specialCharWeight    = 0.8

	wordHeavyThreshold = 10
	specialHeavyRatio  = 0.2
	blendWordWeight    = 0.6
	blendCharWeight    = 0.3
	blendSpecialWeight = 0.1
)

// Estimate returns a heuristic token count for text. Blank input costs 0;
// any non-blank input costs at least 1. The function is deterministic and
// performs no I/O or locking.
func Estimate(text string) int {
	if strings.TrimSpace(text) == "" {
		return 0
	}

	chars := utf8.RuneCountInString(text)
	words := len(strings.Fields(text))
	special := countSpecial(text)

	byWords := float64(words) / tokensPerWordDivisor
	byChars := float64(chars) / tokensPerCharDivisor
	bySpecial := float64(special) * specialCharWeight

	var estimate float64
	switch {
	case words > wordHeavyThreshold:
		// Prose-like input: word density dominates, punctuation adds cost.
		estimate = byWords + bySpecial
	case float64(special) > specialHeavyRatio*float64(chars):
		// Symbol-heavy input (code, markup): character density is the
		// only reliable signal.
		estimate = byChars
	default:
		estimate = blendWordWeight*byWords + blendCharWeight*byChars + blendSpecialWeight*bySpecial
	}

	n := int(math.Ceil(estimate))
	if n < 1 {
		n = 1
	}
	return n
}

// countSpecial counts runes that are neither letters, digits nor whitespace.
func countSpecial(text string) int {
	count := 0
	for _, r := range text {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.IsSpace(r) {
			count++
		}
	}
	return count
}

// EstimateAll sums the estimated cost of each text span.
func EstimateAll(texts ...string) int {
	total := 0
	for _, t := range texts {
		total += Estimate(t)
	}
	return total
}
