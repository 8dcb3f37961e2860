// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validate

import (
	"fmt"
	"strings"
)

const (
	// TabWidth is the number of spaces a tab expands to during
	// normalization.
	TabWidth = 4

	// MaxErrorPreview bounds the expected/actual excerpts embedded in
	// mismatch errors.
	MaxErrorPreview = 100

	// MaxContentSize bounds the content accepted for comparison (50MB).
	// Larger inputs are rejected before any matching work is done.
	MaxContentSize = 50 * 1024 * 1024

	// PartialMatchThreshold is the minimum fraction of lines that must
	// match for a partial (deletion-oriented) match to be accepted.
	PartialMatchThreshold = 0.8
)

// Match locates a precondition match inside the original content.
//
// Offset and Length are byte positions in the ORIGINAL text, so edits
// splice exact original bytes even when the match was found through
// whitespace normalization.
type Match struct {
	Offset int
	Length int
}

// MismatchError describes a failed content precondition.
//
// # Description
//
// Carries truncated excerpts of both sides so callers can surface a
// useful diagnostic instead of a bare boolean. Content mismatches are
// not retry-able.
type MismatchError struct {
	Expected string
	Actual   string
	Detail   string
}

// Error formats the mismatch with truncated excerpts.
func (e *MismatchError) Error() string {
	var b strings.Builder
	b.WriteString("content mismatch details:\n")
	fmt.Fprintf(&b, "expected content (first %d chars): %q\n", MaxErrorPreview, truncate(e.Expected, MaxErrorPreview))
	fmt.Fprintf(&b, "actual content (first %d chars): %q", MaxErrorPreview, truncate(e.Actual, MaxErrorPreview))
	if e.Detail != "" {
		b.WriteString("\n")
		b.WriteString(e.Detail)
	}
	return b.String()
}

// NormalizeWhitespace canonicalizes content for comparison only.
//
// # Description
//
// Converts CRLF and bare CR line endings to LF, expands tabs to
// TabWidth spaces, and strips trailing whitespace from each line.
// The result is never written to disk; it exists so that preconditions
// tolerate whitespace drift while edits still apply to original bytes.
//
// # Inputs
//
//   - content: Raw text.
//
// # Outputs
//
//   - string: Normalized form.
func NormalizeWhitespace(content string) string {
	normalized := strings.ReplaceAll(content, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")
	normalized = strings.ReplaceAll(normalized, "\t", strings.Repeat(" ", TabWidth))

	lines := strings.Split(normalized, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.Join(lines, "\n")
}

// ValidateContentSafely rejects oversized inputs before comparison.
//
// # Description
//
// Bounds the worst-case cost of matching by refusing content larger
// than MaxContentSize. A blank search string is trivially safe.
//
// # Inputs
//
//   - content: Full file content.
//   - search: The precondition fragment to look for.
//
// # Outputs
//
//   - error: Non-nil when content exceeds the size bound.
func ValidateContentSafely(content, search string) error {
	if len(content) > MaxContentSize {
		return fmt.Errorf("content too large for validation (max %dMB)", MaxContentSize/(1024*1024))
	}
	return nil
}

// FindContentMatch locates search inside content, tolerating whitespace
// differences.
//
// # Description
//
// Strategy, in order:
//  1. Exact substring match on raw bytes.
//  2. Normalized match anchored at line boundaries, mapped back to a
//     byte offset and length in the original text.
//  3. Partial line-wise match at PartialMatchThreshold similarity
//     (supports deletion edits against drifted content).
//
// A blank search matches trivially at offset zero.
//
// # Inputs
//
//   - content: Full original file content.
//   - search: Expected fragment.
//
// # Outputs
//
//   - Match: Byte offset and length in the original content.
//   - error: *MismatchError with excerpts when no strategy matches, or
//     a size-guard error from ValidateContentSafely.
func FindContentMatch(content, search string) (Match, error) {
	if err := ValidateContentSafely(content, search); err != nil {
		return Match{}, err
	}

	if strings.TrimSpace(search) == "" {
		return Match{}, nil
	}

	if pos := strings.Index(content, search); pos != -1 {
		return Match{Offset: pos, Length: len(search)}, nil
	}

	normalizedSearch := NormalizeWhitespace(search)
	if strings.Contains(NormalizeWhitespace(content), normalizedSearch) {
		if m, ok := findNormalizedMatch(content, search, normalizedSearch); ok {
			return m, nil
		}
	}

	if m, ok := findPartialMatch(content, search); ok {
		return m, nil
	}

	detail := ""
	if !strings.Contains(content, strings.TrimSpace(search)) {
		detail = "search content not found in file"
	}
	return Match{}, &MismatchError{Expected: search, Actual: content, Detail: detail}
}

// ApplyMatch splices replacement over the matched region of content.
//
// # Description
//
// Operates on exact original bytes. A replacement that is blank after
// trimming removes the matched region outright (deletion edit).
func ApplyMatch(content string, m Match, replacement string) string {
	before := content[:m.Offset]
	after := content[m.Offset+m.Length:]
	if strings.TrimSpace(replacement) == "" {
		return before + after
	}
	return before + replacement + after
}

// findNormalizedMatch scans line windows of content for one whose
// normalized form equals normalizedSearch, returning original byte
// coordinates.
func findNormalizedMatch(content, search, normalizedSearch string) (Match, bool) {
	contentLines := strings.Split(content, "\n")
	searchLines := strings.Split(search, "\n")

	for i := 0; i+len(searchLines) <= len(contentLines); i++ {
		// The window's final line keeps its CR when the file uses CRLF
		// endings; exclude it from both comparison and matched length.
		candidate := strings.TrimSuffix(strings.Join(contentLines[i:i+len(searchLines)], "\n"), "\r")
		if NormalizeWhitespace(candidate) == normalizedSearch {
			return Match{Offset: lineOffset(contentLines, i), Length: len(candidate)}, true
		}
	}
	return Match{}, false
}

// findPartialMatch accepts a window where at least
// PartialMatchThreshold of the search lines appear within the
// corresponding content lines.
func findPartialMatch(content, search string) (Match, bool) {
	var searchLines []string
	for _, line := range strings.Split(search, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			searchLines = append(searchLines, trimmed)
		}
	}
	if len(searchLines) == 0 {
		return Match{}, false
	}

	contentLines := strings.Split(content, "\n")
	for i := 0; i+len(searchLines) <= len(contentLines); i++ {
		matches := 0
		for j, searchLine := range searchLines {
			if strings.Contains(contentLines[i+j], searchLine) {
				matches++
			}
		}
		if float64(matches)/float64(len(searchLines)) >= PartialMatchThreshold {
			window := strings.TrimSuffix(strings.Join(contentLines[i:i+len(searchLines)], "\n"), "\r")
			return Match{Offset: lineOffset(contentLines, i), Length: len(window)}, true
		}
	}
	return Match{}, false
}

// lineOffset returns the byte offset of line index in the joined lines.
func lineOffset(lines []string, index int) int {
	offset := 0
	for i := 0; i < index; i++ {
		offset += len(lines[i]) + 1
	}
	return offset
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
