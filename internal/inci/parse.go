// Package inci parses free-text INCI ingredient declarations into
// normalized tokens and resolves them against a known ingredient set.
package inci

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrMalformed is returned for declarations that cannot be tokenized.
var ErrMalformed = errors.New("malformed ingredient declaration")

// MaxDeclarationLength bounds the input in runes. Longer text is almost
// always a scraped page fragment rather than a declaration.
const MaxDeclarationLength = 8000

// Token is one ingredient from a declaration.
type Token struct {
	Raw      string // cleaned display text
	Key      string // normalized matching key
	Position int    // 1-based order of first appearance
}

var (
	labelRe         = regexp.MustCompile(`(?i)^\s*(?:full\s+)?(?:ingredients?|inci)(?:\s+list)?\s*:\s*`)
	concentrationRe = regexp.MustCompile(`(?i)[<>≤≥~]?\s*\d+(?:[.,]\d+)?\s*%(?:\s*w/w)?`)
	slashSpaceRe    = regexp.MustCompile(`\s*/\s*`)
)

// Parse splits a declaration on top-level commas and semicolons. Delimiters
// inside brackets do not split. Asides in brackets, concentrations and
// footnote markers are dropped; duplicate ingredients keep their first
// position.
func Parse(declaration string) ([]Token, error) {
	if utf8.RuneCountInString(declaration) > MaxDeclarationLength {
		return nil, fmt.Errorf("%w: longer than %d characters", ErrMalformed, MaxDeclarationLength)
	}
	if !strings.ContainsFunc(declaration, unicode.IsLetter) {
		return nil, fmt.Errorf("%w: no alphabetic content", ErrMalformed)
	}
	body := labelRe.ReplaceAllString(declaration, "")

	parts, err := splitTopLevel(body)
	if err != nil {
		return nil, err
	}

	var tokens []Token
	seen := make(map[string]bool)
	for _, part := range parts {
		raw := clean(part)
		if raw == "" || !strings.ContainsFunc(raw, unicode.IsLetter) {
			continue
		}
		key := Normalize(raw)
		if seen[key] {
			continue
		}
		seen[key] = true
		tokens = append(tokens, Token{Raw: raw, Key: key, Position: len(tokens) + 1})
	}
	return tokens, nil
}

func splitTopLevel(s string) ([]string, error) {
	var (
		parts []string
		stack []rune
		start int
	)
	for i, r := range s {
		switch r {
		case '(', '[', '{':
			stack = append(stack, r)
		case ')', ']', '}':
			if len(stack) == 0 || stack[len(stack)-1] != opening(r) {
				return nil, fmt.Errorf("%w: unbalanced %q at offset %d", ErrMalformed, r, i)
			}
			stack = stack[:len(stack)-1]
		case ',', ';':
			if len(stack) == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	if len(stack) > 0 {
		return nil, fmt.Errorf("%w: unclosed %q", ErrMalformed, stack[len(stack)-1])
	}
	return append(parts, s[start:]), nil
}

func opening(r rune) rune {
	switch r {
	case ')':
		return '('
	case ']':
		return '['
	}
	return '{'
}

// clean removes bracketed asides, concentrations and markers from one token.
func clean(s string) string {
	var sb strings.Builder
	depth := 0
	for _, r := range s {
		switch {
		case r == '(' || r == '[' || r == '{':
			depth++
		case r == ')' || r == ']' || r == '}':
			depth--
		case depth > 0:
		case r == '*' || r == '†' || r == '‡':
		default:
			sb.WriteRune(r)
		}
	}
	out := concentrationRe.ReplaceAllString(sb.String(), "")
	out = strings.Join(strings.Fields(out), " ")
	return strings.TrimRight(out, ". ")
}

// Normalize returns the matching key for an ingredient name: case-folded,
// whitespace collapsed, no spaces around slashes.
func Normalize(name string) string {
	key := strings.Join(strings.Fields(strings.ToLower(name)), " ")
	return slashSpaceRe.ReplaceAllString(key, "/")
}
