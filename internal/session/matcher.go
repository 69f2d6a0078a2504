package session

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/width"
)

// DefaultApprovalPhrases are the replies accepted as a plan approval.
var DefaultApprovalPhrases = []string{"execute", "run", "执行", "运行"}

// ApprovalMatcher recognizes a typed plan approval such as "execute" or
// "Run!". Matching ignores case, full/half width forms, surrounding
// whitespace and trailing punctuation.
type ApprovalMatcher struct {
	phrases map[string]struct{}
}

// NewApprovalMatcher creates a matcher for phrases. With no phrases it uses
// DefaultApprovalPhrases.
func NewApprovalMatcher(phrases ...string) *ApprovalMatcher {
	if len(phrases) == 0 {
		phrases = DefaultApprovalPhrases
	}
	m := &ApprovalMatcher{phrases: make(map[string]struct{}, len(phrases))}
	for _, p := range phrases {
		if n := normalizePhrase(p); n != "" {
			m.phrases[n] = struct{}{}
		}
	}
	return m
}

// Matches reports whether text is one of the approval phrases.
func (m *ApprovalMatcher) Matches(text string) bool {
	if m == nil {
		return false
	}
	n := normalizePhrase(text)
	if n == "" {
		return false
	}
	_, ok := m.phrases[n]
	return ok
}

func normalizePhrase(s string) string {
	s = width.Fold.String(s)
	s = strings.TrimSpace(s)
	s = strings.TrimRightFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
	return cases.Fold().String(s)
}
