package session

import (
	"regexp"
	"sort"
	"strings"
)

// StopMatcher recognizes stop phrases as whole words, ignoring case.
type StopMatcher struct {
	re *regexp.Regexp
}

// NewStopMatcher compiles phrases into one alternation. Whitespace inside a
// phrase matches any run of whitespace. With no usable phrase the matcher
// never matches.
func NewStopMatcher(phrases []string) *StopMatcher {
	alts := make([]string, 0, len(phrases))
	for _, p := range phrases {
		words := strings.Fields(strings.ToLower(p))
		if len(words) == 0 {
			continue
		}
		for i, w := range words {
			words[i] = regexp.QuoteMeta(w)
		}
		alts = append(alts, strings.Join(words, `\s+`))
	}
	if len(alts) == 0 {
		return &StopMatcher{}
	}

	// Longest first so "see you later" wins over "see you".
	sort.SliceStable(alts, func(i, j int) bool { return len(alts[i]) > len(alts[j]) })
	return &StopMatcher{re: regexp.MustCompile(`(?i)\b(?:` + strings.Join(alts, "|") + `)\b`)}
}

// Match returns the first stop phrase found in text.
func (m *StopMatcher) Match(text string) (string, bool) {
	if m == nil || m.re == nil {
		return "", false
	}
	loc := m.re.FindStringIndex(text)
	if loc == nil {
		return "", false
	}
	return text[loc[0]:loc[1]], true
}
