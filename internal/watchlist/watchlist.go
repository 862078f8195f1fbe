// Package watchlist decides the failure-to-appear flag of a record by
// matching its charge titles against a list of watched names.
package watchlist

import (
	"regexp"
	"strings"
	"unicode"
)

type matcher struct {
	entry string
	word  *regexp.Regexp // single-token entries
	lower string         // multi-token entries
}

func (m matcher) match(title, lowerTitle string) bool {
	if m.word != nil {
		return m.word.MatchString(title)
	}
	return strings.Contains(lowerTitle, m.lower)
}

// Evaluator matches titles against a fixed watch list. Entries are literal
// text: single tokens match as case-insensitive whole words and entries
// containing whitespace match as case-insensitive substrings.
type Evaluator struct {
	matchers []matcher
}

// New compiles names into an Evaluator. Blank entries are ignored.
func New(names []string) *Evaluator {
	e := &Evaluator{matchers: make([]matcher, 0, len(names))}
	for _, raw := range names {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		m := matcher{entry: entry}
		if strings.ContainsFunc(entry, unicode.IsSpace) {
			m.lower = strings.ToLower(entry)
		} else {
			m.word = regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(entry) + `\b`)
		}
		e.matchers = append(e.matchers, m)
	}
	return e
}

// Len returns the number of usable entries.
func (e *Evaluator) Len() int {
	if e == nil {
		return 0
	}
	return len(e.matchers)
}

// Match reports the first entry matching title.
func (e *Evaluator) Match(title string) (string, bool) {
	if e == nil || title == "" {
		return "", false
	}
	lowerTitle := strings.ToLower(title)
	for _, m := range e.matchers {
		if m.match(title, lowerTitle) {
			return m.entry, true
		}
	}
	return "", false
}

// Evaluate is true iff any title matches any entry.
func (e *Evaluator) Evaluate(titles []string) bool {
	for _, title := range titles {
		if _, ok := e.Match(title); ok {
			return true
		}
	}
	return false
}
