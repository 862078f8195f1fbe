// Package detector recognizes responses that a plain HTTP fetch cannot get
// past: bot challenges and script-only shells that need a real browser.
package detector

import (
	"bytes"
	"net/http"
	"strings"
)

const defaultBodyLengthThreshold = 2048

// Heuristic implements a handful of rule-based checks.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a detector. A zero threshold uses 2048 bytes.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = defaultBodyLengthThreshold
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var challengeMarkers = [][]byte{
	[]byte("cf-browser-verification"),
	[]byte("challenge-platform"),
	[]byte("cf_chl_opt"),
	[]byte("just a moment..."),
	[]byte("checking your browser"),
	[]byte("enable javascript and cookies to continue"),
}

// NeedsBrowser reports whether a response with status and body is a gate
// rather than content. Error statuses without a challenge marker are
// content: search endpoints signal the end of data with a 500.
func (h *Heuristic) NeedsBrowser(status int, body []byte) bool {
	lower := bytes.ToLower(body)
	for _, marker := range challengeMarkers {
		if bytes.Contains(lower, marker) {
			return true
		}
	}
	if status != http.StatusOK {
		return false
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	return len(body) < h.BodyLengthThreshold && scriptDensityHigh(string(lower))
}

// scriptDensityHigh reports whether script elements cover at least a
// quarter of the document. lower must already be lowercased.
func scriptDensityHigh(lower string) bool {
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relativeEnd := strings.Index(lower[contentStart:], closeTag)
		nextSearch := total
		if relativeEnd != -1 {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}

	return scriptCoverage*100/total >= 25
}
