// Package detector recognizes soft blocks: responses that arrive with a
// successful status but carry a challenge or denial page instead of content.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/proxy-session-rotator/internal/rotation"
)

// Heuristic inspects response bodies using simple HTML signals. A hit on any
// signal marks the response blocked, which the engine then treats like an
// HTTP block for rotation purposes.
type Heuristic struct {
	minHTMLBytes int
	markers      []string
	keywords     [][]byte
}

// NewHeuristic constructs a detector. markers are CSS selectors whose
// presence indicates a challenge page; keywords are matched case
// insensitively against the body. minBytes of zero disables the size check.
func NewHeuristic(minBytes int, markers, keywords []string) *Heuristic {
	lowerKeywords := make([][]byte, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		lowerKeywords = append(lowerKeywords, bytes.ToLower([]byte(kw)))
	}
	return &Heuristic{
		minHTMLBytes: minBytes,
		markers:      markers,
		keywords:     lowerKeywords,
	}
}

// Default returns a detector tuned for the common anti-bot vendors. The size
// check stays off so tiny but legitimate pages pass.
func Default() *Heuristic {
	return NewHeuristic(0,
		[]string{"#challenge-form", "#cf-wrapper", "form#captcha"},
		[]string{
			"access denied",
			"captcha",
			"unusual traffic",
			"verify you are human",
			"request blocked",
			"attention required",
		},
	)
}

// Blocked reports whether the response looks like a block page. Non-HTML
// responses are never considered blocked.
func (d *Heuristic) Blocked(resp rotation.Response) bool {
	if d == nil {
		return false
	}
	if ct := http.Header(resp.Headers).Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") {
		return false
	}
	switch {
	case d.bodyBelowThreshold(resp.Body):
		return true
	case d.containsKeywords(resp.Body):
		return true
	default:
		return d.markerPresent(resp.Body)
	}
}

func (d *Heuristic) bodyBelowThreshold(body []byte) bool {
	return d.minHTMLBytes > 0 && len(body) < d.minHTMLBytes
}

func (d *Heuristic) containsKeywords(body []byte) bool {
	if len(body) == 0 || len(d.keywords) == 0 {
		return false
	}
	lowerBody := bytes.ToLower(body)
	for _, kw := range d.keywords {
		if bytes.Contains(lowerBody, kw) {
			return true
		}
	}
	return false
}

func (d *Heuristic) markerPresent(body []byte) bool {
	if len(d.markers) == 0 || len(body) == 0 {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false
	}
	for _, sel := range d.markers {
		if sel == "" {
			continue
		}
		if doc.Find(sel).Length() > 0 {
			return true
		}
	}
	return false
}
