// Package extract pulls a structured course outline out of free-form model replies.
package extract

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/ashureev/coursecraft/internal/domain"
)

// fencedJSON matches the first ```json fenced block. Non-greedy so only the
// first block is captured when several are present.
var fencedJSON = regexp.MustCompile("(?s)```json[ \\t]*\\r?\\n?(.*?)```")

// Result is the outcome of extracting one reply.
type Result struct {
	// Chat is the user-facing text with a valid block removed.
	Chat string
	// Outline is the parsed candidate, nil when none was found.
	Outline *domain.Outline
	// Found reports whether a fenced block was present at all.
	Found bool
	// Err is set when a block was present but did not parse.
	Err error
}

// Malformed reports whether a block was present but could not be used.
func (r Result) Malformed() bool {
	return r.Found && r.Err != nil
}

// Extract inspects raw for a fenced JSON block. When structured is non-empty
// it is parsed instead and raw is passed through untouched.
func Extract(raw string, structured []byte) Result {
	if len(structured) > 0 {
		o, err := parseOutline(structured)
		if err != nil {
			return Result{Chat: strings.TrimSpace(raw), Found: true, Err: err}
		}
		return Result{Chat: strings.TrimSpace(raw), Outline: o, Found: true}
	}

	loc := fencedJSON.FindStringSubmatchIndex(raw)
	if loc == nil {
		return Result{Chat: strings.TrimSpace(raw)}
	}

	body := raw[loc[2]:loc[3]]
	o, err := parseOutline([]byte(body))
	if err != nil {
		return Result{Chat: strings.TrimSpace(raw), Found: true, Err: err}
	}

	chat := strings.TrimSpace(raw[:loc[0]] + raw[loc[1]:])
	return Result{Chat: collapseBlankLines(chat), Outline: o, Found: true}
}

func parseOutline(b []byte) (*domain.Outline, error) {
	var o domain.Outline
	if err := json.Unmarshal(b, &o); err != nil {
		return nil, domain.E(domain.KindExtraction, "extract.parseOutline", "structured block is not a valid outline", err)
	}
	return &o, nil
}

var blankRuns = regexp.MustCompile(`\n{3,}`)

func collapseBlankLines(s string) string {
	return blankRuns.ReplaceAllString(s, "\n\n")
}
