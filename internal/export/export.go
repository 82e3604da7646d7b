// Package export renders a session's course outline as Markdown or HTML.
package export

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ashureev/coursecraft/internal/domain"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// Format is an export output format.
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
)

// ParseFormat maps a query value to a Format. Empty means Markdown.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "md", string(FormatMarkdown):
		return FormatMarkdown, nil
	case string(FormatHTML):
		return FormatHTML, nil
	default:
		return "", domain.Validation("export.ParseFormat", "unsupported export format "+s)
	}
}

// ContentType returns the MIME type of f.
func (f Format) ContentType() string {
	if f == FormatHTML {
		return "text/html; charset=utf-8"
	}
	return "text/markdown; charset=utf-8"
}

var md = goldmark.New(goldmark.WithExtensions(extension.GFM))

// Render writes the session in format f. outline overrides the session's
// stored outline when non-nil, so callers can pass one with drafts applied.
func Render(sess *domain.Session, outline *domain.Outline, f Format) ([]byte, error) {
	doc := Markdown(sess, outline)
	if f != FormatHTML {
		return []byte(doc), nil
	}
	var buf bytes.Buffer
	buf.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>")
	buf.WriteString(htmlEscape(titleOf(sess, outline)))
	buf.WriteString("</title></head><body>\n")
	if err := md.Convert([]byte(doc), &buf); err != nil {
		return nil, fmt.Errorf("render html: %w", err)
	}
	buf.WriteString("</body></html>\n")
	return buf.Bytes(), nil
}

// Markdown renders the outline as a Markdown document. Sessions without an
// outline render their title and a note.
func Markdown(sess *domain.Session, outline *domain.Outline) string {
	if outline == nil {
		outline = sess.Data.Outline
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", titleOf(sess, outline))
	if outline == nil {
		b.WriteString("_No outline has been accepted yet._\n")
		return b.String()
	}
	if d := strings.TrimSpace(outline.Description); d != "" {
		b.WriteString(d + "\n\n")
	}
	if len(outline.Tags) > 0 {
		tags := make([]string, len(outline.Tags))
		for i, t := range outline.Tags {
			tags[i] = "`" + string(t) + "`"
		}
		b.WriteString("Tags: " + strings.Join(tags, ", ") + "\n\n")
	}
	for i, sec := range outline.Sections {
		fmt.Fprintf(&b, "## %d. %s\n\n", i+1, sec.Title)
		if d := strings.TrimSpace(sec.Description); d != "" {
			b.WriteString(d + "\n\n")
		}
		for j, les := range sec.Lessons {
			fmt.Fprintf(&b, "### %d.%d %s", i+1, j+1, les.Title)
			if les.Duration != "" {
				fmt.Fprintf(&b, " (%s)", les.Duration)
			}
			b.WriteString("\n\n")
			if c := strings.TrimSpace(les.Content); c != "" {
				b.WriteString(c + "\n\n")
			}
		}
	}
	return b.String()
}

func titleOf(sess *domain.Session, outline *domain.Outline) string {
	if outline != nil && strings.TrimSpace(outline.Title) != "" {
		return outline.Title
	}
	return sess.Title
}

var htmlReplacer = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&#34;")

func htmlEscape(s string) string { return htmlReplacer.Replace(s) }
