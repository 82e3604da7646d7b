package export

import (
	"strings"
	"testing"

	"github.com/ashureev/coursecraft/internal/domain"
	"github.com/stretchr/testify/require"
)

func sampleSession() *domain.Session {
	return &domain.Session{
		Title: "Draft title",
		Data: domain.CollectedData{Outline: &domain.Outline{
			Title:       "PHP <Basics>",
			Description: "Learn the language.",
			Tags:        []domain.Label{"php", "web"},
			Sections: []domain.Section{
				{Title: "Syntax", Lessons: []domain.Lesson{
					{Title: "Variables", Duration: "15", Content: "Use `$name` to declare."},
					{Title: "Loops"},
				}},
				{Title: "Functions", Description: "Reusable code.", Lessons: []domain.Lesson{{Title: "Closures"}}},
			},
		}},
	}
}

func TestMarkdown(t *testing.T) {
	out := Markdown(sampleSession(), nil)

	require.True(t, strings.HasPrefix(out, "# PHP <Basics>\n\n"))
	require.Contains(t, out, "Learn the language.")
	require.Contains(t, out, "Tags: `php`, `web`")
	require.Contains(t, out, "## 1. Syntax")
	require.Contains(t, out, "### 1.1 Variables (15)")
	require.Contains(t, out, "Use `$name` to declare.")
	require.Contains(t, out, "### 1.2 Loops\n")
	require.Contains(t, out, "## 2. Functions\n\nReusable code.")
	require.Contains(t, out, "### 2.1 Closures")
}

func TestMarkdownWithoutOutline(t *testing.T) {
	out := Markdown(&domain.Session{Title: "Empty"}, nil)
	require.Equal(t, "# Empty\n\n_No outline has been accepted yet._\n", out)
}

func TestMarkdownOverrideOutline(t *testing.T) {
	sess := sampleSession()
	override := sess.Data.Outline.Clone()
	override.Sections[0].Lessons[1].Content = "Draft body for loops."

	out := Markdown(sess, override)
	require.Contains(t, out, "Draft body for loops.")
	require.NotContains(t, Markdown(sess, nil), "Draft body for loops.")
}

func TestRenderHTML(t *testing.T) {
	out, err := Render(sampleSession(), nil, FormatHTML)
	require.NoError(t, err)
	html := string(out)

	require.Contains(t, html, "<title>PHP &lt;Basics&gt;</title>")
	require.Contains(t, html, "<h2>1. Syntax</h2>")
	require.Contains(t, html, "<code>$name</code>")
	require.True(t, strings.HasSuffix(html, "</body></html>\n"))
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	require.Equal(t, FormatMarkdown, f)

	f, err = ParseFormat("HTML")
	require.NoError(t, err)
	require.Equal(t, FormatHTML, f)
	require.Equal(t, "text/html; charset=utf-8", f.ContentType())

	_, err = ParseFormat("pdf")
	require.True(t, domain.IsKind(err, domain.KindValidation))
}
