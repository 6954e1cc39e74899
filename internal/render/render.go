// Package render turns untrusted descriptor text into something safe to
// display: restricted HTML for rich surfaces, plain text for terminals.
package render

import (
	"html"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/microcosm-cc/bluemonday"
)

// Renderer is safe for concurrent use.
type Renderer struct {
	rich  *bluemonday.Policy
	plain *bluemonday.Policy
}

// New returns a renderer allowing the small set of inline tags IIIF
// descriptions use.
func New() *Renderer {
	rich := bluemonday.NewPolicy()
	rich.AllowElements("b", "br", "i", "p", "small", "span", "sub", "sup")
	rich.AllowAttrs("href").OnElements("a")
	rich.AllowElements("a")
	rich.AllowURLSchemes("http", "https", "mailto")
	rich.RequireNoFollowOnLinks(true)
	rich.AddTargetBlankToFullyQualifiedLinks(true)
	rich.AllowAttrs("src", "alt").OnElements("img")

	return &Renderer{
		rich:  rich,
		plain: bluemonday.StrictPolicy(),
	}
}

// Rich sanitizes s, keeping only the allowed tags.
func (r *Renderer) Rich(s string) string {
	return strings.TrimSpace(r.rich.Sanitize(s))
}

// Text strips all markup and terminal escape sequences from s.
func (r *Renderer) Text(s string) string {
	s = strings.NewReplacer("<br>", "\n", "<br/>", "\n", "<br />", "\n", "</p>", "\n").Replace(s)
	stripped := html.UnescapeString(r.plain.Sanitize(s))
	stripped = ansi.Strip(stripped)

	lines := strings.Split(stripped, "\n")
	out := lines[:0]
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
