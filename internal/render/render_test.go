package render

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRich(t *testing.T) {
	r := New()

	tests := []struct {
		name     string
		in       string
		contains []string
		absent   []string
	}{
		{
			name:     "keeps inline markup",
			in:       `<p>Please <b>log in</b> to view <i>this</i></p>`,
			contains: []string{"<p>", "<b>log in</b>", "<i>this</i>"},
		},
		{
			name:   "drops scripts",
			in:     `hello<script>alert(1)</script>`,
			absent: []string{"<script", "alert"},
		},
		{
			name:     "links get nofollow",
			in:       `<a href="https://example.org/terms" onclick="x()">terms</a>`,
			contains: []string{`href="https://example.org/terms"`, "nofollow"},
			absent:   []string{"onclick"},
		},
		{
			name:   "javascript links dropped",
			in:     `<a href="javascript:alert(1)">x</a>`,
			absent: []string{"javascript:"},
		},
		{
			name:   "divs unwrapped",
			in:     `<div class="x">text</div>`,
			absent: []string{"<div"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Rich(tt.in)
			for _, c := range tt.contains {
				assert.Contains(t, got, c)
			}
			for _, a := range tt.absent {
				assert.NotContains(t, got, a)
			}
		})
	}
}

func TestText(t *testing.T) {
	r := New()

	assert.Equal(t, "Access denied", r.Text("Access denied"))
	assert.Equal(t, "Please log in", r.Text("<p>Please <b>log in</b></p>"))
	assert.Equal(t, "Tom & Jerry", r.Text("Tom &amp; Jerry"))
	assert.Equal(t, "line one\nline two", r.Text("line one<br>line two"))
	assert.Equal(t, "red", r.Text("\x1b[31mred\x1b[0m"))
	assert.Equal(t, "", r.Text("<script>alert(1)</script>"))
}
