package sanitize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTMLDropsScriptsAndEventHandlers(t *testing.T) {
	in := `<p onclick="evil()">hello <script>alert(1)</script>world</p>`
	out := HTML(in)
	assert.NotContains(t, out, "onclick")
	assert.NotContains(t, out, "script")
	assert.NotContains(t, out, "alert")
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, "world")
}

func TestHTMLKeepsAllowedLinkAttrs(t *testing.T) {
	in := `<p>see <a href="https://example.com/x" rel="nofollow" onmouseover="x()">this</a></p>`
	out := HTML(in)
	assert.Contains(t, out, `href="https://example.com/x"`)
	assert.Contains(t, out, `rel="nofollow"`)
	assert.NotContains(t, out, "onmouseover")
}

func TestHTMLRejectsUnsafeURLScheme(t *testing.T) {
	in := `<a href="javascript:alert(1)">x</a>`
	out := HTML(in)
	assert.NotContains(t, out, "javascript:")
}

func TestPlainTextFlattensBlocks(t *testing.T) {
	in := `<p>one</p><p>two</p><br>three`
	out := PlainText(in)
	assert.True(t, strings.Contains(out, "one"))
	assert.True(t, strings.Contains(out, "two"))
	assert.True(t, strings.Contains(out, "three"))
	assert.False(t, strings.Contains(out, "<p>"))
}
