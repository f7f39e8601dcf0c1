// Package sanitize strips an inbound post's HTML content down to the small
// allow-list federated microblog content actually needs, discarding
// everything else (scripts, styles, event handlers, unknown tags) rather
// than trying to escape it in place.
package sanitize

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// allowedTags mirrors what Mastodon-family servers accept in post content:
// paragraphs, line breaks, simple inline emphasis, links, and lists.
var allowedTags = map[string]bool{
	"p": true, "br": true, "span": true,
	"a": true, "del": true, "pre": true, "code": true,
	"em": true, "strong": true, "b": true, "i": true, "u": true,
	"ul": true, "ol": true, "li": true, "blockquote": true,
}

// allowedAttrs lists the only attributes kept, per tag; tags not listed
// keep none. Anything else (onclick, style, id, class outside a/span) is
// dropped; class values on a/span are kept whatever they are.
var allowedAttrs = map[string]map[string]bool{
	"a":    {"href": true, "rel": true, "class": true},
	"span": {"class": true},
}

// HTML sanitises an untrusted HTML fragment (post content, bio) down to
// the allow-listed tag/attribute set, dropping everything else. Grounded
// on the reference client's htmlToText tokenizer loop, inverted here to
// re-emit permitted markup instead of flattening to plain text.
func HTML(input string) string {
	z := html.NewTokenizer(strings.NewReader(input))
	var sb strings.Builder
	var skipDepth int // inside a disallowed tag whose contents we drop entirely

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}

		switch tt {
		case html.TextToken:
			if skipDepth == 0 {
				sb.WriteString(html.EscapeString(string(z.Text())))
			}

		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			tag := string(name)
			if !allowedTags[tag] {
				if tag == "script" || tag == "style" {
					skipDepth++
				}
				continue
			}
			writeOpenTag(&sb, tag, z, hasAttr)
			if tt == html.SelfClosingTagToken || tag == "br" {
				sb.WriteString("</" + tag + ">")
			}

		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if tag == "script" || tag == "style" {
				if skipDepth > 0 {
					skipDepth--
				}
				continue
			}
			if allowedTags[tag] && tag != "br" {
				sb.WriteString("</" + tag + ">")
			}
		}
	}
	return sb.String()
}

func writeOpenTag(sb *strings.Builder, tag string, z *html.Tokenizer, hasAttr bool) {
	sb.WriteString("<" + tag)
	allowed := allowedAttrs[tag]
	for hasAttr {
		var key, val []byte
		key, val, hasAttr = z.TagAttr()
		k := string(key)
		if !allowed[k] {
			continue
		}
		if k == "href" && !isSafeURL(string(val)) {
			continue
		}
		sb.WriteString(" " + k + `="` + html.EscapeString(string(val)) + `"`)
	}
	sb.WriteString(">")
}

func isSafeURL(raw string) bool {
	lower := strings.ToLower(strings.TrimSpace(raw))
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "/")
}

// PlainText strips all markup, decoding entities, for contexts that need
// a flattened preview (notifications, search indexing). Grounded directly
// on the reference client's htmlToText.
func PlainText(input string) string {
	z := html.NewTokenizer(strings.NewReader(input))
	var sb strings.Builder
	skipContent := false
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		switch tt {
		case html.TextToken:
			if !skipContent {
				sb.WriteString(html.UnescapeString(string(z.Text())))
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			a, _ := z.TagName()
			switch atom.Lookup(a) {
			case atom.Script, atom.Style:
				skipContent = true
			case atom.P, atom.Div, atom.Blockquote, atom.Li:
				sb.WriteString("\n\n")
			case atom.Br:
				sb.WriteString("\n")
			}
		case html.EndTagToken:
			a, _ := z.TagName()
			switch atom.Lookup(a) {
			case atom.Script, atom.Style:
				skipContent = false
			case atom.P, atom.Div, atom.Blockquote, atom.Li:
				sb.WriteString("\n\n")
			}
		}
	}
	text := sb.String()
	for strings.Contains(text, "\n\n\n") {
		text = strings.ReplaceAll(text, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(text)
}
