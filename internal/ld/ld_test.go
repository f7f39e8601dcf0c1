package ld

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandResolvesActivityStreamsTerms(t *testing.T) {
	p := NewProcessor()
	doc := map[string]interface{}{
		"@context": "https://www.w3.org/ns/activitystreams",
		"type":     "Note",
		"content":  "hello",
	}
	expanded, err := p.Expand(doc)
	require.NoError(t, err)
	require.Len(t, expanded, 1)

	node, ok := expanded[0].(map[string]interface{})
	require.True(t, ok)
	_, hasType := node["@type"]
	assert.True(t, hasType)
}

func TestNormalizeProducesDeterministicNQuads(t *testing.T) {
	p := NewProcessor()
	doc := map[string]interface{}{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       "https://example.social/notes/1",
		"type":     "Note",
		"content":  "hello world",
	}
	n1, err := p.Normalize(doc)
	require.NoError(t, err)
	n2, err := p.Normalize(doc)
	require.NoError(t, err)
	assert.Equal(t, n1, n2)
	assert.True(t, strings.Contains(n1, "example.social/notes/1"))
}

func TestCompactAgainstActivityStreamsContext(t *testing.T) {
	p := NewProcessor()
	doc := map[string]interface{}{
		"@context": "https://www.w3.org/ns/activitystreams",
		"@type":    "https://www.w3.org/ns/activitystreams#Note",
	}
	compacted, err := p.Compact(doc, "https://www.w3.org/ns/activitystreams")
	require.NoError(t, err)
	assert.Equal(t, "Note", compacted["type"])
}

func TestDocumentLoaderServesBuiltinContextWithoutNetwork(t *testing.T) {
	loader := NewDocumentLoader()
	doc, err := loader.LoadDocument("https://www.w3.org/ns/activitystreams")
	require.NoError(t, err)
	assert.NotNil(t, doc.Document)
}
