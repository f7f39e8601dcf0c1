package actor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLrddURLExpandsTemplate(t *testing.T) {
	doc := []byte(`<?xml version="1.0" encoding="UTF-8"?>
<XRD xmlns="http://docs.oasis-open.org/ns/xri/xrd-1.0">
  <Link rel="lrdd" type="application/xrd+xml" template="https://custom.example/describe?uri={uri}"/>
</XRD>`)

	url, ok := lrddURL(doc, "alice@custom.example")
	assert.True(t, ok)
	assert.Equal(t, "https://custom.example/describe?uri=acct:alice@custom.example", url)
}

func TestLrddURLFallsBackWithoutLrddLink(t *testing.T) {
	doc := []byte(`<?xml version="1.0" encoding="UTF-8"?>
<XRD xmlns="http://docs.oasis-open.org/ns/xri/xrd-1.0">
  <Link rel="author" template="https://custom.example/author"/>
</XRD>`)

	_, ok := lrddURL(doc, "alice@custom.example")
	assert.False(t, ok)
}

func TestLrddURLFallsBackOnMalformedXML(t *testing.T) {
	_, ok := lrddURL([]byte("not xml at all"), "alice@custom.example")
	assert.False(t, ok)
}
