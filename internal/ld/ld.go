// Package ld provides JSON-LD expansion, compaction, and URDNA2015
// normalisation for ActivityPub documents, backed by a document loader that
// serves the handful of contexts every federated object references from an
// in-memory cache rather than refetching them from the network on every
// inbound activity.
package ld

import (
	"fmt"
	"sync"

	jsonld "github.com/piprate/json-gold/ld"
)

// builtinContexts mirrors the @context documents federated servers
// reference constantly: the core ActivityStreams vocabulary, the security
// vocabulary used for signatures and public keys, and the Mastodon
// extensions (toot:, Hashtag, EmojiReact, PropertyValue, ...). Shipping them
// inline means canonicalisation never blocks on an outbound fetch.
var builtinContexts = map[string]string{
	"https://www.w3.org/ns/activitystreams": activityStreamsContext,
	"https://w3id.org/security/v1":          securityV1Context,
	"https://w3id.org/identity/v1":          securityV1Context,
}

// cachingLoader wraps json-gold's default document loader, serving built-in
// contexts from memory and falling back to an HTTP fetch (cached
// indefinitely for the process lifetime) for anything else a remote server
// references.
type cachingLoader struct {
	mu       sync.RWMutex
	cache    map[string]*jsonld.RemoteDocument
	fallback jsonld.DocumentLoader
}

// NewDocumentLoader returns a DocumentLoader pre-seeded with the built-in
// contexts this server produces documents against.
func NewDocumentLoader() jsonld.DocumentLoader {
	l := &cachingLoader{
		cache:    make(map[string]*jsonld.RemoteDocument),
		fallback: jsonld.NewDefaultDocumentLoader(nil),
	}
	for url, body := range builtinContexts {
		doc, err := jsonld.DocumentFromReader(newStringReader(body))
		if err != nil {
			// A broken built-in context is a programming error, not a
			// runtime condition; surface it immediately rather than
			// silently falling back to network fetches for a URL that
			// will never resolve the way we expect.
			panic(fmt.Sprintf("ld: invalid built-in context %s: %v", url, err))
		}
		l.cache[url] = &jsonld.RemoteDocument{DocumentURL: url, Document: doc}
	}
	return l
}

func (l *cachingLoader) LoadDocument(u string) (*jsonld.RemoteDocument, error) {
	l.mu.RLock()
	doc, ok := l.cache[u]
	l.mu.RUnlock()
	if ok {
		return doc, nil
	}

	doc, err := l.fallback.LoadDocument(u)
	if err != nil {
		return nil, fmt.Errorf("load context %s: %w", u, err)
	}

	l.mu.Lock()
	l.cache[u] = doc
	l.mu.Unlock()
	return doc, nil
}

// Processor wraps a json-gold processor and options bound to our document
// loader, reused across every expand/compact/normalise call.
type Processor struct {
	proc    *jsonld.JsonLdProcessor
	options *jsonld.JsonLdOptions
}

// NewProcessor constructs a Processor backed by the built-in context cache.
func NewProcessor() *Processor {
	opts := jsonld.NewJsonLdOptions("")
	opts.DocumentLoader = NewDocumentLoader()
	return &Processor{proc: jsonld.NewJsonLdProcessor(), options: opts}
}

// Expand expands a JSON-LD document, resolving all compact terms from its
// @context to full IRIs. Used before normalisation, since URDNA2015 operates
// on expanded (or N-Quads) form.
func (p *Processor) Expand(doc map[string]interface{}) ([]interface{}, error) {
	expanded, err := p.proc.Expand(doc, p.options)
	if err != nil {
		return nil, fmt.Errorf("expand: %w", err)
	}
	return expanded, nil
}

// Normalize produces the URDNA2015 canonical N-Quads serialisation of doc,
// the byte string that JSON-LD Signatures (RsaSignature2017) sign.
func (p *Processor) Normalize(doc map[string]interface{}) (string, error) {
	opts := jsonld.NewJsonLdOptions("")
	opts.DocumentLoader = p.options.DocumentLoader
	opts.Format = "application/n-quads"
	opts.Algorithm = "URDNA2015"

	normalized, err := p.proc.Normalize(doc, opts)
	if err != nil {
		return "", fmt.Errorf("normalize: %w", err)
	}
	s, ok := normalized.(string)
	if !ok {
		return "", fmt.Errorf("normalize: unexpected result type %T", normalized)
	}
	return s, nil
}

// Compact compacts doc against the given context, the inverse of Expand and
// how outbound objects get their terse, human-legible form before
// serialisation.
func (p *Processor) Compact(doc map[string]interface{}, context interface{}) (map[string]interface{}, error) {
	compacted, err := p.proc.Compact(doc, context, p.options)
	if err != nil {
		return nil, fmt.Errorf("compact: %w", err)
	}
	return compacted, nil
}
