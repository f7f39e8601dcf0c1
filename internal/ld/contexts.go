package ld

import (
	"io"
	"strings"
)

func newStringReader(s string) io.Reader { return strings.NewReader(s) }

// activityStreamsContext is a trimmed copy of the canonical AS2 context plus
// the Mastodon/toot extensions every federated object we receive also
// references inline. Core AS2 terms resolve through @vocab and the id/type
// keyword aliases rather than one entry each; it is not a complete mirror
// of the w3.org document.
const activityStreamsContext = `{
  "@context": {
    "@vocab": "https://www.w3.org/ns/activitystreams#",
    "id": "@id",
    "type": "@type",
    "as": "https://www.w3.org/ns/activitystreams#",
    "ostatus": "http://ostatus.org#",
    "schema": "http://schema.org#",
    "toot": "http://joinmastodon.org/ns#",
    "Hashtag": "as:Hashtag",
    "PropertyValue": "schema:PropertyValue",
    "value": "schema:value",
    "sensitive": "as:sensitive",
    "quoteUrl": "as:quoteUrl",
    "manuallyApprovesFollowers": "as:manuallyApprovesFollowers",
    "discoverable": "toot:discoverable",
    "featured": {"@id": "toot:featured", "@type": "@id"},
    "featuredTags": {"@id": "toot:featuredTags", "@type": "@id"},
    "alsoKnownAs": {"@id": "as:alsoKnownAs", "@type": "@id"},
    "movedTo": {"@id": "as:movedTo", "@type": "@id"},
    "EmojiReact": "toot:EmojiReact",
    "Emoji": "toot:Emoji",
    "focalPoint": {"@container": "@list", "@id": "toot:focalPoint"}
  }
}`

// securityV1Context mirrors the w3id.org/security/v1 context used for
// publicKey, owner, and the RsaSignature2017 signature suite terms.
const securityV1Context = `{
  "@context": {
    "id": "@id",
    "type": "@type",
    "dc": "http://purl.org/dc/terms/",
    "sec": "https://w3id.org/security#",
    "xsd": "http://www.w3.org/2001/XMLSchema#",
    "publicKey": {"@id": "sec:publicKey", "@type": "@id"},
    "publicKeyPem": "sec:publicKeyPem",
    "owner": {"@id": "sec:owner", "@type": "@id"},
    "Key": "sec:Key",
    "signature": "sec:signature",
    "SignatureValue": "sec:signatureValue",
    "RsaSignature2017": "sec:RsaSignature2017",
    "creator": {"@id": "dc:creator", "@type": "@id"},
    "created": {"@id": "dc:created", "@type": "xsd:dateTime"}
  }
}`
