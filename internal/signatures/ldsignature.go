package signatures

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/klppl/fedcore/internal/ld"
)

// LDSignature is the detached RsaSignature2017 block attached to (or
// stripped from, once verified) an outgoing/incoming ActivityPub object.
type LDSignature struct {
	Type           string `json:"type"`
	Creator        string `json:"creator"`
	Created        string `json:"created"`
	SignatureValue string `json:"signatureValue"`
}

// SignLD computes a detached RsaSignature2017 over doc (without its
// "signature" member) and returns the signature block to attach. Some
// older or stricter relays in the fediverse still require this alongside
// HTTP Signatures, even though the latter covers the same request body.
func SignLD(proc *ld.Processor, doc map[string]interface{}, creator string, priv *rsa.PrivateKey) (*LDSignature, error) {
	created := time.Now().UTC().Format(time.RFC3339)

	optionsHash, err := hashDocument(proc, map[string]interface{}{
		"@context": securityContext,
		"creator":  creator,
		"created":  created,
	})
	if err != nil {
		return nil, fmt.Errorf("hash signature options: %w", err)
	}
	docHash, err := hashDocument(proc, doc)
	if err != nil {
		return nil, fmt.Errorf("hash document: %w", err)
	}

	digest := sha256.Sum256([]byte(optionsHash + docHash))
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("sign digest: %w", err)
	}

	return &LDSignature{
		Type:           "RsaSignature2017",
		Creator:        creator,
		Created:        created,
		SignatureValue: base64.StdEncoding.EncodeToString(sig),
	}, nil
}

// VerifyLD verifies a detached RsaSignature2017 block against doc (with
// "signature" already removed by the caller) using the signer's public key.
func VerifyLD(proc *ld.Processor, doc map[string]interface{}, sig *LDSignature, pub *rsa.PublicKey) error {
	optionsHash, err := hashDocument(proc, map[string]interface{}{
		"@context": securityContext,
		"creator":  sig.Creator,
		"created":  sig.Created,
	})
	if err != nil {
		return fmt.Errorf("hash signature options: %w", err)
	}
	docHash, err := hashDocument(proc, doc)
	if err != nil {
		return fmt.Errorf("hash document: %w", err)
	}

	digest := sha256.Sum256([]byte(optionsHash + docHash))
	raw, err := base64.StdEncoding.DecodeString(sig.SignatureValue)
	if err != nil {
		return fmt.Errorf("decode signatureValue: %w", err)
	}
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], raw); err != nil {
		return fmt.Errorf("verify signature: %w", err)
	}
	return nil
}

const securityContext = "https://w3id.org/security/v1"

func hashDocument(proc *ld.Processor, doc map[string]interface{}) (string, error) {
	nquads, err := proc.Normalize(doc)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(nquads))
	return fmt.Sprintf("%x", sum), nil
}
