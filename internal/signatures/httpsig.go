package signatures

import (
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"net/http"

	"github.com/go-fed/httpsig"
)

func newSigner() (httpsig.Signer, string, error) {
	return httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		[]string{httpsig.RequestTarget, "host", "date", "digest"},
		httpsig.Signature,
		0,
	)
}

func newSignerNoDigest() (httpsig.Signer, string, error) {
	return httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		[]string{httpsig.RequestTarget, "host", "date"},
		httpsig.Signature,
		0,
	)
}

// verifier adapts go-fed/httpsig's Verifier to the small interface Verify
// needs, fixing its algorithm to RSA-SHA256 — the only one this server signs
// with or accepts from peers.
type verifier struct {
	v httpsig.Verifier
}

func newVerifier(r *http.Request) (*verifier, error) {
	v, err := httpsig.NewVerifier(r)
	if err != nil {
		return nil, err
	}
	return &verifier{v: v}, nil
}

func (vf *verifier) KeyID() string { return vf.v.KeyId() }

func (vf *verifier) Verify(pub *rsa.PublicKey) error {
	return vf.v.Verify(pub, httpsig.RSA_SHA256)
}

func sha256Base64(body []byte) string {
	sum := sha256.Sum256(body)
	return base64.StdEncoding.EncodeToString(sum[:])
}
