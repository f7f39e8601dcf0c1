// Package signatures implements HTTP Signatures (draft-cavage, RSA-SHA256)
// for outbound delivery and inbound verification, plus the RSA key handling
// every identity needs to participate in federation.
package signatures

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/klppl/fedcore/internal/apperr"
)

// maxDateSkew is the maximum allowed difference between a signed request's
// Date header and the server's current time, guarding against replay of a
// captured signature.
const maxDateSkew = 5 * time.Minute

// ErrMissingDate and ErrDateSkew describe why Verify rejected a request
// before any cryptographic work happened; Verify wraps them in an
// *apperr.VerificationFormatError rather than returning them bare, so a
// stale replayed request is rejected cheaply and with a 400, not a 401.
var (
	ErrMissingDate = errors.New("missing Date header")
	ErrDateSkew    = errors.New("date header outside allowed skew")
)

// ErrUnknownKey is returned by a KeyResolver when the signing actor has no
// locally cached key yet. Verify propagates it unwrapped so callers can
// treat first contact from a not-yet-resolved actor as "accept unsigned for
// now" rather than a verification failure — the handler fetches the actor.
var ErrUnknownKey = errors.New("signing key not known locally")

// KeyResolver looks up the PEM-encoded public key identified by a keyId URL
// (typically "https://origin/users/alice#main-key") from locally cached
// state. Returns ErrUnknownKey if the owning actor isn't cached yet.
type KeyResolver func(keyID string) (*rsa.PublicKey, error)

// Sign attaches a Signature header (and Digest, Date, Host if absent) to an
// outbound request using the given key, mirroring the reference
// implementation's (request-target) + host + date + digest header set.
func Sign(req *http.Request, body []byte, keyID string, priv *rsa.PrivateKey) error {
	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	if req.Header.Get("Host") == "" {
		req.Header.Set("Host", req.URL.Host)
	}

	// GET requests carry no body to digest; signing "digest" for them would
	// either sign a meaningless empty-body hash or break servers that
	// reject a Digest header on a bodyless request, so the header set
	// drops it for anything that isn't a POST.
	if req.Method == http.MethodGet {
		signer, _, err := newSignerNoDigest()
		if err != nil {
			return fmt.Errorf("create signer: %w", err)
		}
		if err := signer.SignRequest(priv, keyID, req, nil); err != nil {
			return fmt.Errorf("sign request: %w", err)
		}
		return nil
	}

	signer, _, err := newSigner()
	if err != nil {
		return fmt.Errorf("create signer: %w", err)
	}
	signBody := body
	if req.Header.Get("Digest") != "" {
		// An existing Digest header is signed as it stands; handing the
		// body to the signer as well would make it add a second one.
		signBody = nil
	}
	if err := signer.SignRequest(priv, keyID, req, signBody); err != nil {
		return fmt.Errorf("sign request: %w", err)
	}
	return nil
}

// Verify checks an inbound request's HTTP Signature, resolving the signing
// key through resolve. Returns the keyId on success.
//
// Errors fall into three buckets the caller distinguishes with errors.As/Is:
// a malformed Date header or Signature header is an *apperr.
// VerificationFormatError (400); a syntactically valid signature that
// doesn't verify is an *apperr.VerificationError (401); resolve returning
// ErrUnknownKey propagates unwrapped, since an unresolvable first-contact
// actor is not a verification failure at all.
func Verify(req *http.Request, resolve KeyResolver) (string, error) {
	dateStr := req.Header.Get("Date")
	if dateStr == "" {
		return "", apperr.NewVerificationFormatError(ErrMissingDate.Error())
	}
	reqTime, err := http.ParseTime(dateStr)
	if err != nil {
		return "", apperr.NewVerificationFormatError("invalid Date header %q: %v", dateStr, err)
	}
	if skew := time.Since(reqTime); skew > maxDateSkew || skew < -maxDateSkew {
		return "", apperr.NewVerificationFormatError("%s: %v (allowed ±%v)", ErrDateSkew, skew.Round(time.Second), maxDateSkew)
	}

	verifier, err := newVerifier(req)
	if err != nil {
		return "", apperr.NewVerificationFormatError("parse signature header: %v", err)
	}

	keyID := verifier.KeyID()
	pub, err := resolve(keyID)
	if err != nil {
		if errors.Is(err, ErrUnknownKey) {
			return keyID, ErrUnknownKey
		}
		return keyID, apperr.NewVerificationError("resolve key %s: %v", keyID, err)
	}

	if err := verifier.Verify(pub); err != nil {
		return "", apperr.NewVerificationError("signature mismatch for key %s: %v", keyID, err)
	}
	return keyID, nil
}

// VerifyDigest checks that a Digest request header matches the SHA-256 hash
// of body. An absent header is accepted — digest is optional in the draft —
// but a present, mismatching one is rejected.
func VerifyDigest(body []byte, digestHeader string) error {
	if digestHeader == "" {
		return nil
	}
	const prefix = "SHA-256="
	if !strings.HasPrefix(digestHeader, prefix) {
		return nil
	}
	got := sha256Base64(body)
	want := digestHeader[len(prefix):]
	if got != want {
		return fmt.Errorf("digest mismatch: body sha-256=%s, header claims %s", got, want)
	}
	return nil
}

// KeyIDOwner extracts the actor URL a keyId belongs to, stripping the
// fragment ("https://host/users/alice#main-key" -> "https://host/users/alice").
func KeyIDOwner(keyID string) string {
	return strings.SplitN(keyID, "#", 2)[0]
}
