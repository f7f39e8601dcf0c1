package signatures

import (
	"bytes"
	"crypto/rsa"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klppl/fedcore/internal/apperr"
)

// verifyOverWire signs a real outbound request with kp and runs resolve
// against the request the server actually receives, so header casing and
// the Host pseudo-header come from net/http itself rather than a hand-built
// *http.Request.
func verifyOverWire(t *testing.T, kp *KeyPair, keyID string, resolve KeyResolver) (string, error) {
	t.Helper()
	var gotKeyID string
	var verifyErr error
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKeyID, verifyErr = Verify(r, resolve)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	body := []byte(`{"type":"Follow"}`)
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/inbox/", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Digest", "SHA-256="+sha256Base64(body))
	require.NoError(t, Sign(req, body, keyID, kp.Private))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	return gotKeyID, verifyErr
}

func TestVerifySucceedsWithMatchingKey(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	keyID, err := verifyOverWire(t, kp, "https://remote.example/@alice/#main-key", func(string) (*rsa.PublicKey, error) {
		return kp.Public, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "https://remote.example/@alice/#main-key", keyID)
}

func TestVerifyRejectsMismatchedKey(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	wrong, err := GenerateKeyPair()
	require.NoError(t, err)

	_, err = verifyOverWire(t, kp, "https://remote.example/@alice/#main-key", func(string) (*rsa.PublicKey, error) {
		return wrong.Public, nil
	})
	require.Error(t, err)
	var verr *apperr.VerificationError
	require.ErrorAs(t, err, &verr)
}

func TestVerifyPropagatesUnknownKeyUnwrapped(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	_, err = verifyOverWire(t, kp, "https://remote.example/@alice/#main-key", func(string) (*rsa.PublicKey, error) {
		return nil, ErrUnknownKey
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownKey))
}

func TestVerifyMissingDateIsFormatError(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "https://local.example/inbox/", bytes.NewReader([]byte("{}")))
	_, err := Verify(req, func(string) (*rsa.PublicKey, error) { return nil, ErrUnknownKey })
	require.Error(t, err)
	var ferr *apperr.VerificationFormatError
	require.ErrorAs(t, err, &ferr)
}
