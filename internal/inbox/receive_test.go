package inbox

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klppl/fedcore/internal/models"
	"github.com/klppl/fedcore/internal/signatures"
)

func sha256SumBase64(body []byte) string {
	sum := sha256.Sum256(body)
	return base64.StdEncoding.EncodeToString(sum[:])
}

func newTestReceiver(t *testing.T, repos *models.Repos) *Receiver {
	t.Helper()
	return &Receiver{
		Identities: repos.Identities,
		Domains:    repos.Domains,
		Blocks:     repos.Blocks,
		Inbox:      repos.Inbox,
	}
}

func postActivity(t *testing.T, rv *Receiver, body []byte, sign func(req *http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	srv := httptest.NewServer(rv)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/inbox/", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Digest", "SHA-256="+sha256SumBase64(body))
	if sign != nil {
		sign(req)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	rec := httptest.NewRecorder()
	rec.Code = resp.StatusCode
	return rec
}

func TestServeHTTPAcceptsUnsignedFromUnknownActor(t *testing.T) {
	repos := newTestRepos(t)
	rv := newTestReceiver(t, repos)
	kp, err := signatures.GenerateKeyPair()
	require.NoError(t, err)

	// The request carries a well-formed signature — real remote servers do
	// sign first contact — but the signing actor has no cached Identity
	// row yet, so its key is "unknown" and the spec's accept-unsigned-for-
	// now rule applies rather than attempting (and failing) to verify it.
	body := []byte(`{"type":"Follow","actor":"https://remote.example/@stranger","object":"https://local.example/@bob/"}`)
	rec := postActivity(t, rv, body, func(req *http.Request) {
		require.NoError(t, signatures.Sign(req, body, "https://remote.example/@stranger#main-key", kp.Private))
	})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	var count int
	var sender string
	require.NoError(t, repos.Inbox.Store.DB.QueryRow(`SELECT COUNT(*), MAX(sender) FROM inbox_messages`).Scan(&count, &sender))
	assert.Equal(t, 1, count)
	assert.Equal(t, "https://remote.example/@stranger", sender)
}

func TestServeHTTPAcceptsValidSignatureFromKnownActor(t *testing.T) {
	repos := newTestRepos(t)
	rv := newTestReceiver(t, repos)
	kp, err := signatures.GenerateKeyPair()
	require.NoError(t, err)

	_, err = repos.Identities.UpsertRemote(context.Background(), "https://remote.example/@alice", models.RemoteIdentityFields{
		Username: "alice", InboxURI: "https://remote.example/@alice/inbox",
		PublicKeyPEM: kp.PublicPEM, PublicKeyID: "https://remote.example/@alice#main-key",
	})
	require.NoError(t, err)

	body := []byte(`{"type":"Follow","actor":"https://remote.example/@alice","object":"https://local.example/@bob/"}`)
	rec := postActivity(t, rv, body, func(req *http.Request) {
		require.NoError(t, signatures.Sign(req, body, "https://remote.example/@alice#main-key", kp.Private))
	})
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestServeHTTPRejectsMismatchedSignatureFromKnownActor(t *testing.T) {
	repos := newTestRepos(t)
	rv := newTestReceiver(t, repos)
	kp, err := signatures.GenerateKeyPair()
	require.NoError(t, err)
	wrong, err := signatures.GenerateKeyPair()
	require.NoError(t, err)

	_, err = repos.Identities.UpsertRemote(context.Background(), "https://remote.example/@alice", models.RemoteIdentityFields{
		Username: "alice", InboxURI: "https://remote.example/@alice/inbox",
		PublicKeyPEM: kp.PublicPEM, PublicKeyID: "https://remote.example/@alice#main-key",
	})
	require.NoError(t, err)

	body := []byte(`{"type":"Follow","actor":"https://remote.example/@alice","object":"https://local.example/@bob/"}`)
	rec := postActivity(t, rv, body, func(req *http.Request) {
		require.NoError(t, signatures.Sign(req, body, "https://remote.example/@alice#main-key", wrong.Private))
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServeHTTPRejectsMissingDateHeaderAs400(t *testing.T) {
	repos := newTestRepos(t)
	rv := newTestReceiver(t, repos)

	body := []byte(`{"type":"Follow","actor":"https://remote.example/@alice","object":"https://local.example/@bob/"}`)
	rec := postActivity(t, rv, body, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
