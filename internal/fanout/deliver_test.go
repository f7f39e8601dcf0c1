package fanout

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klppl/fedcore/internal/httpclient"
)

func TestDeliverRejectsRemoteSender(t *testing.T) {
	repos := newTestRepos(t)
	remote := mustCreateRemote(t, repos, "noKey")

	d := New(httpclient.New(0, "test-agent", nil), repos)
	err := d.Deliver(context.Background(), remote.InboxURI, map[string]interface{}{"type": "Create"}, remote.ID)
	require.Error(t, err)
}

func TestDeliverRejectsUnknownSender(t *testing.T) {
	repos := newTestRepos(t)

	d := New(httpclient.New(0, "test-agent", nil), repos)
	err := d.Deliver(context.Background(), "https://remote.example/inbox", map[string]interface{}{"type": "Create"}, 999999)
	assert.Error(t, err)
}

func TestDeliverEmbedsLDSignature(t *testing.T) {
	repos := newTestRepos(t)
	sender := mustCreateLocal(t, repos, "author")

	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := New(httpclient.New(0, "test-agent", nil), repos)
	err := d.Deliver(context.Background(), srv.URL+"/inbox", map[string]interface{}{
		"type":   "Create",
		"actor":  sender.ActorURI,
		"object": map[string]interface{}{"type": "Note", "content": "hello"},
	}, sender.ID)
	require.NoError(t, err)

	sig, ok := gotBody["signature"].(map[string]interface{})
	require.True(t, ok, "delivered body carries a signature block")
	assert.Equal(t, "RsaSignature2017", sig["type"])
	assert.Equal(t, sender.PublicKeyID, sig["creator"])
	assert.NotEmpty(t, sig["signatureValue"])
}
