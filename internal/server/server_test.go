package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klppl/fedcore/internal/activitystreams"
	"github.com/klppl/fedcore/internal/config"
	"github.com/klppl/fedcore/internal/inbox"
	"github.com/klppl/fedcore/internal/models"
	"github.com/klppl/fedcore/internal/store"
)

func newTestServer(t *testing.T) (*Server, *models.Repos) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { s.Close() })

	repos := models.NewRepos(s)
	cfg := &config.Config{LocalDomain: "https://local.example"}
	receiver := &inbox.Receiver{Domains: repos.Domains, Blocks: repos.Blocks, Inbox: repos.Inbox}
	return New(cfg, repos, receiver), repos
}

func TestHandleActorReturnsActorDocument(t *testing.T) {
	srv, repos := newTestServer(t)
	_, err := repos.Identities.CreateLocal(context.Background(), "alice", "local.example", "https://local.example")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/@alice/", nil)
	req.Header.Set("Accept", activityJSONType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "https://local.example/@alice/", doc["id"])
	assert.NotEmpty(t, doc["@context"])
}

func TestHandleActorUnknownHandleNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/@nobody/", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleActorRejectsNonActivityAccept(t *testing.T) {
	srv, repos := newTestServer(t)
	_, err := repos.Identities.CreateLocal(context.Background(), "alice", "local.example", "https://local.example")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/@alice/", nil)
	req.Header.Set("Accept", "text/plain")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotAcceptable, rec.Code)
}

func TestHandleOutboxListsPublicPosts(t *testing.T) {
	srv, repos := newTestServer(t)
	ctx := context.Background()
	ident, err := repos.Identities.CreateLocal(ctx, "alice", "local.example", "https://local.example")
	require.NoError(t, err)
	_, err = repos.Posts.Create(ctx, &models.Post{
		AuthorID:   ident.ID,
		ObjectURI:  ident.ActorURI + "posts/1",
		Local:      true,
		Visibility: models.VisibilityPublic,
		Content:    "hello world",
		Type:       "Note",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/@alice/outbox/", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var col activitystreams.OrderedCollection
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &col))
	assert.Equal(t, 1, col.TotalItems)
}

func TestHandleFeaturedReturnsEmptyCollection(t *testing.T) {
	srv, repos := newTestServer(t)
	_, err := repos.Identities.CreateLocal(context.Background(), "alice", "local.example", "https://local.example")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/@alice/collections/featured/", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var col activitystreams.OrderedCollection
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &col))
	assert.Equal(t, 0, col.TotalItems)
}

func TestHandleWebFingerResolvesLocalActor(t *testing.T) {
	srv, repos := newTestServer(t)
	_, err := repos.Identities.CreateLocal(context.Background(), "alice", "local.example", "https://local.example")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/webfinger?resource=acct:alice@local.example", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp activitystreams.WebFingerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "acct:alice@local.example", resp.Subject)
	require.Len(t, resp.Links, 1)
	assert.Equal(t, "https://local.example/@alice/", resp.Links[0].Href)
}

func TestHandleWebFingerUnknownUserNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/.well-known/webfinger?resource=acct:nobody@local.example", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleWebFingerMissingResourceIsBadRequest(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/.well-known/webfinger", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleNodeInfoDiscoveryLinksToSchema(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/.well-known/nodeinfo", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/nodeinfo/2.0/")
}

func TestHandleNodeInfoSchemaServesVersion(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/nodeinfo/2.0", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var info activitystreams.NodeInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "2.0", info.Version)
	assert.Equal(t, softwareName, info.Software.Name)
}

func TestHandleSystemActorServesActorDocument(t *testing.T) {
	srv, repos := newTestServer(t)
	_, err := repos.Identities.CreateSystemActor(context.Background(), "https://local.example")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/actor/", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "https://local.example/actor/", doc["id"])
}
