package models

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klppl/fedcore/internal/store"
)

func newTestRepos(t *testing.T) *Repos {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "graphs.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { s.Close() })
	return NewRepos(s)
}

func noopDeliver(ctx context.Context, inboxURI string, activity map[string]interface{}, fromID int64) error {
	return nil
}

func noopDispatch(ctx context.Context, messageID int64) error { return nil }

func TestBindingsBuildsWithNilPostRecipients(t *testing.T) {
	repos := newTestRepos(t)
	bindings, err := Bindings(repos, noopDeliver, "local.example", noopDispatch, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, bindings)
}

func TestBindingsBuildsWithInjectedPostRecipients(t *testing.T) {
	repos := newTestRepos(t)
	called := false
	stub := func(ctx context.Context, repos *Repos, post *Post) ([]int64, error) {
		called = true
		return nil, nil
	}
	bindings, err := Bindings(repos, noopDeliver, "local.example", noopDispatch, stub)
	require.NoError(t, err)
	assert.NotEmpty(t, bindings)
	assert.False(t, called) // building bindings must not itself invoke the recipient computer
}

func TestRecipientsForPostFallbackIncludesFollowers(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	author, err := repos.Identities.CreateLocal(ctx, "author", "local.example", "https://local.example")
	require.NoError(t, err)
	follower, err := repos.Identities.UpsertRemote(ctx, "https://remote.example/follower", RemoteIdentityFields{
		Username: "follower", InboxURI: "https://remote.example/follower/inbox",
	})
	require.NoError(t, err)

	f, err := repos.Follows.Create(ctx, follower.ID, author.ID, "https://remote.example/follows/1", "", false)
	require.NoError(t, err)
	require.NoError(t, repos.Follows.SetState(ctx, f.ID, "accepted"))

	post, err := repos.Posts.Create(ctx, &Post{
		AuthorID: author.ID, ObjectURI: author.ActorURI + "posts/1", Local: true,
		Visibility: VisibilityPublic, Content: "hi", Type: "Note",
	})
	require.NoError(t, err)

	recipients, err := recipientsForPost(ctx, repos, post)
	require.NoError(t, err)
	assert.Contains(t, recipients, follower.ID)
}
