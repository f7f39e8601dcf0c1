package fanout

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klppl/fedcore/internal/models"
	"github.com/klppl/fedcore/internal/store"
)

func newTestRepos(t *testing.T) *models.Repos {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "fanout.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { s.Close() })
	return models.NewRepos(s)
}

func mustCreateRemote(t *testing.T, repos *models.Repos, handle string) *models.Identity {
	t.Helper()
	ident, err := repos.Identities.UpsertRemote(context.Background(), "https://remote.example/"+handle, models.RemoteIdentityFields{
		Username:       handle,
		InboxURI:       "https://remote.example/" + handle + "/inbox",
		SharedInboxURI: "https://remote.example/inbox",
	})
	require.NoError(t, err)
	return ident
}

func mustCreateLocal(t *testing.T, repos *models.Repos, handle string) *models.Identity {
	t.Helper()
	ident, err := repos.Identities.CreateLocal(context.Background(), handle, "local.example", "https://local.example")
	require.NoError(t, err)
	return ident
}

func mustCreatePost(t *testing.T, repos *models.Repos, author *models.Identity, visibility models.Visibility) *models.Post {
	t.Helper()
	post, err := repos.Posts.Create(context.Background(), &models.Post{
		AuthorID:   author.ID,
		ObjectURI:  author.ActorURI + "/posts/" + string(visibility),
		Local:      author.Local,
		Visibility: visibility,
		Content:    "hello",
		Type:       "Note",
	})
	require.NoError(t, err)
	return post
}

func TestComputeForPostPublicIncludesFollowers(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	author := mustCreateLocal(t, repos, "author")
	follower := mustCreateRemote(t, repos, "follower")

	f, err := repos.Follows.Create(ctx, follower.ID, author.ID, "https://remote.example/follows/1", "", false)
	require.NoError(t, err)
	require.NoError(t, repos.Follows.SetState(ctx, f.ID, "accepted"))

	post := mustCreatePost(t, repos, author, models.VisibilityPublic)

	recipients, err := ComputeForPost(ctx, repos, post)
	require.NoError(t, err)
	assert.Contains(t, recipients, follower.ID)
}

func TestComputeForPostFollowersOnlyExcludesNonFollower(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	author := mustCreateLocal(t, repos, "author")
	stranger := mustCreateRemote(t, repos, "stranger")
	post := mustCreatePost(t, repos, author, models.VisibilityFollowers)

	recipients, err := ComputeForPost(ctx, repos, post)
	require.NoError(t, err)
	assert.NotContains(t, recipients, stranger.ID)
}

func TestComputeForPostExcludesAuthor(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	author := mustCreateLocal(t, repos, "author")
	post := mustCreatePost(t, repos, author, models.VisibilityPublic)

	recipients, err := ComputeForPost(ctx, repos, post)
	require.NoError(t, err)
	assert.NotContains(t, recipients, author.ID)
}

func TestComputeForPostIncludesMentioned(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	author := mustCreateLocal(t, repos, "author")
	mentioned := mustCreateRemote(t, repos, "mentioned")
	post := mustCreatePost(t, repos, author, models.VisibilityFollowers)

	require.NoError(t, repos.Posts.AddMention(ctx, post.ID, mentioned.ID))

	recipients, err := ComputeForPost(ctx, repos, post)
	require.NoError(t, err)
	assert.Contains(t, recipients, mentioned.ID)
}

func TestComputeForPostExcludesBlockedRecipient(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	author := mustCreateLocal(t, repos, "author")
	blocked := mustCreateRemote(t, repos, "blocked")

	f, err := repos.Follows.Create(ctx, blocked.ID, author.ID, "https://remote.example/follows/2", "", false)
	require.NoError(t, err)
	require.NoError(t, repos.Follows.SetState(ctx, f.ID, "accepted"))
	_, err = repos.Blocks.Create(ctx, author.ID, blocked.ID, false, false, nil)
	require.NoError(t, err)

	post := mustCreatePost(t, repos, author, models.VisibilityPublic)

	recipients, err := ComputeForPost(ctx, repos, post)
	require.NoError(t, err)
	assert.NotContains(t, recipients, blocked.ID)
}

func TestComputeForPostDedupesSharedInbox(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	author := mustCreateLocal(t, repos, "author")
	followerA := mustCreateRemote(t, repos, "a")
	followerB := mustCreateRemote(t, repos, "b")

	for _, f := range []*models.Identity{followerA, followerB} {
		row, err := repos.Follows.Create(ctx, f.ID, author.ID, "https://remote.example/follows/"+f.Username, "", false)
		require.NoError(t, err)
		require.NoError(t, repos.Follows.SetState(ctx, row.ID, "accepted"))
	}

	post := mustCreatePost(t, repos, author, models.VisibilityPublic)

	recipients, err := ComputeForPost(ctx, repos, post)
	require.NoError(t, err)
	// followerA and followerB share an inbox, so only one survives dedup.
	assert.Len(t, recipients, 1)
}

func TestComputeForPostLocalOnlyExcludesRemoteFollower(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	author := mustCreateLocal(t, repos, "author")
	remoteFollower := mustCreateRemote(t, repos, "remote-follower")
	localFollower := mustCreateLocal(t, repos, "local-follower")

	for _, f := range []*models.Identity{remoteFollower, localFollower} {
		row, err := repos.Follows.Create(ctx, f.ID, author.ID, "https://example/follows/"+f.Username, "", false)
		require.NoError(t, err)
		require.NoError(t, repos.Follows.SetState(ctx, row.ID, "accepted"))
	}

	post := mustCreatePost(t, repos, author, models.VisibilityLocalOnly)

	recipients, err := ComputeForPost(ctx, repos, post)
	require.NoError(t, err)
	assert.Contains(t, recipients, localFollower.ID)
	assert.NotContains(t, recipients, remoteFollower.ID)
}

func TestComputeForPostIncludesReplyParentAuthor(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	author := mustCreateLocal(t, repos, "author")
	parentAuthor := mustCreateRemote(t, repos, "parent")
	parent := mustCreatePost(t, repos, parentAuthor, models.VisibilityPublic)

	reply, err := repos.Posts.Create(ctx, &models.Post{
		AuthorID:   author.ID,
		ObjectURI:  author.ActorURI + "/posts/reply",
		Local:      true,
		Visibility: models.VisibilityFollowers,
		Content:    "a reply",
		Type:       "Note",
		InReplyTo:  parent.ObjectURI,
	})
	require.NoError(t, err)

	recipients, err := ComputeForPost(ctx, repos, reply)
	require.NoError(t, err)
	assert.Contains(t, recipients, parentAuthor.ID)
}
