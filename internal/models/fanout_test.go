package models

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFanOutCreateIsIdempotentOnNaturalKey(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	author, err := repos.Identities.CreateLocal(ctx, "author", "local.example", "https://local.example")
	require.NoError(t, err)
	post, err := repos.Posts.Create(ctx, &Post{
		AuthorID: author.ID, ObjectURI: author.ActorURI + "posts/1", Local: true,
		Visibility: VisibilityPublic, Content: "hi", Type: "Note",
	})
	require.NoError(t, err)

	first, err := repos.FanOuts.Create(ctx, author.ID, FanOutPost, &post.ID, nil, nil)
	require.NoError(t, err)

	second, err := repos.FanOuts.Create(ctx, author.ID, FanOutPost, &post.ID, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "replaying the same fan-out enqueue must not create a duplicate row")

	var count int
	row := repos.Store.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM fan_outs WHERE identity_id = ? AND subject_post_id = ?`, author.ID, post.ID)
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 1, count)
}

func TestFanOutCreateDistinguishesDifferentRecipients(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	author, err := repos.Identities.CreateLocal(ctx, "author", "local.example", "https://local.example")
	require.NoError(t, err)
	other, err := repos.Identities.CreateLocal(ctx, "other", "local.example", "https://local.example")
	require.NoError(t, err)
	post, err := repos.Posts.Create(ctx, &Post{
		AuthorID: author.ID, ObjectURI: author.ActorURI + "posts/1", Local: true,
		Visibility: VisibilityPublic, Content: "hi", Type: "Note",
	})
	require.NoError(t, err)

	a, err := repos.FanOuts.Create(ctx, author.ID, FanOutPost, &post.ID, nil, nil)
	require.NoError(t, err)
	b, err := repos.FanOuts.Create(ctx, other.ID, FanOutPost, &post.ID, nil, nil)
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
}
