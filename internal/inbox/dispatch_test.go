package inbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klppl/fedcore/internal/activitystreams"
	"github.com/klppl/fedcore/internal/apperr"
	"github.com/klppl/fedcore/internal/models"
	"github.com/klppl/fedcore/internal/store"
)

func newTestRepos(t *testing.T) *models.Repos {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "dispatch.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	t.Cleanup(func() { s.Close() })
	return models.NewRepos(s)
}

func mustCreateLocal(t *testing.T, repos *models.Repos, handle string) *models.Identity {
	t.Helper()
	ident, err := repos.Identities.CreateLocal(context.Background(), handle, "local.example", "https://local.example")
	require.NoError(t, err)
	return ident
}

func mustCreateRemote(t *testing.T, repos *models.Repos, handle string) *models.Identity {
	t.Helper()
	ident, err := repos.Identities.UpsertRemote(context.Background(), "https://remote.example/"+handle, models.RemoteIdentityFields{
		Username: handle,
		InboxURI: "https://remote.example/" + handle + "/inbox",
	})
	require.NoError(t, err)
	return ident
}

func dispatchMessage(t *testing.T, repos *models.Repos, activity interface{}) (*Dispatcher, int64) {
	t.Helper()
	body, err := json.Marshal(activity)
	require.NoError(t, err)
	msg, err := repos.Inbox.Create(context.Background(), string(body), "https://remote.example/sender")
	require.NoError(t, err)
	return NewDispatcher(repos, nil, "local.example"), msg.ID
}

func TestDispatchFollowCreatesPendingFollow(t *testing.T) {
	repos := newTestRepos(t)
	target := mustCreateLocal(t, repos, "target")
	source := mustCreateRemote(t, repos, "source")

	d, msgID := dispatchMessage(t, repos, map[string]interface{}{
		"id":     "https://remote.example/follows/1",
		"type":   "Follow",
		"actor":  source.ActorURI,
		"object": target.ActorURI,
	})

	require.NoError(t, d.Dispatch(context.Background(), msgID))

	f, err := repos.Follows.GetBySourceTarget(context.Background(), source.ID, target.ID)
	require.NoError(t, err)
	assert.Equal(t, "unrequested", f.State)
}

func TestDispatchFollowIgnoresUnknownTarget(t *testing.T) {
	repos := newTestRepos(t)
	source := mustCreateRemote(t, repos, "source")

	d, msgID := dispatchMessage(t, repos, map[string]interface{}{
		"id":     "https://remote.example/follows/2",
		"type":   "Follow",
		"actor":  source.ActorURI,
		"object": "https://local.example/@nobody/",
	})

	assert.NoError(t, d.Dispatch(context.Background(), msgID))
}

func TestDispatchAcceptMovesFollowToAccepted(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()
	target := mustCreateRemote(t, repos, "target")
	source := mustCreateLocal(t, repos, "source")

	f, err := repos.Follows.Create(ctx, source.ID, target.ID, "https://local.example/follows/1", "", false)
	require.NoError(t, err)

	d, msgID := dispatchMessage(t, repos, map[string]interface{}{
		"id":     "https://remote.example/accepts/1",
		"type":   "Accept",
		"actor":  target.ActorURI,
		"object": map[string]interface{}{"type": "Follow", "id": f.URI},
	})

	require.NoError(t, d.Dispatch(ctx, msgID))

	reloaded, err := repos.Follows.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, "accepted", reloaded.State)
}

func TestDispatchUndoFollowMarksUndoneRemotely(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()
	target := mustCreateLocal(t, repos, "target")
	source := mustCreateRemote(t, repos, "source")

	f, err := repos.Follows.Create(ctx, source.ID, target.ID, "https://remote.example/follows/3", "", false)
	require.NoError(t, err)
	require.NoError(t, repos.Follows.SetState(ctx, f.ID, "accepted"))

	d, msgID := dispatchMessage(t, repos, map[string]interface{}{
		"id":     "https://remote.example/undos/1",
		"type":   "Undo",
		"actor":  source.ActorURI,
		"object": map[string]interface{}{"type": "Follow", "id": f.URI},
	})

	require.NoError(t, d.Dispatch(ctx, msgID))

	reloaded, err := repos.Follows.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, "undone_remotely", reloaded.State)
}

func TestDispatchCreatePersistsPost(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()
	author := mustCreateRemote(t, repos, "author")

	d, msgID := dispatchMessage(t, repos, map[string]interface{}{
		"id":    "https://remote.example/creates/1",
		"type":  "Create",
		"actor": author.ActorURI,
		"object": map[string]interface{}{
			"id":           "https://remote.example/posts/1",
			"type":         "Note",
			"attributedTo": author.ActorURI,
			"content":      "<p>hello</p>",
			"to":           []string{activitystreams.PublicURI},
		},
	})

	require.NoError(t, d.Dispatch(ctx, msgID))

	post, err := repos.Posts.GetByObjectURI(ctx, "https://remote.example/posts/1")
	require.NoError(t, err)
	assert.Equal(t, author.ID, post.AuthorID)
	assert.Equal(t, models.VisibilityPublic, post.Visibility)
}

func TestDispatchCreateIgnoresDuplicate(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()
	author := mustCreateRemote(t, repos, "author")

	activity := map[string]interface{}{
		"id":    "https://remote.example/creates/2",
		"type":  "Create",
		"actor": author.ActorURI,
		"object": map[string]interface{}{
			"id":           "https://remote.example/posts/2",
			"type":         "Note",
			"attributedTo": author.ActorURI,
			"content":      "hi",
			"to":           []string{activitystreams.PublicURI},
		},
	}

	d, first := dispatchMessage(t, repos, activity)
	require.NoError(t, d.Dispatch(ctx, first))

	_, second := dispatchMessage(t, repos, activity)
	require.NoError(t, d.Dispatch(ctx, second))

	posts, err := repos.Posts.ListPublicByAuthor(ctx, author.ID, 10)
	require.NoError(t, err)
	assert.Len(t, posts, 1)
}

func TestDispatchCreateQuestionStoresPollOptions(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()
	author := mustCreateRemote(t, repos, "author")

	d, msgID := dispatchMessage(t, repos, map[string]interface{}{
		"id":    "https://remote.example/creates/poll",
		"type":  "Create",
		"actor": author.ActorURI,
		"object": map[string]interface{}{
			"id":           "https://remote.example/posts/poll",
			"type":         "Question",
			"attributedTo": author.ActorURI,
			"content":      "tabs or spaces?",
			"to":           []string{activitystreams.PublicURI},
			"oneOf": []map[string]interface{}{
				{"type": "Note", "name": "tabs"},
				{"type": "Note", "name": "spaces"},
			},
			"endTime": "2099-01-01T00:00:00Z",
		},
	})

	require.NoError(t, d.Dispatch(ctx, msgID))

	post, err := repos.Posts.GetByObjectURI(ctx, "https://remote.example/posts/poll")
	require.NoError(t, err)
	poll, err := models.DecodePollData(post.TypeData)
	require.NoError(t, err)
	require.Len(t, poll.Options, 2)
	assert.Equal(t, "tabs", poll.Options[0].Name)
	assert.Equal(t, "2099-01-01T00:00:00Z", poll.EndTime)
}

func TestDispatchCreateVoteIncrementsPollOption(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()
	author := mustCreateRemote(t, repos, "author")
	voter := mustCreateRemote(t, repos, "voter")

	typeData, err := models.EncodePollData([]string{"tabs", "spaces"}, "2099-01-01T00:00:00Z")
	require.NoError(t, err)
	poll, err := repos.Posts.Create(ctx, &models.Post{
		AuthorID:  author.ID,
		ObjectURI: "https://remote.example/posts/poll-open",
		Type:      "question",
		TypeData:  typeData,
	})
	require.NoError(t, err)

	d, msgID := dispatchMessage(t, repos, map[string]interface{}{
		"id":    "https://remote.example/creates/vote",
		"type":  "Create",
		"actor": voter.ActorURI,
		"object": map[string]interface{}{
			"id":           "https://remote.example/votes/1",
			"type":         "Note",
			"attributedTo": voter.ActorURI,
			"name":         "tabs",
			"inReplyTo":    poll.ObjectURI,
		},
	})

	require.NoError(t, d.Dispatch(ctx, msgID))

	_, err = repos.Posts.GetByObjectURI(ctx, "https://remote.example/votes/1")
	assert.ErrorIs(t, err, sql.ErrNoRows, "a vote is recorded as an interaction, never as its own Post")

	updated, err := repos.Posts.Get(ctx, poll.ID)
	require.NoError(t, err)
	tallied, err := models.DecodePollData(updated.TypeData)
	require.NoError(t, err)
	assert.Equal(t, 1, tallied.Options[0].Votes)

	interaction, err := repos.Interactions.GetByObjectURI(ctx, "https://remote.example/votes/1")
	require.NoError(t, err)
	assert.Equal(t, models.InteractionVote, interaction.Type)
	assert.Equal(t, "tabs", interaction.Value)
}

func TestDispatchCreateVoteOnExpiredPollIsRejected(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()
	author := mustCreateRemote(t, repos, "author")
	voter := mustCreateRemote(t, repos, "voter")

	typeData, err := models.EncodePollData([]string{"tabs", "spaces"}, "2000-01-01T00:00:00Z")
	require.NoError(t, err)
	poll, err := repos.Posts.Create(ctx, &models.Post{
		AuthorID:  author.ID,
		ObjectURI: "https://remote.example/posts/poll-closed",
		Type:      "question",
		TypeData:  typeData,
	})
	require.NoError(t, err)

	d, msgID := dispatchMessage(t, repos, map[string]interface{}{
		"id":    "https://remote.example/creates/late-vote",
		"type":  "Create",
		"actor": voter.ActorURI,
		"object": map[string]interface{}{
			"id":           "https://remote.example/votes/late",
			"type":         "Note",
			"attributedTo": voter.ActorURI,
			"name":         "tabs",
			"inReplyTo":    poll.ObjectURI,
		},
	})

	err = d.Dispatch(ctx, msgID)
	require.Error(t, err)
	var formatErr *apperr.FormatError
	require.ErrorAs(t, err, &formatErr)

	updated, err := repos.Posts.Get(ctx, poll.ID)
	require.NoError(t, err)
	tallied, err := models.DecodePollData(updated.TypeData)
	require.NoError(t, err)
	assert.Equal(t, 0, tallied.Options[0].Votes)

	_, err = repos.Interactions.GetByObjectURI(ctx, "https://remote.example/votes/late")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestDispatchDeleteTombstonesPost(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()
	author := mustCreateRemote(t, repos, "author")
	post, err := repos.Posts.Create(ctx, &models.Post{
		AuthorID:   author.ID,
		ObjectURI:  "https://remote.example/posts/3",
		Visibility: models.VisibilityPublic,
		Content:    "gone soon",
		Type:       "note",
	})
	require.NoError(t, err)

	d, msgID := dispatchMessage(t, repos, map[string]interface{}{
		"id":     "https://remote.example/deletes/1",
		"type":   "Delete",
		"actor":  author.ActorURI,
		"object": post.ObjectURI,
	})

	require.NoError(t, d.Dispatch(ctx, msgID))

	reloaded, err := repos.Posts.Get(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, "deleted", reloaded.State)
}

func TestDispatchLikeRecordsInteraction(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()
	author := mustCreateRemote(t, repos, "author")
	liker := mustCreateRemote(t, repos, "liker")
	post, err := repos.Posts.Create(ctx, &models.Post{
		AuthorID:   author.ID,
		ObjectURI:  "https://remote.example/posts/4",
		Visibility: models.VisibilityPublic,
		Content:    "likeable",
		Type:       "note",
	})
	require.NoError(t, err)

	d, msgID := dispatchMessage(t, repos, map[string]interface{}{
		"id":     "https://remote.example/likes/1",
		"type":   "Like",
		"actor":  liker.ActorURI,
		"object": post.ObjectURI,
	})

	require.NoError(t, d.Dispatch(ctx, msgID))

	pi, err := repos.Interactions.GetByObjectURI(ctx, "https://remote.example/likes/1")
	require.NoError(t, err)
	assert.Equal(t, models.InteractionLike, pi.Type)
}

func TestDispatchUnknownTypeIsAcknowledged(t *testing.T) {
	repos := newTestRepos(t)
	d, msgID := dispatchMessage(t, repos, map[string]interface{}{
		"id":    "https://remote.example/whatevers/1",
		"type":  "SomethingFedcoreDoesNotKnow",
		"actor": "https://remote.example/source",
	})

	assert.NoError(t, d.Dispatch(context.Background(), msgID))
}
