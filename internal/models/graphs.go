package models

import (
	"context"
	"fmt"

	"github.com/klppl/fedcore/internal/activitystreams"
	"github.com/klppl/fedcore/internal/apperr"
	"github.com/klppl/fedcore/internal/stator"
	"github.com/klppl/fedcore/internal/store"
)

// Deliver is the shared shape every graph handler uses to POST an activity
// to a remote inbox (internal/fanout supplies the production
// implementation). Fan-outs to our own identities are handled inside this
// package and do not go through it.
type Deliver func(ctx context.Context, inboxURI string, activity map[string]interface{}, fromID int64) error

// PostRecipients computes the full recipient set for a post's fan-out:
// mentions, visibility-narrowed followers, and any reply-author inclusion.
// internal/fanout supplies the production implementation (block exclusion,
// shared-inbox-aware dedup); recipientsForPost below is the fallback used
// when the caller passes nil, kept minimal so the graphs stay testable
// without internal/fanout in the import graph.
type PostRecipients func(ctx context.Context, repos *Repos, post *Post) ([]int64, error)

// Repos bundles every repository a graph handler might need, so Bindings
// can be constructed without each graph constructor re-declaring its own
// bespoke dependency struct.
type Repos struct {
	Store        *store.Store
	Identities   *IdentityRepo
	Domains      *DomainRepo
	Follows      *FollowRepo
	Blocks       *BlockRepo
	Posts        *PostRepo
	Interactions *InteractionRepo
	FanOuts      *FanOutRepo
	Inbox        *InboxMessageRepo
	Attachments  *PostAttachmentRepo
	Emojis       *EmojiRepo
	Hashtags     *HashtagRepo
	Timeline     *TimelineEventRepo
	Reports      *ReportRepo
}

// NewRepos constructs every repository over s.
func NewRepos(s *store.Store) *Repos {
	return &Repos{
		Store:        s,
		Identities:   &IdentityRepo{Store: s},
		Domains:      &DomainRepo{Store: s},
		Follows:      &FollowRepo{Store: s},
		Blocks:       &BlockRepo{Store: s},
		Posts:        &PostRepo{Store: s},
		Interactions: &InteractionRepo{Store: s},
		FanOuts:      &FanOutRepo{Store: s},
		Inbox:        &InboxMessageRepo{Store: s},
		Attachments:  &PostAttachmentRepo{Store: s},
		Emojis:       &EmojiRepo{Store: s},
		Hashtags:     &HashtagRepo{Store: s},
		Timeline:     &TimelineEventRepo{Store: s},
		Reports:      &ReportRepo{Store: s},
	}
}

// Bindings builds a stator.Binding for every entity that carries the five
// universal state fields, wiring each graph's handlers against repos.
// deliver sends an activity to a remote inbox; localDomain is
// this instance's base URL, used to mint activity ids; dispatch runs the
// inbox pipeline's tag-dispatch table against a stored InboxMessage.
func Bindings(repos *Repos, deliver Deliver, localDomain string, dispatch func(ctx context.Context, messageID int64) error, postRecipients PostRecipients) ([]*stator.Binding, error) {
	if postRecipients == nil {
		postRecipients = recipientsForPost
	}
	enqueueFanOut := func(ctx context.Context, subjectID int64, typ FanOutType) error {
		return enqueueFanOutForSubject(ctx, repos, subjectID, typ, postRecipients)
	}

	followDeps := FollowDeps{
		Store:       repos.Store,
		Follows:     repos.Follows,
		Identities:  repos.Identities,
		Deliver:     deliver,
		LocalDomain: localDomain,
	}

	fanOutDeliver := func(ctx context.Context, fanOutID int64) (bool, error) {
		return deliverFanOut(ctx, repos, deliver, localDomain, fanOutID)
	}

	graphs := []struct {
		table string
		graph *stator.Graph
	}{
		{"identities", IdentityGraph()},
		{"follows", FollowGraph(followDeps)},
		{"blocks", BlockGraph(repos.Blocks)},
		{"posts", PostGraph(enqueueFanOut)},
		{"post_interactions", PostInteractionGraph(enqueueFanOut)},
		{"fan_outs", FanOutGraph(fanOutDeliver)},
		{"inbox_messages", InboxMessageGraph(dispatch)},
		{"post_attachments", PostAttachmentGraph()},
		{"emojis", EmojiGraph()},
		{"hashtags", HashtagGraph()},
		{"reports", ReportGraph()},
	}

	bindings := make([]*stator.Binding, 0, len(graphs))
	for _, g := range graphs {
		b, err := stator.NewBinding(repos.Store, g.table, g.graph)
		if err != nil {
			return nil, fmt.Errorf("bind %s: %w", g.table, err)
		}
		bindings = append(bindings, b)
	}
	return bindings, nil
}

// enqueueFanOutForSubject creates one FanOut row per recipient of a post or
// interaction. A post goes to whatever postRecipients returns (internal/
// fanout's visibility-aware version in production, recipientsForPost in
// standalone tests); an interaction goes only to the interacted-with
// post's author.
func enqueueFanOutForSubject(ctx context.Context, repos *Repos, subjectID int64, typ FanOutType, postRecipients PostRecipients) error {
	switch typ {
	case FanOutPost, FanOutPostEdited, FanOutPostDeleted:
		return fanOutPost(ctx, repos, subjectID, typ, postRecipients)
	case FanOutInteraction, FanOutUndoInteraction:
		return fanOutInteraction(ctx, repos, subjectID, typ)
	default:
		return fmt.Errorf("enqueue fan-out: unsupported type %s for subject %d", typ, subjectID)
	}
}

func fanOutPost(ctx context.Context, repos *Repos, postID int64, typ FanOutType, postRecipients PostRecipients) error {
	post, err := repos.Posts.Get(ctx, postID)
	if err != nil {
		return err
	}
	recipients, err := postRecipients(ctx, repos, post)
	if err != nil {
		return err
	}
	for _, identityID := range recipients {
		if _, err := repos.FanOuts.Create(ctx, identityID, typ, &postID, nil, nil); err != nil {
			return err
		}
	}
	return nil
}

func fanOutInteraction(ctx context.Context, repos *Repos, interactionID int64, typ FanOutType) error {
	pi, err := repos.Interactions.Get(ctx, interactionID)
	if err != nil {
		return err
	}
	post, err := repos.Posts.Get(ctx, pi.PostID)
	if err != nil {
		return err
	}
	recipients := []int64{post.AuthorID}
	for _, identityID := range recipients {
		if _, err := repos.FanOuts.Create(ctx, identityID, typ, nil, &interactionID, nil); err != nil {
			return err
		}
	}
	return nil
}

// recipientsForPost computes the guaranteed recipient set: mentions plus
// the author's accepted followers, with no visibility narrowing or block
// exclusion. Production code passes internal/fanout.ComputeForPost to
// Bindings, which replaces this function rather than expanding its result.
func recipientsForPost(ctx context.Context, repos *Repos, post *Post) ([]int64, error) {
	mentioned, err := repos.Posts.Mentions(ctx, post.ID)
	if err != nil {
		return nil, err
	}
	followers, err := repos.Follows.ListAcceptedFollowers(ctx, post.AuthorID)
	if err != nil {
		return nil, err
	}
	seen := map[int64]bool{}
	var out []int64
	for _, id := range append(mentioned, followers...) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out, nil
}

// deliverFanOut resolves a FanOut row to its recipient identity and
// attempts delivery: local recipients get a timeline write, remote ones
// get a signed inbox POST of the reconstructed activity.
func deliverFanOut(ctx context.Context, repos *Repos, deliver Deliver, localDomain string, fanOutID int64) (bool, error) {
	fo, err := repos.FanOuts.Get(ctx, fanOutID)
	if err != nil {
		return false, err
	}
	target, err := repos.Identities.Get(ctx, fo.IdentityID)
	if err != nil {
		return false, err
	}

	if target.Local {
		return deliverFanOutLocal(ctx, repos, fo, target)
	}
	if target.InboxURI == "" {
		return false, nil
	}

	activity, fromID, err := activityForFanOut(ctx, repos, fo, localDomain)
	if err != nil {
		return false, err
	}
	if activity == nil {
		// Subject already gone (e.g. a deleted interaction); nothing left
		// to deliver, so treat this as delivered rather than retrying.
		return true, nil
	}
	if err := deliver(ctx, target.InboxURI, activity, fromID); err != nil {
		if apperr.Gone(err) {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func deliverFanOutLocal(ctx context.Context, repos *Repos, fo *FanOut, target *Identity) (bool, error) {
	var typ TimelineEventType
	switch fo.Type {
	case FanOutPost:
		typ = TimelineEventPost
	case FanOutInteraction:
		typ = TimelineEventLike
	default:
		return true, nil
	}
	if err := repos.Timeline.Add(ctx, target.ID, typ, fo.SubjectPostID, fo.SubjectPostInteractionID, fo.SubjectIdentityID); err != nil {
		return false, err
	}
	return true, nil
}

func activityForFanOut(ctx context.Context, repos *Repos, fo *FanOut, localDomain string) (map[string]interface{}, int64, error) {
	switch fo.Type {
	case FanOutPost, FanOutPostEdited, FanOutPostDeleted:
		post, err := repos.Posts.Get(ctx, *fo.SubjectPostID)
		if err != nil {
			return nil, 0, err
		}
		author, err := repos.Identities.Get(ctx, post.AuthorID)
		if err != nil {
			return nil, 0, err
		}
		verb := "Create"
		if fo.Type == FanOutPostEdited {
			verb = "Update"
		} else if fo.Type == FanOutPostDeleted {
			verb = "Delete"
		}
		return activitystreams.WithContext(activitystreams.Activity{
			ID:     fmt.Sprintf("%s/posts/%d/activity", localDomain, post.ID),
			Type:   verb,
			Actor:  author.ActorURI,
			Object: post.ObjectURI,
		}), author.ID, nil
	case FanOutInteraction, FanOutUndoInteraction:
		pi, err := repos.Interactions.Get(ctx, *fo.SubjectPostInteractionID)
		if err != nil {
			return nil, 0, err
		}
		actor, err := repos.Identities.Get(ctx, pi.IdentityID)
		if err != nil {
			return nil, 0, err
		}
		post, err := repos.Posts.Get(ctx, pi.PostID)
		if err != nil {
			return nil, 0, err
		}
		verb := map[InteractionType]string{InteractionLike: "Like", InteractionAnnounce: "Announce"}[pi.Type]
		if verb == "" {
			return nil, actor.ID, nil
		}
		inner := activitystreams.WithContext(activitystreams.Activity{
			ID:     pi.ObjectURI,
			Type:   verb,
			Actor:  actor.ActorURI,
			Object: post.ObjectURI,
		})
		if fo.Type == FanOutUndoInteraction {
			return activitystreams.WithContext(activitystreams.Activity{
				ID:     pi.ObjectURI + "/undo",
				Type:   "Undo",
				Actor:  actor.ActorURI,
				Object: inner,
			}), actor.ID, nil
		}
		return inner, actor.ID, nil
	default:
		return nil, 0, fmt.Errorf("activity for fan-out: unsupported type %s", fo.Type)
	}
}
