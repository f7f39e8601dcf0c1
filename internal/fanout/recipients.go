// Package fanout computes who a post or interaction delivers to and
// carries out that delivery: signed HTTP POSTs to remote inboxes, with
// shared-inbox dedup and block exclusion applied before any row is
// queued. internal/models owns the FanOut entity and its retry graph;
// this package owns the two things that sit outside a generic workflow
// engine's concern — addressing and signing.
package fanout

import (
	"context"

	"github.com/klppl/fedcore/internal/models"
)

// ComputeForPost is a models.PostRecipients implementation: the
// guaranteed mention/to set narrowed by visibility, the author's
// accepted followers where visibility allows it, the parent post's
// author for replies, blocked identities excluded in both directions,
// and non-local recipients collapsed to one representative per shared
// inbox. Local recipients are never deduped — each still needs its own
// timeline row.
func ComputeForPost(ctx context.Context, repos *models.Repos, post *models.Post) ([]int64, error) {
	mentioned, err := repos.Posts.Mentions(ctx, post.ID)
	if err != nil {
		return nil, err
	}
	to, err := repos.Posts.To(ctx, post.ID)
	if err != nil {
		return nil, err
	}

	candidates := map[int64]bool{}
	for _, id := range mentioned {
		candidates[id] = true
	}
	for _, id := range to {
		candidates[id] = true
	}

	switch post.Visibility {
	case models.VisibilityPublic, models.VisibilityUnlisted, models.VisibilityFollowers, models.VisibilityLocalOnly:
		followers, err := repos.Follows.ListAcceptedFollowers(ctx, post.AuthorID)
		if err != nil {
			return nil, err
		}
		for _, id := range followers {
			candidates[id] = true
		}
	}

	if post.InReplyTo != "" {
		if parent, err := repos.Posts.GetByObjectURI(ctx, post.InReplyTo); err == nil {
			candidates[parent.AuthorID] = true
		}
	}

	delete(candidates, post.AuthorID)

	ids := make([]int64, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}

	if post.Visibility == models.VisibilityLocalOnly {
		ids, err = onlyLocal(ctx, repos, ids)
		if err != nil {
			return nil, err
		}
	}

	ids, err = excludeBlocked(ctx, repos, post.AuthorID, ids)
	if err != nil {
		return nil, err
	}
	return dedupeSharedInboxes(ctx, repos, ids)
}

// onlyLocal narrows ids down to identities hosted on this instance, for
// local_only posts: the guaranteed recipient set (mentions, followers,
// reply parent) is computed the same way as any other visibility, then
// every remote candidate is dropped before delivery is ever attempted.
func onlyLocal(ctx context.Context, repos *models.Repos, ids []int64) ([]int64, error) {
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		ident, err := repos.Identities.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if ident.Local {
			out = append(out, id)
		}
	}
	return out, nil
}

// excludeBlocked drops any candidate that has blocked authorID, or that
// authorID has blocked, in either direction.
func excludeBlocked(ctx context.Context, repos *models.Repos, authorID int64, ids []int64) ([]int64, error) {
	out := ids[:0]
	for _, id := range ids {
		blockedByThem, err := repos.Blocks.IsBlocked(ctx, id, authorID)
		if err != nil {
			return nil, err
		}
		blockedByAuthor, err := repos.Blocks.IsBlocked(ctx, authorID, id)
		if err != nil {
			return nil, err
		}
		if !blockedByThem && !blockedByAuthor {
			out = append(out, id)
		}
	}
	return out, nil
}

// dedupeSharedInboxes keeps every local recipient, and among non-local
// recipients keeps one representative per distinct shared inbox URL —
// the remote server fans a single shared-inbox delivery out to every
// local user of its own that cares, so delivering to each of our
// recipients there individually would be redundant.
func dedupeSharedInboxes(ctx context.Context, repos *models.Repos, ids []int64) ([]int64, error) {
	seenInbox := map[string]bool{}
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		ident, err := repos.Identities.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if ident.Local || ident.SharedInboxURI == "" {
			out = append(out, id)
			continue
		}
		if seenInbox[ident.SharedInboxURI] {
			continue
		}
		seenInbox[ident.SharedInboxURI] = true
		out = append(out, id)
	}
	return out, nil
}
