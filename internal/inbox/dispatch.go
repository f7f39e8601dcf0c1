package inbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/klppl/fedcore/internal/activitystreams"
	"github.com/klppl/fedcore/internal/actor"
	"github.com/klppl/fedcore/internal/apperr"
	"github.com/klppl/fedcore/internal/ld"
	"github.com/klppl/fedcore/internal/models"
	"github.com/klppl/fedcore/internal/sanitize"
	"github.com/klppl/fedcore/internal/signatures"
)

// Dispatcher applies a stored InboxMessage to local state. It is the
// handler InboxMessageGraph's "received" state calls once stator picks a
// message back up; everything here runs after signature verification and
// block filtering have already happened in Receiver.
type Dispatcher struct {
	Repos       *models.Repos
	Resolver    *actor.Resolver
	LocalDomain string
	LD          *ld.Processor
}

// NewDispatcher builds a Dispatcher over repos, resolving unknown remote
// actors through resolver and minting local activity ids under localDomain.
func NewDispatcher(repos *models.Repos, resolver *actor.Resolver, localDomain string) *Dispatcher {
	return &Dispatcher{Repos: repos, Resolver: resolver, LocalDomain: localDomain, LD: ld.NewProcessor()}
}

// Dispatch loads messageID and routes it by activity type. An unrecognised
// type is acknowledged and dropped rather than treated as an error —
// federation is lenient about vocabulary neither side fully implements.
func (d *Dispatcher) Dispatch(ctx context.Context, messageID int64) error {
	msg, err := d.Repos.Inbox.Get(ctx, messageID)
	if err != nil {
		return err
	}

	var envelope activitystreams.IncomingActivity
	if err := json.Unmarshal([]byte(msg.Body), &envelope); err != nil {
		return fmt.Errorf("dispatch %d: %w", messageID, err)
	}

	d.verifyLDSignature(ctx, []byte(msg.Body))

	switch envelope.Type {
	case "Follow":
		return d.handleFollow(ctx, envelope)
	case "Accept":
		return d.handleAcceptReject(ctx, envelope, "accepted")
	case "Reject":
		return d.handleAcceptReject(ctx, envelope, "rejected")
	case "Undo":
		return d.handleUndo(ctx, envelope)
	case "Create":
		return d.handleCreate(ctx, envelope)
	case "Update":
		return d.handleUpdate(ctx, envelope)
	case "Delete":
		return d.handleDelete(ctx, envelope)
	case "Like":
		return d.handleInteraction(ctx, envelope, models.InteractionLike)
	case "Announce":
		return d.handleInteraction(ctx, envelope, models.InteractionAnnounce)
	case "Add":
		return d.handleAddRemove(ctx, envelope)
	case "Remove":
		return d.handleAddRemove(ctx, envelope)
	case "Flag":
		return d.handleFlag(ctx, envelope)
	default:
		return nil
	}
}

// verifyLDSignature checks a detached RsaSignature2017 block on an
// inbound activity when one is present, logging rather than rejecting on
// failure: HTTP Signatures already authenticated the request this came
// in on, so an LD signature that doesn't verify (stale key, a relay that
// re-serialised the document and perturbed its JSON-LD form) is evidence
// worth recording, not grounds to drop an otherwise legitimate activity.
// The signer's key has to already be cached locally — dispatch never
// blocks on a network fetch just to check a signature HTTP Signatures
// have already covered.
func (d *Dispatcher) verifyLDSignature(ctx context.Context, rawBody []byte) {
	var withSig struct {
		Signature *signatures.LDSignature `json:"signature"`
	}
	if err := json.Unmarshal(rawBody, &withSig); err != nil || withSig.Signature == nil {
		return
	}
	sig := withSig.Signature

	signer, err := d.Repos.Identities.GetByActorURI(ctx, signatures.KeyIDOwner(sig.Creator))
	if err != nil || signer.PublicKeyPEM == "" {
		slog.Debug("ld signature present but signer key not cached", "creator", sig.Creator)
		return
	}
	pub, err := signatures.ParsePublicKey([]byte(signer.PublicKeyPEM))
	if err != nil {
		slog.Debug("ld signature present but signer key unparseable", "creator", sig.Creator, "error", err)
		return
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(rawBody, &doc); err != nil {
		return
	}
	delete(doc, "signature")

	if err := signatures.VerifyLD(d.LD, doc, sig, pub); err != nil {
		slog.Warn("ld signature verification failed", "creator", sig.Creator, "error", err)
		return
	}
	slog.Debug("ld signature verified", "creator", sig.Creator)
}

// resolveIdentity loads a cached Identity by actor URI, fetching and
// caching it from the network on first sight.
func (d *Dispatcher) resolveIdentity(ctx context.Context, actorURI string) (*models.Identity, error) {
	if id, err := d.Repos.Identities.GetByActorURI(ctx, actorURI); err == nil {
		return id, nil
	} else if err != sql.ErrNoRows {
		return nil, err
	}
	return d.fetchIdentity(ctx, actorURI)
}

// fetchIdentity fetches actorURI from the network and upserts the cached
// Identity with what it returns.
func (d *Dispatcher) fetchIdentity(ctx context.Context, actorURI string) (*models.Identity, error) {
	a, err := d.Resolver.FetchActor(ctx, actorURI)
	if err != nil {
		return nil, err
	}
	fields := models.RemoteIdentityFields{
		Username:                  a.PreferredUsername,
		DisplayName:               a.Name,
		Summary:                   a.Summary,
		InboxURI:                  a.Inbox,
		OutboxURI:                 a.Outbox,
		FollowersURI:              a.Followers,
		FollowingURI:              a.Following,
		FeaturedCollectionURI:     a.Featured,
		Discoverable:              a.Discoverable,
		ManuallyApprovesFollowers: a.ManuallyApprovesFollowers,
	}
	if a.Icon != nil {
		fields.IconURL = a.Icon.URL
	}
	if a.Endpoints != nil {
		fields.SharedInboxURI = a.Endpoints.SharedInbox
	}
	if a.PublicKey != nil {
		fields.PublicKeyPEM = a.PublicKey.PublicKeyPem
		fields.PublicKeyID = a.PublicKey.ID
	}
	return d.Repos.Identities.UpsertRemote(ctx, a.ID, fields)
}

// handleFollow creates a pending Follow row for an inbound Follow request
// against one of our local identities. FollowGraph's own "unrequested"
// handler decides whether to auto-accept or queue for manual approval.
func (d *Dispatcher) handleFollow(ctx context.Context, envelope activitystreams.IncomingActivity) error {
	source, err := d.resolveIdentity(ctx, envelope.Actor)
	if err != nil {
		return err
	}
	objectURI := activitystreams.ObjectID(envelope.Object)
	target, err := d.Repos.Identities.GetByActorURI(ctx, objectURI)
	if err == sql.ErrNoRows || !target.Local {
		return nil
	}
	if err != nil {
		return err
	}

	if _, err := d.Repos.Follows.GetBySourceTarget(ctx, source.ID, target.ID); err == nil {
		return nil // already have this relationship, inbound retry
	} else if err != sql.ErrNoRows {
		return err
	}

	_, err = d.Repos.Follows.Create(ctx, source.ID, target.ID, envelope.ID, "", true)
	return err
}

// handleAcceptReject resolves the embedded Follow back to our local row
// and moves it directly to newState.
func (d *Dispatcher) handleAcceptReject(ctx context.Context, envelope activitystreams.IncomingActivity, newState string) error {
	if activitystreams.ObjectType(envelope.Object) != "Follow" {
		return nil
	}
	followURI := activitystreams.ObjectID(envelope.Object)
	if followURI == "" {
		return nil
	}
	f, err := d.Repos.Follows.GetByURI(ctx, followURI)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	return d.Repos.Follows.SetState(ctx, f.ID, newState)
}

// handleUndo branches on the undone activity's type: a Follow unwinds the
// relationship, a Like/Announce marks the interaction gone.
func (d *Dispatcher) handleUndo(ctx context.Context, envelope activitystreams.IncomingActivity) error {
	switch activitystreams.ObjectType(envelope.Object) {
	case "Follow":
		followURI := activitystreams.ObjectID(envelope.Object)
		f, err := d.Repos.Follows.GetByURI(ctx, followURI)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		return d.Repos.Follows.SetState(ctx, f.ID, "undone_remotely")
	case "Like", "Announce":
		objectURI := activitystreams.ObjectID(envelope.Object)
		pi, err := d.Repos.Interactions.GetByObjectURI(ctx, objectURI)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		return d.Repos.Interactions.SetState(ctx, pi.ID, "gone")
	default:
		return nil
	}
}

// handleCreate persists an inbound Note/Article/Question as a Post,
// sanitising its content and recording mentions and attachments.
func (d *Dispatcher) handleCreate(ctx context.Context, envelope activitystreams.IncomingActivity) error {
	objType := activitystreams.ObjectType(envelope.Object)
	if objType != "Note" && objType != "Article" && objType != "Question" {
		return nil
	}
	var note activitystreams.Note
	if err := json.Unmarshal(envelope.Object, &note); err != nil {
		return apperr.NewFormatError("create: invalid note: %v", err)
	}

	if _, err := d.Repos.Posts.GetByObjectURI(ctx, note.ID); err == nil {
		return nil // already recorded, inbound retry
	} else if err != sql.ErrNoRows {
		return err
	}

	if objType == "Note" && note.InReplyTo != "" && note.Name != "" {
		if handled, err := d.handlePollVote(ctx, note); handled {
			return err
		}
	}

	author, err := d.resolveIdentity(ctx, note.AttributedTo)
	if err != nil {
		return err
	}

	var typeData string
	if objType == "Question" {
		typeData, err = models.EncodePollData(questionOptionNames(note), note.EndTime)
		if err != nil {
			return apperr.NewFormatError("create: invalid poll: %v", err)
		}
	}

	mentions, to := partitionRecipients(note)

	created, err := d.Repos.Posts.Create(ctx, &models.Post{
		AuthorID:   author.ID,
		ObjectURI:  note.ID,
		Local:      false,
		Visibility: visibilityFor(note, author.FollowersURI),
		Content:    sanitize.HTML(note.Content),
		Summary:    note.Summary,
		Sensitive:  note.Sensitive,
		URL:        note.URL,
		InReplyTo:  note.InReplyTo,
		Type:       strings.ToLower(objType),
		TypeData:   typeData,
	})
	if err != nil {
		return err
	}

	for _, href := range mentions {
		mentioned, err := d.Repos.Identities.GetByActorURI(ctx, href)
		if err == nil {
			if err := d.Repos.Posts.AddMention(ctx, created.ID, mentioned.ID); err != nil {
				return err
			}
		} else if err != sql.ErrNoRows {
			return err
		}
	}
	for _, href := range to {
		addressed, err := d.Repos.Identities.GetByActorURI(ctx, href)
		if err == nil {
			if err := d.Repos.Posts.AddTo(ctx, created.ID, addressed.ID); err != nil {
				return err
			}
		} else if err != sql.ErrNoRows {
			return err
		}
	}
	for _, att := range note.Attachment {
		if att.URL == "" {
			continue
		}
		if _, err := d.Repos.Attachments.Create(ctx, created.ID, att.URL, att.MediaType, att.Name, att.Blurhash, att.Width, att.Height); err != nil {
			return err
		}
	}
	return nil
}

// handlePollVote treats note as a vote if it replies to a post we have
// recorded as a Question: handled reports whether that was the case, so
// handleCreate can fall through to ordinary Note handling for anything
// that isn't actually a vote (including a reply to a Question that's just
// a reply). A vote on a poll whose endTime has passed is rejected with a
// permanent format error — no Post, no PostInteraction, ever, matching a
// normal reply's behavior on a deleted object.
func (d *Dispatcher) handlePollVote(ctx context.Context, note activitystreams.Note) (bool, error) {
	parent, err := d.Repos.Posts.GetByObjectURI(ctx, note.InReplyTo)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	if parent.Type != "question" {
		return false, nil
	}
	poll, err := models.DecodePollData(parent.TypeData)
	if err != nil {
		return true, err
	}
	if poll.EndTime != "" {
		endTime, err := time.Parse(time.RFC3339, poll.EndTime)
		if err == nil && time.Now().UTC().After(endTime) {
			return true, apperr.NewFormatError("vote on expired poll %s", parent.ObjectURI)
		}
	}

	voter, err := d.resolveIdentity(ctx, note.AttributedTo)
	if err != nil {
		return true, err
	}
	if err := d.Repos.Posts.IncrementPollVote(ctx, parent.ID, note.Name); err != nil {
		return true, apperr.NewFormatError("vote for unrecognised option: %v", err)
	}
	_, err = d.Repos.Interactions.Create(ctx, models.InteractionVote, voter.ID, parent.ID, note.Name, note.ID)
	return true, err
}

// questionOptionNames flattens a Question's oneOf (single-choice) and
// anyOf (multi-choice) option lists into the plain name list PollData
// stores; the distinction between the two doesn't affect vote counting.
func questionOptionNames(note activitystreams.Note) []string {
	names := make([]string, 0, len(note.OneOf)+len(note.AnyOf))
	for _, opt := range note.OneOf {
		names = append(names, opt.Name)
	}
	for _, opt := range note.AnyOf {
		names = append(names, opt.Name)
	}
	return names
}

// handleUpdate re-resolves an edited Note and rewrites its mutable fields,
// leaving authorship and object id untouched.
func (d *Dispatcher) handleUpdate(ctx context.Context, envelope activitystreams.IncomingActivity) error {
	objType := activitystreams.ObjectType(envelope.Object)
	switch objType {
	case "Note", "Article", "Question":
		var note activitystreams.Note
		if err := json.Unmarshal(envelope.Object, &note); err != nil {
			return apperr.NewFormatError("update: invalid note: %v", err)
		}
		post, err := d.Repos.Posts.GetByObjectURI(ctx, note.ID)
		if err == sql.ErrNoRows {
			return nil // edit of a post we never saw created; nothing to update
		}
		if err != nil {
			return err
		}
		return d.Repos.Posts.MarkEdited(ctx, post.ID, sanitize.HTML(note.Content), note.Summary, note.Sensitive)
	case "Person", "Service", "Application", "Group", "Organization":
		actorURI := activitystreams.ObjectID(envelope.Object)
		d.Resolver.Invalidate(actorURI)
		_, err := d.fetchIdentity(ctx, actorURI)
		return err
	default:
		return nil
	}
}

// handleDelete tombstones a post or marks a remote identity deleted,
// depending on whether the deleted object is a post or the actor itself.
func (d *Dispatcher) handleDelete(ctx context.Context, envelope activitystreams.IncomingActivity) error {
	objectURI := activitystreams.ObjectID(envelope.Object)
	if objectURI == "" {
		return nil
	}

	if post, err := d.Repos.Posts.GetByObjectURI(ctx, objectURI); err == nil {
		return d.Repos.Posts.MarkDeleted(ctx, post.ID)
	} else if err != sql.ErrNoRows {
		return err
	}

	if identity, err := d.Repos.Identities.GetByActorURI(ctx, objectURI); err == nil {
		return d.Repos.Identities.MarkDeleted(ctx, identity.ID)
	} else if err != sql.ErrNoRows {
		return err
	}
	return nil
}

// handleInteraction records an inbound Like or Announce against a known
// local or cached-remote post.
func (d *Dispatcher) handleInteraction(ctx context.Context, envelope activitystreams.IncomingActivity, typ models.InteractionType) error {
	objectURI := activitystreams.ObjectID(envelope.Object)
	post, err := d.Repos.Posts.GetByObjectURI(ctx, objectURI)
	if err == sql.ErrNoRows {
		return nil // interaction on a post we don't have; nothing to attach it to
	}
	if err != nil {
		return err
	}
	actorIdentity, err := d.resolveIdentity(ctx, envelope.Actor)
	if err != nil {
		return err
	}
	if _, err := d.Repos.Interactions.GetByObjectURI(ctx, envelope.ID); err == nil {
		return nil
	} else if err != sql.ErrNoRows {
		return err
	}
	_, err = d.Repos.Interactions.Create(ctx, typ, actorIdentity.ID, post.ID, "", envelope.ID)
	return err
}

// handleAddRemove covers the featured-collection pin/unpin activities.
// Featured posts aren't modelled as their own entity yet — acknowledging
// without storing keeps federation from retrying forever over a feature
// this instance doesn't expose.
func (d *Dispatcher) handleAddRemove(ctx context.Context, envelope activitystreams.IncomingActivity) error {
	return nil
}

// handleFlag records a moderation report against the flagged actor (and,
// when present, one of their posts).
func (d *Dispatcher) handleFlag(ctx context.Context, envelope activitystreams.IncomingActivity) error {
	source, err := d.resolveIdentity(ctx, envelope.Actor)
	if err != nil {
		return err
	}

	var objectURIs []string
	var single string
	if json.Unmarshal(envelope.Object, &single) == nil {
		objectURIs = []string{single}
	} else {
		var many []string
		if err := json.Unmarshal(envelope.Object, &many); err == nil {
			objectURIs = many
		}
	}

	var subject *models.Identity
	var subjectPostID *int64
	for _, uri := range objectURIs {
		if identity, err := d.Repos.Identities.GetByActorURI(ctx, uri); err == nil {
			subject = identity
			continue
		} else if err != sql.ErrNoRows {
			return err
		}
		if post, err := d.Repos.Posts.GetByObjectURI(ctx, uri); err == nil {
			id := post.ID
			subjectPostID = &id
			if subject == nil {
				if author, err := d.Repos.Identities.Get(ctx, post.AuthorID); err == nil {
					subject = author
				}
			}
		} else if err != sql.ErrNoRows {
			return err
		}
	}
	if subject == nil {
		return nil // flag referenced nothing we recognise
	}

	_, err = d.Repos.Reports.Create(ctx, source.ID, subject.ID, subjectPostID, envelope.Content, false)
	return err
}

// visibilityFor infers a Post's Visibility from its to/cc addressing,
// matching the convention every AP-speaking microblog uses: public in
// "to" is public, public in "cc" only is unlisted, neither is
// followers-only or direct depending on whether the followers collection
// is addressed.
func visibilityFor(note activitystreams.Note, followersURI string) models.Visibility {
	for _, uri := range note.To {
		if uri == activitystreams.PublicURI {
			return models.VisibilityPublic
		}
	}
	for _, uri := range note.CC {
		if uri == activitystreams.PublicURI {
			return models.VisibilityUnlisted
		}
	}
	if followersURI != "" {
		for _, uri := range append(append([]string{}, note.To...), note.CC...) {
			if uri == followersURI {
				return models.VisibilityFollowers
			}
		}
	}
	return models.VisibilityMentioned
}

// partitionRecipients splits a Note's tag list into mention hrefs and
// returns its explicit "to" addressing (minus the public collection),
// used for mention records and direct-recipient delivery respectively.
func partitionRecipients(note activitystreams.Note) (mentions []string, to []string) {
	for _, raw := range note.Tag {
		data, err := json.Marshal(raw)
		if err != nil {
			continue
		}
		var m activitystreams.Mention
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		if m.Type == "Mention" && m.Href != "" {
			mentions = append(mentions, m.Href)
		}
	}
	for _, uri := range note.To {
		if uri != activitystreams.PublicURI {
			to = append(to, uri)
		}
	}
	return mentions, to
}
