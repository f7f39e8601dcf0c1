package models

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klppl/fedcore/internal/snowflake"
	"github.com/klppl/fedcore/internal/stator"
	"github.com/klppl/fedcore/internal/store"
)

// Post is a Note/Article/Question authored locally or received from a
// remote actor.
type Post struct {
	StatorFields
	ID          int64
	AuthorID    int64
	ObjectURI   string
	Local       bool
	Visibility  Visibility
	Content     string
	Summary     string
	Sensitive   bool
	URL         string
	InReplyTo   string
	Type        string
	TypeData    string // JSON: poll options/votes, attachments metadata the caller needs fast access to
	PublishedAt *time.Time
	EditedAt    *time.Time
}

// PostGraph models a post's life from creation through fan-out to eventual
// deletion: new (just saved, fan-out not yet queued) -> fanned_out
// (externally progressed: FanOut rows are what actually deliver it, a post
// itself just needs one enqueue) -> deleted (terminal, tombstoned).
func PostGraph(enqueueFanOut func(ctx context.Context, postID int64, typ FanOutType) error) *stator.Graph {
	g := stator.NewGraph("posts")

	news := g.AddState(&stator.State{
		Name:               "new",
		TryInterval:        time.Minute,
		AttemptImmediately: true,
		Handler: func(ctx context.Context, id int64) (string, error) {
			if err := enqueueFanOut(ctx, id, FanOutPost); err != nil {
				return "", err
			}
			return "fanned_out", nil
		},
	})
	fannedOut := g.AddState(&stator.State{
		Name:                 "fanned_out",
		ExternallyProgressed: true,
	})
	deleted := g.AddState(&stator.State{
		Name:        "deleted",
		DeleteAfter: 30 * 24 * time.Hour,
	})

	g.TransitionsTo(news.Name, fannedOut.Name)
	g.TransitionsTo(fannedOut.Name, deleted.Name)
	g.TransitionsTo(news.Name, deleted.Name)

	return g
}

// PostRepo is the CRUD layer over posts and its join tables.
type PostRepo struct {
	Store *store.Store
}

const postColumns = `id, author_id, object_uri, local, visibility, content, summary, sensitive, url,
	in_reply_to, type, type_data, published_at, edited_at,
	state, state_changed, state_attempted, state_locked_until, state_ready`

// Create inserts a new local or remote Post in the "new" state.
func (r *PostRepo) Create(ctx context.Context, p *Post) (*Post, error) {
	id := snowflake.GeneratePost()
	now := time.Now().UTC()
	q := fmt.Sprintf(`INSERT INTO posts (id, author_id, object_uri, local, visibility, content, summary,
		sensitive, url, in_reply_to, type, type_data, published_at, state, state_changed, state_ready)
		VALUES (%s)`, r.Store.Placeholders(16))
	_, err := r.Store.DB.ExecContext(ctx, q,
		id, p.AuthorID, p.ObjectURI, p.Local, string(p.Visibility), p.Content, p.Summary,
		p.Sensitive, p.URL, p.InReplyTo, p.Type, orEmptyJSON(p.TypeData), now, "new", now, true,
	)
	if err != nil {
		return nil, fmt.Errorf("create post: %w", err)
	}
	return r.Get(ctx, id)
}

// Get loads a Post by id.
func (r *PostRepo) Get(ctx context.Context, id int64) (*Post, error) {
	q := fmt.Sprintf(`SELECT %s FROM posts WHERE id=%s`, postColumns, r.Store.Placeholder(1))
	return scanPost(r.Store.DB.QueryRowContext(ctx, q, id))
}

// GetByObjectURI loads a Post by its AP object id.
func (r *PostRepo) GetByObjectURI(ctx context.Context, uri string) (*Post, error) {
	q := fmt.Sprintf(`SELECT %s FROM posts WHERE object_uri=%s`, postColumns, r.Store.Placeholder(1))
	return scanPost(r.Store.DB.QueryRowContext(ctx, q, uri))
}

// AddMention records identityID as mentioned by postID, used both for
// rendering and for fan-out's guaranteed-recipient computation.
func (r *PostRepo) AddMention(ctx context.Context, postID, identityID int64) error {
	q := fmt.Sprintf(`INSERT INTO post_mentions (post_id, identity_id) VALUES (%s, %s) %s`,
		r.Store.Placeholder(1), r.Store.Placeholder(2), r.Store.InsertOrIgnore())
	_, err := r.Store.DB.ExecContext(ctx, q, postID, identityID)
	return err
}

// AddTo records an explicit "to" recipient (used for direct/mentioned-only
// visibility posts whose audience isn't derivable from followers alone).
func (r *PostRepo) AddTo(ctx context.Context, postID, identityID int64) error {
	q := fmt.Sprintf(`INSERT INTO post_to (post_id, identity_id) VALUES (%s, %s) %s`,
		r.Store.Placeholder(1), r.Store.Placeholder(2), r.Store.InsertOrIgnore())
	_, err := r.Store.DB.ExecContext(ctx, q, postID, identityID)
	return err
}

// ListPublicByAuthor returns authorID's public and unlisted posts, most
// recent first, for rendering their outbox collection.
func (r *PostRepo) ListPublicByAuthor(ctx context.Context, authorID int64, limit int) ([]*Post, error) {
	q := fmt.Sprintf(`SELECT %s FROM posts WHERE author_id=%s AND visibility IN (%s, %s) AND state != %s
		ORDER BY id DESC LIMIT %s`,
		postColumns, r.Store.Placeholder(1), r.Store.Placeholder(2), r.Store.Placeholder(3),
		r.Store.Placeholder(4), r.Store.Placeholder(5))
	rows, err := r.Store.DB.QueryContext(ctx, q, authorID, string(VisibilityPublic), string(VisibilityUnlisted), "deleted", limit)
	if err != nil {
		return nil, fmt.Errorf("list posts by author: %w", err)
	}
	defer rows.Close()

	var out []*Post
	for rows.Next() {
		p, err := scanPostRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Mentions returns the identity ids mentioned by postID.
func (r *PostRepo) Mentions(ctx context.Context, postID int64) ([]int64, error) {
	q := fmt.Sprintf(`SELECT identity_id FROM post_mentions WHERE post_id=%s`, r.Store.Placeholder(1))
	rows, err := r.Store.DB.QueryContext(ctx, q, postID)
	if err != nil {
		return nil, err
	}
	return store.ScanInt64s(rows)
}

// To returns the identity ids explicitly addressed in "to" for postID,
// used to narrow delivery for mentioned-only and direct-message posts
// whose audience isn't derivable from followers alone.
func (r *PostRepo) To(ctx context.Context, postID int64) ([]int64, error) {
	q := fmt.Sprintf(`SELECT identity_id FROM post_to WHERE post_id=%s`, r.Store.Placeholder(1))
	rows, err := r.Store.DB.QueryContext(ctx, q, postID)
	if err != nil {
		return nil, err
	}
	return store.ScanInt64s(rows)
}

// MarkEdited updates content/summary/sensitive and stamps edited_at, used
// by inbound Update(Note) handling.
func (r *PostRepo) MarkEdited(ctx context.Context, id int64, content, summary string, sensitive bool) error {
	now := time.Now().UTC()
	q := fmt.Sprintf(`UPDATE posts SET content=%s, summary=%s, sensitive=%s, edited_at=%s WHERE id=%s`,
		r.Store.Placeholder(1), r.Store.Placeholder(2), r.Store.Placeholder(3), r.Store.Placeholder(4), r.Store.Placeholder(5))
	_, err := r.Store.DB.ExecContext(ctx, q, content, summary, sensitive, now, id)
	return err
}

// MarkDeleted moves a Post to its terminal deleted state immediately
// (Delete activities don't wait for a try_interval).
func (r *PostRepo) MarkDeleted(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	q := fmt.Sprintf(`UPDATE posts SET state=%s, state_changed=%s, state_ready=%s WHERE id=%s`,
		r.Store.Placeholder(1), r.Store.Placeholder(2), r.Store.Placeholder(3), r.Store.Placeholder(4))
	_, err := r.Store.DB.ExecContext(ctx, q, "deleted", now, false, id)
	return err
}

func scanPost(row *sql.Row) (*Post, error) {
	var p Post
	var publishedAt, editedAt, stateAttempted, stateLockedUntil sql.NullTime
	var visibility string
	err := row.Scan(
		&p.ID, &p.AuthorID, &p.ObjectURI, &p.Local, &visibility, &p.Content, &p.Summary, &p.Sensitive, &p.URL,
		&p.InReplyTo, &p.Type, &p.TypeData, &publishedAt, &editedAt,
		&p.State, &p.StateChanged, &stateAttempted, &stateLockedUntil, &p.StateReady,
	)
	if err != nil {
		return nil, err
	}
	p.Visibility = Visibility(visibility)
	if publishedAt.Valid {
		p.PublishedAt = &publishedAt.Time
	}
	if editedAt.Valid {
		p.EditedAt = &editedAt.Time
	}
	if stateAttempted.Valid {
		p.StateAttempted = &stateAttempted.Time
	}
	if stateLockedUntil.Valid {
		p.StateLockedUntil = &stateLockedUntil.Time
	}
	return &p, nil
}

func scanPostRows(rows *sql.Rows) (*Post, error) {
	var p Post
	var publishedAt, editedAt, stateAttempted, stateLockedUntil sql.NullTime
	var visibility string
	err := rows.Scan(
		&p.ID, &p.AuthorID, &p.ObjectURI, &p.Local, &visibility, &p.Content, &p.Summary, &p.Sensitive, &p.URL,
		&p.InReplyTo, &p.Type, &p.TypeData, &publishedAt, &editedAt,
		&p.State, &p.StateChanged, &stateAttempted, &stateLockedUntil, &p.StateReady,
	)
	if err != nil {
		return nil, err
	}
	p.Visibility = Visibility(visibility)
	if publishedAt.Valid {
		p.PublishedAt = &publishedAt.Time
	}
	if editedAt.Valid {
		p.EditedAt = &editedAt.Time
	}
	if stateAttempted.Valid {
		p.StateAttempted = &stateAttempted.Time
	}
	if stateLockedUntil.Valid {
		p.StateLockedUntil = &stateLockedUntil.Time
	}
	return &p, nil
}

// PollData is a Question post's poll payload, stored in Post.TypeData:
// the option list with live vote counts and the close time an inbound
// vote is checked against.
type PollData struct {
	EndTime string       `json:"endTime,omitempty"`
	Options []PollOption `json:"options"`
}

// PollOption is one choice of a poll, with its running tally.
type PollOption struct {
	Name  string `json:"name"`
	Votes int    `json:"votes"`
}

// EncodePollData serialises a Question's options and close time for
// storage in Post.TypeData.
func EncodePollData(options []string, endTime string) (string, error) {
	data := PollData{EndTime: endTime}
	for _, name := range options {
		data.Options = append(data.Options, PollOption{Name: name})
	}
	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode poll data: %w", err)
	}
	return string(b), nil
}

// DecodePollData parses a post's TypeData back into PollData. A post with
// no poll data (every non-Question post) decodes to a zero-value PollData
// rather than erroring.
func DecodePollData(typeData string) (PollData, error) {
	var data PollData
	if typeData == "" || typeData == "{}" {
		return data, nil
	}
	if err := json.Unmarshal([]byte(typeData), &data); err != nil {
		return data, fmt.Errorf("decode poll data: %w", err)
	}
	return data, nil
}

// IncrementPollVote records one more vote for option on postID's poll. A
// read-modify-write over type_data, matching the rest of this repo's lack
// of row locking outside the stator claim path — a lost update under
// concurrent votes on the same poll is a tally undercount, not a
// correctness bug, and rare enough not to warrant SELECT ... FOR UPDATE.
func (r *PostRepo) IncrementPollVote(ctx context.Context, postID int64, option string) error {
	post, err := r.Get(ctx, postID)
	if err != nil {
		return err
	}
	data, err := DecodePollData(post.TypeData)
	if err != nil {
		return err
	}
	found := false
	for i := range data.Options {
		if data.Options[i].Name == option {
			data.Options[i].Votes++
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("vote for unknown poll option %q", option)
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode poll data: %w", err)
	}
	q := fmt.Sprintf(`UPDATE posts SET type_data=%s WHERE id=%s`, r.Store.Placeholder(1), r.Store.Placeholder(2))
	_, err = r.Store.DB.ExecContext(ctx, q, string(encoded), postID)
	return err
}

func orEmptyJSON(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}
