// Package server implements the public HTTP surface: ActivityPub actor
// documents, the personal and shared inbox, outbox and featured
// collections, and the WebFinger/host-meta/NodeInfo discovery endpoints.
package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/klppl/fedcore/internal/activitystreams"
	"github.com/klppl/fedcore/internal/config"
	"github.com/klppl/fedcore/internal/inbox"
	"github.com/klppl/fedcore/internal/models"
)

const (
	activityJSONType = `application/activity+json`
	ldJSONType       = `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
	softwareName     = "fedcore"
	softwareVersion  = "1.0.0"
	outboxPageSize   = 40
)

// Server is the federation-facing HTTP server: actor/object rendering,
// discovery documents, and the inbound inbox handler.
type Server struct {
	cfg      *config.Config
	repos    *models.Repos
	receiver *inbox.Receiver
	router   *chi.Mux
}

// New builds a Server. receiver handles authenticated inbox deliveries;
// repos backs every read-side rendering endpoint.
func New(cfg *config.Config, repos *models.Repos, receiver *inbox.Receiver) *Server {
	s := &Server{
		cfg:      cfg,
		repos:    repos,
		receiver: receiver,
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the root http.Handler, for use by cmd/fedcore's
// http.Server and by tests exercising the router directly.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/.well-known/webfinger", s.handleWebFinger)
	r.Get("/.well-known/host-meta", s.handleHostMeta)
	r.Get("/.well-known/nodeinfo", s.handleNodeInfo)
	r.Get("/nodeinfo/{version}", s.handleNodeInfoSchema)

	r.Get("/@{handle}/", s.handleActor)
	r.Get("/@{handle}/outbox/", s.handleOutbox)
	r.Get("/@{handle}/collections/featured/", s.handleFeatured)
	r.Post("/@{handle}/inbox/", s.receiver.ServeHTTP)

	r.Post("/inbox/", s.receiver.ServeHTTP)
	r.Get("/actor/", s.handleSystemActor)

	return r
}

// handleActor renders a local identity's actor document. Only
// application/activity+json (or an ld+json profile) is served here; a
// text/html Accept header is answered with 406 since the human-facing
// profile page lives outside this system's scope.
func (s *Server) handleActor(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")
	ident, err := s.repos.Identities.GetByUsername(r.Context(), handle)
	if err != nil || !ident.Local {
		http.NotFound(w, r)
		return
	}
	if !acceptsActivityJSON(r) {
		http.Error(w, "not acceptable", http.StatusNotAcceptable)
		return
	}
	apResponse(w, activitystreams.WithContext(actorDocument(ident)))
}

// handleSystemActor renders the instance's own system actor, used to sign
// outbound fetches (actor refresh, WebFinger) that aren't made on behalf
// of any single local identity.
func (s *Server) handleSystemActor(w http.ResponseWriter, r *http.Request) {
	ident, err := s.repos.Identities.GetByUsername(r.Context(), "system")
	if err != nil || !ident.Local {
		http.NotFound(w, r)
		return
	}
	apResponse(w, activitystreams.WithContext(actorDocument(ident)))
}

func actorDocument(ident *models.Identity) *activitystreams.Actor {
	a := &activitystreams.Actor{
		ID:                        ident.ActorURI,
		Type:                      "Person",
		PreferredUsername:        ident.Username,
		Name:                      ident.DisplayName,
		Summary:                   ident.Summary,
		Inbox:                     ident.InboxURI,
		Outbox:                    ident.OutboxURI,
		Followers:                 ident.FollowersURI,
		Following:                 ident.FollowingURI,
		Featured:                  ident.FeaturedCollectionURI,
		ManuallyApprovesFollowers: ident.ManuallyApprovesFollowers,
		Discoverable:              ident.Discoverable,
		URL:                       ident.ActorURI,
		Endpoints: &activitystreams.Endpoints{
			SharedInbox: ident.SharedInboxURI,
		},
	}
	if ident.PublicKeyPEM != "" {
		a.PublicKey = &activitystreams.PublicKey{
			ID:           ident.PublicKeyID,
			Owner:        ident.ActorURI,
			PublicKeyPem: ident.PublicKeyPEM,
		}
	}
	if ident.IconURL != "" {
		a.Icon = &activitystreams.Image{Type: "Image", URL: ident.IconURL}
	}
	if ident.ImageURL != "" {
		a.Image = &activitystreams.Image{Type: "Image", URL: ident.ImageURL}
	}
	return a
}

// handleOutbox renders a local identity's public posts as an
// OrderedCollection. Pagination beyond the first page is out of scope;
// callers that need the full history should crawl linked objects instead.
func (s *Server) handleOutbox(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")
	ident, err := s.repos.Identities.GetByUsername(r.Context(), handle)
	if err != nil || !ident.Local {
		http.NotFound(w, r)
		return
	}

	posts, err := s.repos.Posts.ListPublicByAuthor(r.Context(), ident.ID, outboxPageSize)
	if err != nil {
		slog.Error("list outbox posts", "identity", ident.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	items := make([]interface{}, 0, len(posts))
	for _, p := range posts {
		items = append(items, activityForPost(ident, p))
	}

	col := activitystreams.OrderedCollection{
		Context:      activitystreams.DefaultContext,
		ID:           ident.OutboxURI,
		Type:         "OrderedCollection",
		TotalItems:   len(items),
		OrderedItems: items,
	}
	cacheHeaders(w, 60)
	apResponse(w, col)
}

func activityForPost(author *models.Identity, p *models.Post) map[string]interface{} {
	note := map[string]interface{}{
		"id":           p.ObjectURI,
		"type":         p.Type,
		"attributedTo": author.ActorURI,
		"content":      p.Content,
		"sensitive":    p.Sensitive,
	}
	if p.Summary != "" {
		note["summary"] = p.Summary
	}
	if p.InReplyTo != "" {
		note["inReplyTo"] = p.InReplyTo
	}
	if p.PublishedAt != nil {
		note["published"] = p.PublishedAt.UTC().Format(time.RFC3339)
	}
	switch p.Visibility {
	case models.VisibilityPublic:
		note["to"] = []string{activitystreams.PublicURI}
		note["cc"] = []string{author.FollowersURI}
	case models.VisibilityUnlisted:
		note["to"] = []string{author.FollowersURI}
		note["cc"] = []string{activitystreams.PublicURI}
	default:
		note["to"] = []string{author.FollowersURI}
	}
	return map[string]interface{}{
		"id":        p.ObjectURI + "/activity",
		"type":      "Create",
		"actor":     author.ActorURI,
		"published": note["published"],
		"to":        note["to"],
		"cc":        note["cc"],
		"object":    note,
	}
}

// handleFeatured renders a local identity's pinned-posts collection. Pin
// management itself is out of scope, so this always reports empty.
func (s *Server) handleFeatured(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")
	ident, err := s.repos.Identities.GetByUsername(r.Context(), handle)
	if err != nil || !ident.Local {
		http.NotFound(w, r)
		return
	}
	col := activitystreams.OrderedCollection{
		Context:      activitystreams.DefaultContext,
		ID:           ident.FeaturedCollectionURI,
		Type:         "OrderedCollection",
		TotalItems:   0,
		OrderedItems: []interface{}{},
	}
	cacheHeaders(w, 300)
	apResponse(w, col)
}

func (s *Server) handleWebFinger(w http.ResponseWriter, r *http.Request) {
	resource := r.URL.Query().Get("resource")
	if resource == "" {
		http.Error(w, "missing resource", http.StatusBadRequest)
		return
	}
	acct := strings.TrimPrefix(resource, "acct:")
	parts := strings.SplitN(acct, "@", 2)
	if len(parts) != 2 {
		http.Error(w, "invalid resource", http.StatusBadRequest)
		return
	}
	user, host := parts[0], parts[1]
	if host != s.cfg.URL().Host {
		http.NotFound(w, r)
		return
	}

	ident, err := s.repos.Identities.GetByUsername(r.Context(), user)
	if err != nil || !ident.Local {
		http.NotFound(w, r)
		return
	}

	resp := activitystreams.WebFingerResponse{
		Subject: resource,
		Aliases: []string{ident.ActorURI},
		Links: []activitystreams.WebFingerLink{
			{Rel: "self", Type: activityJSONType, Href: ident.ActorURI},
		},
	}
	w.Header().Set("Content-Type", "application/jrd+json")
	cacheHeaders(w, 3600)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("encode webfinger response", "error", err)
	}
}

func (s *Server) handleHostMeta(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/xrd+xml")
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<XRD xmlns="http://docs.oasis-open.org/ns/xri/xrd-1.0">
  <Link rel="lrdd" template="%s/.well-known/webfinger?resource={uri}"/>
</XRD>`, s.cfg.LocalDomain)
}

func (s *Server) handleNodeInfo(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"links": []map[string]string{
			{
				"rel":  "http://nodeinfo.diaspora.software/ns/schema/2.0",
				"href": s.cfg.BaseURL("/nodeinfo/2.0/"),
			},
		},
	}
	cacheHeaders(w, 3600)
	jsonResponse(w, resp, http.StatusOK)
}

func (s *Server) handleNodeInfoSchema(w http.ResponseWriter, r *http.Request) {
	v := strings.TrimSuffix(chi.URLParam(r, "version"), "/")
	if v != "2.0" {
		http.Error(w, "unsupported nodeinfo version", http.StatusNotFound)
		return
	}
	info := activitystreams.NodeInfo{
		Version:   "2.0",
		Software:  activitystreams.NodeInfoSoftware{Name: softwareName, Version: softwareVersion},
		Protocols: []string{"activitypub"},
		Usage:     activitystreams.NodeInfoUsage{Users: activitystreams.NodeInfoUsers{}},
	}
	cacheHeaders(w, 3600)
	jsonResponse(w, info, http.StatusOK)
}

func acceptsActivityJSON(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	if accept == "" {
		return true
	}
	return strings.Contains(accept, "application/activity+json") ||
		strings.Contains(accept, "application/ld+json") ||
		strings.Contains(accept, "*/*")
}

func apResponse(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", activityJSONType)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode activitypub response", "error", err)
	}
}

func jsonResponse(w http.ResponseWriter, v interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode json response", "error", err)
	}
}

func cacheHeaders(w http.ResponseWriter, maxAge int) {
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", maxAge))
}

// loggingMiddleware logs each HTTP request at debug level.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	})
}

// corsMiddleware adds CORS headers needed by browser-based AP clients
// fetching public documents.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

// Unwrap allows http.ResponseController to reach the underlying
// ResponseWriter, needed for SetWriteDeadline on long-lived connections.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
