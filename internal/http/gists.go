package httpapp

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/whisperintel/whisper/internal/model"
	"github.com/whisperintel/whisper/internal/store"
	"github.com/whisperintel/whisper/internal/trending"
)

const (
	minTitleLen     = 3
	maxTitleLen     = 200
	maxContentLen   = 5000
	maxCommentLen   = 2000
	maxAuthorLen    = 50
	anonymousAuthor = "Anonymous"
)

// handleListGists returns gists ordered by trending score. Filters narrow
// the candidate set before ranking; limit truncates the ranked result.
func (s *Server) handleListGists(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.GistFilter{
		Category:     strings.TrimSpace(q.Get("category")),
		Query:        strings.TrimSpace(q.Get("q")),
		BreakingOnly: q.Get("breaking") == "true",
	}
	if filter.Category != "" && !model.ValidCategory(filter.Category) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown category %q", filter.Category))
		return
	}
	limit := parseIntDefault(q.Get("limit"), 0)

	gists, err := s.store.ListGists(r.Context(), filter)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	ids := make([]string, len(gists))
	for i, g := range gists {
		ids[i] = g.ID
	}
	counts, err := s.store.CommentCounts(r.Context(), ids)
	if err != nil {
		s.serverError(w, r, err)
		return
	}

	snapshots := make([]trending.Snapshot, len(gists))
	for i, g := range gists {
		snapshots[i] = trending.Snapshot{Gist: g, CommentCount: counts[g.ID]}
	}
	ranked := s.ranker.Rank(snapshots, s.now().UTC())
	if limit > 0 && limit < len(ranked) {
		ranked = ranked[:limit]
	}

	out := make([]model.Gist, len(ranked))
	for i, rg := range ranked {
		out[i] = rg.Gist
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateGist(w http.ResponseWriter, r *http.Request) {
	if !s.allowRateLimit(w, r, "gist", s.cfg.RateLimits.GistPerMinute) {
		return
	}
	var req struct {
		Title      string `json:"title"`
		Content    string `json:"content"`
		Category   string `json:"category"`
		IsBreaking bool   `json:"is_breaking"`
	}
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	title := strings.TrimSpace(req.Title)
	content := strings.TrimSpace(req.Content)
	category := strings.ToLower(strings.TrimSpace(req.Category))
	if n := utf8.RuneCountInString(title); n < minTitleLen || n > maxTitleLen {
		writeError(w, http.StatusBadRequest, fmt.Errorf("title must be %d-%d characters", minTitleLen, maxTitleLen))
		return
	}
	if n := utf8.RuneCountInString(content); n == 0 || n > maxContentLen {
		writeError(w, http.StatusBadRequest, fmt.Errorf("content must be 1-%d characters", maxContentLen))
		return
	}
	if !model.ValidCategory(category) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("category must be one of %s", strings.Join(model.Categories, ", ")))
		return
	}

	gist := model.Gist{
		ID:              uuid.NewString(),
		Title:           title,
		Content:         content,
		Category:        category,
		IsBreaking:      req.IsBreaking,
		ConfidenceScore: model.DefaultConfidence,
		CreatedAt:       s.now().UTC(),
	}
	if claims := s.optionalAuth(r); claims != nil {
		authorID := claims.UserID
		gist.AuthorID = &authorID
	}
	if err := s.store.CreateGist(r.Context(), &gist); err != nil {
		s.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, gist)
}

func (s *Server) handleGetGist(w http.ResponseWriter, r *http.Request) {
	gist, err := s.store.GetGist(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, gist)
}

// handleVote applies a +1/-1 vote. Anonymous votes are accepted; an
// authenticated user may vote once per gist and moves the author's
// reputation.
func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	if !s.allowRateLimit(w, r, "vote", s.cfg.RateLimits.VotePerMinute) {
		return
	}
	var req struct {
		Value int `json:"value"`
	}
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Value != 1 && req.Value != -1 {
		writeError(w, http.StatusBadRequest, errors.New("value must be 1 or -1"))
		return
	}

	id := chi.URLParam(r, "id")
	var (
		updated model.Gist
		err     error
	)
	if claims := s.optionalAuth(r); claims != nil {
		vote := model.Vote{GistID: id, UserID: claims.UserID, Value: req.Value, CreatedAt: s.now().UTC()}
		updated, err = s.store.CastVote(r.Context(), &vote)
	} else {
		updated, err = s.store.ApplyGistVote(r.Context(), id, req.Value)
	}
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleListComments(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetGist(r.Context(), id); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	comments, err := s.store.ListCommentsByGist(r.Context(), id)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	if comments == nil {
		comments = []model.Comment{}
	}
	writeJSON(w, http.StatusOK, comments)
}

func (s *Server) handleCreateComment(w http.ResponseWriter, r *http.Request) {
	if !s.allowRateLimit(w, r, "comment", s.cfg.RateLimits.CommentPerMinute) {
		return
	}
	var req struct {
		Author  string `json:"author"`
		Content string `json:"content"`
	}
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	content := strings.TrimSpace(req.Content)
	if n := utf8.RuneCountInString(content); n == 0 || n > maxCommentLen {
		writeError(w, http.StatusBadRequest, fmt.Errorf("content must be 1-%d characters", maxCommentLen))
		return
	}

	author := strings.TrimSpace(req.Author)
	if claims := s.optionalAuth(r); claims != nil {
		author = claims.Username
	}
	if author == "" {
		author = anonymousAuthor
	}
	if utf8.RuneCountInString(author) > maxAuthorLen {
		writeError(w, http.StatusBadRequest, fmt.Errorf("author must be at most %d characters", maxAuthorLen))
		return
	}

	id := chi.URLParam(r, "id")
	if _, err := s.store.GetGist(r.Context(), id); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	comment := model.Comment{
		ID:        uuid.NewString(),
		GistID:    id,
		Author:    author,
		Content:   content,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.CreateComment(r.Context(), &comment); err != nil {
		s.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, comment)
}
