package httpapp

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/whisperintel/whisper/internal/auth"
	"github.com/whisperintel/whisper/internal/client"
	"github.com/whisperintel/whisper/internal/config"
	"github.com/whisperintel/whisper/internal/logging"
	"github.com/whisperintel/whisper/internal/model"
	"github.com/whisperintel/whisper/internal/rate"
	"github.com/whisperintel/whisper/internal/store/sqlite"
)

type testClient struct {
	server *httptest.Server
	client *http.Client
	store  *sqlite.Store
	clock  *testClock
}

// testClock is the server's clock in tests. It follows time.Now until set.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.t.IsZero() {
		return time.Now()
	}
	return c.t
}

func (c *testClock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.RateLimits = config.RateLimits{GistPerMinute: 1000, CommentPerMinute: 1000, VotePerMinute: 1000, AuthPerMinute: 1000}
	cfg.TokenTTL = time.Hour
	cfg.ChallengeTTL = time.Minute
	return cfg
}

func newTestClient(t *testing.T) *testClient {
	t.Helper()
	return newTestClientWithConfig(t, testConfig())
}

func newTestClientWithConfig(t *testing.T, cfg config.Config) *testClient {
	t.Helper()
	dsnName := strings.NewReplacer("/", "_").Replace(t.Name())
	st, err := sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", dsnName))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	limiter := rate.NewMemory()
	authSvc := auth.NewService(st, cfg.TokenTTL, cfg.ChallengeTTL, auth.WithBcryptCost(bcrypt.MinCost))
	server, err := NewServer(st, authSvc, limiter, cfg, logging.Discard())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	clock := &testClock{}
	server.now = clock.now
	ts := httptest.NewServer(server)
	t.Cleanup(func() {
		ts.Close()
		_ = st.Close()
	})
	return &testClient{server: ts, client: ts.Client(), store: st, clock: clock}
}

func (c *testClient) postJSON(t *testing.T, path string, body any, headers map[string]string) *http.Response {
	t.Helper()
	return c.do(t, http.MethodPost, path, body, headers)
}

func (c *testClient) get(t *testing.T, path string, headers map[string]string) *http.Response {
	t.Helper()
	return c.do(t, http.MethodGet, path, nil, headers)
}

func (c *testClient) do(t *testing.T, method, path string, body any, headers map[string]string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, _ := json.Marshal(body)
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, c.server.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response, out *T) {
	t.Helper()
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, out); err != nil {
		t.Fatalf("json decode: %v (body %s)", err, string(body))
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("expected status %d, got %d: %s", want, resp.StatusCode, string(b))
	}
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

// createTestUser signs up a user and returns a valid access token.
func createTestUser(t *testing.T, tc *testClient, name string) string {
	t.Helper()
	token, err := client.NewTestHelper(tc.server.URL).GetToken(name)
	if err != nil {
		t.Fatalf("create test user: %v", err)
	}
	return token
}

func createGist(t *testing.T, tc *testClient, title string, breaking bool, headers map[string]string) model.Gist {
	t.Helper()
	resp := tc.postJSON(t, "/api/gists", map[string]any{
		"title":       title,
		"content":     "content of " + title,
		"category":    "tech",
		"is_breaking": breaking,
	}, headers)
	expectStatus(t, resp, http.StatusCreated)
	var g model.Gist
	decodeJSON(t, resp, &g)
	return g
}

func TestGistCommentVoteFlow(t *testing.T) {
	tc := newTestClient(t)

	gist := createGist(t, tc, "Integration Gist", false, nil)
	if gist.ID == "" || gist.Votes != 0 || gist.ConfidenceScore != 50 {
		t.Fatalf("unexpected new gist: %+v", gist)
	}

	resp := tc.postJSON(t, "/api/gists/"+gist.ID+"/comments", map[string]any{"content": "First!"}, nil)
	expectStatus(t, resp, http.StatusCreated)
	var comment model.Comment
	decodeJSON(t, resp, &comment)
	if comment.Author != "Anonymous" || comment.GistID != gist.ID {
		t.Fatalf("unexpected comment: %+v", comment)
	}

	resp = tc.postJSON(t, "/api/gists/"+gist.ID+"/vote", map[string]any{"value": 1}, nil)
	expectStatus(t, resp, http.StatusOK)
	var voted model.Gist
	decodeJSON(t, resp, &voted)
	if voted.Votes != 1 || voted.ConfidenceScore != 55 {
		t.Fatalf("expected votes=1 confidence=55, got %+v", voted)
	}

	resp = tc.get(t, "/api/gists/"+gist.ID, nil)
	expectStatus(t, resp, http.StatusOK)
	var fetched model.Gist
	decodeJSON(t, resp, &fetched)
	if fetched.Votes != 1 {
		t.Fatalf("expected persisted vote, got %+v", fetched)
	}
}

func TestCreateGistValidation(t *testing.T) {
	tc := newTestClient(t)

	cases := []struct {
		name string
		body map[string]any
	}{
		{"short title", map[string]any{"title": "ab", "content": "x", "category": "tech"}},
		{"long title", map[string]any{"title": strings.Repeat("t", 201), "content": "x", "category": "tech"}},
		{"empty content", map[string]any{"title": "Fine title", "content": "   ", "category": "tech"}},
		{"long content", map[string]any{"title": "Fine title", "content": strings.Repeat("c", 5001), "category": "tech"}},
		{"bad category", map[string]any{"title": "Fine title", "content": "x", "category": "gossip"}},
		{"unknown field", map[string]any{"title": "Fine title", "content": "x", "category": "tech", "votes": 100}},
	}
	for _, tcase := range cases {
		t.Run(tcase.name, func(t *testing.T) {
			resp := tc.postJSON(t, "/api/gists", tcase.body, nil)
			expectStatus(t, resp, http.StatusBadRequest)
			var payload map[string]string
			decodeJSON(t, resp, &payload)
			if payload["error"] == "" {
				t.Fatalf("expected error message")
			}
		})
	}
}

func TestListGistsRankedByTrendingScore(t *testing.T) {
	tc := newTestClient(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tc.clock.set(now)

	seed := []model.Gist{
		{ID: "old-popular", Title: "Old popular", Content: "c", Category: "tech", Votes: 5, ConfidenceScore: 75, CreatedAt: now.Add(-48 * time.Hour)},
		{ID: "fresh", Title: "Fresh", Content: "c", Category: "tech", Votes: 0, ConfidenceScore: 50, CreatedAt: now},
		{ID: "breaking", Title: "Breaking", Content: "c", Category: "politics", IsBreaking: true, Votes: 1, ConfidenceScore: 55, CreatedAt: now.Add(-time.Hour)},
		{ID: "discussed", Title: "Discussed", Content: "c", Category: "tech", Votes: 0, ConfidenceScore: 50, CreatedAt: now.Add(-2 * time.Hour)},
	}
	for i := range seed {
		if err := tc.store.CreateGist(ctx, &seed[i]); err != nil {
			t.Fatalf("create gist: %v", err)
		}
	}
	for i := 0; i < 4; i++ {
		c := model.Comment{ID: fmt.Sprintf("c%d", i), GistID: "discussed", Author: "a", Content: "x", CreatedAt: now}
		if err := tc.store.CreateComment(ctx, &c); err != nil {
			t.Fatalf("create comment: %v", err)
		}
	}

	// old-popular:  50 + 50/50 + 0 + 37.5        = 88.5
	// fresh:         0 + 25 + 0 + 25             = 50
	// breaking:     (10 + 50/3 + 0 + 27.5) * 2   ≈ 108.3
	// discussed:     0 + 12.5 + 20 + 25          = 57.5
	resp := tc.get(t, "/api/gists", nil)
	expectStatus(t, resp, http.StatusOK)
	var gists []model.Gist
	decodeJSON(t, resp, &gists)

	want := []string{"breaking", "old-popular", "discussed", "fresh"}
	if len(gists) != len(want) {
		t.Fatalf("expected %d gists, got %d", len(want), len(gists))
	}
	for i, id := range want {
		if gists[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, gists[i].ID)
		}
	}

	resp = tc.get(t, "/api/gists?limit=2", nil)
	expectStatus(t, resp, http.StatusOK)
	decodeJSON(t, resp, &gists)
	if len(gists) != 2 || gists[0].ID != "breaking" || gists[1].ID != "old-popular" {
		t.Fatalf("expected limit applied after ranking, got %+v", gists)
	}

	resp = tc.get(t, "/api/gists?breaking=true", nil)
	expectStatus(t, resp, http.StatusOK)
	decodeJSON(t, resp, &gists)
	if len(gists) != 1 || gists[0].ID != "breaking" {
		t.Fatalf("expected only breaking gist, got %+v", gists)
	}

	resp = tc.get(t, "/api/gists?category=tech&q=DISCUSS", nil)
	expectStatus(t, resp, http.StatusOK)
	decodeJSON(t, resp, &gists)
	if len(gists) != 1 || gists[0].ID != "discussed" {
		t.Fatalf("expected search match, got %+v", gists)
	}

	resp = tc.get(t, "/api/gists?category=gossip", nil)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestListGistsEmptyIsArray(t *testing.T) {
	tc := newTestClient(t)
	resp := tc.get(t, "/api/gists", nil)
	expectStatus(t, resp, http.StatusOK)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if strings.TrimSpace(string(body)) != "[]" {
		t.Fatalf("expected empty array, got %s", string(body))
	}
}

func TestVoteValidationAndNotFound(t *testing.T) {
	tc := newTestClient(t)
	gist := createGist(t, tc, "Vote target", false, nil)

	resp := tc.postJSON(t, "/api/gists/"+gist.ID+"/vote", map[string]any{"value": 2}, nil)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = tc.postJSON(t, "/api/gists/missing/vote", map[string]any{"value": 1}, nil)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = tc.get(t, "/api/gists/missing", nil)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = tc.get(t, "/api/gists/missing/comments", nil)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestAuthenticatedVoteOncePerUserAndReputation(t *testing.T) {
	tc := newTestClient(t)
	authorToken := createTestUser(t, tc, "author")
	voterToken := createTestUser(t, tc, "voter")

	gist := createGist(t, tc, "Authored gist", false, bearer(authorToken))

	resp := tc.postJSON(t, "/api/gists/"+gist.ID+"/vote", map[string]any{"value": 1}, bearer(voterToken))
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = tc.postJSON(t, "/api/gists/"+gist.ID+"/vote", map[string]any{"value": 1}, bearer(voterToken))
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	// self votes count on the gist but not toward reputation
	resp = tc.postJSON(t, "/api/gists/"+gist.ID+"/vote", map[string]any{"value": 1}, bearer(authorToken))
	expectStatus(t, resp, http.StatusOK)
	var voted model.Gist
	decodeJSON(t, resp, &voted)
	if voted.Votes != 2 {
		t.Fatalf("expected 2 votes, got %d", voted.Votes)
	}

	resp = tc.get(t, "/api/auth/me", bearer(authorToken))
	expectStatus(t, resp, http.StatusOK)
	var me model.User
	decodeJSON(t, resp, &me)
	if me.Reputation != 1 {
		t.Fatalf("expected reputation 1, got %d", me.Reputation)
	}
}

func TestCommentsAuthorAndOrder(t *testing.T) {
	tc := newTestClient(t)
	token := createTestUser(t, tc, "commenter")
	gist := createGist(t, tc, "Comment target", false, nil)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	posts := []struct {
		body    map[string]any
		headers map[string]string
		author  string
	}{
		{map[string]any{"content": "anon"}, nil, "Anonymous"},
		{map[string]any{"content": "named", "author": "Deep Throat"}, nil, "Deep Throat"},
		{map[string]any{"content": "signed", "author": "ignored"}, bearer(token), "commenter"},
	}
	for i, p := range posts {
		tc.clock.set(base.Add(time.Duration(i) * time.Minute))
		resp := tc.postJSON(t, "/api/gists/"+gist.ID+"/comments", p.body, p.headers)
		expectStatus(t, resp, http.StatusCreated)
		var c model.Comment
		decodeJSON(t, resp, &c)
		if c.Author != p.author {
			t.Fatalf("comment %d: expected author %q, got %q", i, p.author, c.Author)
		}
	}

	resp := tc.get(t, "/api/gists/"+gist.ID+"/comments", nil)
	expectStatus(t, resp, http.StatusOK)
	var comments []model.Comment
	decodeJSON(t, resp, &comments)
	if len(comments) != 3 || comments[0].Content != "signed" || comments[2].Content != "anon" {
		t.Fatalf("expected newest first, got %+v", comments)
	}

	resp = tc.postJSON(t, "/api/gists/"+gist.ID+"/comments", map[string]any{"content": ""}, nil)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = tc.postJSON(t, "/api/gists/nope/comments", map[string]any{"content": "hi"}, nil)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestSignupLoginMeLogout(t *testing.T) {
	tc := newTestClient(t)

	resp := tc.postJSON(t, "/api/auth/signup", map[string]any{
		"username": "ada", "email": "ada@example.com", "password": "lovelace",
	}, nil)
	expectStatus(t, resp, http.StatusCreated)
	var session struct {
		User      map[string]any `json:"user"`
		Token     string         `json:"token"`
		ExpiresAt time.Time      `json:"expires_at"`
	}
	decodeJSON(t, resp, &session)
	if session.Token == "" || session.User["username"] != "ada" {
		t.Fatalf("unexpected signup response: %+v", session)
	}
	if _, leaked := session.User["password_hash"]; leaked {
		t.Fatalf("password hash must not be serialized")
	}

	resp = tc.postJSON(t, "/api/auth/signup", map[string]any{
		"username": "ada", "email": "other@example.com", "password": "lovelace",
	}, nil)
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = tc.postJSON(t, "/api/auth/signup", map[string]any{
		"username": "ada2", "email": "ada@example.com", "password": "lovelace",
	}, nil)
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = tc.postJSON(t, "/api/auth/signup", map[string]any{
		"username": "x", "email": "bad", "password": "1",
	}, nil)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = tc.postJSON(t, "/api/auth/login", map[string]any{"username": "ada", "password": "nope"}, nil)
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = tc.postJSON(t, "/api/auth/login", map[string]any{"username": "ada", "password": "lovelace"}, nil)
	expectStatus(t, resp, http.StatusOK)
	decodeJSON(t, resp, &session)

	resp = tc.get(t, "/api/auth/me?token="+session.Token, nil)
	expectStatus(t, resp, http.StatusOK)
	var me model.User
	decodeJSON(t, resp, &me)
	if me.Username != "ada" || me.Email != "ada@example.com" {
		t.Fatalf("unexpected me: %+v", me)
	}

	resp = tc.get(t, "/api/auth/me", nil)
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = tc.postJSON(t, "/api/auth/logout", nil, bearer(session.Token))
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = tc.get(t, "/api/auth/me", bearer(session.Token))
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()
}

func TestKeyLoginFlow(t *testing.T) {
	tc := newTestClient(t)
	token := createTestUser(t, tc, "keyholder")

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pubB64 := base64.StdEncoding.EncodeToString(pub)
	signed := func() map[string]any {
		resp := tc.postJSON(t, "/api/auth/challenge", map[string]any{"alg": "ed25519"}, nil)
		expectStatus(t, resp, http.StatusOK)
		var ch struct {
			Challenge string `json:"challenge"`
		}
		decodeJSON(t, resp, &ch)
		return map[string]any{
			"alg":        "ed25519",
			"public_key": pubB64,
			"challenge":  ch.Challenge,
			"signature":  base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(ch.Challenge))),
		}
	}

	// unregistered key
	resp := tc.postJSON(t, "/api/auth/verify", signed(), nil)
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = tc.postJSON(t, "/api/auth/keys", signed(), nil)
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = tc.postJSON(t, "/api/auth/keys", signed(), bearer(token))
	expectStatus(t, resp, http.StatusCreated)
	var key model.UserKey
	decodeJSON(t, resp, &key)

	resp = tc.postJSON(t, "/api/auth/keys", signed(), bearer(token))
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = tc.postJSON(t, "/api/auth/verify", signed(), nil)
	expectStatus(t, resp, http.StatusOK)
	var session struct {
		User  model.User `json:"user"`
		Token string     `json:"token"`
	}
	decodeJSON(t, resp, &session)
	if session.User.Username != "keyholder" || session.Token == "" {
		t.Fatalf("unexpected verify response: %+v", session)
	}

	resp = tc.do(t, http.MethodDelete, fmt.Sprintf("/api/auth/keys/%d", key.ID), nil, bearer(token))
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = tc.postJSON(t, "/api/auth/verify", signed(), nil)
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = tc.postJSON(t, "/api/auth/challenge", map[string]any{"alg": "dsa"}, nil)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestStats(t *testing.T) {
	tc := newTestClient(t)
	createTestUser(t, tc, "counter")
	gist := createGist(t, tc, "Counted", false, nil)
	resp := tc.postJSON(t, "/api/gists/"+gist.ID+"/comments", map[string]any{"content": "one"}, nil)
	expectStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	resp = tc.get(t, "/api/stats", nil)
	expectStatus(t, resp, http.StatusOK)
	var stats model.SiteStats
	decodeJSON(t, resp, &stats)
	if stats != (model.SiteStats{Users: 1, Gists: 1, Comments: 1}) {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestRateLimitedGistCreation(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimits.GistPerMinute = 2
	tc := newTestClientWithConfig(t, cfg)

	createGist(t, tc, "First gist", false, nil)
	createGist(t, tc, "Second gist", false, nil)
	resp := tc.postJSON(t, "/api/gists", map[string]any{"title": "Third gist", "content": "x", "category": "tech"}, nil)
	expectStatus(t, resp, http.StatusTooManyRequests)
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	var payload map[string]any
	decodeJSON(t, resp, &payload)
	if payload["error"] != "rate limit exceeded" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}
