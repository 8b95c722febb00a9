// Package client provides a Go client for the whisper API.
package client

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/whisperintel/whisper/internal/model"
)

// Client is a whisper API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Token      string
	TokenExp   time.Time
}

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("whisper api (%d): %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// Credentials holds an ed25519 keypair used for key login.
type Credentials struct {
	Name       string
	PublicKey  string
	PrivateKey ed25519.PrivateKey
}

// Session is the body returned by signup, login and key verification.
type Session struct {
	User      model.User `json:"user"`
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expires_at"`
}

// NewGist is the body of a gist submission.
type NewGist struct {
	Title      string `json:"title"`
	Content    string `json:"content"`
	Category   string `json:"category"`
	IsBreaking bool   `json:"is_breaking"`
}

// ListOptions filters ListGists. Zero values are omitted.
type ListOptions struct {
	Category     string
	Query        string
	BreakingOnly bool
	Limit        int
}

// New creates a new whisper client.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// GenerateCredentials creates a new ed25519 keypair.
func GenerateCredentials(name string) (*Credentials, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Credentials{
		Name:       name,
		PublicKey:  base64.StdEncoding.EncodeToString(pub),
		PrivateKey: priv,
	}, nil
}

// CredentialsFromKeys rebuilds credentials from base64 keys.
func CredentialsFromKeys(name, pubKeyB64, privKeyB64 string) (*Credentials, error) {
	privBytes, err := base64.StdEncoding.DecodeString(privKeyB64)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if len(privBytes) != ed25519.PrivateKeySize {
		return nil, errors.New("invalid ed25519 private key length")
	}
	return &Credentials{
		Name:       name,
		PublicKey:  pubKeyB64,
		PrivateKey: ed25519.PrivateKey(privBytes),
	}, nil
}

// Sign signs a message with the credentials.
func (creds *Credentials) Sign(message string) string {
	sig := ed25519.Sign(creds.PrivateKey, []byte(message))
	return base64.StdEncoding.EncodeToString(sig)
}

// PrivateKeyString encodes the private key for storage.
func (creds *Credentials) PrivateKeyString() string {
	return base64.StdEncoding.EncodeToString(creds.PrivateKey)
}

// IsAuthenticated returns true if the client has an unexpired token.
func (c *Client) IsAuthenticated() bool {
	return c.Token != "" && time.Now().Before(c.TokenExp)
}

func (c *Client) setSession(s *Session) {
	c.Token = s.Token
	c.TokenExp = s.ExpiresAt
}

// Signup creates a user and keeps the returned token.
func (c *Client) Signup(username, email, password string) (*Session, error) {
	var s Session
	body := map[string]string{"username": username, "email": email, "password": password}
	if err := c.call(http.MethodPost, "/api/auth/signup", body, &s); err != nil {
		return nil, err
	}
	c.setSession(&s)
	return &s, nil
}

// Login exchanges a password for a token and keeps it.
func (c *Client) Login(username, password string) (*Session, error) {
	var s Session
	body := map[string]string{"username": username, "password": password}
	if err := c.call(http.MethodPost, "/api/auth/login", body, &s); err != nil {
		return nil, err
	}
	c.setSession(&s)
	return &s, nil
}

// Logout revokes the current token on the server and forgets it.
func (c *Client) Logout() error {
	if err := c.call(http.MethodPost, "/api/auth/logout", nil, nil); err != nil {
		return err
	}
	c.Token = ""
	c.TokenExp = time.Time{}
	return nil
}

// Me returns the user the current token belongs to.
func (c *Client) Me() (*model.User, error) {
	var u model.User
	if err := c.call(http.MethodGet, "/api/auth/me", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetChallenge requests a single-use challenge for alg.
func (c *Client) GetChallenge(alg string) (string, error) {
	var result struct {
		Challenge string `json:"challenge"`
	}
	if err := c.call(http.MethodPost, "/api/auth/challenge", map[string]string{"alg": alg}, &result); err != nil {
		return "", err
	}
	return result.Challenge, nil
}

func (c *Client) signedChallenge(creds *Credentials) (map[string]string, error) {
	challenge, err := c.GetChallenge("ed25519")
	if err != nil {
		return nil, fmt.Errorf("get challenge: %w", err)
	}
	return map[string]string{
		"alg":        "ed25519",
		"public_key": creds.PublicKey,
		"challenge":  challenge,
		"signature":  creds.Sign(challenge),
	}, nil
}

// AddKey registers creds with the authenticated user.
func (c *Client) AddKey(creds *Credentials) (*model.UserKey, error) {
	body, err := c.signedChallenge(creds)
	if err != nil {
		return nil, err
	}
	var key model.UserKey
	if err := c.call(http.MethodPost, "/api/auth/keys", body, &key); err != nil {
		return nil, err
	}
	return &key, nil
}

// RevokeKey disables one of the authenticated user's keys.
func (c *Client) RevokeKey(keyID int64) error {
	return c.call(http.MethodDelete, "/api/auth/keys/"+strconv.FormatInt(keyID, 10), nil, nil)
}

// Authenticate gets a token by signing a challenge with a registered key.
func (c *Client) Authenticate(creds *Credentials) (*Session, error) {
	body, err := c.signedChallenge(creds)
	if err != nil {
		return nil, err
	}
	var s Session
	if err := c.call(http.MethodPost, "/api/auth/verify", body, &s); err != nil {
		return nil, err
	}
	c.setSession(&s)
	return &s, nil
}

// ListGists returns gists in trending order.
func (c *Client) ListGists(opts ListOptions) ([]model.Gist, error) {
	q := url.Values{}
	if opts.Category != "" {
		q.Set("category", opts.Category)
	}
	if opts.Query != "" {
		q.Set("q", opts.Query)
	}
	if opts.BreakingOnly {
		q.Set("breaking", "true")
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	path := "/api/gists"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var gists []model.Gist
	if err := c.call(http.MethodGet, path, nil, &gists); err != nil {
		return nil, err
	}
	return gists, nil
}

func (c *Client) GetGist(id string) (*model.Gist, error) {
	var g model.Gist
	if err := c.call(http.MethodGet, "/api/gists/"+url.PathEscape(id), nil, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// CreateGist submits a gist. With a token the gist is attributed to the user.
func (c *Client) CreateGist(in NewGist) (*model.Gist, error) {
	var g model.Gist
	if err := c.call(http.MethodPost, "/api/gists", in, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// Vote casts +1 or -1 and returns the updated gist.
func (c *Client) Vote(gistID string, value int) (*model.Gist, error) {
	var g model.Gist
	path := "/api/gists/" + url.PathEscape(gistID) + "/vote"
	if err := c.call(http.MethodPost, path, map[string]int{"value": value}, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// ListComments returns a gist's comments, newest first.
func (c *Client) ListComments(gistID string) ([]model.Comment, error) {
	var comments []model.Comment
	path := "/api/gists/" + url.PathEscape(gistID) + "/comments"
	if err := c.call(http.MethodGet, path, nil, &comments); err != nil {
		return nil, err
	}
	return comments, nil
}

// PostComment adds a comment. author is ignored by the server when the
// client is authenticated.
func (c *Client) PostComment(gistID, author, content string) (*model.Comment, error) {
	body := map[string]string{"content": content}
	if author != "" {
		body["author"] = author
	}
	var comment model.Comment
	path := "/api/gists/" + url.PathEscape(gistID) + "/comments"
	if err := c.call(http.MethodPost, path, body, &comment); err != nil {
		return nil, err
	}
	return &comment, nil
}

func (c *Client) Stats() (*model.SiteStats, error) {
	var stats model.SiteStats
	if err := c.call(http.MethodGet, "/api/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// call sends body as JSON and decodes a 2xx response into out when non-nil.
func (c *Client) call(method, path string, body, out any) error {
	resp, err := c.doRequest(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(resp.Body)
		var payload struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(respBody))
		if json.Unmarshal(respBody, &payload) == nil && payload.Error != "" {
			msg = payload.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// doRequest performs an HTTP request, attaching the bearer token if set.
func (c *Client) doRequest(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequest(method, c.BaseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	return c.HTTPClient.Do(req)
}

// TestHelper provides utilities for creating authenticated clients in tests.
type TestHelper struct {
	BaseURL string
}

// NewTestHelper creates a new test helper for the given base URL.
func NewTestHelper(baseURL string) *TestHelper {
	return &TestHelper{BaseURL: baseURL}
}

// TestPassword is the password TestHelper gives every user it creates.
const TestPassword = "test-password"

// CreateAuthenticatedClient signs up name, or logs in if it already exists,
// and returns a client holding the token.
func (h *TestHelper) CreateAuthenticatedClient(name string) (*Client, error) {
	c := New(h.BaseURL)
	_, err := c.Signup(name, name+"@example.test", TestPassword)
	if IsStatus(err, http.StatusConflict) {
		_, err = c.Login(name, TestPassword)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// GetToken returns an access token for name.
func (h *TestHelper) GetToken(name string) (string, error) {
	c, err := h.CreateAuthenticatedClient(name)
	if err != nil {
		return "", err
	}
	return c.Token, nil
}
