// Package auth hashes passwords, issues and verifies bearer tokens, and
// runs the challenge/signature flow for key-based login.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/whisperintel/whisper/internal/model"
	"github.com/whisperintel/whisper/internal/store"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidToken       = errors.New("invalid token")
	ErrTokenExpired       = errors.New("token expired")
	ErrChallengeExpired   = errors.New("challenge expired")
	ErrInvalidSignature   = errors.New("invalid signature")
	ErrUnsupportedAlg     = errors.New("unsupported alg")
	ErrUnknownKey         = errors.New("unknown key")
	ErrKeyRevoked         = errors.New("key revoked")
)

const MinPasswordLength = 6

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,32}$`)

// Claims identify the holder of a verified token.
type Claims struct {
	UserID   string
	Username string
}

type Service struct {
	store        store.Store
	tokenTTL     time.Duration
	challengeTTL time.Duration
	bcryptCost   int
	dummyHash    []byte
}

type Option func(*Service)

// WithBcryptCost overrides bcrypt.DefaultCost. Tests use bcrypt.MinCost.
func WithBcryptCost(cost int) Option {
	return func(s *Service) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			s.bcryptCost = cost
		}
	}
}

func NewService(store store.Store, tokenTTL, challengeTTL time.Duration, opts ...Option) *Service {
	s := &Service{
		store:        store,
		tokenTTL:     tokenTTL,
		challengeTTL: challengeTTL,
		bcryptCost:   bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(s)
	}
	// Compared against on unknown usernames so login timing does not reveal them.
	s.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("whisper-dummy-password"), s.bcryptCost)
	return s
}

func (s *Service) Hash(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

func (s *Service) Verify(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// IssueToken stores a new random bearer token for the user.
func (s *Service) IssueToken(ctx context.Context, claims Claims) (model.Token, error) {
	value, err := randomToken(32)
	if err != nil {
		return model.Token{}, err
	}
	token := model.Token{
		Token:     value,
		UserID:    claims.UserID,
		ExpiresAt: time.Now().UTC().Add(s.tokenTTL),
	}
	if err := s.store.CreateToken(ctx, token); err != nil {
		return model.Token{}, fmt.Errorf("store token: %w", err)
	}
	return token, nil
}

func (s *Service) VerifyToken(ctx context.Context, bearer string) (Claims, error) {
	if strings.TrimSpace(bearer) == "" {
		return Claims{}, ErrInvalidToken
	}
	token, err := s.store.GetToken(ctx, bearer)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Claims{}, ErrInvalidToken
		}
		return Claims{}, err
	}
	if !time.Now().Before(token.ExpiresAt) {
		return Claims{}, ErrTokenExpired
	}
	user, err := s.store.GetUser(ctx, token.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Claims{}, ErrInvalidToken
		}
		return Claims{}, err
	}
	return Claims{UserID: user.ID, Username: user.Username}, nil
}

func (s *Service) Signup(ctx context.Context, username, email, password string) (model.User, model.Token, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)
	if !usernamePattern.MatchString(username) {
		return model.User{}, model.Token{}, fmt.Errorf("%w: username must be 3-32 letters, digits, '-' or '_'", ErrInvalidInput)
	}
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return model.User{}, model.Token{}, fmt.Errorf("%w: email is not valid", ErrInvalidInput)
	}
	if len(password) < MinPasswordLength {
		return model.User{}, model.Token{}, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, MinPasswordLength)
	}
	hash, err := s.Hash(password)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return model.User{}, model.Token{}, fmt.Errorf("%w: password is too long", ErrInvalidInput)
		}
		return model.User{}, model.Token{}, err
	}

	user := model.User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateUser(ctx, &user); err != nil {
		return model.User{}, model.Token{}, err
	}
	token, err := s.IssueToken(ctx, Claims{UserID: user.ID, Username: user.Username})
	if err != nil {
		return model.User{}, model.Token{}, err
	}
	return user, token, nil
}

func (s *Service) Login(ctx context.Context, username, password string) (model.User, model.Token, error) {
	user, err := s.store.FindUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
			return model.User{}, model.Token{}, ErrInvalidCredentials
		}
		return model.User{}, model.Token{}, err
	}
	if !s.Verify(password, user.PasswordHash) {
		return model.User{}, model.Token{}, ErrInvalidCredentials
	}
	token, err := s.IssueToken(ctx, Claims{UserID: user.ID, Username: user.Username})
	if err != nil {
		return model.User{}, model.Token{}, err
	}
	return user, token, nil
}

func (s *Service) Logout(ctx context.Context, bearer string) error {
	return s.store.DeleteToken(ctx, bearer)
}

func (s *Service) CreateChallenge(ctx context.Context, alg string) (model.Challenge, error) {
	alg, ok := NormalizeAlg(alg)
	if !ok {
		return model.Challenge{}, fmt.Errorf("%w: %s", ErrUnsupportedAlg, alg)
	}
	challenge, err := randomToken(32)
	if err != nil {
		return model.Challenge{}, err
	}
	c := model.Challenge{
		Challenge: challenge,
		Alg:       alg,
		ExpiresAt: time.Now().UTC().Add(s.challengeTTL),
	}
	if err := s.store.CreateChallenge(ctx, c); err != nil {
		return model.Challenge{}, err
	}
	return c, nil
}

// AddKey registers publicKey for userID after checking it signed challenge.
func (s *Service) AddKey(ctx context.Context, userID, alg, publicKey, challenge, signature string) (model.UserKey, error) {
	alg, err := s.verifyChallenge(ctx, alg, publicKey, challenge, signature)
	if err != nil {
		return model.UserKey{}, err
	}
	key := model.UserKey{
		UserID:    userID,
		Alg:       alg,
		PublicKey: publicKey,
		CreatedAt: time.Now().UTC(),
	}
	id, err := s.store.AddUserKey(ctx, &key)
	if err != nil {
		return model.UserKey{}, err
	}
	key.ID = id
	return key, nil
}

// RevokeKey disables one of userID's keys. Unknown or already revoked keys
// return store.ErrNotFound.
func (s *Service) RevokeKey(ctx context.Context, userID string, keyID int64) error {
	return s.store.RevokeUserKey(ctx, userID, keyID, time.Now().UTC())
}

// VerifyAndIssue exchanges a signed challenge for a token of the key's owner.
func (s *Service) VerifyAndIssue(ctx context.Context, alg, publicKey, challenge, signature string) (model.User, model.Token, error) {
	alg, err := s.verifyChallenge(ctx, alg, publicKey, challenge, signature)
	if err != nil {
		return model.User{}, model.Token{}, err
	}
	key, err := s.store.FindUserKey(ctx, alg, publicKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.User{}, model.Token{}, ErrUnknownKey
		}
		return model.User{}, model.Token{}, err
	}
	if key.RevokedAt != nil {
		return model.User{}, model.Token{}, ErrKeyRevoked
	}
	user, err := s.store.GetUser(ctx, key.UserID)
	if err != nil {
		return model.User{}, model.Token{}, err
	}
	token, err := s.IssueToken(ctx, Claims{UserID: user.ID, Username: user.Username})
	if err != nil {
		return model.User{}, model.Token{}, err
	}
	return user, token, nil
}

func (s *Service) verifyChallenge(ctx context.Context, alg, publicKey, challenge, signature string) (string, error) {
	alg, ok := NormalizeAlg(alg)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedAlg, alg)
	}
	c, err := s.store.ConsumeChallenge(ctx, challenge)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("%w: unknown challenge", ErrInvalidInput)
		}
		return "", err
	}
	if time.Now().After(c.ExpiresAt) {
		return "", ErrChallengeExpired
	}
	if c.Alg != alg {
		return "", fmt.Errorf("%w: challenge alg mismatch", ErrInvalidInput)
	}
	if err := VerifySignature(alg, publicKey, challenge, signature); err != nil {
		return "", err
	}
	return alg, nil
}

func randomToken(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
