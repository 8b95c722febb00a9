package store

import (
	"context"
	"errors"
	"time"

	"github.com/whisperintel/whisper/internal/model"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicateVote     = errors.New("duplicate vote")
	ErrDuplicateKey      = errors.New("duplicate key")
	ErrDuplicateUsername = errors.New("username already taken")
	ErrDuplicateEmail    = errors.New("email already registered")
)

// GistFilter narrows ListGists. Zero values match everything.
type GistFilter struct {
	Category     string
	Query        string
	BreakingOnly bool
}

type Store interface {
	GistStore
	CommentStore
	UserStore
	VoteStore
	AuthStore
	GetSiteStats(ctx context.Context) (model.SiteStats, error)
	Close() error
}

type GistStore interface {
	CreateGist(ctx context.Context, gist *model.Gist) error
	GetGist(ctx context.Context, id string) (model.Gist, error)
	ListGists(ctx context.Context, filter GistFilter) ([]model.Gist, error)
	ApplyGistVote(ctx context.Context, id string, delta int) (model.Gist, error)
}

type CommentStore interface {
	CreateComment(ctx context.Context, comment *model.Comment) error
	ListCommentsByGist(ctx context.Context, gistID string) ([]model.Comment, error)
	CountCommentsByGist(ctx context.Context, gistID string) (int, error)
	CommentCounts(ctx context.Context, gistIDs []string) (map[string]int, error)
}

type UserStore interface {
	CreateUser(ctx context.Context, user *model.User) error
	GetUser(ctx context.Context, id string) (model.User, error)
	FindUserByUsername(ctx context.Context, username string) (model.User, error)
	AddUserKey(ctx context.Context, key *model.UserKey) (int64, error)
	FindUserKey(ctx context.Context, alg, publicKey string) (model.UserKey, error)
	RevokeUserKey(ctx context.Context, userID string, keyID int64, revokedAt time.Time) error
}

type VoteStore interface {
	// CastVote records one vote per (gist, user) and applies it to the gist
	// and its author's reputation atomically. A repeat returns ErrDuplicateVote.
	CastVote(ctx context.Context, vote *model.Vote) (model.Gist, error)
}

type AuthStore interface {
	CreateChallenge(ctx context.Context, c model.Challenge) error
	ConsumeChallenge(ctx context.Context, challenge string) (model.Challenge, error)
	CreateToken(ctx context.Context, token model.Token) error
	GetToken(ctx context.Context, token string) (model.Token, error)
	DeleteToken(ctx context.Context, token string) error
	PurgeExpired(ctx context.Context, now time.Time) (tokens, challenges int64, err error)
}
