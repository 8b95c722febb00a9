package model

import "time"

// Categories lists the gist categories accepted on submission.
var Categories = []string{"tech", "finance", "politics", "entertainment", "sports", "other"}

const (
	DefaultConfidence = 50
	MaxConfidence     = 95
)

type Gist struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Content         string    `json:"content"`
	Category        string    `json:"category"`
	IsBreaking      bool      `json:"is_breaking"`
	Votes           int       `json:"votes"`
	ConfidenceScore int       `json:"confidence_score"`
	CreatedAt       time.Time `json:"created_at"`
	AuthorID        *string   `json:"-"`
}

type Comment struct {
	ID        string    `json:"id"`
	GistID    string    `json:"gist_id"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Reputation   int       `json:"reputation"`
	CreatedAt    time.Time `json:"created_at"`
}

type UserKey struct {
	ID        int64      `json:"id"`
	UserID    string     `json:"user_id"`
	Alg       string     `json:"alg"`
	PublicKey string     `json:"public_key"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

type Vote struct {
	GistID    string
	UserID    string
	Value     int
	CreatedAt time.Time
}

type Challenge struct {
	Challenge string
	Alg       string
	ExpiresAt time.Time
}

type Token struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
}

type SiteStats struct {
	Users    int64 `json:"users"`
	Gists    int64 `json:"gists"`
	Comments int64 `json:"comments"`
}

// ConfidenceFor derives a gist's confidence score from its vote total.
func ConfidenceFor(votes int) int {
	c := DefaultConfidence + votes*5
	if c > MaxConfidence {
		return MaxConfidence
	}
	return c
}

func ValidCategory(category string) bool {
	for _, c := range Categories {
		if c == category {
			return true
		}
	}
	return false
}
