package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/whisperintel/whisper/internal/model"
	"github.com/whisperintel/whisper/internal/store"

	_ "modernc.org/sqlite"
)

const (
	// countChunk bounds the number of bound parameters in one IN (...) list.
	countChunk = 500

	busyTimeoutMillis = 5000
)

type Store struct {
	db *sql.DB
}

// Open opens the database at path. Every pooled connection gets a busy
// timeout and foreign keys, and transactions take the write lock up front.
// Shared in-memory databases are limited to one connection because shared
// cache reports table locks without waiting.
func Open(path string) (*Store, error) {
	memory := isMemoryDSN(path)
	db, err := sql.Open("sqlite", withConnParams(path, memory))
	if err != nil {
		return nil, err
	}
	if memory {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := applySchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func isMemoryDSN(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory") || strings.HasPrefix(path, "file::memory:")
}

func withConnParams(path string, memory bool) string {
	params := []string{
		"_pragma=busy_timeout(" + strconv.Itoa(busyTimeoutMillis) + ")",
		"_pragma=foreign_keys(1)",
		"_txlock=immediate",
	}
	if !memory {
		params = append(params, "_pragma=journal_mode(WAL)")
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + strings.Join(params, "&")
}

func (s *Store) Close() error {
	return s.db.Close()
}

// migrations is an ordered list of SQL migrations.
// Each migration runs exactly once, tracked by schema_version table.
var migrations = []string{
	// Migration 1: Initial schema
	`
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	email TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	reputation INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS gists (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	content TEXT NOT NULL,
	category TEXT NOT NULL,
	is_breaking INTEGER NOT NULL DEFAULT 0,
	votes INTEGER NOT NULL DEFAULT 0,
	confidence_score INTEGER NOT NULL DEFAULT 50,
	created_at INTEGER NOT NULL,
	author_id TEXT
);
CREATE INDEX IF NOT EXISTS idx_gists_created_at ON gists(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_gists_category ON gists(category);

CREATE TABLE IF NOT EXISTS comments (
	id TEXT PRIMARY KEY,
	gist_id TEXT NOT NULL,
	author TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY(gist_id) REFERENCES gists(id)
);
CREATE INDEX IF NOT EXISTS idx_comments_gist_id ON comments(gist_id);

CREATE TABLE IF NOT EXISTS votes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	gist_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	value INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_votes_unique ON votes(gist_id, user_id);

CREATE TABLE IF NOT EXISTS user_keys (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	alg TEXT NOT NULL,
	public_key TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	revoked_at INTEGER,
	FOREIGN KEY(user_id) REFERENCES users(id)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_user_keys_unique ON user_keys(alg, public_key);

CREATE TABLE IF NOT EXISTS auth_challenges (
	challenge TEXT PRIMARY KEY,
	alg TEXT NOT NULL,
	expires_at INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS auth_tokens (
	token TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	expires_at INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_auth_tokens_expires_at ON auth_tokens(expires_at);
`,
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY
		)
	`); err != nil {
		return err
	}

	var currentVersion int
	row := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&currentVersion); err != nil {
		return err
	}

	for i := currentVersion; i < len(migrations); i++ {
		if _, err := db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
		if _, err := db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, i+1); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", i+1, err)
		}
	}

	return nil
}

const gistColumns = `id, title, content, category, is_breaking, votes, confidence_score, created_at, author_id`

func (s *Store) CreateGist(ctx context.Context, gist *model.Gist) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO gists (`+gistColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`, gist.ID, gist.Title, gist.Content, gist.Category, boolToInt(gist.IsBreaking), gist.Votes, gist.ConfidenceScore, toMillis(gist.CreatedAt), nullableString(gist.AuthorID))
	return err
}

func (s *Store) GetGist(ctx context.Context, id string) (model.Gist, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+gistColumns+` FROM gists WHERE id = ? LIMIT 1`, id)
	return scanGist(row)
}

// ListGists returns matching gists newest first. The order is the tie order
// seen by the trending ranker.
func (s *Store) ListGists(ctx context.Context, filter store.GistFilter) ([]model.Gist, error) {
	var where []string
	var args []any
	if filter.Category != "" {
		where = append(where, "category = ?")
		args = append(args, filter.Category)
	}
	if q := strings.TrimSpace(filter.Query); q != "" {
		where = append(where, "(instr(lower(title), lower(?)) > 0 OR instr(lower(content), lower(?)) > 0)")
		args = append(args, q, q)
	}
	if filter.BreakingOnly {
		where = append(where, "is_breaking = 1")
	}
	query := `SELECT ` + gistColumns + ` FROM gists`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	gists := make([]model.Gist, 0)
	for rows.Next() {
		g, err := scanGist(rows)
		if err != nil {
			return nil, err
		}
		gists = append(gists, g)
	}
	return gists, rows.Err()
}

// ApplyGistVote adds delta to the gist's votes and recomputes its confidence
// in one transaction.
func (s *Store) ApplyGistVote(ctx context.Context, id string, delta int) (model.Gist, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Gist{}, err
	}
	defer func() { _ = tx.Rollback() }()

	g, err := applyGistVote(ctx, tx, id, delta)
	if err != nil {
		return model.Gist{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Gist{}, err
	}
	return g, nil
}

// CastVote records a user's vote, applies it to the gist and moves the gist
// author's reputation by the vote value, all in one transaction. Authors
// voting on their own gist leave their reputation unchanged.
func (s *Store) CastVote(ctx context.Context, vote *model.Vote) (model.Gist, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Gist{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO votes (gist_id, user_id, value, created_at)
VALUES (?, ?, ?, ?)
`, vote.GistID, vote.UserID, vote.Value, toMillis(vote.CreatedAt)); err != nil {
		if isUniqueViolation(err) {
			return model.Gist{}, store.ErrDuplicateVote
		}
		return model.Gist{}, err
	}

	g, err := applyGistVote(ctx, tx, vote.GistID, vote.Value)
	if err != nil {
		return model.Gist{}, err
	}
	if g.AuthorID != nil && *g.AuthorID != vote.UserID {
		if _, err := tx.ExecContext(ctx, `UPDATE users SET reputation = reputation + ? WHERE id = ?`, vote.Value, *g.AuthorID); err != nil {
			return model.Gist{}, fmt.Errorf("adjust reputation: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return model.Gist{}, err
	}
	return g, nil
}

func applyGistVote(ctx context.Context, tx *sql.Tx, id string, delta int) (model.Gist, error) {
	res, err := tx.ExecContext(ctx, `
UPDATE gists
SET votes = votes + ?,
    confidence_score = MIN(?, ? + (votes + ?) * 5)
WHERE id = ?
`, delta, model.MaxConfidence, model.DefaultConfidence, delta, id)
	if err != nil {
		return model.Gist{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Gist{}, store.ErrNotFound
	}
	return scanGist(tx.QueryRowContext(ctx, `SELECT `+gistColumns+` FROM gists WHERE id = ?`, id))
}

func (s *Store) CreateComment(ctx context.Context, comment *model.Comment) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO comments (id, gist_id, author, content, created_at)
VALUES (?, ?, ?, ?, ?)
`, comment.ID, comment.GistID, comment.Author, comment.Content, toMillis(comment.CreatedAt))
	return err
}

func (s *Store) ListCommentsByGist(ctx context.Context, gistID string) ([]model.Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, gist_id, author, content, created_at
FROM comments
WHERE gist_id = ?
ORDER BY created_at DESC, rowid DESC
`, gistID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	comments := make([]model.Comment, 0)
	for rows.Next() {
		var c model.Comment
		var created int64
		if err := rows.Scan(&c.ID, &c.GistID, &c.Author, &c.Content, &created); err != nil {
			return nil, err
		}
		c.CreatedAt = fromMillis(created)
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

func (s *Store) CountCommentsByGist(ctx context.Context, gistID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM comments WHERE gist_id = ?`, gistID).Scan(&count)
	return count, err
}

// CommentCounts returns the number of comments per gist. Every requested id
// is present in the result, with 0 for gists without comments.
func (s *Store) CommentCounts(ctx context.Context, gistIDs []string) (map[string]int, error) {
	counts := make(map[string]int, len(gistIDs))
	for _, id := range gistIDs {
		counts[id] = 0
	}
	for start := 0; start < len(gistIDs); start += countChunk {
		end := min(start+countChunk, len(gistIDs))
		chunk := gistIDs[start:end]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		rows, err := s.db.QueryContext(ctx, `
SELECT gist_id, COUNT(*) FROM comments
WHERE gist_id IN (`+placeholders+`)
GROUP BY gist_id
`, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var id string
			var n int
			if err := rows.Scan(&id, &n); err != nil {
				rows.Close()
				return nil, err
			}
			counts[id] = n
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return counts, nil
}

func (s *Store) CreateUser(ctx context.Context, user *model.User) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO users (id, username, email, password_hash, reputation, created_at)
VALUES (?, ?, ?, ?, ?, ?)
`, user.ID, user.Username, user.Email, user.PasswordHash, user.Reputation, toMillis(user.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			msg := err.Error()
			switch {
			case strings.Contains(msg, "users.username"):
				return store.ErrDuplicateUsername
			case strings.Contains(msg, "users.email"):
				return store.ErrDuplicateEmail
			}
		}
		return err
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (model.User, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, username, email, password_hash, reputation, created_at
FROM users WHERE id = ?
`, id)
	return scanUser(row)
}

func (s *Store) FindUserByUsername(ctx context.Context, username string) (model.User, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, username, email, password_hash, reputation, created_at
FROM users WHERE username = ?
`, username)
	return scanUser(row)
}

func (s *Store) AddUserKey(ctx context.Context, key *model.UserKey) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO user_keys (user_id, alg, public_key, created_at)
VALUES (?, ?, ?, ?)
`, key.UserID, key.Alg, key.PublicKey, toMillis(key.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return 0, store.ErrDuplicateKey
		}
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) FindUserKey(ctx context.Context, alg, publicKey string) (model.UserKey, error) {
	var k model.UserKey
	var created int64
	var revoked sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
SELECT id, user_id, alg, public_key, created_at, revoked_at
FROM user_keys WHERE alg = ? AND public_key = ?
`, alg, publicKey).Scan(&k.ID, &k.UserID, &k.Alg, &k.PublicKey, &created, &revoked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.UserKey{}, store.ErrNotFound
		}
		return model.UserKey{}, err
	}
	k.CreatedAt = fromMillis(created)
	if revoked.Valid {
		t := fromMillis(revoked.Int64)
		k.RevokedAt = &t
	}
	return k, nil
}

func (s *Store) RevokeUserKey(ctx context.Context, userID string, keyID int64, revokedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE user_keys SET revoked_at = ? WHERE id = ? AND user_id = ? AND revoked_at IS NULL
`, toMillis(revokedAt), keyID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CreateChallenge(ctx context.Context, c model.Challenge) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO auth_challenges (challenge, alg, expires_at, created_at)
VALUES (?, ?, ?, ?)
`, c.Challenge, c.Alg, toMillis(c.ExpiresAt), toMillis(time.Now()))
	return err
}

// ConsumeChallenge deletes and returns the challenge so it can be used once.
func (s *Store) ConsumeChallenge(ctx context.Context, challenge string) (model.Challenge, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Challenge{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var c model.Challenge
	var expires int64
	err = tx.QueryRowContext(ctx, `
SELECT challenge, alg, expires_at FROM auth_challenges WHERE challenge = ?
`, challenge).Scan(&c.Challenge, &c.Alg, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Challenge{}, store.ErrNotFound
		}
		return model.Challenge{}, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM auth_challenges WHERE challenge = ?`, challenge); err != nil {
		return model.Challenge{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Challenge{}, err
	}
	c.ExpiresAt = fromMillis(expires)
	return c, nil
}

func (s *Store) CreateToken(ctx context.Context, token model.Token) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO auth_tokens (token, user_id, expires_at, created_at)
VALUES (?, ?, ?, ?)
`, token.Token, token.UserID, toMillis(token.ExpiresAt), toMillis(time.Now()))
	return err
}

func (s *Store) GetToken(ctx context.Context, token string) (model.Token, error) {
	var t model.Token
	var expires int64
	err := s.db.QueryRowContext(ctx, `
SELECT token, user_id, expires_at FROM auth_tokens WHERE token = ?
`, token).Scan(&t.Token, &t.UserID, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Token{}, store.ErrNotFound
		}
		return model.Token{}, err
	}
	t.ExpiresAt = fromMillis(expires)
	return t, nil
}

func (s *Store) DeleteToken(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM auth_tokens WHERE token = ?`, token)
	return err
}

func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, int64, error) {
	cutoff := toMillis(now)
	res, err := s.db.ExecContext(ctx, `DELETE FROM auth_tokens WHERE expires_at <= ?`, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("purge tokens: %w", err)
	}
	tokens, _ := res.RowsAffected()
	res, err = s.db.ExecContext(ctx, `DELETE FROM auth_challenges WHERE expires_at <= ?`, cutoff)
	if err != nil {
		return tokens, 0, fmt.Errorf("purge challenges: %w", err)
	}
	challenges, _ := res.RowsAffected()
	return tokens, challenges, nil
}

func (s *Store) GetSiteStats(ctx context.Context) (model.SiteStats, error) {
	var stats model.SiteStats
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`)
	if err := row.Scan(&stats.Users); err != nil {
		return stats, err
	}
	row = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM gists`)
	if err := row.Scan(&stats.Gists); err != nil {
		return stats, err
	}
	row = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM comments`)
	if err := row.Scan(&stats.Comments); err != nil {
		return stats, err
	}
	return stats, nil
}

func scanGist(scanner interface{ Scan(dest ...any) error }) (model.Gist, error) {
	var g model.Gist
	var breaking int
	var created int64
	var author sql.NullString
	if err := scanner.Scan(&g.ID, &g.Title, &g.Content, &g.Category, &breaking, &g.Votes, &g.ConfidenceScore, &created, &author); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Gist{}, store.ErrNotFound
		}
		return model.Gist{}, err
	}
	g.IsBreaking = breaking == 1
	g.CreatedAt = fromMillis(created)
	if author.Valid {
		a := author.String
		g.AuthorID = &a
	}
	return g, nil
}

func scanUser(scanner interface{ Scan(dest ...any) error }) (model.User, error) {
	var u model.User
	var created int64
	if err := scanner.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Reputation, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, store.ErrNotFound
		}
		return model.User{}, err
	}
	u.CreatedAt = fromMillis(created)
	return u, nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}
