package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/whisperintel/whisper/internal/client"
	"github.com/whisperintel/whisper/internal/model"
)

var signupCmd = &cobra.Command{
	Use:   "signup",
	Short: "Create an account and log in",
	Example: `  whisper signup --username ada --email ada@example.com
  whisper signup --username ada --email ada@example.com --no-key`,
	RunE: func(cmd *cobra.Command, args []string) error {
		username, _ := cmd.Flags().GetString("username")
		email, _ := cmd.Flags().GetString("email")
		noKey, _ := cmd.Flags().GetBool("no-key")
		password, err := passwordFrom(cmd)
		if err != nil {
			return err
		}

		st, err := loadState(statePath())
		if err != nil {
			return err
		}
		c := client.New(st.baseURL(apiURL))
		session, err := c.Signup(username, email, password)
		if err != nil {
			return err
		}
		st = cliState{}
		st.rememberSession(c, session.User.Username)

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "✓ Signed up as '%s'\n", session.User.Username)

		if !noKey {
			creds, err := client.GenerateCredentials(session.User.Username)
			if err != nil {
				return fmt.Errorf("generate key: %w", err)
			}
			if _, err := c.AddKey(creds); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Warning: key registration failed: %v\n", err)
			} else {
				st.rememberKey(creds)
				fmt.Fprintf(out, "✓ Registered signing key %s...\n", shortKey(creds.PublicKey))
			}
		}

		if err := saveState(statePath(), st); err != nil {
			return fmt.Errorf("save state: %w", err)
		}
		fmt.Fprintf(out, "  Token expires %s\n", st.TokenExp.Format(time.RFC3339))
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in with a password or the saved signing key",
	Long: `Log in with --username and a password, or with no flags to sign a
challenge with the key saved by 'whisper signup'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		username, _ := cmd.Flags().GetString("username")

		st, err := loadState(statePath())
		if err != nil {
			return err
		}
		c := client.New(st.baseURL(apiURL))

		var session *client.Session
		if username == "" {
			creds, err := st.credentials()
			if err != nil {
				return errors.New("--username is required when no signing key is saved")
			}
			if session, err = c.Authenticate(creds); err != nil {
				return err
			}
		} else {
			password, err := passwordFrom(cmd)
			if err != nil {
				return err
			}
			if session, err = c.Login(username, password); err != nil {
				return err
			}
			if st.Username != session.User.Username {
				st.PublicKey, st.PrivateKey = "", ""
			}
		}
		st.rememberSession(c, session.User.Username)
		if err := saveState(statePath(), st); err != nil {
			return fmt.Errorf("save state: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Logged in as '%s' (expires %s)\n",
			session.User.Username, session.ExpiresAt.Format(time.RFC3339))
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Revoke the saved token",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := loadState(statePath())
		if err != nil {
			return err
		}
		if st.Token == "" {
			fmt.Fprintln(cmd.OutOrStdout(), "Not logged in")
			return nil
		}
		c := client.New(st.baseURL(apiURL))
		c.Token = st.Token
		if err := c.Logout(); err != nil && !client.IsStatus(err, http.StatusUnauthorized) {
			return err
		}
		st.forgetSession()
		if err := saveState(statePath(), st); err != nil {
			return fmt.Errorf("save state: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "✓ Logged out")
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:     "whoami",
	Aliases: []string{"status"},
	Short:   "Show the logged in user",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, st, err := authenticatedClient()
		if err != nil {
			return err
		}
		me, err := c.Me()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "User:       %s\n", me.Username)
		fmt.Fprintf(out, "Email:      %s\n", me.Email)
		fmt.Fprintf(out, "Reputation: %d\n", me.Reputation)
		fmt.Fprintf(out, "Server:     %s\n", c.BaseURL)
		fmt.Fprintf(out, "Token:      valid until %s\n", st.TokenExp.Format(time.RFC3339))
		if st.PublicKey != "" {
			fmt.Fprintf(out, "Key:        %s...\n", shortKey(st.PublicKey))
		}
		return nil
	},
}

var postCmd = &cobra.Command{
	Use:     "post",
	Aliases: []string{"submit"},
	Short:   "Submit a gist",
	Example: `  whisper post --title "Rate cut expected" --content "Futures price in 25bp." --category finance
  whisper post --title "Outage at major CDN" --content "..." --category tech --breaking`,
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		content, _ := cmd.Flags().GetString("content")
		category, _ := cmd.Flags().GetString("category")
		breaking, _ := cmd.Flags().GetBool("breaking")

		c, _, err := anonymousClient()
		if err != nil {
			return err
		}
		gist, err := c.CreateGist(client.NewGist{
			Title:      title,
			Content:    content,
			Category:   category,
			IsBreaking: breaking,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Posted: %s\n  ID: %s\n", gist.Title, gist.ID)
		return nil
	},
}

var voteCmd = &cobra.Command{
	Use:   "vote <gist-id>",
	Short: "Vote on a gist",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		down, _ := cmd.Flags().GetBool("down")
		value := 1
		if down {
			value = -1
		}
		c, _, err := anonymousClient()
		if err != nil {
			return err
		}
		gist, err := c.Vote(args[0], value)
		if err != nil {
			return err
		}
		action := "Upvoted"
		if down {
			action = "Downvoted"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ %s %s (votes %d, confidence %d%%)\n",
			action, gist.ID, gist.Votes, gist.ConfidenceScore)
		return nil
	},
}

var commentCmd = &cobra.Command{
	Use:   "comment <gist-id>",
	Short: "Comment on a gist",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		author, _ := cmd.Flags().GetString("author")
		c, _, err := anonymousClient()
		if err != nil {
			return err
		}
		comment, err := c.PostComment(args[0], author, text)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Commented as %s\n  ID: %s\n", comment.Author, comment.ID)
		return nil
	},
}

var readCmd = &cobra.Command{
	Use:     "read [gist-id]",
	Aliases: []string{"list"},
	Short:   "Show trending gists, or one gist with its comments",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := anonymousClient()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(args) == 1 {
			gist, err := c.GetGist(args[0])
			if err != nil {
				return err
			}
			comments, err := c.ListComments(gist.ID)
			if err != nil {
				return err
			}
			printGistDetail(out, *gist, comments)
			return nil
		}

		category, _ := cmd.Flags().GetString("category")
		query, _ := cmd.Flags().GetString("query")
		breaking, _ := cmd.Flags().GetBool("breaking")
		limit, _ := cmd.Flags().GetInt("limit")
		gists, err := c.ListGists(client.ListOptions{
			Category:     category,
			Query:        query,
			BreakingOnly: breaking,
			Limit:        limit,
		})
		if err != nil {
			return err
		}
		printGistList(out, gists)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show site totals",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := anonymousClient()
		if err != nil {
			return err
		}
		stats, err := c.Stats()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Users:    %d\n", stats.Users)
		fmt.Fprintf(out, "Gists:    %d\n", stats.Gists)
		fmt.Fprintf(out, "Comments: %d\n", stats.Comments)
		return nil
	},
}

func init() {
	signupCmd.Flags().String("username", "", "username, 3-32 letters, digits, '_' or '-' (required)")
	signupCmd.Flags().String("email", "", "email address (required)")
	signupCmd.Flags().String("password", "", "password (default: $WHISPER_PASSWORD)")
	signupCmd.Flags().Bool("no-key", false, "skip generating a signing key")
	_ = signupCmd.MarkFlagRequired("username")
	_ = signupCmd.MarkFlagRequired("email")

	loginCmd.Flags().String("username", "", "username for password login")
	loginCmd.Flags().String("password", "", "password (default: $WHISPER_PASSWORD)")

	postCmd.Flags().String("title", "", "gist title (required)")
	postCmd.Flags().String("content", "", "gist body (required)")
	postCmd.Flags().String("category", "other", "one of "+strings.Join(model.Categories, ", "))
	postCmd.Flags().Bool("breaking", false, "mark as breaking news")
	_ = postCmd.MarkFlagRequired("title")
	_ = postCmd.MarkFlagRequired("content")

	voteCmd.Flags().Bool("down", false, "downvote instead of upvote")

	commentCmd.Flags().String("text", "", "comment text (required)")
	commentCmd.Flags().String("author", "", "display name when not logged in")
	_ = commentCmd.MarkFlagRequired("text")

	readCmd.Flags().String("category", "", "only this category")
	readCmd.Flags().StringP("query", "q", "", "search title and content")
	readCmd.Flags().Bool("breaking", false, "only breaking gists")
	readCmd.Flags().Int("limit", 10, "number of gists, 0 for all")
}

func passwordFrom(cmd *cobra.Command) (string, error) {
	password, _ := cmd.Flags().GetString("password")
	if password == "" {
		password = os.Getenv("WHISPER_PASSWORD")
	}
	if password == "" {
		return "", errors.New("--password or WHISPER_PASSWORD is required")
	}
	return password, nil
}

func shortKey(key string) string {
	if len(key) > 20 {
		return key[:20]
	}
	return key
}

func printGistList(w io.Writer, gists []model.Gist) {
	if len(gists) == 0 {
		fmt.Fprintln(w, "No gists yet")
		return
	}
	for i, g := range gists {
		marker := ""
		if g.IsBreaking {
			marker = " [BREAKING]"
		}
		fmt.Fprintf(w, "%d. %s%s\n", i+1, g.Title, marker)
		fmt.Fprintf(w, "   %d votes | %d%% confidence | %s | %s | %s\n\n",
			g.Votes, g.ConfidenceScore, g.Category, age(g.CreatedAt, time.Now()), g.ID)
	}
}

func printGistDetail(w io.Writer, g model.Gist, comments []model.Comment) {
	fmt.Fprintf(w, "\n%s\n", g.Title)
	fmt.Fprintf(w, "  %s | %d votes | %d%% confidence | %s\n", g.Category, g.Votes, g.ConfidenceScore, age(g.CreatedAt, time.Now()))
	if g.IsBreaking {
		fmt.Fprintln(w, "  BREAKING")
	}
	fmt.Fprintf(w, "\n  %s\n", g.Content)
	if len(comments) == 0 {
		return
	}
	fmt.Fprintf(w, "\n  --- Comments (%d) ---\n", len(comments))
	for _, c := range comments {
		fmt.Fprintf(w, "  %s (%s): %s\n", c.Author, age(c.CreatedAt, time.Now()), c.Content)
	}
}

// age renders how long ago t was, coarsely.
func age(t, now time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d/time.Minute))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d/time.Hour))
	default:
		return fmt.Sprintf("%dd ago", int(d/(24*time.Hour)))
	}
}
