package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/whisperintel/whisper/internal/client"
)

const defaultBaseURL = "http://localhost:8080"

var errNotLoggedIn = errors.New("not logged in - run 'whisper login' or 'whisper signup'")

// cliState is the client state persisted between CLI invocations.
type cliState struct {
	BaseURL    string    `yaml:"base_url"`
	Username   string    `yaml:"username,omitempty"`
	Token      string    `yaml:"token,omitempty"`
	TokenExp   time.Time `yaml:"token_expires,omitempty"`
	PublicKey  string    `yaml:"public_key,omitempty"`
	PrivateKey string    `yaml:"private_key,omitempty"`
}

func defaultStatePath() string {
	if dir := os.Getenv("WHISPER_HOME"); dir != "" {
		return filepath.Join(dir, "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".whisper", "config.yaml")
	}
	return filepath.Join(home, ".whisper", "config.yaml")
}

func statePath() string {
	if stateFile != "" {
		return stateFile
	}
	return defaultStatePath()
}

// loadState reads the state file. A missing file yields an empty state.
func loadState(path string) (cliState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliState{}, nil
		}
		return cliState{}, fmt.Errorf("read state %s: %w", path, err)
	}
	var st cliState
	if err := yaml.Unmarshal(data, &st); err != nil {
		return cliState{}, fmt.Errorf("parse state %s: %w", path, err)
	}
	return st, nil
}

func saveState(path string, st cliState) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(st)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// baseURL picks --url, then the saved URL, then the default.
func (st cliState) baseURL(override string) string {
	if override != "" {
		return strings.TrimRight(override, "/")
	}
	if st.BaseURL != "" {
		return st.BaseURL
	}
	return defaultBaseURL
}

func (st cliState) tokenValid(now time.Time) bool {
	return st.Token != "" && now.Before(st.TokenExp)
}

func (st *cliState) rememberSession(c *client.Client, username string) {
	st.BaseURL = c.BaseURL
	st.Username = username
	st.Token = c.Token
	st.TokenExp = c.TokenExp
}

func (st *cliState) rememberKey(creds *client.Credentials) {
	st.PublicKey = creds.PublicKey
	st.PrivateKey = creds.PrivateKeyString()
}

func (st *cliState) forgetSession() {
	st.Token = ""
	st.TokenExp = time.Time{}
}

func (st cliState) credentials() (*client.Credentials, error) {
	if st.PublicKey == "" || st.PrivateKey == "" {
		return nil, errors.New("no saved key")
	}
	return client.CredentialsFromKeys(st.Username, st.PublicKey, st.PrivateKey)
}

// anonymousClient returns a client that sends the saved token when it is
// still valid, so attributed actions work without failing when logged out.
func anonymousClient() (*client.Client, cliState, error) {
	st, err := loadState(statePath())
	if err != nil {
		return nil, cliState{}, err
	}
	c := client.New(st.baseURL(apiURL))
	if st.tokenValid(time.Now()) {
		c.Token = st.Token
		c.TokenExp = st.TokenExp
	}
	return c, st, nil
}

func authenticatedClient() (*client.Client, cliState, error) {
	c, st, err := anonymousClient()
	if err != nil {
		return nil, cliState{}, err
	}
	if !c.IsAuthenticated() {
		if st.Token != "" {
			return nil, cliState{}, errors.New("token expired - run 'whisper login'")
		}
		return nil, cliState{}, errNotLoggedIn
	}
	return c, st, nil
}
