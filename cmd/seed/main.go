package main

import (
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/whisperintel/whisper/internal/client"
	"github.com/whisperintel/whisper/internal/logging"
)

var users = []string{"analyst", "fieldwire", "quantdesk", "pressbox", "signalhub"}

var gists = []client.NewGist{
	{Title: "Central bank signals pause", Content: "Minutes suggest no change to rates before the autumn.", Category: "finance"},
	{Title: "Chipmaker delays next node", Content: "Supply partners report a two-quarter slip on volume production.", Category: "tech"},
	{Title: "Coalition talks stall", Content: "Negotiators left without a joint statement after eleven hours.", Category: "politics"},
	{Title: "Studio greenlights sequel", Content: "Production is expected to start in the spring.", Category: "entertainment"},
	{Title: "Transfer window record", Content: "Combined spending passed last season's total with a week to go.", Category: "sports"},
	{Title: "Undersea cable cut reported", Content: "Latency spikes across two regions while operators reroute traffic.", Category: "tech", IsBreaking: true},
	{Title: "Port strike enters day three", Content: "Container backlog now stretches past forty vessels.", Category: "other", IsBreaking: true},
	{Title: "Bond yields climb on jobs data", Content: "Payrolls beat consensus by a wide margin.", Category: "finance"},
}

var comments = []string{
	"Two independent sources are saying the same thing.",
	"Is there a primary document for this?",
	"This matches what we saw last quarter.",
	"Confidence seems high for a single report.",
	"Worth watching the follow-up numbers next week.",
	"Already priced in, in my view.",
	"Local coverage has more detail on this.",
	"Can anyone confirm the timeline?",
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "whisper server URL")
	flag.Parse()

	logger := logging.New(logging.Options{Prefix: "seed"})
	logger.Info("seeding", "url", *baseURL)

	helper := client.NewTestHelper(*baseURL)
	var clients []*client.Client
	for _, name := range users {
		c, err := helper.CreateAuthenticatedClient(name)
		if err != nil {
			logger.Fatal("create user", "user", name, "err", err)
		}
		logger.Info("✓ user ready", "user", name)
		clients = append(clients, c)
	}

	var gistIDs []string
	for _, g := range gists {
		idx := rand.Intn(len(clients))
		created, err := clients[idx].CreateGist(g)
		if err != nil {
			logger.Error("post gist", "title", g.Title, "err", err)
			continue
		}
		gistIDs = append(gistIDs, created.ID)
		logger.Info("✓ posted gist", "id", created.ID, "title", g.Title, "user", users[idx])

		// spread created_at so recency differs
		time.Sleep(50 * time.Millisecond)
	}
	if len(gistIDs) == 0 {
		logger.Fatal("no gists were created")
	}

	anon := client.New(*baseURL)
	commentCount := 0
	for _, id := range gistIDs {
		n := rand.Intn(4)
		for i := 0; i < n; i++ {
			text := comments[rand.Intn(len(comments))]
			var err error
			if rand.Float32() < 0.3 {
				_, err = anon.PostComment(id, "", text)
			} else {
				_, err = clients[rand.Intn(len(clients))].PostComment(id, "", text)
			}
			if err != nil {
				logger.Error("comment", "gist", id, "err", err)
				continue
			}
			commentCount++
		}
	}
	logger.Info("✓ added comments", "count", commentCount)

	voteCount := 0
	for _, c := range clients {
		for _, id := range gistIDs {
			if rand.Float32() < 0.5 {
				continue
			}
			value := 1
			if rand.Float32() < 0.2 {
				value = -1
			}
			if _, err := c.Vote(id, value); err != nil {
				if !client.IsStatus(err, http.StatusConflict) {
					logger.Error("vote", "gist", id, "err", err)
				}
				continue
			}
			voteCount++
		}
	}
	logger.Info("✓ added votes", "count", voteCount)

	stats, err := anon.Stats()
	if err != nil {
		logger.Error("stats", "err", err)
		os.Exit(1)
	}

	fmt.Println("\n=== Seed Complete ===")
	fmt.Printf("Users:    %d\n", stats.Users)
	fmt.Printf("Gists:    %d\n", stats.Gists)
	fmt.Printf("Comments: %d\n", stats.Comments)
	fmt.Printf("Votes:    %d\n", voteCount)
	fmt.Println("\nView at:", *baseURL)
}
