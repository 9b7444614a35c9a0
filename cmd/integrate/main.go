// Command integrate fetches external data for one account and pushes it to a
// running creditscore server as the owner.
//
// Usage:
//
//	go run ./cmd/integrate 0x71252e5fDd7aE56FA390DfFe7B242D5651E061b0
//
// OWNER_API_KEY is required. FEED_SOURCE_URL selects an HTTP data source;
// without it the built-in defaults are used.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/creditscore/internal/client"
	"github.com/mbd888/creditscore/internal/feed"
	"github.com/mbd888/creditscore/internal/retry"
	"github.com/mbd888/creditscore/internal/validation"
)

func main() {
	_ = godotenv.Load()

	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "Usage: integrate <user-address>")
		os.Exit(1)
	}
	if err := run(os.Args[1]); err != nil {
		fmt.Fprintf(os.Stderr, "integrate: %v\n", err)
		os.Exit(1)
	}
}

func run(user string) error {
	account, verr := validation.ParseAddress("user", user)
	if verr != nil {
		return verr
	}

	apiKey := os.Getenv("OWNER_API_KEY")
	if apiKey == "" {
		return fmt.Errorf("OWNER_API_KEY is required")
	}

	var src feed.Source = feed.NewStaticSource()
	if u := os.Getenv("FEED_SOURCE_URL"); u != "" {
		src = feed.NewHTTPSource(u)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	data, err := src.Fetch(ctx, account)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}

	c := client.New(client.Config{
		APIURL: envOrDefault("CREDITSCORE_API_URL", "http://localhost:8080"),
		APIKey: apiKey,
	})

	// A 503 means the profile store is busy; anything else will not improve.
	var resp *client.ProfileResponse
	err = retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		r, err := c.Integrate(ctx, user, data)
		if err != nil {
			if client.IsStatus(err, http.StatusServiceUnavailable) {
				return err
			}
			return retry.Permanent(err)
		}
		resp = r
		return nil
	})
	if err != nil {
		return err
	}

	fmt.Printf("Credit score updated for user %s: %d\n", user, resp.Profile.CreditScore)
	return nil
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
