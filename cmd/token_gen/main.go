package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/threadline/threadline/internal/tokens"
)

// token_gen mints a bearer token for local testing against a dev server.
func main() {
	userID := flag.String("user", "00000000-0000-0000-0000-000000000001", "Subject (user id) to embed")
	handle := flag.String("handle", "dev", "Handle claim")
	ttl := flag.Duration("ttl", 24*time.Hour, "Token lifetime")
	flag.Parse()

	key := os.Getenv("JWT_SECRET")
	if key == "" {
		key = "dev-secret-do-not-use-in-prod"
		log.Printf("JWT_SECRET not set, using the dev key")
	}
	mgr := tokens.NewManager(key)

	token, err := mgr.GenerateAccessToken(*userID, *handle, *ttl)
	if err != nil {
		log.Fatalf("Failed to sign token: %v", err)
	}
	fmt.Println(token)
}
