// Command token mints a service JWT for the internal and admin APIs.
//
//	go run ./cmd/tools/token -sub checkout-svc -roles checkout -ttl 24h
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/noah-isme/toko-reconcile/internal/auth"
)

func main() {
	subject := flag.String("sub", "", "token subject, usually the calling service")
	roles := flag.String("roles", auth.RoleCheckout, "comma separated roles")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		log.Fatal("JWT_SECRET is not set")
	}
	if strings.TrimSpace(*subject) == "" {
		log.Fatal("-sub is required")
	}

	verifier := auth.Verifier{
		Secret:   []byte(secret),
		Issuer:   envOr("JWT_ISSUER", "toko"),
		Audience: envOr("JWT_AUDIENCE", "toko-reconcile"),
	}
	token, err := verifier.Issue(*subject, splitRoles(*roles), *ttl)
	if err != nil {
		log.Fatalf("issue token: %v", err)
	}
	fmt.Println(token)
}

func splitRoles(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if role := strings.TrimSpace(part); role != "" {
			out = append(out, role)
		}
	}
	return out
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
