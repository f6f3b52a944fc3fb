// Command devtoken mints a bearer token for exercising the API locally.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/pflag"

	"choirattendance/internal/auth"
	"choirattendance/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	subject := pflag.String("subject", "", "token subject (defaults to --email)")
	email := pflag.String("email", "", "member identifier recorded on registration")
	role := pflag.String("role", "user", "caller role: admin, leader or user")
	ttl := pflag.Duration("ttl", cfg.AccessTTL, "token lifetime")
	pflag.Parse()

	if *email == "" && *subject == "" {
		fmt.Fprintln(os.Stderr, "devtoken: --email or --subject is required")
		pflag.Usage()
		os.Exit(2)
	}
	if *subject == "" {
		*subject = *email
	}
	switch *role {
	case "admin", "leader", "user":
	default:
		log.Fatalf("unknown role %q", *role)
	}

	token, _, err := auth.Issue(*subject, *email, *role, cfg.JWTIssuer, cfg.JWTSigningKey, *ttl)
	if err != nil {
		log.Fatalf("issue token: %v", err)
	}
	fmt.Println(token)
}
