package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/TheGojiOG/pvebackup/internal/auth"
	"github.com/TheGojiOG/pvebackup/internal/config"
)

func main() {
	operator := flag.String("operator", "admin", "Operator name recorded in the token")
	duration := flag.String("duration", "", "Token lifetime, e.g. 720h (defaults to auth.token_duration)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.Auth.JWTSecret == "" {
		log.Fatal("auth.jwt_secret is not set (use the config file or JWT_SECRET)")
	}

	lifetime := config.ParseDuration(cfg.Auth.TokenDuration, 30*24*time.Hour)
	if *duration != "" {
		d, err := time.ParseDuration(*duration)
		if err != nil || d <= 0 {
			log.Fatalf("Invalid -duration %q", *duration)
		}
		lifetime = d
	}

	token, expiresAt, err := auth.NewJWTManager(cfg.Auth.JWTSecret, lifetime).GenerateToken(*operator)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Fprintf(os.Stderr, "token for %s expires %s\n", *operator, expiresAt.Format(time.RFC3339))
	fmt.Println(token)
}
