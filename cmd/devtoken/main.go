// Command devtoken mints access tokens for local development, signed
// with JWT_SECRET from the environment or .env.
//
//	go run ./cmd/devtoken -user 42 -role STAFF -ttl 8h
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/iliyamo/cafeteria-queue/internal/config"
	"github.com/iliyamo/cafeteria-queue/internal/model"
	"github.com/iliyamo/cafeteria-queue/internal/utils"
)

func main() {
	userID := flag.Uint64("user", 1, "user id placed in the sub claim")
	role := flag.String("role", model.RoleCustomer, "CUSTOMER or STAFF")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fail(err)
	}
	if cfg.IsProduction() {
		fail(fmt.Errorf("refusing to mint tokens with APP_ENV=%s", cfg.Env))
	}
	if cfg.JWTSecret == "" {
		fail(fmt.Errorf("JWT_SECRET is not set"))
	}
	r := strings.ToUpper(*role)
	if !model.ValidRole(r) {
		fail(fmt.Errorf("unknown role %q", *role))
	}
	tok, err := utils.NewAccessToken(cfg.JWTSecret, *userID, r, *ttl)
	if err != nil {
		fail(err)
	}
	fmt.Println(tok.Token)
	fmt.Fprintf(os.Stderr, "expires %s\n", tok.Exp.Format(time.RFC3339))
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "devtoken:", err)
	os.Exit(1)
}
