// Package main выпускает токен администратора для POST /admin/transactions/{reference}/retry.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/mmeshcher/cryptotopup/internal/middleware"
)

type config struct {
	AdminSecret string `env:"ADMIN_SECRET,required"`
}

func main() {
	_ = godotenv.Load()

	admin := flag.String("admin", "ops", "admin identifier embedded into the token")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if *ttl <= 0 {
		fmt.Fprintln(os.Stderr, "ttl must be positive")
		os.Exit(1)
	}

	auth := middleware.NewAuthMiddleware(cfg.AdminSecret)
	fmt.Println(auth.SignToken(*admin, *ttl))
}
