package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ledgerkeep/ledgerkeep/internal/agent"
	"github.com/ledgerkeep/ledgerkeep/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	cfg := config.LoadConfig()

	app, err := agent.NewApp(ctx, cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}

	token := os.Getenv("LEDGERKEEP_SESSION_TOKEN")
	if token == "" {
		token, err = agent.PromptToken(os.Stdout)
		if err != nil {
			log.Fatalf("%v", err)
		}
	}
	if token != "" {
		if err := app.Login(ctx, token); err != nil {
			log.Printf("login failed, continuing offline: %v", err)
		}
	}

	if err := app.Run(ctx); err != nil {
		log.Printf("%v", err)
	}
}
