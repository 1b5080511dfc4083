package main

import (
	"context"
	"log"
	"os"

	"owlmon-agent/internal/agent"
	"owlmon-agent/internal/config"
	"owlmon-agent/internal/queue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	q := queue.New()
	logger, bridge := agent.BuildLogger(cfg, q)

	a, err := agent.New(cfg, q, bridge, logger)
	if err != nil {
		logger.Error("agent initialization failed", "error", err)
		os.Exit(1)
	}

	if err := a.Run(context.Background()); err != nil {
		logger.Error("agent runtime failed", "error", err)
		os.Exit(1)
	}
}
