package main

import (
	"log"
	"os"

	"ardutrial/internal/cli"
	"ardutrial/internal/config"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		log.Fatalf("Fatal Error: %v", err)
	}
	os.Exit(cli.Execute())
}
