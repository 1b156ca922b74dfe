package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"notifyd/internal/app"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	envFile := flag.String("env", ".env", "path to an optional .env file")
	flag.Parse()

	// .env is optional: real deployments inject environment directly.
	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	a, err := app.New(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "notifyd: %v\n", err)
		os.Exit(1)
	}
	if err := a.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "notifyd: %v\n", err)
		os.Exit(1)
	}
}
