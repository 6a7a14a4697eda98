package main

import (
	"log"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "appforge",
	Short: "Turn a product idea into a packaged application",
	Long: `appforge runs the build API: it researches an idea, plans it, generates a
frontend, backend and database, reviews the result and packages it as a zip archive.`,
	// Running without a subcommand starts the server.
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd, sweepCmd, tokenCmd)
}

func main() {
	loadDotEnv()
	if err := rootCmd.Execute(); err != nil {
		log.Printf("appforge: %v", err)
		os.Exit(1)
	}
}

// loadDotEnv loads the nearest .env walking up from the working directory. Variables already
// set in the environment win.
func loadDotEnv() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}
