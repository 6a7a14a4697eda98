package main

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"

	"appforge/internal/auth"
	"appforge/internal/config"
	"appforge/internal/registry"
	"appforge/internal/sweeper"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete expired archives from the archive directory once and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		sw := sweeper.New(registry.New(), cfg.ArchiveDir, cfg.RetentionTTL)
		n, err := sw.SweepDirectory(time.Now())
		if err != nil {
			return err
		}
		log.Printf("sweep: removed %d archives older than %s from %s", n, cfg.RetentionTTL, cfg.ArchiveDir)
		return nil
	},
}

var tokenTTL time.Duration

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Issue a bearer token for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is not set")
		}
		tok, err := auth.New(cfg.JWTSecret).Issue(args[0], tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
}
