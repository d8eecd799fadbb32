package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mirrorops/ghmirror/config"
	"github.com/mirrorops/ghmirror/internal/api"
	"github.com/mirrorops/ghmirror/internal/requester"
	"github.com/mirrorops/ghmirror/internal/store"
	"github.com/mirrorops/ghmirror/internal/sync"
)

var (
	configPath string
	logFile    string

	logger = log.New(os.Stderr, "", log.LstdFlags)
)

var rootCmd = &cobra.Command{
	Use:   "ghmirror",
	Short: "Mirror GitHub issues and pull requests into a document store",
	Long: `ghmirror incrementally mirrors the issues and pull requests of GitHub
repositories into a CouchDB-compatible document store.

A backfill run (--mode create) traverses the full history once; later
incremental runs (--mode update) fetch only what changed since the last
run. Interrupting a run is always safe: completed writes stay durable and
the next run resumes from the store's actual contents.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if logFile != "" {
			logger.SetOutput(&lumberjack.Logger{
				Filename:   logFile,
				MaxSize:    50, // megabytes
				MaxBackups: 3,
			})
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.toml (default: ./config.toml)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "write logs to this file with rotation instead of stderr")
	rootCmd.AddCommand(syncCmd, fetchCmd, deleteCmd, initCmd)
}

func loadConfig() *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// buildSyncer wires one requester through every remote client so GitHub
// and the store share a single retry/backoff policy.
func buildSyncer(cfg *config.Config, repo string) (*sync.Syncer, *store.Store) {
	rq := requester.New(nil, requester.WithLogger(logger))
	rest := api.NewClient(cfg.GitHub.Token, rq, logger)
	gql := api.NewGraphQLClient(cfg.GitHub.Token, rq, logger)
	st := store.New(cfg.CouchDB.URL, repo, cfg.CouchDB.Username, cfg.CouchDB.Password, rq, logger)
	return sync.New(st, rest, gql, sync.NewLogProgress(logger)), st
}
