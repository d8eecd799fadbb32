package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mirrorops/ghmirror/internal/sync"
)

var (
	syncRepo     string
	syncAll      bool
	syncMode     string
	syncStart    string
	syncRefetch  bool
	syncOpenOnly bool
	syncTypes    string
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize repositories into the document store",
	Long: `Synchronize one repository (--repo owner/name) or every configured
repository (--all).

Modes:
  create   backfill the full history ascending by creation date, skipping
           items already in the store
  update   fetch items changed since the last run's watermark; falls back
           to a coverage-gated full traversal when no watermark exists`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		var repos []string
		switch {
		case syncRepo != "":
			repos = []string{syncRepo}
		case syncAll:
			repos = cfg.Sync.Repositories
		default:
			fmt.Fprintf(os.Stderr, "Error: either --repo or --all is required\n")
			os.Exit(1)
		}
		if len(repos) == 0 {
			fmt.Fprintf(os.Stderr, "Error: no repositories configured\n")
			os.Exit(1)
		}

		opts := sync.Options{
			Mode:          sync.Mode(syncMode),
			IncludeClosed: !syncOpenOnly,
			Refetch:       syncRefetch,
			ItemTypes:     sync.ItemTypes(syncTypes),
		}
		if opts.Mode != sync.ModeCreate && opts.Mode != sync.ModeUpdate {
			fmt.Fprintf(os.Stderr, "Error: invalid mode %q (want create or update)\n", syncMode)
			os.Exit(1)
		}
		if syncStart != "" {
			start, err := time.Parse("2006-01-02", syncStart)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: invalid --start-date %q (want YYYY-MM-DD)\n", syncStart)
				os.Exit(1)
			}
			opts.StartDate = &start
		}

		failed := 0
		for _, repo := range repos {
			if _, _, err := sync.ParseRepositoryString(repo); err != nil {
				fmt.Fprintf(os.Stderr, "Skipping invalid repository %s: %v\n", repo, err)
				failed++
				continue
			}

			logger.Printf("syncing repository %s (mode: %s)", repo, opts.Mode)
			syncer, _ := buildSyncer(cfg, repo)
			start := time.Now()
			sum, err := syncer.Run(cmd.Context(), opts)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error syncing %s: %v\n", repo, err)
				failed++
				continue
			}
			fmt.Printf("%s: %d processed (%d created, %d updated, %d unchanged), %d skipped in %v\n",
				repo, sum.Processed, sum.Created, sum.Updated, sum.Unchanged, sum.Skipped,
				time.Since(start).Round(time.Second))
		}
		if failed > 0 {
			os.Exit(1)
		}
	},
}

func init() {
	syncCmd.Flags().StringVar(&syncRepo, "repo", "", "repository to sync (owner/name)")
	syncCmd.Flags().BoolVar(&syncAll, "all", false, "sync every repository in the configuration")
	syncCmd.Flags().StringVar(&syncMode, "mode", "update", "sync mode: create (backfill) or update (incremental)")
	syncCmd.Flags().StringVar(&syncStart, "start-date", "", "explicit since date (YYYY-MM-DD)")
	syncCmd.Flags().BoolVar(&syncRefetch, "refetch", false, "ignore existing store state when deciding what to pull")
	syncCmd.Flags().BoolVar(&syncOpenOnly, "open-only", false, "fetch only open items")
	syncCmd.Flags().StringVar(&syncTypes, "type", "both", "item kinds to fetch: issues, prs, or both")
}
