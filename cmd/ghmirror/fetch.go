package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mirrorops/ghmirror/internal/sync"
)

var fetchRepo string

var fetchCmd = &cobra.Command{
	Use:   "fetch <number>...",
	Short: "Fetch specific items by number",
	Long: `Fetch the given issue or pull request numbers directly and upsert
them, whether or not they are already in the store.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		if fetchRepo == "" {
			fmt.Fprintf(os.Stderr, "Error: --repo is required\n")
			os.Exit(1)
		}

		numbers := make([]int, 0, len(args))
		for _, arg := range args {
			n, err := strconv.Atoi(arg)
			if err != nil || n <= 0 {
				fmt.Fprintf(os.Stderr, "Error: invalid issue number %q\n", arg)
				os.Exit(1)
			}
			numbers = append(numbers, n)
		}

		syncer, _ := buildSyncer(cfg, fetchRepo)
		sum, err := syncer.Run(cmd.Context(), sync.Options{Numbers: numbers})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error fetching items: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s: %d fetched (%d created, %d updated, %d unchanged), %d skipped\n",
			fetchRepo, sum.Processed, sum.Created, sum.Updated, sum.Unchanged, sum.Skipped)
	},
}

func init() {
	fetchCmd.Flags().StringVar(&fetchRepo, "repo", "", "repository the items belong to (owner/name)")
}
